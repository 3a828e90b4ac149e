package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"feedchat/internal/bus"
	"feedchat/internal/conn"
	"feedchat/internal/domain"
	"feedchat/internal/metrics"
)

// ErrNoConversation is returned when a conversation id is empty.
var ErrNoConversation = errors.New("conversation id is required")

// HubConfig holds what every client of a hub shares.
type HubConfig struct {
	Self        domain.Sender
	Dialer      conn.Dialer
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	Events   *bus.EventBus
	Recorder Recorder
	Metrics  *metrics.Collector
	Logger   *slog.Logger

	NewToken func() string
	Now      func() time.Time
}

// Hub indexes live clients by conversation id so that a recipient never has
// more than one connection.
type Hub struct {
	cfg HubConfig

	mu      sync.Mutex
	clients map[string]*Client
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{cfg: cfg, clients: make(map[string]*Client)}
}

// Open returns the client for a conversation, creating it on first use,
// and makes sure it is connecting or connected.
func (h *Hub) Open(ctx context.Context, conversationID string) (*Client, error) {
	if conversationID == "" {
		return nil, ErrNoConversation
	}
	h.mu.Lock()
	c, ok := h.clients[conversationID]
	if !ok {
		c = New(Config{
			ConversationID: conversationID,
			Self:           h.cfg.Self,
			Dialer:         h.cfg.Dialer,
			BaseDelay:      h.cfg.BaseDelay,
			MaxDelay:       h.cfg.MaxDelay,
			MaxAttempts:    h.cfg.MaxAttempts,
			Events:         h.cfg.Events,
			Recorder:       h.cfg.Recorder,
			Metrics:        h.cfg.Metrics,
			Logger:         h.cfg.Logger,
			NewToken:       h.cfg.NewToken,
			Now:            h.cfg.Now,
		})
		h.clients[conversationID] = c
	}
	h.mu.Unlock()

	c.Open(ctx)
	return c, nil
}

// Release tears a conversation down and forgets it. A later Open starts
// with an empty log.
func (h *Hub) Release(conversationID string) {
	h.mu.Lock()
	c, ok := h.clients[conversationID]
	delete(h.clients, conversationID)
	h.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Conversations lists the live conversation ids in sorted order.
func (h *Hub) Conversations() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close releases every conversation.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
}

// Binding is the UI's handle on "the conversation currently shown".
// Binding to a different id tears the previous conversation down.
type Binding struct {
	hub *Hub

	mu      sync.Mutex
	current *Client
}

func NewBinding(hub *Hub) *Binding {
	return &Binding{hub: hub}
}

// Bind switches to conversationID. Re-binding the current id is a no-op
// apart from reopening a connection that gave up.
func (b *Binding) Bind(ctx context.Context, conversationID string) (*Client, error) {
	if conversationID == "" {
		return nil, ErrNoConversation
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current != nil && b.current.ConversationID() == conversationID {
		b.current.Open(ctx)
		return b.current, nil
	}
	if b.current != nil {
		b.hub.Release(b.current.ConversationID())
		b.current = nil
	}
	c, err := b.hub.Open(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	b.current = c
	b.hub.cfg.Events.Emit(bus.Event{Type: bus.EventConversationBound, Conversation: conversationID})
	return c, nil
}

// Current returns the bound client, or nil.
func (b *Binding) Current() *Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Close releases the bound conversation.
func (b *Binding) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil {
		b.hub.Release(b.current.ConversationID())
		b.current = nil
	}
}
