// Package chat is the surface the UI talks to: an ordered message log per
// conversation, its connection status, and optimistic sends reconciled
// against relay acknowledgements.
package chat

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"feedchat/internal/bus"
	"feedchat/internal/conn"
	"feedchat/internal/domain"
	"feedchat/internal/metrics"

	"github.com/google/uuid"
)

// Recorder receives every message transition and connection change.
type Recorder interface {
	RecordMessage(ctx context.Context, conversationID string, msg domain.Message) error
	RecordStatus(ctx context.Context, conversationID, status, detail string) error
}

// ReasonConversationClosed marks messages still pending when their conversation is torn down.
const ReasonConversationClosed = "conversation closed before confirmation"

const recordTimeout = 5 * time.Second

// Config configures a Client.
type Config struct {
	ConversationID string        // recipient id
	Self           domain.Sender // the authenticated local user
	Dialer         conn.Dialer
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int

	Events   *bus.EventBus
	Recorder Recorder
	Metrics  *metrics.Collector
	Logger   *slog.Logger

	// NewToken and Now default to uuid.NewString and time.Now.
	NewToken func() string
	Now      func() time.Time
}

// Client is the chat facade for one conversation.
//
// Inbound frames and sends are serialized on mu. Events are published in
// mutation order while notifyMu is held; handlers may read the client
// (Messages, Status) but must not call Send or Close. Messages is served
// from a copy-on-write view so readers never wait on mu.
type Client struct {
	conversationID string
	self           domain.Sender
	mgr            *conn.Manager
	events         *bus.EventBus
	recorder       Recorder
	metrics        *metrics.Collector
	logger         *slog.Logger
	newToken       func() string
	now            func() time.Time

	mu     sync.Mutex
	log    *Log
	closed bool
	view   atomic.Pointer[[]domain.Message]

	notifyMu sync.Mutex
}

func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewToken == nil {
		cfg.NewToken = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Client{
		conversationID: cfg.ConversationID,
		self:           cfg.Self,
		events:         cfg.Events,
		recorder:       cfg.Recorder,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger.With("conversation", cfg.ConversationID),
		newToken:       cfg.NewToken,
		now:            cfg.Now,
		log:            NewLog(),
	}
	c.view.Store(&[]domain.Message{})
	c.mgr = conn.NewManager(conn.Config{
		ConversationID: cfg.ConversationID,
		Dialer:         cfg.Dialer,
		BaseDelay:      cfg.BaseDelay,
		MaxDelay:       cfg.MaxDelay,
		MaxAttempts:    cfg.MaxAttempts,
		OnFrame:        c.handleFrame,
		OnStatus:       c.handleStatus,
		OnFailure:      c.handleFailure,
		Metrics:        cfg.Metrics,
		Logger:         cfg.Logger,
	})
	return c
}

// Open starts (or, after a terminal failure, restarts) the connection.
func (c *Client) Open(ctx context.Context) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.mgr.Open(ctx)
}

func (c *Client) ConversationID() string { return c.conversationID }

// Messages returns the log in display order.
func (c *Client) Messages() []domain.Message {
	v := *c.view.Load()
	out := make([]domain.Message, len(v))
	copy(out, v)
	return out
}

func (c *Client) Status() conn.Status { return c.mgr.Status() }

func (c *Client) IsConnected() bool { return c.mgr.Status() == conn.StatusOpen }

func (c *Client) IsConnecting() bool { return c.mgr.Status() == conn.StatusConnecting }

// Err returns the terminal connectivity failure, if the connection gave up.
func (c *Client) Err() error { return c.mgr.Err() }

// Close tears the conversation down. After it returns no inbound frame is
// applied. Messages still pending are marked failed.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.mgr.Close()

	c.mu.Lock()
	var events []bus.Event
	for _, pos := range c.log.Pending() {
		failed := c.log.At(pos).Fail(ReasonConversationClosed)
		c.log.Replace(pos, failed)
		events = append(events, c.messageEvent(bus.EventMessageFailed, failed))
	}
	c.publishLocked(events)
}

// publishLocked refreshes the view, releases mu and publishes events in
// order. Must be called with mu held.
func (c *Client) publishLocked(events []bus.Event) {
	if len(events) > 0 {
		snap := c.log.Snapshot()
		c.view.Store(&snap)
	}
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()
	c.publish(events)
}

func (c *Client) publish(events []bus.Event) {
	for _, e := range events {
		c.events.Emit(e)
		if c.recorder == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		var err error
		switch {
		case e.Message != nil:
			err = c.recorder.RecordMessage(ctx, c.conversationID, *e.Message)
		case e.Type == bus.EventStatus || e.Type == bus.EventConnectionFailed:
			detail := ""
			if e.Err != nil {
				detail = e.Err.Error()
			}
			err = c.recorder.RecordStatus(ctx, c.conversationID, e.Status, detail)
		}
		cancel()
		if err != nil {
			c.logger.Warn("journal write failed", "event", e.Type, "err", err)
		}
	}
}

func (c *Client) messageEvent(typ string, m domain.Message) bus.Event {
	return bus.Event{Type: typ, Conversation: c.conversationID, Message: &m}
}

func (c *Client) handleStatus(s conn.Status) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.publish([]bus.Event{{Type: bus.EventStatus, Conversation: c.conversationID, Status: s.String()}})
}

func (c *Client) handleFailure(err error) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.publish([]bus.Event{{
		Type:         bus.EventConnectionFailed,
		Conversation: c.conversationID,
		Status:       conn.StatusClosed.String(),
		Err:          err,
	}})
}
