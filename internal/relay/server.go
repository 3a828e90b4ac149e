// Package relay is a development message relay implementing the frame
// contract the chat client speaks. It acknowledges every accepted send with
// a server id and timestamp and forwards the message to the recipient's
// open channels.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"feedchat/internal/domain"
	"feedchat/internal/metrics"
	"feedchat/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// Reject reasons, also used as metric labels.
const (
	ReasonMalformed   = "malformed"
	ReasonInvalid     = "invalid"
	ReasonRateLimited = "rate limited"
	ReasonRecipient   = "recipient mismatch"
)

const writeWait = 10 * time.Second

// Config configures the relay.
type Config struct {
	Addr               string  // host:port; defaults to ":8090"
	RateLimitPerSecond float64 // per connection; 0 disables limiting
	RateBurst          int
	ReadLimit          int64
	Metrics            *metrics.RelayCollector
	Logger             *slog.Logger

	// NewID and Now default to uuid.NewString and time.Now.
	NewID func() string
	Now   func() time.Time
}

// Server routes frames between the two ends of each conversation.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.RelayCollector
	router   *mux.Router
	upgrader websocket.Upgrader
	server   *http.Server

	mu    sync.RWMutex
	peers map[channelKey]map[*peer]struct{}
}

// channelKey identifies one direction of a conversation: the user who
// owns the connection and the user they are talking to.
type channelKey struct {
	self  string
	other string
}

type peer struct {
	conn    *websocket.Conn
	key     channelKey
	sender  domain.Sender
	limiter *rate.Limiter

	writeMu sync.Mutex
}

func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8090"
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewRelayCollector()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		peers:   make(map[channelKey]map[*peer]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // development relay; any origin
			},
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws/{self}/{other}", s.handleUpgrade).Methods(http.MethodGet)
	r.Handle("/metrics", cfg.Metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","clients":%d}`, s.clientCount())
	}).Methods(http.MethodGet)
	s.router = r
	return s
}

// Handler exposes the routes, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is done, then closes every channel and shuts down.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("relay starting", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := channelKey{self: vars["self"], other: vars["other"]}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	name := r.URL.Query().Get("name")
	if name == "" {
		name = key.self
	}
	p := &peer{
		conn: conn,
		key:  key,
		sender: domain.Sender{
			ID:     key.self,
			Name:   name,
			Avatar: r.URL.Query().Get("avatar"),
		},
	}
	if s.cfg.RateLimitPerSecond > 0 {
		burst := s.cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerSecond), burst)
	}

	s.register(p)
	s.logger.Info("channel opened", "self", key.self, "other", key.other)

	defer func() {
		s.unregister(p)
		conn.Close()
		s.logger.Info("channel closed", "self", key.self, "other", key.other)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "self", key.self, "err", err)
			}
			return
		}
		s.handleFrame(p, data)
	}
}

func (s *Server) handleFrame(p *peer, data []byte) {
	frame, err := protocol.DecodeOutbound(data)
	if err != nil {
		// Without a token the sender cannot correlate a reject; drop it.
		token := gjson.GetBytes(data, "correlationToken").String()
		s.logger.Warn("malformed frame", "self", p.key.self, "err", err)
		if token != "" {
			s.reject(p, token, ReasonMalformed, err.Error())
		} else {
			s.metrics.Rejected(ReasonMalformed)
		}
		return
	}

	if p.limiter != nil && !p.limiter.Allow() {
		s.reject(p, frame.CorrelationToken, ReasonRateLimited, ReasonRateLimited)
		return
	}
	if frame.RecipientID != "" && frame.RecipientID != p.key.other {
		s.reject(p, frame.CorrelationToken, ReasonRecipient, ReasonRecipient)
		return
	}
	if err := domain.Validate(frame.Kind, frame.Content, frame.Attachment); err != nil {
		s.reject(p, frame.CorrelationToken, ReasonInvalid, err.Error())
		return
	}

	serverID := s.cfg.NewID()
	ts := s.cfg.Now().UTC()

	s.write(p, protocol.InboundFrame{
		Type:             protocol.TypeAck,
		CorrelationToken: frame.CorrelationToken,
		ServerID:         serverID,
		ServerTimestamp:  ts,
	})

	sender := p.sender
	out := protocol.InboundFrame{
		Type:            protocol.TypeMessage,
		ServerID:        serverID,
		ServerTimestamp: ts,
		Kind:            frame.Kind,
		Content:         frame.Content,
		Attachment:      frame.Attachment,
		Sender:          &sender,
	}
	delivered := 0
	for _, dst := range s.channel(channelKey{self: p.key.other, other: p.key.self}) {
		s.write(dst, out)
		delivered++
	}
	s.metrics.Routed()
	s.logger.Debug("message routed", "from", p.key.self, "to", p.key.other, "server_id", serverID, "delivered", delivered)
}

func (s *Server) reject(p *peer, token, label, reason string) {
	s.metrics.Rejected(label)
	s.write(p, protocol.InboundFrame{Type: protocol.TypeReject, CorrelationToken: token, Reason: reason})
}

func (s *Server) write(p *peer, frame protocol.InboundFrame) {
	data, err := protocol.Encode(frame)
	if err != nil {
		s.logger.Error("encode frame", "err", err)
		return
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("websocket write failed", "self", p.key.self, "err", err)
	}
}

func (s *Server) register(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.peers[p.key]
	if !ok {
		set = make(map[*peer]struct{})
		s.peers[p.key] = set
	}
	set[p] = struct{}{}
	s.metrics.ClientConnected()
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.peers[p.key]
	if !ok {
		return
	}
	if _, ok := set[p]; !ok {
		return
	}
	delete(set, p)
	if len(set) == 0 {
		delete(s.peers, p.key)
	}
	s.metrics.ClientDisconnected()
}

func (s *Server) channel(key channelKey) []*peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*peer, 0, len(s.peers[key]))
	for p := range s.peers[key] {
		out = append(out, p)
	}
	return out
}

func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, set := range s.peers {
		n += len(set)
	}
	return n
}

// closeAll drops every open channel. Hijacked connections are not closed by
// http.Server.Shutdown.
func (s *Server) closeAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, set := range s.peers {
		for p := range set {
			p.conn.Close()
		}
	}
}
