package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"feedchat/internal/domain"

	"github.com/gorilla/websocket"
)

// WebSocketConfig configures the relay dialer.
type WebSocketConfig struct {
	URL              string // relay base URL, e.g. ws://127.0.0.1:8090
	SelfID           string
	DisplayName      string
	AvatarURL        string
	Token            string // optional bearer token issued by the auth layer
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadLimit        int64
	Logger           *slog.Logger
}

// WebSocketDialer dials one relay channel per (self, recipient) pair.
type WebSocketDialer struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewWebSocketDialer(cfg WebSocketConfig) *WebSocketDialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSocketDialer{
		cfg:    cfg,
		logger: cfg.Logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Endpoint returns the channel URL for a conversation.
func (d *WebSocketDialer) Endpoint(conversationID string) string {
	base := strings.TrimSuffix(d.cfg.URL, "/")
	u := fmt.Sprintf("%s/ws/%s/%s", base, url.PathEscape(d.cfg.SelfID), url.PathEscape(conversationID))

	q := url.Values{}
	if d.cfg.DisplayName != "" {
		q.Set("name", d.cfg.DisplayName)
	}
	if d.cfg.AvatarURL != "" {
		q.Set("avatar", d.cfg.AvatarURL)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (d *WebSocketDialer) Dial(ctx context.Context, conversationID string) (Transport, error) {
	header := http.Header{}
	if d.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+d.cfg.Token)
	}

	endpoint := d.Endpoint(conversationID)
	conn, resp, err := d.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	t := newWSTransport(conn, d.cfg.PingInterval, d.cfg.ReadLimit, d.logger)
	go t.keepalive()
	return t, nil
}

const writeWait = 10 * time.Second

// wsTransport adapts a gorilla connection to Transport and keeps it alive
// with pings; a peer that stops answering is detected by the read deadline.
type wsTransport struct {
	conn         *websocket.Conn
	pingInterval time.Duration
	pongWait     time.Duration
	logger       *slog.Logger

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, pingInterval time.Duration, readLimit int64, logger *slog.Logger) *wsTransport {
	t := &wsTransport{
		conn:         conn,
		pingInterval: pingInterval,
		pongWait:     pingInterval * 2,
		logger:       logger,
		done:         make(chan struct{}),
	}
	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(t.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.pongWait))
	})
	return t
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		typ, data, err := t.conn.ReadMessage()
		if errors.Is(err, websocket.ErrReadLimit) {
			// gorilla has already answered with 1009 and the connection is unusable.
			return nil, &domain.MalformedFrameError{Err: err}
		}
		if err != nil {
			return nil, err
		}
		// Any traffic proves the peer is alive.
		t.conn.SetReadDeadline(time.Now().Add(t.pongWait))
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteFrame(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := t.conn.WriteMessage(websocket.TextMessage, data)
	if err != nil && isConnectionLoss(err) {
		return fmt.Errorf("%w: %v", domain.ErrNotConnected, err)
	}
	return err
}

// isConnectionLoss reports whether a write failed because the connection is
// gone rather than because of the frame itself.
func isConnectionLoss(err error) bool {
	switch {
	case errors.Is(err, websocket.ErrCloseSent),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return true
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (t *wsTransport) keepalive() {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				t.logger.Debug("websocket ping failed", "err", err)
				return
			}
		}
	}
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}
