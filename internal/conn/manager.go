// Package conn owns the per-conversation transport lifecycle: dialing,
// reconnecting with backoff, and handing inbound frames to a single callback.
package conn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"feedchat/internal/domain"
	"feedchat/internal/metrics"
)

// Status is the connection lifecycle state.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusOpen
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// Config configures a Manager.
type Config struct {
	ConversationID string
	Dialer         Dialer
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int // consecutive failed dials before giving up

	// OnFrame receives every inbound frame, one at a time, from the read goroutine.
	OnFrame func(data []byte)
	// OnStatus is called after every status change.
	OnStatus func(Status)
	// OnFailure is called once when reconnection attempts are exhausted.
	OnFailure func(err error)

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Manager maintains at most one live transport for its conversation.
type Manager struct {
	conversationID string
	dialer         Dialer
	backoff        Backoff
	maxAttempts    int
	onFrame        func([]byte)
	onStatus       func(Status)
	onFailure      func(error)
	metrics        *metrics.Collector
	logger         *slog.Logger

	// sleep waits for d or until ctx is done; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) bool

	// transitionMu orders each status change with its notification, so
	// OnStatus observes transitions in the order they were applied.
	transitionMu sync.Mutex

	mu        sync.Mutex
	status    Status
	transport Transport
	err       error
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		conversationID: cfg.ConversationID,
		dialer:         cfg.Dialer,
		backoff:        Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay},
		maxAttempts:    cfg.MaxAttempts,
		onFrame:        cfg.OnFrame,
		onStatus:       cfg.OnStatus,
		onFailure:      cfg.OnFailure,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger.With("conversation", cfg.ConversationID),
		sleep:          sleepContext,
		status:         StatusIdle,
	}
}

// ConversationID returns the conversation this manager serves.
func (m *Manager) ConversationID() string { return m.conversationID }

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Err returns the terminal connectivity error, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Open starts connecting. It is a no-op while the manager is already
// connecting or open. The run loop lives until Close or until ctx is done;
// cancelling ctx closes the attached transport and leaves the manager closed.
func (m *Manager) Open(ctx context.Context) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	switch m.status {
	case StatusConnecting, StatusOpen, StatusClosing:
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.err = nil
	m.status = StatusConnecting
	m.mu.Unlock()

	m.notify(StatusConnecting)
	m.logger.Info("connecting")
	go m.run(runCtx, done)
}

// Close tears the connection down, cancels any scheduled reconnection and
// waits for the read loop to exit. No frame is dispatched after it returns.
// It must not be called from OnFrame.
func (m *Manager) Close() {
	m.transitionMu.Lock()
	m.mu.Lock()
	if m.cancel == nil {
		if m.status == StatusIdle {
			m.status = StatusClosed
		}
		m.mu.Unlock()
		m.transitionMu.Unlock()
		return
	}
	cancel, done, t := m.cancel, m.done, m.transport
	m.cancel = nil
	m.status = StatusClosing
	m.mu.Unlock()
	m.notify(StatusClosing)
	m.transitionMu.Unlock()

	cancel()
	if t != nil {
		t.Close()
	}
	<-done

	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	m.mu.Lock()
	m.status = StatusClosed
	m.transport = nil
	m.mu.Unlock()
	m.notify(StatusClosed)
	m.logger.Info("connection closed")
}

// Transmit writes one frame on the open transport.
func (m *Manager) Transmit(data []byte) error {
	m.mu.Lock()
	t := m.transport
	open := m.status == StatusOpen
	m.mu.Unlock()

	if !open || t == nil {
		return domain.ErrNotConnected
	}
	if err := t.WriteFrame(data); err != nil {
		return err
	}
	m.metrics.FrameOut()
	return nil
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	retries, failures := 0, 0
	reconnect := false
	var lastErr error

	for {
		if reconnect {
			retries++
			delay := m.backoff.Delay(retries)
			m.metrics.Reconnect()
			m.logger.Info("reconnecting", "attempt", retries, "delay", delay)
			if !m.sleep(ctx, delay) {
				m.exit(nil)
				return
			}
		}

		t, err := m.dialer.Dial(ctx, m.conversationID)
		if err != nil {
			if ctx.Err() != nil {
				m.exit(nil)
				return
			}
			failures++
			lastErr = err
			m.logger.Warn("dial failed", "attempt", failures, "err", err)
			if failures >= m.maxAttempts {
				m.exit(&domain.ConnectivityError{
					Conversation: m.conversationID,
					Attempts:     failures,
					Err:          lastErr,
				})
				return
			}
			reconnect = true
			continue
		}

		if !m.attach(ctx, t) {
			t.Close()
			m.exit(nil)
			return
		}
		retries, failures = 0, 0

		stop := context.AfterFunc(ctx, func() { t.Close() })
		err = m.readLoop(ctx, t)
		stop()
		if !m.detach(ctx, t) {
			m.exit(nil)
			return
		}
		var malformed *domain.MalformedFrameError
		if errors.As(err, &malformed) {
			m.metrics.Malformed()
			m.logger.Warn("inbound frame over read limit, reconnecting", "err", err)
		} else {
			m.logger.Warn("transport lost", "err", err)
		}
		reconnect = true
	}
}

func (m *Manager) attach(ctx context.Context, t Transport) bool {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	if ctx.Err() != nil || m.status != StatusConnecting {
		m.mu.Unlock()
		return false
	}
	m.transport = t
	m.status = StatusOpen
	m.mu.Unlock()

	m.metrics.Opened()
	m.notify(StatusOpen)
	m.logger.Info("connection open")
	return true
}

// detach clears a lost transport. It returns false when the loss was caused
// by Close or by ctx, in which case the run loop must stop.
func (m *Manager) detach(ctx context.Context, t Transport) bool {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	m.transport = nil
	stopping := m.status == StatusClosing || ctx.Err() != nil
	if !stopping {
		m.status = StatusConnecting
	}
	m.mu.Unlock()

	m.metrics.Closed()
	t.Close()
	if stopping {
		return false
	}
	m.notify(StatusConnecting)
	return true
}

func (m *Manager) readLoop(ctx context.Context, t Transport) error {
	for {
		data, err := t.ReadFrame()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.metrics.FrameIn()
		if m.onFrame != nil {
			m.onFrame(data)
		}
	}
}

// exit ends the run loop on its own (terminal failure or parent context).
// When Close is in progress it leaves the final transition to Close.
func (m *Manager) exit(err error) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	if m.status == StatusClosing {
		m.mu.Unlock()
		return
	}
	m.status = StatusClosed
	m.err = err
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	m.notify(StatusClosed)
	if err != nil {
		m.metrics.ConnectFailure()
		m.logger.Error("giving up on connection", "err", err)
		if m.onFailure != nil {
			m.onFailure(err)
		}
	}
}

func (m *Manager) notify(s Status) {
	if m.onStatus != nil {
		m.onStatus(s)
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// IsTerminal reports whether err is a connectivity failure.
func IsTerminal(err error) bool {
	var ce *domain.ConnectivityError
	return errors.As(err, &ce)
}
