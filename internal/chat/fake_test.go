package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"feedchat/internal/bus"
	"feedchat/internal/conn"
	"feedchat/internal/domain"
	"feedchat/internal/protocol"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
	hold     chan struct{} // writes wait on it while non-nil
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan []byte, 32), closed: make(chan struct{})}
}

func (f *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, errors.New("transport closed")
	}
}

func (f *fakeTransport) WriteFrame(data []byte) error {
	f.mu.Lock()
	hold := f.hold
	f.mu.Unlock()
	if hold != nil {
		<-hold
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) failWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

// holdWrites blocks every write until the returned release func is called.
func (f *fakeTransport) holdWrites() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hold := make(chan struct{})
	f.hold = hold
	var once sync.Once
	return func() { once.Do(func() { close(hold) }) }
}

func (f *fakeTransport) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

// deliver pushes an inbound frame built from v.
func (f *fakeTransport) deliver(t *testing.T, v any) {
	t.Helper()
	data, err := protocol.Encode(v)
	require.NoError(t, err)
	f.inbound <- data
}

// sent decodes the outbound frames written so far.
func (f *fakeTransport) sent(t *testing.T) []*protocol.OutboundFrame {
	t.Helper()
	var out []*protocol.OutboundFrame
	for _, data := range f.Written() {
		frame, err := protocol.DecodeOutbound(data)
		require.NoError(t, err)
		out = append(out, frame)
	}
	return out
}

// fakeDialer hands out transports in order, per conversation; a nil entry or
// an exhausted list fails the dial.
type fakeDialer struct {
	mu      sync.Mutex
	results map[string][]*fakeTransport
	dials   map[string]int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{results: make(map[string][]*fakeTransport), dials: make(map[string]int)}
}

func (d *fakeDialer) add(conversationID string, ts ...*fakeTransport) *fakeDialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[conversationID] = append(d.results[conversationID], ts...)
	return d
}

func (d *fakeDialer) Dial(ctx context.Context, conversationID string) (conn.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[conversationID]++
	queue := d.results[conversationID]
	if len(queue) == 0 {
		return nil, errors.New("connection refused")
	}
	t := queue[0]
	d.results[conversationID] = queue[1:]
	if t == nil {
		return nil, errors.New("connection refused")
	}
	return t, nil
}

func (d *fakeDialer) Dials(conversationID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[conversationID]
}

type eventLog struct {
	mu     sync.Mutex
	events []bus.Event
}

func watch(eb *bus.EventBus) *eventLog {
	l := &eventLog{}
	eb.On("*", func(e bus.Event) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, e)
	})
	return l
}

func (l *eventLog) ofType(typ string) []bus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []bus.Event
	for _, e := range l.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type recorded struct {
	conversation string
	msg          domain.Message
}

type fakeRecorder struct {
	mu       sync.Mutex
	messages []recorded
	statuses []string
}

func (r *fakeRecorder) RecordMessage(ctx context.Context, conversationID string, msg domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, recorded{conversation: conversationID, msg: msg})
	return nil
}

func (r *fakeRecorder) RecordStatus(ctx context.Context, conversationID, status, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *fakeRecorder) Messages() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.messages...)
}

func (r *fakeRecorder) Statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...)
}

var self = domain.Sender{ID: "7", Name: "Ada"}

type harness struct {
	client   *Client
	dialer   *fakeDialer
	events   *eventLog
	recorder *fakeRecorder
}

// newHarness builds a client for conversation "999" that will be handed the
// given transports in order.
func newHarness(t *testing.T, ts ...*fakeTransport) *harness {
	t.Helper()
	eb := bus.NewEventBus(testLogger())
	h := &harness{
		dialer:   newFakeDialer().add("999", ts...),
		events:   watch(eb),
		recorder: &fakeRecorder{},
	}
	h.client = New(Config{
		ConversationID: "999",
		Self:           self,
		Dialer:         h.dialer,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		MaxAttempts:    3,
		Events:         eb,
		Recorder:       h.recorder,
		Logger:         testLogger(),
	})
	t.Cleanup(h.client.Close)
	return h
}

func (h *harness) open(t *testing.T) {
	t.Helper()
	h.client.Open(context.Background())
	waitConnected(t, h.client)
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, c.IsConnected, 2*time.Second, 2*time.Millisecond, "never connected")
}

// waitLen waits until the log has n entries.
func waitLen(t *testing.T, c *Client, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.Messages()) == n },
		2*time.Second, 2*time.Millisecond, "log length never became %d", n)
}

func peerFrame(serverID, content string, ts time.Time) protocol.InboundFrame {
	return protocol.InboundFrame{
		Type:            protocol.TypeMessage,
		ServerID:        serverID,
		ServerTimestamp: ts,
		Kind:            domain.KindText,
		Content:         content,
		Sender:          &domain.Sender{ID: "999", Name: "Grace"},
	}
}
