package relay

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"feedchat/internal/domain"
	"feedchat/internal/metrics"
	"feedchat/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRelay(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	cfg.Logger = testLogger()
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server, self, other string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + self + "/" + other
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func sendFrame(t *testing.T, c *websocket.Conn, f protocol.OutboundFrame) {
	t.Helper()
	data, err := protocol.Encode(f)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, c *websocket.Conn) *protocol.InboundFrame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	f, err := protocol.Decode(data)
	require.NoError(t, err)
	return f
}

func textFrame(token, content, recipient string) protocol.OutboundFrame {
	return protocol.OutboundFrame{
		Type:             protocol.TypeSend,
		CorrelationToken: token,
		Kind:             domain.KindText,
		Content:          content,
		RecipientID:      recipient,
	}
}

func TestRelay_Healthz(t *testing.T) {
	_, ts := newTestRelay(t, Config{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
}

func TestRelay_AcksWithServerIDAndTimestamp(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	_, ts := newTestRelay(t, Config{
		NewID: func() string { return "m1" },
		Now:   func() time.Time { return fixed },
	})
	alice := dial(t, wsURL(ts, "alice", "bob"))

	sendFrame(t, alice, textFrame("tok-1", "Hello", "bob"))
	ack := readFrame(t, alice)

	assert.Equal(t, protocol.TypeAck, ack.Type)
	assert.Equal(t, "tok-1", ack.CorrelationToken)
	assert.Equal(t, "m1", ack.ServerID)
	assert.True(t, fixed.Equal(ack.ServerTimestamp))
}

func TestRelay_ForwardsToRecipient(t *testing.T) {
	_, ts := newTestRelay(t, Config{})
	alice := dial(t, wsURL(ts, "alice", "bob")+"?name=Alice")
	bob := dial(t, wsURL(ts, "bob", "alice"))
	carol := dial(t, wsURL(ts, "carol", "alice"))

	// Both channels must be registered before alice sends.
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(body), `"clients":3`)
	}, 2*time.Second, 5*time.Millisecond)

	att := &domain.Attachment{FileURL: "https://f/cv.pdf", FileName: "cv.pdf", FileType: "application/pdf"}
	sendFrame(t, alice, protocol.OutboundFrame{
		Type: protocol.TypeSend, CorrelationToken: "tok-1", Kind: domain.KindDocument,
		Content: domain.DefaultDocumentCaption, Attachment: att, RecipientID: "bob",
	})
	ack := readFrame(t, alice)
	got := readFrame(t, bob)

	assert.Equal(t, protocol.TypeMessage, got.Type)
	assert.Equal(t, ack.ServerID, got.ServerID)
	assert.Equal(t, domain.KindDocument, got.Kind)
	require.NotNil(t, got.Sender)
	assert.Equal(t, "alice", got.Sender.ID)
	assert.Equal(t, "Alice", got.Sender.Name)
	require.NotNil(t, got.Attachment)
	assert.Equal(t, "cv.pdf", got.Attachment.FileName)

	// carol talks to alice too, but is not part of alice->bob.
	require.NoError(t, carol.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, _, err := carol.ReadMessage()
	assert.Error(t, err)
}

func TestRelay_RejectsInvalidFrames(t *testing.T) {
	rc := metrics.NewRelayCollector()
	_, ts := newTestRelay(t, Config{Metrics: rc})
	alice := dial(t, wsURL(ts, "alice", "bob"))

	sendFrame(t, alice, textFrame("tok-empty", "   ", "bob"))
	rej := readFrame(t, alice)
	assert.Equal(t, protocol.TypeReject, rej.Type)
	assert.Equal(t, "tok-empty", rej.CorrelationToken)
	assert.Contains(t, rej.Reason, "content")

	sendFrame(t, alice, textFrame("tok-wrong", "hi", "mallory"))
	rej = readFrame(t, alice)
	assert.Equal(t, "tok-wrong", rej.CorrelationToken)
	assert.Equal(t, ReasonRecipient, rej.Reason)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus","correlationToken":"tok-bad"}`)))
	rej = readFrame(t, alice)
	assert.Equal(t, "tok-bad", rej.CorrelationToken)

	// No token: nothing to answer, but the channel stays usable.
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	sendFrame(t, alice, textFrame("tok-ok", "hi", "bob"))
	ack := readFrame(t, alice)
	assert.Equal(t, protocol.TypeAck, ack.Type)
	assert.Equal(t, "tok-ok", ack.CorrelationToken)

	assert.Equal(t, float64(1), testutil.ToFloat64(rc.RejectedCounter(ReasonInvalid)))
	assert.Equal(t, float64(2), testutil.ToFloat64(rc.RejectedCounter(ReasonMalformed)))
}

func TestRelay_RateLimitRejects(t *testing.T) {
	_, ts := newTestRelay(t, Config{RateLimitPerSecond: 0.001, RateBurst: 1})
	alice := dial(t, wsURL(ts, "alice", "bob"))

	sendFrame(t, alice, textFrame("tok-1", "one", "bob"))
	sendFrame(t, alice, textFrame("tok-2", "two", "bob"))

	first := readFrame(t, alice)
	second := readFrame(t, alice)
	assert.Equal(t, protocol.TypeAck, first.Type)
	assert.Equal(t, protocol.TypeReject, second.Type)
	assert.Equal(t, "tok-2", second.CorrelationToken)
	assert.Equal(t, ReasonRateLimited, second.Reason)
}

func TestRelay_MetricsEndpoint(t *testing.T) {
	_, ts := newTestRelay(t, Config{})
	alice := dial(t, wsURL(ts, "alice", "bob"))
	sendFrame(t, alice, textFrame("tok-1", "Hello", "bob"))
	readFrame(t, alice)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Contains(t, string(body), "feedchat_relay_messages_routed_total 1")
	assert.Contains(t, string(body), "feedchat_relay_clients 1")
}
