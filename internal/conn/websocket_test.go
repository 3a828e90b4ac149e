package conn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"feedchat/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketDialer_Endpoint(t *testing.T) {
	d := NewWebSocketDialer(WebSocketConfig{URL: "ws://relay.local:8090/", SelfID: "7", DisplayName: "Ada L"})
	assert.Equal(t, "ws://relay.local:8090/ws/7/999?name=Ada+L", d.Endpoint("999"))
}

func TestWebSocketDialer_RoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			typ, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(typ, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	d := NewWebSocketDialer(WebSocketConfig{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		SelfID:       "7",
		Token:        "secret",
		PingInterval: 50 * time.Millisecond,
		Logger:       testLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr, err := d.Dial(ctx, "999")
	require.NoError(t, err)
	defer tr.Close()

	assert.Equal(t, "Bearer secret", <-gotAuth)

	require.NoError(t, tr.WriteFrame([]byte("hi")))
	data, err := tr.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(data))

	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close(), "close must be idempotent")
	_, err = tr.ReadFrame()
	assert.Error(t, err)
}

func TestWebSocketDialer_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	d := NewWebSocketDialer(WebSocketConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), SelfID: "7"})
	_, err := d.Dial(context.Background(), "999")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			typ, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketTransport_WriteAfterCloseIsNotConnected(t *testing.T) {
	srv := echoServer(t)
	d := NewWebSocketDialer(WebSocketConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), SelfID: "7", Logger: testLogger()})

	tr, err := d.Dial(context.Background(), "999")
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	err = tr.WriteFrame([]byte("late"))
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestWebSocketTransport_OversizedFrameIsMalformed(t *testing.T) {
	srv := echoServer(t)
	d := NewWebSocketDialer(WebSocketConfig{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		SelfID:    "7",
		ReadLimit: 16,
		Logger:    testLogger(),
	})

	tr, err := d.Dial(context.Background(), "999")
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.WriteFrame([]byte(strings.Repeat("x", 64))))
	_, err = tr.ReadFrame()
	var malformed *domain.MalformedFrameError
	assert.True(t, errors.As(err, &malformed), "got %v", err)
	assert.ErrorIs(t, err, websocket.ErrReadLimit)
}
