package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/coverage-agent/internal/constants"
	"github.com/coral-mesh/coverage-agent/internal/retry"
	"github.com/coral-mesh/coverage-agent/internal/testutil"
)

// collector is a websocket server that records binary messages and lets the
// test drop the current connection.
type collector struct {
	srv      *httptest.Server
	messages chan []byte
	conns    chan *websocket.Conn
	apiKeys  chan string
}

func newCollector(t *testing.T) *collector {
	c := &collector{
		messages: make(chan []byte, 16),
		conns:    make(chan *websocket.Conn, 4),
		apiKeys:  make(chan string, 4),
	}
	upgrader := websocket.Upgrader{}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.apiKeys <- r.Header.Get(constants.HeaderAPIKey)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c.conns <- conn
		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if typ == websocket.BinaryMessage {
				c.messages <- data
			}
		}
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *collector) url() string {
	return "ws" + strings.TrimPrefix(c.srv.URL, "http")
}

func newWebSocketTransport(t *testing.T, url string) (*WebSocket, <-chan struct{}) {
	t.Helper()
	tr, err := NewWebSocket(WebSocketConfig{
		URL:          url,
		APIKey:       "secret",
		WriteTimeout: time.Second,
		Reconnect:    retry.Config{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond},
		Logger:       testutil.NewTestLogger(t),
	})
	require.NoError(t, err)

	available := make(chan struct{}, 4)
	tr.OnAvailable(func() {
		select {
		case available <- struct{}{}:
		default:
		}
	})
	t.Cleanup(func() { _ = tr.Close() })
	return tr, available
}

func TestWebSocket_ConnectAndSend(t *testing.T) {
	c := newCollector(t)
	tr, available := newWebSocketTransport(t, c.url())

	assert.False(t, tr.Available())
	assert.ErrorIs(t, tr.Send(context.Background(), []byte("early")), ErrUnavailable)

	tr.Start()
	testutil.WaitSignal(t, available, 2*time.Second, "transport available")
	assert.True(t, tr.Available())
	assert.Equal(t, "secret", testutil.WaitSignal(t, c.apiKeys, time.Second, "handshake"))

	require.NoError(t, tr.Send(context.Background(), []byte("batch-1")))
	assert.Equal(t, []byte("batch-1"), testutil.WaitSignal(t, c.messages, time.Second, "message"))
}

func TestWebSocket_ReconnectsAndNotifies(t *testing.T) {
	c := newCollector(t)
	tr, available := newWebSocketTransport(t, c.url())
	tr.Start()

	testutil.WaitSignal(t, available, 2*time.Second, "first connection")
	first := testutil.WaitSignal(t, c.conns, time.Second, "server side connection")

	// Server drops the connection; the transport notices and redials.
	require.NoError(t, first.Close())
	testutil.WaitSignal(t, available, 2*time.Second, "reconnection")
	testutil.WaitSignal(t, c.conns, time.Second, "second server side connection")

	require.Eventually(t, tr.Available, time.Second, 10*time.Millisecond)
	require.NoError(t, tr.Send(context.Background(), []byte("after-reconnect")))
	assert.Equal(t, []byte("after-reconnect"), testutil.WaitSignal(t, c.messages, time.Second, "message"))
}

func TestWebSocket_RetriesUntilCollectorUp(t *testing.T) {
	tr, available := newWebSocketTransport(t, "ws://127.0.0.1:1/never")
	tr.Start()

	select {
	case <-available:
		t.Fatal("transport must not report availability without a collector")
	case <-time.After(100 * time.Millisecond):
	}
	assert.False(t, tr.Available())
	require.NoError(t, tr.Close())
}

func TestWebSocket_CloseIsIdempotent(t *testing.T) {
	c := newCollector(t)
	tr, available := newWebSocketTransport(t, c.url())
	tr.Start()
	testutil.WaitSignal(t, available, 2*time.Second, "transport available")

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.False(t, tr.Available())
	assert.ErrorIs(t, tr.Send(context.Background(), []byte("late")), ErrUnavailable)
}

func TestNewWebSocket_InvalidURL(t *testing.T) {
	_, err := NewWebSocket(WebSocketConfig{URL: "http://collector"})
	assert.Error(t, err)
}
