package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/coverage-agent/internal/constants"
	"github.com/coral-mesh/coverage-agent/internal/retry"
)

// WebSocketConfig configures the websocket transport.
type WebSocketConfig struct {
	URL        string
	APIKey     string
	InstanceID string

	// WriteTimeout bounds a single batch write.
	WriteTimeout time.Duration

	// PingInterval is the keepalive period. Zero disables pings.
	PingInterval time.Duration

	// Reconnect shapes the delay between dial attempts. MaxRetries is
	// ignored; the transport redials until closed.
	Reconnect retry.Config

	Dialer *websocket.Dialer

	Logger zerolog.Logger
}

// WebSocket keeps one long-lived connection to the collector and sends each
// batch as a binary message. It redials in the background after the
// connection drops and notifies OnAvailable subscribers when it is back.
type WebSocket struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn

	available atomic.Bool

	callbacksMu sync.Mutex
	callbacks   []func()

	lost chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// NewWebSocket creates a websocket transport. Call Start to begin dialing.
func NewWebSocket(cfg WebSocketConfig) (*WebSocket, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid collector URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("collector URL must be ws or wss, got %q", cfg.URL)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = constants.DefaultRequestTimeout
	}
	if cfg.Reconnect.InitialBackoff <= 0 {
		cfg.Reconnect.InitialBackoff = constants.DefaultInitialBackoff
	}
	if cfg.Reconnect.MaxBackoff <= 0 {
		cfg.Reconnect.MaxBackoff = constants.DefaultMaxBackoff
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocket{
		cfg:    cfg,
		dialer: dialer,
		logger: cfg.Logger.With().Str("component", "transport_websocket").Str("url", u.Redacted()).Logger(),
		lost:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the connection loop. It returns immediately; Available
// turns true once the first dial succeeds.
func (w *WebSocket) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(1)
	go w.run()
}

// OnAvailable implements Notifier.
func (w *WebSocket) OnAvailable(fn func()) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Available implements Transport.
func (w *WebSocket) Available() bool {
	return w.available.Load()
}

// Send implements Transport.
func (w *WebSocket) Send(ctx context.Context, batch []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	conn := w.conn
	if conn == nil {
		return ErrUnavailable
	}

	deadline := time.Now().Add(w.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)

	if err := conn.WriteMessage(websocket.BinaryMessage, batch); err != nil {
		w.dropLocked(conn, err)
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close stops reconnecting and closes the connection.
func (w *WebSocket) Close() error {
	w.cancel()

	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.available.Store(false)
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutdown")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	w.mu.Unlock()

	w.wg.Wait()
	return nil
}

func (w *WebSocket) run() {
	defer w.wg.Done()

	var ping <-chan time.Time
	if w.cfg.PingInterval > 0 {
		ticker := time.NewTicker(w.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	attempt := 0
	for {
		if w.ctx.Err() != nil {
			return
		}

		if !w.Available() {
			if err := w.connect(); err != nil {
				attempt++
				delay := retry.Backoff(w.cfg.Reconnect, attempt)
				ev := w.logger.Debug()
				if attempt == 1 {
					ev = w.logger.Warn()
				}
				ev.Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("Failed to connect to collector")

				timer := time.NewTimer(delay)
				select {
				case <-w.ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
				continue
			}
			attempt = 0
		}

		select {
		case <-w.ctx.Done():
			return
		case <-w.lost:
		case <-ping:
			w.ping()
		}
	}
}

func (w *WebSocket) connect() error {
	header := http.Header{}
	if w.cfg.APIKey != "" {
		header.Set(constants.HeaderAPIKey, w.cfg.APIKey)
	}
	if w.cfg.InstanceID != "" {
		header.Set(constants.HeaderInstanceID, w.cfg.InstanceID)
	}
	connID := uuid.NewString()
	header.Set("X-Connection-Id", connID)

	ctx, cancel := context.WithTimeout(w.ctx, w.cfg.WriteTimeout)
	defer cancel()

	conn, resp, err := w.dialer.DialContext(ctx, w.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.ctx.Err() != nil {
		w.mu.Unlock()
		_ = conn.Close()
		return w.ctx.Err()
	}
	w.conn = conn
	w.available.Store(true)
	w.mu.Unlock()

	w.logger.Info().Str("connection_id", connID).Msg("Connected to collector")

	w.wg.Add(1)
	go w.read(conn)

	w.notifyAvailable()
	return nil
}

// read consumes inbound frames so control messages are processed, and
// detects a dropped connection.
func (w *WebSocket) read(conn *websocket.Conn) {
	defer w.wg.Done()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			w.mu.Lock()
			w.dropLocked(conn, err)
			w.mu.Unlock()
			return
		}
	}
}

func (w *WebSocket) ping() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return
	}
	deadline := time.Now().Add(w.cfg.WriteTimeout)
	if err := w.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		w.dropLocked(w.conn, err)
	}
}

// dropLocked discards conn if it is still current and wakes the connection
// loop. Caller holds w.mu.
func (w *WebSocket) dropLocked(conn *websocket.Conn, err error) {
	if w.conn != conn {
		return
	}
	w.conn = nil
	w.available.Store(false)
	_ = conn.Close()

	if w.ctx.Err() == nil {
		w.logger.Warn().Err(err).Msg("Collector connection lost")
	}
	select {
	case w.lost <- struct{}{}:
	default:
	}
}

func (w *WebSocket) notifyAvailable() {
	w.callbacksMu.Lock()
	callbacks := append([]func(){}, w.callbacks...)
	w.callbacksMu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}
