package agent

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/coverage-agent/internal/codec"
	"github.com/coral-mesh/coverage-agent/internal/config"
	"github.com/coral-mesh/coverage-agent/internal/coverage"
	"github.com/coral-mesh/coverage-agent/internal/testutil"
	"github.com/coral-mesh/coverage-agent/internal/transport"
)

type recordingTransport struct {
	mu        sync.Mutex
	available bool
	batches   [][]byte
	closed    bool
}

func (r *recordingTransport) Send(_ context.Context, batch []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.available {
		return transport.ErrUnavailable
	}
	r.batches = append(r.batches, batch)
	return nil
}

func (r *recordingTransport) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available
}

func (r *recordingTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingTransport) sent() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.batches...)
}

func testConfig(t *testing.T) *config.AgentConfig {
	t.Helper()
	cfg := config.DefaultAgentConfig()
	cfg.Agent.AppID = "checkout"
	cfg.Agent.InstanceID = "pod-1"
	cfg.Transport.Kind = "none"
	cfg.Control.Addr = "127.0.0.1:0"
	cfg.Payload.Format = codec.FormatJSON
	return cfg
}

func TestNew(t *testing.T) {
	logger := testutil.NewTestLogger(t)

	t.Run("nil config", func(t *testing.T) {
		_, err := New(Config{Logger: logger})
		assert.Error(t, err)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Coverage.PageSize = 0
		_, err := New(Config{Agent: cfg, Logger: logger})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "coverage.page_size")
	})

	t.Run("bolt queue", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Queue.Kind = "bolt"
		cfg.Queue.Path = filepath.Join(t.TempDir(), "queue.db")
		cfg.Control.Enabled = false

		a, err := New(Config{Agent: cfg, Logger: logger})
		require.NoError(t, err)
		assert.Nil(t, a.Control())
		assert.NoError(t, a.Stop())
	})
}

func TestNewTransport(t *testing.T) {
	logger := testutil.NewTestLogger(t)
	ser, err := codec.New(codec.FormatProtobuf, codec.CompressionGzip)
	require.NoError(t, err)
	defer ser.Close()

	cfg := testConfig(t)

	cfg.Transport.Kind = "none"
	tr, err := NewTransport(cfg, ser, logger)
	require.NoError(t, err)
	assert.IsType(t, transport.Stub{}, tr)

	cfg.Transport.Kind = "http"
	cfg.Transport.URL = "http://collector:8090/api/coverage"
	tr, err = NewTransport(cfg, ser, logger)
	require.NoError(t, err)
	assert.IsType(t, &transport.HTTP{}, tr)
	assert.True(t, tr.Available())

	cfg.Transport.Kind = "websocket"
	cfg.Transport.URL = "ws://collector:8090/ws"
	tr, err = NewTransport(cfg, ser, logger)
	require.NoError(t, err)
	assert.IsType(t, &transport.WebSocket{}, tr)
	assert.False(t, tr.Available(), "websocket is unavailable until dialed")
	assert.NoError(t, tr.Close())

	cfg.Transport.Kind = "carrier-pigeon"
	_, err = NewTransport(cfg, ser, logger)
	assert.Error(t, err)
}

func TestAgent_LifecycleFlushesOnStop(t *testing.T) {
	tr := &recordingTransport{available: true}
	a, err := New(Config{Agent: testConfig(t), Transport: tr, Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)

	ctx, cancel := testutil.NewTestContext()
	defer cancel()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Start(ctx), "second start is a no-op")
	assert.Equal(t, AgentStatusHealthy, a.GetStatus())

	// Drive a test through the control endpoint.
	base := "http://" + a.Control().Addr() + "/v1/sessions/s1/tests/t1/"
	resp, err := http.Post(base+"start", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	desc, err := a.Recorder().Instrument("shop/Cart", 8)
	require.NoError(t, err)
	a.Recorder().Bind(coverage.NewKey("s1", "t1"), desc.ID).Set(6)

	resp, err = http.Post(base+"stop", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop(), "second stop is a no-op")
	assert.Error(t, a.Start(ctx), "a stopped agent cannot restart")

	ser, err := codec.New(codec.FormatJSON, codec.CompressionGzip)
	require.NoError(t, err)
	defer ser.Close()

	var covered []int
	for _, batch := range tr.sent() {
		p, err := ser.Decode(batch)
		require.NoError(t, err)
		assert.Equal(t, "checkout", p.AppID)
		for _, c := range p.Classes {
			if c.TestSessionID == "s1" {
				covered = append(covered, c.Array().Indices()...)
			}
		}
	}
	assert.Equal(t, []int{6}, covered)
	assert.True(t, tr.closed)
}

func TestAgent_GetStatus(t *testing.T) {
	logger := testutil.NewTestLogger(t)

	t.Run("degraded while retaining", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Control.Enabled = false
		a, err := New(Config{Agent: cfg, Logger: logger})
		require.NoError(t, err)
		defer func() { _ = a.Stop() }()
		assert.Equal(t, AgentStatusDegraded, a.GetStatus())
	})

	t.Run("unhealthy without queue room", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Control.Enabled = false
		cfg.Queue.Limit = 0
		a, err := New(Config{Agent: cfg, Logger: logger})
		require.NoError(t, err)
		defer func() { _ = a.Stop() }()
		assert.Equal(t, AgentStatusUnhealthy, a.GetStatus())
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Control.Enabled = false
		cfg.Coverage.Enabled = false
		a, err := New(Config{Agent: cfg, Logger: logger})
		require.NoError(t, err)

		ctx, cancel := testutil.NewTestContext()
		defer cancel()
		require.NoError(t, a.Start(ctx))
		assert.Equal(t, AgentStatusDisabled, a.GetStatus())
		assert.False(t, a.Sender().Status().Running)
		assert.NoError(t, a.Stop())
	})
}
