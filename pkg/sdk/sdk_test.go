package sdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/coverage-agent/internal/config"
	"github.com/coral-mesh/coverage-agent/internal/constants"
	"github.com/coral-mesh/coverage-agent/internal/coverage"
	"github.com/coral-mesh/coverage-agent/internal/transport"
)

type nullTransport struct{}

func (nullTransport) Send(context.Context, []byte) error { return nil }
func (nullTransport) Available() bool                    { return true }
func (nullTransport) Close() error                       { return nil }

func newTestSDK(t *testing.T, mutate func(*config.AgentConfig)) *SDK {
	t.Helper()
	cfg := config.DefaultAgentConfig()
	cfg.Agent.AppID = "checkout"
	cfg.Agent.InstanceID = "pod-1"
	cfg.Control.Addr = "127.0.0.1:0"
	if mutate != nil {
		mutate(cfg)
	}

	logger := zerolog.Nop()
	s, err := New(Config{Agent: cfg, Transport: nullTransport{}, Logger: &logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.AgentConfig)
		wantErr bool
	}{
		{
			name:    "defaults",
			wantErr: false,
		},
		{
			name:    "invalid interval",
			mutate:  func(c *config.AgentConfig) { c.Coverage.SendInterval = 0 },
			wantErr: true,
		},
		{
			name:    "unknown queue kind",
			mutate:  func(c *config.AgentConfig) { c.Queue.Kind = "redis" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultAgentConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			logger := zerolog.Nop()
			sdk, err := New(Config{Agent: cfg, Transport: transport.Stub{}, Logger: &logger})
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if sdk != nil {
				if err := sdk.Close(); err != nil {
					t.Errorf("Close() error = %v", err)
				}
			}
		})
	}
}

func TestNew_FromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coverage-agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agent:
  app_id: from-file
transport:
  kind: none
control:
  enabled: false
logging:
  level: error
`), 0600))

	s, err := New(Config{ConfigPath: path})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.Empty(t, s.ControlAddr())
	assert.Nil(t, s.Handler())
	assert.Equal(t, "degraded", s.Status())
}

func TestSDK_RecordingLifecycle(t *testing.T) {
	s := newTestSDK(t, nil)

	cart, err := s.Instrument("shop/Cart", 10)
	require.NoError(t, err)
	again, err := s.Instrument("shop/Cart", 10)
	require.NoError(t, err)
	assert.Equal(t, cart, again)

	s.StartRecording("s1", "t1")
	ctx := WithTest(context.Background(), "s1", "t1")
	s.Probes(ctx, cart).Set(2)
	s.BindProbes("s1", "t1", cart, 10).Set(7)

	records := s.StopRecording("s1", "t1")
	require.Len(t, records, 1)
	assert.Equal(t, []int{2, 7}, records[0].Probes.Indices())

	s.StartRecording("s1", "t2")
	assert.True(t, s.Cancel("s1", "t2"))
	assert.False(t, s.Cancel("s1", "t2"))

	assert.Panics(t, func() { s.BindProbes("s1", "t1", cart, 11) })
}

func TestSDK_ProbesWithoutTestUseAmbient(t *testing.T) {
	s := newTestSDK(t, nil)
	id, err := s.Instrument("shop/Catalog", 4)
	require.NoError(t, err)

	s.Probes(context.Background(), id).Set(1)

	var ambient []int
	for _, d := range s.agent.Recorder().PollRecorded() {
		if d.Key().IsAmbient() {
			ambient = append(ambient, d.Probes.Indices()...)
		}
	}
	assert.Equal(t, []int{1}, ambient)
}

func TestSDK_DisabledHandsOutStubs(t *testing.T) {
	s := newTestSDK(t, func(c *config.AgentConfig) { c.Coverage.Enabled = false })
	id, err := s.Instrument("shop/Cart", 4)
	require.NoError(t, err)

	s.StartRecording("s1", "t1")
	p := s.Probes(WithTest(context.Background(), "s1", "t1"), id)
	assert.True(t, p.IsStub())
	p.Set(3)
	assert.False(t, p.Get(3))
	assert.Equal(t, "disabled", s.Status())
}

func TestSDK_Middleware(t *testing.T) {
	s := newTestSDK(t, nil)
	id, err := s.Instrument("shop/Handler", 8)
	require.NoError(t, err)

	var seen coverage.ContextKey
	h := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = coverage.KeyFromContext(r.Context())
		s.Probes(r.Context(), id).Set(4)
		assert.Contains(t, s.agent.Recorder().ActiveSessions(), "s1", "test must record during the request")
	}))

	req := httptest.NewRequest(http.MethodGet, "/cart", nil)
	req.Header.Set(constants.HeaderSessionID, "s1")
	req.Header.Set(constants.HeaderTestID, "t1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, coverage.NewKey("s1", "t1"), seen)
	assert.Empty(t, s.agent.Recorder().ActiveSessions(), "test stops after the request")

	var covered []int
	for _, d := range s.agent.Recorder().PollRecorded() {
		if d.SessionID == "s1" {
			covered = append(covered, d.Probes.Indices()...)
		}
	}
	assert.Equal(t, []int{4}, covered)
}

func TestSDK_MiddlewareWithoutHeaders(t *testing.T) {
	s := newTestSDK(t, nil)

	var seen coverage.ContextKey
	h := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = coverage.KeyFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.True(t, seen.IsEmpty())
	assert.Empty(t, s.agent.Recorder().ActiveSessions())
}

func TestSDK_MiddlewareConcurrentRequests(t *testing.T) {
	s := newTestSDK(t, nil)

	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	h := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
	}))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(constants.HeaderSessionID, "s1")
			req.Header.Set(constants.HeaderTestID, "t1")
			h.ServeHTTP(httptest.NewRecorder(), req)
		}()
	}
	<-entered
	<-entered

	// Finishing one request must not stop the test for the other.
	release <- struct{}{}
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.inflight[coverage.NewKey("s1", "t1")] == 1
	}, testTimeout, pollInterval)
	assert.Contains(t, s.agent.Recorder().ActiveSessions(), "s1")

	close(release)
	wg.Wait()
	assert.Empty(t, s.agent.Recorder().ActiveSessions())
}

func TestSDK_StartServesControlEndpoint(t *testing.T) {
	s := newTestSDK(t, nil)
	require.NoError(t, s.Start(context.Background()))
	require.NotNil(t, s.Handler())

	resp, err := http.Post("http://"+s.ControlAddr()+"/v1/sessions/s9/tests/t9/start", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, s.agent.Recorder().ActiveSessions(), "s9")
	assert.Equal(t, "healthy", s.Status())

	require.NoError(t, s.Close())
}

const (
	testTimeout  = 5 * time.Second
	pollInterval = 5 * time.Millisecond
)
