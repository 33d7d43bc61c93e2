package sdk

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/coverage-agent/internal/agent"
	"github.com/coral-mesh/coverage-agent/internal/config"
	"github.com/coral-mesh/coverage-agent/internal/constants"
	"github.com/coral-mesh/coverage-agent/internal/coverage"
	"github.com/coral-mesh/coverage-agent/internal/logging"
	"github.com/coral-mesh/coverage-agent/internal/transport"
	"github.com/coral-mesh/coverage-agent/pkg/probe"
)

// ClassID identifies an instrumented class.
type ClassID = coverage.ClassID

// Record is the probe state of one class within one test.
type Record = coverage.ExecDatum

// SDK is a coverage agent embedded in an application.
type SDK struct {
	agent  *agent.Agent
	logger zerolog.Logger

	// inflight counts requests per test so the middleware stops a test only
	// after its last concurrent request.
	mu       sync.Mutex
	inflight map[coverage.ContextKey]int
}

// Config contains SDK configuration options.
type Config struct {
	// Agent is the agent configuration. When nil it is loaded from
	// ConfigPath, the COVERAGE_CONFIG file or the default locations.
	Agent *config.AgentConfig

	// ConfigPath is the YAML config file used when Agent is nil.
	ConfigPath string

	// Transport overrides the configured collector transport.
	Transport transport.Transport

	// Logger defaults to a logger built from the logging section.
	Logger *zerolog.Logger
}

// New creates an SDK instance. Nothing runs until Start.
func New(cfg Config) (*SDK, error) {
	ac := cfg.Agent
	if ac == nil {
		loaded, err := config.Load(cfg.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load coverage config: %w", err)
		}
		ac = loaded
	}

	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = logging.New(logging.Config{
			Level:  ac.Logging.Level,
			Format: ac.Logging.Format,
		})
	}
	logger = logger.With().Str("component", "coverage-sdk").Logger()

	a, err := agent.New(agent.Config{
		Agent:     ac,
		Transport: cfg.Transport,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Debug().
		Str("app_id", ac.Agent.AppID).
		Bool("coverage_enabled", ac.Coverage.Enabled).
		Msg("Coverage SDK initialized")

	return &SDK{
		agent:    a,
		logger:   logger,
		inflight: make(map[coverage.ContextKey]int),
	}, nil
}

// Instrument registers a class and returns its id. Registering the same
// class twice with the same probe count returns the same id.
func (s *SDK) Instrument(className string, probeCount int) (ClassID, error) {
	desc, err := s.agent.Recorder().Instrument(className, probeCount)
	if err != nil {
		return 0, err
	}
	return desc.ID, nil
}

// Probes returns the probe array of class id for the test carried by ctx.
// It panics for unregistered classes.
func (s *SDK) Probes(ctx context.Context, id ClassID) *probe.Array {
	return s.agent.Recorder().BindContext(ctx, id)
}

// BindProbes returns the probe array of class id for an explicit test and
// panics when expectedProbeCount disagrees with the registered count.
func (s *SDK) BindProbes(sessionID, testID string, id ClassID, expectedProbeCount int) *probe.Array {
	return s.agent.Recorder().BindProbes(coverage.NewKey(sessionID, testID), id, expectedProbeCount)
}

// StartRecording opens the test context for (sessionID, testID).
func (s *SDK) StartRecording(sessionID, testID string) {
	s.agent.Recorder().StartRecording(coverage.NewKey(sessionID, testID))
}

// StopRecording closes the test context and returns its full coverage. The
// remaining probes are still delivered by the sender.
func (s *SDK) StopRecording(sessionID, testID string) []Record {
	return s.agent.Recorder().StopRecording(coverage.NewKey(sessionID, testID))
}

// Cancel discards the test context without delivering it.
func (s *SDK) Cancel(sessionID, testID string) bool {
	return s.agent.Recorder().Cancel(coverage.NewKey(sessionID, testID))
}

// WithTest returns ctx tagged with the (sessionID, testID) test.
func WithTest(ctx context.Context, sessionID, testID string) context.Context {
	return coverage.WithKey(ctx, coverage.NewKey(sessionID, testID))
}

// Middleware attributes each request carrying drill-session-id or
// drill-test-id headers to that test. Requests without them record into the
// ambient context.
func (s *SDK) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.Header.Get(constants.HeaderSessionID)
		testID := r.Header.Get(constants.HeaderTestID)
		key := coverage.NewKey(sessionID, testID)
		if key.IsEmpty() || key.IsAmbient() {
			next.ServeHTTP(w, r)
			return
		}

		s.enter(key)
		defer s.leave(key)

		next.ServeHTTP(w, r.WithContext(coverage.WithKey(r.Context(), key)))
	})
}

func (s *SDK) enter(key coverage.ContextKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[key] == 0 {
		s.agent.Recorder().StartRecording(key)
	}
	s.inflight[key]++
}

func (s *SDK) leave(key coverage.ContextKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[key]--
	if s.inflight[key] > 0 {
		return
	}
	delete(s.inflight, key)
	s.agent.Recorder().StopRecording(key)
}

// Handler returns the control endpoint handler for mounting on the
// application's own server. It is nil when the control endpoint is disabled.
func (s *SDK) Handler() http.Handler {
	if c := s.agent.Control(); c != nil {
		return c.Handler()
	}
	return nil
}

// ControlAddr returns the control endpoint address, empty when disabled.
func (s *SDK) ControlAddr() string {
	if c := s.agent.Control(); c != nil {
		return c.Addr()
	}
	return ""
}

// Status returns the agent health: healthy, degraded, unhealthy or
// disabled.
func (s *SDK) Status() string {
	return string(s.agent.GetStatus())
}

// Start begins sending coverage and serving the control endpoint.
func (s *SDK) Start(ctx context.Context) error {
	return s.agent.Start(ctx)
}

// Close flushes pending coverage and releases resources.
func (s *SDK) Close() error {
	s.logger.Debug().Msg("Shutting down coverage SDK")
	return s.agent.Stop()
}
