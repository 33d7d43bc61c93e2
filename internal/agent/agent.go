// Package agent assembles the coverage recorder, retention queue, transport,
// sender and control endpoint from an AgentConfig.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/coverage-agent/internal/codec"
	"github.com/coral-mesh/coverage-agent/internal/config"
	"github.com/coral-mesh/coverage-agent/internal/coverage"
	cerrors "github.com/coral-mesh/coverage-agent/internal/errors"
	"github.com/coral-mesh/coverage-agent/internal/httpapi"
	"github.com/coral-mesh/coverage-agent/internal/retention"
	"github.com/coral-mesh/coverage-agent/internal/retry"
	"github.com/coral-mesh/coverage-agent/internal/sender"
	"github.com/coral-mesh/coverage-agent/internal/transport"
)

// AgentStatus represents the overall agent health status.
type AgentStatus string

const (
	AgentStatusHealthy   AgentStatus = "healthy"
	AgentStatusDegraded  AgentStatus = "degraded"
	AgentStatusUnhealthy AgentStatus = "unhealthy"
	AgentStatusDisabled  AgentStatus = "disabled"
)

// queuePressure is the queue fill ratio above which an agent without a
// reachable collector reports unhealthy.
const queuePressure = 0.9

// Config contains agent configuration.
type Config struct {
	// Agent is the validated agent configuration.
	Agent *config.AgentConfig

	// Transport overrides the transport built from Agent.Transport.
	Transport transport.Transport

	// Recorder overrides the recorder. The agent builds one when nil.
	Recorder *coverage.Recorder

	Logger zerolog.Logger
}

// Agent is a running coverage agent.
type Agent struct {
	cfg    *config.AgentConfig
	logger zerolog.Logger

	recorder   *coverage.Recorder
	serializer *codec.Serializer
	queue      retention.Queue
	transport  transport.Transport
	sender     *sender.IntervalSender
	control    *httpapi.Server

	mu      sync.Mutex
	started bool
	stopped bool
}

// New wires an agent. Nothing runs until Start.
func New(cfg Config) (*Agent, error) {
	if cfg.Agent == nil {
		return nil, fmt.Errorf("agent config is required")
	}
	if err := cfg.Agent.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}
	ac := cfg.Agent
	logger := cfg.Logger.With().
		Str("app_id", ac.Agent.AppID).
		Str("instance_id", ac.Agent.InstanceID).
		Logger()

	recorder := cfg.Recorder
	if recorder == nil {
		recorder = coverage.NewRecorder(coverage.Config{
			Disabled: !ac.Coverage.Enabled,
			Logger:   logger,
		})
	}

	serializer, err := codec.New(ac.Payload.Format, ac.Payload.Compression)
	if err != nil {
		return nil, err
	}

	queue, err := retention.New(retention.Options{
		Kind:   ac.Queue.Kind,
		Path:   ac.Queue.Path,
		Limit:  ac.Queue.Limit.Bytes(),
		Logger: logger,
	})
	if err != nil {
		serializer.Close()
		return nil, fmt.Errorf("failed to open retention queue: %w", err)
	}

	t := cfg.Transport
	if t == nil {
		t, err = NewTransport(ac, serializer, logger)
		if err != nil {
			cerrors.DeferClose(logger, queue, "failed to close retention queue")
			serializer.Close()
			return nil, err
		}
	}

	meta := codec.Meta{
		GroupID:    ac.Agent.GroupID,
		AppID:      ac.Agent.AppID,
		InstanceID: ac.Agent.InstanceID,
	}

	a := &Agent{
		cfg:        ac,
		logger:     logger.With().Str("component", "agent").Logger(),
		recorder:   recorder,
		serializer: serializer,
		queue:      queue,
		transport:  t,
	}
	a.sender = sender.New(sender.Config{
		Interval:        ac.Coverage.SendInterval,
		PageSize:        ac.Coverage.PageSize,
		ShutdownTimeout: ac.Coverage.ShutdownTimeout,
		Meta:            meta,
		Logger:          logger,
	}, recorder, serializer, t, queue)

	if ac.Control.Enabled {
		a.control, err = httpapi.New(httpapi.Config{
			Addr:      ac.Control.Addr,
			Token:     ac.Control.Token,
			RateLimit: ac.Control.RateLimit,
			Recorder:  recorder,
			Status:    a.sender.Status,
			Meta:      meta,
			Logger:    logger,
		})
		if err != nil {
			if cerr := cerrors.CloseAll(t, queue); cerr != nil {
				logger.Warn().Err(cerr).Msg("Failed to release agent resources")
			}
			serializer.Close()
			return nil, fmt.Errorf("failed to create control server: %w", err)
		}
	}

	return a, nil
}

// NewTransport builds the transport named by cfg.Transport.Kind.
func NewTransport(cfg *config.AgentConfig, serializer *codec.Serializer, logger zerolog.Logger) (transport.Transport, error) {
	tc := cfg.Transport
	backoff := retry.Config{
		MaxRetries:     tc.MaxRetries,
		InitialBackoff: tc.InitialBackoff,
		MaxBackoff:     tc.MaxBackoff,
		Jitter:         0.1,
	}

	switch tc.Kind {
	case "http":
		return transport.NewHTTP(transport.HTTPConfig{
			URL:             tc.URL,
			APIKey:          tc.APIKey,
			InstanceID:      cfg.Agent.InstanceID,
			ContentType:     serializer.ContentType(),
			ContentEncoding: serializer.ContentEncoding(),
			Timeout:         tc.Timeout,
			Retry:           backoff,
			Cooldown:        tc.Cooldown,
			Logger:          logger,
		})
	case "websocket":
		return transport.NewWebSocket(transport.WebSocketConfig{
			URL:          tc.URL,
			APIKey:       tc.APIKey,
			InstanceID:   cfg.Agent.InstanceID,
			WriteTimeout: tc.Timeout,
			PingInterval: tc.PingInterval,
			Reconnect:    backoff,
			Logger:       logger,
		})
	case "none":
		return transport.Stub{}, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", tc.Kind)
	}
}

// Start launches the transport connection, the sender and the control
// server. With coverage disabled only the control server runs.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return fmt.Errorf("agent stopped")
	}
	if a.started {
		return nil
	}

	a.logger.Info().
		Bool("coverage_enabled", a.recorder.Enabled()).
		Str("transport", a.cfg.Transport.Kind).
		Str("queue", a.cfg.Queue.Kind).
		Msg("Starting coverage agent")

	if a.recorder.Enabled() {
		if ws, ok := a.transport.(*transport.WebSocket); ok {
			ws.Start()
		}
		if err := a.sender.Start(ctx); err != nil {
			return fmt.Errorf("failed to start sender: %w", err)
		}
	}

	if a.control != nil {
		if err := a.control.Start(); err != nil {
			cerrors.DeferStop(a.logger, a.sender, "failed to stop sender")
			return err
		}
	}

	a.started = true
	return nil
}

// Stop shuts the agent down: the control server first so no new tests
// begin, then the sender, which flushes pending coverage and closes the
// transport, and finally the queue. Stop is idempotent.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return nil
	}
	a.stopped = true
	a.logger.Info().Msg("Stopping coverage agent")

	var errs []error
	if a.control != nil && a.started {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Coverage.ShutdownTimeout)
		if err := a.control.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("control server: %w", err))
		}
		cancel()
	}

	if a.sender.Status().Running {
		if err := a.sender.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("sender: %w", err))
		}
	} else if err := a.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}

	if err := a.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("retention queue: %w", err))
	}
	a.serializer.Close()
	return errors.Join(errs...)
}

// Recorder returns the coverage recorder.
func (a *Agent) Recorder() *coverage.Recorder {
	return a.recorder
}

// Sender returns the interval sender.
func (a *Agent) Sender() *sender.IntervalSender {
	return a.sender
}

// Control returns the control server, nil when disabled.
func (a *Agent) Control() *httpapi.Server {
	return a.control
}

// GetStatus returns the aggregated agent status.
//
//   - Healthy: the collector is reachable.
//   - Degraded: the collector is unreachable and batches are being retained.
//   - Unhealthy: the collector is unreachable and the queue is nearly full.
//   - Disabled: coverage collection is switched off.
func (a *Agent) GetStatus() AgentStatus {
	if !a.recorder.Enabled() {
		return AgentStatusDisabled
	}
	if a.transport.Available() {
		return AgentStatusHealthy
	}
	limit := a.queue.Limit()
	if limit == 0 || float64(a.queue.Size()) >= queuePressure*float64(limit) {
		return AgentStatusUnhealthy
	}
	return AgentStatusDegraded
}
