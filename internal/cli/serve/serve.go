// Package serve implements 'coverage-agent serve', which runs the agent as a
// standalone process next to the application under test.
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/coral-mesh/coverage-agent/internal/agent"
	"github.com/coral-mesh/coverage-agent/internal/cli/helpers"
	"github.com/coral-mesh/coverage-agent/internal/config"
	"github.com/coral-mesh/coverage-agent/internal/logging"
	"github.com/coral-mesh/coverage-agent/pkg/version"
)

const defaultStatusInterval = time.Minute

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	var (
		statusInterval time.Duration
		controlAddr    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coverage agent",
		Long: `Run the coverage agent until interrupted.

The agent:
- Serves the control endpoint test runners use to start and stop tests
- Polls recorded coverage every coverage.send_interval and ships it
- Retains batches while the collector is unreachable
- Flushes pending coverage on SIGINT or SIGTERM`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := helpers.LoadConfig(cmd)
			if err != nil {
				return err
			}
			if controlAddr != "" {
				cfg.Control.Enabled = true
				cfg.Control.Addr = controlAddr
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			logger := logging.New(logging.Config{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
				Output: os.Stderr,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return Run(ctx, Options{
				Config:         cfg,
				StatusInterval: statusInterval,
				Logger:         logger,
			})
		},
	}

	cmd.Flags().DurationVar(&statusInterval, "status-interval", defaultStatusInterval, "How often to log agent status (0 disables)")
	cmd.Flags().StringVar(&controlAddr, "control-addr", "", "Override control.addr and enable the control endpoint")
	return cmd
}

// Options configures Run.
type Options struct {
	Config         *config.AgentConfig
	StatusInterval time.Duration
	Logger         zerolog.Logger

	// Started is called once the agent is running. Optional.
	Started func(*agent.Agent)
}

// Run starts the agent and blocks until ctx is cancelled, then stops it.
func Run(ctx context.Context, opts Options) error {
	logger := opts.Logger.With().Str("component", "serve").Logger()

	a, err := agent.New(agent.Config{
		Agent:  opts.Config,
		Logger: opts.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	if err := a.Start(ctx); err != nil {
		if stopErr := a.Stop(); stopErr != nil {
			logger.Warn().Err(stopErr).Msg("Failed to stop agent after start failure")
		}
		return fmt.Errorf("failed to start agent: %w", err)
	}

	ev := logger.Info().
		Str("version", version.Version).
		Str("app_id", opts.Config.Agent.AppID).
		Str("instance_id", opts.Config.Agent.InstanceID)
	if c := a.Control(); c != nil {
		ev = ev.Str("control_addr", c.Addr())
	}
	ev.Msg("Coverage agent running - waiting for shutdown signal")

	if opts.Started != nil {
		opts.Started(a)
	}

	g, gctx := errgroup.WithContext(ctx)
	if opts.StatusInterval > 0 {
		g.Go(func() error {
			reportStatus(gctx, a, opts.StatusInterval, logger)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutdown requested - flushing coverage")
		return a.Stop()
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("agent shutdown: %w", err)
	}
	logger.Info().Msg("Coverage agent stopped")
	return nil
}

func reportStatus(ctx context.Context, a *agent.Agent, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := a.GetStatus()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := a.GetStatus()
			st := a.Sender().Status()

			ev := logger.Debug()
			if status != last {
				ev = logger.Info()
			}
			if status == agent.AgentStatusUnhealthy {
				ev = logger.Warn()
			}
			ev.Str("status", string(status)).
				Bool("transport_available", st.TransportAvailable).
				Int("queued_batches", st.QueuedBatches).
				Int64("queued_bytes", st.QueuedBytes).
				Int("active_sessions", len(a.Recorder().ActiveSessions())).
				Msg("Agent status")
			last = status
		}
	}
}
