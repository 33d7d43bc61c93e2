// Package collect implements 'coverage-agent collect', a local collector for
// trying the agent without a coverage backend.
package collect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/coral-mesh/coverage-agent/internal/cli/helpers"
	"github.com/coral-mesh/coverage-agent/internal/collector"
	"github.com/coral-mesh/coverage-agent/internal/constants"
	"github.com/coral-mesh/coverage-agent/internal/logging"
)

const defaultAddr = "127.0.0.1:8090"

// Options configures Run.
type Options struct {
	Addr        string
	APIKey      string
	Format      string
	Compression string

	// Output receives the final summary.
	Output       io.Writer
	OutputFormat string

	Logger zerolog.Logger

	// Ready is called with the bound address once the collector listens.
	Ready func(addr string)
}

// NewCollectCmd creates the collect command.
func NewCollectCmd() *cobra.Command {
	var (
		opts     Options
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run a local coverage collector",
		Long: `Run a local coverage collector that accepts batches from agents and
prints per-test coverage when interrupted.

Agents reach it over HTTP at ` + collector.IngestPath + ` or over websocket at
` + collector.WebSocketPath + `. Websocket messages carry no headers, so
--payload-format and --compression must match the agents' payload settings.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(opts.OutputFormat, formats); err != nil {
				return err
			}
			opts.Output = cmd.OutOrStdout()
			opts.Logger = logging.New(logging.Config{
				Level:  logLevel,
				Format: logging.FormatConsole,
				Output: os.Stderr,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", defaultAddr, "Listen address")
	cmd.Flags().StringVar(&opts.APIKey, "api-key", "", "Require this "+constants.HeaderAPIKey+" value")
	cmd.Flags().StringVar(&opts.Format, "payload-format", constants.DefaultFormat, "Websocket payload format (protobuf, json)")
	cmd.Flags().StringVar(&opts.Compression, "compression", constants.DefaultCompression, "Websocket payload compression (none, gzip, zstd)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	helpers.AddFormatFlag(cmd, &opts.OutputFormat, helpers.FormatTable, formats)
	return cmd
}

var formats = []helpers.OutputFormat{
	helpers.FormatTable,
	helpers.FormatJSON,
	helpers.FormatYAML,
	helpers.FormatCSV,
}

// Run serves the collector until ctx is cancelled and then writes the
// aggregated coverage to opts.Output.
func Run(ctx context.Context, opts Options) error {
	logger := opts.Logger.With().Str("component", "collect").Logger()

	c, err := collector.New(collector.Config{
		APIKey:      opts.APIKey,
		Format:      opts.Format,
		Compression: opts.Compression,
		Logger:      opts.Logger,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	if opts.Addr == "" {
		opts.Addr = defaultAddr
	}
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", opts.Addr, err)
	}
	srv := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: constants.DefaultReadHeaderTimeout,
	}

	logger.Info().
		Str("addr", ln.Addr().String()).
		Str("ingest", "http://"+ln.Addr().String()+collector.IngestPath).
		Msg("Collector listening")
	if opts.Ready != nil {
		opts.Ready(ln.Addr().String())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("collector: %w", err)
	}

	st := c.Stats()
	logger.Info().
		Int("batches", st.Batches).
		Int64("bytes", st.Bytes).
		Int("rejected", st.Rejected).
		Strs("instances", st.Instances).
		Msg("Collector stopped")

	rows := c.Summary()
	if opts.Output == nil {
		return nil
	}
	format := opts.OutputFormat
	if format == "" {
		format = string(helpers.FormatTable)
	}
	if len(rows) == 0 && format == string(helpers.FormatTable) {
		_, err := fmt.Fprintln(opts.Output, "No coverage received.")
		return err
	}
	return helpers.Print(opts.Output, format, rows)
}
