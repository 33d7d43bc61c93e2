package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/coverage-agent/internal/constants"
	"github.com/coral-mesh/coverage-agent/internal/retry"
)

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	URL    string
	APIKey string

	// InstanceID is sent in the X-Agent-Instance-Id header.
	InstanceID string

	ContentType     string
	ContentEncoding string

	// Timeout bounds a single attempt.
	Timeout time.Duration

	Retry retry.Config

	// Cooldown is how long Available reports false after a failed send.
	Cooldown time.Duration

	// Client defaults to a client without a global timeout; Timeout applies
	// per attempt.
	Client *http.Client

	Logger zerolog.Logger
}

// HTTP posts each batch to the collector.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
	logger zerolog.Logger

	// unavailableUntil is a unix-nano deadline; zero means available.
	unavailableUntil atomic.Int64
	failures         atomic.Int64
	now              func() time.Time
}

// NewHTTP creates an HTTP transport.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid collector URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("collector URL must be http or https, got %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.DefaultRequestTimeout
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/octet-stream"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}

	return &HTTP{
		cfg:    cfg,
		client: client,
		logger: cfg.Logger.With().Str("component", "transport_http").Str("url", u.Redacted()).Logger(),
		now:    time.Now,
	}, nil
}

// Send implements Transport. Server errors and network failures are retried
// per cfg.Retry; client errors are not.
func (t *HTTP) Send(ctx context.Context, batch []byte) error {
	err := retry.Do(ctx, t.cfg.Retry, func() error {
		return t.post(ctx, batch)
	}, nil)
	if retry.IsPermanent(err) {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	if err != nil {
		// A cancelled caller says nothing about the collector.
		if ctx.Err() == nil {
			t.markUnavailable()
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if prev := t.failures.Swap(0); prev > 0 {
		t.logger.Info().Int64("failed_sends", prev).Msg("Collector reachable again")
	}
	t.unavailableUntil.Store(0)
	return nil
}

func (t *HTTP) post(ctx context.Context, batch []byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(batch))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", t.cfg.ContentType)
	if t.cfg.ContentEncoding != "" {
		req.Header.Set("Content-Encoding", t.cfg.ContentEncoding)
	}
	if t.cfg.APIKey != "" {
		req.Header.Set(constants.HeaderAPIKey, t.cfg.APIKey)
	}
	if t.cfg.InstanceID != "" {
		req.Header.Set(constants.HeaderInstanceID, t.cfg.InstanceID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return fmt.Errorf("collector returned %s", resp.Status)
	default:
		return retry.Permanent(fmt.Errorf("collector rejected batch: %s", resp.Status))
	}
}

func (t *HTTP) markUnavailable() {
	n := t.failures.Add(1)
	t.unavailableUntil.Store(t.now().Add(t.cfg.Cooldown).UnixNano())
	if n == 1 {
		t.logger.Warn().Dur("cooldown", t.cfg.Cooldown).Msg("Collector unreachable, buffering coverage")
	}
}

// Available implements Transport.
func (t *HTTP) Available() bool {
	until := t.unavailableUntil.Load()
	return until == 0 || t.now().UnixNano() >= until
}

// Close implements Transport.
func (t *HTTP) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
