package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/coral-mesh/coverage-agent/internal/httpapi"
	"github.com/coral-mesh/coverage-agent/internal/logging"
)

// Validator is the interface for validating configuration.
type Validator interface {
	Validate() error
}

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiValidationError represents multiple validation errors.
type MultiValidationError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("validation failed with %d errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		builder.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return builder.String()
}

// Validate validates AgentConfig.
func (c *AgentConfig) Validate() error {
	var errs []ValidationError
	fail := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Version == "" {
		fail("version", "version is required")
	}

	if c.Coverage.SendInterval <= 0 {
		fail("coverage.send_interval", "send interval must be positive")
	}
	if c.Coverage.PageSize <= 0 {
		fail("coverage.page_size", "page size must be positive")
	}
	if c.Coverage.ShutdownTimeout <= 0 {
		fail("coverage.shutdown_timeout", "shutdown timeout must be positive")
	}

	switch c.Queue.Kind {
	case "memory":
	case "bolt":
		if c.Queue.Path == "" {
			fail("queue.path", "path is required for the bolt queue")
		}
	default:
		fail("queue.kind", "queue kind must be 'memory' or 'bolt', got %q", c.Queue.Kind)
	}
	if c.Queue.Limit < 0 {
		fail("queue.limit", "queue limit must not be negative")
	}

	switch c.Transport.Kind {
	case "http":
		validateURL(c.Transport.URL, []string{"http", "https"}, fail)
	case "websocket":
		validateURL(c.Transport.URL, []string{"ws", "wss"}, fail)
	case "none":
	default:
		fail("transport.kind", "transport must be 'http', 'websocket' or 'none', got %q", c.Transport.Kind)
	}
	if c.Transport.Timeout <= 0 {
		fail("transport.timeout", "timeout must be positive")
	}
	if c.Transport.MaxRetries < 0 {
		fail("transport.max_retries", "max retries must not be negative")
	}
	if c.Transport.MaxBackoff > 0 && c.Transport.MaxBackoff < c.Transport.InitialBackoff {
		fail("transport.max_backoff", "max backoff must not be below initial backoff")
	}

	if !slices.Contains([]string{"protobuf", "json"}, c.Payload.Format) {
		fail("payload.format", "format must be 'protobuf' or 'json', got %q", c.Payload.Format)
	}
	if !slices.Contains([]string{"none", "gzip", "zstd"}, c.Payload.Compression) {
		fail("payload.compression", "compression must be 'none', 'gzip' or 'zstd', got %q", c.Payload.Compression)
	}

	if c.Control.Enabled {
		if _, _, err := net.SplitHostPort(c.Control.Addr); err != nil {
			fail("control.addr", "invalid listen address %q: %v", c.Control.Addr, err)
		}
		if _, err := httpapi.ParseRateLimit(c.Control.RateLimit); err != nil {
			fail("control.rate_limit", "%v", err)
		}
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		fail("logging.level", "%v", err)
	}
	if c.Logging.Format != logging.FormatConsole && c.Logging.Format != logging.FormatJSON {
		fail("logging.format", "format must be 'console' or 'json', got %q", c.Logging.Format)
	}

	if len(errs) > 0 {
		return &MultiValidationError{Errors: errs}
	}
	return nil
}

func validateURL(raw string, schemes []string, fail func(string, string, ...interface{})) {
	if raw == "" {
		fail("transport.url", "collector URL is required")
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		fail("transport.url", "invalid collector URL: %v", err)
		return
	}
	if !slices.Contains(schemes, u.Scheme) {
		fail("transport.url", "collector URL scheme must be one of %s, got %q", strings.Join(schemes, ", "), u.Scheme)
	}
	if u.Host == "" {
		fail("transport.url", "collector URL has no host")
	}
}

// Schema returns the JSON schema of AgentConfig.
func Schema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := reflector.Reflect(&AgentConfig{})
	schema.Title = "coverage-agent configuration"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}
