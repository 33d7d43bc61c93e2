package config

import (
	"github.com/coral-mesh/coverage-agent/internal/constants"
	cerrors "github.com/coral-mesh/coverage-agent/internal/errors"
)

// DefaultAgentConfig returns the configuration used when no file is present.
func DefaultAgentConfig() *AgentConfig {
	limit, err := ParseByteSize(constants.DefaultQueueLimit)
	cerrors.Must(err, "invalid default queue limit")

	return &AgentConfig{
		Version: SchemaVersion,
		Coverage: CoverageConfig{
			Enabled:         true,
			SendInterval:    constants.DefaultSendInterval,
			PageSize:        constants.DefaultPageSize,
			ShutdownTimeout: constants.DefaultShutdownTimeout,
		},
		Queue: QueueConfig{
			Kind:  constants.DefaultQueueKind,
			Limit: limit,
		},
		Transport: TransportConfig{
			Kind:           constants.DefaultTransportKind,
			URL:            constants.DefaultCollectorURL,
			Timeout:        constants.DefaultRequestTimeout,
			MaxRetries:     constants.DefaultMaxRetries,
			InitialBackoff: constants.DefaultInitialBackoff,
			MaxBackoff:     constants.DefaultMaxBackoff,
			Cooldown:       constants.DefaultUnavailableCooldown,
			PingInterval:   constants.DefaultPingInterval,
		},
		Payload: PayloadConfig{
			Format:      constants.DefaultFormat,
			Compression: constants.DefaultCompression,
		},
		Control: ControlConfig{
			Enabled: true,
			Addr:    constants.DefaultControlAddr,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
