// Package config loads the coverage agent configuration.
//
// Values are layered: built-in defaults, then the YAML file, then COVERAGE_*
// environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// SchemaVersion is the configuration schema version.
const SchemaVersion = "1"

// AgentConfig represents the coverage-agent.yaml config file.
type AgentConfig struct {
	Version   string          `yaml:"version" json:"version"`
	Agent     AgentMeta       `yaml:"agent" json:"agent"`
	Coverage  CoverageConfig  `yaml:"coverage" json:"coverage"`
	Queue     QueueConfig     `yaml:"queue" json:"queue"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Payload   PayloadConfig   `yaml:"payload" json:"payload"`
	Control   ControlConfig   `yaml:"control" json:"control"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// AgentMeta identifies the instrumented application.
type AgentMeta struct {
	GroupID      string `yaml:"group_id" json:"group_id" env:"COVERAGE_GROUP_ID" jsonschema:"description=Application group shared by related services"`
	AppID        string `yaml:"app_id" json:"app_id" env:"COVERAGE_APP_ID" jsonschema:"description=Application id within the group"`
	InstanceID   string `yaml:"instance_id,omitempty" json:"instance_id,omitempty" env:"COVERAGE_INSTANCE_ID" jsonschema:"description=Unique id of this process; generated when empty"`
	BuildVersion string `yaml:"build_version,omitempty" json:"build_version,omitempty" env:"COVERAGE_BUILD_VERSION"`
	CommitSHA    string `yaml:"commit_sha,omitempty" json:"commit_sha,omitempty" env:"COVERAGE_COMMIT_SHA"`
}

// CoverageConfig controls recording and the send loop.
type CoverageConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled" env:"COVERAGE_ENABLED"`
	SendInterval    time.Duration `yaml:"send_interval" json:"send_interval" env:"COVERAGE_SEND_INTERVAL"`
	PageSize        int           `yaml:"page_size" json:"page_size" env:"COVERAGE_PAGE_SIZE" jsonschema:"minimum=1"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"COVERAGE_SHUTDOWN_TIMEOUT"`
}

// QueueConfig configures the retention queue.
type QueueConfig struct {
	Kind  string   `yaml:"kind" json:"kind" env:"COVERAGE_QUEUE_KIND" jsonschema:"enum=memory,enum=bolt"`
	Limit ByteSize `yaml:"limit" json:"limit" env:"COVERAGE_QUEUE_LIMIT"`
	Path  string   `yaml:"path,omitempty" json:"path,omitempty" env:"COVERAGE_QUEUE_PATH"`
}

// TransportConfig configures delivery to the collector.
type TransportConfig struct {
	Kind           string        `yaml:"kind" json:"kind" env:"COVERAGE_TRANSPORT" jsonschema:"enum=http,enum=websocket,enum=none"`
	URL            string        `yaml:"url" json:"url" env:"COVERAGE_COLLECTOR_URL"`
	APIKey         string        `yaml:"api_key,omitempty" json:"api_key,omitempty" env:"COVERAGE_API_KEY"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout" env:"COVERAGE_TRANSPORT_TIMEOUT"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries" env:"COVERAGE_MAX_RETRIES" jsonschema:"minimum=0"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff" env:"COVERAGE_INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff" env:"COVERAGE_MAX_BACKOFF"`
	Cooldown       time.Duration `yaml:"cooldown" json:"cooldown" env:"COVERAGE_TRANSPORT_COOLDOWN"`
	PingInterval   time.Duration `yaml:"ping_interval" json:"ping_interval" env:"COVERAGE_PING_INTERVAL"`
}

// PayloadConfig selects the wire format.
type PayloadConfig struct {
	Format      string `yaml:"format" json:"format" env:"COVERAGE_FORMAT" jsonschema:"enum=protobuf,enum=json"`
	Compression string `yaml:"compression" json:"compression" env:"COVERAGE_COMPRESSION" jsonschema:"enum=none,enum=gzip,enum=zstd"`
}

// ControlConfig configures the local control endpoint used by test runners.
type ControlConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled" env:"COVERAGE_CONTROL_ENABLED"`
	Addr      string `yaml:"addr" json:"addr" env:"COVERAGE_CONTROL_ADDR"`
	Token     string `yaml:"token,omitempty" json:"token,omitempty" env:"COVERAGE_CONTROL_TOKEN" jsonschema:"description=Bearer token required on session routes when set"`
	RateLimit string `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty" env:"COVERAGE_CONTROL_RATE_LIMIT" jsonschema:"description=Per-client limit on session routes such as 100/second"`
}

// LoggingConfig configures the agent logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" env:"COVERAGE_LOG_LEVEL" jsonschema:"enum=trace,enum=debug,enum=info,enum=warn,enum=error"`
	Format string `yaml:"format" json:"format" env:"COVERAGE_LOG_FORMAT" jsonschema:"enum=console,enum=json"`
}

// ByteSize is a byte count written as a human size such as "512MB" or
// "64KiB". Plain integers are bytes.
type ByteSize int64

// ParseByteSize parses a human readable size.
func ParseByteSize(s string) (ByteSize, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// Bytes returns the size as an int64.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// String formats the size with binary units.
func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalYAML accepts both integers and size strings.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	return b.UnmarshalText([]byte(node.Value))
}

// MarshalYAML writes the human readable form.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// JSONSchema describes ByteSize as a string.
func (ByteSize) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Description: "Byte size such as 512MB or 64KiB",
		Pattern:     `^[0-9]+(\.[0-9]+)?\s*([kKmMgGtTpP]i?[bB]?|[bB])?$`,
	}
}
