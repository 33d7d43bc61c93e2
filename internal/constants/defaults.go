package constants

import "time"

// Sender defaults.
const (
	// DefaultSendInterval is the period between coverage polls.
	DefaultSendInterval = 2 * time.Second

	// DefaultPageSize is the maximum number of class records per batch.
	DefaultPageSize = 1000

	// DefaultShutdownTimeout bounds the final flush on stop.
	DefaultShutdownTimeout = 5 * time.Second
)

// Retention queue defaults.
const (
	// DefaultQueueLimit is the retention queue byte budget (512MB).
	DefaultQueueLimit = "512MB"

	DefaultQueueKind = "memory"
)

// Transport defaults.
const (
	DefaultTransportKind = "http"

	// DefaultRequestTimeout bounds a single upload attempt.
	DefaultRequestTimeout = 10 * time.Second

	DefaultMaxRetries = 3

	DefaultInitialBackoff = 200 * time.Millisecond

	DefaultMaxBackoff = 5 * time.Second

	// DefaultUnavailableCooldown is how long an HTTP transport reports itself
	// unavailable after a failed upload.
	DefaultUnavailableCooldown = 10 * time.Second

	// DefaultPingInterval is the websocket keepalive period.
	DefaultPingInterval = 15 * time.Second
)

// Serialization defaults.
const (
	DefaultFormat      = "protobuf"
	DefaultCompression = "gzip"
)

// Control endpoint defaults.
const (
	DefaultReadHeaderTimeout = 5 * time.Second

	DefaultHealthTimeout = 500 * time.Millisecond
)
