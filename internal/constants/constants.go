// Package constants defines shared configuration constants.
package constants

var (
	ConfigFile = "coverage-agent.yaml"

	DefaultDir = ".coverage-agent"

	// DefaultQueuePath is where the bolt retention queue lives when no path
	// is configured.
	DefaultQueuePath = DefaultDir + "/" + "retention.db"

	DefaultCollectorURL = "http://localhost:8090/api/data-ingest/coverage"

	DefaultControlAddr = "127.0.0.1:9095"
)

// HTTP headers exchanged with test runners and the collector.
const (
	// HeaderSessionID carries the test session id on instrumented requests.
	HeaderSessionID = "drill-session-id"

	// HeaderTestID carries the test id on instrumented requests.
	HeaderTestID = "drill-test-id"

	HeaderAPIKey = "X-Api-Key"

	// HeaderInstanceID identifies the sending agent instance to the collector.
	HeaderInstanceID = "X-Agent-Instance-Id"
)

// EnvPrefix prefixes every environment variable the agent reads.
const EnvPrefix = "COVERAGE_"
