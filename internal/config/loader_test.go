package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/coverage-agent/internal/constants"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), constants.ConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoader_LoadFile(t *testing.T) {
	path := writeConfig(t, `
version: "1"
agent:
  group_id: shop
  app_id: checkout
  instance_id: pod-1
coverage:
  send_interval: 5s
  page_size: 100
queue:
  kind: memory
  limit: 16MB
transport:
  kind: http
  url: https://collector.example.com/api/coverage
payload:
  format: json
  compression: zstd
`)

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "shop", cfg.Agent.GroupID)
	assert.Equal(t, "checkout", cfg.Agent.AppID)
	assert.Equal(t, "pod-1", cfg.Agent.InstanceID)
	assert.Equal(t, 5*time.Second, cfg.Coverage.SendInterval)
	assert.Equal(t, 100, cfg.Coverage.PageSize)
	assert.Equal(t, int64(16<<20), cfg.Queue.Limit.Bytes())
	assert.Equal(t, "https://collector.example.com/api/coverage", cfg.Transport.URL)
	assert.Equal(t, "json", cfg.Payload.Format)
	assert.Equal(t, "zstd", cfg.Payload.Compression)

	// Fields absent from the file keep their defaults.
	assert.Equal(t, constants.DefaultShutdownTimeout, cfg.Coverage.ShutdownTimeout)
	assert.Equal(t, constants.DefaultMaxRetries, cfg.Transport.MaxRetries)
	assert.True(t, cfg.Coverage.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, cfg.Version)
	assert.Equal(t, constants.DefaultSendInterval, cfg.Coverage.SendInterval)
	assert.NotEmpty(t, cfg.Agent.InstanceID, "instance id should be generated")
	assert.NoError(t, cfg.Validate())
}

func TestLoader_EmptyFile(t *testing.T) {
	path := writeConfig(t, "\n")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, constants.DefaultPageSize, cfg.Coverage.PageSize)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
coverage:
  page_size: 100
`)
	t.Setenv("COVERAGE_PAGE_SIZE", "42")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Coverage.PageSize)
}

func TestLoader_UnknownField(t *testing.T) {
	path := writeConfig(t, `
coverage:
  page_sise: 100
`)

	_, err := NewLoader(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page_sise")
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "coverage: [")

	_, err := NewLoader(path).Load()
	assert.Error(t, err)
}

func TestLoader_BoltDefaultPath(t *testing.T) {
	path := writeConfig(t, `
queue:
  kind: bolt
`)

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, constants.DefaultQueuePath, cfg.Queue.Path)
}

func TestLoader_ConfigEnvVar(t *testing.T) {
	path := writeConfig(t, `
agent:
  app_id: from-env-path
`)
	t.Setenv(ConfigEnvVar, path)

	loader := NewLoader("")
	assert.Equal(t, path, loader.Path())

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env-path", cfg.Agent.AppID)
}

func TestLoader_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", constants.ConfigFile)
	loader := NewLoader(path)

	cfg := DefaultAgentConfig()
	cfg.Agent.AppID = "checkout"
	cfg.Agent.InstanceID = "pod-7"
	cfg.Transport.APIKey = "secret"
	cfg.Queue.Limit = 8 << 20

	require.NoError(t, loader.Save(cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoader_SaveWithoutPath(t *testing.T) {
	loader := &Loader{}
	assert.Error(t, loader.Save(DefaultAgentConfig()))
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"0", 0},
		{"1024", 1024},
		{"64KiB", 64 << 10},
		{"512MB", 512 << 20},
		{"1g", 1 << 30},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseByteSize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Bytes())
		})
	}

	_, err := ParseByteSize("plenty")
	assert.Error(t, err)

	assert.Equal(t, "512MiB", ByteSize(512<<20).String())
}
