package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/coverage-agent/internal/constants"
)

// ConfigEnvVar names an explicit config file path.
const ConfigEnvVar = constants.EnvPrefix + "CONFIG"

// Loader handles loading and saving configuration files.
type Loader struct {
	path string
}

// NewLoader creates a loader for path. An empty path is resolved in this
// order:
//  1. COVERAGE_CONFIG environment variable.
//  2. coverage-agent.yaml in the working directory.
//  3. ~/.coverage-agent/coverage-agent.yaml.
//
// When none of them exists Load returns defaults with env overrides applied.
func NewLoader(path string) *Loader {
	if path != "" {
		return &Loader{path: path}
	}
	if p := os.Getenv(ConfigEnvVar); p != "" {
		return &Loader{path: p}
	}
	if _, err := os.Stat(constants.ConfigFile); err == nil {
		return &Loader{path: constants.ConfigFile}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return &Loader{path: filepath.Join(home, constants.DefaultDir, constants.ConfigFile)}
	}
	return &Loader{}
}

// Path returns the config file path the loader reads.
func (l *Loader) Path() string {
	return l.path
}

// Load reads the config file over the defaults, applies environment
// overrides and fills in a generated instance id. It does not validate.
func (l *Loader) Load() (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	if l.path != "" {
		//nolint:gosec // G304: Path is supplied by the operator.
		data, err := os.ReadFile(l.path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", l.path, err)
		default:
			if err := decodeYAML(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", l.path, err)
			}
		}
	}

	if err := MergeFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if cfg.Agent.InstanceID == "" {
		cfg.Agent.InstanceID = uuid.NewString()
	}
	if cfg.Queue.Kind == "bolt" && cfg.Queue.Path == "" {
		cfg.Queue.Path = constants.DefaultQueuePath
	}
	return cfg, nil
}

// Save writes cfg to the loader's path, creating the directory if needed.
func (l *Loader) Save(cfg *AgentConfig) error {
	if l.path == "" {
		return fmt.Errorf("no config path")
	}
	//nolint:gosec // G301: Directory needs standard permissions for traversal
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	// The file may hold the collector API key.
	if err := os.WriteFile(l.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Load is shorthand for NewLoader(path).Load().
func Load(path string) (*AgentConfig, error) {
	return NewLoader(path).Load()
}

func decodeYAML(data []byte, cfg *AgentConfig) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}
