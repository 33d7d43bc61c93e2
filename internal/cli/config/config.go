// Package config implements the 'coverage-agent config' command family.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/coverage-agent/internal/cli/helpers"
	"github.com/coral-mesh/coverage-agent/internal/config"
)

// NewConfigCmd creates the config command and its subcommands.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate agent configuration",
		Long: `Inspect and validate agent configuration.

Configuration Priority:
  1. COVERAGE_* environment variables (highest)
  2. Config file (--config, $COVERAGE_CONFIG, ./coverage-agent.yaml,
     ~/.coverage-agent/coverage-agent.yaml)
  3. Built-in defaults`,
	}

	cmd.AddCommand(newShowCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newSchemaCmd())
	cmd.AddCommand(newEnvCmd())
	cmd.AddCommand(newInitCmd())

	return cmd
}

// newShowCmd creates the 'config show' command.
func newShowCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader(helpers.ConfigPath(cmd)).Load()
			if err != nil {
				return err
			}
			return helpers.Print(cmd.OutOrStdout(), format, cfg)
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatYAML, []helpers.OutputFormat{
		helpers.FormatYAML,
		helpers.FormatJSON,
	})
	return cmd
}

// ValidationResult is the machine readable outcome of 'config validate'.
type ValidationResult struct {
	Path   string   `json:"path" yaml:"path"`
	Valid  bool     `json:"valid" yaml:"valid"`
	Errors []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// newValidateCmd creates the 'config validate' command.
func newValidateCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := validate(helpers.ConfigPath(cmd))
			if err != nil {
				return err
			}

			if format != string(helpers.FormatTable) {
				if err := helpers.Print(cmd.OutOrStdout(), format, result); err != nil {
					return err
				}
			} else {
				printValidation(cmd, result)
			}
			if !result.Valid {
				return fmt.Errorf("configuration has %d errors", len(result.Errors))
			}
			return nil
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, []helpers.OutputFormat{
		helpers.FormatTable,
		helpers.FormatJSON,
	})
	return cmd
}

func validate(path string) (ValidationResult, error) {
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return ValidationResult{}, err
	}

	result := ValidationResult{Path: loader.Path(), Valid: true}
	err = cfg.Validate()
	if err == nil {
		return result, nil
	}

	result.Valid = false
	var multi *config.MultiValidationError
	if errors.As(err, &multi) {
		for _, e := range multi.Errors {
			result.Errors = append(result.Errors, e.Error())
		}
	} else {
		result.Errors = []string{err.Error()}
	}
	return result, nil
}

func printValidation(cmd *cobra.Command, result ValidationResult) {
	out := cmd.OutOrStdout()
	if result.Valid {
		_, _ = fmt.Fprintf(out, "%s: valid\n", displayPath(result.Path))
		return
	}
	_, _ = fmt.Fprintf(out, "%s: invalid\n", displayPath(result.Path))
	for _, e := range result.Errors {
		_, _ = fmt.Fprintf(out, "  - %s\n", e)
	}
}

func displayPath(path string) string {
	if path == "" {
		return "(defaults)"
	}
	if _, err := os.Stat(path); err != nil {
		return path + " (not found, using defaults)"
	}
	return path
}

// newSchemaCmd creates the 'config schema' command.
func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Schema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

// EnvVar is one row of 'config env'.
type EnvVar struct {
	Name  string `json:"name" yaml:"name" header:"NAME"`
	Value string `json:"value,omitempty" yaml:"value,omitempty" header:"VALUE"`
}

// newEnvCmd creates the 'config env' command.
func newEnvCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "env",
		Short: "List the environment variables the agent reads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return helpers.Print(cmd.OutOrStdout(), format, envVars())
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, []helpers.OutputFormat{
		helpers.FormatTable,
		helpers.FormatJSON,
		helpers.FormatYAML,
	})
	return cmd
}

func envVars() []EnvVar {
	names := append([]string{config.ConfigEnvVar}, config.EnvVars(&config.AgentConfig{})...)
	vars := make([]EnvVar, 0, len(names))
	for _, name := range names {
		v := EnvVar{Name: name}
		if val, ok := os.LookupEnv(name); ok {
			v.Value = redact(name, val)
		}
		vars = append(vars, v)
	}
	return vars
}

func redact(name, value string) string {
	switch name {
	case "COVERAGE_API_KEY", "COVERAGE_CONTROL_TOKEN":
		if value == "" {
			return ""
		}
		return "********"
	}
	return value
}

// newInitCmd creates the 'config init' command.
func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file populated with defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(helpers.ConfigPath(cmd))
			if loader.Path() == "" {
				return fmt.Errorf("no config path; pass --config")
			}
			if _, err := os.Stat(loader.Path()); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", loader.Path())
			}

			cfg := config.DefaultAgentConfig()
			if err := loader.Save(cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", loader.Path())
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}
