// Package queue implements the 'coverage-agent queue' commands, which work
// on the persistent retention queue file of a stopped agent.
package queue

import (
	"fmt"
	"sort"
	"strings"

	"github.com/docker/go-units"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/coverage-agent/internal/cli/helpers"
	"github.com/coral-mesh/coverage-agent/internal/codec"
	"github.com/coral-mesh/coverage-agent/internal/config"
	"github.com/coral-mesh/coverage-agent/internal/retention"
)

// NewQueueCmd creates the queue command.
func NewQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or purge the persistent retention queue",
		Long: `Inspect or purge the persistent retention queue.

Only the bolt queue kind survives restarts. The file is locked while an
agent runs, so stop the agent first.`,
	}

	cmd.PersistentFlags().String("path", "", "Queue file (default: queue.path from the config)")

	cmd.AddCommand(newInspectCmd())
	cmd.AddCommand(newPurgeCmd())
	return cmd
}

// BatchInfo describes one retained batch.
type BatchInfo struct {
	Seq     uint64   `json:"seq" yaml:"seq" header:"SEQ"`
	Size    string   `json:"size" yaml:"size" header:"SIZE"`
	Bytes   int      `json:"bytes" yaml:"bytes"`
	Classes int      `json:"classes" yaml:"classes" header:"CLASSES"`
	Tests   []string `json:"tests,omitempty" yaml:"tests,omitempty" header:"TESTS"`
	Error   string   `json:"error,omitempty" yaml:"error,omitempty" header:"ERROR"`
}

func newInspectCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List retained batches without removing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := resolve(cmd)
			if err != nil {
				return err
			}

			batches, err := retention.ReadBoltQueue(path)
			if err != nil {
				return err
			}
			infos, err := Inspect(batches, cfg.Payload.Format, cfg.Payload.Compression)
			if err != nil {
				return err
			}

			if format == string(helpers.FormatTable) && len(infos) == 0 {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: no retained batches\n", path)
				return nil
			}
			return helpers.Print(cmd.OutOrStdout(), format, infos)
		},
	}

	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, []helpers.OutputFormat{
		helpers.FormatTable,
		helpers.FormatJSON,
		helpers.FormatYAML,
		helpers.FormatCSV,
	})
	return cmd
}

// Inspect decodes each batch with the given payload settings. Batches that
// fail to decode are listed with their error, which happens when the payload
// settings changed since they were written.
func Inspect(batches []retention.StoredBatch, format, compression string) ([]BatchInfo, error) {
	s, err := codec.New(format, compression)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	infos := make([]BatchInfo, 0, len(batches))
	for _, b := range batches {
		info := BatchInfo{
			Seq:   b.Seq,
			Size:  units.HumanSize(float64(len(b.Data))),
			Bytes: len(b.Data),
		}
		p, err := s.Decode(b.Data)
		if err != nil {
			info.Error = err.Error()
			infos = append(infos, info)
			continue
		}
		info.Classes = len(p.Classes)
		info.Tests = tests(p)
		infos = append(infos, info)
	}
	return infos, nil
}

func tests(p codec.Payload) []string {
	seen := make(map[string]struct{})
	for _, c := range p.Classes {
		seen[c.TestSessionID+"/"+c.TestID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, strings.TrimPrefix(k, "/"))
	}
	sort.Strings(out)
	return out
}

func newPurgeCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Drop every retained batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := resolve(cmd)
			if err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("purging %s discards undelivered coverage; pass --yes to confirm", path)
			}

			q, err := retention.OpenBoltQueue(path, cfg.Queue.Limit.Bytes(), zerolog.Nop())
			if err != nil {
				return err
			}
			size := q.Size()
			dropped, err := q.Flush()
			if closeErr := q.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Purged %d batches (%s) from %s\n",
				len(dropped), units.HumanSize(float64(size)), path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the purge")
	return cmd
}

func resolve(cmd *cobra.Command) (*config.AgentConfig, string, error) {
	cfg, err := config.NewLoader(helpers.ConfigPath(cmd)).Load()
	if err != nil {
		return nil, "", err
	}

	path, _ := cmd.Flags().GetString("path")
	if path == "" {
		path = cfg.Queue.Path
	}
	if path == "" {
		if cfg.Queue.Kind != retention.KindBolt {
			return nil, "", fmt.Errorf("queue kind is %q; only the bolt queue is persistent", cfg.Queue.Kind)
		}
		return nil, "", fmt.Errorf("no queue path; set queue.path or pass --path")
	}
	return cfg, path, nil
}
