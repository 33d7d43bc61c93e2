package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/coverage-agent/internal/codec"
	"github.com/coral-mesh/coverage-agent/internal/coverage"
	"github.com/coral-mesh/coverage-agent/internal/retention"
	"github.com/coral-mesh/coverage-agent/pkg/probe"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "coverage-agent", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().String("config", "", "")
	root.AddCommand(NewQueueCmd())

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"queue"}, args...))
	err := root.Execute()
	return out.String(), err
}

// fixture writes a config pointing at a bolt queue holding batches for the
// given tests.
func fixture(t *testing.T, tests ...string) (configPath, queuePath string) {
	t.Helper()
	dir := t.TempDir()
	queuePath = filepath.Join(dir, "retention.db")
	configPath = filepath.Join(dir, "coverage-agent.yaml")
	cfg := fmt.Sprintf("queue:\n  kind: bolt\n  path: %s\npayload:\n  format: protobuf\n  compression: gzip\n", queuePath)
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0600))

	s, err := codec.New(codec.FormatProtobuf, codec.CompressionGzip)
	require.NoError(t, err)
	defer s.Close()

	q, err := retention.OpenBoltQueue(queuePath, 1<<20, zerolog.Nop())
	require.NoError(t, err)
	for i, test := range tests {
		a := probe.New(4)
		a.Set(i % 4)
		batch, err := s.Encode(codec.NewPayload(codec.Meta{AppID: "app"}, []coverage.ExecDatum{
			{ID: coverage.ClassID(i + 1), Name: "Foo", SessionID: "s1", TestID: test, Probes: a},
		}))
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(batch))
	}
	require.NoError(t, q.Close())
	return configPath, queuePath
}

func TestInspect(t *testing.T) {
	configPath, _ := fixture(t, "t1", "t2")

	out, err := run(t, "inspect", "--config", configPath, "-o", "json")
	require.NoError(t, err)

	var infos []BatchInfo
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 2)
	assert.Less(t, infos[0].Seq, infos[1].Seq)
	assert.Equal(t, 1, infos[0].Classes)
	assert.Equal(t, []string{"s1/t1"}, infos[0].Tests)
	assert.Equal(t, []string{"s1/t2"}, infos[1].Tests)
	assert.Empty(t, infos[0].Error)

	out, err = run(t, "inspect", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "SEQ")
	assert.Contains(t, out, "s1/t1")
}

func TestInspect_Empty(t *testing.T) {
	configPath, queuePath := fixture(t)

	out, err := run(t, "inspect", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, queuePath+": no retained batches")
}

func TestInspect_DecodeMismatch(t *testing.T) {
	_, queuePath := fixture(t, "t1")
	batches, err := retention.ReadBoltQueue(queuePath)
	require.NoError(t, err)

	infos, err := Inspect(batches, codec.FormatJSON, codec.CompressionNone)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.NotEmpty(t, infos[0].Error)
	assert.Positive(t, infos[0].Bytes)
}

func TestPurge(t *testing.T) {
	configPath, queuePath := fixture(t, "t1", "t2", "t3")

	_, err := run(t, "purge", "--config", configPath)
	require.Error(t, err, "purge requires --yes")

	out, err := run(t, "purge", "--config", configPath, "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Purged 3 batches")

	batches, err := retention.ReadBoltQueue(queuePath)
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestResolve_MemoryQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coverage-agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  kind: memory\n"), 0600))

	_, err := run(t, "inspect", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only the bolt queue is persistent")
}

func TestPathFlagOverridesConfig(t *testing.T) {
	_, queuePath := fixture(t, "t1")
	path := filepath.Join(t.TempDir(), "coverage-agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  kind: memory\n"), 0600))

	out, err := run(t, "inspect", "--config", path, "--path", queuePath, "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"s1/t1"`)
}
