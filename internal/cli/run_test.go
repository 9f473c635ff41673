package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/floorstate/internal/journal"
)

func runWithInput(t *testing.T, input string, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(input))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunSession_SetAndCommit(t *testing.T) {
	cfg := writeFile(t, "floorstate.yaml", stationConfig)

	out, err := runWithInput(t, "# shift start\nsession.operatorId=OP-9\nsession.weight=42\n\n!status\n", "--config", cfg)
	require.NoError(t, err)

	assert.Contains(t, out, `• session.operatorId = "OP-9"`)
	assert.Contains(t, out, "• session.weight = 42")
	assert.Contains(t, out, "✓ synced 2 item(s)")
	assert.Contains(t, out, "status: 0 queued, 0 pending, 0 failed, 2 synced in 1 batch(es)")
}

func TestRunSession_ValidationFeedback(t *testing.T) {
	cfg := writeFile(t, "floorstate.yaml", stationConfig)

	out, err := runWithInput(t, "session.weight=900\n", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "• session.weight = 900")
	assert.Contains(t, out, "  ✗ ")
}

func TestRunSession_BadLines(t *testing.T) {
	cfg := writeFile(t, "floorstate.yaml", stationConfig)

	out, err := runWithInput(t, "no equals sign\nsession.*=1\nsession.weight=1\nsession.weight=1\n", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, `✗ expected path=value, got "no equals sign"`)
	assert.Contains(t, out, `✗ invalid path "session.*"`)
	assert.Contains(t, out, "= session.weight unchanged")
}

func TestRunSession_FinalFlushAtEOF(t *testing.T) {
	cfg := writeFile(t, "floorstate.yaml", stationConfig)

	out, err := runWithInput(t, "session.weight=7", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ synced 1 item(s)")
}

func TestRunSession_Snapshot(t *testing.T) {
	cfg := writeFile(t, "floorstate.yaml", stationConfig+`bootstrap:
  mapping:
    operator: session.operatorId
`)
	snap := writeFile(t, "session.json", `{"operator": "OP-1"}`)

	out, err := runWithInput(t, "session.operatorId=OP-1\n", "--config", cfg, "--snapshot", snap)
	require.NoError(t, err)
	assert.Contains(t, out, "= session.operatorId unchanged")
	assert.Contains(t, out, "0 synced")
}

func TestRunSession_JournalThenInspect(t *testing.T) {
	db := filepath.Join(t.TempDir(), "journal.db")
	cfg := writeFile(t, "floorstate.yaml", strings.Replace(stationConfig, "kind: memory", "kind: sqlite\n  path: "+db, 1))

	_, err := runWithInput(t, "session.operatorId=OP-3\n\nsession.weight=12\n\n", "--config", cfg)
	require.NoError(t, err)

	j, err := journal.Open(db)
	require.NoError(t, err)
	fields, err := j.Fields(context.Background())
	require.NoError(t, err)
	require.NoError(t, j.Close())
	assert.Equal(t, map[string]any{"operator_id": "OP-3", "weight": 12.0}, fields)

	buf := &bytes.Buffer{}
	cmd := NewInspectCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{db, "--limit", "1"})
	require.NoError(t, cmd.Execute())

	out := buf.String()
	assert.Contains(t, out, "Batches (1 of 2):")
	assert.Contains(t, out, "weight = 12")
	assert.Contains(t, out, `operator_id  "OP-3"`)
}

func TestRunSession_BadConfig(t *testing.T) {
	_, err := runWithInput(t, "", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, 42.0, parseValue("42"))
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, "OP-7", parseValue("OP-7"))
	assert.Equal(t, "quoted", parseValue(`"quoted"`))
	assert.Equal(t, map[string]any{"a": 1.0}, parseValue(`{"a":1}`))
}
