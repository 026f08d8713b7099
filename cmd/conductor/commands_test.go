package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/conductor/internal/response"
	"github.com/normanking/conductor/pkg/types"
)

func parse(t *testing.T, args ...string) (*types.Command, error) {
	t.Helper()
	var f commandFlags
	cmd := &cobra.Command{Use: "test"}
	f.register(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return f.build(cmd)
}

func TestBuild_FromFlags(t *testing.T) {
	c, err := parse(t,
		"--type", "generate",
		"--text", "release notes",
		"--user", "u1",
		"--thread", "t1",
		"--tier", "b",
		"--tools", "3",
		"--duration", "2m",
		"--needs-review",
	)
	require.NoError(t, err)

	assert.Equal(t, "GENERATE", c.Type)
	assert.Equal(t, "release notes", c.Payload["text"])
	assert.Equal(t, "u1", c.UserID)
	assert.Equal(t, "member", c.Role)
	assert.Equal(t, "t1", c.ThreadID)
	assert.Equal(t, "cli", c.Channel)
	assert.Equal(t, types.TierB, c.TierOverride)
	assert.Equal(t, 3, c.Signals.ToolCount)
	assert.Equal(t, 2*time.Minute, c.Signals.EstimatedDuration)
	assert.True(t, c.Signals.NeedsHumanReview)
	assert.NotEmpty(t, c.ID)
	assert.False(t, c.IssuedAt.IsZero())
	assert.NoError(t, c.Validate())
}

func TestBuild_FileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmd.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"id": "c1",
		"type": "AUDIT",
		"user_id": "alice",
		"role": "admin",
		"thread_id": "t9",
		"payload": {"text": "check the ledger"},
		"signals": {"tool_count": 4}
	}`), 0o644))

	c, err := parse(t, "--file", path, "--decisions", "2")
	require.NoError(t, err)

	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, "AUDIT", c.Type)
	assert.Equal(t, "alice", c.UserID)
	assert.Equal(t, "admin", c.Role, "file role kept when --role is not set")
	assert.Equal(t, "t9", c.ThreadID)
	assert.Equal(t, 4, c.Signals.ToolCount)
	assert.Equal(t, 2, c.Signals.DecisionPoints)
}

func TestBuild_Errors(t *testing.T) {
	_, err := parse(t, "--type", "X", "--payload", "[1,2]")
	assert.Error(t, err)

	_, err = parse(t, "--type", "X", "--tier", "Z")
	assert.Error(t, err)

	_, err = parse(t, "--file", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestExitStatus(t *testing.T) {
	assert.NoError(t, exitStatus(&response.Envelope{OK: true}))
	assert.ErrorIs(t, exitStatus(&response.Envelope{OK: false}), errNotOK)
	assert.ErrorIs(t, exitStatus(nil), errNotOK)
}

func TestRenderEnvelope(t *testing.T) {
	env := &response.Envelope{
		OK:           true,
		Action:       "GENERATE",
		NextStep:     response.NextHuman,
		Rationale:    "score 0.42 selected tier B (scored)",
		InputsNeeded: map[string]any{"approved": "bool"},
		Work: &response.WorkSection{
			Tier:   types.TierB,
			Status: "suspended",
			Result: "draft text",
		},
	}

	out := renderEnvelope("t1", env)
	assert.Contains(t, out, "WAITING")
	assert.Contains(t, out, "suspended")
	assert.Contains(t, out, "conductor resume t1 --approve")
	assert.Contains(t, out, "draft text")

	env = &response.Envelope{
		Action:   "ANSWER",
		NextStep: response.NextContinue,
		Error:    &response.ErrorSection{Code: "LLM_ALL_EXHAUSTED", Kind: "transient", RetryAfterSeconds: 30},
	}
	out = renderEnvelope("t2", env)
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "LLM_ALL_EXHAUSTED")
	assert.Contains(t, out, "30s")
}

func TestNeedsValidConfig(t *testing.T) {
	root := &cobra.Command{Use: "conductor"}
	cfgCmd := &cobra.Command{Use: "config"}
	show := &cobra.Command{Use: "show"}
	run := &cobra.Command{Use: "run"}
	cfgCmd.AddCommand(show)
	root.AddCommand(cfgCmd, run)

	assert.True(t, needsValidConfig(run))
	assert.False(t, needsValidConfig(show))
	assert.False(t, needsValidConfig(cfgCmd))
}
