package response

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/conductor/internal/audit"
	"github.com/normanking/conductor/internal/errs"
	"github.com/normanking/conductor/internal/llm"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/memory"
	"github.com/normanking/conductor/internal/planning"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/internal/workflow"
	"github.com/normanking/conductor/pkg/types"
)

var cmd = &types.Command{ID: "c1", Type: types.CommandGenerate, ThreadID: "t1", Channel: "cli"}

func newAssembler(s *store.MemoryStore) *Assembler {
	if s == nil {
		return NewAssembler(nil, WithLogger(logging.Discard()))
	}
	return NewAssembler(audit.New(s, nil), WithLogger(logging.Discard()))
}

func TestAssemble_NextStep(t *testing.T) {
	a := newAssembler(nil)
	tests := []struct {
		status string
		want   NextStep
	}{
		{string(store.StatusCompleted), NextComplete},
		{string(store.StatusRunning), NextContinue},
		{string(store.StatusSuspended), NextHuman},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			env := a.Assemble(context.Background(), Result{
				Command:   cmd,
				Rationale: "scored 0.50, tier B",
				Work:      &WorkSection{ThreadID: "t1", Tier: types.TierB, Status: tt.status},
			})
			assert.True(t, env.OK)
			assert.Equal(t, tt.want, env.NextStep)
			assert.Equal(t, "cli", env.Channel)
			assert.Equal(t, "GENERATE", env.Action)
			assert.Equal(t, "scored 0.50, tier B", env.Rationale)
			assert.Nil(t, env.Error)
			if tt.want == NextHuman {
				assert.NotNil(t, env.InputsNeeded)
			}
		})
	}

	env := a.Assemble(context.Background(), Result{Command: cmd})
	assert.Equal(t, NextComplete, env.NextStep)
}

func TestAssemble_UserError(t *testing.T) {
	env := newAssembler(nil).Assemble(context.Background(), Result{
		Command: cmd,
		Err:     errs.User(errs.RBACPermissionDenied, "you may not run GENERATE"),
	})
	assert.False(t, env.OK)
	assert.Equal(t, NextComplete, env.NextStep)
	require.NotNil(t, env.Error)
	assert.Equal(t, "RBAC_PERMISSION_DENIED", env.Error.Code)
	assert.Equal(t, "user", env.Error.Kind)
	assert.Equal(t, "you may not run GENERATE", env.Error.Message)
	assert.Empty(t, env.Error.AuditRef)
	assert.Zero(t, env.Error.RetryAfterSeconds)
}

func TestAssemble_TransientError(t *testing.T) {
	a := newAssembler(nil)

	env := a.Assemble(context.Background(), Result{
		Command: cmd,
		Err:     errs.Transient(errs.LLMAllExhausted, "all providers failed", errors.New("503")).WithRetryAfter(1500 * time.Millisecond),
	})
	assert.Equal(t, NextContinue, env.NextStep)
	assert.Equal(t, 2, env.Error.RetryAfterSeconds)
	assert.Equal(t, "all providers failed", env.Error.Message)

	env = a.Assemble(context.Background(), Result{Command: cmd, Err: fmt.Errorf("call: %w", context.DeadlineExceeded)})
	assert.Equal(t, "LLM_TIMEOUT", env.Error.Code)
	assert.Equal(t, 30, env.Error.RetryAfterSeconds)
}

func TestAssemble_SystemErrorHidesDetail(t *testing.T) {
	s := store.NewMemoryStore()
	a := newAssembler(s)
	cause := errs.System(errs.WFStoreUnavailable, "workflow state is unavailable", errors.New("dial tcp 10.0.0.7:4222: connection refused"))

	env := a.Assemble(context.Background(), Result{Command: cmd, Err: fmt.Errorf("resume: %w", cause)})
	require.NotNil(t, env.Error)
	assert.Equal(t, "WF_STORE_UNAVAILABLE", env.Error.Code)
	assert.Equal(t, SystemMessage, env.Error.Message)
	assert.NotContains(t, env.Error.Message, "10.0.0.7")
	require.NotEmpty(t, env.Error.AuditRef)

	evs, err := s.Events(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, env.Error.AuditRef, evs[0].ID)
	assert.Equal(t, "error", evs[0].Type)
	var data map[string]any
	require.NoError(t, json.Unmarshal(evs[0].Data, &data))
	assert.Contains(t, data["detail"], "connection refused")

	// An existing reference is reused, not re-recorded.
	env = a.Assemble(context.Background(), Result{Command: cmd, Err: cause.WithAuditRef("ref-1")})
	assert.Equal(t, "ref-1", env.Error.AuditRef)
	evs, _ = s.Events(context.Background(), "t1")
	assert.Len(t, evs, 1)
}

func TestAssemble_SystemErrorWithoutAudit(t *testing.T) {
	a := NewAssembler(nil, WithLogger(logging.Discard()))
	env := a.Assemble(context.Background(), Result{Command: cmd, Err: errors.New("boom")})
	assert.Equal(t, "system", env.Error.Kind)
	assert.Len(t, env.Error.AuditRef, 36)
}

func TestSectionBuilders(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		assert.Nil(t, MemoryFromBundle(nil))
		m := MemoryFromBundle(&memory.Bundle{
			Working: &memory.WorkingContext{Summary: "s", Items: []memory.WorkingItem{
				{Kind: memory.ItemFact, Content: "f1"},
				{Kind: memory.ItemOpenLoop, Content: "l1"},
			}},
			Episodes: make([]memory.EpisodicEvent, 2),
		})
		assert.Equal(t, []string{"f1"}, m.Facts)
		assert.Equal(t, []string{"l1"}, m.OpenLoops)
		assert.Equal(t, 2, m.Episodes)
		assert.Equal(t, 0, m.SemanticHits)
	})

	t.Run("dispatch", func(t *testing.T) {
		w := WorkFromDispatch("t1", &llm.DispatchResult{
			Response: &llm.Response{Content: "hi"},
			Provider: "p3",
			Attempts: make([]llm.CallResult, 3),
			Cost:     0.1,
		})
		assert.Equal(t, "completed", w.Status)
		assert.Equal(t, "p3", w.Provider)
		assert.Equal(t, 3, w.Attempts)
		assert.Equal(t, "hi", w.Result)
		assert.Equal(t, "failed", WorkFromDispatch("t1", nil).Status)
	})

	t.Run("outcome", func(t *testing.T) {
		assert.Nil(t, WorkFromOutcome(types.TierB, nil))
		w := WorkFromOutcome(types.TierB, &workflow.Outcome{
			ThreadID: "t1", GraphID: "GENERATE", Status: store.StatusSuspended,
			CheckpointID: 1, CurrentNode: "validate", Reason: "interrupt",
			State: workflow.State{"result": "draft"},
		})
		assert.Equal(t, "suspended_for_human", w.Status)
		assert.Equal(t, "validate", w.CurrentNode)
		assert.Equal(t, "draft", w.Result)
	})

	t.Run("plan", func(t *testing.T) {
		assert.Nil(t, DigestPlan(nil))
		d := DigestPlan(&planning.PlanState{
			Goal:   "g",
			Phases: []planning.Phase{{Name: "a", Actions: []planning.Action{{ID: "a1", Done: true}}}, {Name: "b"}},
			EvaluationHistory: []planning.Evaluation{
				{Verdict: planning.VerdictReplan}, {Verdict: planning.VerdictProceed},
			},
			Spent: 1.5,
		})
		assert.Equal(t, []string{"a", "b"}, d.Phases)
		assert.Equal(t, 1, d.ActionsDone)
		assert.Equal(t, 1, d.Replans)
		assert.False(t, d.Downgraded)
	})
}
