package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/conductor/internal/config"
	"github.com/normanking/conductor/internal/memory"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/pkg/types"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	s, err := NewFromDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewDB(t *testing.T) {
	t.Run("creates database in nested directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "deep", "nested", "conductor.db")

		s, err := NewDB(path)
		require.NoError(t, err)
		defer s.Close()

		assert.FileExists(t, path)
		assert.NoError(t, s.Health())
	})

	t.Run("idempotent migrations", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "conductor.db")

		s1, err := NewDB(path)
		require.NoError(t, err)
		require.NoError(t, s1.Put(context.Background(), store.Checkpoint{ThreadID: "t", CheckpointID: 1, GraphID: "g", CurrentNode: "a", Status: store.StatusRunning}))
		require.NoError(t, s1.Close())

		s2, err := NewDB(path)
		require.NoError(t, err)
		defer s2.Close()

		cp, err := s2.GetLatest(context.Background(), "t")
		require.NoError(t, err)
		assert.Equal(t, int64(1), cp.CheckpointID)
	})
}

func TestSplitSQL(t *testing.T) {
	stmts := splitSQL(`
-- comment
CREATE TABLE a (x TEXT DEFAULT 'a;b');
CREATE TRIGGER t BEFORE DELETE ON a
BEGIN
    SELECT RAISE(ABORT, 'no');
END;
CREATE INDEX i ON a(x);
`)
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[0], "'a;b'")
	assert.Contains(t, stmts[1], "RAISE")
	assert.Equal(t, "CREATE INDEX i ON a(x);", stmts[2])
}

func TestMigrate_RecordsLedger(t *testing.T) {
	s := setupTestStore(t)

	applied, err := s.Migrations()
	require.NoError(t, err)
	assert.Equal(t, []string{"001_checkpoints.sql", "002_memory.sql"}, applied)

	require.NoError(t, s.Migrate())
	again, err := s.Migrations()
	require.NoError(t, err)
	assert.Equal(t, applied, again, "applied migrations are skipped")
}

func TestSplitSQL_UnterminatedTail(t *testing.T) {
	stmts := splitSQL("CREATE TABLE a (x TEXT);\nSELECT \"semi;colon\" FROM a")
	require.Len(t, stmts, 2)
	assert.Equal(t, `SELECT "semi;colon" FROM a`, stmts[1])
}

// ═══════════════════════════════════════════════════════════════════════════════
// CHECKPOINTS
// ═══════════════════════════════════════════════════════════════════════════════

func TestCheckpoints(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.GetLatest(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	cp := store.Checkpoint{
		ThreadID:      "t1",
		CheckpointID:  1,
		GraphID:       "GENERATE",
		CurrentNode:   "validate",
		CompletedNode: "draft",
		NodeHistory:   []string{"draft"},
		State:         json.RawMessage(`{"draft":"hello"}`),
		Status:        store.StatusSuspended,
		Reason:        "approval",
		InputsNeeded:  map[string]any{"approve": "bool"},
		Tier:          types.TierB,
	}
	require.NoError(t, s.Put(ctx, cp))

	got, err := s.GetLatest(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "validate", got.CurrentNode)
	assert.Equal(t, "draft", got.CompletedNode)
	assert.Equal(t, []string{"draft"}, got.NodeHistory)
	assert.JSONEq(t, `{"draft":"hello"}`, string(got.State))
	assert.Equal(t, store.StatusSuspended, got.Status)
	assert.Equal(t, "bool", got.InputsNeeded["approve"])
	assert.Equal(t, types.TierB, got.Tier)
	assert.False(t, got.CreatedAt.IsZero())

	t.Run("rejects gaps and duplicates", func(t *testing.T) {
		dup := cp
		assert.ErrorIs(t, s.Put(ctx, dup), store.ErrCheckpointConflict)

		gap := cp
		gap.CheckpointID = 3
		assert.ErrorIs(t, s.Put(ctx, gap), store.ErrCheckpointConflict)

		first := cp
		first.ThreadID = "t2"
		first.CheckpointID = 2
		assert.ErrorIs(t, s.Put(ctx, first), store.ErrCheckpointConflict)
	})

	t.Run("list in order", func(t *testing.T) {
		next := cp
		next.CheckpointID = 2
		next.CurrentNode = "finalize"
		next.Status = store.StatusRunning
		require.NoError(t, s.Put(ctx, next))

		all, err := s.List(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, int64(1), all[0].CheckpointID)
		assert.Equal(t, int64(2), all[1].CheckpointID)
	})
}

func TestCheckpoints_ConcurrentPutsStayMonotonic(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Put(ctx, store.Checkpoint{ThreadID: "t", CheckpointID: 1, GraphID: "g", CurrentNode: "a", Status: store.StatusRunning})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

// ═══════════════════════════════════════════════════════════════════════════════
// EVENTS AND LEASES
// ═══════════════════════════════════════════════════════════════════════════════

func TestEvents_AppendOnly(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, store.Event{ID: "e1", Type: "routing.decision", ThreadID: "t1", Data: json.RawMessage(`{"tier":"B"}`)}))
	require.NoError(t, s.Append(ctx, store.Event{ID: "e2", Type: "llm.call", ThreadID: "t1"}))
	require.NoError(t, s.Append(ctx, store.Event{ID: "e3", Type: "llm.call", ThreadID: "t2"}))

	evs, err := s.Events(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "e1", evs[0].ID)
	assert.JSONEq(t, `{"tier":"B"}`, string(evs[0].Data))

	all, err := s.Events(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = s.DB().Exec(`DELETE FROM events WHERE id = 'e1'`)
	assert.Error(t, err)
	_, err = s.DB().Exec(`UPDATE events SET type = 'x' WHERE id = 'e1'`)
	assert.Error(t, err)
}

func TestLeases(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s.SetClock(func() time.Time { return now })

	a, err := s.Acquire(ctx, "t1", "worker-a", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Epoch)

	_, err = s.Acquire(ctx, "t1", "worker-b", 30*time.Second)
	assert.ErrorIs(t, err, store.ErrLeaseHeld)

	now = now.Add(10 * time.Second)
	require.NoError(t, s.Renew(ctx, a, 30*time.Second))

	now = now.Add(31 * time.Second)
	b, err := s.Acquire(ctx, "t1", "worker-b", 30*time.Second)
	require.NoError(t, err, "expired lease can be taken over")
	assert.Equal(t, int64(2), b.Epoch)

	assert.ErrorIs(t, s.Renew(ctx, a, 30*time.Second), store.ErrLeaseLost)
	assert.ErrorIs(t, s.Release(ctx, a), store.ErrLeaseLost)

	require.NoError(t, s.Release(ctx, b))
	c, err := s.Acquire(ctx, "t1", "worker-a", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.Epoch, "epoch survives release")
}

// ═══════════════════════════════════════════════════════════════════════════════
// MEMORY TIERS
// ═══════════════════════════════════════════════════════════════════════════════

func TestEpisodicLog(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	log := s.Episodic()

	base := time.Now().UTC()
	for i, c := range []string{"one", "two", "three"} {
		require.NoError(t, log.Append(ctx, memory.EpisodicEvent{
			ID: c, ThreadID: "t1", Content: c, Outcome: memory.OutcomeSuccess,
			Data: map[string]any{"i": float64(i)}, Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, log.Append(ctx, memory.EpisodicEvent{ID: "other", ThreadID: "t2", Content: "x", Timestamp: base}))

	recent, err := log.Recent(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "two", recent[0].Content)
	assert.Equal(t, "three", recent[1].Content)
	assert.Equal(t, float64(2), recent[1].Data["i"])

	all, err := log.Recent(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSemanticStore(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	sem := s.Semantic()
	emb := memory.NewHashEmbedder(64)

	put := func(id, content, user string, tags ...string) {
		vec, _ := emb.Embed(ctx, content)
		require.NoError(t, sem.Upsert(ctx, memory.SemanticRecord{
			ID: id, Content: content, Embedding: vec, Tags: tags, UserID: user,
			CreatedAt: time.Now(), UpdatedAt: time.Now(),
		}))
	}
	put("r1", "indemnity clause in supplier contract", "u1", "legal")
	put("r2", "indemnity clause review checklist", "u1")
	put("r3", "indemnity clause for another tenant", "u2", "legal")

	q, _ := emb.Embed(ctx, "indemnity clause")
	hits, err := sem.Search(ctx, q, memory.SemanticFilter{UserID: "u1"}, 5, 0.1)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Equal(t, "u1", h.Record.UserID)
	}

	hits, err = sem.Search(ctx, q, memory.SemanticFilter{Tags: []string{"legal"}}, 1, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	put("r1", "indemnity clause updated", "u1", "legal")
	hits, err = sem.Search(ctx, q, memory.SemanticFilter{UserID: "u1", Tags: []string{"legal"}}, 5, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "indemnity clause updated", hits[0].Record.Content)
}

func TestWorkingStore(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	w := s.Working()

	got, err := w.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, got)

	wc := memory.WorkingContext{
		ThreadID:  "t1",
		Persona:   "analyst",
		Items:     []memory.WorkingItem{{Kind: memory.ItemFact, Content: "budget is 10k", AddedAt: time.Now().UTC()}},
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, w.Put(ctx, wc))
	wc.Summary = "second"
	require.NoError(t, w.Put(ctx, wc))

	got, err = w.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "second", got.Summary)
	assert.Equal(t, []string{"budget is 10k"}, got.Facts())
}

func TestStoreBacksCoordinator(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	c := memory.NewCoordinator(memory.CoordinatorConfig{
		Working:  s.Working(),
		Episodic: s.Episodic(),
		Semantic: s.Semantic(),
		Memory:   config.Default().Memory,
	})
	require.NoError(t, c.Write(ctx, "t1", memory.Deltas{
		Episode:  &memory.EpisodicEvent{Content: "answered"},
		Semantic: []memory.SemanticRecord{{Content: "vendor prefers net-30 payment terms"}},
		Working:  memory.WorkingUpdate{Facts: []string{"vendor is Globex"}},
	}))

	b, err := c.Read(ctx, "t1", memory.Query{Text: "payment terms"})
	require.NoError(t, err)
	assert.Len(t, b.Episodes, 1)
	assert.NotEmpty(t, b.Semantic)
	require.NotNil(t, b.Working)
	assert.Equal(t, []string{"vendor is Globex"}, b.Working.Facts())
}
