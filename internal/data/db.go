// Package data provides the SQLite persistence backend for Conductor.
// It uses modernc.org/sqlite for pure-Go, CGO-free database access and
// implements the checkpoint, event, lease and memory-tier interfaces.
package data

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/normanking/conductor/internal/logging"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is the SQLite backend. It satisfies store.Backend and backs the
// three memory tiers.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// NewDB opens the database file at dbPath, creating it and its directory
// if needed, and brings the schema up to date. Network paths are rejected.
func NewDB(dbPath string) (*Store, error) {
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dataDir, err)
	}

	if err := validateLocalPath(dataDir); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}

	store, err := NewFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewFromDB wraps an already opened *sql.DB. Tests use it with the
// mattn/go-sqlite3 driver and an in-memory database.
func NewFromDB(db *sql.DB) (*Store, error) {
	// One connection: writers serialize, and an in-memory database stays
	// the same database across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db, log: logging.Component("data"), now: time.Now}

	if err := store.initPragmas(); err != nil {
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// SetClock overrides the time source used for lease expiry.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// initPragmas configures SQLite for durability of committed checkpoints.
func (s *Store) initPragmas() error {
	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL", // a committed checkpoint must survive power loss
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// MIGRATIONS
// ═══════════════════════════════════════════════════════════════════════════════

const migrationLedger = `CREATE TABLE IF NOT EXISTS schema_migrations (
    name       TEXT PRIMARY KEY,
    applied_at TEXT NOT NULL
)`

// Migrate applies the embedded migrations that are not yet recorded in
// schema_migrations, in file-name order. Each one commits together with
// its ledger row.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(migrationLedger); err != nil {
		return fmt.Errorf("create migration ledger: %w", err)
	}
	applied, err := s.Migrations()
	if err != nil {
		return err
	}
	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}

	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	for _, path := range names {
		name := filepath.Base(path)
		if done[name] {
			continue
		}
		schema, err := migrationFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if err := s.applyMigration(name, string(schema)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

// Migrations lists the applied migrations in the order they were applied.
func (s *Store) Migrations() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM schema_migrations ORDER BY applied_at, name`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *Store) applyMigration(name, schema string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for i, stmt := range splitSQL(schema) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("statement %d: %w\n%s", i+1, err, stmt)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
			name, formatTime(s.now())); err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
		s.log.Debug().Str("migration", name).Msg("migration applied")
		return nil
	})
}

// splitSQL breaks a migration into statements. Semicolons inside quotes do
// not terminate, and a CREATE TRIGGER statement runs until its END;.
// Whole-line -- comments are dropped.
func splitSQL(script string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
	)

	for _, line := range strings.Split(script, "\n") {
		if t := strings.TrimSpace(line); t == "" || strings.HasPrefix(t, "--") {
			continue
		}
		for _, ch := range line {
			cur.WriteRune(ch)
			switch {
			case quote != 0:
				if ch == quote {
					quote = 0
				}
			case ch == '\'' || ch == '"':
				quote = ch
			case ch == ';':
				stmt := strings.TrimSpace(cur.String())
				if openTrigger(stmt) {
					continue
				}
				out = append(out, stmt)
				cur.Reset()
			}
		}
		cur.WriteRune('\n')
	}

	if rest := strings.TrimSpace(cur.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}

// openTrigger reports whether stmt is a trigger whose body has not ended.
func openTrigger(stmt string) bool {
	upper := strings.ToUpper(stmt)
	if !strings.HasPrefix(upper, "CREATE TRIGGER") && !strings.HasPrefix(upper, "CREATE TEMP TRIGGER") {
		return false
	}
	body := strings.TrimSpace(strings.TrimSuffix(upper, ";"))
	return !strings.HasSuffix(body, "END")
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONNECTION
// ═══════════════════════════════════════════════════════════════════════════════

// Health pings the database and checks the schema is in place.
func (s *Store) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("health check failed: no migrations applied")
	}
	return nil
}

// Close truncates the WAL and closes the connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn in a transaction, committing only if fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// validateLocalPath rejects network mounts, where SQLite locking is
// unreliable, and directories the process cannot write to.
func validateLocalPath(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve absolute path: %w", err)
	}
	if strings.HasPrefix(abs, "//") || strings.HasPrefix(abs, `\\`) || strings.HasPrefix(abs, "/net/") {
		return fmt.Errorf("%s looks like a network path; the database needs a local filesystem", abs)
	}

	f, err := os.CreateTemp(dir, ".conductor-writecheck-*")
	if err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
