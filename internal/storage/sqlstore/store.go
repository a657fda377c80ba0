// Package sqlstore implements storage.MappingStore over SQL databases:
// SQLite for a local journal file and MySQL for a shared one.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/steveyegge/wimigrate/internal/storage"
	"github.com/steveyegge/wimigrate/internal/types"
)

//go:embed migrations/sqlite/*.sql migrations/mysql/*.sql
var migrationsFS embed.FS

// Dialect selects the SQL flavor.
type Dialect string

// Supported dialects, named after their database/sql drivers.
const (
	SQLite Dialect = "sqlite3"
	MySQL  Dialect = "mysql"
)

// timeLayout is fixed width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQL-backed MappingStore.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLite opens (creating if needed) a SQLite journal at path.
func OpenSQLite(ctx context.Context, dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(string(SQLite), dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; WAL lets status readers run alongside.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply pragma %q: %w", pragma, err)
		}
	}
	return New(ctx, db, SQLite)
}

// OpenMySQL connects to a MySQL journal. dsn uses the go-sql-driver format,
// e.g. "user:pass@tcp(db:3306)/wimigrate".
func OpenMySQL(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.MultiStatements = true

	db, err := sql.Open(string(MySQL), cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}
	return New(ctx, db, MySQL)
}

// New wraps an open database and applies pending migrations.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate runs all pending migrations for the store's dialect.
func (s *Store) Migrate(ctx context.Context) error {
	dir := path.Join("migrations", dialectDir(s.dialect))
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrations = append(migrations, entry.Name())
		}
	}
	sort.Strings(migrations)

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(191) NOT NULL PRIMARY KEY,
			applied_at VARCHAR(64) NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, name := range migrations {
		var applied int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", name).Scan(&applied); err != nil {
			return fmt.Errorf("failed to check migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}

		body, err := migrationsFS.ReadFile(path.Join(dir, name))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			name, time.Now().UTC().Format(timeLayout)); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
	}
	return nil
}

// Get implements storage.MappingStore.
func (s *Store) Get(ctx context.Context, sourceID string) (*types.MappingEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source_id, target_id, source_type, target_type, last_synced_at,
		       comment_count, attachment_count, outcome, run_id
		FROM mapping_entries WHERE source_id = ?`, sourceID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping %s: %w", sourceID, err)
	}
	return e, nil
}

// Put implements storage.MappingStore.
func (s *Store) Put(ctx context.Context, e *types.MappingEntry) error {
	var q string
	switch s.dialect {
	case MySQL:
		q = `INSERT INTO mapping_entries
			(source_id, target_id, source_type, target_type, last_synced_at, comment_count, attachment_count, outcome, run_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				target_id = VALUES(target_id), source_type = VALUES(source_type), target_type = VALUES(target_type),
				last_synced_at = VALUES(last_synced_at), comment_count = VALUES(comment_count),
				attachment_count = VALUES(attachment_count), outcome = VALUES(outcome), run_id = VALUES(run_id)`
	default:
		q = `INSERT INTO mapping_entries
			(source_id, target_id, source_type, target_type, last_synced_at, comment_count, attachment_count, outcome, run_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source_id) DO UPDATE SET
				target_id = excluded.target_id, source_type = excluded.source_type, target_type = excluded.target_type,
				last_synced_at = excluded.last_synced_at, comment_count = excluded.comment_count,
				attachment_count = excluded.attachment_count, outcome = excluded.outcome, run_id = excluded.run_id`
	}
	_, err := s.db.ExecContext(ctx, q,
		e.SourceID, e.TargetID, e.SourceType, e.TargetType, e.LastSyncedAt.UTC().Format(timeLayout),
		e.CommentCount, e.AttachmentCount, string(e.Outcome), e.RunID)
	if err != nil {
		return fmt.Errorf("put mapping %s: %w", e.SourceID, err)
	}
	return nil
}

// List implements storage.MappingStore.
func (s *Store) List(ctx context.Context) ([]*types.MappingEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, target_id, source_type, target_type, last_synced_at,
		       comment_count, attachment_count, outcome, run_id
		FROM mapping_entries ORDER BY source_id`)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var out []*types.MappingEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("list mappings: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutRun implements storage.MappingStore.
func (s *Store) PutRun(ctx context.Context, r *storage.RunRecord) error {
	progress, err := json.Marshal(r.Progress)
	if err != nil {
		return err
	}
	finished := ""
	if !r.FinishedAt.IsZero() {
		finished = r.FinishedAt.UTC().Format(timeLayout)
	}

	var q string
	switch s.dialect {
	case MySQL:
		q = `INSERT INTO runs (run_id, scope, started_at, finished_at, state, progress)
			VALUES (?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE scope = VALUES(scope), started_at = VALUES(started_at),
				finished_at = VALUES(finished_at), state = VALUES(state), progress = VALUES(progress)`
	default:
		q = `INSERT INTO runs (run_id, scope, started_at, finished_at, state, progress)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id) DO UPDATE SET scope = excluded.scope, started_at = excluded.started_at,
				finished_at = excluded.finished_at, state = excluded.state, progress = excluded.progress`
	}
	if _, err := s.db.ExecContext(ctx, q, r.RunID, r.Scope, r.StartedAt.UTC().Format(timeLayout),
		finished, r.State, string(progress)); err != nil {
		return fmt.Errorf("put run %s: %w", r.RunID, err)
	}
	return nil
}

// Runs implements storage.MappingStore.
func (s *Store) Runs(ctx context.Context, limit int) ([]*storage.RunRecord, error) {
	q := `SELECT run_id, scope, started_at, finished_at, state, progress FROM runs ORDER BY started_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*storage.RunRecord
	for rows.Next() {
		var (
			r                           storage.RunRecord
			started, finished, progress string
		)
		if err := rows.Scan(&r.RunID, &r.Scope, &started, &finished, &r.State, &progress); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		r.StartedAt, _ = time.Parse(timeLayout, started)
		if finished != "" {
			r.FinishedAt, _ = time.Parse(timeLayout, finished)
		}
		if err := json.Unmarshal([]byte(progress), &r.Progress); err != nil {
			return nil, fmt.Errorf("run %s: corrupt progress: %w", r.RunID, err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Close implements storage.MappingStore.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*types.MappingEntry, error) {
	var (
		e       types.MappingEntry
		synced  string
		outcome string
	)
	if err := row.Scan(&e.SourceID, &e.TargetID, &e.SourceType, &e.TargetType, &synced,
		&e.CommentCount, &e.AttachmentCount, &outcome, &e.RunID); err != nil {
		return nil, err
	}
	t, err := time.Parse(timeLayout, synced)
	if err != nil {
		return nil, fmt.Errorf("entry %s: bad last_synced_at %q: %w", e.SourceID, synced, err)
	}
	e.LastSyncedAt = t
	e.Outcome = types.Outcome(outcome)
	return &e, nil
}

func dialectDir(d Dialect) string {
	if d == MySQL {
		return "mysql"
	}
	return "sqlite"
}

var _ storage.MappingStore = (*Store)(nil)
