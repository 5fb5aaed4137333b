// Package sqlstore implements ports.PersistentStore on top of
// database/sql, supporting Postgres (lib/pq) and SQLite (modernc.org/sqlite)
//. Each row keeps the
// columns a query needs to filter or order on, plus the full record as a
// JSON blob.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/helm-labs/council/pkg/contracts"
	"github.com/helm-labs/council/pkg/ports"
	"github.com/helm-labs/council/pkg/store"
)

// Dialect picks the placeholder style for the target engine; both engines
// otherwise share the same schema and queries.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// Store is a ports.PersistentStore backed by a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ ports.PersistentStore = (*Store)(nil)

// OpenPostgres opens dsn with the lib/pq driver and migrates the schema.
func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open postgres: %w", err)
	}
	return newStore(db, DialectPostgres)
}

// OpenSQLite opens dsn (a file path, or ":memory:") with modernc.org/sqlite
// and migrates the schema.
func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open sqlite: %w", err)
	}
	return newStore(db, DialectSQLite)
}

// New wraps an already-open *sql.DB (e.g. one built by a test harness or
// sqlmock) and migrates the schema.
func New(db *sql.DB, dialect Dialect) (*Store, error) {
	return newStore(db, dialect)
}

// Close releases the underlying database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func newStore(db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	payload JSON NOT NULL
);

CREATE TABLE IF NOT EXISTS verdicts (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	decision TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	payload JSON NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_verdicts_task ON verdicts (task_id, created_at);

CREATE TABLE IF NOT EXISTS waivers (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	payload JSON NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_waivers_task ON waivers (task_id, created_at);

CREATE TABLE IF NOT EXISTS audit_events (
	task_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	ts TIMESTAMP NOT NULL,
	payload JSON NOT NULL,
	PRIMARY KEY (task_id, seq)
);
`

func (s *Store) migrate() error {
	_, err := s.db.ExecContext(context.Background(), schema)
	if err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

// ph renders the nth placeholder (1-indexed) for the store's dialect.
func (s *Store) ph(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *Store) upsertQuery(table string, cols []string) string {
	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols)-1)
	for i, c := range cols {
		placeholders[i] = s.ph(i + 1)
		if c != "id" && c != "task_id" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
	}
	conflictCol := "id"
	if table == "audit_events" {
		conflictCol = "task_id, seq"
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, joinCols(cols), joinCols(placeholders), conflictCol, joinCols(updates),
	)
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func (s *Store) SaveTask(ctx context.Context, t contracts.Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal task: %w", err)
	}
	query := s.upsertQuery("tasks", []string{"id", "state", "created_at", "updated_at", "payload"})
	_, err = s.db.ExecContext(ctx, query, t.ID, string(t.State), t.CreatedAt, t.UpdatedAt, payload)
	if err != nil {
		return fmt.Errorf("sqlstore: save task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (contracts.Task, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT payload FROM tasks WHERE id = %s", s.ph(1)), id)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return contracts.Task{}, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
		}
		return contracts.Task{}, fmt.Errorf("sqlstore: get task %s: %w", id, err)
	}
	var t contracts.Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return contracts.Task{}, fmt.Errorf("sqlstore: decode task %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) SaveVerdict(ctx context.Context, v contracts.Verdict) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal verdict: %w", err)
	}
	query := s.upsertQuery("verdicts", []string{"id", "task_id", "decision", "created_at", "payload"})
	_, err = s.db.ExecContext(ctx, query, v.ID, v.TaskID, string(v.Decision), v.CreatedAt, payload)
	if err != nil {
		return fmt.Errorf("sqlstore: save verdict %s: %w", v.ID, err)
	}
	return nil
}

func (s *Store) GetVerdict(ctx context.Context, id string) (contracts.Verdict, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT payload FROM verdicts WHERE id = %s", s.ph(1)), id)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return contracts.Verdict{}, fmt.Errorf("verdict %s: %w", id, store.ErrNotFound)
		}
		return contracts.Verdict{}, fmt.Errorf("sqlstore: get verdict %s: %w", id, err)
	}
	var v contracts.Verdict
	if err := json.Unmarshal(payload, &v); err != nil {
		return contracts.Verdict{}, fmt.Errorf("sqlstore: decode verdict %s: %w", id, err)
	}
	return v, nil
}

func (s *Store) ListVerdictsByTask(ctx context.Context, taskID string) ([]contracts.Verdict, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT payload FROM verdicts WHERE task_id = %s ORDER BY created_at ASC", s.ph(1)),
		taskID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list verdicts for task %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Verdict
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlstore: scan verdict row: %w", err)
		}
		var v contracts.Verdict
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("sqlstore: decode verdict row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) SaveWaiver(ctx context.Context, w contracts.Waiver) error {
	payload, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal waiver: %w", err)
	}
	query := s.upsertQuery("waivers", []string{"id", "task_id", "status", "created_at", "payload"})
	_, err = s.db.ExecContext(ctx, query, w.ID, w.TaskID, string(w.Status), w.CreatedAt, payload)
	if err != nil {
		return fmt.Errorf("sqlstore: save waiver %s: %w", w.ID, err)
	}
	return nil
}

func (s *Store) GetWaiver(ctx context.Context, id string) (contracts.Waiver, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT payload FROM waivers WHERE id = %s", s.ph(1)), id)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return contracts.Waiver{}, fmt.Errorf("waiver %s: %w", id, store.ErrNotFound)
		}
		return contracts.Waiver{}, fmt.Errorf("sqlstore: get waiver %s: %w", id, err)
	}
	var w contracts.Waiver
	if err := json.Unmarshal(payload, &w); err != nil {
		return contracts.Waiver{}, fmt.Errorf("sqlstore: decode waiver %s: %w", id, err)
	}
	return w, nil
}

func (s *Store) ListWaiversByTask(ctx context.Context, taskID string) ([]contracts.Waiver, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT payload FROM waivers WHERE task_id = %s ORDER BY created_at ASC", s.ph(1)),
		taskID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list waivers for task %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Waiver
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlstore: scan waiver row: %w", err)
		}
		var w contracts.Waiver
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, fmt.Errorf("sqlstore: decode waiver row: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) AppendAuditEvent(ctx context.Context, e contracts.AuditEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal audit event: %w", err)
	}
	query := fmt.Sprintf(
		"INSERT INTO audit_events (task_id, seq, ts, payload) VALUES (%s, %s, %s, %s)",
		s.ph(1), s.ph(2), s.ph(3), s.ph(4),
	)
	_, err = s.db.ExecContext(ctx, query, e.TaskID, e.Seq, e.Ts, payload)
	if err != nil {
		return fmt.Errorf("sqlstore: append audit event for task %s seq %d: %w", e.TaskID, e.Seq, err)
	}
	return nil
}

func (s *Store) ListAuditEvents(ctx context.Context, taskID string) ([]contracts.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT payload FROM audit_events WHERE task_id = %s ORDER BY seq ASC", s.ph(1)),
		taskID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list audit events for task %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.AuditEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlstore: scan audit event row: %w", err)
		}
		var e contracts.AuditEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("sqlstore: decode audit event row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
