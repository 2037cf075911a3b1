package output

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver

	"github.com/jackzampolin/sift/internal/schema"
)

// DefaultTable is the Postgres table used when none is configured.
const DefaultTable = "sift_records"

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// Batch is one written prediction file.
type Batch struct {
	RunID    string
	Task     string
	RunName  string
	RunIndex int
	Model    string
	Rows     []schema.Object
}

// Sink receives every prediction file the runner writes.
type Sink interface {
	Write(ctx context.Context, b Batch) error
}

// PostgresSink mirrors prediction rows into a Postgres table as JSONB.
type PostgresSink struct {
	db     *sql.DB
	table  string
	owned  bool
	logger *slog.Logger
}

// PostgresConfig configures OpenPostgres.
type PostgresConfig struct {
	DSN    string
	Table  string
	Logger *slog.Logger
}

// OpenPostgres connects with the pgx driver, checks the connection and
// creates the table when missing.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresSink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s, err := NewPostgresSink(db, cfg.Table, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresSink wraps an existing connection pool. Close leaves db open.
func NewPostgresSink(db *sql.DB, table string, logger *slog.Logger) (*PostgresSink, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("postgres: invalid table name %q", table)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSink{db: db, table: table, logger: logger.With("sink", "postgres", "table", table)}, nil
}

// Table returns the target table name.
func (s *PostgresSink) Table() string { return s.table }

// EnsureSchema creates the records table when it does not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
create table if not exists %[1]s (
  id          bigserial primary key,
  run_id      text        not null,
  task        text        not null,
  run_name    text        not null,
  run_index   int         not null,
  row_index   int         not null,
  model       text        not null,
  status      text        not null,
  retry_count int         not null,
  record      jsonb       not null,
  created_at  timestamptz not null default now(),
  unique (task, run_name, run_index, row_index)
)`, s.table)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("postgres: create table: %w", err)
	}
	return nil
}

// Write upserts every row of b in one transaction. Rows are keyed by task,
// run name, run index and row index, so rerunning with overwrite replaces
// earlier rows.
func (s *PostgresSink) Write(ctx context.Context, b Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	q := fmt.Sprintf(`
insert into %s (run_id, task, run_name, run_index, row_index, model, status, retry_count, record)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
on conflict (task, run_name, run_index, row_index) do update
set run_id = excluded.run_id,
    model = excluded.model,
    status = excluded.status,
    retry_count = excluded.retry_count,
    record = excluded.record,
    created_at = now()`, s.table)
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return fmt.Errorf("postgres: prepare: %w", err)
	}
	defer stmt.Close()

	for i, row := range b.Rows {
		js, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("postgres: row %d: %w", i, err)
		}
		status, retries := RowStatus(row)
		if _, err := stmt.ExecContext(ctx,
			b.RunID, b.Task, b.RunName, b.RunIndex, i, b.Model, status, retries, js,
		); err != nil {
			return fmt.Errorf("postgres: insert row %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	s.logger.Debug("rows written", "task", b.Task, "run", b.RunIndex, "rows", len(b.Rows))
	return nil
}

// CountByStatus returns row counts per status for one task and run name.
func (s *PostgresSink) CountByStatus(ctx context.Context, task, runName string) (map[string]int, error) {
	q := fmt.Sprintf(`select status, count(*) from %s where task=$1 and run_name=$2 group by status`, s.table)
	rows, err := s.db.QueryContext(ctx, q, task, runName)
	if err != nil {
		return nil, fmt.Errorf("postgres: query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// Close releases the pool when OpenPostgres created it.
func (s *PostgresSink) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

// RowStatus returns the status and retry count stored in an output row.
func RowStatus(row schema.Object) (string, int) {
	status := ""
	if v, ok := row.Get(schema.StatusKey); ok {
		status = fmt.Sprint(v)
	}
	retries := 0
	if v, ok := row.Get(schema.RetryCountKey); ok {
		switch n := v.(type) {
		case int:
			retries = n
		case json.Number:
			if i, err := n.Int64(); err == nil {
				retries = int(i)
			}
		case float64:
			retries = int(n)
		}
	}
	return status, retries
}
