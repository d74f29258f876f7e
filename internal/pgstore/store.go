// Package pgstore keeps result documents in PostgreSQL. The index map is a
// JSONB column so that counting by index is a containment query.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/specialistvlad/gridbench/internal/errs"
	"github.com/specialistvlad/gridbench/internal/resultstore"
)

// DB is the subset of *sql.DB the store uses.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Close() error
}

// Store implements resultstore.Store.
type Store struct {
	db    DB
	table string
}

var _ resultstore.Store = (*Store)(nil)

// Open connects and pings the database. It does not create any table.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping: %v", errs.ErrStoreUnavailable, err)
	}
	return New(db, cfg.Table), nil
}

// New wraps an open connection.
func New(db DB, table string) *Store {
	return &Store{db: db, table: table}
}

// EnsureSchema creates the results table and its index. Only the explicit
// store init command calls it.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, q := range schemaStatements(s.table) {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return classify("ensure schema", err)
		}
	}
	return nil
}

// Count implements resultstore.Store.
func (s *Store) Count(ctx context.Context, filter map[string]string) (int, error) {
	query, args, err := buildCountQuery(s.table, filter)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, classify("count", err)
	}
	return n, nil
}

// Insert implements resultstore.Store. Documents already present are left
// untouched.
func (s *Store) Insert(ctx context.Context, docs ...resultstore.Document) error {
	query := buildInsertQuery(s.table)
	for _, d := range docs {
		args, err := insertArgs(d)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return classify("insert", err)
		}
	}
	return nil
}

// Close implements resultstore.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func schemaStatements(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id          UUID PRIMARY KEY,
	run_id      TEXT NOT NULL,
	project     TEXT NOT NULL,
	stage       TEXT NOT NULL,
	unit        TEXT NOT NULL,
	"index"     JSONB NOT NULL DEFAULT '{}'::jsonb,
	return_code INTEGER NOT NULL,
	duration_ms BIGINT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	data        JSONB NOT NULL DEFAULT '{}'::jsonb
)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_index_gin ON %s USING GIN ("index" jsonb_path_ops)`, table, table),
	}
}

func buildCountQuery(table string, filter map[string]string) (string, []any, error) {
	if len(filter) == 0 {
		return fmt.Sprintf("SELECT count(*) FROM %s", table), nil, nil
	}
	raw, err := json.Marshal(filter)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf(`SELECT count(*) FROM %s WHERE "index" @> $1::jsonb`, table), []any{string(raw)}, nil
}

func buildInsertQuery(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (id, run_id, project, stage, unit, "index", return_code, duration_ms, started_at, data)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10::jsonb)
ON CONFLICT (id) DO NOTHING`, table)
}

func insertArgs(d resultstore.Document) ([]any, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if _, err := uuid.Parse(d.ID); err != nil {
		return nil, fmt.Errorf("document id %q: %w", d.ID, err)
	}
	index := d.Index
	if index == nil {
		index = map[string]string{}
	}
	rawIndex, err := json.Marshal(index)
	if err != nil {
		return nil, err
	}
	data := d.Data
	if data == nil {
		data = map[string]any{}
	}
	rawData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode data of %s: %w", d.Unit, err)
	}
	return []any{
		d.ID, d.RunID, d.Project, d.Stage, d.Unit,
		string(rawIndex), d.ReturnCode, d.Duration.Milliseconds(), d.StartedAt.UTC(), string(rawData),
	}, nil
}

// classify marks failures that did not come from the server as the store
// being unavailable.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %s (%s)", op, pgErr.Message, pgErr.Code)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", errs.ErrStoreUnavailable, op, err)
}
