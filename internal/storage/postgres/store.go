// Package postgres persists validation reports and repair results in Postgres.
// Each row keeps the queryable columns next to the full JSONB document.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/media-validator/internal/validation"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Default page sizes for ListReports.
const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	ReportsTable    string
	RepairsTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store implements validation.ReportStore and validation.RepairStore.
type Store struct {
	pool    Pool
	reports string
	repairs string
}

// New connects a pgx pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("reports.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.ReportsTable, cfg.RepairsTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool Pool, reportsTable, repairsTable string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if reportsTable == "" {
		reportsTable = "validation_reports"
	}
	if repairsTable == "" {
		repairsTable = "repair_results"
	}
	for _, t := range []string{reportsTable, repairsTable} {
		if !validTableName.MatchString(t) {
			return nil, fmt.Errorf("invalid table name %q", t)
		}
	}
	return &Store{pool: pool, reports: reportsTable, repairs: repairsTable}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id          TEXT PRIMARY KEY,
	collection  TEXT NOT NULL,
	status      TEXT NOT NULL,
	start_time  TIMESTAMPTZ,
	end_time    TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL,
	body        JSONB NOT NULL
)`, s.reports),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_collection_end_idx ON %s (collection, end_time DESC)`, s.reports, s.reports),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id          TEXT PRIMARY KEY,
	report_id   TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	body        JSONB NOT NULL
)`, s.repairs),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// CreateReport inserts a new report row.
func (s *Store) CreateReport(ctx context.Context, report validation.ValidationReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, collection, status, start_time, end_time, created_at, body)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`, s.reports)
	tag, err := s.pool.Exec(ctx, query,
		report.ID, report.Collection, string(report.Status), report.StartTime, report.EndTime, report.CreatedAt, body)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create report %s: %w", report.ID, validation.ErrConflict)
	}
	return nil
}

// GetReport fetches a report by ID.
func (s *Store) GetReport(ctx context.Context, id string) (validation.ValidationReport, error) {
	query := fmt.Sprintf(`SELECT body FROM %s WHERE id = $1`, s.reports)
	var report validation.ValidationReport
	if err := scanJSON(s.pool.QueryRow(ctx, query, id), &report); err != nil {
		return validation.ValidationReport{}, notFound("report", id, err)
	}
	return report, nil
}

// ListReports returns reports newest first by end time; unfinished reports follow.
func (s *Store) ListReports(ctx context.Context, filter validation.ReportFilter) ([]validation.ValidationReport, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	query := fmt.Sprintf(`SELECT body FROM %s
WHERE ($1::text = '' OR collection = $1)
ORDER BY end_time DESC NULLS LAST, start_time DESC NULLS LAST, created_at DESC
LIMIT $2`, s.reports)
	rows, err := s.pool.Query(ctx, query, filter.Collection, limit)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	out := make([]validation.ValidationReport, 0, limit)
	for rows.Next() {
		var report validation.ValidationReport
		if err := scanJSON(rows, &report); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return out, nil
}

// UpdateReport locks the row, applies fn and writes the result back in one
// transaction, so concurrent batch merges never lose an update.
func (s *Store) UpdateReport(
	ctx context.Context,
	id string,
	fn func(*validation.ValidationReport) error,
) (validation.ValidationReport, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return validation.ValidationReport{}, fmt.Errorf("begin report update: %w", err)
	}
	defer rollback(ctx, tx)

	var report validation.ValidationReport
	query := fmt.Sprintf(`SELECT body FROM %s WHERE id = $1 FOR UPDATE`, s.reports)
	if err := scanJSON(tx.QueryRow(ctx, query, id), &report); err != nil {
		return validation.ValidationReport{}, notFound("report", id, err)
	}
	original := report.Clone()
	if err := fn(&report); err != nil {
		return original, err
	}

	body, err := json.Marshal(report)
	if err != nil {
		return original, fmt.Errorf("marshal report: %w", err)
	}
	update := fmt.Sprintf(`UPDATE %s SET status = $2, start_time = $3, end_time = $4, body = $5 WHERE id = $1`, s.reports)
	if _, err := tx.Exec(ctx, update, id, string(report.Status), report.StartTime, report.EndTime, body); err != nil {
		return original, fmt.Errorf("update report: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return original, fmt.Errorf("commit report update: %w", err)
	}
	return report, nil
}

// CreateRepair inserts a new repair result row.
func (s *Store) CreateRepair(ctx context.Context, result validation.RepairResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal repair: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, report_id, status, created_at, body)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`, s.repairs)
	tag, err := s.pool.Exec(ctx, query, result.ID, result.ReportID, string(result.Status), result.CreatedAt, body)
	if err != nil {
		return fmt.Errorf("insert repair: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create repair %s: %w", result.ID, validation.ErrConflict)
	}
	return nil
}

// GetRepair fetches a repair result by ID.
func (s *Store) GetRepair(ctx context.Context, id string) (validation.RepairResult, error) {
	query := fmt.Sprintf(`SELECT body FROM %s WHERE id = $1`, s.repairs)
	var result validation.RepairResult
	if err := scanJSON(s.pool.QueryRow(ctx, query, id), &result); err != nil {
		return validation.RepairResult{}, notFound("repair", id, err)
	}
	return result, nil
}

// UpdateRepair locks the row, applies fn and writes the result back.
func (s *Store) UpdateRepair(
	ctx context.Context,
	id string,
	fn func(*validation.RepairResult) error,
) (validation.RepairResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return validation.RepairResult{}, fmt.Errorf("begin repair update: %w", err)
	}
	defer rollback(ctx, tx)

	var result validation.RepairResult
	query := fmt.Sprintf(`SELECT body FROM %s WHERE id = $1 FOR UPDATE`, s.repairs)
	if err := scanJSON(tx.QueryRow(ctx, query, id), &result); err != nil {
		return validation.RepairResult{}, notFound("repair", id, err)
	}
	original := result
	if err := fn(&result); err != nil {
		return original, err
	}
	body, err := json.Marshal(result)
	if err != nil {
		return original, fmt.Errorf("marshal repair: %w", err)
	}
	update := fmt.Sprintf(`UPDATE %s SET status = $2, body = $3 WHERE id = $1`, s.repairs)
	if _, err := tx.Exec(ctx, update, id, string(result.Status), body); err != nil {
		return original, fmt.Errorf("update repair: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return original, fmt.Errorf("commit repair update: %w", err)
	}
	return result, nil
}

func scanJSON(row pgx.Row, dst any) error {
	var body []byte
	if err := row.Scan(&body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, validation.ErrNotFound)
	}
	return fmt.Errorf("load %s %s: %w", kind, id, err)
}

// rollback is a no-op once the transaction has committed.
func rollback(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}
