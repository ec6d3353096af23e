package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoread/internal/reporting"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// postgresSchema is applied statement by statement on startup.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
        id TEXT PRIMARY KEY,
        started_at TIMESTAMPTZ NOT NULL,
        finished_at TIMESTAMPTZ NOT NULL,
        exit_code INTEGER NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS target_results (
        run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
        name TEXT NOT NULL,
        url TEXT NOT NULL,
        status TEXT NOT NULL,
        error TEXT NOT NULL DEFAULT ''
    )`,
	`CREATE TABLE IF NOT EXISTS workflow_results (
        run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
        target TEXT NOT NULL,
        name TEXT NOT NULL,
        outcome TEXT NOT NULL,
        attempts INTEGER NOT NULL,
        reason TEXT NOT NULL DEFAULT '',
        exhausted BOOLEAN NOT NULL,
        duration_ms BIGINT NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS worklist_items (
        run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
        target TEXT NOT NULL,
        worklist TEXT NOT NULL,
        item_id TEXT NOT NULL,
        title TEXT NOT NULL DEFAULT '',
        state TEXT NOT NULL,
        reason TEXT NOT NULL DEFAULT ''
    )`,
}

const (
	sqlInsertRun = `
        INSERT INTO runs (id, started_at, finished_at, exit_code)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (id) DO UPDATE SET
            finished_at = EXCLUDED.finished_at,
            exit_code = EXCLUDED.exit_code;
    `
	sqlInsertTarget = `
        INSERT INTO target_results (run_id, name, url, status, error)
        VALUES ($1, $2, $3, $4, $5);
    `
	sqlInsertWorkflow = `
        INSERT INTO workflow_results (run_id, target, name, outcome, attempts, reason, exhausted, duration_ms)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
    `
)

var itemColumns = []string{"run_id", "target", "worklist", "item_id", "title", "state", "reason"}

// Store is the PostgreSQL ledger.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// OpenPostgres connects to dsn and prepares the schema.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}

// RecordRun persists a run report in a single transaction.
func (s *Store) RecordRun(ctx context.Context, report *reporting.Report) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlInsertRun,
		report.RunID, report.StartedAt.UTC(), report.FinishedAt.UTC(), report.ExitCode()); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	if err := s.recordOutcomes(ctx, tx, report); err != nil {
		return err
	}
	if err := s.recordItems(ctx, tx, report); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Recorded run.", zap.String("run_id", report.RunID), zap.Int("targets", len(report.Targets)))
	return nil
}

// recordOutcomes writes target and workflow rows in one batch.
func (s *Store) recordOutcomes(ctx context.Context, tx pgx.Tx, report *reporting.Report) error {
	if len(report.Targets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	var labels []string
	for _, t := range report.Targets {
		batch.Queue(sqlInsertTarget, report.RunID, t.Name, t.URL, string(t.Status), t.Error)
		labels = append(labels, "target "+t.Name)
		for _, wf := range t.Workflows {
			batch.Queue(sqlInsertWorkflow, report.RunID, t.Name, wf.Name, wf.Outcome, wf.Attempts, wf.Reason,
				wf.Exhausted, wf.Duration.Milliseconds())
			labels = append(labels, "workflow "+t.Name+"/"+wf.Name)
		}
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()

	for _, label := range labels {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert %s: %w", label, err)
		}
	}
	return nil
}

// recordItems bulk-copies every worklist item row.
func (s *Store) recordItems(ctx context.Context, tx pgx.Tx, report *reporting.Report) error {
	rows := itemRows(report)
	if len(rows) == 0 {
		return nil
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"worklist_items"}, itemColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy worklist items: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("mismatch in copied item count: expected %d, got %d", len(rows), n)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func itemRows(report *reporting.Report) [][]any {
	var rows [][]any
	for _, t := range report.Targets {
		for _, wl := range t.Worklists {
			for _, it := range wl.Items {
				rows = append(rows, []any{report.RunID, t.Name, wl.Name, it.ID, it.Title, it.State, it.Reason})
			}
		}
	}
	return rows
}
