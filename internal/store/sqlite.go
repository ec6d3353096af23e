package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/autoread/internal/reporting"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
        id TEXT PRIMARY KEY,
        started_at TIMESTAMP NOT NULL,
        finished_at TIMESTAMP NOT NULL,
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
        duration_ms INTEGER NOT NULL
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
	`CREATE INDEX IF NOT EXISTS idx_worklist_items_run ON worklist_items(run_id)`,
}

// SQLiteStore is the single-file ledger for runs without a database server.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenSQLite opens or creates the database at dsn, a file path or a "file:" URI.
func OpenSQLite(ctx context.Context, dsn string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path, onDisk := sqliteFilePath(dsn); onDisk {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and writes serialized.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	for i, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return &SQLiteStore{db: db, log: logger.Named("store")}, nil
}

func sqliteFilePath(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return "", false
	}
	if rest, ok := strings.CutPrefix(dsn, "file:"); ok {
		path, _, _ := strings.Cut(rest, "?")
		return path, path != "" && path != ":memory:"
	}
	return dsn, true
}

// RecordRun persists a run report in a single transaction.
func (s *SQLiteStore) RecordRun(ctx context.Context, report *reporting.Report) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.log.Error("Failed to rollback transaction", zap.Error(rbErr))
			}
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, exit_code) VALUES (?, ?, ?, ?)
         ON CONFLICT (id) DO UPDATE SET finished_at = excluded.finished_at, exit_code = excluded.exit_code`,
		report.RunID, report.StartedAt.UTC(), report.FinishedAt.UTC(), report.ExitCode()); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, t := range report.Targets {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO target_results (run_id, name, url, status, error) VALUES (?, ?, ?, ?, ?)`,
			report.RunID, t.Name, t.URL, string(t.Status), t.Error); err != nil {
			return fmt.Errorf("failed to insert target %s: %w", t.Name, err)
		}
		for _, wf := range t.Workflows {
			if _, err = tx.ExecContext(ctx,
				`INSERT INTO workflow_results (run_id, target, name, outcome, attempts, reason, exhausted, duration_ms)
                 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				report.RunID, t.Name, wf.Name, wf.Outcome, wf.Attempts, wf.Reason, wf.Exhausted, wf.Duration.Milliseconds()); err != nil {
				return fmt.Errorf("failed to insert workflow %s/%s: %w", t.Name, wf.Name, err)
			}
		}
	}

	if rows := itemRows(report); len(rows) > 0 {
		stmt, perr := tx.PrepareContext(ctx,
			`INSERT INTO worklist_items (run_id, target, worklist, item_id, title, state, reason) VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if perr != nil {
			err = perr
			return fmt.Errorf("failed to prepare item insert: %w", err)
		}
		defer stmt.Close()
		for _, row := range rows {
			if _, err = stmt.ExecContext(ctx, row...); err != nil {
				return fmt.Errorf("failed to insert worklist item: %w", err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Recorded run.", zap.String("run_id", report.RunID), zap.Int("targets", len(report.Targets)))
	return nil
}

// ItemStates returns how many items of a run ended in each state.
func (s *SQLiteStore) ItemStates(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM worklist_items WHERE run_id = ? GROUP BY state`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query item states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan item state row: %w", err)
		}
		out[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
