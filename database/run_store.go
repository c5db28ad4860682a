// backend/database/run_store.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gewnthar/aplsync/models"
)

// RunStore keeps the append-only history of sync runs, one row per attempt.
// Unlike apl_sync_status it is never overwritten.
type RunStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewRunStore(db *sql.DB, logger *zap.Logger) *RunStore {
	return &RunStore{db: db, logger: logger}
}

// Record inserts one run.
func (s *RunStore) Record(ctx context.Context, r models.SyncRun) error {
	var errText interface{}
	if r.Error != "" {
		errText = r.Error
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO apl_sync_runs (
			run_id, state, data_source, outcome, source_file, file_hash,
			total_rows, valid_entries, invalid_entries, policy_rejected,
			additions, updates, unchanged, no_new_data, error, started_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, strings.ToUpper(r.State), string(r.DataSource), string(r.Outcome), r.SourceFile, r.FileHash,
		r.TotalRows, r.ValidEntries, r.InvalidEntries, r.PolicyRejected,
		r.Additions, r.Updates, r.Unchanged, r.NoNewData, errText, ts(r.StartedAt), r.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s for %s/%s: %w", r.RunID, r.State, r.DataSource, err)
	}
	s.logger.Debug("Recorded sync run",
		zap.String("run_id", r.RunID), zap.String("state", r.State), zap.String("outcome", string(r.Outcome)))
	return nil
}

// Recent returns up to limit runs for a feed, newest first.
func (s *RunStore) Recent(ctx context.Context, key models.SourceKey, limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, state, data_source, outcome, source_file, file_hash,
		       total_rows, valid_entries, invalid_entries, policy_rejected,
		       additions, updates, unchanged, no_new_data, error, started_at, duration_ms
		FROM apl_sync_runs
		WHERE state = ? AND data_source = ?
		ORDER BY started_at DESC
		LIMIT ?`, strings.ToUpper(key.State), string(key.DataSource), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs for %s: %w", key, err)
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		var (
			r         models.SyncRun
			errText   sql.NullString
			startedAt nullTime
			ms        int64
		)
		if err := rows.Scan(
			&r.RunID, &r.State, &r.DataSource, &r.Outcome, &r.SourceFile, &r.FileHash,
			&r.TotalRows, &r.ValidEntries, &r.InvalidEntries, &r.PolicyRejected,
			&r.Additions, &r.Updates, &r.Unchanged, &r.NoNewData, &errText, &startedAt, &ms,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		r.Error = errText.String
		r.StartedAt = startedAt.Time
		r.Duration = time.Duration(ms) * time.Millisecond
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}
	return runs, nil
}
