// backend/database/sync_status_store.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gewnthar/aplsync/models"
)

const syncStatusColumns = `state, data_source, source_url, last_filename, last_sync_at, last_success_at,
	sync_status, entries_count, file_hash, last_error, consecutive_failures, created_at, updated_at`

// SyncStatusStore records the freshness of each (state, data source) feed.
type SyncStatusStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSyncStatusStore(db *sql.DB) *SyncStatusStore {
	return &SyncStatusStore{db: db, now: time.Now}
}

// Get returns the status for one feed, or ErrNotFound if it has never run.
func (s *SyncStatusStore) Get(ctx context.Context, state string, source models.DataSource) (*models.SyncStatus, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+syncStatusColumns+` FROM apl_sync_status
		WHERE state = ? AND data_source = ?`, strings.ToUpper(state), string(source))
	st, err := scanSyncStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Save inserts or replaces the status row for st's feed.
func (s *SyncStatusStore) Save(ctx context.Context, st *models.SyncStatus) error {
	if s.db == nil {
		return fmt.Errorf("database connection is not initialized")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for sync status: %w", err)
	}
	defer tx.Rollback()

	st.State = strings.ToUpper(st.State)
	now := s.now().UTC()
	st.UpdatedAt = now

	var createdAt nullTime
	err = tx.QueryRowContext(ctx, `SELECT created_at FROM apl_sync_status WHERE state = ? AND data_source = ?`,
		st.State, string(st.DataSource)).Scan(&createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		st.CreatedAt = now
		_, err = tx.ExecContext(ctx, `INSERT INTO apl_sync_status (`+syncStatusColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.State, string(st.DataSource), st.SourceURL, st.LastFilename, nullTS(st.LastSyncAt), nullTS(st.LastSuccessAt),
			string(st.Status), st.EntriesCount, st.FileHash, st.LastError, st.ConsecutiveFailures, ts(st.CreatedAt), ts(st.UpdatedAt))
	case err != nil:
		return fmt.Errorf("failed to read sync status for %s/%s: %w", st.State, st.DataSource, err)
	default:
		st.CreatedAt = createdAt.Time
		_, err = tx.ExecContext(ctx, `UPDATE apl_sync_status SET
				source_url = ?, last_filename = ?, last_sync_at = ?, last_success_at = ?, sync_status = ?,
				entries_count = ?, file_hash = ?, last_error = ?, consecutive_failures = ?, updated_at = ?
			WHERE state = ? AND data_source = ?`,
			st.SourceURL, st.LastFilename, nullTS(st.LastSyncAt), nullTS(st.LastSuccessAt), string(st.Status),
			st.EntriesCount, st.FileHash, st.LastError, st.ConsecutiveFailures, ts(st.UpdatedAt),
			st.State, string(st.DataSource))
	}
	if err != nil {
		return fmt.Errorf("failed to save sync status for %s/%s: %w", st.State, st.DataSource, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync status: %w", err)
	}
	return nil
}

// List returns every recorded feed ordered by state then data source.
func (s *SyncStatusStore) List(ctx context.Context) ([]models.SyncStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+syncStatusColumns+` FROM apl_sync_status
		ORDER BY state, data_source`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync status: %w", err)
	}
	defer rows.Close()

	var out []models.SyncStatus
	for rows.Next() {
		st, err := scanSyncStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync status rows: %w", err)
	}
	return out, nil
}

func scanSyncStatus(row rowScanner) (*models.SyncStatus, error) {
	var (
		st                    models.SyncStatus
		source, status        string
		sourceURL, lastError  sql.NullString
		lastSync, lastSuccess nullTime
		createdAt, updatedAt  nullTime
	)
	err := row.Scan(&st.State, &source, &sourceURL, &st.LastFilename, &lastSync, &lastSuccess,
		&status, &st.EntriesCount, &st.FileHash, &lastError, &st.ConsecutiveFailures, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan sync status: %w", err)
	}
	st.DataSource = models.DataSource(source)
	st.Status = models.SyncOutcome(status)
	st.SourceURL = sourceURL.String
	st.LastError = lastError.String
	st.LastSyncAt, st.LastSuccessAt = lastSync.ptr(), lastSuccess.ptr()
	st.CreatedAt, st.UpdatedAt = createdAt.Time, updatedAt.Time
	return &st, nil
}
