package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// schema is written in the subset of SQL that both MariaDB/MySQL and SQLite
// accept. Dates that form the natural key are stored as YYYY-MM-DD text.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS apl_entries (
		id CHAR(36) NOT NULL PRIMARY KEY,
		state CHAR(2) NOT NULL,
		upc CHAR(12) NOT NULL,
		description VARCHAR(255) NOT NULL DEFAULT '',
		brand VARCHAR(100) NOT NULL DEFAULT '',
		eligible BOOLEAN NOT NULL DEFAULT TRUE,
		benefit_category VARCHAR(100) NOT NULL,
		benefit_subcategory VARCHAR(100) NOT NULL DEFAULT '',
		participant_types TEXT NULL,
		size_restriction TEXT NULL,
		brand_restriction TEXT NULL,
		additional_restrictions TEXT NULL,
		effective_date CHAR(10) NOT NULL,
		expiration_date CHAR(10) NULL,
		data_source VARCHAR(32) NOT NULL,
		verified BOOLEAN NOT NULL DEFAULT FALSE,
		notes TEXT NULL,
		content_hash CHAR(64) NOT NULL,
		last_updated DATETIME(6) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		UNIQUE (state, upc, effective_date)
	)`,
	`CREATE TABLE IF NOT EXISTS apl_sync_status (
		state CHAR(2) NOT NULL,
		data_source VARCHAR(32) NOT NULL,
		source_url TEXT NULL,
		last_filename VARCHAR(255) NOT NULL DEFAULT '',
		last_sync_at DATETIME(6) NULL,
		last_success_at DATETIME(6) NULL,
		sync_status VARCHAR(16) NOT NULL,
		entries_count INTEGER NOT NULL DEFAULT 0,
		file_hash CHAR(64) NOT NULL DEFAULT '',
		last_error TEXT NULL,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		PRIMARY KEY (state, data_source)
	)`,
	`CREATE TABLE IF NOT EXISTS apl_sync_runs (
		run_id CHAR(36) NOT NULL PRIMARY KEY,
		state CHAR(2) NOT NULL,
		data_source VARCHAR(32) NOT NULL,
		outcome VARCHAR(16) NOT NULL,
		source_file VARCHAR(255) NOT NULL DEFAULT '',
		file_hash CHAR(64) NOT NULL DEFAULT '',
		total_rows INTEGER NOT NULL DEFAULT 0,
		valid_entries INTEGER NOT NULL DEFAULT 0,
		invalid_entries INTEGER NOT NULL DEFAULT 0,
		policy_rejected INTEGER NOT NULL DEFAULT 0,
		additions INTEGER NOT NULL DEFAULT 0,
		updates INTEGER NOT NULL DEFAULT 0,
		unchanged INTEGER NOT NULL DEFAULT 0,
		no_new_data BOOLEAN NOT NULL DEFAULT FALSE,
		error TEXT NULL,
		started_at DATETIME(6) NOT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX idx_sync_runs_source ON apl_sync_runs (state, data_source, started_at)`,
}

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			if isDuplicateIndex(err) {
				continue
			}
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// isDuplicateIndex reports the error MySQL and SQLite raise when CREATE INDEX
// is re-run against an existing database.
func isDuplicateIndex(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1061
	}
	return strings.Contains(err.Error(), "already exists")
}
