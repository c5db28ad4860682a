// backend/models/meta.go
package models

import "time"

// SyncOutcome is the result of one sync run.
type SyncOutcome string

const (
	SyncSuccess SyncOutcome = "success"
	SyncFailure SyncOutcome = "failure"
	SyncPartial SyncOutcome = "partial"
)

// SyncStatus tracks the freshness of one (state, data source) feed.
type SyncStatus struct {
	State               string      `db:"state" json:"state"`
	DataSource          DataSource  `db:"data_source" json:"data_source"`
	SourceURL           string      `db:"source_url" json:"source_url,omitempty"`
	LastFilename        string      `db:"last_filename" json:"last_filename,omitempty"`
	LastSyncAt          *time.Time  `db:"last_sync_at" json:"last_sync_at,omitempty"`
	LastSuccessAt       *time.Time  `db:"last_success_at" json:"last_success_at,omitempty"`
	Status              SyncOutcome `db:"sync_status" json:"sync_status"`
	EntriesCount        int         `db:"entries_count" json:"entries_count"`
	FileHash            string      `db:"file_hash" json:"file_hash,omitempty"`
	LastError           string      `db:"last_error" json:"last_error,omitempty"`
	ConsecutiveFailures int         `db:"consecutive_failures" json:"consecutive_failures"`
	CreatedAt           time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time   `db:"updated_at" json:"updated_at"`
}

// SourceKey identifies a feed.
type SourceKey struct {
	State      string     `json:"state"`
	DataSource DataSource `json:"data_source"`
}

func (k SourceKey) String() string {
	return k.State + "/" + string(k.DataSource)
}

// SourceEffectiveInfo holds the effective date a publisher announces for its current file.
type SourceEffectiveInfo struct {
	SourceName    string
	FileURL       string
	EffectiveFrom *time.Time
	RawDateString string
	LastChecked   time.Time
}

// SyncRun is one row of the append-only run history.
type SyncRun struct {
	RunID          string        `db:"run_id" json:"run_id"`
	State          string        `db:"state" json:"state"`
	DataSource     DataSource    `db:"data_source" json:"data_source"`
	Outcome        SyncOutcome   `db:"outcome" json:"outcome"`
	SourceFile     string        `db:"source_file" json:"source_file,omitempty"`
	FileHash       string        `db:"file_hash" json:"file_hash,omitempty"`
	TotalRows      int           `db:"total_rows" json:"total_rows"`
	ValidEntries   int           `db:"valid_entries" json:"valid_entries"`
	InvalidEntries int           `db:"invalid_entries" json:"invalid_entries"`
	PolicyRejected int           `db:"policy_rejected" json:"policy_rejected"`
	Additions      int           `db:"additions" json:"additions"`
	Updates        int           `db:"updates" json:"updates"`
	Unchanged      int           `db:"unchanged" json:"unchanged"`
	NoNewData      bool          `db:"no_new_data" json:"no_new_data"`
	Error          string        `db:"error" json:"error,omitempty"`
	StartedAt      time.Time     `db:"started_at" json:"started_at"`
	Duration       time.Duration `db:"duration_ms" json:"duration"`
}
