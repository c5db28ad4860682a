package models

import (
	"fmt"
	"time"
)

// RejectionReason names a policy rule that excluded or altered rows.
type RejectionReason string

const (
	RejectedArtificialDyes RejectionReason = "rejectedArtificialDyes"
	ContractBrandChanges   RejectionReason = "contractBrandChanges"
)

// maxStatMessages caps the error/warning lists kept for one run.
const maxStatMessages = 200

// IngestionStats are the per-run counters. One run owns its stats exclusively.
type IngestionStats struct {
	RunID          string                  `json:"run_id"`
	State          string                  `json:"state"`
	DataSource     DataSource              `json:"data_source"`
	TotalRows      int                     `json:"total_rows"`
	SkippedRows    int                     `json:"skipped_rows"`
	ValidEntries   int                     `json:"valid_entries"`
	InvalidEntries int                     `json:"invalid_entries"`
	PolicyRejected int                     `json:"policy_rejected"`
	Additions      int                     `json:"additions"`
	Updates        int                     `json:"updates"`
	Unchanged      int                     `json:"unchanged"`
	Rejections     map[RejectionReason]int `json:"rejections,omitempty"`
	Errors         []string                `json:"errors,omitempty"`
	Warnings       []string                `json:"warnings,omitempty"`
	FileHash       string                  `json:"file_hash,omitempty"`
	ArchivedAt     string                  `json:"archived_at,omitempty"`
	NoNewData      bool                    `json:"no_new_data"`
	StartedAt      time.Time               `json:"started_at"`
	Duration       time.Duration           `json:"duration"`

	droppedMessages int
}

// NewIngestionStats starts a stats record for one run.
func NewIngestionStats(runID string, key SourceKey, startedAt time.Time) *IngestionStats {
	return &IngestionStats{
		RunID:      runID,
		State:      key.State,
		DataSource: key.DataSource,
		Rejections: make(map[RejectionReason]int),
		StartedAt:  startedAt,
	}
}

// Reject counts a policy rejection or policy-driven change.
func (s *IngestionStats) Reject(reason RejectionReason) {
	if s.Rejections == nil {
		s.Rejections = make(map[RejectionReason]int)
	}
	s.Rejections[reason]++
}

// Errorf records a row-level error message.
func (s *IngestionStats) Errorf(format string, args ...interface{}) {
	if len(s.Errors) >= maxStatMessages {
		s.droppedMessages++
		return
	}
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

// Warnf records a non-blocking warning.
func (s *IngestionStats) Warnf(format string, args ...interface{}) {
	if len(s.Warnings) >= maxStatMessages {
		s.droppedMessages++
		return
	}
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

// DroppedMessages is how many messages were not kept once the lists were full.
func (s *IngestionStats) DroppedMessages() int { return s.droppedMessages }

// Outcome classifies the run once persistence has committed.
func (s *IngestionStats) Outcome() SyncOutcome {
	if s.InvalidEntries > 0 && s.ValidEntries > 0 {
		return SyncPartial
	}
	if s.ValidEntries == 0 && s.InvalidEntries > 0 {
		return SyncFailure
	}
	return SyncSuccess
}
