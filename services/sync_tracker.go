// backend/services/sync_tracker.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gewnthar/aplsync/alerts"
	"github.com/gewnthar/aplsync/config"
	"github.com/gewnthar/aplsync/database"
	"github.com/gewnthar/aplsync/models"
	"github.com/gewnthar/aplsync/scraper"
)

// Alert kinds raised by the tracker.
const (
	AlertConsecutiveFailures = "consecutive_failures"
	AlertStale               = "stale"
	AlertEntryCount          = "entry_count_out_of_range"
)

// StatusStore persists sync status rows.
type StatusStore interface {
	Get(ctx context.Context, state string, source models.DataSource) (*models.SyncStatus, error)
	Save(ctx context.Context, st *models.SyncStatus) error
	List(ctx context.Context) ([]models.SyncStatus, error)
}

// SyncTracker maintains per-feed freshness and raises alerts.
type SyncTracker struct {
	statuses         StatusStore
	notifier         alerts.Notifier
	logger           *zap.Logger
	failureThreshold int
	staleAfter       time.Duration
	now              func() time.Time
}

func NewSyncTracker(statuses StatusStore, notifier alerts.Notifier, cfg config.AlertsConfig, logger *zap.Logger) *SyncTracker {
	t := &SyncTracker{
		statuses:         statuses,
		notifier:         notifier,
		logger:           logger,
		failureThreshold: cfg.ConsecutiveFailureThreshold,
		staleAfter:       cfg.StaleAfter,
		now:              time.Now,
	}
	if t.failureThreshold <= 0 {
		t.failureThreshold = 3
	}
	if t.staleAfter <= 0 {
		t.staleAfter = 7 * 24 * time.Hour
	}
	return t
}

// Previous returns the stored status for a feed, or nil if it has never run.
func (t *SyncTracker) Previous(ctx context.Context, key models.SourceKey) (*models.SyncStatus, error) {
	st, err := t.statuses.Get(ctx, key.State, key.DataSource)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	return st, err
}

// NoNewData reports whether hash matches the last recorded file hash.
func (t *SyncTracker) NoNewData(prev *models.SyncStatus, hash string) bool {
	return prev != nil && prev.FileHash != "" && prev.FileHash == hash
}

// List returns every recorded feed.
func (t *SyncTracker) List(ctx context.Context) ([]models.SyncStatus, error) {
	return t.statuses.List(ctx)
}

// RecordSuccess resets the failure count and stores the new counts and hash.
// A skipped run (unchanged file) keeps the previous entry count.
func (t *SyncTracker) RecordSuccess(ctx context.Context, src config.SourceConfig, file *scraper.RawFile, stats *models.IngestionStats, skipped bool) (*models.SyncStatus, error) {
	key := models.SourceKey{State: src.State, DataSource: models.DataSource(src.DataSource)}
	st, err := t.load(ctx, key)
	if err != nil {
		return nil, err
	}
	now := t.now().UTC()
	st.LastSyncAt, st.LastSuccessAt = &now, &now
	st.Status = stats.Outcome()
	st.LastError = ""
	st.ConsecutiveFailures = 0
	st.FileHash = stats.FileHash
	if file != nil {
		st.SourceURL, st.LastFilename = file.URL, file.Name
	}
	if !skipped {
		st.EntriesCount = stats.ValidEntries
	}
	if err := t.statuses.Save(ctx, st); err != nil {
		return nil, err
	}

	if !skipped && outOfRange(st.EntriesCount, src.ExpectedMinEntries, src.ExpectedMaxEntries) {
		t.alert(ctx, alerts.Alert{
			Severity:   alerts.SeverityWarning,
			State:      key.State,
			DataSource: string(key.DataSource),
			Kind:       AlertEntryCount,
			Message: fmt.Sprintf("%d entries ingested, expected between %d and %s",
				st.EntriesCount, src.ExpectedMinEntries, upperBound(src.ExpectedMaxEntries)),
		})
	}
	return st, nil
}

// RecordFailure increments the failure count. Counts, hash and last success
// from the previous good run are kept.
func (t *SyncTracker) RecordFailure(ctx context.Context, src config.SourceConfig, file *scraper.RawFile, stats *models.IngestionStats, runErr error) (*models.SyncStatus, error) {
	key := models.SourceKey{State: src.State, DataSource: models.DataSource(src.DataSource)}
	st, err := t.load(ctx, key)
	if err != nil {
		return nil, err
	}
	now := t.now().UTC()
	st.LastSyncAt = &now
	st.Status = models.SyncFailure
	st.LastError = runErr.Error()
	st.ConsecutiveFailures++
	if file != nil {
		st.SourceURL = file.URL
	}
	if err := t.statuses.Save(ctx, st); err != nil {
		return nil, err
	}

	if st.ConsecutiveFailures >= t.failureThreshold {
		t.alert(ctx, alerts.Alert{
			Severity:   alerts.SeverityCritical,
			State:      key.State,
			DataSource: string(key.DataSource),
			Kind:       AlertConsecutiveFailures,
			Message:    fmt.Sprintf("%d consecutive sync failures; last error: %v", st.ConsecutiveFailures, runErr),
		})
	}
	t.checkStale(ctx, *st, now)
	return st, nil
}

// CheckStale alerts for every feed without a success inside the stale window.
func (t *SyncTracker) CheckStale(ctx context.Context) error {
	all, err := t.statuses.List(ctx)
	if err != nil {
		return err
	}
	now := t.now().UTC()
	for _, st := range all {
		t.checkStale(ctx, st, now)
	}
	return nil
}

func (t *SyncTracker) checkStale(ctx context.Context, st models.SyncStatus, now time.Time) {
	since := st.CreatedAt
	if st.LastSuccessAt != nil {
		since = *st.LastSuccessAt
	}
	if since.IsZero() || now.Sub(since) < t.staleAfter {
		return
	}
	msg := fmt.Sprintf("no successful sync since %s", since.Format(time.RFC3339))
	if st.LastSuccessAt == nil {
		msg = fmt.Sprintf("no successful sync since tracking began %s", since.Format(time.RFC3339))
	}
	t.alert(ctx, alerts.Alert{
		Severity:   alerts.SeverityCritical,
		State:      st.State,
		DataSource: string(st.DataSource),
		Kind:       AlertStale,
		Message:    msg,
	})
}

func (t *SyncTracker) load(ctx context.Context, key models.SourceKey) (*models.SyncStatus, error) {
	st, err := t.Previous(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync status for %s: %w", key, err)
	}
	if st == nil {
		st = &models.SyncStatus{State: key.State, DataSource: key.DataSource, CreatedAt: t.now().UTC()}
	}
	return st, nil
}

func (t *SyncTracker) alert(ctx context.Context, a alerts.Alert) {
	if a.At.IsZero() {
		a.At = t.now().UTC()
	}
	if t.notifier == nil {
		t.logger.Warn("Alert raised with no notifier", zap.String("kind", a.Kind), zap.String("message", a.Message))
		return
	}
	if err := t.notifier.Notify(ctx, a); err != nil {
		t.logger.Error("Failed to deliver alert", zap.String("kind", a.Kind), zap.Error(err))
	}
}

func outOfRange(n, lo, hi int) bool {
	if lo > 0 && n < lo {
		return true
	}
	return hi > 0 && n > hi
}

func upperBound(hi int) string {
	if hi <= 0 {
		return "unbounded"
	}
	return fmt.Sprint(hi)
}
