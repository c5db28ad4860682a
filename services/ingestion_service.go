// backend/services/ingestion_service.go
package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gewnthar/aplsync/archive"
	"github.com/gewnthar/aplsync/config"
	"github.com/gewnthar/aplsync/database"
	"github.com/gewnthar/aplsync/logging"
	"github.com/gewnthar/aplsync/metrics"
	"github.com/gewnthar/aplsync/models"
	"github.com/gewnthar/aplsync/policy"
	"github.com/gewnthar/aplsync/scraper"
	"github.com/gewnthar/aplsync/transform"
	"github.com/gewnthar/aplsync/validator"
)

// Fatal run errors. Row-level problems never surface as errors from Run.
var (
	ErrFetch   = errors.New("fetch failed")
	ErrParse   = errors.New("parse failed")
	ErrPersist = errors.New("persist failed")
	ErrTimeout = errors.New("run timed out")
)

// Fetcher obtains the raw bytes of a feed.
type Fetcher interface {
	Fetch(ctx context.Context, src config.SourceConfig) (*scraper.RawFile, error)
}

// EntryStore is where canonical entries are committed.
type EntryStore interface {
	UpsertBatch(ctx context.Context, entries []*models.APLEntry) (database.UpsertResult, error)
	CountBySource(ctx context.Context, state string, source models.DataSource) (int, error)
}

// RunLog keeps the history of every run.
type RunLog interface {
	Record(ctx context.Context, r models.SyncRun) error
}

// IngestionService runs the pipeline for one source at a time. It keeps no
// state between runs; each run owns its stats.
type IngestionService struct {
	fetcher       Fetcher
	store         EntryStore
	tracker       *SyncTracker
	runs          RunLog
	archiver      archive.Archiver
	metrics       *metrics.Metrics
	policy        config.PolicyConfig
	logger        *zap.Logger
	runTimeout    time.Duration
	commitTimeout time.Duration
	now           func() time.Time
}

type Option func(*IngestionService)

func WithArchiver(a archive.Archiver) Option { return func(s *IngestionService) { s.archiver = a } }
func WithMetrics(m *metrics.Metrics) Option  { return func(s *IngestionService) { s.metrics = m } }
func WithPolicy(p config.PolicyConfig) Option {
	return func(s *IngestionService) { s.policy = p }
}
func WithTimeouts(run, commit time.Duration) Option {
	return func(s *IngestionService) { s.runTimeout, s.commitTimeout = run, commit }
}
func WithRunLog(l RunLog) Option { return func(s *IngestionService) { s.runs = l } }
func WithClock(now func() time.Time) Option { return func(s *IngestionService) { s.now = now } }

func NewIngestionService(fetcher Fetcher, store EntryStore, tracker *SyncTracker, logger *zap.Logger, opts ...Option) *IngestionService {
	s := &IngestionService{
		fetcher:       fetcher,
		store:         store,
		tracker:       tracker,
		logger:        logger,
		runTimeout:    30 * time.Minute,
		commitTimeout: 5 * time.Minute,
		now:           time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run fetches and ingests one source. The returned stats are populated even
// when the run fails.
func (s *IngestionService) Run(ctx context.Context, src config.SourceConfig) (*models.IngestionStats, error) {
	return s.execute(ctx, src, func(ctx context.Context) (*scraper.RawFile, error) {
		return s.fetcher.Fetch(ctx, src)
	})
}

// Replay ingests a previously archived file instead of downloading.
func (s *IngestionService) Replay(ctx context.Context, src config.SourceConfig, location string) (*models.IngestionStats, error) {
	if s.archiver == nil {
		return nil, fmt.Errorf("replay %s: archiving is not configured", location)
	}
	return s.execute(ctx, src, func(ctx context.Context) (*scraper.RawFile, error) {
		data, err := s.archiver.Get(ctx, location)
		if err != nil {
			return nil, err
		}
		return &scraper.RawFile{Name: location, URL: location, Data: data, FetchedAt: s.now().UTC()}, nil
	})
}

func (s *IngestionService) execute(ctx context.Context, src config.SourceConfig, fetch func(context.Context) (*scraper.RawFile, error)) (*models.IngestionStats, error) {
	key := models.SourceKey{State: src.State, DataSource: models.DataSource(src.DataSource)}
	started := s.now()
	stats := models.NewIngestionStats(uuid.NewString(), key, started)
	log := logging.ForSource(s.logger, key.State, string(key.DataSource)).With(zap.String("run_id", stats.RunID))

	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	log.Info("Starting sync run")
	r := &run{svc: s, src: src, key: key, stats: stats, log: log}
	err := r.do(runCtx, fetch)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	stats.Duration = s.now().Sub(started)

	// status writes must happen even when the run context is spent
	trackCtx, trackCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer trackCancel()

	state, source := key.State, string(key.DataSource)
	if err != nil {
		log.Error("Sync run failed", zap.Error(err), zap.Duration("duration", stats.Duration))
		s.metrics.RunFinished(state, source, string(models.SyncFailure), stats.Duration)
		if s.tracker != nil {
			if _, terr := s.tracker.RecordFailure(trackCtx, src, r.file, stats, err); terr != nil {
				log.Error("Failed to record sync failure", zap.Error(terr))
			}
		}
		s.recordRun(trackCtx, log, stats, models.SyncFailure, r.file, err)
		return stats, err
	}

	outcome := stats.Outcome()
	s.metrics.RunFinished(state, source, string(outcome), stats.Duration)
	s.metrics.Rows(state, source, "valid", stats.ValidEntries)
	s.metrics.Rows(state, source, "invalid", stats.InvalidEntries)
	s.metrics.Rows(state, source, "skipped", stats.SkippedRows)
	s.metrics.Rows(state, source, "added", stats.Additions)
	s.metrics.Rows(state, source, "updated", stats.Updates)
	s.metrics.Rows(state, source, "unchanged", stats.Unchanged)
	for reason, n := range stats.Rejections {
		s.metrics.Rejected(state, source, string(reason), n)
	}
	if s.tracker != nil {
		st, terr := s.tracker.RecordSuccess(trackCtx, src, r.file, stats, r.skipped)
		if terr != nil {
			log.Error("Failed to record sync success", zap.Error(terr))
		} else {
			s.metrics.Succeeded(state, source, st.EntriesCount, s.now())
		}
	}
	s.recordRun(trackCtx, log, stats, outcome, r.file, nil)
	log.Info("Sync run finished",
		zap.String("outcome", string(outcome)),
		zap.Int("rows", stats.TotalRows),
		zap.Int("valid", stats.ValidEntries),
		zap.Int("invalid", stats.InvalidEntries),
		zap.Int("policy_rejected", stats.PolicyRejected),
		zap.Int("additions", stats.Additions),
		zap.Int("updates", stats.Updates),
		zap.Int("unchanged", stats.Unchanged),
		zap.Bool("no_new_data", stats.NoNewData),
		zap.Duration("duration", stats.Duration))
	return stats, nil
}

func (s *IngestionService) recordRun(ctx context.Context, log *zap.Logger, stats *models.IngestionStats, outcome models.SyncOutcome, file *scraper.RawFile, runErr error) {
	if s.runs == nil {
		return
	}
	rec := models.SyncRun{
		RunID:          stats.RunID,
		State:          stats.State,
		DataSource:     stats.DataSource,
		Outcome:        outcome,
		FileHash:       stats.FileHash,
		TotalRows:      stats.TotalRows,
		ValidEntries:   stats.ValidEntries,
		InvalidEntries: stats.InvalidEntries,
		PolicyRejected: stats.PolicyRejected,
		Additions:      stats.Additions,
		Updates:        stats.Updates,
		Unchanged:      stats.Unchanged,
		NoNewData:      stats.NoNewData,
		StartedAt:      stats.StartedAt,
		Duration:       stats.Duration,
	}
	if file != nil {
		rec.SourceFile = file.Name
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if err := s.runs.Record(ctx, rec); err != nil {
		log.Error("Failed to record run history", zap.Error(err))
	}
}

// run carries the per-run state through the pipeline stages.
type run struct {
	svc     *IngestionService
	src     config.SourceConfig
	key     models.SourceKey
	stats   *models.IngestionStats
	log     *zap.Logger
	file    *scraper.RawFile
	skipped bool
}

func (r *run) do(ctx context.Context, fetch func(context.Context) (*scraper.RawFile, error)) error {
	s, stats := r.svc, r.stats

	file, err := fetch(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFetch, err)
	}
	r.file = file
	sum := sha256.Sum256(file.Data)
	stats.FileHash = hex.EncodeToString(sum[:])

	if s.tracker != nil {
		prev, err := s.tracker.Previous(ctx, r.key)
		if err != nil {
			r.log.Warn("Could not read previous sync status", zap.Error(err))
		}
		if s.tracker.NoNewData(prev, stats.FileHash) {
			stats.NoNewData = true
			stats.Warnf("no new data: file hash unchanged since last run")
			r.log.Warn("No new data", zap.String("file_hash", stats.FileHash))
			if r.src.SkipUnchanged {
				r.skipped = true
				return nil
			}
		}
	}

	if s.archiver != nil {
		loc, err := s.archiver.Put(ctx, r.key, stats.FileHash, file.Name, file.Data, file.FetchedAt)
		if err != nil {
			stats.Warnf("archive failed: %v", err)
			r.log.Warn("Archiving raw file failed", zap.Error(err))
		} else {
			stats.ArchivedAt = loc
			r.log.Info("Archived raw file", zap.String("location", loc))
		}
	}

	mapping := scraper.MappingFor(r.src)
	format := scraper.DetectFormat(r.src.Format, file.Name, file.Data)
	table, err := scraper.ParseFile(file.Data, format, r.src.Sheet, mapping)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrParse, file.Name, err)
	}

	entries, err := r.process(ctx, table, mapping)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: no valid entries in %d rows", ErrParse, stats.TotalRows)
	}

	commitCtx, cancel := context.WithTimeout(ctx, s.commitTimeout)
	defer cancel()
	res, err := s.store.UpsertBatch(commitCtx, entries)
	if err != nil {
		if errors.Is(commitCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: commit: %w", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	stats.Additions, stats.Updates, stats.Unchanged = res.Additions, res.Updates, res.Unchanged
	return nil
}

// process turns parsed rows into sanitized entries, counting every row that
// does not make it.
func (r *run) process(ctx context.Context, table *scraper.Table, mapping scraper.FieldMapping) ([]*models.APLEntry, error) {
	s, stats := r.svc, r.stats

	effective := r.src.EffectiveDate
	if effective == nil && r.file.EffectiveDate != nil {
		effective = r.file.EffectiveDate
	}
	tr := transform.New(mapping, r.key.State, r.key.DataSource, effective, s.now)
	engine := policy.ForState(r.key.State, s.policy)
	asOf := s.now()

	var (
		entries []*models.APLEntry
		index   = make(map[string]int)
		bulk    = make(map[validator.WarningCode]int)
	)
	for _, row := range table.Rows {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: after %d rows: %w", ErrTimeout, stats.TotalRows, err)
		}
		stats.TotalRows++

		c, err := tr.Transform(row)
		if err != nil {
			stats.InvalidEntries++
			stats.Errorf("%v", err)
			continue
		}
		if c == nil {
			stats.SkippedRows++
			continue
		}
		for _, w := range c.Warnings {
			stats.Warnf("%s", w)
		}

		d := engine.Apply(c, asOf)
		for _, change := range d.Changes {
			stats.Reject(change)
		}
		if d.Reject {
			stats.PolicyRejected++
			stats.Reject(d.Reason)
			r.log.Debug("Row excluded by policy",
				zap.Int("line", c.Line), zap.String("upc", c.Entry.UPC),
				zap.String("reason", string(d.Reason)), zap.String("detail", d.Detail))
			continue
		}

		res := validator.Validate(c.Entry)
		if !res.Valid() {
			stats.InvalidEntries++
			stats.Errorf("line %d: upc %s: %v", c.Line, c.Entry.UPC, res.Err())
			continue
		}
		for _, w := range res.Warnings {
			switch w.Code {
			case validator.WarnUnverified, validator.WarnAllParticipants:
				bulk[w.Code]++
			default:
				stats.Warnf("line %d: %s", c.Line, w.Message)
			}
		}
		validator.Sanitize(c.Entry)

		nk := c.Entry.NaturalKey()
		if i, dup := index[nk]; dup {
			stats.Warnf("line %d: duplicate of %s, later row wins", c.Line, nk)
			entries[i] = c.Entry
			continue
		}
		index[nk] = len(entries)
		entries = append(entries, c.Entry)
		stats.ValidEntries++
	}

	if n := bulk[validator.WarnUnverified]; n > 0 {
		stats.Warnf("%d entries are unverified", n)
	}
	if n := bulk[validator.WarnAllParticipants]; n > 0 {
		stats.Warnf("%d entries list no participant types and apply to all", n)
	}
	if n := stats.DroppedMessages(); n > 0 {
		r.log.Warn("Run messages truncated", zap.Int("dropped", n))
	}
	return entries, nil
}
