// Package worker schedules sync runs: one loop per configured source, retries
// with exponential backoff, and per-state serialization.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/gewnthar/aplsync/alerts"
	"github.com/gewnthar/aplsync/config"
	"github.com/gewnthar/aplsync/metrics"
	"github.com/gewnthar/aplsync/models"
	"github.com/gewnthar/aplsync/policy"
)

var (
	ErrUnknownSource = errors.New("unknown source")
	ErrBusy          = errors.New("source is already running")
)

// AlertRetriesExhausted is raised when every attempt of a scheduled run failed.
const AlertRetriesExhausted = "retries_exhausted"

// Runner executes one ingestion run.
type Runner interface {
	Run(ctx context.Context, src config.SourceConfig) (*models.IngestionStats, error)
}

// StaleChecker raises alerts for feeds that have gone quiet.
type StaleChecker interface {
	CheckStale(ctx context.Context) error
}

// SourceStatus is the scheduler's view of one source.
type SourceStatus struct {
	Name        string             `json:"name"`
	State       string             `json:"state"`
	DataSource  string             `json:"data_source"`
	Schedule    string             `json:"schedule"`
	Running     bool               `json:"running"`
	LastRunAt   *time.Time         `json:"last_run_at,omitempty"`
	LastOutcome models.SyncOutcome `json:"last_outcome,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
	NextRunAt   *time.Time         `json:"next_run_at,omitempty"`
}

type source struct {
	cfg      config.SourceConfig
	schedule cron.Schedule
	engine   *policy.Engine
	status   SourceStatus
}

// Scheduler owns the per-source loops.
type Scheduler struct {
	runner   Runner
	locker   Locker
	notifier alerts.Notifier
	stale    StaleChecker
	metrics  *metrics.Metrics
	logger   *zap.Logger

	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	runOnStartup   bool
	staleEvery     time.Duration
	now            func() time.Time

	mu      sync.Mutex
	sources map[models.SourceKey]*source
	order   []models.SourceKey
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Scheduler)

func WithLocker(l Locker) Option { return func(s *Scheduler) { s.locker = l } }
func WithNotifier(n alerts.Notifier) Option { return func(s *Scheduler) { s.notifier = n } }
func WithStaleChecker(c StaleChecker) Option { return func(s *Scheduler) { s.stale = c } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }
func WithStaleInterval(d time.Duration) Option { return func(s *Scheduler) { s.staleEvery = d } }

// New validates cron expressions and prepares one entry per source.
func New(runner Runner, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		runner:         runner,
		locker:         NewLocalLocker(),
		logger:         logger,
		maxAttempts:    cfg.Worker.MaxAttempts,
		initialBackoff: cfg.Worker.InitialBackoff,
		maxBackoff:     cfg.Worker.MaxBackoff,
		runOnStartup:   cfg.Worker.RunOnStartup,
		staleEvery:     time.Hour,
		now:            time.Now,
		sources:        make(map[models.SourceKey]*source),
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 1
	}
	if s.initialBackoff <= 0 {
		s.initialBackoff = 30 * time.Second
	}
	if s.maxBackoff < s.initialBackoff {
		s.maxBackoff = s.initialBackoff
	}
	for _, o := range opts {
		o(s)
	}

	for _, sc := range cfg.Sources {
		key := sourceKey(sc.State, sc.DataSource)
		src := &source{
			cfg:    sc,
			engine: policy.ForState(sc.State, cfg.Policy),
			status: SourceStatus{Name: sc.Name, State: key.State, DataSource: sc.DataSource, Schedule: "cadence"},
		}
		if sc.Cron != "" {
			sched, err := cron.ParseStandard(sc.Cron)
			if err != nil {
				return nil, fmt.Errorf("source %s: bad cron %q: %w", sc.Name, sc.Cron, err)
			}
			src.schedule = sched
			src.status.Schedule = "cron " + sc.Cron
		}
		s.sources[key] = src
		s.order = append(s.order, key)
	}
	return s, nil
}

// NextRun is the time of the next scheduled run after from: the cron
// override when set, else from plus the policy cadence for that date.
func (s *Scheduler) NextRun(key models.SourceKey, from time.Time) (time.Time, error) {
	src, ok := s.sources[key]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownSource, key)
	}
	return src.next(from), nil
}

func (src *source) next(from time.Time) time.Time {
	if src.schedule != nil {
		return src.schedule.Next(from)
	}
	return from.Add(src.engine.Cadence(from))
}

// Start launches one loop per source. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	for _, key := range s.order {
		src := s.sources[key]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, key, src)
		}()
	}
	if s.stale != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.staleLoop(ctx)
		}()
	}
	s.logger.Info("Scheduler started", zap.Int("sources", len(s.order)))
}

// Stop cancels every loop and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, key models.SourceKey, src *source) {
	next := src.next(s.now())
	if s.runOnStartup {
		next = s.now()
	}
	for {
		s.setNext(key, next)
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.runWithRetry(ctx, key, src)
		if ctx.Err() != nil {
			return
		}
		next = src.next(s.now())
	}
}

func (s *Scheduler) staleLoop(ctx context.Context) {
	t := time.NewTicker(s.staleEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.stale.CheckStale(ctx); err != nil {
				s.logger.Warn("Stale check failed", zap.Error(err))
			}
		}
	}
}

// runWithRetry retries a failed run with exponential backoff up to the
// configured attempts, then alerts and leaves the source for its next tick.
func (s *Scheduler) runWithRetry(ctx context.Context, key models.SourceKey, src *source) (*models.IngestionStats, error) {
	log := s.logger.With(zap.String("state", key.State), zap.String("data_source", string(key.DataSource)))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialBackoff
	b.MaxInterval = s.maxBackoff

	attempts := 0
	stats, err := backoff.Retry(ctx, func() (*models.IngestionStats, error) {
		attempts++
		stats, err := s.runOnce(ctx, key, src, false)
		if err != nil && ctx.Err() != nil {
			return stats, backoff.Permanent(err)
		}
		return stats, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.metrics.Retry(key.State, string(key.DataSource))
			log.Warn("Sync attempt failed, retrying", zap.Error(err), zap.Duration("wait", wait))
		}),
	)
	if err != nil && ctx.Err() == nil {
		log.Error("Sync failed after retries", zap.Int("attempts", attempts), zap.Error(err))
		if s.notifier != nil {
			a := alerts.Alert{
				Severity:   alerts.SeverityCritical,
				State:      key.State,
				DataSource: string(key.DataSource),
				Kind:       AlertRetriesExhausted,
				Message:    fmt.Sprintf("sync failed after %d attempts: %v", attempts, err),
				At:         s.now().UTC(),
			}
			if nerr := s.notifier.Notify(ctx, a); nerr != nil {
				log.Error("Failed to deliver alert", zap.Error(nerr))
			}
		}
	}
	return stats, err
}

// runOnce takes the state lock and performs one attempt. claimed is set when
// the caller already marked the source running.
func (s *Scheduler) runOnce(ctx context.Context, key models.SourceKey, src *source, claimed bool) (*models.IngestionStats, error) {
	held, unlock, err := s.locker.Lock(ctx, key.State)
	if err != nil {
		if claimed {
			s.mu.Lock()
			src.status.Running = false
			s.mu.Unlock()
		}
		return nil, err
	}
	defer unlock()

	s.mu.Lock()
	src.status.Running = true
	s.mu.Unlock()

	stats, err := s.runner.Run(held, src.cfg)
	if err != nil && ctx.Err() == nil {
		if cause := context.Cause(held); errors.Is(cause, ErrLockLost) {
			err = fmt.Errorf("%w: %w", cause, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	src.status.Running = false
	src.status.LastRunAt = &now
	src.status.LastError = ""
	if err != nil {
		src.status.LastOutcome = models.SyncFailure
		src.status.LastError = err.Error()
	} else if stats != nil {
		src.status.LastOutcome = stats.Outcome()
	}
	return stats, err
}

// RunNow triggers one attempt immediately, outside the schedule. It fails
// with ErrBusy while the source is already running.
func (s *Scheduler) RunNow(ctx context.Context, state, dataSource string) (*models.IngestionStats, error) {
	key := sourceKey(state, dataSource)
	src, ok := s.sources[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, key)
	}
	s.mu.Lock()
	if src.status.Running {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBusy, key)
	}
	src.status.Running = true
	s.mu.Unlock()
	return s.runOnce(ctx, key, src, true)
}

// Source returns the configuration of a scheduled source.
func (s *Scheduler) Source(state, dataSource string) (config.SourceConfig, bool) {
	src, ok := s.sources[sourceKey(state, dataSource)]
	if !ok {
		return config.SourceConfig{}, false
	}
	return src.cfg, true
}

// Status reports every source ordered by state then data source.
func (s *Scheduler) Status() []SourceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SourceStatus, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src.status)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].State != out[j].State {
			return out[i].State < out[j].State
		}
		return out[i].DataSource < out[j].DataSource
	})
	return out
}

func sourceKey(state, dataSource string) models.SourceKey {
	return models.SourceKey{
		State:      strings.ToUpper(strings.TrimSpace(state)),
		DataSource: models.DataSource(strings.ToLower(strings.TrimSpace(dataSource))),
	}
}

func (s *Scheduler) setNext(key models.SourceKey, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := next.UTC()
	s.sources[key].status.NextRunAt = &n
}
