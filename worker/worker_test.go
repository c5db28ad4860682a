package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gewnthar/aplsync/alerts"
	"github.com/gewnthar/aplsync/config"
	"github.com/gewnthar/aplsync/models"
)

var fixedNow = time.Date(2025, 10, 14, 15, 30, 0, 0, time.UTC)

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	errs  []error
	ran   chan config.SourceConfig
	block chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, src config.SourceConfig) (*models.IngestionStats, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	f.mu.Unlock()
	if f.ran != nil {
		select {
		case f.ran <- src:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	st := models.NewIngestionStats("run", sourceKey(src.State, src.DataSource), fixedNow)
	st.ValidEntries = 10
	return st, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alerts.Alert
}

func (r *recordingNotifier) Notify(_ context.Context, a alerts.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Worker: config.WorkerConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
		Policy: config.PolicyConfig{
			DefaultCadence: 7 * 24 * time.Hour,
			RolloutPhases: []config.RolloutPhaseConfig{
				{State: "FL", Name: "dye-ban", Start: time.Date(2025, 9, 15, 0, 0, 0, 0, time.UTC), End: time.Date(2025, 11, 15, 0, 0, 0, 0, time.UTC), Cadence: 24 * time.Hour},
			},
		},
		Sources: []config.SourceConfig{
			{Name: "fl-fis", State: "FL", DataSource: "fis"},
			{Name: "mi-state", State: "MI", DataSource: "state_agency", Cron: "0 6 * * *"},
		},
	}
}

func newScheduler(t *testing.T, runner Runner, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(runner, testConfig(), zap.NewNop(), opts...)
	require.NoError(t, err)
	return s
}

func TestLocalLocker_Serializes(t *testing.T) {
	l := NewLocalLocker()
	held, unlock, err := l.Lock(context.Background(), "FL")
	require.NoError(t, err)
	assert.NoError(t, held.Err())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = l.Lock(ctx, "FL")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, other, err := l.Lock(context.Background(), "MI")
	require.NoError(t, err, "different states do not contend")
	other()

	unlock()
	unlock()
	assert.ErrorIs(t, held.Err(), context.Canceled, "released lock cancels its context")
	_, again, err := l.Lock(context.Background(), "FL")
	require.NoError(t, err)
	again()
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLock(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "FL", time.Minute)
	b := NewRedisLock(client, "FL", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Release(ctx), "releasing a lock you do not hold is a no-op")
	assert.True(t, mr.Exists("lock:FL"))

	require.NoError(t, a.Extend(ctx, 10*time.Minute))
	assert.Equal(t, 10*time.Minute, mr.TTL("lock:FL"))
	assert.Error(t, b.Extend(ctx, time.Minute))

	require.NoError(t, a.Release(ctx))
	assert.False(t, mr.Exists("lock:FL"))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("lock:FL"), "ttl frees a crashed holder")
}

func TestRedisLocker_AcrossProcesses(t *testing.T) {
	mr, client := newRedis(t)
	one := NewRedisLocker(client, time.Minute, zap.NewNop())
	two := NewRedisLocker(client, time.Minute, zap.NewNop())
	two.poll = 5 * time.Millisecond

	_, unlock, err := one.Lock(context.Background(), "FL")
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:aplsync:state:FL"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err = two.Lock(ctx, "FL")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.False(t, mr.Exists("lock:aplsync:state:FL"))

	_, unlock2, err := two.Lock(context.Background(), "FL")
	require.NoError(t, err)
	unlock2()
}

func TestRedisLocker_LostLockCancelsRun(t *testing.T) {
	tests := []struct {
		name  string
		steal func(mr *miniredis.Miniredis)
	}{
		{"key expired", func(mr *miniredis.Miniredis) { mr.Del("lock:aplsync:state:FL") }},
		{"key taken over", func(mr *miniredis.Miniredis) { mr.Set("lock:aplsync:state:FL", "someone-else") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr, client := newRedis(t)
			core, logs := observer.New(zapcore.WarnLevel)
			locker := NewRedisLocker(client, 30*time.Millisecond, zap.New(core))

			held, unlock, err := locker.Lock(context.Background(), "FL")
			require.NoError(t, err)
			defer unlock()

			tt.steal(mr)

			select {
			case <-held.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("held context not canceled after the lock was lost")
			}
			assert.ErrorIs(t, context.Cause(held), ErrLockLost)
			assert.Equal(t, 1, logs.FilterMessage("Failed to extend state lock, canceling run").Len())
		})
	}
}

func TestRunOnce_LostLockFailsAttempt(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	s := newScheduler(t, runner, WithLocker(lostLocker{}), WithClock(func() time.Time { return fixedNow }))

	_, err := s.RunNow(context.Background(), "FL", "fis")
	assert.ErrorIs(t, err, ErrLockLost)

	st := s.Status()
	assert.False(t, st[0].Running)
	assert.Equal(t, models.SyncFailure, st[0].LastOutcome)
}

// lostLocker grants the lock and immediately reports it lost.
type lostLocker struct{}

func (lostLocker) Lock(ctx context.Context, _ string) (context.Context, func(), error) {
	held, cancel := context.WithCancelCause(ctx)
	cancel(ErrLockLost)
	return held, func() {}, nil
}

func TestNew_BadCron(t *testing.T) {
	cfg := testConfig()
	cfg.Sources[1].Cron = "every tuesday"
	_, err := New(&fakeRunner{}, cfg, zap.NewNop())
	assert.ErrorContains(t, err, "bad cron")
}

func TestNextRun(t *testing.T) {
	s := newScheduler(t, &fakeRunner{})

	next, err := s.NextRun(models.SourceKey{State: "FL", DataSource: models.SourceFIS}, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Add(24*time.Hour), next, "rollout phase cadence")

	next, err = s.NextRun(models.SourceKey{State: "FL", DataSource: models.SourceFIS}, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 12, 8, 0, 0, 0, 0, time.UTC), next, "default cadence outside the phase")

	next, err = s.NextRun(models.SourceKey{State: "MI", DataSource: models.SourceStateAgency}, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 10, 15, 6, 0, 0, 0, time.UTC), next, "cron overrides cadence")

	_, err = s.NextRun(models.SourceKey{State: "TX", DataSource: models.SourceFIS}, fixedNow)
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestRunWithRetry(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		runner := &fakeRunner{errs: []error{errors.New("503"), errors.New("timeout")}}
		notifier := &recordingNotifier{}
		s := newScheduler(t, runner, WithNotifier(notifier), WithClock(func() time.Time { return fixedNow }))
		key := sourceKey("FL", "fis")

		stats, err := s.runWithRetry(context.Background(), key, s.sources[key])
		require.NoError(t, err)
		assert.Equal(t, 10, stats.ValidEntries)
		assert.Equal(t, 3, runner.count())
		assert.Empty(t, notifier.alerts)
	})

	t.Run("exhausted", func(t *testing.T) {
		boom := errors.New("connection refused")
		runner := &fakeRunner{errs: []error{boom, boom, boom, boom}}
		notifier := &recordingNotifier{}
		s := newScheduler(t, runner, WithNotifier(notifier), WithClock(func() time.Time { return fixedNow }))
		key := sourceKey("FL", "fis")

		_, err := s.runWithRetry(context.Background(), key, s.sources[key])
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, runner.count())
		require.Len(t, notifier.alerts, 1)
		a := notifier.alerts[0]
		assert.Equal(t, AlertRetriesExhausted, a.Kind)
		assert.Equal(t, alerts.SeverityCritical, a.Severity)
		assert.Equal(t, "FL", a.State)
		assert.Contains(t, a.Message, "3 attempts")

		st := s.Status()
		assert.Equal(t, models.SyncFailure, st[0].LastOutcome)
		assert.Equal(t, "connection refused", st[0].LastError)
	})
}

func TestRunNow(t *testing.T) {
	runner := &fakeRunner{}
	s := newScheduler(t, runner, WithClock(func() time.Time { return fixedNow }))

	_, err := s.RunNow(context.Background(), "TX", "fis")
	assert.ErrorIs(t, err, ErrUnknownSource)

	stats, err := s.RunNow(context.Background(), "fl", "FIS")
	require.NoError(t, err)
	assert.Equal(t, 10, stats.ValidEntries)

	status := s.Status()
	require.Len(t, status, 2)
	assert.False(t, status[0].Running)
	assert.Equal(t, "FL", status[0].State)
	assert.Equal(t, "MI", status[1].State)
	assert.Equal(t, models.SyncSuccess, status[0].LastOutcome)
	assert.Equal(t, fixedNow, *status[0].LastRunAt)
	assert.Nil(t, status[1].LastRunAt)
	assert.Equal(t, "cron 0 6 * * *", status[1].Schedule)
}

func TestRunNow_ConcurrentTriggers(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	s := newScheduler(t, runner, WithClock(func() time.Time { return fixedNow }))

	results := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := s.RunNow(context.Background(), "FL", "fis")
			results <- err
		}()
	}

	select {
	case err := <-results:
		assert.ErrorIs(t, err, ErrBusy, "second trigger rejected while the first runs")
	case <-time.After(2 * time.Second):
		t.Fatal("neither trigger returned")
	}
	close(runner.block)
	require.NoError(t, <-results)
	assert.Equal(t, 1, runner.count())

	_, err := s.RunNow(context.Background(), "FL", "fis")
	require.NoError(t, err, "source is free again once the run ends")
	assert.Equal(t, 2, runner.count())
}

type countingStale struct{ n atomic.Int32 }

func (c *countingStale) CheckStale(context.Context) error {
	c.n.Add(1)
	return nil
}

func TestStartStop(t *testing.T) {
	cfg := testConfig()
	cfg.Worker.RunOnStartup = true
	runner := &fakeRunner{ran: make(chan config.SourceConfig, 4)}
	stale := &countingStale{}
	s, err := New(runner, cfg, zap.NewNop(), WithStaleChecker(stale), WithStaleInterval(5*time.Millisecond))
	require.NoError(t, err)

	s.Start(context.Background())
	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case src := <-runner.ran:
			seen[src.Name] = true
		case <-time.After(2 * time.Second):
			t.Fatal("sources did not run on startup")
		}
	}
	assert.Eventually(t, func() bool { return stale.n.Load() > 0 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		for _, st := range s.Status() {
			if st.Running || st.NextRunAt == nil || !st.NextRunAt.After(time.Now()) {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond, "each loop rescheduled after its startup run")
	s.Stop()

	assert.Equal(t, 2, runner.count())
}
