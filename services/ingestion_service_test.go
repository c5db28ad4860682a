package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gewnthar/aplsync/alerts"
	"github.com/gewnthar/aplsync/archive"
	"github.com/gewnthar/aplsync/config"
	"github.com/gewnthar/aplsync/database"
	"github.com/gewnthar/aplsync/metrics"
	"github.com/gewnthar/aplsync/models"
	"github.com/gewnthar/aplsync/scraper"
)

var fixedNow = time.Date(2025, 10, 14, 15, 30, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func day(s string) time.Time {
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

const flFeed = `UPC,Product Description,Brand,Category,Subcategory,Participant Types,Size,Effective Date,Expiration Date
016000275287,Cheerios Original,General Mills,Cereal,Cold,Children,8.9-36 oz,2025-10-01,
0123456,Short Code,Acme,Cereal,Cold,Children,,2025-10-01,
070074559685,Fruit Snacks Red 40,Acme,Snacks,,Children,,2025-10-01,
036000291452,Whole Wheat Bread,Acme,Bread,,All,,2026-01-01,2025-12-31
041196910759,Enfamil Infant Formula,Enfamil,Infant Formula,Powder,Infant,12.4 oz,2025-10-01,
Page 1 of 1,,,,,,,,
`

var flSource = config.SourceConfig{
	Name:       "fl-state",
	State:      "FL",
	DataSource: "state_agency",
	URL:        "https://example.org/fl-apl.csv",
}

var flPolicy = config.PolicyConfig{
	DyeBans: []config.DyeBanConfig{{State: "FL", EffectiveFrom: ptr(day("2025-01-01"))}},
	Contracts: []config.ContractConfig{
		{State: "FL", Category: "formula", Brand: "Similac", Start: day("2024-10-01"), End: day("2027-09-30")},
	},
}

func ptr(t time.Time) *time.Time { return &t }

type fakeFetcher struct {
	data  []byte
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, src config.SourceConfig) (*scraper.RawFile, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &scraper.RawFile{Name: "fl-apl.csv", URL: src.URL, Data: f.data, FetchedAt: fixedNow}, nil
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

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, a := range r.alerts {
		out = append(out, a.Kind)
	}
	return out
}

type harness struct {
	svc      *IngestionService
	fetcher  *fakeFetcher
	entries  *database.APLStore
	statuses *database.SyncStatusStore
	runs     *database.RunStore
	notifier *recordingNotifier
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	db, err := database.InitDB(context.Background(), config.DatabaseConfig{Driver: "sqlite"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		fetcher:  &fakeFetcher{data: []byte(flFeed)},
		entries:  database.NewAPLStore(db, zap.NewNop()),
		statuses: database.NewSyncStatusStore(db),
		runs:     database.NewRunStore(db, zap.NewNop()),
		notifier: &recordingNotifier{},
	}
	tracker := NewSyncTracker(h.statuses, h.notifier, config.AlertsConfig{}, zap.NewNop())
	tracker.now = clock
	base := []Option{WithPolicy(flPolicy), WithClock(clock), WithMetrics(metrics.New(config.MetricsConfig{Enabled: true})), WithRunLog(h.runs)}
	h.svc = NewIngestionService(h.fetcher, h.entries, tracker, zap.NewNop(), append(base, opts...)...)
	return h
}

func TestRun_CountsEveryRowOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stats, err := h.svc.Run(ctx, flSource)
	require.NoError(t, err)

	assert.Equal(t, 6, stats.TotalRows)
	assert.Equal(t, 1, stats.SkippedRows, "footer row")
	assert.Equal(t, 2, stats.InvalidEntries, "short upc and inverted dates")
	assert.Equal(t, 1, stats.PolicyRejected)
	assert.Equal(t, 2, stats.ValidEntries)
	assert.Equal(t, 2, stats.Additions)
	assert.Equal(t, 1, stats.Rejections[models.RejectedArtificialDyes])
	assert.Equal(t, 1, stats.Rejections[models.ContractBrandChanges])
	assert.Equal(t, models.SyncPartial, stats.Outcome())
	assert.Len(t, stats.FileHash, 64)
	assert.Contains(t, stats.Warnings, "2 entries are unverified")

	var short, dates bool
	for _, e := range stats.Errors {
		short = short || containsAll(e, "line 3", "fewer than 8 digits")
		dates = dates || containsAll(e, "036000291452", "expiration date is not after effective date")
	}
	assert.True(t, short, "7-digit upc reported: %v", stats.Errors)
	assert.True(t, dates, "expiration before effective reported: %v", stats.Errors)

	_, err = h.entries.FindByNaturalKey(ctx, "FL", "070074559685", day("2025-10-01"))
	assert.ErrorIs(t, err, database.ErrNotFound, "dyed product not stored")
	_, err = h.entries.FindByNaturalKey(ctx, "FL", "000000123456", day("2025-10-01"))
	assert.ErrorIs(t, err, database.ErrNotFound)

	formula, err := h.entries.FindByNaturalKey(ctx, "FL", "041196910759", day("2025-10-01"))
	require.NoError(t, err)
	assert.Equal(t, "Similac", formula.BrandRestriction.ContractBrand)
	assert.True(t, formula.AdditionalRestrictions.Has(models.FlagContractBrandOnly))

	st, err := h.statuses.Get(ctx, "FL", models.SourceStateAgency)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPartial, st.Status)
	assert.Equal(t, 2, st.EntriesCount)
	assert.Equal(t, stats.FileHash, st.FileHash)
	assert.Equal(t, "https://example.org/fl-apl.csv", st.SourceURL)
}

func TestRun_RecordsHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ok, err := h.svc.Run(ctx, flSource)
	require.NoError(t, err)
	h.fetcher.err = errors.New("connection reset")
	_, err = h.svc.Run(ctx, flSource)
	require.Error(t, err)

	runs, err := h.runs.Recent(ctx, models.SourceKey{State: "FL", DataSource: models.SourceStateAgency}, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	outcomes := []models.SyncOutcome{runs[0].Outcome, runs[1].Outcome}
	assert.ElementsMatch(t, []models.SyncOutcome{models.SyncPartial, models.SyncFailure}, outcomes)
	for _, r := range runs {
		if r.RunID == ok.RunID {
			assert.Equal(t, 2, r.Additions)
			assert.Equal(t, ok.FileHash, r.FileHash)
			assert.Empty(t, r.Error)
		} else {
			assert.Contains(t, r.Error, "connection reset")
		}
	}
}

func TestRun_UnchangedFileIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Run(ctx, flSource)
	require.NoError(t, err)
	assert.False(t, first.NoNewData)

	second, err := h.svc.Run(ctx, flSource)
	require.NoError(t, err)
	assert.Equal(t, first.FileHash, second.FileHash)
	assert.True(t, second.NoNewData)
	assert.Contains(t, second.Warnings, "no new data: file hash unchanged since last run")
	assert.Zero(t, second.Additions)
	assert.Zero(t, second.Updates)
	assert.Equal(t, 2, second.Unchanged)

	n, err := h.entries.CountBySource(ctx, "FL", models.SourceStateAgency)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	st, err := h.statuses.Get(ctx, "FL", models.SourceStateAgency)
	require.NoError(t, err)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Empty(t, h.notifier.kinds())
}

func TestRun_SkipUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := flSource
	src.SkipUnchanged = true

	_, err := h.svc.Run(ctx, src)
	require.NoError(t, err)
	stats, err := h.svc.Run(ctx, src)
	require.NoError(t, err)
	assert.True(t, stats.NoNewData)
	assert.Zero(t, stats.TotalRows, "pipeline short-circuited")

	st, err := h.statuses.Get(ctx, "FL", models.SourceStateAgency)
	require.NoError(t, err)
	assert.Equal(t, 2, st.EntriesCount, "previous count kept")
	assert.Equal(t, models.SyncSuccess, st.Status)
}

func TestRun_FailuresKeepLastGoodStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	good, err := h.svc.Run(ctx, flSource)
	require.NoError(t, err)

	h.fetcher.err = errors.New("status 503")
	for i := 1; i <= 3; i++ {
		_, err := h.svc.Run(ctx, flSource)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrFetch)

		st, err := h.statuses.Get(ctx, "FL", models.SourceStateAgency)
		require.NoError(t, err)
		assert.Equal(t, i, st.ConsecutiveFailures)
		assert.Equal(t, models.SyncFailure, st.Status)
		assert.Equal(t, 2, st.EntriesCount)
		assert.Equal(t, good.FileHash, st.FileHash)
		assert.Contains(t, st.LastError, "status 503")
	}
	assert.Equal(t, []string{AlertConsecutiveFailures}, h.notifier.kinds())

	h.fetcher.err = nil
	_, err = h.svc.Run(ctx, flSource)
	require.NoError(t, err)
	st, err := h.statuses.Get(ctx, "FL", models.SourceStateAgency)
	require.NoError(t, err)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Empty(t, st.LastError)
}

func TestRun_FatalErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"no header", "hello,world\n1,2\n", ErrParse},
		{"no valid rows", "UPC,Description,Category,Effective Date\n0123456,Short,Cereal,2025-10-01\n", ErrParse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.fetcher.data = []byte(tt.data)
			_, err := h.svc.Run(context.Background(), flSource)
			assert.ErrorIs(t, err, tt.want)

			st, err := h.statuses.Get(context.Background(), "FL", models.SourceStateAgency)
			require.NoError(t, err)
			assert.Equal(t, 1, st.ConsecutiveFailures)
		})
	}
}

type stubStore struct {
	err   error
	block bool
}

func (s stubStore) UpsertBatch(ctx context.Context, _ []*models.APLEntry) (database.UpsertResult, error) {
	if s.block {
		<-ctx.Done()
		return database.UpsertResult{}, ctx.Err()
	}
	return database.UpsertResult{}, s.err
}

func (s stubStore) CountBySource(context.Context, string, models.DataSource) (int, error) { return 0, nil }

func TestRun_PersistAndTimeout(t *testing.T) {
	fetcher := &fakeFetcher{data: []byte(flFeed)}

	svc := NewIngestionService(fetcher, stubStore{err: errors.New("connection reset")}, nil, zap.NewNop(),
		WithPolicy(flPolicy), WithClock(clock))
	_, err := svc.Run(context.Background(), flSource)
	assert.ErrorIs(t, err, ErrPersist)

	svc = NewIngestionService(fetcher, stubStore{block: true}, nil, zap.NewNop(),
		WithPolicy(flPolicy), WithClock(clock), WithTimeouts(time.Minute, 20*time.Millisecond))
	_, err = svc.Run(context.Background(), flSource)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrPersist)
}

func TestRun_EntryCountOutOfRange(t *testing.T) {
	h := newHarness(t)
	src := flSource
	src.ExpectedMinEntries = 100

	_, err := h.svc.Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, []string{AlertEntryCount}, h.notifier.kinds())
}

func TestReplay(t *testing.T) {
	h := newHarness(t, WithArchiver(archive.NewLocal(t.TempDir())))
	ctx := context.Background()

	first, err := h.svc.Run(ctx, flSource)
	require.NoError(t, err)
	require.NotEmpty(t, first.ArchivedAt)

	replayed, err := h.svc.Replay(ctx, flSource, first.ArchivedAt)
	require.NoError(t, err)
	assert.Equal(t, first.FileHash, replayed.FileHash)
	assert.Equal(t, 2, replayed.Unchanged)
	assert.Equal(t, 1, h.fetcher.calls, "replay does not download")
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}

func TestRun_RowWarningsCarryLineOnce(t *testing.T) {
	h := newHarness(t)
	h.fetcher.data = []byte(`UPC,Product Description,Brand,Category,Size,Effective Date
016000275287,Cheerios Original,General Mills,Cereal,a handful,2025-10-01
`)

	stats, err := h.svc.Run(context.Background(), flSource)
	require.NoError(t, err)

	var found []string
	for _, w := range stats.Warnings {
		if strings.Contains(w, "not understood") {
			found = append(found, w)
		}
	}
	require.Len(t, found, 1, "warnings: %v", stats.Warnings)
	assert.Equal(t, `line 2: size "a handful" not understood, no size restriction applied`, found[0])
}
