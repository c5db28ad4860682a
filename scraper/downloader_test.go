package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gewnthar/aplsync/config"
)

func newTestFetcher(opts ...FetcherOption) *Fetcher {
	cfg := config.WorkerConfig{UserAgent: "aplsync-test", DownloadTimeout: 2 * time.Second}
	opts = append([]FetcherOption{WithRetryDelay(time.Millisecond, 5*time.Millisecond)}, opts...)
	return NewFetcher(cfg, zap.NewNop(), opts...)
}

func TestFetcher_DownloadRetriesTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "aplsync-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "wic", user)
		assert.Equal(t, "pw", pass)
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("UPC,Description\n036000291452,Cheerios\n"))
	}))
	defer srv.Close()

	src := config.SourceConfig{
		Name:     "fl-fis",
		URL:      srv.URL + "/files/fl_apl.csv",
		Headers:  map[string]string{"X-Api-Key": "secret"},
		Username: "wic",
		Password: "pw",
	}
	raw, err := newTestFetcher().Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, "fl_apl.csv", raw.Name)
	assert.Contains(t, string(raw.Data), "Cheerios")
	assert.Nil(t, raw.EffectiveDate)
}

func TestFetcher_DownloadPermanentFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Download(context.Background(), srv.URL, config.SourceConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "client errors are not retried")
}

func TestFetcher_DownloadGivesUp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Download(context.Background(), srv.URL, config.SourceConfig{})
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetcher_MaxBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	_, err := newTestFetcher(WithMaxBytes(1024)).Download(context.Background(), srv.URL, config.SourceConfig{})
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestFetcher_LocalPathWins(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "mi_apl.csv")
	require.NoError(t, os.WriteFile(p, []byte("UPC\n012345000065\n"), 0644))

	raw, err := newTestFetcher().Fetch(context.Background(), config.SourceConfig{
		URL:       "http://127.0.0.1:1/never-called",
		LocalPath: p,
	})
	require.NoError(t, err)
	assert.Equal(t, "mi_apl.csv", raw.Name)
	assert.Equal(t, "file://"+p, raw.URL)

	_, err = newTestFetcher().LoadLocal(filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}

func TestFetcher_NoURL(t *testing.T) {
	_, err := newTestFetcher().Fetch(context.Background(), config.SourceConfig{Name: "empty"})
	assert.Error(t, err)
}
