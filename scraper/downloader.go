// backend/scraper/downloader.go
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/gewnthar/aplsync/config"
)

const defaultMaxFileBytes int64 = 256 << 20

// ErrFileTooLarge is returned when a download exceeds the configured size cap.
var ErrFileTooLarge = errors.New("file exceeds maximum size")

// HTTPDoer executes HTTP requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RawFile is the unparsed content of one source file.
type RawFile struct {
	Name      string
	URL       string
	Data      []byte
	FetchedAt time.Time
	// EffectiveDate is the date published alongside the file, when discovered.
	EffectiveDate *time.Time
}

// Fetcher downloads source files or loads them from disk.
type Fetcher struct {
	client      HTTPDoer
	userAgent   string
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxBytes    int64
	logger      *zap.Logger
	now         func() time.Time
}

// FetcherOption customizes a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c HTTPDoer) FetcherOption {
	return func(f *Fetcher) { f.client = c }
}

// WithRetryDelay sets the base and maximum delay between download attempts.
func WithRetryDelay(base, maxDelay time.Duration) FetcherOption {
	return func(f *Fetcher) { f.baseDelay, f.maxDelay = base, maxDelay }
}

// WithMaxBytes caps the size of a downloaded file.
func WithMaxBytes(n int64) FetcherOption {
	return func(f *Fetcher) { f.maxBytes = n }
}

// NewFetcher builds a Fetcher from the worker settings.
func NewFetcher(cfg config.WorkerConfig, logger *zap.Logger, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:      &http.Client{},
		userAgent:   cfg.UserAgent,
		timeout:     cfg.DownloadTimeout,
		maxAttempts: 3,
		baseDelay:   1 * time.Second,
		maxDelay:    30 * time.Second,
		maxBytes:    defaultMaxFileBytes,
		logger:      logger,
		now:         time.Now,
	}
	if f.timeout <= 0 {
		f.timeout = 60 * time.Second
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch obtains the raw file for a source. A local path wins over a URL; a
// landing page, when configured, supplies the URL and the effective date.
func (f *Fetcher) Fetch(ctx context.Context, src config.SourceConfig) (*RawFile, error) {
	if src.LocalPath != "" {
		return f.LoadLocal(src.LocalPath)
	}

	fileURL := src.URL
	var effective *time.Time
	if src.LandingPage != "" {
		info, err := f.Discover(ctx, src)
		if err != nil {
			if fileURL == "" {
				return nil, err
			}
			f.logger.Warn("Landing page discovery failed, using configured URL",
				zap.String("landing_page", src.LandingPage), zap.Error(err))
		} else {
			if info.FileURL != "" {
				fileURL = info.FileURL
			}
			effective = info.EffectiveFrom
		}
	}
	if fileURL == "" {
		return nil, fmt.Errorf("source %s has no download URL", src.Name)
	}

	data, err := f.Download(ctx, fileURL, src)
	if err != nil {
		return nil, err
	}
	return &RawFile{
		Name:          fileNameFromURL(fileURL),
		URL:           fileURL,
		Data:          data,
		FetchedAt:     f.now().UTC(),
		EffectiveDate: effective,
	}, nil
}

// LoadLocal reads a source file from disk, for tests and replays.
func (f *Fetcher) LoadLocal(localPath string) (*RawFile, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat local file %s: %w", localPath, err)
	}
	if info.Size() > f.maxBytes {
		return nil, fmt.Errorf("local file %s (%d bytes): %w", localPath, info.Size(), ErrFileTooLarge)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read local file %s: %w", localPath, err)
	}
	f.logger.Info("Loaded local source file", zap.String("path", localPath), zap.Int("bytes", len(data)))
	return &RawFile{
		Name:      filepath.Base(localPath),
		URL:       "file://" + localPath,
		Data:      data,
		FetchedAt: f.now().UTC(),
	}, nil
}

// Download GETs a URL with the source's headers and credentials. 429 and 5xx
// responses and transport errors are retried; other non-200 statuses are not.
func (f *Fetcher) Download(ctx context.Context, rawURL string, src config.SourceConfig) ([]byte, error) {
	f.logger.Info("Attempting to download source file", zap.String("url", rawURL))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.baseDelay
	b.MaxInterval = f.maxDelay

	data, err := backoff.Retry(ctx, func() ([]byte, error) {
		return f.get(ctx, rawURL, src)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(f.maxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			f.logger.Warn("Download attempt failed, retrying",
				zap.String("url", rawURL), zap.Duration("wait", wait), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", rawURL, err)
	}
	f.logger.Info("Successfully downloaded source file", zap.String("url", rawURL), zap.Int("bytes", len(data)))
	return data, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string, src config.SourceConfig) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	for k, v := range src.Headers {
		req.Header.Set(k, v)
	}
	if src.Username != "" {
		req.SetBasicAuth(src.Username, src.Password)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		statusErr := fmt.Errorf("received status code %d", resp.StatusCode)
		if isRetryableStatus(resp.StatusCode) {
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, backoff.Permanent(ErrFileTooLarge)
	}
	return data, nil
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func fileNameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "download"
	}
	return path.Base(u.Path)
}
