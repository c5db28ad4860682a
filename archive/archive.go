// Package archive keeps the raw bytes of every downloaded feed so a run can be
// replayed against the exact file that produced it.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gewnthar/aplsync/config"
	"github.com/gewnthar/aplsync/models"
)

var ErrNotArchived = errors.New("archive: object not found")

// Archiver stores and retrieves raw feed files.
type Archiver interface {
	Put(ctx context.Context, key models.SourceKey, hash, name string, data []byte, at time.Time) (string, error)
	Get(ctx context.Context, location string) ([]byte, error)
}

// ObjectKey lays archived files out as STATE/source/YYYY/MM/DD/<hash12>-<name>.
func ObjectKey(key models.SourceKey, hash, name string, at time.Time) string {
	short := hash
	if len(short) > 12 {
		short = short[:12]
	}
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' {
			return '_'
		}
		return r
	}, name)
	if name == "" {
		name = "feed"
	}
	return path.Join(strings.ToUpper(key.State), string(key.DataSource), at.UTC().Format("2006/01/02"), short+"-"+name)
}

// New returns the archiver selected by cfg, or nil when archiving is off.
func New(ctx context.Context, cfg config.ArchiveConfig) (Archiver, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("archive: local_dir is required")
		}
		return NewLocal(cfg.LocalDir), nil
	case "s3":
		s, err := NewS3(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("archive: unknown type %q", cfg.Type)
	}
}

// Local writes archives beneath a directory.
type Local struct {
	dir string
}

func NewLocal(dir string) *Local { return &Local{dir: dir} }

func (l *Local) Put(_ context.Context, key models.SourceKey, hash, name string, data []byte, at time.Time) (string, error) {
	rel := ObjectKey(key, hash, name, at)
	full := filepath.Join(l.dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	return rel, nil
}

func (l *Local) Get(_ context.Context, location string) ([]byte, error) {
	clean := filepath.Clean(filepath.FromSlash(location))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("archive: invalid location %q", location)
	}
	data, err := os.ReadFile(filepath.Join(l.dir, clean))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotArchived
	}
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return data, nil
}
