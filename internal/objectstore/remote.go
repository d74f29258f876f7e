package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/specialistvlad/gridbench/internal/buildcache"
)

// CacheRemote mirrors build cache entries as one archive object each.
type CacheRemote struct {
	blobs Blobs
	cfg   Config
}

// NewCacheRemote returns a buildcache.Remote backed by blobs.
func NewCacheRemote(blobs Blobs, cfg Config) *CacheRemote {
	return &CacheRemote{blobs: blobs, cfg: cfg}
}

var _ buildcache.Remote = (*CacheRemote)(nil)

func (r *CacheRemote) key(fingerprint string) string {
	return r.cfg.Key("cache", fingerprint+".tar.zst")
}

// Pull downloads and unpacks the entry for fingerprint into dst.
func (r *CacheRemote) Pull(ctx context.Context, fingerprint, dst string) error {
	body, err := r.blobs.Get(ctx, r.key(fingerprint))
	if err != nil {
		if errors.Is(err, ErrNotExist) {
			return buildcache.ErrNotFound
		}
		return err
	}
	defer body.Close()

	if err := ExtractArchive(body, dst); err != nil {
		return fmt.Errorf("extract %s: %w", fingerprint, err)
	}
	return nil
}

// Push archives src to a temporary file and uploads it.
func (r *CacheRemote) Push(ctx context.Context, fingerprint, src string) error {
	tmp, err := os.CreateTemp("", "gridbench-cache-*.tar.zst")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := WriteArchive(tmp, src); err != nil {
		return fmt.Errorf("archive %s: %w", fingerprint, err)
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return r.blobs.Put(ctx, r.key(fingerprint), tmp, size, "application/zstd")
}

// LogSink uploads captured unit output as side-channel blobs.
type LogSink struct {
	blobs Blobs
	cfg   Config
}

// NewLogSink returns a sink writing under <prefix>/logs.
func NewLogSink(blobs Blobs, cfg Config) *LogSink {
	return &LogSink{blobs: blobs, cfg: cfg}
}

// Upload stores data under logs/<runID>/<name> and returns the object key.
func (s *LogSink) Upload(ctx context.Context, runID, name string, data []byte) (string, error) {
	key := s.cfg.Key("logs", runID, name)
	if err := s.blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "text/plain"); err != nil {
		return "", err
	}
	return key, nil
}
