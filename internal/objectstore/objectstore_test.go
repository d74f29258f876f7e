package objectstore

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/specialistvlad/gridbench/internal/buildcache"
	"github.com/specialistvlad/gridbench/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memoryBlobs) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(b)) != size {
		return io.ErrShortWrite
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = b
	m.types[key] = contentType
	return nil
}

func (m *memoryBlobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func TestArchiveRoundTrip(t *testing.T) {
	src := t.TempDir()
	testutil.WriteFiles(t, src, map[string]string{
		"build/a.o":   "aaaa",
		"build/sub/b": "bbbb",
		"top.txt":     "top",
	})
	require.NoError(t, os.Chmod(filepath.Join(src, "top.txt"), 0o600))
	require.NoError(t, os.Symlink("top.txt", filepath.Join(src, "link")))

	var buf bytes.Buffer
	require.NoError(t, WriteArchive(&buf, src))

	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, ExtractArchive(&buf, dst))

	assert.Equal(t, testutil.ReadTree(t, src), testutil.ReadTree(t, dst))
	fi, err := os.Stat(filepath.Join(dst, "top.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	link, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	assert.Equal(t, "top.txt", link)
}

func TestExtractArchive_RejectsEscapingEntries(t *testing.T) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(enc)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../evil", Mode: 0o644, Size: 1, Typeflag: tar.TypeReg}))
	_, err = tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, enc.Close())

	root := t.TempDir()
	err = ExtractArchive(&buf, filepath.Join(root, "dst"))
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(root, "evil"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCacheRemote(t *testing.T) {
	ctx := context.Background()
	blobs := newMemoryBlobs()
	remote := NewCacheRemote(blobs, Config{Prefix: "/bench/"})

	err := remote.Pull(ctx, "missing", filepath.Join(t.TempDir(), "x"))
	require.ErrorIs(t, err, buildcache.ErrNotFound)

	src := t.TempDir()
	testutil.WriteFiles(t, src, map[string]string{"build/bin": "binary"})
	require.NoError(t, remote.Push(ctx, "proj_main-abc", src))
	require.Contains(t, blobs.objects, "bench/cache/proj_main-abc.tar.zst")
	assert.Equal(t, "application/zstd", blobs.types["bench/cache/proj_main-abc.tar.zst"])

	dst := filepath.Join(t.TempDir(), "entry")
	require.NoError(t, remote.Pull(ctx, "proj_main-abc", dst))
	assert.Equal(t, map[string]string{"build/bin": "binary"}, testutil.ReadTree(t, dst))
}

func TestLogSink(t *testing.T) {
	blobs := newMemoryBlobs()
	sink := NewLogSink(blobs, Config{})

	key, err := sink.Upload(context.Background(), "run-1", "1.1.1-bench.log", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "logs/run-1/1.1.1-bench.log", key)
	assert.Equal(t, []byte("hello"), blobs.objects[key])
}

func TestConfig(t *testing.T) {
	valid := Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s", Bucket: "b"}
	require.NoError(t, valid.Validate())

	withScheme := valid
	withScheme.Endpoint = "http://localhost:9000"
	require.Error(t, withScheme.Validate())

	noBucket := valid
	noBucket.Bucket = " "
	require.Error(t, noBucket.Validate())

	assert.Equal(t, "a/b/c", Config{Prefix: "a/"}.Key("/b", "c"))
	assert.Equal(t, "b", Config{}.Key("", "b"))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("GRIDBENCH_S3_ENDPOINT", "")
	_, enabled, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.False(t, enabled)

	t.Setenv("GRIDBENCH_S3_ENDPOINT", "minio:9000")
	t.Setenv("GRIDBENCH_S3_ACCESS_KEY", "key")
	t.Setenv("GRIDBENCH_S3_SECRET_KEY", "secret")
	t.Setenv("GRIDBENCH_S3_USE_SSL", "true")
	cfg, enabled, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.True(t, cfg.UseSSL)
	assert.Equal(t, "gridbench", cfg.Bucket)

	t.Setenv("GRIDBENCH_S3_USE_SSL", "maybe")
	_, _, err = ConfigFromEnv()
	require.Error(t, err)
}
