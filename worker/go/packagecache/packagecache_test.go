package packagecache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"

	"go.mrtaskman.org/infra/go/now"
)

func mustReadFile(t *testing.T, path string) []byte {
	b, err := os.ReadFile(path)
	assert.NoError(t, err)
	return b
}

var cacheTestStart = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		MaxSizeBytes:       100 * 1024,
		MinDurationSeconds: 0,
		LowWatermark:       0.6,
		HighWatermark:      0.8,
	}
}

func newCache(t *testing.T, cfg Config) *PackageCache {
	c, err := New(t.TempDir(), cfg)
	assert.NoError(t, err)
	c.waitPoll = 10 * time.Millisecond
	return c
}

// writeOnMiss returns an OnCacheMiss which writes a single file of the given
// size and counts its invocations.
func writeOnMiss(t *testing.T, size int, calls *int32) OnCacheMiss {
	return func(ctx context.Context, name string, version int64, dir string) error {
		atomic.AddInt32(calls, 1)
		return os.WriteFile(filepath.Join(dir, "payload"), bytes.Repeat([]byte{'x'}, size), 0644)
	}
}

// assertIndexConsistent checks that total_size matches the sum of the entry
// sizes.
func assertIndexConsistent(t *testing.T, c *PackageCache) {
	assert.NoError(t, c.withLock(func() error {
		idx, err := c.readIndex()
		assert.NoError(t, err)
		var sum int64
		for _, e := range idx.Entries {
			sum += e.SizeBytes
		}
		assert.Equal(t, sum, idx.TotalSize)
		return nil
	}))
}

func TestCacheMissThenHit(t *testing.T) {
	ctx := now.TimeTravelingContext(cacheTestStart)
	c := newCache(t, testConfig())

	var calls int32
	dest1 := t.TempDir()
	assert.NoError(t, c.CopyToDirectory(ctx, "pkg", 1, dest1, writeOnMiss(t, 100, &calls)))
	assert.Equal(t, int32(1), calls)
	assert.Equal(t, bytes.Repeat([]byte{'x'}, 100), mustReadFile(t, filepath.Join(dest1, "payload")))

	// Second copy is served from the cache.
	dest2 := t.TempDir()
	assert.NoError(t, c.CopyToDirectory(ctx, "pkg", 1, dest2, writeOnMiss(t, 100, &calls)))
	assert.Equal(t, int32(1), calls)
	assert.Equal(t, mustReadFile(t, filepath.Join(dest1, "payload")), mustReadFile(t, filepath.Join(dest2, "payload")))

	ok, err := c.Contains("pkg", 1)
	assert.NoError(t, err)
	assert.True(t, ok)
	size, err := c.TotalSize()
	assert.NoError(t, err)
	assert.Equal(t, int64(100), size)
	assertIndexConsistent(t, c)
}

func TestCacheRejectsInvalidPackage(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, testConfig())
	var calls int32
	assert.True(t, IsInvalidPackage(c.CopyToDirectory(ctx, "", 1, t.TempDir(), writeOnMiss(t, 1, &calls))))
	assert.True(t, IsInvalidPackage(c.CopyToDirectory(ctx, "pkg", 0, t.TempDir(), writeOnMiss(t, 1, &calls))))
	assert.Equal(t, int32(0), calls)
}

func TestCacheSharedRoot(t *testing.T) {
	// A second handle on the same root adopts the persisted config and
	// sees entries created through the first.
	ctx := now.TimeTravelingContext(cacheTestStart)
	root := t.TempDir()
	c1, err := New(root, testConfig())
	assert.NoError(t, err)

	var calls int32
	assert.NoError(t, c1.CopyToDirectory(ctx, "pkg", 1, t.TempDir(), writeOnMiss(t, 50, &calls)))

	c2, err := New(root, Config{MaxSizeBytes: 1, MinDurationSeconds: 99, LowWatermark: 0.1, HighWatermark: 0.2})
	assert.NoError(t, err)
	assert.Equal(t, testConfig(), c2.cfg)
	assert.NoError(t, c2.CopyToDirectory(ctx, "pkg", 1, t.TempDir(), writeOnMiss(t, 50, &calls)))
	assert.Equal(t, int32(1), calls)
}

func TestDownloadCoalescing(t *testing.T) {
	ctx := now.TimeTravelingContext(cacheTestStart)
	c := newCache(t, testConfig())

	// Simulate another process mid-download.
	key := PackageKey("pkg", 1)
	otherDir := filepath.Join(c.root, "other-process-download")
	assert.NoError(t, c.withLock(func() error {
		downloading, err := c.readDownloading()
		assert.NoError(t, err)
		downloading[key] = &downloadRecord{
			Pid:       os.Getpid() + 1,
			Directory: otherDir,
			Timestamp: epochSeconds(now.Now(ctx)),
		}
		return c.writeDownloading(downloading)
	}))

	// This process must wait rather than download.
	var calls int32
	done := make(chan error, 1)
	dest := t.TempDir()
	go func() {
		done <- c.CopyToDirectory(ctx, "pkg", 1, dest, writeOnMiss(t, 10, &calls))
	}()

	select {
	case err := <-done:
		t.Fatalf("CopyToDirectory returned during another process's download: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	// The other process finishes: its entry lands in the index and the
	// downloading record clears.
	assert.NoError(t, os.MkdirAll(otherDir, 0755))
	assert.NoError(t, os.WriteFile(filepath.Join(otherDir, "payload"), []byte("downloaded-elsewhere"), 0644))
	assert.NoError(t, c.withLock(func() error {
		idx, err := c.readIndex()
		assert.NoError(t, err)
		assert.NoError(t, c.addToIndex(idx, key, otherDir, 20, epochSeconds(now.Now(ctx))))
		assert.NoError(t, c.writeIndex(idx))
		downloading, err := c.readDownloading()
		assert.NoError(t, err)
		delete(downloading, key)
		return c.writeDownloading(downloading)
	}))

	assert.NoError(t, <-done)
	assert.Equal(t, int32(0), calls)
	assert.Equal(t, []byte("downloaded-elsewhere"), mustReadFile(t, filepath.Join(dest, "payload")))
}

func TestStaleDownloadReclaim(t *testing.T) {
	ctx := now.TimeTravelingContext(cacheTestStart)
	c := newCache(t, testConfig())

	// A crashed process left a downloading record behind.
	key := PackageKey("pkg", 1)
	assert.NoError(t, c.withLock(func() error {
		downloading, err := c.readDownloading()
		assert.NoError(t, err)
		downloading[key] = &downloadRecord{
			Pid:       os.Getpid() + 1,
			Directory: filepath.Join(c.root, "dead"),
			Timestamp: epochSeconds(now.Now(ctx)),
		}
		return c.writeDownloading(downloading)
	}))

	// Once the record is stale it is reclaimed and the download proceeds.
	ctx.SetTime(cacheTestStart.Add(DOWNLOAD_STALE_TIMEOUT + time.Second))
	var calls int32
	assert.NoError(t, c.CopyToDirectory(ctx, "pkg", 1, t.TempDir(), writeOnMiss(t, 10, &calls)))
	assert.Equal(t, int32(1), calls)
}

func TestEvictionOldestFirst(t *testing.T) {
	ctx := now.TimeTravelingContext(cacheTestStart)
	c := newCache(t, testConfig())

	// Fill with 12KB entries at one-second intervals. The ninth insert
	// would exceed 100KB, so the oldest entries are evicted until the
	// total falls below the 60KB low watermark.
	var calls int32
	for i := 1; i <= 9; i++ {
		ctx.SetTime(cacheTestStart.Add(time.Duration(i) * time.Second))
		assert.NoError(t, c.CopyToDirectory(ctx, "pkg", int64(i), t.TempDir(), writeOnMiss(t, 12*1024, &calls)))
		assertIndexConsistent(t, c)
	}

	// 8 entries totaled 96KB; entries 1-4 were evicted to reach 48KB
	// before entry 9 was added.
	for i := 1; i <= 4; i++ {
		ok, err := c.Contains("pkg", int64(i))
		assert.NoError(t, err)
		assert.False(t, ok, "entry %d should have been evicted", i)
	}
	for i := 5; i <= 9; i++ {
		ok, err := c.Contains("pkg", int64(i))
		assert.NoError(t, err)
		assert.True(t, ok, "entry %d should have survived", i)
	}
	size, err := c.TotalSize()
	assert.NoError(t, err)
	assert.Equal(t, int64(5*12*1024), size)

	// Evicted directories are gone from disk.
	entries, err := os.ReadDir(c.root)
	assert.NoError(t, err)
	dirs := 0
	for _, e := range entries {
		if e.IsDir() {
			dirs++
		}
	}
	assert.Equal(t, 5, dirs)
}

func TestEvictionHonorsMinDuration(t *testing.T) {
	ctx := now.TimeTravelingContext(cacheTestStart)
	cfg := testConfig()
	cfg.MinDurationSeconds = 3600
	c := newCache(t, cfg)

	// All entries are too young to evict, so the cache is allowed to
	// exceed its capacity rather than delete fresh downloads.
	var calls int32
	for i := 1; i <= 9; i++ {
		ctx.SetTime(cacheTestStart.Add(time.Duration(i) * time.Second))
		assert.NoError(t, c.CopyToDirectory(ctx, "pkg", int64(i), t.TempDir(), writeOnMiss(t, 12*1024, &calls)))
	}
	for i := 1; i <= 9; i++ {
		ok, err := c.Contains("pkg", int64(i))
		assert.NoError(t, err)
		assert.True(t, ok)
	}
	size, err := c.TotalSize()
	assert.NoError(t, err)
	assert.Equal(t, int64(9*12*1024), size)
	assertIndexConsistent(t, c)
}

func TestHitRefreshesTimestamp(t *testing.T) {
	ctx := now.TimeTravelingContext(cacheTestStart)
	c := newCache(t, testConfig())

	var calls int32
	assert.NoError(t, c.CopyToDirectory(ctx, "pkg", 1, t.TempDir(), writeOnMiss(t, 12*1024, &calls)))
	for i := 2; i <= 8; i++ {
		ctx.SetTime(cacheTestStart.Add(time.Duration(i) * time.Second))
		assert.NoError(t, c.CopyToDirectory(ctx, "pkg", int64(i), t.TempDir(), writeOnMiss(t, 12*1024, &calls)))
	}

	// Touch the oldest entry, then force an eviction: the touched entry
	// survives because eviction is LRU by timestamp.
	ctx.SetTime(cacheTestStart.Add(time.Minute))
	assert.NoError(t, c.CopyToDirectory(ctx, "pkg", 1, t.TempDir(), writeOnMiss(t, 12*1024, &calls)))
	assert.NoError(t, c.CopyToDirectory(ctx, "pkg", 9, t.TempDir(), writeOnMiss(t, 12*1024, &calls)))

	ok, err := c.Contains("pkg", 1)
	assert.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.Contains("pkg", 2)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestDownloadFailureReleasesClaim(t *testing.T) {
	ctx := now.TimeTravelingContext(cacheTestStart)
	c := newCache(t, testConfig())

	boom := func(ctx context.Context, name string, version int64, dir string) error {
		return os.ErrPermission
	}
	assert.Error(t, c.CopyToDirectory(ctx, "pkg", 1, t.TempDir(), boom))

	// The claim is released, so a retry downloads immediately instead of
	// waiting out a stale record.
	var calls int32
	assert.NoError(t, c.CopyToDirectory(ctx, "pkg", 1, t.TempDir(), writeOnMiss(t, 10, &calls)))
	assert.Equal(t, int32(1), calls)
}
