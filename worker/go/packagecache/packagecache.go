// Package packagecache implements the per-host on-disk package cache. Worker
// processes on one host coordinate through four JSON control files at the
// cache root, mutated only while holding an advisory file lock, so that each
// package version is downloaded at most once per host and old entries are
// evicted by watermark-based LRU.
package packagecache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/danjacques/gofslock/fslock"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	cp "github.com/otiai10/copy"

	"go.mrtaskman.org/infra/go/fileutil"
	"go.mrtaskman.org/infra/go/metrics2"
	"go.mrtaskman.org/infra/go/now"
	"go.mrtaskman.org/infra/go/skerr"
	"go.mrtaskman.org/infra/go/sklog"
	"go.mrtaskman.org/infra/go/util"
)

const (
	// Control files at the cache root. All reads and mutations happen
	// while holding an exclusive advisory lock on CACHE_INFO_FILE.
	CACHE_INFO_FILE  = ".cache_info"
	INDEX_FILE       = ".index"
	DOWNLOADING_FILE = ".downloading"
	COPYING_FILE     = ".copying"

	// BOOTSTRAP_LOCK_FILE serializes first-time creation of the control
	// files, before CACHE_INFO_FILE exists to be locked.
	BOOTSTRAP_LOCK_FILE = ".bootstrap_lock"

	// DOWNLOAD_STALE_TIMEOUT is the age after which another process's
	// downloading record is presumed abandoned and reclaimed.
	DOWNLOAD_STALE_TIMEOUT = 5 * time.Minute

	// WAIT_POLL_INTERVAL is how long a process sleeps between checks of
	// another process's in-flight download.
	WAIT_POLL_INTERVAL = 10 * time.Second

	// lockRetryInterval is how long to sleep between attempts to acquire
	// the control-file lock.
	lockRetryInterval = 50 * time.Millisecond
)

var (
	// ErrInvalidPackage is returned when a package reference is missing a
	// name or has a non-positive version.
	ErrInvalidPackage = errors.New("Invalid package; name must be non-empty and version a positive integer")
)

func IsInvalidPackage(e error) bool {
	return e != nil && e.Error() == ErrInvalidPackage.Error()
}

// OnCacheMiss downloads the given package version into dir. It is invoked
// with the control-file lock released.
type OnCacheMiss func(ctx context.Context, name string, version int64, dir string) error

// Config is the cache configuration, persisted to CACHE_INFO_FILE on
// bootstrap.
type Config struct {
	// MaxSizeBytes is the nominal capacity of the cache.
	MaxSizeBytes int64 `json:"max_size_bytes"`

	// MinDurationSeconds protects entries younger than this from
	// eviction, preserving freshly-downloaded packages even under
	// pressure.
	MinDurationSeconds float64 `json:"min_duration_seconds"`

	// LowWatermark is the target post-eviction fill level, as a fraction
	// of MaxSizeBytes.
	LowWatermark float64 `json:"low_watermark"`

	// HighWatermark is the fill level beyond which eviction begins, as a
	// fraction of MaxSizeBytes.
	HighWatermark float64 `json:"high_watermark"`
}

// Validate checks the watermark ordering.
func (c Config) Validate() error {
	if c.MaxSizeBytes <= 0 {
		return skerr.Fmt("max_size_bytes must be positive, got %d", c.MaxSizeBytes)
	}
	if c.LowWatermark <= 0 || c.LowWatermark >= c.HighWatermark || c.HighWatermark > 1.0 {
		return skerr.Fmt("watermarks must satisfy 0 < low < high <= 1.0, got low %v high %v", c.LowWatermark, c.HighWatermark)
	}
	return nil
}

// indexEntry is one cached package in INDEX_FILE.
type indexEntry struct {
	CacheDir  string  `json:"cache_dir"`
	Timestamp float64 `json:"timestamp"`
	SizeBytes int64   `json:"size_bytes"`
	Pid       int     `json:"pid"`
}

// index is the contents of INDEX_FILE.
type index struct {
	Entries   map[string]*indexEntry `json:"entries"`
	TotalSize int64                  `json:"total_size"`
}

// downloadRecord is one in-flight download in DOWNLOADING_FILE.
type downloadRecord struct {
	Pid       int     `json:"pid"`
	Directory string  `json:"directory"`
	Timestamp float64 `json:"timestamp"`
}

// copyRecord is one in-flight copy in COPYING_FILE; several may exist per
// key.
type copyRecord struct {
	Pid       int     `json:"pid"`
	Timestamp float64 `json:"timestamp"`
}

// PackageCache is a handle on the cache at a given root. The control files
// are the system of record; they are re-read under every lock acquisition so
// that all processes on the host agree.
type PackageCache struct {
	root     string
	cfg      Config
	waitPoll time.Duration

	metricHits      metrics2.Counter
	metricMisses    metrics2.Counter
	metricWaits     metrics2.Counter
	metricEvictions metrics2.Counter
}

// PackageKey forms the index key for a package version.
func PackageKey(name string, version int64) string {
	return name + "^^^" + strconv.FormatInt(version, 10)
}

// New connects to the cache at root, bootstrapping the control files if this
// is the first process to use it. If the cache already exists, its persisted
// configuration wins over cfg.
func New(root string, cfg Config) (*PackageCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	absRoot, err := fileutil.EnsureDirExists(root)
	if err != nil {
		return nil, skerr.Wrapf(err, "Failed to create cache root %q", root)
	}
	c := &PackageCache{
		root:            absRoot,
		cfg:             cfg,
		waitPoll:        WAIT_POLL_INTERVAL,
		metricHits:      metrics2.GetCounter("package_cache_requests", map[string]string{"result": "hit"}),
		metricMisses:    metrics2.GetCounter("package_cache_requests", map[string]string{"result": "miss"}),
		metricWaits:     metrics2.GetCounter("package_cache_requests", map[string]string{"result": "wait"}),
		metricEvictions: metrics2.GetCounter("package_cache_evictions", nil),
	}
	if err := c.bootstrap(); err != nil {
		return nil, err
	}
	return c, nil
}

// blocker sleeps between lock attempts.
func blocker() error {
	time.Sleep(lockRetryInterval)
	return nil
}

// bootstrap writes the control files if they do not exist yet, under an
// external lock since CACHE_INFO_FILE itself may not exist. If the cache
// already exists, the persisted config is loaded.
func (c *PackageCache) bootstrap() error {
	return fslock.WithBlocking(filepath.Join(c.root, BOOTSTRAP_LOCK_FILE), fslock.Blocker(blocker), func() error {
		infoPath := filepath.Join(c.root, CACHE_INFO_FILE)
		if fileutil.FileExists(infoPath) {
			var cfg Config
			if err := readJSONFile(infoPath, &cfg); err != nil {
				return skerr.Wrapf(err, "Corrupt %s", CACHE_INFO_FILE)
			}
			if err := cfg.Validate(); err != nil {
				return skerr.Wrapf(err, "Corrupt %s", CACHE_INFO_FILE)
			}
			c.cfg = cfg
			return nil
		}
		sklog.Infof("Bootstrapping package cache at %s (%s max)", c.root, humanize.Bytes(uint64(c.cfg.MaxSizeBytes)))
		if err := writeJSONFile(infoPath, c.cfg); err != nil {
			return err
		}
		if err := writeJSONFile(filepath.Join(c.root, INDEX_FILE), &index{Entries: map[string]*indexEntry{}}); err != nil {
			return err
		}
		if err := writeJSONFile(filepath.Join(c.root, DOWNLOADING_FILE), map[string]*downloadRecord{}); err != nil {
			return err
		}
		return writeJSONFile(filepath.Join(c.root, COPYING_FILE), map[string][]copyRecord{})
	})
}

// withLock runs fn while holding the exclusive lock on CACHE_INFO_FILE.
func (c *PackageCache) withLock(fn func() error) error {
	return fslock.WithBlocking(filepath.Join(c.root, CACHE_INFO_FILE), fslock.Blocker(blocker), fn)
}

// readJSONFile decodes the JSON file at path into v.
func readJSONFile(path string, v interface{}) error {
	return util.WithReadFile(path, func(f io.Reader) error {
		return json.NewDecoder(f).Decode(v)
	})
}

// writeJSONFile atomically replaces the file at path with the JSON encoding
// of v.
func writeJSONFile(path string, v interface{}) error {
	return util.WithWriteFile(path, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(v)
	})
}

// readIndex loads INDEX_FILE. Must be called with the lock held.
func (c *PackageCache) readIndex() (*index, error) {
	var idx index
	if err := readJSONFile(filepath.Join(c.root, INDEX_FILE), &idx); err != nil {
		return nil, skerr.Wrapf(err, "Corrupt %s", INDEX_FILE)
	}
	if idx.Entries == nil {
		idx.Entries = map[string]*indexEntry{}
	}
	return &idx, nil
}

// writeIndex stores INDEX_FILE. Must be called with the lock held.
func (c *PackageCache) writeIndex(idx *index) error {
	return writeJSONFile(filepath.Join(c.root, INDEX_FILE), idx)
}

// readDownloading loads DOWNLOADING_FILE. Must be called with the lock held.
func (c *PackageCache) readDownloading() (map[string]*downloadRecord, error) {
	rv := map[string]*downloadRecord{}
	if err := readJSONFile(filepath.Join(c.root, DOWNLOADING_FILE), &rv); err != nil {
		return nil, skerr.Wrapf(err, "Corrupt %s", DOWNLOADING_FILE)
	}
	return rv, nil
}

// writeDownloading stores DOWNLOADING_FILE. Must be called with the lock
// held.
func (c *PackageCache) writeDownloading(m map[string]*downloadRecord) error {
	return writeJSONFile(filepath.Join(c.root, DOWNLOADING_FILE), m)
}

// modifyCopying loads COPYING_FILE, applies fn, and stores it. Must be
// called with the lock held.
func (c *PackageCache) modifyCopying(fn func(map[string][]copyRecord)) error {
	rv := map[string][]copyRecord{}
	if err := readJSONFile(filepath.Join(c.root, COPYING_FILE), &rv); err != nil {
		return skerr.Wrapf(err, "Corrupt %s", COPYING_FILE)
	}
	fn(rv)
	return writeJSONFile(filepath.Join(c.root, COPYING_FILE), rv)
}

// epochSeconds converts a time to the on-disk timestamp representation.
func epochSeconds(t time.Time) float64 {
	return util.TimeToUnixFloat(t)
}

// copyAction describes what CopyToDirectory decided to do under one lock
// acquisition.
type copyAction int

const (
	actionHit copyAction = iota
	actionWait
	actionDownload
)

// CopyToDirectory places the contents of the given package version into
// destDir, downloading via onMiss if the package is not cached. Concurrent
// callers across processes coordinate so that only one downloads; the others
// wait and then copy from the cache.
func (c *PackageCache) CopyToDirectory(ctx context.Context, name string, version int64, destDir string, onMiss OnCacheMiss) error {
	if name == "" || version <= 0 {
		return ErrInvalidPackage
	}
	key := PackageKey(name, version)
	for {
		var action copyAction
		var srcDir string
		var downloadDir string
		if err := c.withLock(func() error {
			ts := epochSeconds(now.Now(ctx))
			idx, err := c.readIndex()
			if err != nil {
				return err
			}
			if entry, ok := idx.Entries[key]; ok {
				// Hit: touch the entry and record our copy.
				entry.Timestamp = ts
				if err := c.writeIndex(idx); err != nil {
					return err
				}
				if err := c.modifyCopying(func(m map[string][]copyRecord) {
					m[key] = append(m[key], copyRecord{Pid: os.Getpid(), Timestamp: ts})
				}); err != nil {
					return err
				}
				action = actionHit
				srcDir = entry.CacheDir
				return nil
			}
			downloading, err := c.readDownloading()
			if err != nil {
				return err
			}
			if rec, ok := downloading[key]; ok && ts-rec.Timestamp <= DOWNLOAD_STALE_TIMEOUT.Seconds() && rec.Pid != os.Getpid() {
				action = actionWait
				return nil
			}
			// Miss: claim the download. A stale record (crashed
			// owner) is overwritten here.
			downloadDir = filepath.Join(c.root, uuid.New().String())
			downloading[key] = &downloadRecord{
				Pid:       os.Getpid(),
				Directory: downloadDir,
				Timestamp: ts,
			}
			if err := c.writeDownloading(downloading); err != nil {
				return err
			}
			action = actionDownload
			return nil
		}); err != nil {
			return err
		}

		switch action {
		case actionHit:
			c.metricHits.Inc(1)
			copyErr := cp.Copy(srcDir, destDir)
			if err := c.withLock(func() error {
				return c.modifyCopying(func(m map[string][]copyRecord) {
					c.removeCopyRecord(m, key)
				})
			}); err != nil {
				return err
			}
			if copyErr != nil {
				return skerr.Wrapf(copyErr, "Failed to copy %s to %s", key, destDir)
			}
			return nil
		case actionWait:
			c.metricWaits.Inc(1)
			sklog.Infof("Waiting for another process to finish downloading %s", key)
			time.Sleep(c.waitPoll)
			continue
		case actionDownload:
			c.metricMisses.Inc(1)
			if err := c.download(ctx, key, name, version, downloadDir, onMiss); err != nil {
				return err
			}
			if err := cp.Copy(downloadDir, destDir); err != nil {
				return skerr.Wrapf(err, "Failed to copy %s to %s", key, destDir)
			}
			return nil
		}
	}
}

// removeCopyRecord deletes this process's oldest copy record for key.
func (c *PackageCache) removeCopyRecord(m map[string][]copyRecord, key string) {
	records := m[key]
	for i, r := range records {
		if r.Pid == os.Getpid() {
			records = append(records[:i], records[i+1:]...)
			break
		}
	}
	if len(records) == 0 {
		delete(m, key)
	} else {
		m[key] = records
	}
}

// download runs onMiss for a claimed download and indexes the result. On
// failure the claim is released and the partial directory removed.
func (c *PackageCache) download(ctx context.Context, key, name string, version int64, dir string, onMiss OnCacheMiss) error {
	releaseClaim := func() {
		if err := c.withLock(func() error {
			downloading, err := c.readDownloading()
			if err != nil {
				return err
			}
			delete(downloading, key)
			return c.writeDownloading(downloading)
		}); err != nil {
			sklog.Errorf("Failed to release download claim for %s: %s", key, err)
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		releaseClaim()
		return skerr.Wrapf(err, "Failed to create cache dir for %s", key)
	}
	if err := onMiss(ctx, name, version, dir); err != nil {
		releaseClaim()
		util.RemoveAll(dir)
		return skerr.Wrapf(err, "Download of %s failed", key)
	}
	size, err := fileutil.DirSize(dir)
	if err != nil {
		releaseClaim()
		util.RemoveAll(dir)
		return skerr.Wrapf(err, "Failed to measure %s", key)
	}
	return c.withLock(func() error {
		idx, err := c.readIndex()
		if err != nil {
			return err
		}
		ts := epochSeconds(now.Now(ctx))
		if err := c.addToIndex(idx, key, dir, size, ts); err != nil {
			return err
		}
		if err := c.writeIndex(idx); err != nil {
			return err
		}
		downloading, err := c.readDownloading()
		if err != nil {
			return err
		}
		delete(downloading, key)
		return c.writeDownloading(downloading)
	})
}

// addToIndex inserts a new entry, first evicting old entries if the cache
// would exceed its capacity. Eviction walks entries oldest-first, skipping
// any younger than MinDurationSeconds, until the total falls below the low
// watermark. Must be called with the lock held; evicted directories are
// removed from disk before the index is rewritten.
func (c *PackageCache) addToIndex(idx *index, key, dir string, size int64, ts float64) error {
	if idx.TotalSize+size > c.cfg.MaxSizeBytes {
		type candidate struct {
			key   string
			entry *indexEntry
		}
		candidates := make([]candidate, 0, len(idx.Entries))
		for k, e := range idx.Entries {
			if ts-e.Timestamp >= c.cfg.MinDurationSeconds {
				candidates = append(candidates, candidate{key: k, entry: e})
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].entry.Timestamp < candidates[j].entry.Timestamp
		})
		low := c.cfg.LowWatermark * float64(c.cfg.MaxSizeBytes)
		remaining := idx.TotalSize
		deleted := 0
		for _, cand := range candidates {
			if float64(remaining) < low && deleted > 0 {
				break
			}
			sklog.Infof("Evicting %s (%s)", cand.key, humanize.Bytes(uint64(cand.entry.SizeBytes)))
			if err := os.RemoveAll(cand.entry.CacheDir); err != nil {
				return skerr.Wrapf(err, "Failed to evict %s", cand.key)
			}
			remaining -= cand.entry.SizeBytes
			delete(idx.Entries, cand.key)
			deleted++
			c.metricEvictions.Inc(1)
		}
		idx.TotalSize = remaining
	}
	idx.Entries[key] = &indexEntry{
		CacheDir:  dir,
		Timestamp: ts,
		SizeBytes: size,
		Pid:       os.Getpid(),
	}
	idx.TotalSize += size
	return nil
}

// Contains returns true if the given package version is currently indexed.
func (c *PackageCache) Contains(name string, version int64) (bool, error) {
	rv := false
	err := c.withLock(func() error {
		idx, err := c.readIndex()
		if err != nil {
			return err
		}
		_, rv = idx.Entries[PackageKey(name, version)]
		return nil
	})
	return rv, err
}

// TotalSize returns the indexed total size in bytes.
func (c *PackageCache) TotalSize() (int64, error) {
	var rv int64
	err := c.withLock(func() error {
		idx, err := c.readIndex()
		if err != nil {
			return err
		}
		rv = idx.TotalSize
		return nil
	})
	return rv, err
}
