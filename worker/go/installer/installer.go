// Package installer stages a task's packages and files into its working
// directory before execution. Package contents come through the shared
// package cache so that repeated tasks on one host do not re-download.
package installer

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.mrtaskman.org/infra/go/skerr"
	"go.mrtaskman.org/infra/go/sklog"
	"go.mrtaskman.org/infra/go/timer"
	"go.mrtaskman.org/infra/taskman/go/client"
	"go.mrtaskman.org/infra/taskman/go/types"
	"go.mrtaskman.org/infra/worker/go/packagecache"
)

// Installer prepares working directories for task execution.
type Installer struct {
	client *client.Client
	cache  *packagecache.PackageCache
}

// New returns an Installer which downloads through the given client and
// caches package contents in cache.
func New(c *client.Client, cache *packagecache.PackageCache) *Installer {
	return &Installer{
		client: c,
		cache:  cache,
	}
}

// PrepareWorkingDirectory installs the config's packages and stages its
// standalone files into dir.
func (i *Installer) PrepareWorkingDirectory(ctx context.Context, cfg *types.TaskConfig, dir string) error {
	defer timer.New("prepare working directory").Stop()
	for _, p := range cfg.Packages {
		if err := i.cache.CopyToDirectory(ctx, p.Name, p.Version, dir, i.downloadPackage); err != nil {
			return skerr.Wrapf(err, "Failed to install package %s.%d", p.Name, p.Version)
		}
	}
	for _, f := range cfg.Files {
		if err := i.stageFile(ctx, f.URL, dir, f.Destination, f.FileMode); err != nil {
			return skerr.Wrapf(err, "Failed to stage file %s", f.Destination)
		}
	}
	return nil
}

// downloadPackage is the cache-miss path: it fetches the package manifest
// and downloads every file into dir at its declared destination.
func (i *Installer) downloadPackage(ctx context.Context, name string, version int64, dir string) error {
	pkg, err := i.client.GetPackage(ctx, name, version)
	if err != nil {
		return skerr.Wrapf(err, "Failed to retrieve package %s.%d", name, version)
	}
	sklog.Infof("Downloading package %s.%d (%d files)", name, version, len(pkg.Files))
	for _, f := range pkg.Files {
		srcURL := f.DownloadURL
		if srcURL == "" {
			srcURL = f.URL
		}
		if err := i.stageFile(ctx, srcURL, dir, f.Destination, f.FileMode); err != nil {
			return skerr.Wrapf(err, "Failed to download %s of %s.%d", f.Destination, name, version)
		}
	}
	return nil
}

// stageFile downloads srcURL to dest under dir, creating intermediate
// directories and applying the optional octal file mode. Destinations which
// escape dir are rejected.
func (i *Installer) stageFile(ctx context.Context, srcURL, dir, dest, mode string) error {
	if srcURL == "" {
		return skerr.Fmt("File %q has no download URL", dest)
	}
	cleaned := filepath.Clean(filepath.FromSlash(dest))
	if cleaned == "." || filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return skerr.Fmt("Invalid file destination %q", dest)
	}
	path := filepath.Join(dir, cleaned)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return skerr.Wrap(err)
	}
	if err := i.client.DownloadFile(ctx, srcURL, path); err != nil {
		return skerr.Wrap(err)
	}
	if mode != "" {
		parsed, err := strconv.ParseUint(mode, 8, 32)
		if err != nil {
			return skerr.Wrapf(err, "Invalid file_mode %q for %s", mode, dest)
		}
		if err := os.Chmod(path, os.FileMode(parsed)); err != nil {
			return skerr.Wrap(err)
		}
	}
	return nil
}
