// Package packages implements the package registry: named, versioned bundles
// of files which workers install before running a task.
package packages

import (
	"context"
	"errors"
	"io"
	"strconv"

	"go.mrtaskman.org/infra/go/now"
	"go.mrtaskman.org/infra/go/skerr"
	"go.mrtaskman.org/infra/go/sklog"
	"go.mrtaskman.org/infra/taskman/go/blobstore"
	"go.mrtaskman.org/infra/taskman/go/db"
	"go.mrtaskman.org/infra/taskman/go/types"
)

const (
	// PACKAGE_FILE_URL_PREFIX is the download path prefix for blob-backed
	// package files.
	PACKAGE_FILE_URL_PREFIX = "/packagefiles/"
)

var (
	// ErrPackageExists is returned by Create when the (name, version) pair
	// is already registered.
	ErrPackageExists = errors.New("Package with this name and version already exists")
)

func IsPackageExists(e error) bool {
	return e != nil && e.Error() == ErrPackageExists.Error()
}

// Manifest describes a package being created.
type Manifest struct {
	Name    string         `json:"name"`
	Version int64          `json:"version"`
	Files   []ManifestFile `json:"files"`
}

// ManifestFile is one file in a Manifest. Exactly one of FormName (an
// uploaded file part) and URL (an external location) must be set.
type ManifestFile struct {
	FormName    string `json:"form_name,omitempty"`
	Destination string `json:"file_destination"`
	FileMode    string `json:"file_mode,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Registry stores packages in a PackageDB with file contents in a blob store.
type Registry struct {
	db    db.PackageDB
	blobs blobstore.Store
}

// NewRegistry returns a Registry backed by the given DB and blob store.
func NewRegistry(d db.PackageDB, blobs blobstore.Store) *Registry {
	return &Registry{
		db:    d,
		blobs: blobs,
	}
}

// validateFileMode checks that the given mode is a valid octal mode string
// such as "755". Empty is allowed and means the installer default.
func validateFileMode(mode string) error {
	if mode == "" {
		return nil
	}
	if _, err := strconv.ParseUint(mode, 8, 32); err != nil {
		return skerr.Fmt("Invalid file_mode %q; must be an octal string", mode)
	}
	return nil
}

// Create validates the manifest, stores the uploaded file contents, and
// registers the package. files maps form_name to the uploaded contents. If
// anything fails, every blob stored so far is deleted.
func (r *Registry) Create(ctx context.Context, m *Manifest, user string, files map[string]io.Reader) (*types.Package, error) {
	if err := types.ValidatePackageName(m.Name); err != nil {
		return nil, err
	}
	if m.Version <= 0 {
		return nil, skerr.Fmt("Package version must be a positive integer, got %d", m.Version)
	}
	if len(m.Files) == 0 {
		return nil, skerr.Fmt("Package manifest contains no files")
	}

	var storedBlobs []string
	cleanupBlobs := func() {
		for _, key := range storedBlobs {
			if err := r.blobs.Delete(key); err != nil {
				sklog.Errorf("Failed to clean up blob %s: %s", key, err)
			}
		}
	}

	ts := now.Now(ctx)
	pkg := &types.Package{
		Name:      m.Name,
		Version:   m.Version,
		CreatedBy: user,
		Created:   ts,
		Modified:  ts,
		Files:     make([]*types.PackageFile, 0, len(m.Files)),
	}
	for _, mf := range m.Files {
		if mf.Destination == "" {
			cleanupBlobs()
			return nil, skerr.Fmt("Package file is missing file_destination")
		}
		if err := validateFileMode(mf.FileMode); err != nil {
			cleanupBlobs()
			return nil, err
		}
		pf := &types.PackageFile{
			Destination: mf.Destination,
			FileMode:    mf.FileMode,
		}
		if mf.URL != "" {
			pf.URL = mf.URL
			pf.DownloadURL = mf.URL
		} else {
			contents, ok := files[mf.FormName]
			if !ok {
				cleanupBlobs()
				return nil, skerr.Fmt("Package file %q has no url and no uploaded part %q", mf.Destination, mf.FormName)
			}
			key, size, err := r.blobs.Put(contents)
			if err != nil {
				cleanupBlobs()
				return nil, skerr.Wrapf(err, "Failed to store contents of %q", mf.Destination)
			}
			storedBlobs = append(storedBlobs, key)
			pf.BlobKey = key
			pf.DownloadURL = PACKAGE_FILE_URL_PREFIX + key
			sklog.Infof("Stored %d bytes for %s.%d %s", size, m.Name, m.Version, mf.Destination)
		}
		pkg.Files = append(pkg.Files, pf)
	}

	if err := r.db.InsertPackage(pkg); err != nil {
		cleanupBlobs()
		if db.IsAlreadyExists(err) {
			return nil, ErrPackageExists
		}
		return nil, skerr.Wrapf(err, "Failed to insert package %s.%d", m.Name, m.Version)
	}
	sklog.Infof("Created package %s.%d with %d files", m.Name, m.Version, len(pkg.Files))
	return pkg, nil
}

// Get returns the package with the given name and version, or nil if it does
// not exist.
func (r *Registry) Get(ctx context.Context, name string, version int64) (*types.Package, error) {
	if err := types.ValidatePackageName(name); err != nil {
		return nil, err
	}
	return r.db.GetPackage(name, version)
}

// Delete removes the package and all of its blob-backed file contents.
// Returns false if the package did not exist.
func (r *Registry) Delete(ctx context.Context, name string, version int64) (bool, error) {
	if err := types.ValidatePackageName(name); err != nil {
		return false, err
	}
	pkg, err := r.db.GetPackage(name, version)
	if err != nil {
		return false, err
	}
	if pkg == nil {
		return false, nil
	}
	ok, err := r.db.DeletePackage(name, version)
	if err != nil || !ok {
		return ok, err
	}
	for _, f := range pkg.Files {
		if f.BlobKey != "" {
			if err := r.blobs.Delete(f.BlobKey); err != nil {
				sklog.Errorf("Failed to delete blob %s of package %s.%d: %s", f.BlobKey, name, version, err)
			}
		}
	}
	return true, nil
}
