package types

import (
	"fmt"
	"regexp"
	"time"

	"go.mrtaskman.org/infra/go/skerr"
)

var (
	packageNameRe = regexp.MustCompile(`^[A-Za-z]+$`)
)

// Package binds a (name, version) pair to a manifest of downloadable files.
//
// Package is stored as a GOB, so the compatibility rules described on Task
// apply here too.
type Package struct {
	// Name is the alphabetic package name.
	Name string `json:"name"`

	// Version is a positive integer; (Name, Version) is unique.
	Version int64 `json:"version"`

	// CreatedBy identifies the user who created the package, if known.
	CreatedBy string `json:"created_by,omitempty"`

	// Created and Modified are bookkeeping timestamps.
	Created  time.Time `json:"created_time"`
	Modified time.Time `json:"modified_time"`

	// Files is the manifest of files belonging to the package.
	Files []*PackageFile `json:"files"`
}

// PackageFile is one file in a Package's manifest.
type PackageFile struct {
	// Destination is the path, relative to the install directory, at which
	// the file is placed.
	Destination string `json:"file_destination"`

	// FileMode is an octal mode string, e.g. "755". Empty means the
	// installer's default.
	FileMode string `json:"file_mode,omitempty"`

	// DownloadURL is where a worker fetches the file contents.
	DownloadURL string `json:"download_url"`

	// BlobKey references uploaded contents in the blob store. Exactly one
	// of BlobKey and URL is set.
	BlobKey string `json:"blob_key,omitempty"`

	// URL is an external location for the file contents.
	URL string `json:"url,omitempty"`
}

// Copy returns a copy of the Package.
func (p *Package) Copy() *Package {
	rv := new(Package)
	*rv = *p
	if p.Files != nil {
		rv.Files = make([]*PackageFile, 0, len(p.Files))
		for _, f := range p.Files {
			c := new(PackageFile)
			*c = *f
			rv.Files = append(rv.Files, c)
		}
	}
	return rv
}

// Id returns the canonical "name.version" identifier for the Package.
func (p *Package) Id() string {
	return fmt.Sprintf("%s.%d", p.Name, p.Version)
}

// ValidatePackageName returns an error unless the given name is purely
// alphabetic.
func ValidatePackageName(name string) error {
	if !packageNameRe.MatchString(name) {
		return skerr.Fmt("Invalid package name %q; must match %s", name, packageNameRe)
	}
	return nil
}
