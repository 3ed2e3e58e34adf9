// Package blobstore stores opaque blobs (package files, captured
// stdout/stderr) on local disk, keyed by server-generated opaque keys.
package blobstore

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"go.mrtaskman.org/infra/go/fileutil"
	"go.mrtaskman.org/infra/go/metrics2"
	"go.mrtaskman.org/infra/go/skerr"
)

var (
	ErrNotFound = errors.New("Blob with given key does not exist")
)

func IsNotFound(e error) bool {
	return e != nil && e.Error() == ErrNotFound.Error()
}

// Store is an append-only blob store.
type Store interface {
	// Put stores the contents of r and returns the new blob's key and
	// size in bytes.
	Put(r io.Reader) (string, int64, error)

	// Get opens the blob with the given key for reading. Returns
	// ErrNotFound if there is no such blob.
	Get(key string) (io.ReadCloser, error)

	// Delete removes the blob with the given key. Deleting an absent blob
	// is not an error.
	Delete(key string) error
}

// fsStore implements Store on a local directory, one file per blob.
type fsStore struct {
	root string

	metricPuts metrics2.Counter
	metricGets metrics2.Counter
}

// NewFileSystemStore returns a Store rooted at the given directory, creating
// it if necessary.
func NewFileSystemStore(root string) (Store, error) {
	absRoot, err := fileutil.EnsureDirExists(root)
	if err != nil {
		return nil, skerr.Wrapf(err, "Failed to create blob store root %q", root)
	}
	return &fsStore{
		root:       absRoot,
		metricPuts: metrics2.GetCounter("blobstore_op_count", map[string]string{"op": "put"}),
		metricGets: metrics2.GetCounter("blobstore_op_count", map[string]string{"op": "get"}),
	}, nil
}

// path returns the file path for the given key, or an error if the key is not
// a valid blob key. Keys are UUIDs, so a valid key can never escape root.
func (s *fsStore) path(key string) (string, error) {
	if _, err := uuid.Parse(key); err != nil {
		return "", skerr.Wrapf(err, "Invalid blob key %q", key)
	}
	return filepath.Join(s.root, key), nil
}

// See docs for Store interface.
func (s *fsStore) Put(r io.Reader) (string, int64, error) {
	s.metricPuts.Inc(1)
	key := uuid.New().String()
	path := filepath.Join(s.root, key)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", 0, skerr.Wrap(err)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", 0, skerr.Wrapf(err, "Failed to write blob %s", key)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", 0, skerr.Wrap(err)
	}
	return key, n, nil
}

// See docs for Store interface.
func (s *fsStore) Get(key string) (io.ReadCloser, error) {
	s.metricGets.Inc(1)
	path, err := s.path(key)
	if err != nil {
		// A key we never could have issued is just as absent as one
		// we deleted.
		return nil, ErrNotFound
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, skerr.Wrap(err)
	}
	return f, nil
}

// See docs for Store interface.
func (s *fsStore) Delete(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return skerr.Wrap(err)
	}
	return nil
}
