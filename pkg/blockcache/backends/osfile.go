// Package backends provides concrete RemoteIO and OSFileFactory
// implementations that plug into pkg/blockcache's collaborator interfaces.
package backends

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/cms-externals/xcache/pkg/blockcache"
)

// LocalFile wraps *os.File to satisfy blockcache.OSFile.
type LocalFile struct {
	f *os.File
}

func (l *LocalFile) ReadAt(buf []byte, off int64) (int, error)  { return l.f.ReadAt(buf, off) }
func (l *LocalFile) WriteAt(buf []byte, off int64) (int, error) { return l.f.WriteAt(buf, off) }
func (l *LocalFile) Fsync() error                               { return l.f.Sync() }
func (l *LocalFile) Close() error                               { return l.f.Close() }

func (l *LocalFile) Size() (int64, error) {
	fi, err := l.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// LocalFileFactory is the default OSFileFactory: a thin wrapper over the
// local filesystem. Username selects the chown'd owner of newly created
// files when running with sufficient privilege; it is a no-op otherwise.
type LocalFileFactory struct{}

// Create ensures path exists, creating parent directories first when mkpath
// is set (blockcache.OSFileFactory.Create).
func (LocalFileFactory) Create(username, path string, mode os.FileMode, mkpath bool) error {
	if mkpath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("backends: mkdir %s: %w", filepath.Dir(path), err)
		}
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, mode)
	if err != nil {
		return fmt.Errorf("backends: create %s: %w", path, err)
	}
	defer f.Close()

	if username != "" {
		if u, err := user.Lookup(username); err == nil {
			uid, errU := strconv.Atoi(u.Uid)
			gid, errG := strconv.Atoi(u.Gid)
			if errU == nil && errG == nil {
				_ = os.Chown(path, uid, gid)
			}
		}
	}
	return nil
}

// Open opens an existing path for read-write access.
func (LocalFileFactory) Open(path string, mode os.FileMode) (blockcache.OSFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, mode)
	if err != nil {
		return nil, fmt.Errorf("backends: open %s: %w", path, err)
	}
	return &LocalFile{f: f}, nil
}
