// Package store holds the three crash-safe JSON stores: cached events, sync
// state and scheduled alerts. All access goes through mutex-guarded methods
// and values are copied in and out. One process owns a data directory at a
// time (see LockDir); snapshots still reload when a file changes underneath
// them.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"meetbell/internal/calerr"
	"meetbell/internal/fsutil"
	appLog "meetbell/internal/log"
)

const (
	EventsFile    = "events.json"
	AlertsFile    = "alerts.json"
	SyncStateFile = "sync-state.json"
)

// jsonFile is a lazily loaded JSON document. It is not safe for concurrent
// use on its own; the owning store serializes access.
//
// The snapshot is tied to the file's modification stamp. When another
// writer replaces the file, the next access reloads it instead of
// committing on top of stale data.
type jsonFile[T any] struct {
	path   string
	loaded bool
	stamp  fileStamp
	value  T
	empty  func() T
}

// fileStamp identifies one version of a file. Every commit renames a fresh
// temp file into place, so a new version is also a new inode. The zero
// value means missing.
type fileStamp struct {
	info os.FileInfo
}

func (a fileStamp) equal(b fileStamp) bool {
	if a.info == nil || b.info == nil {
		return a.info == nil && b.info == nil
	}
	return os.SameFile(a.info, b.info) &&
		a.info.ModTime().Equal(b.info.ModTime()) &&
		a.info.Size() == b.info.Size()
}

func statFile(path string) (fileStamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fileStamp{}, nil
		}
		return fileStamp{}, err
	}
	return fileStamp{info: info}, nil
}

func newJSONFile[T any](path string, empty func() T) *jsonFile[T] {
	return &jsonFile[T]{path: path, empty: empty}
}

// ensure populates the snapshot from disk on first access, and again
// whenever the file changed since the last load or commit. A missing file is
// the empty initial state.
func (f *jsonFile[T]) ensure() error {
	stamp, err := statFile(f.path)
	if err != nil {
		if f.loaded {
			// Unreadable now; the last committed snapshot stays authoritative.
			return nil
		}
		return calerr.Persistence("stat "+filepath.Base(f.path), err)
	}
	if f.loaded && stamp.equal(f.stamp) {
		return nil
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			f.value = f.empty()
			f.stamp = fileStamp{}
			f.loaded = true
			return nil
		}
		return calerr.Persistence("read "+filepath.Base(f.path), err)
	}

	v := f.empty()
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return calerr.Persistence("decode "+filepath.Base(f.path), err)
		}
	}
	if f.loaded {
		appLog.Debug("store reloaded after external change", "file", filepath.Base(f.path))
	}
	f.value = v
	f.stamp = stamp
	f.loaded = true
	return nil
}

// commit persists v and only then makes it the in-memory snapshot, so a
// failed write leaves the last committed state visible.
func (f *jsonFile[T]) commit(v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return calerr.Persistence(fmt.Sprintf("encode %s", filepath.Base(f.path)), err)
	}
	if err := fsutil.WriteFileAtomic(f.path, data, 0o600); err != nil {
		return calerr.Persistence(fmt.Sprintf("write %s", filepath.Base(f.path)), err)
	}
	// A failed stat leaves the zero stamp; the next access then rereads the
	// file unless it is really missing.
	stamp, _ := statFile(f.path)
	f.value = v
	f.stamp = stamp
	f.loaded = true
	return nil
}
