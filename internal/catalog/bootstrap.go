package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/photolala/catalog/internal/utils"
)

// PointerFilename names the tiny file whose entire content is the checksum
// of the active snapshot. Two copies exist: one beside the photos, one in the
// private cache.
const PointerFilename = "catalog.ptr"

// Layout resolves every local path the catalog uses for one photo directory.
// The cache area is namespaced by a hash of the directory path so multiple
// directories never collide.
type Layout struct {
	Directory string // the photo directory (absolute)
	CacheRoot string // private cache root shared by all catalogs
}

// DefaultCacheRoot returns the per-user cache root.
func DefaultCacheRoot() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve cache dir: %w", err)
	}
	return filepath.Join(base, "photolala"), nil
}

func (l *Layout) rootControlDir() string {
	return filepath.Join(l.Directory, ControlDirName)
}

// RootPointer is the pointer copy stored beside the photos.
func (l *Layout) RootPointer() string {
	return filepath.Join(l.rootControlDir(), PointerFilename)
}

// RootSnapshotsDir holds snapshot mirrors beside the photos.
func (l *Layout) RootSnapshotsDir() string {
	return filepath.Join(l.rootControlDir(), "snapshots")
}

// CacheDir is this directory's private namespace in the cache.
func (l *Layout) CacheDir() string {
	return filepath.Join(l.CacheRoot, utils.DirHash(l.Directory))
}

// CachePointer is the pointer copy in the private cache.
func (l *Layout) CachePointer() string {
	return filepath.Join(l.CacheDir(), PointerFilename)
}

// CacheSnapshotsDir holds snapshots in the private cache.
func (l *Layout) CacheSnapshotsDir() string {
	return filepath.Join(l.CacheDir(), "snapshots")
}

// WorkingDBPath is the private, writable working copy the database opens
// against. Never the mirrored snapshot itself.
func (l *Layout) WorkingDBPath() string {
	return filepath.Join(l.CacheDir(), "working", "catalog.db")
}

// SyncDir holds remote-sync staging, the change-token cache and the sync
// lock.
func (l *Layout) SyncDir() string {
	return filepath.Join(l.CacheDir(), "sync")
}

// ReadPointer returns the checksum a pointer file claims, or "" when the
// file is absent, empty or malformed (no claim).
func ReadPointer(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	claim := strings.TrimSpace(string(data))
	if !checksumNameRe.MatchString(claim) {
		return ""
	}
	return claim
}

// WritePointer atomically replaces a pointer file's content.
func WritePointer(path, checksum string) error {
	return utils.WriteFileAtomic(path, []byte(checksum+"\n"), 0o644)
}

// BootstrapSource records which pointer won bootstrap.
type BootstrapSource string

const (
	SourceRoot  BootstrapSource = "root"
	SourceCache BootstrapSource = "cache"
	SourceEmpty BootstrapSource = "empty"
)

// BootstrapResult is a writable working database plus the snapshot it was
// materialized from.
type BootstrapResult struct {
	DB       *Database
	Checksum string
	Source   BootstrapSource
	Manifest *Manifest
}

// Bootstrap resolves which of the two pointers is authoritative and produces
// one writable working database:
//
//  1. Read both pointers; absent or empty means no claim.
//  2. Verify each claimed snapshot's actual checksums; discard failures.
//  3. Prefer root if it verifies, else fall back to cache.
//  4. Mirror the winner into the other location and repropagate its pointer.
//  5. Materialize a private writable working copy and open against it.
//  6. If neither verifies, start an empty working database.
//
// Checksum mismatches are logged warnings, never fatal: an empty start always
// exists.
func Bootstrap(layout *Layout) (*BootstrapResult, error) {
	rootStore, err := NewSnapshotStore(layout.RootSnapshotsDir())
	if err != nil {
		return nil, err
	}
	cacheStore, err := NewSnapshotStore(layout.CacheSnapshotsDir())
	if err != nil {
		return nil, err
	}

	candidates := []struct {
		source       BootstrapSource
		pointer      string
		store        *SnapshotStore
		other        *SnapshotStore
		otherPointer string
	}{
		{SourceRoot, layout.RootPointer(), rootStore, cacheStore, layout.CachePointer()},
		{SourceCache, layout.CachePointer(), cacheStore, rootStore, layout.RootPointer()},
	}

	for _, c := range candidates {
		claim := ReadPointer(c.pointer)
		if claim == "" {
			continue
		}
		if err := c.store.Verify(claim); err != nil {
			slog.Warn("bootstrap pointer rejected", "source", c.source, "checksum", claim, "error", err)
			continue
		}

		// winner: mirror into the other location and repropagate its pointer
		if err := c.other.Mirror(c.store, claim); err != nil {
			slog.Warn("bootstrap mirror failed", "source", c.source, "checksum", claim, "error", err)
		} else if ReadPointer(c.otherPointer) != claim {
			if err := WritePointer(c.otherPointer, claim); err != nil {
				slog.Warn("bootstrap pointer propagation failed", "path", c.otherPointer, "error", err)
			}
		}

		db, manifest, err := materialize(layout, c.store, claim)
		if err != nil {
			slog.Warn("bootstrap materialize failed", "source", c.source, "checksum", claim, "error", err)
			continue
		}

		slog.Info("bootstrap", "source", c.source, "checksum", claim, "photos", manifest.PhotoCount)
		return &BootstrapResult{DB: db, Checksum: claim, Source: c.source, Manifest: manifest}, nil
	}

	// neither pointer verifies: empty start
	db, err := emptyWorkingDB(layout)
	if err != nil {
		return nil, err
	}
	slog.Info("bootstrap", "source", SourceEmpty)
	return &BootstrapResult{DB: db, Source: SourceEmpty}, nil
}

// materialize hydrates a fresh working database from a verified snapshot.
func materialize(layout *Layout, store *SnapshotStore, checksum string) (*Database, *Manifest, error) {
	entries, err := store.Entries(checksum)
	if err != nil {
		return nil, nil, err
	}
	manifest, err := store.Manifest(checksum)
	if err != nil {
		return nil, nil, err
	}

	db, err := emptyWorkingDB(layout)
	if err != nil {
		return nil, nil, err
	}
	if err := db.InsertBatch(entries); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, manifest, nil
}

func emptyWorkingDB(layout *Layout) (*Database, error) {
	path := layout.WorkingDBPath()
	if err := utils.EnsureParent(path); err != nil {
		return nil, err
	}
	// the working copy is rebuilt on every bootstrap
	for _, stale := range []string{path, path + "-wal", path + "-shm"} {
		os.Remove(stale)
	}
	return NewDatabase(path)
}
