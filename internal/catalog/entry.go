// Package catalog implements the directory-scoped photo catalog: scanning,
// content digesting, the sqlite-backed entry database, change detection and
// the checksum-addressed snapshot format with its dual-pointer bootstrap.
package catalog

import (
	"fmt"
	"time"
)

// Entry is one cataloged photo. ContentHash is the universal identity: two
// entries with the same hash are the same photo regardless of name or
// location. FastKey is a cheap pre-hash identifier (relative path + mtime)
// used to detect probably-unchanged files without re-hashing.
type Entry struct {
	FastKey         string
	ContentHash     string
	Filename        string
	ByteSize        int64
	CaptureDate     time.Time
	ModifiedDate    time.Time
	Width           int
	Height          int
	PlatformAssetID string
	Starred         bool
}

// NewFastKey derives the fast key for a file from its catalog-relative path
// and modification time.
func NewFastKey(relPath string, modTime time.Time) string {
	return fmt.Sprintf("%s#%d", relPath, modTime.Unix())
}

// Clone returns a copy of the entry.
func (e *Entry) Clone() *Entry {
	clone := *e
	return &clone
}
