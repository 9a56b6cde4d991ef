package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/photolala/catalog/internal/utils"
)

// ChangeSet is the result of diffing a fresh scan against the database.
// Removed holds the vanished entries themselves: removal applies by fast key,
// never by content hash, so deleting one of two identical files cannot touch
// the surviving copy's row.
type ChangeSet struct {
	Added     []*Entry
	Modified  []*Entry
	Removed   []*Entry
	Unchanged int
	Corrupt   []CorruptFile
}

// Empty reports whether applying the set would be a no-op.
func (c *ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Removed) == 0
}

func (c *ChangeSet) String() string {
	return fmt.Sprintf("+%d ~%d -%d =%d", len(c.Added), len(c.Modified), len(c.Removed), c.Unchanged)
}

// Detector diffs live directory state against the working database and
// re-confirms duplicate groups against the filesystem.
type Detector struct {
	db       *Database
	scanner  *Scanner
	pipeline *Pipeline
}

func NewDetector(db *Database, scanner *Scanner, pipeline *Pipeline) *Detector {
	return &Detector{db: db, scanner: scanner, pipeline: pipeline}
}

// DetectChanges classifies every scanned file as unchanged (fast key found),
// modified (same path, different mtime; re-hashed) or added, and flags
// database entries without a backing file as removed.
func (d *Detector) DetectChanges(ctx context.Context, recursive bool) (*ChangeSet, error) {
	tstart := time.Now()

	files, err := d.scanner.ScanAll(ctx, recursive)
	if err != nil {
		return nil, fmt.Errorf("detect changes: %w", err)
	}

	seen := mapset.NewSet[string]()
	var toDigest []DiscoveredFile
	modifiedPaths := mapset.NewSet[string]()
	cs := &ChangeSet{}

	for _, f := range files {
		seen.Add(f.RelPath)

		existing, err := d.db.Get(f.FastKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			cs.Unchanged++
			continue
		}

		prior, err := d.db.GetByFilename(f.RelPath)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			modifiedPaths.Add(f.RelPath)
		}
		toDigest = append(toDigest, f)
	}

	entries, corrupt, err := d.pipeline.Process(ctx, toDigest)
	if err != nil {
		return nil, fmt.Errorf("detect changes: %w", err)
	}
	cs.Corrupt = corrupt

	for _, e := range entries {
		if modifiedPaths.Contains(e.Filename) {
			cs.Modified = append(cs.Modified, e)
		} else {
			cs.Added = append(cs.Added, e)
		}
	}

	all, err := d.db.AllEntries()
	if err != nil {
		return nil, err
	}
	for _, e := range all {
		if !seen.Contains(e.Filename) {
			cs.Removed = append(cs.Removed, e)
		}
	}

	slog.Debug("detect changes", "took", time.Since(tstart), "changes", cs.String(), "corrupt", len(cs.Corrupt))
	return cs, nil
}

// ApplyChanges commits a change set atomically from the caller's view:
// all-or-nothing, never half-applied.
func (d *Detector) ApplyChanges(cs *ChangeSet) error {
	upserts := make([]*Entry, 0, len(cs.Added)+len(cs.Modified))
	upserts = append(upserts, cs.Added...)
	upserts = append(upserts, cs.Modified...)
	removedKeys := make([]string, 0, len(cs.Removed))
	for _, e := range cs.Removed {
		removedKeys = append(removedKeys, e.FastKey)
	}
	return d.db.ApplyChanges(upserts, removedKeys)
}

// DuplicateGroup is a set of entries sharing one content hash under
// different fast keys, i.e. the same photo in multiple places.
type DuplicateGroup struct {
	ContentHash string
	Entries     []*Entry
}

// FindPotentialDuplicates scans the database for entries sharing a content
// hash under distinct fast keys.
func (d *Detector) FindPotentialDuplicates() ([]DuplicateGroup, error) {
	all, err := d.db.AllEntries()
	if err != nil {
		return nil, err
	}

	byHash := make(map[string][]*Entry)
	for _, e := range all {
		byHash[e.ContentHash] = append(byHash[e.ContentHash], e)
	}

	var groups []DuplicateGroup
	for hash, entries := range byHash {
		keys := mapset.NewSet[string]()
		for _, e := range entries {
			keys.Add(e.FastKey)
		}
		if keys.Cardinality() > 1 {
			groups = append(groups, DuplicateGroup{ContentHash: hash, Entries: entries})
		}
	}
	return groups, nil
}

// VerifiedMember is one duplicate-group member re-checked against live file
// state.
type VerifiedMember struct {
	Entry  *Entry
	Valid  bool
	Reason string
}

// VerifyDuplicates re-confirms a group against the filesystem before any
// destructive action. Members whose file vanished or changed since detection
// are reported invalid; the verification itself never fails on them.
func (d *Detector) VerifyDuplicates(ctx context.Context, group DuplicateGroup) ([]VerifiedMember, error) {
	members := make([]VerifiedMember, 0, len(group.Entries))
	for _, e := range group.Entries {
		select {
		case <-ctx.Done():
			return members, ctx.Err()
		default:
		}

		path := filepath.Join(d.scanner.Root(), filepath.FromSlash(e.Filename))
		if _, err := os.Stat(path); err != nil {
			members = append(members, VerifiedMember{Entry: e, Valid: false, Reason: "file missing"})
			continue
		}
		hash, err := utils.FileMD5(path)
		if err != nil {
			members = append(members, VerifiedMember{Entry: e, Valid: false, Reason: "unreadable"})
			continue
		}
		if hash != group.ContentHash {
			members = append(members, VerifiedMember{Entry: e, Valid: false, Reason: "content changed"})
			continue
		}
		members = append(members, VerifiedMember{Entry: e, Valid: true})
	}
	return members, nil
}
