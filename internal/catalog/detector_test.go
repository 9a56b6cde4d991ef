package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDetector(t *testing.T, dir string) (*Detector, *Database) {
	t.Helper()
	db := testDB(t)
	return NewDetector(db, NewScanner(dir), NewPipeline(2)), db
}

func detectAndApply(t *testing.T, d *Detector) *ChangeSet {
	t.Helper()
	cs, err := d.DetectChanges(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, d.ApplyChanges(cs))
	return cs
}

func TestDetectChangesInitialScan(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.jpg", []byte("alpha"))
	writeFile(t, dir, "sub/b.jpg", []byte("beta"))
	d, db := testDetector(t, dir)

	cs := detectAndApply(t, d)
	assert.Len(t, cs.Added, 2)
	assert.Empty(t, cs.Modified)
	assert.Empty(t, cs.Removed)
	assert.Equal(t, 0, cs.Unchanged)

	n, err := db.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDetectChangesUnchangedSecondPass(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.jpg", []byte("alpha"))
	d, _ := testDetector(t, dir)

	detectAndApply(t, d)
	cs, err := d.DetectChanges(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, cs.Empty())
	assert.Equal(t, 1, cs.Unchanged)
}

func TestDetectChangesModifiedFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.jpg", []byte("alpha"))
	d, db := testDetector(t, dir)
	detectAndApply(t, d)

	require.NoError(t, os.WriteFile(path, []byte("alpha v2"), 0o644))
	// force a distinct mtime in case the rewrite lands in the same tick
	bumped := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, bumped, bumped))

	cs := detectAndApply(t, d)
	assert.Empty(t, cs.Added)
	require.Len(t, cs.Modified, 1)
	assert.Equal(t, "a.jpg", cs.Modified[0].Filename)

	// the stale row under the old fast key must be gone
	n, err := db.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDetectChangesRemovedFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.jpg", []byte("alpha"))
	path := writeFile(t, dir, "b.jpg", []byte("beta"))
	d, db := testDetector(t, dir)
	detectAndApply(t, d)

	require.NoError(t, os.Remove(path))

	cs := detectAndApply(t, d)
	require.Len(t, cs.Removed, 1)
	assert.Equal(t, "b.jpg", cs.Removed[0].Filename)
	assert.Equal(t, 1, cs.Unchanged)

	n, err := db.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDetectChangesRemoveOneDuplicateKeepsSurvivor(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.jpg", []byte("same bytes"))
	path := writeFile(t, dir, "c.jpg", []byte("same bytes"))
	d, db := testDetector(t, dir)
	detectAndApply(t, d)

	require.NoError(t, os.Remove(path))

	cs := detectAndApply(t, d)
	require.Len(t, cs.Removed, 1)
	assert.Equal(t, "c.jpg", cs.Removed[0].Filename)
	assert.Equal(t, 1, cs.Unchanged)

	survivor, err := db.GetByFilename("a.jpg")
	require.NoError(t, err)
	require.NotNil(t, survivor, "a.jpg still exists on disk; its entry must survive")

	ok, err := db.ContainsHash(survivor.ContentHash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDetectChangesRename(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.jpg", []byte("alpha"))
	d, db := testDetector(t, dir)
	detectAndApply(t, d)

	require.NoError(t, os.Rename(path, filepath.Join(dir, "renamed.jpg")))

	cs := detectAndApply(t, d)
	require.Len(t, cs.Added, 1)
	require.Len(t, cs.Removed, 1)
	assert.Equal(t, "a.jpg", cs.Removed[0].Filename)

	got, err := db.GetByFilename("renamed.jpg")
	require.NoError(t, err)
	require.NotNil(t, got, "the renamed file's entry must survive the pass that detects it")

	gone, err := db.GetByFilename("a.jpg")
	require.NoError(t, err)
	assert.Nil(t, gone)

	n, err := db.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDetectChangesReportsCorrupt(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.jpg", []byte("good"))
	writeFile(t, dir, "empty.jpg", nil)
	d, _ := testDetector(t, dir)

	cs, err := d.DetectChanges(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, cs.Added, 1)
	require.Len(t, cs.Corrupt, 1)
	assert.Contains(t, cs.Corrupt[0].Path, "empty.jpg")
}

func TestFindPotentialDuplicates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.jpg", []byte("same bytes"))
	writeFile(t, dir, "copies/a-copy.jpg", []byte("same bytes"))
	writeFile(t, dir, "b.jpg", []byte("different"))
	d, _ := testDetector(t, dir)
	detectAndApply(t, d)

	groups, err := d.FindPotentialDuplicates()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Entries, 2)
}

func TestVerifyDuplicates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.jpg", []byte("same bytes"))
	changed := writeFile(t, dir, "b.jpg", []byte("same bytes"))
	missing := writeFile(t, dir, "c.jpg", []byte("same bytes"))
	d, _ := testDetector(t, dir)
	detectAndApply(t, d)

	groups, err := d.FindPotentialDuplicates()
	require.NoError(t, err)
	require.Len(t, groups, 1)

	// invalidate two members after detection
	require.NoError(t, os.WriteFile(changed, []byte("rewritten since"), 0o644))
	require.NoError(t, os.Remove(missing))

	members, err := d.VerifyDuplicates(context.Background(), groups[0])
	require.NoError(t, err)
	require.Len(t, members, 3)

	byName := make(map[string]VerifiedMember)
	for _, m := range members {
		byName[filepath.Base(m.Entry.Filename)] = m
	}
	assert.True(t, byName["a.jpg"].Valid)
	assert.False(t, byName["b.jpg"].Valid)
	assert.Equal(t, "content changed", byName["b.jpg"].Reason)
	assert.False(t, byName["c.jpg"].Valid)
	assert.Equal(t, "file missing", byName["c.jpg"].Reason)
}
