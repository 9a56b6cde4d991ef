package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLayout(t *testing.T) *Layout {
	t.Helper()
	return &Layout{
		Directory: filepath.Join(t.TempDir(), "photos"),
		CacheRoot: filepath.Join(t.TempDir(), "cache"),
	}
}

// seedSnapshot creates a snapshot in the given store and points the pointer
// file at it.
func seedSnapshot(t *testing.T, snapshotsDir, pointerPath string, hashes ...string) string {
	t.Helper()
	store, err := NewSnapshotStore(snapshotsDir)
	require.NoError(t, err)
	checksum := createSnapshot(t, store, hashes...)
	require.NoError(t, WritePointer(pointerPath, checksum))
	return checksum
}

func TestPointerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.ptr")
	checksum := "0123456789abcdef0123456789abcdef"

	assert.Empty(t, ReadPointer(path), "absent pointer makes no claim")

	require.NoError(t, WritePointer(path, checksum))
	assert.Equal(t, checksum, ReadPointer(path))
}

func TestPointerRejectsMalformedClaim(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.ptr")
	require.NoError(t, os.WriteFile(path, []byte("../../etc/passwd"), 0o644))
	assert.Empty(t, ReadPointer(path))

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	assert.Empty(t, ReadPointer(path))
}

func TestBootstrapEmptyStart(t *testing.T) {
	layout := testLayout(t)

	res, err := Bootstrap(layout)
	require.NoError(t, err)
	defer res.DB.Close()

	assert.Equal(t, SourceEmpty, res.Source)
	assert.Empty(t, res.Checksum)

	n, err := res.DB.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBootstrapFromRoot(t *testing.T) {
	layout := testLayout(t)
	checksum := seedSnapshot(t, layout.RootSnapshotsDir(), layout.RootPointer(), "0aaa", "1bbb")

	res, err := Bootstrap(layout)
	require.NoError(t, err)
	defer res.DB.Close()

	assert.Equal(t, SourceRoot, res.Source)
	assert.Equal(t, checksum, res.Checksum)

	n, err := res.DB.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// the winner is mirrored into the cache and its pointer repropagated
	cacheStore, err := NewSnapshotStore(layout.CacheSnapshotsDir())
	require.NoError(t, err)
	assert.NoError(t, cacheStore.Verify(checksum))
	assert.Equal(t, checksum, ReadPointer(layout.CachePointer()))
}

func TestBootstrapRootPreferredOverCache(t *testing.T) {
	layout := testLayout(t)
	rootChecksum := seedSnapshot(t, layout.RootSnapshotsDir(), layout.RootPointer(), "0aaa")
	cacheChecksum := seedSnapshot(t, layout.CacheSnapshotsDir(), layout.CachePointer(), "1bbb", "2ccc")
	require.NotEqual(t, rootChecksum, cacheChecksum)

	res, err := Bootstrap(layout)
	require.NoError(t, err)
	defer res.DB.Close()

	assert.Equal(t, SourceRoot, res.Source)
	assert.Equal(t, rootChecksum, res.Checksum)
	assert.Equal(t, rootChecksum, ReadPointer(layout.CachePointer()), "cache pointer moves to the winner")
}

func TestBootstrapCorruptRootFallsBackToCache(t *testing.T) {
	layout := testLayout(t)
	rootChecksum := seedSnapshot(t, layout.RootSnapshotsDir(), layout.RootPointer(), "0aaa")
	cacheChecksum := seedSnapshot(t, layout.CacheSnapshotsDir(), layout.CachePointer(), "1bbb")

	// corrupt the root copy's shard
	rootStore, err := NewSnapshotStore(layout.RootSnapshotsDir())
	require.NoError(t, err)
	shardPath := filepath.Join(rootStore.Path(rootChecksum), ShardFilename(0))
	require.NoError(t, os.WriteFile(shardPath, []byte("tampered"), 0o644))

	res, err := Bootstrap(layout)
	require.NoError(t, err)
	defer res.DB.Close()

	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, cacheChecksum, res.Checksum)

	n, err := res.DB.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBootstrapDanglingPointersFallThroughToEmpty(t *testing.T) {
	layout := testLayout(t)
	require.NoError(t, WritePointer(layout.RootPointer(), "0123456789abcdef0123456789abcdef"))
	require.NoError(t, WritePointer(layout.CachePointer(), "fedcba9876543210fedcba9876543210"))

	res, err := Bootstrap(layout)
	require.NoError(t, err)
	defer res.DB.Close()
	assert.Equal(t, SourceEmpty, res.Source)
}

func TestBootstrapRebuildsWorkingCopy(t *testing.T) {
	layout := testLayout(t)
	seedSnapshot(t, layout.RootSnapshotsDir(), layout.RootPointer(), "0aaa")

	res, err := Bootstrap(layout)
	require.NoError(t, err)

	// dirty the working copy, then bootstrap again
	require.NoError(t, res.DB.Upsert(testEntry("ffff", "stray.jpg")))
	res.DB.Close()

	res2, err := Bootstrap(layout)
	require.NoError(t, err)
	defer res2.DB.Close()

	ok, err := res2.DB.ContainsHash("ffff")
	require.NoError(t, err)
	assert.False(t, ok, "working copy is rematerialized from the snapshot")
}
