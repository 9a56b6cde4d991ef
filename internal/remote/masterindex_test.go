package remote

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/photolala/catalog/internal/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMasterIndex(t *testing.T, store *fakeStore, user string, index MasterIndex) {
	t.Helper()
	data, err := json.Marshal(index)
	require.NoError(t, err)
	store.put(masterIndexKey(user), data)
}

func TestSyncMasterIndexAbsentIsEmpty(t *testing.T) {
	s := testSyncer(t, newFakeStore(), "alice")

	index, downloaded, err := s.SyncMasterIndex(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, downloaded)
	assert.Empty(t, index)
}

func TestSyncMasterIndexDownloadsAndCaches(t *testing.T) {
	store := newFakeStore()
	want := MasterIndex{
		"0aaa": {ByteSize: 1024, StorageTier: "standard", UploadDate: time.Now().UTC().Truncate(time.Second)},
	}
	seedMasterIndex(t, store, "alice", want)
	s := testSyncer(t, store, "alice")

	index, downloaded, err := s.SyncMasterIndex(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, downloaded)
	require.Contains(t, index, "0aaa")
	assert.Equal(t, int64(1024), index["0aaa"].ByteSize)

	// the local copy is complete and parseable, with no write leftovers
	local, err := readMasterIndex(filepath.Join(s.workDir, "index.json"))
	require.NoError(t, err)
	assert.Contains(t, local, "0aaa")
	dirents, err := os.ReadDir(s.workDir)
	require.NoError(t, err)
	for _, d := range dirents {
		assert.False(t, strings.HasPrefix(d.Name(), ".tmp-"), "no temp file left behind: %s", d.Name())
	}

	// unchanged token: served from the local copy
	before := store.getCount()
	index, downloaded, err = s.SyncMasterIndex(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, downloaded)
	assert.Contains(t, index, "0aaa")
	assert.Equal(t, before, store.getCount())
}

func TestSyncMasterIndexForceRedownloads(t *testing.T) {
	store := newFakeStore()
	seedMasterIndex(t, store, "alice", MasterIndex{"0aaa": {ByteSize: 1}})
	s := testSyncer(t, store, "alice")

	_, _, err := s.SyncMasterIndex(context.Background(), false)
	require.NoError(t, err)

	_, downloaded, err := s.SyncMasterIndex(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, downloaded)
}

func TestIndexFromEntries(t *testing.T) {
	uploaded := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	entries := []*catalog.Entry{
		remoteEntry("0aaa", "a.jpg"),
		remoteEntry("fccc", "c.jpg"),
	}

	index := IndexFromEntries(entries, uploaded, "standard")
	require.Len(t, index, 2)
	assert.Equal(t, int64(1024), index["0aaa"].ByteSize)
	assert.Equal(t, uploaded, index["0aaa"].UploadDate)
	assert.Equal(t, "standard", index["fccc"].StorageTier)
}
