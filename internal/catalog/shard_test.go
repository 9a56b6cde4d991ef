package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(hash, filename string) *Entry {
	modified := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &Entry{
		FastKey:      NewFastKey(filename, modified),
		ContentHash:  hash,
		Filename:     filename,
		ByteSize:     1024,
		CaptureDate:  time.Date(2025, 5, 30, 9, 30, 0, 0, time.UTC),
		ModifiedDate: modified,
	}
}

func TestShardIndexDeterministic(t *testing.T) {
	hash := "a3f2b1c4d5e6f7a8b9c0d1e2f3a4b5c6"
	first := ShardIndex(hash)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ShardIndex(hash))
	}
	assert.Equal(t, 0xa, first)

	assert.Equal(t, 0, ShardIndex("0abc"))
	assert.Equal(t, 0xf, ShardIndex("fabc"))
	assert.Equal(t, 0, ShardIndex(""))
}

func TestShardRoundTrip(t *testing.T) {
	entries := []*Entry{
		testEntry("00aa", "vacation/beach.jpg"),
		testEntry("00bb", "commas, in, name.jpg"),
		testEntry("00cc", `she said "cheese".jpg`),
		testEntry("00dd", "plain.png"),
	}
	entries[0].Width = 4032
	entries[0].Height = 3024
	entries[1].PlatformAssetID = "asset-123, quoted \"id\""

	data, err := EncodeShard(entries)
	require.NoError(t, err)

	decoded, err := DecodeShard(data)
	require.NoError(t, err)
	require.Len(t, decoded, len(entries))

	byHash := make(map[string]*Entry)
	for _, e := range decoded {
		byHash[e.ContentHash] = e
	}
	for _, want := range entries {
		got, ok := byHash[want.ContentHash]
		require.True(t, ok, "hash %s missing after round trip", want.ContentHash)
		assert.Equal(t, want.Filename, got.Filename)
		assert.Equal(t, want.ByteSize, got.ByteSize)
		assert.Equal(t, want.CaptureDate.Unix(), got.CaptureDate.Unix())
		assert.Equal(t, want.ModifiedDate.Unix(), got.ModifiedDate.Unix())
		assert.Equal(t, want.Width, got.Width)
		assert.Equal(t, want.Height, got.Height)
		assert.Equal(t, want.PlatformAssetID, got.PlatformAssetID)
		assert.Equal(t, want.FastKey, got.FastKey)
	}
}

func TestEncodeShardDeterministic(t *testing.T) {
	a := []*Entry{testEntry("01aa", "a.jpg"), testEntry("01bb", "b.jpg")}
	b := []*Entry{a[1], a[0]} // reversed input order

	dataA, err := EncodeShard(a)
	require.NoError(t, err)
	dataB, err := EncodeShard(b)
	require.NoError(t, err)
	assert.Equal(t, dataA, dataB)
}

func TestDecodeShardRejectsBadRows(t *testing.T) {
	_, err := DecodeShard([]byte("only,three,fields\n"))
	assert.Error(t, err)

	_, err = DecodeShard([]byte("00aa,f.jpg,notanumber,0,0,,,\n"))
	assert.Error(t, err)
}

func TestPartitionEntries(t *testing.T) {
	entries := []*Entry{
		testEntry("0aaa", "a.jpg"),
		testEntry("0bbb", "b.jpg"),
		testEntry("fccc", "c.jpg"),
	}
	shards := PartitionEntries(entries)
	assert.Len(t, shards[0x0], 2)
	assert.Len(t, shards[0xf], 1)
	for i := 1; i < 0xf; i++ {
		assert.Empty(t, shards[i])
	}
}
