package remote

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/photolala/catalog/internal/catalog"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory ObjectStore whose change tokens are MD5 hex
// digests of the content, matching single-part S3 ETag behavior.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	heads   int
	gets    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func contentToken(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (f *fakeStore) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

func (f *fakeStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads++
	data, ok := f.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return &ObjectInfo{Token: contentToken(data), Size: int64(len(data)), LastModified: time.Now()}, nil
}

func (f *fakeStore) Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	data, ok := f.objects[key]
	if !ok {
		return nil, nil, ErrObjectNotFound
	}
	info := &ObjectInfo{Token: contentToken(data), Size: int64(len(data)), LastModified: time.Now()}
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

func (f *fakeStore) Put(ctx context.Context, key string, body io.Reader, size int64) (*ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return &ObjectInfo{Token: contentToken(data), Size: int64(len(data)), LastModified: time.Now()}, nil
}

func (f *fakeStore) List(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fakeStore) Delete(ctx context.Context, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.objects, k)
	}
	return nil
}

func (f *fakeStore) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

// remoteEntry builds a catalog entry with a fixed mtime.
func remoteEntry(hash, filename string) *catalog.Entry {
	modified := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &catalog.Entry{
		FastKey:      catalog.NewFastKey(filename, modified),
		ContentHash:  hash,
		Filename:     filename,
		ByteSize:     1024,
		CaptureDate:  modified,
		ModifiedDate: modified,
	}
}

// seedRemoteCatalog encodes entries into shards plus a manifest and uploads
// them under the user's namespace. Returns the manifest.
func seedRemoteCatalog(t *testing.T, store *fakeStore, user string, entries []*catalog.Entry) *catalog.Manifest {
	t.Helper()

	shards := catalog.PartitionEntries(entries)
	var shardData [catalog.ShardCount][]byte
	for i, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		data, err := catalog.EncodeShard(shard)
		require.NoError(t, err)
		shardData[i] = data
		store.put(shardObjectKey(user, i), data)
	}

	manifest := catalog.NewManifest("dir-uuid-remote", shardData, len(entries), time.Now().UTC())
	data, err := manifest.Encode()
	require.NoError(t, err)
	store.put(manifestKey(user), data)
	return manifest
}
