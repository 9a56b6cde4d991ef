// Package remote mirrors catalog snapshots to and from a per-user namespace
// in an object store, using change-token probing to avoid redundant transfer
// and atomic directory replacement on commit.
package remote

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/photolala/catalog/internal/catalog"
)

// ErrObjectNotFound is returned by Head/Get for absent keys. An absent
// remote object always counts as "changed".
var ErrObjectNotFound = errors.New("remote object not found")

// ObjectInfo is the cheap metadata a probe returns. Token is the store's
// native change token (e.g. an ETag): opaque, compared only for equality.
type ObjectInfo struct {
	Token        string
	Size         int64
	LastModified time.Time
}

// ObjectStore is the transport the sync service runs against.
type ObjectStore interface {
	// Head probes an object's metadata without transferring content.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Get retrieves an object's content and metadata.
	Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)

	// Put stores an object and returns its new metadata.
	Put(ctx context.Context, key string, body io.Reader, size int64) (*ObjectInfo, error)

	// List returns the keys under a prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes objects by key.
	Delete(ctx context.Context, keys []string) error
}

// Per-user remote layout: one catalog manifest, sixteen shards named by hex
// digit, one master index.
func manifestKey(user string) string {
	return "catalogs/" + user + "/manifest.json"
}

func shardObjectKey(user string, shard int) string {
	return "catalogs/" + user + "/" + catalog.ShardFilename(shard)
}

func masterIndexKey(user string) string {
	return "users/" + user + "/index.json"
}
