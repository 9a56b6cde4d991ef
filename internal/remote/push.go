package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/photolala/catalog/internal/catalog"
)

// PushResult reports what a push pass did.
type PushResult struct {
	UploadedShards []int
	Unchanged      []int
	PhotoCount     int
}

// Push mirrors a local snapshot directory into the user's remote namespace.
// Shards upload conditionally: a shard is skipped when the remote change
// token already equals its recorded checksum (single-part uploads to an
// MD5-ETag store make the two comparable). The manifest uploads last, so a
// remote reader never sees a manifest referencing shards that are not there
// yet.
func (s *Syncer) Push(ctx context.Context, snapshotDir string) (*PushResult, error) {
	lock := flock.New(filepath.Join(s.workDir, "sync.lock"))
	locked, err := lock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !locked {
		return nil, errors.New("sync lock busy")
	}
	defer lock.Unlock()

	defer s.setState(StateIdle)
	result := &PushResult{}

	manifestData, err := os.ReadFile(filepath.Join(snapshotDir, catalog.ManifestFilename))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", catalog.ErrManifestMissing, err)
	}
	manifest, err := catalog.DecodeManifest(manifestData)
	if err != nil {
		return nil, err
	}
	result.PhotoCount = manifest.PhotoCount

	s.setState(StateCheckingShards)
	for i := 0; i < catalog.ShardCount; i++ {
		recorded := manifest.ShardChecksum(i)
		if recorded == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		key := shardObjectKey(s.user, i)
		head, err := s.store.Head(ctx, key)
		if err == nil && head.Token == recorded {
			result.Unchanged = append(result.Unchanged, i)
			s.tokens.Set(key, head.Token)
			continue
		}
		if err != nil && !errors.Is(err, ErrObjectNotFound) {
			return nil, wrapTransferErr("probe shard", err)
		}

		data, err := os.ReadFile(filepath.Join(snapshotDir, catalog.ShardFilename(i)))
		if err != nil {
			return nil, &catalog.ShardCorruptedError{Shard: i, Err: err}
		}
		if actual := catalog.Checksum(data); actual != recorded {
			return nil, &catalog.ShardCorruptedError{
				Shard: i,
				Err:   fmt.Errorf("%w: got %s, want %s", catalog.ErrChecksumMismatch, actual, recorded),
			}
		}

		info, err := s.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, wrapTransferErr("upload shard", err)
		}
		s.tokens.Set(key, info.Token)
		result.UploadedShards = append(result.UploadedShards, i)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mkey := manifestKey(s.user)
	info, err := s.store.Put(ctx, mkey, bytes.NewReader(manifestData), int64(len(manifestData)))
	if err != nil {
		return nil, wrapTransferErr("upload manifest", err)
	}
	s.tokens.Set(mkey, info.Token)
	if err := s.tokens.Save(); err != nil {
		slog.Warn("token cache save failed", "error", err)
	}

	s.setState(StateDone)
	slog.Info("catalog push", "user", s.user,
		"uploaded", len(result.UploadedShards),
		"unchanged", len(result.Unchanged),
		"photos", result.PhotoCount)
	return result, nil
}
