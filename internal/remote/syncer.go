package remote

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/photolala/catalog/internal/catalog"
	"github.com/photolala/catalog/internal/utils"
)

// State is the syncer's current phase.
type State string

const (
	StateIdle                State = "idle"
	StateCheckingManifest    State = "checking-manifest"
	StateDownloadingManifest State = "downloading-manifest"
	StateCheckingShards      State = "checking-shards"
	StateDownloadingShards   State = "downloading-changed-shards"
	StateVerifying           State = "verifying"
	StateReplacing           State = "atomic-replace"
	StateDone                State = "done"
)

// defaultMinInterval short-circuits a repeat sync inside a short window
// unless forced.
const defaultMinInterval = 5 * time.Minute

const lockRetryInterval = 100 * time.Millisecond

// Syncer mirrors one user's remote catalog (manifest plus shards) into a
// local directory. Every object is probed by change token before transfer;
// downloads stage into a fresh temp directory and commit by atomic
// replacement, so a failed sync never discards the existing local catalog.
//
// A file lock in the work directory serializes concurrent syncs for the same
// directory; temp and backup names carry unique random suffixes so different
// directories never collide.
type Syncer struct {
	store       ObjectStore
	user        string
	localDir    string // the current local catalog (manifest + shards)
	workDir     string // staging, backups, token cache, lock
	tokens      *TokenCache
	minInterval time.Duration

	stateMu sync.RWMutex
	state   State
}

// NewSyncer creates a syncer. workDir holds the change-token cache, the sync
// lock and all staging; it must be on the same filesystem as localDir so the
// commit rename is atomic.
func NewSyncer(store ObjectStore, user, localDir, workDir string) (*Syncer, error) {
	if user == "" {
		return nil, fmt.Errorf("%w: empty user", catalog.ErrInvalidIdentity)
	}
	if err := utils.EnsureDir(workDir); err != nil {
		return nil, fmt.Errorf("create sync work dir: %w", err)
	}
	return &Syncer{
		store:       store,
		user:        user,
		localDir:    localDir,
		workDir:     workDir,
		tokens:      LoadTokenCache(filepath.Join(workDir, "tokens.json")),
		minInterval: defaultMinInterval,
	}, nil
}

// State returns the syncer's current phase.
func (s *Syncer) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.state == "" {
		return StateIdle
	}
	return s.state
}

func (s *Syncer) setState(state State) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// SyncResult reports what a sync pass did.
type SyncResult struct {
	Skipped          bool  // short-window or unchanged-token short circuit
	DownloadedShards []int // shards transferred this pass
	CopiedForward    []int // shards reused from the existing local catalog
	Replaced         bool  // the local catalog was atomically replaced
	PhotoCount       int
}

// Sync runs one pass of the sync state machine. Cancellation aborts between
// steps, before the atomic replace; an in-flight single-object transfer is
// not interrupted.
func (s *Syncer) Sync(ctx context.Context, force bool) (*SyncResult, error) {
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
	result := &SyncResult{}
	mkey := manifestKey(s.user)

	localManifest := filepath.Join(s.localDir, catalog.ManifestFilename)
	if !force && utils.FileExists(localManifest) {
		if since := time.Since(s.tokens.LastSync(mkey)); since < s.minInterval {
			slog.Debug("sync skipped", "user", s.user, "since", since)
			result.Skipped = true
			return result, nil
		}
	}

	s.setState(StateCheckingManifest)
	head, err := s.store.Head(ctx, mkey)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: no remote catalog for %s", catalog.ErrManifestMissing, s.user)
		}
		return nil, wrapTransferErr("probe manifest", err)
	}

	if cached, ok := s.tokens.Get(mkey); ok && cached == head.Token && utils.FileExists(localManifest) && !force {
		// unchanged: refresh the sync stamp only
		s.tokens.Set(mkey, head.Token)
		if err := s.tokens.Save(); err != nil {
			slog.Warn("token cache save failed", "error", err)
		}
		result.Skipped = true
		return result, nil
	}

	s.setState(StateDownloadingManifest)
	stage, err := os.MkdirTemp(s.workDir, "stage-")
	if err != nil {
		return nil, wrapStorageErr("create staging dir", err)
	}
	defer os.RemoveAll(stage)

	manifestData, manifestToken, err := s.downloadTo(ctx, mkey, filepath.Join(stage, catalog.ManifestFilename))
	if err != nil {
		return nil, err
	}
	manifest, err := catalog.DecodeManifest(manifestData)
	if err != nil {
		return nil, fmt.Errorf("staged manifest rejected: %w", err)
	}
	result.PhotoCount = manifest.PhotoCount

	// Probe every shard the manifest references; download changed ones,
	// copy the rest forward so the staged set is complete.
	s.setState(StateCheckingShards)
	type shardPlan struct {
		shard    int
		key      string
		download bool
		token    string
	}
	var plans []shardPlan
	for i := 0; i < catalog.ShardCount; i++ {
		recorded := manifest.ShardChecksum(i)
		if recorded == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		key := shardObjectKey(s.user, i)
		shardHead, err := s.store.Head(ctx, key)
		if err != nil {
			if errors.Is(err, ErrObjectNotFound) {
				return nil, &catalog.ShardCorruptedError{Shard: i, Err: ErrObjectNotFound}
			}
			return nil, wrapTransferErr("probe shard", err)
		}

		localShard := filepath.Join(s.localDir, catalog.ShardFilename(i))
		cached, ok := s.tokens.Get(key)
		if ok && cached == shardHead.Token && localShardMatches(localShard, recorded) {
			if err := utils.CopyFile(localShard, filepath.Join(stage, catalog.ShardFilename(i))); err != nil {
				return nil, wrapStorageErr("stage shard", err)
			}
			result.CopiedForward = append(result.CopiedForward, i)
			plans = append(plans, shardPlan{shard: i, key: key, token: shardHead.Token})
			continue
		}
		plans = append(plans, shardPlan{shard: i, key: key, download: true})
	}

	s.setState(StateDownloadingShards)
	for i, plan := range plans {
		if !plan.download {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, token, err := s.downloadTo(ctx, plan.key, filepath.Join(stage, catalog.ShardFilename(plan.shard)))
		if err != nil {
			return nil, err
		}
		plans[i].token = token
		result.DownloadedShards = append(result.DownloadedShards, plan.shard)
	}

	s.setState(StateVerifying)
	for i := 0; i < catalog.ShardCount; i++ {
		recorded := manifest.ShardChecksum(i)
		if recorded == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(stage, catalog.ShardFilename(i)))
		if err != nil {
			return nil, &catalog.ShardCorruptedError{Shard: i, Err: err}
		}
		if actual := catalog.Checksum(data); actual != recorded {
			return nil, &catalog.ShardCorruptedError{
				Shard: i,
				Err:   fmt.Errorf("%w: got %s, want %s", catalog.ErrChecksumMismatch, actual, recorded),
			}
		}
	}

	// last cancellation point before the commit
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.setState(StateReplacing)
	if err := s.commit(stage); err != nil {
		return nil, err
	}
	result.Replaced = true

	s.tokens.Set(mkey, manifestToken)
	for _, plan := range plans {
		s.tokens.Set(plan.key, plan.token)
	}
	if err := s.tokens.Save(); err != nil {
		slog.Warn("token cache save failed", "error", err)
	}

	s.setState(StateDone)
	slog.Info("catalog sync", "user", s.user,
		"downloaded", len(result.DownloadedShards),
		"copied", len(result.CopiedForward),
		"photos", result.PhotoCount)
	return result, nil
}

// downloadTo fetches an object into path and returns its bytes and change
// token. The write is atomic, so a crash mid-download never leaves a partial
// file at path (the master index downloads straight into its live location).
func (s *Syncer) downloadTo(ctx context.Context, key, path string) ([]byte, string, error) {
	body, info, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, "", wrapTransferErr("download "+key, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, "", wrapTransferErr("download "+key, err)
	}
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return nil, "", wrapStorageErr("stage "+key, err)
	}
	return data, info.Token, nil
}

// commit atomically replaces the local catalog with the staged one. The
// existing catalog moves to a uniquely-named backup first; on failure the
// backup is restored. Both temp and backup are cleaned up on every path.
func (s *Syncer) commit(stage string) error {
	backup := filepath.Join(s.workDir, "backup-"+randomSuffix())

	hadLocal := utils.DirExists(s.localDir)
	if hadLocal {
		if err := os.Rename(s.localDir, backup); err != nil {
			return wrapStorageErr("move catalog to backup", err)
		}
	}

	if err := utils.EnsureParent(s.localDir); err != nil {
		return wrapStorageErr("prepare catalog dir", err)
	}
	if err := os.Rename(stage, s.localDir); err != nil {
		if hadLocal {
			if restoreErr := os.Rename(backup, s.localDir); restoreErr != nil {
				slog.Error("catalog backup restore failed", "backup", backup, "error", restoreErr)
				return wrapStorageErr("replace catalog (backup preserved at "+backup+")", err)
			}
		}
		return wrapStorageErr("replace catalog", err)
	}

	if hadLocal {
		if err := os.RemoveAll(backup); err != nil {
			slog.Warn("backup cleanup failed", "backup", backup, "error", err)
		}
	}
	return nil
}

// localShardMatches reports whether a local shard file's bytes hash to the
// recorded checksum.
func localShardMatches(path, checksum string) bool {
	hash, err := utils.FileMD5(path)
	if err != nil {
		return false
	}
	return hash == checksum
}

func randomSuffix() string {
	var b [4]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// wrapTransferErr classifies network failures into the error taxonomy.
func wrapTransferErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return fmt.Errorf("%s: %w: %v", op, catalog.ErrNetworkTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// wrapStorageErr classifies local write failures.
func wrapStorageErr(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%s: %w: %v", op, catalog.ErrInsufficientStorage, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
