package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/photolala/catalog/internal/utils"
)

const manifestCacheSize = 32

var checksumNameRe = regexp.MustCompile(`^[0-9a-f]{32}$`)

// SnapshotInfo summarizes one snapshot in a store.
type SnapshotInfo struct {
	Checksum   string
	Created    time.Time
	Modified   time.Time
	PhotoCount int
}

// SnapshotStore keeps checksum-addressed snapshot directories under one
// root: <root>/<checksum>/manifest.json plus up to 16 shard files. Snapshots
// are immutable once written; creation goes through a temp directory and a
// rename.
type SnapshotStore struct {
	root      string
	manifests *lru.Cache[string, *Manifest]
}

func NewSnapshotStore(root string) (*SnapshotStore, error) {
	if err := utils.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("create snapshot root: %w", err)
	}
	cache, err := lru.New[string, *Manifest](manifestCacheSize)
	if err != nil {
		return nil, err
	}
	return &SnapshotStore{root: root, manifests: cache}, nil
}

// Root returns the store's root directory.
func (s *SnapshotStore) Root() string {
	return s.root
}

// Path returns the directory a snapshot lives in.
func (s *SnapshotStore) Path(checksum string) string {
	return filepath.Join(s.root, checksum)
}

// Contains reports whether a snapshot directory exists (without verifying).
func (s *SnapshotStore) Contains(checksum string) bool {
	return utils.FileExists(filepath.Join(s.Path(checksum), ManifestFilename))
}

// Create serializes the database into a new snapshot and returns its
// checksum, which becomes the new pointer value. Shard files are written
// before the manifest; the snapshot appears atomically via rename. Creating
// a snapshot whose content already exists returns the existing checksum.
func (s *SnapshotStore) Create(db *Database, directoryUUID string) (string, error) {
	entries, err := db.AllEntries()
	if err != nil {
		return "", fmt.Errorf("create snapshot: %w", err)
	}

	shards := PartitionEntries(entries)
	var shardData [ShardCount][]byte
	for i, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		data, err := EncodeShard(shard)
		if err != nil {
			return "", fmt.Errorf("create snapshot: %w", err)
		}
		shardData[i] = data
	}

	manifest := NewManifest(directoryUUID, shardData, len(entries), time.Now().UTC())
	manifestBytes, err := manifest.Encode()
	if err != nil {
		return "", err
	}
	checksum := Checksum(manifestBytes)

	if s.Contains(checksum) {
		return checksum, nil
	}

	stage, err := os.MkdirTemp(s.root, ".stage-*")
	if err != nil {
		return "", fmt.Errorf("create snapshot staging: %w", err)
	}
	defer os.RemoveAll(stage)

	for i, data := range shardData {
		if len(data) == 0 {
			continue
		}
		if err := os.WriteFile(filepath.Join(stage, ShardFilename(i)), data, 0o644); err != nil {
			return "", fmt.Errorf("write shard %x: %w", i, err)
		}
	}
	if err := os.WriteFile(filepath.Join(stage, ManifestFilename), manifestBytes, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}

	if err := os.Rename(stage, s.Path(checksum)); err != nil {
		// lost the race to an identical snapshot
		if s.Contains(checksum) {
			return checksum, nil
		}
		return "", fmt.Errorf("commit snapshot: %w", err)
	}

	slog.Debug("snapshot created", "checksum", checksum, "photos", len(entries))
	return checksum, nil
}

// Manifest loads and checksum-verifies a snapshot's manifest. The manifest
// bytes must hash to the snapshot's own checksum.
func (s *SnapshotStore) Manifest(checksum string) (*Manifest, error) {
	if m, ok := s.manifests.Get(checksum); ok {
		return m, nil
	}

	data, err := os.ReadFile(filepath.Join(s.Path(checksum), ManifestFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: snapshot %s", ErrManifestMissing, checksum)
		}
		return nil, fmt.Errorf("read manifest %s: %w", checksum, err)
	}
	if actual := Checksum(data); actual != checksum {
		return nil, fmt.Errorf("%w: manifest of %s hashes to %s", ErrChecksumMismatch, checksum, actual)
	}
	m, err := DecodeManifest(data)
	if err != nil {
		return nil, err
	}

	s.manifests.Add(checksum, m)
	return m, nil
}

// Verify checks a snapshot end to end: manifest checksum, then every
// recorded shard checksum against the shard's actual bytes.
func (s *SnapshotStore) Verify(checksum string) error {
	m, err := s.Manifest(checksum)
	if err != nil {
		return err
	}
	for i := 0; i < ShardCount; i++ {
		recorded := m.ShardChecksum(i)
		if recorded == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Path(checksum), ShardFilename(i)))
		if err != nil {
			return &ShardCorruptedError{Shard: i, Err: err}
		}
		if actual := Checksum(data); actual != recorded {
			return &ShardCorruptedError{Shard: i, Err: fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, actual, recorded)}
		}
	}
	return nil
}

// Entries loads and verifies all entries of a snapshot.
func (s *SnapshotStore) Entries(checksum string) ([]*Entry, error) {
	m, err := s.Manifest(checksum)
	if err != nil {
		return nil, err
	}

	var entries []*Entry
	for i := 0; i < ShardCount; i++ {
		recorded := m.ShardChecksum(i)
		if recorded == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Path(checksum), ShardFilename(i)))
		if err != nil {
			return nil, &ShardCorruptedError{Shard: i, Err: err}
		}
		if actual := Checksum(data); actual != recorded {
			return nil, &ShardCorruptedError{Shard: i, Err: fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, actual, recorded)}
		}
		shardEntries, err := DecodeShard(data)
		if err != nil {
			return nil, &ShardCorruptedError{Shard: i, Err: err}
		}
		entries = append(entries, shardEntries...)
	}
	return entries, nil
}

// List returns all snapshots in the store, newest first. Snapshots whose
// manifest fails to load are skipped with a warning.
func (s *SnapshotStore) List() ([]SnapshotInfo, error) {
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var infos []SnapshotInfo
	for _, d := range dirents {
		if !d.IsDir() || !checksumNameRe.MatchString(d.Name()) {
			continue
		}
		m, err := s.Manifest(d.Name())
		if err != nil {
			slog.Warn("skipping unreadable snapshot", "checksum", d.Name(), "error", err)
			continue
		}
		infos = append(infos, SnapshotInfo{
			Checksum:   d.Name(),
			Created:    m.Created,
			Modified:   m.Modified,
			PhotoCount: m.PhotoCount,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Modified.After(infos[j].Modified)
	})
	return infos, nil
}

// Prune removes all but the keepCount newest snapshots. Protected checksums
// (anything a pointer currently references) are never removed.
func (s *SnapshotStore) Prune(keepCount int, protected ...string) (int, error) {
	infos, err := s.List()
	if err != nil {
		return 0, err
	}

	keep := make(map[string]struct{}, keepCount+len(protected))
	for _, c := range protected {
		keep[c] = struct{}{}
	}
	kept := 0
	for _, info := range infos {
		if kept >= keepCount {
			break
		}
		keep[info.Checksum] = struct{}{}
		kept++
	}

	removed := 0
	for _, info := range infos {
		if _, ok := keep[info.Checksum]; ok {
			continue
		}
		dir := s.Path(info.Checksum)
		if err := utils.UnlockDir(dir); err != nil {
			slog.Warn("prune unlock failed", "checksum", info.Checksum, "error", err)
		}
		if err := os.RemoveAll(dir); err != nil {
			return removed, fmt.Errorf("prune snapshot %s: %w", info.Checksum, err)
		}
		s.manifests.Remove(info.Checksum)
		removed++
	}
	return removed, nil
}

// Mirror copies a snapshot from another store into this one via a temp
// directory and rename, then locks it read-only. A verified identical copy
// is left untouched.
func (s *SnapshotStore) Mirror(from *SnapshotStore, checksum string) error {
	if s.Contains(checksum) && s.Verify(checksum) == nil {
		return nil
	}

	// replace a missing or mismatched copy
	dst := s.Path(checksum)
	if utils.DirExists(dst) {
		if err := utils.UnlockDir(dst); err != nil {
			return fmt.Errorf("mirror unlock: %w", err)
		}
		if err := os.RemoveAll(dst); err != nil {
			return fmt.Errorf("mirror replace: %w", err)
		}
		s.manifests.Remove(checksum)
	}

	stage, err := os.MkdirTemp(s.root, ".stage-*")
	if err != nil {
		return fmt.Errorf("mirror staging: %w", err)
	}
	defer os.RemoveAll(stage)

	if err := utils.CopyDir(from.Path(checksum), stage); err != nil {
		return fmt.Errorf("mirror copy: %w", err)
	}
	if err := os.Rename(stage, dst); err != nil {
		return fmt.Errorf("mirror commit: %w", err)
	}
	if err := utils.LockDirReadOnly(dst); err != nil {
		slog.Warn("mirror lock failed", "checksum", checksum, "error", err)
	}
	return nil
}
