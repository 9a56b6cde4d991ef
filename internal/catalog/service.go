package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/photolala/catalog/internal/utils"
)

// Config configures a catalog service for one photo directory.
type Config struct {
	Directory      string
	CacheRoot      string
	Workers        int
	IgnorePatterns []string
	SnapshotKeep   int
}

func (c *Config) Validate() error {
	if c.Directory == "" {
		return errors.New("directory is required")
	}
	dir, err := utils.ResolvePath(c.Directory)
	if err != nil {
		return fmt.Errorf("invalid directory: %w", err)
	}
	if !utils.DirExists(dir) {
		return fmt.Errorf("not a directory: %s", dir)
	}
	c.Directory = dir

	if c.CacheRoot == "" {
		root, err := DefaultCacheRoot()
		if err != nil {
			return err
		}
		c.CacheRoot = root
	}
	if c.Workers <= 0 {
		c.Workers = DefaultDigestWorkers
	}
	if c.SnapshotKeep <= 0 {
		c.SnapshotKeep = 5
	}
	return nil
}

// Service orchestrates the catalog for one directory: it bootstraps a
// working database from the best available snapshot, drives
// scan→digest→detect→snapshot cycles and owns all mutation. It is the single
// writer for the working database and the local snapshot stores.
type Service struct {
	cfg    Config
	layout *Layout

	mu          sync.Mutex // guards the working set; Initialize and LoadSnapshot swap s.db under it
	db          *Database
	scanner     *Scanner
	pipeline    *Pipeline
	detector    *Detector
	rootSnaps   *SnapshotStore
	cacheSnaps  *SnapshotStore
	dirUUID     string
	active      string // checksum of the snapshot the working copy came from
	initialized bool

	statusMu sync.RWMutex
	status   string

	cancelMu   sync.Mutex
	scanCancel context.CancelFunc
	procCancel context.CancelFunc
}

func NewService(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		cfg:    cfg,
		layout: &Layout{Directory: cfg.Directory, CacheRoot: cfg.CacheRoot},
		status: "not initialized",
	}, nil
}

// Initialize runs the bootstrap protocol and wires the working components.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	s.setStatus("initializing")

	result, err := Bootstrap(s.layout)
	if err != nil {
		s.setStatus("initialize failed")
		return fmt.Errorf("initialize catalog: %w", err)
	}

	rootStore, err := NewSnapshotStore(s.layout.RootSnapshotsDir())
	if err != nil {
		return err
	}
	cacheStore, err := NewSnapshotStore(s.layout.CacheSnapshotsDir())
	if err != nil {
		return err
	}

	s.db = result.DB
	s.active = result.Checksum
	s.rootSnaps = rootStore
	s.cacheSnaps = cacheStore
	s.scanner = NewScanner(s.cfg.Directory, WithIgnorePatterns(s.cfg.IgnorePatterns))
	s.pipeline = NewPipeline(s.cfg.Workers)
	s.detector = NewDetector(s.db, s.scanner, s.pipeline)

	if result.Manifest != nil {
		s.dirUUID = result.Manifest.DirectoryUUID
	} else {
		s.dirUUID = uuid.NewString()
	}

	s.initialized = true
	s.setStatus("idle")
	return nil
}

// Close releases the working database.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	s.initialized = false
	return s.db.Close()
}

func (s *Service) requireInit() error {
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (s *Service) setStatus(status string) {
	s.statusMu.Lock()
	s.status = status
	s.statusMu.Unlock()
}

// Status returns a human-readable description of the current operation.
func (s *Service) Status() string {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// DirectoryUUID returns the stable identity of this directory's catalog.
func (s *Service) DirectoryUUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirUUID
}

// ActiveSnapshot returns the checksum the working copy was materialized
// from, or "" after an empty start with no snapshot yet.
func (s *Service) ActiveSnapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// BuildResult summarizes a scan-and-build pass.
type BuildResult struct {
	Scanned  int
	Corrupt  []CorruptFile
	Snapshot string
}

// ScanAndBuild walks the directory, digests discovered files and upserts
// them into the working database, then publishes a snapshot. With
// processImmediately, files are digested and committed in batches as the
// scan streams; otherwise digesting starts after the walk completes.
func (s *Service) ScanAndBuild(ctx context.Context, recursive, processImmediately bool) (*BuildResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return nil, err
	}

	s.setStatus("scanning")
	defer s.setStatus("idle")
	tstart := time.Now()

	scanCtx, cancelScan := context.WithCancel(ctx)
	defer cancelScan()
	procCtx, cancelProc := context.WithCancel(ctx)
	defer cancelProc()
	s.setCancels(cancelScan, cancelProc)
	defer s.setCancels(nil, nil)

	result := &BuildResult{}

	commit := func(files []DiscoveredFile) error {
		entries, corrupt, err := s.pipeline.Process(procCtx, files)
		if err != nil {
			return err
		}
		result.Corrupt = append(result.Corrupt, corrupt...)
		for _, e := range entries {
			if err := s.db.Upsert(e); err != nil {
				return err
			}
		}
		return nil
	}

	if processImmediately {
		s.setStatus("scanning and processing")
		const batchSize = 64
		batch := make([]DiscoveredFile, 0, batchSize)
		for f := range s.scanner.Scan(scanCtx, recursive) {
			result.Scanned++
			batch = append(batch, f)
			if len(batch) == batchSize {
				if err := commit(batch); err != nil {
					return result, err
				}
				batch = batch[:0]
			}
		}
		if err := scanCtx.Err(); err != nil {
			// cancelled mid-walk: committed batches remain valid
			return result, err
		}
		if err := commit(batch); err != nil {
			return result, err
		}
	} else {
		files, err := s.scanner.ScanAll(scanCtx, recursive)
		if err != nil {
			return result, err
		}
		result.Scanned = len(files)
		s.setStatus(fmt.Sprintf("processing %d files", len(files)))
		if err := commit(files); err != nil {
			return result, err
		}
	}

	s.setStatus("writing snapshot")
	checksum, err := s.publishSnapshot()
	if err != nil {
		return result, err
	}
	result.Snapshot = checksum

	slog.Info("scan and build", "took", time.Since(tstart),
		"scanned", result.Scanned, "corrupt", len(result.Corrupt), "snapshot", checksum)
	return result, nil
}

// DetectAndApplyChanges is the incremental revisit path: diff the directory
// against the database, commit the change set atomically and publish a
// snapshot when anything changed materially.
func (s *Service) DetectAndApplyChanges(ctx context.Context, recursive bool) (*ChangeSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return nil, err
	}

	s.setStatus("detecting changes")
	defer s.setStatus("idle")

	detectCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.setCancels(cancel, cancel)
	defer s.setCancels(nil, nil)

	cs, err := s.detector.DetectChanges(detectCtx, recursive)
	if err != nil {
		return nil, err
	}
	if cs.Empty() {
		return cs, nil
	}

	s.setStatus("applying changes")
	if err := s.detector.ApplyChanges(cs); err != nil {
		return cs, err
	}

	s.setStatus("writing snapshot")
	if _, err := s.publishSnapshot(); err != nil {
		return cs, err
	}
	return cs, nil
}

// CreateSnapshot serializes the current database into a new snapshot and
// repoints both pointers at it.
func (s *Service) CreateSnapshot(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return "", err
	}
	s.setStatus("writing snapshot")
	defer s.setStatus("idle")
	return s.publishSnapshot()
}

// publishSnapshot creates a snapshot in the cache store, mirrors it beside
// the photos and updates both pointers. Callers hold s.mu.
func (s *Service) publishSnapshot() (string, error) {
	checksum, err := s.cacheSnaps.Create(s.db, s.dirUUID)
	if err != nil {
		return "", err
	}
	if err := s.rootSnaps.Mirror(s.cacheSnaps, checksum); err != nil {
		return "", fmt.Errorf("mirror snapshot: %w", err)
	}
	if err := WritePointer(s.layout.RootPointer(), checksum); err != nil {
		return "", fmt.Errorf("write root pointer: %w", err)
	}
	if err := WritePointer(s.layout.CachePointer(), checksum); err != nil {
		return "", fmt.Errorf("write cache pointer: %w", err)
	}
	s.active = checksum
	return checksum, nil
}

// ListSnapshots returns the snapshot history, newest first.
func (s *Service) ListSnapshots() ([]SnapshotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	return s.cacheSnaps.List()
}

// LoadSnapshot rebuilds the working database from an older snapshot
// (time travel). Dependents are rebuilt against the loaded database; the
// pointers are not moved until the next publish.
func (s *Service) LoadSnapshot(ctx context.Context, checksum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return err
	}

	s.setStatus("loading snapshot " + checksum)
	defer s.setStatus("idle")

	store := s.cacheSnaps
	if err := store.Verify(checksum); err != nil {
		// fall back to the mirror beside the photos
		if rootErr := s.rootSnaps.Verify(checksum); rootErr != nil {
			return fmt.Errorf("load snapshot %s: %w", checksum, err)
		}
		store = s.rootSnaps
	}

	db, manifest, err := materialize(s.layout, store, checksum)
	if err != nil {
		return fmt.Errorf("load snapshot %s: %w", checksum, err)
	}

	s.db.Close()
	s.db = db
	s.active = checksum
	s.dirUUID = manifest.DirectoryUUID
	s.detector = NewDetector(s.db, s.scanner, s.pipeline)
	return nil
}

// GetEntry retrieves an entry by fast key.
func (s *Service) GetEntry(fastKey string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	return s.db.Get(fastKey)
}

// GetEntryByHash retrieves an entry by content hash.
func (s *Service) GetEntryByHash(hash string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	return s.db.GetByHash(hash)
}

// Entries returns all catalog entries.
func (s *Service) Entries() ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	return s.db.AllEntries()
}

// Statistics summarizes the working database.
func (s *Service) Statistics() (Statistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return Statistics{}, err
	}
	return s.db.Statistics()
}

// Star marks the photo with the given content hash.
func (s *Service) Star(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return err
	}
	return s.db.SetStarred(hash, true)
}

// Unstar clears the star on the photo with the given content hash.
func (s *Service) Unstar(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return err
	}
	return s.db.SetStarred(hash, false)
}

// FindDuplicates reports groups of entries sharing a content hash.
func (s *Service) FindDuplicates() ([]DuplicateGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	return s.detector.FindPotentialDuplicates()
}

// VerifyDuplicates re-confirms a duplicate group against live file state.
func (s *Service) VerifyDuplicates(ctx context.Context, group DuplicateGroup) ([]VerifiedMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	return s.detector.VerifyDuplicates(ctx, group)
}

// CleanOldSnapshots prunes both snapshot stores down to the retention
// policy. Snapshots referenced by a pointer are never pruned.
func (s *Service) CleanOldSnapshots(keepCount int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return 0, err
	}
	if keepCount <= 0 {
		keepCount = s.cfg.SnapshotKeep
	}

	protected := []string{
		ReadPointer(s.layout.RootPointer()),
		ReadPointer(s.layout.CachePointer()),
		s.active,
	}

	removed, err := s.cacheSnaps.Prune(keepCount, protected...)
	if err != nil {
		return removed, err
	}
	n, err := s.rootSnaps.Prune(keepCount, protected...)
	return removed + n, err
}

// CleanCache removes sync staging leftovers and other disposable cache
// files. The change-token cache survives; losing it only costs redundant
// transfer.
func (s *Service) CleanCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireInit(); err != nil {
		return err
	}

	dirents, err := os.ReadDir(s.layout.SyncDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("clean cache: %w", err)
	}
	for _, d := range dirents {
		name := d.Name()
		if strings.HasPrefix(name, "stage-") || strings.HasPrefix(name, "backup-") {
			if err := os.RemoveAll(filepath.Join(s.layout.SyncDir(), name)); err != nil {
				return fmt.Errorf("clean cache: %w", err)
			}
		}
	}
	return nil
}

func (s *Service) setCancels(scan, proc context.CancelFunc) {
	s.cancelMu.Lock()
	s.scanCancel = scan
	s.procCancel = proc
	s.cancelMu.Unlock()
}

// CancelScan stops an in-flight directory walk. Cooperative: already-yielded
// files stay valid.
func (s *Service) CancelScan() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if s.scanCancel != nil {
		s.scanCancel()
	}
}

// CancelProcessing stops in-flight digesting between files. Entries already
// committed remain.
func (s *Service) CancelProcessing() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if s.procCancel != nil {
		s.procCancel()
	}
}

// Layout exposes the path layout, used to wire the remote sync service.
func (s *Service) Layout() *Layout {
	return s.layout
}
