package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/photolala/catalog/internal/catalog"
	"github.com/photolala/catalog/internal/utils"
)

// MasterIndexEntry records where a photo's bytes live account-wide.
type MasterIndexEntry struct {
	ByteSize    int64     `json:"byte_size"`
	CaptureDate time.Time `json:"capture_date"`
	UploadDate  time.Time `json:"upload_date"`
	StorageTier string    `json:"storage_tier"`
}

// MasterIndex maps content hash → storage record for the whole account. It
// spans all of a user's directories, so it syncs outside the per-catalog
// atomic directory swap.
type MasterIndex map[string]MasterIndexEntry

// SyncMasterIndex refreshes the local master index copy using the same
// probe-then-conditional-download method as the catalog sync. It returns the
// current index and whether it was downloaded this pass.
func (s *Syncer) SyncMasterIndex(ctx context.Context, force bool) (MasterIndex, bool, error) {
	key := masterIndexKey(s.user)
	localPath := filepath.Join(s.workDir, "index.json")

	head, err := s.store.Head(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			// account has no uploads yet
			return MasterIndex{}, false, nil
		}
		return nil, false, wrapTransferErr("probe master index", err)
	}

	if cached, ok := s.tokens.Get(key); ok && cached == head.Token && utils.FileExists(localPath) && !force {
		index, err := readMasterIndex(localPath)
		if err == nil {
			return index, false, nil
		}
		// local copy unreadable: fall through and re-download
	}

	data, token, err := s.downloadTo(ctx, key, localPath)
	if err != nil {
		return nil, false, err
	}

	var index MasterIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, false, fmt.Errorf("decode master index: %w", err)
	}

	s.tokens.Set(key, token)
	if err := s.tokens.Save(); err != nil {
		return index, true, nil
	}
	return index, true, nil
}

func readMasterIndex(path string) (MasterIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var index MasterIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, err
	}
	return index, nil
}

// IndexFromEntries builds a master index contribution from catalog entries.
func IndexFromEntries(entries []*catalog.Entry, uploadDate time.Time, tier string) MasterIndex {
	index := make(MasterIndex, len(entries))
	for _, e := range entries {
		index[e.ContentHash] = MasterIndexEntry{
			ByteSize:    e.ByteSize,
			CaptureDate: e.CaptureDate,
			UploadDate:  uploadDate,
			StorageTier: tier,
		}
	}
	return index
}
