package catalog

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"sync"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/sync/errgroup"
)

// DefaultDigestWorkers bounds hashing concurrency so one slow file never
// stalls the batch. A tunable, not semantically load-bearing.
const DefaultDigestWorkers = 4

// CorruptFile reports a file that could not be digested. Corrupt files are
// reported, never silently dropped and never fatal to the batch.
type CorruptFile struct {
	Path string
	Err  error
}

// Pipeline turns discovered files into catalog entries: a streaming content
// hash plus opportunistic header parsing for dimensions and capture date.
type Pipeline struct {
	workers int
}

func NewPipeline(workers int) *Pipeline {
	if workers <= 0 {
		workers = DefaultDigestWorkers
	}
	return &Pipeline{workers: workers}
}

// Process digests files with a bounded worker pool. Cancellation is checked
// between files; no partial entry is ever emitted. The returned error is
// non-nil only on cancellation.
func (p *Pipeline) Process(ctx context.Context, files []DiscoveredFile) ([]*Entry, []CorruptFile, error) {
	var (
		mu      sync.Mutex
		entries []*Entry
		corrupt []CorruptFile
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, f := range files {
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			entry, err := DigestFile(f)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("digest failed", "path", f.Path, "error", err)
				corrupt = append(corrupt, CorruptFile{Path: f.Path, Err: err})
				return nil
			}
			entries = append(entries, entry)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return entries, corrupt, err
	}
	return entries, corrupt, ctx.Err()
}

// DigestFile computes a file's entry: the MD5 content hash over its full
// bytes and, best-effort, image dimensions and an EXIF capture date. Zero-byte
// or unreadable files classify as corrupted.
func DigestFile(f DiscoveredFile) (*Entry, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileCorrupted, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileCorrupted, err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%w: zero bytes", ErrFileCorrupted)
	}

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileCorrupted, err)
	}

	entry := &Entry{
		FastKey:      f.FastKey,
		ContentHash:  hex.EncodeToString(hash.Sum(nil)),
		Filename:     f.RelPath,
		ByteSize:     info.Size(),
		CaptureDate:  f.ModTime.UTC(),
		ModifiedDate: f.ModTime.UTC(),
	}

	probeHeader(file, entry)
	return entry, nil
}

// probeHeader fills dimensions and capture date when the header parses.
// Failures here are fine; the entry stays valid without them.
func probeHeader(file *os.File, entry *Entry) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return
	}
	if cfg, _, err := image.DecodeConfig(file); err == nil {
		entry.Width = cfg.Width
		entry.Height = cfg.Height
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return
	}
	if x, err := exif.Decode(file); err == nil {
		if taken, err := x.DateTime(); err == nil {
			entry.CaptureDate = taken.UTC()
		}
	}
}
