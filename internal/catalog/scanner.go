package catalog

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"
)

// ControlDirName is the catalog's own control directory inside the photo
// tree (pointer + mirrored snapshots). Never scanned.
const ControlDirName = ".photolala"

// IgnoreFilename is an optional gitignore-style file at the directory root.
const IgnoreFilename = ".photolalaignore"

var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".bmp": {}, ".webp": {},
	".tif": {}, ".tiff": {}, ".heic": {}, ".heif": {},
	".raw": {}, ".cr2": {}, ".cr3": {}, ".nef": {}, ".arw": {}, ".dng": {}, ".orf": {},
}

var defaultIgnoreLines = []string{
	ControlDirName + "/",
	IgnoreFilename,
	".*",
	"*.tmp",
	"*.part",
	"Thumbs.db",
}

// DiscoveredFile is one file yielded by a scan. FastKey is computable from
// the directory listing alone, without reading content.
type DiscoveredFile struct {
	Path    string // absolute
	RelPath string // relative to the scanned root, slash-separated
	FastKey string
	Size    int64
	ModTime time.Time
}

// Scanner walks a photo directory and yields image files. A scan is lazy,
// finite and restartable; cancelling mid-walk does not invalidate files
// already yielded.
type Scanner struct {
	root     string
	ignore   *gitignore.GitIgnore
	patterns []string // extra doublestar ignore globs, relative to root
}

type ScannerOption func(*Scanner)

// WithIgnorePatterns adds doublestar glob patterns (matched against the
// slash-relative path) to exclude from scans.
func WithIgnorePatterns(patterns []string) ScannerOption {
	return func(s *Scanner) {
		s.patterns = append(s.patterns, patterns...)
	}
}

// NewScanner creates a scanner rooted at dir. A .photolalaignore file at the
// root is honored in addition to the built-in ignore rules.
func NewScanner(dir string, opts ...ScannerOption) *Scanner {
	lines := make([]string, 0, len(defaultIgnoreLines)+8)
	lines = append(lines, defaultIgnoreLines...)

	if data, err := os.ReadFile(filepath.Join(dir, IgnoreFilename)); err == nil {
		lines = append(lines, strings.Split(string(data), "\n")...)
	}

	s := &Scanner{
		root:   dir,
		ignore: gitignore.CompileIgnoreLines(lines...),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the scanned directory.
func (s *Scanner) Root() string {
	return s.root
}

func (s *Scanner) shouldSkip(relPath string, isDir bool) bool {
	probe := relPath
	if isDir {
		probe += "/"
	}
	if s.ignore.MatchesPath(probe) {
		return true
	}
	for _, pattern := range s.patterns {
		if ok, err := doublestar.Match(pattern, relPath); err == nil && ok {
			return true
		}
	}
	if isDir {
		return false
	}
	_, ok := imageExtensions[strings.ToLower(filepath.Ext(relPath))]
	return !ok
}

// Scan walks the tree and sends discovered files on the returned channel. The
// channel is closed when the walk finishes or ctx is cancelled. Unreadable
// subdirectories are logged and skipped, never fatal.
func (s *Scanner) Scan(ctx context.Context, recursive bool) <-chan DiscoveredFile {
	out := make(chan DiscoveredFile)

	go func() {
		defer close(out)

		walkFn := func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				slog.Warn("scan skipping unreadable path", "path", path, "error", err)
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			relPath, relErr := filepath.Rel(s.root, path)
			if relErr != nil {
				return relErr
			}
			relPath = filepath.ToSlash(relPath)

			if d.IsDir() {
				if path == s.root {
					return nil
				}
				if !recursive || s.shouldSkip(relPath, true) {
					return fs.SkipDir
				}
				return nil
			}

			if s.shouldSkip(relPath, false) {
				return nil
			}

			info, infoErr := d.Info()
			if infoErr != nil {
				slog.Warn("scan skipping unstatable file", "path", path, "error", infoErr)
				return nil
			}

			file := DiscoveredFile{
				Path:    path,
				RelPath: relPath,
				FastKey: NewFastKey(relPath, info.ModTime()),
				Size:    info.Size(),
				ModTime: info.ModTime(),
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- file:
				return nil
			}
		}

		if err := filepath.WalkDir(s.root, walkFn); err != nil && ctx.Err() == nil {
			slog.Error("scan walk failed", "root", s.root, "error", err)
		}
	}()

	return out
}

// ScanAll drains a full scan into a slice.
func (s *Scanner) ScanAll(ctx context.Context, recursive bool) ([]DiscoveredFile, error) {
	var files []DiscoveredFile
	for f := range s.Scan(ctx, recursive) {
		files = append(files, f)
	}
	if err := ctx.Err(); err != nil {
		return files, err
	}
	return files, nil
}
