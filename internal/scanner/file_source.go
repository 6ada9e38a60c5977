package scanner

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	amerrors "github.com/Aman-CERP/amansync/internal/errors"
	"github.com/Aman-CERP/amansync/internal/gitignore"
)

// gitignoreCacheSize bounds the per-directory matcher cache so long-running
// daemons do not grow without limit.
const gitignoreCacheSize = 1000

// DefaultMaxFileSize is used when FileSourceOptions.MaxFileSize is zero.
const DefaultMaxFileSize = 10 * 1024 * 1024

// DefaultPattern is the include glob used when none is configured.
const DefaultPattern = "**/*.{md,txt}"

// FileSourceOptions configures a FileSource.
type FileSourceOptions struct {
	Root             string
	Pattern          string
	Exclude          []string
	RespectGitignore bool
	MaxFileSize      int64
	HashAlgorithm    string
}

// FileSource lists documents under a directory.
type FileSource struct {
	root        string
	include     *gitignore.Glob
	exclude     []*gitignore.Glob
	gitignore   bool
	maxFileSize int64
	algo        string

	gitignoreCache *lru.Cache[string, *gitignore.Matcher]
	cacheMu        sync.Mutex
}

// NewFileSource compiles the options. The root is only checked by List.
func NewFileSource(opts FileSourceOptions) (*FileSource, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	pattern := opts.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	include, err := gitignore.CompileGlob(pattern)
	if err != nil {
		return nil, err
	}

	exclude := make([]*gitignore.Glob, 0, len(opts.Exclude))
	for _, p := range opts.Exclude {
		g, err := gitignore.CompileGlob(p)
		if err != nil {
			return nil, err
		}
		exclude = append(exclude, g)
	}

	if err := ValidateAlgorithm(opts.HashAlgorithm); err != nil {
		return nil, err
	}

	cache, err := lru.New[string, *gitignore.Matcher](gitignoreCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create gitignore cache: %w", err)
	}

	maxSize := opts.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}

	return &FileSource{
		root:           root,
		include:        include,
		exclude:        exclude,
		gitignore:      opts.RespectGitignore,
		maxFileSize:    maxSize,
		algo:           opts.HashAlgorithm,
		gitignoreCache: cache,
	}, nil
}

// Root returns the absolute source directory.
func (s *FileSource) Root() string {
	return s.root
}

// Contains reports whether an absolute path lies under the source root.
func (s *FileSource) Contains(path string) bool {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}

// List walks the root and reads every included file.
func (s *FileSource) List(ctx context.Context) ([]*Document, error) {
	info, err := os.Stat(s.root)
	if err != nil {
		return nil, amerrors.ScanError(s.root, err)
	}
	if !info.IsDir() {
		return nil, amerrors.ScanError(s.root, fmt.Errorf("not a directory"))
	}

	var docs []*Document
	err = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == s.root {
				return walkErr
			}
			slog.Debug("scan_skip_unreadable",
				slog.String("path", path),
				slog.String("error", walkErr.Error()))
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if s.excluded(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if !s.include.Match(rel) || s.excluded(rel, false) {
			return nil
		}

		fi, err := d.Info()
		if err != nil || fi.Size() > s.maxFileSize {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("scan_read_failed",
				slog.String("path", rel),
				slog.String("error", err.Error()))
			return nil
		}
		if bytes.IndexByte(content[:min(len(content), 512)], 0) >= 0 {
			return nil
		}

		docs = append(docs, &Document{
			ID:      rel,
			Content: content,
			Metadata: map[string]string{
				"source": "file",
				"path":   path,
				"ext":    strings.ToLower(filepath.Ext(rel)),
				"size":   strconv.FormatInt(fi.Size(), 10),
			},
			Checksum: Checksum(s.algo, content),
		})
		return nil
	})
	if err != nil {
		return nil, amerrors.ScanError(s.root, err)
	}

	sortDocuments(docs)
	return docs, nil
}

func (s *FileSource) excluded(rel string, isDir bool) bool {
	for _, g := range s.exclude {
		if g.Match(rel) || (isDir && g.Match(rel+"/")) {
			return true
		}
	}
	return s.gitignore && s.isGitignored(rel, isDir)
}

// isGitignored consults the root .gitignore and every nested one on the
// path to rel.
func (s *FileSource) isGitignored(rel string, isDir bool) bool {
	if m := s.matcher(s.root, ""); m != nil && m.Match(rel, isDir) {
		return true
	}

	dir := filepath.Dir(filepath.FromSlash(rel))
	if dir == "." {
		return false
	}
	base := ""
	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if base == "" {
			base = part
		} else {
			base = base + "/" + part
		}
		m := s.matcher(filepath.Join(s.root, filepath.FromSlash(base)), base)
		if m != nil && m.Match(rel, isDir) {
			return true
		}
	}
	return false
}

// matcher returns the cached matcher for dir, or nil when dir has no
// .gitignore. Absence is cached too.
func (s *FileSource) matcher(dir, base string) *gitignore.Matcher {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if m, ok := s.gitignoreCache.Get(dir); ok {
		return m
	}

	var m *gitignore.Matcher
	path := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(path); err == nil {
		m = gitignore.New()
		if err := m.AddFromFile(path, base); err != nil {
			slog.Warn("gitignore_parse_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			m = nil
		}
	}
	s.gitignoreCache.Add(dir, m)
	return m
}

// InvalidateGitignoreCache drops cached matchers after a .gitignore changes.
func (s *FileSource) InvalidateGitignoreCache() {
	s.cacheMu.Lock()
	s.gitignoreCache.Purge()
	s.cacheMu.Unlock()
}
