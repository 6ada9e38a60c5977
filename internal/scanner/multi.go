package scanner

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/Aman-CERP/amansync/internal/config"
	amerrors "github.com/Aman-CERP/amansync/internal/errors"
)

// MultiSource concatenates sources. IDs must be unique across them.
type MultiSource struct {
	sources []Source
}

// NewMultiSource combines sources in order.
func NewMultiSource(sources ...Source) *MultiSource {
	return &MultiSource{sources: sources}
}

// List lists every source and rejects duplicate ids.
func (m *MultiSource) List(ctx context.Context) ([]*Document, error) {
	seen := make(map[string]struct{})
	var all []*Document
	for _, src := range m.sources {
		docs, err := src.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			if _, dup := seen[d.ID]; dup {
				return nil, amerrors.ScanError("multi", fmt.Errorf("duplicate document id %q", d.ID))
			}
			seen[d.ID] = struct{}{}
			all = append(all, d)
		}
	}
	sortDocuments(all)
	return all, nil
}

// FromConfig builds the Source described by cfg. path and pattern override
// cfg.Path and cfg.Pattern when non-empty; a relative path resolves
// against root.
func FromConfig(root string, cfg config.SourceConfig, path, pattern string) (Source, error) {
	if path == "" {
		path = cfg.Path
	}
	if pattern == "" {
		pattern = cfg.Pattern
	}

	var sources []Source
	if path != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		fileSrc, err := NewFileSource(FileSourceOptions{
			Root:             path,
			Pattern:          pattern,
			Exclude:          cfg.Exclude,
			RespectGitignore: cfg.RespectGitignore,
			MaxFileSize:      int64(cfg.MaxFileSizeMB) * 1024 * 1024,
			HashAlgorithm:    cfg.HashAlgorithm,
		})
		if err != nil {
			return nil, err
		}
		sources = append(sources, fileSrc)
	}
	if len(cfg.URLs) > 0 {
		sources = append(sources, NewURLSource(cfg.URLs, cfg.FetchTimeout,
			WithConcurrency(cfg.FetchConcurrency),
			WithHashAlgorithm(cfg.HashAlgorithm)))
	}

	switch len(sources) {
	case 0:
		return nil, fmt.Errorf("no document source configured")
	case 1:
		return sources[0], nil
	default:
		return NewMultiSource(sources...), nil
	}
}
