package engine

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirSourceProvider reads transcript sources from a directory tree. Source
// IDs are slash-separated paths relative to the root, so they stay stable
// across machines.
type DirSourceProvider struct {
	root string
}

// NewDirSourceProvider creates a provider rooted at dir.
func NewDirSourceProvider(dir string) *DirSourceProvider {
	return &DirSourceProvider{root: dir}
}

var _ SourceProvider = (*DirSourceProvider)(nil)

// sourceExtensions are the file types treated as transcripts.
var sourceExtensions = map[string]bool{
	".txt":   true,
	".md":    true,
	".jsonl": true,
	".log":   true,
}

// ListSources walks the root and returns every transcript file, sorted by ID
// for deterministic scan order.
func (p *DirSourceProvider) ListSources(ctx context.Context) ([]Source, error) {
	var sources []Source

	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != p.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !sourceExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		sources = append(sources, Source{
			ID:      filepath.ToSlash(rel),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sources in %s: %w", p.root, err)
	}

	sort.Slice(sources, func(i, j int) bool { return sources[i].ID < sources[j].ID })
	return sources, nil
}

// ReadSource returns the raw content of one source. The ID is validated to
// stay inside the root.
func (p *DirSourceProvider) ReadSource(_ context.Context, id string) (string, error) {
	if id == "" || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid source ID %q", id)
	}

	data, err := os.ReadFile(filepath.Join(p.root, filepath.FromSlash(id)))
	if err != nil {
		return "", fmt.Errorf("failed to read source %s: %w", id, err)
	}
	return string(data), nil
}
