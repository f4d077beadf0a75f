package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Source is one interval log file.
type Source interface {
	Name() string
	Open(ctx context.Context) (io.ReadCloser, error)
}

// FileSource reads a log from the local filesystem.
type FileSource struct {
	Path string
}

func (f FileSource) Name() string { return filepath.Base(f.Path) }

func (f FileSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Path, err)
	}
	return file, nil
}

// ExpandFiles turns paths and glob patterns into file sources, keeping
// argument order. Matches of a single pattern are sorted by name.
func ExpandFiles(patterns []string) ([]Source, error) {
	var out []Source
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, fmt.Errorf("expand %s: %w", p, err)
		}
		if len(matches) == 0 {
			// Let Open report the missing file.
			out = append(out, FileSource{Path: p})
			continue
		}
		sort.Strings(matches)
		for _, m := range matches {
			out = append(out, FileSource{Path: m})
		}
	}
	return out, nil
}
