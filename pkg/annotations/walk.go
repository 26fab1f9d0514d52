package annotations

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

var (
	DefaultExtensions  = []string{".go", ".ts", ".tsx", ".js", ".jsx", ".py"}
	DefaultExcludeDirs = []string{"node_modules", "dist", "build", "vendor", ".git"}
)

type Options struct {
	// Extensions selects files by suffix, leading dot included. Nil means
	// DefaultExtensions.
	Extensions []string
	// ExcludeDirs names directories skipped wherever they appear. Nil means
	// DefaultExcludeDirs.
	ExcludeDirs []string
	// RelativeTo is the base for recorded file paths. Empty means the scanned
	// root itself.
	RelativeTo string
}

func (o Options) withDefaults() Options {
	if o.Extensions == nil {
		o.Extensions = DefaultExtensions
	}
	if o.ExcludeDirs == nil {
		o.ExcludeDirs = DefaultExcludeDirs
	}
	return o
}

// ScanDir walks root in lexical order and scans each matching file exactly
// once. Recorded paths are slash separated and relative to opts.RelativeTo.
func ScanDir(root string, opts Options) ([]Annotation, error) {
	opts = opts.withDefaults()
	base := opts.RelativeTo
	if base == "" {
		base = root
	}
	exts := make(map[string]struct{}, len(opts.Extensions))
	for _, e := range opts.Extensions {
		exts[strings.ToLower(e)] = struct{}{}
	}
	skip := make(map[string]struct{}, len(opts.ExcludeDirs))
	for _, d := range opts.ExcludeDirs {
		skip[d] = struct{}{}
	}

	var out []Annotation
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if _, ok := skip[d.Name()]; ok && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := exts[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}
		found, err := ScanFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)
		for i := range found {
			found[i].File = rel
		}
		out = append(out, found...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("annotations: walk %s: %w", root, err)
	}
	return out, nil
}
