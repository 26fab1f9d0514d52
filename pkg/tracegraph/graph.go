// Package tracegraph assembles specification documents and source annotations
// into a sorted requirement graph and computes its manifest hash.
package tracegraph

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/PL-James/ROSIE/pkg/annotations"
	"github.com/PL-James/ROSIE/pkg/canonhash"
	"github.com/PL-James/ROSIE/pkg/domain"
)

var (
	ErrNoManifest   = errors.New("tracegraph: no " + ProductFile + " at project root")
	ErrHashMismatch = errors.New("tracegraph: manifest hash mismatch")
)

var specDirs = []struct {
	dir string
	typ domain.NodeType
}{
	{"specs/urs", domain.TypeURS},
	{"specs/frs", domain.TypeFRS},
	{"specs/ds", domain.TypeDS},
}

var annotatedTrees = []struct {
	dir    string
	source domain.Source
}{
	{"src", domain.SourceCode},
	{"tests", domain.SourceTest},
}

type Graph struct {
	ProductCode  string             `json:"product_code"`
	Version      string             `json:"version"`
	Nodes        []domain.TraceNode `json:"nodes"`
	Edges        []domain.TraceEdge `json:"edges"`
	ManifestHash string             `json:"manifest_hash"`

	Product Product `json:"-"`
}

type Options struct {
	Scan   annotations.Options
	Logger *slog.Logger
}

// Build reads the product manifest, the spec documents and the annotated
// source and test trees under root.
func Build(root string, opts Options) (*Graph, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	product, err := LoadProduct(filepath.Join(root, ProductFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoManifest
	}
	if err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return nil, fmt.Errorf("tracegraph: read product manifest: %w", err)
		}
		logger.Warn("product manifest front matter ignored", "file", ProductFile, "error", err)
	}

	b := newBuilder()
	for _, sd := range specDirs {
		if err := b.addSpecDir(root, sd.dir, sd.typ, logger); err != nil {
			return nil, err
		}
	}

	scanOpts := opts.Scan
	scanOpts.RelativeTo = root
	for _, tree := range annotatedTrees {
		dir := filepath.Join(root, tree.dir)
		if !isDir(dir) {
			continue
		}
		found, err := annotations.ScanDir(dir, scanOpts)
		if err != nil {
			return nil, err
		}
		for _, a := range found {
			b.add(domain.TraceNode{
				GxpID:  a.GxpID,
				Type:   a.Type,
				Title:  a.Title,
				Risk:   a.Risk,
				Source: tree.source,
				File:   a.File,
				Line:   a.Line,
			}, a.Traces)
		}
	}

	SortNodes(b.nodes)
	hash, err := ComputeHash(b.nodes, b.edges, product.Version)
	if err != nil {
		return nil, err
	}
	logger.Debug("trace graph built", "nodes", len(b.nodes), "edges", len(b.edges), "hash", hash)
	return &Graph{
		ProductCode:  product.ProductCode,
		Version:      product.Version,
		Nodes:        b.nodes,
		Edges:        b.edges,
		ManifestHash: hash,
		Product:      product,
	}, nil
}

// builder keeps the first node seen for each identifier. Later duplicates
// still contribute their edges.
type builder struct {
	seen  map[string]struct{}
	nodes []domain.TraceNode
	edges []domain.TraceEdge
}

func newBuilder() *builder {
	return &builder{
		seen:  map[string]struct{}{},
		nodes: []domain.TraceNode{},
		edges: []domain.TraceEdge{},
	}
}

func (b *builder) add(n domain.TraceNode, traces []string) {
	if _, dup := b.seen[n.GxpID]; !dup {
		b.seen[n.GxpID] = struct{}{}
		b.nodes = append(b.nodes, n)
	}
	for _, target := range traces {
		b.edges = append(b.edges, domain.TraceEdge{Source: n.GxpID, Target: target})
	}
}

func (b *builder) addSpecDir(root, rel string, typ domain.NodeType, logger *slog.Logger) error {
	entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(rel)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("tracegraph: read %s: %w", rel, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		file := rel + "/" + e.Name()
		content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(file)))
		if err != nil {
			return fmt.Errorf("tracegraph: read %s: %w", file, err)
		}
		doc, perr := ParseSpecDoc(content, typ)
		if perr != nil {
			logger.Warn("spec front matter ignored", "file", file, "error", perr)
		}
		b.add(domain.TraceNode{
			GxpID:       doc.GxpID,
			Type:        doc.Type,
			Title:       doc.Title,
			Description: doc.Description,
			Risk:        doc.Risk,
			Source:      domain.SourceSpec,
			File:        file,
		}, doc.Traces)
	}
	return nil
}

// SortNodes orders nodes by type rank, then identifier. The sort is stable.
func SortNodes(nodes []domain.TraceNode) {
	slices.SortStableFunc(nodes, func(a, b domain.TraceNode) int {
		if c := cmp.Compare(a.Type.Rank(), b.Type.Rank()); c != 0 {
			return c
		}
		return strings.Compare(a.GxpID, b.GxpID)
	})
}

type hashInput struct {
	Nodes   []domain.TraceNode `json:"nodes"`
	Edges   []domain.TraceEdge `json:"edges"`
	Version string             `json:"version"`
}

// ComputeHash digests the canonical encoding of the sorted node list, the
// edges and the product version.
func ComputeHash(nodes []domain.TraceNode, edges []domain.TraceEdge, version string) (string, error) {
	in := hashInput{Nodes: nodes, Edges: edges, Version: version}
	if in.Nodes == nil {
		in.Nodes = []domain.TraceNode{}
	}
	if in.Edges == nil {
		in.Edges = []domain.TraceEdge{}
	}
	h, _, err := canonhash.SumObject(in)
	if err != nil {
		return "", fmt.Errorf("tracegraph: hash: %w", err)
	}
	return h, nil
}

// Verify recomputes the hash from the graph contents.
func (g *Graph) Verify() error {
	if err := ValidateHashFormat(g.ManifestHash); err != nil {
		return err
	}
	got, err := ComputeHash(g.Nodes, g.Edges, g.Version)
	if err != nil {
		return err
	}
	if got != g.ManifestHash {
		return fmt.Errorf("%w: recorded %s, computed %s", ErrHashMismatch, g.ManifestHash, got)
	}
	return nil
}

// ValidateHashFormat accepts only "sha256:" followed by 64 lowercase hex
// digits.
func ValidateHashFormat(h string) error {
	if !canonhash.ValidDigest(h) {
		return domain.Validationf("manifest_hash must be %s followed by 64 lowercase hex digits", canonhash.Prefix)
	}
	return nil
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
