package tracegraph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/PL-James/ROSIE/pkg/domain"
)

var renderOrder = []domain.NodeType{
	domain.TypeURS, domain.TypeFRS, domain.TypeDS, domain.TypeOQ, domain.TypePQ, domain.TypeTC,
}

// RenderASCII draws the graph grouped by node type, each node followed by
// the identifiers it traces to.
func RenderASCII(g *Graph) string {
	var b strings.Builder
	b.WriteString("\n")
	fmt.Fprintf(&b, "  Trace Graph: %s v%s\n", g.ProductCode, g.Version)
	fmt.Fprintf(&b, "  Hash: %s\n", g.ManifestHash)
	b.WriteString("  " + strings.Repeat("─", 50) + "\n\n")

	groups := map[domain.NodeType][]domain.TraceNode{}
	var extra []domain.NodeType
	for _, n := range g.Nodes {
		if _, ok := groups[n.Type]; !ok && !slices.Contains(renderOrder, n.Type) {
			extra = append(extra, n.Type)
		}
		groups[n.Type] = append(groups[n.Type], n)
	}
	outgoing := map[string][]string{}
	for _, e := range g.Edges {
		outgoing[e.Source] = append(outgoing[e.Source], e.Target)
	}

	slices.Sort(extra)
	for _, typ := range append(slices.Clone(renderOrder), extra...) {
		nodes := groups[typ]
		if len(nodes) == 0 {
			continue
		}
		fmt.Fprintf(&b, "  %s\n", typ)
		for _, n := range nodes {
			line := "    ├─ " + n.GxpID
			if n.Title != "" {
				line += " (" + truncate(n.Title, 30) + "...)"
			}
			if targets := outgoing[n.GxpID]; len(targets) > 0 {
				line += " → " + strings.Join(targets, ", ")
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
