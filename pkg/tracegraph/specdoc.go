package tracegraph

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/PL-James/ROSIE/pkg/domain"
)

const maxDescriptionRunes = 200

var markdown = goldmark.New()

// SpecDoc is one parsed requirement or design document.
type SpecDoc struct {
	GxpID       string
	Type        domain.NodeType
	Title       string
	Description string
	Risk        domain.Risk
	Traces      []string
}

// ParseSpecDoc reads a spec document. dirType is used when the front matter
// names no type. A front matter error is returned alongside a document built
// from the body alone.
func ParseSpecDoc(content []byte, dirType domain.NodeType) (SpecDoc, error) {
	meta, body, err := splitFrontMatter(content)
	var fm specFrontMatter
	if err == nil && len(meta) > 0 {
		if uerr := yaml.Unmarshal(meta, &fm); uerr != nil {
			fm = specFrontMatter{}
			err = uerr
		}
	}

	doc := SpecDoc{
		GxpID:       firstNonEmpty(fm.GxpID, fm.GxpIDAlias, "UNKNOWN"),
		Type:        dirType,
		Title:       firstNonEmpty(headingTitle(body), fm.Title, "Untitled"),
		Description: description(body),
		Risk:        domain.Risk(firstNonEmpty(fm.Risk, string(domain.RiskMedium))),
		Traces:      fm.Traces,
	}
	if t := strings.TrimSpace(fm.Type); t != "" {
		doc.Type = domain.NormalizeNodeType(t)
	}
	if len(doc.Traces) == 0 {
		doc.Traces = fm.TracesTo
	}
	return doc, err
}

// headingTitle returns the raw text of the first non-empty level-one heading.
func headingTitle(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	doc := markdown.Parser().Parse(text.NewReader(body))
	var title string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		h, ok := n.(*ast.Heading)
		if !entering || !ok || h.Level != 1 {
			return ast.WalkContinue, nil
		}
		var b strings.Builder
		lines := h.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			b.Write(seg.Value(body))
		}
		if t := strings.TrimSpace(b.String()); t != "" {
			title = t
			return ast.WalkStop, nil
		}
		return ast.WalkSkipChildren, nil
	})
	return title
}

// description joins the first three non-blank, non-heading body lines.
func description(body []byte) string {
	var picked []string
	for _, line := range strings.Split(string(body), "\n") {
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		picked = append(picked, line)
		if len(picked) == 3 {
			break
		}
	}
	d := strings.TrimSpace(strings.Join(picked, " "))
	if r := []rune(d); len(r) > maxDescriptionRunes {
		d = string(r[:maxDescriptionRunes])
	}
	return d
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
