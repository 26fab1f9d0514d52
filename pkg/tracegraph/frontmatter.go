package tracegraph

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProductFile is the product manifest expected at the project root.
const ProductFile = "gxp-product.md"

var errMalformedFrontMatter = errors.New("tracegraph: malformed front matter")

type Product struct {
	ProductName string      `yaml:"product_name" json:"product_name"`
	Version     string      `yaml:"version" json:"version"`
	ProductCode string      `yaml:"product_code" json:"product_code"`
	IDSchema    string      `yaml:"id_schema" json:"id_schema"`
	Sync        SyncConfig  `yaml:"sync" json:"sync"`
	GxPMetadata GxPMetadata `yaml:"gxp_metadata" json:"gxp_metadata"`
}

type SyncConfig struct {
	Mode             string `yaml:"mode" json:"mode"`
	SystemOfRecordID string `yaml:"system_of_record_id" json:"system_of_record_id"`
}

type GxPMetadata struct {
	GAMPCategory int    `yaml:"gamp_category" json:"gamp_category"`
	RiskImpact   string `yaml:"risk_impact" json:"risk_impact"`
}

func (p *Product) applyDefaults() {
	if strings.TrimSpace(p.ProductName) == "" {
		p.ProductName = "Unknown"
	}
	if strings.TrimSpace(p.Version) == "" {
		p.Version = "0.0.0"
	}
	if strings.TrimSpace(p.ProductCode) == "" {
		p.ProductCode = "UNK"
	}
	if strings.TrimSpace(p.IDSchema) == "" {
		p.IDSchema = "URS | FRS | DS | TC"
	}
	if p.Sync.Mode == "" {
		p.Sync.Mode = "repo-first"
	}
	if p.Sync.SystemOfRecordID == "" {
		p.Sync.SystemOfRecordID = "default"
	}
	if p.GxPMetadata.GAMPCategory == 0 {
		p.GxPMetadata.GAMPCategory = 5
	}
	if p.GxPMetadata.RiskImpact == "" {
		p.GxPMetadata.RiskImpact = "Medium"
	}
}

// ParseProduct reads the product manifest front matter. Missing or malformed
// front matter yields the defaults together with the parse error, so callers
// can warn and continue.
func ParseProduct(content []byte) (Product, error) {
	var p Product
	meta, _, err := splitFrontMatter(content)
	if err == nil && meta != nil {
		if uerr := yaml.Unmarshal(meta, &p); uerr != nil {
			p = Product{}
			err = fmt.Errorf("tracegraph: parse product front matter: %w", uerr)
		}
	}
	p.applyDefaults()
	return p, err
}

func LoadProduct(path string) (Product, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Product{}, err
	}
	return ParseProduct(b)
}

// splitFrontMatter separates a leading YAML block fenced by "---" lines from
// the body. Content without a leading fence has no front matter and is all
// body.
func splitFrontMatter(content []byte) (meta, body []byte, err error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, normalized, nil
	}
	rest := normalized[4:]
	if bytes.HasPrefix(rest, []byte("---\n")) {
		return []byte{}, rest[4:], nil
	}
	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) == 2 {
		return parts[0], parts[1], nil
	}
	if trimmed, ok := bytes.CutSuffix(bytes.TrimRight(rest, "\n"), []byte("\n---")); ok {
		return trimmed, nil, nil
	}
	return nil, normalized, errMalformedFrontMatter
}

// stringList accepts either a YAML sequence or a comma separated scalar.
type stringList []string

func (l *stringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = items
	case yaml.ScalarNode:
		var out []string
		for _, part := range strings.Split(value.Value, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
		*l = out
	default:
		return fmt.Errorf("expected list of identifiers, got yaml kind %d", value.Kind)
	}
	return nil
}

type specFrontMatter struct {
	GxpID      string     `yaml:"gxp_id"`
	GxpIDAlias string     `yaml:"gxp-id"`
	Type       string     `yaml:"type"`
	Title      string     `yaml:"title"`
	Risk       string     `yaml:"risk"`
	Traces     stringList `yaml:"traces"`
	TracesTo   stringList `yaml:"traces-to"`
}
