package domain

import "strings"

type NodeType string

const (
	TypeURS NodeType = "URS"
	TypeFRS NodeType = "FRS"
	TypeDS  NodeType = "DS"
	TypeTC  NodeType = "TC"
	TypeOQ  NodeType = "OQ"
	TypePQ  NodeType = "PQ"
)

// UnknownRank sorts after every recognised type.
const UnknownRank = 99

var typeRank = map[NodeType]int{
	TypeURS: 0,
	TypeFRS: 1,
	TypeDS:  2,
	TypeTC:  3,
	TypeOQ:  4,
	TypePQ:  5,
}

// Rank is the position of t in the URS → FRS → DS → TC → OQ → PQ hierarchy.
func (t NodeType) Rank() int {
	if r, ok := typeRank[t]; ok {
		return r
	}
	return UnknownRank
}

func (t NodeType) Known() bool {
	_, ok := typeRank[t]
	return ok
}

// NormalizeNodeType upper-cases annotation input so "frs" and "FRS" rank alike.
func NormalizeNodeType(s string) NodeType {
	return NodeType(strings.ToUpper(strings.TrimSpace(s)))
}

type Risk string

const (
	RiskLow    Risk = "Low"
	RiskMedium Risk = "Medium"
	RiskHigh   Risk = "High"
)

type Source string

const (
	SourceSpec Source = "spec"
	SourceCode Source = "code"
	SourceTest Source = "test"
)

// TraceNode is one requirement, specification or test artifact discovered in a
// repository. File is relative to the project root.
type TraceNode struct {
	GxpID       string   `json:"gxp_id"`
	Type        NodeType `json:"type"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Risk        Risk     `json:"risk,omitempty"`
	Source      Source   `json:"source"`
	File        string   `json:"file,omitempty"`
	Line        int      `json:"line,omitempty"`
}

// TraceEdge is a directed traces-to link. Target may name an identifier that is
// not present as a node.
type TraceEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}
