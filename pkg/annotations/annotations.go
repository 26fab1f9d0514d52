// Package annotations extracts @gxp-* marker blocks from source and test
// files.
//
// A block opens on a line carrying an @gxp-id marker and stays open until the
// next id marker or the end of the file. Type, title, risk and trace markers
// apply to the open block; outside a block they are ignored.
package annotations

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/PL-James/ROSIE/pkg/domain"
)

var (
	idMarker     = regexp.MustCompile(`(?i:@gxp-id:)\s*([A-Z0-9-]+)(?:[^A-Za-z0-9_-]|$)`)
	typeMarker   = regexp.MustCompile(`(?i:@gxp-type:)\s*(\w+)`)
	tracesMarker = regexp.MustCompile(`(?i:@gxp-traces?:)\s*([A-Z0-9-,\s]+)`)
	titleMarker  = regexp.MustCompile(`(?i:@gxp-title:)\s*(.+)`)
	riskMarker   = regexp.MustCompile(`(?i:@gxp-risk:)\s*(\w+)`)
)

// maxLineBytes bounds a single source line. Minified bundles can exceed the
// bufio default.
const maxLineBytes = 4 << 20

type Annotation struct {
	GxpID  string          `json:"gxp_id"`
	Type   domain.NodeType `json:"type"`
	Title  string          `json:"title,omitempty"`
	Risk   domain.Risk     `json:"risk,omitempty"`
	Traces []string        `json:"traces,omitempty"`
	File   string          `json:"file"`
	Line   int             `json:"line"`
}

// Accumulator is the block state machine. It has two states: no open block,
// and an open block keyed by the id seen most recently.
type Accumulator struct {
	file string
	open *Annotation
	out  []Annotation
}

func NewAccumulator(file string) *Accumulator {
	return &Accumulator{file: file}
}

// Feed consumes one line. lineNo is 1-based.
func (a *Accumulator) Feed(line string, lineNo int) {
	if m := idMarker.FindStringSubmatch(line); m != nil {
		a.flush()
		a.open = &Annotation{GxpID: m[1], File: a.file, Line: lineNo}
		return
	}
	if a.open == nil {
		return
	}
	if m := typeMarker.FindStringSubmatch(line); m != nil {
		a.open.Type = domain.NormalizeNodeType(m[1])
	}
	if m := tracesMarker.FindStringSubmatch(line); m != nil {
		a.open.Traces = append(a.open.Traces, splitTraces(m[1])...)
	}
	if m := titleMarker.FindStringSubmatch(line); m != nil {
		a.open.Title = strings.TrimSpace(m[1])
	}
	if m := riskMarker.FindStringSubmatch(line); m != nil {
		a.open.Risk = domain.Risk(m[1])
	}
}

// Finish flushes the trailing block and returns every block in file order.
// The accumulator must not be fed afterwards.
func (a *Accumulator) Finish() []Annotation {
	a.flush()
	out := a.out
	a.out = nil
	return out
}

func (a *Accumulator) flush() {
	if a.open == nil || a.open.GxpID == "" {
		a.open = nil
		return
	}
	if a.open.Type == "" {
		a.open.Type = domain.TypeTC
	}
	a.out = append(a.out, *a.open)
	a.open = nil
}

func splitTraces(raw string) []string {
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// ScanReader runs the accumulator over every line of r. file is recorded on
// each annotation as given.
func ScanReader(r io.Reader, file string) ([]Annotation, error) {
	acc := NewAccumulator(file)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		acc.Feed(sc.Text(), lineNo)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("annotations: read %s: %w", file, err)
	}
	return acc.Finish(), nil
}

func ScanFile(path string) ([]Annotation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("annotations: open %s: %w", path, err)
	}
	defer f.Close()
	return ScanReader(f, path)
}
