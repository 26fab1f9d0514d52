package annotations

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/PL-James/ROSIE/pkg/domain"
)

func scan(t *testing.T, src string) []Annotation {
	t.Helper()
	got, err := ScanReader(strings.NewReader(src), "x.ts")
	if err != nil {
		t.Fatalf("ScanReader() error: %v", err)
	}
	return got
}

func TestScanReaderBlocks(t *testing.T) {
	src := strings.Join([]string{
		"// @gxp-id: FRS-2",
		"// @gxp-type: frs",
		"// @gxp-title:  Login handler  ",
		"// @gxp-traces: URS-1, URS-2",
		"// @gxp-risk: High",
		"export function login() {}",
		"// @gxp-id: TC-1",
		"// @gxp-trace: FRS-2",
	}, "\n")
	got := scan(t, src)
	want := []Annotation{
		{GxpID: "FRS-2", Type: domain.TypeFRS, Title: "Login handler", Risk: domain.RiskHigh, Traces: []string{"URS-1", "URS-2"}, File: "x.ts", Line: 1},
		{GxpID: "TC-1", Type: domain.TypeTC, Traces: []string{"FRS-2"}, File: "x.ts", Line: 7},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected annotations:\n got %+v\nwant %+v", got, want)
	}
}

func TestMarkersOutsideBlockIgnored(t *testing.T) {
	got := scan(t, "// @gxp-type: URS\n// @gxp-traces: A-1\n// @gxp-id: URS-9\n")
	if len(got) != 1 {
		t.Fatalf("expected 1 annotation, got %d", len(got))
	}
	if got[0].Type != domain.TypeTC || len(got[0].Traces) != 0 {
		t.Fatalf("markers before the id leaked into the block: %+v", got[0])
	}
}

func TestOtherMarkersOnIDLineIgnored(t *testing.T) {
	got := scan(t, "/* @gxp-id: DS-1 @gxp-type: DS */")
	if len(got) != 1 || got[0].Type != domain.TypeTC {
		t.Fatalf("unexpected annotations: %+v", got)
	}
}

func TestKeywordCaseInsensitiveCaptureCaseSensitive(t *testing.T) {
	got := scan(t, "# @GXP-ID: URS-3\n# @gxp-id: lower-case\n")
	if len(got) != 1 || got[0].GxpID != "URS-3" {
		t.Fatalf("unexpected annotations: %+v", got)
	}
}

func TestMixedCaseIDIsNotTruncated(t *testing.T) {
	if got := scan(t, "// @gxp-id: Tc-1\n// @gxp-title: x\n"); len(got) != 0 {
		t.Fatalf("expected no annotations, got %+v", got)
	}
	got := scan(t, "// @gxp-id: TC-1_x\n// @gxp-id: TC-2;\n")
	if len(got) != 1 || got[0].GxpID != "TC-2" {
		t.Fatalf("unexpected annotations: %+v", got)
	}
}

func TestTracesAccumulateAndDropEmpties(t *testing.T) {
	got := scan(t, "// @gxp-id: TC-4\n// @gxp-traces: A-1,, B-2 ,\n// @gxp-trace: C-3\n")
	want := []string{"A-1", "B-2", "C-3"}
	if len(got) != 1 || !reflect.DeepEqual(got[0].Traces, want) {
		t.Fatalf("unexpected traces: %+v", got)
	}
}

func TestNoIDYieldsNothing(t *testing.T) {
	if got := scan(t, "// @gxp-title: orphan\nconst x = 1\n"); len(got) != 0 {
		t.Fatalf("expected no annotations, got %+v", got)
	}
}

func TestAccumulatorFinishFlushesTrailingBlock(t *testing.T) {
	acc := NewAccumulator("a.py")
	acc.Feed("# @gxp-id: OQ-1", 10)
	acc.Feed("# @gxp-type: OQ", 11)
	got := acc.Finish()
	if len(got) != 1 || got[0].Type != domain.TypeOQ || got[0].Line != 10 {
		t.Fatalf("unexpected annotations: %+v", got)
	}
}

func TestScanDirWalksLexicallyAndSkipsExcluded(t *testing.T) {
	root := t.TempDir()
	write := func(rel, body string) {
		t.Helper()
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("src/b.spec.ts", "// @gxp-id: TC-2\n")
	write("src/a.ts", "// @gxp-id: DS-1\n// @gxp-type: DS\n")
	write("src/node_modules/lib/index.js", "// @gxp-id: TC-99\n")
	write("src/notes.md", "@gxp-id: URS-99\n")
	write("src/sub/c.go", "\n// @gxp-id: FRS-1\n// @gxp-type: FRS\n")

	got, err := ScanDir(filepath.Join(root, "src"), Options{RelativeTo: root})
	if err != nil {
		t.Fatalf("ScanDir() error: %v", err)
	}
	var ids, files []string
	for _, a := range got {
		ids = append(ids, a.GxpID)
		files = append(files, a.File)
	}
	if !reflect.DeepEqual(ids, []string{"DS-1", "TC-2", "FRS-1"}) {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if !reflect.DeepEqual(files, []string{"src/a.ts", "src/b.spec.ts", "src/sub/c.go"}) {
		t.Fatalf("unexpected files: %v", files)
	}
	if got[2].Line != 2 {
		t.Fatalf("expected line 2, got %d", got[2].Line)
	}
}

func TestScanDirCustomExtensions(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.rs"), []byte("// @gxp-id: TC-7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ScanDir(root, Options{Extensions: []string{".rs"}})
	if err != nil {
		t.Fatalf("ScanDir() error: %v", err)
	}
	if len(got) != 1 || got[0].File != "a.rs" {
		t.Fatalf("unexpected annotations: %+v", got)
	}
}
