package manifests

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/PL-James/ROSIE/pkg/canonhash"
	"github.com/PL-James/ROSIE/pkg/domain"
	"github.com/PL-James/ROSIE/services/sor/internal/audit"
	"github.com/PL-James/ROSIE/services/sor/internal/store"
)

var (
	fixedNow  = time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	validHash = "sha256:" + strings.Repeat("ab", 32)
)

func newService(t *testing.T) (*store.Memory, *Service) {
	t.Helper()
	st := store.NewMemory()
	lg := audit.New(st, nil)
	lg.Now = func() time.Time { return fixedNow }
	svc := New(st, lg, nil)
	svc.Now = func() time.Time { return fixedNow }
	return st, svc
}

func demoSync(commit string) SyncRequest {
	return SyncRequest{
		ProductCode:  "DEMO",
		Version:      "1.0.0",
		CommitSHA:    commit,
		ManifestHash: validHash,
		Nodes: []SyncNode{
			{GxpID: "URS-1", Type: "URS", Title: "Users can log in"},
			{GxpID: "TC-1", Type: "tc"},
		},
		Edges: []SyncEdge{
			{Source: "TC-1", Target: "URS-1"},
			{Source: "URS-1", Target: "MISSING-1"},
		},
	}
}

func TestSyncCreatesPendingNodesAndKeepsDanglingEdges(t *testing.T) {
	st, svc := newService(t)
	ctx := context.Background()

	res, err := svc.Sync(ctx, demoSync("abc1234"), "")
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if res.SyncID != res.ManifestID || res.NodesCreated != 2 || res.EdgesCreated != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if strings.Join(res.PendingApprovals, ",") != "URS-1,TC-1" {
		t.Fatalf("unexpected pending approvals %v", res.PendingApprovals)
	}

	g, err := svc.Current(ctx)
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if g.Manifest.ManifestID != res.ManifestID || len(g.Nodes) != 2 || len(g.Edges) != 2 {
		t.Fatalf("unexpected graph %+v", g)
	}
	for _, n := range g.Nodes {
		if n.Status != domain.StatusPending {
			t.Fatalf("expected Pending, got %+v", n)
		}
	}
	if g.Nodes[1].Type != domain.TypeTC {
		t.Fatalf("expected normalized type, got %q", g.Nodes[1].Type)
	}
	if g.Edges[1].Target != "MISSING-1" {
		t.Fatalf("dangling edge lost: %+v", g.Edges)
	}

	entries, _ := st.ListAudit(ctx, 1)
	if entries[0].Action != domain.ActionManifestSync || entries[0].UserID != DefaultActor ||
		entries[0].Details != "Synced DEMO v1.0.0 (2 nodes, 2 edges)" {
		t.Fatalf("unexpected audit %+v", entries[0])
	}
}

func TestSyncTwiceCreatesFreshRows(t *testing.T) {
	st, svc := newService(t)
	ctx := context.Background()
	a, _ := svc.Sync(ctx, demoSync("abc1234"), "ci")
	b, err := svc.Sync(ctx, demoSync("abc1234"), "ci")
	if err != nil {
		t.Fatal(err)
	}
	if a.ManifestID == b.ManifestID {
		t.Fatalf("expected distinct manifests")
	}
	na, _ := st.ListNodes(ctx, a.ManifestID)
	nb, _ := st.ListNodes(ctx, b.ManifestID)
	if na[0].NodeID == nb[0].NodeID {
		t.Fatalf("node rows shared across manifests")
	}
	cur, _ := svc.Current(ctx)
	if cur.Manifest.ManifestID != b.ManifestID {
		t.Fatalf("current should be the latest sync")
	}
}

func TestSyncValidation(t *testing.T) {
	_, svc := newService(t)
	cases := map[string]func(*SyncRequest){
		"missing product":   func(r *SyncRequest) { r.ProductCode = "" },
		"missing commit":    func(r *SyncRequest) { r.CommitSHA = " " },
		"nil nodes":         func(r *SyncRequest) { r.Nodes = nil },
		"nil edges":         func(r *SyncRequest) { r.Edges = nil },
		"rolling checksum":  func(r *SyncRequest) { r.ManifestHash = "1a2b3c4d" },
		"duplicate gxp id":  func(r *SyncRequest) { r.Nodes = append(r.Nodes, SyncNode{GxpID: "URS-1", Type: "URS"}) },
		"node without type": func(r *SyncRequest) { r.Nodes[0].Type = "" },
		"edge without end":  func(r *SyncRequest) { r.Edges[0].Target = "" },
	}
	for name, mutate := range cases {
		req := demoSync("abc1234")
		mutate(&req)
		if _, err := svc.Sync(context.Background(), req, ""); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", name, err)
		}
	}

	req := demoSync("abc1234")
	req.Nodes, req.Edges = []SyncNode{}, []SyncEdge{}
	if _, err := svc.Sync(context.Background(), req, ""); err != nil {
		t.Fatalf("empty arrays should be accepted: %v", err)
	}
}

func TestSyncMissingFieldsMessage(t *testing.T) {
	_, svc := newService(t)
	_, err := svc.Sync(context.Background(), SyncRequest{}, "")
	want := "Missing required fields: product_code, version, commit_sha, manifest_hash, nodes, edges"
	if err == nil || err.Error() != want {
		t.Fatalf("got %v, want %q", err, want)
	}
}

func TestCurrentWithoutManifest(t *testing.T) {
	_, svc := newService(t)
	if _, err := svc.Current(context.Background()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUploadEvidenceTargetsCommitManifest(t *testing.T) {
	st, svc := newService(t)
	ctx := context.Background()
	first, _ := svc.Sync(ctx, demoSync("aaa1111"), "")
	second, _ := svc.Sync(ctx, demoSync("bbb2222"), "")

	commit := "aaa1111"
	res, err := svc.UploadEvidence(ctx, EvidenceRequest{
		ExecutionID: "run-1",
		CommitSHA:   &commit,
		Results: []TestResultInput{
			{GxpID: "TC-1", Name: "login", Status: domain.TestPassed},
			{GxpID: "TC-2", Name: "logout", Status: domain.TestFailed},
			{GxpID: "TC-3", Name: "audit", Status: domain.TestSkipped},
		},
	}, "runner")
	if err != nil {
		t.Fatalf("UploadEvidence() error: %v", err)
	}
	if res.ManifestID != first.ManifestID {
		t.Fatalf("expected evidence on %s, got %s", first.ManifestID, res.ManifestID)
	}
	if res.Summary != (domain.EvidenceSummary{Total: 3, Passed: 1, Failed: 1, Skipped: 1}) {
		t.Fatalf("unexpected summary %+v", res.Summary)
	}
	if !canonhash.ValidDigest(res.ResultsHash) {
		t.Fatalf("unexpected results hash %q", res.ResultsHash)
	}
	ev, _ := st.ListEvidence(ctx, first.ManifestID)
	if len(ev) != 1 || ev[0].ExecutedAt == nil || !ev[0].ExecutedAt.Equal(fixedNow) {
		t.Fatalf("unexpected stored evidence %+v", ev)
	}

	unknown := "fff9999"
	res, err = svc.UploadEvidence(ctx, EvidenceRequest{ExecutionID: "run-2", CommitSHA: &unknown, Results: []TestResultInput{}}, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.ManifestID != second.ManifestID {
		t.Fatalf("unknown commit should fall back to current manifest")
	}

	entries, _ := st.ListAudit(ctx, 10)
	found := false
	for _, e := range entries {
		if e.Action == domain.ActionEvidenceUpload && e.UserID == "runner" && e.Details == "Uploaded execution evidence (1 passed, 1 failed)" {
			found = true
		}
	}
	if !found {
		t.Fatalf("evidence audit missing: %+v", entries)
	}
}

func TestUploadEvidenceValidationAndNoManifest(t *testing.T) {
	_, svc := newService(t)
	ctx := context.Background()
	if _, err := svc.UploadEvidence(ctx, EvidenceRequest{Results: []TestResultInput{}}, ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	bad := EvidenceRequest{ExecutionID: "x", Results: []TestResultInput{{GxpID: "TC-1", Status: "broken"}}}
	if _, err := svc.UploadEvidence(ctx, bad, ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	ok := EvidenceRequest{ExecutionID: "x", Results: []TestResultInput{}}
	if _, err := svc.UploadEvidence(ctx, ok, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDashboard(t *testing.T) {
	_, svc := newService(t)
	ctx := context.Background()
	d, err := svc.Dashboard(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if d.HasData || d.Manifest != nil {
		t.Fatalf("expected empty dashboard, got %+v", d)
	}
	if _, err := svc.Sync(ctx, demoSync("abc1234"), ""); err != nil {
		t.Fatal(err)
	}
	d, _ = svc.Dashboard(ctx)
	if !d.HasData || d.Stats.Total != 2 || d.Stats.Pending != 2 || d.Manifest.ProductCode != "DEMO" {
		t.Fatalf("unexpected dashboard %+v", d)
	}
}

func TestListEvidence(t *testing.T) {
	_, svc := newService(t)
	ctx := context.Background()
	if _, _, err := svc.ListEvidence(ctx); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	sync, _ := svc.Sync(ctx, demoSync("abc1234"), "")
	for _, id := range []string{"run-1", "run-2"} {
		if _, err := svc.UploadEvidence(ctx, EvidenceRequest{ExecutionID: id, Results: []TestResultInput{}}, ""); err != nil {
			t.Fatal(err)
		}
	}
	mid, ev, err := svc.ListEvidence(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if mid != sync.ManifestID || len(ev) != 2 || ev[0].ExecutionID != "run-1" {
		t.Fatalf("unexpected evidence %s %+v", mid, ev)
	}
}
