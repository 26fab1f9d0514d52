package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PL-James/ROSIE/pkg/domain"
	"github.com/PL-James/ROSIE/services/sor/internal/audit"
	"github.com/PL-James/ROSIE/services/sor/internal/store"
)

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T, gxpIDs ...string) (*store.Memory, *Service) {
	t.Helper()
	st := store.NewMemory()
	m := domain.Manifest{ManifestID: "man_1", ProductCode: "DEMO", Version: "1.0.0", CommitSHA: "abc1234", ManifestHash: "sha256:x", SyncedAt: fixedNow}
	var nodes []domain.Node
	for _, id := range gxpIDs {
		nodes = append(nodes, domain.Node{NodeID: "node_" + id, ManifestID: "man_1", GxpID: id, Type: domain.TypeURS, Status: domain.StatusPending})
	}
	if err := st.CreateManifest(context.Background(), m, nodes, nil); err != nil {
		t.Fatalf("CreateManifest: %v", err)
	}
	lg := audit.New(st, nil)
	lg.Now = func() time.Time { return fixedNow }
	svc := New(st, lg, nil)
	svc.Now = func() time.Time { return fixedNow }
	return st, svc
}

func TestApproveRecordsApproverAndAudit(t *testing.T) {
	st, svc := seed(t, "URS-1")
	ctx := context.Background()

	n, err := svc.Approve(ctx, "node_URS-1", "qa@example.com", "looks good")
	if err != nil {
		t.Fatalf("Approve() error: %v", err)
	}
	if n.Status != domain.StatusApproved || n.ApprovedBy == nil || *n.ApprovedBy != "qa@example.com" {
		t.Fatalf("unexpected node %+v", n)
	}
	if n.ApprovedAt == nil || !n.ApprovedAt.Equal(fixedNow) {
		t.Fatalf("unexpected approved_at %v", n.ApprovedAt)
	}
	entries, _ := st.ListAudit(ctx, 10)
	if len(entries) != 1 || entries[0].Action != domain.ActionApproval || entries[0].Details != "Approved URS-1: looks good" {
		t.Fatalf("unexpected audit %+v", entries)
	}
}

func TestApproveTwiceFails(t *testing.T) {
	_, svc := seed(t, "URS-1")
	ctx := context.Background()
	if _, err := svc.Approve(ctx, "node_URS-1", "qa", ""); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Approve(ctx, "node_URS-1", "qa", "")
	if !errors.Is(err, ErrAlreadyApproved) || !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrAlreadyApproved, got %v", err)
	}
}

func TestApproveUnknownNode(t *testing.T) {
	_, svc := seed(t)
	if _, err := svc.Approve(context.Background(), "node_nope", "qa", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRejectAllowedFromAnyState(t *testing.T) {
	st, svc := seed(t, "FRS-1")
	ctx := context.Background()
	if _, err := svc.Approve(ctx, "node_FRS-1", "qa", ""); err != nil {
		t.Fatal(err)
	}
	n, err := svc.Reject(ctx, "node_FRS-1", "auditor", "  wrong scope ")
	if err != nil {
		t.Fatalf("Reject() error: %v", err)
	}
	if n.Status != domain.StatusRejected || *n.ApprovedBy != "auditor" {
		t.Fatalf("unexpected node %+v", n)
	}
	if _, err := svc.Reject(ctx, "node_FRS-1", "auditor", "still wrong"); err != nil {
		t.Fatalf("re-rejection should be allowed: %v", err)
	}
	// Rejected nodes can be approved again.
	if _, err := svc.Approve(ctx, "node_FRS-1", "qa", ""); err != nil {
		t.Fatalf("approve after reject: %v", err)
	}
	entries, _ := st.ListAudit(ctx, 10)
	if len(entries) != 4 {
		t.Fatalf("expected 4 audit entries, got %d", len(entries))
	}
	found := false
	for _, e := range entries {
		if e.Action == domain.ActionRejection && e.Details == "Rejected FRS-1: wrong scope" {
			found = true
		}
	}
	if !found {
		t.Fatalf("rejection audit missing: %+v", entries)
	}
}

func TestRejectRequiresReasonBeforeLookup(t *testing.T) {
	_, svc := seed(t)
	_, err := svc.Reject(context.Background(), "node_nope", "qa", "   ")
	if !errors.Is(err, ErrMissingReason) || !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrMissingReason, got %v", err)
	}
}

func TestApproveAllSkipsNonPending(t *testing.T) {
	_, svc := seed(t, "URS-1", "URS-2", "TC-1")
	ctx := context.Background()
	if _, err := svc.Reject(ctx, "node_URS-2", "qa", "no"); err != nil {
		t.Fatal(err)
	}
	count, nodes, err := svc.ApproveAll(ctx, "man_1", "lead")
	if err != nil {
		t.Fatalf("ApproveAll() error: %v", err)
	}
	if count != 2 || len(nodes) != 2 || nodes[0].GxpID != "URS-1" || nodes[1].GxpID != "TC-1" {
		t.Fatalf("unexpected result %d %+v", count, nodes)
	}
	st, err := svc.Status(ctx, "man_1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 3 || st.Approved != 2 || st.Rejected != 1 || st.Pending != 0 || st.IsFullyApproved {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestStatusEmptyIsNotFullyApproved(t *testing.T) {
	_, svc := seed(t)
	st, err := svc.Status(context.Background(), "man_1")
	if err != nil {
		t.Fatal(err)
	}
	if st.IsFullyApproved || st.Total != 0 || st.PendingNodes == nil {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestStatusFullyApproved(t *testing.T) {
	_, svc := seed(t, "URS-1", "DS-1")
	ctx := context.Background()
	before, _ := svc.Status(ctx, "man_1")
	if before.Pending != 2 || len(before.PendingNodes) != 2 {
		t.Fatalf("unexpected status %+v", before)
	}
	if _, _, err := svc.ApproveAll(ctx, "man_1", "qa"); err != nil {
		t.Fatal(err)
	}
	after, _ := svc.Status(ctx, "man_1")
	if !after.IsFullyApproved {
		t.Fatalf("expected fully approved, got %+v", after)
	}
}
