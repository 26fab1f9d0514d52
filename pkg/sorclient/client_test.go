package sorclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/PL-James/ROSIE/pkg/domain"
)

func TestClientSyncReadinessEvidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		if r.Header.Get("X-User-Id") != "ci@example.com" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sync/manifest":
			var in SyncRequest
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ProductCode != "DEMO" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": true, "sync_id": "man_1", "manifest_id": "man_1",
				"nodes_created": len(in.Nodes), "edges_created": len(in.Edges),
				"pending_approvals": []string{"URS-1"},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/release/readiness/abc1234":
			if r.URL.Query().Get("expected_hash") != "sha256:x" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"is_ready": false, "commit_sha": "abc1234",
				"conditions":      []map[string]any{{"name": "All requirements approved", "passed": false, "details": "0/1 approved"}},
				"blocking_issues": []string{"Missing approvals: URS-1"},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/evidence/upload":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": true, "evidence_id": "evd_1", "manifest_id": "man_1",
				"summary": map[string]any{"total": 1, "passed": 1},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/sync/current":
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"request_id": "req_1",
				"error":      map[string]any{"code": "NOT_FOUND", "message": "No manifest found"},
			})
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "ci@example.com")
	ctx := context.Background()

	res, err := c.Sync(ctx, SyncRequest{
		ProductCode: "DEMO", Version: "1.0.0", CommitSHA: "abc1234", ManifestHash: "sha256:x",
		Nodes: []SyncNode{{GxpID: "URS-1", Type: "URS"}}, Edges: []SyncEdge{},
	})
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if res.ManifestID != "man_1" || res.NodesCreated != 1 {
		t.Fatalf("unexpected sync response %+v", res)
	}

	rd, err := c.Readiness(ctx, "abc1234", "sha256:x")
	if err != nil {
		t.Fatalf("Readiness() error: %v", err)
	}
	if rd.IsReady || len(rd.BlockingIssues) != 1 || rd.RRT != nil {
		t.Fatalf("unexpected readiness %+v", rd)
	}

	ev, err := c.UploadEvidence(ctx, EvidenceRequest{
		ExecutionID: "run-1",
		Results:     []domain.TestResult{{GxpID: "TC-1", Name: "login", Status: domain.TestPassed}},
	})
	if err != nil {
		t.Fatalf("UploadEvidence() error: %v", err)
	}
	if ev.Summary.Passed != 1 {
		t.Fatalf("unexpected evidence response %+v", ev)
	}

	_, err = c.Current(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 || apiErr.Code != "NOT_FOUND" || apiErr.Message != "No manifest found" {
		t.Fatalf("expected decoded APIError, got %v", err)
	}
}

func TestNewDefaultsBaseURL(t *testing.T) {
	if c := New("", ""); c.BaseURL != DefaultBaseURL {
		t.Fatalf("unexpected base url %q", c.BaseURL)
	}
}
