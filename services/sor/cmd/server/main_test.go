package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PL-James/ROSIE/services/sor/internal/config"
	"github.com/PL-James/ROSIE/services/sor/internal/store"
)

const testHash = "sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func newTestServer(t *testing.T, demo bool) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Demo.Enabled = demo
	a, err := newApp(cfg, store.NewMemory(), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(newRouter(a))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("content-type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func syncBody() map[string]any {
	return map[string]any{
		"product_code":  "DEMO",
		"version":       "1.0.0",
		"commit_sha":    "abc1234def",
		"manifest_hash": testHash,
		"nodes":         []map[string]any{{"gxp_id": "URS-1", "type": "URS", "title": "Login"}},
		"edges":         []map[string]any{},
	}
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, false)
	status, body := doJSON(t, "GET", srv.URL+"/health", nil, nil)
	if status != 200 || body["status"] != "healthy" || body["service"] != "rosie-sor" {
		t.Fatalf("unexpected health %d %v", status, body)
	}
}

func TestApprovalToReleaseFlow(t *testing.T) {
	srv := newTestServer(t, false)

	status, body := doJSON(t, "GET", srv.URL+"/v1/sync/current", nil, nil)
	if status != 404 || errCode(body) != "NOT_FOUND" {
		t.Fatalf("expected 404 before sync, got %d %v", status, body)
	}

	status, body = doJSON(t, "POST", srv.URL+"/v1/sync/manifest", syncBody(), map[string]string{"X-User-Id": "ci"})
	if status != 201 || body["success"] != true || body["nodes_created"] != float64(1) {
		t.Fatalf("unexpected sync response %d %v", status, body)
	}

	status, body = doJSON(t, "GET", srv.URL+"/v1/release/readiness/abc1234def", nil, nil)
	if status != 200 || body["is_ready"] != false {
		t.Fatalf("expected blocked release, got %d %v", status, body)
	}

	status, body = doJSON(t, "POST", srv.URL+"/v1/nodes/URS-1/approve", nil, map[string]string{"X-User-Id": "lead@example.com"})
	if status != 200 || body["message"] != "Node approved successfully" {
		t.Fatalf("unexpected approve response %d %v", status, body)
	}
	node := body["node"].(map[string]any)
	if node["status"] != "Approved" || node["approved_by"] != "lead@example.com" {
		t.Fatalf("unexpected node %v", node)
	}

	status, body = doJSON(t, "POST", srv.URL+"/v1/nodes/URS-1/approve", map[string]any{"approved_by": "qa"}, nil)
	if status != 409 || errCode(body) != "CONFLICT" {
		t.Fatalf("expected 409 on re-approval, got %d %v", status, body)
	}

	status, body = doJSON(t, "GET", srv.URL+"/v1/release/readiness/abc1234def?expected_hash="+testHash, nil, nil)
	if status != 200 || body["is_ready"] != true {
		t.Fatalf("expected ready release, got %d %v", status, body)
	}
	token, _ := body["rrt"].(map[string]any)
	if tok, _ := token["token"].(string); strings.Count(tok, ".") != 2 {
		t.Fatalf("unexpected token %v", token)
	}

	status, body = doJSON(t, "GET", srv.URL+"/v1/audit?limit=2", nil, nil)
	if status != 200 || body["count"] != float64(2) {
		t.Fatalf("unexpected audit response %d %v", status, body)
	}
	first := body["entries"].([]any)[0].(map[string]any)
	if first["action"] != "RRT_ISSUED" {
		t.Fatalf("expected newest entry to be RRT_ISSUED, got %v", first)
	}
}

func TestSyncRejectsBadPayloads(t *testing.T) {
	srv := newTestServer(t, false)

	status, body := doJSON(t, "POST", srv.URL+"/v1/sync/manifest", `{"product_code":"DEMO","extra":1}`, nil)
	if status != 400 || errCode(body) != "BAD_JSON" {
		t.Fatalf("expected BAD_JSON, got %d %v", status, body)
	}

	b := syncBody()
	delete(b, "edges")
	status, body = doJSON(t, "POST", srv.URL+"/v1/sync/manifest", b, nil)
	if status != 400 || errCode(body) != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %d %v", status, body)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	srv := newTestServer(t, false)
	status, body := doJSON(t, "POST", srv.URL+"/v1/nodes/nope/reject", map[string]any{}, nil)
	if status != 400 || errCode(body) != "VALIDATION_ERROR" {
		t.Fatalf("expected 400, got %d %v", status, body)
	}
	status, body = doJSON(t, "POST", srv.URL+"/v1/nodes/nope/reject", map[string]any{"reason": "bad"}, nil)
	if status != 404 {
		t.Fatalf("expected 404, got %d %v", status, body)
	}
}

func TestReadinessShortSHA(t *testing.T) {
	srv := newTestServer(t, false)
	status, _ := doJSON(t, "GET", srv.URL+"/v1/release/readiness/abc", nil, nil)
	if status != 400 {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestEvidenceBlocksRelease(t *testing.T) {
	srv := newTestServer(t, false)
	doJSON(t, "POST", srv.URL+"/v1/sync/manifest", syncBody(), nil)
	status, body := doJSON(t, "POST", srv.URL+"/v1/demo/approve-all", nil, nil)
	if status != 200 || body["approved"] != float64(1) {
		t.Fatalf("unexpected approve-all %d %v", status, body)
	}

	status, body = doJSON(t, "POST", srv.URL+"/v1/evidence/upload", map[string]any{
		"execution_id": "run-1",
		"results":      []map[string]any{{"gxp_id": "TC-1", "name": "login", "status": "failed"}},
	}, nil)
	if status != 201 {
		t.Fatalf("unexpected upload %d %v", status, body)
	}
	summary := body["summary"].(map[string]any)
	if summary["failed"] != float64(1) {
		t.Fatalf("unexpected summary %v", summary)
	}

	_, body = doJSON(t, "GET", srv.URL+"/v1/release/readiness/abc1234def", nil, nil)
	issues := body["blocking_issues"].([]any)
	if body["is_ready"] != false || len(issues) != 1 || issues[0] != "Test failed: TC-1" {
		t.Fatalf("expected failed test to block, got %v", body)
	}
}

func TestResetOnlyWhenDemoEnabled(t *testing.T) {
	off := newTestServer(t, false)
	if status, _ := doJSON(t, "POST", off.URL+"/v1/demo/reset", nil, nil); status != 404 {
		t.Fatalf("expected reset to be unavailable, got %d", status)
	}

	on := newTestServer(t, true)
	doJSON(t, "POST", on.URL+"/v1/sync/manifest", syncBody(), nil)
	status, body := doJSON(t, "POST", on.URL+"/v1/demo/reset", nil, nil)
	if status != 200 || body["message"] != "Database reset successfully" {
		t.Fatalf("unexpected reset %d %v", status, body)
	}
	_, body = doJSON(t, "GET", on.URL+"/v1/dashboard", nil, nil)
	if body["has_data"] != false {
		t.Fatalf("expected empty dashboard after reset, got %v", body)
	}
}

func TestApprovalStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, false)
	doJSON(t, "POST", srv.URL+"/v1/sync/manifest", syncBody(), nil)
	status, body := doJSON(t, "GET", srv.URL+"/v1/nodes/status/approvals", nil, nil)
	if status != 200 || body["total"] != float64(1) || body["pending"] != float64(1) || body["is_fully_approved"] != false {
		t.Fatalf("unexpected status %d %v", status, body)
	}
	if _, ok := body["manifest_id"].(string); !ok {
		t.Fatalf("missing manifest_id in %v", body)
	}
}

func TestEvidenceFractionalDuration(t *testing.T) {
	srv := newTestServer(t, false)
	b := syncBody()
	b["nodes"] = []map[string]any{}
	if status, body := doJSON(t, "POST", srv.URL+"/v1/sync/manifest", b, nil); status != 201 {
		t.Fatalf("unexpected sync %d %v", status, body)
	}

	status, body := doJSON(t, "POST", srv.URL+"/v1/evidence/upload",
		`{"execution_id":"run-1","results":[{"gxp_id":"TC-1","name":"t","status":"passed","duration_ms":12.5}]}`, nil)
	if status != 201 {
		t.Fatalf("expected 201, got %d %v", status, body)
	}

	_, body = doJSON(t, "GET", srv.URL+"/v1/evidence", nil, nil)
	ev := body["evidence"].([]any)
	results := ev[0].(map[string]any)["results"].([]any)
	if d := results[0].(map[string]any)["duration_ms"]; d != 12.5 {
		t.Fatalf("expected stored duration 12.5, got %v", d)
	}
}
