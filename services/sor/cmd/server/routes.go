package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/PL-James/ROSIE/pkg/domain"
	"github.com/PL-James/ROSIE/pkg/httpx"
	"github.com/PL-James/ROSIE/pkg/tracegraph"
	"github.com/PL-James/ROSIE/services/sor/internal/approval"
	"github.com/PL-James/ROSIE/services/sor/internal/manifests"
	"github.com/PL-James/ROSIE/services/sor/internal/readiness"
)

const (
	defaultApprover = "qa@example.com"
	minSHALength    = 6
)

func newRouter(a *app) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(a.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]any{
			"status":    "healthy",
			"service":   serviceName,
			"version":   serviceVersion,
			"timestamp": a.now().UTC().Format(time.RFC3339Nano),
		})
	})

	r.Route("/v1", func(api chi.Router) {
		api.Get("/dashboard", func(w http.ResponseWriter, r *http.Request) {
			d, err := a.manifests.Dashboard(r.Context())
			if err != nil {
				httpx.WriteDomainError(w, a.logger, err)
				return
			}
			httpx.WriteJSON(w, 200, d)
		})

		api.Post("/sync/manifest", func(w http.ResponseWriter, r *http.Request) {
			var req manifests.SyncRequest
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			res, err := a.manifests.Sync(r.Context(), req, r.Header.Get("X-User-Id"))
			if err != nil {
				httpx.WriteDomainError(w, a.logger, err)
				return
			}
			httpx.WriteJSON(w, 201, struct {
				Success bool `json:"success"`
				manifests.SyncResult
			}{true, res})
		})

		api.Get("/sync/current", func(w http.ResponseWriter, r *http.Request) {
			g, err := a.manifests.Current(r.Context())
			if err != nil {
				httpx.WriteDomainError(w, a.logger, err)
				return
			}
			httpx.WriteJSON(w, 200, g)
		})

		api.Get("/release/readiness/{sha}", func(w http.ResponseWriter, r *http.Request) {
			sha := strings.TrimSpace(chi.URLParam(r, "sha"))
			if len(sha) < minSHALength {
				httpx.WriteError(w, 400, "VALIDATION_ERROR", "Invalid commit SHA", "SHA must be at least 6 characters")
				return
			}
			expected := strings.TrimSpace(r.URL.Query().Get("expected_hash"))
			if expected != "" {
				if err := tracegraph.ValidateHashFormat(expected); err != nil {
					httpx.WriteDomainError(w, a.logger, err)
					return
				}
			}
			res, err := a.gate.Check(r.Context(), sha, readiness.CheckOptions{ExpectedHash: expected})
			if err != nil {
				httpx.WriteDomainError(w, a.logger, err)
				return
			}
			httpx.WriteJSON(w, 200, res)
		})

		api.Post("/evidence/upload", func(w http.ResponseWriter, r *http.Request) {
			var req manifests.EvidenceRequest
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			res, err := a.manifests.UploadEvidence(r.Context(), req, r.Header.Get("X-User-Id"))
			if err != nil {
				httpx.WriteDomainError(w, a.logger, err)
				return
			}
			httpx.WriteJSON(w, 201, struct {
				Success bool `json:"success"`
				manifests.EvidenceResult
			}{true, res})
		})

		api.Get("/evidence", func(w http.ResponseWriter, r *http.Request) {
			manifestID, ev, err := a.manifests.ListEvidence(r.Context())
			if err != nil {
				httpx.WriteDomainError(w, a.logger, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"manifest_id": manifestID, "evidence": ev})
		})

		api.Get("/nodes", func(w http.ResponseWriter, r *http.Request) {
			g, err := a.manifests.Current(r.Context())
			if err != nil {
				httpx.WriteDomainError(w, a.logger, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"manifest_id":  g.Manifest.ManifestID,
				"product_code": g.Manifest.ProductCode,
				"version":      g.Manifest.Version,
				"nodes":        g.Nodes,
				"edges":        g.Edges,
			})
		})

		api.Get("/nodes/status/approvals", func(w http.ResponseWriter, r *http.Request) {
			m, err := a.store.LatestManifest(r.Context(), "")
			if err != nil {
				httpx.WriteDomainError(w, a.logger, err)
				return
			}
			st, err := a.approvals.Status(r.Context(), m.ManifestID)
			if err != nil {
				httpx.WriteDomainError(w, a.logger, err)
				return
			}
			httpx.WriteJSON(w, 200, struct {
				ManifestID string `json:"manifest_id"`
				approval.Status
			}{m.ManifestID, st})
		})

		api.Get("/nodes/{id}", func(w http.ResponseWriter, r *http.Request) {
			n, err := a.resolveNode(r, chi.URLParam(r, "id"))
			if err != nil {
				httpx.WriteDomainError(w, a.logger, err)
				return
			}
			httpx.WriteJSON(w, 200, n)
		})

		api.Post("/nodes/{id}/approve", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ApprovedBy string `json:"approved_by"`
				Comment    string `json:"comment"`
			}
			if err := httpx.ReadOptionalJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			n, err := a.resolveNode(r, chi.URLParam(r, "id"))
			if err != nil {
				httpx.WriteDomainError(w, a.logger, err)
				return
			}
			updated, err := a.approvals.Approve(r.Context(), n.NodeID, actingUser(r, req.ApprovedBy, defaultApprover), req.Comment)
			if err != nil {
				httpx.WriteDomainError(w, a.logger, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"success": true, "node": updated, "message": "Node approved successfully"})
		})

		api.Post("/nodes/{id}/reject", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Reason     string `json:"reason"`
				RejectedBy string `json:"rejected_by"`
			}
			if err := httpx.ReadOptionalJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if strings.TrimSpace(req.Reason) == "" {
				httpx.WriteDomainError(w, a.logger, approval.ErrMissingReason)
				return
			}
			n, err := a.resolveNode(r, chi.URLParam(r, "id"))
			if err != nil {
				httpx.WriteDomainError(w, a.logger, err)
				return
			}
			updated, err := a.approvals.Reject(r.Context(), n.NodeID, actingUser(r, req.RejectedBy, defaultApprover), req.Reason)
			if err != nil {
				httpx.WriteDomainError(w, a.logger, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"success": true, "node": updated, "message": "Node rejected"})
		})

		api.Get("/audit", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			entries, err := a.audit.Recent(r.Context(), limit)
			if err != nil {
				httpx.WriteDomainError(w, a.logger, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"entries": entries, "count": len(entries)})
		})

		api.Post("/demo/approve-all", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ApprovedBy string `json:"approved_by"`
			}
			if err := httpx.ReadOptionalJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			m, err := a.store.LatestManifest(r.Context(), "")
			if err != nil {
				httpx.WriteDomainError(w, a.logger, err)
				return
			}
			count, nodes, err := a.approvals.ApproveAll(r.Context(), m.ManifestID, actingUser(r, req.ApprovedBy, defaultApprover))
			if err != nil {
				httpx.WriteDomainError(w, a.logger, err)
				return
			}
			ids := make([]string, 0, len(nodes))
			for _, n := range nodes {
				ids = append(ids, n.GxpID)
			}
			httpx.WriteJSON(w, 200, map[string]any{"success": true, "approved": count, "nodes": ids})
		})

		if a.demo {
			api.Post("/demo/reset", func(w http.ResponseWriter, r *http.Request) {
				if err := a.store.Reset(r.Context()); err != nil {
					httpx.WriteDomainError(w, a.logger, err)
					return
				}
				a.logger.Warn("record store reset", "request_id", middleware.GetReqID(r.Context()))
				httpx.WriteJSON(w, 200, map[string]any{"success": true, "message": "Database reset successfully"})
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, 404, "NOT_FOUND", "Not found", nil)
	})
	return r
}

// resolveNode accepts a node row id or a gxp_id of the current manifest.
func (a *app) resolveNode(r *http.Request, id string) (domain.Node, error) {
	n, err := a.store.GetNode(r.Context(), id)
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		return n, err
	}
	m, merr := a.store.LatestManifest(r.Context(), "")
	if merr != nil {
		if errors.Is(merr, domain.ErrNotFound) {
			return domain.Node{}, domain.NotFoundf("Node not found")
		}
		return domain.Node{}, merr
	}
	n, err = a.store.GetNodeByGxpID(r.Context(), m.ManifestID, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Node{}, domain.NotFoundf("Node not found")
	}
	return n, err
}

// actingUser prefers the body field, then the X-User-Id header.
func actingUser(r *http.Request, fromBody, fallback string) string {
	if v := strings.TrimSpace(fromBody); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get("X-User-Id")); v != "" {
		return v
	}
	return fallback
}
