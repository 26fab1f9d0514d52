// Package manifests accepts graph syncs and test evidence and serves the
// current manifest views.
package manifests

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PL-James/ROSIE/pkg/canonhash"
	"github.com/PL-James/ROSIE/pkg/domain"
	"github.com/PL-James/ROSIE/pkg/tracegraph"
	"github.com/PL-James/ROSIE/services/sor/internal/approval"
)

const DefaultActor = "ci-agent@rosie.local"

type Store interface {
	CreateManifest(ctx context.Context, m domain.Manifest, nodes []domain.Node, edges []domain.Edge) error
	GetManifestByCommit(ctx context.Context, commitSHA string) (domain.Manifest, error)
	LatestManifest(ctx context.Context, productCode string) (domain.Manifest, error)
	ListNodes(ctx context.Context, manifestID string) ([]domain.Node, error)
	ListEdges(ctx context.Context, manifestID string) ([]domain.Edge, error)
	CreateEvidence(ctx context.Context, e domain.Evidence) error
	ListEvidence(ctx context.Context, manifestID string) ([]domain.Evidence, error)
}

type Auditor interface {
	Record(ctx context.Context, action domain.AuditAction, userID, details string) (domain.AuditEntry, error)
}

type SyncNode struct {
	GxpID       string `json:"gxp_id"`
	Type        string `json:"type"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Risk        string `json:"risk,omitempty"`
}

type SyncEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type SyncRequest struct {
	ProductCode  string     `json:"product_code"`
	Version      string     `json:"version"`
	CommitSHA    string     `json:"commit_sha"`
	ManifestHash string     `json:"manifest_hash"`
	Nodes        []SyncNode `json:"nodes"`
	Edges        []SyncEdge `json:"edges"`
}

// Validate checks the request before anything is written. Nil node or edge
// lists are rejected; empty ones are fine.
func (r SyncRequest) Validate() error {
	var missing []string
	for _, f := range []struct{ name, val string }{
		{"product_code", r.ProductCode},
		{"version", r.Version},
		{"commit_sha", r.CommitSHA},
		{"manifest_hash", r.ManifestHash},
	} {
		if strings.TrimSpace(f.val) == "" {
			missing = append(missing, f.name)
		}
	}
	if r.Nodes == nil {
		missing = append(missing, "nodes")
	}
	if r.Edges == nil {
		missing = append(missing, "edges")
	}
	if len(missing) > 0 {
		return domain.Validationf("Missing required fields: %s", strings.Join(missing, ", "))
	}
	if err := tracegraph.ValidateHashFormat(r.ManifestHash); err != nil {
		return err
	}
	seen := make(map[string]bool, len(r.Nodes))
	for i, n := range r.Nodes {
		if strings.TrimSpace(n.GxpID) == "" {
			return domain.Validationf("nodes[%d]: gxp_id is required", i)
		}
		if strings.TrimSpace(n.Type) == "" {
			return domain.Validationf("nodes[%d]: type is required", i)
		}
		if seen[n.GxpID] {
			return domain.Validationf("nodes[%d]: duplicate gxp_id %s", i, n.GxpID)
		}
		seen[n.GxpID] = true
	}
	for i, e := range r.Edges {
		if e.Source == "" || e.Target == "" {
			return domain.Validationf("edges[%d]: source and target are required", i)
		}
	}
	return nil
}

type SyncResult struct {
	SyncID           string   `json:"sync_id"`
	ManifestID       string   `json:"manifest_id"`
	NodesCreated     int      `json:"nodes_created"`
	EdgesCreated     int      `json:"edges_created"`
	PendingApprovals []string `json:"pending_approvals"`
}

type TestResultInput struct {
	GxpID      string            `json:"gxp_id"`
	Name       string            `json:"name"`
	Status     domain.TestStatus `json:"status"`
	DurationMS *float64          `json:"duration_ms,omitempty"`
	Logs       []string          `json:"logs,omitempty"`
}

type EvidenceRequest struct {
	ExecutionID string            `json:"execution_id"`
	CommitSHA   *string           `json:"commit_sha,omitempty"`
	Environment *string           `json:"environment,omitempty"`
	ExecutedAt  *time.Time        `json:"executed_at,omitempty"`
	Results     []TestResultInput `json:"results"`
}

func (r EvidenceRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.ExecutionID) == "" {
		missing = append(missing, "execution_id")
	}
	if r.Results == nil {
		missing = append(missing, "results")
	}
	if len(missing) > 0 {
		return domain.Validationf("Missing required fields: %s", strings.Join(missing, ", "))
	}
	for i, res := range r.Results {
		if strings.TrimSpace(res.GxpID) == "" {
			return domain.Validationf("results[%d]: gxp_id is required", i)
		}
		if !res.Status.Valid() {
			return domain.Validationf("results[%d]: status must be passed, failed or skipped", i)
		}
	}
	return nil
}

type EvidenceResult struct {
	EvidenceID  string                 `json:"evidence_id"`
	ManifestID  string                 `json:"manifest_id"`
	ResultsHash string                 `json:"results_hash"`
	Summary     domain.EvidenceSummary `json:"summary"`
}

// Graph is a manifest with its node and edge rows.
type Graph struct {
	Manifest domain.Manifest `json:"manifest"`
	Nodes    []domain.Node   `json:"nodes"`
	Edges    []domain.Edge   `json:"edges"`
}

type DashboardStats struct {
	Total    int `json:"total"`
	Approved int `json:"approved"`
	Pending  int `json:"pending"`
	Rejected int `json:"rejected"`
}

type Dashboard struct {
	HasData  bool             `json:"has_data"`
	Stats    DashboardStats   `json:"stats"`
	Manifest *domain.Manifest `json:"manifest"`
}

type Service struct {
	Store  Store
	Audit  Auditor
	Now    func() time.Time
	Logger *slog.Logger
}

func New(st Store, audit Auditor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{Store: st, Audit: audit, Now: time.Now, Logger: logger}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func actorOr(userID string) string {
	if strings.TrimSpace(userID) == "" {
		return DefaultActor
	}
	return userID
}

// Sync stores a new manifest with fresh Pending node rows. Edges are kept by
// identifier, including ones whose target is not among the nodes.
func (s *Service) Sync(ctx context.Context, req SyncRequest, userID string) (SyncResult, error) {
	if err := req.Validate(); err != nil {
		return SyncResult{}, err
	}
	m := domain.Manifest{
		ManifestID:   "man_" + uuid.NewString(),
		ProductCode:  req.ProductCode,
		Version:      req.Version,
		CommitSHA:    req.CommitSHA,
		ManifestHash: req.ManifestHash,
		SyncedAt:     s.now().Truncate(time.Microsecond),
	}
	nodes := make([]domain.Node, 0, len(req.Nodes))
	pending := make([]string, 0, len(req.Nodes))
	for _, n := range req.Nodes {
		nodes = append(nodes, domain.Node{
			NodeID:      "node_" + uuid.NewString(),
			ManifestID:  m.ManifestID,
			GxpID:       n.GxpID,
			Type:        domain.NormalizeNodeType(n.Type),
			Title:       n.Title,
			Description: n.Description,
			Risk:        domain.Risk(n.Risk),
			Status:      domain.StatusPending,
		})
		pending = append(pending, n.GxpID)
	}
	edges := make([]domain.Edge, 0, len(req.Edges))
	for _, e := range req.Edges {
		edges = append(edges, domain.Edge{
			EdgeID:     "edge_" + uuid.NewString(),
			ManifestID: m.ManifestID,
			Source:     e.Source,
			Target:     e.Target,
		})
	}
	if err := s.Store.CreateManifest(ctx, m, nodes, edges); err != nil {
		return SyncResult{}, fmt.Errorf("manifests: create: %w", err)
	}

	actor := actorOr(userID)
	details := fmt.Sprintf("Synced %s v%s (%d nodes, %d edges)", m.ProductCode, m.Version, len(nodes), len(edges))
	if _, err := s.Audit.Record(ctx, domain.ActionManifestSync, actor, details); err != nil {
		return SyncResult{}, fmt.Errorf("manifests: audit: %w", err)
	}
	s.Logger.Info("manifest synced", "manifest_id", m.ManifestID, "product_code", m.ProductCode,
		"version", m.Version, "commit_sha", m.CommitSHA, "nodes", len(nodes), "edges", len(edges))
	return SyncResult{
		SyncID:           m.ManifestID,
		ManifestID:       m.ManifestID,
		NodesCreated:     len(nodes),
		EdgesCreated:     len(edges),
		PendingApprovals: pending,
	}, nil
}

// Current returns the most recently synced manifest with its rows.
func (s *Service) Current(ctx context.Context) (Graph, error) {
	m, err := s.Store.LatestManifest(ctx, "")
	if err != nil {
		return Graph{}, err
	}
	nodes, err := s.Store.ListNodes(ctx, m.ManifestID)
	if err != nil {
		return Graph{}, err
	}
	edges, err := s.Store.ListEdges(ctx, m.ManifestID)
	if err != nil {
		return Graph{}, err
	}
	return Graph{Manifest: m, Nodes: nodes, Edges: edges}, nil
}

// UploadEvidence attaches results to the manifest synced for req.CommitSHA,
// falling back to the current manifest when the commit is absent or unknown.
func (s *Service) UploadEvidence(ctx context.Context, req EvidenceRequest, userID string) (EvidenceResult, error) {
	if err := req.Validate(); err != nil {
		return EvidenceResult{}, err
	}
	m, err := s.targetManifest(ctx, req.CommitSHA)
	if err != nil {
		return EvidenceResult{}, err
	}

	results := make([]domain.TestResult, 0, len(req.Results))
	for _, r := range req.Results {
		results = append(results, domain.TestResult{
			GxpID:      r.GxpID,
			Name:       r.Name,
			Status:     r.Status,
			DurationMS: r.DurationMS,
			Logs:       r.Logs,
		})
	}
	hash, _, err := canonhash.SumObject(results)
	if err != nil {
		return EvidenceResult{}, err
	}
	now := s.now().Truncate(time.Microsecond)
	executedAt := now
	if req.ExecutedAt != nil {
		executedAt = req.ExecutedAt.UTC().Truncate(time.Microsecond)
	}
	ev := domain.Evidence{
		EvidenceID:  "evd_" + uuid.NewString(),
		ManifestID:  m.ManifestID,
		ExecutionID: req.ExecutionID,
		CommitSHA:   req.CommitSHA,
		Environment: req.Environment,
		ExecutedAt:  &executedAt,
		Results:     results,
		ResultsHash: hash,
		CreatedAt:   now,
	}
	if err := s.Store.CreateEvidence(ctx, ev); err != nil {
		return EvidenceResult{}, fmt.Errorf("manifests: evidence: %w", err)
	}

	sum := ev.Summary()
	details := fmt.Sprintf("Uploaded execution evidence (%d passed, %d failed)", sum.Passed, sum.Failed)
	if _, err := s.Audit.Record(ctx, domain.ActionEvidenceUpload, actorOr(userID), details); err != nil {
		return EvidenceResult{}, fmt.Errorf("manifests: audit: %w", err)
	}
	return EvidenceResult{EvidenceID: ev.EvidenceID, ManifestID: m.ManifestID, ResultsHash: hash, Summary: sum}, nil
}

func (s *Service) targetManifest(ctx context.Context, commitSHA *string) (domain.Manifest, error) {
	if commitSHA != nil && *commitSHA != "" {
		m, err := s.Store.GetManifestByCommit(ctx, *commitSHA)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Manifest{}, err
		}
	}
	m, err := s.Store.LatestManifest(ctx, "")
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Manifest{}, domain.NotFoundf("No manifest found. Please sync a manifest first.")
	}
	return m, err
}

// ListEvidence returns the current manifest id with its uploads, oldest first.
func (s *Service) ListEvidence(ctx context.Context) (string, []domain.Evidence, error) {
	m, err := s.Store.LatestManifest(ctx, "")
	if err != nil {
		return "", nil, err
	}
	ev, err := s.Store.ListEvidence(ctx, m.ManifestID)
	if err != nil {
		return "", nil, err
	}
	return m.ManifestID, ev, nil
}

func (s *Service) Dashboard(ctx context.Context) (Dashboard, error) {
	m, err := s.Store.LatestManifest(ctx, "")
	if errors.Is(err, domain.ErrNotFound) {
		return Dashboard{}, nil
	}
	if err != nil {
		return Dashboard{}, err
	}
	nodes, err := s.Store.ListNodes(ctx, m.ManifestID)
	if err != nil {
		return Dashboard{}, err
	}
	st := approval.Summarize(nodes)
	return Dashboard{
		HasData:  true,
		Stats:    DashboardStats{Total: st.Total, Approved: st.Approved, Pending: st.Pending, Rejected: st.Rejected},
		Manifest: &m,
	}, nil
}
