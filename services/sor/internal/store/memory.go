package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/PL-James/ROSIE/pkg/domain"
)

// Memory keeps records in process. A single mutex serializes every call.
type Memory struct {
	mu        sync.Mutex
	manifests []domain.Manifest
	nodes     []domain.Node
	edges     []domain.Edge
	evidence  []domain.Evidence
	audit     []domain.AuditEntry
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) CreateManifest(_ context.Context, man domain.Manifest, nodes []domain.Node, edges []domain.Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.manifests {
		if existing.ManifestID == man.ManifestID {
			return domain.NewError(domain.ErrConflict, "manifest "+man.ManifestID+" exists")
		}
	}
	m.manifests = append(m.manifests, man)
	for _, n := range nodes {
		m.nodes = append(m.nodes, cloneNode(n))
	}
	m.edges = append(m.edges, edges...)
	return nil
}

func (m *Memory) GetManifest(_ context.Context, manifestID string) (domain.Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, man := range m.manifests {
		if man.ManifestID == manifestID {
			return man, nil
		}
	}
	return domain.Manifest{}, notFound("manifest", manifestID)
}

func (m *Memory) GetManifestByCommit(_ context.Context, commitSHA string) (domain.Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.manifests) - 1; i >= 0; i-- {
		if m.manifests[i].CommitSHA == commitSHA {
			return m.manifests[i], nil
		}
	}
	return domain.Manifest{}, notFound("manifest for commit", commitSHA)
}

func (m *Memory) LatestManifest(_ context.Context, productCode string) (domain.Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.manifests) - 1; i >= 0; i-- {
		if productCode == "" || m.manifests[i].ProductCode == productCode {
			return m.manifests[i], nil
		}
	}
	return domain.Manifest{}, domain.NotFoundf("No manifest found")
}

func (m *Memory) ListNodes(_ context.Context, manifestID string) ([]domain.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Node{}
	for _, n := range m.nodes {
		if n.ManifestID == manifestID {
			out = append(out, cloneNode(n))
		}
	}
	return out, nil
}

func (m *Memory) GetNode(_ context.Context, nodeID string) (domain.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes {
		if n.NodeID == nodeID {
			return cloneNode(n), nil
		}
	}
	return domain.Node{}, notFound("node", nodeID)
}

func (m *Memory) GetNodeByGxpID(_ context.Context, manifestID, gxpID string) (domain.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nodes {
		if n.ManifestID == manifestID && n.GxpID == gxpID {
			return cloneNode(n), nil
		}
	}
	return domain.Node{}, notFound("node", gxpID)
}

func (m *Memory) UpdateNodeStatus(_ context.Context, nodeID string, status domain.NodeStatus, actor string, at time.Time) (domain.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.nodes {
		if m.nodes[i].NodeID != nodeID {
			continue
		}
		at = at.UTC()
		m.nodes[i].Status = status
		m.nodes[i].ApprovedBy = &actor
		m.nodes[i].ApprovedAt = &at
		return cloneNode(m.nodes[i]), nil
	}
	return domain.Node{}, notFound("node", nodeID)
}

func (m *Memory) ListEdges(_ context.Context, manifestID string) ([]domain.Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Edge{}
	for _, e := range m.edges {
		if e.ManifestID == manifestID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) CreateEvidence(_ context.Context, e domain.Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Results = slices.Clone(e.Results)
	m.evidence = append(m.evidence, e)
	return nil
}

func (m *Memory) ListEvidence(_ context.Context, manifestID string) ([]domain.Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Evidence{}
	for _, e := range m.evidence {
		if e.ManifestID == manifestID {
			e.Results = slices.Clone(e.Results)
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, e domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, limit int) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.audit)
	// Newest append first. Timestamps are not consulted; a clock step must
	// not reorder the log.
	slices.Reverse(out)
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []domain.AuditEntry{}
	}
	return out, nil
}

func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifests, m.nodes, m.edges, m.evidence, m.audit = nil, nil, nil, nil, nil
	return nil
}

func (m *Memory) Close() error { return nil }

func cloneNode(n domain.Node) domain.Node {
	if n.ApprovedBy != nil {
		v := *n.ApprovedBy
		n.ApprovedBy = &v
	}
	if n.ApprovedAt != nil {
		v := *n.ApprovedAt
		n.ApprovedAt = &v
	}
	return n
}
