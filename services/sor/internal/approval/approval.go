// Package approval moves persisted nodes between Pending, Approved and
// Rejected and records every transition in the audit trail.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PL-James/ROSIE/pkg/domain"
)

var (
	ErrAlreadyApproved = domain.NewError(domain.ErrConflict, "Node is already approved")
	ErrMissingReason   = domain.NewError(domain.ErrValidation, "Reason is required for rejection")
)

type Store interface {
	GetNode(ctx context.Context, nodeID string) (domain.Node, error)
	ListNodes(ctx context.Context, manifestID string) ([]domain.Node, error)
	UpdateNodeStatus(ctx context.Context, nodeID string, status domain.NodeStatus, actor string, at time.Time) (domain.Node, error)
}

type Auditor interface {
	Record(ctx context.Context, action domain.AuditAction, userID, details string) (domain.AuditEntry, error)
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

// Approve marks a node Approved. An approved node cannot be approved again;
// rejected nodes may be.
func (s *Service) Approve(ctx context.Context, nodeID, approverID, comment string) (domain.Node, error) {
	n, err := s.Store.GetNode(ctx, nodeID)
	if err != nil {
		return domain.Node{}, err
	}
	if n.Status == domain.StatusApproved {
		return domain.Node{}, ErrAlreadyApproved
	}
	updated, err := s.Store.UpdateNodeStatus(ctx, n.NodeID, domain.StatusApproved, approverID, s.now())
	if err != nil {
		return domain.Node{}, err
	}
	details := "Approved " + n.GxpID
	if c := strings.TrimSpace(comment); c != "" {
		details += ": " + c
	}
	if _, err := s.Audit.Record(ctx, domain.ActionApproval, approverID, details); err != nil {
		return updated, fmt.Errorf("approval: audit: %w", err)
	}
	return updated, nil
}

// Reject marks a node Rejected from any state. The rejector is stored in the
// approval fields.
func (s *Service) Reject(ctx context.Context, nodeID, rejectorID, reason string) (domain.Node, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Node{}, ErrMissingReason
	}
	n, err := s.Store.GetNode(ctx, nodeID)
	if err != nil {
		return domain.Node{}, err
	}
	updated, err := s.Store.UpdateNodeStatus(ctx, n.NodeID, domain.StatusRejected, rejectorID, s.now())
	if err != nil {
		return domain.Node{}, err
	}
	if _, err := s.Audit.Record(ctx, domain.ActionRejection, rejectorID, fmt.Sprintf("Rejected %s: %s", n.GxpID, reason)); err != nil {
		return updated, fmt.Errorf("approval: audit: %w", err)
	}
	return updated, nil
}

// ApproveAll approves every Pending node of a manifest. Failures on single
// nodes are logged and skipped.
func (s *Service) ApproveAll(ctx context.Context, manifestID, approverID string) (int, []domain.Node, error) {
	nodes, err := s.Store.ListNodes(ctx, manifestID)
	if err != nil {
		return 0, nil, err
	}
	approved := []domain.Node{}
	for _, n := range nodes {
		if n.Status != domain.StatusPending {
			continue
		}
		u, err := s.Approve(ctx, n.NodeID, approverID, "")
		if err != nil {
			s.Logger.Warn("approve-all: skipping node", "node_id", n.NodeID, "gxp_id", n.GxpID, "err", err)
			continue
		}
		approved = append(approved, u)
	}
	return len(approved), approved, nil
}

type Status struct {
	Total           int           `json:"total"`
	Approved        int           `json:"approved"`
	Pending         int           `json:"pending"`
	Rejected        int           `json:"rejected"`
	PendingNodes    []domain.Node `json:"pending_nodes"`
	IsFullyApproved bool          `json:"is_fully_approved"`
}

func (s *Service) Status(ctx context.Context, manifestID string) (Status, error) {
	nodes, err := s.Store.ListNodes(ctx, manifestID)
	if err != nil {
		return Status{}, err
	}
	return Summarize(nodes), nil
}

// Summarize counts nodes by status. An empty set is never fully approved.
func Summarize(nodes []domain.Node) Status {
	st := Status{Total: len(nodes), PendingNodes: []domain.Node{}}
	for _, n := range nodes {
		switch n.Status {
		case domain.StatusApproved:
			st.Approved++
		case domain.StatusRejected:
			st.Rejected++
		default:
			st.Pending++
			st.PendingNodes = append(st.PendingNodes, n)
		}
	}
	st.IsFullyApproved = st.Total > 0 && st.Pending == 0 && st.Rejected == 0
	return st
}
