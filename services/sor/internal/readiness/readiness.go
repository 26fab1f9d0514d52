// Package readiness decides whether a commit may be released and issues the
// release readiness token when it may.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PL-James/ROSIE/pkg/domain"
	"github.com/PL-James/ROSIE/pkg/rrt"
	"github.com/PL-James/ROSIE/services/sor/internal/approval"
)

const (
	CondManifestSynced = "Manifest synced"
	CondApproved       = "All requirements approved"
	CondHashMatches    = "Manifest hash matches"
	CondTestsPassed    = "All tests passed"
)

type Store interface {
	GetManifestByCommit(ctx context.Context, commitSHA string) (domain.Manifest, error)
	ListNodes(ctx context.Context, manifestID string) ([]domain.Node, error)
	ListEvidence(ctx context.Context, manifestID string) ([]domain.Evidence, error)
}

type Auditor interface {
	Record(ctx context.Context, action domain.AuditAction, userID, details string) (domain.AuditEntry, error)
}

type Condition struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Details string `json:"details"`
}

type Result struct {
	IsReady        bool        `json:"is_ready"`
	CommitSHA      string      `json:"commit_sha"`
	ManifestHash   string      `json:"manifest_hash,omitempty"`
	Conditions     []Condition `json:"conditions"`
	BlockingIssues []string    `json:"blocking_issues"`
	RRT            *rrt.Token  `json:"rrt,omitempty"`
}

type CheckOptions struct {
	// ExpectedHash, when set, must equal the recorded manifest hash.
	ExpectedHash string
}

type Gate struct {
	Store  Store
	Audit  Auditor
	Issuer *rrt.Issuer
	Logger *slog.Logger
}

func New(st Store, audit Auditor, issuer *rrt.Issuer, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if issuer == nil {
		issuer = &rrt.Issuer{}
	}
	return &Gate{Store: st, Audit: audit, Issuer: issuer, Logger: logger}
}

// Check evaluates every condition for the manifest synced at commitSHA. It
// reads node and evidence state but never changes it.
func (g *Gate) Check(ctx context.Context, commitSHA string, opts CheckOptions) (Result, error) {
	m, err := g.Store.GetManifestByCommit(ctx, commitSHA)
	if errors.Is(err, domain.ErrNotFound) {
		return Result{
			CommitSHA: commitSHA,
			Conditions: []Condition{{
				Name:    CondManifestSynced,
				Details: "No manifest found for this commit",
			}},
			BlockingIssues: []string{"No manifest found for commit " + commitSHA},
		}, nil
	}
	if err != nil {
		return Result{}, err
	}

	nodes, err := g.Store.ListNodes(ctx, m.ManifestID)
	if err != nil {
		return Result{}, err
	}
	evidence, err := g.Store.ListEvidence(ctx, m.ManifestID)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		CommitSHA:      commitSHA,
		ManifestHash:   m.ManifestHash,
		BlockingIssues: []string{},
	}

	st := approval.Summarize(nodes)
	var pending, rejected []string
	for _, n := range nodes {
		switch n.Status {
		case domain.StatusApproved:
		case domain.StatusRejected:
			rejected = append(rejected, n.GxpID)
		default:
			pending = append(pending, n.GxpID)
		}
	}
	res.Conditions = append(res.Conditions, Condition{
		Name:    CondApproved,
		Passed:  st.Pending == 0 && st.Rejected == 0,
		Details: fmt.Sprintf("%d/%d approved", st.Approved, st.Total),
	})
	if len(pending) > 0 {
		res.BlockingIssues = append(res.BlockingIssues, "Missing approvals: "+strings.Join(pending, ", "))
	}
	if len(rejected) > 0 {
		res.BlockingIssues = append(res.BlockingIssues, "Rejected: "+strings.Join(rejected, ", "))
	}

	hashCond := Condition{Name: CondHashMatches, Passed: true, Details: "Hash: " + m.ManifestHash}
	if opts.ExpectedHash != "" && opts.ExpectedHash != m.ManifestHash {
		hashCond.Passed = false
		res.BlockingIssues = append(res.BlockingIssues,
			fmt.Sprintf("Manifest hash mismatch: expected %s, recorded %s", opts.ExpectedHash, m.ManifestHash))
	}
	res.Conditions = append(res.Conditions, hashCond)

	res.Conditions = append(res.Conditions, testCondition(evidence, &res.BlockingIssues))

	res.IsReady = true
	for _, c := range res.Conditions {
		if !c.Passed {
			res.IsReady = false
		}
	}
	if !res.IsReady {
		return res, nil
	}

	tok, err := g.Issuer.Issue(rrt.Request{
		ManifestID:   m.ManifestID,
		ProductCode:  m.ProductCode,
		Version:      m.Version,
		CommitSHA:    commitSHA,
		ManifestHash: m.ManifestHash,
	})
	if err != nil {
		return Result{}, err
	}
	res.RRT = &tok
	details := fmt.Sprintf("RRT issued for %s v%s @ %s", m.ProductCode, m.Version, shortSHA(commitSHA))
	if _, err := g.Audit.Record(ctx, domain.ActionRRTIssued, "system", details); err != nil {
		return Result{}, fmt.Errorf("readiness: audit: %w", err)
	}
	g.Logger.Info("release readiness token issued", "product_code", m.ProductCode, "version", m.Version, "commit_sha", commitSHA)
	return res, nil
}

// testCondition looks only at the most recent upload. With no evidence at
// all the condition passes.
func testCondition(evidence []domain.Evidence, blocking *[]string) Condition {
	if len(evidence) == 0 {
		return Condition{Name: CondTestsPassed, Passed: true, Details: "No evidence required (demo mode)"}
	}
	latest := evidence[len(evidence)-1]
	sum := latest.Summary()
	var failed []string
	for _, r := range latest.Results {
		if r.Status == domain.TestFailed {
			failed = append(failed, r.GxpID)
		}
	}
	if len(failed) > 0 {
		*blocking = append(*blocking, "Test failed: "+strings.Join(failed, ", "))
	}
	return Condition{
		Name:    CondTestsPassed,
		Passed:  len(failed) == 0,
		Details: fmt.Sprintf("%d/%d tests passed", sum.Passed, sum.Total),
	}
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
