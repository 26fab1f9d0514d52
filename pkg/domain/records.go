package domain

import "time"

type Manifest struct {
	ManifestID   string    `json:"id"`
	ProductCode  string    `json:"product_code"`
	Version      string    `json:"version"`
	CommitSHA    string    `json:"commit_sha"`
	ManifestHash string    `json:"manifest_hash"`
	SyncedAt     time.Time `json:"synced_at"`
}

type NodeStatus string

const (
	StatusPending  NodeStatus = "Pending"
	StatusApproved NodeStatus = "Approved"
	StatusRejected NodeStatus = "Rejected"
)

// Node is the persisted, approvable counterpart of a TraceNode. It belongs to
// exactly one manifest.
type Node struct {
	NodeID      string     `json:"id"`
	ManifestID  string     `json:"manifest_id"`
	GxpID       string     `json:"gxp_id"`
	Type        NodeType   `json:"type"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Risk        Risk       `json:"risk,omitempty"`
	Status      NodeStatus `json:"status"`
	ApprovedBy  *string    `json:"approved_by,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
}

// Edge is stored by identifier rather than by node row so that dangling
// targets survive persistence.
type Edge struct {
	EdgeID     string `json:"id"`
	ManifestID string `json:"manifest_id"`
	Source     string `json:"source"`
	Target     string `json:"target"`
}

type TestStatus string

const (
	TestPassed  TestStatus = "passed"
	TestFailed  TestStatus = "failed"
	TestSkipped TestStatus = "skipped"
)

func (s TestStatus) Valid() bool {
	switch s {
	case TestPassed, TestFailed, TestSkipped:
		return true
	}
	return false
}

type TestResult struct {
	GxpID      string     `json:"gxp_id"`
	Name       string     `json:"name"`
	Status     TestStatus `json:"status"`
	DurationMS *float64   `json:"duration_ms,omitempty"`
	Logs       []string   `json:"logs,omitempty"`
}

type Evidence struct {
	EvidenceID  string       `json:"id"`
	ManifestID  string       `json:"manifest_id"`
	ExecutionID string       `json:"execution_id"`
	CommitSHA   *string      `json:"commit_sha,omitempty"`
	Environment *string      `json:"environment,omitempty"`
	ExecutedAt  *time.Time   `json:"executed_at,omitempty"`
	Results     []TestResult `json:"results"`
	ResultsHash string       `json:"results_hash"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Summary counts results by status.
func (e Evidence) Summary() EvidenceSummary {
	s := EvidenceSummary{Total: len(e.Results)}
	for _, r := range e.Results {
		switch r.Status {
		case TestPassed:
			s.Passed++
		case TestFailed:
			s.Failed++
		case TestSkipped:
			s.Skipped++
		}
	}
	return s
}

type EvidenceSummary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

type AuditAction string

const (
	ActionManifestSync   AuditAction = "MANIFEST_SYNC"
	ActionApproval       AuditAction = "APPROVAL"
	ActionRejection      AuditAction = "REJECTION"
	ActionEvidenceUpload AuditAction = "EVIDENCE_UPLOAD"
	ActionRRTIssued      AuditAction = "RRT_ISSUED"
)

type AuditEntry struct {
	EntryID     string      `json:"id"`
	Timestamp   time.Time   `json:"timestamp"`
	Action      AuditAction `json:"action"`
	UserID      string      `json:"user_id"`
	Details     string      `json:"details"`
	PayloadHash string      `json:"payload_hash"`
}
