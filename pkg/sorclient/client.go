// Package sorclient talks to the ROSIE system of record over HTTP.
package sorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PL-James/ROSIE/pkg/domain"
)

const DefaultBaseURL = "http://localhost:3000"

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// UserID is sent as X-User-Id when set.
	UserID string
}

func New(baseURL, userID string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		UserID:     userID,
	}
}

// APIError is a non-2xx reply decoded from the error envelope.
type APIError struct {
	StatusCode int
	RequestID  string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
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

type SyncResponse struct {
	Success          bool     `json:"success"`
	SyncID           string   `json:"sync_id"`
	ManifestID       string   `json:"manifest_id"`
	NodesCreated     int      `json:"nodes_created"`
	EdgesCreated     int      `json:"edges_created"`
	PendingApprovals []string `json:"pending_approvals"`
}

type CurrentResponse struct {
	Manifest domain.Manifest `json:"manifest"`
	Nodes    []domain.Node   `json:"nodes"`
	Edges    []domain.Edge   `json:"edges"`
}

type Condition struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Details string `json:"details"`
}

type Token struct {
	Token       string    `json:"token"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	ProductCode string    `json:"product_code"`
	Version     string    `json:"version"`
	CommitSHA   string    `json:"commit_sha"`
}

type Readiness struct {
	IsReady        bool        `json:"is_ready"`
	CommitSHA      string      `json:"commit_sha"`
	ManifestHash   string      `json:"manifest_hash,omitempty"`
	Conditions     []Condition `json:"conditions"`
	BlockingIssues []string    `json:"blocking_issues"`
	RRT            *Token      `json:"rrt,omitempty"`
}

type EvidenceRequest struct {
	ExecutionID string              `json:"execution_id"`
	CommitSHA   string              `json:"commit_sha,omitempty"`
	Environment string              `json:"environment,omitempty"`
	ExecutedAt  *time.Time          `json:"executed_at,omitempty"`
	Results     []domain.TestResult `json:"results"`
}

type EvidenceResponse struct {
	Success     bool                   `json:"success"`
	EvidenceID  string                 `json:"evidence_id"`
	ManifestID  string                 `json:"manifest_id"`
	ResultsHash string                 `json:"results_hash"`
	Summary     domain.EvidenceSummary `json:"summary"`
}

type ApprovalStatus struct {
	ManifestID      string        `json:"manifest_id"`
	Total           int           `json:"total"`
	Approved        int           `json:"approved"`
	Pending         int           `json:"pending"`
	Rejected        int           `json:"rejected"`
	PendingNodes    []domain.Node `json:"pending_nodes"`
	IsFullyApproved bool          `json:"is_fully_approved"`
}

type AuditResponse struct {
	Entries []domain.AuditEntry `json:"entries"`
	Count   int                 `json:"count"`
}

func (c *Client) Sync(ctx context.Context, in SyncRequest) (*SyncResponse, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/v1/sync/manifest", in)
	if err != nil {
		return nil, err
	}
	return doJSON[SyncResponse](c, req)
}

func (c *Client) Current(ctx context.Context) (*CurrentResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/sync/current", nil)
	if err != nil {
		return nil, err
	}
	return doJSON[CurrentResponse](c, req)
}

func (c *Client) Readiness(ctx context.Context, commitSHA, expectedHash string) (*Readiness, error) {
	u := fmt.Sprintf("%s/v1/release/readiness/%s", c.BaseURL, url.PathEscape(commitSHA))
	if expectedHash != "" {
		q := url.Values{}
		q.Set("expected_hash", expectedHash)
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return doJSON[Readiness](c, req)
}

func (c *Client) UploadEvidence(ctx context.Context, in EvidenceRequest) (*EvidenceResponse, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/v1/evidence/upload", in)
	if err != nil {
		return nil, err
	}
	return doJSON[EvidenceResponse](c, req)
}

func (c *Client) ApprovalStatus(ctx context.Context) (*ApprovalStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/nodes/status/approvals", nil)
	if err != nil {
		return nil, err
	}
	return doJSON[ApprovalStatus](c, req)
}

func (c *Client) Audit(ctx context.Context, limit int) (*AuditResponse, error) {
	u := fmt.Sprintf("%s/v1/audit?limit=%d", c.BaseURL, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return doJSON[AuditResponse](c, req)
}

func (c *Client) newJSONRequest(ctx context.Context, method, path string, in any) (*http.Request, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func doJSON[T any](c *Client, req *http.Request) (*T, error) {
	if c.UserID != "" {
		req.Header.Set("X-User-Id", c.UserID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var env struct {
			RequestID string `json:"request_id"`
			Error     struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&env)
		return nil, &APIError{StatusCode: resp.StatusCode, RequestID: env.RequestID, Code: env.Error.Code, Message: env.Error.Message}
	}
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
