package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PL-James/ROSIE/pkg/db"
	"github.com/PL-James/ROSIE/pkg/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS manifests (
  seq BIGSERIAL PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  product_code TEXT NOT NULL,
  version TEXT NOT NULL,
  commit_sha TEXT NOT NULL,
  manifest_hash TEXT NOT NULL,
  synced_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS nodes (
  seq BIGSERIAL PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  manifest_id TEXT NOT NULL REFERENCES manifests(id),
  gxp_id TEXT NOT NULL,
  type TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  risk TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'Pending',
  approved_by TEXT,
  approved_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS edges (
  seq BIGSERIAL PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  manifest_id TEXT NOT NULL REFERENCES manifests(id),
  source_id TEXT NOT NULL,
  target_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS evidence (
  seq BIGSERIAL PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  manifest_id TEXT NOT NULL REFERENCES manifests(id),
  execution_id TEXT NOT NULL,
  commit_sha TEXT,
  environment TEXT,
  executed_at TIMESTAMPTZ,
  results JSONB NOT NULL,
  results_hash TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_log (
  seq BIGSERIAL PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  timestamp TIMESTAMPTZ NOT NULL,
  action TEXT NOT NULL,
  user_id TEXT NOT NULL,
  details TEXT NOT NULL,
  payload_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_manifests_commit ON manifests(commit_sha);
CREATE INDEX IF NOT EXISTS idx_nodes_manifest ON nodes(manifest_id);
CREATE INDEX IF NOT EXISTS idx_edges_manifest ON edges(manifest_id);
CREATE INDEX IF NOT EXISTS idx_evidence_manifest ON evidence(manifest_id);
`

type Postgres struct{ DB *pgxpool.Pool }

func NewPostgres(pool *pgxpool.Pool) *Postgres { return &Postgres{DB: pool} }

// OpenPostgres connects and creates the schema if needed.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return NewPostgres(pool), nil
}

func (s *Postgres) Close() error {
	s.DB.Close()
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func (s *Postgres) CreateManifest(ctx context.Context, m domain.Manifest, nodes []domain.Node, edges []domain.Edge) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
INSERT INTO manifests(id,product_code,version,commit_sha,manifest_hash,synced_at)
VALUES($1,$2,$3,$4,$5,$6)
`, m.ManifestID, m.ProductCode, m.Version, m.CommitSHA, m.ManifestHash, m.SyncedAt); err != nil {
		if pgCode(err) == "23505" {
			return fmt.Errorf("%w: manifest %s exists", domain.ErrConflict, m.ManifestID)
		}
		return err
	}

	batch := &pgx.Batch{}
	for _, n := range nodes {
		batch.Queue(`
INSERT INTO nodes(id,manifest_id,gxp_id,type,title,description,risk,status)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
`, n.NodeID, m.ManifestID, n.GxpID, string(n.Type), n.Title, n.Description, string(n.Risk), string(n.Status))
	}
	for _, e := range edges {
		batch.Queue(`INSERT INTO edges(id,manifest_id,source_id,target_id) VALUES($1,$2,$3,$4)`,
			e.EdgeID, m.ManifestID, e.Source, e.Target)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

const pgManifestCols = `id,product_code,version,commit_sha,manifest_hash,synced_at`

func scanPGManifest(row pgx.Row, missing error) (domain.Manifest, error) {
	var m domain.Manifest
	err := row.Scan(&m.ManifestID, &m.ProductCode, &m.Version, &m.CommitSHA, &m.ManifestHash, &m.SyncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Manifest{}, missing
		}
		return domain.Manifest{}, err
	}
	m.SyncedAt = m.SyncedAt.UTC()
	return m, nil
}

func (s *Postgres) GetManifest(ctx context.Context, manifestID string) (domain.Manifest, error) {
	return scanPGManifest(s.DB.QueryRow(ctx, `SELECT `+pgManifestCols+` FROM manifests WHERE id=$1`, manifestID),
		notFound("manifest", manifestID))
}

func (s *Postgres) GetManifestByCommit(ctx context.Context, commitSHA string) (domain.Manifest, error) {
	return scanPGManifest(s.DB.QueryRow(ctx, `
SELECT `+pgManifestCols+` FROM manifests WHERE commit_sha=$1 ORDER BY seq DESC LIMIT 1
`, commitSHA), notFound("manifest for commit", commitSHA))
}

func (s *Postgres) LatestManifest(ctx context.Context, productCode string) (domain.Manifest, error) {
	return scanPGManifest(s.DB.QueryRow(ctx, `
SELECT `+pgManifestCols+` FROM manifests
WHERE ($1='' OR product_code=$1)
ORDER BY seq DESC LIMIT 1
`, productCode), domain.NotFoundf("No manifest found"))
}

const pgNodeCols = `id,manifest_id,gxp_id,type,title,description,risk,status,approved_by,approved_at`

func scanPGNode(row pgx.Row) (domain.Node, error) {
	var n domain.Node
	var typ, risk, status string
	if err := row.Scan(&n.NodeID, &n.ManifestID, &n.GxpID, &typ, &n.Title, &n.Description, &risk, &status, &n.ApprovedBy, &n.ApprovedAt); err != nil {
		return domain.Node{}, err
	}
	n.Type, n.Risk, n.Status = domain.NodeType(typ), domain.Risk(risk), domain.NodeStatus(status)
	if n.ApprovedAt != nil {
		at := n.ApprovedAt.UTC()
		n.ApprovedAt = &at
	}
	return n, nil
}

func (s *Postgres) ListNodes(ctx context.Context, manifestID string) ([]domain.Node, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+pgNodeCols+` FROM nodes WHERE manifest_id=$1 ORDER BY seq`, manifestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Node{}
	for rows.Next() {
		n, err := scanPGNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Postgres) GetNode(ctx context.Context, nodeID string) (domain.Node, error) {
	n, err := scanPGNode(s.DB.QueryRow(ctx, `SELECT `+pgNodeCols+` FROM nodes WHERE id=$1`, nodeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Node{}, notFound("node", nodeID)
	}
	return n, err
}

func (s *Postgres) GetNodeByGxpID(ctx context.Context, manifestID, gxpID string) (domain.Node, error) {
	n, err := scanPGNode(s.DB.QueryRow(ctx, `
SELECT `+pgNodeCols+` FROM nodes WHERE manifest_id=$1 AND gxp_id=$2 ORDER BY seq LIMIT 1
`, manifestID, gxpID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Node{}, notFound("node", gxpID)
	}
	return n, err
}

func (s *Postgres) UpdateNodeStatus(ctx context.Context, nodeID string, status domain.NodeStatus, actor string, at time.Time) (domain.Node, error) {
	n, err := scanPGNode(s.DB.QueryRow(ctx, `
UPDATE nodes SET status=$2, approved_by=$3, approved_at=$4
WHERE id=$1
RETURNING `+pgNodeCols, nodeID, string(status), actor, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Node{}, notFound("node", nodeID)
	}
	return n, err
}

func (s *Postgres) ListEdges(ctx context.Context, manifestID string) ([]domain.Edge, error) {
	rows, err := s.DB.Query(ctx, `SELECT id,manifest_id,source_id,target_id FROM edges WHERE manifest_id=$1 ORDER BY seq`, manifestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Edge{}
	for rows.Next() {
		var e domain.Edge
		if err := rows.Scan(&e.EdgeID, &e.ManifestID, &e.Source, &e.Target); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateEvidence(ctx context.Context, e domain.Evidence) error {
	results, err := json.Marshal(e.Results)
	if err != nil {
		return fmt.Errorf("store: encode results: %w", err)
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO evidence(id,manifest_id,execution_id,commit_sha,environment,executed_at,results,results_hash,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7::jsonb,$8,$9)
`, e.EvidenceID, e.ManifestID, e.ExecutionID, e.CommitSHA, e.Environment, e.ExecutedAt, string(results), e.ResultsHash, e.CreatedAt)
	if pgCode(err) == "23503" {
		return notFound("manifest", e.ManifestID)
	}
	return err
}

func (s *Postgres) ListEvidence(ctx context.Context, manifestID string) ([]domain.Evidence, error) {
	rows, err := s.DB.Query(ctx, `
SELECT id,manifest_id,execution_id,commit_sha,environment,executed_at,results,results_hash,created_at
FROM evidence WHERE manifest_id=$1 ORDER BY seq
`, manifestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Evidence{}
	for rows.Next() {
		var e domain.Evidence
		var results []byte
		if err := rows.Scan(&e.EvidenceID, &e.ManifestID, &e.ExecutionID, &e.CommitSHA, &e.Environment, &e.ExecutedAt, &results, &e.ResultsHash, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(results, &e.Results); err != nil {
			return nil, fmt.Errorf("store: decode results of %s: %w", e.EvidenceID, err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		if e.ExecutedAt != nil {
			at := e.ExecutedAt.UTC()
			e.ExecutedAt = &at
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO audit_log(id,timestamp,action,user_id,details,payload_hash)
VALUES($1,$2,$3,$4,$5,$6)
`, e.EntryID, e.Timestamp, string(e.Action), e.UserID, e.Details, e.PayloadHash)
	return err
}

func (s *Postgres) ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	rows, err := s.DB.Query(ctx, `
SELECT id,timestamp,action,user_id,details,payload_hash
FROM audit_log
ORDER BY seq DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.AuditEntry{}
	for rows.Next() {
		var e domain.AuditEntry
		var action string
		if err := rows.Scan(&e.EntryID, &e.Timestamp, &action, &e.UserID, &e.Details, &e.PayloadHash); err != nil {
			return nil, err
		}
		e.Action = domain.AuditAction(action)
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) Reset(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `TRUNCATE evidence, edges, nodes, audit_log, manifests RESTART IDENTITY`)
	return err
}

var _ Store = (*Postgres)(nil)
