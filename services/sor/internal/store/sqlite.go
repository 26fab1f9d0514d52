package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/PL-James/ROSIE/pkg/domain"
	"github.com/PL-James/ROSIE/pkg/sqlitepool"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS manifests (
	seq           INTEGER PRIMARY KEY,
	id            TEXT NOT NULL UNIQUE,
	product_code  TEXT NOT NULL,
	version       TEXT NOT NULL,
	commit_sha    TEXT NOT NULL,
	manifest_hash TEXT NOT NULL,
	synced_at     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS nodes (
	seq         INTEGER PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	manifest_id TEXT NOT NULL REFERENCES manifests(id),
	gxp_id      TEXT NOT NULL,
	type        TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	risk        TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'Pending',
	approved_by TEXT,
	approved_at TEXT
);
CREATE TABLE IF NOT EXISTS edges (
	seq         INTEGER PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	manifest_id TEXT NOT NULL REFERENCES manifests(id),
	source_id   TEXT NOT NULL,
	target_id   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS evidence (
	seq          INTEGER PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	manifest_id  TEXT NOT NULL REFERENCES manifests(id),
	execution_id TEXT NOT NULL,
	commit_sha   TEXT,
	environment  TEXT,
	executed_at  TEXT,
	results_json TEXT NOT NULL,
	results_hash TEXT NOT NULL,
	created_at   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_log (
	seq          INTEGER PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	timestamp    TEXT NOT NULL,
	action       TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	details      TEXT NOT NULL,
	payload_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_manifests_commit ON manifests(commit_sha);
CREATE INDEX IF NOT EXISTS idx_nodes_manifest ON nodes(manifest_id);
CREATE INDEX IF NOT EXISTS idx_nodes_gxp_id ON nodes(gxp_id);
CREATE INDEX IF NOT EXISTS idx_edges_manifest ON edges(manifest_id);
CREATE INDEX IF NOT EXISTS idx_evidence_manifest ON evidence(manifest_id);
`

// SQLite is the single-file backend used for local runs and demos.
type SQLite struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{Path: path, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	s := &SQLite{pool: pool, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error { return s.pool.Close() }

func (s *SQLite) CreateManifest(ctx context.Context, m domain.Manifest, nodes []domain.Node, edges []domain.Edge) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer endTx(&err)

	err = sqlitex.Execute(conn, `
INSERT INTO manifests(id,product_code,version,commit_sha,manifest_hash,synced_at)
VALUES(?,?,?,?,?,?)`, &sqlitex.ExecOptions{
		Args: []any{m.ManifestID, m.ProductCode, m.Version, m.CommitSHA, m.ManifestHash, formatTime(m.SyncedAt)},
	})
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.ResultConstraintUnique {
			return fmt.Errorf("%w: manifest %s exists", domain.ErrConflict, m.ManifestID)
		}
		return fmt.Errorf("store: insert manifest: %w", err)
	}
	for _, n := range nodes {
		err = sqlitex.Execute(conn, `
INSERT INTO nodes(id,manifest_id,gxp_id,type,title,description,risk,status)
VALUES(?,?,?,?,?,?,?,?)`, &sqlitex.ExecOptions{
			Args: []any{n.NodeID, m.ManifestID, n.GxpID, string(n.Type), n.Title, n.Description, string(n.Risk), string(n.Status)},
		})
		if err != nil {
			return fmt.Errorf("store: insert node %s: %w", n.GxpID, err)
		}
	}
	for _, e := range edges {
		err = sqlitex.Execute(conn, `
INSERT INTO edges(id,manifest_id,source_id,target_id) VALUES(?,?,?,?)`, &sqlitex.ExecOptions{
			Args: []any{e.EdgeID, m.ManifestID, e.Source, e.Target},
		})
		if err != nil {
			return fmt.Errorf("store: insert edge %s->%s: %w", e.Source, e.Target, err)
		}
	}
	return nil
}

const manifestCols = `id,product_code,version,commit_sha,manifest_hash,synced_at`

func (s *SQLite) queryManifest(ctx context.Context, query string, args []any, missing error) (domain.Manifest, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return domain.Manifest{}, err
	}
	defer s.pool.Put(conn)

	var out *domain.Manifest
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			m, err := scanSQLiteManifest(stmt)
			if err != nil {
				return err
			}
			out = &m
			return nil
		},
	})
	if err != nil {
		return domain.Manifest{}, fmt.Errorf("store: query manifest: %w", err)
	}
	if out == nil {
		return domain.Manifest{}, missing
	}
	return *out, nil
}

func scanSQLiteManifest(stmt *sqlite.Stmt) (domain.Manifest, error) {
	synced, err := parseTime(stmt.ColumnText(5))
	if err != nil {
		return domain.Manifest{}, err
	}
	return domain.Manifest{
		ManifestID:   stmt.ColumnText(0),
		ProductCode:  stmt.ColumnText(1),
		Version:      stmt.ColumnText(2),
		CommitSHA:    stmt.ColumnText(3),
		ManifestHash: stmt.ColumnText(4),
		SyncedAt:     synced,
	}, nil
}

func (s *SQLite) GetManifest(ctx context.Context, manifestID string) (domain.Manifest, error) {
	return s.queryManifest(ctx, `SELECT `+manifestCols+` FROM manifests WHERE id=?`,
		[]any{manifestID}, notFound("manifest", manifestID))
}

func (s *SQLite) GetManifestByCommit(ctx context.Context, commitSHA string) (domain.Manifest, error) {
	return s.queryManifest(ctx, `SELECT `+manifestCols+` FROM manifests WHERE commit_sha=? ORDER BY seq DESC LIMIT 1`,
		[]any{commitSHA}, notFound("manifest for commit", commitSHA))
}

func (s *SQLite) LatestManifest(ctx context.Context, productCode string) (domain.Manifest, error) {
	if productCode == "" {
		return s.queryManifest(ctx, `SELECT `+manifestCols+` FROM manifests ORDER BY seq DESC LIMIT 1`,
			nil, domain.NotFoundf("No manifest found"))
	}
	return s.queryManifest(ctx, `SELECT `+manifestCols+` FROM manifests WHERE product_code=? ORDER BY seq DESC LIMIT 1`,
		[]any{productCode}, domain.NotFoundf("No manifest found"))
}

const nodeCols = `id,manifest_id,gxp_id,type,title,description,risk,status,approved_by,approved_at`

func (s *SQLite) queryNodes(ctx context.Context, query string, args ...any) ([]domain.Node, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	return selectSQLiteNodes(conn, query, args...)
}

func selectSQLiteNodes(conn *sqlite.Conn, query string, args ...any) ([]domain.Node, error) {
	out := []domain.Node{}
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n := domain.Node{
				NodeID:      stmt.ColumnText(0),
				ManifestID:  stmt.ColumnText(1),
				GxpID:       stmt.ColumnText(2),
				Type:        domain.NodeType(stmt.ColumnText(3)),
				Title:       stmt.ColumnText(4),
				Description: stmt.ColumnText(5),
				Risk:        domain.Risk(stmt.ColumnText(6)),
				Status:      domain.NodeStatus(stmt.ColumnText(7)),
			}
			if !stmt.ColumnIsNull(8) {
				by := stmt.ColumnText(8)
				n.ApprovedBy = &by
			}
			if !stmt.ColumnIsNull(9) {
				at, err := parseTime(stmt.ColumnText(9))
				if err != nil {
					return err
				}
				n.ApprovedAt = &at
			}
			out = append(out, n)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: query nodes: %w", err)
	}
	return out, nil
}

func (s *SQLite) ListNodes(ctx context.Context, manifestID string) ([]domain.Node, error) {
	return s.queryNodes(ctx, `SELECT `+nodeCols+` FROM nodes WHERE manifest_id=? ORDER BY seq`, manifestID)
}

func (s *SQLite) GetNode(ctx context.Context, nodeID string) (domain.Node, error) {
	nodes, err := s.queryNodes(ctx, `SELECT `+nodeCols+` FROM nodes WHERE id=?`, nodeID)
	if err != nil {
		return domain.Node{}, err
	}
	if len(nodes) == 0 {
		return domain.Node{}, notFound("node", nodeID)
	}
	return nodes[0], nil
}

func (s *SQLite) GetNodeByGxpID(ctx context.Context, manifestID, gxpID string) (domain.Node, error) {
	nodes, err := s.queryNodes(ctx, `SELECT `+nodeCols+` FROM nodes WHERE manifest_id=? AND gxp_id=? ORDER BY seq LIMIT 1`, manifestID, gxpID)
	if err != nil {
		return domain.Node{}, err
	}
	if len(nodes) == 0 {
		return domain.Node{}, notFound("node", gxpID)
	}
	return nodes[0], nil
}

func (s *SQLite) UpdateNodeStatus(ctx context.Context, nodeID string, status domain.NodeStatus, actor string, at time.Time) (n domain.Node, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return domain.Node{}, err
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return domain.Node{}, fmt.Errorf("store: begin: %w", err)
	}
	defer endTx(&err)

	err = sqlitex.Execute(conn, `UPDATE nodes SET status=?, approved_by=?, approved_at=? WHERE id=?`, &sqlitex.ExecOptions{
		Args: []any{string(status), actor, formatTime(at), nodeID},
	})
	if err != nil {
		return domain.Node{}, fmt.Errorf("store: update node: %w", err)
	}
	if conn.Changes() == 0 {
		return domain.Node{}, notFound("node", nodeID)
	}
	nodes, err := selectSQLiteNodes(conn, `SELECT `+nodeCols+` FROM nodes WHERE id=?`, nodeID)
	if err != nil {
		return domain.Node{}, err
	}
	return nodes[0], nil
}

func (s *SQLite) ListEdges(ctx context.Context, manifestID string) ([]domain.Edge, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	out := []domain.Edge{}
	err = sqlitex.Execute(conn, `SELECT id,manifest_id,source_id,target_id FROM edges WHERE manifest_id=? ORDER BY seq`, &sqlitex.ExecOptions{
		Args: []any{manifestID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, domain.Edge{
				EdgeID:     stmt.ColumnText(0),
				ManifestID: stmt.ColumnText(1),
				Source:     stmt.ColumnText(2),
				Target:     stmt.ColumnText(3),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: query edges: %w", err)
	}
	return out, nil
}

func (s *SQLite) CreateEvidence(ctx context.Context, e domain.Evidence) error {
	results, err := json.Marshal(e.Results)
	if err != nil {
		return fmt.Errorf("store: encode results: %w", err)
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	var executedAt any
	if e.ExecutedAt != nil {
		executedAt = formatTime(*e.ExecutedAt)
	}
	err = sqlitex.Execute(conn, `
INSERT INTO evidence(id,manifest_id,execution_id,commit_sha,environment,executed_at,results_json,results_hash,created_at)
VALUES(?,?,?,?,?,?,?,?,?)`, &sqlitex.ExecOptions{
		Args: []any{e.EvidenceID, e.ManifestID, e.ExecutionID, nullableText(e.CommitSHA), nullableText(e.Environment),
			executedAt, string(results), e.ResultsHash, formatTime(e.CreatedAt)},
	})
	if err != nil {
		if sqlite.ErrCode(err) == sqlite.ResultConstraintForeignKey {
			return notFound("manifest", e.ManifestID)
		}
		return fmt.Errorf("store: insert evidence: %w", err)
	}
	return nil
}

func (s *SQLite) ListEvidence(ctx context.Context, manifestID string) ([]domain.Evidence, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	out := []domain.Evidence{}
	err = sqlitex.Execute(conn, `
SELECT id,manifest_id,execution_id,commit_sha,environment,executed_at,results_json,results_hash,created_at
FROM evidence WHERE manifest_id=? ORDER BY seq`, &sqlitex.ExecOptions{
		Args: []any{manifestID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			e := domain.Evidence{
				EvidenceID:  stmt.ColumnText(0),
				ManifestID:  stmt.ColumnText(1),
				ExecutionID: stmt.ColumnText(2),
				ResultsHash: stmt.ColumnText(7),
			}
			if !stmt.ColumnIsNull(3) {
				v := stmt.ColumnText(3)
				e.CommitSHA = &v
			}
			if !stmt.ColumnIsNull(4) {
				v := stmt.ColumnText(4)
				e.Environment = &v
			}
			if !stmt.ColumnIsNull(5) {
				at, err := parseTime(stmt.ColumnText(5))
				if err != nil {
					return err
				}
				e.ExecutedAt = &at
			}
			if err := json.Unmarshal([]byte(stmt.ColumnText(6)), &e.Results); err != nil {
				return fmt.Errorf("decode results of %s: %w", e.EvidenceID, err)
			}
			created, err := parseTime(stmt.ColumnText(8))
			if err != nil {
				return err
			}
			e.CreatedAt = created
			out = append(out, e)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: query evidence: %w", err)
	}
	return out, nil
}

func (s *SQLite) AppendAudit(ctx context.Context, e domain.AuditEntry) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	err = sqlitex.Execute(conn, `
INSERT INTO audit_log(id,timestamp,action,user_id,details,payload_hash) VALUES(?,?,?,?,?,?)`, &sqlitex.ExecOptions{
		Args: []any{e.EntryID, formatTime(e.Timestamp), string(e.Action), e.UserID, e.Details, e.PayloadHash},
	})
	if err != nil {
		return fmt.Errorf("store: insert audit: %w", err)
	}
	return nil
}

func (s *SQLite) ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	out := []domain.AuditEntry{}
	err = sqlitex.Execute(conn, `
SELECT id,timestamp,action,user_id,details,payload_hash
FROM audit_log ORDER BY seq DESC LIMIT ?`, &sqlitex.ExecOptions{
		Args: []any{limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ts, err := parseTime(stmt.ColumnText(1))
			if err != nil {
				return err
			}
			out = append(out, domain.AuditEntry{
				EntryID:     stmt.ColumnText(0),
				Timestamp:   ts,
				Action:      domain.AuditAction(stmt.ColumnText(2)),
				UserID:      stmt.ColumnText(3),
				Details:     stmt.ColumnText(4),
				PayloadHash: stmt.ColumnText(5),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: query audit: %w", err)
	}
	return out, nil
}

func (s *SQLite) Reset(ctx context.Context) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer endTx(&err)
	for _, table := range []string{"evidence", "edges", "nodes", "audit_log", "manifests"} {
		if err = sqlitex.ExecuteTransient(conn, "DELETE FROM "+table, nil); err != nil {
			return fmt.Errorf("store: reset %s: %w", table, err)
		}
	}
	s.logger.Warn("record store reset")
	return nil
}

func nullableText(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Memory)(nil)
)
