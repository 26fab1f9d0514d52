// Package store persists manifests, nodes, edges, evidence and audit entries
// for the system of record.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PL-James/ROSIE/pkg/domain"
)

// Store is the record store contract shared by every backend. Getters return
// an error matching domain.ErrNotFound when nothing matches.
type Store interface {
	// CreateManifest writes the manifest with its nodes and edges atomically.
	CreateManifest(ctx context.Context, m domain.Manifest, nodes []domain.Node, edges []domain.Edge) error
	GetManifest(ctx context.Context, manifestID string) (domain.Manifest, error)
	// GetManifestByCommit returns the most recent sync of commitSHA.
	GetManifestByCommit(ctx context.Context, commitSHA string) (domain.Manifest, error)
	// LatestManifest returns the most recent sync, optionally restricted to a
	// product code.
	LatestManifest(ctx context.Context, productCode string) (domain.Manifest, error)

	// ListNodes returns nodes in sync order.
	ListNodes(ctx context.Context, manifestID string) ([]domain.Node, error)
	GetNode(ctx context.Context, nodeID string) (domain.Node, error)
	GetNodeByGxpID(ctx context.Context, manifestID, gxpID string) (domain.Node, error)
	// UpdateNodeStatus records the new status with the acting user and time.
	UpdateNodeStatus(ctx context.Context, nodeID string, status domain.NodeStatus, actor string, at time.Time) (domain.Node, error)
	ListEdges(ctx context.Context, manifestID string) ([]domain.Edge, error)

	CreateEvidence(ctx context.Context, e domain.Evidence) error
	// ListEvidence returns uploads oldest first.
	ListEvidence(ctx context.Context, manifestID string) ([]domain.Evidence, error)

	AppendAudit(ctx context.Context, e domain.AuditEntry) error
	// ListAudit returns at most limit entries in reverse append order.
	ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error)

	// Reset deletes every record.
	Reset(ctx context.Context) error
	Close() error
}

// Open picks a backend from dsn: postgres:// or postgresql:// URLs use pgx,
// "memory:" keeps everything in process, "sqlite:<path>" or a bare path uses
// SQLite.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		logger.Info("record store backend", "backend", "postgres")
		pg, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case dsn == "memory:" || dsn == "memory":
		logger.Info("record store backend", "backend", "memory")
		return NewMemory(), nil
	default:
		path := strings.TrimPrefix(dsn, "sqlite:")
		if path == "" {
			return nil, fmt.Errorf("store: empty sqlite path in %q", dsn)
		}
		logger.Info("record store backend", "backend", "sqlite", "path", path)
		lite, err := OpenSQLite(ctx, path, logger)
		if err != nil {
			return nil, err
		}
		return lite, nil
	}
}

// tsLayout is fixed width so that lexical order matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func notFound(kind, id string) error {
	return domain.NotFoundf("%s %s not found", kind, id)
}
