// Package audit appends hashed entries to the record store's audit trail.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/PL-James/ROSIE/pkg/canonhash"
	"github.com/PL-James/ROSIE/pkg/domain"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

var ErrTampered = errors.New("audit: payload hash does not match entry")

type Store interface {
	AppendAudit(ctx context.Context, e domain.AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error)
}

type Log struct {
	Store  Store
	Logger *slog.Logger
	Now    func() time.Time
}

func New(st Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Log{Store: st, Logger: logger, Now: time.Now}
}

// Record stamps and hashes an entry and appends it. Timestamps are kept at
// microsecond precision so that every backend round-trips them exactly.
func (l *Log) Record(ctx context.Context, action domain.AuditAction, userID, details string) (domain.AuditEntry, error) {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	ts := now().UTC().Truncate(time.Microsecond)
	hash, err := PayloadHash(action, userID, details, ts)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	e := domain.AuditEntry{
		EntryID:     "aud_" + uuid.NewString(),
		Timestamp:   ts,
		Action:      action,
		UserID:      userID,
		Details:     details,
		PayloadHash: hash,
	}
	if err := l.Store.AppendAudit(ctx, e); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("audit: append: %w", err)
	}
	if l.Logger != nil {
		l.Logger.Info("audit", "action", string(action), "user_id", userID, "details", details)
	}
	return e, nil
}

// Recent returns the newest entries first. limit <= 0 means DefaultLimit;
// larger values are capped at MaxLimit.
func (l *Log) Recent(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	return l.Store.ListAudit(ctx, ClampLimit(limit))
}

func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return min(limit, MaxLimit)
}

// PayloadHash digests the canonical form of an entry's content.
func PayloadHash(action domain.AuditAction, userID, details string, ts time.Time) (string, error) {
	h, _, err := canonhash.SumObject(map[string]string{
		"action":    string(action),
		"user_id":   userID,
		"details":   details,
		"timestamp": ts.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("audit: hash: %w", err)
	}
	return h, nil
}

// VerifyEntry recomputes the payload hash of a stored entry.
func VerifyEntry(e domain.AuditEntry) error {
	h, err := PayloadHash(e.Action, e.UserID, e.Details, e.Timestamp)
	if err != nil {
		return err
	}
	if h != e.PayloadHash {
		return fmt.Errorf("%w: %s", ErrTampered, e.EntryID)
	}
	return nil
}
