package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit actions emitted by the authorization engine.
const (
	AuditRoleAssigned       = "role.assigned"
	AuditRoleRevoked        = "role.revoked"
	AuditImpersonationStart = "impersonation.started"
	AuditImpersonationEnd   = "impersonation.ended"
)

// AuditEvent represents a record stored in audit_logs.
type AuditEvent struct {
	ActorID   int64
	Action    string
	Entity    string
	EntityID  string
	IP        string
	UserAgent string
	Meta      map[string]any
	At        time.Time
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the audit event.
func (l *AuditLogger) Record(ctx context.Context, ev AuditEvent) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if ev.Action == "" || ev.Entity == "" || ev.EntityID == "" {
		return errors.New("audit event requires action/entity/entity_id")
	}
	metaJSON, err := json.Marshal(ev.Meta)
	if err != nil {
		return err
	}
	var at any
	if !ev.At.IsZero() {
		at = ev.At
	}
	_, err = l.pool.Exec(ctx,
		`INSERT INTO audit_logs (actor_id, action, entity, entity_id, ip, user_agent, meta, occurred_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, COALESCE($8, NOW()))`,
		ev.ActorID, ev.Action, ev.Entity, ev.EntityID, ev.IP, ev.UserAgent, metaJSON, at)
	return err
}
