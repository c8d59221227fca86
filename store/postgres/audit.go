package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MrEthical07/authcore/internal/audit"
)

// AuditSink appends audit events to the audit_log table.
type AuditSink struct {
	store *Store
}

// AuditSink returns a sink writing through s.
func (s *Store) AuditSink() *AuditSink { return &AuditSink{store: s} }

var _ audit.Sink = (*AuditSink)(nil)

func (a *AuditSink) Write(ctx context.Context, e audit.Event) error {
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		encoded, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = encoded
	}
	_, err := a.store.db.ExecContext(ctx, `
		insert into audit_log (id, occurred_at, action, actor_id, org_id, entity_type, entity_id,
			status, request_id, ip, user_agent, metadata)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.ID, e.Timestamp.UTC(), e.Action, nullIfEmpty(e.ActorID), nullIfEmpty(e.OrgID),
		nullIfEmpty(e.EntityType), nullIfEmpty(e.EntityID), string(e.Status), nullIfEmpty(e.RequestID),
		nullIfEmpty(e.IP), nullIfEmpty(e.UserAgent), meta)
	return classify("audit_event", "id", err)
}
