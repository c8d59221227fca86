package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/MrEthical07/authcore/store"
	"github.com/MrEthical07/authcore/webhook"
)

const (
	entityEndpoint = "webhook_endpoint"
	entityDelivery = "webhook_delivery"
)

var _ webhook.Store = (*Store)(nil)

func scanEndpoint(row rowScanner) (webhook.Endpoint, error) {
	var (
		e      webhook.Endpoint
		org    sql.NullString
		events []byte
	)
	if err := row.Scan(&e.ID, &org, &e.URL, &e.Secret, &events, &e.Enabled); err != nil {
		return webhook.Endpoint{}, err
	}
	e.OrgID = org.String
	decoded, err := decodeStrings(events)
	if err != nil {
		return webhook.Endpoint{}, err
	}
	e.Events = decoded
	return e, nil
}

func (s *Store) ListEndpoints(ctx context.Context, eventType, orgID string) ([]webhook.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, org_id, url, secret, events, enabled
		from webhook_endpoints
		where enabled and deleted_at is null
		  and (org_id is null or org_id = $2)
		  and (events @> to_jsonb(array[$1::text]) or events @> '["*"]'::jsonb)
		order by id
	`, eventType, orgID)
	if err != nil {
		return nil, classify(entityEndpoint, "", err)
	}
	defer rows.Close()

	var out []webhook.Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, classify(entityEndpoint, "", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(entityEndpoint, "", err)
	}
	return out, nil
}

func (s *Store) GetEndpoint(ctx context.Context, id string) (webhook.Endpoint, error) {
	e, err := scanEndpoint(s.db.QueryRowContext(ctx, `
		select id, org_id, url, secret, events, enabled
		from webhook_endpoints
		where id = $1 and deleted_at is null
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return webhook.Endpoint{}, webhook.ErrEndpointNotFound
	}
	if err != nil {
		return webhook.Endpoint{}, classify(entityEndpoint, "", err)
	}
	return e, nil
}

// PutEndpoint creates or replaces an endpoint.
func (s *Store) PutEndpoint(ctx context.Context, e webhook.Endpoint) error {
	events, err := encodeStrings(e.Events)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into webhook_endpoints (id, org_id, url, secret, events, enabled)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (id) do update
		set org_id = excluded.org_id, url = excluded.url, secret = excluded.secret,
		    events = excluded.events, enabled = excluded.enabled, deleted_at = null
	`, e.ID, nullIfEmpty(e.OrgID), e.URL, e.Secret, events, e.Enabled)
	return classify(entityEndpoint, "id", err)
}

// DeleteEndpoint soft-deletes an endpoint so pending deliveries stop.
func (s *Store) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`update webhook_endpoints set deleted_at = $2 where id = $1 and deleted_at is null`, id, s.now().UTC())
	if err != nil {
		return classify(entityEndpoint, "", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFound(entityEndpoint)
	}
	return nil
}

func (s *Store) CreateDeliveries(ctx context.Context, deliveries []webhook.Delivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Unavailable(entityDelivery, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, d := range deliveries {
		if _, err := tx.ExecContext(ctx, `
			insert into webhook_deliveries (id, endpoint_id, event_id, event_type, payload, attempts,
				max_attempts, status, next_retry_at, lease_until, last_error, created_at, updated_at, completed_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, d.ID, d.EndpointID, d.EventID, d.EventType, d.Payload, d.Attempts, d.MaxAttempts, string(d.Status),
			d.NextRetryAt.UTC(), nullTime(d.LeaseUntil), nullIfEmpty(d.LastError), d.CreatedAt.UTC(),
			d.UpdatedAt.UTC(), nullTime(d.CompletedAt)); err != nil {
			return classify(entityDelivery, "id", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return store.Unavailable(entityDelivery, err)
	}
	return nil
}

func (s *Store) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]webhook.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		update webhook_deliveries d set lease_until = $2
		where d.id in (
			select id from webhook_deliveries
			where status = 'pending' and next_retry_at <= $1
			  and (lease_until is null or lease_until <= $1)
			order by next_retry_at
			limit $3
			for update skip locked
		)
		returning d.id, d.endpoint_id, d.event_id, d.event_type, d.payload, d.attempts, d.max_attempts,
			d.status, d.next_retry_at, d.lease_until, d.created_at, d.updated_at
	`, now.UTC(), now.Add(lease).UTC(), limit)
	if err != nil {
		return nil, classify(entityDelivery, "", err)
	}
	defer rows.Close()

	var out []webhook.Delivery
	for rows.Next() {
		var (
			d      webhook.Delivery
			status string
			leased sql.NullTime
		)
		if err := rows.Scan(&d.ID, &d.EndpointID, &d.EventID, &d.EventType, &d.Payload, &d.Attempts,
			&d.MaxAttempts, &status, &d.NextRetryAt, &leased, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, classify(entityDelivery, "", err)
		}
		d.Status = webhook.Status(status)
		d.LeaseUntil = leased.Time
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(entityDelivery, "", err)
	}
	return out, nil
}

func (s *Store) SaveAttempt(ctx context.Context, d webhook.Delivery) error {
	status := sql.NullInt64{Int64: int64(d.ResponseStatus), Valid: d.ResponseStatus != 0}
	res, err := s.db.ExecContext(ctx, `
		update webhook_deliveries set
			attempts = $2, status = $3, next_retry_at = $4, lease_until = null,
			response_status = $5, response_body = $6, last_error = $7,
			updated_at = $8, completed_at = $9
		where id = $1
	`, d.ID, d.Attempts, string(d.Status), d.NextRetryAt.UTC(), status, nullIfEmpty(d.ResponseBody),
		nullIfEmpty(d.LastError), d.UpdatedAt.UTC(), nullTime(d.CompletedAt))
	if err != nil {
		return classify(entityDelivery, "", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFound(entityDelivery)
	}
	return nil
}
