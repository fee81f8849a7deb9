package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"outreach-engine/internal/models"
)

// ErrRecipientNotFound is returned when a recipient id does not resolve for
// the tenant.
var ErrRecipientNotFound = errors.New("recipient not found")

// GetRecipient loads one recipient scoped by tenant.
func (s *Store) GetRecipient(ctx context.Context, tenant, id string) (models.Recipient, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant, email, phone, tags, last_visit_at
		FROM recipients WHERE tenant = $1 AND id = $2
	`, tenant, id)

	var r models.Recipient
	var email, phone pgtype.Text
	var tagsJSON []byte
	var lastVisit pgtype.Timestamptz
	err := row.Scan(&r.ID, &r.Tenant, &email, &phone, &tagsJSON, &lastVisit)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Recipient{}, ErrRecipientNotFound
	}
	if err != nil {
		return models.Recipient{}, fmt.Errorf("scan recipient: %w", err)
	}
	r.Email = textPtr(email)
	r.Phone = textPtr(phone)
	if err := json.Unmarshal(tagsJSON, &r.Tags); err != nil {
		return models.Recipient{}, fmt.Errorf("unmarshal tags: %w", err)
	}
	if lastVisit.Valid {
		t := lastVisit.Time
		r.LastVisitAt = &t
	}
	return r, nil
}

// UpsertRecipient syncs a recipient row from the practice-management side.
func (s *Store) UpsertRecipient(ctx context.Context, r models.Recipient) error {
	tagsJSON, err := json.Marshal(r.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO recipients (id, tenant, email, phone, tags, last_visit_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant, id)
		DO UPDATE SET email = $3, phone = $4, tags = $5, last_visit_at = $6
	`, r.ID, r.Tenant, r.Email, r.Phone, tagsJSON, r.LastVisitAt)
	if err != nil {
		return fmt.Errorf("upsert recipient: %w", err)
	}
	return nil
}
