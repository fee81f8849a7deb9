package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"outreach-engine/internal/models"
)

// ErrCampaignNotFound is returned when a campaign id does not resolve.
var ErrCampaignNotFound = errors.New("campaign not found")

// ErrSendNotFound is returned when a send id does not resolve for the tenant.
var ErrSendNotFound = errors.New("send record not found")

// CreateCampaign inserts a draft campaign.
func (s *Store) CreateCampaign(ctx context.Context, c models.Campaign) (models.Campaign, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	stepsJSON, err := json.Marshal(c.Steps)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("marshal steps: %w", err)
	}
	criteriaJSON, err := json.Marshal(c.SegmentCriteria)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("marshal segment criteria: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO campaigns (id, tenant, name, steps, segment_criteria, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, c.ID, c.Tenant, c.Name, stepsJSON, criteriaJSON, models.CampaignDraft, now)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("insert campaign: %w", err)
	}
	c.Status = models.CampaignDraft
	c.CreatedAt = now
	c.UpdatedAt = now
	return c, nil
}

// GetCampaign fetches a campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id string) (models.Campaign, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant, name, steps, segment_criteria, status, paused_reason,
		       sent_count, failed_count, total_recipients, created_at, updated_at
		FROM campaigns WHERE id = $1
	`, id)

	var c models.Campaign
	var stepsJSON, criteriaJSON []byte
	var pausedReason pgtype.Text
	err := row.Scan(&c.ID, &c.Tenant, &c.Name, &stepsJSON, &criteriaJSON, &c.Status, &pausedReason,
		&c.SentCount, &c.FailedCount, &c.TotalRecipients, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Campaign{}, ErrCampaignNotFound
	}
	if err != nil {
		return models.Campaign{}, fmt.Errorf("scan campaign: %w", err)
	}
	if err := json.Unmarshal(stepsJSON, &c.Steps); err != nil {
		return models.Campaign{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := json.Unmarshal(criteriaJSON, &c.SegmentCriteria); err != nil {
		return models.Campaign{}, fmt.Errorf("unmarshal segment criteria: %w", err)
	}
	c.PausedReason = textPtr(pausedReason)
	return c, nil
}

// SetCampaignStatus transitions a campaign, recording a pause reason when
// given and clearing it otherwise.
func (s *Store) SetCampaignStatus(ctx context.Context, id, status string, pausedReason *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET status = $2, paused_reason = $3, updated_at = NOW() WHERE id = $1
	`, id, status, pausedReason)
	return err
}

// MarkCampaignRunning sets running status and the resolved recipient total.
func (s *Store) MarkCampaignRunning(ctx context.Context, id string, totalRecipients int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaigns
		SET status = $2, paused_reason = NULL, total_recipients = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.CampaignRunning, totalRecipients)
	return err
}

// ResolveSegment returns recipient ids for a tenant matching the campaign's
// segment criteria. Supported keys: inactive_days (last visit older than N
// days), has_email, has_phone.
func (s *Store) ResolveSegment(ctx context.Context, tenant string, criteria map[string]any) ([]string, error) {
	query := `SELECT id FROM recipients WHERE tenant = $1`
	args := []any{tenant}

	if days, ok := asFloat(criteria["inactive_days"]); ok && days > 0 {
		args = append(args, time.Now().UTC().Add(-time.Duration(days)*24*time.Hour))
		query += fmt.Sprintf(` AND (last_visit_at IS NULL OR last_visit_at < $%d)`, len(args))
	}
	if b, ok := criteria["has_email"].(bool); ok && b {
		query += ` AND email IS NOT NULL`
	}
	if b, ok := criteria["has_phone"].(bool); ok && b {
		query += ` AND phone IS NOT NULL`
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve segment: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan recipient id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SeedProgress upserts a step-0 progress row for every recipient. Re-running
// resets existing rows instead of duplicating them, which is what makes
// campaign_start idempotent.
func (s *Store) SeedProgress(ctx context.Context, campaignID string, recipientIDs []string, now time.Time) error {
	batch := &pgx.Batch{}
	for _, rid := range recipientIDs {
		batch.Queue(`
			INSERT INTO campaign_recipient_progress (campaign_id, recipient_id, current_step_index, next_action_at, status)
			VALUES ($1, $2, 0, $3, $4)
			ON CONFLICT (campaign_id, recipient_id)
			DO UPDATE SET current_step_index = 0, next_action_at = $3, status = $4
		`, campaignID, rid, now, models.RecipientActive)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range recipientIDs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("seed progress: %w", err)
		}
	}
	return nil
}

// DueRecipients returns up to limit active recipients whose next action is
// due, oldest first.
func (s *Store) DueRecipients(ctx context.Context, campaignID string, now time.Time, limit int) ([]models.RecipientProgress, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT campaign_id, recipient_id, current_step_index, next_action_at, status
		FROM campaign_recipient_progress
		WHERE campaign_id = $1 AND status = $2 AND next_action_at <= $3
		ORDER BY next_action_at
		LIMIT $4
	`, campaignID, models.RecipientActive, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due recipients: %w", err)
	}
	defer rows.Close()

	var out []models.RecipientProgress
	for rows.Next() {
		var p models.RecipientProgress
		if err := rows.Scan(&p.CampaignID, &p.RecipientID, &p.StepIndex, &p.NextActionAt, &p.Status); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AdvanceRecipient moves the cursor without recording a send, used for
// fallback-condition skips and end-of-sequence completion.
func (s *Store) AdvanceRecipient(ctx context.Context, campaignID, recipientID string, stepIndex int, nextActionAt time.Time, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaign_recipient_progress
		SET current_step_index = $3, next_action_at = $4, status = $5
		WHERE campaign_id = $1 AND recipient_id = $2
	`, campaignID, recipientID, stepIndex, nextActionAt, status)
	return err
}

// RecordSendAndAdvance inserts the send record, bumps the matching campaign
// counter, and advances the recipient cursor in one transaction. sent_count
// only moves together with its send row, so a retried batch cannot double
// count.
func (s *Store) RecordSendAndAdvance(ctx context.Context, rec models.SendRecord, nextStep int, nextActionAt time.Time, recipientStatus string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO send_records (id, tenant, campaign_id, recipient_id, step_index, channel, status, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, rec.ID, rec.Tenant, rec.CampaignID, rec.RecipientID, rec.StepIndex, rec.Channel, rec.Status)
	if err != nil {
		return fmt.Errorf("insert send record: %w", err)
	}
	counter := "sent_count"
	if rec.Status != "sent" {
		counter = "failed_count"
	}
	_, err = tx.Exec(ctx, `
		UPDATE campaigns SET `+counter+` = `+counter+` + 1, updated_at = NOW() WHERE id = $1
	`, rec.CampaignID)
	if err != nil {
		return fmt.Errorf("bump campaign counter: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE campaign_recipient_progress
		SET current_step_index = $3, next_action_at = $4, status = $5
		WHERE campaign_id = $1 AND recipient_id = $2
	`, rec.CampaignID, rec.RecipientID, nextStep, nextActionAt, recipientStatus)
	if err != nil {
		return fmt.Errorf("advance recipient: %w", err)
	}
	return tx.Commit(ctx)
}

// LastSend returns the most recent send for a recipient in a campaign, used
// by the fallback-condition check.
func (s *Store) LastSend(ctx context.Context, campaignID, recipientID string) (models.SendRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant, campaign_id, recipient_id, step_index, channel, status, sent_at, opened_at, replied_at
		FROM send_records
		WHERE campaign_id = $1 AND recipient_id = $2
		ORDER BY sent_at DESC
		LIMIT 1
	`, campaignID, recipientID)

	var rec models.SendRecord
	var opened, replied pgtype.Timestamptz
	err := row.Scan(&rec.ID, &rec.Tenant, &rec.CampaignID, &rec.RecipientID, &rec.StepIndex, &rec.Channel, &rec.Status, &rec.SentAt, &opened, &replied)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SendRecord{}, false, nil
	}
	if err != nil {
		return models.SendRecord{}, false, fmt.Errorf("scan send record: %w", err)
	}
	if opened.Valid {
		t := opened.Time
		rec.OpenedAt = &t
	}
	if replied.Valid {
		t := replied.Time
		rec.RepliedAt = &t
	}
	return rec, true, nil
}

// MarkSendEvent stamps an engagement event (opened or replied) on a send.
// Scoped by tenant so one clinic cannot stamp another's records.
func (s *Store) MarkSendEvent(ctx context.Context, tenant, sendID, event string) error {
	var col string
	switch event {
	case "opened":
		col = "opened_at"
	case "replied":
		col = "replied_at"
	default:
		return fmt.Errorf("unknown send event %q", event)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE send_records SET `+col+` = COALESCE(`+col+`, NOW()) WHERE id = $1 AND tenant = $2
	`, sendID, tenant)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSendNotFound
	}
	return nil
}

// ActiveCounts returns the number of active recipients remaining and how many
// of them are already due.
func (s *Store) ActiveCounts(ctx context.Context, campaignID string, now time.Time) (active int64, due int64, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE next_action_at <= $3)
		FROM campaign_recipient_progress
		WHERE campaign_id = $1 AND status = $2
	`, campaignID, models.RecipientActive, now).Scan(&active, &due)
	if err != nil {
		return 0, 0, fmt.Errorf("count active recipients: %w", err)
	}
	return active, due, nil
}

// DueCampaignRef identifies a running campaign with due recipients.
type DueCampaignRef struct {
	ID     string
	Tenant string
}

// DueCampaigns returns running campaigns that have due active recipients and
// no batch job already pending or in flight. The worker's sweep uses this to
// fire delayed steps whose batch chain has gone quiet.
func (s *Store) DueCampaigns(ctx context.Context, now time.Time) ([]DueCampaignRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT c.id, c.tenant
		FROM campaigns c
		JOIN campaign_recipient_progress p ON p.campaign_id = c.id
		WHERE c.status = $1 AND p.status = $2 AND p.next_action_at <= $3
		AND NOT EXISTS (
			SELECT 1 FROM jobs j
			WHERE j.type = $4
			AND j.status IN ($5, $6)
			AND j.payload->>'campaign_id' = c.id::text
		)
	`, models.CampaignRunning, models.RecipientActive, now,
		models.JobCampaignBatch, models.JobPending, models.JobProcessing)
	if err != nil {
		return nil, fmt.Errorf("query due campaigns: %w", err)
	}
	defer rows.Close()

	var out []DueCampaignRef
	for rows.Next() {
		var ref DueCampaignRef
		if err := rows.Scan(&ref.ID, &ref.Tenant); err != nil {
			return nil, fmt.Errorf("scan due campaign: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
