package store

import (
	"context"
	"fmt"
)

// migrations run in order on startup. Statements are idempotent so both
// binaries can apply them on boot.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS credit_balances (
		tenant TEXT NOT NULL,
		resource_class TEXT NOT NULL,
		amount BIGINT NOT NULL DEFAULT 0 CHECK (amount >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant, resource_class)
	)`,
	`CREATE TABLE IF NOT EXISTS usage_logs (
		id UUID PRIMARY KEY,
		tenant TEXT NOT NULL,
		actor TEXT NOT NULL,
		resource_class TEXT NOT NULL,
		amount BIGINT NOT NULL,
		related_id TEXT,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_logs_tenant_ts ON usage_logs (tenant, created_at)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id UUID PRIMARY KEY,
		tenant TEXT NOT NULL,
		type TEXT NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}'::jsonb,
		status TEXT NOT NULL DEFAULT 'pending',
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_pending ON jobs (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS campaigns (
		id UUID PRIMARY KEY,
		tenant TEXT NOT NULL,
		name TEXT NOT NULL,
		steps JSONB NOT NULL DEFAULT '[]'::jsonb,
		segment_criteria JSONB NOT NULL DEFAULT '{}'::jsonb,
		status TEXT NOT NULL DEFAULT 'draft',
		paused_reason TEXT,
		sent_count INT NOT NULL DEFAULT 0,
		failed_count INT NOT NULL DEFAULT 0,
		total_recipients INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS campaign_recipient_progress (
		campaign_id UUID NOT NULL REFERENCES campaigns(id),
		recipient_id TEXT NOT NULL,
		current_step_index INT NOT NULL DEFAULT 0,
		next_action_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		PRIMARY KEY (campaign_id, recipient_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_progress_due ON campaign_recipient_progress (campaign_id, status, next_action_at)`,
	`CREATE TABLE IF NOT EXISTS send_records (
		id UUID PRIMARY KEY,
		tenant TEXT NOT NULL,
		campaign_id UUID NOT NULL,
		recipient_id TEXT NOT NULL,
		step_index INT NOT NULL,
		channel TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'sent',
		sent_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		opened_at TIMESTAMPTZ,
		replied_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sends_recipient ON send_records (campaign_id, recipient_id, step_index)`,
	`CREATE TABLE IF NOT EXISTS recipients (
		id TEXT NOT NULL,
		tenant TEXT NOT NULL,
		email TEXT,
		phone TEXT,
		tags JSONB NOT NULL DEFAULT '[]'::jsonb,
		last_visit_at TIMESTAMPTZ,
		PRIMARY KEY (tenant, id)
	)`,
}

// RunMigrations executes the schema statements in order.
func (s *Store) RunMigrations(ctx context.Context) error {
	for i, sql := range migrations {
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %d: %w", i, err)
		}
	}
	return nil
}
