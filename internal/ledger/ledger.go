// Package ledger implements per-tenant credit accounting. All mutation goes
// through transactional check-and-decrement or top-up; business logic never
// writes balances directly.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"outreach-engine/internal/models"
)

// ErrUnknownClass is returned when a (tenant, class) balance row is missing.
var ErrUnknownClass = errors.New("no balance row for resource class")

// Ledger provides atomic credit operations over Postgres.
type Ledger struct {
	pool *pgxpool.Pool
}

// New constructs a ledger over the shared pool.
func New(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// UsageRef carries attribution for the usage log entry written alongside a
// decrement.
type UsageRef struct {
	Actor     string
	RelatedID string
	Metadata  map[string]any
}

// Decision reports the outcome of a check-and-decrement.
type Decision struct {
	Allowed   bool
	Remaining int64
}

// CheckAndDecrement atomically verifies and consumes credits for one
// (tenant, class) row. The row lock scope is exactly that row; a rejection
// leaves the balance untouched and writes no usage log. Safe under arbitrary
// concurrent callers.
func (l *Ledger) CheckAndDecrement(ctx context.Context, tenant string, class models.ResourceClass, amount int64, ref UsageRef) (Decision, error) {
	if amount <= 0 {
		return Decision{}, fmt.Errorf("invalid decrement amount %d", amount)
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Decision{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var balance int64
	err = tx.QueryRow(ctx, `
		SELECT amount FROM credit_balances
		WHERE tenant = $1 AND resource_class = $2
		FOR UPDATE
	`, tenant, class).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return Decision{Allowed: false, Remaining: 0}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("lock balance row: %w", err)
	}

	if balance < amount {
		return Decision{Allowed: false, Remaining: balance}, nil
	}

	remaining := balance - amount
	_, err = tx.Exec(ctx, `
		UPDATE credit_balances SET amount = $3, updated_at = NOW()
		WHERE tenant = $1 AND resource_class = $2
	`, tenant, class, remaining)
	if err != nil {
		return Decision{}, fmt.Errorf("decrement balance: %w", err)
	}

	if err := appendUsage(ctx, tx, tenant, class, amount, ref); err != nil {
		return Decision{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Decision{}, fmt.Errorf("commit: %w", err)
	}
	return Decision{Allowed: true, Remaining: remaining}, nil
}

// Increment applies a multi-class top-up in a single transaction. Either
// every delta lands or none does.
func (l *Ledger) Increment(ctx context.Context, tenant string, deltas map[models.ResourceClass]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	for class, amount := range deltas {
		if amount <= 0 {
			return fmt.Errorf("invalid top-up amount %d for %s", amount, class)
		}
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for class, amount := range deltas {
		_, err := tx.Exec(ctx, `
			INSERT INTO credit_balances (tenant, resource_class, amount, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (tenant, resource_class)
			DO UPDATE SET amount = credit_balances.amount + $3, updated_at = NOW()
		`, tenant, class, amount)
		if err != nil {
			return fmt.Errorf("top up %s: %w", class, err)
		}
	}
	return tx.Commit(ctx)
}

// Balance returns the current amount for one (tenant, class) pair without
// locking, used for pre-flight checks.
func (l *Ledger) Balance(ctx context.Context, tenant string, class models.ResourceClass) (int64, error) {
	var amount int64
	err := l.pool.QueryRow(ctx, `
		SELECT amount FROM credit_balances WHERE tenant = $1 AND resource_class = $2
	`, tenant, class).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return amount, nil
}

// AppendUsage writes a usage log entry outside of a decrement, for calls
// whose cost was incurred even though the pool had already hit its floor.
func (l *Ledger) AppendUsage(ctx context.Context, tenant string, class models.ResourceClass, amount int64, ref UsageRef) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := appendUsage(ctx, tx, tenant, class, amount, ref); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Balances returns the current snapshot for every class the tenant holds.
func (l *Ledger) Balances(ctx context.Context, tenant string) ([]models.CreditBalance, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT tenant, resource_class, amount, updated_at
		FROM credit_balances WHERE tenant = $1
		ORDER BY resource_class
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var out []models.CreditBalance
	for rows.Next() {
		var b models.CreditBalance
		if err := rows.Scan(&b.Tenant, &b.Class, &b.Amount, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// EnsureClasses seeds zero-amount rows for every known class so later
// decrements see a row to lock.
func (l *Ledger) EnsureClasses(ctx context.Context, tenant string) error {
	for _, class := range models.AllResourceClasses {
		_, err := l.pool.Exec(ctx, `
			INSERT INTO credit_balances (tenant, resource_class, amount, updated_at)
			VALUES ($1, $2, 0, NOW())
			ON CONFLICT (tenant, resource_class) DO NOTHING
		`, tenant, class)
		if err != nil {
			return fmt.Errorf("seed class %s: %w", class, err)
		}
	}
	return nil
}

func appendUsage(ctx context.Context, tx pgx.Tx, tenant string, class models.ResourceClass, amount int64, ref UsageRef) error {
	metaJSON, err := json.Marshal(ref.Metadata)
	if err != nil {
		return fmt.Errorf("marshal usage metadata: %w", err)
	}
	var related *string
	if ref.RelatedID != "" {
		related = &ref.RelatedID
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO usage_logs (id, tenant, actor, resource_class, amount, related_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, uuid.New().String(), tenant, ref.Actor, class, amount, related, metaJSON)
	if err != nil {
		return fmt.Errorf("append usage log: %w", err)
	}
	return nil
}
