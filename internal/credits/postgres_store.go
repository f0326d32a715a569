package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (*CreditBalance, error) {
	var b CreditBalance
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, total_credits, used_credits, updated_at
		FROM credit_balances WHERE user_id = $1`, userID,
	).Scan(&b.UserID, &b.TotalCredits, &b.UsedCredits, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &CreditBalance{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit balance: %w", err)
	}
	return &b, nil
}

// Apply runs the balance adjustment and the ledger append in one
// transaction. The row lock on the balance is the cross-process guard.
func (s *PostgresStore) Apply(ctx context.Context, userID string, deltaTotal, deltaUsed int64, entry *CreditTransaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := applyInTx(ctx, tx, userID, deltaTotal, deltaUsed, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// applyInTx is the balance adjustment and ledger append, run inside the
// caller's transaction.
func applyInTx(ctx context.Context, tx *sql.Tx, userID string, deltaTotal, deltaUsed int64, entry *CreditTransaction) error {
	now := time.Now()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_balances (user_id, total_credits, used_credits, updated_at)
		VALUES ($1, 0, 0, $2)
		ON CONFLICT (user_id) DO NOTHING`, userID, now)
	if err != nil {
		return fmt.Errorf("failed to ensure balance row: %w", err)
	}

	var total, used int64
	err = tx.QueryRowContext(ctx, `
		SELECT total_credits, used_credits FROM credit_balances
		WHERE user_id = $1 FOR UPDATE`, userID,
	).Scan(&total, &used)
	if err != nil {
		return fmt.Errorf("failed to lock balance row: %w", err)
	}

	newTotal := total + deltaTotal
	newUsed := used + deltaUsed
	if newUsed > newTotal {
		return ErrInsufficientCredits
	}
	if newUsed < 0 {
		return ErrInvalidRefund
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE credit_balances
		SET total_credits = $1, used_credits = $2, updated_at = $3
		WHERE user_id = $4`,
		newTotal, newUsed, now, userID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, type, amount, balance, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.UserID, string(entry.Type), entry.Amount, entry.Balance,
		nullStr(entry.Reference), nullStr(entry.Description), entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEntry
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*CreditTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, balance, reference, description, created_at
		FROM credit_transactions
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit transactions: %w", err)
	}
	defer rows.Close()

	var out []*CreditTransaction
	for rows.Next() {
		var e CreditTransaction
		var typ string
		var reference, description sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &typ, &e.Amount, &e.Balance,
			&reference, &description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credit transaction: %w", err)
		}
		e.Type = EntryType(typ)
		e.Reference = reference.String
		e.Description = description.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, plan_id, status, renewal_date, ends_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, sub.UserID, sub.PlanID, string(sub.Status), sub.RenewalDate,
		nullTimePtr(sub.EndsAt), sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSubscriptionExists
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, plan_id, status, renewal_date, ends_at, created_at, updated_at
		FROM subscriptions WHERE id = $1`, id))
}

func (s *PostgresStore) GetSubscriptionByUser(ctx context.Context, userID string) (*Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, plan_id, status, renewal_date, ends_at, created_at, updated_at
		FROM subscriptions WHERE user_id = $1
		ORDER BY created_at DESC LIMIT 1`, userID))
}

func (s *PostgresStore) AdvanceRenewal(ctx context.Context, id string, observed, next time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET renewal_date = $1, updated_at = $2
		WHERE id = $3 AND status = 'active' AND renewal_date = $4`,
		next, time.Now(), id, observed)
	if err != nil {
		return fmt.Errorf("failed to advance renewal: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM subscriptions WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check subscription existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrRenewalRace
	}
	return nil
}

// ApplyRenewal advances the renewal date and applies the period grant in
// one transaction. Either both land or neither does: a crash, a duplicate
// reference, or a lost compare-and-set rolls the whole unit back.
func (s *PostgresStore) ApplyRenewal(ctx context.Context, subID string, observed, next time.Time, userID string, amount int64, entry *CreditTransaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE subscriptions
		SET renewal_date = $1, updated_at = $2
		WHERE id = $3 AND status = 'active' AND renewal_date = $4`,
		next, time.Now(), subID, observed)
	if err != nil {
		return fmt.Errorf("failed to advance renewal: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM subscriptions WHERE id = $1)`, subID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check subscription existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrRenewalRace
	}

	if err := applyInTx(ctx, tx, userID, amount, 0, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) CancelSubscription(ctx context.Context, id string, endsAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = 'cancelled', ends_at = $1, updated_at = $2
		WHERE id = $3 AND status = 'active'`,
		endsAt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNoSubscription
	}
	return nil
}

func (s *PostgresStore) ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, plan_id, status, renewal_date, ends_at, created_at, updated_at
		FROM subscriptions
		WHERE status = 'active' AND renewal_date <= $1
		ORDER BY renewal_date ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*Subscription, error) {
	var sub Subscription
	var status string
	var endsAt sql.NullTime
	err := row.Scan(&sub.ID, &sub.UserID, &sub.PlanID, &status,
		&sub.RenewalDate, &endsAt, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	sub.Status = SubscriptionStatus(status)
	if endsAt.Valid {
		t := endsAt.Time
		sub.EndsAt = &t
	}
	return &sub, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
