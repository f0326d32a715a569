package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, transaction_id, user_id, purpose, method, amount, currency,
	status, reference, session_id, failure_reason, completed_at, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, nullStr(p.TransactionID), p.UserID, string(p.Purpose), p.Method,
		p.Amount, p.Currency, string(p.Status), nullStr(p.Reference),
		nullStr(p.SessionID), nullStr(p.FailureReason), nullTime(p.CompletedAt),
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return scanPayment(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) GetByReference(ctx context.Context, reference string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE reference = $1`
	return scanPayment(s.db.QueryRowContext(ctx, query, reference))
}

func (s *PostgresStore) GetBySession(ctx context.Context, sessionID string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE session_id = $1`
	return scanPayment(s.db.QueryRowContext(ctx, query, sessionID))
}

func (s *PostgresStore) ListByTransaction(ctx context.Context, txnID string) ([]*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE transaction_id = $1 ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, txnID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

func (s *PostgresStore) SetReference(ctx context.Context, id, reference string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments SET reference = $1, updated_at = $2
		WHERE id = $3 AND reference IS NULL`,
		reference, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set payment reference: %w", err)
	}
	// A reference already present stays; only a missing row is an error.
	if rows, err := result.RowsAffected(); err == nil && rows > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM payments WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check payment existence: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CompleteIf(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = 'completed', completed_at = $1, updated_at = $1
		WHERE id = $2 AND status IN ('pending', 'processing')`,
		at, id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete payment: %w", err)
	}
	return requireTransition(ctx, s.db, result, id)
}

func (s *PostgresStore) Fail(ctx context.Context, id string, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = 'failed', failure_reason = $1, updated_at = $2
		WHERE id = $3 AND status IN ('pending', 'processing')`,
		reason, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to fail payment: %w", err)
	}
	return requireTransition(ctx, s.db, result, id)
}

func (s *PostgresStore) MarkRefunded(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = 'refunded', updated_at = $1
		WHERE id = $2 AND status = 'completed'`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark payment refunded: %w", err)
	}
	return requireTransition(ctx, s.db, result, id)
}

// requireTransition distinguishes a missing row from a conditional update
// that matched nothing.
func requireTransition(ctx context.Context, db *sql.DB, result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	var exists bool
	if err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM payments WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check payment existence: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidStatus
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (*Payment, error) {
	var p Payment
	var txnID, reference, sessionID, failureReason sql.NullString
	var completedAt sql.NullTime
	var purpose, status string

	err := row.Scan(
		&p.ID, &txnID, &p.UserID, &purpose, &p.Method, &p.Amount, &p.Currency,
		&status, &reference, &sessionID, &failureReason, &completedAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}

	p.Purpose = Purpose(purpose)
	p.Status = Status(status)
	p.TransactionID = txnID.String
	p.Reference = reference.String
	p.SessionID = sessionID.String
	p.FailureReason = failureReason.String
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	return &p, nil
}

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
