package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/authex/authex/internal/payments"
)

// PostgresStore implements Store on the processed_webhook_events table.
// The table's primary key on event_id is the cross-process dedupe gate: the
// uncommitted insert blocks a rival delivery of the same event until the
// first attempt commits or rolls back.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Begin(ctx context.Context, eventID string, purpose payments.Purpose) (Attempt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin attempt: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO processed_webhook_events (event_id, purpose, processed_at)
		VALUES ($1, $2, $3)`,
		eventID, string(purpose), time.Now(),
	)
	if err != nil {
		tx.Rollback()
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEvent
		}
		return nil, fmt.Errorf("failed to record event: %w", err)
	}
	return &pgAttempt{tx: tx}, nil
}

type pgAttempt struct {
	tx   *sql.Tx
	done bool
}

func (a *pgAttempt) Commit() error {
	a.done = true
	return a.tx.Commit()
}

func (a *pgAttempt) Rollback() error {
	if a.done {
		return nil
	}
	return a.tx.Rollback()
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
