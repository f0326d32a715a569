package transactions

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// txnColumns is the SELECT column list for transactions.
const txnColumns = `id, offer_id, listing_id, buyer_id, seller_id,
	agreed_price, deposit_amount, platform_fee, status,
	buyer_accepted_terms_at, seller_accepted_terms_at,
	deposit_method, deposit_ref, deposit_recorded_at, deposit_verified_at,
	buyer_approved_at, seller_approved_at, admin_approved_at,
	final_payment_method, final_payment_ref, final_payment_received_at,
	dispute_reason, dispute_opened_at, dispute_resolution, dispute_resolved_at,
	cancel_reason, cancelled_at, completed_at,
	created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, offer_id, listing_id, buyer_id, seller_id,
			agreed_price, deposit_amount, platform_fee, status,
			buyer_accepted_terms_at, seller_accepted_terms_at,
			deposit_method, deposit_ref, deposit_recorded_at, deposit_verified_at,
			buyer_approved_at, seller_approved_at, admin_approved_at,
			final_payment_method, final_payment_ref, final_payment_received_at,
			dispute_reason, dispute_opened_at, dispute_resolution, dispute_resolved_at,
			cancel_reason, cancelled_at, completed_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11,
			$12, $13, $14, $15,
			$16, $17, $18,
			$19, $20, $21,
			$22, $23, $24, $25,
			$26, $27, $28,
			$29, $30
		)`,
		t.ID, t.OfferID, t.ListingID, t.BuyerID, t.SellerID,
		t.AgreedPrice, t.DepositAmount, t.PlatformFee, string(t.Status),
		nullTime(t.BuyerAcceptedTermsAt), nullTime(t.SellerAcceptedTermsAt),
		nullStr(string(t.DepositMethod)), nullStr(t.DepositRef), nullTime(t.DepositRecordedAt), nullTime(t.DepositVerifiedAt),
		nullTime(t.BuyerApprovedAt), nullTime(t.SellerApprovedAt), nullTime(t.AdminApprovedAt),
		nullStr(string(t.FinalPaymentMethod)), nullStr(t.FinalPaymentRef), nullTime(t.FinalPaymentReceivedAt),
		nullStr(t.DisputeReason), nullTime(t.DisputeOpenedAt), nullStr(t.DisputeResolution), nullTime(t.DisputeResolvedAt),
		nullStr(t.CancelReason), nullTime(t.CancelledAt), nullTime(t.CompletedAt),
		t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateOffer
	}
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO transaction_timeline (transaction_id, status, title, actor, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, string(t.Status), "Transaction opened", "system", t.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) GetByOffer(ctx context.Context, offerID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE offer_id = $1`, offerID)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// UpdateIf writes the full mutable field set guarded by the stored status,
// and appends the timeline entry inside the same database transaction. A
// zero-row update means another writer got there first.
func (p *PostgresStore) UpdateIf(ctx context.Context, t *Transaction, expect Status, entry *TimelineEntry) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1,
			buyer_accepted_terms_at = $2, seller_accepted_terms_at = $3,
			deposit_method = $4, deposit_ref = $5,
			deposit_recorded_at = $6, deposit_verified_at = $7,
			buyer_approved_at = $8, seller_approved_at = $9, admin_approved_at = $10,
			final_payment_method = $11, final_payment_ref = $12, final_payment_received_at = $13,
			dispute_reason = $14, dispute_opened_at = $15,
			dispute_resolution = $16, dispute_resolved_at = $17,
			cancel_reason = $18, cancelled_at = $19, completed_at = $20,
			updated_at = $21
		WHERE id = $22 AND status = $23`,
		string(t.Status),
		nullTime(t.BuyerAcceptedTermsAt), nullTime(t.SellerAcceptedTermsAt),
		nullStr(string(t.DepositMethod)), nullStr(t.DepositRef),
		nullTime(t.DepositRecordedAt), nullTime(t.DepositVerifiedAt),
		nullTime(t.BuyerApprovedAt), nullTime(t.SellerApprovedAt), nullTime(t.AdminApprovedAt),
		nullStr(string(t.FinalPaymentMethod)), nullStr(t.FinalPaymentRef), nullTime(t.FinalPaymentReceivedAt),
		nullStr(t.DisputeReason), nullTime(t.DisputeOpenedAt),
		nullStr(t.DisputeResolution), nullTime(t.DisputeResolvedAt),
		nullStr(t.CancelReason), nullTime(t.CancelledAt), nullTime(t.CompletedAt),
		t.UpdatedAt, t.ID, string(expect),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	if entry != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO transaction_timeline (transaction_id, status, title, actor, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			entry.TransactionID, string(entry.Status), entry.Title, entry.Actor, entry.CreatedAt,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) Timeline(ctx context.Context, txnID string) ([]*TimelineEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, status, title, actor, created_at
		FROM transaction_timeline
		WHERE transaction_id = $1
		ORDER BY id ASC`,
		txnID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*TimelineEntry
	for rows.Next() {
		e := &TimelineEntry{}
		var status string
		if err := rows.Scan(&e.ID, &e.TransactionID, &status, &e.Title, &e.Actor, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Status = Status(status)
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+txnColumns+` FROM transactions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+txnColumns+` FROM transactions
		WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(sc scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		status                string
		buyerAcceptedTermsAt  sql.NullTime
		sellerAcceptedTermsAt sql.NullTime
		depositMethod         sql.NullString
		depositRef            sql.NullString
		depositRecordedAt     sql.NullTime
		depositVerifiedAt     sql.NullTime
		buyerApprovedAt       sql.NullTime
		sellerApprovedAt      sql.NullTime
		adminApprovedAt       sql.NullTime
		finalPaymentMethod    sql.NullString
		finalPaymentRef       sql.NullString
		finalPaymentReceived  sql.NullTime
		disputeReason         sql.NullString
		disputeOpenedAt       sql.NullTime
		disputeResolution     sql.NullString
		disputeResolvedAt     sql.NullTime
		cancelReason          sql.NullString
		cancelledAt           sql.NullTime
		completedAt           sql.NullTime
	)

	err := sc.Scan(
		&t.ID, &t.OfferID, &t.ListingID, &t.BuyerID, &t.SellerID,
		&t.AgreedPrice, &t.DepositAmount, &t.PlatformFee, &status,
		&buyerAcceptedTermsAt, &sellerAcceptedTermsAt,
		&depositMethod, &depositRef, &depositRecordedAt, &depositVerifiedAt,
		&buyerApprovedAt, &sellerApprovedAt, &adminApprovedAt,
		&finalPaymentMethod, &finalPaymentRef, &finalPaymentReceived,
		&disputeReason, &disputeOpenedAt, &disputeResolution, &disputeResolvedAt,
		&cancelReason, &cancelledAt, &completedAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.DepositMethod = Method(depositMethod.String)
	t.DepositRef = depositRef.String
	t.FinalPaymentMethod = Method(finalPaymentMethod.String)
	t.FinalPaymentRef = finalPaymentRef.String
	t.DisputeReason = disputeReason.String
	t.DisputeResolution = disputeResolution.String
	t.CancelReason = cancelReason.String
	t.BuyerAcceptedTermsAt = timePtr(buyerAcceptedTermsAt)
	t.SellerAcceptedTermsAt = timePtr(sellerAcceptedTermsAt)
	t.DepositRecordedAt = timePtr(depositRecordedAt)
	t.DepositVerifiedAt = timePtr(depositVerifiedAt)
	t.BuyerApprovedAt = timePtr(buyerApprovedAt)
	t.SellerApprovedAt = timePtr(sellerApprovedAt)
	t.AdminApprovedAt = timePtr(adminApprovedAt)
	t.FinalPaymentReceivedAt = timePtr(finalPaymentReceived)
	t.DisputeOpenedAt = timePtr(disputeOpenedAt)
	t.DisputeResolvedAt = timePtr(disputeResolvedAt)
	t.CancelledAt = timePtr(cancelledAt)
	t.CompletedAt = timePtr(completedAt)

	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
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

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
