package listings

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists listings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// listingColumns is the SELECT column list for listings.
const listingColumns = `id, seller_id, authority_type, authority_ref,
	title, description, state, years_active, asking_price,
	status, fee_paid, fee_paid_at, fee_payment_ref,
	reserved_ref, sold_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, l *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (
			id, seller_id, authority_type, authority_ref,
			title, description, state, years_active, asking_price,
			status, fee_paid, fee_paid_at, fee_payment_ref,
			reserved_ref, sold_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17
		)`,
		l.ID, l.SellerID, l.AuthorityType, nullStr(l.AuthorityRef),
		l.Title, nullStr(l.Description), nullStr(l.State), l.YearsActive, l.AskingPrice,
		string(l.Status), l.FeePaid, nullTime(l.FeePaidAt), nullStr(l.FeePaymentRef),
		nullStr(l.ReservedRef), nullTime(l.SoldAt), l.CreatedAt, l.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)

	l, err := scanListing(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return l, err
}

func (p *PostgresStore) Update(ctx context.Context, l *Listing) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings SET
			title = $1, description = $2, state = $3, years_active = $4,
			asking_price = $5, status = $6, updated_at = $7
		WHERE id = $8`,
		l.Title, nullStr(l.Description), nullStr(l.State), l.YearsActive,
		l.AskingPrice, string(l.Status), l.UpdatedAt, l.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result, ErrNotFound)
}

// MarkFeePaid flips a draft listing to active in a single conditional update.
// The status predicate is the compare-and-set guard against a manual waiver
// racing a fee webhook.
func (p *PostgresStore) MarkFeePaid(ctx context.Context, id, paymentRef string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings SET
			status = 'active', fee_paid = TRUE, fee_paid_at = $1,
			fee_payment_ref = $2, updated_at = $1
		WHERE id = $3 AND status = 'draft' AND fee_paid = FALSE`,
		at, paymentRef, id,
	)
	if err != nil {
		return err
	}
	return p.requireTransition(ctx, result, id)
}

func (p *PostgresStore) Reserve(ctx context.Context, id, ref string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings SET
			status = 'reserved', reserved_ref = $1, updated_at = $2
		WHERE id = $3 AND status = 'active'`,
		ref, at, id,
	)
	if err != nil {
		return err
	}
	return p.requireTransition(ctx, result, id)
}

func (p *PostgresStore) Release(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings SET
			status = 'active', reserved_ref = NULL, updated_at = $1
		WHERE id = $2 AND status = 'reserved'`,
		at, id,
	)
	if err != nil {
		return err
	}
	return p.requireTransition(ctx, result, id)
}

func (p *PostgresStore) MarkSold(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings SET
			status = 'sold', sold_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'reserved'`,
		at, id,
	)
	if err != nil {
		return err
	}
	return p.requireTransition(ctx, result, id)
}

func (p *PostgresStore) ListActive(ctx context.Context, authorityType string, limit int) ([]*Listing, error) {
	var query string
	var args []interface{}

	if authorityType != "" {
		query = `SELECT ` + listingColumns + ` FROM listings
			WHERE status = 'active' AND authority_type = $1
			ORDER BY created_at DESC LIMIT $2`
		args = []interface{}{authorityType, limit}
	} else {
		query = `SELECT ` + listingColumns + ` FROM listings
			WHERE status = 'active'
			ORDER BY created_at DESC LIMIT $1`
		args = []interface{}{limit}
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanListings(rows)
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Listing, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+listingColumns+` FROM listings
		WHERE seller_id = $1 ORDER BY created_at DESC LIMIT $2`,
		sellerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanListings(rows)
}

// requireTransition distinguishes "listing missing" from "precondition lost"
// when a conditional update touched zero rows.
func (p *PostgresStore) requireTransition(ctx context.Context, result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM listings WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidStatus
}

func requireRow(result sql.Result, missing error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return missing
	}
	return nil
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(sc scanner) (*Listing, error) {
	l := &Listing{}
	var (
		authorityRef  sql.NullString
		description   sql.NullString
		state         sql.NullString
		feePaidAt     sql.NullTime
		feePaymentRef sql.NullString
		reservedRef sql.NullString
		soldAt        sql.NullTime
		status        string
	)

	err := sc.Scan(
		&l.ID, &l.SellerID, &l.AuthorityType, &authorityRef,
		&l.Title, &description, &state, &l.YearsActive, &l.AskingPrice,
		&status, &l.FeePaid, &feePaidAt, &feePaymentRef,
		&reservedRef, &soldAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	l.Status = Status(status)
	l.AuthorityRef = authorityRef.String
	l.Description = description.String
	l.State = state.String
	l.FeePaymentRef = feePaymentRef.String
	l.ReservedRef = reservedRef.String
	if feePaidAt.Valid {
		l.FeePaidAt = &feePaidAt.Time
	}
	if soldAt.Valid {
		l.SoldAt = &soldAt.Time
	}

	return l, nil
}

func scanListings(rows *sql.Rows) ([]*Listing, error) {
	var result []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
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

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
