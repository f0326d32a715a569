package offers

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists offers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// offerColumns is the SELECT column list for offers.
const offerColumns = `id, listing_id, buyer_id, seller_id,
	amount, counter_amount, message, status,
	counter_at, counter_accepted_at, responded_at,
	expires_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (
			id, listing_id, buyer_id, seller_id,
			amount, counter_amount, message, status,
			counter_at, counter_accepted_at, responded_at,
			expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11,
			$12, $13, $14
		)`,
		o.ID, o.ListingID, o.BuyerID, o.SellerID,
		o.Amount, nullInt64(o.CounterAmount), nullStr(o.Message), string(o.Status),
		nullTime(o.CounterAt), nullTime(o.CounterAcceptedAt), nullTime(o.RespondedAt),
		o.ExpiresAt, o.CreatedAt, o.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateOffer
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)

	o, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Offer) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET
			counter_amount = $1, message = $2, status = $3,
			counter_at = $4, counter_accepted_at = $5, responded_at = $6,
			updated_at = $7
		WHERE id = $8`,
		nullInt64(o.CounterAmount), nullStr(o.Message), string(o.Status),
		nullTime(o.CounterAt), nullTime(o.CounterAcceptedAt), nullTime(o.RespondedAt),
		o.UpdatedAt, o.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetLiveByBuyerAndListing(ctx context.Context, buyerID, listingID string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM offers
		WHERE buyer_id = $1 AND listing_id = $2
		  AND status IN ('pending', 'countered')
		LIMIT 1`,
		buyerID, listingID)

	o, err := scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return o, err
}

// AcceptIf is the first-acceptance compare-and-set: the status predicate
// means exactly one concurrent accept can touch the row.
func (p *PostgresStore) AcceptIf(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET
			status = 'accepted', responded_at = $1, updated_at = $1
		WHERE id = $2 AND status IN ('pending', 'countered')`,
		at, id,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAcceptRace
	}
	return nil
}

func (p *PostgresStore) RejectOthers(ctx context.Context, listingID, exceptID string, at time.Time) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE offers SET
			status = 'rejected', responded_at = $1, updated_at = $1
		WHERE listing_id = $2 AND id <> $3
		  AND status IN ('pending', 'countered')
		RETURNING id`,
		at, listingID, exceptID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) ListByListing(ctx context.Context, listingID string, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+offerColumns+` FROM offers
		WHERE listing_id = $1 ORDER BY created_at DESC LIMIT $2`,
		listingID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOffers(rows)
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+offerColumns+` FROM offers
		WHERE buyer_id = $1 ORDER BY created_at DESC LIMIT $2`,
		buyerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOffers(rows)
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+offerColumns+` FROM offers
		WHERE seller_id = $1 ORDER BY created_at DESC LIMIT $2`,
		sellerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOffers(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+offerColumns+` FROM offers
		WHERE status IN ('pending', 'countered') AND expires_at < $1
		ORDER BY expires_at ASC LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOffers(rows)
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOffer(sc scanner) (*Offer, error) {
	o := &Offer{}
	var (
		counterAmount     sql.NullInt64
		message           sql.NullString
		counterAt         sql.NullTime
		counterAcceptedAt sql.NullTime
		respondedAt       sql.NullTime
		status            string
	)

	err := sc.Scan(
		&o.ID, &o.ListingID, &o.BuyerID, &o.SellerID,
		&o.Amount, &counterAmount, &message, &status,
		&counterAt, &counterAcceptedAt, &respondedAt,
		&o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	o.CounterAmount = counterAmount.Int64
	o.Message = message.String
	if counterAt.Valid {
		o.CounterAt = &counterAt.Time
	}
	if counterAcceptedAt.Valid {
		o.CounterAcceptedAt = &counterAcceptedAt.Time
	}
	if respondedAt.Valid {
		o.RespondedAt = &respondedAt.Time
	}

	return o, nil
}

func scanOffers(rows *sql.Rows) ([]*Offer, error) {
	var result []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: n, Valid: true}
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
