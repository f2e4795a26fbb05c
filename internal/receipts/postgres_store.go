package receipts

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mbd888/sessionpay/internal/dbutil"
	"github.com/mbd888/sessionpay/internal/pagination"
)

// PostgresStore persists receipt data in PostgreSQL. The receipts table has
// a UNIQUE constraint on transaction_id.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed receipt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const receiptColumns = `id, transaction_id, buyer_id, gross_cents, currency,
	payload_hash, signature, issued_at, created_at`

func (p *PostgresStore) Create(ctx context.Context, r *Receipt) (dbutil.InsertResult, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO receipts (`+receiptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.TransactionID, r.BuyerID, r.GrossCents, r.Currency,
		r.PayloadHash, dbutil.NullString(r.Signature), r.IssuedAt, r.CreatedAt,
	)
	return dbutil.ClassifyInsert(err)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Receipt, error) {
	return scanReceipt(p.db.QueryRowContext(ctx, `
		SELECT `+receiptColumns+` FROM receipts WHERE id = $1`, id))
}

func (p *PostgresStore) GetByTransaction(ctx context.Context, transactionID string) (*Receipt, error) {
	return scanReceipt(p.db.QueryRowContext(ctx, `
		SELECT `+receiptColumns+` FROM receipts WHERE transaction_id = $1`, transactionID))
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, limit int, after *pagination.Cursor) ([]*Receipt, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+receiptColumns+`
			FROM receipts
			WHERE buyer_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, buyerID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+receiptColumns+`
			FROM receipts
			WHERE buyer_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, buyerID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(sc scanner) (*Receipt, error) {
	r := &Receipt{}
	var signature sql.NullString

	err := sc.Scan(
		&r.ID, &r.TransactionID, &r.BuyerID, &r.GrossCents, &r.Currency,
		&r.PayloadHash, &signature, &r.IssuedAt, &r.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Signature = signature.String
	return r, nil
}

var _ Store = (*PostgresStore)(nil)
