package transactions

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/sessionpay/internal/checkout"
	"github.com/mbd888/sessionpay/internal/dbutil"
	"github.com/mbd888/sessionpay/internal/pagination"
)

// PostgresStore persists transactions in PostgreSQL. The table carries a
// UNIQUE (provider, payment_reference) constraint and CHECK constraints for
// the split identities, so a buggy writer cannot persist a leaking split.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const transactionColumns = `
	id, buyer_id, creator_id, session_id, challenge_id, provider, payment_reference,
	purchase_type, status, currency, gross_cents, fixed_fee_cents, percentage_fee_cents,
	platform_cut_cents, creator_cut_cents, net_cents, event_id, created_at, updated_at`

func (p *PostgresStore) Insert(ctx context.Context, tx *Transaction) (dbutil.InsertResult, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		tx.ID, tx.BuyerID, dbutil.NullString(tx.CreatorID),
		dbutil.NullString(tx.SessionID), dbutil.NullString(tx.ChallengeID),
		tx.Provider, tx.PaymentReference, string(tx.PurchaseType), string(tx.Status),
		tx.Split.Currency, tx.Split.Gross, tx.Split.FixedFee, tx.Split.PercentageFee,
		tx.Split.PlatformCut, tx.Split.CreatorCut, tx.Split.Net,
		dbutil.NullString(tx.EventID), tx.CreatedAt, tx.UpdatedAt,
	)
	return dbutil.ClassifyInsert(err)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	return scanTransaction(p.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
}

func (p *PostgresStore) GetByBusinessKey(ctx context.Context, key BusinessKey) (*Transaction, error) {
	return scanTransaction(p.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE provider = $1 AND payment_reference = $2`,
		key.Provider, key.PaymentReference))
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, prev, next Status, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(next), at, id, string(prev),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, limit int, after *pagination.Cursor) ([]*Transaction, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+transactionColumns+` FROM transactions
			WHERE buyer_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, buyerID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+transactionColumns+` FROM transactions
			WHERE buyer_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, buyerID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(sc scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		creatorID, sessionID, challengeID, eventID sql.NullString
		purchaseType, status                       string
	)
	err := sc.Scan(
		&tx.ID, &tx.BuyerID, &creatorID, &sessionID, &challengeID,
		&tx.Provider, &tx.PaymentReference, &purchaseType, &status,
		&tx.Split.Currency, &tx.Split.Gross, &tx.Split.FixedFee, &tx.Split.PercentageFee,
		&tx.Split.PlatformCut, &tx.Split.CreatorCut, &tx.Split.Net,
		&eventID, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	st, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	tx.Status = st
	tx.PurchaseType = checkout.Kind(purchaseType)
	tx.CreatorID = creatorID.String
	tx.SessionID = sessionID.String
	tx.ChallengeID = challengeID.String
	tx.EventID = eventID.String
	return tx, nil
}

var _ Store = (*PostgresStore)(nil)
