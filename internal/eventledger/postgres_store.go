package eventledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/sessionpay/internal/dbutil"
)

// PostgresStore persists event records in the webhook_events table and
// completion outcomes in webhook_event_outcomes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, rec *Record) (dbutil.InsertResult, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider, event_id, event_type, payment_reference, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.Provider, rec.EventID, rec.EventType, rec.PaymentReference, rec.Payload, rec.ReceivedAt,
	)
	return dbutil.ClassifyInsert(err)
}

func (p *PostgresStore) Get(ctx context.Context, provider, eventID string) (*Record, error) {
	r, err := scanRecord(p.db.QueryRowContext(ctx, `
		SELECT e.provider, e.event_id, e.event_type, e.payment_reference, e.payload, e.received_at, o.outcome, o.completed_at
		FROM webhook_events e
		LEFT JOIN webhook_event_outcomes o ON o.provider = e.provider AND o.event_id = e.event_id
		WHERE e.provider = $1 AND e.event_id = $2`, provider, eventID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) MarkCompleted(ctx context.Context, provider, eventID, outcome string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_event_outcomes (provider, event_id, outcome, completed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, event_id) DO UPDATE
		SET outcome = EXCLUDED.outcome, completed_at = EXCLUDED.completed_at`,
		provider, eventID, outcome, at,
	)
	if dbutil.IsForeignKeyViolation(err) {
		return ErrNotFound
	}
	return err
}

func (p *PostgresStore) ListStranded(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT e.provider, e.event_id, e.event_type, e.payment_reference, e.payload, e.received_at, NULL, NULL
		FROM webhook_events e
		WHERE e.received_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM webhook_event_outcomes o
			WHERE o.provider = e.provider AND o.event_id = e.event_id
		  )
		ORDER BY e.received_at ASC
		LIMIT $2`, cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (p *PostgresStore) ListOpen(ctx context.Context, provider, paymentReference string) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT e.provider, e.event_id, e.event_type, e.payment_reference, e.payload, e.received_at, NULL, NULL
		FROM webhook_events e
		WHERE e.provider = $1 AND e.payment_reference = $2
		  AND NOT EXISTS (
			SELECT 1 FROM webhook_event_outcomes o
			WHERE o.provider = e.provider AND o.event_id = e.event_id
		  )
		ORDER BY e.received_at ASC, e.event_id ASC`, provider, paymentReference,
	)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var outcome sql.NullString
	var completedAt sql.NullTime
	if err := s.Scan(&r.Provider, &r.EventID, &r.EventType, &r.PaymentReference, &r.Payload, &r.ReceivedAt, &outcome, &completedAt); err != nil {
		return nil, err
	}
	r.Outcome = outcome.String
	if completedAt.Valid {
		at := completedAt.Time
		r.CompletedAt = &at
	}
	return r, nil
}

var _ Store = (*PostgresStore)(nil)
