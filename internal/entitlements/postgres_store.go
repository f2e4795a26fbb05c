package entitlements

import (
	"context"
	"database/sql"
)

// PostgresStore writes the attendances table shared with the join flow.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed attendance store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, sessionID, userID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO attendances (session_id, user_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (session_id, user_id) DO NOTHING`,
		sessionID, userID,
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

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Attendance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT session_id, user_id, joined_at, created_at
		FROM attendances
		WHERE user_id = $1
		ORDER BY session_id`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Attendance
	for rows.Next() {
		a := &Attendance{}
		var joined sql.NullTime
		if err := rows.Scan(&a.SessionID, &a.UserID, &joined, &a.CreatedAt); err != nil {
			return nil, err
		}
		if joined.Valid {
			t := joined.Time
			a.JoinedAt = &t
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// PostgresBundles reads challenge membership from challenge_sessions.
type PostgresBundles struct {
	db *sql.DB
}

// NewPostgresBundles creates a PostgreSQL-backed BundleResolver.
func NewPostgresBundles(db *sql.DB) *PostgresBundles {
	return &PostgresBundles{db: db}
}

func (p *PostgresBundles) Sessions(ctx context.Context, challengeID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT session_id FROM challenge_sessions
		WHERE challenge_id = $1
		ORDER BY position, session_id`, challengeID)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrUnknownBundle
	}
	return ids, nil
}

var (
	_ Store          = (*PostgresStore)(nil)
	_ BundleResolver = (*PostgresBundles)(nil)
)
