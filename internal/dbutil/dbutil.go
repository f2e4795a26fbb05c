// Package dbutil holds small helpers shared by the PostgreSQL stores.
package dbutil

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// InsertResult is the typed outcome of an insert guarded by a uniqueness
// constraint. A duplicate key is a normal result, not an error.
type InsertResult int

const (
	Inserted InsertResult = iota + 1
	AlreadyExists
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// PostgreSQL SQLSTATE codes.
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// IsUniqueViolation reports whether err is a PostgreSQL unique violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// IsForeignKeyViolation reports whether err is a PostgreSQL foreign key
// violation.
func IsForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation
}

// ClassifyInsert maps the error of a plain INSERT onto an InsertResult.
// Any error other than a unique violation is returned unchanged, because
// the caller cannot know whether the row was written.
func ClassifyInsert(err error) (InsertResult, error) {
	switch {
	case err == nil:
		return Inserted, nil
	case IsUniqueViolation(err):
		return AlreadyExists, nil
	default:
		return 0, err
	}
}

// NullString maps "" to SQL NULL.
func NullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
