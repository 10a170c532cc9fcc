package repositories

import (
	"errors"
	"strings"
)

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	alert, err := repo.GetByID(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example when a second non-terminal alert is created for a
// dedupe key that already has one.
var ErrConflict = errors.New("record already exists")

// isUniqueViolation reports whether err is a unique constraint violation from
// either supported driver. The modernc SQLite driver surfaces "UNIQUE
// constraint failed"; PostgreSQL surfaces SQLSTATE 23505. Matching on the
// message avoids importing driver-specific error types here.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLSTATE 23505") ||
		strings.Contains(msg, "duplicate key value")
}
