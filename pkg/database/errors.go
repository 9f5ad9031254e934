package database

import (
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a query by identifier matches no row.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on a unique-constraint violation.
	ErrAlreadyExists = errors.New("already exists")
)

// IsBusyError reports whether err is SQLite reporting the database is
// locked or busy, the condition the caller should retry on.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}

	return strings.Contains(strings.ToLower(err.Error()), "database is locked")
}

// IsUniqueConstraintError reports whether err is SQLite reporting a unique
// or primary-key constraint violation.
func IsUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}

	return strings.Contains(err.Error(), "UNIQUE constraint")
}
