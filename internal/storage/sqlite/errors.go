package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/prn-tf/folio-storage/internal/domain"
)

// Error handling utilities for SQLite.

// isUniqueViolation checks if an error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *msqlite.Error
	if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed: UNIQUE")
}

// isDiskFull checks if an error means the database cannot grow any further.
func isDiskFull(err error) bool {
	if err == nil {
		return false
	}
	var se *msqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_FULL {
		return true
	}
	return strings.Contains(err.Error(), "database or disk is full")
}

// isNoRows checks if an error indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// classify maps a driver failure to the storage error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := domain.AsStorageError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.NewBackendError(domain.KindStorageUnavailable, domain.MethodDurableDB, op,
			"operation canceled", err)
	}

	switch {
	case isDiskFull(err):
		return domain.NewBackendError(domain.KindQuotaExceeded, domain.MethodDurableDB, op,
			"database is full", err)
	case isUniqueViolation(err):
		return domain.NewBackendError(domain.KindValidationFailed, domain.MethodDurableDB, op,
			"file id already exists", err)
	default:
		return domain.NewBackendError(domain.KindDurableUnavailable, domain.MethodDurableDB, op,
			"durable database operation failed", err)
	}
}
