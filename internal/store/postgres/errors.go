package postgres

import (
	"strings"
)

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// PostgreSQL error code 23505 is unique_violation
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "unique constraint") ||
		strings.Contains(err.Error(), "duplicate key")
}

// isSerializationFailure checks for transaction conflicts that are safe to
// retry: serialization failure (40001) and deadlock detected (40P01).
func isSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "40001") ||
		strings.Contains(err.Error(), "40P01") ||
		strings.Contains(err.Error(), "could not serialize")
}
