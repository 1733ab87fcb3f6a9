package provision

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// alreadyAppliedCodes are the SQLSTATEs a statement fails with when the
// object or row it creates is already present.
var alreadyAppliedCodes = map[string]bool{
	"42P04": true, // duplicate_database
	"42P06": true, // duplicate_schema
	"42P07": true, // duplicate_table (also indexes, sequences)
	"42701": true, // duplicate_column
	"42710": true, // duplicate_object (triggers, constraints)
	"42723": true, // duplicate_function
	"23505": true, // unique_violation (seed rows)
}

// sqlState returns the SQLSTATE carried by err from either driver, or "".
func sqlState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// alreadyApplied reports whether err only says the statement's effect is
// already in place.
func alreadyApplied(err error) bool {
	if err == nil {
		return false
	}
	if alreadyAppliedCodes[sqlState(err)] {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate")
}
