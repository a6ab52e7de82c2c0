package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the platform reacts to.
const (
	CodeUniqueViolation     = "23505"
	CodeDuplicateDatabase   = "42P04"
	CodeInvalidCatalogName  = "3D000"
	CodeObjectInUse         = "55006"
	CodeQueryCanceled       = "57014"
)

// ErrorCode returns the SQLSTATE of the first *pgconn.PgError in err's chain,
// or "" when there is none.
func ErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// UniqueViolation reports whether err is a unique_violation and, if so, the
// name of the violated constraint.
func UniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == CodeUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func IsDuplicateDatabase(err error) bool {
	return ErrorCode(err) == CodeDuplicateDatabase
}

// IsUnknownDatabase reports a connect or query failure caused by the target
// database not existing.
func IsUnknownDatabase(err error) bool {
	return ErrorCode(err) == CodeInvalidCatalogName
}
