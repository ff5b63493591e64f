package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	if hasPGCode(err, "23505") {
		return true
	}

	// PostgreSQL (error code 23505)
	if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
		return true
	}

	// MySQL (error code 1062)
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// SQLite (error code 2067)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsSerializationFailure reports a transaction aborted by the database to keep
// concurrent writers serializable.
func IsSerializationFailure(err error) bool {
	return hasPGCode(err, "40001")
}

// IsDeadlock reports a transaction chosen as a deadlock victim.
func IsDeadlock(err error) bool {
	if hasPGCode(err, "40P01") {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "Error 1213")
}

// IsLockTimeout reports a row lock that could not be acquired in time.
func IsLockTimeout(err error) bool {
	if hasPGCode(err, "55P03") {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "Error 1205")
}

// IsBusy reports SQLite writer contention.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// IsRetryable reports whether a failed transaction can be retried as a whole.
func IsRetryable(err error) bool {
	return IsSerializationFailure(err) || IsDeadlock(err) || IsLockTimeout(err) || IsBusy(err)
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
