package sqlutil

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// Storage failure classes, used as a low-cardinality log and metric label.
const (
	ErrorClassConnection = "connection"
	ErrorClassTimeout    = "timeout"
	ErrorClassContention = "contention"
	ErrorClassConstraint = "constraint"
	ErrorClassUnknown    = "unknown"
)

// ClassifyError maps a storage error to one of the error classes.
func ClassifyError(err error) string {
	if err == nil {
		return ErrorClassUnknown
	}

	// Timeouts first: a net.Error can be both.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return ErrorClassConnection
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"):
			return ErrorClassConstraint
		case pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "55P03":
			return ErrorClassContention
		case strings.HasPrefix(pgErr.Code, "08"):
			return ErrorClassConnection
		case pgErr.Code == "57014":
			return ErrorClassTimeout
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"):
		return ErrorClassConnection
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return ErrorClassTimeout
	case IsBusy(err):
		return ErrorClassContention
	case strings.Contains(msg, "constraint failed"),
		strings.Contains(msg, "violates foreign key constraint"),
		strings.Contains(msg, "violates unique constraint"),
		strings.Contains(msg, "duplicate key"):
		return ErrorClassConstraint
	}

	return ErrorClassUnknown
}

// IsUniqueViolation reports a unique index conflict on either backend.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// IsForeignKeyViolation reports a foreign key failure on either backend.
func IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}
