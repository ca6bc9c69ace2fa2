// Package resilience classifies transient store failures and retries them
// with exponential backoff.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// TransientError marks an error as safe to retry (lock contention, dropped
// connection, timeout).
type TransientError struct {
	Err     error
	Backend string
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient for the named backend.
func NewTransientError(err error, backend string) *TransientError {
	return &TransientError{Err: err, Backend: backend}
}

// retryablePGCodes are SQLSTATE classes that clear up on retry:
// serialization_failure, deadlock_detected, lock_not_available,
// too_many_connections, admin_shutdown, cannot_connect_now.
var retryablePGCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
	"53300": true,
	"57P01": true,
	"57P03": true,
}

// IsTransient returns true if err (or any error in its chain) is a
// TransientError, a retryable Postgres SQLSTATE, a network timeout, or
// matches a known lock/connection failure message.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryablePGCodes[pgErr.Code]
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"database is locked",
		"sqlite_busy",
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
		"connection pool timeout",
		"server closed idle connection",
		"conn closed",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}
