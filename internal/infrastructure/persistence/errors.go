package persistence

import (
	"context"
	"errors"
	"strings"

	"github.com/lib/pq"
	"github.com/saas/backend/internal/domain/mutation"
	"github.com/saas/backend/internal/domain/shared"
)

// SQLSTATE codes that a retry may clear
var transientStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available (lock_timeout)
	"57014": true, // query_canceled (statement_timeout)
	"53300": true, // too_many_connections
}

// sqlState returns the SQLSTATE carried by err. Both lib/pq and pgx errors
// are recognized.
func sqlState(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), true
	}
	var stater interface{ SQLState() string }
	if errors.As(err, &stater) {
		return stater.SQLState(), true
	}
	return "", false
}

// classify marks database errors that no retry can fix as permanent. Lock
// and serialization conflicts, connection failures and timeouts stay
// transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if shared.IsScopingError(err) || errors.Is(err, shared.ErrSubjectNotFound) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	state, ok := sqlState(err)
	if !ok {
		return err
	}
	if transientStates[state] || strings.HasPrefix(state, "08") {
		return err
	}
	return mutation.Permanent(err)
}

// IsTransientDBError reports whether err is a database error worth retrying
func IsTransientDBError(err error) bool {
	return mutation.IsTransient(classify(err))
}
