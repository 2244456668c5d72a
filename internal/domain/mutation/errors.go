package mutation

import (
	"errors"
	"fmt"

	"github.com/saas/backend/internal/domain/shared"
)

// FailedError reports a mutation that was set aside without being applied.
// It carries the original request so it can be reissued.
//
// When Exhausted is true the mutation failed transiently on every attempt and
// the error matches shared.ErrMutationFailed. Otherwise the cause was
// non-transient (e.g. shared.ErrSubjectNotFound) and no retry was made.
type FailedError struct {
	Mutation  *Mutation
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *FailedError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("mutation %s failed after %d attempts: %v", e.Mutation.ID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("mutation %s rejected: %v", e.Mutation.ID, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

// Is matches shared.ErrMutationFailed for exhausted retries
func (e *FailedError) Is(target error) bool {
	return e.Exhausted && target == shared.ErrMutationFailed
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as one that no retry can fix
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient reports whether err may succeed on retry. Scoping errors, a
// missing subject or mutation and errors marked Permanent never do.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, shared.ErrSubjectNotFound) || shared.IsScopingError(err) {
		return false
	}
	if errors.Is(err, shared.ErrInvalidInput) || errors.Is(err, shared.ErrNotFound) {
		return false
	}
	return true
}
