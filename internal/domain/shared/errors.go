package shared

import "errors"

// DomainError represents a domain-level error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Common domain errors
var (
	ErrNotFound     = NewDomainError("NOT_FOUND", "Resource not found")
	ErrInvalidInput = NewDomainError("INVALID_INPUT", "Invalid input provided")
	ErrInvalidState = NewDomainError("INVALID_STATE", "Operation not allowed in current state")
)

// Tenant isolation errors. These are fatal to the operation and must never be
// downgraded to unscoped access.
var (
	ErrUnauthenticated      = NewDomainError("UNAUTHENTICATED", "No principal is bound to the execution context")
	ErrTenantContextMissing = NewDomainError("TENANT_CONTEXT_MISSING", "Tenant context is required for tenant-owned data")
	ErrTenantMismatch       = NewDomainError("TENANT_MISMATCH", "Record belongs to a different tenant")
)

// Mutation errors
var (
	ErrSubjectNotFound        = NewDomainError("SUBJECT_NOT_FOUND", "Mutation subject does not exist")
	ErrMutationFailed         = NewDomainError("MUTATION_FAILED", "Mutation failed after exhausting retries")
	ErrDuplicateMutation      = NewDomainError("DUPLICATE_MUTATION", "Mutation was already submitted")
	ErrMutationNotCancellable = NewDomainError("MUTATION_NOT_CANCELLABLE", "Mutation is no longer queued")
)

// IsScopingError reports whether err is a tenant isolation failure
func IsScopingError(err error) bool {
	return errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrTenantContextMissing) ||
		errors.Is(err, ErrTenantMismatch)
}
