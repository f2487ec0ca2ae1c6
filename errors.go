package bizguard

import "errors"

// Context resolution failures. Always surfaced to the caller.
var (
	ErrUnauthorizedTenant     = errors.New("subject has no active membership in requested tenant")
	ErrNoTenantMembership     = errors.New("subject has no active tenant membership")
	ErrAmbiguousTenantContext = errors.New("subject belongs to several tenants; explicit tenant required")
)

// ErrCrossTenantAccess is the cause of every resource/tenant mismatch denial.
var ErrCrossTenantAccess = errors.New("cross-tenant access blocked")

// Policy store management errors.
var (
	ErrDuplicatePolicyID = errors.New("duplicate policy id")
	ErrInvalidPolicy     = errors.New("invalid policy")
	ErrPolicyNotFound    = errors.New("policy not found")
)

var (
	ErrCanceled             = errors.New("evaluation canceled")
	ErrAuditSinkUnavailable = errors.New("audit sink unavailable")
	ErrInvalidConfig        = errors.New("invalid engine configuration")
	ErrBadSignature         = errors.New("bad policy bundle signature")
	ErrSubjectNotFound      = errors.New("subject not found")
	ErrInvalidRequest       = errors.New("invalid evaluation request")
)
