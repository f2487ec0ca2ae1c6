package bizguard

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// CONTEXT RESOLUTION
// ============================================================================

// Resolver turns a subject plus an optional session tenant into a validated
// TenantContext. It keeps no per-call state.
type Resolver struct {
	directory MembershipDirectory
	now       func() time.Time
}

type ResolverOption func(*Resolver)

// WithDirectory lets ResolveByID hydrate subjects from a membership directory.
func WithDirectory(d MembershipDirectory) ResolverOption {
	return func(r *Resolver) { r.directory = d }
}

// WithResolverClock overrides the clock used for ResolvedAt.
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the tenant context for subject. An empty explicitTenantID
// means no tenant was selected for the session: the subject's only active
// membership is used, and several memberships are an error rather than a
// silent default.
func (r *Resolver) Resolve(ctx context.Context, subject *Subject, explicitTenantID string) (*TenantContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	if subject == nil {
		return nil, ErrNoTenantMembership
	}
	explicitTenantID = strings.TrimSpace(explicitTenantID)
	if explicitTenantID != "" {
		if _, ok := subject.ActiveMembership(explicitTenantID); !ok {
			return nil, fmt.Errorf("%w: subject %s, tenant %s", ErrUnauthorizedTenant, subject.ID, explicitTenantID)
		}
		return &TenantContext{
			TenantID:   explicitTenantID,
			SubjectID:  subject.ID,
			ResolvedAt: r.now(),
			Method:     MethodExplicitSession,
		}, nil
	}

	active := subject.ActiveTenants()
	switch len(active) {
	case 0:
		return nil, fmt.Errorf("%w: subject %s", ErrNoTenantMembership, subject.ID)
	case 1:
		return &TenantContext{
			TenantID:   active[0],
			SubjectID:  subject.ID,
			ResolvedAt: r.now(),
			Method:     MethodSingleMembershipFallback,
		}, nil
	default:
		return nil, fmt.Errorf("%w: subject %s has %s", ErrAmbiguousTenantContext, subject.ID, strings.Join(active, ","))
	}
}

// ResolveByID loads the subject from the configured directory and resolves it.
func (r *Resolver) ResolveByID(ctx context.Context, subjectID, explicitTenantID string) (*Subject, *TenantContext, error) {
	if r.directory == nil {
		return nil, nil, fmt.Errorf("resolver has no membership directory")
	}
	subject, err := r.directory.LoadSubject(ctx, subjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("load subject %s: %w", subjectID, err)
	}
	tc, err := r.Resolve(ctx, subject, explicitTenantID)
	if err != nil {
		return nil, nil, err
	}
	return subject, tc, nil
}

// validFor reports whether tc may be used to evaluate on behalf of subject.
func (tc *TenantContext) validFor(subject *Subject) (Membership, bool) {
	if tc == nil || subject == nil || tc.TenantID == "" {
		return Membership{}, false
	}
	if tc.SubjectID != "" && tc.SubjectID != subject.ID {
		return Membership{}, false
	}
	return subject.ActiveMembership(tc.TenantID)
}
