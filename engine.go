package bizguard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"

	"github.com/oarkflow/bizguard/logger"
)

// ============================================================================
// AUTHORIZATION ENGINE
// ============================================================================

// compiledPolicy pairs a policy with its pre-parsed condition.
type compiledPolicy struct {
	Policy
	cond *compiledCondition
}

// generational is implemented by stores that can tell when their contents changed.
type generational interface {
	Generation() uint64
}

type engineCounters struct {
	evaluations atomic.Uint64
	granted     atomic.Uint64
	denied      atomic.Uint64
	crossTenant atomic.Uint64
	canceled    atomic.Uint64
	faults      atomic.Uint64
}

// Stats is a snapshot of the engine's operational counters.
type Stats struct {
	Evaluations        uint64 `json:"evaluations"`
	Granted            uint64 `json:"granted"`
	Denied             uint64 `json:"denied"`
	CrossTenantBlocked uint64 `json:"cross_tenant_blocked"`
	Canceled           uint64 `json:"canceled"`
	InternalFaults     uint64 `json:"internal_faults"`
	AuditQueued        uint64 `json:"audit_queued"`
	AuditDropped       uint64 `json:"audit_dropped"`
	AuditDelivered     uint64 `json:"audit_delivered"`
	AuditSinkErrors    uint64 `json:"audit_sink_errors"`
}

// Engine evaluates authorization requests. It holds no per-request state;
// the only shared mutable state is the policy store behind PolicyLookup.
type Engine struct {
	store       PolicyLookup
	cfg         Config
	logger      logger.Logger
	traceIDFunc logger.TraceIDFunc
	now         func() time.Time
	sink        AuditSink
	audit       *auditDispatcher
	candidates  *ristretto.Cache
	counters    engineCounters
}

type EngineOption func(*Engine) error

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) EngineOption {
	return func(e *Engine) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		e.cfg = cfg
		return nil
	}
}

// WithLogger installs a Logger on the Engine
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		if l != nil {
			e.logger = l
		}
		return nil
	}
}

// WithTraceIDFunc installs a custom trace ID generator on the engine.
func WithTraceIDFunc(f logger.TraceIDFunc) EngineOption {
	return func(e *Engine) error {
		if f != nil {
			e.traceIDFunc = f
		}
		return nil
	}
}

// WithClock overrides the clock used for decision timestamps and conditions.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		if now != nil {
			e.now = now
		}
		return nil
	}
}

// WithAuditSink sets where decisions are recorded. The default writes them to
// the engine logger.
func WithAuditSink(s AuditSink) EngineOption {
	return func(e *Engine) error {
		e.sink = s
		return nil
	}
}

func NewEngine(store PolicyLookup, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("policy store is required")
	}
	e := &Engine{
		store:       store,
		cfg:         DefaultConfig(),
		logger:      logger.NewNullLogger(),
		traceIDFunc: uuid.NewString,
		now:         time.Now,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	if e.sink == nil {
		e.sink = NewLoggerAuditSink(e.logger)
	}
	if _, ok := store.(generational); ok && e.cfg.CandidateCacheCounters > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: e.cfg.CandidateCacheCounters,
			MaxCost:     e.cfg.CandidateCacheMaxCost,
			BufferItems: e.cfg.CandidateCacheBuffer,
		})
		if err != nil {
			return nil, fmt.Errorf("candidate cache: %w", err)
		}
		e.candidates = cache
	}
	e.audit = newAuditDispatcher(e.sink, e.cfg.AuditQueueCapacity, e.cfg.AuditSinkTimeout, e.logger)
	return e, nil
}

// Config returns the active configuration.
func (e *Engine) Config() Config { return e.cfg }

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Evaluations:        e.counters.evaluations.Load(),
		Granted:            e.counters.granted.Load(),
		Denied:             e.counters.denied.Load(),
		CrossTenantBlocked: e.counters.crossTenant.Load(),
		Canceled:           e.counters.canceled.Load(),
		InternalFaults:     e.counters.faults.Load(),
		AuditQueued:        e.audit.queued.Load(),
		AuditDropped:       e.audit.dropped.Load(),
		AuditDelivered:     e.audit.delivered.Load(),
		AuditSinkErrors:    e.audit.sinkErrors.Load(),
	}
}

// Close stops accepting audit records and waits for the queue to drain.
func (e *Engine) Close(ctx context.Context) error {
	err := e.audit.close(ctx)
	if e.candidates != nil {
		e.candidates.Close()
	}
	return err
}

// Evaluate decides whether subject may perform action on resource inside tc.
// Denials are returned as decisions, not errors; the only error is
// ErrCanceled, in which case nothing is audited.
func (e *Engine) Evaluate(ctx context.Context, subject *Subject, tc *TenantContext, resource *Resource, action Action, req *RequestContext) (*Decision, error) {
	return e.evaluate(ctx, subject, tc, resource, action, req, false)
}

// Explain evaluates like Evaluate and records a trace of every candidate policy.
func (e *Engine) Explain(ctx context.Context, subject *Subject, tc *TenantContext, resource *Resource, action Action, req *RequestContext) (*Decision, error) {
	return e.evaluate(ctx, subject, tc, resource, action, req, true)
}

func (e *Engine) evaluate(ctx context.Context, subject *Subject, tc *TenantContext, resource *Resource, action Action, req *RequestContext, explain bool) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		e.counters.canceled.Add(1)
		return nil, fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	now := e.now()
	rc := RequestContext{Time: now}
	if req != nil {
		rc = *req
		if rc.Time.IsZero() {
			rc.Time = now
		}
	}
	decision := &Decision{EvaluatedAt: now, Action: action}
	if tc != nil {
		decision.TenantID = tc.TenantID
	}
	trace := func(format string, args ...any) {
		if explain {
			decision.Trace = append(decision.Trace, fmt.Sprintf(format, args...))
		}
	}

	switch {
	case subject == nil || tc == nil || resource == nil || action == "":
		trace("DENY: incomplete request")
		e.counters.faults.Add(1)
		e.deny(decision, "", "invalid evaluation request", riskInvalidContext, ErrInvalidRequest)
		return e.finish(ctx, decision, subject, resource)

	// Isolation depends only on the call inputs, never on store state.
	case resource.TenantID != tc.TenantID:
		trace("DENY: resource tenant %s != context tenant %s", resource.TenantID, tc.TenantID)
		e.counters.crossTenant.Add(1)
		e.deny(decision, "", ErrCrossTenantAccess.Error(), riskCrossTenant, ErrCrossTenantAccess)
		e.logger.Error("cross-tenant access blocked",
			"subject", subject.ID,
			"context_tenant", tc.TenantID,
			"resource_tenant", resource.TenantID,
			"resource", resource.Category+":"+resource.ID,
			"action", string(action),
		)
		return e.finish(ctx, decision, subject, resource)
	}

	membership, ok := tc.validFor(subject)
	if !ok {
		trace("DENY: subject %s has no active membership in %s", subject.ID, tc.TenantID)
		e.deny(decision, "", "inactive or missing membership", riskInvalidContext, ErrUnauthorizedTenant)
		return e.finish(ctx, decision, subject, resource)
	}
	trace("membership: tenant=%s role=%s", tc.TenantID, membership.Role)

	if granted, set := subject.permissionState(resource.Category, action); set && !granted {
		trace("DENY: permission %s.%s revoked for subject", resource.Category, action)
		e.deny(decision, "", "permission revoked", scoreRisk(resource, action, membership.Role, false), nil)
		return e.finish(ctx, decision, subject, resource)
	}

	candidates, err := e.lookup(ctx, resource.Category)
	if err != nil {
		if ctx.Err() != nil {
			e.counters.canceled.Add(1)
			return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}
		trace("DENY: policy lookup failed: %v", err)
		e.counters.faults.Add(1)
		e.logger.Error("policy lookup failed", "category", resource.Category, "error", err)
		e.deny(decision, "", "internal error: default deny", scoreRisk(resource, action, membership.Role, false), err)
		return e.finish(ctx, decision, subject, resource)
	}

	var allow *compiledPolicy
	explicit := false
	for _, cp := range candidates {
		if why := e.mismatch(cp, subject, membership, tc, action, &rc); why != "" {
			trace("policy=%s effect=%s skip: %s", cp.ID, cp.Effect, why)
			continue
		}
		trace("policy=%s effect=%s MATCH", cp.ID, cp.Effect)
		explicit = explicit || cp.Explicit(resource.Category)
		if cp.Effect == EffectDeny {
			e.deny(decision, cp.ID, "denied by policy "+cp.ID, scoreRisk(resource, action, membership.Role, explicit), nil)
			return e.finish(ctx, decision, subject, resource)
		}
		if allow == nil {
			allow = cp
		}
	}

	if allow != nil {
		decision.Granted = true
		decision.PolicyID = allow.ID
		decision.Reason = "allowed by policy " + allow.ID
		decision.RiskScore = scoreRisk(resource, action, membership.Role, explicit)
		return e.finish(ctx, decision, subject, resource)
	}

	trace("DENY: no matching policy among %d candidates", len(candidates))
	e.deny(decision, "", "no matching policy", scoreRisk(resource, action, membership.Role, false), nil)
	return e.finish(ctx, decision, subject, resource)
}

func (e *Engine) deny(d *Decision, policyID, reason string, risk int, cause error) {
	d.Granted = false
	d.PolicyID = policyID
	d.Reason = reason
	d.RiskScore = risk
	d.Cause = cause
}

// finish counts and audits a finalized decision unless the caller gave up.
func (e *Engine) finish(ctx context.Context, d *Decision, subject *Subject, resource *Resource) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		e.counters.canceled.Add(1)
		return nil, fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	e.counters.evaluations.Add(1)
	if d.Granted {
		e.counters.granted.Add(1)
	} else {
		e.counters.denied.Add(1)
	}
	e.logger.Debug("authorization decision",
		"tenant", d.TenantID,
		"subject", subject.Ref().ID,
		"resource", resource.Ref().Category+":"+resource.Ref().ID,
		"action", string(d.Action),
		"granted", d.Granted,
		"policy_id", d.PolicyID,
		"reason", d.Reason,
		"risk", d.RiskScore,
	)

	rec := &AuditRecord{
		ID:         uuid.NewString(),
		TraceID:    e.traceIDFunc(),
		RecordedAt: d.EvaluatedAt,
		TenantID:   d.TenantID,
		Action:     d.Action,
		Subject:    subject.Ref(),
		Resource:   resource.Ref(),
		Decision:   *d,
	}
	rec.Decision.Trace = nil
	if !e.audit.enqueue(rec) {
		d.Warnings = append(d.Warnings, ErrAuditSinkUnavailable.Error()+": audit queue full, record dropped")
		e.logger.Error("audit record dropped", "audit_id", rec.ID, "tenant", d.TenantID, "dropped_total", int(e.audit.dropped.Load()))
	}
	return d, nil
}

// mismatch returns why cp does not apply, or "" when it does.
func (e *Engine) mismatch(cp *compiledPolicy, subject *Subject, m Membership, tc *TenantContext, action Action, req *RequestContext) string {
	if cp.TenantID != "" && cp.TenantID != tc.TenantID {
		return "tenant scope"
	}
	if len(cp.Actions) > 0 {
		found := false
		for _, a := range cp.Actions {
			if matchAction(a, action) {
				found = true
				break
			}
		}
		if !found {
			return "action"
		}
	}
	if len(cp.Roles) > 0 {
		found := false
		for _, r := range cp.Roles {
			if r == m.Role {
				found = true
				break
			}
		}
		if !found {
			return "role"
		}
	}
	if cp.Permission != "" && !subject.Permissions[cp.Permission] {
		return "permission " + cp.Permission
	}
	// An unknown input can only make a DENY apply, never an ALLOW.
	if !cp.cond.matches(req, e.cfg.ConditionClockSkewTolerance, cp.Effect == EffectDeny) {
		return "condition " + cp.Condition.String()
	}
	return ""
}

// lookup fetches and compiles candidates, caching them per store generation
// so a mutation is visible to the next evaluation.
func (e *Engine) lookup(ctx context.Context, category string) ([]*compiledPolicy, error) {
	var key string
	if e.candidates != nil {
		if g, ok := e.store.(generational); ok {
			key = strconv.FormatUint(g.Generation(), 10) + "|" + category
			if v, found := e.candidates.Get(key); found {
				if list, ok := v.([]*compiledPolicy); ok {
					return list, nil
				}
			}
		}
	}
	policies, err := e.store.LookupByCategory(ctx, category)
	if err != nil {
		return nil, err
	}
	out := make([]*compiledPolicy, 0, len(policies))
	for _, p := range policies {
		if p.Effect != EffectAllow && p.Effect != EffectDeny {
			return nil, fmt.Errorf("%w: policy %s has effect %q", ErrInvalidPolicy, p.ID, p.Effect)
		}
		cc, err := compileCondition(p.Condition)
		if err != nil {
			return nil, fmt.Errorf("%w: policy %s: %v", ErrInvalidPolicy, p.ID, err)
		}
		out = append(out, &compiledPolicy{Policy: p, cond: cc})
	}
	if key != "" {
		e.candidates.Set(key, out, int64(len(out))+1)
	}
	return out, nil
}

// IsCanceled reports whether err came from a cancelled evaluation.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}
