package bizguard

import (
	"net"
	"slices"
	"strings"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// RoleLevel is the coarse permission tier a subject holds inside one tenant.
type RoleLevel string

const (
	RoleOwner    RoleLevel = "owner"
	RoleAdmin    RoleLevel = "admin"
	RoleManager  RoleLevel = "manager"
	RoleEmployee RoleLevel = "employee"
	RoleViewer   RoleLevel = "viewer"
)

var roleRanks = map[RoleLevel]int{
	RoleViewer:   1,
	RoleEmployee: 2,
	RoleManager:  3,
	RoleAdmin:    4,
	RoleOwner:    5,
}

// Rank returns the ordinal of the role level; unknown levels rank 0.
func (r RoleLevel) Rank() int {
	return roleRanks[r]
}

// Valid reports whether r is one of the known role levels.
func (r RoleLevel) Valid() bool {
	_, ok := roleRanks[r]
	return ok
}

// AtLeast reports whether r ranks at or above other.
func (r RoleLevel) AtLeast(other RoleLevel) bool {
	return r.Valid() && r.Rank() >= other.Rank()
}

// Membership binds a subject to a tenant at a role level.
type Membership struct {
	TenantID string    `json:"tenant_id" yaml:"tenant_id"`
	Role     RoleLevel `json:"role" yaml:"role"`
	Active   bool      `json:"active" yaml:"active"`
}

// Subject represents who is requesting access
type Subject struct {
	ID          string                `json:"id"`
	Type        string                `json:"type"` // user, service
	Memberships map[string]Membership `json:"memberships"`
	Permissions map[string]bool       `json:"permissions,omitempty"`
}

// ActiveMembership returns the subject's membership for tenantID when it exists and is active.
func (s *Subject) ActiveMembership(tenantID string) (Membership, bool) {
	if s == nil || tenantID == "" {
		return Membership{}, false
	}
	m, ok := s.Memberships[tenantID]
	if !ok || !m.Active {
		return Membership{}, false
	}
	return m, true
}

// ActiveTenants lists, sorted, the tenant IDs the subject is actively a member of.
func (s *Subject) ActiveTenants() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Memberships))
	for id, m := range s.Memberships {
		if m.Active {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// permissionState looks up an explicit permission for category/action.
// The specific "<category>.<action>" key wins over "<category>.*".
func (s *Subject) permissionState(category string, action Action) (granted, set bool) {
	if s == nil || len(s.Permissions) == 0 {
		return false, false
	}
	if v, ok := s.Permissions[category+"."+string(action)]; ok {
		return v, true
	}
	if v, ok := s.Permissions[category+".*"]; ok {
		return v, true
	}
	return false, false
}

// Ref returns the audit reference for the subject.
func (s *Subject) Ref() SubjectRef {
	if s == nil {
		return SubjectRef{}
	}
	return SubjectRef{ID: s.ID, Type: s.Type}
}

// ResolutionMethod records how a TenantContext was obtained.
type ResolutionMethod string

const (
	MethodExplicitSession          ResolutionMethod = "explicit-session"
	MethodSingleMembershipFallback ResolutionMethod = "single-membership-fallback"
)

// TenantContext is the resolved business scope of one operation.
type TenantContext struct {
	TenantID   string           `json:"tenant_id"`
	SubjectID  string           `json:"subject_id"`
	ResolvedAt time.Time        `json:"resolved_at"`
	Method     ResolutionMethod `json:"method"`
}

// Sensitivity is the data classification tier of a resource.
type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityInternal     Sensitivity = "internal"
	SensitivityConfidential Sensitivity = "confidential"
	SensitivityRestricted   Sensitivity = "restricted"
)

// Elevated reports whether the tier is confidential or restricted.
func (s Sensitivity) Elevated() bool {
	return s == SensitivityConfidential || s == SensitivityRestricted
}

// Resource represents what is being accessed
type Resource struct {
	Category    string      `json:"category"` // e.g. work_orders, payments
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	Sensitivity Sensitivity `json:"sensitivity"`
}

// Ref returns the audit reference for the resource.
func (r *Resource) Ref() ResourceRef {
	if r == nil {
		return ResourceRef{}
	}
	return ResourceRef{Category: r.Category, ID: r.ID, TenantID: r.TenantID, Sensitivity: r.Sensitivity}
}

// Action represents how the resource is being accessed
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionWrite  Action = "write"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Mutating reports whether the action writes or deletes data.
func (a Action) Mutating() bool {
	switch Action(strings.ToLower(string(a))) {
	case ActionCreate, ActionWrite, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// IsDelete reports whether the action removes data.
func (a Action) IsDelete() bool {
	return strings.EqualFold(string(a), string(ActionDelete))
}

// RequestContext carries the per-request facts conditions are checked against.
type RequestContext struct {
	Time   time.Time `json:"time"`
	IP     net.IP    `json:"ip,omitempty"`
	Amount *float64  `json:"amount,omitempty"`
}

// Amount is a small helper for building RequestContext literals.
func Amount(v float64) *float64 { return &v }

// Effect represents the outcome of a policy evaluation
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Decision represents the authorization decision
type Decision struct {
	Granted     bool      `json:"granted"`
	PolicyID    string    `json:"policy_id,omitempty"`
	Reason      string    `json:"reason"`
	RiskScore   int       `json:"risk_score"`
	EvaluatedAt time.Time `json:"evaluated_at"`
	TenantID    string    `json:"tenant_id"`
	Action      Action    `json:"action"`
	Trace       []string  `json:"trace,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
	// Cause is the sentinel behind a fail-closed denial, if any.
	Cause error `json:"-"`
}

// SubjectRef identifies a subject inside an audit record.
type SubjectRef struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
}

// ResourceRef identifies a resource inside an audit record.
type ResourceRef struct {
	Category    string      `json:"category"`
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	Sensitivity Sensitivity `json:"sensitivity,omitempty"`
}
