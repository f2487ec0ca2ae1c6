package bizguard

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ============================================================================
// POLICY SYSTEM
// ============================================================================

// CategoryWildcard matches every resource category.
const CategoryWildcard = "*"

// PolicyKind classifies a policy the way the isolation docs group them.
type PolicyKind string

const (
	KindRoleDefault PolicyKind = "role-default"
	KindOverride    PolicyKind = "override"
	KindConditional PolicyKind = "conditional"
)

// Policy is a named authorization rule for one resource category.
type Policy struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id,omitempty"` // empty = every tenant
	Category    string      `json:"category"`
	Kind        PolicyKind  `json:"kind"`
	Effect      Effect      `json:"effect"`
	Roles       []RoleLevel `json:"roles,omitempty"`   // empty = any role
	Actions     []Action    `json:"actions,omitempty"` // empty = any action
	Permission  string      `json:"permission,omitempty"`
	Condition   *Condition  `json:"condition,omitempty"`
	Priority    int         `json:"priority"` // higher = evaluated first
	Description string      `json:"description,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Clone returns a deep copy so callers never share slices with the store.
func (p *Policy) Clone() Policy {
	dup := *p
	dup.Roles = slices.Clone(p.Roles)
	dup.Actions = slices.Clone(p.Actions)
	dup.Condition = p.Condition.Clone()
	return dup
}

// Explicit reports whether the policy targets category specifically rather
// than acting as a role default or wildcard fallback.
func (p *Policy) Explicit(category string) bool {
	return p.Kind != KindRoleDefault && p.Category == category
}

// Checksum returns a deterministic hash of the policy's evaluation-relevant fields.
func (p *Policy) Checksum() string {
	data, _ := json.Marshal(struct {
		ID         string
		TenantID   string
		Category   string
		Kind       PolicyKind
		Effect     Effect
		Roles      []RoleLevel
		Actions    []Action
		Permission string
		Condition  string
		Priority   int
	}{
		ID:         p.ID,
		TenantID:   p.TenantID,
		Category:   p.Category,
		Kind:       p.Kind,
		Effect:     p.Effect,
		Roles:      normalizeRoles(p.Roles),
		Actions:    p.Actions,
		Permission: p.Permission,
		Condition:  p.Condition.String(),
		Priority:   p.Priority,
	})
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// normalize lower-cases enums and fills the kind when omitted.
func (p *Policy) normalize() {
	p.ID = strings.TrimSpace(p.ID)
	p.Category = strings.TrimSpace(p.Category)
	p.Effect = Effect(strings.ToLower(string(p.Effect)))
	p.Kind = PolicyKind(strings.ToLower(string(p.Kind)))
	for i, r := range p.Roles {
		p.Roles[i] = RoleLevel(strings.ToLower(string(r)))
	}
	if p.Condition.IsZero() {
		p.Condition = nil
	} else if w := p.Condition.Window; w != nil {
		w.Start, w.End = normalizeClock(w.Start), normalizeClock(w.End)
	}
	if p.Kind == "" {
		if p.Condition != nil {
			p.Kind = KindConditional
		} else {
			p.Kind = KindOverride
		}
	}
}

// ValidatePolicy checks a policy for registration.
func ValidatePolicy(p *Policy) error {
	if p == nil {
		return fmt.Errorf("%w: nil policy", ErrInvalidPolicy)
	}
	if p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPolicy)
	}
	if p.Category == "" {
		return fmt.Errorf("%w: policy %s has empty category", ErrInvalidPolicy, p.ID)
	}
	if p.Effect != EffectAllow && p.Effect != EffectDeny {
		return fmt.Errorf("%w: policy %s has effect %q", ErrInvalidPolicy, p.ID, p.Effect)
	}
	switch p.Kind {
	case KindRoleDefault, KindOverride, KindConditional:
	default:
		return fmt.Errorf("%w: policy %s has kind %q", ErrInvalidPolicy, p.ID, p.Kind)
	}
	for _, r := range p.Roles {
		if !r.Valid() {
			return fmt.Errorf("%w: policy %s has unknown role %q", ErrInvalidPolicy, p.ID, r)
		}
	}
	if err := p.Condition.Validate(); err != nil {
		return fmt.Errorf("%w: policy %s: %v", ErrInvalidPolicy, p.ID, err)
	}
	return nil
}

func normalizeRoles(roles []RoleLevel) []RoleLevel {
	if len(roles) == 0 {
		return nil
	}
	out := slices.Clone(roles)
	slices.Sort(out)
	return slices.Compact(out)
}

func sameRoles(a, b []RoleLevel) bool {
	return slices.Equal(normalizeRoles(a), normalizeRoles(b))
}

func actionsOverlap(a, b []Action) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	for _, x := range a {
		for _, y := range b {
			if matchAction(x, y) || matchAction(y, x) {
				return true
			}
		}
	}
	return false
}

func matchAction(pattern, actual Action) bool {
	if pattern == "*" {
		return true
	}
	return strings.EqualFold(string(pattern), string(actual))
}

// policyOrder sorts by priority descending, DENY before ALLOW at equal
// priority, then by ID so lookups are deterministic.
func policyOrder(a, b *Policy) int {
	if a.Priority != b.Priority {
		if a.Priority > b.Priority {
			return -1
		}
		return 1
	}
	if a.Effect != b.Effect {
		if a.Effect == EffectDeny {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}
