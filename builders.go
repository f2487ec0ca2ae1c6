package bizguard

// Builders provide a fluent API for creating policies and subjects.

// PolicyBuilder builds a Policy
type PolicyBuilder struct {
	p Policy
}

func NewPolicyBuilder(id string) *PolicyBuilder {
	return &PolicyBuilder{p: Policy{ID: id}}
}

func (b *PolicyBuilder) Tenant(t string) *PolicyBuilder        { b.p.TenantID = t; return b }
func (b *PolicyBuilder) Category(c string) *PolicyBuilder      { b.p.Category = c; return b }
func (b *PolicyBuilder) Kind(k PolicyKind) *PolicyBuilder      { b.p.Kind = k; return b }
func (b *PolicyBuilder) Allow() *PolicyBuilder                 { b.p.Effect = EffectAllow; return b }
func (b *PolicyBuilder) Deny() *PolicyBuilder                  { b.p.Effect = EffectDeny; return b }
func (b *PolicyBuilder) Priority(p int) *PolicyBuilder         { b.p.Priority = p; return b }
func (b *PolicyBuilder) Permission(perm string) *PolicyBuilder { b.p.Permission = perm; return b }
func (b *PolicyBuilder) Description(d string) *PolicyBuilder   { b.p.Description = d; return b }
func (b *PolicyBuilder) Condition(c *Condition) *PolicyBuilder { b.p.Condition = c; return b }
func (b *PolicyBuilder) Roles(r ...RoleLevel) *PolicyBuilder {
	b.p.Roles = append(b.p.Roles, r...)
	return b
}
func (b *PolicyBuilder) Actions(a ...Action) *PolicyBuilder {
	b.p.Actions = append(b.p.Actions, a...)
	return b
}

// Between restricts the policy to a time-of-day window.
func (b *PolicyBuilder) Between(start, end string) *PolicyBuilder {
	b.cond().Window = &TimeWindow{Start: start, End: end}
	return b
}
func (b *PolicyBuilder) AmountAtMost(v float64) *PolicyBuilder  { b.cond().MaxAmount = &v; return b }
func (b *PolicyBuilder) AmountAtLeast(v float64) *PolicyBuilder { b.cond().MinAmount = &v; return b }
func (b *PolicyBuilder) FromNetworks(cidrs ...string) *PolicyBuilder {
	b.cond().AllowCIDRs = append(b.cond().AllowCIDRs, cidrs...)
	return b
}
func (b *PolicyBuilder) Build() Policy { return b.p.Clone() }

func (b *PolicyBuilder) cond() *Condition {
	if b.p.Condition == nil {
		b.p.Condition = &Condition{}
	}
	return b.p.Condition
}

// SubjectBuilder builds a Subject
type SubjectBuilder struct {
	s *Subject
}

func NewSubjectBuilder(id string) *SubjectBuilder {
	return &SubjectBuilder{s: &Subject{ID: id, Type: "user", Memberships: map[string]Membership{}}}
}
func (b *SubjectBuilder) Type(t string) *SubjectBuilder { b.s.Type = t; return b }
func (b *SubjectBuilder) Member(tenantID string, role RoleLevel) *SubjectBuilder {
	b.s.Memberships[tenantID] = Membership{TenantID: tenantID, Role: role, Active: true}
	return b
}
func (b *SubjectBuilder) Suspended(tenantID string, role RoleLevel) *SubjectBuilder {
	b.s.Memberships[tenantID] = Membership{TenantID: tenantID, Role: role, Active: false}
	return b
}
func (b *SubjectBuilder) Grant(perm string) *SubjectBuilder  { return b.permission(perm, true) }
func (b *SubjectBuilder) Revoke(perm string) *SubjectBuilder { return b.permission(perm, false) }
func (b *SubjectBuilder) Build() *Subject                    { return cloneSubject(b.s) }

func (b *SubjectBuilder) permission(perm string, granted bool) *SubjectBuilder {
	if b.s.Permissions == nil {
		b.s.Permissions = map[string]bool{}
	}
	b.s.Permissions[perm] = granted
	return b
}
