package bizguard

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/oarkflow/bizguard/logger"
)

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// PolicyLookup is the read side of the policy store used by the engine.
type PolicyLookup interface {
	LookupByCategory(ctx context.Context, category string) ([]Policy, error)
}

// PolicyStore manages the registered policy set.
type PolicyStore interface {
	PolicyLookup
	Register(ctx context.Context, p Policy) error
	Remove(ctx context.Context, id string) error
	Validate() []ConflictReport
}

// PolicyRepository persists policy definitions behind a store.
type PolicyRepository interface {
	SavePolicy(ctx context.Context, p *Policy) error
	DeletePolicy(ctx context.Context, id string) error
	ListPolicies(ctx context.Context) ([]*Policy, error)
}

// ConflictReport flags an ALLOW/DENY pair the store cannot order.
type ConflictReport struct {
	Category      string `json:"category"`
	AllowPolicyID string `json:"allow_policy_id"`
	DenyPolicyID  string `json:"deny_policy_id"`
	Priority      int    `json:"priority"`
	Reason        string `json:"reason"`
}

// PolicyIDs returns both policy IDs in the report.
func (c ConflictReport) PolicyIDs() []string {
	return []string{c.AllowPolicyID, c.DenyPolicyID}
}

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

// MemoryPolicyStore holds policies in memory. Reads share an RWMutex; writes
// are exclusive and bump a generation counter. Writers are ordered by writeMu
// so repository I/O happens before mu is taken and never stalls readers.
type MemoryPolicyStore struct {
	writeMu    sync.Mutex
	mu         sync.RWMutex
	policies   map[string]*Policy
	byCategory map[string][]*Policy
	generation uint64
	repo       PolicyRepository
	logger     logger.Logger
	now        func() time.Time
}

type StoreOption func(*MemoryPolicyStore)

// WithRepository makes Register and Remove write through to repo.
func WithRepository(repo PolicyRepository) StoreOption {
	return func(s *MemoryPolicyStore) { s.repo = repo }
}

func WithStoreLogger(l logger.Logger) StoreOption {
	return func(s *MemoryPolicyStore) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewMemoryPolicyStore(opts ...StoreOption) *MemoryPolicyStore {
	s := &MemoryPolicyStore{
		policies:   make(map[string]*Policy),
		byCategory: make(map[string][]*Policy),
		logger:     logger.NewNullLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a policy. IDs are unique; validation failures wrap ErrInvalidPolicy.
func (s *MemoryPolicyStore) Register(ctx context.Context, p Policy) error {
	p = p.Clone()
	p.normalize()
	if err := ValidatePolicy(&p); err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, exists := s.lookupID(p.ID); exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePolicyID, p.ID)
	}
	if s.repo != nil {
		if err := s.repo.SavePolicy(ctx, &p); err != nil {
			return fmt.Errorf("persist policy %s: %w", p.ID, err)
		}
	}
	s.mu.Lock()
	s.policies[p.ID] = &p
	s.byCategory[p.Category] = append(s.byCategory[p.Category], &p)
	s.generation++
	s.mu.Unlock()
	s.logger.Info("policy registered", "policy_id", p.ID, "category", p.Category, "effect", string(p.Effect), "priority", p.Priority)
	return nil
}

// Remove deletes a policy by ID.
func (s *MemoryPolicyStore) Remove(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	p, ok := s.lookupID(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	if s.repo != nil {
		if err := s.repo.DeletePolicy(ctx, id); err != nil {
			return fmt.Errorf("delete policy %s: %w", id, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, id)
	list := s.byCategory[p.Category]
	list = slices.DeleteFunc(list, func(x *Policy) bool { return x.ID == id })
	if len(list) == 0 {
		delete(s.byCategory, p.Category)
	} else {
		s.byCategory[p.Category] = list
	}
	s.generation++
	s.logger.Info("policy removed", "policy_id", id, "category", p.Category)
	return nil
}

// LookupByCategory returns policies for category plus wildcard policies,
// ordered by priority (DENY first on ties).
func (s *MemoryPolicyStore) LookupByCategory(ctx context.Context, category string) ([]Policy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]*Policy, 0, len(s.byCategory[category])+len(s.byCategory[CategoryWildcard]))
	matched = append(matched, s.byCategory[category]...)
	if category != CategoryWildcard {
		matched = append(matched, s.byCategory[CategoryWildcard]...)
	}
	slices.SortFunc(matched, policyOrder)
	out := make([]Policy, len(matched))
	for i, p := range matched {
		out[i] = p.Clone()
	}
	return out, nil
}

func (s *MemoryPolicyStore) lookupID(id string) (*Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	return p, ok
}

// Get returns a copy of one policy.
func (s *MemoryPolicyStore) Get(_ context.Context, id string) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	return p.Clone(), nil
}

// List returns every policy ordered by category, then lookup order.
func (s *MemoryPolicyStore) List() []Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		all = append(all, p)
	}
	slices.SortFunc(all, func(a, b *Policy) int {
		if a.Category != b.Category {
			if a.Category < b.Category {
				return -1
			}
			return 1
		}
		return policyOrder(a, b)
	})
	out := make([]Policy, len(all))
	for i, p := range all {
		out[i] = p.Clone()
	}
	return out
}

// Categories returns the registered category keys, sorted.
func (s *MemoryPolicyStore) Categories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byCategory))
	for c := range s.byCategory {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (s *MemoryPolicyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.policies)
}

// Generation changes on every successful mutation.
func (s *MemoryPolicyStore) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Replace swaps the whole policy set atomically. Nothing is written to the
// repository; it is used when the repository itself is the source.
func (s *MemoryPolicyStore) Replace(_ context.Context, policies []Policy) error {
	next := make(map[string]*Policy, len(policies))
	idx := make(map[string][]*Policy)
	now := s.now()
	for _, in := range policies {
		p := in.Clone()
		p.normalize()
		if err := ValidatePolicy(&p); err != nil {
			return err
		}
		if _, dup := next[p.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicatePolicyID, p.ID)
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		next[p.ID] = &p
		idx[p.Category] = append(idx[p.Category], &p)
	}
	s.writeMu.Lock()
	s.mu.Lock()
	s.policies = next
	s.byCategory = idx
	s.generation++
	s.mu.Unlock()
	s.writeMu.Unlock()
	s.logger.Info("policy set replaced", "count", len(next))
	return nil
}

// Hydrate loads the repository contents into memory.
func (s *MemoryPolicyStore) Hydrate(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	list, err := s.repo.ListPolicies(ctx)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	policies := make([]Policy, 0, len(list))
	for _, p := range list {
		policies = append(policies, *p)
	}
	return s.Replace(ctx, policies)
}

// Validate reports equal-priority ALLOW/DENY pairs on the same category and
// role requirement whose conditions overlap. Conflicts are not fatal.
func (s *MemoryPolicyStore) Validate() []ConflictReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return detectConflicts(s.byCategory)
}

func detectConflicts(byCategory map[string][]*Policy) []ConflictReport {
	reports := make([]ConflictReport, 0)
	for category, list := range byCategory {
		for i := 0; i < len(list); i++ {
			for j := i + 1; j < len(list); j++ {
				a, b := list[i], list[j]
				if a.Effect == b.Effect || a.Priority != b.Priority {
					continue
				}
				if !sameRoles(a.Roles, b.Roles) {
					continue
				}
				if a.TenantID != b.TenantID && a.TenantID != "" && b.TenantID != "" {
					continue
				}
				if !actionsOverlap(a.Actions, b.Actions) || !conditionsOverlap(a.Condition, b.Condition) {
					continue
				}
				allow, deny := a, b
				if a.Effect == EffectDeny {
					allow, deny = b, a
				}
				reports = append(reports, ConflictReport{
					Category:      category,
					AllowPolicyID: allow.ID,
					DenyPolicyID:  deny.ID,
					Priority:      a.Priority,
					Reason:        "equal-priority allow and deny on the same role requirement with overlapping conditions",
				})
			}
		}
	}
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].Category != reports[j].Category {
			return reports[i].Category < reports[j].Category
		}
		if reports[i].AllowPolicyID != reports[j].AllowPolicyID {
			return reports[i].AllowPolicyID < reports[j].AllowPolicyID
		}
		return reports[i].DenyPolicyID < reports[j].DenyPolicyID
	})
	return reports
}

// ValidatePolicies runs conflict detection over a policy list without a store.
func ValidatePolicies(policies []Policy) []ConflictReport {
	idx := make(map[string][]*Policy)
	for i := range policies {
		p := policies[i].Clone()
		p.normalize()
		idx[p.Category] = append(idx[p.Category], &p)
	}
	return detectConflicts(idx)
}
