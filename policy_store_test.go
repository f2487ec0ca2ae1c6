package bizguard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"
)

func TestRegisterValidation(t *testing.T) {
	s := NewMemoryPolicyStore()
	ctx := context.Background()
	cases := []struct {
		name string
		p    Policy
	}{
		{"missing id", Policy{Category: "invoices", Effect: EffectAllow}},
		{"empty category", Policy{ID: "p", Effect: EffectAllow}},
		{"bad effect", Policy{ID: "p", Category: "invoices", Effect: "maybe"}},
		{"bad kind", Policy{ID: "p", Category: "invoices", Effect: EffectAllow, Kind: "sometimes"}},
		{"unknown role", Policy{ID: "p", Category: "invoices", Effect: EffectAllow, Roles: []RoleLevel{"janitor"}}},
		{"bad cidr", NewPolicyBuilder("p").Category("invoices").Allow().FromNetworks("10.0.0.0/99").Build()},
		{"bad time", NewPolicyBuilder("p").Category("invoices").Allow().Between("25:00", "26:00").Build()},
		{"inverted amounts", NewPolicyBuilder("p").Category("invoices").Allow().AmountAtLeast(100).AmountAtMost(10).Build()},
		{"nan ceiling", NewPolicyBuilder("p").Category("payments").Allow().AmountAtMost(math.NaN()).Build()},
		{"nan floor", NewPolicyBuilder("p").Category("payments").Deny().AmountAtLeast(math.NaN()).Build()},
		{"infinite ceiling", NewPolicyBuilder("p").Category("payments").Allow().AmountAtMost(math.Inf(1)).Build()},
		{"infinite floor", NewPolicyBuilder("p").Category("payments").Allow().AmountAtLeast(math.Inf(-1)).Build()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := s.Register(ctx, tc.p); !errors.Is(err, ErrInvalidPolicy) {
				t.Fatalf("expected ErrInvalidPolicy, got %v", err)
			}
		})
	}
	if s.Len() != 0 || s.Generation() != 0 {
		t.Fatalf("rejected policies must not change the store")
	}
}

func TestRegisterDuplicateAndRemove(t *testing.T) {
	s := NewMemoryPolicyStore()
	ctx := context.Background()
	p := NewPolicyBuilder("p1").Category("invoices").Allow().Build()
	mustRegister(t, s, p)
	if err := s.Register(ctx, p); !errors.Is(err, ErrDuplicatePolicyID) {
		t.Fatalf("expected ErrDuplicatePolicyID, got %v", err)
	}
	gen := s.Generation()
	if err := s.Remove(ctx, "p1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if s.Generation() <= gen {
		t.Fatalf("remove must bump the generation")
	}
	if err := s.Remove(ctx, "p1"); !errors.Is(err, ErrPolicyNotFound) {
		t.Fatalf("expected ErrPolicyNotFound, got %v", err)
	}
	if _, err := s.Get(ctx, "p1"); !errors.Is(err, ErrPolicyNotFound) {
		t.Fatalf("expected ErrPolicyNotFound from Get, got %v", err)
	}
	if got, _ := s.LookupByCategory(ctx, "invoices"); len(got) != 0 {
		t.Fatalf("removed policy still returned: %+v", got)
	}
}

func TestLookupOrdering(t *testing.T) {
	s := NewMemoryPolicyStore()
	mustRegister(t, s,
		NewPolicyBuilder("b-allow").Category("invoices").Allow().Priority(5).Build(),
		NewPolicyBuilder("a-allow").Category("invoices").Allow().Priority(5).Build(),
		NewPolicyBuilder("z-deny").Category("invoices").Deny().Priority(5).Build(),
		NewPolicyBuilder("high").Category("invoices").Allow().Priority(50).Build(),
		NewPolicyBuilder("wild").Category(CategoryWildcard).Deny().Priority(1).Build(),
		NewPolicyBuilder("other").Category("payroll").Deny().Priority(100).Build(),
	)
	got, err := s.LookupByCategory(context.Background(), "invoices")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	want := []string{"high", "z-deny", "a-allow", "b-allow", "wild"}
	if len(got) != len(want) {
		t.Fatalf("expected %d policies, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
	if cats := s.Categories(); fmt.Sprint(cats) != "[* invoices payroll]" {
		t.Fatalf("unexpected categories %v", cats)
	}
}

func TestLookupReturnsCopies(t *testing.T) {
	s := NewMemoryPolicyStore()
	mustRegister(t, s, NewPolicyBuilder("p1").Category("invoices").Allow().Roles(RoleAdmin).Build())
	got, _ := s.LookupByCategory(context.Background(), "invoices")
	got[0].Roles[0] = RoleViewer
	again, _ := s.LookupByCategory(context.Background(), "invoices")
	if again[0].Roles[0] != RoleAdmin {
		t.Fatalf("store state leaked through lookup result")
	}
}

func TestRegisterLookupRoundTrip(t *testing.T) {
	ctx := context.Background()
	policies := []Policy{
		NewPolicyBuilder("p1").Category("payments").Allow().Roles(RoleAdmin).Actions(ActionRead).Priority(3).Build(),
		NewPolicyBuilder("p2").Category("payments").Deny().Between("22:00", "06:00").Priority(3).Build(),
		NewPolicyBuilder("p3").Category("payments").Allow().AmountAtMost(1000).FromNetworks("10.0.0.0/8").Build(),
	}
	a := NewMemoryPolicyStore()
	mustRegister(t, a, policies...)
	b := NewMemoryPolicyStore()
	for i := len(policies) - 1; i >= 0; i-- {
		mustRegister(t, b, policies[i])
	}
	la, _ := a.LookupByCategory(ctx, "payments")
	lb, _ := b.LookupByCategory(ctx, "payments")
	if len(la) != len(lb) {
		t.Fatalf("length mismatch %d vs %d", len(la), len(lb))
	}
	for i := range la {
		if la[i].Checksum() != lb[i].Checksum() {
			t.Fatalf("position %d differs: %s vs %s", i, la[i].ID, lb[i].ID)
		}
	}
}

func TestValidateReportsConflicts(t *testing.T) {
	// Scenario D
	s := NewMemoryPolicyStore()
	mustRegister(t, s,
		NewPolicyBuilder("pay-allow").Category("payments").Allow().Roles(RoleAdmin).Priority(10).Build(),
		NewPolicyBuilder("pay-deny").Category("payments").Deny().Roles(RoleAdmin).Priority(10).Build(),
	)
	reports := s.Validate()
	if len(reports) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(reports))
	}
	r := reports[0]
	if r.AllowPolicyID != "pay-allow" || r.DenyPolicyID != "pay-deny" || r.Category != "payments" {
		t.Fatalf("unexpected report %+v", r)
	}
}

func TestValidateIgnoresOrderablePairs(t *testing.T) {
	s := NewMemoryPolicyStore()
	mustRegister(t, s,
		NewPolicyBuilder("prio-allow").Category("payments").Allow().Roles(RoleAdmin).Priority(10).Build(),
		NewPolicyBuilder("prio-deny").Category("payments").Deny().Roles(RoleAdmin).Priority(9).Build(),
		NewPolicyBuilder("role-allow").Category("hr").Allow().Roles(RoleAdmin).Build(),
		NewPolicyBuilder("role-deny").Category("hr").Deny().Roles(RoleViewer).Build(),
		NewPolicyBuilder("day-allow").Category("crm").Allow().Between("09:00", "17:00").Build(),
		NewPolicyBuilder("night-deny").Category("crm").Deny().Between("18:00", "08:00").Build(),
		NewPolicyBuilder("small-allow").Category("ledger").Allow().AmountAtMost(100).Build(),
		NewPolicyBuilder("big-deny").Category("ledger").Deny().AmountAtLeast(1000).Build(),
	)
	if reports := s.Validate(); len(reports) != 0 {
		t.Fatalf("expected no conflicts, got %+v", reports)
	}
}

func TestReplaceIsAtomic(t *testing.T) {
	s := NewMemoryPolicyStore()
	ctx := context.Background()
	mustRegister(t, s, NewPolicyBuilder("old").Category("invoices").Allow().Build())
	bad := []Policy{
		NewPolicyBuilder("new").Category("invoices").Deny().Build(),
		{ID: "broken", Category: "invoices", Effect: "perhaps"},
	}
	if err := s.Replace(ctx, bad); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
	if _, err := s.Get(ctx, "old"); err != nil {
		t.Fatalf("failed replace must keep the old set: %v", err)
	}
	if err := s.Replace(ctx, bad[:1]); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 policy after replace, got %d", s.Len())
	}
	if _, err := s.Get(ctx, "new"); err != nil {
		t.Fatalf("new policy missing: %v", err)
	}
}

func TestConcurrentRegisterAndLookup(t *testing.T) {
	s := NewMemoryPolicyStore()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = s.Register(ctx, NewPolicyBuilder(fmt.Sprintf("p-%d-%d", i, j)).Category("invoices").Allow().Priority(j).Build())
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				list, err := s.LookupByCategory(ctx, "invoices")
				if err != nil {
					t.Errorf("lookup: %v", err)
					return
				}
				for k := 1; k < len(list); k++ {
					if list[k-1].Priority < list[k].Priority {
						t.Errorf("lookup returned unordered policies")
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	if s.Len() != 400 {
		t.Fatalf("expected 400 policies, got %d", s.Len())
	}
}

// slowRepository blocks SavePolicy until release is closed.
type slowRepository struct {
	saving  chan struct{}
	release chan struct{}
}

func (r *slowRepository) SavePolicy(context.Context, *Policy) error {
	close(r.saving)
	<-r.release
	return nil
}

func (r *slowRepository) DeletePolicy(context.Context, string) error { return nil }

func (r *slowRepository) ListPolicies(context.Context) ([]*Policy, error) { return nil, nil }

func TestReadsDoNotWaitOnRepository(t *testing.T) {
	repo := &slowRepository{saving: make(chan struct{}), release: make(chan struct{})}
	s := NewMemoryPolicyStore(WithRepository(repo))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- s.Register(ctx, NewPolicyBuilder("p1").Category("invoices").Allow().Build())
	}()
	<-repo.saving

	read := make(chan int, 1)
	go func() {
		got, _ := s.LookupByCategory(ctx, "invoices")
		read <- len(got)
	}()
	select {
	case n := <-read:
		if n != 0 {
			t.Fatalf("policy visible before it was persisted")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("lookup blocked behind repository write")
	}

	close(repo.release)
	if err := <-done; err != nil {
		t.Fatalf("register: %v", err)
	}
	if got, _ := s.LookupByCategory(ctx, "invoices"); len(got) != 1 {
		t.Fatalf("expected registered policy after save, got %d", len(got))
	}
}
