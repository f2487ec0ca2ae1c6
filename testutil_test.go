package bizguard

import (
	"context"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func newTestEngine(t *testing.T, store PolicyLookup, opts ...EngineOption) (*Engine, *MemoryAuditSink) {
	t.Helper()
	sink := NewMemoryAuditSink()
	all := append([]EngineOption{WithClock(fixedClock), WithAuditSink(sink)}, opts...)
	eng, err := NewEngine(store, all...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return eng, sink
}

func mustRegister(t *testing.T, s *MemoryPolicyStore, policies ...Policy) {
	t.Helper()
	for _, p := range policies {
		if err := s.Register(context.Background(), p); err != nil {
			t.Fatalf("register %s: %v", p.ID, err)
		}
	}
}

func mustResolve(t *testing.T, s *Subject, tenant string) *TenantContext {
	t.Helper()
	tc, err := NewResolver(WithResolverClock(fixedClock)).Resolve(context.Background(), s, tenant)
	if err != nil {
		t.Fatalf("resolve %s/%s: %v", s.ID, tenant, err)
	}
	return tc
}

func drain(t *testing.T, eng *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.Close(ctx); err != nil {
		t.Fatalf("close engine: %v", err)
	}
}
