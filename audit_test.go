package bizguard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// blockingSink holds every Record call until release is closed.
type blockingSink struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	got     []*AuditRecord
}

func newBlockingSink() *blockingSink {
	return &blockingSink{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingSink) Record(_ context.Context, rec *AuditRecord) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	b.mu.Lock()
	b.got = append(b.got, rec)
	b.mu.Unlock()
	return nil
}

func TestAuditQueueFullDropsAndWarns(t *testing.T) {
	store := NewMemoryPolicyStore()
	mustRegister(t, store, NewPolicyBuilder("allow").Category("invoices").Allow().Build())
	sink := newBlockingSink()
	cfg := DefaultConfig()
	cfg.AuditQueueCapacity = 1
	eng, err := NewEngine(store, WithConfig(cfg), WithAuditSink(sink), WithClock(fixedClock))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	s := NewSubjectBuilder("u").Member("t1", RoleManager).Build()
	tc := mustResolve(t, s, "t1")
	res := &Resource{Category: "invoices", TenantID: "t1"}
	ctx := context.Background()

	// first record is taken by the worker and blocks there
	if _, err := eng.Evaluate(ctx, s, tc, res, ActionRead, nil); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	<-sink.started
	// second fills the queue
	dec, _ := eng.Evaluate(ctx, s, tc, res, ActionRead, nil)
	if len(dec.Warnings) != 0 {
		t.Fatalf("unexpected warning %v", dec.Warnings)
	}
	// third is dropped, but the decision itself is unaffected
	dec, _ = eng.Evaluate(ctx, s, tc, res, ActionRead, nil)
	if !dec.Granted {
		t.Fatalf("audit pressure must not change the decision: %+v", dec)
	}
	if len(dec.Warnings) != 1 || !strings.Contains(dec.Warnings[0], ErrAuditSinkUnavailable.Error()) {
		t.Fatalf("expected audit warning, got %v", dec.Warnings)
	}
	if st := eng.Stats(); st.AuditDropped != 1 || st.AuditQueued != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}

	close(sink.release)
	drain(t, eng)
	if len(sink.got) != 2 {
		t.Fatalf("expected 2 delivered records, got %d", len(sink.got))
	}
}

func TestCanceledEvaluationIsNotAudited(t *testing.T) {
	store := NewMemoryPolicyStore()
	mustRegister(t, store, NewPolicyBuilder("allow").Category("invoices").Allow().Build())
	eng, sink := newTestEngine(t, store)
	s := NewSubjectBuilder("u").Member("t1", RoleManager).Build()
	tc := mustResolve(t, s, "t1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, res := range []*Resource{
		{Category: "invoices", TenantID: "t1"},
		{Category: "invoices", TenantID: "t2"},
	} {
		dec, err := eng.Evaluate(ctx, s, tc, res, ActionRead, nil)
		if !errors.Is(err, ErrCanceled) || !IsCanceled(err) || dec != nil {
			t.Fatalf("expected ErrCanceled, got %+v %v", dec, err)
		}
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context cause to be kept, got %v", err)
		}
	}
	drain(t, eng)
	if sink.Len() != 0 {
		t.Fatalf("canceled evaluations must not be audited, got %d records", sink.Len())
	}
	if st := eng.Stats(); st.Canceled != 2 || st.Evaluations != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

type errSink struct{}

func (errSink) Record(context.Context, *AuditRecord) error { return errors.New("disk full") }

func TestAuditSinkErrorsAreCounted(t *testing.T) {
	store := NewMemoryPolicyStore()
	eng, err := NewEngine(store, WithAuditSink(errSink{}))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	s := NewSubjectBuilder("u").Member("t1", RoleManager).Build()
	dec, err := eng.Evaluate(context.Background(), s, mustResolve(t, s, "t1"), &Resource{Category: "x", TenantID: "t1"}, ActionRead, nil)
	if err != nil || dec.Granted {
		t.Fatalf("expected plain default deny, got %+v %v", dec, err)
	}
	drain(t, eng)
	if st := eng.Stats(); st.AuditSinkErrors != 1 || st.AuditDelivered != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestEvaluateAfterCloseDropsAudit(t *testing.T) {
	eng, sink := newTestEngine(t, NewMemoryPolicyStore())
	drain(t, eng)
	s := NewSubjectBuilder("u").Member("t1", RoleManager).Build()
	dec, err := eng.Evaluate(context.Background(), s, mustResolve(t, s, "t1"), &Resource{Category: "x", TenantID: "t1"}, ActionRead, nil)
	if err != nil || dec.Granted || len(dec.Warnings) != 1 {
		t.Fatalf("expected deny with audit warning, got %+v %v", dec, err)
	}
	if sink.Len() != 0 {
		t.Fatalf("closed engine must not write audit records")
	}
}

func TestMemoryAuditSinkWriteOnce(t *testing.T) {
	sink := NewMemoryAuditSink()
	ctx := context.Background()
	rec := &AuditRecord{ID: "a1", TenantID: "t1", RecordedAt: testNow, Decision: Decision{Granted: true}}
	if err := sink.Record(ctx, rec); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := sink.Record(ctx, rec); err == nil {
		t.Fatalf("expected duplicate id to be rejected")
	}
	rec.Decision.Granted = false
	if got := sink.Query(AuditFilter{}); len(got) != 1 || !got[0].Decision.Granted {
		t.Fatalf("stored record changed through caller pointer: %+v", got)
	}
}

func TestAuditFilter(t *testing.T) {
	sink := NewMemoryAuditSink()
	ctx := context.Background()
	yes, no := true, false
	for i, r := range []AuditRecord{
		{ID: "1", TenantID: "t1", Subject: SubjectRef{ID: "a"}, Resource: ResourceRef{Category: "invoices", ID: "i1"}, RecordedAt: testNow, Decision: Decision{Granted: true}},
		{ID: "2", TenantID: "t1", Subject: SubjectRef{ID: "b"}, Resource: ResourceRef{Category: "payroll", ID: "p1"}, RecordedAt: testNow.Add(time.Hour)},
		{ID: "3", TenantID: "t2", Subject: SubjectRef{ID: "a"}, Resource: ResourceRef{Category: "invoices", ID: "i2"}, RecordedAt: testNow.Add(2 * time.Hour)},
	} {
		r := r
		if err := sink.Record(ctx, &r); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	cases := []struct {
		f    AuditFilter
		want string
	}{
		{AuditFilter{TenantID: "t1"}, "12"},
		{AuditFilter{SubjectID: "a"}, "13"},
		{AuditFilter{Category: "invoices", Granted: &no}, "3"},
		{AuditFilter{Granted: &yes}, "1"},
		{AuditFilter{ResourceID: "p1"}, "2"},
		{AuditFilter{StartTime: testNow.Add(30 * time.Minute)}, "23"},
		{AuditFilter{EndTime: testNow.Add(90 * time.Minute)}, "12"},
		{AuditFilter{Limit: 2}, "12"},
	}
	for _, c := range cases {
		var ids strings.Builder
		for _, r := range sink.Query(c.f) {
			ids.WriteString(r.ID)
		}
		if ids.String() != c.want {
			t.Fatalf("filter %+v: expected %s, got %s", c.f, c.want, ids.String())
		}
	}
}

func TestMultiAuditSink(t *testing.T) {
	a, b := NewMemoryAuditSink(), NewMemoryAuditSink()
	multi := MultiAuditSink{a, errSink{}, b}
	err := multi.Record(context.Background(), &AuditRecord{ID: "x", TenantID: "t1"})
	if err == nil || err.Error() != "disk full" {
		t.Fatalf("expected sink error, got %v", err)
	}
	if a.Len() != 1 || b.Len() != 1 {
		t.Fatalf("every sink must receive the record: %d %d", a.Len(), b.Len())
	}
}
