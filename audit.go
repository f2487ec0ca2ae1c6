package bizguard

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oarkflow/bizguard/logger"
)

// ============================================================================
// AUDIT
// ============================================================================

// AuditRecord is the write-once trail entry for one decision.
type AuditRecord struct {
	ID         string      `json:"id"`
	TraceID    string      `json:"trace_id,omitempty"`
	RecordedAt time.Time   `json:"recorded_at"`
	TenantID   string      `json:"tenant_id"`
	Action     Action      `json:"action"`
	Subject    SubjectRef  `json:"subject"`
	Resource   ResourceRef `json:"resource"`
	Decision   Decision    `json:"decision"`
}

// AuditSink receives every finalized decision. The engine calls it from a
// background worker and never waits on it.
type AuditSink interface {
	Record(ctx context.Context, rec *AuditRecord) error
}

// AuditFilter for querying audit trails
type AuditFilter struct {
	SubjectID  string
	TenantID   string
	ResourceID string
	Category   string
	Granted    *bool
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
}

func (f AuditFilter) match(rec *AuditRecord) bool {
	if f.SubjectID != "" && rec.Subject.ID != f.SubjectID {
		return false
	}
	if f.TenantID != "" && rec.TenantID != f.TenantID {
		return false
	}
	if f.ResourceID != "" && rec.Resource.ID != f.ResourceID {
		return false
	}
	if f.Category != "" && rec.Resource.Category != f.Category {
		return false
	}
	if f.Granted != nil && rec.Decision.Granted != *f.Granted {
		return false
	}
	if !f.StartTime.IsZero() && rec.RecordedAt.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && rec.RecordedAt.After(f.EndTime) {
		return false
	}
	return true
}

// MemoryAuditSink keeps records in an append-only slice.
type MemoryAuditSink struct {
	mu      sync.RWMutex
	entries []*AuditRecord
	ids     map[string]struct{}
}

func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{entries: make([]*AuditRecord, 0), ids: make(map[string]struct{})}
}

// Record appends rec. A record ID may only be written once.
func (s *MemoryAuditSink) Record(_ context.Context, rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.ids[rec.ID]; dup {
		return fmt.Errorf("audit record %s already written", rec.ID)
	}
	cp := *rec
	s.ids[rec.ID] = struct{}{}
	s.entries = append(s.entries, &cp)
	return nil
}

// Query returns copies of matching records in insertion order.
func (s *MemoryAuditSink) Query(filter AuditFilter) []AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditRecord, 0)
	for _, rec := range s.entries {
		if !filter.match(rec) {
			continue
		}
		out = append(out, *rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

func (s *MemoryAuditSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// LoggerAuditSink writes decisions to a structured logger.
type LoggerAuditSink struct {
	logger logger.Logger
}

func NewLoggerAuditSink(l logger.Logger) *LoggerAuditSink {
	if l == nil {
		l = logger.NewNullLogger()
	}
	return &LoggerAuditSink{logger: l}
}

func (s *LoggerAuditSink) Record(_ context.Context, rec *AuditRecord) error {
	s.logger.Info("audit decision",
		"audit_id", rec.ID,
		"trace_id", rec.TraceID,
		"tenant", rec.TenantID,
		"subject", rec.Subject.ID,
		"action", string(rec.Action),
		"resource", rec.Resource.Category+":"+rec.Resource.ID,
		"granted", rec.Decision.Granted,
		"policy_id", rec.Decision.PolicyID,
		"reason", rec.Decision.Reason,
		"risk", rec.Decision.RiskScore,
	)
	return nil
}

// MultiAuditSink fans a record out to several sinks and returns the first error.
type MultiAuditSink []AuditSink

func (m MultiAuditSink) Record(ctx context.Context, rec *AuditRecord) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// auditDispatcher decouples evaluation latency from audit durability: records
// go through a bounded queue and are dropped, never blocked on, when it is full.
type auditDispatcher struct {
	sink    AuditSink
	ch      chan *AuditRecord
	logger  logger.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	queued     atomic.Uint64
	dropped    atomic.Uint64
	delivered  atomic.Uint64
	sinkErrors atomic.Uint64
}

func newAuditDispatcher(sink AuditSink, capacity int, timeout time.Duration, l logger.Logger) *auditDispatcher {
	if capacity <= 0 {
		capacity = 1
	}
	d := &auditDispatcher{
		sink:    sink,
		ch:      make(chan *AuditRecord, capacity),
		logger:  l,
		timeout: timeout,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *auditDispatcher) run() {
	defer close(d.done)
	for rec := range d.ch {
		ctx, cancel := context.Background(), context.CancelFunc(func() {})
		if d.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, d.timeout)
		}
		err := d.sink.Record(ctx, rec)
		cancel()
		if err != nil {
			d.sinkErrors.Add(1)
			d.logger.Error("audit sink failed", "audit_id", rec.ID, "tenant", rec.TenantID, "error", fmt.Errorf("%w: %w", ErrAuditSinkUnavailable, err))
			continue
		}
		d.delivered.Add(1)
	}
}

// enqueue reports false when the record was dropped.
func (d *auditDispatcher) enqueue(rec *AuditRecord) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return false
	}
	select {
	case d.ch <- rec:
		d.queued.Add(1)
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// close stops intake and waits for queued records to drain or ctx to end.
func (d *auditDispatcher) close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
