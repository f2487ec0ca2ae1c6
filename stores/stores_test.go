package stores

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/bizguard"
)

func openTestDB(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	require.NoError(t, Migrate(context.Background(), db))
	return db
}

func TestSQLPolicyRepositoryHydratesStore(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewSQLPolicyRepository(db)

	store := bizguard.NewMemoryPolicyStore(bizguard.WithRepository(repo))
	policies := []bizguard.Policy{
		{
			ID:       "invoices-manager-allow",
			Category: "invoices",
			Effect:   bizguard.EffectAllow,
			Roles:    []bizguard.RoleLevel{bizguard.RoleManager},
			Actions:  []bizguard.Action{bizguard.ActionRead, bizguard.ActionWrite},
			Priority: 10,
		},
		{
			ID:       "invoices-after-hours-deny",
			TenantID: "t-1",
			Category: "invoices",
			Effect:   bizguard.EffectDeny,
			Condition: &bizguard.Condition{
				Window:     &bizguard.TimeWindow{Start: "18:00", End: "08:00"},
				MaxAmount:  bizguard.Amount(500),
				AllowCIDRs: []string{"10.0.0.0/8"},
			},
			Priority: 10,
		},
	}
	for _, p := range policies {
		require.NoError(t, store.Register(ctx, p))
	}

	stored, err := repo.ListPolicies(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)

	fresh := bizguard.NewMemoryPolicyStore(bizguard.WithRepository(repo))
	require.NoError(t, fresh.Hydrate(ctx))

	want, err := store.LookupByCategory(ctx, "invoices")
	require.NoError(t, err)
	got, err := fresh.LookupByCategory(ctx, "invoices")
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Checksum(), got[i].Checksum())
	}

	require.NoError(t, store.Remove(ctx, "invoices-manager-allow"))
	stored, err = repo.ListPolicies(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "invoices-after-hours-deny", stored[0].ID)
}

func TestSQLPolicyRepositoryRejectsDuplicateRows(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLPolicyRepository(openTestDB(t))
	p := &bizguard.Policy{ID: "p1", Category: "payroll", Effect: bizguard.EffectDeny, Kind: bizguard.KindOverride}
	require.NoError(t, repo.SavePolicy(ctx, p))
	assert.Error(t, repo.SavePolicy(ctx, p))
}

func auditRecord(id, tenant string, granted bool, at time.Time) *bizguard.AuditRecord {
	return &bizguard.AuditRecord{
		ID:         id,
		TraceID:    "trace-" + id,
		RecordedAt: at,
		TenantID:   tenant,
		Action:     bizguard.ActionRead,
		Subject:    bizguard.SubjectRef{ID: "user-x", Type: "user"},
		Resource:   bizguard.ResourceRef{Category: "invoices", ID: "inv-1", TenantID: tenant, Sensitivity: bizguard.SensitivityConfidential},
		Decision: bizguard.Decision{
			Granted:   granted,
			PolicyID:  "policy-1",
			Reason:    "allowed by policy policy-1",
			RiskScore: 40,
			Warnings:  []string{"w1"},
		},
	}
}

func TestSQLAuditSinkRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	sink := NewSQLAuditSink(db)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, sink.Record(ctx, auditRecord("evt-1", "t-1", true, base)))
	require.NoError(t, sink.Record(ctx, auditRecord("evt-2", "t-2", false, base.Add(time.Minute))))
	require.NoError(t, sink.Record(ctx, auditRecord("evt-3", "t-1", false, base.Add(2*time.Minute))))

	logs, err := sink.Query(ctx, bizguard.AuditFilter{TenantID: "t-1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	got := logs[0]
	assert.Equal(t, "evt-1", got.ID)
	assert.Equal(t, "trace-evt-1", got.TraceID)
	assert.True(t, got.RecordedAt.Equal(base))
	assert.True(t, got.Decision.Granted)
	assert.Equal(t, 40, got.Decision.RiskScore)
	assert.Equal(t, bizguard.SensitivityConfidential, got.Resource.Sensitivity)
	assert.Equal(t, []string{"w1"}, got.Decision.Warnings)

	denied := false
	logs, err = sink.Query(ctx, bizguard.AuditFilter{Granted: &denied})
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	logs, err = sink.Query(ctx, bizguard.AuditFilter{StartTime: base.Add(30 * time.Second), EndTime: base.Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "evt-2", logs[0].ID)
}

func TestSQLAuditSinkIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	sink := NewSQLAuditSink(db)
	require.NoError(t, sink.Record(ctx, auditRecord("evt-1", "t-1", true, time.Now())))

	assert.Error(t, sink.Record(ctx, auditRecord("evt-1", "t-1", false, time.Now())), "duplicate id must be rejected")

	_, err := db.ExecContext(ctx, `UPDATE audit_log SET granted = 0 WHERE id = 'evt-1'`)
	assert.Error(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM audit_log WHERE id = 'evt-1'`)
	assert.Error(t, err)

	logs, err := sink.Query(ctx, bizguard.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Decision.Granted)
}

// cutRows yields n rows and then stops with err, like a driver that fails
// mid-result.
type cutRows struct {
	n   int
	err error
}

func (c *cutRows) Next() bool {
	if c.n == 0 {
		return false
	}
	c.n--
	return true
}

func (c *cutRows) Scan(...any) error { return nil }
func (c *cutRows) Err() error        { return c.err }

func TestEachRowReportsTruncatedResult(t *testing.T) {
	broken := errors.New("connection reset")
	seen := 0
	err := eachRow(&cutRows{n: 2, err: broken}, func() error {
		seen++
		return nil
	})
	require.ErrorIs(t, err, broken)
	assert.Equal(t, 2, seen)

	seen = 0
	require.NoError(t, eachRow(&cutRows{n: 3}, func() error {
		seen++
		return nil
	}))
	assert.Equal(t, 3, seen)

	stop := errors.New("bad row")
	err = eachRow(&cutRows{n: 3}, func() error { return stop })
	require.ErrorIs(t, err, stop)
}

func TestHydrateKeepsStoreWhenListingFails(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewSQLPolicyRepository(db)
	store := bizguard.NewMemoryPolicyStore(bizguard.WithRepository(repo))
	require.NoError(t, store.Register(ctx, bizguard.Policy{ID: "deny-all", Category: "*", Effect: bizguard.EffectDeny}))

	_, err := db.ExecContext(ctx, `INSERT INTO policies(id, category, kind, effect, roles_json) VALUES('zz-broken', 'invoices', 'override', 'allow', 'not json')`)
	require.NoError(t, err)

	_, err = repo.ListPolicies(ctx)
	require.Error(t, err)
	require.Error(t, store.Hydrate(ctx))
	_, err = store.Get(ctx, "deny-all")
	require.NoError(t, err, "a failed hydrate must not replace the live policy set")
}

func TestSQLAuditSinkRejectsCorruptWarnings(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.ExecContext(ctx, `INSERT INTO audit_log(id, recorded_at, tenant_id, granted, warnings_json) VALUES('evt-bad', '2026-03-02T10:30:00.000000000Z', 't-1', 0, '{')`)
	require.NoError(t, err)

	_, err = NewSQLAuditSink(db).Query(ctx, bizguard.AuditFilter{TenantID: "t-1"})
	require.Error(t, err)
}

func TestSQLMembershipDirectory(t *testing.T) {
	ctx := context.Background()
	dir := NewSQLMembershipDirectory(openTestDB(t))

	_, err := dir.LoadSubject(ctx, "ghost")
	require.ErrorIs(t, err, bizguard.ErrSubjectNotFound)

	require.NoError(t, dir.PutSubject(ctx, &bizguard.Subject{
		ID:   "alice",
		Type: "user",
		Memberships: map[string]bizguard.Membership{
			"t-1": {TenantID: "t-1", Role: bizguard.RoleManager, Active: true},
			"t-2": {TenantID: "t-2", Role: bizguard.RoleViewer, Active: false},
		},
		Permissions: map[string]bool{"payroll.read": false},
	}))

	s, err := dir.LoadSubject(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "user", s.Type)
	assert.Len(t, s.Memberships, 2)
	assert.Equal(t, bizguard.RoleManager, s.Memberships["t-1"].Role)
	assert.False(t, s.Memberships["t-2"].Active)
	assert.Equal(t, map[string]bool{"payroll.read": false}, s.Permissions)

	require.NoError(t, dir.SetMembership(ctx, "alice", bizguard.Membership{TenantID: "t-2", Role: bizguard.RoleAdmin, Active: true}))
	require.NoError(t, dir.RemoveMembership(ctx, "alice", "t-1"))
	s, err = dir.LoadSubject(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"t-2"}, s.ActiveTenants())
	assert.Equal(t, bizguard.RoleAdmin, s.Memberships["t-2"].Role)

	assert.Error(t, dir.SetMembership(ctx, "alice", bizguard.Membership{TenantID: "t-3", Role: "janitor"}))
}

func TestSQLMembershipDirectoryFeedsResolver(t *testing.T) {
	ctx := context.Background()
	dir := NewSQLMembershipDirectory(openTestDB(t))
	require.NoError(t, dir.SetMembership(ctx, "bob", bizguard.Membership{TenantID: "t-9", Role: bizguard.RoleEmployee, Active: true}))

	resolver := bizguard.NewResolver(bizguard.WithDirectory(dir))
	subject, tc, err := resolver.ResolveByID(ctx, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, "bob", subject.ID)
	assert.Equal(t, "t-9", tc.TenantID)
	assert.Equal(t, bizguard.MethodSingleMembershipFallback, tc.Method)
}

func TestMembershipEncoding(t *testing.T) {
	m := bizguard.Membership{TenantID: "t-1", Role: bizguard.RoleOwner, Active: true}
	raw := encodeMembership(m)
	assert.Equal(t, "owner|1", raw)
	got, err := decodeMembership("t-1", raw)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	for _, bad := range []string{"owner", "janitor|1", ""} {
		_, err := decodeMembership("t-1", bad)
		assert.Error(t, err, bad)
	}
}

func TestRedisMembershipDirectory(t *testing.T) {
	addr := os.Getenv("BIZGUARD_REDIS_ADDR")
	if addr == "" {
		t.Skip("BIZGUARD_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	dir := NewRedisMembershipDirectory(client)
	subjectID := "redis-test-" + time.Now().Format("150405.000000000")
	t.Cleanup(func() { client.Del(ctx, dir.membersKey(subjectID), dir.permsKey(subjectID)) })

	_, err := dir.LoadSubject(ctx, subjectID)
	require.ErrorIs(t, err, bizguard.ErrSubjectNotFound)

	require.NoError(t, dir.SetMembership(ctx, subjectID, bizguard.Membership{TenantID: "t-1", Role: bizguard.RoleAdmin, Active: true}))
	require.NoError(t, dir.SetPermission(ctx, subjectID, "payroll.*", false))
	s, err := dir.LoadSubject(ctx, subjectID)
	require.NoError(t, err)
	assert.Equal(t, bizguard.RoleAdmin, s.Memberships["t-1"].Role)
	assert.Equal(t, map[string]bool{"payroll.*": false}, s.Permissions)

	require.NoError(t, dir.RemoveMembership(ctx, subjectID, "t-1"))
	_, err = dir.LoadSubject(ctx, subjectID)
	require.ErrorIs(t, err, bizguard.ErrSubjectNotFound)
}
