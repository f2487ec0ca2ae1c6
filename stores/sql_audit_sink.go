package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/bizguard"
)

// SQLAuditSink appends audit records to the audit_log table. The table
// rejects updates and deletes, and a duplicate record ID fails the insert.
type SQLAuditSink struct {
	db *squealx.DB
}

func NewSQLAuditSink(db *squealx.DB) *SQLAuditSink {
	return &SQLAuditSink{db: db}
}

func (s *SQLAuditSink) Record(ctx context.Context, rec *bizguard.AuditRecord) error {
	q := `INSERT INTO audit_log(id, trace_id, recorded_at, tenant_id, subject_id, subject_type, category, resource_id, resource_tenant_id, sensitivity, action, granted, policy_id, reason, risk_score, warnings_json) VALUES(:id, :trace_id, :recorded_at, :tenant_id, :subject_id, :subject_type, :category, :resource_id, :resource_tenant_id, :sensitivity, :action, :granted, :policy_id, :reason, :risk_score, :warnings_json)`
	warnings := rec.Decision.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":                 rec.ID,
		"trace_id":           rec.TraceID,
		"recorded_at":        formatTime(rec.RecordedAt),
		"tenant_id":          rec.TenantID,
		"subject_id":         rec.Subject.ID,
		"subject_type":       rec.Subject.Type,
		"category":           rec.Resource.Category,
		"resource_id":        rec.Resource.ID,
		"resource_tenant_id": rec.Resource.TenantID,
		"sensitivity":        string(rec.Resource.Sensitivity),
		"action":             string(rec.Action),
		"granted":            boolToInt(rec.Decision.Granted),
		"policy_id":          rec.Decision.PolicyID,
		"reason":             rec.Decision.Reason,
		"risk_score":         rec.Decision.RiskScore,
		"warnings_json":      mustJSON(warnings),
	})
	return err
}

// Query returns matching records, oldest first. Without a limit at most 100
// rows are returned.
func (s *SQLAuditSink) Query(ctx context.Context, filter bizguard.AuditFilter) ([]*bizguard.AuditRecord, error) {
	q := `SELECT id, trace_id, recorded_at, tenant_id, subject_id, subject_type, category, resource_id, resource_tenant_id, sensitivity, action, granted, policy_id, reason, risk_score, warnings_json FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.SubjectID != "" {
		q += " AND subject_id = :subject_id"
		params["subject_id"] = filter.SubjectID
	}
	if filter.TenantID != "" {
		q += " AND tenant_id = :tenant_id"
		params["tenant_id"] = filter.TenantID
	}
	if filter.ResourceID != "" {
		q += " AND resource_id = :resource_id"
		params["resource_id"] = filter.ResourceID
	}
	if filter.Category != "" {
		q += " AND category = :category"
		params["category"] = filter.Category
	}
	if filter.Granted != nil {
		q += " AND granted = :granted"
		params["granted"] = boolToInt(*filter.Granted)
	}
	if !filter.StartTime.IsZero() {
		q += " AND recorded_at >= :start"
		params["start"] = formatTime(filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		q += " AND recorded_at <= :end"
		params["end"] = formatTime(filter.EndTime)
	}
	q += " ORDER BY recorded_at, id"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*bizguard.AuditRecord, 0)
	err = eachRow(r, func() error {
		var rec bizguard.AuditRecord
		var recordedRaw any
		var action, sensitivity, warningsJSON string
		var granted int
		if err := r.Scan(&rec.ID, &rec.TraceID, &recordedRaw, &rec.TenantID, &rec.Subject.ID, &rec.Subject.Type, &rec.Resource.Category, &rec.Resource.ID, &rec.Resource.TenantID, &sensitivity, &action, &granted, &rec.Decision.PolicyID, &rec.Decision.Reason, &rec.Decision.RiskScore, &warningsJSON); err != nil {
			return err
		}
		rec.RecordedAt = scanTime(recordedRaw)
		rec.Action = bizguard.Action(action)
		rec.Resource.Sensitivity = bizguard.Sensitivity(sensitivity)
		rec.Decision.Granted = granted != 0
		rec.Decision.Action = rec.Action
		rec.Decision.TenantID = rec.TenantID
		rec.Decision.EvaluatedAt = rec.RecordedAt
		if err := json.Unmarshal([]byte(warningsJSON), &rec.Decision.Warnings); err != nil {
			return fmt.Errorf("audit record %s warnings: %w", rec.ID, err)
		}
		out = append(out, &rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
