package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/bizguard"
)

// SQLPolicyRepository persists policy definitions in SQL (squealx). It is
// meant to sit behind a bizguard.MemoryPolicyStore, which keeps evaluation
// reads in memory.
type SQLPolicyRepository struct {
	db *squealx.DB
}

func NewSQLPolicyRepository(db *squealx.DB) *SQLPolicyRepository {
	return &SQLPolicyRepository{db: db}
}

func (s *SQLPolicyRepository) SavePolicy(ctx context.Context, p *bizguard.Policy) error {
	rec := bizguard.RecordFromPolicy(*p)
	q := `INSERT INTO policies(id, tenant_id, category, kind, effect, roles_json, actions_json, permission, condition_text, priority, description, created_at) VALUES(:id, :tenant_id, :category, :kind, :effect, :roles_json, :actions_json, :permission, :condition_text, :priority, :description, :created_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":             rec.ID,
		"tenant_id":      rec.TenantID,
		"category":       rec.Category,
		"kind":           rec.Kind,
		"effect":         rec.Effect,
		"roles_json":     mustJSON(nonNil(rec.Roles)),
		"actions_json":   mustJSON(nonNil(rec.Actions)),
		"permission":     rec.Permission,
		"condition_text": rec.Condition,
		"priority":       rec.Priority,
		"description":    rec.Description,
		"created_at":     formatTime(p.CreatedAt),
	})
	return err
}

func (s *SQLPolicyRepository) DeletePolicy(ctx context.Context, id string) error {
	q := `DELETE FROM policies WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	return err
}

// ListPolicies returns every stored policy ordered by ID. A row whose
// condition no longer parses is an error; it is never loaded as unconditional.
func (s *SQLPolicyRepository) ListPolicies(ctx context.Context) ([]*bizguard.Policy, error) {
	q := `SELECT id, tenant_id, category, kind, effect, roles_json, actions_json, permission, condition_text, priority, description, created_at FROM policies ORDER BY id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*bizguard.Policy, 0)
	err = eachRow(r, func() error {
		var rec bizguard.PolicyRecord
		var rolesJSON, actionsJSON string
		var createdRaw any
		if err := r.Scan(&rec.ID, &rec.TenantID, &rec.Category, &rec.Kind, &rec.Effect, &rolesJSON, &actionsJSON, &rec.Permission, &rec.Condition, &rec.Priority, &rec.Description, &createdRaw); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(rolesJSON), &rec.Roles); err != nil {
			return fmt.Errorf("policy %s roles: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(actionsJSON), &rec.Actions); err != nil {
			return fmt.Errorf("policy %s actions: %w", rec.ID, err)
		}
		p, err := rec.Policy()
		if err != nil {
			return err
		}
		p.CreatedAt = scanTime(createdRaw)
		out = append(out, &p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	return out, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
