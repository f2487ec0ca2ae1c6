package stores

import (
	"context"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/bizguard"
)

// SQLMembershipDirectory reads subjects, tenant memberships and explicit
// permissions from SQL.
type SQLMembershipDirectory struct {
	db *squealx.DB
}

func NewSQLMembershipDirectory(db *squealx.DB) *SQLMembershipDirectory {
	return &SQLMembershipDirectory{db: db}
}

// PutSubject writes the subject with all of its memberships and permissions.
func (s *SQLMembershipDirectory) PutSubject(ctx context.Context, subject *bizguard.Subject) error {
	typ := subject.Type
	if typ == "" {
		typ = "user"
	}
	q := `INSERT INTO subjects(id, type) VALUES(:id, :type) ON CONFLICT(id) DO UPDATE SET type = excluded.type`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": subject.ID, "type": typ}); err != nil {
		return err
	}
	for _, m := range subject.Memberships {
		if err := s.SetMembership(ctx, subject.ID, m); err != nil {
			return err
		}
	}
	for perm, granted := range subject.Permissions {
		if err := s.SetPermission(ctx, subject.ID, perm, granted); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLMembershipDirectory) SetMembership(ctx context.Context, subjectID string, m bizguard.Membership) error {
	if !m.Role.Valid() {
		return fmt.Errorf("unknown role level %q", m.Role)
	}
	q := `INSERT INTO memberships(subject_id, tenant_id, role, active) VALUES(:subject_id, :tenant_id, :role, :active) ON CONFLICT(subject_id, tenant_id) DO UPDATE SET role = excluded.role, active = excluded.active`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"subject_id": subjectID,
		"tenant_id":  m.TenantID,
		"role":       string(m.Role),
		"active":     boolToInt(m.Active),
	})
	return err
}

func (s *SQLMembershipDirectory) RemoveMembership(ctx context.Context, subjectID, tenantID string) error {
	q := `DELETE FROM memberships WHERE subject_id = :subject_id AND tenant_id = :tenant_id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"subject_id": subjectID, "tenant_id": tenantID})
	return err
}

// SetPermission records an explicit grant (true) or revocation (false).
func (s *SQLMembershipDirectory) SetPermission(ctx context.Context, subjectID, permission string, granted bool) error {
	q := `INSERT INTO subject_permissions(subject_id, permission, granted) VALUES(:subject_id, :permission, :granted) ON CONFLICT(subject_id, permission) DO UPDATE SET granted = excluded.granted`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"subject_id": subjectID,
		"permission": permission,
		"granted":    boolToInt(granted),
	})
	return err
}

// LoadSubject assembles a subject snapshot. A subject with neither a row nor
// any membership is reported as bizguard.ErrSubjectNotFound.
func (s *SQLMembershipDirectory) LoadSubject(ctx context.Context, subjectID string) (*bizguard.Subject, error) {
	subject := &bizguard.Subject{ID: subjectID, Memberships: make(map[string]bizguard.Membership)}
	params := map[string]any{"subject_id": subjectID}

	found, err := s.loadType(ctx, subject, params)
	if err != nil {
		return nil, err
	}
	if err := s.loadMemberships(ctx, subject, params); err != nil {
		return nil, err
	}
	if !found && len(subject.Memberships) == 0 {
		return nil, fmt.Errorf("%w: %s", bizguard.ErrSubjectNotFound, subjectID)
	}
	if subject.Type == "" {
		subject.Type = "user"
	}
	if err := s.loadPermissions(ctx, subject, params); err != nil {
		return nil, err
	}
	return subject, nil
}

func (s *SQLMembershipDirectory) loadType(ctx context.Context, subject *bizguard.Subject, params map[string]any) (bool, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT type FROM subjects WHERE id = :subject_id`, params)
	if err != nil {
		return false, err
	}
	defer r.Close()
	if !r.Next() {
		return false, r.Err()
	}
	if err := r.Scan(&subject.Type); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLMembershipDirectory) loadMemberships(ctx context.Context, subject *bizguard.Subject, params map[string]any) error {
	r, err := s.db.NamedQueryContext(ctx, `SELECT tenant_id, role, active FROM memberships WHERE subject_id = :subject_id`, params)
	if err != nil {
		return err
	}
	defer r.Close()
	return eachRow(r, func() error {
		var tenant, role string
		var active int
		if err := r.Scan(&tenant, &role, &active); err != nil {
			return err
		}
		subject.Memberships[tenant] = bizguard.Membership{TenantID: tenant, Role: bizguard.RoleLevel(role), Active: active != 0}
		return nil
	})
}

func (s *SQLMembershipDirectory) loadPermissions(ctx context.Context, subject *bizguard.Subject, params map[string]any) error {
	r, err := s.db.NamedQueryContext(ctx, `SELECT permission, granted FROM subject_permissions WHERE subject_id = :subject_id`, params)
	if err != nil {
		return err
	}
	defer r.Close()
	return eachRow(r, func() error {
		var perm string
		var granted int
		if err := r.Scan(&perm, &granted); err != nil {
			return err
		}
		if subject.Permissions == nil {
			subject.Permissions = make(map[string]bool)
		}
		subject.Permissions[perm] = granted != 0
		return nil
	})
}
