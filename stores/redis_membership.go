package stores

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/bizguard"
)

// RedisMembershipDirectory keeps memberships in a hash per subject
// (key: members:{subjectID}, field: tenant, value: "role|active") and explicit
// permissions in perms:{subjectID}.
type RedisMembershipDirectory struct {
	client      redis.UniversalClient
	membersFmt  string
	permsFmt    string
	subjectType string
}

func NewRedisMembershipDirectory(client redis.UniversalClient) *RedisMembershipDirectory {
	return &RedisMembershipDirectory{client: client, membersFmt: "members:%s", permsFmt: "perms:%s", subjectType: "user"}
}

func (r *RedisMembershipDirectory) membersKey(subjectID string) string {
	return fmt.Sprintf(r.membersFmt, subjectID)
}

func (r *RedisMembershipDirectory) permsKey(subjectID string) string {
	return fmt.Sprintf(r.permsFmt, subjectID)
}

func (r *RedisMembershipDirectory) SetMembership(ctx context.Context, subjectID string, m bizguard.Membership) error {
	if !m.Role.Valid() {
		return fmt.Errorf("unknown role level %q", m.Role)
	}
	return r.client.HSet(ctx, r.membersKey(subjectID), m.TenantID, encodeMembership(m)).Err()
}

func (r *RedisMembershipDirectory) RemoveMembership(ctx context.Context, subjectID, tenantID string) error {
	return r.client.HDel(ctx, r.membersKey(subjectID), tenantID).Err()
}

func (r *RedisMembershipDirectory) SetPermission(ctx context.Context, subjectID, permission string, granted bool) error {
	return r.client.HSet(ctx, r.permsKey(subjectID), permission, boolToInt(granted)).Err()
}

func (r *RedisMembershipDirectory) LoadSubject(ctx context.Context, subjectID string) (*bizguard.Subject, error) {
	pipe := r.client.Pipeline()
	membersCmd := pipe.HGetAll(ctx, r.membersKey(subjectID))
	permsCmd := pipe.HGetAll(ctx, r.permsKey(subjectID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	members := membersCmd.Val()
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: %s", bizguard.ErrSubjectNotFound, subjectID)
	}
	subject := &bizguard.Subject{ID: subjectID, Type: r.subjectType, Memberships: make(map[string]bizguard.Membership, len(members))}
	for tenant, raw := range members {
		m, err := decodeMembership(tenant, raw)
		if err != nil {
			return nil, err
		}
		subject.Memberships[tenant] = m
	}
	if perms := permsCmd.Val(); len(perms) > 0 {
		subject.Permissions = make(map[string]bool, len(perms))
		for perm, v := range perms {
			subject.Permissions[perm] = v == "1"
		}
	}
	return subject, nil
}

func encodeMembership(m bizguard.Membership) string {
	active := "0"
	if m.Active {
		active = "1"
	}
	return string(m.Role) + "|" + active
}

func decodeMembership(tenantID, raw string) (bizguard.Membership, error) {
	role, active, ok := strings.Cut(raw, "|")
	if !ok || !bizguard.RoleLevel(role).Valid() {
		return bizguard.Membership{}, fmt.Errorf("malformed membership %q for tenant %s", raw, tenantID)
	}
	return bizguard.Membership{TenantID: tenantID, Role: bizguard.RoleLevel(role), Active: active == "1"}, nil
}
