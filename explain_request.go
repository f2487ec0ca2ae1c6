package bizguard

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// ExplainRequest is a flat request for the Explain API, used by tooling that
// has no Subject or Resource objects at hand. The subject gets a single
// active membership in Tenant at Role.
type ExplainRequest struct {
	Tenant         string    `json:"tenant"`
	SubjectID      string    `json:"subject_id"`
	Role           string    `json:"role"`
	Action         string    `json:"action"`
	Resource       string    `json:"resource"` // format: category:id
	ResourceTenant string    `json:"resource_tenant,omitempty"`
	Sensitivity    string    `json:"sensitivity,omitempty"`
	Amount         *float64  `json:"amount,omitempty"`
	IP             string    `json:"ip,omitempty"`
	At             time.Time `json:"at,omitempty"`
}

func (e *Engine) ExplainRequest(ctx context.Context, req *ExplainRequest) (*Decision, error) {
	if req == nil || req.Tenant == "" || req.SubjectID == "" || req.Action == "" || req.Resource == "" {
		return nil, fmt.Errorf("%w: tenant, subject_id, action and resource are required", ErrInvalidRequest)
	}
	sub := &Subject{
		ID:   req.SubjectID,
		Type: "user",
		Memberships: map[string]Membership{
			req.Tenant: {TenantID: req.Tenant, Role: RoleLevel(strings.ToLower(req.Role)), Active: true},
		},
	}
	tc, err := NewResolver(WithResolverClock(e.now)).Resolve(ctx, sub, req.Tenant)
	if err != nil {
		return nil, err
	}
	category, id := req.Resource, ""
	if idx := strings.Index(req.Resource, ":"); idx != -1 {
		category = req.Resource[:idx]
		id = req.Resource[idx+1:]
	}
	res := &Resource{Category: category, ID: id, TenantID: req.Tenant, Sensitivity: Sensitivity(req.Sensitivity)}
	if req.ResourceTenant != "" {
		res.TenantID = req.ResourceTenant
	}
	rc := &RequestContext{Time: req.At, Amount: req.Amount}
	if req.IP != "" {
		if rc.IP = net.ParseIP(req.IP); rc.IP == nil {
			return nil, fmt.Errorf("%w: invalid ip %q", ErrInvalidRequest, req.IP)
		}
	}
	return e.Explain(ctx, sub, tc, res, Action(strings.ToLower(req.Action)), rc)
}
