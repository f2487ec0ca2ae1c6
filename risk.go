package bizguard

// Risk weights attached to decisions.
const (
	riskCrossTenant      = 100
	riskInvalidContext   = 70
	riskElevatedFallback = 40
	riskLowRoleDelete    = 30
	riskMax              = 100
)

// scoreRisk rates a decision that passed the isolation and membership checks.
// explicit is true when some matching policy targets the resource category
// directly rather than through a role default or wildcard.
func scoreRisk(resource *Resource, action Action, role RoleLevel, explicit bool) int {
	score := 0
	if action.Mutating() && resource.Sensitivity.Elevated() && !explicit {
		score += riskElevatedFallback
	}
	if action.IsDelete() && role.Rank() < RoleManager.Rank() {
		score += riskLowRoleDelete
	}
	if score > riskMax {
		score = riskMax
	}
	return score
}
