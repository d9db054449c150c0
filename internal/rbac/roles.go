package rbac

// Role names are embedded in issued tokens; renaming one invalidates them.
const (
	RoleOwner      = "owner"
	RoleOperator   = "operator"
	RoleAnalyst    = "analyst"
	RoleSuperAdmin = "super_admin"
)

// Writers may start and stop campaigns, edit scripts, override outcomes and
// edit the do-not-call list.
var Writers = []string{RoleOwner, RoleOperator}

// Readers may view calls, stats and exports.
var Readers = []string{RoleOwner, RoleOperator, RoleAnalyst}

// Owners may read the operator audit trail.
var Owners = []string{RoleOwner}

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsKnownRole(role string) bool {
	switch role {
	case RoleOwner, RoleOperator, RoleAnalyst, RoleSuperAdmin:
		return true
	}
	return false
}
