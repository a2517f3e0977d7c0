package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner        = "owner"
	RoleDispatcher   = "dispatcher"
	RoleAnalyst      = "analyst"
	RoleFinance      = "finance"
	RoleSuperAdmin   = "super_admin"
	RolePoolOperator = "pool_operator" // hidden role, DID pool administration
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RolePoolOperator }
