package engine

// Role is the caller's role as resolved by the authentication layer.
type Role string

const (
	RoleAdmin        Role = "admin"
	RolePractitioner Role = "practitioner"
	RoleStaff        Role = "staff"
	RoleBilling      Role = "billing"
)

// Principal is an authenticated caller. The engine trusts it as given.
type Principal struct {
	UserID         string
	OrganizationID OrganizationID
	Role           Role

	system bool
}

// System is the principal used for scheduled maintenance such as expiry.
// Only this value bypasses tenant checks; a Principal built from caller
// input can never carry the flag.
var System = Principal{UserID: "system", Role: RoleAdmin, system: true}

// IsSystem reports whether p is the maintenance principal.
func (p Principal) IsSystem() bool { return p.system }

// Action names a guarded operation.
type Action string

const (
	ActionRead       Action = "read"
	ActionMutate     Action = "mutate"
	ActionAdminister Action = "administer"
)

// Guard enforces tenant isolation and role requirements.
type Guard struct{}

// CheckRole fails Forbidden when the role may not perform the action.
// It does not need the resource, so callers run it before opening a transaction.
func (Guard) CheckRole(p Principal, action Action) error {
	switch action {
	case ActionRead:
		if p.Role == "" {
			return Errorf(KindForbidden, "caller has no role")
		}
		return nil
	case ActionMutate:
		if p.Role == RoleAdmin || p.Role == RolePractitioner {
			return nil
		}
	case ActionAdminister:
		if p.Role == RoleAdmin {
			return nil
		}
	}
	return Errorf(KindForbidden, "role %q may not %s", p.Role, action)
}

// CheckTenant fails Forbidden when the resource belongs to another organization.
func (Guard) CheckTenant(p Principal, org OrganizationID) error {
	if p.system {
		return nil
	}
	if p.OrganizationID == "" || p.OrganizationID != org {
		return Errorf(KindForbidden, "resource belongs to another organization")
	}
	return nil
}

// Check runs both checks.
func (g Guard) Check(p Principal, org OrganizationID, action Action) error {
	if err := g.CheckRole(p, action); err != nil {
		return err
	}
	return g.CheckTenant(p, org)
}
