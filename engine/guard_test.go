package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuard_CheckRole(t *testing.T) {
	var g Guard
	tests := []struct {
		role   Role
		action Action
		ok     bool
	}{
		{RoleAdmin, ActionAdminister, true},
		{RoleAdmin, ActionMutate, true},
		{RolePractitioner, ActionMutate, true},
		{RolePractitioner, ActionAdminister, false},
		{RoleStaff, ActionRead, true},
		{RoleStaff, ActionMutate, false},
		{RoleBilling, ActionRead, true},
		{RoleBilling, ActionMutate, false},
		{"", ActionRead, false},
	}
	for _, tt := range tests {
		err := g.CheckRole(Principal{UserID: "u", OrganizationID: "org-1", Role: tt.role}, tt.action)
		if tt.ok {
			assert.NoError(t, err, "%s %s", tt.role, tt.action)
		} else {
			assert.ErrorIs(t, err, ErrForbidden, "%s %s", tt.role, tt.action)
		}
	}
}

func TestGuard_CheckTenant(t *testing.T) {
	var g Guard
	p := Principal{UserID: "u", OrganizationID: "org-1", Role: RoleAdmin}

	assert.NoError(t, g.CheckTenant(p, "org-1"))
	assert.ErrorIs(t, g.CheckTenant(p, "org-2"), ErrForbidden)
	assert.ErrorIs(t, g.CheckTenant(Principal{Role: RoleAdmin}, ""), ErrForbidden)
	assert.NoError(t, g.CheckTenant(System, "org-2"))

	// Same fields as System, but built by a caller: no bypass.
	lookalike := Principal{UserID: System.UserID, OrganizationID: System.OrganizationID, Role: System.Role}
	assert.False(t, lookalike.IsSystem())
	assert.ErrorIs(t, g.CheckTenant(lookalike, "org-1"), ErrForbidden)
	assert.ErrorIs(t, g.Check(lookalike, "org-1", ActionMutate), ErrForbidden)
}
