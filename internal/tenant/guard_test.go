package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/apperr"
)

func member(id string, role Role) *Membership {
	return &Membership{ID: id, OrganizationID: "org_1", UserID: "user_" + id, Role: role}
}

func TestParseRole(t *testing.T) {
	for _, r := range []string{"owner", "admin", "member", "viewer"} {
		got, err := ParseRole(r)
		require.NoError(t, err)
		assert.Equal(t, Role(r), got)
	}
	_, err := ParseRole("superadmin")
	assert.ErrorIs(t, err, ErrInvalidRole)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestAuthorize_RoleSetsAreNotHierarchical(t *testing.T) {
	tests := []struct {
		action Action
		role   Role
		want   bool
	}{
		{ActionUpdate, RoleOwner, true},
		{ActionUpdate, RoleAdmin, true},
		{ActionUpdate, RoleMember, false},
		{ActionDelete, RoleOwner, true},
		{ActionDelete, RoleAdmin, false},
		{ActionChangeRole, RoleOwner, true},
		{ActionChangeRole, RoleAdmin, false},
		{ActionRemoveMember, RoleAdmin, true},
		{ActionRemoveMember, RoleViewer, false},
		{ActionManageBilling, RoleAdmin, true},
		{ActionManageBilling, RoleMember, false},
		{ActionView, RoleViewer, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.action)+"/"+string(tt.role), func(t *testing.T) {
			assert.Equal(t, tt.want, Authorize(member("m", tt.role), RolesFor(tt.action)...))
		})
	}
	assert.False(t, Authorize(nil, RoleOwner))
}

func TestCheckRemoval(t *testing.T) {
	owner := member("o", RoleOwner)
	admin := member("a", RoleAdmin)
	other := member("x", RoleMember)
	viewer := member("v", RoleViewer)

	tests := []struct {
		name   string
		actor  *Membership
		target *Membership
		want   error
	}{
		{"owner removes member", owner, other, nil},
		{"owner removes admin", owner, admin, nil},
		{"admin removes member", admin, other, nil},
		{"admin removes owner", admin, owner, ErrAdminRemovesOwner},
		{"member removes other", other, viewer, ErrNotPermitted},
		{"member leaves", other, other, nil},
		{"viewer leaves", viewer, viewer, nil},
		{"owner leaves", owner, owner, ErrOwnerCannotLeave},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRemoval(tt.actor, tt.target)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(CheckRemoval(owner, owner)))
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(CheckRemoval(admin, owner)))
}

func TestGuard_DenialNamesAllowedRoles(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	org := &Organization{ID: "org_1", Name: "Acme", Slug: "acme", OwnerID: "user_o", IsActive: true}
	require.NoError(t, store.CreateWithOwner(ctx, org, member("o", RoleOwner)))
	require.NoError(t, store.AddMember(ctx, member("v", RoleViewer)))

	_, err := NewGuard(store).Require(ctx, "org_1", "user_v", ActionManageBilling)
	require.ErrorIs(t, err, ErrNotPermitted)

	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "manage_billing", ae.Details["action"])
	assert.Equal(t, []Role{RoleOwner, RoleAdmin}, ae.Details["required_roles"])
}

func TestCheckRoleChange(t *testing.T) {
	owner := member("o", RoleOwner)
	admin := member("a", RoleAdmin)
	other := member("x", RoleMember)

	assert.NoError(t, CheckRoleChange(owner, other, RoleAdmin))
	assert.ErrorIs(t, CheckRoleChange(admin, other, RoleViewer), ErrNotPermitted)
	assert.ErrorIs(t, CheckRoleChange(owner, owner, RoleAdmin), ErrSelfRoleChange)
	assert.ErrorIs(t, CheckRoleChange(owner, other, RoleOwner), ErrOwnerRoleAssignment)
}

func TestGuard_ResolveMembership(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	require.NoError(t, store.CreateWithOwner(ctx,
		&Organization{ID: "org_1", Name: "Acme", Slug: "acme", OwnerID: "u1", IsActive: true, CreatedAt: now},
		&Membership{ID: "m1", OrganizationID: "org_1", UserID: "u1", Role: RoleOwner, JoinedAt: now},
	))
	require.NoError(t, store.CreateWithOwner(ctx,
		&Organization{ID: "org_2", Name: "Dormant", Slug: "dormant", OwnerID: "u1", IsActive: false, CreatedAt: now},
		&Membership{ID: "m2", OrganizationID: "org_2", UserID: "u1", Role: RoleOwner, JoinedAt: now},
	))
	g := NewGuard(store)

	m, err := g.ResolveMembership(ctx, "org_1", "u1")
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, m.Role)

	_, err = g.ResolveMembership(ctx, "org_1", "stranger")
	assert.ErrorIs(t, err, ErrOrganizationNotFound, "non-members must not learn the org exists")

	_, err = g.ResolveMembership(ctx, "org_missing", "u1")
	assert.ErrorIs(t, err, ErrOrganizationNotFound)

	_, err = g.ResolveMembership(ctx, "org_2", "u1")
	assert.ErrorIs(t, err, ErrOrganizationNotFound, "inactive organizations are not found")

	_, err = g.Require(ctx, "org_1", "u1", ActionDelete)
	assert.NoError(t, err)
}
