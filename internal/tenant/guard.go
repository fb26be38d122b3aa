package tenant

import (
	"context"
	"errors"
	"slices"
)

// Action is an organization-scoped operation with its own allowed-role set.
type Action string

const (
	ActionView           Action = "view"
	ActionUpdate         Action = "update_organization"
	ActionDelete         Action = "delete_organization"
	ActionAddMember      Action = "add_member"
	ActionChangeRole     Action = "change_member_role"
	ActionRemoveMember   Action = "remove_member"
	ActionTransferOwner  Action = "transfer_ownership"
	ActionManageBilling  Action = "manage_billing"
	ActionManageProjects Action = "manage_projects"
)

// Roles are enumerated per action. There is no hierarchy.
var actionRoles = map[Action][]Role{
	ActionView:           {RoleOwner, RoleAdmin, RoleMember, RoleViewer},
	ActionUpdate:         {RoleOwner, RoleAdmin},
	ActionDelete:         {RoleOwner},
	ActionAddMember:      {RoleOwner, RoleAdmin},
	ActionChangeRole:     {RoleOwner},
	ActionRemoveMember:   {RoleOwner, RoleAdmin},
	ActionTransferOwner:  {RoleOwner},
	ActionManageBilling:  {RoleOwner, RoleAdmin},
	ActionManageProjects: {RoleOwner, RoleAdmin},
}

// RolesFor returns the roles allowed to perform action.
func RolesFor(action Action) []Role {
	return slices.Clone(actionRoles[action])
}

// notPermitted is ErrNotPermitted naming the roles that would have been allowed.
func notPermitted(action Action) error {
	return ErrNotPermitted.WithDetails(map[string]any{
		"action":         string(action),
		"required_roles": RolesFor(action),
	})
}

// Authorize reports whether m's role is one of allowed.
func Authorize(m *Membership, allowed ...Role) bool {
	if m == nil {
		return false
	}
	return slices.Contains(allowed, m.Role)
}

// Guard resolves the caller's membership and checks role sets.
type Guard struct {
	store Store
}

// NewGuard creates a guard over store.
func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// ResolveMembership returns the caller's membership in orgID. A missing or
// inactive organization and a missing membership both yield
// ErrOrganizationNotFound so non-members learn nothing.
func (g *Guard) ResolveMembership(ctx context.Context, orgID, userID string) (*Membership, error) {
	org, err := g.store.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !org.IsActive {
		return nil, ErrOrganizationNotFound
	}
	m, err := g.store.GetMembership(ctx, orgID, userID)
	if errors.Is(err, ErrMemberNotFound) {
		return nil, ErrOrganizationNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Require resolves the caller's membership and checks it against action.
func (g *Guard) Require(ctx context.Context, orgID, userID string, action Action) (*Membership, error) {
	m, err := g.ResolveMembership(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	if !Authorize(m, actionRoles[action]...) {
		return nil, notPermitted(action)
	}
	return m, nil
}

// CheckRoleChange applies the role-change rules on top of ActionChangeRole.
func CheckRoleChange(actor, target *Membership, newRole Role) error {
	if !Authorize(actor, actionRoles[ActionChangeRole]...) {
		return notPermitted(ActionChangeRole)
	}
	if actor.ID == target.ID {
		return ErrSelfRoleChange
	}
	if newRole == RoleOwner {
		return ErrOwnerRoleAssignment
	}
	return nil
}

// CheckRemoval applies the member-removal rules. A member may always remove
// itself unless it is the owner; removing someone else needs owner or admin,
// and admins may not remove owners.
func CheckRemoval(actor, target *Membership) error {
	if actor.ID == target.ID {
		if target.Role == RoleOwner {
			return ErrOwnerCannotLeave
		}
		return nil
	}
	if !Authorize(actor, actionRoles[ActionRemoveMember]...) {
		return notPermitted(ActionRemoveMember)
	}
	if actor.Role == RoleAdmin && target.Role == RoleOwner {
		return ErrAdminRemovesOwner
	}
	return nil
}
