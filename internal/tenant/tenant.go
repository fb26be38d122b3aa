// Package tenant provides organizations, memberships and the role guard
// that every organization-scoped operation passes through.
package tenant

import (
	"context"
	"time"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/apperr"
)

// Errors
var (
	ErrOrganizationNotFound = apperr.NotFound("organization not found")
	ErrMemberNotFound       = apperr.NotFound("member not found")
	ErrSlugTaken            = apperr.Conflict("organization slug already taken")
	ErrAlreadyMember        = apperr.Conflict("user is already a member of this organization")
	ErrInvalidRole          = apperr.Validation("invalid role. Must be one of: owner, admin, member, viewer")
	ErrSelfRoleChange       = apperr.Validation("cannot change your own role")
	ErrOwnerRoleAssignment  = apperr.Validation("the owner role can only be assigned by transferring ownership")
	ErrOwnerCannotLeave     = apperr.Conflict("owner cannot leave organization. Transfer ownership first.")
	ErrAdminRemovesOwner    = apperr.Forbidden("admins cannot remove owners")
	ErrNotPermitted         = apperr.Forbidden("your role does not permit this action")
)

// Role is a member's role within one organization.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer:
		return r, nil
	default:
		return "", ErrInvalidRole
	}
}

// Organization is the tenant boundary.
type Organization struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Slug             string    `json:"slug"`
	Description      string    `json:"description,omitempty"`
	OwnerID          string    `json:"owner_id"`
	StripeCustomerID string    `json:"stripe_customer_id,omitempty"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Membership joins a user to an organization with one role.
type Membership struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	UserID         string    `json:"user_id"`
	Role           Role      `json:"role"`
	JoinedAt       time.Time `json:"joined_at"`
}

// AdmitFunc decides whether one more unit fits, given the current count.
type AdmitFunc func(ctx context.Context, current int) error

// Store persists organizations and memberships. Multi-row mutations
// (create with owner, ownership transfer, delete) are atomic.
type Store interface {
	CreateWithOwner(ctx context.Context, org *Organization, owner *Membership) error
	Get(ctx context.Context, id string) (*Organization, error)
	Update(ctx context.Context, org *Organization) error
	Delete(ctx context.Context, id string) error
	ListForUser(ctx context.Context, userID string) ([]*Organization, error)
	SetBillingCustomer(ctx context.Context, orgID, customerID string) error
	Count(ctx context.Context) (total, active int, err error)

	GetMembership(ctx context.Context, orgID, userID string) (*Membership, error)
	GetMember(ctx context.Context, orgID, memberID string) (*Membership, error)
	ListMembers(ctx context.Context, orgID string) ([]*Membership, error)
	AddMember(ctx context.Context, m *Membership) error
	// AddMemberIfAdmitted counts the organization's members, hands the count
	// to admit and inserts m only if admit returns nil. Concurrent calls for
	// one organization serialize, so the count cannot go stale.
	AddMemberIfAdmitted(ctx context.Context, m *Membership, admit AdmitFunc) error
	UpdateMemberRole(ctx context.Context, orgID, memberID string, role Role) error
	RemoveMember(ctx context.Context, orgID, memberID string) error
	CountMembers(ctx context.Context, orgID string) (int, error)
	// TransferOwnership demotes the current owner to admin and promotes
	// newOwnerMemberID to owner, updating Organization.OwnerID.
	TransferOwnership(ctx context.Context, orgID, newOwnerMemberID string) error
}
