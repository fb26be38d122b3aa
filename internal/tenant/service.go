package tenant

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/apperr"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/idgen"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/validation"
)

// UserDirectory resolves users by email.
type UserDirectory interface {
	FindUserIDByEmail(ctx context.Context, email string) (string, error)
}

// Admission decides whether one more member fits the organization's plan
// given the current member count. ok=false carries a human-readable reason.
type Admission interface {
	AdmitMember(ctx context.Context, orgID string, current int) (ok bool, reason string, err error)
}

// UsageRecorder receives membership usage events.
type UsageRecorder interface {
	RecordEvent(ctx context.Context, orgID, event string, attrs ...any)
}

// CascadeFunc removes rows owned by a deleted organization in stores that
// do not cascade on their own (the in-memory ones).
type CascadeFunc func(ctx context.Context, orgID string) error

// CreateRequest is the body of POST /v1/organizations.
type CreateRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
}

// UpdateRequest is the body of PUT /v1/organizations/:id. Nil fields are unchanged.
type UpdateRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// AddMemberRequest is the body of POST /v1/organizations/:id/members.
type AddMemberRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Service implements organization and membership operations.
type Service struct {
	store    Store
	guard    *Guard
	users    UserDirectory
	admit    Admission
	usage    UsageRecorder
	cascades []CascadeFunc
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates an organization service.
func NewService(store Store, guard *Guard, users UserDirectory, admit Admission, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		guard:  guard,
		users:  users,
		admit:  admit,
		logger: logger,
		now:    time.Now,
	}
}

// WithUsageRecorder sets where member usage events go.
func (s *Service) WithUsageRecorder(r UsageRecorder) *Service {
	s.usage = r
	return s
}

// WithCascade registers fn to run after an organization is deleted.
func (s *Service) WithCascade(fn CascadeFunc) *Service {
	s.cascades = append(s.cascades, fn)
	return s
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// GenerateSlug derives a URL-safe slug from an organization name.
func GenerateSlug(name string) string {
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 63 {
		slug = strings.TrimRight(slug[:63], "-")
	}
	return slug
}

// Create makes userID the owner of a new organization.
func (s *Service) Create(ctx context.Context, userID string, req CreateRequest) (*Organization, error) {
	name := validation.SanitizeString(req.Name, validation.MaxNameLength)
	slug := strings.TrimSpace(req.Slug)
	if slug == "" {
		slug = GenerateSlug(name)
	}
	if err := validation.Validate(
		validation.Required("name", name),
		validation.Required("slug", slug),
		validation.Slug("slug", slug),
		validation.MaxLength("description", req.Description, validation.MaxDescriptionLength),
	); err != nil {
		return nil, err
	}

	now := s.now()
	org := &Organization{
		ID:          idgen.New(),
		Name:        name,
		Slug:        slug,
		Description: strings.TrimSpace(req.Description),
		OwnerID:     userID,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	owner := &Membership{
		ID:             idgen.New(),
		OrganizationID: org.ID,
		UserID:         userID,
		Role:           RoleOwner,
		JoinedAt:       now,
	}
	if err := s.store.CreateWithOwner(ctx, org, owner); err != nil {
		return nil, err
	}

	s.logger.Info("organization created", "org_id", org.ID, "slug", org.Slug, "owner_id", userID)
	return org, nil
}

// ListMine returns organizations where userID holds any role.
func (s *Service) ListMine(ctx context.Context, userID string) ([]*Organization, error) {
	return s.store.ListForUser(ctx, userID)
}

// Get returns an organization the caller belongs to, with the caller's membership.
func (s *Service) Get(ctx context.Context, orgID, userID string) (*Organization, *Membership, error) {
	m, err := s.guard.Require(ctx, orgID, userID, ActionView)
	if err != nil {
		return nil, nil, err
	}
	org, err := s.store.Get(ctx, orgID)
	if err != nil {
		return nil, nil, err
	}
	return org, m, nil
}

// Update changes name and/or description.
func (s *Service) Update(ctx context.Context, orgID, userID string, req UpdateRequest) (*Organization, error) {
	if _, err := s.guard.Require(ctx, orgID, userID, ActionUpdate); err != nil {
		return nil, err
	}
	org, err := s.store.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		name := validation.SanitizeString(*req.Name, validation.MaxNameLength)
		if err := validation.Validate(validation.Required("name", name)); err != nil {
			return nil, err
		}
		org.Name = name
	}
	if req.Description != nil {
		if err := validation.Validate(
			validation.MaxLength("description", *req.Description, validation.MaxDescriptionLength),
		); err != nil {
			return nil, err
		}
		org.Description = strings.TrimSpace(*req.Description)
	}
	org.UpdatedAt = s.now()
	if err := s.store.Update(ctx, org); err != nil {
		return nil, err
	}
	return org, nil
}

// Delete removes the organization and everything it owns.
func (s *Service) Delete(ctx context.Context, orgID, userID string) error {
	if _, err := s.guard.Require(ctx, orgID, userID, ActionDelete); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, orgID); err != nil {
		return err
	}
	for _, fn := range s.cascades {
		if err := fn(ctx, orgID); err != nil {
			s.logger.Error("organization cascade failed", "org_id", orgID, "error", err)
		}
	}
	s.logger.Info("organization deleted", "org_id", orgID, "deleted_by", userID)
	return nil
}

// ListMembers returns all memberships of an organization.
func (s *Service) ListMembers(ctx context.Context, orgID, userID string) ([]*Membership, error) {
	if _, err := s.guard.Require(ctx, orgID, userID, ActionView); err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, orgID)
}

// AddMember adds an existing user, found by email, to the organization.
func (s *Service) AddMember(ctx context.Context, orgID, userID string, req AddMemberRequest) (*Membership, error) {
	if _, err := s.guard.Require(ctx, orgID, userID, ActionAddMember); err != nil {
		return nil, err
	}
	roleName := req.Role
	if roleName == "" {
		roleName = string(RoleMember)
	}
	role, err := ParseRole(roleName)
	if err != nil {
		return nil, err
	}
	if role == RoleOwner {
		return nil, ErrOwnerRoleAssignment
	}

	newUserID, err := s.users.FindUserIDByEmail(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetMembership(ctx, orgID, newUserID); err == nil {
		return nil, ErrAlreadyMember
	} else if !errors.Is(err, ErrMemberNotFound) {
		return nil, err
	}

	m := &Membership{
		ID:             idgen.New(),
		OrganizationID: orgID,
		UserID:         newUserID,
		Role:           role,
		JoinedAt:       s.now(),
	}
	err = s.store.AddMemberIfAdmitted(ctx, m, func(ctx context.Context, current int) error {
		ok, reason, err := s.admit.AdmitMember(ctx, orgID, current)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindLimitExceeded, reason)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("member added", "org_id", orgID, "user_id", newUserID, "role", role, "added_by", userID)
	if s.usage != nil {
		s.usage.RecordEvent(ctx, orgID, "user_added", "user_id", newUserID, "role", string(role))
	}
	return m, nil
}

// UpdateMemberRole changes another member's role.
func (s *Service) UpdateMemberRole(ctx context.Context, orgID, userID, memberID, roleName string) (*Membership, error) {
	role, err := ParseRole(roleName)
	if err != nil {
		return nil, err
	}
	actor, err := s.guard.ResolveMembership(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	target, err := s.store.GetMember(ctx, orgID, memberID)
	if err != nil {
		return nil, err
	}
	if err := CheckRoleChange(actor, target, role); err != nil {
		return nil, err
	}
	if err := s.store.UpdateMemberRole(ctx, orgID, memberID, role); err != nil {
		return nil, err
	}
	target.Role = role

	s.logger.Info("member role updated", "org_id", orgID, "member_id", memberID, "role", role, "updated_by", userID)
	return target, nil
}

// RemoveMember removes a member, or lets a non-owner member leave.
func (s *Service) RemoveMember(ctx context.Context, orgID, userID, memberID string) error {
	actor, err := s.guard.ResolveMembership(ctx, orgID, userID)
	if err != nil {
		return err
	}
	target, err := s.store.GetMember(ctx, orgID, memberID)
	if err != nil {
		return err
	}
	if err := CheckRemoval(actor, target); err != nil {
		return err
	}
	if err := s.store.RemoveMember(ctx, orgID, memberID); err != nil {
		return err
	}

	s.logger.Info("member removed", "org_id", orgID, "removed_user_id", target.UserID, "removed_by", userID)
	if s.usage != nil {
		s.usage.RecordEvent(ctx, orgID, "user_removed", "user_id", target.UserID)
	}
	return nil
}

// TransferOwnership hands the owner role to another existing member.
// The previous owner stays on as admin.
func (s *Service) TransferOwnership(ctx context.Context, orgID, userID, memberID string) error {
	actor, err := s.guard.Require(ctx, orgID, userID, ActionTransferOwner)
	if err != nil {
		return err
	}
	target, err := s.store.GetMember(ctx, orgID, memberID)
	if err != nil {
		return err
	}
	if target.ID == actor.ID {
		return apperr.Validation("you already own this organization")
	}
	if err := s.store.TransferOwnership(ctx, orgID, memberID); err != nil {
		return err
	}
	s.logger.Info("ownership transferred", "org_id", orgID, "from_user_id", userID, "to_user_id", target.UserID)
	return nil
}

// SetBillingCustomer records the provider customer reference on first purchase.
func (s *Service) SetBillingCustomer(ctx context.Context, orgID, customerID string) error {
	return s.store.SetBillingCustomer(ctx, orgID, customerID)
}
