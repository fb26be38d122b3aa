package project

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/apperr"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/idgen"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/pagination"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/tenant"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/validation"
)

var errInvalidCursor = apperr.Validation("invalid cursor")

// Admission decides whether one more project fits the organization's plan
// given the current project count.
type Admission interface {
	AdmitProject(ctx context.Context, orgID string, current int) (ok bool, reason string, err error)
}

// CreateRequest is the body of POST /v1/organizations/:id/projects.
type CreateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Service implements project operations.
type Service struct {
	store  Store
	guard  *tenant.Guard
	admit  Admission
	usage  tenant.UsageRecorder
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a project service.
func NewService(store Store, guard *tenant.Guard, admit Admission, usage tenant.UsageRecorder, logger *slog.Logger) *Service {
	return &Service{store: store, guard: guard, admit: admit, usage: usage, logger: logger, now: time.Now}
}

// Create adds a project once the plan admits it.
func (s *Service) Create(ctx context.Context, orgID, userID string, req CreateRequest) (*Project, error) {
	if _, err := s.guard.Require(ctx, orgID, userID, tenant.ActionManageProjects); err != nil {
		return nil, err
	}
	name := validation.SanitizeString(req.Name, validation.MaxNameLength)
	if err := validation.Validate(
		validation.Required("name", name),
		validation.MaxLength("description", req.Description, validation.MaxDescriptionLength),
	); err != nil {
		return nil, err
	}

	now := s.now()
	p := &Project{
		ID:             idgen.New(),
		OrganizationID: orgID,
		Name:           name,
		Description:    strings.TrimSpace(req.Description),
		CreatedBy:      userID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.store.CreateIfAdmitted(ctx, p, func(ctx context.Context, current int) error {
		ok, reason, err := s.admit.AdmitProject(ctx, orgID, current)
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

	s.logger.Info("project created", "org_id", orgID, "project_id", p.ID, "user_id", userID)
	if s.usage != nil {
		s.usage.RecordEvent(ctx, orgID, "project_created", "project_id", p.ID)
	}
	return p, nil
}

// List returns one page of the organization's projects, newest first.
// cursor is the NextCursor of the previous page, empty for the first.
func (s *Service) List(ctx context.Context, orgID, userID string, limit int, cursor string) (*Page, error) {
	if _, err := s.guard.Require(ctx, orgID, userID, tenant.ActionView); err != nil {
		return nil, err
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, errInvalidCursor
	}
	limit = pagination.Clamp(limit, DefaultPageSize, MaxPageSize)

	items, err := s.store.List(ctx, orgID, ListOptions{Limit: limit + 1, After: after})
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(p *Project) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	if items == nil {
		items = []*Project{}
	}
	return &Page{Projects: items, NextCursor: next, HasMore: more}, nil
}

// Get returns one project.
func (s *Service) Get(ctx context.Context, orgID, projectID, userID string) (*Project, error) {
	if _, err := s.guard.Require(ctx, orgID, userID, tenant.ActionView); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, orgID, projectID)
}

// Delete removes a project, freeing one unit of the project limit.
func (s *Service) Delete(ctx context.Context, orgID, projectID, userID string) error {
	if _, err := s.guard.Require(ctx, orgID, userID, tenant.ActionManageProjects); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, orgID, projectID); err != nil {
		return err
	}
	s.logger.Info("project deleted", "org_id", orgID, "project_id", projectID, "user_id", userID)
	if s.usage != nil {
		s.usage.RecordEvent(ctx, orgID, "project_deleted", "project_id", projectID)
	}
	return nil
}

// DeleteForOrganization is the organization-delete cascade.
func (s *Service) DeleteForOrganization(ctx context.Context, orgID string) error {
	return s.store.DeleteForOrganization(ctx, orgID)
}
