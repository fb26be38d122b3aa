// Package project provides projects, the organization-owned resource that
// the plan's project ceiling limits.
package project

import (
	"context"
	"time"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/apperr"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/pagination"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/tenant"
)

// List page sizes.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Errors
var (
	ErrProjectNotFound = apperr.NotFound("project not found")
	ErrNameTaken       = apperr.Conflict("a project with this name already exists in the organization")
)

// Project belongs to exactly one organization.
type Project struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ListOptions selects one page of an organization's projects, newest
// first. After is the last item of the previous page.
type ListOptions struct {
	Limit int
	After *pagination.Cursor
}

// Page is one page of projects.
type Page struct {
	Projects   []*Project `json:"projects"`
	NextCursor string     `json:"next_cursor,omitempty"`
	HasMore    bool       `json:"has_more"`
}

// Store persists projects.
type Store interface {
	Create(ctx context.Context, p *Project) error
	// CreateIfAdmitted counts the organization's projects, hands the count
	// to admit and inserts p only if admit returns nil. Concurrent calls for
	// one organization serialize.
	CreateIfAdmitted(ctx context.Context, p *Project, admit tenant.AdmitFunc) error
	Get(ctx context.Context, orgID, id string) (*Project, error)
	List(ctx context.Context, orgID string, opts ListOptions) ([]*Project, error)
	Delete(ctx context.Context, orgID, id string) error
	CountProjects(ctx context.Context, orgID string) (int, error)
	DeleteForOrganization(ctx context.Context, orgID string) error
}
