package tenant

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/auth"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/httpx"
)

// Handler provides HTTP endpoints for organizations and members.
type Handler struct {
	service *Service
}

// NewHandler creates a new organization handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterProtectedRoutes sets up organization routes. All require an
// authenticated user; role checks happen in the service.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/organizations", h.CreateOrganization)
	r.GET("/organizations", h.ListOrganizations)
	r.GET("/organizations/:id", h.GetOrganization)
	r.PUT("/organizations/:id", h.UpdateOrganization)
	r.DELETE("/organizations/:id", h.DeleteOrganization)

	r.GET("/organizations/:id/members", h.ListMembers)
	r.POST("/organizations/:id/members", h.AddMember)
	r.PUT("/organizations/:id/members/:memberId", h.UpdateMemberRole)
	r.DELETE("/organizations/:id/members/:memberId", h.RemoveMember)
	r.POST("/organizations/:id/transfer-ownership", h.TransferOwnership)
}

// CreateOrganization handles POST /v1/organizations
func (h *Handler) CreateOrganization(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, "invalid request body")
		return
	}
	org, err := h.service.Create(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"organization": org})
}

// ListOrganizations handles GET /v1/organizations
func (h *Handler) ListOrganizations(c *gin.Context) {
	orgs, err := h.service.ListMine(c.Request.Context(), auth.UserID(c))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	if orgs == nil {
		orgs = []*Organization{}
	}
	c.JSON(http.StatusOK, gin.H{"organizations": orgs, "count": len(orgs)})
}

// GetOrganization handles GET /v1/organizations/:id
func (h *Handler) GetOrganization(c *gin.Context) {
	org, m, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organization": org, "role": m.Role})
}

// UpdateOrganization handles PUT /v1/organizations/:id
func (h *Handler) UpdateOrganization(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, "invalid request body")
		return
	}
	org, err := h.service.Update(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organization": org})
}

// DeleteOrganization handles DELETE /v1/organizations/:id
func (h *Handler) DeleteOrganization(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id"), auth.UserID(c)); err != nil {
		httpx.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListMembers handles GET /v1/organizations/:id/members
func (h *Handler) ListMembers(c *gin.Context) {
	members, err := h.service.ListMembers(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	if members == nil {
		members = []*Membership{}
	}
	c.JSON(http.StatusOK, gin.H{"members": members, "count": len(members)})
}

// AddMember handles POST /v1/organizations/:id/members
func (h *Handler) AddMember(c *gin.Context) {
	var req AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, "invalid request body")
		return
	}
	m, err := h.service.AddMember(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"member": m})
}

type updateRoleRequest struct {
	Role string `json:"role"`
}

// UpdateMemberRole handles PUT /v1/organizations/:id/members/:memberId
func (h *Handler) UpdateMemberRole(c *gin.Context) {
	var req updateRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, "invalid request body")
		return
	}
	m, err := h.service.UpdateMemberRole(c.Request.Context(), c.Param("id"), auth.UserID(c), c.Param("memberId"), req.Role)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"member": m})
}

// RemoveMember handles DELETE /v1/organizations/:id/members/:memberId
func (h *Handler) RemoveMember(c *gin.Context) {
	if err := h.service.RemoveMember(c.Request.Context(), c.Param("id"), auth.UserID(c), c.Param("memberId")); err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Member removed successfully"})
}

type transferRequest struct {
	MemberID string `json:"member_id"`
}

// TransferOwnership handles POST /v1/organizations/:id/transfer-ownership
func (h *Handler) TransferOwnership(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.MemberID == "" {
		httpx.BadRequest(c, "member_id is required")
		return
	}
	if err := h.service.TransferOwnership(c.Request.Context(), c.Param("id"), auth.UserID(c), req.MemberID); err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Ownership transferred"})
}
