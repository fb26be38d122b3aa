package project

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/auth"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/httpx"
)

// Handler provides HTTP endpoints for projects.
type Handler struct {
	service *Service
}

// NewHandler creates a new project handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterProtectedRoutes sets up project routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/organizations/:id/projects", h.CreateProject)
	r.GET("/organizations/:id/projects", h.ListProjects)
	r.GET("/organizations/:id/projects/:projectId", h.GetProject)
	r.DELETE("/organizations/:id/projects/:projectId", h.DeleteProject)
}

// CreateProject handles POST /v1/organizations/:id/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, "invalid request body")
		return
	}
	p, err := h.service.Create(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": p})
}

// ListProjects handles GET /v1/organizations/:id/projects?limit=&cursor=
func (h *Handler) ListProjects(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > MaxPageSize {
			httpx.BadRequest(c, "limit must be an integer between 1 and 100")
			return
		}
		limit = n
	}
	page, err := h.service.List(c.Request.Context(), c.Param("id"), auth.UserID(c), limit, c.Query("cursor"))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetProject handles GET /v1/organizations/:id/projects/:projectId
func (h *Handler) GetProject(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"), c.Param("projectId"), auth.UserID(c))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": p})
}

// DeleteProject handles DELETE /v1/organizations/:id/projects/:projectId
func (h *Handler) DeleteProject(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id"), c.Param("projectId"), auth.UserID(c)); err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Project deleted"})
}
