package usage

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/apperr"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/auth"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/httpx"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/tenant"
)

// Handler provides HTTP endpoints for organization usage.
type Handler struct {
	engine *Engine
	guard  *tenant.Guard
}

// NewHandler creates a new usage handler.
func NewHandler(engine *Engine, guard *tenant.Guard) *Handler {
	return &Handler{engine: engine, guard: guard}
}

// RegisterProtectedRoutes sets up usage routes. Any member may read them.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/organizations/:id/usage", h.GetSummary)
	r.GET("/organizations/:id/usage/users", h.checkLimit(ResourceUsers))
	r.GET("/organizations/:id/usage/projects", h.checkLimit(ResourceProjects))
	r.GET("/organizations/:id/usage/can-add", h.CanAdd)
}

// CanAdd handles GET /v1/organizations/:id/usage/can-add?resource=users|projects
func (h *Handler) CanAdd(c *gin.Context) {
	orgID := c.Param("id")
	if _, err := h.guard.Require(c.Request.Context(), orgID, auth.UserID(c), tenant.ActionView); err != nil {
		httpx.Error(c, err)
		return
	}
	resource := Resource(c.Query("resource"))
	if resource != ResourceUsers && resource != ResourceProjects {
		httpx.Error(c, apperr.Validation("resource must be users or projects"))
		return
	}
	ok, reason, err := h.engine.CanAddUnit(c.Request.Context(), orgID, resource)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	body := gin.H{"resource": resource, "allowed": ok}
	if !ok {
		body["reason"] = reason
	}
	c.JSON(http.StatusOK, body)
}

// GetSummary handles GET /v1/organizations/:id/usage
func (h *Handler) GetSummary(c *gin.Context) {
	orgID := c.Param("id")
	if _, err := h.guard.Require(c.Request.Context(), orgID, auth.UserID(c), tenant.ActionView); err != nil {
		httpx.Error(c, err)
		return
	}
	summary, err := h.engine.Summary(c.Request.Context(), orgID)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) checkLimit(resource Resource) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID := c.Param("id")
		if _, err := h.guard.Require(c.Request.Context(), orgID, auth.UserID(c), tenant.ActionView); err != nil {
			httpx.Error(c, err)
			return
		}
		check, err := h.engine.CheckLimit(c.Request.Context(), orgID, resource)
		if err != nil {
			httpx.Error(c, err)
			return
		}
		c.JSON(http.StatusOK, check)
	}
}
