package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/httpx"
)

const (
	defaultExpiringDays = 7
	maxExpiringDays     = 365
)

// Handler provides admin HTTP endpoints. Routes are mounted behind the
// superuser middleware.
type Handler struct {
	service *Service
}

// NewHandler creates a new admin handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/dashboard", h.dashboard)
	r.GET("/admin/subscriptions/expiring", h.expiring)
	r.GET("/admin/subscriptions/failed-payments", h.failedPayments)
}

func (h *Handler) dashboard(c *gin.Context) {
	d, err := h.service.Dashboard(c.Request.Context())
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// expiring lists subscriptions ending within ?days= (default 7).
func (h *Handler) expiring(c *gin.Context) {
	days := defaultExpiringDays
	if d := c.Query("days"); d != "" {
		parsed, err := strconv.Atoi(d)
		if err != nil || parsed < 0 || parsed > maxExpiringDays {
			httpx.BadRequest(c, "days must be an integer between 0 and 365")
			return
		}
		days = parsed
	}

	items, err := h.service.ExpiringSubscriptions(c.Request.Context(), days)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	if items == nil {
		items = []*AttentionItem{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": items, "count": len(items), "days": days})
}

func (h *Handler) failedPayments(c *gin.Context) {
	items, err := h.service.FailedPayments(c.Request.Context())
	if err != nil {
		httpx.Error(c, err)
		return
	}
	if items == nil {
		items = []*AttentionItem{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": items, "count": len(items)})
}
