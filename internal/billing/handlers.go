package billing

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/apperr"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/auth"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/httpx"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/logging"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/metrics"
)

// maxWebhookBody bounds the raw body read for signature verification.
const maxWebhookBody = 1 << 20

// Handler provides HTTP endpoints for plans, subscriptions and provider webhooks.
type Handler struct {
	service    *Service
	gateway    Gateway
	reconciler *Reconciler
}

// NewHandler creates a new billing handler.
func NewHandler(s *Service, gateway Gateway, reconciler *Reconciler) *Handler {
	return &Handler{service: s, gateway: gateway, reconciler: reconciler}
}

// RegisterRoutes sets up public routes: the plan catalogue and the webhook.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/plans", h.ListPlans)
	r.GET("/plans/:planId", h.GetPlan)
	r.POST("/billing/webhook", h.Webhook)
}

// RegisterProtectedRoutes sets up subscription routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/subscriptions", h.CreateSubscription)
	r.GET("/subscriptions/:subId", h.GetSubscription)
	r.PUT("/subscriptions/:subId", h.UpdateSubscription)
	r.POST("/subscriptions/:subId/cancel", h.CancelSubscription)
	r.GET("/organizations/:id/subscriptions", h.ListSubscriptions)
}

// RegisterAdminRoutes sets up superuser plan management.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/plans", h.CreatePlan)
	r.PUT("/plans/:planId", h.UpdatePlan)
	r.DELETE("/plans/:planId", h.DeletePlan)
	r.POST("/billing/events/replay", h.ReplayEvents)
}

// ListPlans handles GET /v1/plans
func (h *Handler) ListPlans(c *gin.Context) {
	includeInactive := false
	if u, ok := auth.CurrentUser(c); ok && u.IsSuperuser {
		includeInactive = c.Query("include_inactive") == "true"
	}
	plans, err := h.service.ListPlans(c.Request.Context(), includeInactive)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	if plans == nil {
		plans = []*Plan{}
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans, "count": len(plans)})
}

// GetPlan handles GET /v1/plans/:planId
func (h *Handler) GetPlan(c *gin.Context) {
	plan, err := h.service.GetPlan(c.Request.Context(), c.Param("planId"))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": plan})
}

// CreatePlan handles POST /v1/plans
func (h *Handler) CreatePlan(c *gin.Context) {
	var req CreatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, "invalid request body")
		return
	}
	plan, err := h.service.CreatePlan(c.Request.Context(), req)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"plan": plan})
}

// UpdatePlan handles PUT /v1/plans/:planId
func (h *Handler) UpdatePlan(c *gin.Context) {
	var req UpdatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, "invalid request body")
		return
	}
	plan, err := h.service.UpdatePlan(c.Request.Context(), c.Param("planId"), req)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": plan})
}

// DeletePlan handles DELETE /v1/plans/:planId
func (h *Handler) DeletePlan(c *gin.Context) {
	if err := h.service.DeactivatePlan(c.Request.Context(), c.Param("planId")); err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Plan deactivated"})
}

// CreateSubscription handles POST /v1/subscriptions
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, "invalid request body")
		return
	}
	sub, err := h.service.CreateSubscription(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

// ListSubscriptions handles GET /v1/organizations/:id/subscriptions
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.service.ListSubscriptions(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

// GetSubscription handles GET /v1/subscriptions/:subId
func (h *Handler) GetSubscription(c *gin.Context) {
	sub, err := h.service.GetSubscription(c.Request.Context(), c.Param("subId"), auth.UserID(c))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// UpdateSubscription handles PUT /v1/subscriptions/:subId
func (h *Handler) UpdateSubscription(c *gin.Context) {
	var req UpdateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, "invalid request body")
		return
	}
	sub, err := h.service.UpdateSubscription(c.Request.Context(), c.Param("subId"), auth.UserID(c), req)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

type cancelRequest struct {
	Immediately bool `json:"immediately"`
}

// CancelSubscription handles POST /v1/subscriptions/:subId/cancel
func (h *Handler) CancelSubscription(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httpx.BadRequest(c, "invalid request body")
			return
		}
	}
	if c.Query("immediately") == "true" {
		req.Immediately = true
	}
	sub, err := h.service.CancelSubscription(c.Request.Context(), c.Param("subId"), auth.UserID(c), req.Immediately)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// Webhook handles POST /v1/billing/webhook. The raw body is verified
// before anything is decoded. Rejections answer 400 so the provider stops
// retrying; processing failures answer 500 so it retries.
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		metrics.WebhookRejectedTotal.WithLabelValues("unreadable_body").Inc()
		httpx.BadRequest(c, "could not read request body")
		return
	}
	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		metrics.WebhookRejectedTotal.WithLabelValues("missing_signature").Inc()
		httpx.Error(c, ErrInvalidWebhook)
		return
	}

	ev, err := h.gateway.ParseWebhook(payload, signature)
	if err != nil {
		metrics.WebhookRejectedTotal.WithLabelValues("invalid_signature").Inc()
		logging.L(c.Request.Context()).Warn("webhook rejected", "error", err)
		httpx.Error(c, apperr.Validation("invalid webhook payload or signature"))
		return
	}

	if err := h.reconciler.HandleEvent(c.Request.Context(), ev); err != nil {
		if !apperr.IsRetryable(err) {
			// Redelivery would fail the same way.
			logging.L(c.Request.Context()).Error("webhook event dropped",
				"event_id", ev.ID, "type", ev.Type, "kind", apperr.KindOf(err), "error", err)
			c.JSON(http.StatusOK, gin.H{"status": "dropped"})
			return
		}
		httpx.Error(c, apperr.Wrap(apperr.KindInternal, "webhook processing failed", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// maxReplayWindow is how far back the provider keeps events.
const maxReplayWindow = 30 * 24 * time.Hour

// ReplayEvents handles POST /v1/billing/events/replay?since=RFC3339. The
// window defaults to the last 24 hours.
func (h *Handler) ReplayEvents(c *gin.Context) {
	now := time.Now()
	since := now.Add(-24 * time.Hour)
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.BadRequest(c, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}
	if since.After(now) || now.Sub(since) > maxReplayWindow {
		httpx.BadRequest(c, "since must be within the last 30 days")
		return
	}

	res, err := h.reconciler.Replay(c.Request.Context(), h.gateway, since)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
