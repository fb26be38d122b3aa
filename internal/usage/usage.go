// Package usage answers plan-limit admission questions for organizations.
//
// An organization's effective plan is the plan behind its newest live
// (active or trialing) subscription. Without one it is on the free tier,
// which admits one unit of every resource. Checks run before the new unit
// is added, so admission is current < limit.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/apperr"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/billing"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/logging"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/metrics"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/traces"
)

// Resource is a plan-limited resource.
type Resource string

const (
	ResourceUsers    Resource = "users"
	ResourceProjects Resource = "projects"
)

// Free tier policy.
const (
	FreeTierLimit = 1
	FreePlanName  = "Free"
)

// ErrUnknownResource is returned for a resource the engine does not count.
var ErrUnknownResource = errors.New("usage: unknown resource")

// LimitCheck is the result of one limit evaluation. Limit and Remaining
// are nil when the plan leaves the resource unlimited.
type LimitCheck struct {
	Allowed      bool   `json:"allowed"`
	CurrentCount int    `json:"current_count"`
	Limit        *int   `json:"limit"`
	Remaining    *int   `json:"remaining"`
	PlanName     string `json:"plan_name"`
}

// SubscriptionSource reads subscriptions and plans. billing.Store satisfies it.
type SubscriptionSource interface {
	LiveSubscription(ctx context.Context, orgID string) (*billing.Subscription, error)
	GetPlan(ctx context.Context, id string) (*billing.Plan, error)
}

// MemberCounter counts organization members. tenant.Store satisfies it.
type MemberCounter interface {
	CountMembers(ctx context.Context, orgID string) (int, error)
}

// ProjectCounter counts organization projects.
type ProjectCounter interface {
	CountProjects(ctx context.Context, orgID string) (int, error)
}

// Engine evaluates plan limits.
type Engine struct {
	subs     SubscriptionSource
	members  MemberCounter
	projects ProjectCounter
	logger   *slog.Logger
}

// NewEngine creates a usage engine.
func NewEngine(subs SubscriptionSource, members MemberCounter, projects ProjectCounter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{subs: subs, members: members, projects: projects, logger: logger}
}

// effective returns the newest live subscription and its plan, or two nils
// for the free tier.
func (e *Engine) effective(ctx context.Context, orgID string) (*billing.Subscription, *billing.Plan, error) {
	sub, err := e.subs.LiveSubscription(ctx, orgID)
	if errors.Is(err, billing.ErrSubscriptionNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load live subscription: %w", err)
	}
	plan, err := e.subs.GetPlan(ctx, sub.PlanID)
	if errors.Is(err, billing.ErrPlanNotFound) {
		e.log(ctx).Warn("live subscription references missing plan, using free tier",
			"org_id", orgID, "subscription_id", sub.ID, "plan_id", sub.PlanID)
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load plan: %w", err)
	}
	return sub, plan, nil
}

// EffectivePlan returns the plan backing the organization's live
// subscription. nil means the free tier.
func (e *Engine) EffectivePlan(ctx context.Context, orgID string) (*billing.Plan, error) {
	_, plan, err := e.effective(ctx, orgID)
	return plan, err
}

// CheckLimit evaluates resource against the organization's effective plan.
func (e *Engine) CheckLimit(ctx context.Context, orgID string, resource Resource) (*LimitCheck, error) {
	_, plan, err := e.effective(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return e.check(ctx, orgID, plan, resource)
}

func (e *Engine) check(ctx context.Context, orgID string, plan *billing.Plan, resource Resource) (*LimitCheck, error) {
	current, err := e.count(ctx, orgID, resource)
	if err != nil {
		return nil, err
	}
	return Evaluate(plan, resource, current), nil
}

func (e *Engine) count(ctx context.Context, orgID string, resource Resource) (int, error) {
	switch resource {
	case ResourceUsers:
		return e.members.CountMembers(ctx, orgID)
	case ResourceProjects:
		if e.projects == nil {
			return 0, nil
		}
		return e.projects.CountProjects(ctx, orgID)
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownResource, resource)
	}
}

// Evaluate applies the limit policy to a resource count. A nil plan is the
// free tier.
func Evaluate(plan *billing.Plan, resource Resource, current int) *LimitCheck {
	res := &LimitCheck{CurrentCount: current, PlanName: FreePlanName}

	var limit *int
	if plan == nil {
		free := FreeTierLimit
		limit = &free
	} else {
		res.PlanName = plan.Name
		limit = ceiling(plan, resource)
	}

	if limit == nil {
		res.Allowed = true
		return res
	}
	remaining := max(0, *limit-current)
	res.Limit = limit
	res.Remaining = &remaining
	res.Allowed = current < *limit
	return res
}

func ceiling(plan *billing.Plan, resource Resource) *int {
	var v *int
	switch resource {
	case ResourceUsers:
		v = plan.MaxUsers
	case ResourceProjects:
		v = plan.MaxProjects
	}
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

// CanAddUnit is the pre-admission gate for one more unit of resource. The
// reason is empty when allowed.
func (e *Engine) CanAddUnit(ctx context.Context, orgID string, resource Resource) (bool, string, error) {
	current, err := e.count(ctx, orgID, resource)
	if err != nil {
		return false, "", err
	}
	return e.AdmitUnit(ctx, orgID, resource, current)
}

// AdmitUnit is CanAddUnit for a caller that already counted the resource,
// typically inside the transaction that inserts the new unit.
func (e *Engine) AdmitUnit(ctx context.Context, orgID string, resource Resource, current int) (bool, string, error) {
	ctx, span := traces.StartSpan(ctx, "usage.admit", traces.OrgID(orgID), traces.Resource(string(resource)))
	defer span.End()

	_, plan, err := e.effective(ctx, orgID)
	if err != nil {
		traces.RecordError(span, err)
		return false, "", err
	}
	ok, reason, err := e.admit(ctx, orgID, resource, Evaluate(plan, resource, current))
	traces.RecordError(span, err)
	return ok, reason, err
}

// AdmitMember gates adding a member given the current member count.
func (e *Engine) AdmitMember(ctx context.Context, orgID string, current int) (bool, string, error) {
	return e.AdmitUnit(ctx, orgID, ResourceUsers, current)
}

// AdmitProject gates creating a project given the current project count.
func (e *Engine) AdmitProject(ctx context.Context, orgID string, current int) (bool, string, error) {
	return e.AdmitUnit(ctx, orgID, ResourceProjects, current)
}

func (e *Engine) admit(ctx context.Context, orgID string, resource Resource, check *LimitCheck) (bool, string, error) {
	if check.Allowed {
		return true, "", nil
	}
	label := resourceLabel(resource)
	if check.Limit == nil {
		metrics.InvariantViolationsTotal.WithLabelValues("usage").Inc()
		e.log(ctx).Error("limit check denied an unlimited resource",
			"org_id", orgID, "resource", string(resource), "plan", check.PlanName,
			"current_count", check.CurrentCount)
		return false, "", apperr.Invariant("unable to determine %s limit", strings.ToLower(label))
	}
	metrics.LimitDenialsTotal.WithLabelValues(string(resource)).Inc()
	return false, fmt.Sprintf("%s limit reached (%d/%d). Please upgrade your plan.",
		label, check.CurrentCount, *check.Limit), nil
}

func resourceLabel(r Resource) string {
	switch r {
	case ResourceUsers:
		return "User"
	case ResourceProjects:
		return "Project"
	default:
		return string(r)
	}
}

// SubscriptionSummary describes the live subscription, if any.
type SubscriptionSummary struct {
	Active           bool            `json:"active"`
	Status           *billing.Status `json:"status"`
	CurrentPeriodEnd *time.Time      `json:"current_period_end"`
}

// PlanSummary describes the effective plan.
type PlanSummary struct {
	Name     string            `json:"name"`
	Price    int64             `json:"price"`
	Currency string            `json:"currency"`
	Interval *billing.Interval `json:"interval"`
}

// Summary is the full usage picture for one organization.
type Summary struct {
	Subscription SubscriptionSummary      `json:"subscription"`
	Plan         PlanSummary              `json:"plan"`
	Usage        map[Resource]*LimitCheck `json:"usage"`
}

// Summary reports subscription, plan and usage for both resources from a
// single read of the effective plan.
func (e *Engine) Summary(ctx context.Context, orgID string) (*Summary, error) {
	sub, plan, err := e.effective(ctx, orgID)
	if err != nil {
		return nil, err
	}

	out := &Summary{
		Plan:  PlanSummary{Name: FreePlanName, Currency: "usd"},
		Usage: make(map[Resource]*LimitCheck, 2),
	}
	if sub != nil {
		status := sub.Status
		out.Subscription = SubscriptionSummary{Active: true, Status: &status, CurrentPeriodEnd: sub.CurrentPeriodEnd}
	}
	if plan != nil {
		interval := plan.Interval
		out.Plan = PlanSummary{Name: plan.Name, Price: plan.PriceAmount, Currency: plan.Currency, Interval: &interval}
	}
	for _, r := range []Resource{ResourceUsers, ResourceProjects} {
		check, err := e.check(ctx, orgID, plan, r)
		if err != nil {
			return nil, err
		}
		out.Usage[r] = check
	}
	return out, nil
}

// RecordEvent logs a usage event and counts it.
func (e *Engine) RecordEvent(ctx context.Context, orgID, event string, attrs ...any) {
	metrics.UsageEventsTotal.WithLabelValues(event).Inc()
	args := append([]any{"org_id", orgID, "event_type", event}, attrs...)
	e.log(ctx).Info("usage event", args...)
}

func (e *Engine) log(ctx context.Context) *slog.Logger {
	if id := logging.RequestID(ctx); id != "" {
		return e.logger.With("request_id", id)
	}
	return e.logger
}
