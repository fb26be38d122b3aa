package billing

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/apperr"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/auth"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/idgen"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/tenant"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/traces"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/validation"
)

const maxTrialDays = 730

// Organizations is the slice of the organization store billing needs.
type Organizations interface {
	Get(ctx context.Context, id string) (*tenant.Organization, error)
	SetBillingCustomer(ctx context.Context, orgID, customerID string) error
}

// Users resolves the purchasing user's contact details.
type Users interface {
	Get(ctx context.Context, id string) (*auth.User, error)
}

// CreatePlanRequest is the body of POST /v1/plans.
type CreatePlanRequest struct {
	Name        string   `json:"name"`
	Slug        string   `json:"slug"`
	Description string   `json:"description"`
	PriceAmount int64    `json:"price_amount"`
	Currency    string   `json:"currency"`
	Interval    string   `json:"interval"`
	MaxUsers    *int     `json:"max_users"`
	MaxProjects *int     `json:"max_projects"`
	Features    []string `json:"features"`
}

// UpdatePlanRequest is the body of PUT /v1/plans/:planId. Price and
// interval are fixed once the provider price exists.
type UpdatePlanRequest struct {
	Name        *string   `json:"name"`
	Description *string   `json:"description"`
	MaxUsers    *int      `json:"max_users"`
	MaxProjects *int      `json:"max_projects"`
	Features    *[]string `json:"features"`
	IsActive    *bool     `json:"is_active"`
}

// CreateSubscriptionRequest is the body of POST /v1/subscriptions.
type CreateSubscriptionRequest struct {
	OrganizationID  string `json:"organization_id"`
	PlanID          string `json:"plan_id"`
	TrialPeriodDays int    `json:"trial_period_days"`
}

// UpdateSubscriptionRequest is the body of PUT /v1/subscriptions/:subId.
type UpdateSubscriptionRequest struct {
	PlanID            *string `json:"plan_id"`
	CancelAtPeriodEnd *bool   `json:"cancel_at_period_end"`
}

// Service implements plan and subscription operations.
type Service struct {
	store   Store
	gateway Gateway
	guard   *tenant.Guard
	orgs    Organizations
	users   Users
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a billing service.
func NewService(store Store, gateway Gateway, guard *tenant.Guard, orgs Organizations, users Users, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		gateway: gateway,
		guard:   guard,
		orgs:    orgs,
		users:   users,
		logger:  logger,
		now:     time.Now,
	}
}

// --- Plans ---

// ListPlans returns plans ordered by price.
func (s *Service) ListPlans(ctx context.Context, includeInactive bool) ([]*Plan, error) {
	return s.store.ListPlans(ctx, includeInactive)
}

// GetPlan returns one plan.
func (s *Service) GetPlan(ctx context.Context, id string) (*Plan, error) {
	return s.store.GetPlan(ctx, id)
}

// CreatePlan registers the product and price with the provider, then
// stores the plan.
func (s *Service) CreatePlan(ctx context.Context, req CreatePlanRequest) (*Plan, error) {
	name := validation.SanitizeString(req.Name, validation.MaxNameLength)
	slug := strings.TrimSpace(req.Slug)
	if slug == "" {
		slug = tenant.GenerateSlug(name)
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "usd"
	}
	interval := req.Interval
	if interval == "" {
		interval = string(IntervalMonth)
	}
	if err := validation.Validate(
		validation.Required("name", name),
		validation.Slug("slug", slug),
		validation.PositiveAmount("price_amount", req.PriceAmount),
		validation.OneOf("interval", interval, string(IntervalMonth), string(IntervalYear)),
		validation.NonNegative("max_users", req.MaxUsers),
		validation.NonNegative("max_projects", req.MaxProjects),
		validation.MaxLength("description", req.Description, validation.MaxDescriptionLength),
	); err != nil {
		return nil, err
	}

	existing, err := s.store.ListPlans(ctx, true)
	if err != nil {
		return nil, err
	}
	for _, p := range existing {
		if p.Slug == slug {
			return nil, ErrPlanSlugTaken
		}
	}

	now := s.now()
	plan := &Plan{
		ID:          idgen.New(),
		Name:        name,
		Slug:        slug,
		Description: strings.TrimSpace(req.Description),
		PriceAmount: req.PriceAmount,
		Currency:    currency,
		Interval:    Interval(interval),
		MaxUsers:    req.MaxUsers,
		MaxProjects: req.MaxProjects,
		Features:    req.Features,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if plan.Features == nil {
		plan.Features = []string{}
	}

	meta := map[string]string{"plan_id": plan.ID, "slug": slug}
	productID, err := s.gateway.CreateProduct(ctx, ProductParams{Name: name, Description: plan.Description, Metadata: meta})
	if err != nil {
		return nil, err
	}
	priceID, err := s.gateway.CreatePrice(ctx, PriceParams{
		ProductID: productID,
		Amount:    plan.PriceAmount,
		Currency:  currency,
		Interval:  plan.Interval,
		Metadata:  meta,
	})
	if err != nil {
		return nil, err
	}
	plan.StripeProductID = productID
	plan.StripePriceID = priceID

	if err := s.store.CreatePlan(ctx, plan); err != nil {
		return nil, err
	}
	s.logger.Info("plan created", "plan_id", plan.ID, "slug", slug, "price_id", priceID)
	return plan, nil
}

// UpdatePlan changes plan metadata and limits.
func (s *Service) UpdatePlan(ctx context.Context, id string, req UpdatePlanRequest) (*Plan, error) {
	plan, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		name := validation.SanitizeString(*req.Name, validation.MaxNameLength)
		if err := validation.Validate(validation.Required("name", name)); err != nil {
			return nil, err
		}
		plan.Name = name
	}
	if req.Description != nil {
		plan.Description = strings.TrimSpace(*req.Description)
	}
	if err := validation.Validate(
		validation.NonNegative("max_users", req.MaxUsers),
		validation.NonNegative("max_projects", req.MaxProjects),
	); err != nil {
		return nil, err
	}
	if req.MaxUsers != nil {
		plan.MaxUsers = req.MaxUsers
	}
	if req.MaxProjects != nil {
		plan.MaxProjects = req.MaxProjects
	}
	if req.Features != nil {
		plan.Features = *req.Features
	}
	if req.IsActive != nil {
		plan.IsActive = *req.IsActive
	}
	plan.UpdatedAt = s.now()
	if err := s.store.UpdatePlan(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// DeactivatePlan hides a plan from new purchases. Plans are never deleted
// because subscriptions keep referring to them.
func (s *Service) DeactivatePlan(ctx context.Context, id string) error {
	inactive := false
	_, err := s.UpdatePlan(ctx, id, UpdatePlanRequest{IsActive: &inactive})
	if err == nil {
		s.logger.Info("plan deactivated", "plan_id", id)
	}
	return err
}

// --- Subscriptions ---

// CreateSubscription purchases a plan for an organization.
func (s *Service) CreateSubscription(ctx context.Context, userID string, req CreateSubscriptionRequest) (*Subscription, error) {
	ctx, span := traces.StartSpan(ctx, "billing.create_subscription", traces.OrgID(req.OrganizationID), traces.UserID(userID))
	defer span.End()

	if err := validation.Validate(
		validation.Required("organization_id", req.OrganizationID),
		validation.Required("plan_id", req.PlanID),
	); err != nil {
		return nil, err
	}
	if req.TrialPeriodDays < 0 || req.TrialPeriodDays > maxTrialDays {
		return nil, apperr.Validation("trial_period_days must be between 0 and 730")
	}
	if _, err := s.guard.Require(ctx, req.OrganizationID, userID, tenant.ActionManageBilling); err != nil {
		return nil, err
	}

	if err := s.checkPurchaseSlot(ctx, req.OrganizationID); err != nil {
		return nil, err
	}

	plan, err := s.store.GetPlan(ctx, req.PlanID)
	if errors.Is(err, ErrPlanNotFound) {
		return nil, ErrPlanInactive
	}
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, ErrPlanInactive
	}

	customerID, err := s.ensureCustomer(ctx, req.OrganizationID, userID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	subID := idgen.New()
	remote, err := s.gateway.CreateSubscription(ctx, CreateSubscriptionParams{
		CustomerID:     customerID,
		PriceID:        plan.StripePriceID,
		TrialDays:      req.TrialPeriodDays,
		Metadata:       map[string]string{"organization_id": req.OrganizationID, "plan_id": plan.ID},
		IdempotencyKey: subID,
	})
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	now := s.now()
	sub := &Subscription{
		ID:                   subID,
		OrganizationID:       req.OrganizationID,
		PlanID:               plan.ID,
		StripeSubscriptionID: remote.ID,
		Status:               remote.Status,
		CurrentPeriodStart:   remote.CurrentPeriodStart,
		CurrentPeriodEnd:     remote.CurrentPeriodEnd,
		CancelAtPeriodEnd:    remote.CancelAtPeriodEnd,
		CanceledAt:           remote.CanceledAt,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		if errors.Is(err, ErrLiveSubscriptionExists) || errors.Is(err, ErrPendingSubscription) {
			// Lost a race with a concurrent purchase; undo the provider side.
			if _, cerr := s.gateway.CancelSubscription(ctx, remote.ID, true); cerr != nil {
				s.logger.Error("failed to cancel duplicate provider subscription", "external_ref", remote.ID, "error", cerr)
			}
		}
		return nil, err
	}

	span.SetAttributes(traces.SubscriptionID(sub.ID), traces.ExternalRef(remote.ID))
	s.logger.Info("subscription created",
		"subscription_id", sub.ID, "org_id", sub.OrganizationID, "plan_id", plan.ID, "status", sub.Status)
	return sub, nil
}

// checkPurchaseSlot rejects a purchase while the organization holds a live
// subscription or one still waiting for its first payment.
func (s *Service) checkPurchaseSlot(ctx context.Context, orgID string) error {
	subs, err := s.store.ListSubscriptions(ctx, orgID)
	if err != nil {
		return err
	}
	var pending error
	for _, sub := range subs {
		switch err := purchaseConflict(sub.Status); {
		case errors.Is(err, ErrLiveSubscriptionExists):
			return err
		case err != nil:
			pending = err
		}
	}
	return pending
}

// ensureCustomer returns the organization's provider customer, creating
// it on first purchase.
func (s *Service) ensureCustomer(ctx context.Context, orgID, userID string) (string, error) {
	org, err := s.orgs.Get(ctx, orgID)
	if err != nil {
		return "", err
	}
	if org.StripeCustomerID != "" {
		return org.StripeCustomerID, nil
	}
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	customerID, err := s.gateway.CreateCustomer(ctx, CustomerParams{
		Email:    user.Email,
		Name:     org.Name,
		Metadata: map[string]string{"organization_id": org.ID, "organization_slug": org.Slug},
	})
	if err != nil {
		return "", err
	}
	if err := s.orgs.SetBillingCustomer(ctx, orgID, customerID); err != nil {
		return "", err
	}
	s.logger.Info("billing customer created", "org_id", orgID, "customer_id", customerID)
	return customerID, nil
}

// ListSubscriptions returns an organization's subscriptions, newest first.
func (s *Service) ListSubscriptions(ctx context.Context, orgID, userID string) ([]*Subscription, error) {
	if _, err := s.guard.Require(ctx, orgID, userID, tenant.ActionView); err != nil {
		return nil, err
	}
	return s.store.ListSubscriptions(ctx, orgID)
}

// GetSubscription returns a subscription the caller can see.
func (s *Service) GetSubscription(ctx context.Context, id, userID string) (*Subscription, error) {
	sub, _, err := s.authorized(ctx, id, userID, tenant.ActionView)
	return sub, err
}

// authorized loads a subscription and checks the caller against its
// organization. Non-members see ErrSubscriptionNotFound.
func (s *Service) authorized(ctx context.Context, id, userID string, action tenant.Action) (*Subscription, *tenant.Membership, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	m, err := s.guard.Require(ctx, sub.OrganizationID, userID, action)
	if errors.Is(err, tenant.ErrOrganizationNotFound) {
		return nil, nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return sub, m, nil
}

// UpdateSubscription changes plan and/or cancel-at-period-end.
func (s *Service) UpdateSubscription(ctx context.Context, id, userID string, req UpdateSubscriptionRequest) (*Subscription, error) {
	sub, _, err := s.authorized(ctx, id, userID, tenant.ActionManageBilling)
	if err != nil {
		return nil, err
	}
	if sub.Status.IsTerminal() {
		return nil, apperr.Conflict("cannot update a canceled subscription")
	}

	var newPlan *Plan
	if req.PlanID != nil && *req.PlanID != sub.PlanID {
		newPlan, err = s.store.GetPlan(ctx, *req.PlanID)
		if errors.Is(err, ErrPlanNotFound) {
			return nil, ErrPlanInactive
		}
		if err != nil {
			return nil, err
		}
		if !newPlan.IsActive {
			return nil, ErrPlanInactive
		}
	}
	if newPlan == nil && req.CancelAtPeriodEnd == nil {
		return sub, nil
	}

	var remote *RemoteSubscription
	if sub.StripeSubscriptionID != "" {
		params := UpdateSubscriptionParams{CancelAtPeriodEnd: req.CancelAtPeriodEnd}
		if newPlan != nil {
			params.PriceID = &newPlan.StripePriceID
		}
		remote, err = s.gateway.UpdateSubscription(ctx, sub.StripeSubscriptionID, params)
		if err != nil {
			return nil, err
		}
	}

	updated, err := s.store.MutateSubscription(ctx, id, func(cur *Subscription) (bool, error) {
		if cur.Status.IsTerminal() {
			return false, apperr.Conflict("cannot update a canceled subscription")
		}
		if newPlan != nil {
			cur.PlanID = newPlan.ID
		}
		if remote != nil {
			cur.CancelAtPeriodEnd = remote.CancelAtPeriodEnd
			cur.CurrentPeriodStart = remote.CurrentPeriodStart
			cur.CurrentPeriodEnd = remote.CurrentPeriodEnd
		} else if req.CancelAtPeriodEnd != nil {
			cur.CancelAtPeriodEnd = *req.CancelAtPeriodEnd
		}
		cur.UpdatedAt = s.now()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("subscription updated", "subscription_id", id, "plan_id", updated.PlanID,
		"cancel_at_period_end", updated.CancelAtPeriodEnd, "updated_by", userID)
	return updated, nil
}

// CancelSubscription cancels immediately or at the end of the period.
// Subscriptions never registered with the provider are canceled locally.
func (s *Service) CancelSubscription(ctx context.Context, id, userID string, immediate bool) (*Subscription, error) {
	sub, _, err := s.authorized(ctx, id, userID, tenant.ActionManageBilling)
	if err != nil {
		return nil, err
	}
	if sub.Status.IsTerminal() {
		return nil, ErrAlreadyCanceled
	}

	var remote *RemoteSubscription
	if sub.StripeSubscriptionID != "" {
		remote, err = s.gateway.CancelSubscription(ctx, sub.StripeSubscriptionID, immediate)
		if err != nil {
			return nil, err
		}
	}

	updated, err := s.store.MutateSubscription(ctx, id, func(cur *Subscription) (bool, error) {
		if cur.Status.IsTerminal() {
			return false, ErrAlreadyCanceled
		}
		now := s.now()
		switch {
		case remote != nil:
			cur.Status = remote.Status
			cur.CancelAtPeriodEnd = remote.CancelAtPeriodEnd
			if remote.CanceledAt != nil {
				cur.CanceledAt = remote.CanceledAt
			}
			if immediate && cur.Status != StatusCanceled {
				cur.Status = StatusCanceled
			}
		case immediate:
			cur.Status = StatusCanceled
			cur.CanceledAt = timePtr(now)
		default:
			cur.CancelAtPeriodEnd = true
		}
		if cur.Status == StatusCanceled && cur.CanceledAt == nil {
			cur.CanceledAt = timePtr(now)
		}
		cur.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("subscription canceled", "subscription_id", id, "immediate", immediate,
		"status", updated.Status, "canceled_by", userID)
	return updated, nil
}

// DeleteForOrganization removes an organization's subscriptions.
// Used as an organization delete cascade for stores without foreign keys.
func (s *Service) DeleteForOrganization(ctx context.Context, orgID string) error {
	return s.store.DeleteSubscriptionsForOrganization(ctx, orgID)
}
