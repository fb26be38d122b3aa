// Package admin provides superuser reporting over users, organizations and
// subscriptions.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/auth"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/billing"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/tenant"
)

// Users is the slice of the account store admin reads.
type Users interface {
	Get(ctx context.Context, id string) (*auth.User, error)
	Count(ctx context.Context) (total, active int, err error)
}

// Organizations is the slice of the tenant store admin reads.
type Organizations interface {
	Get(ctx context.Context, id string) (*tenant.Organization, error)
	Count(ctx context.Context) (total, active int, err error)
}

// Subscriptions is the slice of the billing store admin reads.
type Subscriptions interface {
	ListPlans(ctx context.Context, includeInactive bool) ([]*billing.Plan, error)
	CountByStatus(ctx context.Context) (map[billing.Status]int, error)
	ListByStatus(ctx context.Context, statuses ...billing.Status) ([]*billing.Subscription, error)
	ListExpiring(ctx context.Context, before time.Time) ([]*billing.Subscription, error)
}

// Totals is a total/active pair.
type Totals struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// SubscriptionStats counts subscriptions.
type SubscriptionStats struct {
	Total    int                    `json:"total"`
	Active   int                    `json:"active"`
	Trialing int                    `json:"trialing"`
	ByStatus map[billing.Status]int `json:"by_status"`
}

// Revenue holds recurring revenue in minor units. Only active
// subscriptions contribute; yearly prices are spread over twelve months.
type Revenue struct {
	MRR                       int64  `json:"mrr"`
	MRRFormatted              string `json:"mrr_formatted"`
	ARR                       int64  `json:"arr"`
	ARRFormatted              string `json:"arr_formatted"`
	AverageRevenuePerCustomer int64  `json:"average_revenue_per_customer"`
}

// Dashboard is the superuser overview.
type Dashboard struct {
	Users         Totals            `json:"users"`
	Organizations Totals            `json:"organizations"`
	Subscriptions SubscriptionStats `json:"subscriptions"`
	Revenue       Revenue           `json:"revenue"`
	GeneratedAt   time.Time         `json:"generated_at"`
}

// AttentionItem is a subscription an operator may need to act on, joined
// with its organization, owner and plan.
type AttentionItem struct {
	SubscriptionID   string         `json:"subscription_id"`
	OrganizationID   string         `json:"organization_id"`
	OrganizationName string         `json:"organization_name"`
	OwnerEmail       string         `json:"owner_email"`
	PlanName         string         `json:"plan_name"`
	Status           billing.Status `json:"status"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
	DaysRemaining    *int           `json:"days_remaining,omitempty"`
	LastUpdated      time.Time      `json:"last_updated"`
}

// Service builds admin reports.
type Service struct {
	users  Users
	orgs   Organizations
	subs   Subscriptions
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an admin report service.
func NewService(users Users, orgs Organizations, subs Subscriptions, logger *slog.Logger) *Service {
	return &Service{users: users, orgs: orgs, subs: subs, logger: logger, now: time.Now}
}

// Dashboard gathers counts and recurring revenue.
func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	var d Dashboard
	var err error

	if d.Users.Total, d.Users.Active, err = s.users.Count(ctx); err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	if d.Organizations.Total, d.Organizations.Active, err = s.orgs.Count(ctx); err != nil {
		return nil, fmt.Errorf("count organizations: %w", err)
	}

	byStatus, err := s.subs.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions: %w", err)
	}
	d.Subscriptions.ByStatus = byStatus
	for _, n := range byStatus {
		d.Subscriptions.Total += n
	}
	d.Subscriptions.Active = byStatus[billing.StatusActive]
	d.Subscriptions.Trialing = byStatus[billing.StatusTrialing]

	rev, err := s.revenue(ctx)
	if err != nil {
		return nil, err
	}
	d.Revenue = *rev
	d.GeneratedAt = s.now().UTC()
	return &d, nil
}

func (s *Service) revenue(ctx context.Context) (*Revenue, error) {
	plans, err := s.planIndex(ctx)
	if err != nil {
		return nil, err
	}
	active, err := s.subs.ListByStatus(ctx, billing.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}

	var mrr int64
	for _, sub := range active {
		plan, ok := plans[sub.PlanID]
		if !ok {
			s.logger.Warn("active subscription references unknown plan",
				"subscription_id", sub.ID, "plan_id", sub.PlanID)
			continue
		}
		mrr += plan.MonthlyAmount()
	}

	rev := &Revenue{MRR: mrr, ARR: mrr * 12}
	rev.MRRFormatted = formatCents(rev.MRR)
	rev.ARRFormatted = formatCents(rev.ARR)
	if len(active) > 0 {
		rev.AverageRevenuePerCustomer = mrr / int64(len(active))
	}
	return rev, nil
}

// ExpiringSubscriptions lists active subscriptions set to cancel at period
// end whose period ends within days, soonest first.
func (s *Service) ExpiringSubscriptions(ctx context.Context, days int) ([]*AttentionItem, error) {
	now := s.now()
	subs, err := s.subs.ListExpiring(ctx, now.AddDate(0, 0, days))
	if err != nil {
		return nil, fmt.Errorf("list expiring subscriptions: %w", err)
	}
	items, err := s.enrich(ctx, subs)
	if err != nil {
		return nil, err
	}
	for i, sub := range subs {
		if sub.CurrentPeriodEnd == nil {
			continue
		}
		end := *sub.CurrentPeriodEnd
		remaining := int(end.Sub(now).Hours() / 24)
		items[i].ExpiresAt = &end
		items[i].DaysRemaining = &remaining
	}
	return items, nil
}

// FailedPayments lists past_due and unpaid subscriptions, most recently
// updated first.
func (s *Service) FailedPayments(ctx context.Context) ([]*AttentionItem, error) {
	subs, err := s.subs.ListByStatus(ctx, billing.StatusPastDue, billing.StatusUnpaid)
	if err != nil {
		return nil, fmt.Errorf("list failed payments: %w", err)
	}
	return s.enrich(ctx, subs)
}

func (s *Service) enrich(ctx context.Context, subs []*billing.Subscription) ([]*AttentionItem, error) {
	plans, err := s.planIndex(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]*AttentionItem, len(subs))
	for i, sub := range subs {
		item := &AttentionItem{
			SubscriptionID: sub.ID,
			OrganizationID: sub.OrganizationID,
			Status:         sub.Status,
			LastUpdated:    sub.UpdatedAt,
		}
		if plan, ok := plans[sub.PlanID]; ok {
			item.PlanName = plan.Name
		}
		// A row whose organization or owner vanished is still reported.
		if org, err := s.orgs.Get(ctx, sub.OrganizationID); err == nil {
			item.OrganizationName = org.Name
			if owner, err := s.users.Get(ctx, org.OwnerID); err == nil {
				item.OwnerEmail = owner.Email
			}
		}
		items[i] = item
	}
	return items, nil
}

func (s *Service) planIndex(ctx context.Context) (map[string]*billing.Plan, error) {
	plans, err := s.subs.ListPlans(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	idx := make(map[string]*billing.Plan, len(plans))
	for _, p := range plans {
		idx[p.ID] = p
	}
	return idx, nil
}

func formatCents(v int64) string {
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	return fmt.Sprintf("%s$%d.%02d", sign, v/100, v%100)
}
