// Package billing provides plans, subscriptions, the payment provider
// gateway and the webhook reconciler that keeps local subscription state
// in line with the provider.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/apperr"
)

// Errors
var (
	ErrPlanNotFound           = apperr.NotFound("plan not found")
	ErrPlanInactive           = apperr.NotFound("plan not found or inactive")
	ErrPlanSlugTaken          = apperr.Conflict("plan slug already taken")
	ErrSubscriptionNotFound   = apperr.NotFound("subscription not found")
	ErrLiveSubscriptionExists = apperr.Conflict("organization already has an active subscription")
	ErrPendingSubscription    = apperr.Conflict("organization has a subscription awaiting payment; complete or cancel it first")
	ErrAlreadyCanceled        = apperr.Conflict("subscription is already canceled")
	ErrInvalidWebhook         = apperr.Validation("invalid webhook payload or signature")
	ErrInvalidInterval        = apperr.Validation("interval must be month or year")

	// ErrTxConflict is returned by stores when a transaction lost a
	// serialization race and may be retried as a whole.
	ErrTxConflict = errors.New("billing: transaction conflict")
)

// Status is the local subscription status. The set is closed; provider
// values outside it map to StatusIncomplete.
type Status string

const (
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusTrialing          Status = "trialing"
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusUnpaid            Status = "unpaid"
	StatusPaused            Status = "paused"
)

// MapStatus converts a provider status string.
func MapStatus(s string) Status {
	switch st := Status(s); st {
	case StatusIncomplete, StatusIncompleteExpired, StatusTrialing, StatusActive,
		StatusPastDue, StatusCanceled, StatusUnpaid, StatusPaused:
		return st
	default:
		return StatusIncomplete
	}
}

// IsLive reports whether the status grants plan entitlements.
func (s Status) IsLive() bool {
	return s == StatusActive || s == StatusTrialing
}

// BlocksPurchase reports whether a subscription in status s stops the
// organization from buying another one. Incomplete subscriptions turn
// active on their first paid invoice, so they hold the slot too.
func (s Status) BlocksPurchase() bool {
	return s.IsLive() || s == StatusIncomplete
}

// purchaseConflict returns the error for an existing subscription in
// status s, or nil when s leaves the slot free.
func purchaseConflict(s Status) error {
	switch {
	case s.IsLive():
		return ErrLiveSubscriptionExists
	case s == StatusIncomplete:
		return ErrPendingSubscription
	}
	return nil
}

// IsTerminal reports whether no event may move a subscription out of s.
func (s Status) IsTerminal() bool {
	return s == StatusCanceled
}

// CanTransition reports whether from → to is an expected lifecycle step.
// Re-applying the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if to == StatusCanceled {
		return from != StatusCanceled
	}
	switch from {
	case StatusIncomplete:
		return to == StatusActive || to == StatusIncompleteExpired || to == StatusTrialing
	case StatusTrialing:
		return to == StatusActive || to == StatusPastDue
	case StatusActive:
		return to == StatusPastDue
	case StatusPastDue:
		return to == StatusActive || to == StatusUnpaid
	case StatusIncompleteExpired, StatusCanceled, StatusUnpaid, StatusPaused:
		return false
	default:
		return false
	}
}

// Interval is a plan's billing period.
type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// Plan is a purchasable tier. Nil ceilings mean unlimited.
type Plan struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Slug            string    `json:"slug"`
	Description     string    `json:"description,omitempty"`
	StripeProductID string    `json:"stripe_product_id,omitempty"`
	StripePriceID   string    `json:"stripe_price_id,omitempty"`
	PriceAmount     int64     `json:"price_amount"` // minor units
	Currency        string    `json:"currency"`
	Interval        Interval  `json:"interval"`
	MaxUsers        *int      `json:"max_users"`
	MaxProjects     *int      `json:"max_projects"`
	Features        []string  `json:"features"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// MonthlyAmount normalizes the plan price to one month, in minor units.
func (p *Plan) MonthlyAmount() int64 {
	if p.Interval == IntervalYear {
		return p.PriceAmount / 12
	}
	return p.PriceAmount
}

// Subscription links an organization to a plan and mirrors the provider's view.
type Subscription struct {
	ID                   string     `json:"id"`
	OrganizationID       string     `json:"organization_id"`
	PlanID               string     `json:"plan_id"`
	StripeSubscriptionID string     `json:"stripe_subscription_id,omitempty"`
	Status               Status     `json:"status"`
	CurrentPeriodStart   *time.Time `json:"current_period_start"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end"`
	CanceledAt           *time.Time `json:"canceled_at"`
	// LastEventAt is the provider timestamp of the newest applied change.
	LastEventAt *time.Time `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// MutateFunc edits a locked subscription in place. Returning changed=false
// skips the write.
type MutateFunc func(sub *Subscription) (changed bool, err error)

// Store persists plans and subscriptions.
type Store interface {
	CreatePlan(ctx context.Context, p *Plan) error
	GetPlan(ctx context.Context, id string) (*Plan, error)
	ListPlans(ctx context.Context, includeInactive bool) ([]*Plan, error)
	UpdatePlan(ctx context.Context, p *Plan) error

	// CreateSubscription fails with ErrLiveSubscriptionExists when the
	// organization already holds an active or trialing subscription and
	// with ErrPendingSubscription when it holds an incomplete one.
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	GetSubscriptionByExternalID(ctx context.Context, ref string) (*Subscription, error)
	ListSubscriptions(ctx context.Context, orgID string) ([]*Subscription, error)
	// LiveSubscription returns the newest active or trialing subscription.
	LiveSubscription(ctx context.Context, orgID string) (*Subscription, error)
	// MutateSubscription fails with ErrLiveSubscriptionExists when the
	// change would leave the organization with two live subscriptions.
	MutateSubscription(ctx context.Context, id string, fn MutateFunc) (*Subscription, error)
	MutateSubscriptionByExternalID(ctx context.Context, ref string, fn MutateFunc) (*Subscription, error)
	DeleteSubscriptionsForOrganization(ctx context.Context, orgID string) error

	// Reporting
	ListExpiring(ctx context.Context, before time.Time) ([]*Subscription, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Subscription, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

func timePtr(t time.Time) *time.Time { return &t }

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
