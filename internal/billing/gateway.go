package billing

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Gateway is the payment provider as the rest of the system sees it.
// Implementations return *apperr.Error of KindProvider for every provider
// failure and ErrInvalidWebhook for rejected webhook payloads.
type Gateway interface {
	CreateCustomer(ctx context.Context, p CustomerParams) (string, error)
	CreateProduct(ctx context.Context, p ProductParams) (string, error)
	CreatePrice(ctx context.Context, p PriceParams) (string, error)
	CreateSubscription(ctx context.Context, p CreateSubscriptionParams) (*RemoteSubscription, error)
	UpdateSubscription(ctx context.Context, externalID string, p UpdateSubscriptionParams) (*RemoteSubscription, error)
	CancelSubscription(ctx context.Context, externalID string, immediate bool) (*RemoteSubscription, error)
	ParseWebhook(payload []byte, signature string) (*Event, error)
	// ListEvents returns the reconciler-relevant events created at or after
	// since, oldest first. It lets an operator replay missed deliveries.
	ListEvents(ctx context.Context, since time.Time) ([]*Event, error)
}

// CustomerParams describes a new provider customer.
type CustomerParams struct {
	Email    string
	Name     string
	Metadata map[string]string
}

// ProductParams describes a new provider product.
type ProductParams struct {
	Name        string
	Description string
	Metadata    map[string]string
}

// PriceParams describes a new recurring price. Amount is in minor units.
type PriceParams struct {
	ProductID string
	Amount    int64
	Currency  string
	Interval  Interval
	Metadata  map[string]string
}

// CreateSubscriptionParams describes a new provider subscription.
type CreateSubscriptionParams struct {
	CustomerID string
	PriceID    string
	TrialDays  int
	Metadata   map[string]string
	// IdempotencyKey is forwarded so a retried create does not double-bill.
	IdempotencyKey string
}

// UpdateSubscriptionParams changes price and/or cancel-at-period-end.
// Nil fields are left unchanged.
type UpdateSubscriptionParams struct {
	PriceID           *string
	CancelAtPeriodEnd *bool
}

// RemoteSubscription is the provider's view of a subscription.
type RemoteSubscription struct {
	ID                 string
	CustomerID         string
	PriceID            string
	Status             Status
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
}

// RemoteInvoice is the part of a provider invoice the reconciler needs.
type RemoteInvoice struct {
	ID string
	// SubscriptionRef is empty for one-off invoices.
	SubscriptionRef string
}

// Event is a verified provider webhook event.
type Event struct {
	ID        string
	Type      string
	CreatedAt time.Time
	// Exactly one of Subscription and Invoice is set for the event
	// families the reconciler handles; both are nil otherwise.
	Subscription *RemoteSubscription
	Invoice      *RemoteInvoice
}

// Event type families.
const (
	eventPrefixSubscription = "customer.subscription."
	eventPrefixInvoice      = "invoice."

	EventInvoicePaid                  = "invoice.paid"
	EventInvoicePaymentFailed         = "invoice.payment_failed"
	EventInvoicePaymentActionRequired = "invoice.payment_action_required"
)

// parseSignedEvent verifies the Stripe-Signature header against the raw
// body before decoding anything. Both gateways use it.
func parseSignedEvent(payload []byte, signature, secret string) (*Event, error) {
	if signature == "" || secret == "" {
		return nil, ErrInvalidWebhook
	}
	raw, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, ErrInvalidWebhook.WithDetails(map[string]any{"reason": err.Error()})
	}
	return eventFromStripe(&raw)
}

// replayEventTypes are the provider event types ListEvents asks for.
var replayEventTypes = []string{
	"customer.subscription.created",
	"customer.subscription.updated",
	"customer.subscription.deleted",
	EventInvoicePaid,
	EventInvoicePaymentFailed,
}

// eventFromStripe decodes the object the reconciler needs from a verified
// or listed provider event.
func eventFromStripe(raw *stripe.Event) (*Event, error) {
	ev := &Event{
		ID:        raw.ID,
		Type:      string(raw.Type),
		CreatedAt: time.Unix(raw.Created, 0).UTC(),
	}
	if raw.Data == nil {
		return ev, nil
	}

	switch {
	case strings.HasPrefix(ev.Type, eventPrefixSubscription):
		var sub stripe.Subscription
		if err := json.Unmarshal(raw.Data.Raw, &sub); err != nil || sub.ID == "" {
			return nil, ErrInvalidWebhook.WithDetails(map[string]any{"reason": "malformed subscription object"})
		}
		ev.Subscription = remoteFromStripe(&sub)
	case strings.HasPrefix(ev.Type, eventPrefixInvoice):
		var inv stripe.Invoice
		if err := json.Unmarshal(raw.Data.Raw, &inv); err != nil {
			return nil, ErrInvalidWebhook.WithDetails(map[string]any{"reason": "malformed invoice object"})
		}
		ev.Invoice = &RemoteInvoice{ID: inv.ID}
		if inv.Subscription != nil {
			ev.Invoice.SubscriptionRef = inv.Subscription.ID
		}
	}
	return ev, nil
}

func remoteFromStripe(sub *stripe.Subscription) *RemoteSubscription {
	r := &RemoteSubscription{
		ID:                 sub.ID,
		Status:             MapStatus(string(sub.Status)),
		CurrentPeriodStart: epochPtr(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   epochPtr(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CanceledAt:         epochPtr(sub.CanceledAt),
	}
	if sub.Customer != nil {
		r.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		r.PriceID = sub.Items.Data[0].Price.ID
	}
	return r
}

// epochPtr converts provider epoch seconds; zero means absent.
func epochPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
