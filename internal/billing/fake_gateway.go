package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/apperr"
)

// FakeGateway is a deterministic in-process provider used in development
// mode and tests. Webhooks are signed and verified exactly like Stripe's.
type FakeGateway struct {
	mu sync.Mutex

	webhookSecret string
	now           func() time.Time

	customers     map[string]CustomerParams
	prices        map[string]PriceParams
	subscriptions map[string]*RemoteSubscription
	events        []*Event
	seq           int

	// Injected failures, returned as provider errors.
	CreateCustomerErr     error
	CreateProductErr      error
	CreatePriceErr        error
	CreateSubscriptionErr error
	UpdateSubscriptionErr error
	CancelSubscriptionErr error
	ListEventsErr         error

	// Calls counts successful calls per operation.
	Calls map[string]int
}

// NewFakeGateway creates a fake that signs webhooks with webhookSecret.
func NewFakeGateway(webhookSecret string) *FakeGateway {
	return &FakeGateway{
		webhookSecret: webhookSecret,
		now:           time.Now,
		customers:     make(map[string]CustomerParams),
		prices:        make(map[string]PriceParams),
		subscriptions: make(map[string]*RemoteSubscription),
		Calls:         make(map[string]int),
	}
}

// SetClock replaces the time source.
func (f *FakeGateway) SetClock(now func() time.Time) {
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
}

func (f *FakeGateway) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_fake_%d", prefix, f.seq)
}

func (f *FakeGateway) CreateCustomer(_ context.Context, p CustomerParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateCustomerErr != nil {
		return "", apperr.Provider("create_customer", f.CreateCustomerErr)
	}
	id := f.nextID("cus")
	f.customers[id] = p
	f.Calls["create_customer"]++
	return id, nil
}

func (f *FakeGateway) CreateProduct(_ context.Context, _ ProductParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateProductErr != nil {
		return "", apperr.Provider("create_product", f.CreateProductErr)
	}
	f.Calls["create_product"]++
	return f.nextID("prod"), nil
}

func (f *FakeGateway) CreatePrice(_ context.Context, p PriceParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreatePriceErr != nil {
		return "", apperr.Provider("create_price", f.CreatePriceErr)
	}
	id := f.nextID("price")
	f.prices[id] = p
	f.Calls["create_price"]++
	return id, nil
}

// CreateSubscription starts in trialing when trial days are given and in
// incomplete otherwise, like a default_incomplete Stripe subscription.
func (f *FakeGateway) CreateSubscription(_ context.Context, p CreateSubscriptionParams) (*RemoteSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateSubscriptionErr != nil {
		return nil, apperr.Provider("create_subscription", f.CreateSubscriptionErr)
	}
	if _, ok := f.customers[p.CustomerID]; !ok {
		return nil, apperr.Provider("create_subscription", fmt.Errorf("no such customer: %s", p.CustomerID))
	}

	now := f.now().UTC().Truncate(time.Second)
	sub := &RemoteSubscription{
		ID:                 f.nextID("sub"),
		CustomerID:         p.CustomerID,
		PriceID:            p.PriceID,
		Status:             StatusIncomplete,
		CurrentPeriodStart: timePtr(now),
		CurrentPeriodEnd:   timePtr(f.periodEnd(now, p.PriceID)),
	}
	if p.TrialDays > 0 {
		sub.Status = StatusTrialing
		sub.CurrentPeriodEnd = timePtr(now.AddDate(0, 0, p.TrialDays))
	}
	f.subscriptions[sub.ID] = sub
	f.emit("customer.subscription.created", sub)
	f.Calls["create_subscription"]++
	return copyRemote(sub), nil
}

func (f *FakeGateway) periodEnd(start time.Time, priceID string) time.Time {
	if price, ok := f.prices[priceID]; ok && price.Interval == IntervalYear {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

func (f *FakeGateway) UpdateSubscription(_ context.Context, externalID string, p UpdateSubscriptionParams) (*RemoteSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UpdateSubscriptionErr != nil {
		return nil, apperr.Provider("update_subscription", f.UpdateSubscriptionErr)
	}
	sub, ok := f.subscriptions[externalID]
	if !ok {
		return nil, apperr.Provider("update_subscription", fmt.Errorf("no such subscription: %s", externalID))
	}
	if p.PriceID != nil {
		sub.PriceID = *p.PriceID
	}
	if p.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *p.CancelAtPeriodEnd
	}
	f.emit("customer.subscription.updated", sub)
	f.Calls["update_subscription"]++
	return copyRemote(sub), nil
}

func (f *FakeGateway) CancelSubscription(ctx context.Context, externalID string, immediate bool) (*RemoteSubscription, error) {
	if !immediate {
		return f.UpdateSubscription(ctx, externalID, UpdateSubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)})
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CancelSubscriptionErr != nil {
		return nil, apperr.Provider("cancel_subscription", f.CancelSubscriptionErr)
	}
	sub, ok := f.subscriptions[externalID]
	if !ok {
		return nil, apperr.Provider("cancel_subscription", fmt.Errorf("no such subscription: %s", externalID))
	}
	sub.Status = StatusCanceled
	sub.CanceledAt = timePtr(f.now().UTC().Truncate(time.Second))
	f.emit("customer.subscription.deleted", sub)
	f.Calls["cancel_subscription"]++
	return copyRemote(sub), nil
}

func (f *FakeGateway) ParseWebhook(payload []byte, signature string) (*Event, error) {
	return parseSignedEvent(payload, signature, f.webhookSecret)
}

// emit appends a snapshot event to the log ListEvents serves. Callers hold f.mu.
func (f *FakeGateway) emit(eventType string, sub *RemoteSubscription) {
	f.events = append(f.events, &Event{
		ID:           f.nextID("evt"),
		Type:         eventType,
		CreatedAt:    f.now().UTC().Truncate(time.Second),
		Subscription: copyRemote(sub),
	})
}

// PayInvoice records an invoice.paid event for externalID without
// delivering it, as if the webhook had been lost.
func (f *FakeGateway) PayInvoice(externalID string) *Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := &Event{
		ID:        f.nextID("evt"),
		Type:      EventInvoicePaid,
		CreatedAt: f.now().UTC().Truncate(time.Second),
		Invoice:   &RemoteInvoice{ID: f.nextID("in"), SubscriptionRef: externalID},
	}
	if sub, ok := f.subscriptions[externalID]; ok && (sub.Status == StatusIncomplete || sub.Status == StatusPastDue) {
		sub.Status = StatusActive
	}
	f.events = append(f.events, ev)
	return ev
}

func (f *FakeGateway) ListEvents(_ context.Context, since time.Time) ([]*Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListEventsErr != nil {
		return nil, apperr.Provider("list_events", f.ListEventsErr)
	}
	var out []*Event
	for _, ev := range f.events {
		if !ev.CreatedAt.Before(since) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	f.Calls["list_events"]++
	return out, nil
}

// Remote returns the fake's current view of a subscription.
func (f *FakeGateway) Remote(externalID string) (*RemoteSubscription, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subscriptions[externalID]
	if !ok {
		return nil, false
	}
	return copyRemote(sub), true
}

// Sign returns a Stripe-Signature header value for payload.
func (f *FakeGateway) Sign(payload []byte) string {
	return SignPayload(payload, f.webhookSecret, f.now())
}

// SignPayload signs payload the way Stripe does for webhook deliveries.
func SignPayload(payload []byte, secret string, at time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	})
	return signed.Header
}

type eventEnvelope struct {
	ID         string `json:"id"`
	Object     string `json:"object"`
	APIVersion string `json:"api_version"`
	Type       string `json:"type"`
	Created    int64  `json:"created"`
	Data       struct {
		Object any `json:"object"`
	} `json:"data"`
}

// SubscriptionEventPayload renders a customer.subscription.* event body.
func SubscriptionEventPayload(eventID, eventType string, created time.Time, sub *RemoteSubscription) []byte {
	obj := map[string]any{
		"id":                   sub.ID,
		"object":               "subscription",
		"status":               string(sub.Status),
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
		"current_period_start": epochOf(sub.CurrentPeriodStart),
		"current_period_end":   epochOf(sub.CurrentPeriodEnd),
		"canceled_at":          epochOf(sub.CanceledAt),
	}
	if sub.CustomerID != "" {
		obj["customer"] = sub.CustomerID
	}
	if sub.PriceID != "" {
		obj["items"] = map[string]any{
			"object": "list",
			"data": []map[string]any{{
				"id":     "si_" + sub.ID,
				"object": "subscription_item",
				"price":  map[string]any{"id": sub.PriceID, "object": "price"},
			}},
		}
	}
	return envelope(eventID, eventType, created, obj)
}

// InvoiceEventPayload renders an invoice.* event body. An empty
// subscriptionRef produces a one-off invoice.
func InvoiceEventPayload(eventID, eventType string, created time.Time, subscriptionRef string) []byte {
	obj := map[string]any{
		"id":     "in_" + eventID,
		"object": "invoice",
	}
	if subscriptionRef != "" {
		obj["subscription"] = subscriptionRef
	}
	return envelope(eventID, eventType, created, obj)
}

func envelope(eventID, eventType string, created time.Time, obj any) []byte {
	env := eventEnvelope{
		ID:         eventID,
		Object:     "event",
		APIVersion: stripe.APIVersion,
		Type:       eventType,
		Created:    created.Unix(),
	}
	env.Data.Object = obj
	b, _ := json.Marshal(env)
	return b
}

func epochOf(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func copyRemote(r *RemoteSubscription) *RemoteSubscription {
	cp := *r
	return &cp
}

var _ Gateway = (*FakeGateway)(nil)
