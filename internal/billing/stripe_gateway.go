package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/apperr"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/circuitbreaker"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/metrics"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/traces"
)

const stripeBreakerKey = "stripe"

// ErrProviderUnavailable is the cause reported while the circuit is open.
var ErrProviderUnavailable = errors.New("payment provider temporarily unavailable")

// StripeConfig binds a gateway to one Stripe account.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
}

// StripeGateway talks to Stripe through a per-instance client. Nothing is
// read from or written to the stripe package globals.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	timeout       time.Duration
	breaker       *circuitbreaker.Breaker
	logger        *slog.Logger
}

// NewStripeGateway creates a gateway bound to cfg.
func NewStripeGateway(cfg StripeConfig, logger *slog.Logger) (*StripeGateway, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("billing: stripe secret key is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("billing: stripe webhook secret is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	backends := stripe.NewBackends(&http.Client{Timeout: cfg.Timeout})
	g := &StripeGateway{
		api:           client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
		timeout:       cfg.Timeout,
		breaker:       circuitbreaker.New(5, 30*time.Second),
		logger:        logger,
	}
	g.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		logger.Warn("payment provider circuit changed", "key", key, "from", from.String(), "to", to.String())
	})
	return g, nil
}

// Check reports an error while the provider circuit is open.
func (g *StripeGateway) Check(_ context.Context) error {
	if g.breaker.State(stripeBreakerKey) == circuitbreaker.StateOpen {
		return ErrProviderUnavailable
	}
	return nil
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, p CustomerParams) (string, error) {
	var id string
	err := g.call(ctx, "create_customer", func(ctx context.Context) error {
		params := &stripe.CustomerParams{
			Email: stripe.String(p.Email),
			Name:  stripe.String(p.Name),
		}
		params.Context = ctx
		params.Metadata = p.Metadata
		c, err := g.api.Customers.New(params)
		if err != nil {
			return err
		}
		id = c.ID
		return nil
	})
	return id, err
}

func (g *StripeGateway) CreateProduct(ctx context.Context, p ProductParams) (string, error) {
	var id string
	err := g.call(ctx, "create_product", func(ctx context.Context) error {
		params := &stripe.ProductParams{Name: stripe.String(p.Name)}
		if p.Description != "" {
			params.Description = stripe.String(p.Description)
		}
		params.Context = ctx
		params.Metadata = p.Metadata
		prod, err := g.api.Products.New(params)
		if err != nil {
			return err
		}
		id = prod.ID
		return nil
	})
	return id, err
}

func (g *StripeGateway) CreatePrice(ctx context.Context, p PriceParams) (string, error) {
	var id string
	err := g.call(ctx, "create_price", func(ctx context.Context) error {
		params := &stripe.PriceParams{
			Product:    stripe.String(p.ProductID),
			UnitAmount: stripe.Int64(p.Amount),
			Currency:   stripe.String(p.Currency),
			Recurring: &stripe.PriceRecurringParams{
				Interval: stripe.String(string(p.Interval)),
			},
		}
		params.Context = ctx
		params.Metadata = p.Metadata
		price, err := g.api.Prices.New(params)
		if err != nil {
			return err
		}
		id = price.ID
		return nil
	})
	return id, err
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, p CreateSubscriptionParams) (*RemoteSubscription, error) {
	var out *RemoteSubscription
	err := g.call(ctx, "create_subscription", func(ctx context.Context) error {
		params := &stripe.SubscriptionParams{
			Customer: stripe.String(p.CustomerID),
			Items: []*stripe.SubscriptionItemsParams{
				{Price: stripe.String(p.PriceID)},
			},
			PaymentBehavior: stripe.String("default_incomplete"),
			PaymentSettings: &stripe.SubscriptionPaymentSettingsParams{
				SaveDefaultPaymentMethod: stripe.String("on_subscription"),
			},
		}
		if p.TrialDays > 0 {
			params.TrialPeriodDays = stripe.Int64(int64(p.TrialDays))
		}
		params.Context = ctx
		params.Metadata = p.Metadata
		if p.IdempotencyKey != "" {
			params.SetIdempotencyKey(p.IdempotencyKey)
		}
		params.AddExpand("latest_invoice.payment_intent")
		sub, err := g.api.Subscriptions.New(params)
		if err != nil {
			return err
		}
		out = remoteFromStripe(sub)
		return nil
	})
	return out, err
}

// UpdateSubscription swaps the price of the first subscription item and/or
// sets cancel-at-period-end. A price swap needs the item id, so the
// subscription is fetched first.
func (g *StripeGateway) UpdateSubscription(ctx context.Context, externalID string, p UpdateSubscriptionParams) (*RemoteSubscription, error) {
	var out *RemoteSubscription
	err := g.call(ctx, "update_subscription", func(ctx context.Context) error {
		params := &stripe.SubscriptionParams{}
		params.Context = ctx

		if p.PriceID != nil {
			getParams := &stripe.SubscriptionParams{}
			getParams.Context = ctx
			current, err := g.api.Subscriptions.Get(externalID, getParams)
			if err != nil {
				return err
			}
			if current.Items == nil || len(current.Items.Data) == 0 {
				return fmt.Errorf("subscription %s has no items", externalID)
			}
			params.Items = []*stripe.SubscriptionItemsParams{{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(*p.PriceID),
			}}
		}
		if p.CancelAtPeriodEnd != nil {
			params.CancelAtPeriodEnd = stripe.Bool(*p.CancelAtPeriodEnd)
		}

		sub, err := g.api.Subscriptions.Update(externalID, params)
		if err != nil {
			return err
		}
		out = remoteFromStripe(sub)
		return nil
	})
	return out, err
}

// CancelSubscription cancels now when immediate, otherwise at period end.
func (g *StripeGateway) CancelSubscription(ctx context.Context, externalID string, immediate bool) (*RemoteSubscription, error) {
	if !immediate {
		return g.UpdateSubscription(ctx, externalID, UpdateSubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)})
	}
	var out *RemoteSubscription
	err := g.call(ctx, "cancel_subscription", func(ctx context.Context) error {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		sub, err := g.api.Subscriptions.Cancel(externalID, params)
		if err != nil {
			return err
		}
		out = remoteFromStripe(sub)
		return nil
	})
	return out, err
}

func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*Event, error) {
	return parseSignedEvent(payload, signature, g.webhookSecret)
}

// ListEvents pages through the provider's event log. Stripe keeps 30 days
// and lists newest first.
func (g *StripeGateway) ListEvents(ctx context.Context, since time.Time) ([]*Event, error) {
	var out []*Event
	err := g.call(ctx, "list_events", func(ctx context.Context) error {
		out = out[:0]
		params := &stripe.EventListParams{
			CreatedRange: &stripe.RangeQueryParams{GreaterThanOrEqual: since.Unix()},
			Types:        stripe.StringSlice(replayEventTypes),
		}
		params.Context = ctx
		it := g.api.Events.List(params)
		for it.Next() {
			raw := it.Event()
			ev, err := eventFromStripe(raw)
			if err != nil {
				g.logger.Warn("skipping undecodable provider event", "event_id", raw.ID, "type", raw.Type, "error", err)
				continue
			}
			out = append(out, ev)
		}
		return it.Err()
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// call runs one provider request behind the circuit breaker with the
// configured deadline, and converts any failure into a provider error.
func (g *StripeGateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !g.breaker.Allow(stripeBreakerKey) {
		metrics.ProviderErrorsTotal.WithLabelValues(op).Inc()
		return apperr.Provider(op, ErrProviderUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	ctx, span := traces.StartSpan(ctx, "stripe."+op)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metrics.ObserveProviderCall(op, start, err)
	traces.RecordError(span, err)

	if err == nil {
		g.breaker.RecordSuccess(stripeBreakerKey)
		return nil
	}
	if tripsBreaker(err) {
		g.breaker.RecordFailure(stripeBreakerKey)
	} else {
		g.breaker.RecordSuccess(stripeBreakerKey)
	}
	g.logger.Warn("payment provider call failed", "operation", op, "error", err)
	return apperr.Provider(op, providerCause(err))
}

// tripsBreaker is true for outages (network, 429, 5xx), not for requests
// the provider rejected on their merits.
func tripsBreaker(err error) bool {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return true
	}
	return se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500
}

// providerCause strips the stripe error type so it never leaves this package.
func providerCause(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.Msg != "" {
		return errors.New(se.Msg)
	}
	return errors.New(err.Error())
}

var _ Gateway = (*StripeGateway)(nil)
