package billing

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/apperr"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/logging"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/metrics"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/retry"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/traces"
)

// Outcome describes what handling one event did to local state.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeStale      Outcome = "stale"
	OutcomeTerminal   Outcome = "terminal"
	OutcomeUnknownRef Outcome = "unknown_ref"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeConflict   Outcome = "conflict"
	OutcomeFailed     Outcome = "failed"
)

// Reconciler applies verified provider events to local subscriptions.
//
// Every subscription row carries the provider timestamp of the newest event
// applied to it. Events older than that are dropped, events with the same
// timestamp re-apply to the same result, so delivery order and duplicates
// do not matter. A canceled subscription never leaves canceled.
type Reconciler struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewReconciler creates a reconciler over store.
func NewReconciler(store Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger, now: time.Now}
}

// HandleEvent applies one event. A nil error means the event is done with,
// including events that were deliberately ignored. A non-nil error means
// nothing was written and the delivery should be retried.
func (r *Reconciler) HandleEvent(ctx context.Context, ev *Event) error {
	ctx, span := traces.StartSpan(ctx, "billing.reconcile", traces.EventType(ev.Type), traces.EventID(ev.ID))
	defer span.End()

	var (
		outcome Outcome
		err     error
	)
	switch {
	case strings.HasPrefix(ev.Type, eventPrefixSubscription) && ev.Subscription != nil:
		span.SetAttributes(traces.ExternalRef(ev.Subscription.ID))
		outcome, err = r.withTxRetry(ctx, func() (Outcome, error) { return r.applySnapshot(ctx, ev) })
	case strings.HasPrefix(ev.Type, eventPrefixInvoice) && ev.Invoice != nil:
		outcome, err = r.withTxRetry(ctx, func() (Outcome, error) { return r.applyInvoice(ctx, ev) })
	default:
		outcome = OutcomeIgnored
		r.log(ctx).Info("unhandled billing event type", "event_id", ev.ID, "type", ev.Type)
	}

	if err != nil {
		outcome = OutcomeFailed
		traces.RecordError(span, err)
		r.log(ctx).Error("billing event failed", "event_id", ev.ID, "type", ev.Type, "error", err)
	}
	metrics.WebhookEventsTotal.WithLabelValues(ev.Type, string(outcome)).Inc()
	return err
}

// HandleBatch applies events independently. errs[i] belongs to events[i].
func (r *Reconciler) HandleBatch(ctx context.Context, events []*Event) []error {
	errs := make([]error, len(events))
	for i, ev := range events {
		errs[i] = r.HandleEvent(ctx, ev)
	}
	return errs
}

// EventLister lists past provider events. Gateway satisfies it.
type EventLister interface {
	ListEvents(ctx context.Context, since time.Time) ([]*Event, error)
}

// ReplayResult summarizes one replay run.
type ReplayResult struct {
	Since  time.Time `json:"since"`
	Events int       `json:"events"`
	Failed []string  `json:"failed_event_ids"`
}

// Replay applies every provider event created at or after since, oldest
// first. Already-applied events are stale or unchanged, so replaying an
// overlapping window is harmless.
func (r *Reconciler) Replay(ctx context.Context, src EventLister, since time.Time) (*ReplayResult, error) {
	events, err := src.ListEvents(ctx, since)
	if err != nil {
		return nil, err
	}
	res := &ReplayResult{Since: since, Events: len(events), Failed: []string{}}
	for i, err := range r.HandleBatch(ctx, events) {
		if err != nil {
			res.Failed = append(res.Failed, events[i].ID)
		}
	}
	r.log(ctx).Info("provider events replayed", "since", since, "events", res.Events, "failed", len(res.Failed))
	return res, nil
}

func (r *Reconciler) withTxRetry(ctx context.Context, fn func() (Outcome, error)) (Outcome, error) {
	var outcome Outcome
	err := retry.Do(ctx, txRetry, func() error {
		var err error
		outcome, err = fn()
		return err
	})
	return outcome, err
}

var txRetry = retry.Policy{
	Attempts:  3,
	BaseDelay: 50 * time.Millisecond,
	Retryable: func(err error) bool { return errors.Is(err, ErrTxConflict) },
}

// applySnapshot overwrites local state with a customer.subscription.* payload.
func (r *Reconciler) applySnapshot(ctx context.Context, ev *Event) (Outcome, error) {
	remote := ev.Subscription
	at := ev.CreatedAt
	outcome := OutcomeUnchanged
	var from Status

	_, err := r.store.MutateSubscriptionByExternalID(ctx, remote.ID, func(sub *Subscription) (bool, error) {
		if sub.LastEventAt != nil && at.Before(*sub.LastEventAt) {
			outcome = OutcomeStale
			return false, nil
		}
		if sub.Status.IsTerminal() && remote.Status != sub.Status {
			outcome = OutcomeTerminal
			return false, nil
		}

		from = sub.Status
		changed := sub.Status != remote.Status ||
			!sameTime(sub.CurrentPeriodStart, remote.CurrentPeriodStart) ||
			!sameTime(sub.CurrentPeriodEnd, remote.CurrentPeriodEnd) ||
			sub.CancelAtPeriodEnd != remote.CancelAtPeriodEnd ||
			(remote.CanceledAt != nil && !sameTime(sub.CanceledAt, remote.CanceledAt))
		advanced := sub.LastEventAt == nil || at.After(*sub.LastEventAt)
		if !changed && !advanced {
			return false, nil
		}

		if changed {
			sub.Status = remote.Status
			sub.CurrentPeriodStart = remote.CurrentPeriodStart
			sub.CurrentPeriodEnd = remote.CurrentPeriodEnd
			sub.CancelAtPeriodEnd = remote.CancelAtPeriodEnd
			if remote.CanceledAt != nil {
				sub.CanceledAt = remote.CanceledAt
			}
			sub.UpdatedAt = r.now()
			outcome = OutcomeApplied
		}
		sub.LastEventAt = timePtr(at)
		return true, nil
	})
	if errors.Is(err, ErrSubscriptionNotFound) {
		r.log(ctx).Info("billing event for unknown subscription", "event_id", ev.ID, "type", ev.Type, "external_ref", remote.ID)
		return OutcomeUnknownRef, nil
	}
	if errors.Is(err, ErrLiveSubscriptionExists) {
		r.secondLive(ctx, ev, remote.ID, remote.Status)
		return OutcomeConflict, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}

	switch outcome {
	case OutcomeApplied:
		r.recordTransition(ctx, ev, remote.ID, from, remote.Status)
	case OutcomeStale:
		r.log(ctx).Debug("stale billing event dropped", "event_id", ev.ID, "external_ref", remote.ID)
	case OutcomeTerminal:
		r.log(ctx).Warn("billing event would reopen a canceled subscription",
			"event_id", ev.ID, "external_ref", remote.ID, "reported_status", remote.Status)
	}
	return outcome, nil
}

// applyInvoice ratchets status on payment outcomes. Only two moves exist:
// paid lifts incomplete or past_due to active, a failed payment drops
// active to past_due. Everything else leaves the row untouched.
func (r *Reconciler) applyInvoice(ctx context.Context, ev *Event) (Outcome, error) {
	ref := ev.Invoice.SubscriptionRef
	if ref == "" {
		r.log(ctx).Debug("invoice event without subscription", "event_id", ev.ID, "type", ev.Type)
		return OutcomeIgnored, nil
	}
	if ev.Type == EventInvoicePaymentActionRequired {
		r.log(ctx).Info("payment action required", "event_id", ev.ID, "external_ref", ref)
		return OutcomeIgnored, nil
	}
	if ev.Type != EventInvoicePaid && ev.Type != EventInvoicePaymentFailed {
		return OutcomeIgnored, nil
	}

	at := ev.CreatedAt
	outcome := OutcomeUnchanged
	var from, to Status

	_, err := r.store.MutateSubscriptionByExternalID(ctx, ref, func(sub *Subscription) (bool, error) {
		if sub.LastEventAt != nil && at.Before(*sub.LastEventAt) {
			outcome = OutcomeStale
			return false, nil
		}
		next, ok := invoiceRatchet(ev.Type, sub.Status)
		if !ok {
			return false, nil
		}
		if next.IsLive() {
			live, err := r.store.LiveSubscription(ctx, sub.OrganizationID)
			switch {
			case err == nil && live.ID != sub.ID:
				outcome = OutcomeConflict
				return false, nil
			case err != nil && !errors.Is(err, ErrSubscriptionNotFound):
				return false, err
			}
		}
		from, to = sub.Status, next
		sub.Status = next
		sub.LastEventAt = timePtr(at)
		sub.UpdatedAt = r.now()
		outcome = OutcomeApplied
		return true, nil
	})
	if errors.Is(err, ErrSubscriptionNotFound) {
		r.log(ctx).Info("invoice event for unknown subscription", "event_id", ev.ID, "type", ev.Type, "external_ref", ref)
		return OutcomeUnknownRef, nil
	}
	if errors.Is(err, ErrLiveSubscriptionExists) {
		outcome = OutcomeConflict
	} else if err != nil {
		return OutcomeFailed, err
	}
	if outcome == OutcomeConflict {
		r.secondLive(ctx, ev, ref, StatusActive)
		return outcome, nil
	}

	if outcome == OutcomeApplied {
		r.recordTransition(ctx, ev, ref, from, to)
	}
	return outcome, nil
}

func invoiceRatchet(eventType string, current Status) (Status, bool) {
	switch eventType {
	case EventInvoicePaid:
		if current == StatusIncomplete || current == StatusPastDue {
			return StatusActive, true
		}
	case EventInvoicePaymentFailed:
		if current == StatusActive {
			return StatusPastDue, true
		}
	}
	return "", false
}

func (r *Reconciler) recordTransition(ctx context.Context, ev *Event, ref string, from, to Status) {
	if from == to {
		return
	}
	metrics.SubscriptionTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	if !CanTransition(from, to) {
		metrics.UnexpectedTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		r.log(ctx).Warn("unexpected subscription transition applied",
			"event_id", ev.ID, "external_ref", ref, "from", from, "to", to)
		return
	}
	r.log(ctx).Info("subscription status changed",
		"event_id", ev.ID, "external_ref", ref, "from", from, "to", to)
}

// secondLive records an event that would have given an organization a
// second live subscription. The row is left as it was.
func (r *Reconciler) secondLive(ctx context.Context, ev *Event, ref string, to Status) {
	err := apperr.Invariant("event %s would make %s a second live subscription", ev.ID, ref)
	metrics.InvariantViolationsTotal.WithLabelValues("reconciler").Inc()
	r.log(ctx).Error("billing event refused", "event_id", ev.ID, "type", ev.Type,
		"external_ref", ref, "reported_status", to, "error", err)
}

func (r *Reconciler) log(ctx context.Context) *slog.Logger {
	if logging.RequestID(ctx) != "" {
		return r.logger.With("request_id", logging.RequestID(ctx))
	}
	return r.logger
}
