package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/logging"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedSubscription(t *testing.T, store Store, ref string, status Status) *Subscription {
	t.Helper()
	sub := &Subscription{
		ID:                   "local_" + ref,
		OrganizationID:       "org_" + ref,
		PlanID:               "plan_pro",
		StripeSubscriptionID: ref,
		Status:               status,
		CreatedAt:            t0.Add(-time.Hour),
		UpdatedAt:            t0.Add(-time.Hour),
	}
	require.NoError(t, store.CreateSubscription(context.Background(), sub))
	return sub
}

func newTestReconciler(store Store) *Reconciler {
	r := NewReconciler(store, logging.Discard())
	r.now = func() time.Time { return t0.Add(24 * time.Hour) }
	return r
}

func snapshot(id, ref string, status Status, at time.Time) *Event {
	start := at.Truncate(time.Hour)
	end := start.AddDate(0, 1, 0)
	return &Event{
		ID:        id,
		Type:      "customer.subscription.updated",
		CreatedAt: at,
		Subscription: &RemoteSubscription{
			ID:                 ref,
			Status:             status,
			CurrentPeriodStart: &start,
			CurrentPeriodEnd:   &end,
		},
	}
}

func invoiceEvent(id, eventType, ref string, at time.Time) *Event {
	return &Event{ID: id, Type: eventType, CreatedAt: at, Invoice: &RemoteInvoice{ID: "in_" + id, SubscriptionRef: ref}}
}

func current(t *testing.T, store Store, ref string) *Subscription {
	t.Helper()
	sub, err := store.GetSubscriptionByExternalID(context.Background(), ref)
	require.NoError(t, err)
	return sub
}

func TestReconciler_SnapshotOverwrites(t *testing.T) {
	store := NewMemoryStore()
	seedSubscription(t, store, "sub_1", StatusIncomplete)
	r := newTestReconciler(store)

	ev := snapshot("evt_1", "sub_1", StatusActive, t0)
	ev.Subscription.CancelAtPeriodEnd = true
	require.NoError(t, r.HandleEvent(context.Background(), ev))

	sub := current(t, store, "sub_1")
	assert.Equal(t, StatusActive, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, sub.CurrentPeriodEnd.Equal(*ev.Subscription.CurrentPeriodEnd))
	require.NotNil(t, sub.LastEventAt)
	assert.True(t, sub.LastEventAt.Equal(t0))
}

func TestReconciler_DuplicateIsNoOp(t *testing.T) {
	store := NewMemoryStore()
	seedSubscription(t, store, "sub_1", StatusIncomplete)
	r := newTestReconciler(store)
	ctx := context.Background()

	ev := snapshot("evt_1", "sub_1", StatusActive, t0)
	require.NoError(t, r.HandleEvent(ctx, ev))
	first := current(t, store, "sub_1")

	r.now = func() time.Time { return t0.Add(48 * time.Hour) }
	require.NoError(t, r.HandleEvent(ctx, ev))
	second := current(t, store, "sub_1")

	assert.Equal(t, first, second)
}

func TestReconciler_OrderIndependent(t *testing.T) {
	events := []*Event{
		snapshot("evt_a", "sub_1", StatusTrialing, t0),
		snapshot("evt_b", "sub_1", StatusActive, t0.Add(time.Minute)),
		snapshot("evt_c", "sub_1", StatusPastDue, t0.Add(2*time.Minute)),
	}
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}, {2, 0, 1}}

	var results []*Subscription
	for _, order := range orders {
		store := NewMemoryStore()
		seedSubscription(t, store, "sub_1", StatusIncomplete)
		r := newTestReconciler(store)
		for _, i := range order {
			require.NoError(t, r.HandleEvent(context.Background(), events[i]))
		}
		results = append(results, current(t, store, "sub_1"))
	}

	for i, got := range results {
		assert.Equal(t, StatusPastDue, got.Status, "order %v", orders[i])
		assert.True(t, got.LastEventAt.Equal(t0.Add(2*time.Minute)), "order %v", orders[i])
	}
}

func TestReconciler_StaleSnapshotDropped(t *testing.T) {
	store := NewMemoryStore()
	seedSubscription(t, store, "sub_1", StatusIncomplete)
	r := newTestReconciler(store)
	ctx := context.Background()

	require.NoError(t, r.HandleEvent(ctx, snapshot("evt_new", "sub_1", StatusActive, t0.Add(time.Hour))))
	require.NoError(t, r.HandleEvent(ctx, snapshot("evt_old", "sub_1", StatusIncomplete, t0)))

	assert.Equal(t, StatusActive, current(t, store, "sub_1").Status)
}

func TestReconciler_CanceledIsTerminal(t *testing.T) {
	store := NewMemoryStore()
	seedSubscription(t, store, "sub_1", StatusActive)
	r := newTestReconciler(store)
	ctx := context.Background()

	canceled := snapshot("evt_1", "sub_1", StatusCanceled, t0)
	canceledAt := t0
	canceled.Subscription.CanceledAt = &canceledAt
	require.NoError(t, r.HandleEvent(ctx, canceled))

	require.NoError(t, r.HandleEvent(ctx, snapshot("evt_2", "sub_1", StatusActive, t0.Add(time.Hour))))
	require.NoError(t, r.HandleEvent(ctx, invoiceEvent("evt_3", EventInvoicePaid, "sub_1", t0.Add(2*time.Hour))))

	sub := current(t, store, "sub_1")
	assert.Equal(t, StatusCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)
	assert.True(t, sub.CanceledAt.Equal(canceledAt))
}

func TestReconciler_CanceledAtKeptWhenAbsent(t *testing.T) {
	store := NewMemoryStore()
	seedSubscription(t, store, "sub_1", StatusActive)
	r := newTestReconciler(store)
	ctx := context.Background()

	withCancel := snapshot("evt_1", "sub_1", StatusActive, t0)
	stamp := t0.Add(-time.Minute)
	withCancel.Subscription.CanceledAt = &stamp
	withCancel.Subscription.CancelAtPeriodEnd = true
	require.NoError(t, r.HandleEvent(ctx, withCancel))

	require.NoError(t, r.HandleEvent(ctx, snapshot("evt_2", "sub_1", StatusActive, t0.Add(time.Minute))))

	sub := current(t, store, "sub_1")
	require.NotNil(t, sub.CanceledAt)
	assert.True(t, sub.CanceledAt.Equal(stamp))
	assert.False(t, sub.CancelAtPeriodEnd)
}

func TestReconciler_UnknownReferenceIsNoOp(t *testing.T) {
	store := NewMemoryStore()
	r := newTestReconciler(store)

	assert.NoError(t, r.HandleEvent(context.Background(), snapshot("evt_1", "sub_missing", StatusActive, t0)))
	assert.NoError(t, r.HandleEvent(context.Background(), invoiceEvent("evt_2", EventInvoicePaid, "sub_missing", t0)))
}

func TestReconciler_UnexpectedTransitionStillApplied(t *testing.T) {
	store := NewMemoryStore()
	seedSubscription(t, store, "sub_1", StatusUnpaid)
	r := newTestReconciler(store)

	require.NoError(t, r.HandleEvent(context.Background(), snapshot("evt_1", "sub_1", StatusActive, t0)))
	assert.Equal(t, StatusActive, current(t, store, "sub_1").Status)
}

func TestReconciler_InvoiceRatchets(t *testing.T) {
	tests := []struct {
		name      string
		start     Status
		eventType string
		want      Status
	}{
		{"paid activates incomplete", StatusIncomplete, EventInvoicePaid, StatusActive},
		{"paid recovers past_due", StatusPastDue, EventInvoicePaid, StatusActive},
		{"paid leaves trialing", StatusTrialing, EventInvoicePaid, StatusTrialing},
		{"paid leaves unpaid", StatusUnpaid, EventInvoicePaid, StatusUnpaid},
		{"failure demotes active", StatusActive, EventInvoicePaymentFailed, StatusPastDue},
		{"failure leaves trialing", StatusTrialing, EventInvoicePaymentFailed, StatusTrialing},
		{"failure leaves incomplete", StatusIncomplete, EventInvoicePaymentFailed, StatusIncomplete},
		{"action required only logs", StatusIncomplete, EventInvoicePaymentActionRequired, StatusIncomplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			seedSubscription(t, store, "sub_1", tt.start)
			before := current(t, store, "sub_1")
			r := newTestReconciler(store)

			require.NoError(t, r.HandleEvent(context.Background(), invoiceEvent("evt_1", tt.eventType, "sub_1", t0)))

			after := current(t, store, "sub_1")
			assert.Equal(t, tt.want, after.Status)
			if tt.want == tt.start {
				assert.Equal(t, before, after, "no-op must not write")
			}
		})
	}
}

func TestReconciler_InvoiceWithoutSubscription(t *testing.T) {
	store := NewMemoryStore()
	seedSubscription(t, store, "sub_1", StatusIncomplete)
	r := newTestReconciler(store)

	require.NoError(t, r.HandleEvent(context.Background(), invoiceEvent("evt_1", EventInvoicePaid, "", t0)))
	assert.Equal(t, StatusIncomplete, current(t, store, "sub_1").Status)
}

func TestReconciler_StaleInvoiceDropped(t *testing.T) {
	store := NewMemoryStore()
	seedSubscription(t, store, "sub_1", StatusIncomplete)
	r := newTestReconciler(store)
	ctx := context.Background()

	require.NoError(t, r.HandleEvent(ctx, snapshot("evt_1", "sub_1", StatusActive, t0.Add(time.Hour))))
	require.NoError(t, r.HandleEvent(ctx, invoiceEvent("evt_2", EventInvoicePaymentFailed, "sub_1", t0)))

	assert.Equal(t, StatusActive, current(t, store, "sub_1").Status)
}

func TestReconciler_UnhandledTypeIgnored(t *testing.T) {
	r := newTestReconciler(NewMemoryStore())
	assert.NoError(t, r.HandleEvent(context.Background(), &Event{ID: "evt_1", Type: "charge.refunded", CreatedAt: t0}))
}

// flakyStore fails mutations for selected refs.
type flakyStore struct {
	*MemoryStore
	failRef   string
	err       error
	failTimes int
	calls     int
}

func (f *flakyStore) MutateSubscriptionByExternalID(ctx context.Context, ref string, fn MutateFunc) (*Subscription, error) {
	if ref == f.failRef {
		f.calls++
		if f.failTimes < 0 || f.calls <= f.failTimes {
			return nil, f.err
		}
	}
	return f.MemoryStore.MutateSubscriptionByExternalID(ctx, ref, fn)
}

func TestReconciler_RetriesTxConflicts(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failRef: "sub_1", err: ErrTxConflict, failTimes: 2}
	seedSubscription(t, store, "sub_1", StatusIncomplete)
	r := newTestReconciler(store)

	require.NoError(t, r.HandleEvent(context.Background(), snapshot("evt_1", "sub_1", StatusActive, t0)))
	assert.Equal(t, 3, store.calls)
	assert.Equal(t, StatusActive, current(t, store, "sub_1").Status)
}

func TestReconciler_StoreFailureSurfaces(t *testing.T) {
	boom := errors.New("connection refused")
	store := &flakyStore{MemoryStore: NewMemoryStore(), failRef: "sub_1", err: boom, failTimes: -1}
	seedSubscription(t, store, "sub_1", StatusIncomplete)
	r := newTestReconciler(store)

	err := r.HandleEvent(context.Background(), snapshot("evt_1", "sub_1", StatusActive, t0))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, store.calls, "non-conflict errors are not retried")
	assert.Equal(t, StatusIncomplete, current(t, store, "sub_1").Status)
}

func TestReconciler_HandleBatchIsolatesFailures(t *testing.T) {
	boom := errors.New("disk full")
	store := &flakyStore{MemoryStore: NewMemoryStore(), failRef: "sub_bad", err: boom, failTimes: -1}
	seedSubscription(t, store, "sub_good", StatusIncomplete)
	seedSubscription(t, store, "sub_bad", StatusIncomplete)
	r := newTestReconciler(store)

	errs := r.HandleBatch(context.Background(), []*Event{
		snapshot("evt_1", "sub_bad", StatusActive, t0),
		snapshot("evt_2", "sub_good", StatusActive, t0),
	})

	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], boom)
	assert.NoError(t, errs[1])
	assert.Equal(t, StatusActive, current(t, store, "sub_good").Status)
}

type eventLog []*Event

func (l eventLog) ListEvents(_ context.Context, since time.Time) ([]*Event, error) {
	var out []*Event
	for _, ev := range l {
		if !ev.CreatedAt.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func TestReconciler_ReplayReportsFailuresAndContinues(t *testing.T) {
	boom := errors.New("disk full")
	store := &flakyStore{MemoryStore: NewMemoryStore(), failRef: "sub_bad", err: boom, failTimes: -1}
	seedSubscription(t, store, "sub_good", StatusIncomplete)
	seedSubscription(t, store, "sub_bad", StatusIncomplete)
	r := newTestReconciler(store)

	log := eventLog{
		snapshot("evt_0", "sub_good", StatusPastDue, t0.Add(-time.Hour)),
		snapshot("evt_1", "sub_bad", StatusActive, t0),
		snapshot("evt_2", "sub_good", StatusActive, t0.Add(time.Minute)),
	}
	res, err := r.Replay(context.Background(), log, t0)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Events, "events before the window are not fetched")
	assert.Equal(t, []string{"evt_1"}, res.Failed)
	assert.Equal(t, StatusActive, current(t, store, "sub_good").Status)
}

// seedSecondLiveCandidate leaves org_dup with sub_live active and sub_late
// incomplete, the state an out-of-band provider subscription produces.
func seedSecondLiveCandidate(t *testing.T, store *MemoryStore) {
	t.Helper()
	ctx := context.Background()
	for _, sub := range []*Subscription{
		{ID: "live", OrganizationID: "org_dup", StripeSubscriptionID: "sub_live", Status: StatusCanceled, CreatedAt: t0, UpdatedAt: t0},
		{ID: "late", OrganizationID: "org_dup", StripeSubscriptionID: "sub_late", Status: StatusIncomplete, CreatedAt: t0, UpdatedAt: t0},
	} {
		require.NoError(t, store.CreateSubscription(ctx, sub))
	}
	_, err := store.MutateSubscription(ctx, "live", func(s *Subscription) (bool, error) {
		s.Status = StatusActive
		return true, nil
	})
	require.NoError(t, err)
}

func TestReconciler_PaidInvoiceRefusesSecondLive(t *testing.T) {
	store := NewMemoryStore()
	seedSecondLiveCandidate(t, store)
	r := newTestReconciler(store)

	require.NoError(t, r.HandleEvent(context.Background(), invoiceEvent("evt_paid", EventInvoicePaid, "sub_late", t0)))

	late := current(t, store, "sub_late")
	assert.Equal(t, StatusIncomplete, late.Status)
	assert.Nil(t, late.LastEventAt)
	assert.Equal(t, StatusActive, current(t, store, "sub_live").Status)
}

func TestReconciler_SnapshotRefusesSecondLive(t *testing.T) {
	store := NewMemoryStore()
	seedSecondLiveCandidate(t, store)
	r := newTestReconciler(store)

	err := r.HandleEvent(context.Background(), snapshot("evt_1", "sub_late", StatusActive, t0))
	require.NoError(t, err, "refused events are acknowledged, not retried")
	assert.Equal(t, StatusIncomplete, current(t, store, "sub_late").Status)

	require.NoError(t, r.HandleEvent(context.Background(), snapshot("evt_2", "sub_late", StatusIncompleteExpired, t0.Add(time.Minute))))
	assert.Equal(t, StatusIncompleteExpired, current(t, store, "sub_late").Status)
}
