//go:build integration

package billing_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/auth"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/billing"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/logging"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/project"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/tenant"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/testutil"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, db *sql.DB) *billing.PostgresStore {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, auth.NewPostgresStore(db).Create(ctx, &auth.User{
		ID: "u1", Email: "owner@acme.test", PasswordHash: "x", IsActive: true, CreatedAt: t0, UpdatedAt: t0,
	}))
	require.NoError(t, tenant.NewPostgresStore(db).CreateWithOwner(ctx,
		&tenant.Organization{ID: "org1", Name: "Acme", Slug: "acme", OwnerID: "u1", IsActive: true, CreatedAt: t0, UpdatedAt: t0},
		&tenant.Membership{ID: "m1", OrganizationID: "org1", UserID: "u1", Role: tenant.RoleOwner, JoinedAt: t0},
	))

	store := billing.NewPostgresStore(db)
	maxUsers := 5
	require.NoError(t, store.CreatePlan(ctx, &billing.Plan{
		ID: "plan_pro", Name: "Pro", Slug: "pro", PriceAmount: 4900, Currency: "usd",
		Interval: billing.IntervalMonth, MaxUsers: &maxUsers, Features: []string{"sso"},
		IsActive: true, CreatedAt: t0, UpdatedAt: t0,
	}))
	require.NoError(t, store.CreateSubscription(ctx, &billing.Subscription{
		ID: "sub1", OrganizationID: "org1", PlanID: "plan_pro", StripeSubscriptionID: "sub_ext_1",
		Status: billing.StatusIncomplete, CreatedAt: t0, UpdatedAt: t0,
	}))
	return store
}

func snapshot(id string, at time.Time, status billing.Status) *billing.Event {
	return &billing.Event{
		ID: id, Type: "customer.subscription.updated", CreatedAt: at,
		Subscription: &billing.RemoteSubscription{ID: "sub_ext_1", Status: status},
	}
}

func TestPostgres_ReconcilerIsOrderTolerant(t *testing.T) {
	db := testutil.PGTest(t)
	store := seed(t, db)
	ctx := context.Background()
	r := billing.NewReconciler(store, logging.Discard())

	newer := snapshot("evt_2", t0.Add(2*time.Minute), billing.StatusPastDue)
	older := snapshot("evt_1", t0.Add(time.Minute), billing.StatusActive)

	require.NoError(t, r.HandleEvent(ctx, newer))
	require.NoError(t, r.HandleEvent(ctx, older))
	require.NoError(t, r.HandleEvent(ctx, newer))

	sub, err := store.GetSubscription(ctx, "sub1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPastDue, sub.Status)
	require.NotNil(t, sub.LastEventAt)
	assert.True(t, sub.LastEventAt.Equal(newer.CreatedAt))
}

func TestPostgres_ConcurrentDeliveriesConverge(t *testing.T) {
	db := testutil.PGTest(t)
	store := seed(t, db)
	ctx := context.Background()
	r := billing.NewReconciler(store, logging.Discard())

	events := []*billing.Event{
		snapshot("evt_1", t0.Add(1*time.Minute), billing.StatusActive),
		snapshot("evt_2", t0.Add(2*time.Minute), billing.StatusPastDue),
		snapshot("evt_3", t0.Add(3*time.Minute), billing.StatusActive),
	}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for _, ev := range events {
			wg.Add(1)
			go func(ev *billing.Event) {
				defer wg.Done()
				_ = r.HandleEvent(ctx, ev)
			}(ev)
		}
	}
	wg.Wait()

	sub, err := store.GetSubscription(ctx, "sub1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, sub.Status)
	assert.True(t, sub.LastEventAt.Equal(events[2].CreatedAt))
}

func TestPostgres_OneLiveSubscriptionPerOrganization(t *testing.T) {
	db := testutil.PGTest(t)
	store := seed(t, db)
	ctx := context.Background()

	err := store.CreateSubscription(ctx, &billing.Subscription{
		ID: "sub2", OrganizationID: "org1", PlanID: "plan_pro", Status: billing.StatusTrialing, CreatedAt: t0, UpdatedAt: t0,
	})
	require.ErrorIs(t, err, billing.ErrPendingSubscription)
	_, err = store.MutateSubscription(ctx, "sub1", func(sub *billing.Subscription) (bool, error) {
		sub.Status = billing.StatusIncompleteExpired
		return true, nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.CreateSubscription(ctx, &billing.Subscription{
				ID: "live" + string(rune('a'+i)), OrganizationID: "org1", PlanID: "plan_pro",
				Status: billing.StatusTrialing, CreatedAt: t0, UpdatedAt: t0,
			})
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
		}
	}
	assert.Equal(t, 1, created)

	live, err := store.LiveSubscription(ctx, "org1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusTrialing, live.Status)
}

func TestPostgres_OrganizationDeleteCascades(t *testing.T) {
	db := testutil.PGTest(t)
	store := seed(t, db)
	ctx := context.Background()

	projects := project.NewPostgresStore(db)
	require.NoError(t, projects.Create(ctx, &project.Project{
		ID: "p1", OrganizationID: "org1", Name: "Web", CreatedBy: "u1", CreatedAt: t0, UpdatedAt: t0,
	}))
	assert.ErrorIs(t, projects.Create(ctx, &project.Project{
		ID: "p2", OrganizationID: "org1", Name: "WEB", CreatedBy: "u1", CreatedAt: t0, UpdatedAt: t0,
	}), project.ErrNameTaken)

	require.NoError(t, tenant.NewPostgresStore(db).Delete(ctx, "org1"))

	_, err := store.GetSubscription(ctx, "sub1")
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	n, err := projects.CountProjects(ctx, "org1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPostgres_IndexRejectsSecondLive(t *testing.T) {
	db := testutil.PGTest(t)
	store := seed(t, db)
	ctx := context.Background()

	// A canceled row skips the purchase check; reviving it must still hit the index.
	require.NoError(t, store.CreateSubscription(ctx, &billing.Subscription{
		ID: "sub_old", OrganizationID: "org1", PlanID: "plan_pro", StripeSubscriptionID: "sub_ext_old",
		Status: billing.StatusCanceled, CreatedAt: t0, UpdatedAt: t0,
	}))
	r := billing.NewReconciler(store, logging.Discard())
	require.NoError(t, r.HandleEvent(ctx, snapshot("evt_1", t0.Add(time.Minute), billing.StatusActive)))

	_, err := store.MutateSubscription(ctx, "sub_old", func(sub *billing.Subscription) (bool, error) {
		sub.Status = billing.StatusActive
		return true, nil
	})
	assert.ErrorIs(t, err, billing.ErrLiveSubscriptionExists)

	old, err := store.GetSubscription(ctx, "sub_old")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, old.Status)
}
