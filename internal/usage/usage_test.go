package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/apperr"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/billing"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/logging"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/metrics"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/tenant"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type projectCount int

func (p *projectCount) CountProjects(context.Context, string) (int, error) { return int(*p), nil }

type fixture struct {
	engine   *Engine
	billing  *billing.MemoryStore
	orgs     *tenant.MemoryStore
	projects *projectCount
	orgID    string
}

func newFixture(t *testing.T, members int) *fixture {
	t.Helper()
	ctx := context.Background()
	orgs := tenant.NewMemoryStore()
	org := &tenant.Organization{ID: "org_1", Name: "Acme", Slug: "acme", OwnerID: "u0", IsActive: true}
	require.NoError(t, orgs.CreateWithOwner(ctx, org, &tenant.Membership{ID: "m0", OrganizationID: org.ID, UserID: "u0", Role: tenant.RoleOwner}))
	for i := 1; i < members; i++ {
		id := string(rune('a' + i))
		require.NoError(t, orgs.AddMember(ctx, &tenant.Membership{ID: "m" + id, OrganizationID: org.ID, UserID: "u" + id, Role: tenant.RoleMember}))
	}

	store := billing.NewMemoryStore()
	var projects projectCount
	return &fixture{
		engine:   NewEngine(store, orgs, &projects, logging.Discard()),
		billing:  store,
		orgs:     orgs,
		projects: &projects,
		orgID:    org.ID,
	}
}

func (f *fixture) subscribe(t *testing.T, id string, plan *billing.Plan, status billing.Status, created time.Time) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.billing.GetPlan(ctx, plan.ID); err != nil {
		require.NoError(t, f.billing.CreatePlan(ctx, plan))
	}
	require.NoError(t, f.billing.CreateSubscription(ctx, &billing.Subscription{
		ID: id, OrganizationID: f.orgID, PlanID: plan.ID, StripeSubscriptionID: "sub_" + id,
		Status: status, CreatedAt: created, UpdatedAt: created,
	}))
}

func intp(v int) *int { return &v }

func TestEvaluate(t *testing.T) {
	pro := &billing.Plan{Name: "Pro", MaxUsers: intp(5), MaxProjects: nil}
	zero := &billing.Plan{Name: "Closed", MaxUsers: intp(0)}

	tests := []struct {
		name          string
		plan          *billing.Plan
		resource      Resource
		current       int
		wantAllowed   bool
		wantLimit     *int
		wantRemaining *int
		wantPlan      string
	}{
		{"free tier empty", nil, ResourceProjects, 0, true, intp(1), intp(1), "Free"},
		{"free tier full", nil, ResourceUsers, 1, false, intp(1), intp(0), "Free"},
		{"free tier over", nil, ResourceUsers, 3, false, intp(1), intp(0), "Free"},
		{"under limit", pro, ResourceUsers, 4, true, intp(5), intp(1), "Pro"},
		{"at limit", pro, ResourceUsers, 5, false, intp(5), intp(0), "Pro"},
		{"unlimited", pro, ResourceProjects, 1000, true, nil, nil, "Pro"},
		{"zero ceiling", zero, ResourceUsers, 0, false, intp(0), intp(0), "Closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.plan, tt.resource, tt.current)
			assert.Equal(t, tt.wantAllowed, got.Allowed)
			assert.Equal(t, tt.current, got.CurrentCount)
			assert.Equal(t, tt.wantLimit, got.Limit)
			assert.Equal(t, tt.wantRemaining, got.Remaining)
			assert.Equal(t, tt.wantPlan, got.PlanName)
		})
	}
}

func TestEvaluate_DoesNotAliasPlan(t *testing.T) {
	plan := &billing.Plan{Name: "Pro", MaxUsers: intp(5)}
	got := Evaluate(plan, ResourceUsers, 0)
	*got.Limit = 99
	assert.Equal(t, 5, *plan.MaxUsers)
}

func TestEngine_EffectivePlan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	plan, err := f.engine.EffectivePlan(ctx, f.orgID)
	require.NoError(t, err)
	assert.Nil(t, plan, "no subscription is the free tier")

	basic := &billing.Plan{ID: "plan_basic", Name: "Basic", Slug: "basic", IsActive: true}
	f.subscribe(t, "s_incomplete", basic, billing.StatusIncomplete, t0)
	plan, err = f.engine.EffectivePlan(ctx, f.orgID)
	require.NoError(t, err)
	assert.Nil(t, plan, "incomplete subscriptions do not count")

	f.subscribe(t, "s_trial", basic, billing.StatusTrialing, t0.Add(time.Hour))
	plan, err = f.engine.EffectivePlan(ctx, f.orgID)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, "Basic", plan.Name)
}

func TestEngine_EffectivePlan_NewestLiveWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	// The store refuses two live subscriptions on create, so the second
	// one is promoted the way a webhook would.
	basic := &billing.Plan{ID: "plan_basic", Name: "Basic", Slug: "basic", IsActive: true}
	pro := &billing.Plan{ID: "plan_pro", Name: "Pro", Slug: "pro", IsActive: true}
	f.subscribe(t, "s_old", basic, billing.StatusActive, t0)
	f.subscribe(t, "s_new", pro, billing.StatusIncomplete, t0.Add(time.Hour))
	_, err := f.billing.MutateSubscription(ctx, "s_new", func(s *billing.Subscription) (bool, error) {
		s.Status = billing.StatusActive
		return true, nil
	})
	require.NoError(t, err)

	plan, err := f.engine.EffectivePlan(ctx, f.orgID)
	require.NoError(t, err)
	assert.Equal(t, "Pro", plan.Name)
}

func TestEngine_CanAddUnit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	ok, reason, err := f.engine.CanAddUnit(ctx, f.orgID, ResourceUsers)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "User limit reached (1/1). Please upgrade your plan.", reason)

	ok, reason, err = f.engine.CanAddUnit(ctx, f.orgID, ResourceProjects)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)

	*f.projects = 1
	ok, reason, err = f.engine.CanAddUnit(ctx, f.orgID, ResourceProjects)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "Project limit reached (1/1). Please upgrade your plan.", reason)

	team := &billing.Plan{ID: "plan_team", Name: "Team", Slug: "team", MaxUsers: intp(3), IsActive: true}
	f.subscribe(t, "s1", team, billing.StatusActive, t0)

	ok, _, err = f.engine.CanAddUnit(ctx, f.orgID, ResourceUsers)
	require.NoError(t, err)
	assert.True(t, ok)

	*f.projects = 500
	ok, _, err = f.engine.CanAddUnit(ctx, f.orgID, ResourceProjects)
	require.NoError(t, err)
	assert.True(t, ok, "nil ceiling is unlimited")
}

func TestEngine_DenialCountsMetric(t *testing.T) {
	f := newFixture(t, 2)
	before := testutil.ToFloat64(metrics.LimitDenialsTotal.WithLabelValues("users"))

	ok, _, err := f.engine.CanAddUnit(context.Background(), f.orgID, ResourceUsers)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.LimitDenialsTotal.WithLabelValues("users")))
}

func TestEngine_UnlimitedDenialIsInvariantViolation(t *testing.T) {
	f := newFixture(t, 1)
	before := testutil.ToFloat64(metrics.InvariantViolationsTotal.WithLabelValues("usage"))

	ok, reason, err := f.engine.admit(context.Background(), f.orgID, ResourceUsers,
		&LimitCheck{Allowed: false, CurrentCount: 3, PlanName: "Enterprise"})

	assert.False(t, ok, "never silently allow")
	assert.Empty(t, reason)
	assert.True(t, apperr.Is(err, apperr.KindInvariant))
	assert.Equal(t, "unable to determine user limit", err.Error())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.InvariantViolationsTotal.WithLabelValues("usage")))
}

type failingSubs struct{ err error }

func (f failingSubs) LiveSubscription(context.Context, string) (*billing.Subscription, error) {
	return nil, f.err
}

func (f failingSubs) GetPlan(context.Context, string) (*billing.Plan, error) { return nil, f.err }

func TestEngine_StoreErrorsSurface(t *testing.T) {
	boom := errors.New("connection reset")
	e := NewEngine(failingSubs{boom}, tenant.NewMemoryStore(), nil, logging.Discard())

	ok, _, err := e.AdmitMember(context.Background(), "org_1", 0)
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}

func TestEngine_UnknownResource(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.engine.CheckLimit(context.Background(), f.orgID, Resource("seats"))
	assert.ErrorIs(t, err, ErrUnknownResource)
}

func TestEngine_Summary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	s, err := f.engine.Summary(ctx, f.orgID)
	require.NoError(t, err)
	assert.False(t, s.Subscription.Active)
	assert.Nil(t, s.Subscription.Status)
	assert.Equal(t, "Free", s.Plan.Name)
	assert.Equal(t, "usd", s.Plan.Currency)
	assert.Nil(t, s.Plan.Interval)
	assert.Equal(t, 2, s.Usage[ResourceUsers].CurrentCount)
	assert.False(t, s.Usage[ResourceUsers].Allowed)

	end := t0.AddDate(0, 1, 0)
	pro := &billing.Plan{ID: "plan_pro", Name: "Pro", Slug: "pro", PriceAmount: 2900, Currency: "usd",
		Interval: billing.IntervalMonth, MaxUsers: intp(10), IsActive: true}
	require.NoError(t, f.billing.CreatePlan(ctx, pro))
	require.NoError(t, f.billing.CreateSubscription(ctx, &billing.Subscription{
		ID: "s1", OrganizationID: f.orgID, PlanID: pro.ID, Status: billing.StatusTrialing,
		CurrentPeriodEnd: &end, CreatedAt: t0, UpdatedAt: t0,
	}))

	s, err = f.engine.Summary(ctx, f.orgID)
	require.NoError(t, err)
	assert.True(t, s.Subscription.Active)
	require.NotNil(t, s.Subscription.Status)
	assert.Equal(t, billing.StatusTrialing, *s.Subscription.Status)
	assert.True(t, s.Subscription.CurrentPeriodEnd.Equal(end))
	assert.Equal(t, int64(2900), s.Plan.Price)
	require.NotNil(t, s.Plan.Interval)
	assert.Equal(t, billing.IntervalMonth, *s.Plan.Interval)
	assert.Equal(t, 8, *s.Usage[ResourceUsers].Remaining)
	assert.Nil(t, s.Usage[ResourceProjects].Limit)
}

// The engine plugs into member admission directly.
func TestEngine_GatesTenantMemberAdds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	var _ tenant.Admission = f.engine
	var _ tenant.UsageRecorder = f.engine

	ok, reason, err := f.engine.AdmitMember(ctx, f.orgID, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "User limit reached (1/1). Please upgrade your plan.", reason)

	ok, _, err = f.engine.AdmitProject(ctx, f.orgID, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	f.engine.RecordEvent(ctx, f.orgID, "user_added", "user_id", "u9")
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.UsageEventsTotal.WithLabelValues("user_added")), 1.0)
}
