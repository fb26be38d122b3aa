package project

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/apperr"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/billing"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/logging"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/tenant"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/usage"
)

type fixture struct {
	svc     *Service
	store   *MemoryStore
	billing *billing.MemoryStore
	orgID   string
}

// newFixture builds org "org_1" with owner, admin and member on the free
// tier, with the real usage engine gating creates.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	orgs := tenant.NewMemoryStore()
	org := &tenant.Organization{ID: "org_1", Name: "Acme", Slug: "acme", OwnerID: "owner", IsActive: true}
	require.NoError(t, orgs.CreateWithOwner(ctx, org, &tenant.Membership{ID: "m1", OrganizationID: org.ID, UserID: "owner", Role: tenant.RoleOwner}))
	require.NoError(t, orgs.AddMember(ctx, &tenant.Membership{ID: "m2", OrganizationID: org.ID, UserID: "admin", Role: tenant.RoleAdmin}))
	require.NoError(t, orgs.AddMember(ctx, &tenant.Membership{ID: "m3", OrganizationID: org.ID, UserID: "member", Role: tenant.RoleMember}))

	store := NewMemoryStore()
	subs := billing.NewMemoryStore()
	engine := usage.NewEngine(subs, orgs, store, logging.Discard())
	svc := NewService(store, tenant.NewGuard(orgs), engine, engine, logging.Discard())
	return &fixture{svc: svc, store: store, billing: subs, orgID: org.ID}
}

func (f *fixture) upgrade(t *testing.T, maxProjects *int) {
	t.Helper()
	ctx := context.Background()
	plan := &billing.Plan{ID: "plan_team", Name: "Team", Slug: "team", MaxProjects: maxProjects, IsActive: true}
	require.NoError(t, f.billing.CreatePlan(ctx, plan))
	require.NoError(t, f.billing.CreateSubscription(ctx, &billing.Subscription{
		ID: "s1", OrganizationID: f.orgID, PlanID: plan.ID, Status: billing.StatusActive,
	}))
}

func TestService_FreeTierAllowsOneProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.Create(ctx, f.orgID, "owner", CreateRequest{Name: "  Website  "})
	require.NoError(t, err)
	assert.Equal(t, "Website", p.Name)
	assert.Equal(t, "owner", p.CreatedBy)

	_, err = f.svc.Create(ctx, f.orgID, "admin", CreateRequest{Name: "Mobile"})
	require.True(t, apperr.Is(err, apperr.KindLimitExceeded), "got %v", err)
	assert.Equal(t, "Project limit reached (1/1). Please upgrade your plan.", err.Error())

	n, err := f.store.CountProjects(ctx, f.orgID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, f.svc.Delete(ctx, f.orgID, p.ID, "owner"))
	_, err = f.svc.Create(ctx, f.orgID, "admin", CreateRequest{Name: "Mobile"})
	assert.NoError(t, err, "deleting frees capacity")
}

func TestService_PlanCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	three := 3
	f.upgrade(t, &three)

	for _, name := range []string{"a", "b", "c"} {
		_, err := f.svc.Create(ctx, f.orgID, "owner", CreateRequest{Name: name})
		require.NoError(t, err)
	}
	_, err := f.svc.Create(ctx, f.orgID, "owner", CreateRequest{Name: "d"})
	assert.True(t, apperr.Is(err, apperr.KindLimitExceeded))
}

func TestService_ConcurrentCreatesStopAtCeiling(t *testing.T) {
	f := newFixture(t)
	three := 3
	f.upgrade(t, &three)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Create(context.Background(), f.orgID, "owner", CreateRequest{Name: fmt.Sprintf("p%d", i)})
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
		} else {
			assert.True(t, apperr.Is(err, apperr.KindLimitExceeded), "got %v", err)
		}
	}
	assert.Equal(t, 3, created)
	n, err := f.store.CountProjects(context.Background(), f.orgID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestService_UnlimitedPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upgrade(t, nil)

	for i := 0; i < 20; i++ {
		_, err := f.svc.Create(ctx, f.orgID, "owner", CreateRequest{Name: string(rune('a' + i))})
		require.NoError(t, err)
	}
}

func TestService_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, f.orgID, "member", CreateRequest{Name: "x"})
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	_, err = f.svc.Create(ctx, f.orgID, "stranger", CreateRequest{Name: "x"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	p, err := f.svc.Create(ctx, f.orgID, "admin", CreateRequest{Name: "x"})
	require.NoError(t, err)

	page, err := f.svc.List(ctx, f.orgID, "member", 0, "")
	require.NoError(t, err)
	assert.Len(t, page.Projects, 1)

	err = f.svc.Delete(ctx, f.orgID, p.ID, "member")
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	_, err = f.svc.Get(ctx, f.orgID, p.ID, "stranger")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestService_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), f.orgID, "owner", CreateRequest{Name: "   "})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestService_DuplicateNameConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upgrade(t, nil)

	_, err := f.svc.Create(ctx, f.orgID, "owner", CreateRequest{Name: "Website"})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, f.orgID, "owner", CreateRequest{Name: "website"})
	assert.ErrorIs(t, err, ErrNameTaken)
}

func TestService_ProjectScopedToOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.Create(ctx, f.orgID, "owner", CreateRequest{Name: "Website"})
	require.NoError(t, err)

	_, err = f.store.Get(ctx, "org_other", p.ID)
	assert.ErrorIs(t, err, ErrProjectNotFound)

	require.NoError(t, f.svc.DeleteForOrganization(ctx, f.orgID))
	n, err := f.store.CountProjects(ctx, f.orgID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestService_ListPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upgrade(t, nil)

	for _, name := range []string{"a", "b", "c"} {
		_, err := f.svc.Create(ctx, f.orgID, "owner", CreateRequest{Name: name})
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	cursor := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, 3)
		page, err := f.svc.List(ctx, f.orgID, "member", 2, cursor)
		require.NoError(t, err)
		for _, p := range page.Projects {
			assert.False(t, seen[p.ID], "project %s listed twice", p.ID)
			seen[p.ID] = true
		}
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		cursor = page.NextCursor
	}
	assert.Len(t, seen, 3)

	_, err := f.svc.List(ctx, f.orgID, "member", 2, "%%%")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
