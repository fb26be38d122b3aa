package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/syncutil"
)

// MemoryStore is an in-memory plan and subscription store for demo/development.
type MemoryStore struct {
	mu      sync.RWMutex
	plans   map[string]*Plan         // by ID
	subs    map[string]*Subscription // by ID
	byRef   map[string]string        // provider ref → ID
	subLock *syncutil.KeyedMutex
}

// NewMemoryStore creates a new in-memory billing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:   make(map[string]*Plan),
		subs:    make(map[string]*Subscription),
		byRef:   make(map[string]string),
		subLock: &syncutil.KeyedMutex{},
	}
}

func (m *MemoryStore) CreatePlan(_ context.Context, p *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.plans {
		if existing.Slug == p.Slug {
			return ErrPlanSlugTaken
		}
	}
	m.plans[p.ID] = copyPlan(p)
	return nil
}

func (m *MemoryStore) GetPlan(_ context.Context, id string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return copyPlan(p), nil
}

// ListPlans orders by price, cheapest first.
func (m *MemoryStore) ListPlans(_ context.Context, includeInactive bool) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Plan
	for _, p := range m.plans {
		if p.IsActive || includeInactive {
			out = append(out, copyPlan(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriceAmount != out[j].PriceAmount {
			return out[i].PriceAmount < out[j].PriceAmount
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryStore) UpdatePlan(_ context.Context, p *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.plans[p.ID]; !ok {
		return ErrPlanNotFound
	}
	m.plans[p.ID] = copyPlan(p)
	return nil
}

func (m *MemoryStore) CreateSubscription(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub.Status.BlocksPurchase() {
		for _, s := range m.subs {
			if s.OrganizationID != sub.OrganizationID {
				continue
			}
			if err := purchaseConflict(s.Status); err != nil {
				return err
			}
		}
	}
	m.subs[sub.ID] = copySubscription(sub)
	if sub.StripeSubscriptionID != "" {
		m.byRef[sub.StripeSubscriptionID] = sub.ID
	}
	return nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return copySubscription(s), nil
}

func (m *MemoryStore) GetSubscriptionByExternalID(ctx context.Context, ref string) (*Subscription, error) {
	m.mu.RLock()
	id, ok := m.byRef[ref]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return m.GetSubscription(ctx, id)
}

// ListSubscriptions returns newest first.
func (m *MemoryStore) ListSubscriptions(_ context.Context, orgID string) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool { return s.OrganizationID == orgID }, newestFirst), nil
}

func (m *MemoryStore) LiveSubscription(_ context.Context, orgID string) (*Subscription, error) {
	live := m.filter(func(s *Subscription) bool {
		return s.OrganizationID == orgID && s.Status.IsLive()
	}, newestFirst)
	if len(live) == 0 {
		return nil, ErrSubscriptionNotFound
	}
	return live[0], nil
}

// MutateSubscription serializes read-modify-write per subscription. fn
// works on a copy; nothing is stored unless it reports a change.
func (m *MemoryStore) MutateSubscription(ctx context.Context, id string, fn MutateFunc) (*Subscription, error) {
	unlock, err := m.subLock.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := m.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	changed, err := fn(current)
	if err != nil {
		return nil, err
	}
	if !changed {
		return current, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if current.Status.IsLive() && m.otherLive(current) {
		return nil, ErrLiveSubscriptionExists
	}
	m.subs[id] = copySubscription(current)
	if current.StripeSubscriptionID != "" {
		m.byRef[current.StripeSubscriptionID] = id
	}
	return copySubscription(current), nil
}

// otherLive reports whether sub's organization has a different live
// subscription. Callers hold m.mu.
func (m *MemoryStore) otherLive(sub *Subscription) bool {
	for id, s := range m.subs {
		if id != sub.ID && s.OrganizationID == sub.OrganizationID && s.Status.IsLive() {
			return true
		}
	}
	return false
}

func (m *MemoryStore) MutateSubscriptionByExternalID(ctx context.Context, ref string, fn MutateFunc) (*Subscription, error) {
	m.mu.RLock()
	id, ok := m.byRef[ref]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return m.MutateSubscription(ctx, id, fn)
}

func (m *MemoryStore) DeleteSubscriptionsForOrganization(_ context.Context, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.subs {
		if s.OrganizationID == orgID {
			delete(m.subs, id)
			if s.StripeSubscriptionID != "" {
				delete(m.byRef, s.StripeSubscriptionID)
			}
		}
	}
	return nil
}

// ListExpiring returns active subscriptions set to cancel at a period end
// on or before the given time, soonest first.
func (m *MemoryStore) ListExpiring(_ context.Context, before time.Time) ([]*Subscription, error) {
	return m.filter(func(s *Subscription) bool {
		return s.Status == StatusActive && s.CancelAtPeriodEnd &&
			s.CurrentPeriodEnd != nil && !s.CurrentPeriodEnd.After(before)
	}, func(a, b *Subscription) bool {
		return a.CurrentPeriodEnd.Before(*b.CurrentPeriodEnd)
	}), nil
}

// ListByStatus returns the most recently updated first.
func (m *MemoryStore) ListByStatus(_ context.Context, statuses ...Status) ([]*Subscription, error) {
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	return m.filter(func(s *Subscription) bool { return want[s.Status] }, func(a, b *Subscription) bool {
		return a.UpdatedAt.After(b.UpdatedAt)
	}), nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Status]int)
	for _, s := range m.subs {
		counts[s.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) filter(keep func(*Subscription) bool, less func(a, b *Subscription) bool) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Subscription
	for _, s := range m.subs {
		if keep(s) {
			out = append(out, copySubscription(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func newestFirst(a, b *Subscription) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func copyPlan(p *Plan) *Plan {
	cp := *p
	if p.MaxUsers != nil {
		v := *p.MaxUsers
		cp.MaxUsers = &v
	}
	if p.MaxProjects != nil {
		v := *p.MaxProjects
		cp.MaxProjects = &v
	}
	cp.Features = append([]string(nil), p.Features...)
	return &cp
}

func copySubscription(s *Subscription) *Subscription {
	cp := *s
	cp.CurrentPeriodStart = copyTime(s.CurrentPeriodStart)
	cp.CurrentPeriodEnd = copyTime(s.CurrentPeriodEnd)
	cp.CanceledAt = copyTime(s.CanceledAt)
	cp.LastEventAt = copyTime(s.LastEventAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ Store = (*MemoryStore)(nil)
