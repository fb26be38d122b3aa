package tenant

import (
	"context"
	"sort"
	"sync"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/syncutil"
)

// MemoryStore is an in-memory organization store for demo/development.
type MemoryStore struct {
	mu      sync.RWMutex
	orgs    map[string]*Organization // by ID
	slugs   map[string]string        // slug → ID
	members map[string]*Membership   // by membership ID

	admitting syncutil.KeyedMutex // per organization
}

// NewMemoryStore creates a new in-memory organization store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:    make(map[string]*Organization),
		slugs:   make(map[string]string),
		members: make(map[string]*Membership),
	}
}

func (m *MemoryStore) CreateWithOwner(_ context.Context, org *Organization, owner *Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.slugs[org.Slug]; exists {
		return ErrSlugTaken
	}
	o := *org
	mem := *owner
	m.orgs[org.ID] = &o
	m.slugs[org.Slug] = org.ID
	m.members[owner.ID] = &mem
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orgs[id]
	if !ok {
		return nil, ErrOrganizationNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, org *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.orgs[org.ID]
	if !ok {
		return ErrOrganizationNotFound
	}
	if old.Slug != org.Slug {
		if _, taken := m.slugs[org.Slug]; taken {
			return ErrSlugTaken
		}
		delete(m.slugs, old.Slug)
		m.slugs[org.Slug] = org.ID
	}
	cp := *org
	m.orgs[org.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orgs[id]
	if !ok {
		return ErrOrganizationNotFound
	}
	delete(m.slugs, o.Slug)
	delete(m.orgs, id)
	for mid, mem := range m.members {
		if mem.OrganizationID == id {
			delete(m.members, mid)
		}
	}
	return nil
}

func (m *MemoryStore) ListForUser(_ context.Context, userID string) ([]*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Organization
	for _, mem := range m.members {
		if mem.UserID != userID {
			continue
		}
		if o, ok := m.orgs[mem.OrganizationID]; ok {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SetBillingCustomer(_ context.Context, orgID, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orgs[orgID]
	if !ok {
		return ErrOrganizationNotFound
	}
	o.StripeCustomerID = customerID
	return nil
}

func (m *MemoryStore) Count(_ context.Context) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := 0
	for _, o := range m.orgs {
		if o.IsActive {
			active++
		}
	}
	return len(m.orgs), active, nil
}

func (m *MemoryStore) GetMembership(_ context.Context, orgID, userID string) (*Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, mem := range m.members {
		if mem.OrganizationID == orgID && mem.UserID == userID {
			cp := *mem
			return &cp, nil
		}
	}
	return nil, ErrMemberNotFound
}

func (m *MemoryStore) GetMember(_ context.Context, orgID, memberID string) (*Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mem, ok := m.members[memberID]
	if !ok || mem.OrganizationID != orgID {
		return nil, ErrMemberNotFound
	}
	cp := *mem
	return &cp, nil
}

func (m *MemoryStore) ListMembers(_ context.Context, orgID string) ([]*Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Membership
	for _, mem := range m.members {
		if mem.OrganizationID == orgID {
			cp := *mem
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (m *MemoryStore) AddMember(_ context.Context, mem *Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orgs[mem.OrganizationID]; !ok {
		return ErrOrganizationNotFound
	}
	for _, existing := range m.members {
		if existing.OrganizationID == mem.OrganizationID && existing.UserID == mem.UserID {
			return ErrAlreadyMember
		}
	}
	cp := *mem
	m.members[mem.ID] = &cp
	return nil
}

func (m *MemoryStore) AddMemberIfAdmitted(ctx context.Context, mem *Membership, admit AdmitFunc) error {
	unlock, err := m.admitting.LockContext(ctx, mem.OrganizationID)
	if err != nil {
		return err
	}
	defer unlock()

	n, err := m.CountMembers(ctx, mem.OrganizationID)
	if err != nil {
		return err
	}
	if err := admit(ctx, n); err != nil {
		return err
	}
	return m.AddMember(ctx, mem)
}

func (m *MemoryStore) UpdateMemberRole(_ context.Context, orgID, memberID string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.members[memberID]
	if !ok || mem.OrganizationID != orgID {
		return ErrMemberNotFound
	}
	mem.Role = role
	return nil
}

func (m *MemoryStore) RemoveMember(_ context.Context, orgID, memberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.members[memberID]
	if !ok || mem.OrganizationID != orgID {
		return ErrMemberNotFound
	}
	delete(m.members, memberID)
	return nil
}

func (m *MemoryStore) CountMembers(_ context.Context, orgID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, mem := range m.members {
		if mem.OrganizationID == orgID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) TransferOwnership(_ context.Context, orgID, newOwnerMemberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orgs[orgID]
	if !ok {
		return ErrOrganizationNotFound
	}
	next, ok := m.members[newOwnerMemberID]
	if !ok || next.OrganizationID != orgID {
		return ErrMemberNotFound
	}
	for _, mem := range m.members {
		if mem.OrganizationID == orgID && mem.Role == RoleOwner {
			mem.Role = RoleAdmin
		}
	}
	next.Role = RoleOwner
	o.OwnerID = next.UserID
	return nil
}

var _ Store = (*MemoryStore)(nil)
