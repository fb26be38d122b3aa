package project

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/syncutil"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/tenant"
)

// MemoryStore is an in-memory project store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*Project

	creating syncutil.KeyedMutex // per organization
}

// NewMemoryStore creates a new in-memory project store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{projects: make(map[string]*Project)}
}

func (m *MemoryStore) Create(_ context.Context, p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.projects {
		if existing.OrganizationID == p.OrganizationID && strings.EqualFold(existing.Name, p.Name) {
			return ErrNameTaken
		}
	}
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateIfAdmitted(ctx context.Context, p *Project, admit tenant.AdmitFunc) error {
	defer m.creating.Lock(p.OrganizationID)()

	n, err := m.CountProjects(ctx, p.OrganizationID)
	if err != nil {
		return err
	}
	if err := admit(ctx, n); err != nil {
		return err
	}
	return m.Create(ctx, p)
}

func (m *MemoryStore) Get(_ context.Context, orgID, id string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[id]
	if !ok || p.OrganizationID != orgID {
		return nil, ErrProjectNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, orgID string, opts ListOptions) ([]*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Project
	for _, p := range m.projects {
		if p.OrganizationID != orgID {
			continue
		}
		if a := opts.After; a != nil && !before(p, a.CreatedAt, a.ID) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return before(out[j], out[i].CreatedAt, out[i].ID)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// before reports whether p sorts after (createdAt, id) in newest-first order.
func before(p *Project, createdAt time.Time, id string) bool {
	if !p.CreatedAt.Equal(createdAt) {
		return p.CreatedAt.Before(createdAt)
	}
	return p.ID < id
}

func (m *MemoryStore) Delete(_ context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[id]
	if !ok || p.OrganizationID != orgID {
		return ErrProjectNotFound
	}
	delete(m.projects, id)
	return nil
}

func (m *MemoryStore) CountProjects(_ context.Context, orgID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, p := range m.projects {
		if p.OrganizationID == orgID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteForOrganization(_ context.Context, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range m.projects {
		if p.OrganizationID == orgID {
			delete(m.projects, id)
		}
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
