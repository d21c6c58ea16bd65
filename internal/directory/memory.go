package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gridcredit/accounting/internal/accounting"
)

// Memory is an in-process Store, used by tests and local runs without a
// database.
type Memory struct {
	mu         sync.RWMutex
	projects   map[string]Project
	categories map[accounting.CategoryID]accounting.ProductCategory
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		projects:   make(map[string]Project),
		categories: make(map[accounting.CategoryID]accounting.ProductCategory),
		now:        time.Now,
	}
}

func (m *Memory) Category(_ context.Context, id accounting.CategoryID) (accounting.ProductCategory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.categories[id]
	if !ok {
		return accounting.ProductCategory{}, fmt.Errorf("%w: category %s", accounting.ErrNotFound, id)
	}
	return c, nil
}

func (m *Memory) Categories(_ context.Context, provider string) ([]accounting.ProductCategory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []accounting.ProductCategory
	for _, c := range m.categories {
		if c.Provider == provider {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) Descendants(_ context.Context, projectID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	seen := map[string]bool{projectID: true}
	queue := []string{projectID}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for id, p := range m.projects {
			if p.ParentID == parent && !seen[id] {
				seen[id] = true
				out = append(out, id)
				queue = append(queue, id)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Projects(_ context.Context, ids []string) (map[string]Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Project, len(ids))
	for _, id := range ids {
		if p, ok := m.projects[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *Memory) ProviderProjects(_ context.Context, provider string) ([]Project, error) {
	return m.filter(func(p Project) bool { return p.PersonalProviderFor == provider }), nil
}

func (m *Memory) PersonalProviderProjects(_ context.Context) ([]Project, error) {
	return m.filter(func(p Project) bool { return p.PersonalProviderFor != "" }), nil
}

func (m *Memory) filter(keep func(Project) bool) []Project {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Project
	for _, p := range m.projects {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) SaveProject(_ context.Context, p *Project) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.projects[p.ID]
	p.ModifiedAt = m.now()
	m.projects[p.ID] = *p
	return !exists, nil
}

func (m *Memory) SaveCategory(_ context.Context, c accounting.ProductCategory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories[c.ID()] = c
	return nil
}
