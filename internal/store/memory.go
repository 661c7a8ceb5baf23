package store

import (
	"context"
	"sync"

	"rampart/internal/domain"
)

// Memory is a non-durable Store for development and tests.
type Memory struct {
	mu       sync.RWMutex
	policies map[string]domain.Policy
	blocks   map[string]domain.BlocklistEntry
	allows   map[string]domain.AllowlistEntry
}

func NewMemory() *Memory {
	return &Memory{
		policies: make(map[string]domain.Policy),
		blocks:   make(map[string]domain.BlocklistEntry),
		allows:   make(map[string]domain.AllowlistEntry),
	}
}

func listKey(scope, ip string) string { return scope + "|" + ip }

func (m *Memory) SavePolicy(_ context.Context, p domain.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.Domain] = p
	return nil
}

func (m *Memory) DeletePolicy(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.policies, name)
	return nil
}

func (m *Memory) ListPolicies(_ context.Context) ([]domain.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p)
	}
	return out, nil
}

func (m *Memory) SaveBlock(_ context.Context, e domain.BlocklistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[listKey(e.Domain, e.IP)] = e
	return nil
}

func (m *Memory) DeleteBlock(_ context.Context, scope, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, listKey(scope, ip))
	return nil
}

func (m *Memory) ListBlocks(_ context.Context) ([]domain.BlocklistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.BlocklistEntry, 0, len(m.blocks))
	for _, e := range m.blocks {
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) SaveAllow(_ context.Context, e domain.AllowlistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allows[listKey(e.Domain, e.IP)] = e
	return nil
}

func (m *Memory) DeleteAllow(_ context.Context, scope, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.allows, listKey(scope, ip))
	return nil
}

func (m *Memory) ListAllows(_ context.Context) ([]domain.AllowlistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.AllowlistEntry, 0, len(m.allows))
	for _, e := range m.allows {
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
