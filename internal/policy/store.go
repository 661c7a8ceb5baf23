// Package policy owns the per-domain protection policies: validated CRUD,
// per-domain write serialization, and change events.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"rampart/internal/domain"
	"rampart/internal/eventbus"
	"rampart/internal/logging"
	"rampart/internal/store"
)

// ListSyncer receives the policy's custom allow/block lists after every
// successful commit. The block registry implements it; the policy store
// never answers membership questions itself.
type ListSyncer interface {
	SyncDomainLists(name string, allow, block []string)
}

type Store struct {
	log    *logging.Logger
	db     store.Store
	bus    *eventbus.Bus
	syncer ListSyncer
	now    func() time.Time

	mu       sync.RWMutex
	policies map[string]domain.Policy
	domainMu map[string]*sync.Mutex
}

func New(log *logging.Logger, db store.Store, bus *eventbus.Bus, syncer ListSyncer) *Store {
	return &Store{
		log:      log,
		db:       db,
		bus:      bus,
		syncer:   syncer,
		now:      time.Now,
		policies: make(map[string]domain.Policy),
		domainMu: make(map[string]*sync.Mutex),
	}
}

// Load hydrates the in-memory view from the durable store.
func (s *Store) Load(ctx context.Context) error {
	policies, err := s.db.ListPolicies(ctx)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	s.mu.Lock()
	for _, p := range policies {
		s.policies[p.Domain] = p
	}
	s.mu.Unlock()
	for _, p := range policies {
		s.syncLists(p)
	}
	s.log.Info("policies loaded", "count", len(policies))
	return nil
}

// Get returns the policy for a domain or ErrNotFound.
func (s *Store) Get(name string) (domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[name]
	if !ok {
		return domain.Policy{}, fmt.Errorf("policy %s: %w", name, domain.ErrNotFound)
	}
	return p, nil
}

// List returns every policy ordered by domain.
func (s *Store) List() []domain.Policy {
	s.mu.RLock()
	out := make([]domain.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// Create installs a new policy. Fails with ErrAlreadyExists when the domain
// already has one; validation runs before anything is written.
func (s *Store) Create(ctx context.Context, p domain.Policy) (domain.Policy, error) {
	if err := p.Validate(); err != nil {
		return domain.Policy{}, err
	}

	lock := s.lockFor(p.Domain)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	_, exists := s.policies[p.Domain]
	s.mu.RUnlock()
	if exists {
		return domain.Policy{}, fmt.Errorf("policy %s: %w", p.Domain, domain.ErrAlreadyExists)
	}

	now := s.now()
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := s.persist(ctx, p); err != nil {
		return domain.Policy{}, err
	}
	s.commit(p)
	s.log.WithDomain(p.Domain).Info("policy created")
	s.bus.Publish(eventbus.PolicyUpdated{Time: now, Domain: p.Domain})
	return p, nil
}

// Update applies a partial change to an existing policy. The merged result
// is validated before commit; a failed validation leaves the stored policy
// untouched.
func (s *Store) Update(ctx context.Context, name string, u domain.PolicyUpdate) (domain.Policy, error) {
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current, ok := s.policies[name]
	s.mu.RUnlock()
	if !ok {
		return domain.Policy{}, fmt.Errorf("policy %s: %w", name, domain.ErrNotFound)
	}

	now := s.now()
	merged := u.Apply(current, now)
	if err := merged.Validate(); err != nil {
		return domain.Policy{}, err
	}

	if err := s.persist(ctx, merged); err != nil {
		return domain.Policy{}, err
	}
	s.commit(merged)
	s.log.WithDomain(name).Info("policy updated")
	s.bus.Publish(eventbus.PolicyUpdated{Time: now, Domain: name})
	return merged, nil
}

// Delete removes a policy and clears its custom lists from the registry.
func (s *Store) Delete(ctx context.Context, name string) error {
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	_, ok := s.policies[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("policy %s: %w", name, domain.ErrNotFound)
	}

	if err := s.db.DeletePolicy(ctx, name); err != nil {
		return mapStoreErr(err)
	}
	s.mu.Lock()
	delete(s.policies, name)
	s.mu.Unlock()
	if s.syncer != nil {
		s.syncer.SyncDomainLists(name, nil, nil)
	}
	now := s.now()
	s.log.WithDomain(name).Info("policy deleted")
	s.bus.Publish(eventbus.PolicyUpdated{Time: now, Domain: name, Deleted: true})
	return nil
}

func (s *Store) persist(ctx context.Context, p domain.Policy) error {
	if err := s.db.SavePolicy(ctx, p); err != nil {
		return mapStoreErr(err)
	}
	return nil
}

func (s *Store) commit(p domain.Policy) {
	s.mu.Lock()
	s.policies[p.Domain] = p
	s.mu.Unlock()
	s.syncLists(p)
}

func (s *Store) syncLists(p domain.Policy) {
	if s.syncer != nil {
		s.syncer.SyncDomainLists(p.Domain, p.Allowlist, p.Blocklist)
	}
}

func (s *Store) lockFor(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.domainMu[name]
	if !ok {
		m = &sync.Mutex{}
		s.domainMu[name] = m
	}
	return m
}

func mapStoreErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrInternal, err)
}
