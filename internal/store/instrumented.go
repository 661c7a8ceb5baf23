package store

import (
	"context"
	"time"

	"rampart/internal/domain"
)

// OpObserver receives the duration of every durable store operation.
type OpObserver interface {
	ObserveStoreOp(op string, d time.Duration)
}

// Instrument wraps a store so every operation reports its latency. A nil
// observer returns the store unwrapped.
func Instrument(s Store, obs OpObserver) Store {
	if obs == nil {
		return s
	}
	return &instrumented{next: s, obs: obs}
}

type instrumented struct {
	next Store
	obs  OpObserver
}

func (s *instrumented) observe(op string, start time.Time) {
	s.obs.ObserveStoreOp(op, time.Since(start))
}

func (s *instrumented) SavePolicy(ctx context.Context, p domain.Policy) error {
	defer s.observe("save_policy", time.Now())
	return s.next.SavePolicy(ctx, p)
}

func (s *instrumented) DeletePolicy(ctx context.Context, name string) error {
	defer s.observe("delete_policy", time.Now())
	return s.next.DeletePolicy(ctx, name)
}

func (s *instrumented) ListPolicies(ctx context.Context) ([]domain.Policy, error) {
	defer s.observe("list_policies", time.Now())
	return s.next.ListPolicies(ctx)
}

func (s *instrumented) SaveBlock(ctx context.Context, e domain.BlocklistEntry) error {
	defer s.observe("save_block", time.Now())
	return s.next.SaveBlock(ctx, e)
}

func (s *instrumented) DeleteBlock(ctx context.Context, scope, ip string) error {
	defer s.observe("delete_block", time.Now())
	return s.next.DeleteBlock(ctx, scope, ip)
}

func (s *instrumented) ListBlocks(ctx context.Context) ([]domain.BlocklistEntry, error) {
	defer s.observe("list_blocks", time.Now())
	return s.next.ListBlocks(ctx)
}

func (s *instrumented) SaveAllow(ctx context.Context, e domain.AllowlistEntry) error {
	defer s.observe("save_allow", time.Now())
	return s.next.SaveAllow(ctx, e)
}

func (s *instrumented) DeleteAllow(ctx context.Context, scope, ip string) error {
	defer s.observe("delete_allow", time.Now())
	return s.next.DeleteAllow(ctx, scope, ip)
}

func (s *instrumented) ListAllows(ctx context.Context) ([]domain.AllowlistEntry, error) {
	defer s.observe("list_allows", time.Now())
	return s.next.ListAllows(ctx)
}

func (s *instrumented) Ping(ctx context.Context) error {
	defer s.observe("ping", time.Now())
	return s.next.Ping(ctx)
}

func (s *instrumented) Close() error { return s.next.Close() }
