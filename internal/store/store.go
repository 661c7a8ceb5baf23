package store

import (
	"context"

	"rampart/internal/domain"
)

// Store is the durable key-value layer beneath the policy store and the
// block registry. One record per policy, one per list entry; entries are
// keyed by (scope, ip) where scope "" is global and any other value is a
// protected domain.
type Store interface {
	SavePolicy(ctx context.Context, p domain.Policy) error
	DeletePolicy(ctx context.Context, name string) error
	ListPolicies(ctx context.Context) ([]domain.Policy, error)

	SaveBlock(ctx context.Context, e domain.BlocklistEntry) error
	DeleteBlock(ctx context.Context, scope, ip string) error
	ListBlocks(ctx context.Context) ([]domain.BlocklistEntry, error)

	SaveAllow(ctx context.Context, e domain.AllowlistEntry) error
	DeleteAllow(ctx context.Context, scope, ip string) error
	ListAllows(ctx context.Context) ([]domain.AllowlistEntry, error)

	Ping(ctx context.Context) error
	Close() error
}
