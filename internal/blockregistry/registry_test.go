package blockregistry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"rampart/internal/domain"
	"rampart/internal/eventbus"
	"rampart/internal/logging"
	"rampart/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Memory, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db := store.NewMemory()
	r := New(logging.New("test"), db, eventbus.New(16, nil), nil)
	r.now = func() time.Time { return now }
	return r, db, &now
}

func TestBlockCheckUnblock(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Block(ctx, domain.BlocklistEntry{IP: "192.0.2.1", Reason: "manual test", ExpiresAt: r.now().Add(time.Minute)})
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if !r.IsBlocked("192.0.2.1") {
		t.Fatal("blocked address reported unblocked")
	}
	if r.IsBlocked("192.0.2.2") {
		t.Fatal("unrelated address reported blocked")
	}

	removed, err := r.Unblock(ctx, "", "192.0.2.1")
	if err != nil || !removed {
		t.Fatalf("unblock: removed=%v err=%v", removed, err)
	}
	if r.IsBlocked("192.0.2.1") {
		t.Fatal("still blocked after unblock")
	}

	// Unblocking an absent address is a no-op, not an error.
	removed, err = r.Unblock(ctx, "", "192.0.2.1")
	if err != nil || removed {
		t.Fatalf("second unblock: removed=%v err=%v", removed, err)
	}
}

// Racing Block and Unblock on one address must leave the in-memory view and
// the durable store agreeing, whichever call lands last.
func TestConcurrentBlockUnblockKeepsStoreInSync(t *testing.T) {
	r, db, _ := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if (i+j)%2 == 0 {
					if _, err := r.Block(ctx, domain.BlocklistEntry{IP: "192.0.2.77", Reason: "contention"}); err != nil {
						t.Errorf("block: %v", err)
						return
					}
				} else {
					if _, err := r.Unblock(ctx, "", "192.0.2.77"); err != nil {
						t.Errorf("unblock: %v", err)
						return
					}
				}
			}
		}(i)
	}
	wg.Wait()

	blocks, err := db.ListBlocks(ctx)
	if err != nil {
		t.Fatalf("list blocks: %v", err)
	}
	durable := false
	for _, e := range blocks {
		if e.IP == "192.0.2.77" && e.Domain == "" {
			durable = true
		}
	}
	if inMemory := r.IsBlocked("192.0.2.77"); inMemory != durable {
		t.Fatalf("registry blocked=%v, store blocked=%v", inMemory, durable)
	}
}

func TestCIDRBlockMatchesContainedAddresses(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	if _, err := r.Block(context.Background(), domain.BlocklistEntry{IP: "198.51.100.0/24", Reason: "botnet range"}); err != nil {
		t.Fatalf("block: %v", err)
	}
	if !r.IsBlocked("198.51.100.9") {
		t.Fatal("address inside blocked prefix not blocked")
	}
	if r.IsBlocked("198.51.101.9") {
		t.Fatal("address outside blocked prefix blocked")
	}
}

func TestAllowlistOverridesBlock(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Allow(ctx, domain.AllowlistEntry{IP: "203.0.113.0/24", Reason: "office range"}); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if _, err := r.Block(ctx, domain.BlocklistEntry{IP: "203.0.113.5", Reason: "noise"}); err != nil {
		t.Fatalf("block: %v", err)
	}

	if r.IsBlocked("203.0.113.5") {
		t.Fatal("allowlisted address reported blocked")
	}

	removed, err := r.Disallow(ctx, "", "203.0.113.0/24")
	if err != nil || !removed {
		t.Fatalf("disallow: removed=%v err=%v", removed, err)
	}
	if !r.IsBlocked("203.0.113.5") {
		t.Fatal("block did not apply after allowlist entry removed")
	}
}

func TestBlockRejectsPastExpiry(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	_, err := r.Block(context.Background(), domain.BlocklistEntry{IP: "192.0.2.9", ExpiresAt: r.now().Add(-time.Second)})
	if !errors.Is(err, domain.ErrInvalidDuration) {
		t.Fatalf("got %v, want ErrInvalidDuration", err)
	}
}

func TestReblockKeepsOriginalBlockedAt(t *testing.T) {
	r, _, now := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Block(ctx, domain.BlocklistEntry{IP: "192.0.2.7", Reason: "first", ExpiresAt: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("block: %v", err)
	}

	*now = now.Add(30 * time.Second)
	second, err := r.Block(ctx, domain.BlocklistEntry{IP: "192.0.2.7", Reason: "second", ExpiresAt: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("reblock: %v", err)
	}
	if !second.BlockedAt.Equal(first.BlockedAt) {
		t.Fatalf("BlockedAt changed on upsert: %v vs %v", second.BlockedAt, first.BlockedAt)
	}
	if !second.ExpiresAt.After(first.ExpiresAt) {
		t.Fatal("expiry not extended on upsert")
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	r, db, now := newTestRegistry(t)
	bus := eventbus.New(16, nil)
	r.bus = bus
	sub := bus.Subscribe()
	defer sub.Close()
	ctx := context.Background()

	if _, err := r.Block(ctx, domain.BlocklistEntry{IP: "192.0.2.1", ExpiresAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("block: %v", err)
	}
	if _, err := r.Block(ctx, domain.BlocklistEntry{IP: "192.0.2.2"}); err != nil {
		t.Fatalf("block permanent: %v", err)
	}

	// Drain the IPBlocked events published by the setup blocks.
	<-sub.Events()
	<-sub.Events()

	*now = now.Add(61 * time.Second)

	// Reads do not evaluate expiry; only the sweep removes entries.
	if !r.IsBlocked("192.0.2.1") {
		t.Fatal("entry vanished before sweep")
	}

	if removed := r.Sweep(ctx); removed != 1 {
		t.Fatalf("sweep removed %d, want 1", removed)
	}
	if r.IsBlocked("192.0.2.1") {
		t.Fatal("expired entry survived sweep")
	}
	if !r.IsBlocked("192.0.2.2") {
		t.Fatal("permanent entry removed by sweep")
	}

	blocks, err := db.ListBlocks(ctx)
	if err != nil || len(blocks) != 1 {
		t.Fatalf("store has %d entries after sweep, want 1 (err=%v)", len(blocks), err)
	}

	select {
	case ev := <-sub.Events():
		ub, ok := ev.(eventbus.IPUnblocked)
		if !ok {
			t.Fatalf("unexpected event %T", ev)
		}
		if ub.IP != "192.0.2.1" || !ub.Expired {
			t.Fatalf("unexpected unblock event %+v", ub)
		}
	case <-time.After(time.Second):
		t.Fatal("no ip_unblocked event after sweep")
	}

	// A second sweep finds nothing and emits nothing.
	if removed := r.Sweep(ctx); removed != 0 {
		t.Fatalf("second sweep removed %d", removed)
	}
}

func TestListBlocklistPagination(t *testing.T) {
	r, _, now := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		*now = now.Add(time.Second)
		if _, err := r.Block(ctx, domain.BlocklistEntry{IP: fmt.Sprintf("192.0.2.%d", i+1)}); err != nil {
			t.Fatalf("block %d: %v", i, err)
		}
	}

	page1, total := r.ListBlocklist(1, 2)
	if total != 5 || len(page1) != 2 {
		t.Fatalf("page 1: total=%d len=%d", total, len(page1))
	}
	// Newest first.
	if page1[0].IP != "192.0.2.5" || page1[1].IP != "192.0.2.4" {
		t.Fatalf("page 1 order: %s, %s", page1[0].IP, page1[1].IP)
	}

	page3, _ := r.ListBlocklist(3, 2)
	if len(page3) != 1 || page3[0].IP != "192.0.2.1" {
		t.Fatalf("page 3: %+v", page3)
	}

	empty, total := r.ListBlocklist(4, 2)
	if total != 5 || len(empty) != 0 {
		t.Fatalf("past-end page: total=%d len=%d", total, len(empty))
	}
}

func TestSyncDomainListsScoping(t *testing.T) {
	r, db, _ := newTestRegistry(t)
	ctx := context.Background()

	r.SyncDomainLists("shop.example.com", []string{"203.0.113.1"}, []string{"192.0.2.66", "10.0.0.0/8"})

	if !r.IsBlockedForDomain("shop.example.com", "192.0.2.66") {
		t.Fatal("seeded exact entry not blocked for its domain")
	}
	if !r.IsBlockedForDomain("shop.example.com", "10.3.4.5") {
		t.Fatal("seeded prefix entry not blocked for its domain")
	}
	if r.IsBlocked("192.0.2.66") {
		t.Fatal("domain-scoped entry leaked into global scope")
	}

	// Seeded entries live in the policy document, not the registry store.
	blocks, err := db.ListBlocks(ctx)
	if err != nil || len(blocks) != 0 {
		t.Fatalf("seeded entries persisted: %d (err=%v)", len(blocks), err)
	}

	// Replacing the lists drops the previous generation.
	r.SyncDomainLists("shop.example.com", nil, []string{"192.0.2.77"})
	if r.IsBlockedForDomain("shop.example.com", "192.0.2.66") {
		t.Fatal("stale seeded entry survived re-sync")
	}
	if !r.IsBlockedForDomain("shop.example.com", "192.0.2.77") {
		t.Fatal("new seeded entry missing")
	}

	r.SyncDomainLists("shop.example.com", nil, nil)
	if r.IsBlockedForDomain("shop.example.com", "192.0.2.77") {
		t.Fatal("seeded entries survived clearing sync")
	}
}

func TestLoadHydratesFromStore(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db := store.NewMemory()
	ctx := context.Background()
	if err := db.SaveBlock(ctx, domain.BlocklistEntry{IP: "192.0.2.1", BlockedAt: now}); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	if err := db.SaveAllow(ctx, domain.AllowlistEntry{IP: "203.0.113.1", AddedAt: now}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	r := New(logging.New("test"), db, eventbus.New(16, nil), nil)
	if err := r.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !r.IsBlocked("192.0.2.1") {
		t.Fatal("loaded block missing")
	}
	if !r.IsAllowed("203.0.113.1") {
		t.Fatal("loaded allow missing")
	}
	blocked, allowed := r.Counts()
	if blocked != 1 || allowed != 1 {
		t.Fatalf("counts = %d, %d", blocked, allowed)
	}
}
