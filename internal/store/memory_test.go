package store

import (
	"context"
	"testing"
	"time"

	"rampart/internal/domain"
)

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := m.SavePolicy(ctx, domain.DefaultPolicy("shop.example.com", now)); err != nil {
		t.Fatalf("save policy: %v", err)
	}
	policies, err := m.ListPolicies(ctx)
	if err != nil || len(policies) != 1 {
		t.Fatalf("list policies: %d err=%v", len(policies), err)
	}
	if err := m.DeletePolicy(ctx, "shop.example.com"); err != nil {
		t.Fatalf("delete policy: %v", err)
	}
	if policies, _ = m.ListPolicies(ctx); len(policies) != 0 {
		t.Fatal("policy survived delete")
	}

	// Same address in different scopes stays distinct.
	if err := m.SaveBlock(ctx, domain.BlocklistEntry{IP: "192.0.2.1", BlockedAt: now}); err != nil {
		t.Fatalf("save block: %v", err)
	}
	if err := m.SaveBlock(ctx, domain.BlocklistEntry{IP: "192.0.2.1", Domain: "shop.example.com", BlockedAt: now}); err != nil {
		t.Fatalf("save scoped block: %v", err)
	}
	blocks, _ := m.ListBlocks(ctx)
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	if err := m.DeleteBlock(ctx, "", "192.0.2.1"); err != nil {
		t.Fatalf("delete block: %v", err)
	}
	blocks, _ = m.ListBlocks(ctx)
	if len(blocks) != 1 || blocks[0].Domain != "shop.example.com" {
		t.Fatalf("wrong block removed: %+v", blocks)
	}

	if err := m.SaveAllow(ctx, domain.AllowlistEntry{IP: "203.0.113.1", AddedAt: now}); err != nil {
		t.Fatalf("save allow: %v", err)
	}
	allows, _ := m.ListAllows(ctx)
	if len(allows) != 1 {
		t.Fatalf("got %d allows", len(allows))
	}

	if err := m.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
