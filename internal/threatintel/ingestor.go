// Package threatintel pulls external reputation feeds into the blocklist and
// seeds the allowlist with trusted edge ranges.
package threatintel

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cloudflare/cloudflare-go"

	"rampart/internal/domain"
	"rampart/internal/logging"
)

// maxFeedEntries caps how many addresses a single feed may contribute,
// protecting the registry from a hostile or broken feed.
const maxFeedEntries = 50_000

const fetchTimeout = 30 * time.Second

// Lists is the slice of the block registry feeds write through.
type Lists interface {
	Block(ctx context.Context, e domain.BlocklistEntry) (domain.BlocklistEntry, error)
	Allow(ctx context.Context, e domain.AllowlistEntry) (domain.AllowlistEntry, error)
}

type Ingestor struct {
	log      *logging.Logger
	registry Lists
	client   *http.Client
	feeds    []string
	ttl      time.Duration
	now      func() time.Time
}

func New(log *logging.Logger, registry Lists, feeds []string, ttl time.Duration) *Ingestor {
	return &Ingestor{
		log:      log,
		registry: registry,
		client:   &http.Client{Timeout: fetchTimeout},
		feeds:    feeds,
		ttl:      ttl,
		now:      time.Now,
	}
}

// RefreshAll fetches every configured feed. One failing feed does not stop
// the others.
func (in *Ingestor) RefreshAll(ctx context.Context) {
	for _, url := range in.feeds {
		added, err := in.refresh(ctx, url)
		if err != nil {
			in.log.Warn("threat feed refresh failed", "feed", url, "error", err)
			continue
		}
		in.log.Info("threat feed refreshed", "feed", url, "entries", added)
	}
}

// refresh fetches one plaintext feed, one IP or CIDR per line, # comments
// and blank lines skipped, and blocks each entry for the feed TTL. Entries
// already blocked get their expiry pushed out.
func (in *Ingestor) refresh(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := in.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("feed returned %s", resp.Status)
	}

	expires := in.now().Add(in.ttl)
	added := 0
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := domain.ValidateIPOrCIDR(line); err != nil {
			continue
		}
		if _, err := in.registry.Block(ctx, domain.BlocklistEntry{
			IP:        line,
			Reason:    "threat feed " + url,
			Source:    domain.SourceThreatIntel,
			ExpiresAt: expires,
		}); err != nil {
			in.log.Warn("threat feed entry rejected", "ip", line, "error", err)
			continue
		}
		added++
		if added >= maxFeedEntries {
			in.log.Warn("threat feed truncated", "feed", url, "cap", maxFeedEntries)
			break
		}
	}
	return added, scanner.Err()
}

// Run refreshes all feeds on a fixed interval until the context ends. The
// first refresh happens immediately.
func (in *Ingestor) Run(ctx context.Context, interval time.Duration) {
	in.RefreshAll(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.RefreshAll(ctx)
		}
	}
}

// SeedTrustedEdges allowlists Cloudflare's published edge ranges so traffic
// proxied through them is never swept up by a feed or an auto-block.
func (in *Ingestor) SeedTrustedEdges(ctx context.Context) error {
	ranges, err := cloudflare.IPs()
	if err != nil {
		return fmt.Errorf("fetch edge ranges: %w", err)
	}
	cidrs := append(append([]string{}, ranges.IPv4CIDRs...), ranges.IPv6CIDRs...)
	for _, cidr := range cidrs {
		if _, err := in.registry.Allow(ctx, domain.AllowlistEntry{
			IP:     cidr,
			Reason: "trusted edge range",
		}); err != nil {
			return fmt.Errorf("allow edge range %s: %w", cidr, err)
		}
	}
	in.log.Info("trusted edge ranges seeded", "count", len(cidrs))
	return nil
}
