package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rampart/internal/blockregistry"
	"rampart/internal/classifier"
	"rampart/internal/domain"
	"rampart/internal/eventbus"
	"rampart/internal/logging"
	"rampart/internal/observability"
	"rampart/internal/policy"
	"rampart/internal/ratelimit"
	"rampart/internal/stats"
	"rampart/internal/store"
)

type testEnv struct {
	server *Server
	bus    *eventbus.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logging.New("test")
	db := store.NewMemory()
	bus := eventbus.New(64, nil)
	metrics := observability.NewMetrics(nil)

	registry := blockregistry.New(log, db, bus, nil)
	policies := policy.New(log, db, bus, registry)
	agg := stats.New(log, bus, registry, nil)
	cl := classifier.New(log, policies, registry, agg, bus, nil, metrics, 5*time.Second)
	agg.BindActiveView(cl)
	limiter := ratelimit.New(log, policies, registry, agg, bus)

	return &testEnv{
		server: NewServer(log, policies, registry, cl, agg, limiter, bus, metrics, db),
		bus:    bus,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: bad response body %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode data %s: %v", env.Data, err)
	}
	return v
}

func TestPolicyLifecycle(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodPost, "/policy/shop.example.com", nil)
	if code != http.StatusCreated || !resp.Success {
		t.Fatalf("create: %d %+v", code, resp)
	}
	created := decodeData[domain.Policy](t, resp)
	if created.SynThreshold != domain.DefaultSynThreshold || !created.Enabled {
		t.Fatalf("defaults not applied: %+v", created)
	}

	// Duplicate create conflicts.
	if code, resp = env.do(t, http.MethodPost, "/policy/shop.example.com", nil); code != http.StatusConflict || resp.Success {
		t.Fatalf("duplicate create: %d %+v", code, resp)
	}

	// Overrides out of range are rejected up front.
	if code, resp = env.do(t, http.MethodPost, "/policy/bad.example.com", map[string]any{"syn_threshold": 1}); code != http.StatusBadRequest {
		t.Fatalf("invalid create: %d %+v", code, resp)
	}

	code, resp = env.do(t, http.MethodPatch, "/policy/shop.example.com", map[string]any{"syn_threshold": 5000})
	if code != http.StatusOK {
		t.Fatalf("update: %d %+v", code, resp)
	}
	if got := decodeData[domain.Policy](t, resp); got.SynThreshold != 5000 {
		t.Fatalf("update not applied: %+v", got)
	}

	if code, _ = env.do(t, http.MethodPatch, "/policy/shop.example.com", map[string]any{}); code != http.StatusBadRequest {
		t.Fatalf("empty update: %d", code)
	}

	code, resp = env.do(t, http.MethodGet, "/policies", nil)
	if code != http.StatusOK || len(decodeData[[]domain.Policy](t, resp)) != 1 {
		t.Fatalf("list: %d %+v", code, resp)
	}

	if code, _ = env.do(t, http.MethodDelete, "/policy/shop.example.com", nil); code != http.StatusOK {
		t.Fatalf("delete: %d", code)
	}
	if code, resp = env.do(t, http.MethodGet, "/policy/shop.example.com", nil); code != http.StatusNotFound || resp.Success {
		t.Fatalf("get after delete: %d %+v", code, resp)
	}
}

func TestBlocklistFlow(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodPost, "/blocklist", map[string]any{"ip": "192.0.2.1", "reason": "manual test", "duration_secs": 300})
	if code != http.StatusCreated {
		t.Fatalf("block: %d %+v", code, resp)
	}
	entry := decodeData[domain.BlocklistEntry](t, resp)
	if entry.Source != domain.SourceManual || entry.ExpiresAt.IsZero() {
		t.Fatalf("entry: %+v", entry)
	}

	code, resp = env.do(t, http.MethodGet, "/blocklist/check/192.0.2.1", nil)
	if code != http.StatusOK {
		t.Fatalf("check: %d", code)
	}
	check := decodeData[map[string]any](t, resp)
	if check["blocked"] != true {
		t.Fatalf("check result: %v", check)
	}

	if _, resp = env.do(t, http.MethodGet, "/blocklist/check/192.0.2.2", nil); decodeData[map[string]any](t, resp)["blocked"] != false {
		t.Fatal("unrelated address reported blocked")
	}

	if code, _ = env.do(t, http.MethodPost, "/blocklist", map[string]any{"ip": "not-an-ip"}); code != http.StatusBadRequest {
		t.Fatalf("invalid ip accepted: %d", code)
	}
	if code, _ = env.do(t, http.MethodPost, "/blocklist", map[string]any{"ip": "192.0.2.3", "duration_secs": -5}); code != http.StatusBadRequest {
		t.Fatalf("negative duration accepted: %d", code)
	}

	if code, _ = env.do(t, http.MethodDelete, "/blocklist/192.0.2.1", nil); code != http.StatusOK {
		t.Fatalf("unblock: %d", code)
	}
	if _, resp = env.do(t, http.MethodGet, "/blocklist/check/192.0.2.1", nil); decodeData[map[string]any](t, resp)["blocked"] != false {
		t.Fatal("still blocked after delete")
	}
}

func TestBlocklistCIDRRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	if code, _ := env.do(t, http.MethodPost, "/blocklist", map[string]any{"ip": "198.51.100.0/24", "reason": "range"}); code != http.StatusCreated {
		t.Fatalf("block cidr: %d", code)
	}
	_, resp := env.do(t, http.MethodGet, "/blocklist/check/198.51.100.7", nil)
	if decodeData[map[string]any](t, resp)["blocked"] != true {
		t.Fatal("address in blocked range not blocked")
	}

	// The prefix itself is addressable in the path, slash included.
	if code, _ := env.do(t, http.MethodDelete, "/blocklist/198.51.100.0/24", nil); code != http.StatusOK {
		t.Fatalf("unblock cidr: %d", code)
	}
	_, resp = env.do(t, http.MethodGet, "/blocklist/check/198.51.100.7", nil)
	if decodeData[map[string]any](t, resp)["blocked"] != false {
		t.Fatal("range survived delete")
	}
}

func TestBlocklistPagination(t *testing.T) {
	env := newTestEnv(t)
	for i := 1; i <= 5; i++ {
		if code, _ := env.do(t, http.MethodPost, "/blocklist", map[string]any{"ip": fmt.Sprintf("192.0.2.%d", i)}); code != http.StatusCreated {
			t.Fatalf("block %d", i)
		}
	}

	type page struct {
		Items   []domain.BlocklistEntry `json:"items"`
		Total   int                     `json:"total"`
		Page    int                     `json:"page"`
		PerPage int                     `json:"per_page"`
	}
	_, resp := env.do(t, http.MethodGet, "/blocklist?page=1&per_page=2", nil)
	p := decodeData[page](t, resp)
	if p.Total != 5 || len(p.Items) != 2 || p.PerPage != 2 {
		t.Fatalf("page 1: %+v", p)
	}
	_, resp = env.do(t, http.MethodGet, "/blocklist?page=3&per_page=2", nil)
	if p = decodeData[page](t, resp); len(p.Items) != 1 {
		t.Fatalf("page 3: %+v", p)
	}
}

func TestAllowlistProtectsFromBlocks(t *testing.T) {
	env := newTestEnv(t)

	if code, _ := env.do(t, http.MethodPost, "/allowlist", map[string]any{"ip": "203.0.113.0/24", "reason": "monitoring"}); code != http.StatusCreated {
		t.Fatal("allow failed")
	}
	if code, _ := env.do(t, http.MethodPost, "/blocklist", map[string]any{"ip": "203.0.113.9"}); code != http.StatusCreated {
		t.Fatal("block failed")
	}

	_, resp := env.do(t, http.MethodGet, "/blocklist/check/203.0.113.9", nil)
	if decodeData[map[string]any](t, resp)["blocked"] != false {
		t.Fatal("allowlist did not take precedence")
	}

	_, resp = env.do(t, http.MethodGet, "/allowlist", nil)
	if got := decodeData[[]domain.AllowlistEntry](t, resp); len(got) != 1 || got[0].IP != "203.0.113.0/24" {
		t.Fatalf("allowlist listing: %+v", got)
	}
}

func TestSignalIngestEscalatesToBlock(t *testing.T) {
	env := newTestEnv(t)

	if code, _ := env.do(t, http.MethodPost, "/policy/shop.example.com", nil); code != http.StatusCreated {
		t.Fatal("create policy failed")
	}

	code, resp := env.do(t, http.MethodPost, "/signals", map[string]any{
		"domain":             "shop.example.com",
		"source_ip":          "192.0.2.99",
		"attack_type":        "syn_flood",
		"packets_per_second": 50000,
	})
	if code != http.StatusAccepted {
		t.Fatalf("signal: %d %+v", code, resp)
	}
	ev := decodeData[domain.AttackEvent](t, resp)
	if ev.Severity != 100 || !ev.Mitigated || ev.ID == "" {
		t.Fatalf("attack event: %+v", ev)
	}

	_, resp = env.do(t, http.MethodGet, "/blocklist/check/192.0.2.99", nil)
	if decodeData[map[string]any](t, resp)["blocked"] != true {
		t.Fatal("escalated source not blocked")
	}

	_, resp = env.do(t, http.MethodGet, "/attacks?limit=10", nil)
	if got := decodeData[[]domain.AttackEvent](t, resp); len(got) != 1 || got[0].AttackType != domain.AttackSynFlood {
		t.Fatalf("recent attacks: %+v", got)
	}

	_, resp = env.do(t, http.MethodGet, "/stats/top-attackers", nil)
	top := decodeData[[]domain.TopAttacker](t, resp)
	if len(top) != 1 || top[0].IP != "192.0.2.99" || !top[0].Blocked {
		t.Fatalf("top attackers: %+v", top)
	}

	if code, _ := env.do(t, http.MethodPost, "/signals", map[string]any{"source_ip": "nope", "attack_type": "syn_flood", "packets_per_second": 10}); code != http.StatusBadRequest {
		t.Fatalf("bad signal accepted: %d", code)
	}
}

func TestSignalForDisabledPolicyIsDropped(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/policy/shop.example.com", nil)
	env.do(t, http.MethodPatch, "/policy/shop.example.com", map[string]any{"enabled": false})

	code, resp := env.do(t, http.MethodPost, "/signals", map[string]any{
		"domain":             "shop.example.com",
		"source_ip":          "192.0.2.50",
		"attack_type":        "syn_flood",
		"packets_per_second": 50000,
	})
	if code != http.StatusAccepted || len(resp.Data) != 0 {
		t.Fatalf("dropped signal: %d %+v", code, resp)
	}

	_, resp = env.do(t, http.MethodGet, "/blocklist/check/192.0.2.50", nil)
	if decodeData[map[string]any](t, resp)["blocked"] != false {
		t.Fatal("dropped signal still blocked the source")
	}
	_, resp = env.do(t, http.MethodGet, "/attacks", nil)
	if got := decodeData[[]domain.AttackEvent](t, resp); len(got) != 0 {
		t.Fatalf("dropped signal recorded: %+v", got)
	}
}

func TestStatsEndpoints(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodGet, "/stats", nil)
	if code != http.StatusOK {
		t.Fatalf("stats: %d", code)
	}
	g := decodeData[domain.GlobalStats](t, resp)
	if g.TotalRequests != 0 || g.DropRate != 0 {
		t.Fatalf("fresh stats: %+v", g)
	}

	// Unknown domain with no policy and no traffic is a 404.
	if code, _ = env.do(t, http.MethodGet, "/stats/ghost.example.com", nil); code != http.StatusNotFound {
		t.Fatalf("ghost domain stats: %d", code)
	}

	// A domain with a policy reports zeroes before any traffic.
	env.do(t, http.MethodPost, "/policy/shop.example.com", nil)
	code, resp = env.do(t, http.MethodGet, "/stats/shop.example.com", nil)
	if code != http.StatusOK {
		t.Fatalf("domain stats: %d", code)
	}
	if ds := decodeData[domain.DomainStats](t, resp); ds.Domain != "shop.example.com" || ds.TotalRequests != 0 {
		t.Fatalf("domain stats: %+v", ds)
	}
}

func TestRateLimitCheckEndpoint(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/policy/shop.example.com", map[string]any{
		"rate_limit": map[string]any{
			"enabled":                 true,
			"max_requests_per_minute": 60,
			"window_duration_secs":    1,
			"scope":                   "per_ip",
		},
	})

	body := map[string]any{"domain": "shop.example.com", "ip": "192.0.2.1", "route": "/"}
	_, resp := env.do(t, http.MethodPost, "/ratelimit/check", body)
	if decodeData[map[string]any](t, resp)["allowed"] != true {
		t.Fatalf("first check denied: %+v", resp)
	}
	_, resp = env.do(t, http.MethodPost, "/ratelimit/check", body)
	if decodeData[map[string]any](t, resp)["allowed"] != false {
		t.Fatalf("budget not enforced: %+v", resp)
	}
}

func TestLiveStatsStreams(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats/live")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	type wire struct {
		Type      string          `json:"type"`
		Timestamp time.Time       `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}

	// Baseline snapshot arrives first.
	if !scanner.Scan() {
		t.Fatalf("no baseline event: %v", scanner.Err())
	}
	var first wire
	if err := json.Unmarshal(scanner.Bytes(), &first); err != nil {
		t.Fatalf("bad baseline %q: %v", scanner.Text(), err)
	}
	if first.Type != "stats_update" || first.Timestamp.IsZero() {
		t.Fatalf("baseline event: %+v", first)
	}

	env.bus.Publish(eventbus.PolicyUpdated{Time: time.Now(), Domain: "shop.example.com"})

	if !scanner.Scan() {
		t.Fatalf("no follow-up event: %v", scanner.Err())
	}
	var second wire
	if err := json.Unmarshal(scanner.Bytes(), &second); err != nil {
		t.Fatalf("bad event %q: %v", scanner.Text(), err)
	}
	if second.Type != "policy_updated" {
		t.Fatalf("event type %q", second.Type)
	}
	var payload struct {
		Domain string `json:"domain"`
	}
	if err := json.Unmarshal(second.Data, &payload); err != nil || payload.Domain != "shop.example.com" {
		t.Fatalf("event payload %s: %v", second.Data, err)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)
	if code, resp := env.do(t, http.MethodGet, "/healthz", nil); code != http.StatusOK || !resp.Success {
		t.Fatalf("healthz: %d %+v", code, resp)
	}
	if code, _ := env.do(t, http.MethodGet, "/readyz", nil); code != http.StatusOK {
		t.Fatalf("readyz: %d", code)
	}
}
