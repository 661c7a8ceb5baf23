// Package httpapi is the REST surface of the control plane: policy CRUD,
// blocklist and allowlist management, stats, signal ingest and the live
// event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

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

const maxRequestBodyBytes int64 = 1 << 20 // 1 MiB

const defaultPerPage = 50
const maxPerPage = 500

type Server struct {
	log        *logging.Logger
	policies   *policy.Store
	registry   *blockregistry.Registry
	classifier *classifier.Classifier
	stats      *stats.Aggregator
	limiter    *ratelimit.Service
	bus        *eventbus.Bus
	metrics    *observability.Metrics
	db         store.Store
	r          chi.Router
	now        func() time.Time
}

func NewServer(log *logging.Logger, policies *policy.Store, registry *blockregistry.Registry, cl *classifier.Classifier, agg *stats.Aggregator, limiter *ratelimit.Service, bus *eventbus.Bus, metrics *observability.Metrics, db store.Store) *Server {
	s := &Server{
		log:        log,
		policies:   policies,
		registry:   registry,
		classifier: cl,
		stats:      agg,
		limiter:    limiter,
		bus:        bus,
		metrics:    metrics,
		db:         db,
		r:          chi.NewRouter(),
		now:        time.Now,
	}
	s.routes()
	return s
}

func (s *Server) Router() http.Handler { return s.r }

func (s *Server) routes() {
	s.r.Use(middleware.RequestID)
	s.r.Use(s.loggingMiddleware)
	s.r.Get("/healthz", s.handleHealth)
	s.r.Get("/readyz", s.handleReady)

	s.r.Get("/policies", s.handleListPolicies)
	s.r.Route("/policy/{domain}", func(r chi.Router) {
		r.Get("/", s.handleGetPolicy)
		r.Post("/", s.handleCreatePolicy)
		r.Patch("/", s.handleUpdatePolicy)
		r.Delete("/", s.handleDeletePolicy)
	})

	// Blocklist and allowlist removal routes take the address as a trailing
	// wildcard so CIDR patterns, which contain a slash, survive routing.
	s.r.Route("/blocklist", func(r chi.Router) {
		r.Get("/", s.handleListBlocklist)
		r.Post("/", s.handleBlock)
		r.Get("/check/*", s.handleCheckBlocked)
		r.Delete("/*", s.handleUnblock)
	})
	s.r.Route("/allowlist", func(r chi.Router) {
		r.Get("/", s.handleListAllowlist)
		r.Post("/", s.handleAllow)
		r.Delete("/*", s.handleDisallow)
	})

	s.r.Route("/stats", func(r chi.Router) {
		r.Get("/", s.handleGlobalStats)
		r.Get("/live", s.handleLiveStats)
		r.Get("/top-attackers", s.handleTopAttackers)
		r.Get("/{domain}", s.handleDomainStats)
	})
	s.r.Get("/attacks", s.handleRecentAttacks)

	s.r.Post("/signals", s.handleSignal)
	s.r.Post("/ratelimit/check", s.handleRateLimitCheck)
	s.r.Post("/challenge/result", s.handleChallengeResult)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		logger := s.log.WithRequestID(reqID)
		ctx := logging.ContextWithLogger(r.Context(), logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- policies ---

func (s *Server) handleListPolicies(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, s.policies.List())
}

// handleCreatePolicy installs a policy for the domain in the path. The body
// carries overrides; an empty body takes the defaults wholesale.
func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var u domain.PolicyUpdate
	if err := decodeJSON(w, r, &u); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	now := s.now()
	p := u.Apply(domain.DefaultPolicy(chi.URLParam(r, "domain"), now), now)
	created, err := s.policies.Create(r.Context(), p)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, created)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.policies.Get(chi.URLParam(r, "domain"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var u domain.PolicyUpdate
	if err := decodeJSON(w, r, &u); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if u.Empty() {
		writeError(w, http.StatusBadRequest, "no fields to update")
		return
	}
	p, err := s.policies.Update(r.Context(), chi.URLParam(r, "domain"), u)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, p)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.policies.Delete(r.Context(), chi.URLParam(r, "domain")); err != nil {
		writeErr(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "policy deleted")
}

// --- blocklist ---

type blockRequest struct {
	IP           string             `json:"ip"`
	Reason       string             `json:"reason"`
	DurationSecs int64              `json:"duration_secs,omitempty"`
	Source       domain.BlockSource `json:"source,omitempty"`
	Domain       string             `json:"domain,omitempty"`
}

type pageResponse struct {
	Items   any `json:"items"`
	Total   int `json:"total"`
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}

func (s *Server) handleListBlocklist(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", defaultPerPage)
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	items, total := s.registry.ListBlocklist(page, perPage)
	writeData(w, http.StatusOK, pageResponse{Items: items, Total: total, Page: page, PerPage: perPage})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e := domain.BlocklistEntry{
		IP:     req.IP,
		Reason: req.Reason,
		Source: req.Source,
		Domain: req.Domain,
	}
	if req.DurationSecs < 0 {
		writeError(w, http.StatusBadRequest, "duration_secs cannot be negative")
		return
	}
	if req.DurationSecs > 0 {
		e.ExpiresAt = s.now().Add(time.Duration(req.DurationSecs) * time.Second)
	}
	created, err := s.registry.Block(r.Context(), e)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, created)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "*")
	removed, err := s.registry.Unblock(r.Context(), r.URL.Query().Get("domain"), ip)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !removed {
		writeMessage(w, http.StatusOK, "not blocked")
		return
	}
	writeMessage(w, http.StatusOK, "unblocked")
}

func (s *Server) handleCheckBlocked(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "*")
	if err := domain.ValidateIPOrCIDR(ip); err != nil || domain.IsCIDR(ip) {
		writeError(w, http.StatusBadRequest, "must be a single address")
		return
	}
	blocked := s.registry.IsBlockedForDomain(r.URL.Query().Get("domain"), ip)
	if blocked {
		s.metrics.IncBlocked()
		s.stats.RecordBlocked(r.URL.Query().Get("domain"))
	}
	writeData(w, http.StatusOK, map[string]any{"ip": ip, "blocked": blocked})
}

// --- allowlist ---

type allowRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
	Domain string `json:"domain,omitempty"`
}

func (s *Server) handleListAllowlist(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, s.registry.ListAllowlist())
}

func (s *Server) handleAllow(w http.ResponseWriter, r *http.Request) {
	var req allowRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.registry.Allow(r.Context(), domain.AllowlistEntry{IP: req.IP, Reason: req.Reason, Domain: req.Domain})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, created)
}

func (s *Server) handleDisallow(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "*")
	removed, err := s.registry.Disallow(r.Context(), r.URL.Query().Get("domain"), ip)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !removed {
		writeMessage(w, http.StatusOK, "not allowlisted")
		return
	}
	writeMessage(w, http.StatusOK, "removed from allowlist")
}

// --- stats ---

func (s *Server) handleGlobalStats(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, s.stats.Global())
}

func (s *Server) handleDomainStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "domain")
	ds, seen := s.stats.Domain(name)
	if !seen {
		// A domain with a policy but no traffic yet still reports zeroes.
		if _, err := s.policies.Get(name); err != nil {
			writeErr(w, err)
			return
		}
	}
	writeData(w, http.StatusOK, ds)
}

func (s *Server) handleTopAttackers(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.stats.TopAttackers(queryInt(r, "limit", 10)))
}

func (s *Server) handleRecentAttacks(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.stats.RecentAttacks(queryInt(r, "limit", 50)))
}

// handleLiveStats streams events as newline-delimited JSON until the client
// disconnects. The current stats snapshot is sent first so a fresh consumer
// has a baseline.
func (s *Server) handleLiveStats(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sub := s.bus.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	snap := s.stats.Global()
	if !s.writeEvent(w, eventbus.StatsUpdate{Time: snap.Timestamp, Stats: snap}) {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if !s.writeEvent(w, ev) {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, ev eventbus.Event) bool {
	payload, err := eventbus.Marshal(ev)
	if err != nil {
		s.log.Error("marshal live event", "type", ev.EventType(), "error", err)
		return true
	}
	if _, err := w.Write(append(payload, '\n')); err != nil {
		return false
	}
	return true
}

// --- data-plane ingest ---

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var sig classifier.Signal
	if err := decodeJSON(w, r, &sig); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev, err := s.classifier.Ingest(r.Context(), sig)
	if err != nil {
		writeErr(w, err)
		return
	}
	// A zero event means the target domain's protection is switched off and
	// the signal was dropped.
	if ev.ID == "" {
		logging.FromContext(r.Context(), s.log).Debug("signal dropped", "domain", sig.Domain, "source_ip", sig.SourceIP)
		writeMessage(w, http.StatusAccepted, "signal dropped")
		return
	}
	writeData(w, http.StatusAccepted, ev)
}

type rateLimitCheckRequest struct {
	Domain string `json:"domain"`
	IP     string `json:"ip"`
	Route  string `json:"route,omitempty"`
}

func (s *Server) handleRateLimitCheck(w http.ResponseWriter, r *http.Request) {
	var req rateLimitCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.metrics.IncRequests()
	d := s.limiter.Check(req.Domain, req.IP, req.Route)
	if !d.Allowed {
		s.metrics.IncRateLimited()
		w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds()+1)))
	}
	writeData(w, http.StatusOK, map[string]any{
		"allowed":          d.Allowed,
		"remaining":        d.Remaining,
		"retry_after_secs": d.RetryAfter.Seconds(),
		"challenge":        d.Challenge,
	})
}

type challengeResultRequest struct {
	Domain string `json:"domain"`
	IP     string `json:"ip"`
	Passed bool   `json:"passed"`
}

func (s *Server) handleChallengeResult(w http.ResponseWriter, r *http.Request) {
	var req challengeResultRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	if req.Passed {
		s.limiter.ChallengePassed(req.Domain, req.IP)
	} else {
		s.limiter.ChallengeFailed(req.Domain, req.IP)
	}
	writeMessage(w, http.StatusOK, "recorded")
}

// --- plumbing ---

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

var errEmptyBody = errors.New("request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, apiResponse{Success: true, Data: data})
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiResponse{Success: true, Message: msg})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiResponse{Success: false, Error: msg})
}

// writeErr maps domain errors onto status codes.
func writeErr(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, domain.ErrInvalidDuration):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "store timed out")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	if raw := strings.TrimSpace(r.URL.Query().Get(key)); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
