// Package gateway is the HTTP surface of the kernel: dispatch, task
// card review, the audit log, tenant settings, and a WebSocket live
// tail of bus events. Every route is tenant-scoped and authenticated;
// only /healthz is open.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/acadeon/chatops/internal/audit"
	"github.com/acadeon/chatops/internal/bus"
	"github.com/acadeon/chatops/internal/config"
	"github.com/acadeon/chatops/internal/dispatch"
	"github.com/acadeon/chatops/internal/intent"
	"github.com/acadeon/chatops/internal/otel"
	"github.com/acadeon/chatops/internal/persistence"
	"github.com/acadeon/chatops/internal/policy"
	"github.com/acadeon/chatops/internal/shared"
	"github.com/acadeon/chatops/internal/taskcard"
)

// Runner is the dispatch entry point the gateway fires into.
type Runner interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// Config wires a Server.
type Config struct {
	Store   *persistence.Store
	Runner  Runner
	Cards   *taskcard.Service
	Intents *intent.Registry
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics

	// DefaultTenant is assumed when a request carries no tenant id.
	DefaultTenant string

	// APIKeys maps client names to keys. Empty map means the gateway
	// refuses everything except /healthz.
	APIKeys map[string]string

	// AllowOrigins is the Origin allowlist for browser WebSocket clients.
	AllowOrigins []string

	RateLimit config.RateLimitConfig

	// ConfigFingerprint is surfaced in /healthz so operators can tell
	// which settings a process is running.
	ConfigFingerprint string
}

// Server serves the kernel API.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler builds the route table with auth, rate limiting, and request
// size limits applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("POST /v1/dispatch", s.handleDispatch)
	mux.HandleFunc("GET /v1/intents", s.handleIntents)

	mux.HandleFunc("GET /v1/audit/runs", s.handleListRuns)
	mux.HandleFunc("GET /v1/audit/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /v1/audit/runs/{id}/steps", s.handleRunSteps)

	mux.HandleFunc("GET /v1/taskcards", s.handleListCards)
	mux.HandleFunc("GET /v1/taskcards/{id}", s.handleGetCard)
	mux.HandleFunc("POST /v1/taskcards/{id}/approve", s.handleReviewCard(persistence.CardApproved))
	mux.HandleFunc("POST /v1/taskcards/{id}/reject", s.handleReviewCard(persistence.CardRejected))
	mux.HandleFunc("POST /v1/taskcards/{id}/execute", s.handleExecuteCard)

	mux.HandleFunc("GET /v1/tenants/{id}/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /v1/tenants/{id}/settings", s.handlePutSettings)

	var h http.Handler = mux
	h = s.measure(h)
	h = NewAuthMiddleware(s.cfg.APIKeys).Wrap(h)
	h = NewRateLimitMiddleware(s.cfg.RateLimit, s.cfg.Metrics).Wrap(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	h = RequestSizeLimitMiddleware(1 << 20)(h)
	return h
}

// measure records the request duration histogram.
func (s *Server) measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.cfg.Metrics != nil && s.cfg.Metrics.RequestDuration != nil {
			s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds())
		}
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.Ping(r.Context()) == nil
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"policy_deny_total":  audit.DenyCount(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, payload)
}

// tenantOf resolves the tenant for a request: explicit query param,
// else the configured default.
func (s *Server) tenantOf(r *http.Request) string {
	if t := r.URL.Query().Get("tenant_id"); t != "" {
		return t
	}
	return s.cfg.DefaultTenant
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.TenantID == "" {
		req.TenantID = s.cfg.DefaultTenant
	}
	if req.IntentKey == "" {
		writeError(w, http.StatusBadRequest, "intent_key is required")
		return
	}
	if req.Actor.Type == "" {
		req.Actor = shared.Actor{Type: "api", ID: KeyNameFromContext(r.Context())}
	}
	if req.Source == "" {
		req.Source = "api"
	}

	res, err := s.cfg.Runner.Dispatch(r.Context(), req)
	if err != nil {
		s.writeDispatchError(w, res, err)
		return
	}
	writeJSON(w, res)
}

// writeDispatchError maps the dispatch error taxonomy onto HTTP status
// codes. The run id rides along when a run was opened before failing.
func (s *Server) writeDispatchError(w http.ResponseWriter, res *dispatch.Result, err error) {
	kind := dispatch.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case dispatch.KindClassification:
		status = http.StatusNotFound
	case dispatch.KindValidation:
		status = http.StatusBadRequest
	case dispatch.KindPolicyDenied:
		status = http.StatusForbidden
	case dispatch.KindDuplicateInFlight:
		status = http.StatusConflict
	case dispatch.KindDomain:
		status = http.StatusUnprocessableEntity
	}
	body := map[string]any{
		"error": shared.Redact(err.Error()),
		"kind":  string(kind),
	}
	if res != nil && res.RunID != "" {
		body["run_id"] = res.RunID
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleIntents(w http.ResponseWriter, r *http.Request) {
	type intentView struct {
		Key         string `json:"key"`
		Level       string `json:"level"`
		Class       string `json:"class,omitempty"`
		Description string `json:"description"`
	}
	defs := s.cfg.Intents.All()
	out := make([]intentView, 0, len(defs))
	for _, d := range defs {
		out = append(out, intentView{
			Key: d.Key, Level: string(d.Level), Class: string(d.Class), Description: d.Description,
		})
	}
	writeJSON(w, map[string]any{"intents": out})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.RunFilter{
		Status:        persistence.RunStatus(q.Get("status")),
		OperationType: q.Get("operation_type"),
		Source:        q.Get("source"),
		IntentKey:     q.Get("intent_key"),
		Query:         q.Get("q"),
		Cursor:        q.Get("cursor"),
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		filter.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		filter.To = t
	}

	runs, next, more, err := s.cfg.Store.ListRuns(r.Context(), s.tenantOf(r), filter)
	if err != nil {
		s.internalError(w, "list runs", err)
		return
	}
	writeJSON(w, map[string]any{"runs": runs, "next_cursor": next, "has_more": more})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.cfg.Store.GetRun(r.Context(), s.tenantOf(r), r.PathValue("id"))
	if errors.Is(err, persistence.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.internalError(w, "get run", err)
		return
	}
	writeJSON(w, run)
}

func (s *Server) handleRunSteps(w http.ResponseWriter, r *http.Request) {
	tenantID := s.tenantOf(r)
	runID := r.PathValue("id")
	if _, err := s.cfg.Store.GetRun(r.Context(), tenantID, runID); err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.internalError(w, "get run", err)
		return
	}
	steps, err := s.cfg.Store.ListSteps(r.Context(), tenantID, runID)
	if err != nil {
		s.internalError(w, "list steps", err)
		return
	}
	writeJSON(w, map[string]any{"steps": steps})
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	status := persistence.CardStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = persistence.CardPending
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	cards, err := s.cfg.Store.ListTaskCards(r.Context(), s.tenantOf(r), status, limit)
	if err != nil {
		s.internalError(w, "list task cards", err)
		return
	}
	writeJSON(w, map[string]any{"task_cards": cards})
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.cfg.Store.GetTaskCard(r.Context(), s.tenantOf(r), r.PathValue("id"))
	if errors.Is(err, persistence.ErrCardNotFound) {
		writeError(w, http.StatusNotFound, "task card not found")
		return
	}
	if err != nil {
		s.internalError(w, "get task card", err)
		return
	}
	writeJSON(w, card)
}

type reviewRequest struct {
	Reviewer string `json:"reviewer"`
}

func (s *Server) handleReviewCard(to persistence.CardStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body reviewRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		reviewer := body.Reviewer
		if reviewer == "" {
			reviewer = KeyNameFromContext(r.Context())
		}

		var card *persistence.TaskCard
		var err error
		switch to {
		case persistence.CardApproved:
			card, err = s.cfg.Cards.Approve(r.Context(), s.tenantOf(r), r.PathValue("id"), reviewer)
		case persistence.CardRejected:
			card, err = s.cfg.Cards.Reject(r.Context(), s.tenantOf(r), r.PathValue("id"), reviewer)
		}
		if errors.Is(err, persistence.ErrCardNotFound) {
			writeError(w, http.StatusNotFound, "task card not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusConflict, shared.Redact(err.Error()))
			return
		}
		writeJSON(w, card)
	}
}

func (s *Server) handleExecuteCard(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActorType string `json:"actor_type"`
		ActorID   string `json:"actor_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	actor := shared.Actor{Type: body.ActorType, ID: body.ActorID}
	if actor.Type == "" {
		actor = shared.Actor{Type: "api", ID: KeyNameFromContext(r.Context())}
	}

	res, card, err := s.cfg.Cards.Execute(r.Context(), s.tenantOf(r), r.PathValue("id"), actor)
	if errors.Is(err, persistence.ErrCardNotFound) {
		writeError(w, http.StatusNotFound, "task card not found")
		return
	}
	if err != nil {
		if dispatch.KindOf(err) != "" {
			s.writeDispatchError(w, res, err)
			return
		}
		// Card state errors: wrong status, malformed suggestion.
		writeError(w, http.StatusConflict, shared.Redact(err.Error()))
		return
	}
	writeJSON(w, map[string]any{"result": res, "task_card": card})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("id")
	if _, err := s.cfg.Store.GetTenant(r.Context(), tenantID); err != nil {
		if errors.Is(err, persistence.ErrTenantNotFound) {
			writeError(w, http.StatusNotFound, "tenant not found")
			return
		}
		s.internalError(w, "get tenant", err)
		return
	}
	cfg, err := s.cfg.Store.TenantConfig(r.Context(), tenantID)
	if err != nil {
		s.internalError(w, "read tenant settings", err)
		return
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	writeJSON(w, map[string]any{"tenant_id": tenantID, "config": cfg})
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("id")
	if _, err := s.cfg.Store.GetTenant(r.Context(), tenantID); err != nil {
		if errors.Is(err, persistence.ErrTenantNotFound) {
			writeError(w, http.StatusNotFound, "tenant not found")
			return
		}
		s.internalError(w, "get tenant", err)
		return
	}

	var body struct {
		Config map[string]any `json:"config"`
		Path   string         `json:"path"`
		Value  any            `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	switch {
	case body.Path != "":
		path, err := s.normalizeSettingsPath(body.Path)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.cfg.Store.SetTenantConfigValue(r.Context(), tenantID, path, body.Value); err != nil {
			writeError(w, http.StatusBadRequest, shared.Redact(err.Error()))
			return
		}
	case body.Config != nil:
		if err := s.normalizeThresholdKeys(body.Config); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.cfg.Store.SetTenantConfig(r.Context(), tenantID, body.Config); err != nil {
			s.internalError(w, "write tenant settings", err)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "either config or path is required")
		return
	}

	cfg, err := s.cfg.Store.TenantConfig(r.Context(), tenantID)
	if err != nil {
		s.internalError(w, "read tenant settings", err)
		return
	}
	writeJSON(w, map[string]any{"tenant_id": tenantID, "config": cfg})
}

// normalizeSettingsPath rewrites a retired v1 policy key inside a
// thresholds path to its v2 form. Unknown threshold keys are rejected
// so v1 spellings never persist as current keys.
func (s *Server) normalizeSettingsPath(path string) (string, error) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 || parts[0] != "thresholds" {
		return path, nil
	}
	key, err := policy.NormalizeLogged(parts[1], s.logger)
	if err != nil {
		return "", err
	}
	parts[1] = string(key)
	return strings.Join(parts, "."), nil
}

// normalizeThresholdKeys applies the same rewrite to the thresholds
// section of a full config replace. A canonical key already present
// wins over its legacy spelling.
func (s *Server) normalizeThresholdKeys(config map[string]any) error {
	thresholds, ok := config["thresholds"].(map[string]any)
	if !ok {
		return nil
	}
	for raw, v := range thresholds {
		key, err := policy.NormalizeLogged(raw, s.logger)
		if err != nil {
			return err
		}
		if string(key) == raw {
			continue
		}
		if _, exists := thresholds[string(key)]; !exists {
			thresholds[string(key)] = v
		}
		delete(thresholds, raw)
	}
	return nil
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("gateway: "+op, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
