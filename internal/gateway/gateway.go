// Package gateway exposes the test scheduler over HTTP: test submission,
// status reads, agent registration, conversation reads, a health probe,
// and a WebSocket event stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/MikePfunk28/agent-builder-application-sub000/internal/bus"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/collab"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/config"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/otel"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/queue"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/shared"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/window"
)

// maxBodyBytes bounds request bodies before JSON decoding.
const maxBodyBytes = 1 << 20

type Config struct {
	Store   *queue.Store
	Agents  *collab.AgentDirectory
	Gate    *collab.TierGate
	Window  *window.Store
	Bus     *bus.Bus
	Metrics *otel.Metrics

	// Notify wakes the scheduler after an enqueue. Nil means the backstop
	// ticker picks the work up instead.
	Notify func()

	// AuthToken guards every endpoint except /healthz. Empty disables auth
	// for local development.
	AuthToken string

	RateLimit config.RateLimitConfig
	CORS      config.CORSConfig

	// ConfigFingerprint is the hash of active config exposed in /healthz.
	ConfigFingerprint string

	// Tracer records request spans. Nil means no-op.
	Tracer trace.Tracer

	Logger *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	schema  *jsonschema.Schema
	limiter *RateLimiter
}

// submitSchemaJSON validates POST /v1/tests payloads before any database
// work happens.
const submitSchemaJSON = `{
  "type": "object",
  "required": ["agent_id", "input", "user_id"],
  "properties": {
    "agent_id":        {"type": "string", "minLength": 1},
    "input":           {"type": "string", "minLength": 1},
    "user_id":         {"type": "string", "minLength": 1},
    "tier":            {"type": "string"},
    "model_id":        {"type": "string"},
    "conversation_id": {"type": "string"},
    "priority":        {"type": "integer", "minimum": 0, "maximum": 9}
  },
  "additionalProperties": false
}`

type submitRequest struct {
	AgentID        string `json:"agent_id"`
	Input          string `json:"input"`
	UserID         string `json:"user_id"`
	Tier           string `json:"tier"`
	ModelID        string `json:"model_id"`
	ConversationID string `json:"conversation_id"`
	Priority       int    `json:"priority"`
}

type registerAgentRequest struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
	Code         string `json:"code"`
	Tools        string `json:"tools"`
}

func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(submitSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse submit schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("submit.json", doc); err != nil {
		return nil, fmt.Errorf("add submit schema: %w", err)
	}
	schema, err := c.Compile("submit.json")
	if err != nil {
		return nil, fmt.Errorf("compile submit schema: %w", err)
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "gateway"),
		schema:  schema,
		limiter: NewRateLimiter(cfg.RateLimit),
	}, nil
}

// StartEviction begins pruning idle rate-limit buckets until ctx is
// canceled. No-op when rate limiting is disabled. Zero interval or
// maxAge fall back to sensible defaults.
func (s *Server) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	if !s.cfg.RateLimit.Enabled {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	s.limiter.StartEviction(ctx, interval, maxAge)
}

// Handler returns the full middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/events", s.handleWS)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/v1/tests", s.handleTests)
	mux.HandleFunc("/v1/tests/", s.handleTestByID)
	mux.HandleFunc("/v1/agents", s.handleAgents)
	mux.HandleFunc("/v1/conversations/", s.handleConversationByID)

	var h http.Handler = mux
	h = s.limiter.Wrap(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	pending, err := s.cfg.Store.CountEntriesByStatus(ctx, queue.EntryPending)
	if err != nil {
		dbOK = false
	}
	running, _ := s.cfg.Store.CountExecutionsByStatus(ctx, queue.StatusRunning)

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"pending_entries":    pending,
		"running_tests":      running,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ctx := r.Context()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	pending, _ := s.cfg.Store.CountEntriesByStatus(ctx, queue.EntryPending)
	claimed, _ := s.cfg.Store.CountEntriesByStatus(ctx, queue.EntryClaimed)
	queued, _ := s.cfg.Store.CountExecutionsByStatus(ctx, queue.StatusQueued)
	building, _ := s.cfg.Store.CountExecutionsByStatus(ctx, queue.StatusBuilding)
	running, _ := s.cfg.Store.CountExecutionsByStatus(ctx, queue.StatusRunning)
	completed, _ := s.cfg.Store.CountExecutionsByStatus(ctx, queue.StatusCompleted)
	failed, _ := s.cfg.Store.CountExecutionsByStatus(ctx, queue.StatusFailed)

	writeJSON(w, http.StatusOK, map[string]any{
		"pending_entries": pending,
		"claimed_entries": claimed,
		"tests_queued":    queued,
		"tests_building":  building,
		"tests_running":   running,
		"tests_completed": completed,
		"tests_failed":    failed,
		"ws_subscribers":  s.cfg.Bus.SubscriberCount(),
		"alloc_bytes":     mem.Alloc,
	})
}

func (s *Server) handleTests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.schema.Validate(parsed); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}

	ctx := shared.WithTraceID(shared.WithUserID(r.Context(), req.UserID), shared.NewTraceID())
	ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, "gateway.submit",
		otel.AttrAgentID.String(req.AgentID),
	)
	defer span.End()

	remaining := -1
	if s.cfg.Gate != nil {
		dec, err := s.cfg.Gate.Allow(ctx, req.UserID, req.Tier)
		if err != nil {
			var quota *collab.ErrQuotaExceeded
			if errors.As(err, &quota) {
				writeJSON(w, http.StatusTooManyRequests, map[string]any{
					"error":     quota.Error(),
					"remaining": dec.Remaining,
				})
				return
			}
			writeError(w, http.StatusInternalServerError, "quota check: "+err.Error())
			return
		}
		remaining = dec.Remaining
	}

	if _, err := s.cfg.Agents.Lookup(ctx, req.AgentID); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown agent: "+req.AgentID)
			return
		}
		writeError(w, http.StatusInternalServerError, "agent lookup: "+err.Error())
		return
	}

	if req.ConversationID != "" && s.cfg.Window != nil {
		if _, err := s.cfg.Window.Ensure(ctx, req.ConversationID); err != nil {
			writeError(w, http.StatusInternalServerError, "conversation: "+err.Error())
			return
		}
	}

	execID, err := s.cfg.Store.CreateExecution(ctx, &queue.TestExecution{
		AgentID:        req.AgentID,
		UserID:         req.UserID,
		Input:          req.Input,
		ConversationID: req.ConversationID,
		ModelID:        req.ModelID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create execution: "+err.Error())
		return
	}
	entryID, err := s.cfg.Store.Enqueue(ctx, execID, req.Priority)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue: "+err.Error())
		return
	}
	span.SetAttributes(otel.AttrExecutionID.String(execID))

	if s.cfg.Metrics != nil && s.cfg.Metrics.TestsEnqueued != nil {
		s.cfg.Metrics.TestsEnqueued.Add(ctx, 1)
	}
	if s.cfg.Notify != nil {
		s.cfg.Notify()
	}

	s.logger.Info("test accepted",
		"execution_id", execID, "agent_id", req.AgentID, "user_id", req.UserID, "priority", req.Priority)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"test_id":         execID,
		"entry_id":        entryID,
		"status":          string(queue.StatusQueued),
		"quota_remaining": remaining,
	})
}

func (s *Server) handleTestByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/tests/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	exec, err := s.cfg.Store.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown test: "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	events, err := s.cfg.Store.ListExecutionEvents(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"test":   exec,
		"events": events,
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req registerAgentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.Model) == "" {
		writeError(w, http.StatusBadRequest, "id and model are required")
		return
	}

	err := s.cfg.Agents.Register(r.Context(), queue.Agent{
		ID:           req.ID,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Code:         req.Code,
		Tools:        req.Tools,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "register agent: "+err.Error())
		return
	}
	s.logger.Info("agent registered", "agent_id", req.ID, "model", req.Model)
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": req.ID})
}

func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/conversations/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	conv, err := s.cfg.Store.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown conversation: "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var msgs []queue.Message
	if s.cfg.Window != nil {
		msgs, err = s.cfg.Window.History(r.Context(), id)
	} else {
		msgs, err = s.cfg.Store.History(r.Context(), id, 0)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"messages":     msgs,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
