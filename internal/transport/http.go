package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aegisproxy/aegis/internal/audit"
	"github.com/aegisproxy/aegis/internal/decision"
	"github.com/aegisproxy/aegis/internal/jsonrpc"
	"github.com/aegisproxy/aegis/internal/policy"
	"github.com/aegisproxy/aegis/internal/proxy"
	"github.com/aegisproxy/aegis/internal/session"
)

// Identity and correlation headers on the HTTP transport.
const (
	HeaderSessionID     = "session-id"
	HeaderAgentID       = "agent-id"
	HeaderAgentType     = "agent-type"
	HeaderAgentMetadata = "agent-metadata"
)

// HTTP serves the JSON-RPC endpoint, the SSE stream, and the admin
// surfaces: policy CRUD + analysis, audit queries, and the live feed.
type HTTP struct {
	coord *proxy.Coordinator
	hub   *Hub
	cors  bool

	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewHTTP creates the HTTP listener.
func NewHTTP(coord *proxy.Coordinator, cors bool, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	h := &HTTP{
		coord:  coord,
		hub:    NewHub(coord.Audit(), cors, logger),
		cors:   cors,
		mux:    http.NewServeMux(),
		logger: logger.With("component", "transport.HTTP"),
	}
	h.registerRoutes()
	return h
}

func (h *HTTP) registerRoutes() {
	h.mux.HandleFunc("POST /mcp", h.handleRPC)
	h.mux.HandleFunc("GET /mcp", h.handleStream)
	h.mux.HandleFunc("DELETE /mcp", h.handleEndSession)

	h.mux.HandleFunc("GET /health", h.handleHealth)

	h.mux.HandleFunc("GET /policies", h.handleListPolicies)
	h.mux.HandleFunc("POST /policies", h.handleCreatePolicy)
	h.mux.HandleFunc("POST /policies/analyze", h.handleAnalyzePolicy)
	h.mux.HandleFunc("GET /policies/{id}", h.handleGetPolicy)
	h.mux.HandleFunc("PATCH /policies/{id}", h.handleUpdatePolicy)
	h.mux.HandleFunc("DELETE /policies/{id}", h.handleDeletePolicy)
	h.mux.HandleFunc("PATCH /policies/{id}/status", h.handlePolicyStatus)

	h.mux.HandleFunc("GET /audit", h.handleAuditQuery)
	h.mux.HandleFunc("GET /audit/live", h.hub.HandleWebSocket)
}

// Handler returns the HTTP handler, with CORS in development setups.
func (h *HTTP) Handler() http.Handler {
	if h.cors {
		return corsMiddleware(h.mux)
	}
	return h.mux
}

// Start serves on addr until Shutdown.
func (h *HTTP) Start(addr string) error {
	h.httpServer = &http.Server{
		Addr:        addr,
		Handler:     h.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	h.logger.Info("http listener serving", "addr", addr)
	err := h.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener and the live feed hub.
func (h *HTTP) Shutdown(ctx context.Context) error {
	h.hub.Close()
	if h.httpServer != nil {
		return h.httpServer.Shutdown(ctx)
	}
	return nil
}

// sessionFor resolves the caller's session: an existing one via the
// session-id header, or a fresh one from the identity headers.
func (h *HTTP) sessionFor(r *http.Request) (*session.Session, bool) {
	if id := r.Header.Get(HeaderSessionID); id != "" {
		return h.coord.Sessions().Get(id)
	}
	var metadata json.RawMessage
	if raw := r.Header.Get(HeaderAgentMetadata); raw != "" && json.Valid([]byte(raw)) {
		metadata = json.RawMessage(raw)
	}
	return h.coord.Sessions().Create(
		r.Header.Get(HeaderAgentID),
		r.Header.Get(HeaderAgentType),
		metadata,
	), true
}

// handleRPC processes one JSON-RPC request. The response is a single JSON
// body, or a one-event SSE stream when the client accepts event-stream.
func (h *HTTP) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 16*1024*1024))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body")
		return
	}
	msg, err := jsonrpc.Decode(body)
	if err != nil {
		writeRPC(w, r, "", jsonrpc.NewErrorResponse(nil, jsonrpc.CodeParseError, "parse error"))
		return
	}

	sess, ok := h.sessionFor(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	resp := h.coord.Handle(r.Context(), sess, msg)
	if resp == nil {
		w.Header().Set(HeaderSessionID, sess.ID)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeRPC(w, r, sess.ID, resp)
}

// handleStream opens the long-lived SSE channel. The first event announces
// the session id; the stream then idles with keep-alive comments until the
// client goes away.
func (h *HTTP) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sess, found := h.sessionFor(r)
	if !found {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(HeaderSessionID, sess.ID)

	fmt.Fprintf(w, "event: session\ndata: {\"sessionId\":%q}\n\n", sess.ID)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			// SSE comment line; keeps intermediaries from timing out.
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
			h.coord.Sessions().Get(sess.ID)
		}
	}
}

func (h *HTTP) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(HeaderSessionID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "session-id header required")
		return
	}
	if !h.coord.Sessions().Delete(id) {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":    "ok",
		"version":   proxy.Version,
		"upstreams": h.coord.UpstreamStatus(),
		"sessions":  h.coord.Sessions().ActiveCount(),
	})
}

// --- Policy admin surface ---

// policyRequest is the CRUD payload for create and update.
type policyRequest struct {
	ID         string             `json:"id,omitempty"`
	Name       string             `json:"name"`
	Body       string             `json:"body"`
	Priority   int                `json:"priority,omitempty"`
	Tags       []string           `json:"tags,omitempty"`
	Status     string             `json:"status,omitempty"`
	Conditions *policy.Conditions `json:"conditions,omitempty"`
	UpdatedBy  string             `json:"updatedBy,omitempty"`
}

func (h *HTTP) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	store := h.coord.Engine().Store()
	var policies []policy.Policy
	if status := r.URL.Query().Get("status"); status == string(policy.StatusActive) {
		policies = store.GetActive()
	} else {
		policies = store.List()
	}
	writeJSON(w, map[string]any{
		"policies": policies,
		"total":    len(policies),
	})
}

func (h *HTTP) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed policy payload")
		return
	}
	if req.Name == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "name and body are required")
		return
	}

	store := h.coord.Engine().Store()
	id, err := store.Add(req.ID, req.Name, req.Body, policy.Metadata{
		Status:   policy.Status(req.Status),
		Priority: req.Priority,
		Tags:     req.Tags,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Conditions != nil {
		if err := store.AddConditions(id, *req.Conditions); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	p, _ := store.Get(id)
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, p)
}

func (h *HTTP) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := h.coord.Engine().Store().Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	writeJSON(w, p)
}

func (h *HTTP) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed policy payload")
		return
	}
	id := r.PathValue("id")
	store := h.coord.Engine().Store()

	if req.Body != "" {
		if err := store.Update(id, req.Body, req.UpdatedBy); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
	}
	if req.Conditions != nil {
		if err := store.AddConditions(id, *req.Conditions); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	p, ok := store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	writeJSON(w, p)
}

func (h *HTTP) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.Engine().Store().Remove(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) handlePolicyStatus(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed status payload")
		return
	}
	id := r.PathValue("id")
	if err := h.coord.Engine().Store().ChangeStatus(id, policy.Status(req.Status), req.UpdatedBy); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := h.coord.Engine().Store().Get(id)
	writeJSON(w, p)
}

func (h *HTTP) handleAnalyzePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}
	warnings := policy.Analyze(req.Body)
	writeJSON(w, map[string]any{
		"warnings": warnings,
		"count":    len(warnings),
	})
}

// --- Audit query surface ---

func (h *HTTP) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from, to := now, now
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be YYYY-MM-DD")
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be YYYY-MM-DD")
			return
		}
		to = t
	}

	filter := audit.Filter{
		Agent:   r.URL.Query().Get("agent"),
		Outcome: audit.Outcome(r.URL.Query().Get("outcome")),
		Effect:  decision.Effect(r.URL.Query().Get("effect")),
	}
	limit := queryInt(r, "limit", 100)

	entries := make([]audit.Entry, 0, limit)
	err := h.coord.Audit().Query(r.Context(), from, to, filter, func(e audit.Entry) bool {
		entries = append(entries, e)
		return len(entries) < limit
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"entries": entries,
		"total":   len(entries),
	})
}

// --- helpers ---

// writeRPC emits a JSON-RPC response as plain JSON, or as a one-event SSE
// stream when the client negotiated event-stream responses.
func writeRPC(w http.ResponseWriter, r *http.Request, sessionID string, msg *jsonrpc.Message) {
	if sessionID != "" {
		w.Header().Set(HeaderSessionID, sessionID)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode response")
		return
	}
	if wantsSSE(r) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", body)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// wantsSSE reports whether the client asked for a streamed response. The
// response framing is negotiated per request through the Accept header;
// the protocolVersion exchanged at initialize does not select it.
func wantsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}

// corsMiddleware adds permissive CORS headers for development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, session-id, agent-id, agent-type, agent-metadata")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
