package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mina-net/debugger/internal/audit"
	"github.com/mina-net/debugger/internal/storage"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store Store
	audit *audit.Logger
}

// NewServer creates a new Server with the provided storage layer.
func NewServer(store Store) *Server {
	return &Server{store: store}
}

// WithAudit attaches an audit.Logger that records every successful query
// against /connections* routes, including the requesting subject from the
// validated JWT claims when present. Returns srv so it can be chained after
// NewServer.
func (s *Server) WithAudit(logger *audit.Logger) *Server {
	s.audit = logger
	return s
}

// logQuery appends a best-effort audit entry describing one query request.
// Marshal and append failures are ignored rather than failing the request —
// an unauditable successful query is still a successful query.
func (s *Server) logQuery(r *http.Request, action string, params map[string]any) {
	if s.audit == nil {
		return
	}
	subject := ""
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		subject = claims.Subject
	}
	payload, err := json.Marshal(map[string]any{
		"action":  action,
		"subject": subject,
		"params":  params,
	})
	if err != nil {
		return
	}
	_, _ = s.audit.Append(payload)
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleGetConnections responds to GET /connections.
//
// Supported query parameters:
//
//	alias   – exact application alias filter (optional)
//	from    – RFC3339 start of the opened_at window (defaults to 24h ago)
//	to      – RFC3339 end of the opened_at window (defaults to now)
//	limit   – maximum number of results (default 100, max 1000)
//	offset  – pagination offset (default 0)
//
// Returns HTTP 400 when a supplied parameter is malformed. Returns HTTP 200
// with a JSON array of Connection objects on success.
func (s *Server) handleGetConnections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)

	if fromStr := q.Get("from"); fromStr != "" {
		parsed, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
			return
		}
		from = parsed
	}
	if toStr := q.Get("to"); toStr != "" {
		parsed, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
			return
		}
		to = parsed
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	cq := storage.ConnectionQuery{Alias: q.Get("alias"), From: from, To: to}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		cq.Limit = limit
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		cq.Offset = offset
	}

	conns, err := s.store.QueryConnections(r.Context(), cq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query connections")
		return
	}
	if conns == nil {
		conns = []storage.Connection{}
	}
	s.logQuery(r, "list_connections", map[string]any{"alias": cq.Alias, "from": cq.From, "to": cq.To})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(conns)
}

// handleGetConnectionMessages responds to GET /connections/{id}/messages.
//
// Supported query parameters:
//
//	limit   – maximum number of results (default 100, max 1000)
//	offset  – pagination offset (default 0)
//
// Returns HTTP 400 when {id} is not a valid UUID. Returns HTTP 200 with a
// JSON array of StreamMessage objects, ordered by observation time, on
// success.
func (s *Server) handleGetConnectionMessages(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "{id} must be a valid connection UUID")
		return
	}

	q := r.URL.Query()
	mq := storage.StreamMessageQuery{ConnectionID: id}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		mq.Limit = limit
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		mq.Offset = offset
	}

	msgs, err := s.store.QueryStreamMessages(r.Context(), mq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query stream messages")
		return
	}
	if msgs == nil {
		msgs = []storage.StreamMessage{}
	}
	s.logQuery(r, "list_connection_messages", map[string]any{"connection_id": id.String()})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(msgs)
}
