package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mina-net/debugger/internal/storage"
)

// mockStore is a test double for the Store interface.
type mockStore struct {
	connections    []storage.Connection
	connectionsErr error
	messages       []storage.StreamMessage
	messagesErr    error
}

func (m *mockStore) QueryConnections(_ context.Context, _ storage.ConnectionQuery) ([]storage.Connection, error) {
	return m.connections, m.connectionsErr
}

func (m *mockStore) QueryStreamMessages(_ context.Context, _ storage.StreamMessageQuery) ([]storage.StreamMessage, error) {
	return m.messages, m.messagesErr
}

// newTestServer creates a Server backed by the mock store and returns its
// HTTP handler with JWT middleware disabled (pubKey = nil).
func newTestServer(ms *mockStore) http.Handler {
	srv := NewServer(ms)
	return NewRouter(srv, nil)
}

// ---- /healthz ---------------------------------------------------------------

func TestHandleHealthz_Returns200(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
}

// ---- /metrics -----------------------------------------------------------------

func TestHandleMetrics_Returns200(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

// ---- GET /connections ---------------------------------------------------------

func TestHandleGetConnections_InvalidFromFormat_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/connections?from=not-a-time", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetConnections_ToNotAfterFrom_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet,
		"/connections?from=2026-01-02T00:00:00Z&to=2026-01-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetConnections_InvalidLimit_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/connections?limit=abc", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetConnections_InvalidOffset_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/connections?offset=-1", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetConnections_ValidRequest_Returns200WithArray(t *testing.T) {
	now := time.Now().UTC()
	ms := &mockStore{
		connections: []storage.Connection{
			{
				ConnectionID: uuid.New(),
				Alias:        "mina-node-1",
				Incoming:     false,
				RemoteAddr:   "10.0.0.5:8302",
				PID:          100,
				FD:           7,
				OpenedAt:     now,
			},
		},
	}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet,
		"/connections?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	var conns []storage.Connection
	if err := json.NewDecoder(rec.Body).Decode(&conns); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(conns) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(conns))
	}
	if conns[0].Alias != "mina-node-1" {
		t.Errorf("unexpected alias: %s", conns[0].Alias)
	}
}

func TestHandleGetConnections_EmptyResult_ReturnsEmptyArray(t *testing.T) {
	h := newTestServer(&mockStore{connections: nil})
	req := httptest.NewRequest(http.MethodGet, "/connections", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var conns []storage.Connection
	if err := json.NewDecoder(rec.Body).Decode(&conns); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(conns) != 0 {
		t.Errorf("expected empty array, got %v", conns)
	}
}

func TestHandleGetConnections_WithAliasFilter_Returns200(t *testing.T) {
	ms := &mockStore{
		connections: []storage.Connection{{ConnectionID: uuid.New(), Alias: "mina-node-2"}},
	}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet, "/connections?alias=mina-node-2", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
}

func TestHandleGetConnections_DefaultTimeWindow_Returns200(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/connections", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with default from/to window, got %d; body: %s", rec.Code, rec.Body)
	}
}

// ---- GET /connections/{id}/messages --------------------------------------------

func TestHandleGetConnectionMessages_InvalidID_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	req := httptest.NewRequest(http.MethodGet, "/connections/not-a-uuid/messages", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetConnectionMessages_InvalidLimit_Returns400(t *testing.T) {
	h := newTestServer(&mockStore{})
	id := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/connections/"+id.String()+"/messages?limit=abc", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleGetConnectionMessages_ValidRequest_Returns200WithArray(t *testing.T) {
	id := uuid.New()
	now := time.Now().UTC()
	ms := &mockStore{
		messages: []storage.StreamMessage{
			{MessageID: uuid.New(), ConnectionID: id, Incoming: true, Payload: []byte("hello"), ObservedAt: now},
		},
	}
	h := newTestServer(ms)
	req := httptest.NewRequest(http.MethodGet, "/connections/"+id.String()+"/messages", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	var msgs []storage.StreamMessage
	if err := json.NewDecoder(rec.Body).Decode(&msgs); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if string(msgs[0].Payload) != "hello" {
		t.Errorf("unexpected payload: %s", msgs[0].Payload)
	}
}

func TestHandleGetConnectionMessages_EmptyResult_ReturnsEmptyArray(t *testing.T) {
	h := newTestServer(&mockStore{messages: nil})
	id := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/connections/"+id.String()+"/messages", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var msgs []storage.StreamMessage
	if err := json.NewDecoder(rec.Body).Decode(&msgs); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected empty array, got %v", msgs)
	}
}
