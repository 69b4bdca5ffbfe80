package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jmehdipour/outbox-engine/internal/http/middleware"
	"github.com/jmehdipour/outbox-engine/internal/model"
	"github.com/jmehdipour/outbox-engine/internal/registry"
	"github.com/jmehdipour/outbox-engine/internal/repository"
	"github.com/jmehdipour/outbox-engine/internal/repository/mocks"
	"github.com/jmehdipour/outbox-engine/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testKey = "ops-key"

type fakeRunner bool

func (f fakeRunner) Running() bool { return bool(f) }

func seed(t *testing.T, store *repository.MemoryOutboxRepository, aggregateID string, maxRetries, failures int) string {
	t.Helper()
	ctx := context.Background()
	rec := model.Record{
		EventID:        util.New(),
		OrganizationID: "org-1",
		EventType:      model.EventTypeLeave,
		EventName:      model.LeaveApprovedEvent,
		AggregateType:  "leave_request",
		AggregateID:    aggregateID,
		Payload:        json.RawMessage(`{"leave_id":"` + aggregateID + `"}`),
		MaxRetries:     maxRetries,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, store.Create(ctx, nil, rec))
	for i := 0; i < failures; i++ {
		require.NoError(t, store.MarkFailed(ctx, rec.EventID, "webhook=calendar status=503"))
	}
	return rec.EventID
}

func newTestServer(store repository.OutboxRepository, audit repository.AuditRepository) *Server {
	reg := registry.New(zap.NewNop())
	reg.RegisterNamed(model.LeaveApprovedEvent, "calendar", func(context.Context, model.Record) error { return nil })
	return NewServer(Deps{
		Store:      store,
		Audit:      audit,
		Dispatcher: fakeRunner(true),
		Handlers:   reg,
		AdminKey:   testKey,
		Log:        zap.NewNop(),
	})
}

func do(t *testing.T, s *Server, method, target, body string, authed bool) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if authed {
		req.Header.Set(middleware.HeaderAPIKey, testKey)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealthz(t *testing.T) {
	s := newTestServer(repository.NewMemoryOutboxRepository(), nil)
	rec, body := do(t, s, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["dispatcher_running"])
}

func TestAdminKeyRequired(t *testing.T) {
	s := newTestServer(repository.NewMemoryOutboxRepository(), nil)

	rec, body := do(t, s, http.MethodGet, "/v1/outbox/stats", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing api key", body["error"])

	req := httptest.NewRequest(http.MethodGet, "/v1/outbox/stats", nil)
	req.Header.Set(middleware.HeaderAPIKey, "wrong")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStatsAndHandlers(t *testing.T) {
	store := repository.NewMemoryOutboxRepository()
	seed(t, store, "L-1", 3, 0)
	seed(t, store, "L-2", 1, 1)

	s := newTestServer(store, nil)
	rec, body := do(t, s, http.MethodGet, "/v1/outbox/stats", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["pending"])
	assert.EqualValues(t, 1, body["dead_lettered"])
	assert.EqualValues(t, 0, body["processed"])

	rec, body = do(t, s, http.MethodGet, "/v1/outbox/handlers", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{model.LeaveApprovedEvent: float64(1)}, body["handlers"])
}

func TestDeadLetterRequeueFlow(t *testing.T) {
	store := repository.NewMemoryOutboxRepository()
	dead := seed(t, store, "L-1", 2, 2)
	alive := seed(t, store, "L-2", 3, 1)
	s := newTestServer(store, nil)

	rec, body := do(t, s, http.MethodGet, "/v1/outbox/dead-letters?organization_id=org-1", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])
	results := body["results"].([]any)
	first := results[0].(map[string]any)
	assert.Equal(t, dead, first["event_id"])
	assert.Equal(t, true, first["dead_lettered"])
	assert.Equal(t, "webhook=calendar status=503", first["error_message"])

	rec, _ = do(t, s, http.MethodPost, "/v1/outbox/dead-letters/"+alive+"/requeue", "", true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/v1/outbox/dead-letters/nope/requeue", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, s, http.MethodPost, "/v1/outbox/dead-letters/"+dead+"/requeue", `{"attempts":0}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = do(t, s, http.MethodPost, "/v1/outbox/dead-letters/"+dead+"/requeue", `{"attempts":3}`, true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.EqualValues(t, 3, body["attempts"])

	got, err := store.Get(context.Background(), dead)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, 5, got.MaxRetries)
	assert.False(t, got.DeadLettered())
}

func TestEventsEndpoints(t *testing.T) {
	store := repository.NewMemoryOutboxRepository()
	id := seed(t, store, "L-9", 3, 0)
	seed(t, store, "L-9", 3, 0)
	s := newTestServer(store, nil)

	rec, _ := do(t, s, http.MethodGet, "/v1/outbox/events?aggregate_type=leave_request", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := do(t, s, http.MethodGet, "/v1/outbox/events?aggregate_type=leave_request&aggregate_id=L-9", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["count"])

	rec, body = do(t, s, http.MethodGet, "/v1/outbox/events/"+id, "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, map[string]any{"leave_id": "L-9"}, body["payload"])

	rec, _ = do(t, s, http.MethodGet, "/v1/outbox/events/missing", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditEndpoint(t *testing.T) {
	s := newTestServer(repository.NewMemoryOutboxRepository(), nil)
	rec, _ := do(t, s, http.MethodGet, "/v1/outbox/audit?aggregate_type=payroll_run&aggregate_id=PR-1", "", true)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	audit := new(mocks.MockAuditRepository)
	audit.On("ListByAggregate", mock.Anything, "org-1", "payroll_run", "PR-1", 50).
		Return([]repository.AuditEntry{{EventID: "E1", AggregateID: "PR-1"}}, nil).Once()

	s = newTestServer(repository.NewMemoryOutboxRepository(), audit)
	rec, body := do(t, s, http.MethodGet, "/v1/outbox/audit?organization_id=org-1&aggregate_type=payroll_run&aggregate_id=PR-1", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])
	audit.AssertExpectations(t)
}
