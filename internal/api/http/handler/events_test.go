package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtwarden/mtwarden/internal/api/http/dto"
	"github.com/mtwarden/mtwarden/internal/engine"
	"github.com/mtwarden/mtwarden/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubProvisioner satisfies engine.Provisioner for tests that never
// start the engine.
type stubProvisioner struct{}

func (stubProvisioner) Provision(_ context.Context, _ int64, _ int) (string, error) {
	return "", nil
}
func (stubProvisioner) Revoke(_ context.Context, _ string) error { return nil }
func (stubProvisioner) Secret(_ int64, _ int) string             { return "" }
func (stubProvisioner) Link(sec string) string                   { return "https://t.me/proxy?secret=dd" + sec }

func newTestEngine(queueSize int) (*engine.Engine, *store.Memory) {
	st := store.NewMemory()
	eng := engine.New(st, stubProvisioner{}, nil, engine.Config{QueueSize: queueSize})
	return eng, st
}

func setupEventsRouter(h *EventsHandler) *gin.Engine {
	r := gin.New()
	r.POST("/api/v1/events", h.Ingest)
	return r
}

func postEvent(t *testing.T, r *gin.Engine, req dto.EventRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq, _ := http.NewRequest("POST", "/api/v1/events", bytes.NewBuffer(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httpReq)
	return w
}

func TestIngestJoinEvent(t *testing.T) {
	eng, _ := newTestEngine(16)
	r := setupEventsRouter(NewEventsHandler(eng))

	w := postEvent(t, r, dto.EventRequest{
		EventType: "join",
		UserID:    42,
		Username:  "alice",
		Timestamp: time.Now().Unix(),
	})

	assert.Equal(t, http.StatusAccepted, w.Code)

	var resp dto.EventResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Queued)
	assert.NotEmpty(t, resp.EventID)
}

func TestIngestUnknownEventType(t *testing.T) {
	eng, _ := newTestEngine(16)
	r := setupEventsRouter(NewEventsHandler(eng))

	w := postEvent(t, r, dto.EventRequest{
		EventType: "promoted",
		UserID:    42,
		Timestamp: time.Now().Unix(),
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestMissingFields(t *testing.T) {
	eng, _ := newTestEngine(16)
	r := setupEventsRouter(NewEventsHandler(eng))

	req, _ := http.NewRequest("POST", "/api/v1/events", bytes.NewBuffer([]byte("{}")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestQueueFull(t *testing.T) {
	// Engine not started: one event fills the queue.
	eng, _ := newTestEngine(1)
	r := setupEventsRouter(NewEventsHandler(eng))

	w := postEvent(t, r, dto.EventRequest{EventType: "join", UserID: 1, Timestamp: time.Now().Unix()})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = postEvent(t, r, dto.EventRequest{EventType: "join", UserID: 2, Timestamp: time.Now().Unix()})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
