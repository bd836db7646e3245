package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mtwarden/mtwarden/internal/api/http/dto"
	"github.com/mtwarden/mtwarden/internal/engine"
)

// EventsHandler is the generic membership-event webhook: any event
// source that can POST JSON can drive the engine through it.
type EventsHandler struct {
	engine *engine.Engine
}

func NewEventsHandler(eng *engine.Engine) *EventsHandler {
	return &EventsHandler{engine: eng}
}

func (h *EventsHandler) Ingest(c *gin.Context) {
	var req dto.EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ev := engine.MemberEvent{
		ID:       uuid.NewString(),
		Type:     engine.EventType(req.EventType),
		UserID:   req.UserID,
		Username: req.Username,
		At:       time.Unix(req.Timestamp, 0),
	}

	if err := h.engine.Enqueue(ev); err != nil {
		if errors.Is(err, engine.ErrEventQueueFull) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event queue full, retry later"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, dto.EventResponse{EventID: ev.ID, Queued: true})
}
