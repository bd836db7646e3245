package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mtwarden/mtwarden/internal/api/http/dto"
	"github.com/mtwarden/mtwarden/internal/engine"
	"github.com/mtwarden/mtwarden/internal/store"
)

var listableStatuses = []store.Status{
	store.StatusPendingProvision,
	store.StatusActive,
	store.StatusPendingRevoke,
	store.StatusRevoked,
	store.StatusFailed,
}

type CredentialsHandler struct {
	store  engine.Store
	engine *engine.Engine
}

func NewCredentialsHandler(st engine.Store, eng *engine.Engine) *CredentialsHandler {
	return &CredentialsHandler{store: st, engine: eng}
}

func (h *CredentialsHandler) List(c *gin.Context) {
	statuses := listableStatuses
	if filter := c.Query("status"); filter != "" {
		statuses = []store.Status{store.Status(filter)}
	}

	var infos []dto.CredentialInfo
	for _, status := range statuses {
		records, err := h.store.ListByStatus(c.Request.Context(), status)
		if err != nil {
			slog.Error("Failed to list credentials", "status", status, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list credentials"})
			return
		}
		for _, rec := range records {
			infos = append(infos, credentialInfo(rec))
		}
	}

	c.JSON(http.StatusOK, dto.ListCredentialsResponse{
		Credentials: infos,
		Count:       len(infos),
	})
}

func (h *CredentialsHandler) Get(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	rec, err := h.store.Get(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "credential not found"})
			return
		}
		slog.Error("Failed to get credential", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get credential"})
		return
	}

	c.JSON(http.StatusOK, credentialInfo(rec))
}

// Revoke force-revokes a user's credential by feeding a synthetic
// leave event through the normal reconciliation path.
func (h *CredentialsHandler) Revoke(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	ev := engine.MemberEvent{ID: uuid.NewString(), Type: engine.EventLeave, UserID: userID, At: time.Now()}
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

func (h *CredentialsHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Stats())
}

func credentialInfo(rec store.Record) dto.CredentialInfo {
	// The secret itself never leaves the store through this API.
	return dto.CredentialInfo{
		UserID:       rec.UserID,
		Username:     rec.Username,
		Status:       string(rec.Status),
		Generation:   rec.Generation,
		FailureCount: rec.FailureCount,
		LastEventAt:  rec.LastEventAt,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}
