package dto

import "time"

type CredentialInfo struct {
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	Status       string    `json:"status"`
	Generation   int       `json:"generation"`
	FailureCount int       `json:"failure_count"`
	LastEventAt  time.Time `json:"last_event_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type ListCredentialsResponse struct {
	Credentials []CredentialInfo `json:"credentials"`
	Count       int              `json:"count"`
}

type EventRequest struct {
	EventType string `json:"event_type" binding:"required"`
	UserID    int64  `json:"user_id" binding:"required"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp" binding:"required"`
}

type EventResponse struct {
	EventID string `json:"event_id"`
	Queued  bool   `json:"queued"`
}
