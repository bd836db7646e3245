package store

import (
	"time"
)

// Status is the lifecycle state of a user's proxy credential.
type Status string

const (
	StatusPendingProvision Status = "pending_provision"
	StatusActive           Status = "active"
	StatusPendingRevoke    Status = "pending_revoke"
	StatusRevoked          Status = "revoked"
	StatusFailed           Status = "failed"
)

// Pending reports whether the status marks an in-flight remote operation.
func (s Status) Pending() bool {
	return s == StatusPendingProvision || s == StatusPendingRevoke
}

// Record is the durable credential state for one user. Records are
// never deleted; a revoked record is kept for audit and re-join
// handling, with Generation tracking how many provision cycles the
// user has been through.
type Record struct {
	UserID       int64
	Username     string
	Status       Status
	Secret       string // empty unless a secret is allocated
	Generation   int
	FailureCount int
	LastEventAt  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
