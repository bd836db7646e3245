package engine

import (
	"fmt"
	"time"
)

// EventType is the closed set of membership changes the engine
// understands. Anything else is rejected at the boundary so the
// transition logic stays exhaustive.
type EventType string

const (
	EventJoin  EventType = "join"
	EventLeave EventType = "leave"
)

// MemberEvent is one membership change for one user. Delivery is
// at-least-once and may be out of order; At carries the source
// timestamp used for last-write-wins ordering.
type MemberEvent struct {
	ID       string
	Type     EventType
	UserID   int64
	Username string
	At       time.Time
}

func (e MemberEvent) Validate() error {
	switch e.Type {
	case EventJoin, EventLeave:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.UserID == 0 {
		return fmt.Errorf("event missing user_id")
	}
	if e.At.IsZero() {
		return fmt.Errorf("event missing timestamp")
	}
	return nil
}
