package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtwarden/mtwarden/internal/engine"
)

type fakeSink struct {
	events []engine.MemberEvent
	err    error
}

func (f *fakeSink) Enqueue(ev engine.MemberEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func memberUpdate(chat Chat, userID int64, oldStatus, newStatus string, at time.Time) Update {
	return Update{
		UpdateID: 1,
		ChatMember: &ChatMemberUpdated{
			Chat:          chat,
			Date:          at.Unix(),
			OldChatMember: ChatMember{Status: oldStatus, User: User{ID: userID}},
			NewChatMember: ChatMember{Status: newStatus, User: User{ID: userID, Username: "alice"}},
		},
	}
}

func newTestPoller(sink Sink) *Poller {
	return NewPoller(nil, Config{ChannelID: "@my_channel"}, sink)
}

// gatedSink rejects events until opened, safe for use from Run's goroutine.
type gatedSink struct {
	mu     sync.Mutex
	open   bool
	events []engine.MemberEvent
}

func (g *gatedSink) Enqueue(ev engine.MemberEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		return engine.ErrEventQueueFull
	}
	g.events = append(g.events, ev)
	return nil
}

func (g *gatedSink) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open = true
}

func (g *gatedSink) Events() []engine.MemberEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]engine.MemberEvent(nil), g.events...)
}

// A saturated engine queue must not consume the update: the poller may
// only confirm an offset to the Bot API once the event is accepted, so
// the update is redelivered instead of lost.
func TestRunHoldsOffsetWhileSinkFull(t *testing.T) {
	var mu sync.Mutex
	var offsets []int64

	upd := memberUpdate(Chat{Username: "my_channel"}, 42, "member", "left", time.Now())
	upd.UpdateID = 100

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var params struct {
			Offset int64 `json:"offset"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))

		mu.Lock()
		offsets = append(offsets, params.Offset)
		mu.Unlock()

		updates := []Update{}
		if params.Offset <= upd.UpdateID {
			updates = append(updates, upd)
		}
		result, err := json.Marshal(updates)
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": json.RawMessage(result)})
	}))
	defer srv.Close()

	client := &Client{token: "test-token", baseURL: srv.URL, httpc: srv.Client()}
	sink := &gatedSink{}
	p := NewPoller(client, Config{ChannelID: "@my_channel", PollTimeout: 1}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	// Let the poller fail at least twice with the queue full.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(offsets) >= 2
	}, 10*time.Second, 20*time.Millisecond)

	sink.Open()

	require.Eventually(t, func() bool {
		return len(sink.Events()) == 1
	}, 10*time.Second, 20*time.Millisecond)

	// The confirmed offset must only move past the update after the
	// sink accepted it.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return offsets[len(offsets)-1] == upd.UpdateID+1
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	p.Wait()

	ev := sink.Events()[0]
	assert.Equal(t, engine.EventLeave, ev.Type)
	assert.Equal(t, int64(42), ev.UserID)

	mu.Lock()
	defer mu.Unlock()
	for i, off := range offsets {
		if off == upd.UpdateID+1 {
			// Every poll before the first confirmation re-requested
			// the undelivered update.
			require.GreaterOrEqual(t, i, 2)
			break
		}
		assert.LessOrEqual(t, off, upd.UpdateID)
	}
}

func TestHandleUpdateJoin(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPoller(sink)
	at := time.Now().Truncate(time.Second)

	p.handleUpdate(memberUpdate(Chat{Username: "my_channel"}, 42, "left", "member", at))

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, engine.EventJoin, ev.Type)
	assert.Equal(t, int64(42), ev.UserID)
	assert.Equal(t, "alice", ev.Username)
	assert.Equal(t, at.Unix(), ev.At.Unix())
}

func TestHandleUpdateLeave(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPoller(sink)

	p.handleUpdate(memberUpdate(Chat{Username: "my_channel"}, 42, "member", "left", time.Now()))
	p.handleUpdate(memberUpdate(Chat{Username: "my_channel"}, 43, "administrator", "kicked", time.Now()))

	require.Len(t, sink.events, 2)
	assert.Equal(t, engine.EventLeave, sink.events[0].Type)
	assert.Equal(t, engine.EventLeave, sink.events[1].Type)
}

func TestHandleUpdateIgnoresOtherChats(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPoller(sink)

	p.handleUpdate(memberUpdate(Chat{Username: "some_other_channel"}, 42, "left", "member", time.Now()))

	assert.Empty(t, sink.events)
}

func TestHandleUpdateIgnoresStatusChangesWithinMembership(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPoller(sink)

	// member -> administrator is a promotion, not a join.
	p.handleUpdate(memberUpdate(Chat{Username: "my_channel"}, 42, "member", "administrator", time.Now()))
	// restricted -> left: was never a member.
	p.handleUpdate(memberUpdate(Chat{Username: "my_channel"}, 43, "restricted", "left", time.Now()))

	assert.Empty(t, sink.events)
}

func TestHandleUpdateIgnoresNonMemberUpdates(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPoller(sink)

	p.handleUpdate(Update{UpdateID: 7})

	assert.Empty(t, sink.events)
}
