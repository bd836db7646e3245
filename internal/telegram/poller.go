package telegram

import (
	"context"
	"log/slog"
	"time"

	"github.com/mtwarden/mtwarden/internal/engine"
)

const defaultPollTimeout = 30 // seconds, Bot API long-poll window

// membership statuses that count as being in the channel.
var memberStatuses = map[string]bool{
	"member":        true,
	"administrator": true,
	"creator":       true,
}

// Sink receives the membership events the poller extracts. The
// reconciliation engine satisfies it.
type Sink interface {
	Enqueue(ev engine.MemberEvent) error
}

// Poller long-polls the Bot API for chat_member updates on the
// configured channel and feeds join/leave events into the engine.
type Poller struct {
	client  *Client
	channel string
	sink    Sink
	timeout int

	offset int64
	doneCh chan struct{}
}

func NewPoller(client *Client, config Config, sink Sink) *Poller {
	timeout := config.PollTimeout
	if timeout == 0 {
		timeout = defaultPollTimeout
	}
	return &Poller{
		client:  client,
		channel: NormalizeChannelID(config.ChannelID),
		sink:    sink,
		timeout: timeout,
		doneCh:  make(chan struct{}),
	}
}

// Run polls until the context is cancelled. Poll failures back off
// briefly and resume; the update offset guarantees at-least-once
// delivery across reconnects, which the engine's idempotent
// transitions absorb.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.doneCh)

	slog.Info("Telegram poller started", "channel", p.channel)
	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := p.client.GetUpdates(ctx, p.offset, p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("getUpdates failed", "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, upd := range updates {
			if err := p.handleUpdate(upd); err != nil {
				// The offset still points at this update, so the
				// next poll redelivers it and everything after it.
				slog.Warn("Failed to enqueue membership event",
					"update_id", upd.UpdateID, "error", err)
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				break
			}
			if upd.UpdateID >= p.offset {
				p.offset = upd.UpdateID + 1
			}
		}
	}
}

// Wait blocks until Run has returned.
func (p *Poller) Wait() {
	<-p.doneCh
}

// handleUpdate translates one update into a membership event. It
// returns an error only when the sink rejected the event; the caller
// must then hold the offset so the update is redelivered.
func (p *Poller) handleUpdate(upd Update) error {
	cm := upd.ChatMember
	if cm == nil || !matchesChannel(p.channel, cm.Chat) {
		return nil
	}

	wasMember := memberStatuses[cm.OldChatMember.Status]
	isMember := memberStatuses[cm.NewChatMember.Status]
	if wasMember == isMember {
		return nil
	}

	ev := engine.MemberEvent{
		UserID:   cm.NewChatMember.User.ID,
		Username: cm.NewChatMember.User.Username,
		At:       time.Unix(cm.Date, 0),
	}
	if isMember {
		ev.Type = engine.EventJoin
	} else {
		ev.Type = engine.EventLeave
	}

	if err := p.sink.Enqueue(ev); err != nil {
		return err
	}

	slog.Info("Membership event received", "user_id", ev.UserID, "type", ev.Type)
	return nil
}
