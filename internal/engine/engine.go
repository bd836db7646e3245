package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/mtwarden/mtwarden/internal/notify"
	"github.com/mtwarden/mtwarden/internal/provisioner"
	"github.com/mtwarden/mtwarden/internal/store"
)

// ErrEventQueueFull is returned by Enqueue when the ingestion buffer
// is saturated. The event source should redeliver.
var ErrEventQueueFull = errors.New("event queue full")

// Store is the durable credential table the engine reconciles against.
type Store interface {
	Get(ctx context.Context, userID int64) (store.Record, error)
	Upsert(ctx context.Context, rec store.Record) error
	ListByStatus(ctx context.Context, status store.Status) ([]store.Record, error)
}

// Provisioner is the only component allowed to mutate remote proxy
// state. Provision and Revoke are idempotent; Secret and Link are pure.
type Provisioner interface {
	Provision(ctx context.Context, userID int64, generation int) (string, error)
	Revoke(ctx context.Context, sec string) error
	Secret(userID int64, generation int) string
	Link(sec string) string
}

type Config struct {
	QueueSize      int           `mapstructure:"queue_size"`
	MaxAttempts    uint64        `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
}

func (c *Config) applyDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 4
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 2 * time.Minute
	}
}

// Engine consumes membership events and drives each user's credential
// record toward the state the event stream implies, keeping the store
// and the remote proxy in agreement.
//
// All transitions for one user run inside that user's exclusive
// section; different users proceed in parallel. Events are applied in
// timestamp order: an event older than the record's last applied event
// is dropped as stale, which makes duplicate and out-of-order delivery
// safe. Nothing here assumes an operation applied remotely unless the
// provisioner confirmed it; ambiguous timeouts are resolved by the
// idempotent retry path or by the recovery sweep.
type Engine struct {
	store    Store
	prov     Provisioner
	notifier notify.Notifier
	config   Config

	locks  *userLocks
	events chan MemberEvent
	stats  Stats

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(st Store, prov Provisioner, notifier notify.Notifier, config Config) *Engine {
	config.applyDefaults()
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Engine{
		store:    st,
		prov:     prov,
		notifier: notifier,
		config:   config,
		locks:    newUserLocks(),
		events:   make(chan MemberEvent, config.QueueSize),
		stopCh:   make(chan struct{}),
	}
}

func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(2)
	go e.dispatch(ctx)
	go e.sweepLoop(ctx)
	slog.Info("Reconciliation engine started",
		"queue_size", e.config.QueueSize,
		"sweep_interval", e.config.SweepInterval)
}

// Stop drains in-flight work and returns once all handlers finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	slog.Info("Reconciliation engine stopped")
}

func (e *Engine) Stats() Snapshot {
	return e.stats.Snapshot()
}

// Enqueue hands an event to the engine without blocking the caller.
// A saturated queue fails fast so the event source can redeliver.
func (e *Engine) Enqueue(ev MemberEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	select {
	case e.events <- ev:
		return nil
	default:
		return ErrEventQueueFull
	}
}

func (e *Engine) dispatch(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case ev := <-e.events:
			e.wg.Add(1)
			go func(ev MemberEvent) {
				defer e.wg.Done()
				e.handle(ctx, ev)
			}(ev)
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev MemberEvent) {
	unlock := e.locks.Lock(ev.UserID)
	defer unlock()

	rec, exists, err := e.load(ctx, ev.UserID)
	if err != nil {
		e.stats.Errors.Add(1)
		slog.Error("Failed to load credential record", "user_id", ev.UserID, "event_id", ev.ID, "error", err)
		return
	}

	// Timestamp-ordered last-write-wins: a late-arriving older event
	// must not undo a newer one.
	if exists && ev.At.Before(rec.LastEventAt) {
		e.stats.StaleDropped.Add(1)
		slog.Debug("Dropping stale event",
			"user_id", ev.UserID, "event_id", ev.ID,
			"event_at", ev.At, "last_event_at", rec.LastEventAt)
		return
	}

	if ev.Username != "" {
		rec.Username = ev.Username
	}
	rec.LastEventAt = ev.At

	switch ev.Type {
	case EventJoin:
		e.stats.Joins.Add(1)
		e.applyJoin(ctx, rec, exists)
	case EventLeave:
		e.stats.Leaves.Add(1)
		e.applyLeave(ctx, rec, exists)
	}
}

func (e *Engine) load(ctx context.Context, userID int64) (store.Record, bool, error) {
	var rec store.Record
	op := func() error {
		var err error
		rec, err = e.store.Get(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, e.newBackoff(ctx))
	if errors.Is(err, store.ErrNotFound) {
		return store.Record{UserID: userID}, false, nil
	}
	if err != nil {
		return store.Record{}, false, err
	}
	return rec, true, nil
}

func (e *Engine) applyJoin(ctx context.Context, rec store.Record, exists bool) {
	if !exists {
		e.driveProvision(ctx, rec)
		return
	}

	switch rec.Status {
	case store.StatusActive:
		// Idempotent join: the user already holds a credential.
		// Re-send the existing link and record the newer event time.
		if err := e.store.Upsert(ctx, rec); err != nil {
			slog.Warn("Failed to persist event time on idempotent join", "user_id", rec.UserID, "error", err)
		}
		e.notify(ctx, rec.UserID, notify.Message{Kind: notify.KindAccessGranted, Link: e.prov.Link(rec.Secret)})
	case store.StatusPendingProvision, store.StatusRevoked, store.StatusFailed:
		e.driveProvision(ctx, rec)
	case store.StatusPendingRevoke:
		// The newer join supersedes the unfinished revoke. Finish the
		// revoke first so the old secret leaves the remote set, then
		// provision the next generation.
		if !e.driveRevoke(ctx, &rec) {
			return
		}
		e.driveProvision(ctx, rec)
	}
}

func (e *Engine) applyLeave(ctx context.Context, rec store.Record, exists bool) {
	if !exists {
		// No credential was ever issued. Persist a revoked tombstone
		// so a late-arriving older join is recognized as stale.
		rec.Status = store.StatusRevoked
		if err := e.store.Upsert(ctx, rec); err != nil {
			slog.Warn("Failed to persist leave tombstone", "user_id", rec.UserID, "error", err)
		}
		return
	}

	switch rec.Status {
	case store.StatusRevoked:
		if err := e.store.Upsert(ctx, rec); err != nil {
			slog.Warn("Failed to persist event time on idempotent leave", "user_id", rec.UserID, "error", err)
		}
	case store.StatusActive, store.StatusPendingRevoke:
		e.driveRevoke(ctx, &rec)
	case store.StatusPendingProvision, store.StatusFailed:
		// Provisioning may have applied remotely before the crash or
		// failure. The secret is deterministic, so revoke what would
		// have been allocated; revoking an absent secret is a no-op.
		if rec.Secret == "" {
			rec.Secret = e.prov.Secret(rec.UserID, rec.Generation)
		}
		e.driveRevoke(ctx, &rec)
	}
}

// driveProvision walks one record through PENDING_PROVISION to ACTIVE.
// State never advances past a failed store write; retryable and
// ambiguous provisioner failures go through capped backoff, and a
// record that exhausts its attempts stays pending for the sweep.
func (e *Engine) driveProvision(ctx context.Context, rec store.Record) {
	rec.Status = store.StatusPendingProvision
	rec.Secret = ""
	if err := e.upsertRetry(ctx, rec); err != nil {
		e.stats.Errors.Add(1)
		slog.Error("Failed to mark record pending_provision", "user_id", rec.UserID, "error", err)
		return
	}

	var sec string
	op := func() error {
		s, err := e.prov.Provision(ctx, rec.UserID, rec.Generation)
		if err != nil {
			if provisioner.IsFatal(err) {
				return backoff.Permanent(err)
			}
			rec.FailureCount++
			if uerr := e.store.Upsert(ctx, rec); uerr != nil {
				slog.Debug("Failed to persist failure count", "user_id", rec.UserID, "error", uerr)
			}
			slog.Warn("Provision attempt failed",
				"user_id", rec.UserID, "failure_count", rec.FailureCount, "error", err)
			return err
		}
		sec = s
		return nil
	}

	if err := backoff.Retry(op, e.newBackoff(ctx)); err != nil {
		e.stats.Errors.Add(1)
		if provisioner.IsFatal(err) {
			rec.Status = store.StatusFailed
			if uerr := e.upsertRetry(ctx, rec); uerr != nil {
				slog.Error("Failed to mark record failed", "user_id", rec.UserID, "error", uerr)
			}
			slog.Error("Provisioning rejected by remote", "user_id", rec.UserID, "error", err)
			e.notify(ctx, rec.UserID, notify.Message{Kind: notify.KindProvisioningFailed})
			return
		}
		// Still pending; the recovery sweep re-drives it later.
		slog.Warn("Provisioning attempts exhausted, leaving record pending",
			"user_id", rec.UserID, "failure_count", rec.FailureCount, "error", err)
		return
	}

	rec.Status = store.StatusActive
	rec.Secret = sec
	rec.FailureCount = 0
	if err := e.upsertRetry(ctx, rec); err != nil {
		// The remote holds the secret but the store still says
		// pending. Derivation is deterministic, so the sweep converges
		// on the same secret.
		e.stats.Errors.Add(1)
		slog.Error("Failed to persist active record", "user_id", rec.UserID, "error", err)
		return
	}

	e.stats.Provisioned.Add(1)
	slog.Info("Credential provisioned", "user_id", rec.UserID, "generation", rec.Generation)
	e.notify(ctx, rec.UserID, notify.Message{Kind: notify.KindAccessGranted, Link: e.prov.Link(sec)})
}

// driveRevoke walks one record through PENDING_REVOKE to REVOKED and
// bumps the generation so a later re-join mints a fresh secret.
// Returns true when the record reached REVOKED.
func (e *Engine) driveRevoke(ctx context.Context, rec *store.Record) bool {
	rec.Status = store.StatusPendingRevoke
	if err := e.upsertRetry(ctx, *rec); err != nil {
		e.stats.Errors.Add(1)
		slog.Error("Failed to mark record pending_revoke", "user_id", rec.UserID, "error", err)
		return false
	}

	sec := rec.Secret
	op := func() error {
		err := e.prov.Revoke(ctx, sec)
		if err != nil {
			if provisioner.IsFatal(err) {
				return backoff.Permanent(err)
			}
			rec.FailureCount++
			if uerr := e.store.Upsert(ctx, *rec); uerr != nil {
				slog.Debug("Failed to persist failure count", "user_id", rec.UserID, "error", uerr)
			}
			slog.Warn("Revoke attempt failed",
				"user_id", rec.UserID, "failure_count", rec.FailureCount, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, e.newBackoff(ctx)); err != nil {
		e.stats.Errors.Add(1)
		if provisioner.IsFatal(err) {
			rec.Status = store.StatusFailed
			if uerr := e.upsertRetry(ctx, *rec); uerr != nil {
				slog.Error("Failed to mark record failed", "user_id", rec.UserID, "error", uerr)
			}
			slog.Error("Revocation rejected by remote", "user_id", rec.UserID, "error", err)
			e.notify(ctx, rec.UserID, notify.Message{Kind: notify.KindProvisioningFailed})
			return false
		}
		slog.Warn("Revocation attempts exhausted, leaving record pending",
			"user_id", rec.UserID, "failure_count", rec.FailureCount, "error", err)
		return false
	}

	rec.Status = store.StatusRevoked
	rec.Secret = ""
	rec.Generation++
	rec.FailureCount = 0
	if err := e.upsertRetry(ctx, *rec); err != nil {
		e.stats.Errors.Add(1)
		slog.Error("Failed to persist revoked record", "user_id", rec.UserID, "error", err)
		return false
	}

	e.stats.Revoked.Add(1)
	slog.Info("Credential revoked", "user_id", rec.UserID, "generation", rec.Generation)
	e.notify(ctx, rec.UserID, notify.Message{Kind: notify.KindAccessRevoked})
	return true
}

func (e *Engine) upsertRetry(ctx context.Context, rec store.Record) error {
	return backoff.Retry(func() error {
		return e.store.Upsert(ctx, rec)
	}, e.newBackoff(ctx))
}

func (e *Engine) newBackoff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.InitialBackoff
	b.MaxInterval = e.config.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, e.config.MaxAttempts), ctx)
}

func (e *Engine) notify(ctx context.Context, userID int64, msg notify.Message) {
	if err := e.notifier.Notify(ctx, userID, msg); err != nil {
		// Best-effort: credential state is already committed.
		slog.Warn("Notification delivery failed", "user_id", userID, "kind", msg.Kind, "error", err)
	}
}
