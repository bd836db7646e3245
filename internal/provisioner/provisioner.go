package provisioner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtwarden/mtwarden/internal/secret"
)

const (
	defaultQueueDepth      = 50
	defaultOpTimeout       = 30 * time.Second
	defaultRestartCooldown = 5 * time.Second
)

type Config struct {
	ServicePath     string        `mapstructure:"service_path"`
	ServiceName     string        `mapstructure:"service_name"`
	RestartCooldown time.Duration `mapstructure:"restart_cooldown"`
	OpTimeout       time.Duration `mapstructure:"op_timeout"`
	QueueDepth      int           `mapstructure:"queue_depth"`
}

type opKind int

const (
	opAdd opKind = iota
	opRemove
)

type operation struct {
	kind   opKind
	secret string
	ctx    context.Context
	reply  chan error
}

// MTProxy mutates the remote proxy server's active-secret set. All
// remote work funnels through a single worker goroutine reading from a
// bounded queue: the management channel is one SSH session and the
// proxy restart is expensive, so operations serialize rather than
// race. When the queue is saturated Provision and Revoke fail fast
// with a retryable error instead of blocking.
//
// Both operations are idempotent. Adding a secret the unit already
// carries and removing one it does not are successes that skip the
// service restart, so retries after ambiguous timeouts converge.
type MTProxy struct {
	runner  CommandRunner
	deriver *secret.Deriver
	links   *secret.LinkBuilder
	config  Config

	ops    chan *operation
	stopCh chan struct{}
	doneCh chan struct{}

	lastRestart time.Time // worker goroutine only
}

func NewMTProxy(runner CommandRunner, deriver *secret.Deriver, links *secret.LinkBuilder, config Config) *MTProxy {
	if config.QueueDepth == 0 {
		config.QueueDepth = defaultQueueDepth
	}
	if config.OpTimeout == 0 {
		config.OpTimeout = defaultOpTimeout
	}
	if config.RestartCooldown == 0 {
		config.RestartCooldown = defaultRestartCooldown
	}
	if config.ServiceName == "" {
		config.ServiceName = "MTProxy"
	}
	if config.ServicePath == "" {
		config.ServicePath = "/etc/systemd/system/MTProxy.service"
	}
	return &MTProxy{
		runner:  runner,
		deriver: deriver,
		links:   links,
		config:  config,
		ops:     make(chan *operation, config.QueueDepth),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (p *MTProxy) Start() {
	go p.worker()
}

func (p *MTProxy) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

// Provision derives the user's secret and pushes it to the remote
// active set. The secret is a pure function of (userID, generation),
// so a retried call re-derives the identical value instead of
// allocating a duplicate.
func (p *MTProxy) Provision(ctx context.Context, userID int64, generation int) (string, error) {
	sec := p.deriver.Derive(userID, generation)
	if err := p.submit(ctx, opAdd, sec); err != nil {
		return "", err
	}
	return sec, nil
}

// Revoke removes the secret from the remote active set. Removing an
// absent secret is success.
func (p *MTProxy) Revoke(ctx context.Context, sec string) error {
	return p.submit(ctx, opRemove, sec)
}

// Secret returns the secret that Provision would allocate for the
// pair without touching the remote server.
func (p *MTProxy) Secret(userID int64, generation int) string {
	return p.deriver.Derive(userID, generation)
}

// Link builds the user-facing connection link. Local, no remote call.
func (p *MTProxy) Link(sec string) string {
	return p.links.Link(sec)
}

func (p *MTProxy) submit(ctx context.Context, kind opKind, sec string) error {
	op := &operation{kind: kind, secret: sec, ctx: ctx, reply: make(chan error, 1)}

	select {
	case p.ops <- op:
	default:
		return ErrQueueFull
	}

	select {
	case err := <-op.reply:
		return err
	case <-ctx.Done():
		// The operation is still queued or in flight; its outcome
		// cannot be known here.
		return &AmbiguousError{Err: ctx.Err()}
	}
}

func (p *MTProxy) worker() {
	defer close(p.doneCh)

	for {
		select {
		case <-p.stopCh:
			p.drain()
			return
		case op := <-p.ops:
			op.reply <- p.execute(op)
		}
	}
}

// drain fails any queued operations so their submitters unblock.
func (p *MTProxy) drain() {
	for {
		select {
		case op := <-p.ops:
			op.reply <- &RetryableError{Err: fmt.Errorf("provisioner stopped")}
		default:
			return
		}
	}
}

func (p *MTProxy) execute(op *operation) error {
	ctx, cancel := context.WithTimeout(op.ctx, p.config.OpTimeout)
	defer cancel()

	switch op.kind {
	case opAdd:
		return p.applySecret(ctx, op.secret)
	case opRemove:
		return p.removeSecret(ctx, op.secret)
	default:
		return &FatalError{Err: fmt.Errorf("unknown operation kind %d", op.kind)}
	}
}

func (p *MTProxy) applySecret(ctx context.Context, sec string) error {
	unit, err := p.readUnit(ctx)
	if err != nil {
		return err
	}

	if !unit.AddSecret(sec) {
		slog.Info("Secret already present on proxy", "secret_prefix", sec[:8])
		return nil
	}

	if err := p.writeAndRestart(ctx, unit); err != nil {
		return err
	}

	slog.Info("Secret added to proxy", "secret_prefix", sec[:8], "active_secrets", len(unit.Secrets))
	return nil
}

func (p *MTProxy) removeSecret(ctx context.Context, sec string) error {
	unit, err := p.readUnit(ctx)
	if err != nil {
		return err
	}

	if !unit.RemoveSecret(sec) {
		slog.Info("Secret already absent from proxy", "secret_prefix", sec[:8])
		return nil
	}

	if err := p.writeAndRestart(ctx, unit); err != nil {
		return err
	}

	slog.Info("Secret removed from proxy", "secret_prefix", sec[:8], "active_secrets", len(unit.Secrets))
	return nil
}

func (p *MTProxy) readUnit(ctx context.Context) (*ServiceUnit, error) {
	out, err := p.runner.Run(ctx, "cat "+p.config.ServicePath, "")
	if err != nil {
		return nil, err
	}

	unit, err := ParseServiceUnit(out)
	if err != nil {
		return nil, &FatalError{Err: fmt.Errorf("parse service unit: %w", err)}
	}
	return unit, nil
}

func (p *MTProxy) writeAndRestart(ctx context.Context, unit *ServiceUnit) error {
	if err := p.cooldown(ctx); err != nil {
		return err
	}

	if _, err := p.runner.Run(ctx, "cat > "+p.config.ServicePath, unit.Render()); err != nil {
		return err
	}

	restart := fmt.Sprintf("systemctl daemon-reload && systemctl restart %s", p.config.ServiceName)
	if _, err := p.runner.Run(ctx, restart, ""); err != nil {
		return err
	}

	p.lastRestart = time.Now()
	return nil
}

// cooldown spaces out proxy restarts so a burst of membership changes
// does not flap the service.
func (p *MTProxy) cooldown(ctx context.Context) error {
	wait := p.config.RestartCooldown - time.Since(p.lastRestart)
	if wait <= 0 {
		return nil
	}

	slog.Debug("Waiting for proxy restart cooldown", "wait", wait)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		// Nothing has been written yet; safe to classify as retryable.
		return &RetryableError{Err: ctx.Err()}
	}
}
