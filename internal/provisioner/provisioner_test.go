package provisioner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtwarden/mtwarden/internal/secret"
)

// fakeRunner emulates the proxy host: it keeps the unit file content
// in memory and counts service restarts.
type fakeRunner struct {
	mu       sync.Mutex
	unit     string
	restarts int
	failNext error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{unit: sampleUnit}
}

func (r *fakeRunner) Run(_ context.Context, command string, stdin string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return "", err
	}

	switch {
	case strings.HasPrefix(command, "cat > "):
		r.unit = stdin
		return "", nil
	case strings.HasPrefix(command, "cat "):
		return r.unit, nil
	case strings.Contains(command, "systemctl"):
		r.restarts++
		return "", nil
	}
	return "", nil
}

func (r *fakeRunner) Close() error { return nil }

func (r *fakeRunner) secrets(t *testing.T) []string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	unit, err := ParseServiceUnit(r.unit)
	require.NoError(t, err)
	return unit.Secrets
}

func newTestProxy(runner CommandRunner) *MTProxy {
	deriver := secret.NewDeriver([]byte("test-salt"))
	links := &secret.LinkBuilder{Host: "203.0.113.10", Port: 443, TLSDomain: "www.cloudflare.com"}
	return NewMTProxy(runner, deriver, links, Config{
		RestartCooldown: time.Millisecond,
		OpTimeout:       5 * time.Second,
	})
}

func TestProvisionAddsSecret(t *testing.T) {
	runner := newFakeRunner()
	p := newTestProxy(runner)
	p.Start()
	defer p.Stop()

	sec, err := p.Provision(context.Background(), 42, 0)
	require.NoError(t, err)
	assert.Len(t, sec, 32)
	assert.Contains(t, runner.secrets(t), sec)
}

func TestProvisionIdempotent(t *testing.T) {
	runner := newFakeRunner()
	p := newTestProxy(runner)
	p.Start()
	defer p.Stop()

	sec1, err := p.Provision(context.Background(), 42, 0)
	require.NoError(t, err)

	runner.mu.Lock()
	restartsAfterFirst := runner.restarts
	runner.mu.Unlock()

	sec2, err := p.Provision(context.Background(), 42, 0)
	require.NoError(t, err)

	assert.Equal(t, sec1, sec2)

	// The second add found the secret already present and skipped the restart.
	runner.mu.Lock()
	assert.Equal(t, restartsAfterFirst, runner.restarts)
	runner.mu.Unlock()
}

func TestRevokeRemovesSecret(t *testing.T) {
	runner := newFakeRunner()
	p := newTestProxy(runner)
	p.Start()
	defer p.Stop()

	sec, err := p.Provision(context.Background(), 42, 0)
	require.NoError(t, err)

	err = p.Revoke(context.Background(), sec)
	require.NoError(t, err)
	assert.NotContains(t, runner.secrets(t), sec)
}

func TestRevokeAbsentSecretIsSuccess(t *testing.T) {
	runner := newFakeRunner()
	p := newTestProxy(runner)
	p.Start()
	defer p.Stop()

	err := p.Revoke(context.Background(), "ffffffffffffffffffffffffffffffff")
	assert.NoError(t, err)
}

func TestProvisionRetryableFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.failNext = &RetryableError{Err: context.DeadlineExceeded}
	p := newTestProxy(runner)
	p.Start()
	defer p.Stop()

	_, err := p.Provision(context.Background(), 42, 0)
	assert.True(t, IsRetryable(err))

	// Next attempt succeeds once the transport recovers.
	sec, err := p.Provision(context.Background(), 42, 0)
	require.NoError(t, err)
	assert.Contains(t, runner.secrets(t), sec)
}

func TestProvisionFatalFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.mu.Lock()
	runner.unit = "[Unit]\nDescription=broken\n"
	runner.mu.Unlock()
	p := newTestProxy(runner)
	p.Start()
	defer p.Stop()

	_, err := p.Provision(context.Background(), 42, 0)
	assert.True(t, IsFatal(err))
}

func TestQueueSaturationFailsFast(t *testing.T) {
	runner := newFakeRunner()
	deriver := secret.NewDeriver([]byte("test-salt"))
	links := &secret.LinkBuilder{Host: "203.0.113.10", Port: 443}
	p := NewMTProxy(runner, deriver, links, Config{QueueDepth: 1, OpTimeout: time.Second})
	// Worker not started: the queue fills and stays full.

	op := &operation{kind: opAdd, secret: "ffffffffffffffffffffffffffffffff", ctx: context.Background(), reply: make(chan error, 1)}
	p.ops <- op

	_, err := p.Provision(context.Background(), 42, 0)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, IsRetryable(err))
}

func TestSubmitTimeoutIsAmbiguous(t *testing.T) {
	runner := newFakeRunner()
	p := newTestProxy(runner)
	// Worker not started: the queued operation never completes.

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Provision(ctx, 42, 0)
	assert.True(t, IsAmbiguous(err))
}

func TestLink(t *testing.T) {
	runner := newFakeRunner()
	p := newTestProxy(runner)

	link := p.Link("0123456789abcdef0123456789abcdef")
	assert.Contains(t, link, "https://t.me/proxy?")
	assert.Contains(t, link, "server=203.0.113.10")
}
