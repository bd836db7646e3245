package provisioner

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// CommandRunner executes a shell command on the proxy host and returns
// its stdout. Implementations classify failures into the provisioner
// error taxonomy: transport failures are retryable, non-zero exits are
// fatal, context deadline means the outcome is unknown.
type CommandRunner interface {
	Run(ctx context.Context, command string, stdin string) (string, error)
	Close() error
}

type SSHConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	KeyPath     string        `mapstructure:"key_path"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// SSHRunner holds a single authenticated session to the proxy host,
// dialed lazily and re-dialed after transport failures. Concurrency
// is bounded by the operation queue in front of it, so no internal
// locking beyond protecting the cached client is needed.
type SSHRunner struct {
	config SSHConfig

	mu     sync.Mutex
	client *ssh.Client
}

func NewSSHRunner(config SSHConfig) *SSHRunner {
	if config.Port == 0 {
		config.Port = 22
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}
	return &SSHRunner{config: config}
}

func (r *SSHRunner) Run(ctx context.Context, command string, stdin string) (string, error) {
	client, err := r.connect()
	if err != nil {
		return "", &RetryableError{Err: err}
	}

	session, err := client.NewSession()
	if err != nil {
		r.dropClient(client)
		return "", &RetryableError{Err: fmt.Errorf("open session: %w", err)}
	}
	defer session.Close()

	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		// The command may still complete on the remote side. Tear the
		// connection down and report the outcome as unknown.
		r.dropClient(client)
		return "", &AmbiguousError{Err: ctx.Err()}
	case res := <-done:
		if res.err != nil {
			if _, ok := res.err.(*ssh.ExitError); ok {
				return "", &FatalError{Err: fmt.Errorf("remote command failed: %s: %s", res.err, strings.TrimSpace(string(res.out)))}
			}
			r.dropClient(client)
			return "", &RetryableError{Err: fmt.Errorf("run command: %w", res.err)}
		}
		return string(res.out), nil
	}
}

func (r *SSHRunner) connect() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	key, err := os.ReadFile(r.config.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	addr := net.JoinHostPort(r.config.Host, fmt.Sprintf("%d", r.config.Port))
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            r.config.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.config.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	slog.Info("SSH session established", "host", r.config.Host, "user", r.config.User)
	r.client = client
	return client, nil
}

func (r *SSHRunner) dropClient(client *ssh.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == client {
		r.client = nil
	}
	_ = client.Close()
}

func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
