package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/flowplane/pkg/engine"
	"github.com/openfroyo/flowplane/pkg/executor"
)

// Client runs scripts on remote hosts. Connections are cached per address
// and re-dialed after a failure.
type Client struct {
	cfg    Config
	target *ssh.ClientConfig
	proxy  *ssh.ClientConfig
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[string]*ssh.Client
	done  chan struct{}
}

var _ executor.ScriptRunner = (*Client)(nil)

// NewClient builds the SSH client configuration once for every host.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	target, err := cfg.BuildSSHClientConfig(cfg.User)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:    cfg,
		target: target,
		logger: logger.With().Str("component", "ssh").Logger(),
		conns:  make(map[string]*ssh.Client),
		done:   make(chan struct{}),
	}
	if cfg.ProxyHost != "" {
		user := cfg.ProxyUser
		if user == "" {
			user = cfg.User
		}
		if c.proxy, err = cfg.BuildSSHClientConfig(user); err != nil {
			return nil, fmt.Errorf("failed to build proxy config: %w", err)
		}
	}
	if c.cfg.WorkDir == "" {
		c.cfg.WorkDir = DefaultWorkDir
	}
	return c, nil
}

// RunScript uploads the script over SFTP, runs it with the interpreter and
// removes it. A non-zero exit is reported in the result. Cancelling ctx
// signals the remote process.
func (c *Client) RunScript(ctx context.Context, host string, req executor.ScriptRequest) (executor.ScriptResult, error) {
	addr := c.cfg.Address(host)
	start := time.Now()

	client, err := c.connect(ctx, addr)
	if err != nil {
		return executor.ScriptResult{}, err
	}

	remotePath := path.Join(c.cfg.WorkDir, uuid.NewString()+".sh")
	if err := c.upload(client, remotePath, req.Script); err != nil {
		c.drop(addr, client)
		return executor.ScriptResult{}, transportError("upload", addr, err)
	}
	defer c.remove(client, remotePath)

	session, err := client.NewSession()
	if err != nil {
		c.drop(addr, client)
		return executor.ScriptResult{}, transportError("session", addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	interpreter := req.Interpreter
	if interpreter == "" {
		interpreter = "/bin/sh"
	}
	cmd := command(interpreter, remotePath, req.Env)
	c.logger.Debug().Str("address", addr).Str("script", remotePath).Msg("Running remote script")

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			_ = session.Signal(ssh.SIGKILL)
		}
		runErr = ctx.Err()
	case runErr = <-done:
	}

	res := executor.ScriptResult{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}

	var exitErr *ssh.ExitError
	switch {
	case runErr == nil:
		return res, nil
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	case ctx.Err() != nil:
		res.ExitCode = -1
		return res, ctx.Err()
	default:
		res.ExitCode = -1
		c.drop(addr, client)
		return res, transportError("run", addr, runErr)
	}
}

// Close closes every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	var errs []error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.conns, addr)
	}
	return errors.Join(errs...)
}

func (c *Client) connect(ctx context.Context, addr string) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}

	type dialResult struct {
		conn *ssh.Client
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := c.dial(addr)
		ch <- dialResult{conn, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, transportError("connect", addr, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, transportError("connect", addr, r.err)
		}
		c.conns[addr] = r.conn
		if c.cfg.KeepAliveInterval > 0 {
			go c.keepAlive(addr, r.conn)
		}
		c.logger.Info().Str("address", addr).Msg("SSH connection established")
		return r.conn, nil
	}
}

func (c *Client) dial(addr string) (*ssh.Client, error) {
	if c.proxy == nil {
		return ssh.Dial("tcp", addr, c.target)
	}
	proxyAddr := c.cfg.Address(c.cfg.ProxyHost)
	jump, err := ssh.Dial("tcp", proxyAddr, c.proxy)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", proxyAddr, err)
	}
	conn, err := jump.Dial("tcp", addr)
	if err != nil {
		_ = jump.Close()
		return nil, fmt.Errorf("dial via proxy: %w", err)
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, c.target)
	if err != nil {
		_ = conn.Close()
		_ = jump.Close()
		return nil, err
	}
	return ssh.NewClient(ncc, chans, reqs), nil
}

func (c *Client) keepAlive(addr string, conn *ssh.Client) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.logger.Warn().Err(err).Str("address", addr).Msg("SSH keepalive failed")
				c.drop(addr, conn)
				return
			}
		}
	}
}

// drop forgets a broken connection so the next run re-dials.
func (c *Client) drop(addr string, conn *ssh.Client) {
	c.mu.Lock()
	if c.conns[addr] == conn {
		delete(c.conns, addr)
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) upload(conn *ssh.Client, remotePath, script string) error {
	client, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("failed to create SFTP client: %w", err)
	}
	defer client.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}
	f, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}
	if _, err := f.Write([]byte(script)); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write script: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return client.Chmod(remotePath, 0o700)
}

func (c *Client) remove(conn *ssh.Client, remotePath string) {
	client, err := sftp.NewClient(conn)
	if err != nil {
		return
	}
	defer client.Close()
	if err := client.Remove(remotePath); err != nil {
		c.logger.Debug().Err(err).Str("script", remotePath).Msg("Failed to remove remote script")
	}
}

// command builds "env 'K=V' ... 'interpreter' 'script'" with keys sorted.
func command(interpreter, script string, env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if len(keys) > 0 {
		b.WriteString("env")
		for _, k := range keys {
			b.WriteString(" ")
			b.WriteString(quote(k + "=" + env[k]))
		}
		b.WriteString(" ")
	}
	b.WriteString(interpreter)
	b.WriteString(" ")
	b.WriteString(quote(script))
	return b.String()
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func transportError(op, addr string, err error) error {
	return engine.NewTransientError(fmt.Sprintf("ssh %s failed", op), err).
		WithCode(engine.ErrCodeExecutorFailed).
		WithOperation(op).
		WithDetail("address", addr)
}
