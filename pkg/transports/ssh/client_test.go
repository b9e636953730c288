package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/flowplane/pkg/engine"
	"github.com/openfroyo/flowplane/pkg/executor"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestConfigValidate(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, []byte("key"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "disabled", mutate: func(c *Config) { c.Enabled = false; c.AuthMethod = "agent" }},
		{name: "password", mutate: func(c *Config) { c.AuthMethod = AuthMethodPassword; c.Password = "secret" }},
		{name: "password missing", mutate: func(c *Config) { c.AuthMethod = AuthMethodPassword }, wantErr: true},
		{name: "key", mutate: func(c *Config) { c.PrivateKeyPath = keyPath }},
		{name: "unsupported", mutate: func(c *Config) { c.AuthMethod = "agent" }, wantErr: true},
		{name: "strict without known hosts", mutate: func(c *Config) {
			c.PrivateKeyPath = keyPath
			c.KnownHostsPath = ""
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Enabled = true
			cfg.User = "deploy"
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAddress(t *testing.T) {
	cfg := Config{Port: 2222}
	tests := map[string]string{
		"db-1":       "db-1:2222",
		"db-1:22":    "db-1:22",
		"10.0.0.5":   "10.0.0.5:2222",
		"::1":        "[::1]:2222",
		"[::1]:2200": "[::1]:2200",
	}
	for host, want := range tests {
		if got := cfg.Address(host); got != want {
			t.Errorf("Address(%q) = %q, want %q", host, got, want)
		}
	}
}

func TestCommand(t *testing.T) {
	got := command("/bin/bash", "/tmp/flowplane/a.sh", map[string]string{
		"B": "it's",
		"A": "1",
	})
	want := `env 'A=1' 'B=it'\''s' /bin/bash '/tmp/flowplane/a.sh'`
	if got != want {
		t.Errorf("command() = %s, want %s", got, want)
	}
	if got := command("python3 -u", "/x.py", nil); got != `python3 -u '/x.py'` {
		t.Errorf("command() without env = %s", got)
	}
}

// scriptServer is an in-process SSH server with an SFTP subsystem that runs
// exec requests with the local shell.
type scriptServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
}

func newScriptServer(t *testing.T) *scriptServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("NewSignerFromKey() error = %v", err)
	}
	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "runner" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("invalid credentials")
		},
	}
	config.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	s := &scriptServer{listener: l, config: config}
	go s.serve()
	t.Cleanup(func() { _ = l.Close() })
	return s
}

func (s *scriptServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *scriptServer) handle(netConn net.Conn) {
	defer netConn.Close()
	conn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for ch := range chans {
		if ch.ChannelType() != "session" {
			_ = ch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := ch.Accept()
		if err != nil {
			continue
		}
		go s.session(channel, requests)
	}
}

func (s *scriptServer) session(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		switch req.Type {
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)

			cmd := exec.Command("/bin/sh", "-c", payload.Command)
			cmd.Stdout = channel
			cmd.Stderr = channel.Stderr()
			status := uint32(0)
			if err := cmd.Run(); err != nil {
				var exitErr *exec.ExitError
				if !errors.As(err, &exitErr) {
					status = 127
				} else {
					status = uint32(exitErr.ExitCode())
				}
			}
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func TestRunScript(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an SSH server")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	server := newScriptServer(t)
	workDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.User = "runner"
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "secret"
	cfg.StrictHostKeyChecking = false
	cfg.WorkDir = workDir

	client, err := NewClient(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer client.Close()

	res, err := client.RunScript(context.Background(), server.listener.Addr().String(), executor.ScriptRequest{
		Script: "echo \"hello $GREETING\"\necho oops >&2\nexit 3\n",
		Env:    map[string]string{"GREETING": "world"},
	})
	if err != nil {
		t.Fatalf("RunScript() error = %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.Stdout != "hello world" || !strings.Contains(res.Stderr, "oops") {
		t.Errorf("output = %q / %q", res.Stdout, res.Stderr)
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("script left behind: %v", entries)
	}

	// The cached connection is reused.
	res, err = client.RunScript(context.Background(), server.listener.Addr().String(), executor.ScriptRequest{Script: "true"})
	if err != nil || res.ExitCode != 0 {
		t.Errorf("second run = %+v, %v", res, err)
	}
}

func TestRunScriptConnectError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.User = "runner"
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "secret"
	cfg.StrictHostKeyChecking = false

	client, err := NewClient(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer client.Close()

	_, err = client.RunScript(context.Background(), addr, executor.ScriptRequest{Script: "true"})
	if err == nil {
		t.Fatal("expected a connection error")
	}
	if !engine.IsRetryable(err) {
		t.Errorf("connection errors should be retryable: %v", err)
	}
}
