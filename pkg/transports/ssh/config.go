package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the client authenticates.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
)

// DefaultWorkDir is where scripts are uploaded when WorkDir is empty.
const DefaultWorkDir = "/tmp/flowplane"

// Config configures the remote script runner. The target host comes from
// each node, everything else is shared.
type Config struct {
	Enabled bool `yaml:"enabled"`

	User       string     `yaml:"user" validate:"required_if=Enabled true"`
	Port       int        `yaml:"port" validate:"gte=0,lte=65535"`
	AuthMethod AuthMethod `yaml:"authMethod" validate:"omitempty,oneof=password key"`

	Password             string `yaml:"password"`
	PrivateKeyPath       string `yaml:"privateKeyPath"`
	PrivateKeyPassphrase string `yaml:"privateKeyPassphrase"`

	// KnownHostsPath is checked when StrictHostKeyChecking is set.
	KnownHostsPath        string `yaml:"knownHostsPath"`
	StrictHostKeyChecking bool   `yaml:"strictHostKeyChecking"`

	ConnectionTimeout time.Duration `yaml:"connectionTimeout" validate:"gte=0"`
	KeepAliveInterval time.Duration `yaml:"keepAliveInterval" validate:"gte=0"`

	WorkDir string `yaml:"workDir"`

	// ProxyHost is an optional jump host as host[:port]. It uses the same
	// credentials unless ProxyUser is set.
	ProxyHost string `yaml:"proxyHost"`
	ProxyUser string `yaml:"proxyUser"`
}

// DefaultConfig returns a disabled Config with key authentication against
// the user's known_hosts.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Port:                  22,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(home, ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		WorkDir:               DefaultWorkDir,
	}
}

// Validate checks the parts of the configuration the struct tags cannot.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey, "":
		if c.PrivateKeyPath == "" && defaultKey() == "" {
			return fmt.Errorf("private key path is required and no default key was found")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}
	if c.StrictHostKeyChecking && c.KnownHostsPath == "" {
		return fmt.Errorf("strict host key checking needs knownHostsPath")
	}
	return nil
}

// Address joins host with the configured port unless host carries one.
func (c *Config) Address(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// BuildSSHClientConfig creates the client configuration for user.
func (c *Config) BuildSSHClientConfig(user string) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	switch c.AuthMethod {
	case AuthMethodPassword:
		auth = append(auth,
			ssh.Password(c.Password),
			// Many servers only offer keyboard-interactive for password prompts.
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			}),
		)
	default:
		keyPath := c.PrivateKeyPath
		if keyPath == "" {
			keyPath = defaultKey()
		}
		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	timeout := c.ConnectionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

func defaultKey() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
