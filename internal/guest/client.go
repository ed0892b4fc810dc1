package guest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

type Config struct {
	Addr           string
	Port           int
	User           string
	KeyPath        string
	KnownHostsPath string
	UseAgent       bool
	DialTimeout    time.Duration
}

// Client owns a single SSH connection to the guest and redials after any transport failure.
type Client struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger
	client *ssh.Client
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Port <= 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Client{cfg: cfg, logger: logger}
}

// Run executes cmd in a fresh session and returns its stdout. The session is
// torn down, and the connection dropped, when ctx ends first.
func (c *Client) Run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, error) {
	client, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		c.drop(client)
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = session.Close()
		c.drop(client)
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if !errors.As(err, &exitErr) {
				c.drop(client)
			}
			if stderr.Len() > 0 {
				return stdout.Bytes(), fmt.Errorf("run %q: %w: %s", cmd, err, bytes.TrimSpace(stderr.Bytes()))
			}
			return stdout.Bytes(), fmt.Errorf("run %q: %w", cmd, err)
		}
		return stdout.Bytes(), nil
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Client) conn(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}

	clientCfg, err := c.clientConfig()
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(c.cfg.Addr, strconv.Itoa(c.cfg.Port))

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	var d net.Dialer
	raw, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial guest %s: %w", addr, err)
	}
	if dl, ok := dialCtx.Deadline(); ok {
		_ = raw.SetDeadline(dl)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(raw, addr, clientCfg)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	_ = raw.SetDeadline(time.Time{})

	c.client = ssh.NewClient(sshConn, chans, reqs)
	c.logger.Debug("guest ssh connected", "addr", addr, "user", c.cfg.User)
	return c.client, nil
}

func (c *Client) drop(client *ssh.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != client {
		return
	}
	_ = c.client.Close()
	c.client = nil
}

func (c *Client) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if c.cfg.KeyPath != "" {
		keyBytes, err := os.ReadFile(c.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.cfg.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			agentConn, err := net.Dial("unix", sock)
			if err != nil {
				c.logger.Warn("ssh agent unavailable", "socket", sock, "error", err)
			} else {
				auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers))
			}
		}
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh auth method configured")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if c.cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(c.cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.cfg.DialTimeout,
	}, nil
}
