package hypervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
)

// rpcClient is a dialed libvirt connection as the manager sees it.
type rpcClient interface {
	DomainAPI
	Version() (string, error)
	Disconnect() error
}

// ConnManager holds the libvirt connection for one monitoring run. The
// connection is dialed before the VM is started and must stay usable until
// the final stop call, so a dropped connection is re-dialed on demand.
type ConnManager struct {
	mu        sync.Mutex
	uri       *url.URL
	retryWait time.Duration
	logger    *slog.Logger
	dial      func(*url.URL) (rpcClient, error)

	client   rpcClient
	sessions int
}

func NewConnManager(rawURI string, retryWait time.Duration, logger *slog.Logger) (*ConnManager, error) {
	uri, err := parseURI(rawURI)
	if err != nil {
		return nil, err
	}
	if retryWait <= 0 {
		retryWait = 3 * time.Second
	}
	return &ConnManager{
		uri:       uri,
		retryWait: retryWait,
		logger:    logger.With("libvirt_uri", uri.Redacted()),
		dial:      dialURI,
	}, nil
}

func dialURI(uri *url.URL) (rpcClient, error) {
	c, err := golibvirt.ConnectToURI(uri)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Connect dials until it succeeds or ctx ends. An existing connection that
// still answers is kept.
func (m *ConnManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx)
}

// Client returns the live connection, dialing first if the previous one was
// dropped.
func (m *ConnManager) Client(ctx context.Context) (DomainAPI, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		if err := m.connectLocked(ctx); err != nil {
			return nil, err
		}
	}
	return m.client, nil
}

// Reconnect drops the current connection and dials a new one.
func (m *ConnManager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked()
	return m.connectLocked(ctx)
}

// Healthy pings the current connection outside the lock.
func (m *ConnManager) Healthy(ctx context.Context) error {
	m.mu.Lock()
	c := m.client
	m.mu.Unlock()
	if c == nil {
		return fmt.Errorf("libvirt not connected")
	}
	if _, err := c.Version(); err != nil {
		return fmt.Errorf("libvirt version check: %w", err)
	}
	return ctx.Err()
}

func (m *ConnManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Disconnect()
	m.client = nil
	if err != nil {
		return fmt.Errorf("libvirt disconnect: %w", err)
	}
	m.logger.Debug("libvirt disconnected", "sessions", m.sessions)
	return nil
}

func (m *ConnManager) connectLocked(ctx context.Context) error {
	if m.client != nil {
		if _, err := m.client.Version(); err == nil {
			return nil
		}
		m.dropLocked()
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				return err
			}
			return fmt.Errorf("connect libvirt %s after %d attempts: %w (last error: %v)", m.uri.Redacted(), attempt-1, err, lastErr)
		}
		c, err := m.dial(m.uri)
		if err == nil {
			m.client = c
			m.sessions++
			if m.sessions == 1 {
				m.logger.Info("libvirt connected", "attempt", attempt)
			} else {
				m.logger.Warn("libvirt reconnected", "attempt", attempt, "session", m.sessions)
			}
			return nil
		}
		lastErr = err

		m.logger.Error("libvirt connect failed", "attempt", attempt, "error", err, "retry_in", m.retryWait)
		t := time.NewTimer(m.retryWait)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
}

func (m *ConnManager) dropLocked() {
	if m.client == nil {
		return
	}
	if err := m.client.Disconnect(); err != nil {
		m.logger.Warn("libvirt disconnect failed", "session", m.sessions, "error", err)
	}
	m.client = nil
}

func parseURI(raw string) (*url.URL, error) {
	if raw == "" {
		raw = string(golibvirt.QEMUSystem)
	}
	uri, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse libvirt uri %q: %w", raw, err)
	}
	if uri.Scheme == "" {
		return nil, fmt.Errorf("libvirt uri %q has no scheme", raw)
	}
	return uri, nil
}
