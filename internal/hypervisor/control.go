package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
)

var ErrDomainNotFound = errors.New("vm not found")

// DomainAPI is the subset of the libvirt RPC client the controller drives.
type DomainAPI interface {
	DomainLookupByName(name string) (golibvirt.Domain, error)
	DomainGetInfo(dom golibvirt.Domain) (uint8, uint64, uint64, uint16, uint64, error)
	DomainCreate(dom golibvirt.Domain) error
	DomainDestroy(dom golibvirt.Domain) error
}

// Controller starts and force-stops the monitored domain.
type Controller struct {
	client    func(ctx context.Context) (DomainAPI, error)
	logger    *slog.Logger
	bootWait  time.Duration
	controlMu sync.Mutex
}

func NewController(conn *ConnManager, logger *slog.Logger, bootWait time.Duration) *Controller {
	return newController(func(ctx context.Context) (DomainAPI, error) {
		c, err := conn.Client(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	}, logger, bootWait)
}

func newController(client func(ctx context.Context) (DomainAPI, error), logger *slog.Logger, bootWait time.Duration) *Controller {
	if bootWait < 0 {
		bootWait = 0
	}
	return &Controller{client: client, logger: logger, bootWait: bootWait}
}

// EnsureRunning starts the domain unless it is already active. A fresh start
// is followed by the boot wait so the guest can bring up sshd.
func (c *Controller) EnsureRunning(ctx context.Context, name string) error {
	client, dom, err := c.lookup(ctx, name)
	if err != nil {
		return err
	}

	c.controlMu.Lock()
	defer c.controlMu.Unlock()

	state, _, _, _, _, err := client.DomainGetInfo(dom)
	if err != nil {
		return fmt.Errorf("read vm state %s: %w", name, err)
	}
	if isDomainRunning(state) {
		c.logger.Info("vm already running", "vm_name", name)
		return nil
	}

	c.logger.Info("starting vm", "vm_name", name)
	if err := client.DomainCreate(dom); err != nil {
		return fmt.Errorf("start vm %s: %w", name, err)
	}
	c.logger.Info("vm started, waiting for boot", "vm_name", name, "wait", c.bootWait)
	return sleepWithContext(ctx, c.bootWait)
}

// ForceStop destroys the domain immediately, the equivalent of pulling the plug.
func (c *Controller) ForceStop(ctx context.Context, name string) error {
	client, dom, err := c.lookup(ctx, name)
	if err != nil {
		return err
	}

	c.controlMu.Lock()
	defer c.controlMu.Unlock()

	c.logger.Warn("destroying vm", "vm_name", name)
	if err := client.DomainDestroy(dom); err != nil {
		return fmt.Errorf("destroy vm %s: %w", name, err)
	}
	c.logger.Info("vm stopped", "vm_name", name)
	return nil
}

func (c *Controller) State(ctx context.Context, name string) (string, error) {
	client, dom, err := c.lookup(ctx, name)
	if err != nil {
		return "", err
	}
	state, _, _, _, _, err := client.DomainGetInfo(dom)
	if err != nil {
		return "", fmt.Errorf("read vm state %s: %w", name, err)
	}
	return domainStateString(state), nil
}

func (c *Controller) lookup(ctx context.Context, name string) (DomainAPI, golibvirt.Domain, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, golibvirt.Domain{}, errors.New("vm name is required")
	}
	client, err := c.client(ctx)
	if err != nil {
		return nil, golibvirt.Domain{}, err
	}
	dom, err := client.DomainLookupByName(name)
	if err != nil {
		if golibvirt.IsNotFound(err) {
			return nil, golibvirt.Domain{}, fmt.Errorf("%w: %s", ErrDomainNotFound, name)
		}
		return nil, golibvirt.Domain{}, fmt.Errorf("lookup vm %s: %w", name, err)
	}
	return client, dom, nil
}

func isDomainRunning(state uint8) bool {
	switch golibvirt.DomainState(state) {
	case golibvirt.DomainRunning, golibvirt.DomainBlocked, golibvirt.DomainPaused, golibvirt.DomainPmsuspended:
		return true
	default:
		return false
	}
}

func domainStateString(state uint8) string {
	switch golibvirt.DomainState(state) {
	case golibvirt.DomainRunning:
		return "running"
	case golibvirt.DomainBlocked:
		return "blocked"
	case golibvirt.DomainPaused:
		return "paused"
	case golibvirt.DomainShutdown:
		return "shutdown"
	case golibvirt.DomainShutoff:
		return "shutoff"
	case golibvirt.DomainCrashed:
		return "crashed"
	case golibvirt.DomainPmsuspended:
		return "pmsuspended"
	default:
		return "unknown"
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
