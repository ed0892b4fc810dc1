package probe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"golang.org/x/crypto/ssh"

	"vmwatch/internal/model"
)

const (
	DefaultTimeout = 10 * time.Second

	meminfoCommand = "cat /proc/meminfo"
	netDevCommand  = "cat /proc/net/dev"
	processCommand = "ps aux | wc -l; grep -E '^(processes|procs_running) ' /proc/stat"
)

// Runner executes one remote command in the guest.
type Runner interface {
	Run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, error)
}

// SSHProber reads guest counters by running shell commands over SSH.
type SSHProber struct {
	runner  Runner
	timeout time.Duration
}

var _ Prober = (*SSHProber)(nil)

func NewSSHProber(runner Runner, timeout time.Duration) *SSHProber {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SSHProber{runner: runner, timeout: timeout}
}

func (p *SSHProber) Memory(ctx context.Context) (model.MemorySample, error) {
	out, err := p.query(ctx, model.FamilyMemory, meminfoCommand)
	if err != nil {
		return model.MemorySample{}, err
	}
	s, err := ParseMeminfo(bytes.NewReader(out))
	if err != nil {
		return model.MemorySample{}, &Error{Family: model.FamilyMemory, Kind: KindMalformed, Err: err}
	}
	return s, nil
}

func (p *SSHProber) Network(ctx context.Context) (model.NetworkSample, error) {
	out, err := p.query(ctx, model.FamilyNetwork, netDevCommand)
	if err != nil {
		return model.NetworkSample{}, err
	}
	s, err := ParseNetDev(bytes.NewReader(out))
	if err != nil {
		return model.NetworkSample{}, &Error{Family: model.FamilyNetwork, Kind: KindMalformed, Err: err}
	}
	return s, nil
}

func (p *SSHProber) Process(ctx context.Context) (model.ProcessSample, error) {
	out, err := p.query(ctx, model.FamilyProcess, processCommand)
	if err != nil {
		return model.ProcessSample{}, err
	}
	s, err := ParseProcessStats(bytes.NewReader(out))
	if err != nil {
		return model.ProcessSample{}, &Error{Family: model.FamilyProcess, Kind: KindMalformed, Err: err}
	}
	return s, nil
}

func (p *SSHProber) query(ctx context.Context, family model.Family, cmd string) ([]byte, error) {
	qctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.runner.Run(qctx, cmd, nil)
	if err == nil {
		return out, nil
	}
	return nil, &Error{Family: family, Kind: classify(err), Err: err}
}

func classify(err error) Kind {
	var exitErr *ssh.ExitError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &exitErr):
		return KindMalformed
	default:
		return KindUnreachable
	}
}
