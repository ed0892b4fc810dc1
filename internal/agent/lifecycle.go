package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"vmwatch/internal/detect"
	"vmwatch/internal/journal"
)

func (a *Agent) run(ctx context.Context) (detect.Verdict, error) {
	startedAt := time.Now().UTC()
	a.console.Header(a.target.VMName, a.target.VMAddr, a.target.ScriptPath)

	connectCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	err := a.conn.Connect(connectCtx)
	cancel()
	if err != nil {
		return detect.Verdict{}, fmt.Errorf("initial libvirt connect: %w", err)
	}
	a.health.SetLibvirtConnected(true)

	if err := a.control.EnsureRunning(ctx, a.target.VMName); err != nil {
		return detect.Verdict{}, fmt.Errorf("start vm: %w", err)
	}
	if err := a.deployer.Deploy(ctx, a.target.ScriptPath); err != nil {
		return detect.Verdict{}, fmt.Errorf("deploy script: %w", err)
	}
	a.health.SetGuestReachable(true)
	a.logger.Info("waiting for script to initialize", "wait", a.cfg.SettleWait)
	if err := sleepWithContext(ctx, a.cfg.SettleWait); err != nil {
		return detect.Verdict{}, err
	}

	verdict, err := a.watch(ctx)
	if err != nil {
		return detect.Verdict{}, err
	}

	if verdict.State == detect.StateTerminatedCrash {
		a.logger.Info("skipping script output, guest is unreachable")
	} else {
		a.fetchOutput(ctx)
	}
	a.record(verdict, startedAt)
	return verdict, nil
}

// watch runs the monitor with the health loop and status endpoint beside it.
// Only the monitor can fail the group; the auxiliaries log and return nil.
func (a *Agent) watch(ctx context.Context) (detect.Verdict, error) {
	var verdict detect.Verdict
	g, gctx := errgroup.WithContext(ctx)
	auxCtx, stopAux := context.WithCancel(gctx)
	defer stopAux()

	g.Go(func() error {
		defer stopAux()
		v, err := a.monitor.Run(gctx)
		if err != nil {
			return err
		}
		verdict = v
		return nil
	})
	g.Go(func() error {
		return a.runHealthLoop(auxCtx)
	})
	if a.cfg.StatusAddr != "" {
		g.Go(func() error {
			a.runStatusListener(auxCtx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return detect.Verdict{}, err
	}
	return verdict, nil
}

// runHealthLoop watches the libvirt connection beside the monitor. It never
// touches detection state.
func (a *Agent) runHealthLoop(ctx context.Context) error {
	t := time.NewTicker(a.cfg.HealthInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := a.conn.Healthy(ctx); err != nil {
				a.logger.Warn("libvirt health check failed, reconnecting", "error", err)
				a.health.SetLibvirtConnected(false)
				// bounded so a stop call waiting on the connection is not starved
				recCtx, cancel := context.WithTimeout(ctx, a.cfg.ReconnectInterval)
				recErr := a.conn.Reconnect(recCtx)
				cancel()
				if recErr != nil {
					if ctx.Err() != nil {
						return nil
					}
					a.logger.Error("libvirt reconnect failed", "error", recErr)
					continue
				}
			}
			a.health.SetLibvirtConnected(true)
			state, err := a.control.State(ctx, a.target.VMName)
			if err != nil {
				a.logger.Debug("vm state check failed", "error", err)
				continue
			}
			a.health.SetVMState(state)
			a.logger.Debug("agent health", "snapshot", a.health.Snapshot())
		}
	}
}

// fetchOutput is best effort; a stopped VM usually refuses the connection.
func (a *Agent) fetchOutput(ctx context.Context) {
	outCtx, cancel := context.WithTimeout(ctx, a.cfg.ProbeTimeout)
	defer cancel()
	out, err := a.deployer.Output(outCtx)
	if err != nil {
		a.logger.Warn("failed to fetch script output", "error", err)
		return
	}
	a.console.ScriptOutput(out)
}

func (a *Agent) record(v detect.Verdict, startedAt time.Time) {
	if a.journal == nil {
		return
	}
	rec := &journal.Record{
		RunID:      a.runID,
		VMName:     a.target.VMName,
		VMAddr:     a.target.VMAddr,
		ScriptPath: a.target.ScriptPath,
		Stopped:    a.health.Stopped(),
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
	}
	rec.Apply(v)
	if err := a.journal.Save(rec); err != nil {
		a.logger.Error("journal save failed", "error", err)
	}
}

func (a *Agent) shutdown(ctx context.Context) {
	if a.stream != nil {
		if err := a.stream.Close(ctx); err != nil {
			a.logger.Warn("event stream close failed", "error", err)
		}
	}
	if err := a.guest.Close(); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Debug("guest ssh close failed", "error", err)
	}
	a.health.SetGuestReachable(false)
	if err := a.conn.Close(); err != nil {
		a.logger.Warn("libvirt close failed", "error", err)
	}
	a.health.SetLibvirtConnected(false)
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("journal close failed", "error", err)
		}
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
