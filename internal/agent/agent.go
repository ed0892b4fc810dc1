package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"vmwatch/internal/config"
	"vmwatch/internal/detect"
	"vmwatch/internal/guest"
	"vmwatch/internal/hypervisor"
	"vmwatch/internal/journal"
	"vmwatch/internal/monitor"
	"vmwatch/internal/probe"
	"vmwatch/internal/report"
	"vmwatch/internal/stream"
)

// Target names the VM under test and the script to run inside it.
type Target struct {
	VMName     string
	VMAddr     string
	ScriptPath string
}

type Agent struct {
	cfg      config.Config
	target   Target
	logger   *slog.Logger
	runID    string
	conn     *hypervisor.ConnManager
	control  *hypervisor.Controller
	guest    *guest.Client
	deployer *guest.Deployer
	monitor  *monitor.Monitor
	console  *report.Console
	registry *prometheus.Registry
	stream   *stream.GRPCClient
	journal  journal.Repository
	health   *HealthStatus
}

func New(cfg config.Config, target Target, stdout io.Writer, logger *slog.Logger) (*Agent, error) {
	if target.VMName == "" || target.VMAddr == "" || target.ScriptPath == "" {
		return nil, errors.New("vm name, vm address and script path are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	streamClient, err := stream.NewClientFromConfig(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("stream client: %w", err)
	}

	runID := uuid.NewString()
	logger = logger.With("run_id", runID, "vm_name", target.VMName)

	conn, err := hypervisor.NewConnManager(cfg.LibvirtURI, cfg.ReconnectInterval, logger)
	if err != nil {
		return nil, err
	}

	var repo journal.Repository
	if cfg.JournalPath != "" {
		r, err := journal.OpenAt(cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		repo = r
	}

	guestClient := guest.NewClient(guest.Config{
		Addr:           target.VMAddr,
		Port:           cfg.SSHPort,
		User:           cfg.SSHUser,
		KeyPath:        cfg.SSHKeyPath,
		KnownHostsPath: cfg.SSHKnownHostsPath,
		UseAgent:       cfg.SSHUseAgent,
		DialTimeout:    cfg.SSHDialTimeout,
	}, logger)

	registry := prometheus.NewRegistry()
	health := NewHealthStatus()
	console := report.NewConsole(stdout)
	sinks := report.Multi{console, report.NewMetrics(registry), &healthSink{health: health}}
	if streamClient != nil {
		sinks = append(sinks, report.NewStreamSink(streamClient))
	}

	control := hypervisor.NewController(conn, logger, cfg.BootWait)
	mon := monitor.New(monitor.Config{
		RunID:      runID,
		VMName:     target.VMName,
		Rounds:     cfg.Rounds,
		Interval:   cfg.Interval,
		Thresholds: cfg.Thresholds(),
	}, probe.NewSSHProber(guestClient, cfg.ProbeTimeout), control, sinks, logger)

	return &Agent{
		cfg:      cfg,
		target:   target,
		logger:   logger,
		runID:    runID,
		conn:     conn,
		control:  control,
		guest:    guestClient,
		deployer: guest.NewDeployer(guestClient, logger),
		monitor:  mon,
		console:  console,
		registry: registry,
		stream:   streamClient,
		journal:  repo,
		health:   health,
	}, nil
}

func (a *Agent) RunID() string {
	return a.runID
}

// Run executes one monitoring run. The first SIGINT/SIGTERM cancels the run,
// a second one or the shutdown timeout abandons it.
func (a *Agent) Run(ctx context.Context) (detect.Verdict, error) {
	a.logger.Info("starting vmwatch", "vm_addr", a.target.VMAddr, "script", a.target.ScriptPath, "libvirt_uri", a.cfg.LibvirtURI)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	type result struct {
		verdict detect.Verdict
		err     error
	}
	runCh := make(chan result, 1)
	go func() {
		v, err := a.run(runCtx)
		runCh <- result{verdict: v, err: err}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var res result
	select {
	case res = <-runCh:
	case sig := <-sigCh:
		a.logger.Info("shutdown signal received, cancelling run", "signal", sig.String(), "timeout", a.cfg.ShutdownTimeout)
		cancelRun()

		graceTimer := time.NewTimer(a.cfg.ShutdownTimeout)
		defer graceTimer.Stop()

		select {
		case res = <-runCh:
		case sig2 := <-sigCh:
			a.logger.Warn("second signal received, forcing immediate shutdown", "signal", sig2.String())
			res.err = context.Canceled
		case <-graceTimer.C:
			a.logger.Warn("graceful shutdown timeout reached, forcing shutdown", "timeout", a.cfg.ShutdownTimeout)
			res.err = context.DeadlineExceeded
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancelShutdown()
	a.shutdown(shutdownCtx)

	if res.err != nil {
		return detect.Verdict{}, res.err
	}
	a.logger.Info("vmwatch finished", "state", res.verdict.State, "exit_code", res.verdict.ExitCode())
	return res.verdict, nil
}

func BuildLogger(cfg config.Config) *slog.Logger {
	return buildLogger(cfg, os.Stderr)
}

func buildLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(w, hOpts))
	}
	return slog.New(slog.NewTextHandler(w, hOpts))
}
