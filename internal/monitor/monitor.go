package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"vmwatch/internal/detect"
	"vmwatch/internal/model"
	"vmwatch/internal/probe"
)

var (
	ErrBaselineUnavailable = errors.New("baseline unavailable")
	ErrControlActionFailed = errors.New("control action failed")
)

const (
	DefaultRounds   = 60
	DefaultInterval = 2 * time.Second

	stopTimeout = 30 * time.Second
)

// Stopper is the containment collaborator, normally the hypervisor controller.
type Stopper interface {
	ForceStop(ctx context.Context, name string) error
}

type Config struct {
	RunID      string
	VMName     string
	Rounds     int
	Interval   time.Duration
	Thresholds detect.Thresholds
	// Rules overrides the default per-family rules when set.
	Rules []detect.Rule
}

type Monitor struct {
	cfg      Config
	logger   *slog.Logger
	samplers map[model.Family]probe.Sampler
	order    []model.Family
	stopper  Stopper
	sink     Sink
	now      func() time.Time
}

func New(cfg Config, prober probe.Prober, stopper Stopper, sink Sink, logger *slog.Logger) *Monitor {
	return NewWithSamplers(cfg, probe.Samplers(prober), stopper, sink, logger)
}

// NewWithSamplers builds a monitor over an explicit family registry. Memory is
// always sampled first; its failure makes the whole round a failure round.
func NewWithSamplers(cfg Config, samplers map[model.Family]probe.Sampler, stopper Stopper, sink Sink, logger *slog.Logger) *Monitor {
	if cfg.Rounds <= 0 {
		cfg.Rounds = DefaultRounds
	}
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	if sink == nil {
		sink = discardSink{}
	}
	return &Monitor{
		cfg:      cfg,
		logger:   logger,
		samplers: samplers,
		order:    samplingOrder(samplers),
		stopper:  stopper,
		sink:     sink,
		now:      time.Now,
	}
}

func samplingOrder(samplers map[model.Family]probe.Sampler) []model.Family {
	var order, extra []model.Family
	for _, f := range model.Families {
		if _, ok := samplers[f]; ok {
			order = append(order, f)
		}
	}
	for f := range samplers {
		if !slices.Contains(model.Families, f) {
			extra = append(extra, f)
		}
	}
	slices.Sort(extra)
	return append(order, extra...)
}

// Run fetches the baseline and drives the sampling rounds until the horizon
// is reached or escalation terminates the run. A cancelled context ends the
// run without a verdict and without a stop call.
func (m *Monitor) Run(ctx context.Context) (detect.Verdict, error) {
	if _, ok := m.samplers[model.FamilyMemory]; !ok {
		return detect.Verdict{}, errors.New("memory sampler is required")
	}

	baseline, err := m.fetchBaseline(ctx)
	if err != nil {
		return detect.Verdict{}, err
	}

	tracker := detect.NewTracker(baseline, m.cfg.Thresholds.SignificanceFloorKiB)
	classifier := detect.NewClassifier(m.cfg.Thresholds, m.cfg.Rules...)
	machine := detect.NewMachine(m.cfg.Thresholds)
	if err := machine.Start(); err != nil {
		return detect.Verdict{}, err
	}
	m.logger.Info("monitoring started",
		"vm_name", m.cfg.VMName,
		"rounds", m.cfg.Rounds,
		"interval", m.cfg.Interval,
		"baseline_used_kib", baseline.Memory.UsedKiB,
	)

	for round := 1; round <= m.cfg.Rounds; round++ {
		if err := sleepWithContext(ctx, m.cfg.Interval); err != nil {
			return detect.Verdict{}, err
		}

		ev, err := m.runRound(ctx, round, tracker, classifier, machine)
		if err != nil {
			return detect.Verdict{}, err
		}
		m.emitRound(ctx, ev)

		if ev.Decision.State.Terminated() {
			return m.terminate(ctx, ev.Decision), nil
		}
	}

	d := machine.Finish(m.cfg.Rounds)
	v := detect.VerdictFrom(d)
	m.logger.Info("monitoring complete", "state", v.State, "reason", v.Reason)
	m.emitVerdict(ctx, VerdictEvent{Verdict: v})
	return v, nil
}

func (m *Monitor) fetchBaseline(ctx context.Context) (model.Snapshot, error) {
	var base model.Snapshot
	if err := m.samplers[model.FamilyMemory](ctx, &base); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return base, ctxErr
		}
		return base, fmt.Errorf("%w: %w", ErrBaselineUnavailable, err)
	}
	for _, f := range m.order[1:] {
		if err := m.samplers[f](ctx, &base); err != nil {
			m.logger.Warn("baseline sample failed, using zero baseline", "family", f, "error", err)
		}
	}
	return base, ctx.Err()
}

func (m *Monitor) runRound(
	ctx context.Context,
	round int,
	tracker *detect.Tracker,
	classifier *detect.Classifier,
	machine *detect.Machine,
) (RoundEvent, error) {
	ev := RoundEvent{
		RunID:  m.cfg.RunID,
		VMName: m.cfg.VMName,
		Round:  round,
		Rounds: m.cfg.Rounds,
	}

	cur := tracker.Baseline()
	if err := m.samplers[model.FamilyMemory](ctx, &cur); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ev, ctxErr
		}
		ev.At = m.now()
		ev.Error = err.Error()
		ev.Decision = machine.ObserveFailure(round)
		ev.Sample = tracker.Baseline()
		m.logger.Error("memory sample failed",
			"round", round,
			"consecutive_failures", ev.Decision.Counters.ConsecutiveFailures,
			"total_failures", ev.Decision.Counters.TotalFailures,
			"error", err,
		)
		if ev.Decision.State == detect.StateTerminatedCrash {
			m.logger.Error("consecutive failures confirmed, guest crashed or unreachable",
				"round", round,
				"consecutive_failures", ev.Decision.Counters.ConsecutiveFailures,
			)
		}
		return ev, nil
	}

	for _, f := range m.order[1:] {
		if err := m.samplers[f](ctx, &cur); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ev, ctxErr
			}
			ev.Substituted = append(ev.Substituted, f)
			m.logger.Warn("sample failed, keeping previous value", "round", round, "family", f, "error", err)
		}
	}

	ev.At = m.now()
	ev.Sample = cur
	ev.Delta = tracker.Compute(cur)
	if ev.Delta.NetWrapped {
		m.logger.Warn("network counters went backwards, delta clamped to zero", "round", round)
	}
	ev.Classification = classifier.Classify(ev.Delta)
	ev.Decision = machine.ObserveRound(round, ev.Classification)
	tracker.Commit(cur)

	m.logger.Debug("round evaluated",
		"round", round,
		"usage_percent", ev.Classification.UsagePercent,
		"spikes", ev.Classification.Spikes,
		"state", ev.Decision.State,
	)
	return ev, nil
}

// terminate reports the verdict, then issues the single stop call. The stop
// runs detached from ctx so an interrupt cannot skip containment.
func (m *Monitor) terminate(ctx context.Context, d detect.Decision) detect.Verdict {
	v := detect.VerdictFrom(d)
	m.logger.Warn("terminating vm", "vm_name", m.cfg.VMName, "state", v.State, "round", v.Rounds, "reason", v.Reason)

	ev := VerdictEvent{Verdict: v}
	if m.stopper == nil {
		ev.StopError = "no stopper configured"
		m.logger.Error("vm not stopped", "error", ErrControlActionFailed, "cause", ev.StopError)
		m.emitVerdict(ctx, ev)
		return v
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := m.stopper.ForceStop(stopCtx, m.cfg.VMName); err != nil {
		err = fmt.Errorf("%w: %w", ErrControlActionFailed, err)
		ev.StopError = err.Error()
		m.logger.Error("force stop failed", "vm_name", m.cfg.VMName, "error", err)
	} else {
		ev.Stopped = true
	}
	m.emitVerdict(ctx, ev)
	return v
}

func (m *Monitor) emitRound(ctx context.Context, ev RoundEvent) {
	if err := m.sink.Round(ctx, ev); err != nil {
		m.logger.Warn("round event delivery failed", "round", ev.Round, "error", err)
	}
}

func (m *Monitor) emitVerdict(ctx context.Context, ev VerdictEvent) {
	ev.RunID = m.cfg.RunID
	ev.VMName = m.cfg.VMName
	ev.At = m.now()
	if err := m.sink.Verdict(context.WithoutCancel(ctx), ev); err != nil {
		m.logger.Warn("verdict event delivery failed", "error", err)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
