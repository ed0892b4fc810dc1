package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmwatch/internal/detect"
	"vmwatch/internal/model"
	"vmwatch/internal/probe"
)

const testTotalKiB = 10000000

type memResult struct {
	used uint64
	err  error
}

type fakeProber struct {
	mu       sync.Mutex
	total    uint64
	mem      []memResult
	memCalls int
	netCalls int
	netErr   error
}

func (p *fakeProber) Memory(context.Context) (model.MemorySample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := min(p.memCalls, len(p.mem)-1)
	p.memCalls++
	r := p.mem[i]
	if r.err != nil {
		return model.MemorySample{}, r.err
	}
	total := p.total
	if total == 0 {
		total = testTotalKiB
	}
	return model.MemorySample{TotalKiB: total, UsedKiB: r.used}, nil
}

func (p *fakeProber) Network(context.Context) (model.NetworkSample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.netCalls++
	if p.netErr != nil {
		return model.NetworkSample{}, p.netErr
	}
	return model.NetworkSample{RxBytes: 1000, TxBytes: 1000}, nil
}

func (p *fakeProber) Process(context.Context) (model.ProcessSample, error) {
	return model.ProcessSample{TotalProcesses: 4000, ForkEstimate: 90}, nil
}

type fakeStopper struct {
	calls []string
	err   error
}

func (s *fakeStopper) ForceStop(_ context.Context, name string) error {
	s.calls = append(s.calls, name)
	return s.err
}

type recordingSink struct {
	rounds   []RoundEvent
	verdicts []VerdictEvent
	onRound  func(RoundEvent)
}

func (s *recordingSink) Round(_ context.Context, ev RoundEvent) error {
	s.rounds = append(s.rounds, ev)
	if s.onRound != nil {
		s.onRound(ev)
	}
	return nil
}

func (s *recordingSink) Verdict(_ context.Context, ev VerdictEvent) error {
	s.verdicts = append(s.verdicts, ev)
	return nil
}

func ok(used uint64) memResult { return memResult{used: used} }

func failed() memResult {
	return memResult{err: &probe.Error{Family: model.FamilyMemory, Kind: probe.KindUnreachable, Err: errors.New("connection refused")}}
}

func newTestMonitor(p *fakeProber, s *fakeStopper, sink *recordingSink, rounds int) *Monitor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{RunID: "run-1", VMName: "sandbox", Rounds: rounds, Thresholds: detect.DefaultThresholds()}
	return New(cfg, p, s, sink, logger)
}

func TestRunCleanHorizon(t *testing.T) {
	p := &fakeProber{mem: []memResult{ok(500000)}}
	s := &fakeStopper{}
	sink := &recordingSink{}

	v, err := newTestMonitor(p, s, sink, 60).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, detect.StateCompletedClean, v.State)
	assert.Equal(t, 60, v.Rounds)
	assert.Equal(t, 0, v.ExitCode())
	assert.Empty(t, s.calls)
	assert.Len(t, sink.rounds, 60)
	require.Len(t, sink.verdicts, 1)
	assert.False(t, sink.verdicts[0].Stopped)
	assert.Equal(t, 61, p.memCalls)
}

func TestRunCrashStopsOnceAndStopsSampling(t *testing.T) {
	p := &fakeProber{mem: []memResult{ok(500000), failed()}}
	s := &fakeStopper{}
	sink := &recordingSink{}

	v, err := newTestMonitor(p, s, sink, 60).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, detect.StateTerminatedCrash, v.State)
	assert.Equal(t, 3, v.Rounds)
	assert.Equal(t, 1, v.ExitCode())
	assert.Equal(t, []string{"sandbox"}, s.calls)
	assert.Equal(t, 4, p.memCalls, "baseline plus three failed rounds")
	assert.Equal(t, 1, p.netCalls, "failure rounds skip the other families")
	require.Len(t, sink.rounds, 3)
	for _, ev := range sink.rounds {
		assert.True(t, ev.Failed())
		assert.NotEmpty(t, ev.Error)
		assert.Empty(t, ev.Classification.Spikes)
	}
	require.Len(t, sink.verdicts, 1)
	assert.True(t, sink.verdicts[0].Stopped)
}

func TestRunRAMSpikeOnThirdRound(t *testing.T) {
	p := &fakeProber{mem: []memResult{ok(500000), ok(500000), ok(500000), ok(650001)}}
	s := &fakeStopper{}
	sink := &recordingSink{}

	v, err := newTestMonitor(p, s, sink, 3).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, sink.rounds, 3)
	assert.False(t, sink.rounds[0].Classification.Has(model.FamilyMemory))
	assert.False(t, sink.rounds[1].Classification.Has(model.FamilyMemory))
	assert.True(t, sink.rounds[2].Classification.Has(model.FamilyMemory))

	assert.Equal(t, detect.StateCompletedSuspicious, v.State)
	assert.Equal(t, 1, v.Counters.RAM())
	assert.Equal(t, 2, v.ExitCode())
	assert.Empty(t, s.calls)
}

func TestRunSustainedOnThirdCumulativeSpike(t *testing.T) {
	p := &fakeProber{mem: []memResult{
		ok(500000),
		ok(650001), // spike 1
		ok(500000),
		ok(650001), // spike 2
		ok(500000),
		ok(500000),
		ok(650001), // spike 3
		ok(500000),
	}}
	s := &fakeStopper{}
	sink := &recordingSink{}

	v, err := newTestMonitor(p, s, sink, 60).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, detect.StateTerminatedSustained, v.State)
	assert.Equal(t, 6, v.Rounds)
	assert.Equal(t, 3, v.Counters.RAM())
	assert.Equal(t, []string{"sandbox"}, s.calls)
	assert.Len(t, sink.rounds, 6)
	assert.Equal(t, 7, p.memCalls, "no sampling after termination")
	assert.Contains(t, sink.rounds[5].Decision.Reason, "3 RAM")
}

func TestRunCriticalBoundary(t *testing.T) {
	t.Run("exactly 80 percent", func(t *testing.T) {
		p := &fakeProber{total: 1000000, mem: []memResult{ok(790000), ok(800000)}}
		s := &fakeStopper{}
		v, err := newTestMonitor(p, s, &recordingSink{}, 1).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, detect.StateCompletedClean, v.State)
		assert.Empty(t, s.calls)
	})

	t.Run("80.01 percent on round 1", func(t *testing.T) {
		p := &fakeProber{total: 1000000, mem: []memResult{ok(790000), ok(800100)}}
		s := &fakeStopper{}
		v, err := newTestMonitor(p, s, &recordingSink{}, 60).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, detect.StateTerminatedCritical, v.State)
		assert.Equal(t, 1, v.Rounds)
		assert.Len(t, s.calls, 1)
	})
}

func TestRunBaselineUnavailable(t *testing.T) {
	p := &fakeProber{mem: []memResult{failed()}}
	s := &fakeStopper{}
	sink := &recordingSink{}

	_, err := newTestMonitor(p, s, sink, 60).Run(context.Background())
	require.ErrorIs(t, err, ErrBaselineUnavailable)
	assert.True(t, probe.IsKind(err, probe.KindUnreachable))
	assert.Empty(t, s.calls)
	assert.Empty(t, sink.rounds)
	assert.Empty(t, sink.verdicts)
}

func TestRunFailureRoundKeepsBaseline(t *testing.T) {
	p := &fakeProber{mem: []memResult{ok(500000), failed(), ok(650001), ok(650001)}}
	sink := &recordingSink{}

	v, err := newTestMonitor(p, &fakeStopper{}, sink, 3).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, sink.rounds, 3)
	assert.True(t, sink.rounds[0].Failed())
	assert.True(t, sink.rounds[1].Classification.Has(model.FamilyMemory))
	assert.Equal(t, 0, sink.rounds[1].Decision.Counters.ConsecutiveFailures)
	assert.False(t, sink.rounds[2].Classification.Has(model.FamilyMemory))
	assert.Equal(t, detect.StateCompletedSuspicious, v.State)
	assert.Equal(t, 1, v.Counters.TotalFailures)
}

func TestRunSubstitutesNetworkFailure(t *testing.T) {
	p := &fakeProber{
		mem:    []memResult{ok(500000)},
		netErr: &probe.Error{Family: model.FamilyNetwork, Kind: probe.KindTimeout, Err: context.DeadlineExceeded},
	}
	sink := &recordingSink{}

	v, err := newTestMonitor(p, &fakeStopper{}, sink, 2).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, detect.StateCompletedClean, v.State)
	for _, ev := range sink.rounds {
		assert.False(t, ev.Failed())
		assert.Equal(t, []model.Family{model.FamilyNetwork}, ev.Substituted)
	}
}

func TestRunStopFailureKeepsVerdict(t *testing.T) {
	p := &fakeProber{mem: []memResult{ok(500000), failed()}}
	s := &fakeStopper{err: errors.New("domain not running")}
	sink := &recordingSink{}

	v, err := newTestMonitor(p, s, sink, 60).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, detect.StateTerminatedCrash, v.State)
	assert.Len(t, s.calls, 1)
	require.Len(t, sink.verdicts, 1)
	assert.False(t, sink.verdicts[0].Stopped)
	assert.Contains(t, sink.verdicts[0].StopError, ErrControlActionFailed.Error())
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &fakeProber{mem: []memResult{ok(500000)}}
	s := &fakeStopper{}
	sink := &recordingSink{onRound: func(ev RoundEvent) {
		if ev.Round == 2 {
			cancel()
		}
	}}

	_, err := newTestMonitor(p, s, sink, 60).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, sink.rounds, 2)
	assert.Empty(t, sink.verdicts)
	assert.Empty(t, s.calls)
}

func TestRunRequiresMemorySampler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewWithSamplers(Config{VMName: "sandbox"}, map[model.Family]probe.Sampler{}, &fakeStopper{}, nil, logger)
	_, err := m.Run(context.Background())
	require.Error(t, err)
}

func TestSamplingOrderPutsMemoryFirst(t *testing.T) {
	noop := func(context.Context, *model.Snapshot) error { return nil }
	order := samplingOrder(map[model.Family]probe.Sampler{
		"disk":              noop,
		model.FamilyProcess: noop,
		model.FamilyMemory:  noop,
	})
	assert.Equal(t, []model.Family{model.FamilyMemory, model.FamilyProcess, "disk"}, order)
}
