package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmwatch/internal/model"
)

func startedMachine(t *testing.T) *Machine {
	t.Helper()
	m := NewMachine(DefaultThresholds())
	require.NoError(t, m.Start())
	return m
}

func spikes(f ...model.Family) Classification {
	return Classification{Spikes: f}
}

func TestMachineStartOnlyOnce(t *testing.T) {
	m := NewMachine(DefaultThresholds())
	assert.Equal(t, StateBaselining, m.State())
	require.NoError(t, m.Start())
	assert.Equal(t, StateMonitoring, m.State())
	assert.ErrorIs(t, m.Start(), ErrNotBaselining)
}

func TestMachineCrashAfterThreeConsecutiveFailures(t *testing.T) {
	m := startedMachine(t)

	d := m.ObserveRound(1, Classification{})
	assert.Equal(t, StateMonitoring, d.State)

	d = m.ObserveFailure(2)
	assert.True(t, d.Failure)
	assert.Equal(t, 1, d.Counters.ConsecutiveFailures)
	assert.False(t, d.Final())

	d = m.ObserveFailure(3)
	assert.Equal(t, 2, d.Counters.ConsecutiveFailures)
	assert.False(t, d.Final())

	d = m.ObserveFailure(4)
	assert.Equal(t, StateTerminatedCrash, d.State)
	assert.Equal(t, 3, d.Counters.ConsecutiveFailures)
	assert.True(t, d.State.Terminated())
	assert.NotEmpty(t, d.Reason)
}

func TestMachineSuccessResetsConsecutiveFailures(t *testing.T) {
	m := startedMachine(t)
	m.ObserveFailure(1)
	m.ObserveFailure(2)
	d := m.ObserveRound(3, Classification{})
	assert.Equal(t, 0, d.Counters.ConsecutiveFailures)
	assert.Equal(t, 2, d.Counters.TotalFailures)

	m.ObserveFailure(4)
	d = m.ObserveFailure(5)
	assert.Equal(t, StateMonitoring, d.State)
}

func TestMachineFailureRoundDoesNotCountSpikes(t *testing.T) {
	m := startedMachine(t)
	m.ObserveRound(1, spikes(model.FamilyMemory))
	d := m.ObserveFailure(2)
	assert.Empty(t, d.Spikes)
	assert.Equal(t, 1, d.Counters.RAM())
}

func TestMachineCriticalOnFirstRound(t *testing.T) {
	m := startedMachine(t)
	d := m.ObserveRound(1, Classification{Critical: true, UsagePercent: 80.01})
	assert.Equal(t, StateTerminatedCritical, d.State)
	assert.Contains(t, d.Reason, "80.0%")
}

func TestMachineCriticalTakesPriorityOverSustained(t *testing.T) {
	m := startedMachine(t)
	m.ObserveRound(1, spikes(model.FamilyNetwork))
	m.ObserveRound(2, spikes(model.FamilyNetwork))
	d := m.ObserveRound(3, Classification{Spikes: []model.Family{model.FamilyNetwork}, Critical: true, UsagePercent: 95})
	assert.Equal(t, StateTerminatedCritical, d.State)
	assert.Equal(t, 3, d.Counters.Net())
}

func TestMachineSustainedOnThirdNonContiguousSpike(t *testing.T) {
	m := startedMachine(t)
	sequence := []Classification{
		spikes(model.FamilyMemory),
		{},
		spikes(model.FamilyNetwork),
		{},
		{},
		spikes(model.FamilyMemory, model.FamilyProcess),
		{},
	}
	for i, c := range sequence {
		d := m.ObserveRound(i+1, c)
		require.Equal(t, StateMonitoring, d.State, "round %d", i+1)
	}

	d := m.ObserveRound(8, spikes(model.FamilyMemory))
	assert.Equal(t, StateTerminatedSustained, d.State)
	assert.Equal(t, 8, d.Round)
	assert.Equal(t, 3, d.Counters.RAM())
	assert.Equal(t, 1, d.Counters.Net())
	assert.Equal(t, 1, d.Counters.Syscall())
}

func TestMachineFinish(t *testing.T) {
	t.Run("clean", func(t *testing.T) {
		m := startedMachine(t)
		for i := 1; i <= 60; i++ {
			m.ObserveRound(i, Classification{})
		}
		d := m.Finish(60)
		assert.Equal(t, StateCompletedClean, d.State)
		assert.False(t, d.State.Terminated())
	})

	t.Run("suspicious", func(t *testing.T) {
		m := startedMachine(t)
		m.ObserveRound(1, spikes(model.FamilyProcess))
		m.ObserveRound(2, spikes(model.FamilyProcess))
		d := m.Finish(60)
		assert.Equal(t, StateCompletedSuspicious, d.State)
		assert.False(t, d.State.Terminated())
		assert.True(t, d.Final())
	})

	t.Run("failures alone stay clean", func(t *testing.T) {
		m := startedMachine(t)
		m.ObserveFailure(1)
		m.ObserveRound(2, Classification{})
		assert.Equal(t, StateCompletedClean, m.Finish(60).State)
	})
}

func TestMachineCannotUnterminate(t *testing.T) {
	m := startedMachine(t)
	d := m.ObserveRound(1, Classification{Critical: true, UsagePercent: 99})
	require.Equal(t, StateTerminatedCritical, d.State)

	after := m.ObserveRound(2, spikes(model.FamilyMemory))
	assert.Equal(t, StateTerminatedCritical, after.State)
	assert.Equal(t, 1, after.Round)
	assert.Equal(t, 0, after.Counters.RAM())

	assert.Equal(t, StateTerminatedCritical, m.ObserveFailure(3).State)
	assert.Equal(t, StateTerminatedCritical, m.Finish(60).State)
}

func TestMachineCountersAreCopies(t *testing.T) {
	m := startedMachine(t)
	d := m.ObserveRound(1, spikes(model.FamilyMemory))
	d.Counters.Spikes[model.FamilyMemory] = 10
	assert.Equal(t, 1, m.Counters().RAM())
}

func TestCrashDetector(t *testing.T) {
	c := NewCrashDetector(0)
	assert.False(t, c.Fail())
	assert.False(t, c.Fail())
	c.Reset()
	assert.False(t, c.Fail())
	assert.False(t, c.Fail())
	assert.True(t, c.Fail())
	assert.Equal(t, 5, c.Total())
}

func TestVerdictExitCode(t *testing.T) {
	tests := []struct {
		state State
		want  int
	}{
		{StateCompletedClean, 0},
		{StateCompletedSuspicious, 2},
		{StateTerminatedCritical, 1},
		{StateTerminatedSustained, 1},
		{StateTerminatedCrash, 1},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			v := VerdictFrom(Decision{State: tt.state})
			assert.Equal(t, tt.want, v.ExitCode())
			assert.Equal(t, tt.state.Terminated(), v.Malicious())
		})
	}
}
