package detect

import (
	"errors"
	"fmt"
	"maps"

	"vmwatch/internal/model"
)

type State int

const (
	StateBaselining State = iota
	StateMonitoring
	StateCompletedClean
	StateCompletedSuspicious
	StateTerminatedCritical
	StateTerminatedSustained
	StateTerminatedCrash
)

func (s State) String() string {
	switch s {
	case StateBaselining:
		return "baselining"
	case StateMonitoring:
		return "monitoring"
	case StateCompletedClean:
		return "completed_clean"
	case StateCompletedSuspicious:
		return "completed_suspicious"
	case StateTerminatedCritical:
		return "terminated_critical"
	case StateTerminatedSustained:
		return "terminated_sustained"
	case StateTerminatedCrash:
		return "terminated_crash"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminated reports whether the state requires the VM to be stopped.
func (s State) Terminated() bool {
	switch s {
	case StateTerminatedCritical, StateTerminatedSustained, StateTerminatedCrash:
		return true
	}
	return false
}

func (s State) Final() bool {
	return s.Terminated() || s == StateCompletedClean || s == StateCompletedSuspicious
}

var ErrNotBaselining = errors.New("escalation machine already started")

// Counters is the only detection state carried across rounds besides the baseline.
type Counters struct {
	Spikes              map[model.Family]int `json:"spikes"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	TotalFailures       int                  `json:"total_failures"`
}

func (c Counters) RAM() int     { return c.Spikes[model.FamilyMemory] }
func (c Counters) Net() int     { return c.Spikes[model.FamilyNetwork] }
func (c Counters) Syscall() int { return c.Spikes[model.FamilyProcess] }

func (c Counters) AnySpike() bool {
	for _, n := range c.Spikes {
		if n > 0 {
			return true
		}
	}
	return false
}

func (c Counters) clone() Counters {
	out := c
	out.Spikes = maps.Clone(c.Spikes)
	if out.Spikes == nil {
		out.Spikes = map[model.Family]int{}
	}
	return out
}

// Decision is the pure outcome of feeding one round (or the end of the run) to the machine.
type Decision struct {
	Round    int            `json:"round"`
	State    State          `json:"state"`
	Failure  bool           `json:"failure,omitempty"`
	Spikes   []model.Family `json:"spikes,omitempty"`
	Critical bool           `json:"critical,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Counters Counters       `json:"counters"`
}

func (d Decision) Final() bool {
	return d.State.Final()
}

// Machine is the escalation state machine of a single run. It performs no I/O.
type Machine struct {
	thresholds Thresholds
	state      State
	spikes     map[model.Family]int
	crash      *CrashDetector
	last       Decision
}

func NewMachine(t Thresholds) *Machine {
	t = t.withDefaults()
	return &Machine{
		thresholds: t,
		state:      StateBaselining,
		spikes:     map[model.Family]int{},
		crash:      NewCrashDetector(t.CrashFailures),
	}
}

func (m *Machine) State() State {
	return m.state
}

func (m *Machine) Counters() Counters {
	return Counters{
		Spikes:              m.spikes,
		ConsecutiveFailures: m.crash.Consecutive(),
		TotalFailures:       m.crash.Total(),
	}.clone()
}

// Start moves the machine to monitoring once the memory baseline is known.
func (m *Machine) Start() error {
	if m.state != StateBaselining {
		return ErrNotBaselining
	}
	m.state = StateMonitoring
	return nil
}

func (m *Machine) ObserveFailure(round int) Decision {
	if m.state != StateMonitoring {
		return m.settled(round)
	}
	crashed := m.crash.Fail()
	d := Decision{Round: round, State: m.state, Failure: true}
	if crashed {
		m.state = StateTerminatedCrash
		d.State = m.state
		d.Reason = fmt.Sprintf("guest unreachable for %d consecutive rounds", m.crash.Consecutive())
	}
	return m.record(d)
}

func (m *Machine) ObserveRound(round int, c Classification) Decision {
	if m.state != StateMonitoring {
		return m.settled(round)
	}
	m.crash.Reset()
	for _, f := range c.Spikes {
		m.spikes[f]++
	}

	d := Decision{Round: round, State: m.state, Spikes: c.Spikes, Critical: c.Critical}
	switch {
	case c.Critical:
		m.state = StateTerminatedCritical
		d.Reason = fmt.Sprintf("RAM usage %.1f%% exceeded %.0f%%", c.UsagePercent, m.thresholds.CriticalUsagePercent)
	case m.sustained():
		m.state = StateTerminatedSustained
		d.Reason = fmt.Sprintf("sustained anomalies: %d RAM, %d network, %d syscall",
			m.spikes[model.FamilyMemory], m.spikes[model.FamilyNetwork], m.spikes[model.FamilyProcess])
	}
	d.State = m.state
	return m.record(d)
}

// Finish closes a run that reached the end of its horizon without terminating.
func (m *Machine) Finish(round int) Decision {
	if m.state != StateMonitoring {
		return m.settled(round)
	}
	d := Decision{Round: round}
	if m.Counters().AnySpike() {
		m.state = StateCompletedSuspicious
		d.Reason = fmt.Sprintf("anomalies below escalation threshold: %d RAM, %d network, %d syscall",
			m.spikes[model.FamilyMemory], m.spikes[model.FamilyNetwork], m.spikes[model.FamilyProcess])
	} else {
		m.state = StateCompletedClean
		d.Reason = "no suspicious behavior detected"
	}
	d.State = m.state
	return m.record(d)
}

func (m *Machine) sustained() bool {
	for _, n := range m.spikes {
		if n >= m.thresholds.SustainedSpikes {
			return true
		}
	}
	return false
}

func (m *Machine) record(d Decision) Decision {
	d.Counters = m.Counters()
	m.last = d
	return d
}

// settled returns the state unchanged: a final machine cannot be reopened.
func (m *Machine) settled(round int) Decision {
	d := m.last
	if d.Round == 0 {
		d.Round = round
	}
	d.State = m.state
	d.Counters = m.Counters()
	return d
}
