package agent

import (
	"context"
	"sync/atomic"
	"time"

	"vmwatch/internal/detect"
	"vmwatch/internal/monitor"
)

type HealthStatus struct {
	libvirtConnected atomic.Bool
	guestReachable   atomic.Bool
	stopped          atomic.Bool
	lastRound        atomic.Int64
	lastSampleAt     atomic.Int64
	state            atomic.Int64
	vmState          atomic.Value
}

func NewHealthStatus() *HealthStatus {
	h := &HealthStatus{}
	h.state.Store(int64(detect.StateBaselining))
	return h
}

func (h *HealthStatus) SetLibvirtConnected(ok bool) {
	h.libvirtConnected.Store(ok)
}

func (h *HealthStatus) SetGuestReachable(ok bool) {
	h.guestReachable.Store(ok)
}

func (h *HealthStatus) SetVMState(state string) {
	h.vmState.Store(state)
}

func (h *HealthStatus) MarkRound(round int, state detect.State, ts time.Time) {
	h.lastRound.Store(int64(round))
	h.state.Store(int64(state))
	if !ts.IsZero() {
		h.lastSampleAt.Store(ts.UnixNano())
	}
}

func (h *HealthStatus) Stopped() bool {
	return h.stopped.Load()
}

func (h *HealthStatus) Snapshot() map[string]any {
	out := map[string]any{
		"libvirt_connected": h.libvirtConnected.Load(),
		"guest_reachable":   h.guestReachable.Load(),
		"last_round":        h.lastRound.Load(),
		"state":             detect.State(h.state.Load()).String(),
		"vm_stopped":        h.stopped.Load(),
	}
	if v, ok := h.vmState.Load().(string); ok {
		out["vm_state"] = v
	}
	if v := h.lastSampleAt.Load(); v > 0 {
		out["last_sample_at"] = time.Unix(0, v).UTC()
	}
	return out
}

// healthSink keeps the health snapshot in step with monitor events.
type healthSink struct {
	health *HealthStatus
}

func (s *healthSink) Round(_ context.Context, ev monitor.RoundEvent) error {
	s.health.SetGuestReachable(!ev.Failed())
	s.health.MarkRound(ev.Round, ev.Decision.State, ev.At)
	return nil
}

func (s *healthSink) Verdict(_ context.Context, ev monitor.VerdictEvent) error {
	s.health.state.Store(int64(ev.Verdict.State))
	s.health.stopped.Store(ev.Stopped)
	return nil
}
