package detect

import "vmwatch/internal/model"

// Delta is the derived comparison of one round against the live baseline.
type Delta struct {
	BaselineUsedKiB uint64  `json:"baseline_used_kib"`
	MemUsedKiB      int64   `json:"mem_used_kib"`
	MemUsedPct      float64 `json:"mem_used_pct"`
	UsagePercent    float64 `json:"usage_percent"`
	NetRxBytes      int64   `json:"net_rx_bytes"`
	NetTxBytes      int64   `json:"net_tx_bytes"`
	NetWrapped      bool    `json:"net_wrapped,omitempty"`
	ForkDelta       int64   `json:"fork_delta"`
	ActivityDelta   int64   `json:"activity_delta"`
}

func (d Delta) MemUsedMiB() float64 {
	return float64(d.MemUsedKiB) / 1024.0
}

// Tracker owns the single live baseline per family. Commit overwrites it.
type Tracker struct {
	floorKiB uint64
	baseline model.Snapshot
}

func NewTracker(baseline model.Snapshot, floorKiB uint64) *Tracker {
	if floorKiB == 0 {
		floorKiB = DefaultThresholds().SignificanceFloorKiB
	}
	return &Tracker{floorKiB: floorKiB, baseline: baseline}
}

func (t *Tracker) Baseline() model.Snapshot {
	return t.baseline
}

func (t *Tracker) Compute(cur model.Snapshot) Delta {
	base := t.baseline
	d := Delta{
		BaselineUsedKiB: base.Memory.UsedKiB,
		MemUsedKiB:      signedDelta(cur.Memory.UsedKiB, base.Memory.UsedKiB),
		UsagePercent:    cur.Memory.UsagePercent(),
		ForkDelta:       signedDelta(cur.Process.ForkEstimate, base.Process.ForkEstimate),
		ActivityDelta:   signedDelta(cur.Process.TotalProcesses, base.Process.TotalProcesses),
	}
	if base.Memory.UsedKiB > t.floorKiB {
		d.MemUsedPct = float64(d.MemUsedKiB) * 100 / float64(base.Memory.UsedKiB)
	}

	rx := signedDelta(cur.Network.RxBytes, base.Network.RxBytes)
	tx := signedDelta(cur.Network.TxBytes, base.Network.TxBytes)
	if rx < 0 {
		// counter wrap or interface reset
		rx = 0
		d.NetWrapped = true
	}
	if tx < 0 {
		tx = 0
		d.NetWrapped = true
	}
	d.NetRxBytes = rx
	d.NetTxBytes = tx
	return d
}

func (t *Tracker) Commit(cur model.Snapshot) {
	t.baseline = cur
}

func signedDelta(cur, prev uint64) int64 {
	if cur >= prev {
		return int64(cur - prev)
	}
	return -int64(prev - cur)
}
