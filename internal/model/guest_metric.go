package model

// Family names one independently sampled group of guest counters.
type Family string

const (
	FamilyMemory  Family = "ram"
	FamilyNetwork Family = "net"
	FamilyProcess Family = "syscall"
)

// Families lists the sampled families in evaluation order.
var Families = []Family{FamilyMemory, FamilyNetwork, FamilyProcess}

// MemorySample mirrors the MemTotal/MemAvailable pair from the guest /proc/meminfo, in KiB.
type MemorySample struct {
	TotalKiB uint64 `json:"total_kib"`
	UsedKiB  uint64 `json:"used_kib"`
}

func (m MemorySample) UsagePercent() float64 {
	if m.TotalKiB == 0 {
		return 0
	}
	return float64(m.UsedKiB) * 100 / float64(m.TotalKiB)
}

// NetworkSample holds cumulative interface counters of the first non-loopback guest interface.
type NetworkSample struct {
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
}

// ProcessSample is a coarse process-activity proxy. None of the fields are exact.
type ProcessSample struct {
	TotalProcesses  uint64 `json:"total_processes"`
	ForkEstimate    uint64 `json:"fork_estimate"`
	RunningEstimate uint64 `json:"running_estimate"`
}

// Snapshot is one round worth of samples across all families.
type Snapshot struct {
	Memory  MemorySample  `json:"memory"`
	Network NetworkSample `json:"network"`
	Process ProcessSample `json:"process"`
}
