package journal

import (
	"time"

	"vmwatch/internal/detect"
)

// Record is one finished monitoring run.
type Record struct {
	ID            int64
	RunID         string
	VMName        string
	VMAddr        string
	ScriptPath    string
	State         string
	Rounds        int
	Reason        string
	RAMSpikes     int
	NetSpikes     int
	SyscallSpikes int
	Failures      int
	Stopped       bool
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Apply copies the verdict fields onto the record.
func (r *Record) Apply(v detect.Verdict) {
	r.State = v.State.String()
	r.Rounds = v.Rounds
	r.Reason = v.Reason
	r.RAMSpikes = v.Counters.RAM()
	r.NetSpikes = v.Counters.Net()
	r.SyscallSpikes = v.Counters.Syscall()
	r.Failures = v.Counters.TotalFailures
}

func (r Record) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
