package detect

// Verdict is the typed outcome of a whole run, consumed by the CLI and the journal.
type Verdict struct {
	State    State    `json:"state"`
	Rounds   int      `json:"rounds"`
	Reason   string   `json:"reason"`
	Counters Counters `json:"counters"`
}

func VerdictFrom(d Decision) Verdict {
	return Verdict{State: d.State, Rounds: d.Round, Reason: d.Reason, Counters: d.Counters}
}

func (v Verdict) Clean() bool {
	return v.State == StateCompletedClean
}

func (v Verdict) Malicious() bool {
	return v.State.Terminated()
}

// ExitCode maps the verdict to the process exit status.
func (v Verdict) ExitCode() int {
	switch {
	case v.State == StateCompletedClean:
		return 0
	case v.State == StateCompletedSuspicious:
		return 2
	default:
		return 1
	}
}
