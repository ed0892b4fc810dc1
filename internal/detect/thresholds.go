package detect

// Thresholds holds every tunable of the classifier and the escalation machine.
type Thresholds struct {
	RAMSpikePercent      float64
	RAMSpikeAbsMiB       float64
	SignificanceFloorKiB uint64
	CriticalUsagePercent float64
	NetworkBytesPerRound int64
	ForkSpike            int64
	ActivitySpike        int64
	SustainedSpikes      int
	CrashFailures        int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		RAMSpikePercent:      30.0,
		RAMSpikeAbsMiB:       100.0,
		SignificanceFloorKiB: 10240,
		CriticalUsagePercent: 80.0,
		NetworkBytesPerRound: 1000000,
		ForkSpike:            50,
		ActivitySpike:        1000,
		SustainedSpikes:      3,
		CrashFailures:        3,
	}
}

// withDefaults fills zero fields so a partially populated value stays usable.
func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.RAMSpikePercent <= 0 {
		t.RAMSpikePercent = d.RAMSpikePercent
	}
	if t.RAMSpikeAbsMiB <= 0 {
		t.RAMSpikeAbsMiB = d.RAMSpikeAbsMiB
	}
	if t.SignificanceFloorKiB == 0 {
		t.SignificanceFloorKiB = d.SignificanceFloorKiB
	}
	if t.CriticalUsagePercent <= 0 {
		t.CriticalUsagePercent = d.CriticalUsagePercent
	}
	if t.NetworkBytesPerRound <= 0 {
		t.NetworkBytesPerRound = d.NetworkBytesPerRound
	}
	if t.ForkSpike <= 0 {
		t.ForkSpike = d.ForkSpike
	}
	if t.ActivitySpike <= 0 {
		t.ActivitySpike = d.ActivitySpike
	}
	if t.SustainedSpikes <= 0 {
		t.SustainedSpikes = d.SustainedSpikes
	}
	if t.CrashFailures <= 0 {
		t.CrashFailures = d.CrashFailures
	}
	return t
}
