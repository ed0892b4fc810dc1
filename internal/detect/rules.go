package detect

import (
	"slices"

	"vmwatch/internal/model"
)

// Rule decides whether one family shows anomalous behavior in a round.
type Rule struct {
	Family model.Family
	Spike  func(d Delta, t Thresholds) bool
}

func RAMRule() Rule {
	return Rule{Family: model.FamilyMemory, Spike: func(d Delta, t Thresholds) bool {
		relative := d.MemUsedPct > t.RAMSpikePercent && d.MemUsedKiB > 0 && d.BaselineUsedKiB > t.SignificanceFloorKiB
		return relative || d.MemUsedMiB() > t.RAMSpikeAbsMiB
	}}
}

func NetworkRule() Rule {
	return Rule{Family: model.FamilyNetwork, Spike: func(d Delta, t Thresholds) bool {
		half := t.NetworkBytesPerRound / 2
		return d.NetRxBytes > half || d.NetTxBytes > half
	}}
}

func ProcessRule() Rule {
	return Rule{Family: model.FamilyProcess, Spike: func(d Delta, t Thresholds) bool {
		return d.ForkDelta > t.ForkSpike || d.ActivityDelta > t.ActivitySpike
	}}
}

func DefaultRules() []Rule {
	return []Rule{RAMRule(), NetworkRule(), ProcessRule()}
}

// Classification is the per-round verdict set. Critical is not a spike.
type Classification struct {
	Spikes       []model.Family `json:"spikes,omitempty"`
	Critical     bool           `json:"critical"`
	UsagePercent float64        `json:"usage_percent"`
}

func (c Classification) Has(f model.Family) bool {
	return slices.Contains(c.Spikes, f)
}

type Classifier struct {
	thresholds Thresholds
	rules      []Rule
}

func NewClassifier(t Thresholds, rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{thresholds: t.withDefaults(), rules: rules}
}

func (c *Classifier) Classify(d Delta) Classification {
	out := Classification{
		UsagePercent: d.UsagePercent,
		Critical:     d.UsagePercent > c.thresholds.CriticalUsagePercent,
	}
	for _, r := range c.rules {
		if r.Spike(d, c.thresholds) {
			out.Spikes = append(out.Spikes, r.Family)
		}
	}
	return out
}
