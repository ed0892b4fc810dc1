package report

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"vmwatch/internal/monitor"
)

const namespace = "vmwatch"

// Metrics exports run progress for the status listener.
type Metrics struct {
	rounds              *prometheus.CounterVec
	spikes              *prometheus.CounterVec
	substitutions       *prometheus.CounterVec
	netWraps            prometheus.Counter
	usagePercent        prometheus.Gauge
	memDeltaKiB         prometheus.Gauge
	consecutiveFailures prometheus.Gauge
	lastRound           prometheus.Gauge
	verdicts            *prometheus.CounterVec
	stops               *prometheus.CounterVec
}

var _ monitor.Sink = (*Metrics)(nil)

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Sampling rounds by outcome.",
		}, []string{"outcome"}),
		spikes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spikes_total",
			Help:      "Spike verdicts by metric family.",
		}, []string{"family"}),
		substitutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "substitutions_total",
			Help:      "Rounds that reused the previous value of a family after a failed sample.",
		}, []string{"family"}),
		netWraps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "network_counter_wraps_total",
			Help:      "Rounds where guest network counters went backwards.",
		}),
		usagePercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_percent",
			Help:      "Guest memory usage in the last successful round.",
		}),
		memDeltaKiB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_delta_kib",
			Help:      "Change of used guest memory against the baseline in the last successful round.",
		}),
		consecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_failures",
			Help:      "Consecutive rounds without a memory sample.",
		}),
		lastRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_round",
			Help:      "Number of the last evaluated round.",
		}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Run verdicts by final state.",
		}, []string{"state"}),
		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "force_stops_total",
			Help:      "Force stop calls by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.rounds,
		m.spikes,
		m.substitutions,
		m.netWraps,
		m.usagePercent,
		m.memDeltaKiB,
		m.consecutiveFailures,
		m.lastRound,
		m.verdicts,
		m.stops,
	)
	return m
}

func (m *Metrics) Round(_ context.Context, ev monitor.RoundEvent) error {
	m.lastRound.Set(float64(ev.Round))
	m.consecutiveFailures.Set(float64(ev.Decision.Counters.ConsecutiveFailures))
	if ev.Failed() {
		m.rounds.WithLabelValues("failed").Inc()
		return nil
	}
	m.rounds.WithLabelValues("ok").Inc()
	m.usagePercent.Set(ev.Classification.UsagePercent)
	m.memDeltaKiB.Set(float64(ev.Delta.MemUsedKiB))
	for _, f := range ev.Classification.Spikes {
		m.spikes.WithLabelValues(string(f)).Inc()
	}
	for _, f := range ev.Substituted {
		m.substitutions.WithLabelValues(string(f)).Inc()
	}
	if ev.Delta.NetWrapped {
		m.netWraps.Inc()
	}
	return nil
}

func (m *Metrics) Verdict(_ context.Context, ev monitor.VerdictEvent) error {
	m.verdicts.WithLabelValues(ev.Verdict.State.String()).Inc()
	if !ev.Verdict.Malicious() {
		return nil
	}
	if ev.Stopped {
		m.stops.WithLabelValues("ok").Inc()
	} else {
		m.stops.WithLabelValues("failed").Inc()
	}
	return nil
}
