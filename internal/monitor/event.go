package monitor

import (
	"context"
	"time"

	"vmwatch/internal/detect"
	"vmwatch/internal/model"
)

// RoundEvent describes one finished sampling round.
type RoundEvent struct {
	RunID          string                `json:"run_id"`
	VMName         string                `json:"vm_name"`
	Round          int                   `json:"round"`
	Rounds         int                   `json:"rounds"`
	At             time.Time             `json:"at"`
	Sample         model.Snapshot        `json:"sample"`
	Delta          detect.Delta          `json:"delta"`
	Classification detect.Classification `json:"classification"`
	Decision       detect.Decision       `json:"decision"`
	Substituted    []model.Family        `json:"substituted,omitempty"`
	Error          string                `json:"error,omitempty"`
}

func (e RoundEvent) Failed() bool {
	return e.Decision.Failure
}

type VerdictEvent struct {
	RunID     string         `json:"run_id"`
	VMName    string         `json:"vm_name"`
	At        time.Time      `json:"at"`
	Verdict   detect.Verdict `json:"verdict"`
	Stopped   bool           `json:"stopped"`
	StopError string         `json:"stop_error,omitempty"`
}

// Sink consumes monitor events. Errors are logged by the monitor and never
// change the outcome of a run.
type Sink interface {
	Round(ctx context.Context, ev RoundEvent) error
	Verdict(ctx context.Context, ev VerdictEvent) error
}

type discardSink struct{}

func (discardSink) Round(context.Context, RoundEvent) error     { return nil }
func (discardSink) Verdict(context.Context, VerdictEvent) error { return nil }
