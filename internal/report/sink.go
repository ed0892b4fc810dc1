package report

import (
	"context"
	"errors"

	"vmwatch/internal/model"
	"vmwatch/internal/monitor"
)

// Multi fans events out to every sink and joins their errors.
type Multi []monitor.Sink

func (m Multi) Round(ctx context.Context, ev monitor.RoundEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Round(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Verdict(ctx context.Context, ev monitor.VerdictEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Verdict(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sender is the subset of the stream client used by StreamSink.
type Sender interface {
	Send(ctx context.Context, env model.Envelope) error
}

// StreamSink wraps monitor events into envelopes for a remote collector.
type StreamSink struct {
	sender Sender
}

func NewStreamSink(sender Sender) *StreamSink {
	return &StreamSink{sender: sender}
}

func (s *StreamSink) Round(ctx context.Context, ev monitor.RoundEvent) error {
	return s.sender.Send(ctx, model.Envelope{
		Type:          model.EventTypeRound,
		RunID:         ev.RunID,
		VMName:        ev.VMName,
		TimestampUnix: ev.At.Unix(),
		Payload:       ev,
	})
}

func (s *StreamSink) Verdict(ctx context.Context, ev monitor.VerdictEvent) error {
	return s.sender.Send(ctx, model.Envelope{
		Type:          model.EventTypeVerdict,
		RunID:         ev.RunID,
		VMName:        ev.VMName,
		TimestampUnix: ev.At.Unix(),
		Payload:       ev,
	})
}
