package probe

import (
	"context"
	"errors"
	"fmt"

	"vmwatch/internal/model"
)

type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindUnreachable Kind = "unreachable"
	KindMalformed   Kind = "malformed"
)

var ErrMalformed = errors.New("malformed response")

// Error is returned by every Prober method.
type Error struct {
	Family model.Family
	Kind   Kind
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("probe %s: %s: %v", e.Family, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsKind(err error, kind Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}

// Prober samples each metric family of the guest independently.
type Prober interface {
	Memory(ctx context.Context) (model.MemorySample, error)
	Network(ctx context.Context) (model.NetworkSample, error)
	Process(ctx context.Context) (model.ProcessSample, error)
}

// Sampler fills its family's part of a snapshot. It leaves the snapshot
// untouched on error so the caller keeps the previous value.
type Sampler func(ctx context.Context, into *model.Snapshot) error

func Samplers(p Prober) map[model.Family]Sampler {
	return map[model.Family]Sampler{
		model.FamilyMemory: func(ctx context.Context, into *model.Snapshot) error {
			s, err := p.Memory(ctx)
			if err != nil {
				return err
			}
			into.Memory = s
			return nil
		},
		model.FamilyNetwork: func(ctx context.Context, into *model.Snapshot) error {
			s, err := p.Network(ctx)
			if err != nil {
				return err
			}
			into.Network = s
			return nil
		},
		model.FamilyProcess: func(ctx context.Context, into *model.Snapshot) error {
			s, err := p.Process(ctx)
			if err != nil {
				return err
			}
			into.Process = s
			return nil
		},
	}
}
