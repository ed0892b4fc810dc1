package probe

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmwatch/internal/model"
)

type scriptedRunner struct {
	out   map[string]string
	err   error
	block bool
}

func (r scriptedRunner) Run(ctx context.Context, cmd string, _ io.Reader) ([]byte, error) {
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	return []byte(r.out[cmd]), nil
}

func TestSSHProberSamples(t *testing.T) {
	p := NewSSHProber(scriptedRunner{out: map[string]string{
		meminfoCommand: meminfoFixture,
		netDevCommand:  netDevFixture,
		processCommand: "40\nprocesses 900\nprocs_running 2\n",
	}}, time.Second)

	mem, err := p.Memory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(500000), mem.UsedKiB)

	net, err := p.Network(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(52413807), net.RxBytes)

	proc, err := p.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(38), proc.ForkEstimate)
}

func TestSSHProberErrorKinds(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		p := NewSSHProber(scriptedRunner{block: true}, 10*time.Millisecond)
		_, err := p.Memory(context.Background())
		assert.True(t, IsKind(err, KindTimeout))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("unreachable", func(t *testing.T) {
		p := NewSSHProber(scriptedRunner{err: errors.New("dial guest: connection refused")}, time.Second)
		_, err := p.Network(context.Background())
		assert.True(t, IsKind(err, KindUnreachable))
		var pe *Error
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, model.FamilyNetwork, pe.Family)
	})

	t.Run("malformed", func(t *testing.T) {
		p := NewSSHProber(scriptedRunner{out: map[string]string{processCommand: "12\n"}}, time.Second)
		_, err := p.Process(context.Background())
		assert.True(t, IsKind(err, KindMalformed))
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestSamplersLeaveSnapshotOnError(t *testing.T) {
	p := NewSSHProber(scriptedRunner{err: errors.New("boom")}, time.Second)
	snap := model.Snapshot{Network: model.NetworkSample{RxBytes: 77}}
	err := Samplers(p)[model.FamilyNetwork](context.Background(), &snap)
	require.Error(t, err)
	assert.Equal(t, uint64(77), snap.Network.RxBytes)
}
