package probe

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmwatch/internal/model"
)

const meminfoFixture = `MemTotal:        4028264 kB
MemFree:          201812 kB
MemAvailable:    3528264 kB
Buffers:           61724 kB
Cached:          1180736 kB
`

const netDevFixture = `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo:    8272      92    0    0    0     0          0         0     8272      92    0    0    0     0       0          0
enp1s0: 52413807   41205    0    0    0     0          0         0  1482711   15207    0    0    0     0       0          0
enp2s0:      10       1    0    0    0     0          0         0       20       2    0    0    0     0       0          0
`

func TestParseMeminfo(t *testing.T) {
	got, err := ParseMeminfo(strings.NewReader(meminfoFixture))
	require.NoError(t, err)
	assert.Equal(t, model.MemorySample{TotalKiB: 4028264, UsedKiB: 500000}, got)
}

func TestParseMeminfoMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "missing available", input: "MemTotal: 100 kB\n"},
		{name: "garbage value", input: "MemTotal: abc kB\nMemAvailable: 10 kB\n"},
		{name: "available above total", input: "MemTotal: 10 kB\nMemAvailable: 20 kB\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMeminfo(strings.NewReader(tt.input))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestParseNetDevFirstNonLoopback(t *testing.T) {
	got, err := ParseNetDev(strings.NewReader(netDevFixture))
	require.NoError(t, err)
	assert.Equal(t, model.NetworkSample{RxBytes: 52413807, RxPackets: 41205, TxBytes: 1482711, TxPackets: 15207}, got)
}

func TestParseNetDevMalformed(t *testing.T) {
	_, err := ParseNetDev(strings.NewReader("    lo: 1 2 3 4 5 6 7 8 9 10 11 12 13 14 15 16\n"))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParseNetDev(strings.NewReader("eth0: 1 2 3\n"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseProcessStats(t *testing.T) {
	got, err := ParseProcessStats(strings.NewReader("137\nprocesses 48211\nprocs_running 3\n"))
	require.NoError(t, err)
	assert.Equal(t, model.ProcessSample{TotalProcesses: 48211, ForkEstimate: 135, RunningEstimate: 3}, got)

	got, err = ParseProcessStats(strings.NewReader("2\nprocesses 10\nprocs_running 1\n"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got.ForkEstimate)
}

func TestParseProcessStatsWrongFieldCount(t *testing.T) {
	_, err := ParseProcessStats(strings.NewReader("137\nprocesses 48211\n"))
	assert.ErrorIs(t, err, ErrMalformed)
}
