package probe

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"vmwatch/internal/model"
)

// ParseMeminfo reads MemTotal and MemAvailable, both in KiB.
func ParseMeminfo(r io.Reader) (model.MemorySample, error) {
	vals := map[string]uint64{}
	s := bufio.NewScanner(r)
	for s.Scan() {
		parts := strings.Fields(s.Text())
		if len(parts) < 2 {
			continue
		}
		key := strings.TrimSuffix(parts[0], ":")
		if key != "MemTotal" && key != "MemAvailable" {
			continue
		}
		v, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return model.MemorySample{}, fmt.Errorf("%w: %s value %q", ErrMalformed, key, parts[1])
		}
		vals[key] = v
	}
	if err := s.Err(); err != nil {
		return model.MemorySample{}, fmt.Errorf("scan meminfo: %w", err)
	}

	total, okTotal := vals["MemTotal"]
	avail, okAvail := vals["MemAvailable"]
	if !okTotal || !okAvail {
		return model.MemorySample{}, fmt.Errorf("%w: MemTotal/MemAvailable missing", ErrMalformed)
	}
	if avail > total {
		return model.MemorySample{}, fmt.Errorf("%w: MemAvailable %d above MemTotal %d", ErrMalformed, avail, total)
	}
	return model.MemorySample{TotalKiB: total, UsedKiB: total - avail}, nil
}

// ParseNetDev returns the counters of the first non-loopback interface in /proc/net/dev.
func ParseNetDev(r io.Reader) (model.NetworkSample, error) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		iface, rest, ok := strings.Cut(s.Text(), ":")
		if !ok {
			continue
		}
		iface = strings.TrimSpace(iface)
		if iface == "" || iface == "lo" || strings.Contains(iface, "|") {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 16 {
			return model.NetworkSample{}, fmt.Errorf("%w: interface %s has %d fields", ErrMalformed, iface, len(fields))
		}
		var out model.NetworkSample
		targets := []struct {
			idx int
			dst *uint64
		}{
			{0, &out.RxBytes},
			{1, &out.RxPackets},
			{8, &out.TxBytes},
			{9, &out.TxPackets},
		}
		for _, t := range targets {
			v, err := strconv.ParseUint(fields[t.idx], 10, 64)
			if err != nil {
				return model.NetworkSample{}, fmt.Errorf("%w: interface %s field %d %q", ErrMalformed, iface, t.idx, fields[t.idx])
			}
			*t.dst = v
		}
		return out, nil
	}
	if err := s.Err(); err != nil {
		return model.NetworkSample{}, fmt.Errorf("scan net/dev: %w", err)
	}
	return model.NetworkSample{}, fmt.Errorf("%w: no non-loopback interface", ErrMalformed)
}

// ParseProcessStats reads the output of processCommand: a process count line
// followed by the processes and procs_running lines of /proc/stat.
func ParseProcessStats(r io.Reader) (model.ProcessSample, error) {
	var (
		count, created, running       uint64
		haveCount, haveCreated, haveR bool
	)
	s := bufio.NewScanner(r)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		switch {
		case len(fields) == 1 && !haveCount:
			v, err := strconv.ParseUint(fields[0], 10, 64)
			if err != nil {
				return model.ProcessSample{}, fmt.Errorf("%w: process count %q", ErrMalformed, fields[0])
			}
			count, haveCount = v, true
		case len(fields) == 2 && fields[0] == "processes":
			v, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return model.ProcessSample{}, fmt.Errorf("%w: processes %q", ErrMalformed, fields[1])
			}
			created, haveCreated = v, true
		case len(fields) == 2 && fields[0] == "procs_running":
			v, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return model.ProcessSample{}, fmt.Errorf("%w: procs_running %q", ErrMalformed, fields[1])
			}
			running, haveR = v, true
		}
	}
	if err := s.Err(); err != nil {
		return model.ProcessSample{}, fmt.Errorf("scan process stats: %w", err)
	}
	if !haveCount || !haveCreated || !haveR {
		return model.ProcessSample{}, fmt.Errorf("%w: expected 3 values", ErrMalformed)
	}

	var forks uint64
	if count > 2 {
		// ps header and the ps process itself
		forks = count - 2
	}
	return model.ProcessSample{TotalProcesses: created, ForkEstimate: forks, RunningEstimate: running}, nil
}
