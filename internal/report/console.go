package report

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"vmwatch/internal/detect"
	"vmwatch/internal/model"
	"vmwatch/internal/monitor"
)

const ruleWidth = 46

var spikeLabels = map[model.Family]string{
	model.FamilyMemory:  "RAM-SPIKE!",
	model.FamilyNetwork: "NET-SPIKE!",
	model.FamilyProcess: "SYSCALL-SPIKE!",
}

// Console renders the human readable run report.
type Console struct {
	mu sync.Mutex
	w  io.Writer
	p  palette
}

var _ monitor.Sink = (*Console)(nil)

func NewConsole(w io.Writer) *Console {
	return &Console{w: w, p: newPalette(lipgloss.NewRenderer(w))}
}

func (c *Console) Header(vmName, addr, scriptPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.section("VMWatch - Security Monitor")
	fmt.Fprintf(c.w, "%s %s  %s %s  %s %s\n\n",
		c.p.label.Render("VM:"), vmName,
		c.p.label.Render("Address:"), addr,
		c.p.label.Render("Script:"), scriptPath,
	)
}

func (c *Console) Round(_ context.Context, ev monitor.RoundEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.Round == 1 {
		c.section(fmt.Sprintf("Monitoring %d rounds", ev.Rounds))
	}

	prefix := c.p.muted.Render(fmt.Sprintf("[%03d]", ev.Round))
	if ev.Failed() {
		fmt.Fprintf(c.w, "%s %s (failures: %d) %s\n",
			prefix,
			c.p.warning.Render("guest unreachable"),
			ev.Decision.Counters.ConsecutiveFailures,
			c.p.muted.Render(ev.Error),
		)
		c.escalation(ev.Decision)
		return nil
	}

	mem := ev.Sample.Memory
	var b strings.Builder
	fmt.Fprintf(&b, "%s RAM: %s (%.1f%%) %s", prefix,
		humanize.IBytes(mem.UsedKiB*1024), mem.UsagePercent(), signedIBytes(ev.Delta.MemUsedKiB*1024))
	fmt.Fprintf(&b, " | NET: RX +%s TX +%s",
		humanize.Bytes(uint64(ev.Delta.NetRxBytes)), humanize.Bytes(uint64(ev.Delta.NetTxBytes)))
	fmt.Fprintf(&b, " | SYS: %s procs %+d forks",
		humanize.Comma(int64(ev.Sample.Process.TotalProcesses)), ev.Delta.ForkDelta)

	for _, f := range ev.Classification.Spikes {
		label, ok := spikeLabels[f]
		if !ok {
			label = strings.ToUpper(string(f)) + "-SPIKE!"
		}
		b.WriteString(" " + c.p.warning.Render(label))
	}
	if ev.Classification.Critical {
		b.WriteString(" " + c.p.danger.Render("CRITICAL!"))
	}
	if len(ev.Substituted) > 0 {
		b.WriteString(" " + c.p.muted.Render("(stale: "+joinFamilies(ev.Substituted)+")"))
	}
	fmt.Fprintln(c.w, b.String())

	c.escalation(ev.Decision)
	return nil
}

func (c *Console) escalation(d detect.Decision) {
	if !d.State.Terminated() {
		return
	}
	fmt.Fprintln(c.w)
	switch d.State {
	case detect.StateTerminatedCrash:
		fmt.Fprintln(c.w, c.p.danger.Render("VM CRASHED - MALICIOUS BEHAVIOR CONFIRMED"))
		fmt.Fprintf(c.w, "   - consecutive failures confirmed: %s\n", d.Reason)
		fmt.Fprintf(c.w, "   - %d memory spike(s) detected before crash\n", d.Counters.RAM())
	default:
		fmt.Fprintln(c.w, c.p.danger.Render("STOPPING VM - MALICIOUS BEHAVIOR CONFIRMED"))
		fmt.Fprintf(c.w, "   - %s\n", d.Reason)
		fmt.Fprintf(c.w, "   - %d RAM spike(s), %d network spike(s), %d syscall spike(s)\n",
			d.Counters.RAM(), d.Counters.Net(), d.Counters.Syscall())
	}
}

func (c *Console) Verdict(_ context.Context, ev monitor.VerdictEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := ev.Verdict
	if v.Malicious() {
		if ev.Stopped {
			fmt.Fprintln(c.w, c.p.accent.Render("\n[ACTION] VM stopped"))
		} else {
			fmt.Fprintln(c.w, c.p.danger.Render("\n[ACTION] VM stop failed: "+ev.StopError))
		}
		fmt.Fprintf(c.w, "\n%s\n\n", c.p.danger.Render("[TERMINATED] Malicious behavior detected in round "+fmt.Sprint(v.Rounds)))
		return nil
	}

	fmt.Fprintln(c.w)
	c.section("Monitoring Complete")
	if v.State == detect.StateCompletedSuspicious {
		fmt.Fprintln(c.w, c.p.warning.Render("WARNING: suspicious behavior below the termination threshold"))
		fmt.Fprintf(c.w, "   - %d RAM spike(s) detected\n", v.Counters.RAM())
		fmt.Fprintf(c.w, "   - %d network spike(s) detected\n", v.Counters.Net())
		fmt.Fprintf(c.w, "   - %d syscall spike(s) detected\n", v.Counters.Syscall())
	} else {
		fmt.Fprintln(c.w, c.p.success.Render("No suspicious behavior detected"))
	}
	if v.Counters.TotalFailures > 0 {
		fmt.Fprintf(c.w, "   - %d round(s) without a memory sample\n", v.Counters.TotalFailures)
	}
	fmt.Fprintln(c.w)
	return nil
}

func (c *Console) ScriptOutput(out string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.section("Script Output from VM")
	fmt.Fprintln(c.w, strings.TrimRight(out, "\n"))
	fmt.Fprintln(c.w, c.p.rule.Render(strings.Repeat("=", ruleWidth)))
}

func (c *Console) section(title string) {
	rule := c.p.rule.Render(strings.Repeat("=", ruleWidth))
	fmt.Fprintln(c.w, rule)
	fmt.Fprintln(c.w, c.p.title.Render(title))
	fmt.Fprintln(c.w, rule)
}

func signedIBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return "+" + humanize.IBytes(uint64(n))
}

func joinFamilies(fs []model.Family) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = string(f)
	}
	return strings.Join(parts, ",")
}
