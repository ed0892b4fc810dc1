package report

import "github.com/charmbracelet/lipgloss"

var (
	white  = lipgloss.Color("#E2E2E2")
	gray   = lipgloss.Color("#888888")
	blue   = lipgloss.Color("#5FAFFF")
	green  = lipgloss.Color("#5FD787")
	yellow = lipgloss.Color("#FFD787")
	red    = lipgloss.Color("#FF8787")
)

// palette binds the styles to one renderer so colors follow the output
// writer instead of the process stdout.
type palette struct {
	title   lipgloss.Style
	label   lipgloss.Style
	muted   lipgloss.Style
	accent  lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	danger  lipgloss.Style
	rule    lipgloss.Style
}

func newPalette(r *lipgloss.Renderer) palette {
	return palette{
		title:   r.NewStyle().Bold(true).Foreground(white),
		label:   r.NewStyle().Bold(true).Foreground(gray),
		muted:   r.NewStyle().Foreground(gray),
		accent:  r.NewStyle().Foreground(blue),
		success: r.NewStyle().Bold(true).Foreground(green),
		warning: r.NewStyle().Bold(true).Foreground(yellow),
		danger:  r.NewStyle().Bold(true).Foreground(red),
		rule:    r.NewStyle().Foreground(gray),
	}
}
