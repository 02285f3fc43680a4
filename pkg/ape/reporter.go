package ape

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// State is a step of the repair state machine.
type State int

const (
	StateInvoking State = iota
	StateSucceeded
	StateFailed
	StateDiagnosing
	StatePatchRequested
	StatePatchApplied
	StatePatchUnavailable
	StateHalted
	// StateWarning carries a manager-level notice in Reason; Function is empty.
	StateWarning
)

var stateNames = [...]string{
	StateInvoking:         "invoking",
	StateSucceeded:        "succeeded",
	StateFailed:           "failed",
	StateDiagnosing:       "diagnosing",
	StatePatchRequested:   "patch-requested",
	StatePatchApplied:     "patch-applied",
	StatePatchUnavailable: "patch-unavailable",
	StateHalted:           "halted",
	StateWarning:          "warning",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event is one state transition of a managed call.
type Event struct {
	State    State
	Function string
	Attempt  int
	Err      error    // the managed function's failure, or the repair error
	Outcome  *Outcome // set on PatchApplied and PatchUnavailable
	Reason   string   // set on Halted and Warning
	Time     time.Time
}

// Reporter receives every transition, in order.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Event)

// Report implements Reporter.
func (f ReporterFunc) Report(e Event) { f(e) }

// Console renders transitions for a terminal.
type Console struct {
	mu  sync.Mutex
	out io.Writer

	name    lipgloss.Style
	ok      lipgloss.Style
	bad     lipgloss.Style
	warn    lipgloss.Style
	info    lipgloss.Style
	code    lipgloss.Style
	command lipgloss.Style
}

// Console colors.
var (
	colorSuccess = lipgloss.Color("#8BC34A")
	colorDanger  = lipgloss.Color("#e53935")
	colorWarning = lipgloss.Color("#FFC107")
	colorInfo    = lipgloss.Color("#2196F3")
	colorMuted   = lipgloss.Color("#2a3850")
)

// NewConsole creates a console reporter writing to w (stderr when nil).
func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stderr
	}
	return &Console{
		out:     w,
		name:    lipgloss.NewStyle().Bold(true),
		ok:      lipgloss.NewStyle().Foreground(colorSuccess),
		bad:     lipgloss.NewStyle().Foreground(colorDanger),
		warn:    lipgloss.NewStyle().Foreground(colorWarning),
		info:    lipgloss.NewStyle().Foreground(colorInfo),
		code:    lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorMuted).Padding(0, 1),
		command: lipgloss.NewStyle().Foreground(colorInfo).Bold(true),
	}
}

// Report implements Reporter.
func (c *Console) Report(e Event) {
	line := c.render(e)
	if line == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, line)
}

func (c *Console) render(e Event) string {
	fn := c.name.Render(e.Function)
	switch e.State {
	case StateInvoking:
		if e.Attempt == 0 {
			return ""
		}
		return c.info.Render(fmt.Sprintf("retrying %s (attempt %d)", fn, e.Attempt+1))
	case StateSucceeded:
		if e.Attempt == 0 {
			return ""
		}
		return c.ok.Render(fmt.Sprintf("%s succeeded after repair", fn))
	case StateFailed:
		return c.bad.Render(fmt.Sprintf("%s failed (attempt %d): %v", fn, e.Attempt+1, e.Err))
	case StateDiagnosing:
		return c.info.Render(fmt.Sprintf("collecting diagnostics for %s", fn))
	case StatePatchRequested:
		return c.info.Render(fmt.Sprintf("requesting a replacement for %s", fn))
	case StatePatchApplied:
		return c.applied(fn, e.Outcome)
	case StatePatchUnavailable:
		reason := ""
		if e.Outcome != nil {
			reason = e.Outcome.Reason
		}
		return c.warn.Render(fmt.Sprintf("no usable patch for %s: %s", fn, reason))
	case StateHalted:
		return c.bad.Render(fmt.Sprintf("giving up on %s: %s", fn, e.Reason))
	case StateWarning:
		return c.warn.Render("warning: " + e.Reason)
	}
	return ""
}

func (c *Console) applied(fn string, o *Outcome) string {
	if o == nil {
		return c.ok.Render(fmt.Sprintf("patch applied to %s", fn))
	}
	switch o.Kind {
	case KindHotSwapped:
		return c.ok.Render(fmt.Sprintf("%s has been hot-swapped", fn))
	case KindSourcePatched:
		return c.ok.Render(fmt.Sprintf("%s has been updated in %s (backup: %s); restart to use it", fn, o.File, o.Backup))
	case KindSuggested:
		var b strings.Builder
		b.WriteString(c.info.Render(fmt.Sprintf("suggested replacement for %s:", fn)))
		b.WriteString("\n")
		if o.Diff != "" {
			b.WriteString(c.code.Render(strings.TrimRight(o.Diff, "\n")))
		} else {
			b.WriteString(c.code.Render(o.Candidate))
		}
		b.WriteString("\n")
		b.WriteString(SuggestionInstructions(*o, c.command))
		return b.String()
	}
	return ""
}

// SuggestionInstructions tells the operator how to apply a supervised
// suggestion with the ape CLI.
func SuggestionInstructions(o Outcome, style lipgloss.Style) string {
	file := o.File
	if file == "" {
		file = "<file.go>"
	}
	var b strings.Builder
	b.WriteString("Review the code above, then apply it with:\n")
	if o.Journaled {
		fmt.Fprintf(&b, "  %s\n", style.Render(fmt.Sprintf("ape patch --entry %s", o.ID)))
		b.WriteString("or save it to a file and run:\n")
	}
	fmt.Fprintf(&b, "  %s", style.Render(fmt.Sprintf("ape patch --name %s --file %s --replacement <fix.go>", o.Function, file)))
	return b.String()
}
