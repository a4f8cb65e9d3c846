package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/rivo/tview"

	"github.com/matheus3301/collab/internal/status"
	"github.com/matheus3301/collab/internal/tui/model"
)

// StatusBar shows the link state, queue depth and flash messages.
type StatusBar struct {
	*tview.TextView
	room   string
	link   status.State
	queued int
	flash  string
	level  model.Level
	hints  []string
}

// NewStatusBar creates a new status bar.
func NewStatusBar(room string) *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)

	return &StatusBar{TextView: tv, room: room, link: status.Idle}
}

// SetLink updates the link state display.
func (sb *StatusBar) SetLink(state status.State) {
	sb.link = state
	sb.render()
}

// SetQueued updates the number of messages waiting for the link.
func (sb *StatusBar) SetQueued(n int) {
	sb.queued = n
	sb.render()
}

// SetFlash sets a temporary message.
func (sb *StatusBar) SetFlash(msg string, level model.Level) {
	sb.flash = msg
	sb.level = level
	sb.render()
}

// SetHints sets the key hints shown at the right.
func (sb *StatusBar) SetHints(hints []string) {
	sb.hints = hints
	sb.render()
}

func linkColor(state status.State) string {
	switch state {
	case status.Open:
		return "green"
	case status.Connecting, status.Reconnecting:
		return "yellow"
	default:
		return "red"
	}
}

func (sb *StatusBar) render() {
	sb.Clear()

	line := fmt.Sprintf(" [::b]%s[-:-:-] | [%s]%s[-]", sb.room, linkColor(sb.link), sb.link)
	if sb.queued > 0 {
		line += fmt.Sprintf(" | %d queued", sb.queued)
	}
	line += " | " + time.Now().Format("15:04")
	if sb.flash != "" {
		color := "yellow"
		if sb.level == model.Warn {
			color = "orange"
		}
		line += fmt.Sprintf(" | [%s]%s[-]", color, tview.Escape(sb.flash))
	}
	if len(sb.hints) > 0 {
		line += " | [::d]" + strings.Join(sb.hints, " ") + "[-:-:-]"
	}

	_, _ = fmt.Fprint(sb, line)
}
