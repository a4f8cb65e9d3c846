package views

import (
	"time"

	"github.com/rivo/tview"

	"github.com/matheus3301/collab/internal/presence"
	"github.com/matheus3301/collab/internal/tui/ui"
)

// Participants lists who is in the room.
type Participants struct {
	*tview.Table
	theme *ui.Theme
}

// NewParticipants creates an empty participant table.
func NewParticipants(theme *ui.Theme) *Participants {
	table := tview.NewTable().
		SetSelectable(false, false).
		SetBorders(false)
	table.SetBorder(true).
		SetTitle(" People ").
		SetBorderColor(theme.BorderColor).
		SetTitleColor(theme.TitleColor)
	return &Participants{Table: table, theme: theme}
}

// Update refreshes the table.
func (p *Participants) Update(records []presence.Record) {
	p.Clear()
	p.SetCell(0, 0, tview.NewTableCell(" Name").SetSelectable(false).SetTextColor(p.theme.TableHeaderFg))
	p.SetCell(0, 1, tview.NewTableCell(" Seen").SetSelectable(false).SetTextColor(p.theme.TableHeaderFg))

	for i, rec := range records {
		row := i + 1
		name := rec.DisplayName
		if name == "" {
			name = rec.UserID
		}
		color := p.theme.FgColor
		if rec.Status == presence.Away {
			color = p.theme.FlashWarnColor
		}
		p.SetCell(row, 0, tview.NewTableCell(" "+sanitizeForTerminal(name)).SetMaxWidth(20).SetExpansion(1).SetTextColor(color))
		p.SetCell(row, 1, tview.NewTableCell(" "+formatSeen(rec.LastSeen)).SetTextColor(p.theme.CounterColor))
	}
}

func formatSeen(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	if d := time.Since(t); d < time.Minute {
		return "now"
	}
	return t.Format("15:04")
}
