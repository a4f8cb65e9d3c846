package views

import (
	"fmt"

	"github.com/rivo/tview"

	"github.com/matheus3301/collab/internal/tui/ui"
)

// DocumentView shows the shared document.
type DocumentView struct {
	*tview.TextView
	room string
}

// NewDocumentView creates a document view for room.
func NewDocumentView(room string, theme *ui.Theme) *DocumentView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	tv.SetBorder(true).
		SetBorderColor(theme.BorderColor).
		SetTitleColor(theme.TitleColor)
	dv := &DocumentView{TextView: tv, room: room}
	dv.SetTitle(fmt.Sprintf(" %s ", room))
	return dv
}

// Update replaces the shown text. lastAuthor, when set, is shown in the
// title as the source of the latest remote edit.
func (dv *DocumentView) Update(text string, version int64, lastAuthor string) {
	title := fmt.Sprintf(" %s @v%d ", dv.room, version)
	if lastAuthor != "" {
		title = fmt.Sprintf(" %s @v%d, last edit by %s ", dv.room, version, shortID(lastAuthor))
	}
	dv.SetTitle(title)
	dv.Clear()
	_, _ = fmt.Fprint(dv, sanitizeForTerminal(text))
	dv.ScrollToEnd()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
