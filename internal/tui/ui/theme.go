// Package ui holds the editor's look.
package ui

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Theme holds color constants for the TUI.
type Theme struct {
	BgColor          tcell.Color
	FgColor          tcell.Color
	BorderColor      tcell.Color
	BorderFocusColor tcell.Color
	TableHeaderFg    tcell.Color
	TitleColor       tcell.Color
	CounterColor     tcell.Color
	FlashInfoColor   tcell.Color
	FlashWarnColor   tcell.Color
}

// DefaultTheme returns a dark theme.
func DefaultTheme() *Theme {
	return &Theme{
		BgColor:          tcell.ColorBlack,
		FgColor:          tcell.ColorCadetBlue,
		BorderColor:      tcell.ColorDodgerBlue,
		BorderFocusColor: tcell.ColorLightSkyBlue,
		TableHeaderFg:    tcell.ColorWhite,
		TitleColor:       tcell.ColorFuchsia,
		CounterColor:     tcell.ColorPapayaWhip,
		FlashInfoColor:   tcell.ColorNavajoWhite,
		FlashWarnColor:   tcell.ColorOrange,
	}
}

// Apply makes t the default for widgets created afterwards.
func (t *Theme) Apply() {
	tview.Styles.PrimitiveBackgroundColor = t.BgColor
	tview.Styles.PrimaryTextColor = t.FgColor
	tview.Styles.BorderColor = t.BorderColor
	tview.Styles.TitleColor = t.TitleColor
}
