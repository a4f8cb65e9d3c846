package views

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Composer is the command line edits are typed into.
type Composer struct {
	*tview.InputField
	onSubmit func(line string)
}

// NewComposer creates a new composer.
func NewComposer() *Composer {
	input := tview.NewInputField().
		SetLabel(" : ").
		SetPlaceholder("a <text> to append, ? for help").
		SetFieldWidth(0)

	c := &Composer{InputField: input}

	input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && c.onSubmit != nil {
			line := c.GetText()
			if line != "" {
				c.onSubmit(line)
				c.SetText("")
			}
		}
	})

	return c
}

// SetOnSubmit sets the callback run for each entered line.
func (c *Composer) SetOnSubmit(fn func(line string)) {
	c.onSubmit = fn
}
