// Package tui is a terminal editor for one room.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/matheus3301/collab/internal/ot"
	"github.com/matheus3301/collab/internal/presence"
	"github.com/matheus3301/collab/internal/tui/keys"
	"github.com/matheus3301/collab/internal/tui/model"
	"github.com/matheus3301/collab/internal/tui/ui"
	"github.com/matheus3301/collab/internal/tui/views"
)

const (
	scopeComposer = "composer"
	scopeDocument = "document"
)

// Session is the part of a running room the editor drives.
type Session interface {
	Insert(ctx context.Context, pos int, text string) error
	Delete(ctx context.Context, pos, count int) error
	Retain(ctx context.Context, pos, count int) error
	SetPresence(ctx context.Context, st presence.Status) error
	Reconnect() error
	QueueLen() int
}

// App is the main TUI application shell.
type App struct {
	app          *tview.Application
	vm           *model.ViewModel
	session      Session
	registry     *keys.Registry
	statusBar    *views.StatusBar
	document     *views.DocumentView
	participants *views.Participants
	composer     *views.Composer
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewApp creates the editor. vm must be the sink the session renders into.
func NewApp(session Session, vm *model.ViewModel) *App {
	theme := ui.DefaultTheme()
	theme.Apply()
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		app:          tview.NewApplication(),
		vm:           vm,
		session:      session,
		registry:     keys.NewRegistry(),
		statusBar:    views.NewStatusBar(vm.RoomID()),
		document:     views.NewDocumentView(vm.RoomID(), theme),
		participants: views.NewParticipants(theme),
		composer:     views.NewComposer(),
		ctx:          ctx,
		cancel:       cancel,
	}

	a.setupBindings()
	a.composer.SetOnSubmit(a.submit)
	a.setupLayout()
	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal(&keys.Action{
		Name: "reconnect", Key: tcell.KeyF5,
		Description: "F5:reconnect", Visible: true,
		Handler: func() { go a.run(Command{Name: "reconnect"}) },
	})
	a.registry.Add(scopeDocument, &keys.Action{
		Name: "quit", Rune: 'q', Key: tcell.KeyRune,
		Description: "q:quit", Visible: true,
		Handler: func() { a.Stop() },
	})
	a.registry.Add(scopeDocument, &keys.Action{
		Name: "edit", Rune: ':', Key: tcell.KeyRune,
		Description: "::edit", Visible: true,
		Handler: func() { a.app.SetFocus(a.composer) },
	})
	a.registry.Add(scopeComposer, &keys.Action{
		Name: "leave", Key: tcell.KeyEscape,
		Description: "esc:back", Visible: true,
		Handler: func() { a.app.SetFocus(a.document) },
	})
	a.registry.Add(scopeComposer, &keys.Action{
		Name: "help", Key: tcell.KeyF1,
		Description: "F1:help", Visible: true,
		Handler: func() {
			a.vm.Flash.Set(errUsage.Error(), 10*time.Second)
			go a.redraw()
		},
	})
}

func (a *App) setupLayout() {
	body := tview.NewFlex().
		AddItem(a.document, 0, 1, false).
		AddItem(a.participants, 28, 0, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, false).
		AddItem(a.composer, 1, 0, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(root, true).SetFocus(a.composer)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if a.registry.HandleEvent(a.scope(), event) {
			return nil
		}
		return event
	})
}

func (a *App) scope() string {
	if a.composer.HasFocus() {
		return scopeComposer
	}
	return scopeDocument
}

// submit runs off the UI goroutine: session calls wait on the room's owner.
func (a *App) submit(line string) {
	go a.run(ParseCommand(line))
}

func (a *App) run(cmd Command) {
	if err := a.exec(cmd); err != nil {
		a.vm.Flash.Warn(err.Error(), 5*time.Second)
	}
	a.redraw()
}

func (a *App) exec(cmd Command) error {
	if cmd.IsEdit() {
		text, _ := a.vm.Document()
		edit, err := cmd.Edit(runeLen(text))
		if err != nil {
			return err
		}
		return a.apply(edit)
	}
	switch cmd.Name {
	case "away":
		return a.session.SetPresence(a.ctx, presence.Away)
	case "online", "back":
		return a.session.SetPresence(a.ctx, presence.Online)
	case "reconnect":
		if err := a.session.Reconnect(); err != nil {
			return fmt.Errorf("reconnect: %w", err)
		}
		a.vm.Flash.Set("reconnecting", 3*time.Second)
		return nil
	case "q", "quit":
		a.Stop()
		return nil
	}
	return errUsage
}

func (a *App) apply(e Edit) error {
	switch e.Kind {
	case ot.Insert:
		return a.session.Insert(a.ctx, e.Pos, e.Text)
	case ot.Delete:
		return a.session.Delete(a.ctx, e.Pos, e.Count)
	default:
		return a.session.Retain(a.ctx, e.Pos, e.Count)
	}
}

func (a *App) redraw() {
	select {
	case <-a.ctx.Done():
		return
	default:
	}
	a.app.QueueUpdateDraw(func() {
		text, version := a.vm.Document()
		a.document.Update(text, version, a.vm.LastAuthor())
		a.participants.Update(a.vm.Participants())
		a.statusBar.SetLink(a.vm.Link())
		a.statusBar.SetQueued(a.session.QueueLen())
		a.statusBar.SetFlash(a.vm.Flash.Get())
		a.statusBar.SetHints(a.registry.Hints(a.scope()))
	})
}

// startRefreshLoop redraws on every view model change and once a second for
// the clock and expiring flashes.
func (a *App) startRefreshLoop() {
	ticker := time.NewTicker(time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-a.vm.RefreshCh():
			case <-ticker.C:
			case <-a.ctx.Done():
				return
			}
			a.redraw()
		}
	}()
}

// Run starts the TUI application and blocks until it exits.
func (a *App) Run() error {
	a.startRefreshLoop()
	a.redraw()
	return a.app.Run()
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
