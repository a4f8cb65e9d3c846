// Package model holds the editor's screen state. It is written by the
// session through the render sink methods and read by the views on refresh.
package model

import (
	"sync"
	"time"

	"github.com/matheus3301/collab/internal/presence"
	"github.com/matheus3301/collab/internal/render"
	"github.com/matheus3301/collab/internal/status"
)

const flashTTL = 5 * time.Second

// ViewModel caches room state and signals UI refreshes. Sink methods never
// block, so the session's owner goroutine is never held up by drawing.
type ViewModel struct {
	mu sync.RWMutex

	roomID        string
	text          string
	serverVersion int64
	lastAuthor    string
	participants  []presence.Record
	link          status.State
	Flash         Flash

	refreshCh chan struct{}
}

var (
	_ render.Sink       = (*ViewModel)(nil)
	_ render.StatusSink = (*ViewModel)(nil)
)

// NewViewModel creates an empty view model for roomID.
func NewViewModel(roomID string) *ViewModel {
	return &ViewModel{
		roomID:    roomID,
		link:      status.Idle,
		refreshCh: make(chan struct{}, 1),
	}
}

// RefreshCh returns the channel that signals UI refresh.
func (vm *ViewModel) RefreshCh() <-chan struct{} {
	return vm.refreshCh
}

func (vm *ViewModel) signalRefresh() {
	select {
	case vm.refreshCh <- struct{}{}:
	default:
	}
}

func (vm *ViewModel) DocumentSnapshot(doc render.Document) {
	if doc.RoomID != vm.roomID {
		return
	}
	vm.mu.Lock()
	vm.text = doc.Text
	vm.serverVersion = doc.ServerVersion
	vm.mu.Unlock()
	vm.signalRefresh()
}

func (vm *ViewModel) OperationApplied(a render.Applied) {
	if a.RoomID != vm.roomID {
		return
	}
	vm.mu.Lock()
	vm.text = a.Text
	vm.serverVersion = a.ServerVersion
	if !a.Local {
		vm.lastAuthor = a.Op.ClientID
	}
	vm.mu.Unlock()
	vm.signalRefresh()
}

func (vm *ViewModel) PresenceSnapshot(roomID string, records []presence.Record) {
	if roomID != vm.roomID {
		return
	}
	vm.mu.Lock()
	vm.participants = append([]presence.Record(nil), records...)
	vm.mu.Unlock()
	vm.signalRefresh()
}

func (vm *ViewModel) LinkState(roomID string, state status.State) {
	if roomID != vm.roomID {
		return
	}
	vm.mu.Lock()
	vm.link = state
	vm.mu.Unlock()
	vm.signalRefresh()
}

func (vm *ViewModel) Warning(roomID, msg string) {
	if roomID != vm.roomID {
		return
	}
	vm.Flash.Warn(msg, flashTTL)
	vm.signalRefresh()
}

// RoomID returns the room this model shows.
func (vm *ViewModel) RoomID() string { return vm.roomID }

// Document returns the text and the server version it reflects.
func (vm *ViewModel) Document() (string, int64) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.text, vm.serverVersion
}

// LastAuthor is the client id behind the latest remote edit.
func (vm *ViewModel) LastAuthor() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.lastAuthor
}

// Participants returns a copy of the online participants.
func (vm *ViewModel) Participants() []presence.Record {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return append([]presence.Record(nil), vm.participants...)
}

// Link returns the last known link state.
func (vm *ViewModel) Link() status.State {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.link
}
