// Package keys maps key presses to editor actions.
package keys

import "github.com/gdamore/tcell/v2"

// Action is one key binding.
type Action struct {
	Name        string
	Key         tcell.Key
	Rune        rune
	Description string
	Handler     func()
	Visible     bool
}

// Matches returns true if the event matches this action.
func (a *Action) Matches(ev *tcell.EventKey) bool {
	if a.Key != tcell.KeyRune {
		return ev.Key() == a.Key
	}
	return ev.Key() == tcell.KeyRune && ev.Rune() == a.Rune
}

// Registry holds bindings per focus scope, in registration order. A scope's
// own bindings win over global ones.
type Registry struct {
	global []*Action
	scopes map[string][]*Action
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{scopes: make(map[string][]*Action)}
}

// AddGlobal registers a binding active in every scope.
func (r *Registry) AddGlobal(action *Action) {
	r.global = append(r.global, action)
}

// Add registers a binding active only while scope has focus.
func (r *Registry) Add(scope string, action *Action) {
	r.scopes[scope] = append(r.scopes[scope], action)
}

// Hints returns the visible descriptions for scope, scope bindings first.
func (r *Registry) Hints(scope string) []string {
	var hints []string
	for _, a := range append(append([]*Action(nil), r.scopes[scope]...), r.global...) {
		if a.Visible {
			hints = append(hints, a.Description)
		}
	}
	return hints
}

// HandleEvent runs the first matching binding and reports whether one ran.
func (r *Registry) HandleEvent(scope string, ev *tcell.EventKey) bool {
	for _, set := range [][]*Action{r.scopes[scope], r.global} {
		for _, a := range set {
			if a.Matches(ev) {
				a.Handler()
				return true
			}
		}
	}
	return false
}
