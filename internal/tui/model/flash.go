package model

import (
	"sync"
	"time"
)

// Level is how loudly a flash message is shown.
type Level int

const (
	Info Level = iota
	Warn
)

// Flash holds one transient notification.
type Flash struct {
	mu      sync.RWMutex
	message string
	level   Level
	expires time.Time
}

// Set shows msg as information for d.
func (f *Flash) Set(msg string, d time.Duration) {
	f.set(msg, Info, d)
}

// Warn shows msg as a warning for d.
func (f *Flash) Warn(msg string, d time.Duration) {
	f.set(msg, Warn, d)
}

func (f *Flash) set(msg string, level Level, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.level = level
	f.expires = time.Now().Add(d)
}

// Get returns the current message, or "" once it expired.
func (f *Flash) Get() (string, Level) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if time.Now().After(f.expires) {
		return "", Info
	}
	return f.message, f.level
}
