// Package ot implements text operations and their pairwise transformation.
//
// Positions and lengths count runes, not bytes.
package ot

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Kind identifies what an operation does to the document.
type Kind string

const (
	Insert Kind = "insert"
	Delete Kind = "delete"
	Retain Kind = "retain"
)

var (
	ErrOutOfBounds = errors.New("operation out of bounds")
	ErrInvalidOp   = errors.New("invalid operation")
)

// Op is one atomic edit. Text carries the inserted runes for Insert; Count is
// the affected length for Delete and Retain. ClientID and LocalVersion
// identify the op across transformations and order concurrent inserts.
type Op struct {
	Kind          Kind   `json:"kind"`
	Position      int    `json:"position"`
	Text          string `json:"text,omitempty"`
	Count         int    `json:"count,omitempty"`
	ClientID      string `json:"clientId"`
	LocalVersion  int64  `json:"localVersion"`
	ServerVersion int64  `json:"serverVersion"`
}

// Len returns the number of runes the op covers.
func (op Op) Len() int {
	if op.Kind == Insert {
		return utf8.RuneCountInString(op.Text)
	}
	return op.Count
}

// IsNoop reports whether applying op leaves every document unchanged.
func (op Op) IsNoop() bool {
	switch op.Kind {
	case Insert:
		return op.Text == ""
	case Delete:
		return op.Count == 0
	default:
		return true
	}
}

// Validate checks the op's shape without looking at a document.
func (op Op) Validate() error {
	switch op.Kind {
	case Insert, Delete, Retain:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOp, op.Kind)
	}
	if op.Position < 0 || op.Count < 0 {
		return fmt.Errorf("%w: negative position or count", ErrInvalidOp)
	}
	if op.Kind != Insert && op.Text != "" {
		return fmt.Errorf("%w: %s carries text", ErrInvalidOp, op.Kind)
	}
	return nil
}

// Apply returns doc with op applied.
func (op Op) Apply(doc string) (string, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}
	r := []rune(doc)
	switch op.Kind {
	case Insert:
		if op.Position > len(r) {
			return "", fmt.Errorf("%w: insert at %d, length %d", ErrOutOfBounds, op.Position, len(r))
		}
		out := make([]rune, 0, len(r)+op.Len())
		out = append(out, r[:op.Position]...)
		out = append(out, []rune(op.Text)...)
		out = append(out, r[op.Position:]...)
		return string(out), nil
	case Delete:
		if op.Position+op.Count > len(r) {
			return "", fmt.Errorf("%w: delete %d..%d, length %d", ErrOutOfBounds, op.Position, op.Position+op.Count, len(r))
		}
		out := make([]rune, 0, len(r)-op.Count)
		out = append(out, r[:op.Position]...)
		out = append(out, r[op.Position+op.Count:]...)
		return string(out), nil
	default:
		if op.Position+op.Count > len(r) {
			return "", fmt.Errorf("%w: retain %d..%d, length %d", ErrOutOfBounds, op.Position, op.Position+op.Count, len(r))
		}
		return doc, nil
	}
}

// String renders a compact form for logs, e.g. "i@3:foo" or "d@2:4".
func (op Op) String() string {
	switch op.Kind {
	case Insert:
		return fmt.Sprintf("i@%d:%q", op.Position, op.Text)
	case Delete:
		return fmt.Sprintf("d@%d:%d", op.Position, op.Count)
	default:
		return fmt.Sprintf("r@%d:%d", op.Position, op.Count)
	}
}

// Precedes is the total order used to place concurrent inserts at the same
// position: lower client id first, then lower local version.
func Precedes(a, b Op) bool {
	if a.ClientID != b.ClientID {
		return a.ClientID < b.ClientID
	}
	return a.LocalVersion < b.LocalVersion
}
