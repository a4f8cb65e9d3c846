package tui

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/matheus3301/collab/internal/ot"
)

var errUsage = errors.New("usage: i <pos> <text> | a <text> | d <pos> <n> | s <pos> <n> | away | online | reconnect | q")

// Command represents a parsed composer line.
type Command struct {
	Name string
	Args string
}

// ParseCommand splits a composer line into a lower-cased name and the rest.
func ParseCommand(input string) Command {
	input = strings.TrimSpace(input)
	parts := strings.SplitN(input, " ", 2)
	cmd := Command{Name: strings.ToLower(parts[0])}
	if len(parts) > 1 {
		cmd.Args = parts[1]
	}
	return cmd
}

// Edit is a document change requested from the composer. Positions and
// counts are in runes.
type Edit struct {
	Kind  ot.Kind
	Pos   int
	Count int
	Text  string
}

// Edit turns an editing command into an Edit against a document of docLen
// runes. Text after an insert position is taken verbatim, spaces included.
func (c Command) Edit(docLen int) (Edit, error) {
	switch c.Name {
	case "a", "append":
		if c.Args == "" {
			return Edit{}, errUsage
		}
		return Edit{Kind: ot.Insert, Pos: docLen, Text: c.Args}, nil
	case "i", "insert":
		pos, rest, err := leadingInt(c.Args)
		if err != nil || rest == "" {
			return Edit{}, errUsage
		}
		return Edit{Kind: ot.Insert, Pos: pos, Text: rest}, nil
	case "d", "delete", "s", "select":
		pos, rest, err := leadingInt(c.Args)
		if err != nil {
			return Edit{}, errUsage
		}
		count, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil || count <= 0 {
			return Edit{}, errUsage
		}
		kind := ot.Delete
		if c.Name == "s" || c.Name == "select" {
			kind = ot.Retain
		}
		return Edit{Kind: kind, Pos: pos, Count: count}, nil
	}
	return Edit{}, fmt.Errorf("%q is not an edit", c.Name)
}

// IsEdit reports whether the command changes or selects text.
func (c Command) IsEdit() bool {
	switch c.Name {
	case "a", "append", "i", "insert", "d", "delete", "s", "select":
		return true
	}
	return false
}

func leadingInt(s string) (int, string, error) {
	s = strings.TrimLeft(s, " ")
	field, rest, _ := strings.Cut(s, " ")
	n, err := strconv.Atoi(field)
	if err != nil || n < 0 {
		return 0, "", errUsage
	}
	return n, rest, nil
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
