package tui

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/matheus3301/collab/internal/presence"
	"github.com/matheus3301/collab/internal/render"
	"github.com/matheus3301/collab/internal/tui/model"
)

type fakeSession struct {
	calls     []string
	reconnect error
}

func (f *fakeSession) Insert(_ context.Context, pos int, text string) error {
	f.calls = append(f.calls, fmt.Sprintf("insert %d %q", pos, text))
	return nil
}

func (f *fakeSession) Delete(_ context.Context, pos, count int) error {
	f.calls = append(f.calls, fmt.Sprintf("delete %d %d", pos, count))
	return nil
}

func (f *fakeSession) Retain(_ context.Context, pos, count int) error {
	f.calls = append(f.calls, fmt.Sprintf("retain %d %d", pos, count))
	return nil
}

func (f *fakeSession) SetPresence(_ context.Context, st presence.Status) error {
	f.calls = append(f.calls, "presence "+string(st))
	return nil
}

func (f *fakeSession) Reconnect() error { return f.reconnect }
func (f *fakeSession) QueueLen() int    { return 0 }

func TestExecRoutesCommandsToSession(t *testing.T) {
	sess := &fakeSession{}
	vm := model.NewViewModel("doc")
	vm.DocumentSnapshot(render.Document{RoomID: "doc", Text: "héllo"})
	a := NewApp(sess, vm)
	defer a.cancel()

	for _, line := range []string{"a  world", "i 0 >", "d 1 2", "s 0 3", "away", "online"} {
		if err := a.exec(ParseCommand(line)); err != nil {
			t.Fatalf("%q: %v", line, err)
		}
	}
	assert.Equal(t, sess.calls, []string{
		`insert 5 " world"`,
		`insert 0 ">"`,
		"delete 1 2",
		"retain 0 3",
		"presence away",
		"presence online",
	})
}

func TestExecReportsErrors(t *testing.T) {
	sess := &fakeSession{reconnect: errors.New("already connecting")}
	a := NewApp(sess, model.NewViewModel("doc"))
	defer a.cancel()

	assert.Equal(t, errors.Is(a.exec(ParseCommand("dance")), errUsage), true)
	if err := a.exec(ParseCommand("reconnect")); err == nil {
		t.Error("reconnect error swallowed")
	}
	assert.Equal(t, len(sess.calls), 0)
}
