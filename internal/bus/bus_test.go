package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEmitRunsHandlersInRegistrationOrder(t *testing.T) {
	b := New(8, nil)
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		b.On("op.remote", func(Event) error {
			got = append(got, i)
			return nil
		})
	}
	b.Emit(NewEvent("op.remote", nil))

	if len(got) != 5 {
		t.Fatalf("got %d calls, want 5", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Errorf("call %d ran handler %d", i, v)
		}
	}
}

func TestEmitOnlyMatchesExactKind(t *testing.T) {
	b := New(8, nil)
	called := false
	b.On("presence.update", func(Event) error {
		called = true
		return nil
	})
	b.Emit(NewEvent("presence", nil))
	b.Emit(NewEvent("presence.update.extra", nil))
	if called {
		t.Error("handler ran for a different kind")
	}
}

func TestHandlerFailureIsIsolatedAndReported(t *testing.T) {
	b := New(8, nil)
	errs, unsub := b.Subscribe(KindHandlerError, 10)
	defer unsub()

	ran := 0
	b.On("op.remote", func(Event) error {
		ran++
		return errors.New("boom")
	})
	b.On("op.remote", func(Event) error {
		ran++
		panic("kaboom")
	})
	b.On("op.remote", func(Event) error {
		ran++
		return nil
	})

	b.Emit(NewEvent("op.remote", nil))

	if ran != 3 {
		t.Fatalf("ran %d handlers, want 3", ran)
	}
	for i := 0; i < 2; i++ {
		select {
		case evt := <-errs:
			he, ok := evt.Payload.(HandlerError)
			if !ok {
				t.Fatalf("payload type = %T, want HandlerError", evt.Payload)
			}
			if he.Kind != "op.remote" || he.Err == nil {
				t.Errorf("handler error = %+v", he)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for handler error %d", i)
		}
	}
}

func TestOffIsIdempotent(t *testing.T) {
	b := New(8, nil)
	calls := 0
	off := b.On("x", func(Event) error {
		calls++
		return nil
	})
	other := b.On("x", func(Event) error { return nil })
	defer other()

	off()
	off()
	b.Emit(NewEvent("x", nil))
	if calls != 0 {
		t.Errorf("calls = %d after off, want 0", calls)
	}
}

func TestOffDuringEmit(t *testing.T) {
	b := New(8, nil)
	var order []string
	var offB func()
	b.On("x", func(Event) error {
		order = append(order, "a")
		offB()
		return nil
	})
	offB = b.On("x", func(Event) error {
		order = append(order, "b")
		return nil
	})

	b.Emit(NewEvent("x", nil))
	b.Emit(NewEvent("x", nil))

	want := []string{"a", "b", "a"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := New(8, nil)
	ch, unsub := b.Subscribe("link.", 10)
	defer unsub()

	b.Emit(Event{Kind: "link.state_changed", Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "link.state_changed" {
			t.Errorf("got kind %q, want link.state_changed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New(8, nil)
	ch, unsub := b.Subscribe("queue.", 10)
	defer unsub()

	b.Publish(Event{Kind: "link.state_changed"})
	b.Publish(Event{Kind: "queue.degraded"})

	select {
	case evt := <-ch:
		if evt.Kind != "queue.degraded" {
			t.Errorf("got kind %q, want queue.degraded", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New(8, nil)
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestPostRunDeliversOnOwnerGoroutine(t *testing.T) {
	b := New(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan int, 3)
	b.On("tick", func(evt Event) error {
		got <- evt.Payload.(int)
		return nil
	})
	go b.Run(ctx)

	for i := 0; i < 3; i++ {
		if err := b.Post(ctx, NewEvent("tick", i)); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case v := <-got:
			if v != i {
				t.Errorf("event %d carried %d", i, v)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for posted event")
		}
	}
}

func TestPostAfterStop(t *testing.T) {
	b := New(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if err := b.Post(context.Background(), NewEvent("x", nil)); !errors.Is(err, ErrStopped) {
		t.Errorf("Post after stop error = %v, want ErrStopped", err)
	}
}
