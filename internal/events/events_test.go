package events

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testBus() *Bus {
	return NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishFansOut(t *testing.T) {
	b := testBus()
	defer b.Close()

	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: PositionOpened})
	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != PositionOpened {
				t.Fatalf("subscriber %d got %v", i, ev.Type)
			}
			if ev.Time.IsZero() {
				t.Fatal("publish must stamp a time")
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := testBus()
	defer b.Close()

	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: StopModified})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("buffered %d events, want 1 with the rest dropped", len(ch))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := testBus()
	defer b.Close()

	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	if _, open := <-ch; open {
		t.Fatal("channel must be closed after unsubscribe")
	}
	b.Publish(Event{Type: EngineState}) // must not panic
}

func TestCloseShutsDownSubscribers(t *testing.T) {
	b := testBus()
	ch, _ := b.Subscribe(1)
	b.Close()
	b.Close() // idempotent
	if _, open := <-ch; open {
		t.Fatal("channel must be closed after bus shutdown")
	}
	ch2, _ := b.Subscribe(1)
	if _, open := <-ch2; open {
		t.Fatal("subscribing to a closed bus must return a closed channel")
	}
}
