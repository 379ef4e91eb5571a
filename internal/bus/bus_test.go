package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPublishAndDispatch(t *testing.T) {
	b := New(4)

	var mu sync.Mutex
	var got []Escalation
	b.Subscribe("test", func(e Escalation) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.Publish(NewEscalation("low-relevance", "Reddit", "back to work"))
	b.Publish(NewEscalation("schedule-drift", "", "are you there?"))

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("dispatched %d escalations, want 2", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].Reason != "low-relevance" || got[1].Reason != "schedule-drift" {
		t.Fatalf("order or reasons wrong: %+v", got)
	}
	if got[0].ID == "" || got[0].ID == got[1].ID {
		t.Fatal("escalation ids missing or not unique")
	}
}

func TestPublish_FullBufferDoesNotBlock(t *testing.T) {
	b := New(1)
	b.Publish(NewEscalation("low-relevance", "a", "one"))

	done := make(chan struct{})
	go func() {
		b.Publish(NewEscalation("low-relevance", "b", "two"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full buffer")
	}
}

func TestSubscribe_ReplacesByName(t *testing.T) {
	b := New(4)

	var first, second int
	var mu sync.Mutex
	b.Subscribe("telegram", func(Escalation) { mu.Lock(); first++; mu.Unlock() })
	b.Subscribe("telegram", func(Escalation) { mu.Lock(); second++; mu.Unlock() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)

	b.Publish(NewEscalation("low-relevance", "x", "msg"))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if first != 0 || second != 1 {
		t.Fatalf("first = %d, second = %d; replacement subscription should win", first, second)
	}
}
