package events

import (
	"sync"
	"testing"
	"time"
)

func TestBus_Subscribe(t *testing.T) {
	b := NewBus(0, nil)

	var (
		mu     sync.Mutex
		starts []string
		all    int
	)
	b.Subscribe(ModelStarted, func(e Event) {
		mu.Lock()
		starts = append(starts, e.Model)
		mu.Unlock()
	})
	b.SubscribeAll(func(Event) {
		mu.Lock()
		all++
		mu.Unlock()
	})

	b.Publish(Event{Kind: ModelStarted, Model: "libritts"})
	b.Publish(Event{Kind: ModelExited, Model: "libritts"})
	b.Publish(Event{Kind: ModelStarted, Model: "vctk"})
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 2 || starts[0] != "libritts" || starts[1] != "vctk" {
		t.Errorf("starts = %v, want [libritts vctk]", starts)
	}
	if all != 3 {
		t.Errorf("all = %d, want 3", all)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus(0, nil)
	calls := 0
	unsubscribe := b.Subscribe(WorkerExited, func(Event) { calls++ })
	unsubscribe()

	b.Publish(Event{Kind: WorkerExited})
	b.Close()

	if calls != 0 {
		t.Errorf("handler called %d times after unsubscribe", calls)
	}
}

func TestBus_SlowHandlerDoesNotBlockPublish(t *testing.T) {
	b := NewBus(4, nil)
	release := make(chan struct{})
	b.Subscribe(ClipPlayed, func(Event) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Kind: ClipPlayed})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow handler")
	}
	close(release)
	b.Close()
}

func TestBus_HandlerPanic(t *testing.T) {
	b := NewBus(0, nil)
	got := make(chan struct{}, 1)
	b.Subscribe(QueueOverflow, func(Event) { panic("boom") })
	b.Subscribe(QueueOverflow, func(Event) { got <- struct{}{} })

	b.Publish(Event{Kind: QueueOverflow, Count: 10})
	b.Close()

	select {
	case <-got:
	default:
		t.Error("second handler not called after the first panicked")
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	b := NewBus(0, nil)
	b.Close()
	b.Publish(Event{Kind: ModelExited})
	b.Close()
}
