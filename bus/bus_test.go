package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"pkt.systems/tngate/schema"
)

func TestChannelNaming(t *testing.T) {
	id := schema.SessionID("abc123")
	if got := InputChannel("tn3270", id); got != "tn3270.input.abc123" {
		t.Fatalf("input channel = %q", got)
	}
	if got := OutputChannel("tn3270", id); got != "tn3270.output.abc123" {
		t.Fatalf("output channel = %q", got)
	}
	if got := ControlChannel("tn3270"); got != "tn3270.control" {
		t.Fatalf("control channel = %q", got)
	}
}

func TestMemoryDeliversToAllSubscribers(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	a, cancelA, err := m.Subscribe(ctx, "tn3270.control")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancelA()
	b, cancelB, err := m.Subscribe(ctx, "tn3270.control")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancelB()

	if err := m.Publish(ctx, "tn3270.control", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, ch := range []<-chan []byte{a, b} {
		select {
		case got := <-ch:
			if string(got) != "hello" {
				t.Fatalf("payload = %q", got)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive")
		}
	}
}

func TestMemoryChannelIsolation(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	ch, cancel, _ := m.Subscribe(ctx, "tn3270.output.a")
	defer cancel()

	if err := m.Publish(ctx, "tn3270.output.b", []byte("other")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-ch:
		t.Fatalf("received cross-channel payload %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryUnsubscribeClosesChannel(t *testing.T) {
	m := NewMemory(nil)
	ch, cancel, _ := m.Subscribe(context.Background(), "x")
	cancel()
	cancel() // idempotent
	if _, open := <-ch; open {
		t.Fatal("channel still open after cancel")
	}
	// Publishing after the last unsubscribe is a no-op.
	if err := m.Publish(context.Background(), "x", []byte("late")); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestMemoryPublishDuringUnsubscribe(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		_, cancel, err := m.Subscribe(ctx, "x")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.Publish(ctx, "x", []byte("payload"))
		}()
		go func() {
			defer wg.Done()
			cancel()
		}()
	}
	wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.subs["x"]) != 0 {
		t.Fatalf("subscribers left: %d", len(m.subs["x"]))
	}
}

func TestMemoryDropsWhenFull(t *testing.T) {
	m := NewMemory(nil)
	m.depth = 1
	ch, cancel, _ := m.Subscribe(context.Background(), "x")
	defer cancel()

	ctx := context.Background()
	if err := m.Publish(ctx, "x", []byte("1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := m.Publish(ctx, "x", []byte("2")); err != nil {
		t.Fatalf("publish full: %v", err)
	}
	if got := <-ch; string(got) != "1" {
		t.Fatalf("payload = %q", got)
	}
	select {
	case got := <-ch:
		t.Fatalf("dropped payload delivered: %q", got)
	default:
	}
}
