package buffer

import (
	"fmt"
	"sync"
	"testing"
)

func TestBufferFIFOOrder(t *testing.T) {
	b := New(8)
	for i := 0; i < 5; i++ {
		if !b.Add(Message{Channel: "trades", Payload: i}) {
			t.Fatalf("Add(%d) rejected below capacity", i)
		}
	}

	for i := 0; i < 5; i++ {
		msg, ok := b.Get()
		if !ok {
			t.Fatalf("Get() empty at %d", i)
		}
		if msg.Payload.(int) != i {
			t.Fatalf("Get() = %v, want %d (FIFO order)", msg.Payload, i)
		}
	}
	if _, ok := b.Get(); ok {
		t.Fatal("Get() on empty buffer should report empty")
	}
}

func TestBufferRejectsBeyondCapacity(t *testing.T) {
	const capacity = 4
	b := New(capacity)

	for i := 0; i < capacity; i++ {
		if !b.Add(Message{Payload: i}) {
			t.Fatalf("Add(%d) rejected below capacity", i)
		}
	}
	if b.Add(Message{Payload: capacity}) {
		t.Fatal("Add beyond capacity must be rejected")
	}

	stats := b.GetStats()
	if stats.Size != capacity {
		t.Fatalf("size = %d, want %d", stats.Size, capacity)
	}
	if stats.DroppedCount != 1 {
		t.Fatalf("dropped = %d, want 1", stats.DroppedCount)
	}
	if stats.Utilization != 1.0 {
		t.Fatalf("utilization = %f, want 1.0", stats.Utilization)
	}

	// The oldest message survives the rejected insert.
	msg, ok := b.Get()
	if !ok || msg.Payload.(int) != 0 {
		t.Fatalf("Get() = %v %v, want 0 true", msg.Payload, ok)
	}
}

func TestBufferGetBatch(t *testing.T) {
	b := New(16)
	for i := 0; i < 6; i++ {
		b.Add(Message{Payload: i})
	}

	batch := b.GetBatch(4)
	if len(batch) != 4 {
		t.Fatalf("batch len = %d, want 4", len(batch))
	}
	for i, msg := range batch {
		if msg.Payload.(int) != i {
			t.Fatalf("batch[%d] = %v, want %d", i, msg.Payload, i)
		}
	}

	// Asking for more than available returns the remainder.
	rest := b.GetBatch(10)
	if len(rest) != 2 {
		t.Fatalf("rest len = %d, want 2", len(rest))
	}
	if rest[0].Payload.(int) != 4 || rest[1].Payload.(int) != 5 {
		t.Fatalf("rest = %v, want [4 5]", rest)
	}
}

func TestBufferClearPreservesDropCount(t *testing.T) {
	b := New(2)
	b.Add(Message{Payload: 1})
	b.Add(Message{Payload: 2})
	b.Add(Message{Payload: 3}) // dropped

	b.Clear()
	stats := b.GetStats()
	if stats.Size != 0 {
		t.Fatalf("size after Clear = %d, want 0", stats.Size)
	}
	if stats.DroppedCount != 1 {
		t.Fatalf("dropped after Clear = %d, want 1", stats.DroppedCount)
	}
}

func TestBufferWraparound(t *testing.T) {
	b := New(3)
	for round := 0; round < 5; round++ {
		for i := 0; i < 3; i++ {
			if !b.Add(Message{Payload: fmt.Sprintf("%d-%d", round, i)}) {
				t.Fatalf("round %d: Add(%d) rejected", round, i)
			}
		}
		for i := 0; i < 3; i++ {
			msg, ok := b.Get()
			want := fmt.Sprintf("%d-%d", round, i)
			if !ok || msg.Payload.(string) != want {
				t.Fatalf("round %d: Get() = %v, want %s", round, msg.Payload, want)
			}
		}
	}
}

func TestBufferConcurrentAddGet(t *testing.T) {
	b := New(1000)
	const producers = 4
	const perProducer = 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.Add(Message{Payload: i})
			}
		}()
	}

	consumed := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for consumed < producers*perProducer {
			if _, ok := b.Get(); ok {
				consumed++
			}
			if b.GetStats().DroppedCount+int64(consumed) >= producers*perProducer {
				return
			}
		}
	}()

	wg.Wait()
	<-done

	stats := b.GetStats()
	total := int64(consumed) + int64(stats.Size) + stats.DroppedCount
	if total != producers*perProducer {
		t.Fatalf("accounting mismatch: consumed=%d buffered=%d dropped=%d", consumed, stats.Size, stats.DroppedCount)
	}
}
