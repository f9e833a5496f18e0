package protocol

import (
	"runtime"
	"sync"
	"testing"

	"github.com/danmuck/camlink/internal/testutil/testlog"
)

func TestQueueRoundsUpAndPreservesOrder(t *testing.T) {
	testlog.Start(t)
	q := NewQueue(5)
	if q.Cap() != 8 {
		t.Fatalf("expected capacity 8, got %d", q.Cap())
	}
	q.Write([]byte("abc"))
	for _, want := range []byte("abc") {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Fatalf("expected %q, got %q ok=%v", want, got, ok)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	testlog.Start(t)
	q := NewQueue(4)
	n, err := q.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("expected write to report 6 bytes, got n=%d err=%v", n, err)
	}
	if q.Len() != 4 || q.Dropped() != 2 {
		t.Fatalf("expected len=4 dropped=2, got len=%d dropped=%d", q.Len(), q.Dropped())
	}
	if got := q.Discard(); got != 4 {
		t.Fatalf("expected 4 discarded, got %d", got)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after discard, got %d", q.Len())
	}
}

func TestQueueSingleProducerSingleConsumer(t *testing.T) {
	testlog.Start(t)
	const total = 200_000
	q := NewQueue(1024)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			for !q.Push(byte(i)) {
				runtime.Gosched()
			}
		}
	}()

	for i := 0; i < total; {
		c, ok := q.Pop()
		if !ok {
			runtime.Gosched()
			continue
		}
		if c != byte(i) {
			t.Fatalf("out of order at %d: got %d", i, c)
		}
		i++
	}
	wg.Wait()
	t.Logf("protocol/queue: %d bytes passed in order, dropped=%d", total, q.Dropped())
}
