package book

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"polymarket-copy/internal/config"
	"polymarket-copy/pkg/types"
)

func testCache(maxBooks int) *Cache {
	return NewCache(config.BookConfig{
		MaxActiveBooks:  maxBooks,
		BookTTL:         10 * time.Minute,
		SweepInterval:   30 * time.Second,
		FreshnessWindow: 2 * time.Second,
	}, slog.Default())
}

func drainChanges(c *Cache) []SubChange {
	var out []SubChange
	for {
		select {
		case ch := <-c.Changes():
			out = append(out, ch)
		default:
			return out
		}
	}
}

func TestFirstTouchSubscribes(t *testing.T) {
	t.Parallel()
	c := testCache(10)

	c.EnsureSubscribed("tok-1")
	changes := drainChanges(c)
	if len(changes) != 1 || !changes[0].Subscribe || changes[0].TokenID != "tok-1" {
		t.Fatalf("changes = %+v, want one subscribe for tok-1", changes)
	}

	// A second touch is silent.
	c.EnsureSubscribed("tok-1")
	if changes := drainChanges(c); len(changes) != 0 {
		t.Errorf("repeat touch emitted %+v", changes)
	}
}

func TestGetFreshReturnsImmediately(t *testing.T) {
	t.Parallel()
	c := testCache(10)

	c.Update("tok-1", []types.PriceLevel{level(400_000, 1_000_000)},
		[]types.PriceLevel{level(420_000, 1_000_000)}, types.BookSourceWS, false)

	start := time.Now()
	b, ok, stale := c.GetFreshOrWait(context.Background(), "tok-1", 2*time.Second, time.Second)
	if !ok || stale {
		t.Fatalf("ok=%v stale=%v, want fresh hit", ok, stale)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("fresh hit should not wait")
	}
	if b.BestBidMicros != 400_000 {
		t.Errorf("best bid = %d", b.BestBidMicros)
	}
}

func TestWaiterResolvesOnUpdate(t *testing.T) {
	t.Parallel()
	c := testCache(10)

	done := make(chan types.Book, 1)
	go func() {
		b, _, _ := c.GetFreshOrWait(context.Background(), "tok-1", 2*time.Second, 2*time.Second)
		done <- b
	}()

	time.Sleep(50 * time.Millisecond)
	c.Update("tok-1", []types.PriceLevel{level(450_000, 1_000_000)},
		[]types.PriceLevel{level(470_000, 1_000_000)}, types.BookSourceWS, false)

	select {
	case b := <-done:
		if b.BestBidMicros != 450_000 {
			t.Errorf("waiter got best bid %d, want 450000", b.BestBidMicros)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter did not resolve on update")
	}
}

func TestWaiterDeadlineReturnsStale(t *testing.T) {
	t.Parallel()
	c := testCache(10)

	start := time.Now()
	_, ok, stale := c.GetFreshOrWait(context.Background(), "tok-1", 100*time.Millisecond, 150*time.Millisecond)
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("returned after %v, should have waited the deadline", elapsed)
	}
	if ok {
		t.Error("placeholder-only token should report ok=false")
	}
	if !stale {
		t.Error("deadline result should be stale")
	}
}

func TestLRUEvictionEmitsUnsubscribe(t *testing.T) {
	t.Parallel()
	c := testCache(2)

	c.EnsureSubscribed("tok-1")
	time.Sleep(2 * time.Millisecond)
	c.EnsureSubscribed("tok-2")
	time.Sleep(2 * time.Millisecond)
	drainChanges(c)

	c.EnsureSubscribed("tok-3")
	changes := drainChanges(c)

	var unsub, sub int
	for _, ch := range changes {
		if ch.Subscribe {
			sub++
		} else {
			unsub++
			if ch.TokenID != "tok-1" {
				t.Errorf("evicted %q, want tok-1 (least recently used)", ch.TokenID)
			}
		}
	}
	if sub != 1 || unsub != 1 {
		t.Errorf("changes = %+v, want one subscribe and one unsubscribe", changes)
	}
}

func TestSweepDropsIdleEntries(t *testing.T) {
	t.Parallel()
	c := testCache(10)
	c.ttl = 10 * time.Millisecond

	c.EnsureSubscribed("tok-1")
	drainChanges(c)

	time.Sleep(20 * time.Millisecond)
	c.sweep()

	changes := drainChanges(c)
	if len(changes) != 1 || changes[0].Subscribe {
		t.Fatalf("changes = %+v, want one unsubscribe", changes)
	}
}
