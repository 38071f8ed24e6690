package book

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"polymarket-copy/internal/venue"
	"polymarket-copy/pkg/types"
)

// fakeFetcher counts calls and serves a scripted response.
type fakeFetcher struct {
	calls atomic.Int64
	book  *venue.RawBook
	err   error
}

func (f *fakeFetcher) GetOrderBook(ctx context.Context, tokenID string) (*venue.RawBook, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.book, nil
}

func testService(t *testing.T, fetcher Fetcher) (*Service, *Cache) {
	t.Helper()
	cache := testCache(10)
	feed := NewFeed("ws://unused", cache, slog.Default())
	resolved := NewResolvedSet(t.TempDir(), slog.Default())
	return NewService(cache, feed, fetcher, resolved, slog.Default()), cache
}

func TestRESTFallbackWhenFeedDown(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{book: &venue.RawBook{
		TokenID: "tok-1",
		Bids:    []types.PriceLevel{level(400_000, 1_000_000)},
		Asks:    []types.PriceLevel{level(420_000, 1_000_000)},
	}}
	svc, _ := testService(t, fetcher)

	b, stale := svc.GetBook(context.Background(), "tok-1", 2*time.Second, 100*time.Millisecond)
	if b == nil {
		t.Fatal("expected book from REST fallback")
	}
	if stale {
		t.Error("fresh REST book should not be stale")
	}
	if b.Source != types.BookSourceREST {
		t.Errorf("source = %q, want REST", b.Source)
	}
	if fetcher.calls.Load() != 1 {
		t.Errorf("fetcher calls = %d, want 1", fetcher.calls.Load())
	}
}

func TestResolvedTokenShortCircuits(t *testing.T) {
	t.Parallel()
	fetcher := &fakeFetcher{err: venue.ErrMarketResolved}
	svc, _ := testService(t, fetcher)

	// First lookup hits REST, sees the 404, and marks the token resolved.
	if b, _ := svc.GetBook(context.Background(), "tok-gone", 2*time.Second, 50*time.Millisecond); b != nil {
		t.Fatal("resolved market should return no book")
	}
	if fetcher.calls.Load() != 1 {
		t.Fatalf("fetcher calls = %d, want 1", fetcher.calls.Load())
	}

	// Subsequent lookups short-circuit without any HTTP call.
	for i := 0; i < 3; i++ {
		if b, _ := svc.GetBook(context.Background(), "tok-gone", 2*time.Second, 50*time.Millisecond); b != nil {
			t.Fatal("resolved market should stay short-circuited")
		}
	}
	if fetcher.calls.Load() != 1 {
		t.Errorf("fetcher calls = %d after short-circuit, want 1", fetcher.calls.Load())
	}
}

func TestResolvedSetPersistsAcrossRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	rs := NewResolvedSet(dir, slog.Default())
	rs.Add("tok-persisted")

	reloaded := NewResolvedSet(dir, slog.Default())
	if !reloaded.Contains("tok-persisted") {
		t.Error("resolved token lost across restart")
	}
	if reloaded.Contains("tok-unknown") {
		t.Error("unknown token reported resolved")
	}
}
