package book

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"polymarket-copy/internal/venue"
	"polymarket-copy/pkg/types"
)

// Fetcher is the REST fallback the service uses when the WS feed is down.
type Fetcher interface {
	GetOrderBook(ctx context.Context, tokenID string) (*venue.RawBook, error)
}

// Service ties the cache, the WS feed, and the REST fallback together behind
// a single lookup: the freshest book obtainable within the caller's wait
// budget, plus subscription intent for free future lookups.
type Service struct {
	cache    *Cache
	feed     *Feed
	client   Fetcher
	resolved *ResolvedSet
	logger   *slog.Logger
}

// NewService wires the book service.
func NewService(cache *Cache, feed *Feed, client Fetcher, resolved *ResolvedSet, logger *slog.Logger) *Service {
	return &Service{
		cache:    cache,
		feed:     feed,
		client:   client,
		resolved: resolved,
		logger:   logger.With("component", "book_service"),
	}
}

// GetBook returns the freshest book it can within wait. The returned book is
// nil when none is obtainable (unknown token, resolved market); stale
// reports whether the snapshot misses the freshness window.
func (s *Service) GetBook(ctx context.Context, tokenID string, freshness, wait time.Duration) (*types.Book, bool) {
	if s.resolved.Contains(tokenID) {
		return nil, true
	}

	// WS down: the waiter would never resolve, so fall straight through to REST.
	if !s.feed.Connected() {
		if b := s.fetchREST(ctx, tokenID); b != nil {
			return b, false
		}
		b, ok, stale := s.cache.Get(tokenID, freshness)
		if !ok || b.UpdatedAt.IsZero() {
			return nil, true
		}
		return &b, stale
	}

	b, ok, stale := s.cache.GetFreshOrWait(ctx, tokenID, freshness, wait)
	if !ok {
		return nil, true
	}
	return &b, stale
}

// fetchREST pulls the book over HTTP, updating the cache on success and the
// resolved set on 404.
func (s *Service) fetchREST(ctx context.Context, tokenID string) *types.Book {
	raw, err := s.client.GetOrderBook(ctx, tokenID)
	if err != nil {
		if errors.Is(err, venue.ErrMarketResolved) {
			s.logger.Info("market resolved, short-circuiting token", "token", tokenID)
			s.resolved.Add(tokenID)
			return nil
		}
		s.logger.Warn("rest book fetch failed", "token", tokenID, "error", err)
		return nil
	}
	s.cache.Update(tokenID, raw.Bids, raw.Asks, types.BookSourceREST, true)
	b, ok, _ := s.cache.Get(tokenID, time.Hour)
	if !ok {
		return nil
	}
	return &b
}
