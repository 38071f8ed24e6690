// Package venue implements the HTTP client for the prediction-market venue.
//
// The copier never places orders; the only REST surface it needs is the book
// endpoint used as a fallback when the WebSocket feed is unavailable:
//   - GetOrderBook: GET /book — fetch the L2 book for a token
//
// Every request passes the process-wide PriorityLimiter (book fallbacks are
// low priority), is retried on 5xx, and honors 429 Retry-After. Concurrent
// fetches for the same token collapse into a single upstream call.
package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"

	"polymarket-copy/internal/config"
	"polymarket-copy/pkg/micros"
	"polymarket-copy/pkg/types"
)

// ErrMarketResolved is returned when the venue reports 404 for a token's
// book: the market has resolved and its book no longer exists.
var ErrMarketResolved = errors.New("market resolved")

// RawBook is one unnormalized book response converted to micros. Level order
// is whatever the venue sent; the book cache normalizes before use.
type RawBook struct {
	TokenID string
	Bids    []types.PriceLevel
	Asks    []types.PriceLevel
}

type bookResponse struct {
	Market    string          `json:"market"`
	AssetID   string          `json:"asset_id"`
	Bids      []types.WSLevel `json:"bids"`
	Asks      []types.WSLevel `json:"asks"`
	Timestamp string          `json:"timestamp"`
}

// Client is the venue REST client.
type Client struct {
	http   *resty.Client
	rl     *PriorityLimiter
	sf     singleflight.Group
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.VenueConfig, rl *PriorityLimiter, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.CLOBBaseURL).
		SetTimeout(30*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetRetryAfter(func(c *resty.Client, r *resty.Response) (time.Duration, error) {
			if r != nil && r.StatusCode() == http.StatusTooManyRequests {
				if secs, err := strconv.Atoi(r.Header().Get("Retry-After")); err == nil && secs > 0 {
					return time.Duration(secs) * time.Second, nil
				}
			}
			return 0, nil // fall back to the default backoff
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		rl:     rl,
		logger: logger.With("component", "venue"),
	}
}

// GetOrderBook fetches the book for a single token, collapsing concurrent
// calls for the same token into one request. Returns ErrMarketResolved on 404.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*RawBook, error) {
	v, err, _ := c.sf.Do(tokenID, func() (interface{}, error) {
		return c.fetchBook(ctx, tokenID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*RawBook), nil
}

func (c *Client) fetchBook(ctx context.Context, tokenID string) (*RawBook, error) {
	if err := c.rl.WaitLow(ctx); err != nil {
		return nil, err
	}

	var result bookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrMarketResolved
	default:
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}

	raw := &RawBook{TokenID: tokenID}
	raw.Bids, err = convertLevels(result.Bids)
	if err != nil {
		return nil, fmt.Errorf("book bids: %w", err)
	}
	raw.Asks, err = convertLevels(result.Asks)
	if err != nil {
		return nil, fmt.Errorf("book asks: %w", err)
	}
	return raw, nil
}

func convertLevels(levels []types.WSLevel) ([]types.PriceLevel, error) {
	out := make([]types.PriceLevel, 0, len(levels))
	for _, l := range levels {
		price, err := micros.ParsePrice(l.Price)
		if err != nil {
			return nil, err
		}
		size, err := micros.ParseSize(l.Size)
		if err != nil {
			return nil, err
		}
		out = append(out, types.PriceLevel{PriceMicros: price, SizeMicros: size})
	}
	return out, nil
}
