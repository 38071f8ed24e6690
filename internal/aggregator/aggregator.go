// Package aggregator groups leader trade events into short windows.
//
// Events sharing (leader, token, side) within one 2 s window become a single
// TradeEventGroup so the executor prices one decision per burst instead of
// one per fill. Sub-threshold trades are diverted to the small-trade Buffer,
// which coalesces them across windows until a flush condition fires. Both
// paths emit to the same downstream sink.
package aggregator

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"fmt"

	"polymarket-copy/pkg/micros"
	"polymarket-copy/pkg/types"
)

// GroupSink receives finished groups. The engine implements it and feeds the
// executor queue.
type GroupSink interface {
	EmitGroup(types.TradeEventGroup)
}

// bucket is the pending state for one (leader, token, side, window).
type bucket struct {
	key         string
	windowStart time.Time
	events      []types.PendingTradeEvent
	timer       *time.Timer
}

// Aggregator buckets events by (leader, token, side) per window. The first
// event of a bucket starts its timer; later events append without resetting
// it. A timer fire and a concurrent append for the same key both run under
// the aggregator mutex, so flush always drains a consistent bucket.
type Aggregator struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	window  time.Duration
	sink    GroupSink
	logger  *slog.Logger
	closed  bool
}

// New creates an aggregator emitting to sink.
func New(window time.Duration, sink GroupSink, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		buckets: make(map[string]*bucket),
		window:  window,
		sink:    sink,
		logger:  logger.With("component", "aggregator"),
	}
}

// Add routes one event into its window bucket.
func (a *Aggregator) Add(ev types.PendingTradeEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	windowStart := types.WindowStart(ev.DetectTime, a.window)
	key := types.GroupKey(ev.FollowedUserID, ev.TokenID(), ev.Side, windowStart)

	b, ok := a.buckets[key]
	if !ok {
		b = &bucket{key: key, windowStart: windowStart}
		b.timer = time.AfterFunc(a.window, func() { a.flush(key) })
		a.buckets[key] = b
	}
	b.events = append(b.events, ev)
}

// flush drains one bucket and emits its group.
func (a *Aggregator) flush(key string) {
	a.mu.Lock()
	b, ok := a.buckets[key]
	if ok {
		delete(a.buckets, key)
	}
	a.mu.Unlock()
	if !ok || len(b.events) == 0 {
		return
	}
	a.sink.EmitGroup(buildGroup(b.key, b.windowStart, b.events, types.SourceAggregator, 0))
}

// Close force-flushes every pending bucket. Used at shutdown.
func (a *Aggregator) Close() {
	a.mu.Lock()
	pending := make([]*bucket, 0, len(a.buckets))
	for _, b := range a.buckets {
		b.timer.Stop()
		pending = append(pending, b)
	}
	a.buckets = make(map[string]*bucket)
	a.closed = true
	a.mu.Unlock()

	for _, b := range pending {
		if len(b.events) > 0 {
			a.sink.EmitGroup(buildGroup(b.key, b.windowStart, b.events, types.SourceAggregator, 0))
		}
	}
}

// buildGroup folds a bucket's events into one TradeEventGroup.
func buildGroup(key string, windowStart time.Time, events []types.PendingTradeEvent, source types.SourceType, bufferedCount int) types.TradeEventGroup {
	first := events[0]
	totalNotional := micros.Zero()
	totalShare := micros.Zero()
	earliest := first.DetectTime
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		totalNotional.Add(totalNotional, ev.NotionalMicros)
		totalShare.Add(totalShare, ev.ShareMicros)
		if ev.DetectTime.Before(earliest) {
			earliest = ev.DetectTime
		}
		ids = append(ids, ev.ID)
	}

	return types.TradeEventGroup{
		GroupKey:            key,
		FollowedUserID:      first.FollowedUserID,
		AssetID:             first.AssetID,
		RawTokenID:          first.RawTokenID,
		MarketID:            first.MarketID,
		Side:                first.Side,
		TotalNotionalMicros: totalNotional,
		TotalShareMicros:    totalShare,
		VWAPPriceMicros:     micros.VWAP(totalNotional, totalShare),
		SourceType:          source,
		BufferedTradeCount:  bufferedCount,
		WindowStart:         windowStart,
		EarliestDetectTime:  earliest,
		EventIDs:            ids,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Activity groups (merge/split/redeem)
// ————————————————————————————————————————————————————————————————————————

// ActivityGroup is an aggregated batch of non-trade leader actions. v0
// recognizes them and persists a SKIP decision; no fills are produced.
type ActivityGroup struct {
	GroupKey       string
	FollowedUserID int64
	Type           types.ActivityType
	AssetIDs       []string
	MarketID       string
	WindowStart    time.Time
	Count          int
}

// ActivitySink receives finished activity groups.
type ActivitySink interface {
	EmitActivityGroup(ActivityGroup)
}

type activityBucket struct {
	group ActivityGroup
	timer *time.Timer
}

// ActivityAggregator buckets activity events on (leader, type, sorted asset
// ids) with the same window discipline as trades.
type ActivityAggregator struct {
	mu      sync.Mutex
	buckets map[string]*activityBucket
	window  time.Duration
	sink    ActivitySink
	closed  bool
}

// NewActivity creates an activity aggregator emitting to sink.
func NewActivity(window time.Duration, sink ActivitySink) *ActivityAggregator {
	return &ActivityAggregator{
		buckets: make(map[string]*activityBucket),
		window:  window,
		sink:    sink,
	}
}

// Add routes one activity event into its bucket.
func (a *ActivityAggregator) Add(ev types.ActivityEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	assets := append([]string(nil), ev.AssetIDs...)
	sort.Strings(assets)
	windowStart := types.WindowStart(ev.DetectTime, a.window)
	key := fmt.Sprintf("%d:%s:%s:%s", ev.FollowedUserID, ev.Type, strings.Join(assets, ","),
		windowStart.UTC().Format("2006-01-02T15:04:05.000Z"))

	b, ok := a.buckets[key]
	if !ok {
		b = &activityBucket{group: ActivityGroup{
			GroupKey:       key,
			FollowedUserID: ev.FollowedUserID,
			Type:           ev.Type,
			AssetIDs:       assets,
			MarketID:       ev.MarketID,
			WindowStart:    windowStart,
		}}
		b.timer = time.AfterFunc(a.window, func() { a.flush(key) })
		a.buckets[key] = b
	}
	b.group.Count++
}

func (a *ActivityAggregator) flush(key string) {
	a.mu.Lock()
	b, ok := a.buckets[key]
	if ok {
		delete(a.buckets, key)
	}
	a.mu.Unlock()
	if ok && b.group.Count > 0 {
		a.sink.EmitActivityGroup(b.group)
	}
}

// Close force-flushes all pending activity buckets.
func (a *ActivityAggregator) Close() {
	a.mu.Lock()
	pending := make([]*activityBucket, 0, len(a.buckets))
	for _, b := range a.buckets {
		b.timer.Stop()
		pending = append(pending, b)
	}
	a.buckets = make(map[string]*activityBucket)
	a.closed = true
	a.mu.Unlock()

	for _, b := range pending {
		if b.group.Count > 0 {
			a.sink.EmitActivityGroup(b.group)
		}
	}
}
