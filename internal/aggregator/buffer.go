package aggregator

import (
	"log/slog"
	"math/big"
	"sync"
	"time"

	"polymarket-copy/internal/config"
	"polymarket-copy/pkg/micros"
	"polymarket-copy/pkg/types"
)

// BufferSink receives flushed buffer groups. Undersized flushes (below the
// minimum executable notional) go to EmitUndersized so the engine can persist
// the SKIP decision without running the full pipeline.
type BufferSink interface {
	EmitGroup(types.TradeEventGroup)
	EmitUndersized(types.TradeEventGroup)
}

// bufKey identifies one buffer slot. With sameSideOnly netting the side is
// part of the key; with netBuySell both sides share a slot keyed as BUY.
type bufKey struct {
	followedUserID int64
	tokenID        string
	side           types.Side
}

// slot is the accumulating state for one key.
type slot struct {
	accumNotional   *big.Int // signed under netBuySell
	accumShare      *big.Int
	earliestEvent   time.Time
	bucketStartedAt time.Time
	lastActivityAt  time.Time
	eventIDs        []string
	assetID         string
	rawTokenID      string
	marketID        string
	side            types.Side // side of the first event, used for key echo
	timer           *time.Timer
}

// Buffer coalesces sub-threshold leader trades per (leader, token, side)
// until a flush condition fires: accumulated notional reaching the flush
// minimum, the hard deadline after the first event, or a quiet period with
// no new events. Parameters are read from the config manager on every call
// so runtime updates apply to the next trade.
type Buffer struct {
	mu     sync.Mutex
	slots  map[bufKey]*slot
	cfg    *config.Manager
	sink   BufferSink
	logger *slog.Logger
	closed bool
}

// NewBuffer creates the small-trade buffer emitting to sink.
func NewBuffer(cfg *config.Manager, sink BufferSink, logger *slog.Logger) *Buffer {
	return &Buffer{
		slots:  make(map[bufKey]*slot),
		cfg:    cfg,
		sink:   sink,
		logger: logger.With("component", "trade_buffer"),
	}
}

// Add accumulates one sub-threshold event and evaluates the flush rules.
func (b *Buffer) Add(ev types.PendingTradeEvent) {
	p := b.cfg.Buffering()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	key := bufKey{followedUserID: ev.FollowedUserID, tokenID: ev.TokenID(), side: ev.Side}
	if p.NettingMode == config.NettingNetBuySell {
		key.side = types.BUY // both sides share one slot
	}

	s, ok := b.slots[key]
	now := time.Now()
	if !ok {
		s = &slot{
			accumNotional:   micros.Zero(),
			accumShare:      micros.Zero(),
			earliestEvent:   ev.DetectTime,
			bucketStartedAt: now,
			assetID:         ev.AssetID,
			rawTokenID:      ev.RawTokenID,
			marketID:        ev.MarketID,
			side:            ev.Side,
		}
		b.slots[key] = s
	}

	sign := int64(1)
	if p.NettingMode == config.NettingNetBuySell && ev.Side == types.SELL {
		sign = -1
	}
	s.accumNotional.Add(s.accumNotional, new(big.Int).Mul(ev.NotionalMicros, big.NewInt(sign)))
	s.accumShare.Add(s.accumShare, new(big.Int).Mul(ev.ShareMicros, big.NewInt(sign)))
	if ev.DetectTime.Before(s.earliestEvent) {
		s.earliestEvent = ev.DetectTime
	}
	s.lastActivityAt = now
	s.eventIDs = append(s.eventIDs, ev.ID)

	var flushed *flushResult
	if b.shouldFlushLocked(s, p, now) {
		flushed = b.flushLocked(key, s, p)
	} else {
		b.armTimerLocked(key, s, p, now)
	}
	b.mu.Unlock()
	b.deliver(flushed)
}

// flushResult carries an emitted group out from under the buffer mutex so
// the sink enqueue never runs with the lock held.
type flushResult struct {
	group      types.TradeEventGroup
	undersized bool
}

func (b *Buffer) deliver(r *flushResult) {
	if r == nil {
		return
	}
	b.logger.Debug("buffer flush",
		"group", r.group.GroupKey,
		"trades", r.group.BufferedTradeCount,
		"notional", micros.FormatBig(r.group.TotalNotionalMicros),
		"undersized", r.undersized,
	)
	if r.undersized {
		b.sink.EmitUndersized(r.group)
		return
	}
	b.sink.EmitGroup(r.group)
}

// shouldFlushLocked checks the three flush rules.
func (b *Buffer) shouldFlushLocked(s *slot, p config.Buffering, now time.Time) bool {
	if new(big.Int).Abs(s.accumNotional).Cmp(big.NewInt(p.FlushMinNotionalMicros)) >= 0 {
		return true
	}
	if now.Sub(s.bucketStartedAt) >= time.Duration(p.MaxBufferMs)*time.Millisecond {
		return true
	}
	if now.Sub(s.lastActivityAt) >= time.Duration(p.QuietFlushMs)*time.Millisecond {
		return true
	}
	return false
}

// armTimerLocked schedules the next deadline check: the sooner of the quiet
// window and the hard deadline.
func (b *Buffer) armTimerLocked(key bufKey, s *slot, p config.Buffering, now time.Time) {
	quiet := s.lastActivityAt.Add(time.Duration(p.QuietFlushMs) * time.Millisecond)
	hard := s.bucketStartedAt.Add(time.Duration(p.MaxBufferMs) * time.Millisecond)
	next := quiet
	if hard.Before(next) {
		next = hard
	}
	d := next.Sub(now)
	if d < 0 {
		d = 0
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, func() { b.onTimer(key) })
}

// onTimer re-evaluates the flush rules for one slot.
func (b *Buffer) onTimer(key bufKey) {
	p := b.cfg.Buffering()
	b.mu.Lock()
	s, ok := b.slots[key]
	if !ok || b.closed {
		b.mu.Unlock()
		return
	}
	now := time.Now()
	var flushed *flushResult
	if b.shouldFlushLocked(s, p, now) {
		flushed = b.flushLocked(key, s, p)
	} else {
		b.armTimerLocked(key, s, p, now)
	}
	b.mu.Unlock()
	b.deliver(flushed)
}

// flushLocked drops the slot and builds its group. Undersized accumulations
// (below the minimum executable notional) are surfaced separately.
func (b *Buffer) flushLocked(key bufKey, s *slot, p config.Buffering) *flushResult {
	if s.timer != nil {
		s.timer.Stop()
	}
	delete(b.slots, key)

	notional := new(big.Int).Abs(s.accumNotional)
	share := new(big.Int).Abs(s.accumShare)
	side := s.side
	if p.NettingMode == config.NettingNetBuySell {
		if s.accumNotional.Sign() >= 0 {
			side = types.BUY
		} else {
			side = types.SELL
		}
	}

	tokenID := s.rawTokenID
	if tokenID == "" {
		tokenID = s.assetID
	}
	// The key stamps the bucket's actual start, not a window floor: an early
	// quiet-timer flush followed by a fresh burst inside the same 2 s span
	// must produce a distinct group, not upsert over the first one.
	bucketStart := s.bucketStartedAt.UTC()
	group := types.TradeEventGroup{
		GroupKey:            types.GroupKey(key.followedUserID, tokenID, side, bucketStart),
		FollowedUserID:      key.followedUserID,
		AssetID:             s.assetID,
		RawTokenID:          s.rawTokenID,
		MarketID:            s.marketID,
		Side:                side,
		TotalNotionalMicros: notional,
		TotalShareMicros:    share,
		VWAPPriceMicros:     micros.VWAP(notional, share),
		SourceType:          types.SourceBuffer,
		BufferedTradeCount:  len(s.eventIDs),
		WindowStart:         bucketStart,
		EarliestDetectTime:  s.earliestEvent,
		EventIDs:            s.eventIDs,
	}

	return &flushResult{
		group:      group,
		undersized: notional.Cmp(big.NewInt(p.MinExecNotionalMicros)) < 0,
	}
}

// Close force-flushes every slot. Used at shutdown.
func (b *Buffer) Close() {
	p := b.cfg.Buffering()
	b.mu.Lock()
	var flushed []*flushResult
	for key, s := range b.slots {
		flushed = append(flushed, b.flushLocked(key, s, p))
	}
	b.closed = true
	b.mu.Unlock()
	for _, r := range flushed {
		b.deliver(r)
	}
}
