package types

import (
	"encoding/json"
	"sort"
	"testing"
	"time"
)

func TestWindowStart(t *testing.T) {
	t.Parallel()
	window := 2 * time.Second

	at := time.UnixMilli(1_700_000_001_500)
	got := WindowStart(at, window)
	if got.UnixMilli() != 1_700_000_000_000 {
		t.Errorf("WindowStart = %d, want 1700000000000", got.UnixMilli())
	}

	// A timestamp exactly on the boundary starts its own window.
	at = time.UnixMilli(1_700_000_002_000)
	got = WindowStart(at, window)
	if got.UnixMilli() != 1_700_000_002_000 {
		t.Errorf("WindowStart on boundary = %d, want 1700000002000", got.UnixMilli())
	}
}

func TestGroupKey(t *testing.T) {
	t.Parallel()
	ws := time.UnixMilli(1_700_000_000_000)
	got := GroupKey(7, "token-1", BUY, ws)
	want := "7:token-1:BUY:2023-11-14T22:13:20.000Z"
	if got != want {
		t.Errorf("GroupKey = %q, want %q", got, want)
	}
}

func TestPendingTradeEventTokenID(t *testing.T) {
	t.Parallel()
	ev := PendingTradeEvent{AssetID: "api-id", RawTokenID: "chain-id"}
	if ev.TokenID() != "chain-id" {
		t.Errorf("TokenID = %q, want chain-id", ev.TokenID())
	}
	ev.RawTokenID = ""
	if ev.TokenID() != "api-id" {
		t.Errorf("TokenID = %q, want api-id", ev.TokenID())
	}
}

func TestWSLevelSetUnmarshalList(t *testing.T) {
	t.Parallel()
	var s WSLevelSet
	if err := json.Unmarshal([]byte(`[{"price":"0.55","size":"100"},{"price":"0.56","size":"50"}]`), &s); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(s.Levels) != 2 {
		t.Fatalf("levels = %d, want 2", len(s.Levels))
	}
	if s.Levels[0].Price != "0.55" || s.Levels[0].Size != "100" {
		t.Errorf("first level = %+v", s.Levels[0])
	}
}

func TestWSLevelSetUnmarshalMap(t *testing.T) {
	t.Parallel()
	var s WSLevelSet
	if err := json.Unmarshal([]byte(`{"0.55":"100","0.56":"50"}`), &s); err != nil {
		t.Fatalf("unmarshal map: %v", err)
	}
	if len(s.Levels) != 2 {
		t.Fatalf("levels = %d, want 2", len(s.Levels))
	}
	sort.Slice(s.Levels, func(i, j int) bool { return s.Levels[i].Price < s.Levels[j].Price })
	if s.Levels[0].Price != "0.55" || s.Levels[0].Size != "100" {
		t.Errorf("first level = %+v", s.Levels[0])
	}
}

func TestWSLevelSetUnmarshalNull(t *testing.T) {
	t.Parallel()
	var s WSLevelSet
	if err := json.Unmarshal([]byte(`null`), &s); err != nil {
		t.Fatalf("unmarshal null: %v", err)
	}
	if s.Levels != nil {
		t.Errorf("levels = %v, want nil", s.Levels)
	}
}

func TestWSBookMessageDecoding(t *testing.T) {
	t.Parallel()
	raw := `{"event_type":"book","asset_id":"tok-1","bids":{"0.40":"10"},"asks":[{"price":"0.60","size":"20"}]}`
	var msg WSBookMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.AssetID != "tok-1" {
		t.Errorf("asset = %q", msg.AssetID)
	}
	if len(msg.Bids.Levels) != 1 || len(msg.Asks.Levels) != 1 {
		t.Errorf("levels = %d bids, %d asks", len(msg.Bids.Levels), len(msg.Asks.Levels))
	}
}
