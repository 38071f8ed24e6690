package types

import (
	"encoding/json"
	"fmt"
)

// These structs map 1:1 to the JSON frames of the venue's market WebSocket
// channel. Subscription management uses WSSubscribeMsg at connect time and
// WSUpdateMsg for incremental changes; inbound book updates arrive as
// WSBookMessage.

// WSSubscribeMsg is the initial subscription frame sent at connect time.
type WSSubscribeMsg struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"` // always "market"
}

// WSUpdateMsg subscribes or unsubscribes tokens on an established connection.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}

// WSLevelSet is a set of book levels that the venue serializes either as a
// list of {price, size} objects or as a map of price string to size string.
// Both forms decode to the same price → size view.
type WSLevelSet struct {
	Levels []WSLevel
}

// WSLevel is one price level as decimal strings.
type WSLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// UnmarshalJSON accepts both wire forms.
func (s *WSLevelSet) UnmarshalJSON(data []byte) error {
	s.Levels = nil
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	switch data[0] {
	case '[':
		return json.Unmarshal(data, &s.Levels)
	case '{':
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		for price, size := range m {
			s.Levels = append(s.Levels, WSLevel{Price: price, Size: size})
		}
		return nil
	default:
		return fmt.Errorf("level set: unexpected JSON %q", data[0])
	}
}

// WSBookMessage is an inbound book update for one token. Levels are deltas:
// each entry sets the level to the given size, size zero removes it.
type WSBookMessage struct {
	EventType string     `json:"event_type"`
	AssetID   string     `json:"asset_id"`
	Market    string     `json:"market"`
	Timestamp string     `json:"timestamp"`
	Bids      WSLevelSet `json:"bids"`
	Asks      WSLevelSet `json:"asks"`
}
