// Package feed implements the persistent push-socket market data client: one
// long-lived connection per process, binary tick frames decoded and fanned
// out to per-instrument callbacks in arrival order.
package feed

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// LTPC is the last-trade block of a tick.
type LTPC struct {
	LTP float64 `json:"ltp"`
	LTT int64   `json:"ltt"` // exchange timestamp, ms since epoch
	CP  float64 `json:"cp,omitempty"`
}

// FeedOHLC is the optional intraday bar block of a full-mode tick.
type FeedOHLC struct {
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// FeedGreeks is the optional Greeks block on option ticks.
type FeedGreeks struct {
	IV    float64 `json:"iv"`
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// marketFF is the full-feed market block.
type marketFF struct {
	LTPC   *LTPC       `json:"ltpc,omitempty"`
	OHLC   []FeedOHLC  `json:"marketOHLC,omitempty"`
	Greeks *FeedGreeks `json:"optionGreeks,omitempty"`
}

// feedEntry is one instrument's payload; the server nests the market block
// under either "ff" or "fullFeed" depending on mode, or sends a bare "ltpc".
type feedEntry struct {
	FF *struct {
		MarketFF *marketFF `json:"marketFF,omitempty"`
	} `json:"ff,omitempty"`
	FullFeed *struct {
		MarketFF *marketFF `json:"marketFF,omitempty"`
	} `json:"fullFeed,omitempty"`
	LTPC *LTPC `json:"ltpc,omitempty"`
}

// feedResponse is the top-level frame payload.
type feedResponse struct {
	Type  string               `json:"type,omitempty"`
	Feeds map[string]feedEntry `json:"feeds"`
}

// Message is one decoded tick handed to callbacks.
type Message struct {
	InstrumentKey string
	LTP           float64
	TradedAt      time.Time
	OHLC          *FeedOHLC
	Greeks        *FeedGreeks
	ReceivedAt    time.Time
}

// decodeFrame parses one binary websocket message into tick messages. Frames
// are length-delimited: a 4-byte big-endian payload length followed by the
// payload; several payloads may be packed into one message. Bare JSON frames
// (no length prefix) are accepted as a degenerate single-payload case.
func decodeFrame(frame []byte, receivedAt time.Time) ([]Message, error) {
	var payloads [][]byte
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		payloads = [][]byte{trimmed}
	} else {
		rest := frame
		for len(rest) > 0 {
			if len(rest) < 4 {
				return nil, fmt.Errorf("truncated frame header: %d bytes left", len(rest))
			}
			n := binary.BigEndian.Uint32(rest[:4])
			rest = rest[4:]
			if uint32(len(rest)) < n {
				return nil, fmt.Errorf("truncated frame payload: want %d, have %d", n, len(rest))
			}
			payloads = append(payloads, rest[:n])
			rest = rest[n:]
		}
	}

	var out []Message
	for _, payload := range payloads {
		var resp feedResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			return nil, fmt.Errorf("decoding feed payload: %w", err)
		}
		for key, entry := range resp.Feeds {
			msg, ok := entry.toMessage(key, receivedAt)
			if ok {
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

func (e feedEntry) toMessage(key string, receivedAt time.Time) (Message, bool) {
	var market *marketFF
	switch {
	case e.FF != nil && e.FF.MarketFF != nil:
		market = e.FF.MarketFF
	case e.FullFeed != nil && e.FullFeed.MarketFF != nil:
		market = e.FullFeed.MarketFF
	case e.LTPC != nil:
		market = &marketFF{LTPC: e.LTPC}
	default:
		return Message{}, false
	}
	if market.LTPC == nil || market.LTPC.LTP <= 0 {
		return Message{}, false
	}
	msg := Message{
		InstrumentKey: key,
		LTP:           market.LTPC.LTP,
		TradedAt:      time.UnixMilli(market.LTPC.LTT),
		Greeks:        market.Greeks,
		ReceivedAt:    receivedAt,
	}
	if len(market.OHLC) > 0 {
		bar := market.OHLC[len(market.OHLC)-1]
		msg.OHLC = &bar
	}
	return msg, true
}
