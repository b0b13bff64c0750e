package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sentryfi/hlsentinel/internal/domain"
)

// envelope is the outer frame shared by every data channel.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// midsData is the allMids frame payload. Prices arrive as decimal strings.
type midsData struct {
	Mids map[string]string `json:"mids"`
}

// tradeData is one entry of a trades frame payload.
type tradeData struct {
	Coin string `json:"coin"`
	Side string `json:"side"`
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Time int64  `json:"time"`
	TID  int64  `json:"tid"`
}

// fillsData is the userFills frame payload.
type fillsData struct {
	User  string     `json:"user"`
	Fills []fillData `json:"fills"`
}

type fillData struct {
	Coin      string `json:"coin"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	Dir       string `json:"dir"`
	ClosedPnl string `json:"closedPnl"`
	OID       int64  `json:"oid"`
	Time      int64  `json:"time"`
}

type notificationData struct {
	Notification string `json:"notification"`
}

// Decode parses a raw inbound frame into a typed per-channel payload. The
// returned channel name keys handler dispatch; the payload is one of
// domain.MidsUpdate, []domain.TradeTick, []domain.Fill, or
// domain.NotificationMsg. Frames on unknown channels return the channel name
// with a nil payload so callers can count them without failing.
func Decode(raw []byte, receivedAt time.Time) (string, any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("stream: decode envelope: %w", err)
	}
	if env.Channel == "" {
		return "", nil, fmt.Errorf("stream: frame without channel")
	}

	switch domain.Channel(env.Channel) {
	case domain.ChannelAllMids:
		var d midsData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return env.Channel, nil, fmt.Errorf("stream: decode allMids: %w", err)
		}
		mids := make(map[string]float64, len(d.Mids))
		for asset, px := range d.Mids {
			v, err := strconv.ParseFloat(px, 64)
			if err != nil {
				continue // skip unparseable entries, keep the rest
			}
			mids[asset] = v
		}
		return env.Channel, domain.MidsUpdate{Mids: mids, ReceivedAt: receivedAt}, nil

	case domain.ChannelTrades:
		var d []tradeData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return env.Channel, nil, fmt.Errorf("stream: decode trades: %w", err)
		}
		ticks := make([]domain.TradeTick, 0, len(d))
		for _, td := range d {
			px, err := strconv.ParseFloat(td.Px, 64)
			if err != nil {
				continue
			}
			sz, _ := strconv.ParseFloat(td.Sz, 64)
			ticks = append(ticks, domain.TradeTick{
				Asset:      td.Coin,
				Side:       td.Side,
				Price:      px,
				Size:       sz,
				Time:       time.UnixMilli(td.Time).UTC(),
				TradeID:    strconv.FormatInt(td.TID, 10),
				ReceivedAt: receivedAt,
			})
		}
		return env.Channel, ticks, nil

	case domain.ChannelUserFills:
		var d fillsData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return env.Channel, nil, fmt.Errorf("stream: decode userFills: %w", err)
		}
		fills := make([]domain.Fill, 0, len(d.Fills))
		for _, fd := range d.Fills {
			px, err := strconv.ParseFloat(fd.Px, 64)
			if err != nil {
				continue
			}
			sz, _ := strconv.ParseFloat(fd.Sz, 64)
			pnl, _ := strconv.ParseFloat(fd.ClosedPnl, 64)
			fills = append(fills, domain.Fill{
				User:       d.User,
				Asset:      fd.Coin,
				Direction:  fd.Dir,
				Price:      px,
				Size:       sz,
				ClosedPnL:  pnl,
				OrderID:    strconv.FormatInt(fd.OID, 10),
				Time:       time.UnixMilli(fd.Time).UTC(),
				ReceivedAt: receivedAt,
			})
		}
		return env.Channel, fills, nil

	case domain.ChannelNotification:
		var d notificationData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return env.Channel, nil, fmt.Errorf("stream: decode notification: %w", err)
		}
		return env.Channel, domain.NotificationMsg{Text: d.Notification, ReceivedAt: receivedAt}, nil
	}

	// Subscription acks and channels nobody registered decode to nil.
	return env.Channel, nil, nil
}
