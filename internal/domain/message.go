package domain

import "time"

// Channel identifies a stream subscription channel.
type Channel string

const (
	ChannelAllMids      Channel = "allMids"
	ChannelTrades       Channel = "trades"
	ChannelL2Book       Channel = "l2Book"
	ChannelCandle       Channel = "candle"
	ChannelUserFills    Channel = "userFills"
	ChannelUserFundings Channel = "userFundings"
	ChannelNotification Channel = "notification"
	ChannelWebData2     Channel = "webData2"
)

// MidsUpdate carries the latest mid price for every listed asset.
type MidsUpdate struct {
	Mids       map[string]float64 // asset -> mid price
	ReceivedAt time.Time
}

// TradeTick is a single executed trade on the venue.
type TradeTick struct {
	Asset      string
	Side       string // "B" buy, "A" sell
	Price      float64
	Size       float64
	Time       time.Time
	TradeID    string
	ReceivedAt time.Time
}

// Fill is a single fill on a monitored user account. Liquidation fills carry
// a "Close" direction and negative closed PnL.
type Fill struct {
	User       string
	Asset      string
	Direction  string
	Price      float64
	Size       float64
	ClosedPnL  float64
	OrderID    string
	Time       time.Time
	ReceivedAt time.Time
}

// NotificationMsg is a free-form venue notification.
type NotificationMsg struct {
	Text       string
	ReceivedAt time.Time
}
