// Package models provides domain models for the split-account trader.
package models

import (
	"time"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	KRX Exchange = "KRX" // Korea Exchange (paper / external feeds)
)

// Side represents the side of a trade or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// ProductType represents the product type of an order.
type ProductType string

const (
	ProductCNC ProductType = "CNC" // Delivery
	ProductMIS ProductType = "MIS" // Intraday
)

// Role is the part a virtual account plays inside a strategy.
type Role string

const (
	RoleLeader   Role = "LEADER"
	RoleFollower Role = "FOLLOWER"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleLeader || r == RoleFollower
}

// LotStatus tracks a follower lot.
type LotStatus string

const (
	LotOpen   LotStatus = "OPEN"
	LotClosed LotStatus = "CLOSED"
)

// Quote represents a market quote.
type Quote struct {
	Symbol    string
	LTP       float64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
	Timestamp time.Time
}

// Balance represents the cash position of the real brokerage account.
type Balance struct {
	AvailableCash float64
	UsedMargin    float64
	TotalEquity   float64
}
