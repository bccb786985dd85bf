package models

import (
	"time"

	"split-trader/pkg/id"
)

// Holding is the aggregate position a virtual account has in one instrument.
type Holding struct {
	Quantity     int     `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	TotalCost    float64 `json:"total_cost"`
}

// Trade is one ledger entry per execution.
//
// PnL is set on SELL trades only. BatchRef, TargetSellPrice and Status are
// set on follower BUY trades only; such a trade is a lot and stays OPEN
// until the strategy engine closes it.
type Trade struct {
	ID              string    `json:"id"`
	Action          Side      `json:"action"`
	Code            string    `json:"code"`
	Price           float64   `json:"price"`
	Quantity        int       `json:"quantity"`
	Timestamp       time.Time `json:"timestamp"`
	BalanceAfter    float64   `json:"balance_after"`
	PnL             *float64  `json:"pnl,omitempty"`
	BatchRef        *int      `json:"batch_ref,omitempty"`
	TargetSellPrice *float64  `json:"target_sell_price,omitempty"`
	Status          LotStatus `json:"status,omitempty"`
	Note            string    `json:"note,omitempty"`
}

// NewBuyTrade creates a BUY trade record.
func NewBuyTrade(code string, price float64, qty int, ts time.Time, balanceAfter float64) Trade {
	return Trade{
		ID:           id.At(ts),
		Action:       SideBuy,
		Code:         code,
		Price:        price,
		Quantity:     qty,
		Timestamp:    ts,
		BalanceAfter: balanceAfter,
	}
}

// NewSellTrade creates a SELL trade record carrying the realized P&L.
func NewSellTrade(code string, price float64, qty int, ts time.Time, balanceAfter, pnl float64) Trade {
	return Trade{
		ID:           id.At(ts),
		Action:       SideSell,
		Code:         code,
		Price:        price,
		Quantity:     qty,
		Timestamp:    ts,
		BalanceAfter: balanceAfter,
		PnL:          &pnl,
	}
}

// MarkLot turns a BUY trade into an OPEN follower lot pegged to a leader batch.
func (t *Trade) MarkLot(batchRef int, targetSellPrice float64) {
	t.BatchRef = &batchRef
	t.TargetSellPrice = &targetSellPrice
	t.Status = LotOpen
}

// IsLot reports whether the trade is a follower lot. A lot needs both its
// batch and its target.
func (t Trade) IsLot() bool {
	return t.Action == SideBuy && t.BatchRef != nil && t.TargetSellPrice != nil
}

// IsOpenLot reports whether the trade is a follower lot that is still OPEN.
func (t Trade) IsOpenLot() bool {
	return t.IsLot() && t.Status == LotOpen
}

// RealizedPnL returns the P&L of a SELL trade, or 0.
func (t Trade) RealizedPnL() float64 {
	if t.PnL == nil {
		return 0
	}
	return *t.PnL
}

// Snapshot is a point-in-time valuation of a virtual account.
type Snapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	TotalValue    float64   `json:"total_value"`
	Balance       float64   `json:"balance"`
	PnL           float64   `json:"pnl"`
	PnLRate       float64   `json:"pnl_rate"`
	HoldingsCount int       `json:"holdings_count"`
}
