// Package ledger keeps the books of the virtual sub-accounts: balance,
// holdings, trade history and performance snapshots, plus the registry that
// owns every account and its persistence.
package ledger

import (
	"strings"
	"time"

	apperrors "split-trader/internal/errors"
	"split-trader/internal/models"
)

// Account is one virtual sub-account carved out of the real brokerage account.
type Account struct {
	ID             string
	Principal      float64
	Balance        float64
	InstrumentCode string
	Holdings       map[string]*models.Holding
	History        []models.Trade
	PerformanceLog []models.Snapshot
	StrategyConfig models.AccountSpec
}

// NewAccount creates an account whose balance starts at its principal.
func NewAccount(id string, principal float64, instrumentCode string, spec models.AccountSpec) *Account {
	return &Account{
		ID:             id,
		Principal:      principal,
		Balance:        principal,
		InstrumentCode: instrumentCode,
		Holdings:       make(map[string]*models.Holding),
		StrategyConfig: spec,
	}
}

// Role returns the configured role of the account.
func (a *Account) Role() models.Role {
	return a.StrategyConfig.Role
}

// TradeOption customises a recorded trade.
type TradeOption func(*tradeOptions)

type tradeOptions struct {
	timestamp time.Time
	lot       bool
	batchRef  int
	target    float64
	note      string
}

// WithTimestamp records the trade at ts instead of now.
func WithTimestamp(ts time.Time) TradeOption {
	return func(o *tradeOptions) {
		o.timestamp = ts
	}
}

// WithLot records a BUY as an OPEN follower lot pegged to a leader batch.
func WithLot(batchRef int, targetSellPrice float64) TradeOption {
	return func(o *tradeOptions) {
		o.lot = true
		o.batchRef = batchRef
		o.target = targetSellPrice
	}
}

// WithNote attaches a free-form note, e.g. "manual trade".
func WithNote(note string) TradeOption {
	return func(o *tradeOptions) {
		o.note = note
	}
}

func applyOptions(opts []TradeOption) tradeOptions {
	var o tradeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.timestamp.IsZero() {
		o.timestamp = time.Now()
	}
	return o
}

func validateTrade(code string, price float64, qty int) error {
	if strings.TrimSpace(code) == "" {
		return apperrors.NewValidationError("code", code, "instrument code is required")
	}
	if price <= 0 {
		return apperrors.NewValidationError("price", price, "price must be positive")
	}
	if qty <= 0 {
		return apperrors.NewValidationError("quantity", qty, "quantity must be positive")
	}
	return nil
}

// Buy debits price×qty from the balance and adds qty to the holding.
// It fails with ErrInsufficientBalance, leaving the account untouched, when
// the cost exceeds the balance.
func (a *Account) Buy(code string, price float64, qty int, opts ...TradeOption) (models.Trade, error) {
	if err := validateTrade(code, price, qty); err != nil {
		return models.Trade{}, apperrors.NewLedgerError(a.ID, "buy", code, err)
	}

	cost := price * float64(qty)
	if cost > a.Balance {
		return models.Trade{}, apperrors.NewLedgerError(a.ID, "buy", code, apperrors.ErrInsufficientBalance)
	}

	o := applyOptions(opts)

	a.Balance -= cost

	if a.Holdings == nil {
		a.Holdings = make(map[string]*models.Holding)
	}
	h, ok := a.Holdings[code]
	if !ok {
		h = &models.Holding{}
		a.Holdings[code] = h
	}
	h.Quantity += qty
	h.TotalCost += cost
	h.AveragePrice = h.TotalCost / float64(h.Quantity)

	trade := models.NewBuyTrade(code, price, qty, o.timestamp, a.Balance)
	if o.lot {
		trade.MarkLot(o.batchRef, o.target)
	}
	trade.Note = o.note
	a.History = append(a.History, trade)

	return trade, nil
}

// Sell credits price×qty to the balance and realizes P&L against the
// average price. The average price never changes on a sell; total cost is
// reduced proportionally and the holding is removed once it reaches zero.
func (a *Account) Sell(code string, price float64, qty int, opts ...TradeOption) (models.Trade, error) {
	if err := validateTrade(code, price, qty); err != nil {
		return models.Trade{}, apperrors.NewLedgerError(a.ID, "sell", code, err)
	}

	h, ok := a.Holdings[code]
	if !ok || h.Quantity < qty {
		return models.Trade{}, apperrors.NewLedgerError(a.ID, "sell", code, apperrors.ErrInsufficientHoldings)
	}

	o := applyOptions(opts)

	a.Balance += price * float64(qty)

	avg := h.AveragePrice
	pnl := (price - avg) * float64(qty)

	h.Quantity -= qty
	h.TotalCost -= avg * float64(qty)
	if h.TotalCost < 0 {
		h.TotalCost = 0
	}
	if h.Quantity == 0 {
		delete(a.Holdings, code)
	}

	trade := models.NewSellTrade(code, price, qty, o.timestamp, a.Balance, pnl)
	trade.Note = o.note
	a.History = append(a.History, trade)

	return trade, nil
}

// ForfeitProceeds puts the balance back to its value before the last sell.
// Leaders use it so realized proceeds never become buying power again; the
// last SELL trade is rewritten so its BalanceAfter matches the books.
func (a *Account) ForfeitProceeds(preSellBalance float64) {
	a.Balance = preSellBalance
	if n := len(a.History); n > 0 && a.History[n-1].Action == models.SideSell {
		a.History[n-1].BalanceAfter = preSellBalance
	}
}

// Holding returns a copy of the holding for code.
func (a *Account) Holding(code string) (models.Holding, bool) {
	h, ok := a.Holdings[code]
	if !ok {
		return models.Holding{}, false
	}
	return *h, true
}

// BuyTrades returns the BUY trades for code in the order they happened.
func (a *Account) BuyTrades(code string) []models.Trade {
	var buys []models.Trade
	for _, t := range a.History {
		if t.Action == models.SideBuy && t.Code == code {
			buys = append(buys, t)
		}
	}
	return buys
}

// LastBuyAt returns the time of the most recent BUY of code.
func (a *Account) LastBuyAt(code string) (time.Time, bool) {
	for i := len(a.History) - 1; i >= 0; i-- {
		t := a.History[i]
		if t.Action == models.SideBuy && t.Code == code {
			return t.Timestamp, true
		}
	}
	return time.Time{}, false
}

// OpenLots returns the OPEN follower lots for code, oldest first.
func (a *Account) OpenLots(code string) []models.Trade {
	var lots []models.Trade
	for _, t := range a.History {
		if t.Code == code && t.IsOpenLot() {
			lots = append(lots, t)
		}
	}
	return lots
}

// HasOpenLot reports whether batchRef already has an OPEN lot for code.
func (a *Account) HasOpenLot(code string, batchRef int) bool {
	for _, t := range a.History {
		if t.Code == code && t.IsOpenLot() && *t.BatchRef == batchRef {
			return true
		}
	}
	return false
}

// CloseLot marks the lot with the given trade id CLOSED.
func (a *Account) CloseLot(tradeID string) error {
	for i := range a.History {
		t := &a.History[i]
		if t.ID != tradeID {
			continue
		}
		if !t.IsLot() {
			return apperrors.NewValidationError("trade_id", tradeID, "trade is not a lot")
		}
		t.Status = models.LotClosed
		return nil
	}
	return apperrors.Wrapf(apperrors.ErrInputValidation, "lot %s not found in %s", tradeID, a.ID)
}

// ReleaseLots closes OPEN lots of code, oldest first, until the quantity
// still held by open lots fits in the holding. It is applied after sells
// made outside the lot rules, such as manual trades, and returns the ids of
// the closed lots.
func (a *Account) ReleaseLots(code string) []string {
	held := 0
	if h, ok := a.Holdings[code]; ok {
		held = h.Quantity
	}
	open := 0
	for _, t := range a.History {
		if t.Code == code && t.IsOpenLot() {
			open += t.Quantity
		}
	}

	var released []string
	for i := range a.History {
		if open <= held {
			break
		}
		t := &a.History[i]
		if t.Code != code || !t.IsOpenLot() {
			continue
		}
		t.Status = models.LotClosed
		open -= t.Quantity
		released = append(released, t.ID)
	}
	return released
}

// HasLotStatus reports whether any trade carries a lot status. Accounts
// restored from data written before lots were tracked have none.
func (a *Account) HasLotStatus() bool {
	for _, t := range a.History {
		if t.Status != "" {
			return true
		}
	}
	return false
}

// TotalValue returns cash plus holdings valued at the supplied prices,
// falling back to the average price for instruments without one.
func (a *Account) TotalValue(prices map[string]float64) float64 {
	value := a.Balance
	for code, h := range a.Holdings {
		price, ok := prices[code]
		if !ok {
			price = h.AveragePrice
		}
		value += price * float64(h.Quantity)
	}
	return value
}

// Snapshot values the account, appends the result to the performance log
// and returns it. A zero ts means now.
func (a *Account) Snapshot(prices map[string]float64, ts time.Time) models.Snapshot {
	if ts.IsZero() {
		ts = time.Now()
	}

	total := a.TotalValue(prices)
	pnl := total - a.Principal
	var rate float64
	if a.Principal > 0 {
		rate = pnl / a.Principal * 100
	}

	snap := models.Snapshot{
		Timestamp:     ts,
		TotalValue:    total,
		Balance:       a.Balance,
		PnL:           pnl,
		PnLRate:       rate,
		HoldingsCount: len(a.Holdings),
	}
	a.PerformanceLog = append(a.PerformanceLog, snap)
	return snap
}

// PruneSnapshots keeps only the newest max snapshots. max <= 0 keeps all.
func (a *Account) PruneSnapshots(max int) int {
	if max <= 0 || len(a.PerformanceLog) <= max {
		return 0
	}
	dropped := len(a.PerformanceLog) - max
	kept := make([]models.Snapshot, max)
	copy(kept, a.PerformanceLog[dropped:])
	a.PerformanceLog = kept
	return dropped
}

// RealizedPnL sums the P&L of every SELL trade.
func (a *Account) RealizedPnL() float64 {
	var total float64
	for _, t := range a.History {
		total += t.RealizedPnL()
	}
	return total
}
