package ledger

import (
	"fmt"

	apperrors "split-trader/internal/errors"
	"split-trader/internal/models"
)

// Record is the persisted form of one account. The registry is stored as a
// flat list of records.
type Record struct {
	ID             string                    `json:"id"`
	Principal      float64                   `json:"principal"`
	InstrumentCode string                    `json:"instrument_code,omitempty"`
	Balance        *float64                  `json:"balance"`
	StrategyConfig models.AccountSpec        `json:"strategy_config"`
	Holdings       map[string]models.Holding `json:"holdings"`
	History        []models.Trade            `json:"history"`
	PerformanceLog []models.Snapshot         `json:"performance_log"`
}

// Record returns the persisted form of the account.
func (a *Account) Record() Record {
	balance := a.Balance

	holdings := make(map[string]models.Holding, len(a.Holdings))
	for code, h := range a.Holdings {
		holdings[code] = *h
	}

	history := make([]models.Trade, len(a.History))
	copy(history, a.History)

	perf := make([]models.Snapshot, len(a.PerformanceLog))
	copy(perf, a.PerformanceLog)

	return Record{
		ID:             a.ID,
		Principal:      a.Principal,
		InstrumentCode: a.InstrumentCode,
		Balance:        &balance,
		StrategyConfig: a.StrategyConfig,
		Holdings:       holdings,
		History:        history,
		PerformanceLog: perf,
	}
}

// AccountFromRecord rebuilds an account. A record without a balance starts
// at its principal.
func AccountFromRecord(r Record) *Account {
	acc := NewAccount(r.ID, r.Principal, r.InstrumentCode, r.StrategyConfig)
	if r.Balance != nil {
		acc.Balance = *r.Balance
	}
	for code, h := range r.Holdings {
		if h.Quantity <= 0 {
			continue
		}
		h := h
		acc.Holdings[code] = &h
	}
	acc.History = append(acc.History, r.History...)
	acc.PerformanceLog = append(acc.PerformanceLog, r.PerformanceLog...)
	return acc
}

// Validate checks the lot fields of the history. Lot fields are only valid
// together, on a BUY trade, with a status of OPEN or CLOSED.
func (r Record) Validate() error {
	for i, t := range r.History {
		if t.BatchRef == nil && t.TargetSellPrice == nil && t.Status == "" {
			continue
		}
		field := fmt.Sprintf("%s.history[%d]", r.ID, i)
		switch {
		case t.Action != models.SideBuy:
			return apperrors.NewValidationError(field+".action", t.Action, "only BUY trades can be lots")
		case t.BatchRef == nil || *t.BatchRef < 0:
			return apperrors.NewValidationError(field+".batch_ref", t.BatchRef, "lot needs a non-negative batch_ref")
		case t.TargetSellPrice == nil || *t.TargetSellPrice <= 0:
			return apperrors.NewValidationError(field+".target_sell_price", t.TargetSellPrice, "lot needs a positive target_sell_price")
		case t.Status != models.LotOpen && t.Status != models.LotClosed:
			return apperrors.NewValidationError(field+".status", t.Status, "lot status must be OPEN or CLOSED")
		}
	}
	return nil
}
