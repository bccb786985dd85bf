package ledger

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	apperrors "split-trader/internal/errors"
	"split-trader/internal/models"
)

func propertyParameters() *gopter.TestParameters {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())
	return parameters
}

// Feature: split-trader, Property 1: A successful buy conserves value
//
// Property: For any buy that fits the balance, the balance drops by exactly
// price×qty, the holding quantity grows by qty and the average price equals
// total cost divided by quantity.
func TestProperty_BuyConservesValue(t *testing.T) {
	properties := gopter.NewProperties(propertyParameters())

	properties.Property("buy debits cost and keeps average consistent", prop.ForAll(
		func(price1, qty1, price2, qty2 int) bool {
			acc := NewAccount("P_1", 1_000_000_000, "X", models.AccountSpec{})

			if _, err := acc.Buy("X", float64(price1), qty1); err != nil {
				return false
			}
			before := acc.Balance
			if _, err := acc.Buy("X", float64(price2), qty2); err != nil {
				return false
			}

			if acc.Balance != before-float64(price2*qty2) {
				return false
			}
			h := acc.Holdings["X"]
			if h.Quantity != qty1+qty2 {
				return false
			}
			if h.TotalCost != float64(price1*qty1+price2*qty2) {
				return false
			}
			return math.Abs(h.AveragePrice-h.TotalCost/float64(h.Quantity)) < 1e-9
		},
		gen.IntRange(1, 100_000),
		gen.IntRange(1, 1000),
		gen.IntRange(1, 100_000),
		gen.IntRange(1, 1000),
	))

	properties.TestingRun(t)
}

// Feature: split-trader, Property 2: A rejected buy leaves the account untouched
//
// Property: For any buy whose cost exceeds the balance, the call fails with
// ErrInsufficientBalance and balance, holdings and history are unchanged.
func TestProperty_RejectedBuyIsAtomic(t *testing.T) {
	properties := gopter.NewProperties(propertyParameters())

	properties.Property("insufficient balance never mutates", prop.ForAll(
		func(balance, price, qty int) bool {
			acc := NewAccount("P_1", float64(balance), "X", models.AccountSpec{})
			if float64(price*qty) <= acc.Balance {
				return true
			}

			_, err := acc.Buy("X", float64(price), qty)
			return apperrors.Is(err, apperrors.ErrInsufficientBalance) &&
				acc.Balance == float64(balance) &&
				len(acc.Holdings) == 0 &&
				len(acc.History) == 0
		},
		gen.IntRange(0, 100_000),
		gen.IntRange(1, 100_000),
		gen.IntRange(1, 100),
	))

	properties.TestingRun(t)
}

// Feature: split-trader, Property 3: Sells realize P&L against a fixed average
//
// Property: For any partial sell, pnl = (price - avg) × qty, the balance
// grows by price×qty and the average price of the remaining holding does not
// change.
func TestProperty_SellRealizesPnL(t *testing.T) {
	properties := gopter.NewProperties(propertyParameters())

	properties.Property("sell keeps average and realizes pnl", prop.ForAll(
		func(buyPrice, sellPrice, qty, sellQty int) bool {
			if sellQty > qty {
				sellQty = qty
			}
			acc := NewAccount("P_1", 1_000_000_000, "X", models.AccountSpec{})
			if _, err := acc.Buy("X", float64(buyPrice), qty); err != nil {
				return false
			}
			before := acc.Balance

			trade, err := acc.Sell("X", float64(sellPrice), sellQty)
			if err != nil {
				return false
			}

			wantPnL := float64((sellPrice - buyPrice) * sellQty)
			if trade.PnL == nil || *trade.PnL != wantPnL {
				return false
			}
			if acc.Balance != before+float64(sellPrice*sellQty) {
				return false
			}

			h, held := acc.Holding("X")
			if sellQty == qty {
				return !held
			}
			return held && h.Quantity == qty-sellQty && h.AveragePrice == float64(buyPrice)
		},
		gen.IntRange(1, 100_000),
		gen.IntRange(1, 100_000),
		gen.IntRange(1, 1000),
		gen.IntRange(1, 1000),
	))

	properties.TestingRun(t)
}

// Feature: split-trader, Property 4: Buy then sell at the same price is neutral
//
// Property: For any price and quantity, buying and then selling everything at
// the same price restores the balance and removes the holding.
func TestProperty_RoundTripRestoresBalance(t *testing.T) {
	properties := gopter.NewProperties(propertyParameters())

	properties.Property("round trip restores balance", prop.ForAll(
		func(price, qty int) bool {
			acc := NewAccount("P_1", 1_000_000_000, "X", models.AccountSpec{})
			if _, err := acc.Buy("X", float64(price), qty); err != nil {
				return false
			}
			if _, err := acc.Sell("X", float64(price), qty); err != nil {
				return false
			}
			_, held := acc.Holding("X")
			return acc.Balance == 1_000_000_000 && !held
		},
		gen.IntRange(1, 100_000),
		gen.IntRange(1, 1000),
	))

	properties.TestingRun(t)
}

// Feature: split-trader, Property 5: Split principals never exceed capital
//
// Property: For any capital and ratios summing to at most one, every
// principal is floor(capital×ratio) and their sum never exceeds capital.
func TestProperty_CreateSplitFloorsPrincipals(t *testing.T) {
	properties := gopter.NewProperties(propertyParameters())

	properties.Property("principals are floored shares of capital", prop.ForAll(
		func(capital int, weights []int) bool {
			if len(weights) == 0 {
				return true
			}
			var sum int
			for _, w := range weights {
				sum += w
			}
			ratios := make([]float64, len(weights))
			specs := make([]models.AccountSpec, len(weights))
			for i, w := range weights {
				ratios[i] = float64(w) / float64(sum)
			}

			accounts, err := CreateSplit(float64(capital), ratios, specs, "X")
			if err != nil || len(accounts) != len(ratios) {
				return false
			}

			var total float64
			for i, acc := range accounts {
				if acc.Principal != math.Floor(float64(capital)*ratios[i]) {
					return false
				}
				if acc.Balance != acc.Principal {
					return false
				}
				total += acc.Principal
			}
			return total <= float64(capital)
		},
		gen.IntRange(0, 1_000_000_000),
		gen.SliceOf(gen.IntRange(1, 100)),
	))

	properties.TestingRun(t)
}
