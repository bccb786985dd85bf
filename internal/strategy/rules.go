// Package strategy runs the leader and follower rules of every strategy
// against the account registry.
package strategy

import (
	"fmt"
	"math"
	"math/rand"

	apperrors "split-trader/internal/errors"
	"split-trader/internal/models"
)

// Defaults applied when a parameter is left at zero.
const (
	DefaultLeaderTargetProfit   = 0.10
	DefaultFollowerDip          = 0.01
	DefaultFollowerTargetProfit = 0.03
)

// LeaderRule is the resolved configuration of a strategy's leader.
type LeaderRule struct {
	AccountID    string
	Ratio        float64
	TargetProfit float64
	BuyAmount    float64
	BuyQuantity  int
	PriceLower   float64 // 0 = unbounded
	PriceUpper   float64 // 0 = unbounded
}

// InBand reports whether price lies inside the configured buy band.
func (r LeaderRule) InBand(price float64) bool {
	if r.PriceLower > 0 && price < r.PriceLower {
		return false
	}
	if r.PriceUpper > 0 && price > r.PriceUpper {
		return false
	}
	return true
}

// Quantity returns how many units one leader buy takes at price.
func (r LeaderRule) Quantity(price float64) int {
	switch {
	case r.BuyQuantity > 0:
		return r.BuyQuantity
	case r.BuyAmount > 0:
		return int(math.Floor(r.BuyAmount / price))
	default:
		return 1
	}
}

// FollowerRule is the resolved configuration of one follower.
type FollowerRule struct {
	AccountID    string
	Ratio        float64
	Dip          float64
	TargetProfit float64
}

// DipTarget is the price at or below which a leader buy at leaderPrice is
// replayed.
func (r FollowerRule) DipTarget(leaderPrice float64) float64 {
	return leaderPrice * (1 - r.Dip)
}

// plan is a strategy's configuration resolved once per config load.
type plan struct {
	leader    LeaderRule
	followers []FollowerRule
}

func resolvePlan(s models.Strategy) (plan, error) {
	var p plan
	leaders := 0

	for _, spec := range s.Accounts {
		accID := s.AccountID(spec.Suffix)
		params := spec.Params

		switch spec.Role {
		case models.RoleLeader:
			leaders++
			p.leader = LeaderRule{
				AccountID:    accID,
				Ratio:        spec.Ratio,
				TargetProfit: orDefault(params.TargetProfit, DefaultLeaderTargetProfit),
				BuyAmount:    params.BuyAmount,
				BuyQuantity:  params.BuyQuantity,
				PriceLower:   params.PriceLowerLimit,
				PriceUpper:   params.PriceUpperLimit,
			}
		case models.RoleFollower:
			p.followers = append(p.followers, FollowerRule{
				AccountID:    accID,
				Ratio:        spec.Ratio,
				Dip:          orDefault(params.Dip, DefaultFollowerDip),
				TargetProfit: orDefault(params.TargetProfit, DefaultFollowerTargetProfit),
			})
		default:
			return plan{}, apperrors.Wrapf(apperrors.ErrConfigInvalid, "strategy %s account %s: unknown role %q", s.ID, spec.Suffix, spec.Role)
		}
	}

	if leaders != 1 {
		return plan{}, apperrors.Wrapf(apperrors.ErrConfigInvalid, "strategy %s: expected one leader, found %d", s.ID, leaders)
	}
	if p.leader.Ratio <= 0 {
		return plan{}, apperrors.Wrapf(apperrors.ErrConfigInvalid, "strategy %s: leader ratio must be positive", s.ID)
	}
	return p, nil
}

func resolvePlans(book models.StrategyBook) (map[string]plan, error) {
	plans := make(map[string]plan, len(book.Strategies))
	for _, s := range book.Strategies {
		if _, dup := plans[s.ID]; dup {
			return nil, apperrors.Wrapf(apperrors.ErrConfigInvalid, "duplicate strategy %s", s.ID)
		}
		p, err := resolvePlan(s)
		if err != nil {
			return nil, err
		}
		plans[s.ID] = p
	}
	return plans, nil
}

// priceEpsilon absorbs float error in targets such as 10000 × 1.1.
const priceEpsilon = 1e-9

// atOrAbove reports price >= target, tolerating representation error.
func atOrAbove(price, target float64) bool {
	return price >= target*(1-priceEpsilon)
}

// atOrBelow reports price <= target, tolerating representation error.
func atOrBelow(price, target float64) bool {
	return price <= target*(1+priceEpsilon)
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

// followerAmount scales a leader buy to a follower's share of the strategy.
func followerAmount(leaderBuy models.Trade, leader LeaderRule, follower FollowerRule) float64 {
	return leaderBuy.Price * float64(leaderBuy.Quantity) * (follower.Ratio / leader.Ratio)
}

// stochasticRound rounds exact down, then up by one with probability equal
// to the fractional part, so many small lots are not systematically
// under-allocated.
func stochasticRound(exact float64, rng *rand.Rand) int {
	if exact <= 0 {
		return 0
	}
	whole := math.Floor(exact)
	if frac := exact - whole; frac > 0 && rng.Float64() < frac {
		whole++
	}
	return int(whole)
}

// DecisionKind classifies the outcome of one rule evaluation.
type DecisionKind string

const (
	DecisionBuy              DecisionKind = "BUY"
	DecisionSell             DecisionKind = "SELL"
	DecisionSkipBudget       DecisionKind = "SKIP_BUDGET"
	DecisionSkipBand         DecisionKind = "SKIP_BAND"
	DecisionSkipThrottle     DecisionKind = "SKIP_THROTTLE"
	DecisionSkipZeroQty      DecisionKind = "SKIP_ZERO_QTY"
	DecisionFailed           DecisionKind = "FAILED"
	DecisionPriceUnavailable DecisionKind = "PRICE_UNAVAILABLE"
)

// Executed reports whether the decision changed the ledger.
func (k DecisionKind) Executed() bool {
	return k == DecisionBuy || k == DecisionSell
}

// Decision is the reported outcome of a rule for one account.
type Decision struct {
	StrategyID string
	AccountID  string
	Role       models.Role
	Kind       DecisionKind
	Price      float64
	Quantity   int
	BatchRef   *int
	Reason     string
	Err        error
	Trade      *models.Trade
	OrderID    string
}

func (d Decision) String() string {
	s := fmt.Sprintf("%s %s", d.AccountID, d.Kind)
	if d.Quantity > 0 {
		s += fmt.Sprintf(" x%d @ %.2f", d.Quantity, d.Price)
	}
	if d.BatchRef != nil {
		s += fmt.Sprintf(" batch=%d", *d.BatchRef)
	}
	if d.Reason != "" {
		s += ": " + d.Reason
	}
	return s
}

// StepReport collects everything one pass over the strategies produced.
type StepReport struct {
	Decisions []Decision
	Prices    map[string]float64 // instrument code -> price used
}

// Count returns the number of decisions of kind k.
func (r StepReport) Count(k DecisionKind) int {
	n := 0
	for _, d := range r.Decisions {
		if d.Kind == k {
			n++
		}
	}
	return n
}
