package strategy

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"split-trader/internal/broker"
	apperrors "split-trader/internal/errors"
	"split-trader/internal/ledger"
	"split-trader/internal/logging"
	"split-trader/internal/models"
	"split-trader/internal/notify"
	"split-trader/pkg/utils"
)

// OrderAuditor records real orders. *security.AuditLogger implements it.
type OrderAuditor interface {
	LogOrder(ctx context.Context, accountID, orderID, symbol, side string, qty int, price float64, orderErr error) error
}

// TradeHook is called after every trade that reached the ledger.
type TradeHook func(event notify.TradeEvent)

// Executor applies the leader and follower rules of each strategy. It is
// driven by one caller at a time; UpdateConfig may be called concurrently
// from a config watcher.
type Executor struct {
	registry *ledger.Registry
	broker   broker.Broker
	logger   zerolog.Logger
	notifier notify.Notifier
	auditor  OrderAuditor
	onTrade  TradeHook

	now      func() time.Time
	rng      *rand.Rand
	loc      *time.Location
	delay    time.Duration
	exchange models.Exchange

	mu    sync.RWMutex
	book  models.StrategyBook
	plans map[string]plan

	// strategy id -> last day the leader bought, in the market time zone
	leaderBuyDay map[string]time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithClock sets the time source used for trade timestamps and the daily
// leader throttle.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithRand sets the random source for follower stochastic rounding.
func WithRand(rng *rand.Rand) Option {
	return func(e *Executor) { e.rng = rng }
}

// WithLocation sets the market time zone that defines a calendar day.
func WithLocation(loc *time.Location) Option {
	return func(e *Executor) { e.loc = loc }
}

// WithStrategyDelay sets the pause between strategies within one step.
func WithStrategyDelay(d time.Duration) Option {
	return func(e *Executor) { e.delay = d }
}

// WithExchange sets the exchange used for strategies that do not name one.
func WithExchange(ex models.Exchange) Option {
	return func(e *Executor) { e.exchange = ex }
}

// WithNotifier sets the trade notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Executor) { e.notifier = n }
}

// WithAuditor sets the audit trail for real orders.
func WithAuditor(a OrderAuditor) Option {
	return func(e *Executor) { e.auditor = a }
}

// OnTrade registers a hook called after each executed trade.
func OnTrade(h TradeHook) Option {
	return func(e *Executor) { e.onTrade = h }
}

// NewExecutor creates an executor over reg. Orders and prices go through b.
func NewExecutor(reg *ledger.Registry, b broker.Broker, book models.StrategyBook, opts ...Option) (*Executor, error) {
	e := &Executor{
		registry:     reg,
		broker:       b,
		logger:       zerolog.Nop(),
		notifier:     notify.NewNoOpNotifier(),
		now:          time.Now,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		loc:          utils.LoadLocation(""),
		delay:        500 * time.Millisecond,
		leaderBuyDay: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.UpdateConfig(book); err != nil {
		return nil, err
	}
	return e, nil
}

// UpdateConfig swaps in a new strategy book. The book is resolved before
// anything changes, so an invalid book leaves the current one in place.
func (e *Executor) UpdateConfig(book models.StrategyBook) error {
	plans, err := resolvePlans(book)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.book = book
	e.plans = plans
	e.mu.Unlock()

	e.logger.Info().
		Float64("total_capital", book.TotalCapital).
		Bool("dry_run", book.DryRun).
		Int("strategies", len(book.Strategies)).
		Msg("Strategy configuration loaded")
	return nil
}

// Book returns the active strategy book.
func (e *Executor) Book() models.StrategyBook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book
}

func (e *Executor) planFor(strategyID string) (plan, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.plans[strategyID]
	return p, ok
}

// ExecuteStep processes every strategy once, in configuration order, with
// the configured delay between strategies. It stops early when ctx is done.
func (e *Executor) ExecuteStep(ctx context.Context) StepReport {
	book := e.Book()
	report := StepReport{Prices: make(map[string]float64)}

	for i, s := range book.Strategies {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && e.delay > 0 {
			if err := sleep(ctx, e.delay); err != nil {
				break
			}
		}

		decisions, price, err := e.processStrategy(ctx, book, s)
		report.Decisions = append(report.Decisions, decisions...)
		if err == nil {
			report.Prices[s.InstrumentCode] = price
		}
	}
	return report
}

// ProcessStrategy fetches the price for s and applies its rules. A failed
// or non-positive price aborts the strategy for this step with
// ErrPriceUnavailable.
func (e *Executor) ProcessStrategy(ctx context.Context, s models.Strategy) ([]Decision, error) {
	decisions, _, err := e.processStrategy(ctx, e.Book(), s)
	return decisions, err
}

func (e *Executor) processStrategy(ctx context.Context, book models.StrategyBook, s models.Strategy) ([]Decision, float64, error) {
	logger := logging.WithStrategy(e.logger, s.ID)

	price, err := broker.FetchPrice(ctx, e.broker, e.exchangeFor(s), s.InstrumentCode)
	if err != nil {
		logger.Warn().Err(err).Str("code", s.InstrumentCode).Msg("Price unavailable, skipping strategy")
		return []Decision{{
			StrategyID: s.ID,
			Kind:       DecisionPriceUnavailable,
			Reason:     "price unavailable",
			Err:        err,
		}}, 0, err
	}

	logger.Debug().Str("code", s.InstrumentCode).Float64("price", price).Msg("Processing strategy")
	return e.process(ctx, book, s, price), price, nil
}

// Process applies the leader rule and then the follower rules of s at
// price.
func (e *Executor) Process(ctx context.Context, s models.Strategy, price float64) []Decision {
	return e.process(ctx, e.Book(), s, price)
}

func (e *Executor) process(ctx context.Context, book models.StrategyBook, s models.Strategy, price float64) []Decision {
	p, ok := e.planFor(s.ID)
	if !ok {
		resolved, err := resolvePlan(s)
		if err != nil {
			return []Decision{{StrategyID: s.ID, Kind: DecisionFailed, Price: price, Reason: "invalid strategy", Err: err}}
		}
		p = resolved
	}

	leader, err := e.registry.Lookup(p.leader.AccountID)
	if err != nil {
		e.logger.Warn().Str("account", p.leader.AccountID).Msg("Leader account not found in registry")
		return []Decision{{
			StrategyID: s.ID,
			AccountID:  p.leader.AccountID,
			Role:       models.RoleLeader,
			Kind:       DecisionFailed,
			Price:      price,
			Reason:     "account not found",
			Err:        err,
		}}
	}

	decisions := e.processLeader(ctx, book, s, p.leader, leader, price)
	return append(decisions, e.processFollowers(ctx, book, s, p, leader, price)...)
}

func (e *Executor) processLeader(ctx context.Context, book models.StrategyBook, s models.Strategy, rule LeaderRule, acc *ledger.Account, price float64) []Decision {
	code := s.InstrumentCode
	var decisions []Decision

	if h, ok := acc.Holding(code); ok && h.Quantity > 0 {
		target := h.AveragePrice * (1 + rule.TargetProfit)
		if atOrAbove(price, target) {
			decisions = append(decisions, e.executeTrade(ctx, book, tradeRequest{
				strategy: s,
				account:  acc,
				side:     models.SideSell,
				price:    price,
				qty:      h.Quantity,
				forfeit:  true,
				reason:   fmt.Sprintf("price %.2f >= target %.2f", price, target),
			}))
		}
	}

	base := Decision{StrategyID: s.ID, AccountID: acc.ID, Role: models.RoleLeader, Price: price}
	now := e.now()

	if last, ok := e.lastLeaderBuy(s.ID, acc, code); ok && utils.SameDay(last, now, e.loc) {
		base.Kind = DecisionSkipThrottle
		base.Reason = "leader already bought today"
		return append(decisions, e.report(base))
	}
	if !rule.InBand(price) {
		base.Kind = DecisionSkipBand
		base.Reason = fmt.Sprintf("price %.2f outside [%.2f, %.2f]", price, rule.PriceLower, rule.PriceUpper)
		return append(decisions, e.report(base))
	}
	qty := rule.Quantity(price)
	if qty <= 0 {
		base.Kind = DecisionSkipZeroQty
		base.Reason = fmt.Sprintf("buy amount %.2f below one unit", rule.BuyAmount)
		return append(decisions, e.report(base))
	}

	d := e.executeTrade(ctx, book, tradeRequest{
		strategy: s,
		account:  acc,
		side:     models.SideBuy,
		price:    price,
		qty:      qty,
		reason:   "daily leader buy",
	})
	if d.Kind == DecisionBuy {
		e.mu.Lock()
		e.leaderBuyDay[s.ID] = d.Trade.Timestamp
		e.mu.Unlock()
	}
	return append(decisions, d)
}

// lastLeaderBuy returns the last leader buy time, seeding the throttle from
// the ledger so a restart does not buy twice on the same day.
func (e *Executor) lastLeaderBuy(strategyID string, acc *ledger.Account, code string) (time.Time, bool) {
	e.mu.RLock()
	last, ok := e.leaderBuyDay[strategyID]
	e.mu.RUnlock()
	if ok {
		return last, true
	}
	return acc.LastBuyAt(code)
}

func (e *Executor) processFollowers(ctx context.Context, book models.StrategyBook, s models.Strategy, p plan, leader *ledger.Account, price float64) []Decision {
	code := s.InstrumentCode
	leaderBuys := leader.BuyTrades(code)
	var decisions []Decision

	for _, rule := range p.followers {
		acc, err := e.registry.Lookup(rule.AccountID)
		if err != nil {
			e.logger.Warn().Str("account", rule.AccountID).Msg("Follower account not found in registry")
			decisions = append(decisions, Decision{
				StrategyID: s.ID,
				AccountID:  rule.AccountID,
				Role:       models.RoleFollower,
				Kind:       DecisionFailed,
				Price:      price,
				Reason:     "account not found",
				Err:        err,
			})
			continue
		}

		decisions = append(decisions, e.followerSells(ctx, book, s, rule, acc, price)...)
		if d, ok := e.followerBuy(ctx, book, s, p.leader, rule, acc, leaderBuys, price); ok {
			decisions = append(decisions, d)
		}
	}
	return decisions
}

// followerSells closes every OPEN lot whose target has been reached. Accounts
// whose history predates lot tracking sell their whole holding on the
// aggregate target instead.
func (e *Executor) followerSells(ctx context.Context, book models.StrategyBook, s models.Strategy, rule FollowerRule, acc *ledger.Account, price float64) []Decision {
	code := s.InstrumentCode
	var decisions []Decision

	if !acc.HasLotStatus() {
		h, ok := acc.Holding(code)
		if !ok || h.Quantity <= 0 {
			return nil
		}
		target := h.AveragePrice * (1 + rule.TargetProfit)
		if !atOrAbove(price, target) {
			return nil
		}
		return []Decision{e.executeTrade(ctx, book, tradeRequest{
			strategy: s,
			account:  acc,
			side:     models.SideSell,
			price:    price,
			qty:      h.Quantity,
			reason:   fmt.Sprintf("aggregate target %.2f reached", target),
		})}
	}

	if released := acc.ReleaseLots(code); len(released) > 0 {
		e.logger.Warn().
			Str("account", acc.ID).
			Strs("lots", released).
			Msg("Closed lots no longer covered by the holding")
	}

	for _, lot := range acc.OpenLots(code) {
		if !atOrAbove(price, *lot.TargetSellPrice) {
			continue
		}
		batch := *lot.BatchRef
		decisions = append(decisions, e.executeTrade(ctx, book, tradeRequest{
			strategy: s,
			account:  acc,
			side:     models.SideSell,
			price:    price,
			qty:      lot.Quantity,
			batchRef: &batch,
			closeLot: lot.ID,
			reason:   fmt.Sprintf("lot target %.2f reached", *lot.TargetSellPrice),
		}))
	}
	return decisions
}

// followerBuy tries the first batch without an OPEN lot whose dip target
// has been reached. At most one attempt is made per call.
func (e *Executor) followerBuy(ctx context.Context, book models.StrategyBook, s models.Strategy, leaderRule LeaderRule, rule FollowerRule, acc *ledger.Account, leaderBuys []models.Trade, price float64) (Decision, bool) {
	code := s.InstrumentCode

	for i, lb := range leaderBuys {
		if acc.HasOpenLot(code, i) {
			continue
		}
		dipTarget := rule.DipTarget(lb.Price)
		if !atOrBelow(price, dipTarget) {
			continue
		}

		batch := i
		base := Decision{
			StrategyID: s.ID,
			AccountID:  acc.ID,
			Role:       models.RoleFollower,
			Price:      price,
			BatchRef:   &batch,
		}

		amount := followerAmount(lb, leaderRule, rule)
		qty := stochasticRound(amount/price, e.rng)
		if qty == 0 {
			base.Kind = DecisionSkipZeroQty
			base.Reason = fmt.Sprintf("amount %.2f below one unit", amount)
			return e.report(base), true
		}
		if acc.Balance < price*float64(qty) {
			base.Kind = DecisionSkipBudget
			base.Quantity = qty
			base.Reason = "insufficient budget"
			base.Err = apperrors.ErrInsufficientBalance
			return e.report(base), true
		}

		return e.executeTrade(ctx, book, tradeRequest{
			strategy:    s,
			account:     acc,
			side:        models.SideBuy,
			price:       price,
			qty:         qty,
			batchRef:    &batch,
			targetPrice: price * (1 + rule.TargetProfit),
			reason:      fmt.Sprintf("price %.2f <= dip target %.2f", price, dipTarget),
		}), true
	}
	return Decision{}, false
}

func (e *Executor) exchangeFor(s models.Strategy) models.Exchange {
	if s.Exchange != "" {
		return s.Exchange
	}
	return e.exchange
}

// report logs a decision that did not trade and returns it.
func (e *Executor) report(d Decision) Decision {
	logging.LogDecision(logging.WithStrategy(e.logger, d.StrategyID), d.AccountID, string(d.Kind), d.Reason)
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
