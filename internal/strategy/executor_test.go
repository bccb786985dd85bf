package strategy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"split-trader/internal/broker"
	apperrors "split-trader/internal/errors"
	"split-trader/internal/ledger"
	"split-trader/internal/models"
	"split-trader/internal/notify"
	"split-trader/pkg/utils"
)

const code = "005930"

var kst = utils.LoadLocation("Asia/Seoul")

// fakeBroker serves prices by bare instrument code and records orders.
type fakeBroker struct {
	mu         sync.Mutex
	prices     map[string]float64
	deposit    float64
	depositErr error
	orderErr   error
	orders     []models.Order
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{prices: make(map[string]float64), deposit: 100_000_000}
}

func (f *fakeBroker) setPrice(code string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[code] = price
}

func (f *fakeBroker) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bare := symbol
	if i := strings.LastIndex(symbol, ":"); i >= 0 {
		bare = symbol[i+1:]
	}
	price, ok := f.prices[bare]
	if !ok {
		return nil, fmt.Errorf("no quote for %s", symbol)
	}
	return &models.Quote{Symbol: symbol, LTP: price}, nil
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, order *models.Order) (*broker.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	f.orders = append(f.orders, *order)
	return &broker.OrderResult{OrderID: fmt.Sprintf("ORD-%d", len(f.orders)), Status: "COMPLETE"}, nil
}

func (f *fakeBroker) GetAvailableDeposit(ctx context.Context, accountID string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deposit, f.depositErr
}

type auditCall struct {
	accountID string
	orderID   string
	err       error
}

type recordingAuditor struct {
	calls []auditCall
}

func (r *recordingAuditor) LogOrder(ctx context.Context, accountID, orderID, symbol, side string, qty int, price float64, orderErr error) error {
	r.calls = append(r.calls, auditCall{accountID: accountID, orderID: orderID, err: orderErr})
	return nil
}

type recordingNotifier struct {
	trades []notify.TradeEvent
	errs   []error
}

func (r *recordingNotifier) Send(ctx context.Context, n notify.Notification) error { return nil }

func (r *recordingNotifier) SendTrade(ctx context.Context, event notify.TradeEvent) error {
	r.trades = append(r.trades, event)
	return nil
}

func (r *recordingNotifier) SendError(ctx context.Context, err error, context string) error {
	r.errs = append(r.errs, err)
	return nil
}

// testBook gives the leader 2,000,000 and each follower 1,000,000.
func testBook() models.StrategyBook {
	return models.StrategyBook{
		TotalCapital:  10_000_000,
		RealAccountID: "AB1234",
		DryRun:        true,
		Strategies: []models.Strategy{{
			ID:                     "Samsung",
			InstrumentCode:         code,
			Exchange:               models.KRX,
			TotalAllocationPercent: 0.5,
			Accounts: []models.AccountSpec{
				{Suffix: "1", Ratio: 0.4, Role: models.RoleLeader, Params: models.Params{TargetProfit: 0.10, BuyQuantity: 10}},
				{Suffix: "2", Ratio: 0.2, Role: models.RoleFollower, Params: models.Params{Dip: 0.01, TargetProfit: 0.03}},
				{Suffix: "3", Ratio: 0.2, Role: models.RoleFollower, Params: models.Params{Dip: 0.02, TargetProfit: 0.03}},
			},
		}},
	}
}

type fixture struct {
	t        *testing.T
	reg      *ledger.Registry
	broker   *fakeBroker
	exec     *Executor
	now      time.Time
	events   []notify.TradeEvent
	notifier *recordingNotifier
	auditor  *recordingAuditor
}

func newFixture(t *testing.T, book models.StrategyBook) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		reg:      ledger.NewRegistry(),
		broker:   newFakeBroker(),
		now:      time.Date(2024, 5, 2, 10, 0, 0, 0, kst),
		notifier: &recordingNotifier{},
		auditor:  &recordingAuditor{},
	}
	f.reg.Merge(book)

	exec, err := NewExecutor(f.reg, f.broker, book,
		WithClock(func() time.Time { return f.now }),
		WithRand(rand.New(rand.NewSource(1))),
		WithLocation(kst),
		WithStrategyDelay(0),
		WithNotifier(f.notifier),
		WithAuditor(f.auditor),
		OnTrade(func(e notify.TradeEvent) { f.events = append(f.events, e) }),
	)
	require.NoError(t, err)
	f.exec = exec
	return f
}

func (f *fixture) account(id string) *ledger.Account {
	f.t.Helper()
	acc, err := f.reg.Lookup(id)
	require.NoError(f.t, err)
	return acc
}

func (f *fixture) step(price float64) StepReport {
	f.broker.setPrice(code, price)
	return f.exec.ExecuteStep(context.Background())
}

func (f *fixture) nextDay() {
	f.now = f.now.AddDate(0, 0, 1)
}

func decisionsFor(r StepReport, accountID string) []Decision {
	var out []Decision
	for _, d := range r.Decisions {
		if d.AccountID == accountID {
			out = append(out, d)
		}
	}
	return out
}

func onlyDecision(t *testing.T, r StepReport, accountID string) Decision {
	t.Helper()
	ds := decisionsFor(r, accountID)
	require.Len(t, ds, 1, "decisions for %s: %v", accountID, ds)
	return ds[0]
}

func TestLeader_BuysOncePerMarketDay(t *testing.T) {
	f := newFixture(t, testBook())
	leader := f.account("Samsung_1")

	d := onlyDecision(t, f.step(70000), "Samsung_1")
	assert.Equal(t, DecisionBuy, d.Kind)
	assert.Equal(t, 10, d.Quantity)
	assert.Equal(t, 1_300_000.0, leader.Balance)

	f.now = f.now.Add(4 * time.Hour)
	d = onlyDecision(t, f.step(70000), "Samsung_1")
	assert.Equal(t, DecisionSkipThrottle, d.Kind)
	assert.Equal(t, 1_300_000.0, leader.Balance)

	f.nextDay()
	d = onlyDecision(t, f.step(70000), "Samsung_1")
	assert.Equal(t, DecisionBuy, d.Kind)
	assert.Len(t, leader.BuyTrades(code), 2)
}

func TestLeader_ThrottleUsesMarketTimeZone(t *testing.T) {
	f := newFixture(t, testBook())
	f.now = time.Date(2024, 5, 2, 23, 30, 0, 0, kst)
	require.Equal(t, DecisionBuy, onlyDecision(t, f.step(70000), "Samsung_1").Kind)

	// Same UTC day, next day in Seoul.
	f.now = time.Date(2024, 5, 3, 0, 30, 0, 0, kst)
	assert.Equal(t, DecisionBuy, onlyDecision(t, f.step(70000), "Samsung_1").Kind)
}

func TestLeader_ThrottleSeededFromHistory(t *testing.T) {
	f := newFixture(t, testBook())
	leader := f.account("Samsung_1")
	_, err := leader.Buy(code, 70000, 1, ledger.WithTimestamp(f.now.Add(-time.Hour)))
	require.NoError(t, err)

	d := onlyDecision(t, f.step(69000), "Samsung_1")
	assert.Equal(t, DecisionSkipThrottle, d.Kind)
	assert.Len(t, leader.History, 1)
}

func TestLeader_BandAndQuantity(t *testing.T) {
	tests := map[string]struct {
		params models.Params
		price  float64
		kind   DecisionKind
		qty    int
	}{
		"below band": {
			params: models.Params{BuyQuantity: 1, PriceLowerLimit: 60000, PriceUpperLimit: 65000},
			price:  59000,
			kind:   DecisionSkipBand,
		},
		"above band": {
			params: models.Params{BuyQuantity: 1, PriceLowerLimit: 60000, PriceUpperLimit: 65000},
			price:  70000,
			kind:   DecisionSkipBand,
		},
		"on band edge": {
			params: models.Params{BuyQuantity: 1, PriceLowerLimit: 60000, PriceUpperLimit: 65000},
			price:  65000,
			kind:   DecisionBuy,
			qty:    1,
		},
		"amount floors to quantity": {
			params: models.Params{BuyAmount: 250_000},
			price:  70000,
			kind:   DecisionBuy,
			qty:    3,
		},
		"amount below one unit": {
			params: models.Params{BuyAmount: 50_000},
			price:  70000,
			kind:   DecisionSkipZeroQty,
		},
		"nothing configured buys one": {
			params: models.Params{},
			price:  70000,
			kind:   DecisionBuy,
			qty:    1,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			book := testBook()
			book.Strategies[0].Accounts[0].Params = tt.params
			f := newFixture(t, book)

			d := onlyDecision(t, f.step(tt.price), "Samsung_1")
			assert.Equal(t, tt.kind, d.Kind)
			if tt.kind == DecisionBuy {
				assert.Equal(t, tt.qty, d.Trade.Quantity)
			} else {
				assert.Empty(t, f.account("Samsung_1").History)
			}
		})
	}
}

func TestLeader_SellForfeitsProceeds(t *testing.T) {
	book := testBook()
	book.Strategies[0].Accounts[0].Params = models.Params{TargetProfit: 0.10, BuyQuantity: 1, PriceUpperLimit: 10500}
	f := newFixture(t, book)

	leader := f.account("Samsung_1")
	_, err := leader.Buy(code, 10000, 1, ledger.WithTimestamp(f.now.AddDate(0, 0, -1)))
	require.NoError(t, err)
	require.Equal(t, 1_990_000.0, leader.Balance)

	ds := decisionsFor(f.step(11000), "Samsung_1")
	require.Len(t, ds, 2)

	sell := ds[0]
	require.Equal(t, DecisionSell, sell.Kind)
	assert.Equal(t, 1, sell.Trade.Quantity)
	assert.Equal(t, 1_990_000.0, sell.Trade.BalanceAfter)
	require.NotNil(t, sell.Trade.PnL)
	assert.InDelta(t, 1000, *sell.Trade.PnL, 1e-9)

	assert.Equal(t, DecisionSkipBand, ds[1].Kind)
	assert.Equal(t, 1_990_000.0, leader.Balance)
	_, held := leader.Holding(code)
	assert.False(t, held)
	assert.Equal(t, 1_990_000.0, leader.History[len(leader.History)-1].BalanceAfter)
}

func TestLeader_NoSellBelowTarget(t *testing.T) {
	book := testBook()
	book.Strategies[0].Accounts[0].Params = models.Params{TargetProfit: 0.10, BuyQuantity: 1, PriceUpperLimit: 10500}
	f := newFixture(t, book)

	leader := f.account("Samsung_1")
	_, err := leader.Buy(code, 10000, 1, ledger.WithTimestamp(f.now.AddDate(0, 0, -1)))
	require.NoError(t, err)

	d := onlyDecision(t, f.step(10999), "Samsung_1")
	assert.Equal(t, DecisionSkipBand, d.Kind)
	h, _ := leader.Holding(code)
	assert.Equal(t, 1, h.Quantity)
}

func TestFollower_DipBuyAndLotCycle(t *testing.T) {
	f := newFixture(t, testBook())
	follower := f.account("Samsung_2")

	report := f.step(70000)
	require.Equal(t, DecisionBuy, onlyDecision(t, report, "Samsung_1").Kind)
	assert.Empty(t, decisionsFor(report, "Samsung_2"), "70000 is above the 1% dip target")

	f.now = f.now.Add(time.Hour)
	report = f.step(50000)
	assert.Equal(t, DecisionSkipThrottle, onlyDecision(t, report, "Samsung_1").Kind)

	d := onlyDecision(t, report, "Samsung_2")
	require.Equal(t, DecisionBuy, d.Kind)
	assert.Equal(t, 7, d.Trade.Quantity) // 700,000 × 0.2/0.4 / 50,000
	require.NotNil(t, d.BatchRef)
	assert.Equal(t, 0, *d.BatchRef)

	lots := follower.OpenLots(code)
	require.Len(t, lots, 1)
	assert.Equal(t, 0, *lots[0].BatchRef)
	assert.InDelta(t, 51500, *lots[0].TargetSellPrice, 1e-6)
	assert.Equal(t, models.LotOpen, lots[0].Status)
	assert.Equal(t, 650_000.0, follower.Balance)

	// The batch is occupied, so nothing happens at the same price.
	f.now = f.now.Add(time.Hour)
	assert.Empty(t, decisionsFor(f.step(50000), "Samsung_2"))

	// Target reached: the lot is sold and closed, then the batch is free
	// again and the follower re-enters at the current price.
	f.now = f.now.Add(time.Hour)
	ds := decisionsFor(f.step(51500), "Samsung_2")
	require.Len(t, ds, 2)
	assert.Equal(t, DecisionSell, ds[0].Kind)
	assert.Equal(t, 7, ds[0].Trade.Quantity)
	assert.Equal(t, DecisionBuy, ds[1].Kind)
	assert.Contains(t, []int{6, 7}, ds[1].Trade.Quantity)

	var closed int
	for _, tr := range follower.History {
		if tr.IsLot() && tr.Status == models.LotClosed {
			closed++
		}
	}
	assert.Equal(t, 1, closed)
	assert.True(t, follower.HasOpenLot(code, 0))
}

func TestFollower_ManualSellReleasesLot(t *testing.T) {
	f := newFixture(t, testBook())
	follower := f.account("Samsung_2")

	f.step(70000)
	f.now = f.now.Add(time.Hour)
	require.Equal(t, DecisionBuy, onlyDecision(t, f.step(50000), "Samsung_2").Kind)
	require.True(t, follower.HasOpenLot(code, 0))

	_, err := follower.Sell(code, 50000, 7, ledger.WithNote("manual trade"))
	require.NoError(t, err)

	// The lot target is reached with nothing left to sell: the lot is closed
	// and batch 0 is bought again instead of failing every tick.
	f.now = f.now.Add(time.Hour)
	d := onlyDecision(t, f.step(51500), "Samsung_2")
	require.Equal(t, DecisionBuy, d.Kind)
	require.NotNil(t, d.BatchRef)
	assert.Equal(t, 0, *d.BatchRef)

	lots := follower.OpenLots(code)
	require.Len(t, lots, 1)
	assert.InDelta(t, 51500*1.03, *lots[0].TargetSellPrice, 1e-6)

	f.now = f.now.Add(time.Hour)
	for _, d := range decisionsFor(f.step(51500*1.03), "Samsung_2") {
		assert.NotEqual(t, DecisionFailed, d.Kind, "unexpected failure: %v", d.Err)
	}
}

func TestFollower_OneBuyAttemptPerTick(t *testing.T) {
	book := testBook()
	book.Strategies[0].Accounts[0].Params = models.Params{TargetProfit: 0.10, BuyQuantity: 10, PriceUpperLimit: 1000}
	f := newFixture(t, book)

	leader := f.account("Samsung_1")
	_, err := leader.Buy(code, 70000, 10, ledger.WithTimestamp(f.now.AddDate(0, 0, -2)))
	require.NoError(t, err)
	_, err = leader.Buy(code, 60000, 10, ledger.WithTimestamp(f.now.AddDate(0, 0, -1)))
	require.NoError(t, err)

	follower := f.account("Samsung_2")

	d := onlyDecision(t, f.step(59000), "Samsung_2")
	require.Equal(t, DecisionBuy, d.Kind)
	assert.Equal(t, 0, *d.BatchRef)
	assert.Len(t, follower.OpenLots(code), 1)

	d = onlyDecision(t, f.step(59000), "Samsung_2")
	require.Equal(t, DecisionBuy, d.Kind)
	assert.Equal(t, 1, *d.BatchRef)

	assert.Empty(t, decisionsFor(f.step(59000), "Samsung_2"))
	assert.Len(t, follower.OpenLots(code), 2)
}

func TestFollower_BudgetSkip(t *testing.T) {
	book := testBook()
	book.Strategies[0].Accounts[0].Params = models.Params{BuyQuantity: 10, PriceUpperLimit: 1000}
	f := newFixture(t, book)

	_, err := f.account("Samsung_1").Buy(code, 70000, 10, ledger.WithTimestamp(f.now.AddDate(0, 0, -1)))
	require.NoError(t, err)
	follower := f.account("Samsung_2")
	follower.Balance = 1000

	d := onlyDecision(t, f.step(60000), "Samsung_2")
	assert.Equal(t, DecisionSkipBudget, d.Kind)
	assert.True(t, errors.Is(d.Err, apperrors.ErrInsufficientBalance))
	assert.Empty(t, follower.History)
	assert.Equal(t, 1000.0, follower.Balance)
}

func TestFollower_AggregateSellWithoutLotHistory(t *testing.T) {
	book := testBook()
	book.Strategies[0].Accounts[0].Params = models.Params{BuyQuantity: 1, PriceUpperLimit: 1000}
	f := newFixture(t, book)

	follower := f.account("Samsung_2")
	_, err := follower.Buy(code, 50000, 4)
	require.NoError(t, err)
	require.False(t, follower.HasLotStatus())

	assert.Empty(t, decisionsFor(f.step(51000), "Samsung_2"))

	d := onlyDecision(t, f.step(51500), "Samsung_2")
	require.Equal(t, DecisionSell, d.Kind)
	assert.Equal(t, 4, d.Trade.Quantity)
	assert.Nil(t, d.BatchRef)
	_, held := follower.Holding(code)
	assert.False(t, held)
	assert.InDelta(t, 1_006_000, follower.Balance, 1e-6)
}

func TestExecuteStep_PriceUnavailableSkipsOnlyThatStrategy(t *testing.T) {
	book := testBook()
	book.Strategies = append(book.Strategies, models.Strategy{
		ID:                     "Hynix",
		InstrumentCode:         "000660",
		TotalAllocationPercent: 0.5,
		Accounts: []models.AccountSpec{
			{Suffix: "1", Ratio: 0.5, Role: models.RoleLeader, Params: models.Params{BuyQuantity: 1}},
			{Suffix: "2", Ratio: 0.5, Role: models.RoleFollower},
		},
	})
	f := newFixture(t, book)
	f.broker.setPrice("000660", 180000)

	report := f.exec.ExecuteStep(context.Background())

	require.Equal(t, 1, report.Count(DecisionPriceUnavailable))
	for _, d := range report.Decisions {
		if d.Kind == DecisionPriceUnavailable {
			assert.Equal(t, "Samsung", d.StrategyID)
			assert.True(t, errors.Is(d.Err, apperrors.ErrPriceUnavailable))
		}
	}
	assert.Equal(t, map[string]float64{"000660": 180000}, report.Prices)
	assert.Equal(t, DecisionBuy, onlyDecision(t, report, "Hynix_1").Kind)
	assert.Empty(t, f.account("Samsung_1").History)
}

func TestProcessStrategy_NonPositivePrice(t *testing.T) {
	f := newFixture(t, testBook())
	f.broker.setPrice(code, 0)

	ds, err := f.exec.ProcessStrategy(context.Background(), testBook().Strategies[0])
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrPriceUnavailable))
	require.Len(t, ds, 1)
	assert.Equal(t, DecisionPriceUnavailable, ds[0].Kind)
}

func TestExecuteStep_StopsWhenCancelled(t *testing.T) {
	f := newFixture(t, testBook())
	f.broker.setPrice(code, 70000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := f.exec.ExecuteStep(ctx)
	assert.Empty(t, report.Decisions)
	assert.Empty(t, f.account("Samsung_1").History)
}

func TestProcess_MissingLeaderAccount(t *testing.T) {
	book := testBook()
	exec, err := NewExecutor(ledger.NewRegistry(), newFakeBroker(), book, WithStrategyDelay(0))
	require.NoError(t, err)

	ds := exec.Process(context.Background(), book.Strategies[0], 70000)
	require.Len(t, ds, 1)
	assert.Equal(t, DecisionFailed, ds[0].Kind)
	assert.True(t, errors.Is(ds[0].Err, apperrors.ErrAccountNotFound))
}

func TestLive_OrderPlacedBeforeLedger(t *testing.T) {
	book := testBook()
	book.DryRun = false
	f := newFixture(t, book)

	d := onlyDecision(t, f.step(70000), "Samsung_1")
	require.Equal(t, DecisionBuy, d.Kind)
	assert.Equal(t, "ORD-1", d.OrderID)

	require.Len(t, f.broker.orders, 1)
	order := f.broker.orders[0]
	assert.Equal(t, "AB1234", order.AccountID)
	assert.Equal(t, models.SideBuy, order.Side)
	assert.Equal(t, 10, order.Quantity)
	assert.Equal(t, models.OrderTypeMarket, order.Type)
	assert.Equal(t, "Samsung_1", order.Tag)

	require.Len(t, f.auditor.calls, 1)
	assert.Equal(t, "ORD-1", f.auditor.calls[0].orderID)
	assert.Equal(t, 1_300_000.0, f.account("Samsung_1").Balance)

	require.Len(t, f.events, 1)
	assert.False(t, f.events[0].DryRun)
	assert.Equal(t, "ORD-1", f.events[0].OrderID)
	assert.Len(t, f.notifier.trades, 1)
}

func TestLive_RejectedOrderLeavesLedgerUntouched(t *testing.T) {
	book := testBook()
	book.DryRun = false
	f := newFixture(t, book)
	f.broker.orderErr = errors.New("RMS: margin exceeded")

	leader := f.account("Samsung_1")
	d := onlyDecision(t, f.step(70000), "Samsung_1")
	assert.Equal(t, DecisionFailed, d.Kind)
	assert.True(t, errors.Is(d.Err, apperrors.ErrOrderRejected))
	assert.Equal(t, 2_000_000.0, leader.Balance)
	assert.Empty(t, leader.History)
	assert.Empty(t, f.events)
	assert.Len(t, f.notifier.errs, 1)
	require.Len(t, f.auditor.calls, 1)
	assert.Error(t, f.auditor.calls[0].err)

	// A failed order does not use up the day.
	f.broker.orderErr = nil
	f.now = f.now.Add(5 * time.Minute)
	assert.Equal(t, DecisionBuy, onlyDecision(t, f.step(70000), "Samsung_1").Kind)
}

func TestLive_InsufficientRealFunds(t *testing.T) {
	book := testBook()
	book.DryRun = false
	f := newFixture(t, book)
	f.broker.deposit = 1000

	d := onlyDecision(t, f.step(70000), "Samsung_1")
	assert.Equal(t, DecisionFailed, d.Kind)
	assert.True(t, errors.Is(d.Err, apperrors.ErrInsufficientRealFunds))
	assert.Empty(t, f.broker.orders)
	assert.Empty(t, f.account("Samsung_1").History)
}

func TestLive_DepositLookupFailureProceeds(t *testing.T) {
	book := testBook()
	book.DryRun = false
	f := newFixture(t, book)
	f.broker.depositErr = errors.New("funds endpoint down")

	d := onlyDecision(t, f.step(70000), "Samsung_1")
	assert.Equal(t, DecisionBuy, d.Kind)
	assert.Len(t, f.broker.orders, 1)
}

func TestLive_MissingRealAccount(t *testing.T) {
	book := testBook()
	book.DryRun = false
	book.RealAccountID = ""
	f := newFixture(t, book)

	d := onlyDecision(t, f.step(70000), "Samsung_1")
	assert.Equal(t, DecisionFailed, d.Kind)
	assert.True(t, errors.Is(d.Err, apperrors.ErrConfigInvalid))
	assert.Empty(t, f.broker.orders)
}

func TestLive_SellSkipsDepositCheck(t *testing.T) {
	book := testBook()
	book.DryRun = false
	book.Strategies[0].Accounts[0].Params = models.Params{BuyQuantity: 1, PriceUpperLimit: 1000}
	f := newFixture(t, book)
	f.broker.deposit = 0

	_, err := f.account("Samsung_1").Buy(code, 10000, 2, ledger.WithTimestamp(f.now.AddDate(0, 0, -1)))
	require.NoError(t, err)

	ds := decisionsFor(f.step(11000), "Samsung_1")
	require.Len(t, ds, 2)
	assert.Equal(t, DecisionSell, ds[0].Kind)
	require.Len(t, f.broker.orders, 1)
	assert.Equal(t, models.SideSell, f.broker.orders[0].Side)
	assert.Equal(t, 2, f.broker.orders[0].Quantity)
}

func TestDryRunAndLiveMutateLedgerIdentically(t *testing.T) {
	prices := []float64{70000, 68000, 66000, 69500, 72000, 76000, 64000, 66000}

	run := func(dryRun bool) *fixture {
		book := testBook()
		book.DryRun = dryRun
		f := newFixture(t, book)
		for _, p := range prices {
			f.step(p)
			f.now = f.now.Add(9 * time.Hour)
		}
		return f
	}

	dry := run(true)
	live := run(false)

	assert.Empty(t, dry.broker.orders)
	assert.NotEmpty(t, live.broker.orders)

	for _, id := range dry.reg.IDs() {
		a, b := dry.account(id), live.account(id)
		assert.Equal(t, a.Balance, b.Balance, id)
		assert.Equal(t, a.Holdings, b.Holdings, id)
		require.Len(t, b.History, len(a.History), id)
		for i := range a.History {
			assert.Equal(t, a.History[i].Action, b.History[i].Action)
			assert.Equal(t, a.History[i].Quantity, b.History[i].Quantity)
			assert.Equal(t, a.History[i].Status, b.History[i].Status)
		}
	}
}

func TestUpdateConfig(t *testing.T) {
	f := newFixture(t, testBook())

	bad := testBook()
	bad.Strategies[0].Accounts[1].Role = models.RoleLeader
	err := f.exec.UpdateConfig(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConfigInvalid))
	assert.Equal(t, testBook(), f.exec.Book())

	next := testBook()
	next.Strategies[0].Accounts[0].Params.BuyQuantity = 2
	require.NoError(t, f.exec.UpdateConfig(next))

	d := onlyDecision(t, f.step(70000), "Samsung_1")
	require.Equal(t, DecisionBuy, d.Kind)
	assert.Equal(t, 2, d.Trade.Quantity)
}

func TestNewExecutor_RejectsInvalidBook(t *testing.T) {
	book := testBook()
	book.Strategies[0].Accounts = book.Strategies[0].Accounts[1:]

	_, err := NewExecutor(ledger.NewRegistry(), newFakeBroker(), book)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConfigInvalid))
}

func TestDefaultsApplyWhenParamsAreZero(t *testing.T) {
	book := testBook()
	for i := range book.Strategies[0].Accounts {
		book.Strategies[0].Accounts[i].Params.TargetProfit = 0
		book.Strategies[0].Accounts[i].Params.Dip = 0
	}
	p, err := resolvePlan(book.Strategies[0])
	require.NoError(t, err)

	assert.Equal(t, DefaultLeaderTargetProfit, p.leader.TargetProfit)
	require.Len(t, p.followers, 2)
	for _, fr := range p.followers {
		assert.Equal(t, DefaultFollowerDip, fr.Dip)
		assert.Equal(t, DefaultFollowerTargetProfit, fr.TargetProfit)
	}
}

func TestStochasticRound(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	assert.Equal(t, 0, stochasticRound(0, rng))
	assert.Equal(t, 0, stochasticRound(-3, rng))
	assert.Equal(t, 5, stochasticRound(5, rng))

	ups := 0
	for i := 0; i < 10000; i++ {
		switch stochasticRound(2.25, rng) {
		case 2:
		case 3:
			ups++
		default:
			t.Fatal("rounded outside floor/ceil")
		}
	}
	assert.InDelta(t, 2500, ups, 300)
}

func TestDecisionString(t *testing.T) {
	batch := 2
	d := Decision{AccountID: "Samsung_3", Kind: DecisionBuy, Quantity: 4, Price: 68600, BatchRef: &batch, Reason: "dip"}
	assert.Equal(t, "Samsung_3 BUY x4 @ 68600.00 batch=2: dip", d.String())
}
