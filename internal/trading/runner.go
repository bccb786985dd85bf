package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"split-trader/internal/broker"
	"split-trader/internal/ledger"
	"split-trader/internal/models"
	"split-trader/internal/strategy"
)

// ReloadAuditor records strategy book reloads. *security.AuditLogger
// implements it.
type ReloadAuditor interface {
	LogConfigReloaded(ctx context.Context, path string, created int, reloadErr error) error
}

// RunnerConfig holds the schedule of the tick loop.
type RunnerConfig struct {
	CheckInterval     time.Duration
	MaxSnapshots      int
	IgnoreMarketHours bool
	ExitAfterClose    bool
	Exchange          models.Exchange
	StrategiesPath    string // reported in reload audit events
}

// TickResult summarises one tick.
type TickResult struct {
	Seq       int
	At        time.Time
	Report    strategy.StepReport
	Prices    map[string]float64
	Snapshots int
	Pruned    int
}

// Runner owns the registry for the lifetime of a run: it calls the executor
// on every tick, snapshots every account, persists the registry and applies
// strategy book reloads between ticks.
type Runner struct {
	exec     *strategy.Executor
	registry *ledger.Registry
	store    ledger.Store
	broker   broker.Broker
	session  *SessionManager
	cfg      RunnerConfig

	logger  zerolog.Logger
	auditor ReloadAuditor
	now     func() time.Time
	onTick  func(TickResult)

	ticks int

	reloadMu sync.Mutex
	pending  *models.StrategyBook
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger zerolog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithRunnerClock sets the time source for session checks and snapshots.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithReloadAuditor sets the audit trail for reloads.
func WithReloadAuditor(a ReloadAuditor) RunnerOption {
	return func(r *Runner) { r.auditor = a }
}

// OnTick registers a hook called after every completed tick.
func OnTick(fn func(TickResult)) RunnerOption {
	return func(r *Runner) { r.onTick = fn }
}

// NewRunner creates a runner.
func NewRunner(exec *strategy.Executor, reg *ledger.Registry, store ledger.Store, b broker.Broker, session *SessionManager, cfg RunnerConfig, opts ...RunnerOption) *Runner {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	r := &Runner{
		exec:     exec,
		registry: reg,
		store:    store,
		broker:   b,
		session:  session,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// QueueReload schedules a new strategy book to be applied before the next
// tick. Only the most recent queued book is applied.
func (r *Runner) QueueReload(book models.StrategyBook) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()
	r.pending = &book
}

// ApplyPendingReload applies a queued strategy book: the executor switches
// to it, accounts it introduces are created and the registry is saved.
// It reports whether a book was applied.
func (r *Runner) ApplyPendingReload(ctx context.Context) (bool, error) {
	r.reloadMu.Lock()
	pending := r.pending
	r.pending = nil
	r.reloadMu.Unlock()

	if pending == nil {
		return false, nil
	}

	if err := r.exec.UpdateConfig(*pending); err != nil {
		r.logger.Error().Err(err).Msg("Rejected strategy configuration, keeping the current one")
		r.audit(ctx, 0, err)
		return false, err
	}

	created := r.registry.Merge(*pending)
	if err := ledger.Persist(ctx, r.store, r.registry); err != nil {
		r.logger.Error().Err(err).Msg("Failed to save state after reload")
		r.audit(ctx, created, err)
		return true, fmt.Errorf("saving state after reload: %w", err)
	}

	r.logger.Info().Int("accounts_created", created).Int("accounts", r.registry.Len()).Msg("Strategy configuration reloaded")
	r.audit(ctx, created, nil)
	return true, nil
}

func (r *Runner) audit(ctx context.Context, created int, err error) {
	if r.auditor == nil {
		return
	}
	if aerr := r.auditor.LogConfigReloaded(ctx, r.cfg.StrategiesPath, created, err); aerr != nil {
		r.logger.Warn().Err(aerr).Msg("Failed to write audit event")
	}
}

// Tick runs one pass of the strategy engine, snapshots every account,
// prunes old snapshots and saves the registry.
func (r *Runner) Tick(ctx context.Context) (TickResult, error) {
	r.ticks++
	res := TickResult{Seq: r.ticks, At: r.now()}

	r.logger.Info().Int("tick", res.Seq).Msg("Tick started")

	res.Report = r.exec.ExecuteStep(ctx)
	res.Prices = r.snapshotPrices(ctx, res.Report.Prices)

	for _, acc := range r.registry.All() {
		acc.Snapshot(res.Prices, res.At)
		res.Snapshots++
		res.Pruned += acc.PruneSnapshots(r.cfg.MaxSnapshots)
	}

	if err := ledger.Persist(ctx, r.store, r.registry); err != nil {
		r.logger.Error().Err(err).Msg("Failed to save state")
		return res, fmt.Errorf("saving state: %w", err)
	}

	r.logger.Info().
		Int("tick", res.Seq).
		Int("buys", res.Report.Count(strategy.DecisionBuy)).
		Int("sells", res.Report.Count(strategy.DecisionSell)).
		Int("failed", res.Report.Count(strategy.DecisionFailed)+res.Report.Count(strategy.DecisionPriceUnavailable)).
		Msg("Tick completed")

	if r.onTick != nil {
		r.onTick(res)
	}
	return res, nil
}

// snapshotPrices extends the step's prices with every other held code. A
// code whose price cannot be fetched is left out and valued at its average
// price.
func (r *Runner) snapshotPrices(ctx context.Context, stepPrices map[string]float64) map[string]float64 {
	prices := make(map[string]float64, len(stepPrices))
	for code, p := range stepPrices {
		prices[code] = p
	}
	for _, code := range r.registry.HeldCodes() {
		if _, ok := prices[code]; ok {
			continue
		}
		p, err := broker.FetchPrice(ctx, r.broker, r.cfg.Exchange, code)
		if err != nil {
			r.logger.Debug().Err(err).Str("code", code).Msg("Snapshot price unavailable, using average price")
			continue
		}
		prices[code] = p
	}
	return prices
}

// Run ticks every CheckInterval until ctx is cancelled or, with
// ExitAfterClose, the market has closed for the day. Ticks are skipped while
// the market is closed unless IgnoreMarketHours is set. The registry is
// saved once more before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()
	defer r.finalSave()

	r.logger.Info().
		Dur("interval", r.cfg.CheckInterval).
		Str("hours", r.session.Hours()).
		Bool("ignore_market_hours", r.cfg.IgnoreMarketHours).
		Msg("Trading loop started")

	for {
		if _, err := r.ApplyPendingReload(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Strategy reload failed")
		}

		now := r.now()
		switch {
		case r.cfg.IgnoreMarketHours || r.session.IsOpen(now):
			if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("Tick failed")
			}
		case r.cfg.ExitAfterClose && r.session.ClosedForDay(now):
			r.logger.Info().Msg("Market closed for the day, stopping")
			return nil
		default:
			r.logger.Debug().Dur("opens_in", r.session.TimeToOpen(now)).Msg("Market closed, waiting")
		}

		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Trading loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runner) finalSave() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ledger.Persist(ctx, r.store, r.registry); err != nil {
		r.logger.Error().Err(err).Msg("Final save failed")
		return
	}
	r.logger.Info().Int("accounts", r.registry.Len()).Msg("State saved")
}

// Ticks returns the number of ticks run so far.
func (r *Runner) Ticks() int {
	return r.ticks
}
