package cli

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"split-trader/internal/config"
	"split-trader/internal/ledger"
	"split-trader/internal/logging"
	"split-trader/internal/models"
	"split-trader/internal/notify"
	"split-trader/internal/strategy"
	"split-trader/internal/trading"
	"split-trader/pkg/utils"
)

// addTradingCommands adds the trading loop, bootstrap and session commands.
func addTradingCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newInitCmd(app))
	rootCmd.AddCommand(newSessionCmd(app))
	rootCmd.AddCommand(newTradeCmd(app))
}

func newRunCmd(app *App) *cobra.Command {
	var (
		once        bool
		ignoreHours bool
		yes         bool
		prices      map[string]string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the trading loop",
		Long: `Start the trading loop.

Every check interval the leader and follower rules of each strategy are
evaluated against the current price, every account is snapshotted and the
state is saved. Edits to strategies.json are picked up between ticks.

With dry_run disabled in live mode, orders go to the real account and
the command asks you to type START first.`,
		Example: `  split-trader run
  split-trader run --once
  split-trader run --ignore-market-hours --price KRX:005930=70000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := app.Config
			source := config.NewStrategySource(cfg.Trading.StrategiesFile)
			book, err := source.Load()
			if err != nil {
				output.Error("Failed to load strategies: %v", err)
				return err
			}

			if cfg.IsLiveMode() && !book.DryRun && !yes {
				output.Warning("LIVE MODE: orders will be placed on real account %s", book.RealAccountID)
				if app.prompt(output, "Type START to continue: ") != "start" {
					output.Info("Cancelled")
					return nil
				}
			}

			if app.Paper != nil {
				app.Paper.Reset(book.TotalCapital)
				for key, raw := range prices {
					p, err := strconv.ParseFloat(raw, 64)
					if err != nil || p <= 0 {
						return fmt.Errorf("invalid --price %s=%s", key, raw)
					}
					app.Paper.SetPrice(key, p)
				}
			}

			reg, created, err := ledger.Bootstrap(ctx, app.Store, book)
			if err != nil {
				output.Error("Failed to load state: %v", err)
				return err
			}
			if created > 0 {
				app.Logger.Info().Int("created", created).Msg("Accounts created from strategy configuration")
			}

			exchange := models.Exchange(cfg.Trading.Exchange)
			opts := []strategy.Option{
				strategy.WithLogger(app.Logger),
				strategy.WithLocation(app.Session.Location()),
				strategy.WithClock(app.Now),
				strategy.WithStrategyDelay(cfg.Schedule.StrategyDelay),
				strategy.WithExchange(exchange),
				strategy.WithNotifier(app.Notifier),
				strategy.OnTrade(func(ev notify.TradeEvent) {
					// every ledger change is saved before the next one
					if err := ledger.Persist(ctx, app.Store, reg); err != nil {
						accLogger := logging.WithAccount(app.Logger, ev.AccountID)
						accLogger.Error().Err(err).Msg("Failed to save state after trade")
					}
				}),
			}
			if app.Audit != nil {
				opts = append(opts, strategy.WithAuditor(app.Audit))
			}
			exec, err := strategy.NewExecutor(reg, app.Broker, book, opts...)
			if err != nil {
				output.Error("Invalid strategy configuration: %v", err)
				return err
			}

			runnerOpts := []trading.RunnerOption{
				trading.WithRunnerLogger(app.Logger),
				trading.WithRunnerClock(app.Now),
				trading.OnTick(func(res trading.TickResult) {
					printTick(output, res, app.Session.Location())
				}),
			}
			if app.Audit != nil {
				runnerOpts = append(runnerOpts, trading.WithReloadAuditor(app.Audit))
			}
			runner := trading.NewRunner(exec, reg, app.Store, app.Broker, app.Session, trading.RunnerConfig{
				CheckInterval:     cfg.Schedule.CheckInterval,
				MaxSnapshots:      cfg.State.MaxSnapshots,
				IgnoreMarketHours: ignoreHours || cfg.Market.IgnoreMarketHours,
				ExitAfterClose:    cfg.Schedule.ExitAfterClose,
				Exchange:          exchange,
				StrategiesPath:    source.Path(),
			}, runnerOpts...)

			if once {
				_, err := runner.Tick(ctx)
				return err
			}

			source.Watch(func(next models.StrategyBook, err error) {
				if err != nil {
					app.Logger.Error().Err(err).Msg("Strategy file change rejected, keeping the current configuration")
					if app.Audit != nil {
						app.Audit.LogConfigReloaded(ctx, source.Path(), 0, err)
					}
					return
				}
				runner.QueueReload(next)
			})

			if !output.IsJSON() {
				mode := "DRY RUN"
				if !book.DryRun {
					mode = strings.ToUpper(cfg.Trading.Mode)
				}
				output.Bold("split-trader %s", mode)
				output.Printf("  Accounts:  %d across %d strategies\n", reg.Len(), len(book.Strategies))
				output.Printf("  Interval:  %s\n", cfg.Schedule.CheckInterval)
				output.Printf("  Market:    %s\n", app.Session.Hours())
				output.Dim("Press Ctrl+C to stop")
			}
			return runner.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single tick and exit")
	cmd.Flags().BoolVar(&ignoreHours, "ignore-market-hours", false, "tick even while the market is closed")
	cmd.Flags().BoolVar(&yes, "yes", false, "skip the live-mode confirmation")
	cmd.Flags().StringToStringVar(&prices, "price", nil, "paper price for an instrument key (repeatable), e.g. KRX:005930=70000")
	return cmd
}

type decisionView struct {
	Strategy string  `json:"strategy"`
	Account  string  `json:"account"`
	Kind     string  `json:"kind"`
	Price    float64 `json:"price,omitempty"`
	Quantity int     `json:"quantity,omitempty"`
	BatchRef *int    `json:"batch_ref,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Error    string  `json:"error,omitempty"`
	OrderID  string  `json:"order_id,omitempty"`
}

type tickView struct {
	Seq       int                `json:"seq"`
	At        time.Time          `json:"at"`
	Prices    map[string]float64 `json:"prices"`
	Decisions []decisionView     `json:"decisions"`
	Snapshots int                `json:"snapshots"`
	Pruned    int                `json:"pruned"`
}

func newTickView(res trading.TickResult) tickView {
	view := tickView{
		Seq:       res.Seq,
		At:        res.At,
		Prices:    res.Prices,
		Decisions: make([]decisionView, 0, len(res.Report.Decisions)),
		Snapshots: res.Snapshots,
		Pruned:    res.Pruned,
	}
	for _, d := range res.Report.Decisions {
		dv := decisionView{
			Strategy: d.StrategyID,
			Account:  d.AccountID,
			Kind:     string(d.Kind),
			Price:    d.Price,
			Quantity: d.Quantity,
			BatchRef: d.BatchRef,
			Reason:   d.Reason,
			OrderID:  d.OrderID,
		}
		if d.Err != nil {
			dv.Error = d.Err.Error()
		}
		view.Decisions = append(view.Decisions, dv)
	}
	return view
}

func printTick(output *Output, res trading.TickResult, loc *time.Location) {
	if output.IsJSON() {
		output.JSON(newTickView(res))
		return
	}

	output.Bold("Tick #%d  %s", res.Seq, FormatDateTime(res.At, loc))

	codes := make([]string, 0, len(res.Report.Prices))
	for code := range res.Report.Prices {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		output.Printf("  %-10s %s\n", code, utils.FormatPrice(res.Report.Prices[code]))
	}

	for _, d := range res.Report.Decisions {
		switch {
		case d.Kind.Executed():
			output.Success("  %s", d)
		case d.Kind == strategy.DecisionFailed || d.Kind == strategy.DecisionPriceUnavailable:
			output.Error("  %s", d)
		default:
			output.Dim("  %s", d)
		}
	}
	output.Dim("  %d accounts snapshotted", res.Snapshots)
}

func newInitCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the virtual accounts from strategies.json",
		Long: `Create the virtual accounts described by strategies.json.

Accounts that already exist keep their balance, holdings and history; only
new accounts are created with their share of the capital.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := commandContext(cmd)

			book, err := app.LoadBook()
			if err != nil {
				output.Error("Failed to load strategies: %v", err)
				return err
			}

			before := map[string]bool{}
			if existing, ok, err := ledger.Restore(ctx, app.Store); err != nil {
				output.Error("Failed to load state: %v", err)
				return err
			} else if ok {
				for _, id := range existing.IDs() {
					before[id] = true
				}
			}

			reg, created, err := ledger.Bootstrap(ctx, app.Store, book)
			if err != nil {
				output.Error("Failed to initialize accounts: %v", err)
				return err
			}

			var newIDs []string
			for _, id := range reg.IDs() {
				if !before[id] {
					newIDs = append(newIDs, id)
				}
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"created":  created,
					"accounts": reg.Len(),
					"new":      newIDs,
				})
			}

			if created == 0 {
				output.Info("All %d accounts already exist", reg.Len())
				return nil
			}
			output.Success("✓ Created %d accounts (%d total)", created, reg.Len())
			table := NewTable(output, "Account", "Role", "Principal")
			for _, id := range newIDs {
				acc, _ := reg.Get(id)
				table.AddRow(id, string(acc.Role()), utils.FormatAmount(acc.Principal))
			}
			table.Render()
			return nil
		},
	}
}

func newSessionCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Show the market session",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			now := app.Now()
			info := app.Session.GetSessionAt(now)
			next := app.Session.NextOpen(now)

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"session":     info.Session,
					"description": info.Description,
					"can_trade":   info.CanTrade,
					"hours":       app.Session.Hours(),
					"next_open":   next,
				})
			}

			status := output.Red("● " + info.Session.String())
			if info.CanTrade {
				status = output.Green("● " + info.Session.String())
			} else if info.Session == trading.SessionPreOpen {
				status = output.Yellow("● " + info.Session.String())
			}
			output.Printf("Market:  %s\n", status)
			output.Printf("Hours:   %s\n", app.Session.Hours())
			output.Dim("%s", info.Description)
			if !info.CanTrade {
				output.Printf("Opens:   %s (in %s)\n",
					FormatDateTime(next, app.Session.Location()),
					FormatDuration(app.Session.TimeToOpen(now)))
			}
			return nil
		},
	}
}
