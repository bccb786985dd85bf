// Package cli provides the command-line interface for the split trader.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"split-trader/internal/broker"
	"split-trader/internal/config"
	"split-trader/internal/ledger"
	"split-trader/internal/logging"
	"split-trader/internal/models"
	"split-trader/internal/notify"
	"split-trader/internal/resilience"
	"split-trader/internal/security"
	"split-trader/internal/store"
	"split-trader/internal/trading"
	"split-trader/pkg/utils"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2024-05-02"
)

// App holds the application dependencies.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Broker   broker.Broker
	Paper    *broker.PaperBroker  // set in paper mode
	Auth     broker.Authenticator // nil without Kite credentials
	Store    ledger.Store
	Notifier notify.Notifier
	Audit    *security.AuditLogger // nil when auditing is off
	Session  *trading.SessionManager

	// In feeds confirmation prompts.
	In  io.Reader
	Now func() time.Time

	reader *bufio.Reader
}

// Setup wires the broker, state store, notifier and audit trail described
// by cfg.
func (a *App) Setup(cfg *config.Config, logger zerolog.Logger) error {
	a.Config = cfg
	a.Logger = logger
	if a.In == nil {
		a.In = os.Stdin
	}
	if a.Now == nil {
		a.Now = time.Now
	}
	session, err := trading.NewSessionManager(cfg.Market)
	if err != nil {
		return err
	}
	a.Session = session

	var kite *broker.ZerodhaBroker
	if cfg.Credentials.Kite.APIKey != "" {
		kite = broker.NewZerodhaBroker(broker.ZerodhaConfig{
			APIKey:    cfg.Credentials.Kite.APIKey,
			APISecret: cfg.Credentials.Kite.APISecret,
			UserID:    cfg.Credentials.Kite.UserID,
			TokenPath: filepath.Join(cfg.Dir, "session.json"),
			Logger:    logger,
		})
		a.Auth = kite
		logger.Debug().Bool("authenticated", kite.IsAuthenticated()).Msg("Kite broker initialized")
	}

	var inner broker.Broker
	if cfg.IsLiveMode() {
		if kite == nil {
			return fmt.Errorf("live mode needs Kite credentials")
		}
		inner = kite
	} else {
		paperCfg := broker.PaperBrokerConfig{}
		if kite != nil && kite.IsAuthenticated() {
			paperCfg.DataBroker = kite
		}
		a.Paper = broker.NewPaperBroker(paperCfg)
		inner = a.Paper
	}

	cbCfg := resilience.DefaultCircuitBreakerConfig()
	if cfg.Retry.BreakerThreshold > 0 {
		cbCfg.FailureThreshold = cfg.Retry.BreakerThreshold
	}
	if cfg.Retry.BreakerTimeout > 0 {
		cbCfg.Timeout = cfg.Retry.BreakerTimeout
	}
	retryCfg := utils.DefaultRetryConfig()
	if cfg.Retry.MaxAttempts > 0 {
		retryCfg.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialDelay > 0 {
		retryCfg.InitialDelay = cfg.Retry.InitialDelay
	}
	if cfg.Retry.MaxDelay > 0 {
		retryCfg.MaxDelay = cfg.Retry.MaxDelay
	}
	a.Broker = broker.NewGuardedBroker(inner, cbCfg, retryCfg, logger)

	switch cfg.State.Backend {
	case "sqlite":
		sqlStore, err := store.NewSQLiteStore(cfg.State.DBPath)
		if err != nil {
			return fmt.Errorf("opening state database: %w", err)
		}
		a.Store = sqlStore
		logger.Debug().Str("path", cfg.State.DBPath).Msg("SQLite state store initialized")
	default:
		a.Store = ledger.NewFileStore(cfg.State.Path)
	}

	a.Notifier = newNotifier(cfg, logger)

	if cfg.Security.AuditEnabled {
		auditCfg := security.DefaultAuditConfig()
		auditCfg.LogDir = cfg.Security.AuditDir
		audit, err := security.NewAuditLogger(auditCfg)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to open audit log, auditing disabled")
		} else {
			audit.SetUserID(cfg.Credentials.Kite.UserID)
			a.Audit = audit
		}
	}

	return nil
}

func newNotifier(cfg *config.Config, logger zerolog.Logger) notify.Notifier {
	if !cfg.Notifications.Enabled {
		return notify.NewNoOpNotifier()
	}
	mn := notify.NewMultiNotifier(cfg.Notifications)
	mn.AddChannel(notify.NewTerminalNotifier(os.Stderr, false))
	if cfg.Notifications.Redis.Enabled {
		rdb := notify.NewRedisClient(cfg.Notifications.Redis)
		mn.AddChannel(notify.NewRedisNotifier(rdb, cfg.Notifications.Redis))
		logger.Debug().Str("addr", cfg.Notifications.Redis.Addr).Msg("Redis trade channel enabled")
	}
	return mn
}

// Close releases the state store and the audit log.
func (a *App) Close() error {
	var firstErr error
	if a.Store == nil {
		return nil
	}
	if c, ok := a.Store.(io.Closer); ok {
		firstErr = c.Close()
	}
	if a.Audit != nil {
		if err := a.Audit.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LoadBook reads the strategy book from the configured strategies file.
func (a *App) LoadBook() (models.StrategyBook, error) {
	return config.LoadStrategyBook(a.Config.Trading.StrategiesFile)
}

// confirm asks a yes/no question on the app's input.
func (a *App) confirm(output *Output, question string) bool {
	return a.prompt(output, question+" (y/N): ") == "y"
}

func (a *App) prompt(output *Output, text string) string {
	output.Printf("%s", text)
	if a.reader == nil {
		a.reader = bufio.NewReader(a.In)
	}
	answer, _ := a.reader.ReadString('\n')
	return strings.ToLower(strings.TrimSpace(answer))
}

// NewRootCmd creates the root command for the CLI. An app without a config
// is set up from --config before any command runs.
func NewRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "split-trader",
		Short: "Split-account trader: one real account, many virtual ledgers",
		Long: `split-trader divides one brokerage account into virtual sub-accounts and
runs a leader/follower strategy on each instrument.

The leader buys once a day inside its price band and sells its whole
position at the target profit. Followers buy dips below each leader batch
and sell every lot at its own target.

Use 'split-trader init' to create the accounts from strategies.json, then
'split-trader run' to start the trading loop.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if app.Config != nil {
				if debug {
					app.Logger = app.Logger.Level(zerolog.DebugLevel)
				}
				return nil
			}

			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			created, err := config.EnsureTemplates(dir)
			if err != nil {
				return err
			}
			for _, path := range created {
				fmt.Fprintf(cmd.ErrOrStderr(), "Created template %s\n", path)
			}

			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			if debug {
				cfg.Logging.Level = "debug"
			}
			return app.Setup(cfg, NewLogger(cfg, cmd.ErrOrStderr()))
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/split-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	addTradingCommands(rootCmd, app)
	addAccountCommands(rootCmd, app)
	addAuthCommands(rootCmd, app)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("split-trader v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the application and strategy configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			masked := maskedConfig(app.Config)
			if output.IsJSON() {
				return output.JSON(masked)
			}
			showConfig(output, masked)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": app.Config.Dir})
			} else {
				output.Println(app.Config.Dir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate config.toml and strategies.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			book, err := app.LoadBook()
			if err != nil {
				output.Error("Strategy file validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"valid":      true,
					"strategies": len(book.Strategies),
				})
			}
			output.Success("✓ Configuration is valid (%d strategies)", len(book.Strategies))
			return nil
		},
	})

	return cmd
}

func maskedConfig(cfg *config.Config) config.Config {
	masked := *cfg
	masked.Credentials.Kite.APIKey = security.MaskCredential(cfg.Credentials.Kite.APIKey)
	masked.Credentials.Kite.APISecret = security.MaskCredential(cfg.Credentials.Kite.APISecret)
	masked.Notifications.Redis.Password = security.MaskCredential(cfg.Notifications.Redis.Password)
	masked.Notifications.Webhook.URL = security.MaskSensitive(cfg.Notifications.Webhook.URL)
	return masked
}

func showConfig(output *Output, cfg config.Config) {
	output.Bold("Trading")
	output.Printf("  Mode:             %s\n", cfg.Trading.Mode)
	output.Printf("  Strategies:       %s\n", cfg.Trading.StrategiesFile)
	output.Printf("  Exchange:         %s\n", cfg.Trading.Exchange)
	output.Println()

	output.Bold("State")
	output.Printf("  Backend:          %s\n", cfg.State.Backend)
	if cfg.State.Backend == "sqlite" {
		output.Printf("  Database:         %s\n", cfg.State.DBPath)
	} else {
		output.Printf("  File:             %s\n", cfg.State.Path)
	}
	output.Printf("  Max snapshots:    %d\n", cfg.State.MaxSnapshots)
	output.Println()

	output.Bold("Schedule")
	output.Printf("  Check interval:   %s\n", cfg.Schedule.CheckInterval)
	output.Printf("  Strategy delay:   %s\n", cfg.Schedule.StrategyDelay)
	output.Printf("  Exit after close: %v\n", cfg.Schedule.ExitAfterClose)
	output.Printf("  Market hours:     %s-%s %s\n", cfg.Market.Open, cfg.Market.Close, cfg.Market.Timezone)
	output.Printf("  Ignore hours:     %v\n", cfg.Market.IgnoreMarketHours)
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:          %v\n", cfg.Notifications.Enabled)
	output.Printf("  Level:            %s\n", cfg.Notifications.Level)
	output.Printf("  Webhook:          %v\n", cfg.Notifications.Webhook.Enabled)
	output.Printf("  Redis:            %v\n", cfg.Notifications.Redis.Enabled)
	output.Println()

	output.Bold("Credentials")
	output.Printf("  Kite API key:     %s\n", cfg.Credentials.Kite.APIKey)
	output.Printf("  Kite user:        %s\n", cfg.Credentials.Kite.UserID)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// NewLogger builds the application logger from the logging config.
func NewLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logCfg := logging.DefaultLogConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Out = out
	logCfg.File = cfg.Logging.File
	if cfg.Logging.FilePath != "" {
		logCfg.FilePath = cfg.Logging.FilePath
	}
	if cfg.Logging.MaxSize > 0 {
		logCfg.MaxSize = cfg.Logging.MaxSize
	}
	if cfg.Logging.MaxBackups > 0 {
		logCfg.MaxBackups = cfg.Logging.MaxBackups
	}
	if cfg.Logging.MaxAge > 0 {
		logCfg.MaxAge = cfg.Logging.MaxAge
	}
	return logging.NewLoggerWithConfig(logCfg)
}
