package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"split-trader/internal/models"
)

const configTemplate = `# Split Trader Configuration

[trading]
# Trading mode: "live" sends orders to Kite, "paper" fills them locally
mode = "paper"
# Strategy book, relative to this directory
strategies_file = "strategies.json"
# Default exchange for quotes and orders: NSE, BSE, KRX
exchange = "NSE"

[state]
# Where the virtual accounts live: "json" or "sqlite"
backend = "json"
path = "accounts.json"
db_path = "split-trader.db"
# Valuation snapshots kept per account (60 days of 5-minute ticks)
max_snapshots = 17280

[schedule]
check_interval = "5m"
# Pause between strategies within one tick
strategy_delay = "500ms"
# Stop the runner once the market closes for the day
exit_after_close = true

[market]
timezone = "Asia/Seoul"
open = "09:00"
close = "15:30"
ignore_market_hours = false
# Full-day closures, YYYY-MM-DD
holidays = []

[logging]
level = "info"
file = true
file_path = "logs/split-trader.log"
max_size = 100
max_backups = 7
max_age = 30

[security]
# Append every order and manual trade to the audit log
audit_enabled = true
audit_dir = "audit"

[retry]
max_attempts = 3
initial_delay = "200ms"
max_delay = "5s"
# Consecutive broker failures before the circuit opens
breaker_threshold = 5
breaker_timeout = "30s"

[notifications]
enabled = false
# Notification level: all, trades_only, errors_only
level = "trades_only"

[notifications.webhook]
enabled = false
url = ""

[notifications.redis]
enabled = false
addr = "localhost:6379"
password = ""
db = 0
channel = "split-trader:trades"
list_key = "split-trader:trade-log"
`

const credentialsTemplate = `# Split Trader Credentials
# WARNING: Keep this file secure! Do not commit to version control.

[kite]
api_key = ""
api_secret = ""
user_id = ""
`

var templateInstruments = []struct {
	code string
	name string
}{
	{"005930", "Samsung"},
	{"032640", "LGUplus"},
	{"259960", "Krafton"},
	{"030200", "KT"},
	{"015760", "KEPCO"},
	{"000660", "SKHynix"},
	{"086280", "HyundaiGlovis"},
	{"064350", "HyundaiRotem"},
	{"071050", "KoreaInv"},
	{"251270", "Netmarble"},
}

// DefaultStrategyBook returns the starter book written by init: ten
// instruments at 10% each, one leader and four followers with widening dips.
func DefaultStrategyBook() models.StrategyBook {
	book := models.StrategyBook{
		TotalCapital: 100_000_000,
		DryRun:       true,
	}
	for _, inst := range templateInstruments {
		s := models.Strategy{
			ID:                     inst.name,
			InstrumentCode:         inst.code,
			InstrumentName:         inst.name,
			Exchange:               models.KRX,
			TotalAllocationPercent: 0.1,
			Accounts: []models.AccountSpec{
				{Suffix: "1", Ratio: 0.40, Role: models.RoleLeader, Params: models.Params{TargetProfit: 0.10}},
			},
		}
		for i, dip := range []float64{0.01, 0.02, 0.03, 0.04} {
			s.Accounts = append(s.Accounts, models.AccountSpec{
				Suffix: fmt.Sprintf("%d", i+2),
				Ratio:  0.15,
				Role:   models.RoleFollower,
				Params: models.Params{Dip: dip, TargetProfit: 0.03},
			})
		}
		book.Strategies = append(book.Strategies, s)
	}
	return book
}

// EnsureTemplates writes any missing config, credentials and strategy files
// into configDir and returns the paths it created.
func EnsureTemplates(configDir string) ([]string, error) {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	strategies, err := json.MarshalIndent(DefaultStrategyBook(), "", "    ")
	if err != nil {
		return nil, fmt.Errorf("encoding strategy template: %w", err)
	}

	files := []struct {
		name string
		data []byte
		perm os.FileMode
	}{
		{"config.toml", []byte(configTemplate), 0644},
		{"credentials.toml", []byte(credentialsTemplate), 0600},
		{"strategies.json", strategies, 0644},
	}

	var created []string
	for _, f := range files {
		path := filepath.Join(configDir, f.name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, f.data, f.perm); err != nil {
			return created, fmt.Errorf("writing %s: %w", f.name, err)
		}
		created = append(created, path)
	}
	return created, nil
}

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return fmt.Errorf("config file not found, created template at %s", path)
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return fmt.Errorf("credentials file not found, created template at %s", path)
}
