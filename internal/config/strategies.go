package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	apperrors "split-trader/internal/errors"
	"split-trader/internal/models"
)

// StrategySource reads the strategy book from its JSON file and can watch it
// for edits.
type StrategySource struct {
	mu   sync.Mutex
	v    *viper.Viper
	path string
}

// NewStrategySource creates a source for the strategy file at path.
func NewStrategySource(path string) *StrategySource {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	return &StrategySource{v: v, path: path}
}

// Path returns the strategy file path.
func (s *StrategySource) Path() string {
	return s.path
}

// Load reads and validates the strategy book.
func (s *StrategySource) Load() (models.StrategyBook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.v.ReadInConfig(); err != nil {
		return models.StrategyBook{}, apperrors.Wrapf(apperrors.ErrConfigInvalid, "reading %s: %v", s.path, err)
	}
	return s.decode()
}

func (s *StrategySource) decode() (models.StrategyBook, error) {
	var book models.StrategyBook
	if err := s.v.Unmarshal(&book); err != nil {
		return models.StrategyBook{}, apperrors.Wrapf(apperrors.ErrConfigInvalid, "decoding %s: %v", s.path, err)
	}
	if err := ValidateStrategyBook(&book); err != nil {
		return models.StrategyBook{}, err
	}
	return book, nil
}

// Watch calls onChange with the re-validated book every time the file is
// written. A book that fails validation is delivered as an error so the
// caller can keep its current configuration.
func (s *StrategySource) Watch(onChange func(models.StrategyBook, error)) {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		// the file may be caught mid-write; read it again ourselves so a
		// partial document surfaces as an error instead of the old book
		s.mu.Lock()
		var book models.StrategyBook
		err := s.v.ReadInConfig()
		if err == nil {
			book, err = s.decode()
		} else {
			err = apperrors.Wrapf(apperrors.ErrConfigInvalid, "reading %s: %v", s.path, err)
		}
		s.mu.Unlock()
		onChange(book, err)
	})
	s.v.WatchConfig()
}

// LoadStrategyBook is a convenience wrapper for a one-off read.
func LoadStrategyBook(path string) (models.StrategyBook, error) {
	return NewStrategySource(path).Load()
}

// ValidateStrategyBook checks the book's structure and fills in the
// StrategyID of every account spec.
func ValidateStrategyBook(book *models.StrategyBook) error {
	invalid := func(format string, args ...interface{}) error {
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, format, args...)
	}

	if book.TotalCapital <= 0 {
		return invalid("total_capital must be positive, got %v", book.TotalCapital)
	}

	seen := make(map[string]bool, len(book.Strategies))
	for i := range book.Strategies {
		s := &book.Strategies[i]
		where := fmt.Sprintf("strategies[%d]", i)

		if s.ID == "" {
			return invalid("%s: id is required", where)
		}
		if seen[s.ID] {
			return invalid("%s: duplicate id %q", where, s.ID)
		}
		seen[s.ID] = true
		where = fmt.Sprintf("strategy %q", s.ID)

		if s.InstrumentCode == "" {
			return invalid("%s: instrument_code is required", where)
		}
		if s.TotalAllocationPercent < 0 || s.TotalAllocationPercent > 1 {
			return invalid("%s: total_allocation_percent %v outside [0, 1]", where, s.TotalAllocationPercent)
		}

		leaders := 0
		suffixes := make(map[string]bool, len(s.Accounts))
		for j := range s.Accounts {
			spec := &s.Accounts[j]
			spec.StrategyID = s.ID

			if spec.Suffix == "" {
				return invalid("%s: accounts[%d] suffix is required", where, j)
			}
			if suffixes[spec.Suffix] {
				return invalid("%s: duplicate suffix %q", where, spec.Suffix)
			}
			suffixes[spec.Suffix] = true

			if !spec.Role.Valid() {
				return invalid("%s: account %q has unknown role %q", where, spec.Suffix, spec.Role)
			}
			if spec.Role == models.RoleLeader {
				leaders++
			}
			if spec.Ratio <= 0 {
				return invalid("%s: account %q ratio must be positive", where, spec.Suffix)
			}
			if err := validateParams(spec.Params); err != nil {
				return invalid("%s: account %q: %v", where, spec.Suffix, err)
			}
		}
		if leaders != 1 {
			return invalid("%s: needs exactly one leader, found %d", where, leaders)
		}
	}
	return nil
}

func validateParams(p models.Params) error {
	switch {
	case p.Dip < 0 || p.Dip >= 1:
		return fmt.Errorf("dip %v outside [0, 1)", p.Dip)
	case p.TargetProfit < 0:
		return fmt.Errorf("target_profit must be non-negative")
	case p.BuyAmount < 0:
		return fmt.Errorf("buy_amount must be non-negative")
	case p.BuyQuantity < 0:
		return fmt.Errorf("buy_quantity must be non-negative")
	case p.PriceLowerLimit < 0 || p.PriceUpperLimit < 0:
		return fmt.Errorf("price limits must be non-negative")
	case p.PriceLowerLimit > 0 && p.PriceUpperLimit > 0 && p.PriceLowerLimit > p.PriceUpperLimit:
		return fmt.Errorf("price_lower_limit %v above price_upper_limit %v", p.PriceLowerLimit, p.PriceUpperLimit)
	}
	return nil
}
