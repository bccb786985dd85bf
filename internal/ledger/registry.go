package ledger

import (
	"fmt"
	"math"
	"sort"

	apperrors "split-trader/internal/errors"
	"split-trader/internal/models"
)

// Registry owns every virtual account, keyed by account id. The tick driver
// owns the registry's lifetime and is the only writer.
type Registry struct {
	accounts map[string]*Account
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{accounts: make(map[string]*Account)}
}

// Add registers an account. Ids are unique.
func (r *Registry) Add(acc *Account) error {
	if _, exists := r.accounts[acc.ID]; exists {
		return apperrors.NewValidationError("account_id", acc.ID, "account already exists")
	}
	r.accounts[acc.ID] = acc
	return nil
}

// Get returns the account with the given id.
func (r *Registry) Get(id string) (*Account, bool) {
	acc, ok := r.accounts[id]
	return acc, ok
}

// Lookup returns the account or ErrAccountNotFound.
func (r *Registry) Lookup(id string) (*Account, error) {
	acc, ok := r.accounts[id]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrAccountNotFound, "account %s", id)
	}
	return acc, nil
}

// Len returns the number of accounts.
func (r *Registry) Len() int {
	return len(r.accounts)
}

// IDs returns all account ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.accounts))
	for id := range r.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns all accounts sorted by id.
func (r *Registry) All() []*Account {
	ids := r.IDs()
	accounts := make([]*Account, len(ids))
	for i, id := range ids {
		accounts[i] = r.accounts[id]
	}
	return accounts
}

// HeldCodes returns every instrument code held by any account, sorted.
func (r *Registry) HeldCodes() []string {
	seen := make(map[string]struct{})
	for _, acc := range r.accounts {
		for code := range acc.Holdings {
			seen[code] = struct{}{}
		}
	}
	codes := make([]string, 0, len(seen))
	for code := range seen {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// CreateSplit splits totalCapital into one account per ratio. Each principal
// is floor(totalCapital × ratio). Accounts are named after their spec
// ("<strategy>_<suffix>") or "SubAcc_<n>" when the spec carries no strategy.
func CreateSplit(totalCapital float64, ratios []float64, specs []models.AccountSpec, instrumentCode string) ([]*Account, error) {
	if len(ratios) != len(specs) {
		return nil, apperrors.Wrapf(apperrors.ErrConfigurationMismatch,
			"%d ratios for %d account configs", len(ratios), len(specs))
	}

	accounts := make([]*Account, 0, len(ratios))
	for i, ratio := range ratios {
		spec := specs[i]
		accID := fmt.Sprintf("SubAcc_%d", i+1)
		if spec.StrategyID != "" && spec.Suffix != "" {
			accID = models.AccountID(spec.StrategyID, spec.Suffix)
		}
		principal := math.Floor(totalCapital * ratio)
		accounts = append(accounts, NewAccount(accID, principal, instrumentCode, spec))
	}
	return accounts, nil
}

// Merge creates the accounts of book that do not exist yet and returns how
// many were created. Existing accounts keep their balance, holdings and
// history untouched.
func (r *Registry) Merge(book models.StrategyBook) int {
	created := 0
	for _, strategy := range book.Strategies {
		capital := strategy.Capital(book.TotalCapital)

		for _, spec := range strategy.Accounts {
			accID := strategy.AccountID(spec.Suffix)
			if _, exists := r.accounts[accID]; exists {
				continue
			}
			spec.StrategyID = strategy.ID
			principal := math.Floor(capital * spec.Ratio)
			r.accounts[accID] = NewAccount(accID, principal, strategy.InstrumentCode, spec)
			created++
		}
	}
	return created
}

// Records returns the flat record list, sorted by account id.
func (r *Registry) Records() []Record {
	accounts := r.All()
	records := make([]Record, len(accounts))
	for i, acc := range accounts {
		records[i] = acc.Record()
	}
	return records
}

// FromRecords rebuilds a registry from a flat record list.
func FromRecords(records []Record) (*Registry, error) {
	reg := NewRegistry()
	for _, rec := range records {
		if rec.ID == "" {
			return nil, apperrors.NewValidationError("id", rec.ID, "record without account id")
		}
		if err := rec.Validate(); err != nil {
			return nil, err
		}
		if err := reg.Add(AccountFromRecord(rec)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
