package ledger

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "split-trader/internal/errors"
	"split-trader/internal/models"
)

func testBook() models.StrategyBook {
	return models.StrategyBook{
		TotalCapital:  10_000_000,
		RealAccountID: "12345678-01",
		DryRun:        true,
		Strategies: []models.Strategy{
			{
				ID:                     "Samsung",
				InstrumentCode:         "005930",
				InstrumentName:         "Samsung Electronics",
				TotalAllocationPercent: 0.5,
				Accounts: []models.AccountSpec{
					{Suffix: "1", Ratio: 0.4, Role: models.RoleLeader, Params: models.Params{TargetProfit: 0.1, BuyQuantity: 1}},
					{Suffix: "2", Ratio: 0.15, Role: models.RoleFollower, Params: models.Params{Dip: 0.01, TargetProfit: 0.03}},
					{Suffix: "3", Ratio: 0.15, Role: models.RoleFollower, Params: models.Params{Dip: 0.02, TargetProfit: 0.03}},
				},
			},
		},
	}
}

func TestCreateSplit(t *testing.T) {
	specs := []models.AccountSpec{{}, {}, {}}
	accounts, err := CreateSplit(1001, []float64{0.25, 0.25, 0.5}, specs, "005930")
	require.NoError(t, err)
	require.Len(t, accounts, 3)

	assert.Equal(t, "SubAcc_1", accounts[0].ID)
	assert.Equal(t, "SubAcc_3", accounts[2].ID)
	assert.Equal(t, 250.0, accounts[0].Principal)
	assert.Equal(t, 500.0, accounts[2].Principal)
	for _, acc := range accounts {
		assert.Equal(t, acc.Principal, acc.Balance)
		assert.Equal(t, "005930", acc.InstrumentCode)
	}
}

func TestCreateSplit_NamesFromSpec(t *testing.T) {
	specs := []models.AccountSpec{{StrategyID: "KT", Suffix: "lead", Role: models.RoleLeader}}
	accounts, err := CreateSplit(999.99, []float64{1}, specs, "030200")
	require.NoError(t, err)
	assert.Equal(t, "KT_lead", accounts[0].ID)
	assert.Equal(t, 999.0, accounts[0].Principal)
	assert.Equal(t, models.RoleLeader, accounts[0].Role())
}

func TestCreateSplit_Mismatch(t *testing.T) {
	_, err := CreateSplit(1000, []float64{0.5, 0.5}, []models.AccountSpec{{}}, "X")
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigurationMismatch))
}

func TestRegistry_AddAndLookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(NewAccount("B", 10, "X", models.AccountSpec{})))
	require.NoError(t, reg.Add(NewAccount("A", 10, "X", models.AccountSpec{})))

	err := reg.Add(NewAccount("A", 20, "X", models.AccountSpec{}))
	assert.True(t, apperrors.Is(err, apperrors.ErrInputValidation))

	assert.Equal(t, []string{"A", "B"}, reg.IDs())
	assert.Equal(t, 2, reg.Len())

	acc, err := reg.Lookup("A")
	require.NoError(t, err)
	assert.Equal(t, 10.0, acc.Principal)

	_, err = reg.Lookup("missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrAccountNotFound))
}

func TestRegistry_HeldCodes(t *testing.T) {
	reg := NewRegistry()
	a := NewAccount("A", 10_000, "X", models.AccountSpec{})
	b := NewAccount("B", 10_000, "Y", models.AccountSpec{})
	_, err := a.Buy("X", 10, 1)
	require.NoError(t, err)
	_, err = b.Buy("Y", 10, 1)
	require.NoError(t, err)
	_, err = b.Buy("X", 10, 1)
	require.NoError(t, err)
	require.NoError(t, reg.Add(a))
	require.NoError(t, reg.Add(b))

	assert.Equal(t, []string{"X", "Y"}, reg.HeldCodes())
}

func TestRegistry_Merge(t *testing.T) {
	reg := NewRegistry()
	book := testBook()

	created := reg.Merge(book)
	assert.Equal(t, 3, created)
	assert.Equal(t, []string{"Samsung_1", "Samsung_2", "Samsung_3"}, reg.IDs())

	leader, _ := reg.Get("Samsung_1")
	assert.Equal(t, 2_000_000.0, leader.Principal)
	assert.Equal(t, "Samsung", leader.StrategyConfig.StrategyID)
	assert.Equal(t, "005930", leader.InstrumentCode)

	follower, _ := reg.Get("Samsung_2")
	assert.Equal(t, 750_000.0, follower.Principal)

	// existing accounts keep their books
	_, err := leader.Buy("005930", 70000, 3)
	require.NoError(t, err)
	balance := leader.Balance

	book.Strategies[0].Accounts = append(book.Strategies[0].Accounts,
		models.AccountSpec{Suffix: "4", Ratio: 0.15, Role: models.RoleFollower})
	created = reg.Merge(book)
	assert.Equal(t, 1, created)
	assert.Equal(t, 4, reg.Len())

	leader, _ = reg.Get("Samsung_1")
	assert.Equal(t, balance, leader.Balance)
	assert.Len(t, leader.History, 1)

	assert.Equal(t, 0, reg.Merge(book))
}

func TestRegistry_RecordsRoundTrip(t *testing.T) {
	reg := NewRegistry()
	reg.Merge(testBook())
	acc, _ := reg.Get("Samsung_2")
	_, err := acc.Buy("005930", 69000, 2, WithTimestamp(testTime), WithLot(0, 71070))
	require.NoError(t, err)

	restored, err := FromRecords(reg.Records())
	require.NoError(t, err)
	assert.Equal(t, reg.IDs(), restored.IDs())

	got, _ := restored.Get("Samsung_2")
	assert.Equal(t, acc, got)
}

func TestFromRecords_RejectsBadRecords(t *testing.T) {
	_, err := FromRecords([]Record{{ID: ""}})
	assert.True(t, apperrors.Is(err, apperrors.ErrInputValidation))

	_, err = FromRecords([]Record{{ID: "A"}, {ID: "A"}})
	assert.Error(t, err)
}

func TestFromRecords_RejectsMalformedLots(t *testing.T) {
	const state = `[{
		"id": "Samsung_2",
		"principal": 1000000,
		"instrument_code": "005930",
		"balance": 650000,
		"holdings": {"005930": {"quantity": 7, "average_price": 50000, "total_cost": 350000}},
		"history": [%s]
	}]`

	tests := []struct {
		name  string
		trade string
		field string
	}{
		{"missing target", `{"action":"BUY","code":"005930","price":50000,"quantity":7,"batch_ref":0,"status":"OPEN"}`, "target_sell_price"},
		{"missing batch", `{"action":"BUY","code":"005930","price":50000,"quantity":7,"target_sell_price":51500,"status":"OPEN"}`, "batch_ref"},
		{"unknown status", `{"action":"BUY","code":"005930","price":50000,"quantity":7,"batch_ref":0,"target_sell_price":51500,"status":"PENDING"}`, "status"},
		{"sell with lot fields", `{"action":"SELL","code":"005930","price":51500,"quantity":7,"batch_ref":0}`, "action"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var records []Record
			require.NoError(t, json.Unmarshal([]byte(fmt.Sprintf(state, tt.trade)), &records))

			_, err := FromRecords(records)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrInputValidation))

			var verr *apperrors.ValidationError
			require.True(t, apperrors.As(err, &verr))
			assert.Contains(t, verr.Field, tt.field)
		})
	}
}

func TestFromRecords_AcceptsLotsAndLegacyTrades(t *testing.T) {
	const state = `[{
		"id": "Samsung_2",
		"principal": 1000000,
		"balance": 300000,
		"holdings": {"005930": {"quantity": 14, "average_price": 50000, "total_cost": 700000}},
		"history": [
			{"action":"BUY","code":"005930","price":50000,"quantity":7},
			{"action":"BUY","code":"005930","price":50000,"quantity":7,"batch_ref":1,"target_sell_price":51500,"status":"OPEN"}
		]
	}]`

	var records []Record
	require.NoError(t, json.Unmarshal([]byte(state), &records))

	reg, err := FromRecords(records)
	require.NoError(t, err)
	acc, err := reg.Lookup("Samsung_2")
	require.NoError(t, err)
	assert.Len(t, acc.OpenLots("005930"), 1)
}
