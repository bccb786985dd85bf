package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "split-trader/internal/errors"
	"split-trader/internal/ledger"
	"split-trader/internal/models"
)

var testTime = time.Date(2024, 5, 2, 1, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "split.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testBook() models.StrategyBook {
	return models.StrategyBook{
		TotalCapital: 10_000_000,
		Strategies: []models.Strategy{{
			ID:                     "SKHynix",
			InstrumentCode:         "000660",
			TotalAllocationPercent: 0.3,
			Accounts: []models.AccountSpec{
				{Suffix: "1", Ratio: 0.4, Role: models.RoleLeader, Params: models.Params{TargetProfit: 0.1, BuyAmount: 500_000}},
				{Suffix: "2", Ratio: 0.15, Role: models.RoleFollower, Params: models.Params{Dip: 0.02, TargetProfit: 0.03}},
			},
		}},
	}
}

func TestSQLiteStore_EmptyDatabase(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Load(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrStateNotFound))
}

func TestSQLiteStore_SaveEmptyRegistry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, nil))
	records, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	reg, created, err := ledger.Bootstrap(ctx, s, testBook())
	require.NoError(t, err)
	require.Equal(t, 2, created)

	leader, _ := reg.Get("SKHynix_1")
	_, err = leader.Buy("000660", 180000, 2, ledger.WithTimestamp(testTime))
	require.NoError(t, err)
	_, err = leader.Sell("000660", 200000, 1, ledger.WithTimestamp(testTime.Add(time.Hour)))
	require.NoError(t, err)

	follower, _ := reg.Get("SKHynix_2")
	lot, err := follower.Buy("000660", 176000, 1, ledger.WithTimestamp(testTime), ledger.WithLot(0, 181280))
	require.NoError(t, err)
	require.NoError(t, follower.CloseLot(lot.ID))
	follower.Snapshot(map[string]float64{"000660": 178000}, testTime)

	require.NoError(t, ledger.Persist(ctx, s, reg))

	restored, ok, err := ledger.Restore(ctx, s)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, reg.IDs(), restored.IDs())

	for _, id := range reg.IDs() {
		want, _ := reg.Get(id)
		got, _ := restored.Get(id)
		assert.Equal(t, want.Record(), got.Record(), id)
	}
}

func TestSQLiteStore_SaveReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	reg := ledger.NewRegistry()
	reg.Merge(testBook())
	require.NoError(t, ledger.Persist(ctx, s, reg))

	smaller := ledger.NewRegistry()
	require.NoError(t, smaller.Add(ledger.NewAccount("Other_1", 1000, "X", models.AccountSpec{})))
	require.NoError(t, ledger.Persist(ctx, s, smaller))

	records, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Other_1", records[0].ID)
}

func TestSQLiteStore_Backup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	reg := ledger.NewRegistry()
	reg.Merge(testBook())
	require.NoError(t, ledger.Persist(ctx, s, reg))

	path, err := s.Backup()
	require.NoError(t, err)
	assert.Equal(t, s.path+".bak", path)

	// a second backup replaces the first
	_, err = s.Backup()
	require.NoError(t, err)

	backup, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer backup.Close()

	records, err := backup.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestSQLiteStore_CancelledSaveKeepsState(t *testing.T) {
	s := newTestStore(t)

	reg := ledger.NewRegistry()
	reg.Merge(testBook())
	require.NoError(t, ledger.Persist(context.Background(), s, reg))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, s.Save(ctx, nil))

	records, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

// Feature: split-trader, Property 8: Stored ledgers round-trip
//
// Property: For any sequence of buys and sells applied to an account, saving
// the registry and loading it back yields an identical record.
func TestProperty_LedgerRoundTrip(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "property.db"))
	require.NoError(t, err)
	defer s.Close()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("save then load preserves every account", prop.ForAll(
		func(prices []int, sellEvery int) bool {
			ctx := context.Background()
			acc := ledger.NewAccount("P_1", 1_000_000_000, "X", models.AccountSpec{Suffix: "1", Role: models.RoleLeader})
			for i, p := range prices {
				ts := testTime.Add(time.Duration(i) * time.Minute)
				if sellEvery > 0 && i%sellEvery == sellEvery-1 {
					_, _ = acc.Sell("X", float64(p), 1, ledger.WithTimestamp(ts))
					continue
				}
				if _, err := acc.Buy("X", float64(p), 2, ledger.WithTimestamp(ts), ledger.WithLot(i, float64(p)*1.03)); err != nil {
					return false
				}
			}
			acc.Snapshot(nil, testTime)

			if err := s.Save(ctx, []ledger.Record{acc.Record()}); err != nil {
				return false
			}
			records, err := s.Load(ctx)
			if err != nil || len(records) != 1 {
				return false
			}
			got := ledger.AccountFromRecord(records[0]).Record()
			return assert.ObjectsAreEqual(acc.Record(), got)
		},
		gen.SliceOfN(20, gen.IntRange(1000, 200_000)),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
