package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatAmount(t *testing.T) {
	cases := map[float64]string{
		0:          "0",
		999:        "999",
		1000:       "1,000",
		1234567.8:  "1,234,568",
		-25000:     "-25,000",
		-0.2:       "0",
		10_000_000: "10,000,000",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatAmount(in), "%v", in)
	}
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "70,000", FormatPrice(70000))
	assert.Equal(t, "1,234.50", FormatPrice(1234.5))
	assert.Equal(t, "-12.25", FormatPrice(-12.25))
}

func TestFormatPnLAndPercent(t *testing.T) {
	assert.Equal(t, "+93,333", FormatPnL(93333.4))
	assert.Equal(t, "-1,000", FormatPnL(-1000))
	assert.Equal(t, "0", FormatPnL(0))
	assert.Equal(t, "+5.00%", FormatPercent(5))
	assert.Equal(t, "-1.50%", FormatPercent(-1.5))
	assert.Equal(t, "12,345", FormatQuantity(12345))
}

func TestLoadLocation(t *testing.T) {
	loc := LoadLocation("Asia/Seoul")
	_, offset := time.Date(2024, 5, 2, 12, 0, 0, 0, loc).Zone()
	assert.Equal(t, 9*60*60, offset)

	assert.Equal(t, time.UTC, LoadLocation("Not/AZone"))
}

func TestSameDay(t *testing.T) {
	kst := time.FixedZone("KST", 9*60*60)
	a := time.Date(2024, 5, 2, 15, 30, 0, 0, time.UTC) // 00:30 on May 3 in KST
	b := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	assert.True(t, SameDay(a, b, time.UTC))
	assert.False(t, SameDay(a, b, kst))
}

func TestRetryWithResult(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2}

	calls := 0
	v, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("rejected")
	cfg := RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Retryable:    func(err error) bool { return !errors.Is(err, permanent) },
	}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetry_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour}

	calls := 0
	err := Retry(ctx, cfg, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, CalculateBackoff(0, 100*time.Millisecond, time.Second, 2))
	assert.Equal(t, 400*time.Millisecond, CalculateBackoff(2, 100*time.Millisecond, time.Second, 2))
	assert.Equal(t, time.Second, CalculateBackoff(10, 100*time.Millisecond, time.Second, 2))
}
