package ledger

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// AGGREGATE
// =============================================================================

func TestAggregate_Apply(t *testing.T) {
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	agg := Aggregate{AccountID: "alice"}.Apply(30, at).Apply(-12, at).Apply(5, at)

	assert.Equal(t, int64(23), agg.Balance)
	assert.Equal(t, int64(35), agg.TotalEarned)
	assert.Equal(t, int64(12), agg.TotalConsumed)
	assert.Equal(t, at, agg.UpdatedAt)
	assert.True(t, agg.Consistent())
}

func TestAggregate_Consistent(t *testing.T) {
	assert.True(t, Aggregate{}.Consistent())
	assert.False(t, Aggregate{Balance: 10, TotalEarned: 5}.Consistent())
	assert.False(t, Aggregate{Balance: -5, TotalConsumed: 5}.Consistent(), "negative balances are never consistent")
}

func TestTotals_Matches(t *testing.T) {
	entries := []Entry{{Amount: 20}, {Amount: -5}, {Amount: 10}}

	totals := SumEntries(entries)

	assert.Equal(t, Totals{Sum: 25, Earned: 30, Consumed: 5, Count: 3}, totals)
	assert.True(t, totals.Matches(Aggregate{Balance: 25, TotalEarned: 30, TotalConsumed: 5}))
	assert.False(t, totals.Matches(Aggregate{Balance: 25, TotalEarned: 25}))
}

// =============================================================================
// REASONS
// =============================================================================

func TestParseReason(t *testing.T) {
	for _, r := range allReasons {
		got, err := ParseReason(string(r))
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}

	_, err := ParseReason("sign_in")
	assert.ErrorIs(t, err, ErrValidation, "reason codes are case sensitive")

	_, err = ParseReason("")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEntry_Related(t *testing.T) {
	assert.Nil(t, Related(""))
	assert.Equal(t, "p-1", Entry{RelatedID: Related("p-1")}.RelatedString())
	assert.Equal(t, "", Entry{}.RelatedString())
	assert.True(t, Entry{Amount: 1}.IsCredit())
	assert.False(t, Entry{Amount: -1}.IsCredit())
}

// =============================================================================
// CALENDAR
// =============================================================================

func TestCalendar_UTCBoundaries(t *testing.T) {
	cal := NewCalendar(nil, nil)
	day := cal.DayOf(time.Date(2025, 3, 10, 23, 59, 59, 0, time.UTC))

	assert.Equal(t, "2025-03-10", day.Label())
	assert.True(t, day.Contains(time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)))
	assert.False(t, day.Contains(time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)), "the window is half-open")
}

func TestCalendar_OtherZone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	// GIVEN: 15:30 UTC, which is already the next morning in Tokyo
	now := time.Date(2025, 3, 10, 15, 30, 0, 0, time.UTC)
	cal := NewCalendar(tokyo, func() time.Time { return now })

	// WHEN
	day := cal.Today()

	// THEN
	assert.Equal(t, "2025-03-11", day.Label())
	assert.True(t, day.Start.Equal(time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)))
}

func TestCalendar_DSTDayIsShort(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	day := NewCalendar(ny, nil).DayOf(time.Date(2025, 3, 9, 17, 0, 0, 0, time.UTC))

	assert.Equal(t, "2025-03-09", day.Label())
	assert.Equal(t, 23*time.Hour, day.End.Sub(day.Start))
}

func TestKeys(t *testing.T) {
	day := UTCCalendar().DayOf(time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC))

	assert.Equal(t, "daily:5.alice:SIGN_IN:-:2025-03-10", DailyKey("alice", ReasonSignIn, nil, day))
	assert.Equal(t, "daily:5.alice:SIGN_IN:-:2025-03-10", DailyKey("alice", ReasonSignIn, Related(""), day))
	assert.Equal(t, "daily:5.alice:COMMENT:3.c-9:2025-03-10", DailyKey("alice", ReasonComment, Related("c-9"), day))
	assert.Equal(t, "transfer:t-1:TRANSFER_IN", TransferKey("t-1", ReasonTransferIn))
}

func TestDailyKey_DistinctTuplesNeverCollide(t *testing.T) {
	day := UTCCalendar().DayOf(time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC))

	tests := []struct {
		name string
		a, b string
	}{
		{
			"colon in ids",
			DailyKey("a", ReasonSignIn, Related("b:COMMENT:-"), day),
			DailyKey("a:SIGN_IN:b", ReasonComment, nil, day),
		},
		{
			"dash related vs none",
			DailyKey("alice", ReasonComment, Related("-"), day),
			DailyKey("alice", ReasonComment, nil, day),
		},
		{
			"split between account and related",
			DailyKey("a:SIGN_IN:1.b", ReasonSignIn, nil, day),
			DailyKey("a", ReasonSignIn, Related("b"), day),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, tt.a, tt.b)
		})
	}
}

// =============================================================================
// AMOUNTS
// =============================================================================

func TestValidateAmount(t *testing.T) {
	assert.NoError(t, ValidateAmount(1))
	assert.NoError(t, ValidateAmount(-1))
	assert.NoError(t, ValidateAmount(MaxAmount))
	assert.NoError(t, ValidateAmount(-MaxAmount))

	assert.ErrorIs(t, ValidateAmount(0), ErrValidation)
	assert.ErrorIs(t, ValidateAmount(MaxAmount+1), ErrValidation)
	assert.ErrorIs(t, ValidateAmount(-MaxAmount-1), ErrValidation)
	assert.ErrorIs(t, ValidateAmount(math.MaxInt64), ErrValidation)
	assert.ErrorIs(t, ValidateAmount(math.MinInt64), ErrValidation)
}

func TestAggregate_CheckApply(t *testing.T) {
	near := Aggregate{Balance: math.MaxInt64 - 5, TotalEarned: math.MaxInt64 - 5}

	assert.NoError(t, near.CheckApply(5))
	assert.ErrorIs(t, near.CheckApply(6), ErrValidation)
	assert.NoError(t, near.CheckApply(-100), "debits never grow the balance")

	consumed := Aggregate{Balance: 100, TotalConsumed: math.MaxInt64 - 5}
	assert.NoError(t, consumed.CheckApply(-5))
	assert.ErrorIs(t, consumed.CheckApply(-6), ErrValidation)

	earned := Aggregate{Balance: 0, TotalEarned: math.MaxInt64, TotalConsumed: math.MaxInt64}
	assert.ErrorIs(t, earned.CheckApply(1), ErrValidation, "earned total overflows even at zero balance")
}

func TestReason_Earned(t *testing.T) {
	for _, r := range []Reason{ReasonPublishPost, ReasonComment, ReasonLikeReceived, ReasonSignIn} {
		assert.True(t, r.Earned(), r)
	}
	for _, r := range []Reason{ReasonConsume, ReasonTransferOut, ReasonTransferIn, ReasonTransferOutReversed} {
		assert.False(t, r.Earned(), r)
	}
}

func TestComparison_Drifted(t *testing.T) {
	assert.False(t, Comparison{}.Drifted())
	assert.True(t, Comparison{Totals: Totals{Sum: 5, Earned: 5, Count: 1}}.Drifted(), "entries without an aggregate")
	assert.False(t, Comparison{
		Totals:    Totals{Sum: 5, Earned: 5, Count: 1},
		Aggregate: &Aggregate{Balance: 5, TotalEarned: 5},
	}.Drifted())
	assert.True(t, Comparison{
		Totals:    Totals{Sum: 5, Earned: 5, Count: 1},
		Aggregate: &Aggregate{Balance: 4, TotalEarned: 5},
	}.Drifted())
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		client    bool
		retryable bool
	}{
		{"validation", NewValidationError("amount", "must be positive"), true, false},
		{"insufficient", &InsufficientBalanceError{AccountID: "a", Available: 1, Requested: 2}, true, false},
		{"wrapped insufficient", fmt.Errorf("consume: %w", &InsufficientBalanceError{}), true, false},
		{"store", Unavailable("append", errors.New("connection reset")), false, true},
		{"duplicate", ErrDuplicateIdempotencyKey, false, false},
		{"compensation", &CompensationFailureError{TransferID: "t"}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.client, IsClientError(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestStoreError_KeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Unavailable("append", cause)

	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, Unavailable("append", nil))

	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "append", se.Op)
}
