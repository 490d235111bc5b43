package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFlatIncrement(t *testing.T) {
	s := FlatIncrement(d("10"))
	require.NoError(t, s.Validate())
	assert.True(t, s.NextMin(d("0")).Equal(d("10")))
	assert.True(t, s.NextMin(d("20")).Equal(d("30")))
}

func TestPercentIncrementRoundsUp(t *testing.T) {
	s := PercentIncrement(d("5"))
	require.NoError(t, s.Validate())
	assert.True(t, s.Increment(d("10.01")).Equal(d("0.51")), s.Increment(d("10.01")).String())
	assert.True(t, s.Increment(d("0")).Equal(MinorUnit))
	assert.True(t, s.NextMin(d("100")).Equal(d("105")))
}

func TestTieredIncrement(t *testing.T) {
	s := IncrementSchedule{Tiers: []Tier{
		{From: d("0"), Kind: IncrementAbsolute, Value: d("1")},
		{From: d("100"), Kind: IncrementAbsolute, Value: d("5")},
		{From: d("1000"), Kind: IncrementPercent, Value: d("1")},
	}}
	require.NoError(t, s.Validate())
	assert.True(t, s.Increment(d("99.99")).Equal(d("1")))
	assert.True(t, s.Increment(d("100")).Equal(d("5")))
	assert.True(t, s.Increment(d("2000")).Equal(d("20")))

	parsed, err := ParseIncrementSchedule(s.String())
	require.NoError(t, err)
	assert.True(t, parsed.NextMin(d("2000")).Equal(d("2020")))
}

func TestIncrementValidateRejects(t *testing.T) {
	cases := map[string]IncrementSchedule{
		"empty":     {},
		"offset":    {Tiers: []Tier{{From: d("1"), Kind: IncrementAbsolute, Value: d("1")}}},
		"zero step": {Tiers: []Tier{{From: d("0"), Kind: IncrementAbsolute, Value: d("0")}}},
		"sub-cent":  {Tiers: []Tier{{From: d("0"), Kind: IncrementAbsolute, Value: d("0.001")}}},
		"kind":      {Tiers: []Tier{{From: d("0"), Kind: "flat", Value: d("1")}}},
		"unordered": {Tiers: []Tier{
			{From: d("0"), Kind: IncrementAbsolute, Value: d("1")},
			{From: d("0"), Kind: IncrementAbsolute, Value: d("2")},
		}},
		"decreasing": {Tiers: []Tier{
			{From: d("0"), Kind: IncrementAbsolute, Value: d("10")},
			{From: d("100"), Kind: IncrementAbsolute, Value: d("5")},
		}},
	}
	for name, s := range cases {
		assert.Error(t, s.Validate(), name)
	}
}

func TestNextMinStrictlyIncreasing(t *testing.T) {
	s := IncrementSchedule{Tiers: []Tier{
		{From: d("0"), Kind: IncrementPercent, Value: d("10")},
		{From: d("50"), Kind: IncrementAbsolute, Value: d("5")},
		{From: d("200"), Kind: IncrementPercent, Value: d("3")},
	}}
	require.NoError(t, s.Validate())
	prev := s.NextMin(d("0"))
	for p := 1; p < 500; p++ {
		next := s.NextMin(decimal.NewFromInt(int64(p)))
		assert.True(t, next.GreaterThan(prev), "price %d", p)
		prev = next
	}
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, CanTransition(StatusScheduled, StatusLive))
	assert.True(t, CanTransition(StatusLive, StatusCancelled))
	assert.True(t, CanTransition(StatusExtended, StatusExtended))
	assert.False(t, CanTransition(StatusClosed, StatusLive))
	assert.False(t, CanTransition(StatusLive, StatusScheduled))
	assert.False(t, CanTransition(StatusCancelled, StatusClosed))
}

func TestAuctionSnapshotAndFinal(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a := NewAuction(Spec{
		ID:           "a-1",
		StartTime:    now.Add(-time.Minute),
		EndTime:      now.Add(time.Hour),
		Increment:    FlatIncrement(d("10")),
		ReservePrice: decimal.NewNullDecimal(d("25")),
	}, now)
	assert.Equal(t, StatusLive, a.Status)
	assert.True(t, a.NextMinBid().Equal(d("10")))
	assert.False(t, a.ReserveMet())

	a.CurrentPrice = d("30")
	a.CurrentWinnerID = "bidder-a"
	a.Status = StatusClosed
	f := a.Final(now)
	assert.True(t, f.ReserveMet)
	assert.True(t, f.Sold)
	assert.Equal(t, "bidder-a", f.WinnerID)
	assert.True(t, f.Snapshot.HasReserve)
}

func TestScheduledWhenStartInFuture(t *testing.T) {
	now := time.Now()
	a := NewAuction(Spec{ID: "a", StartTime: now.Add(time.Hour), EndTime: now.Add(2 * time.Hour), Increment: FlatIncrement(d("1"))}, now)
	assert.Equal(t, StatusScheduled, a.Status)
}

func TestSpecValidate(t *testing.T) {
	now := time.Now()
	ok := Spec{ID: "a", StartTime: now, EndTime: now.Add(time.Hour), Increment: FlatIncrement(d("1"))}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.EndTime = now
	assert.ErrorIs(t, bad.Validate(), ErrInvalidRequest)

	bad = ok
	bad.StartingPrice = d("1.005")
	assert.ErrorIs(t, bad.Validate(), ErrInvalidRequest)
}

func TestRejectionMatching(t *testing.T) {
	err := fmt.Errorf("submit: %w", Reject(ReasonAmountBelowMinimum, "need %s", "30"))
	assert.ErrorIs(t, err, ErrAmountBelowMinimum)
	assert.NotErrorIs(t, err, ErrAuctionClosed)
	assert.Equal(t, ReasonAmountBelowMinimum, ReasonOf(err))
	assert.Equal(t, Reason(""), ReasonOf(errors.New("plain")))

	cause := errors.New("disk full")
	wrapped := Wrap(ReasonPersistence, cause)
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "disk full")
}

func TestOutranks(t *testing.T) {
	t0 := time.Unix(100, 0)
	a := ProxyBid{BidderID: "a", MaxAmount: d("100"), SubmittedAt: t0, SubmittedSeq: 1}
	b := ProxyBid{BidderID: "b", MaxAmount: d("100"), SubmittedAt: t0.Add(time.Second), SubmittedSeq: 2}
	assert.True(t, a.Outranks(b))
	assert.False(t, b.Outranks(a))

	b.IsPriority = true
	assert.True(t, b.Outranks(a))

	c := ProxyBid{BidderID: "c", MaxAmount: d("100.01"), SubmittedAt: t0.Add(time.Hour)}
	assert.True(t, c.Outranks(b))
}

func TestDeterministicIDs(t *testing.T) {
	assert.Equal(t, BidID("a", 1), BidID("a", 1))
	assert.NotEqual(t, BidID("a", 1), BidID("a", 2))
	assert.NotEqual(t, BidID("a", 1), ProxyID("a", 1))
}
