package resolver

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/bidengine/internal/auction/ledger"
	"github.com/Aidin1998/bidengine/internal/auction/model"
	"github.com/Aidin1998/bidengine/internal/auction/registry"
)

var t0 = time.Date(2026, 5, 4, 18, 0, 0, 0, time.UTC)

func amt(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func live(step int64) model.Auction {
	return model.NewAuction(model.Spec{
		ID:        "lot-7",
		StartTime: t0.Add(-time.Hour),
		EndTime:   t0.Add(time.Hour),
		Increment: model.FlatIncrement(amt(step)),
	}, t0)
}

func seeded(bidder string, max int64, at time.Duration, seq uint64, priority bool) model.ProxyBid {
	return model.ProxyBid{
		ID:           model.ProxyID("lot-7", 1000+seq),
		AuctionID:    "lot-7",
		BidderID:     bidder,
		MaxAmount:    amt(max),
		IsPriority:   priority,
		SubmittedAt:  t0.Add(at),
		SubmittedSeq: seq,
	}
}

// apply commits an outcome the way the sequencer does.
func apply(o Outcome) model.Auction {
	a := o.Auction
	a.Version++
	return a
}

func amounts(bids []model.Bid) []string {
	out := make([]string, len(bids))
	for i, b := range bids {
		out[i] = b.BidderID + "@" + b.Amount.String()
	}
	return out
}

func TestEndToEndScenario(t *testing.T) {
	a := live(10)
	reg := registry.New()
	require.True(t, a.CurrentPrice.IsZero())

	out, err := ResolveProxy(a, reg, ProxyRequest{BidderID: "A", MaxAmount: amt(150), At: t0})
	require.NoError(t, err)
	assert.Equal(t, []string{"A@10"}, amounts(out.Bids))
	imm, ok := out.ImmediateBid()
	require.True(t, ok)
	assert.True(t, imm.Amount.Equal(amt(10)))
	a, reg = apply(out), out.Registry

	out, err = ResolveManual(a, reg, ManualBid{BidderID: "B", Amount: amt(20), At: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, []string{"B@20", "A@30"}, amounts(out.Bids))
	assert.True(t, out.Auction.CurrentPrice.Equal(amt(30)))
	assert.Equal(t, "A", out.Auction.CurrentWinnerID)
	assert.True(t, out.Auction.NextMinBid().Equal(amt(40)))

	p, ok := out.Registry.Active("A")
	require.True(t, ok, "A's proxy stays active")
	assert.True(t, p.MaxAmount.Equal(amt(150)))
	assert.Equal(t, model.BidProxyGenerated, out.Bids[1].Kind)
	assert.True(t, out.Bids[1].TriggeringProxyID.Valid)
	assert.Equal(t, p.ID, out.Bids[1].TriggeringProxyID.UUID)
}

func TestMinimumSufficientWin(t *testing.T) {
	a := live(10)
	reg := registry.New()
	reg.Put(seeded("P", 200, 0, 1, false))

	out, err := ResolveManual(a, reg, ManualBid{BidderID: "M", Amount: amt(50), At: t0})
	require.NoError(t, err)
	assert.True(t, out.Auction.CurrentPrice.Equal(a.Increment.NextMin(amt(50))))
	assert.True(t, out.Auction.CurrentPrice.Equal(amt(60)))
	assert.Equal(t, "P", out.Auction.CurrentWinnerID)
}

func TestChainedResolution(t *testing.T) {
	a := live(10)
	a.CurrentPrice = amt(40)
	a.CurrentWinnerID = "M"
	a.LastSeq = 1
	a.BidCount = 1
	reg := registry.New()
	reg.Put(seeded("P100", 100, 0, 1, false))
	reg.Put(seeded("P200", 200, time.Second, 2, false))
	reg.Put(seeded("P300", 300, 2*time.Second, 3, false))

	out, err := ResolveManual(a, reg, ManualBid{BidderID: "M", Amount: amt(50), At: t0})
	require.NoError(t, err)
	assert.Equal(t, []string{"M@50", "P300@60", "P200@200", "P300@210"}, amounts(out.Bids))
	assert.True(t, out.Auction.CurrentPrice.Equal(amt(210)))
	assert.Equal(t, "P300", out.Auction.CurrentWinnerID)

	assert.Equal(t, 1, out.Registry.Len())
	_, ok := out.Registry.Active("P300")
	assert.True(t, ok)
	for _, c := range out.ProxyChanges {
		assert.False(t, c.Active)
		assert.Equal(t, model.DeactivatedOutbid, c.DeactivatedReason)
	}
	assert.Len(t, out.ProxyChanges, 2)
	assert.Equal(t, 3, reg.Len(), "input registry untouched")
}

func TestTieBreakBySubmissionTime(t *testing.T) {
	for _, order := range [][]model.ProxyBid{
		{seeded("early", 100, 0, 1, false), seeded("late", 100, time.Minute, 2, false)},
		{seeded("late", 100, time.Minute, 2, false), seeded("early", 100, 0, 1, false)},
	} {
		reg := registry.New()
		for _, p := range order {
			reg.Put(p)
		}
		out, err := ResolveManual(live(10), reg, ManualBid{BidderID: "M", Amount: amt(50), At: t0})
		require.NoError(t, err)
		assert.Equal(t, "early", out.Auction.CurrentWinnerID)
		assert.True(t, out.Auction.CurrentPrice.Equal(amt(100)))
	}
}

func TestTieBreakPriorityWinsRegardlessOfTime(t *testing.T) {
	reg := registry.New()
	reg.Put(seeded("early", 100, 0, 1, false))
	reg.Put(seeded("paid", 100, time.Hour, 2, true))

	out, err := ResolveManual(live(10), reg, ManualBid{BidderID: "M", Amount: amt(50), At: t0})
	require.NoError(t, err)
	assert.Equal(t, "paid", out.Auction.CurrentWinnerID)
	assert.True(t, out.Auction.CurrentPrice.Equal(amt(100)))
}

func TestEqualCeilingsSubmittedInSequence(t *testing.T) {
	a, reg := live(10), registry.New()
	out, err := ResolveProxy(a, reg, ProxyRequest{BidderID: "A", MaxAmount: amt(100), At: t0})
	require.NoError(t, err)
	a, reg = apply(out), out.Registry

	out, err = ResolveProxy(a, reg, ProxyRequest{BidderID: "B", MaxAmount: amt(100), At: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, []string{"A@100"}, amounts(out.Bids))
	assert.Equal(t, "A", out.Auction.CurrentWinnerID)
	require.NotNil(t, out.Proxy)
	assert.False(t, out.Proxy.Active)
	_, ok := out.ImmediateBid()
	assert.False(t, ok)
}

func TestPriorityProxyTakesEqualCeiling(t *testing.T) {
	a, reg := live(10), registry.New()
	out, err := ResolveProxy(a, reg, ProxyRequest{BidderID: "A", MaxAmount: amt(100), At: t0})
	require.NoError(t, err)
	a, reg = apply(out), out.Registry

	out, err = ResolveProxy(a, reg, ProxyRequest{BidderID: "B", MaxAmount: amt(100), IsPriority: true, At: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, []string{"B@100"}, amounts(out.Bids))
	assert.Equal(t, "B", out.Auction.CurrentWinnerID)
}

func TestRejectionBelowMinimum(t *testing.T) {
	a := live(10)
	a.CurrentPrice = amt(30)
	a.CurrentWinnerID = "X"
	reg := registry.New()

	below := a.NextMinBid().Sub(amt(1))
	out, err := ResolveManual(a, reg, ManualBid{BidderID: "M", Amount: below, At: t0})
	assert.ErrorIs(t, err, model.ErrAmountBelowMinimum)
	assert.Empty(t, out.Bids)

	_, err = ResolveProxy(a, reg, ProxyRequest{BidderID: "M", MaxAmount: below, At: t0})
	assert.ErrorIs(t, err, model.ErrAmountBelowMinimum)

	out, err = ResolveManual(a, reg, ManualBid{BidderID: "M", Amount: a.NextMinBid(), At: t0})
	require.NoError(t, err)
	assert.Len(t, out.Bids, 1)
}

func TestProxySupersedesOwnPrevious(t *testing.T) {
	a, reg := live(10), registry.New()
	out, err := ResolveProxy(a, reg, ProxyRequest{BidderID: "A", MaxAmount: amt(100), At: t0})
	require.NoError(t, err)
	first := *out.Proxy
	a, reg = apply(out), out.Registry

	out, err = ResolveProxy(a, reg, ProxyRequest{BidderID: "A", MaxAmount: amt(500), At: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.Empty(t, out.Bids, "leader raising its ceiling places no bid")
	require.Len(t, out.ProxyChanges, 2)
	assert.Equal(t, first.ID, out.ProxyChanges[0].ID)
	assert.Equal(t, model.DeactivatedSuperseded, out.ProxyChanges[0].DeactivatedReason)
	assert.True(t, out.ProxyChanges[1].Active)
	assert.NotEqual(t, first.ID, out.Proxy.ID)
	assert.Equal(t, 1, out.Registry.Len())
}

func TestManualBidAboveEveryProxy(t *testing.T) {
	reg := registry.New()
	reg.Put(seeded("P", 80, 0, 1, false))
	out, err := ResolveManual(live(10), reg, ManualBid{BidderID: "M", Amount: amt(75), At: t0})
	require.NoError(t, err)
	assert.Equal(t, []string{"M@75"}, amounts(out.Bids))
	assert.Equal(t, 0, out.Registry.Len())
	require.Len(t, out.ProxyChanges, 1)
	assert.Equal(t, model.DeactivatedOutbid, out.ProxyChanges[0].DeactivatedReason)
}

func TestDeterministic(t *testing.T) {
	reg := registry.New()
	reg.Put(seeded("P1", 120, 0, 1, false))
	reg.Put(seeded("P2", 170, time.Second, 2, true))
	bid := ManualBid{BidderID: "M", Amount: amt(40), At: t0}

	o1, err := ResolveManual(live(10), reg, bid)
	require.NoError(t, err)
	o2, err := ResolveManual(live(10), reg, bid)
	require.NoError(t, err)
	assert.Equal(t, o1.Bids, o2.Bids)
	assert.Equal(t, o1.ProxyChanges, o2.ProxyChanges)
	assert.Equal(t, o1.Auction, o2.Auction)
}

func TestCloseOut(t *testing.T) {
	reg := registry.New()
	reg.Put(seeded("P1", 120, 0, 1, false))
	reg.Put(seeded("P2", 170, time.Second, 2, false))
	ended := CloseOut(reg)
	require.Len(t, ended, 2)
	for _, p := range ended {
		assert.False(t, p.Active)
		assert.Equal(t, model.DeactivatedEnded, p.DeactivatedReason)
	}
}

func TestMonotonicityUnderRandomTraffic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	bidders := []string{"u1", "u2", "u3", "u4", "u5"}
	for round := 0; round < 50; round++ {
		a := live(int64(1 + rng.Intn(20)))
		reg := registry.New()
		var all []model.Bid

		for step := 0; step < 40; step++ {
			now := t0.Add(time.Duration(step) * time.Second)
			bidder := bidders[rng.Intn(len(bidders))]
			target := a.NextMinBid().Add(amt(int64(rng.Intn(60) - 5)))
			var (
				out Outcome
				err error
			)
			if rng.Intn(2) == 0 {
				out, err = ResolveManual(a, reg, ManualBid{BidderID: bidder, Amount: target, At: now})
			} else {
				out, err = ResolveProxy(a, reg, ProxyRequest{BidderID: bidder, MaxAmount: target, IsPriority: rng.Intn(4) == 0, At: now})
			}
			if err != nil {
				require.ErrorIs(t, err, model.ErrAmountBelowMinimum)
				require.True(t, target.LessThan(a.NextMinBid()))
				continue
			}

			price := a.CurrentPrice
			for _, b := range out.Bids {
				require.True(t, b.Amount.GreaterThan(price), "round %d step %d: %s after %s", round, step, b.Amount, price)
				price = b.Amount
			}
			require.True(t, out.Auction.CurrentPrice.GreaterThanOrEqual(a.CurrentPrice))
			for _, p := range out.Registry.List() {
				require.True(t, p.MaxAmount.GreaterThanOrEqual(out.Auction.NextMinBid()))
			}
			if n := len(out.Bids); n > 0 {
				require.Equal(t, out.Bids[n-1].BidderID, out.Auction.CurrentWinnerID)
			}
			all = append(all, out.Bids...)
			a, reg = apply(out), out.Registry
		}
		require.NoError(t, ledger.Verify(all, a.Increment, a.StartingPrice))
	}
}
