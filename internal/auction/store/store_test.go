package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/bidengine/internal/auction/model"
	"github.com/Aidin1998/bidengine/internal/database"
)

var now = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func newAuction(id string) model.Auction {
	return model.NewAuction(model.Spec{
		ID:              id,
		StartTime:       now.Add(-time.Minute),
		EndTime:         now.Add(time.Hour),
		Increment:       model.FlatIncrement(decimal.NewFromInt(10)),
		ReservePrice:    decimal.NewNullDecimal(decimal.RequireFromString("75.50")),
		ExtensionWindow: 2 * time.Minute,
	}, now)
}

func event(a model.Auction, seq uint64, typ model.EventType) model.Event {
	return model.Event{
		ID:         model.EventID(a.ID, seq),
		AuctionID:  a.ID,
		Seq:        seq,
		Type:       typ,
		Snapshot:   a.Snapshot(),
		OccurredAt: now,
	}
}

// firstCommit places A's proxy (ceiling 150) and its opening bid of 10.
func firstCommit(a model.Auction) Commit {
	proxy := model.ProxyBid{
		ID:             model.ProxyID(a.ID, 2),
		AuctionID:      a.ID,
		BidderID:       "A",
		MaxAmount:      decimal.NewFromInt(150),
		SubmittedAt:    now,
		SubmittedSeq:   2,
		Active:         true,
		IdempotencyKey: "proxy-key",
	}
	bid := model.Bid{
		ID:                model.BidID(a.ID, 1),
		AuctionID:         a.ID,
		BidderID:          "A",
		Amount:            decimal.NewFromInt(10),
		Kind:              model.BidProxyGenerated,
		Seq:               1,
		AcceptedAt:        now,
		TriggeringProxyID: uuid.NullUUID{UUID: proxy.ID, Valid: true},
	}
	next := a
	next.CurrentPrice = bid.Amount
	next.CurrentWinnerID = "A"
	next.LastSeq = 1
	next.BidCount = 1
	next.EventSeq = 2
	next.Version = a.Version + 1
	return Commit{
		Auction:         next,
		ExpectedVersion: a.Version,
		Bids:            []model.Bid{bid},
		Proxies:         []model.ProxyBid{proxy},
		Events:          []model.Event{event(next, 1, model.EventProxyBidAccepted), event(next, 2, model.EventBidAccepted)},
	}
}

func runContract(t *testing.T, s Store) {
	ctx := context.Background()
	a := newAuction("lot-1")
	require.NoError(t, s.CreateAuction(ctx, a, nil))
	assert.ErrorIs(t, s.CreateAuction(ctx, a, nil), ErrAuctionExists)

	got, err := s.GetAuction(ctx, "lot-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusLive, got.Status)
	assert.True(t, got.ReservePrice.Valid)
	assert.True(t, got.ReservePrice.Decimal.Equal(decimal.RequireFromString("75.5")))
	assert.Equal(t, 2*time.Minute, got.ExtensionWindow)
	assert.True(t, got.NextMinBid().Equal(decimal.NewFromInt(10)))

	_, err = s.GetAuction(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	c := firstCommit(got)
	require.NoError(t, s.Commit(ctx, c))

	t.Run("stale version is refused", func(t *testing.T) {
		assert.ErrorIs(t, s.Commit(ctx, c), ErrVersionConflict)
	})

	after, err := s.GetAuction(ctx, "lot-1")
	require.NoError(t, err)
	assert.Equal(t, c.Auction.Version, after.Version)
	assert.True(t, after.CurrentPrice.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "A", after.CurrentWinnerID)

	bids, err := s.ListBids(ctx, "lot-1")
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, c.Bids[0].ID, bids[0].ID)
	assert.True(t, bids[0].TriggeringProxyID.Valid)

	proxies, err := s.ListProxies(ctx, "lot-1", true)
	require.NoError(t, err)
	require.Len(t, proxies, 1)
	assert.True(t, proxies[0].MaxAmount.Equal(decimal.NewFromInt(150)))
	assert.Equal(t, "proxy-key", proxies[0].IdempotencyKey)

	t.Run("duplicate key rolls back the whole commit", func(t *testing.T) {
		next := after
		next.Version++
		next.CurrentPrice = decimal.NewFromInt(20)
		next.CurrentWinnerID = "B"
		next.LastSeq = 2
		dup := Commit{
			Auction:         next,
			ExpectedVersion: after.Version,
			Bids: []model.Bid{{
				ID: model.BidID("lot-1", 2), AuctionID: "lot-1", BidderID: "B",
				Amount: decimal.NewFromInt(20), Kind: model.BidManual, Seq: 2,
				AcceptedAt: now, IdempotencyKey: "proxy-key",
			}},
			Proxies: []model.ProxyBid{{
				ID: model.ProxyID("lot-1", 9), AuctionID: "lot-1", BidderID: "C",
				MaxAmount: decimal.NewFromInt(40), SubmittedAt: now, Active: true, IdempotencyKey: "proxy-key",
			}},
		}
		assert.ErrorIs(t, s.Commit(ctx, dup), ErrDuplicate)

		unchanged, err := s.GetAuction(ctx, "lot-1")
		require.NoError(t, err)
		assert.Equal(t, after.Version, unchanged.Version)
		bids, err := s.ListBids(ctx, "lot-1")
		require.NoError(t, err)
		assert.Len(t, bids, 1)
	})

	t.Run("deactivation updates the existing proxy row", func(t *testing.T) {
		next := after
		next.Version++
		p := c.Proxies[0].Deactivated(model.DeactivatedEnded)
		next.Status = model.StatusClosed
		require.NoError(t, s.Commit(ctx, Commit{Auction: next, ExpectedVersion: after.Version, Proxies: []model.ProxyBid{p}}))

		active, err := s.ListProxies(ctx, "lot-1", true)
		require.NoError(t, err)
		assert.Empty(t, active)
		all, err := s.ListProxies(ctx, "lot-1", false)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, model.DeactivatedEnded, all[0].DeactivatedReason)

		open, err := s.ListAuctions(ctx, model.StatusLive, model.StatusExtended, model.StatusScheduled)
		require.NoError(t, err)
		assert.Empty(t, open)
		closed, err := s.ListAuctions(ctx, model.StatusClosed)
		require.NoError(t, err)
		assert.Len(t, closed, 1)
	})

	events, err := s.EventsSince(ctx, "lot-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventBidAccepted, events[0].Type)
	assert.Equal(t, uint64(2), events[0].Seq)
	assert.Equal(t, "A", events[0].Snapshot.CurrentWinnerID)

	limited, err := s.EventsSince(ctx, "lot-1", 0, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryStore(t *testing.T) {
	runContract(t, NewMemoryStore())
}

func TestGormStoreSQLite(t *testing.T) {
	db, err := database.NewSQLiteDB(":memory:", zap.NewNop())
	require.NoError(t, err)
	s := NewGormStore(db, zap.NewNop())
	require.NoError(t, s.Migrate(context.Background()))
	runContract(t, s)
}

func TestGormStoreOneActiveProxyPerBidder(t *testing.T) {
	db, err := database.NewSQLiteDB(":memory:", zap.NewNop())
	require.NoError(t, err)
	s := NewGormStore(db, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	a := newAuction("lot-2")
	require.NoError(t, s.CreateAuction(ctx, a, nil))
	c := firstCommit(a)
	second := c.Proxies[0]
	second.ID = model.ProxyID(a.ID, 3)
	second.IdempotencyKey = ""
	c.Proxies = append(c.Proxies, second)
	assert.ErrorIs(t, s.Commit(ctx, c), ErrDuplicate)
}

func TestKeys(t *testing.T) {
	keys := Keys(
		[]model.Bid{{IdempotencyKey: "b1"}, {}},
		[]model.ProxyBid{{IdempotencyKey: "p1"}},
	)
	assert.Len(t, keys, 2)
	assert.Contains(t, keys, "b1")
	assert.Contains(t, keys, "p1")
}
