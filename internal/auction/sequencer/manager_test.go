package sequencer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/bidengine/internal/auction/model"
	"github.com/Aidin1998/bidengine/internal/auction/publisher"
	"github.com/Aidin1998/bidengine/internal/auction/store"
	"github.com/Aidin1998/bidengine/internal/ws"
)

// gatedCreateStore holds CreateAuction for one auction id until released,
// and can fail the next create.
type gatedCreateStore struct {
	store.Store
	gate    string
	entered chan struct{}
	release chan struct{}
	fail    error
}

func (g *gatedCreateStore) CreateAuction(ctx context.Context, a model.Auction, events []model.Event) error {
	if a.ID == g.gate {
		close(g.entered)
		<-g.release
	}
	if g.fail != nil {
		err := g.fail
		g.fail = nil
		return err
	}
	return g.Store.CreateAuction(ctx, a, events)
}

func TestOpenDoesNotBlockOtherAuctions(t *testing.T) {
	st := &gatedCreateStore{
		Store:   store.NewMemoryStore(),
		gate:    "slow",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarness(t, st)
	ctx := context.Background()
	h.open(t, liveSpec("other"))

	opened := make(chan error, 1)
	go func() {
		_, err := h.m.Open(ctx, liveSpec("slow"))
		opened <- err
	}()
	<-st.entered

	bid := make(chan error, 1)
	go func() {
		_, err := h.m.SubmitManualBid(ctx, "other", "A", dec("10"), "")
		bid <- err
	}()
	select {
	case err := <-bid:
		require.NoError(t, err)
	case <-time.After(200 * time.Millisecond):
		close(st.release)
		t.Fatal("bid on a loaded auction waited for another auction's store write")
	}

	_, err := h.m.Open(ctx, liveSpec("slow"))
	assert.ErrorIs(t, err, model.ErrAuctionExists, "an open in flight reserves the id")

	close(st.release)
	require.NoError(t, <-opened)
	_, err = h.m.Get("slow")
	require.NoError(t, err)
}

func TestFailedOpenReleasesTheID(t *testing.T) {
	st := &gatedCreateStore{Store: store.NewMemoryStore(), fail: errors.New("disk full")}
	h := newHarness(t, st)
	ctx := context.Background()

	_, err := h.m.Open(ctx, liveSpec("lot-31"))
	assert.ErrorIs(t, err, model.ErrPersistence)
	_, err = h.m.Get("lot-31")
	assert.ErrorIs(t, err, model.ErrAuctionNotFound)

	h.open(t, liveSpec("lot-31"))
}

func TestSubmissionsApplyInArrivalOrder(t *testing.T) {
	fs := &flakyStore{Store: store.NewMemoryStore()}
	h := newHarness(t, fs)
	ctx := context.Background()
	h.open(t, liveSpec("lot-32"))
	seq, err := h.m.Get("lot-32")
	require.NoError(t, err)

	fs.blockNext()
	entered, release := fs.entered, fs.release
	first := make(chan error, 1)
	go func() {
		_, err := h.m.SubmitManualBid(ctx, "lot-32", "first", dec("10"), "")
		first <- err
	}()
	<-entered

	bidders := []string{"A", "B", "C"}
	results := make(chan error, len(bidders))
	for i, bidder := range bidders {
		amount := decimal.NewFromInt(int64(20 + 10*i))
		go func() {
			_, err := h.m.SubmitManualBid(ctx, "lot-32", bidder, amount, "")
			results <- err
		}()
		// wait until this command is queued before sending the next one
		require.Eventually(t, func() bool { return len(seq.mailbox) == i+1 }, time.Second, time.Millisecond)
	}

	close(release)
	require.NoError(t, <-first)
	for range bidders {
		require.NoError(t, <-results)
	}

	bids, err := h.m.Bids(ctx, "lot-32")
	require.NoError(t, err)
	order := make([]string, len(bids))
	for i, b := range bids {
		order[i] = b.BidderID
	}
	assert.Equal(t, []string{"first", "A", "B", "C"}, order)
}

func TestBidEventPrecedesItsExtension(t *testing.T) {
	h := newHarness(t, store.NewMemoryStore())
	ctx := context.Background()
	spec := liveSpec("lot-33")
	spec.EndTime = t0.Add(10 * time.Minute)
	h.open(t, spec)

	h.clock.Set(t0.Add(9 * time.Minute))
	br, err := h.m.SubmitManualBid(ctx, "lot-33", "A", dec("10"), "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusExtended, br.Snapshot.Status)

	events := h.pub.forAuction("lot-33")
	require.Equal(t, []model.EventType{model.EventAuctionStarted, model.EventBidAccepted, model.EventAuctionExtended}, types(events))

	accepted, extended := events[1].Snapshot, events[2].Snapshot
	assert.Equal(t, model.StatusLive, accepted.Status)
	assert.Equal(t, t0.Add(10*time.Minute), accepted.EndTime)
	assert.Equal(t, "A", accepted.CurrentWinnerID)
	assert.Equal(t, model.StatusExtended, extended.Status)
	assert.Equal(t, t0.Add(11*time.Minute), extended.EndTime)
}

func TestFinishedAuctionsReleaseDispatcherAndHubState(t *testing.T) {
	clk := &fakeClock{now: t0}
	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := ws.NewHub(ws.DefaultConfig(), zap.NewNop())
	go hub.Run(runCtx)

	d := publisher.NewDispatcher(publisher.DispatcherConfig{
		RetryBase:   time.Millisecond,
		RetryMax:    4 * time.Millisecond,
		SinkTimeout: time.Second,
	}, zap.NewNop(), hub)
	d.OnForget(hub.Forget)

	cfg := Config{QueueTimeout: time.Second, MailboxSize: 64, StoreTimeout: 5 * time.Second, Clock: clk.Now}
	m := NewManager(cfg, store.NewMemoryStore(), d, zap.NewNop())
	m.OnEvict(d.Forget)
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
		_ = d.Close(context.Background())
	})

	const n = 50
	ctx := context.Background()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("lot-%d", 100+i)
		_, err := m.Open(ctx, liveSpec(ids[i]))
		require.NoError(t, err)
		_, err = m.SubmitManualBid(ctx, ids[i], "A", dec("10"), "")
		require.NoError(t, err)
	}

	clk.Set(t0.Add(2 * time.Hour))
	for _, id := range ids {
		_, err := m.CloseAuction(ctx, id)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return d.Lanes() == 0 }, 2*time.Second, 5*time.Millisecond)
	for _, id := range ids {
		assert.Zero(t, d.Pending(id))
		assert.Nil(t, hub.Replay(ws.Topic(id), 0), "replay buffer of %s", id)
	}
}
