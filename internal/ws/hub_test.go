package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/bidengine/internal/auction/model"
)

func event(auction string, seq uint64) model.Event {
	return model.Event{AuctionID: auction, Seq: seq, Type: model.EventBidAccepted, Snapshot: model.Snapshot{AuctionID: auction, LastSeq: seq}}
}

func TestRingBufferWraps(t *testing.T) {
	r := newRingBuffer(3)
	for i := uint64(1); i <= 5; i++ {
		r.add(Message{Topic: "t", Seq: i})
	}
	got := r.since(0)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].Seq)
	assert.Len(t, r.since(4), 1)
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Shards = 2
	hub := NewHub(cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("client"))
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, client string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?client=" + client
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestSubscribedClientReceivesEventsInOrder(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "c1")
	require.NoError(t, conn.WriteJSON(Request{Subscribe: []string{Topic("lot-1")}}))

	// the subscription is processed asynchronously; poll until it is visible
	require.Eventually(t, func() bool {
		for _, sh := range hub.shards {
			sh.mu.RLock()
			for c := range sh.clients {
				if c.subscribed(Topic("lot-1")) {
					sh.mu.RUnlock()
					return true
				}
			}
			sh.mu.RUnlock()
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, hub.Deliver(ctx, event("lot-2", 1)))
	require.NoError(t, hub.Deliver(ctx, event("lot-1", 1)))
	require.NoError(t, hub.Deliver(ctx, event("lot-1", 2)))

	first := readFrame(t, conn)
	second := readFrame(t, conn)
	assert.Equal(t, "auction.lot-1", first.Topic)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)

	var e model.Event
	require.NoError(t, json.Unmarshal(second.Data, &e))
	assert.Equal(t, "lot-1", e.Snapshot.AuctionID)
}

func TestLateSubscriberGetsReplaySinceSeq(t *testing.T) {
	hub, srv := startHub(t)
	ctx := context.Background()
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, hub.Deliver(ctx, event("lot-5", seq)))
	}
	require.Eventually(t, func() bool { return len(hub.Replay(Topic("lot-5"), 0)) == 3 }, 2*time.Second, 5*time.Millisecond)

	conn := dial(t, srv, "late")
	require.NoError(t, conn.WriteJSON(Request{
		Subscribe: []string{Topic("lot-5"), "not-an-auction"},
		Since:     map[string]uint64{Topic("lot-5"): 1},
	}))
	assert.Equal(t, uint64(2), readFrame(t, conn).Seq)
	assert.Equal(t, uint64(3), readFrame(t, conn).Seq)

	hub.Forget("lot-5")
	assert.Nil(t, hub.Replay(Topic("lot-5"), 0))
}

func TestDeliverBuffersBeforeReturning(t *testing.T) {
	hub, _ := startHub(t)
	ctx := context.Background()
	require.NoError(t, hub.Deliver(ctx, event("lot-7", 1)))
	require.NoError(t, hub.Deliver(ctx, event("lot-7", 1)))
	require.Len(t, hub.Replay(Topic("lot-7"), 0), 1)

	hub.Forget("lot-7")
	// the broadcast loop must not bring the buffer back
	assert.Never(t, func() bool { return hub.Replay(Topic("lot-7"), 0) != nil }, 100*time.Millisecond, 5*time.Millisecond)
}
