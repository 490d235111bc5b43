package sequencer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/bidengine/internal/auction/model"
)

type opKind string

const (
	opManual   opKind = "manual_bid"
	opProxy    opKind = "proxy_bid"
	opClose    opKind = "close"
	opCancel   opKind = "cancel"
	opActivate opKind = "activate"
)

const (
	cmdPending int32 = iota
	cmdRunning
	cmdAbandoned
)

// command is one mailbox entry. The worker and the caller race to move it
// out of cmdPending; whoever wins decides whether it runs.
type command struct {
	op       opKind
	ctx      context.Context
	enqueued time.Time

	bidderID   string
	amount     decimal.Decimal
	isPriority bool
	key        string
	actor      string

	// exempt commands cannot be abandoned once queued.
	exempt bool
	state  atomic.Int32
	result chan result
}

type result struct {
	bid      *BidResult
	proxy    *ProxyResult
	final    *model.FinalState
	snapshot model.Snapshot
	err      error
}

func newCommand(ctx context.Context, op opKind) *command {
	return &command{op: op, ctx: ctx, enqueued: time.Now(), result: make(chan result, 1)}
}

func (c *command) claim() bool { return c.state.CompareAndSwap(cmdPending, cmdRunning) }

func (c *command) abandon() bool {
	if c.exempt {
		return false
	}
	return c.state.CompareAndSwap(cmdPending, cmdAbandoned)
}

// BidResult is returned for an accepted manual bid.
type BidResult struct {
	Bid model.Bid `json:"bid"`
	// CounterBids are proxy bids the manual bid triggered, in ledger order.
	CounterBids []model.Bid    `json:"counter_bids,omitempty"`
	Snapshot    model.Snapshot `json:"snapshot"`
}

// ProxyResult is returned for an accepted proxy bid. The ceiling is the
// caller's own and is safe to return to them.
type ProxyResult struct {
	Proxy        model.ProxyBid `json:"proxy"`
	ImmediateBid *model.Bid     `json:"immediate_bid,omitempty"`
	// GeneratedBids holds every ledger entry the submission produced.
	GeneratedBids []model.Bid    `json:"generated_bids,omitempty"`
	Snapshot      model.Snapshot `json:"snapshot"`
}
