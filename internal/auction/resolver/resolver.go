// Package resolver computes the next auction state for a bid. It has no side
// effects: identical inputs always produce identical outcomes.
package resolver

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/bidengine/internal/auction/model"
	"github.com/Aidin1998/bidengine/internal/auction/registry"
)

// ManualBid is a validated manual bid.
type ManualBid struct {
	BidderID       string
	Amount         decimal.Decimal
	IdempotencyKey string
	At             time.Time
}

// ProxyRequest is a validated proxy ceiling submission.
type ProxyRequest struct {
	BidderID       string
	MaxAmount      decimal.Decimal
	IsPriority     bool
	IdempotencyKey string
	At             time.Time
}

// Outcome is the result of one resolution. Registry is a new value; the
// input registry is never modified.
type Outcome struct {
	Auction  model.Auction
	Registry *registry.Registry
	// Bids lists the ledger entries to append, in order.
	Bids []model.Bid
	// Proxy is the accepted proxy for proxy submissions, in its final state.
	Proxy *model.ProxyBid
	// ProxyChanges holds every proxy row whose state changed.
	ProxyChanges []model.ProxyBid
}

// ImmediateBid returns the first bid placed by the submitted proxy, if any.
func (o Outcome) ImmediateBid() (model.Bid, bool) {
	if o.Proxy == nil {
		return model.Bid{}, false
	}
	for _, b := range o.Bids {
		if b.TriggeringProxyID.Valid && b.TriggeringProxyID.UUID == o.Proxy.ID {
			return b, true
		}
	}
	return model.Bid{}, false
}

type run struct {
	auction model.Auction
	reg     *registry.Registry
	at      time.Time
	bids    []model.Bid
	changes map[string]model.ProxyBid
	order   []string
}

func newRun(a model.Auction, reg *registry.Registry, at time.Time) *run {
	return &run{auction: a, reg: reg.Clone(), at: at, changes: make(map[string]model.ProxyBid)}
}

// ResolveManual applies a manual bid and any proxy counter-bids it triggers.
func ResolveManual(a model.Auction, reg *registry.Registry, bid ManualBid) (Outcome, error) {
	if floor := a.NextMinBid(); bid.Amount.LessThan(floor) {
		return Outcome{}, model.Reject(model.ReasonAmountBelowMinimum, "amount %s is below next minimum bid %s", bid.Amount, floor)
	}
	r := newRun(a, reg, bid.At)
	r.append(bid.BidderID, bid.Amount, model.BidManual, nil, bid.IdempotencyKey)
	r.settle()
	return r.outcome(nil), nil
}

// ResolveProxy registers a proxy ceiling and lets it compete immediately.
func ResolveProxy(a model.Auction, reg *registry.Registry, req ProxyRequest) (Outcome, error) {
	if floor := a.NextMinBid(); req.MaxAmount.LessThan(floor) {
		return Outcome{}, model.Reject(model.ReasonAmountBelowMinimum, "max amount %s is below next minimum bid %s", req.MaxAmount, floor)
	}
	r := newRun(a, reg, req.At)
	op := a.Version + 1
	p := model.ProxyBid{
		ID:             model.ProxyID(a.ID, op),
		AuctionID:      a.ID,
		BidderID:       req.BidderID,
		MaxAmount:      req.MaxAmount,
		IsPriority:     req.IsPriority,
		SubmittedAt:    req.At,
		SubmittedSeq:   op,
		IdempotencyKey: req.IdempotencyKey,
	}
	if prev, had := r.reg.Put(p); had {
		r.record(prev.Deactivated(model.DeactivatedSuperseded))
	}
	stored, _ := r.reg.Active(req.BidderID)
	r.record(stored)
	r.settle()

	final := r.changes[p.ID.String()]
	return r.outcome(&final), nil
}

// settle runs counter-bids until no proxy can take the lead. A challenger
// that outranks the leader's proxy wins at the minimum sufficient amount; a
// weaker challenger is driven to its ceiling first.
func (r *run) settle() {
	r.sweep()
	for {
		floor := r.auction.NextMinBid()
		c, ok := r.reg.Best(r.auction.CurrentWinnerID, floor)
		if !ok {
			break
		}
		d, defended := r.reg.Active(r.auction.CurrentWinnerID)
		switch {
		case !defended:
			r.counter(c, floor)
		case c.Outranks(d):
			r.counter(c, decimal.Min(c.MaxAmount, r.auction.Increment.NextMin(d.MaxAmount)))
		default:
			reply := r.auction.Increment.NextMin(c.MaxAmount)
			if reply.LessThanOrEqual(d.MaxAmount) {
				r.counter(c, c.MaxAmount)
				r.counter(d, reply)
			} else {
				r.counter(d, d.MaxAmount)
			}
		}
		r.sweep()
	}
}

func (r *run) counter(p model.ProxyBid, amount decimal.Decimal) {
	r.append(p.BidderID, amount, model.BidProxyGenerated, &p, "")
}

func (r *run) append(bidderID string, amount decimal.Decimal, kind model.BidKind, trigger *model.ProxyBid, key string) {
	seq := r.auction.LastSeq + 1
	b := model.Bid{
		ID:             model.BidID(r.auction.ID, seq),
		AuctionID:      r.auction.ID,
		BidderID:       bidderID,
		Amount:         amount,
		Kind:           kind,
		Seq:            seq,
		AcceptedAt:     r.at,
		IdempotencyKey: key,
	}
	if trigger != nil {
		b.TriggeringProxyID.UUID = trigger.ID
		b.TriggeringProxyID.Valid = true
	}
	r.bids = append(r.bids, b)
	r.auction.LastSeq = seq
	r.auction.CurrentPrice = amount
	r.auction.CurrentWinnerID = bidderID
	r.auction.BidCount++
}

// sweep deactivates every proxy that can no longer meet the next minimum.
func (r *run) sweep() {
	for _, p := range r.reg.Below(r.auction.NextMinBid()) {
		r.reg.Remove(p.BidderID)
		reason := model.DeactivatedOutbid
		if p.BidderID == r.auction.CurrentWinnerID {
			reason = model.DeactivatedExhausted
		}
		r.record(p.Deactivated(reason))
	}
}

func (r *run) record(p model.ProxyBid) {
	k := p.ID.String()
	if _, seen := r.changes[k]; !seen {
		r.order = append(r.order, k)
	}
	r.changes[k] = p
}

func (r *run) outcome(proxy *model.ProxyBid) Outcome {
	changes := make([]model.ProxyBid, 0, len(r.order))
	for _, k := range r.order {
		changes = append(changes, r.changes[k])
	}
	return Outcome{
		Auction:      r.auction,
		Registry:     r.reg,
		Bids:         r.bids,
		Proxy:        proxy,
		ProxyChanges: changes,
	}
}

// CloseOut deactivates every remaining proxy when the auction ends.
func CloseOut(reg *registry.Registry) []model.ProxyBid {
	var out []model.ProxyBid
	for _, p := range reg.List() {
		out = append(out, p.Deactivated(model.DeactivatedEnded))
	}
	return out
}
