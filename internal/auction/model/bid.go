package model

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BidKind tags a ledger entry.
type BidKind string

const (
	BidManual         BidKind = "manual"
	BidProxyGenerated BidKind = "proxy_generated"
)

// Bid is an immutable ledger entry.
type Bid struct {
	ID                uuid.UUID       `json:"bid_id"`
	AuctionID         string          `json:"auction_id"`
	BidderID          string          `json:"bidder_id"`
	Amount            decimal.Decimal `json:"amount"`
	Kind              BidKind         `json:"kind"`
	Seq               uint64          `json:"seq"`
	AcceptedAt        time.Time       `json:"accepted_at"`
	TriggeringProxyID uuid.NullUUID   `json:"triggering_proxy_id"`
	IdempotencyKey    string          `json:"-"`
}

// DeactivationReason records why a proxy stopped bidding.
type DeactivationReason string

const (
	DeactivatedSuperseded DeactivationReason = "superseded"
	DeactivatedOutbid     DeactivationReason = "outbid"
	DeactivatedExhausted  DeactivationReason = "exhausted"
	DeactivatedEnded      DeactivationReason = "auction_ended"
)

// ProxyBid is a bidder's confidential ceiling.
type ProxyBid struct {
	ID                uuid.UUID          `json:"proxy_id"`
	AuctionID         string             `json:"auction_id"`
	BidderID          string             `json:"bidder_id"`
	MaxAmount         decimal.Decimal    `json:"max_amount"`
	IsPriority        bool               `json:"is_priority"`
	SubmittedAt       time.Time          `json:"submitted_at"`
	SubmittedSeq      uint64             `json:"submitted_seq"`
	Active            bool               `json:"active"`
	DeactivatedReason DeactivationReason `json:"deactivated_reason,omitempty"`
	IdempotencyKey    string             `json:"-"`
}

// Outranks orders proxies for resolution: higher ceiling, then priority,
// then earlier submission time, then earlier arrival at the sequencer.
func (p ProxyBid) Outranks(o ProxyBid) bool {
	if c := p.MaxAmount.Cmp(o.MaxAmount); c != 0 {
		return c > 0
	}
	if p.IsPriority != o.IsPriority {
		return p.IsPriority
	}
	if !p.SubmittedAt.Equal(o.SubmittedAt) {
		return p.SubmittedAt.Before(o.SubmittedAt)
	}
	if p.SubmittedSeq != o.SubmittedSeq {
		return p.SubmittedSeq < o.SubmittedSeq
	}
	return p.ID.String() < o.ID.String()
}

// Deactivated returns a copy of p marked inactive.
func (p ProxyBid) Deactivated(reason DeactivationReason) ProxyBid {
	p.Active = false
	p.DeactivatedReason = reason
	return p
}

// Deterministic ids keep resolution a pure function of its inputs.
var idNamespace = uuid.MustParse("6f1d8c1e-3b7a-5c2e-9a41-0d2b7e5f8a10")

// BidID derives the id of the ledger entry at seq.
func BidID(auctionID string, seq uint64) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte(auctionID+"/bid/"+strconv.FormatUint(seq, 10)))
}

// ProxyID derives the id of the proxy submitted by operation op.
func ProxyID(auctionID string, op uint64) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte(auctionID+"/proxy/"+strconv.FormatUint(op, 10)))
}

// EventID derives the id of the event at seq.
func EventID(auctionID string, seq uint64) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte(auctionID+"/event/"+strconv.FormatUint(seq, 10)))
}
