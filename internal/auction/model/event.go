package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType names an auction-scoped state change.
type EventType string

const (
	EventBidAccepted      EventType = "BidAccepted"
	EventProxyBidAccepted EventType = "ProxyBidAccepted"
	EventAuctionExtended  EventType = "AuctionExtended"
	EventAuctionClosed    EventType = "AuctionClosed"
	EventAuctionCancelled EventType = "AuctionCancelled"
	EventAuctionStarted   EventType = "AuctionStarted"
)

// BidInfo is the public part of an accepted bid.
type BidInfo struct {
	BidID    uuid.UUID       `json:"bid_id"`
	BidderID string          `json:"bidder_id"`
	Amount   decimal.Decimal `json:"amount"`
	Kind     BidKind         `json:"kind"`
	Seq      uint64          `json:"seq"`
}

// ProxyInfo announces a proxy without its ceiling.
type ProxyInfo struct {
	ProxyID    uuid.UUID `json:"proxy_id"`
	BidderID   string    `json:"bidder_id"`
	IsPriority bool      `json:"is_priority"`
	Active     bool      `json:"active"`
}

// Event is delivered at least once; consumers keep the highest Seq per auction.
type Event struct {
	ID         uuid.UUID  `json:"event_id"`
	AuctionID  string     `json:"auction_id"`
	Seq        uint64     `json:"sequence_number"`
	Type       EventType  `json:"type"`
	Snapshot   Snapshot   `json:"snapshot"`
	Bid        *BidInfo   `json:"bid,omitempty"`
	Proxy      *ProxyInfo `json:"proxy,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// PublicBid strips confidential fields from b.
func PublicBid(b Bid) *BidInfo {
	return &BidInfo{BidID: b.ID, BidderID: b.BidderID, Amount: b.Amount, Kind: b.Kind, Seq: b.Seq}
}

// PublicProxy strips the ceiling from p.
func PublicProxy(p ProxyBid) *ProxyInfo {
	return &ProxyInfo{ProxyID: p.ID, BidderID: p.BidderID, IsPriority: p.IsPriority, Active: p.Active}
}
