// Package store persists auctions, ledger entries, proxies and the event
// outbox. Every Commit is all-or-nothing.
package store

import (
	"context"
	"errors"

	"github.com/Aidin1998/bidengine/internal/auction/model"
)

var (
	ErrNotFound        = errors.New("auction not found")
	ErrAuctionExists   = errors.New("auction already exists")
	ErrDuplicate       = errors.New("duplicate idempotency key")
	ErrVersionConflict = errors.New("auction version conflict")
)

// Commit is the unit written for one sequencer operation.
type Commit struct {
	Auction         model.Auction
	ExpectedVersion uint64
	Bids            []model.Bid
	Proxies         []model.ProxyBid
	Events          []model.Event
}

// Store is the persistence contract of the engine.
type Store interface {
	CreateAuction(ctx context.Context, a model.Auction, events []model.Event) error
	Commit(ctx context.Context, c Commit) error
	GetAuction(ctx context.Context, id string) (model.Auction, error)
	ListAuctions(ctx context.Context, statuses ...model.Status) ([]model.Auction, error)
	ListBids(ctx context.Context, auctionID string) ([]model.Bid, error)
	ListProxies(ctx context.Context, auctionID string, activeOnly bool) ([]model.ProxyBid, error)
	EventsSince(ctx context.Context, auctionID string, afterSeq uint64, limit int) ([]model.Event, error)
}

// Keys returns every idempotency key already used in an auction.
func Keys(bids []model.Bid, proxies []model.ProxyBid) map[string]struct{} {
	keys := make(map[string]struct{})
	for _, b := range bids {
		if b.IdempotencyKey != "" {
			keys[b.IdempotencyKey] = struct{}{}
		}
	}
	for _, p := range proxies {
		if p.IdempotencyKey != "" {
			keys[p.IdempotencyKey] = struct{}{}
		}
	}
	return keys
}
