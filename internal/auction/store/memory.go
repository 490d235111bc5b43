package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Aidin1998/bidengine/internal/auction/model"
)

type memRecord struct {
	auction    model.Auction
	bids       []model.Bid
	proxies    map[string]model.ProxyBid
	proxyOrder []string
	events     []model.Event
	keys       map[string]struct{}
}

// MemoryStore keeps everything in process. It is used for tests and for
// single-node runs without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	auctions map[string]*memRecord
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{auctions: make(map[string]*memRecord)}
}

func (s *MemoryStore) CreateAuction(ctx context.Context, a model.Auction, events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctions[a.ID]; ok {
		return fmt.Errorf("create %s: %w", a.ID, ErrAuctionExists)
	}
	s.auctions[a.ID] = &memRecord{
		auction: a,
		proxies: make(map[string]model.ProxyBid),
		events:  append([]model.Event(nil), events...),
		keys:    make(map[string]struct{}),
	}
	return nil
}

func (s *MemoryStore) Commit(ctx context.Context, c Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.auctions[c.Auction.ID]
	if !ok {
		return fmt.Errorf("commit %s: %w", c.Auction.ID, ErrNotFound)
	}
	if rec.auction.Version != c.ExpectedVersion {
		return fmt.Errorf("commit %s at version %d, stored %d: %w", c.Auction.ID, c.ExpectedVersion, rec.auction.Version, ErrVersionConflict)
	}
	fresh := make(map[string]struct{})
	check := func(key string) error {
		if key == "" {
			return nil
		}
		if _, dup := rec.keys[key]; dup {
			return fmt.Errorf("commit %s key %q: %w", c.Auction.ID, key, ErrDuplicate)
		}
		if _, dup := fresh[key]; dup {
			return fmt.Errorf("commit %s key %q: %w", c.Auction.ID, key, ErrDuplicate)
		}
		fresh[key] = struct{}{}
		return nil
	}
	for _, b := range c.Bids {
		if err := check(b.IdempotencyKey); err != nil {
			return err
		}
	}
	for _, p := range c.Proxies {
		if _, existing := rec.proxies[p.ID.String()]; existing {
			continue
		}
		if err := check(p.IdempotencyKey); err != nil {
			return err
		}
	}

	rec.auction = c.Auction
	rec.bids = append(rec.bids, c.Bids...)
	for _, p := range c.Proxies {
		k := p.ID.String()
		if _, existing := rec.proxies[k]; !existing {
			rec.proxyOrder = append(rec.proxyOrder, k)
		}
		rec.proxies[k] = p
	}
	rec.events = append(rec.events, c.Events...)
	for k := range fresh {
		rec.keys[k] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) GetAuction(ctx context.Context, id string) (model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.auctions[id]
	if !ok {
		return model.Auction{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return rec.auction, nil
}

func (s *MemoryStore) ListAuctions(ctx context.Context, statuses ...model.Status) ([]model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Auction
	for _, rec := range s.auctions {
		if matchStatus(rec.auction.Status, statuses) {
			out = append(out, rec.auction)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matchStatus(s model.Status, want []model.Status) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if s == w {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ListBids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.auctions[auctionID]
	if !ok {
		return nil, fmt.Errorf("bids %s: %w", auctionID, ErrNotFound)
	}
	return append([]model.Bid(nil), rec.bids...), nil
}

func (s *MemoryStore) ListProxies(ctx context.Context, auctionID string, activeOnly bool) ([]model.ProxyBid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.auctions[auctionID]
	if !ok {
		return nil, fmt.Errorf("proxies %s: %w", auctionID, ErrNotFound)
	}
	var out []model.ProxyBid
	for _, k := range rec.proxyOrder {
		p := rec.proxies[k]
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) EventsSince(ctx context.Context, auctionID string, afterSeq uint64, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.auctions[auctionID]
	if !ok {
		return nil, fmt.Errorf("events %s: %w", auctionID, ErrNotFound)
	}
	var out []model.Event
	for _, e := range rec.events {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
