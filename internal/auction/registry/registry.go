// Package registry keeps the active proxy ceilings of one auction ordered by
// resolution rank. It is private to the sequencer and resolver.
package registry

import (
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/Aidin1998/bidengine/internal/auction/model"
)

// Registry is copy-on-write: Clone is cheap and mutations on the clone never
// show through to the original. A single Registry is not safe for
// concurrent mutation.
type Registry struct {
	ranked   *btree.BTreeG[model.ProxyBid]
	byBidder map[string]model.ProxyBid
}

func byRank(a, b model.ProxyBid) bool { return a.Outranks(b) }

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		ranked:   btree.NewBTreeG[model.ProxyBid](byRank),
		byBidder: make(map[string]model.ProxyBid),
	}
}

// FromProxies builds a registry from persisted active proxies.
func FromProxies(proxies []model.ProxyBid) *Registry {
	r := New()
	for _, p := range proxies {
		if p.Active {
			r.Put(p)
		}
	}
	return r
}

// Clone returns an independent copy.
func (r *Registry) Clone() *Registry {
	m := make(map[string]model.ProxyBid, len(r.byBidder))
	for k, v := range r.byBidder {
		m[k] = v
	}
	return &Registry{ranked: r.ranked.Copy(), byBidder: m}
}

// Len returns the number of active proxies.
func (r *Registry) Len() int { return r.ranked.Len() }

// Active returns the bidder's active proxy.
func (r *Registry) Active(bidderID string) (model.ProxyBid, bool) {
	p, ok := r.byBidder[bidderID]
	return p, ok
}

// Put activates p, replacing the bidder's previous proxy which is returned.
func (r *Registry) Put(p model.ProxyBid) (model.ProxyBid, bool) {
	prev, had := r.Remove(p.BidderID)
	p.Active = true
	p.DeactivatedReason = ""
	r.ranked.Set(p)
	r.byBidder[p.BidderID] = p
	return prev, had
}

// Remove drops the bidder's active proxy.
func (r *Registry) Remove(bidderID string) (model.ProxyBid, bool) {
	p, ok := r.byBidder[bidderID]
	if !ok {
		return model.ProxyBid{}, false
	}
	r.ranked.Delete(p)
	delete(r.byBidder, bidderID)
	return p, true
}

// Best returns the highest ranked proxy not owned by exclude whose ceiling
// reaches floor.
func (r *Registry) Best(exclude string, floor decimal.Decimal) (model.ProxyBid, bool) {
	var best model.ProxyBid
	found := false
	r.ranked.Scan(func(p model.ProxyBid) bool {
		if p.MaxAmount.LessThan(floor) {
			return false
		}
		if p.BidderID == exclude {
			return true
		}
		best, found = p, true
		return false
	})
	return best, found
}

// Below returns active proxies whose ceiling is under floor, in rank order.
func (r *Registry) Below(floor decimal.Decimal) []model.ProxyBid {
	var out []model.ProxyBid
	r.ranked.Scan(func(p model.ProxyBid) bool {
		if p.MaxAmount.LessThan(floor) {
			out = append(out, p)
		}
		return true
	})
	return out
}

// List returns all active proxies in rank order.
func (r *Registry) List() []model.ProxyBid {
	out := make([]model.ProxyBid, 0, r.ranked.Len())
	r.ranked.Scan(func(p model.ProxyBid) bool {
		out = append(out, p)
		return true
	})
	return out
}
