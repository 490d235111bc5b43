// Package ledger holds the append-only per-auction log of accepted bids.
package ledger

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/bidengine/internal/auction/model"
)

// Ledger is safe for concurrent readers; only the auction's sequencer appends.
type Ledger struct {
	mu        sync.RWMutex
	auctionID string
	entries   []model.Bid
}

// New returns an empty ledger for auctionID.
func New(auctionID string) *Ledger {
	return &Ledger{auctionID: auctionID}
}

// Restore rebuilds a ledger from persisted entries in sequence order.
func Restore(auctionID string, bids []model.Bid) (*Ledger, error) {
	l := New(auctionID)
	if err := l.Append(bids...); err != nil {
		return nil, fmt.Errorf("failed to restore ledger for %s: %w", auctionID, err)
	}
	return l, nil
}

// Append adds entries atomically. Sequence numbers must continue the log.
func (l *Ledger) Append(bids ...model.Bid) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.lastSeqLocked() + 1
	for i, b := range bids {
		if b.AuctionID != l.auctionID {
			return fmt.Errorf("bid %s belongs to auction %s, not %s", b.ID, b.AuctionID, l.auctionID)
		}
		if b.Seq != next+uint64(i) {
			return fmt.Errorf("bid %s has seq %d, want %d", b.ID, b.Seq, next+uint64(i))
		}
	}
	l.entries = append(l.entries, bids...)
	return nil
}

func (l *Ledger) lastSeqLocked() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Seq
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Last returns the most recent entry.
func (l *Ledger) Last() (model.Bid, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return model.Bid{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Entries returns a copy of the whole log.
func (l *Ledger) Entries() []model.Bid {
	return l.Since(0)
}

// Since returns entries with Seq > seq.
func (l *Ledger) Since(seq uint64) []model.Bid {
	l.mu.RLock()
	defer l.mu.RUnlock()
	// seq numbers start at 1 and are contiguous
	if seq >= uint64(len(l.entries)) {
		return nil
	}
	out := make([]model.Bid, len(l.entries)-int(seq))
	copy(out, l.entries[seq:])
	return out
}

// Verify checks that every entry met the minimum implied by the entries
// before it, starting from startingPrice.
func Verify(bids []model.Bid, schedule model.IncrementSchedule, startingPrice decimal.Decimal) error {
	price := startingPrice
	for i, b := range bids {
		floor := schedule.NextMin(price)
		if b.Amount.LessThan(floor) {
			return fmt.Errorf("entry %d (%s) amount %s below minimum %s", i, b.ID, b.Amount, floor)
		}
		price = b.Amount
	}
	return nil
}
