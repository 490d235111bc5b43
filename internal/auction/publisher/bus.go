package publisher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Aidin1998/bidengine/internal/auction/model"
)

// AllAuctions subscribes to every auction.
const AllAuctions = "*"

// Handler handles one event. It should be fast and non-blocking; panics are
// recovered and logged.
type Handler func(model.Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is an in-process sink that fans events out to subscribers keyed by
// auction id. Handlers run synchronously so per-auction order is kept.
type Bus struct {
	logger *zap.Logger
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger, subs: make(map[string][]subscription)}
}

func (b *Bus) Name() string { return "bus" }

// Deliver hands e to subscribers of its auction and of AllAuctions.
func (b *Bus) Deliver(ctx context.Context, e model.Event) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[e.AuctionID])+len(b.subs[AllAuctions]))
	for _, s := range b.subs[e.AuctionID] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range b.subs[AllAuctions] {
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.call(h, e)
	}
	return nil
}

func (b *Bus) call(h Handler, e model.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panic", zap.Any("recover", r), zap.String("auction_id", e.AuctionID))
		}
	}()
	h(e)
}

// Subscribe registers h for auctionID (or AllAuctions) and returns a
// function that removes it.
func (b *Bus) Subscribe(auctionID string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[auctionID] = append(b.subs[auctionID], subscription{id: id, handler: h})
	b.logger.Debug("Subscribed handler", zap.String("auction_id", auctionID))

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[auctionID]
		for i, s := range list {
			if s.id == id {
				b.subs[auctionID] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(b.subs[auctionID]) == 0 {
			delete(b.subs, auctionID)
		}
	}
}
