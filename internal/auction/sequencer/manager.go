package sequencer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/bidengine/internal/auction/antisnipe"
	"github.com/Aidin1998/bidengine/internal/auction/ledger"
	"github.com/Aidin1998/bidengine/internal/auction/model"
	"github.com/Aidin1998/bidengine/internal/auction/publisher"
	"github.com/Aidin1998/bidengine/internal/auction/registry"
	"github.com/Aidin1998/bidengine/internal/auction/store"
	"github.com/Aidin1998/bidengine/pkg/metrics"
)

// Manager owns the sequencers of every auction loaded on this node.
type Manager struct {
	cfg    Config
	store  store.Store
	pub    publisher.Publisher
	logger *zap.Logger

	mu      sync.RWMutex
	seqs    map[string]*Sequencer
	opening map[string]struct{}
	onEvict []func(auctionID string)
}

// NewManager builds an empty manager. Call Restore to load open auctions.
func NewManager(cfg Config, st store.Store, pub publisher.Publisher, logger *zap.Logger) *Manager {
	if pub == nil {
		pub = publisher.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		store:   st,
		pub:     pub,
		logger:  logger,
		seqs:    make(map[string]*Sequencer),
		opening: make(map[string]struct{}),
	}
}

// OnEvict registers fn to run after a finished auction is unloaded.
func (m *Manager) OnEvict(fn func(auctionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = append(m.onEvict, fn)
}

func (m *Manager) spawn(a model.Auction, reg *registry.Registry, l *ledger.Ledger, keys map[string]struct{}) *Sequencer {
	seq := newSequencer(a, reg, l, keys, m.cfg, m.store, m.pub, m.logger)
	m.seqs[a.ID] = seq
	metrics.ActiveAuctions.Inc()
	return seq
}

// reserve claims id for an open or restore in flight. It reports false
// when the auction is already loaded or being loaded.
func (m *Manager) reserve(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seqs[id]; ok {
		return false
	}
	if _, ok := m.opening[id]; ok {
		return false
	}
	m.opening[id] = struct{}{}
	return true
}

// install releases the reservation on id and, when a is non-nil, starts its
// sequencer.
func (m *Manager) install(id string, a *model.Auction, reg *registry.Registry, l *ledger.Ledger, keys map[string]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.opening, id)
	if a != nil {
		m.spawn(*a, reg, l, keys)
	}
}

// Open registers an auction and starts its sequencer. The store write runs
// outside the manager lock.
func (m *Manager) Open(ctx context.Context, spec model.Spec) (model.Snapshot, error) {
	if err := spec.Validate(); err != nil {
		return model.Snapshot{}, err
	}
	if !m.reserve(spec.ID) {
		return model.Snapshot{}, model.Reject(model.ReasonAuctionExists, "auction %s already exists", spec.ID)
	}

	now := m.cfg.now()
	a := model.NewAuction(spec, now)
	var events []model.Event
	if a.Status == model.StatusLive {
		em := &emitter{next: &a, at: now}
		em.emit(model.EventAuctionStarted, a.Snapshot(), nil, nil)
		events = em.events
	}
	if err := m.store.CreateAuction(ctx, a, events); err != nil {
		m.install(spec.ID, nil, nil, nil, nil)
		if errors.Is(err, store.ErrAuctionExists) {
			return model.Snapshot{}, &model.Rejection{Reason: model.ReasonAuctionExists, Detail: spec.ID, Err: err}
		}
		return model.Snapshot{}, model.Wrap(model.ReasonPersistence, err)
	}
	m.install(a.ID, &a, registry.New(), ledger.New(a.ID), nil)
	m.pub.Publish(events...)
	m.logger.Info("Auction opened",
		zap.String("auction_id", a.ID),
		zap.String("status", string(a.Status)),
		zap.Time("end_time", a.EndTime))
	return a.Snapshot(), nil
}

// Get returns the sequencer of a loaded auction.
func (m *Manager) Get(auctionID string) (*Sequencer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seq, ok := m.seqs[auctionID]
	if !ok {
		return nil, model.Reject(model.ReasonAuctionNotFound, "auction %s not found", auctionID)
	}
	return seq, nil
}

// stored reads an auction that has no sequencer here.
func (m *Manager) stored(ctx context.Context, auctionID string) (model.Auction, error) {
	a, err := m.store.GetAuction(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Auction{}, model.Reject(model.ReasonAuctionNotFound, "auction %s not found", auctionID)
	}
	if err != nil {
		return model.Auction{}, model.Wrap(model.ReasonPersistence, err)
	}
	return a, nil
}

// lookup returns the sequencer for a command, or the rejection a command
// against an unloaded auction deserves.
func (m *Manager) lookup(ctx context.Context, auctionID string) (*Sequencer, error) {
	if seq, err := m.Get(auctionID); err == nil {
		return seq, nil
	}
	a, err := m.stored(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if a.Status.Terminal() {
		return nil, model.Reject(model.ReasonAuctionClosed, "auction %s is %s", auctionID, a.Status)
	}
	return nil, model.Reject(model.ReasonAuctionNotFound, "auction %s is not loaded on this node", auctionID)
}

// Snapshot returns the public state of an auction, loaded or not.
func (m *Manager) Snapshot(ctx context.Context, auctionID string) (model.Snapshot, error) {
	if seq, err := m.Get(auctionID); err == nil {
		return seq.Snapshot(), nil
	}
	a, err := m.stored(ctx, auctionID)
	if err != nil {
		return model.Snapshot{}, err
	}
	return a.Snapshot(), nil
}

// Bids returns the ledger of an auction in sequence order.
func (m *Manager) Bids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	if seq, err := m.Get(auctionID); err == nil {
		return seq.Ledger().Entries(), nil
	}
	if _, err := m.stored(ctx, auctionID); err != nil {
		return nil, err
	}
	bids, err := m.store.ListBids(ctx, auctionID)
	if err != nil {
		return nil, model.Wrap(model.ReasonPersistence, err)
	}
	return bids, nil
}

// Events returns committed events after afterSeq for subscriber catch-up.
func (m *Manager) Events(ctx context.Context, auctionID string, afterSeq uint64, limit int) ([]model.Event, error) {
	events, err := m.store.EventsSince(ctx, auctionID, afterSeq, limit)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.Reject(model.ReasonAuctionNotFound, "auction %s not found", auctionID)
	}
	if err != nil {
		return nil, model.Wrap(model.ReasonPersistence, err)
	}
	return events, nil
}

// SubmitManualBid routes a manual bid to the auction's sequencer.
func (m *Manager) SubmitManualBid(ctx context.Context, auctionID, bidderID string, amount decimal.Decimal, key string) (BidResult, error) {
	seq, err := m.lookup(ctx, auctionID)
	if err != nil {
		return BidResult{}, err
	}
	return seq.SubmitManualBid(ctx, bidderID, amount, key)
}

// SubmitProxyBid routes a proxy bid to the auction's sequencer.
func (m *Manager) SubmitProxyBid(ctx context.Context, auctionID, bidderID string, maxAmount decimal.Decimal, isPriority bool, key string) (ProxyResult, error) {
	seq, err := m.lookup(ctx, auctionID)
	if err != nil {
		return ProxyResult{}, err
	}
	return seq.SubmitProxyBid(ctx, bidderID, maxAmount, isPriority, key)
}

// CloseAuction closes an auction whose end time has passed and unloads it.
// Closing an already closed auction returns its final state.
func (m *Manager) CloseAuction(ctx context.Context, auctionID string) (model.FinalState, error) {
	seq, err := m.Get(auctionID)
	if err != nil {
		a, err := m.stored(ctx, auctionID)
		if err != nil {
			return model.FinalState{}, err
		}
		switch a.Status {
		case model.StatusClosed:
			return a.Final(a.UpdatedAt), nil
		case model.StatusCancelled:
			return model.FinalState{}, model.Reject(model.ReasonAuctionClosed, "auction %s was cancelled", auctionID)
		}
		return model.FinalState{}, model.Reject(model.ReasonAuctionNotFound, "auction %s is %s and not loaded on this node", auctionID, a.Status)
	}
	final, err := seq.Close(ctx)
	if err != nil {
		return model.FinalState{}, err
	}
	m.Evict(auctionID)
	return final, nil
}

// CancelAuction cancels an auction that has not closed. Authorizing actor is
// the caller's job.
func (m *Manager) CancelAuction(ctx context.Context, auctionID, actor string) (model.FinalState, error) {
	seq, err := m.Get(auctionID)
	if err != nil {
		a, err := m.stored(ctx, auctionID)
		if err != nil {
			return model.FinalState{}, err
		}
		if a.Status != model.StatusCancelled {
			return model.FinalState{}, model.Reject(model.ReasonAuctionClosed, "auction %s is %s", auctionID, a.Status)
		}
		return a.Final(a.UpdatedAt), nil
	}
	final, err := seq.Cancel(ctx, actor)
	if err != nil {
		return model.FinalState{}, err
	}
	m.Evict(auctionID)
	return final, nil
}

func (m *Manager) list() []*Sequencer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Sequencer, 0, len(m.seqs))
	for _, s := range m.seqs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// CheckExpirations closes every open auction whose end time has passed and
// starts every scheduled auction whose start time has. It returns the final
// states of the auctions it closed.
func (m *Manager) CheckExpirations(ctx context.Context) ([]model.FinalState, error) {
	now := m.cfg.now()
	var (
		finals []model.FinalState
		errs   []error
	)
	for _, seq := range m.list() {
		a := seq.current()
		overdue := antisnipe.Expired(a, now) || (a.Status == model.StatusScheduled && !now.Before(a.EndTime))
		switch {
		case overdue:
			f, err := m.CloseAuction(ctx, a.ID)
			if err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", a.ID, err))
				continue
			}
			finals = append(finals, f)
		case a.Status == model.StatusScheduled && !now.Before(a.StartTime):
			if _, err := seq.Activate(ctx); err != nil {
				errs = append(errs, fmt.Errorf("start %s: %w", a.ID, err))
			}
		}
	}
	return finals, errors.Join(errs...)
}

// Restore loads every open auction from the store, rebuilding the ledger,
// the active proxies and the used idempotency keys. Rows are read outside
// the manager lock.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	auctions, err := m.store.ListAuctions(ctx, model.StatusScheduled, model.StatusLive, model.StatusExtended)
	if err != nil {
		return 0, fmt.Errorf("failed to list open auctions: %w", err)
	}

	var (
		restored int
		errs     []error
	)
	for _, a := range auctions {
		if !m.reserve(a.ID) {
			continue
		}
		if err := m.restoreOne(ctx, a); err != nil {
			m.install(a.ID, nil, nil, nil, nil)
			errs = append(errs, fmt.Errorf("restore %s: %w", a.ID, err))
			continue
		}
		restored++
	}
	m.logger.Info("Auctions restored", zap.Int("count", restored), zap.Int("failed", len(errs)))
	return restored, errors.Join(errs...)
}

// restoreOne rebuilds a reserved auction and installs its sequencer.
func (m *Manager) restoreOne(ctx context.Context, a model.Auction) error {
	bids, err := m.store.ListBids(ctx, a.ID)
	if err != nil {
		return err
	}
	proxies, err := m.store.ListProxies(ctx, a.ID, false)
	if err != nil {
		return err
	}
	if err := ledger.Verify(bids, a.Increment, a.StartingPrice); err != nil {
		return err
	}
	l, err := ledger.Restore(a.ID, bids)
	if err != nil {
		return err
	}
	if last, ok := l.Last(); ok && last.Seq != a.LastSeq {
		return fmt.Errorf("ledger ends at seq %d but auction records %d", last.Seq, a.LastSeq)
	}
	active := make([]model.ProxyBid, 0, len(proxies))
	for _, p := range proxies {
		if p.Active {
			active = append(active, p)
		}
	}
	m.install(a.ID, &a, registry.FromProxies(active), l, store.Keys(bids, proxies))
	return nil
}

// Evict stops and unloads the sequencer of a closed or cancelled auction.
func (m *Manager) Evict(auctionID string) bool {
	m.mu.Lock()
	seq, ok := m.seqs[auctionID]
	if !ok || !seq.current().Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	delete(m.seqs, auctionID)
	hooks := slices.Clone(m.onEvict)
	m.mu.Unlock()

	seq.Stop()
	metrics.ActiveAuctions.Dec()
	metrics.MailboxDepth.DeleteLabelValues(auctionID)
	for _, fn := range hooks {
		fn(auctionID)
	}
	return true
}

// Shutdown stops every sequencer. Queued commands are rejected with Timeout.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	seqs := make([]*Sequencer, 0, len(m.seqs))
	for _, s := range m.seqs {
		seqs = append(seqs, s)
	}
	m.seqs = make(map[string]*Sequencer)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, s := range seqs {
			s.Stop()
		}
		metrics.ActiveAuctions.Sub(float64(len(seqs)))
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
