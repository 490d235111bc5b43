package sequencer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/bidengine/internal/auction/antisnipe"
	"github.com/Aidin1998/bidengine/internal/auction/model"
	"github.com/Aidin1998/bidengine/internal/auction/registry"
	"github.com/Aidin1998/bidengine/internal/auction/resolver"
	"github.com/Aidin1998/bidengine/internal/auction/store"
	"github.com/Aidin1998/bidengine/pkg/metrics"
)

// promote moves a due Scheduled auction to Live.
func promote(a model.Auction, now time.Time) (model.Auction, bool) {
	if a.Status != model.StatusScheduled || now.Before(a.StartTime) {
		return a, false
	}
	a.Status = model.StatusLive
	return a, true
}

// admit checks that a can take a bid at now.
func admit(a model.Auction, now time.Time) error {
	switch {
	case a.Status == model.StatusScheduled:
		return model.Reject(model.ReasonAuctionNotLive, "auction %s starts at %s", a.ID, a.StartTime.Format(time.RFC3339))
	case a.Status.Terminal():
		return model.Reject(model.ReasonAuctionClosed, "auction %s is %s", a.ID, a.Status)
	case !now.Before(a.EndTime):
		return model.Reject(model.ReasonAuctionClosed, "auction %s ended at %s", a.ID, a.EndTime.Format(time.RFC3339))
	}
	return nil
}

// stateAt is the public view of next right after bids[i]. i < 0 means before
// any of bids. Status and end time stay at base until AuctionExtended.
func stateAt(next, base model.Auction, bids []model.Bid, i int) model.Snapshot {
	v := next
	v.Status, v.EndTime = base.Status, base.EndTime
	if i < 0 {
		v.CurrentPrice, v.CurrentWinnerID = base.CurrentPrice, base.CurrentWinnerID
		v.LastSeq, v.BidCount = base.LastSeq, base.BidCount
		return v.Snapshot()
	}
	b := bids[i]
	v.CurrentPrice, v.CurrentWinnerID = b.Amount, b.BidderID
	v.LastSeq, v.BidCount = b.Seq, base.BidCount+i+1
	return v.Snapshot()
}

type emitter struct {
	next   *model.Auction
	at     time.Time
	events []model.Event
}

func (e *emitter) emit(typ model.EventType, snap model.Snapshot, bid *model.BidInfo, proxy *model.ProxyInfo) {
	e.next.EventSeq++
	seq := e.next.EventSeq
	e.events = append(e.events, model.Event{
		ID:         model.EventID(e.next.ID, seq),
		AuctionID:  e.next.ID,
		Seq:        seq,
		Type:       typ,
		Snapshot:   snap,
		Bid:        bid,
		Proxy:      proxy,
		OccurredAt: e.at,
	})
}

func (e *emitter) bids(base model.Auction, bids []model.Bid) {
	for i, b := range bids {
		e.emit(model.EventBidAccepted, stateAt(*e.next, base, bids, i), model.PublicBid(b), nil)
	}
}

// change is everything one command commits.
type change struct {
	prev    model.Auction
	next    model.Auction
	bids    []model.Bid
	proxies []model.ProxyBid
	events  []model.Event
	// reg replaces the registry after commit when set.
	reg *registry.Registry
	key string
}

// apply persists c and, only once the store accepted it, swaps it into memory
// and hands its events to the publisher.
func (s *Sequencer) apply(ctx context.Context, c change) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StoreTimeout)
	defer cancel()
	err := s.store.Commit(ctx, store.Commit{
		Auction:         c.next,
		ExpectedVersion: c.prev.Version,
		Bids:            c.bids,
		Proxies:         c.proxies,
		Events:          c.events,
	})
	if err != nil {
		s.logger.Error("Commit failed", zap.Uint64("version", c.prev.Version), zap.Error(err))
		return storeError(s.id, err)
	}

	if err := s.ledger.Append(c.bids...); err != nil {
		s.logger.Error("Ledger rejected committed bids", zap.Error(err))
	}
	if c.reg != nil {
		s.reg = c.reg
	}
	if c.key != "" {
		s.keys[c.key] = struct{}{}
	}
	next := c.next
	s.state.Store(&next)

	for _, b := range c.bids {
		metrics.BidsAccepted.WithLabelValues(string(b.Kind)).Inc()
	}
	s.pub.Publish(c.events...)
	return nil
}

// advance stamps the new version and applies the extension rule when bids
// were accepted.
func (s *Sequencer) advance(prev, next model.Auction, now time.Time, accepted bool) (model.Auction, bool) {
	extended := false
	if accepted {
		next, extended = antisnipe.Extend(next, now)
	}
	next.Version = prev.Version + 1
	next.UpdatedAt = now
	return next, extended
}

func (s *Sequencer) seen(key string) bool {
	if key == "" {
		return false
	}
	_, ok := s.keys[key]
	return ok
}

func (s *Sequencer) handleManual(cmd *command) result {
	now := s.cfg.now()
	prev := s.current()
	base, started := promote(prev, now)
	if err := admit(base, now); err != nil {
		return result{err: err}
	}
	if s.seen(cmd.key) {
		return result{err: model.Reject(model.ReasonDuplicate, "idempotency key %q already used", cmd.key)}
	}

	out, err := resolver.ResolveManual(base, s.reg, resolver.ManualBid{
		BidderID:       cmd.bidderID,
		Amount:         cmd.amount,
		IdempotencyKey: cmd.key,
		At:             now,
	})
	if err != nil {
		return result{err: err}
	}

	next, extended := s.advance(prev, out.Auction, now, true)
	em := &emitter{next: &next, at: now}
	if started {
		em.emit(model.EventAuctionStarted, stateAt(next, base, nil, -1), nil, nil)
	}
	em.bids(base, out.Bids)
	if extended {
		em.emit(model.EventAuctionExtended, next.Snapshot(), nil, nil)
	}

	if err := s.apply(cmd.ctx, change{
		prev: prev, next: next, bids: out.Bids, proxies: out.ProxyChanges,
		events: em.events, reg: out.Registry, key: cmd.key,
	}); err != nil {
		return result{err: err}
	}
	if extended {
		metrics.Extensions.Inc()
		s.logger.Info("Auction extended", zap.Time("end_time", next.EndTime))
	}
	return result{bid: &BidResult{Bid: out.Bids[0], CounterBids: out.Bids[1:], Snapshot: next.Snapshot()}}
}

func (s *Sequencer) handleProxy(cmd *command) result {
	now := s.cfg.now()
	prev := s.current()
	base, started := promote(prev, now)
	if err := admit(base, now); err != nil {
		return result{err: err}
	}
	if s.seen(cmd.key) {
		return result{err: model.Reject(model.ReasonDuplicate, "idempotency key %q already used", cmd.key)}
	}

	out, err := resolver.ResolveProxy(base, s.reg, resolver.ProxyRequest{
		BidderID:       cmd.bidderID,
		MaxAmount:      cmd.amount,
		IsPriority:     cmd.isPriority,
		IdempotencyKey: cmd.key,
		At:             now,
	})
	if err != nil {
		return result{err: err}
	}

	next, extended := s.advance(prev, out.Auction, now, len(out.Bids) > 0)
	em := &emitter{next: &next, at: now}
	if started {
		em.emit(model.EventAuctionStarted, stateAt(next, base, nil, -1), nil, nil)
	}
	em.emit(model.EventProxyBidAccepted, stateAt(next, base, nil, -1), nil, model.PublicProxy(*out.Proxy))
	em.bids(base, out.Bids)
	if extended {
		em.emit(model.EventAuctionExtended, next.Snapshot(), nil, nil)
	}

	if err := s.apply(cmd.ctx, change{
		prev: prev, next: next, bids: out.Bids, proxies: out.ProxyChanges,
		events: em.events, reg: out.Registry, key: cmd.key,
	}); err != nil {
		return result{err: err}
	}
	if extended {
		metrics.Extensions.Inc()
		s.logger.Info("Auction extended", zap.Time("end_time", next.EndTime))
	}

	res := &ProxyResult{Proxy: *out.Proxy, GeneratedBids: out.Bids, Snapshot: next.Snapshot()}
	if b, ok := out.ImmediateBid(); ok {
		res.ImmediateBid = &b
	}
	return result{proxy: res}
}

func (s *Sequencer) handleClose(cmd *command) result {
	now := s.cfg.now()
	prev := s.current()
	switch prev.Status {
	case model.StatusClosed:
		f := prev.Final(prev.UpdatedAt)
		return result{final: &f}
	case model.StatusCancelled:
		return result{err: model.Reject(model.ReasonAuctionClosed, "auction %s was cancelled", s.id)}
	}
	base, started := promote(prev, now)
	if now.Before(base.EndTime) {
		return result{err: model.Reject(model.ReasonAuctionNotEnded, "auction %s ends at %s", s.id, base.EndTime.Format(time.RFC3339))}
	}

	next := base
	next.Status = model.StatusClosed
	next.Version = prev.Version + 1
	next.UpdatedAt = now
	em := &emitter{next: &next, at: now}
	if started {
		em.emit(model.EventAuctionStarted, base.Snapshot(), nil, nil)
	}
	em.emit(model.EventAuctionClosed, next.Snapshot(), nil, nil)

	if err := s.apply(cmd.ctx, change{
		prev: prev, next: next, proxies: resolver.CloseOut(s.reg),
		events: em.events, reg: registry.New(),
	}); err != nil {
		return result{err: err}
	}
	f := next.Final(now)
	s.logger.Info("Auction closed",
		zap.String("winner_id", f.WinnerID),
		zap.String("final_price", f.FinalPrice.StringFixed(model.AmountScale)),
		zap.Bool("sold", f.Sold))
	return result{final: &f}
}

func (s *Sequencer) handleCancel(cmd *command) result {
	now := s.cfg.now()
	prev := s.current()
	switch prev.Status {
	case model.StatusCancelled:
		f := prev.Final(prev.UpdatedAt)
		return result{final: &f}
	case model.StatusClosed:
		return result{err: model.Reject(model.ReasonAuctionClosed, "auction %s is already closed", s.id)}
	}

	next := prev
	next.Status = model.StatusCancelled
	next.Version = prev.Version + 1
	next.UpdatedAt = now
	em := &emitter{next: &next, at: now}
	em.emit(model.EventAuctionCancelled, next.Snapshot(), nil, nil)

	if err := s.apply(cmd.ctx, change{
		prev: prev, next: next, proxies: resolver.CloseOut(s.reg),
		events: em.events, reg: registry.New(),
	}); err != nil {
		return result{err: err}
	}
	s.logger.Info("Auction cancelled", zap.String("actor", cmd.actor))
	f := next.Final(now)
	return result{final: &f}
}

func (s *Sequencer) handleActivate(cmd *command) result {
	now := s.cfg.now()
	prev := s.current()
	next, started := promote(prev, now)
	if !started {
		return result{snapshot: prev.Snapshot()}
	}
	next.Version = prev.Version + 1
	next.UpdatedAt = now
	em := &emitter{next: &next, at: now}
	em.emit(model.EventAuctionStarted, next.Snapshot(), nil, nil)
	if err := s.apply(cmd.ctx, change{prev: prev, next: next, events: em.events}); err != nil {
		return result{err: err}
	}
	s.logger.Info("Auction started")
	return result{snapshot: next.Snapshot()}
}
