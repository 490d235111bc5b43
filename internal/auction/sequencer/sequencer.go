// Package sequencer serializes every operation on an auction through one
// goroutine, commits the outcome to the store and hands the resulting events
// to the publisher.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/bidengine/internal/auction/ledger"
	"github.com/Aidin1998/bidengine/internal/auction/model"
	"github.com/Aidin1998/bidengine/internal/auction/publisher"
	"github.com/Aidin1998/bidengine/internal/auction/registry"
	"github.com/Aidin1998/bidengine/internal/auction/store"
	"github.com/Aidin1998/bidengine/pkg/logger"
	"github.com/Aidin1998/bidengine/pkg/metrics"
)

var tracer = otel.Tracer("bidengine/sequencer")

// Config tunes the sequencers of a Manager.
type Config struct {
	// QueueTimeout bounds how long a submission may wait to be dequeued.
	QueueTimeout time.Duration
	MailboxSize  int
	// StoreTimeout bounds a single commit.
	StoreTimeout time.Duration
	Clock        func() time.Time
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		QueueTimeout: 2 * time.Second,
		MailboxSize:  256,
		StoreTimeout: 5 * time.Second,
		Clock:        time.Now,
	}
}

func (c Config) now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock()
}

// Sequencer owns one auction. Reads are lock-free against the last committed
// snapshot; writes go through the mailbox.
type Sequencer struct {
	id     string
	cfg    Config
	store  store.Store
	pub    publisher.Publisher
	logger *zap.Logger

	mailbox chan *command
	state   atomic.Pointer[model.Auction]
	ledger  *ledger.Ledger

	// touched only by the run goroutine
	reg  *registry.Registry
	keys map[string]struct{}

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSequencer(a model.Auction, reg *registry.Registry, l *ledger.Ledger, keys map[string]struct{},
	cfg Config, st store.Store, pub publisher.Publisher, log *zap.Logger) *Sequencer {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 1
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if keys == nil {
		keys = make(map[string]struct{})
	}
	s := &Sequencer{
		id:      a.ID,
		cfg:     cfg,
		store:   st,
		pub:     pub,
		logger:  logger.ForAuction(log, a.ID),
		mailbox: make(chan *command, cfg.MailboxSize),
		ledger:  l,
		reg:     reg,
		keys:    keys,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.state.Store(&a)
	go s.run()
	return s
}

// ID returns the auction id.
func (s *Sequencer) ID() string { return s.id }

// Snapshot returns the last committed public state.
func (s *Sequencer) Snapshot() model.Snapshot { return s.current().Snapshot() }

// Ledger returns the auction's bid ledger.
func (s *Sequencer) Ledger() *ledger.Ledger { return s.ledger }

func (s *Sequencer) current() model.Auction { return *s.state.Load() }

// Stop rejects queued commands and waits for the worker to exit.
func (s *Sequencer) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	<-s.done
}

// SubmitManualBid places a manual bid.
func (s *Sequencer) SubmitManualBid(ctx context.Context, bidderID string, amount decimal.Decimal, key string) (BidResult, error) {
	cmd := newCommand(ctx, opManual)
	cmd.bidderID, cmd.amount, cmd.key = bidderID, amount, key
	r := s.submit(cmd, validateBid(bidderID, amount))
	if r.err != nil {
		return BidResult{}, r.err
	}
	return *r.bid, nil
}

// SubmitProxyBid registers or replaces the bidder's proxy ceiling.
func (s *Sequencer) SubmitProxyBid(ctx context.Context, bidderID string, maxAmount decimal.Decimal, isPriority bool, key string) (ProxyResult, error) {
	cmd := newCommand(ctx, opProxy)
	cmd.bidderID, cmd.amount, cmd.isPriority, cmd.key = bidderID, maxAmount, isPriority, key
	r := s.submit(cmd, validateBid(bidderID, maxAmount))
	if r.err != nil {
		return ProxyResult{}, r.err
	}
	return *r.proxy, nil
}

// Close ends the auction once its end time has passed. It is never subject
// to the queue timeout.
func (s *Sequencer) Close(ctx context.Context) (model.FinalState, error) {
	cmd := newCommand(ctx, opClose)
	cmd.exempt = true
	r := s.submit(cmd, nil)
	if r.err != nil {
		return model.FinalState{}, r.err
	}
	return *r.final, nil
}

// Cancel aborts the auction on behalf of actor.
func (s *Sequencer) Cancel(ctx context.Context, actor string) (model.FinalState, error) {
	cmd := newCommand(ctx, opCancel)
	cmd.actor = actor
	cmd.exempt = true
	r := s.submit(cmd, nil)
	if r.err != nil {
		return model.FinalState{}, r.err
	}
	return *r.final, nil
}

// Activate promotes a Scheduled auction whose start time has passed.
func (s *Sequencer) Activate(ctx context.Context) (model.Snapshot, error) {
	r := s.submit(newCommand(ctx, opActivate), nil)
	return r.snapshot, r.err
}

func validateBid(bidderID string, amount decimal.Decimal) error {
	if bidderID == "" {
		return model.Reject(model.ReasonInvalidRequest, "bidder id is required")
	}
	if !amount.IsPositive() || !model.IsValidAmount(amount) {
		return model.Reject(model.ReasonInvalidRequest, "amount %s must be positive with at most %d decimals", amount, model.AmountScale)
	}
	return nil
}

func (s *Sequencer) submit(cmd *command, invalid error) result {
	ctx, span := tracer.Start(cmd.ctx, "sequencer."+string(cmd.op),
		trace.WithAttributes(attribute.String("auction.id", s.id)))
	defer span.End()
	cmd.ctx = ctx

	var r result
	if invalid != nil {
		r = result{err: invalid}
	} else {
		r = s.enqueueAndWait(ctx, cmd)
	}

	outcome := "ok"
	if r.err != nil {
		outcome = "rejected"
		reason := model.ReasonOf(r.err)
		if reason == "" {
			reason = "Internal"
		}
		metrics.Rejections.WithLabelValues(string(reason)).Inc()
		span.RecordError(r.err)
		span.SetStatus(codes.Error, string(reason))
	}
	metrics.CommandsProcessed.WithLabelValues(string(cmd.op), outcome).Inc()
	metrics.CommandLatency.WithLabelValues(string(cmd.op)).Observe(time.Since(cmd.enqueued).Seconds())
	return r
}

func (s *Sequencer) enqueueAndWait(ctx context.Context, cmd *command) result {
	var deadline <-chan time.Time
	if !cmd.exempt && s.cfg.QueueTimeout > 0 {
		t := time.NewTimer(s.cfg.QueueTimeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case s.mailbox <- cmd:
		metrics.MailboxDepth.WithLabelValues(s.id).Set(float64(len(s.mailbox)))
	case <-deadline:
		return result{err: model.Reject(model.ReasonTimeout, "auction %s mailbox is full", s.id)}
	case <-ctx.Done():
		return result{err: model.Wrap(model.ReasonTimeout, ctx.Err())}
	case <-s.done:
		return result{err: s.stoppedErr()}
	}

	select {
	case r := <-cmd.result:
		return r
	case <-deadline:
		if cmd.abandon() {
			return result{err: model.Reject(model.ReasonTimeout, "auction %s did not start the command within %s", s.id, s.cfg.QueueTimeout)}
		}
	case <-ctx.Done():
		if cmd.abandon() {
			return result{err: model.Wrap(model.ReasonTimeout, ctx.Err())}
		}
	case <-s.done:
		// the worker is gone; anything it did not claim never will be
		if cmd.abandon() || cmd.claim() {
			return result{err: s.stoppedErr()}
		}
	}
	// the worker claimed the command first; its result is on the way
	return <-cmd.result
}

func (s *Sequencer) stoppedErr() error {
	if a := s.current(); a.Status.Terminal() {
		return model.Reject(model.ReasonAuctionClosed, "auction %s is %s", s.id, a.Status)
	}
	return model.Reject(model.ReasonTimeout, "auction %s is shutting down", s.id)
}

func (s *Sequencer) run() {
	defer close(s.done)
	for {
		select {
		case cmd := <-s.mailbox:
			s.process(cmd)
		case <-s.quit:
			s.drain()
			return
		}
	}
}

func (s *Sequencer) drain() {
	for {
		select {
		case cmd := <-s.mailbox:
			if cmd.claim() {
				cmd.result <- result{err: s.stoppedErr()}
			}
		default:
			return
		}
	}
}

func (s *Sequencer) process(cmd *command) {
	metrics.MailboxDepth.WithLabelValues(s.id).Set(float64(len(s.mailbox)))
	if !cmd.claim() {
		s.logger.Debug("Skipping abandoned command", zap.String("op", string(cmd.op)))
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("Command panicked", zap.String("op", string(cmd.op)), zap.Any("recover", rec))
			cmd.result <- result{err: fmt.Errorf("auction %s: %s failed: %v", s.id, cmd.op, rec)}
		}
	}()

	var r result
	switch cmd.op {
	case opManual:
		r = s.handleManual(cmd)
	case opProxy:
		r = s.handleProxy(cmd)
	case opClose:
		r = s.handleClose(cmd)
	case opCancel:
		r = s.handleCancel(cmd)
	case opActivate:
		r = s.handleActivate(cmd)
	default:
		r = result{err: fmt.Errorf("unknown op %q", cmd.op)}
	}
	cmd.result <- r
}

// storeError maps a failed commit to a rejection.
func storeError(auctionID string, err error) error {
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return &model.Rejection{Reason: model.ReasonDuplicate, Detail: "idempotency key already used", Err: err}
	case errors.Is(err, store.ErrNotFound):
		return &model.Rejection{Reason: model.ReasonAuctionNotFound, Detail: auctionID, Err: err}
	default:
		return model.Wrap(model.ReasonPersistence, err)
	}
}
