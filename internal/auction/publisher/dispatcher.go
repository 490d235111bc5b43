package publisher

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/bidengine/internal/auction/model"
	"github.com/Aidin1998/bidengine/pkg/metrics"
)

// DispatcherConfig controls sink retries.
type DispatcherConfig struct {
	RetryBase    time.Duration
	RetryMax     time.Duration
	SinkTimeout  time.Duration
	DrainTimeout time.Duration
}

// DefaultDispatcherConfig returns production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		RetryBase:    50 * time.Millisecond,
		RetryMax:     5 * time.Second,
		SinkTimeout:  3 * time.Second,
		DrainTimeout: 10 * time.Second,
	}
}

var errSinkPanic = errors.New("sink panicked")

// Dispatcher keeps one ordered lane per auction. Each event is delivered to
// every sink before the next event of the same auction is attempted; a
// failing sink is retried with exponential backoff until it succeeds or the
// dispatcher is closed.
type Dispatcher struct {
	cfg    DispatcherConfig
	sinks  []Sink
	logger *zap.Logger

	mu       sync.Mutex
	lanes    map[string]*lane
	onForget []func(auctionID string)
	closed   bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type lane struct {
	id     string
	mu     sync.Mutex
	queue  []model.Event
	active bool
	forget bool
}

// NewDispatcher builds a dispatcher over sinks.
func NewDispatcher(cfg DispatcherConfig, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 50 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = cfg.RetryBase
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:    cfg,
		sinks:  sinks,
		logger: logger,
		lanes:  make(map[string]*lane),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish queues events without blocking. Events are grouped by auction and
// keep their relative order.
func (d *Dispatcher) Publish(events ...model.Event) {
	for _, e := range events {
		d.enqueue(e)
	}
}

func (d *Dispatcher) enqueue(e model.Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("Dispatcher closed, dropping event",
			zap.String("auction_id", e.AuctionID), zap.Uint64("seq", e.Seq))
		return
	}
	l, ok := d.lanes[e.AuctionID]
	if !ok {
		l = &lane{id: e.AuctionID}
		d.lanes[e.AuctionID] = l
	}
	l.mu.Lock()
	l.queue = append(l.queue, e)
	start := !l.active
	l.active = true
	l.mu.Unlock()
	if start {
		d.wg.Add(1)
		go d.drain(l)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) drain(l *lane) {
	defer d.wg.Done()
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.active = false
			forget := l.forget
			l.mu.Unlock()
			if forget {
				d.release(l)
			}
			return
		}
		e := l.queue[0]
		l.mu.Unlock()

		if !d.deliver(e) {
			return
		}

		l.mu.Lock()
		l.queue = l.queue[1:]
		l.mu.Unlock()
	}
}

// deliver returns false when the dispatcher is shutting down.
func (d *Dispatcher) deliver(e model.Event) bool {
	for _, s := range d.sinks {
		backoff := d.cfg.RetryBase
		for {
			err := d.attempt(s, e)
			if err == nil {
				metrics.EventsPublished.WithLabelValues(s.Name(), string(e.Type)).Inc()
				break
			}
			metrics.PublishRetries.WithLabelValues(s.Name()).Inc()
			d.logger.Warn("Event delivery failed, retrying",
				zap.String("sink", s.Name()),
				zap.String("auction_id", e.AuctionID),
				zap.Uint64("seq", e.Seq),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			select {
			case <-d.ctx.Done():
				return false
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > d.cfg.RetryMax {
				backoff = d.cfg.RetryMax
			}
		}
	}
	return true
}

func (d *Dispatcher) attempt(s Sink, e model.Event) (err error) {
	ctx := d.ctx
	if d.cfg.SinkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.SinkTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Sink panic", zap.String("sink", s.Name()), zap.Any("recover", r))
			err = errSinkPanic
		}
	}()
	return s.Deliver(ctx, e)
}

// Pending returns the number of undelivered events for an auction.
func (d *Dispatcher) Pending(auctionID string) int {
	d.mu.Lock()
	l, ok := d.lanes[auctionID]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// OnForget registers fn to run once a forgotten auction's lane has delivered
// its last event and been dropped.
func (d *Dispatcher) OnForget(fn func(auctionID string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onForget = append(d.onForget, fn)
}

// Forget marks the lane of a finished auction for removal. The lane is
// dropped as soon as its queue is delivered, possibly right away.
func (d *Dispatcher) Forget(auctionID string) {
	d.mu.Lock()
	l, ok := d.lanes[auctionID]
	if !ok {
		hooks := slices.Clone(d.onForget)
		d.mu.Unlock()
		for _, fn := range hooks {
			fn(auctionID)
		}
		return
	}
	l.mu.Lock()
	l.forget = true
	l.mu.Unlock()
	d.mu.Unlock()
	d.release(l)
}

// release drops a forgotten lane if it is idle and runs the forget hooks.
func (d *Dispatcher) release(l *lane) {
	d.mu.Lock()
	l.mu.Lock()
	idle := l.forget && !l.active && len(l.queue) == 0 && d.lanes[l.id] == l
	l.mu.Unlock()
	if !idle {
		d.mu.Unlock()
		return
	}
	delete(d.lanes, l.id)
	hooks := slices.Clone(d.onForget)
	d.mu.Unlock()
	for _, fn := range hooks {
		fn(l.id)
	}
}

// Lanes returns the number of auctions with a lane.
func (d *Dispatcher) Lanes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}

// Close stops accepting events and waits for queued events to drain, up to
// ctx. Undelivered events are abandoned after ctx expires.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher drain deadline exceeded, abandoning events", zap.Int("lanes", d.Lanes()))
		d.cancel()
		<-done
		return ctx.Err()
	}
}
