// Package publisher fans committed auction events out to external
// collaborators. Delivery is at-least-once and ordered per auction.
package publisher

import (
	"context"

	"github.com/Aidin1998/bidengine/internal/auction/model"
)

// Sink is one delivery target. Deliver must be safe to call again with an
// event it has already seen.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e model.Event) error
}

// Publisher accepts events after commit. It must never block on network I/O.
type Publisher interface {
	Publish(events ...model.Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(...model.Event) {}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, e model.Event) error
}

func (f SinkFunc) Name() string { return f.SinkName }

func (f SinkFunc) Deliver(ctx context.Context, e model.Event) error { return f.Fn(ctx, e) }
