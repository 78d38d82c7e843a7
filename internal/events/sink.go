package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultSubscriberBuffer is used when Attach is given a non-positive size.
const DefaultSubscriberBuffer = 64

// Subscription is the receiving end of an attached event channel.
type Subscription struct {
	sink   *Sink
	ch     chan Event
	closed bool // guarded by sink.mu
}

// Events returns the channel of delivered events. It is closed when the
// subscription is closed or replaced by a newer one.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches this subscription if it is still the attached one.
func (s *Subscription) Close() {
	s.sink.release(s)
}

// Sink is the single subscriber slot of the event channel.
//
// At most one subscription is attached at a time. Events published while
// nothing is attached are dropped; a new subscription only sees events
// published after it attached. Publishing never blocks: an event that does
// not fit in the subscriber's buffer is dropped.
type Sink struct {
	mu      sync.Mutex
	current *Subscription
	logger  *slog.Logger
	onDrop  func(Event, string)

	dropped atomic.Int64
}

// SinkOption configures a Sink
type SinkOption func(*Sink)

// WithDropHook registers fn to be called for every dropped event with the reason.
func WithDropHook(fn func(event Event, reason string)) SinkOption {
	return func(s *Sink) { s.onDrop = fn }
}

// WithSinkLogger sets the logger used for drop diagnostics.
func WithSinkLogger(l *slog.Logger) SinkOption {
	return func(s *Sink) { s.logger = l }
}

// NewSink creates a sink with no subscriber attached.
func NewSink(opts ...SinkOption) *Sink {
	s := &Sink{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach installs a new subscription, closing the previous one if any.
func (s *Sink) Attach(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &Subscription{sink: s, ch: make(chan Event, buffer)}

	s.mu.Lock()
	prev := s.current
	s.current = sub
	if prev != nil {
		prev.closed = true
		close(prev.ch)
	}
	s.mu.Unlock()

	if prev != nil {
		s.logger.Info("[Events] Subscriber replaced")
	} else {
		s.logger.Info("[Events] Subscriber attached")
	}
	return sub
}

// Detach closes the attached subscription. Detaching with nothing attached is a no-op.
func (s *Sink) Detach() {
	s.mu.Lock()
	sub := s.current
	s.mu.Unlock()
	if sub != nil {
		s.release(sub)
	}
}

// Attached reports whether a subscriber is listening
func (s *Sink) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Dropped returns how many events were not delivered
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Sink) release(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if s.current == sub {
		s.current = nil
		s.logger.Info("[Events] Subscriber detached")
	}
}

// Publish delivers event to the attached subscriber. It never fails.
func (s *Sink) Publish(ctx context.Context, event Event) error {
	s.PublishAsync(event)
	return nil
}

// PublishAsync delivers event without blocking.
func (s *Sink) PublishAsync(event Event) {
	s.mu.Lock()
	sub := s.current
	delivered := false
	if sub != nil {
		select {
		case sub.ch <- event:
			delivered = true
		default:
		}
	}
	s.mu.Unlock()

	if delivered {
		return
	}
	reason := "no subscriber"
	if sub != nil {
		reason = "subscriber buffer full"
		s.logger.Warn("[Events] Dropped event", "type", event.Type, "reason", reason)
	} else {
		s.logger.Debug("[Events] Dropped event", "type", event.Type, "reason", reason)
	}
	s.dropped.Add(1)
	if s.onDrop != nil {
		s.onDrop(event, reason)
	}
}

func (s *Sink) Flush(ctx context.Context) error { return nil }

// Close detaches the current subscriber.
func (s *Sink) Close() error {
	s.Detach()
	return nil
}
