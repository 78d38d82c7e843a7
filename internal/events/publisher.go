package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Publisher receives every event a component emits.
type Publisher interface {
	// Publish delivers an event. Only a failed transport returns an error.
	Publish(ctx context.Context, event Event) error

	// PublishAsync delivers an event without reporting failures.
	PublishAsync(event Event)

	Flush(ctx context.Context) error
	Close() error
}

// NoopPublisher discards all events.
type NoopPublisher struct{}

func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

func (p *NoopPublisher) Publish(ctx context.Context, event Event) error { return nil }
func (p *NoopPublisher) PublishAsync(event Event)                       {}
func (p *NoopPublisher) Flush(ctx context.Context) error                { return nil }
func (p *NoopPublisher) Close() error                                   { return nil }

// LoggingPublisher writes one debug line per event.
type LoggingPublisher struct {
	logger *slog.Logger
}

func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, event Event) error {
	p.PublishAsync(event)
	return nil
}

func (p *LoggingPublisher) PublishAsync(event Event) {
	args := []any{"type", event.Type, "source", event.Source}
	if event.CallID != 0 {
		args = append(args, "call_id", event.CallID)
	}
	if state, ok := event.Data["state"]; ok {
		args = append(args, "state", state)
	}
	p.logger.Debug("[Events] Emitted", args...)
}

func (p *LoggingPublisher) Flush(ctx context.Context) error { return nil }
func (p *LoggingPublisher) Close() error                    { return nil }

// ChannelPublisher records events on a buffered channel, dropping when the
// buffer is full. Tests use it to observe everything a component emits.
type ChannelPublisher struct {
	ch      chan Event
	dropped atomic.Int64

	mu     sync.Mutex
	closed bool
}

func NewChannelPublisher(bufferSize int) *ChannelPublisher {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &ChannelPublisher{ch: make(chan Event, bufferSize)}
}

func (p *ChannelPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.PublishAsync(event)
	return nil
}

func (p *ChannelPublisher) PublishAsync(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- event:
	default:
		p.dropped.Add(1)
	}
}

func (p *ChannelPublisher) Flush(ctx context.Context) error { return nil }

// Close closes the channel. Later events are ignored.
func (p *ChannelPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}

func (p *ChannelPublisher) Events() <-chan Event {
	return p.ch
}

// DroppedCount returns how many events did not fit the buffer.
func (p *ChannelPublisher) DroppedCount() int64 {
	return p.dropped.Load()
}

// MultiPublisher fans every event out to each publisher in order.
type MultiPublisher struct {
	publishers []Publisher
}

func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

// Publish delivers to every publisher even when one fails, and returns the
// joined errors.
func (p *MultiPublisher) Publish(ctx context.Context, event Event) error {
	return p.each(func(pub Publisher) error { return pub.Publish(ctx, event) })
}

func (p *MultiPublisher) PublishAsync(event Event) {
	for _, pub := range p.publishers {
		pub.PublishAsync(event)
	}
}

func (p *MultiPublisher) Flush(ctx context.Context) error {
	return p.each(func(pub Publisher) error { return pub.Flush(ctx) })
}

func (p *MultiPublisher) Close() error {
	return p.each(Publisher.Close)
}

func (p *MultiPublisher) each(fn func(Publisher) error) error {
	var errs []error
	for _, pub := range p.publishers {
		if err := fn(pub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
