// Package service is the telephony service: the single owner of the tracked
// calls. Directives from the gateway and notifications from the platform are
// applied one at a time on the service run loop.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sebas/telebridge/internal/call"
	"github.com/sebas/telebridge/internal/events"
	"github.com/sebas/telebridge/internal/platform"
)

// Config tunes the service.
type Config struct {
	// HistoryTTL is how long a removed call id is remembered as terminated.
	HistoryTTL time.Duration

	// CommandTimeout bounds each platform operation.
	CommandTimeout time.Duration

	// DrainTimeout bounds the hangup of remaining calls at shutdown.
	DrainTimeout time.Duration

	// DrainConcurrency limits parallel hangups during shutdown.
	DrainConcurrency int

	// QueueSize is the directive queue depth.
	QueueSize int
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		HistoryTTL:       5 * time.Minute,
		CommandTimeout:   10 * time.Second,
		DrainTimeout:     10 * time.Second,
		DrainConcurrency: 5,
		QueueSize:        64,
	}
}

// Service owns the call registry and drives the platform.
type Service struct {
	cfg     Config
	tel     platform.Telephony
	pub     events.Publisher
	builder *events.Builder
	reg     *call.Registry
	logger  *slog.Logger

	ops   chan func()
	inbox *inbox
	done  chan struct{}

	startedFlag atomic.Bool
	watcherWG   sync.WaitGroup

	// owned by the run loop
	started  bool
	config   map[string]any
	calls    map[int]platform.Call
	watchers map[int]context.CancelFunc
}

// New creates a service. pub receives every event the service emits.
func New(cfg Config, tel platform.Telephony, pub events.Publisher, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = def.HistoryTTL
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.DrainConcurrency <= 0 {
		cfg.DrainConcurrency = def.DrainConcurrency
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.NewNoopPublisher()
	}

	reg := call.NewRegistry(cfg.HistoryTTL, call.WithForget(func(rec *call.Record) {
		logger.Debug("[Service] Call history expired", "call_id", rec.ID, "state", rec.State)
	}))

	return &Service{
		cfg:      cfg,
		tel:      tel,
		pub:      pub,
		builder:  events.NewBuilder("service"),
		reg:      reg,
		logger:   logger,
		ops:      make(chan func(), cfg.QueueSize),
		inbox:    newInbox(),
		done:     make(chan struct{}),
		calls:    make(map[int]platform.Call),
		watchers: make(map[int]context.CancelFunc),
	}
}

// Run executes the run loop until ctx is cancelled, then hangs up every
// remaining call and returns.
func (s *Service) Run(ctx context.Context) error {
	defer close(s.done)
	s.logger.Info("[Service] Run loop started")

	for {
		select {
		case <-ctx.Done():
			s.runInbox()

			drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
			s.drain(drainCtx)
			cancel()

			s.watcherWG.Wait()
			s.reg.Close()
			s.logger.Info("[Service] Run loop stopped")
			return nil
		case op := <-s.ops:
			op()
		case <-s.inbox.signal:
			s.runInbox()
		}
	}
}

func (s *Service) runInbox() {
	for _, fn := range s.inbox.drain() {
		fn()
	}
}

// Submit hands a directive to the run loop and waits for it to be applied.
// A directive whose ctx is done before the loop reaches it is skipped. Once
// it runs, Submit reports its real outcome; execution is bounded by
// CommandTimeout, not by ctx.
func (s *Service) Submit(ctx context.Context, d Directive) (Outcome, error) {
	type reply struct {
		out Outcome
		err error
	}
	replyCh := make(chan reply, 1)
	op := func() {
		if err := ctx.Err(); err != nil {
			replyCh <- reply{err: err}
			return
		}
		out, err := s.execute(d)
		replyCh <- reply{out, err}
	}

	select {
	case s.ops <- op:
	case <-s.done:
		return Outcome{}, ErrStopped
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}

	select {
	case r := <-replyCh:
		return r.out, r.err
	case <-s.done:
		select {
		case r := <-replyCh:
			return r.out, r.err
		default:
			return Outcome{}, ErrStopped
		}
	}
}

// Started reports whether the start directive has been applied
func (s *Service) Started() bool {
	return s.startedFlag.Load()
}

// FindCall returns a copy of the tracked call with id
func (s *Service) FindCall(id int) (*call.Record, bool) {
	return s.reg.Get(id)
}

// Calls returns copies of all tracked calls ordered by id
func (s *Service) Calls() []*call.Record {
	return s.reg.Snapshot()
}

// Len returns the number of tracked calls
func (s *Service) Len() int {
	return s.reg.Len()
}

func (s *Service) execute(d Directive) (Outcome, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CommandTimeout)
	defer cancel()

	if d.Action == ActionStart {
		return s.start(ctx, d.Config)
	}
	if !s.started {
		return Outcome{}, ErrNotStarted
	}
	if d.Action == ActionMakeCall {
		return s.makeCall(ctx, d.Dial)
	}

	rec, err := s.reg.Lookup(d.CallID)
	if err != nil {
		s.logger.Warn("[Service] Directive for untracked call",
			"action", d.Action,
			"call_id", d.CallID,
			"error", err)
		return Outcome{}, err
	}
	c := s.calls[rec.ID]

	var out *call.Record
	switch d.Action {
	case ActionAnswer:
		if rec.Direction != call.DirectionIncoming || !rec.State.IsRinging() {
			return Outcome{}, fmt.Errorf("answer call %d in state %s: %w", rec.ID, rec.State, call.ErrInvalidTransition)
		}
		if err := c.Answer(ctx); err != nil {
			return Outcome{}, fmt.Errorf("answer call %d: %w", rec.ID, err)
		}
		out = s.change(rec.ID, func(r *call.Record) { r.SetState(call.StateConnected) })
		s.logger.Info("[Service] Call answered", "call_id", rec.ID)

	case ActionHangup:
		if err := c.Disconnect(ctx); err != nil {
			// the record goes away regardless; the platform cleans up on its own
			s.logger.Warn("[Service] Platform hangup failed", "call_id", rec.ID, "error", err)
		}
		out = s.teardown(rec.ID, call.StateDisconnected, "local hangup")
		s.logger.Info("[Service] Call hung up", "call_id", rec.ID)

	case ActionDecline:
		if rec.Direction != call.DirectionIncoming || !rec.State.IsRinging() {
			return Outcome{}, fmt.Errorf("decline call %d in state %s: %w", rec.ID, rec.State, call.ErrInvalidTransition)
		}
		if err := c.Reject(ctx); err != nil {
			return Outcome{}, fmt.Errorf("decline call %d: %w", rec.ID, err)
		}
		out = s.teardown(rec.ID, call.StateDeclined, "declined")
		s.logger.Info("[Service] Call declined", "call_id", rec.ID)

	case ActionHold, ActionUnhold:
		if !rec.State.IsEstablished() {
			return Outcome{}, fmt.Errorf("%s call %d in state %s: %w", d.Action, rec.ID, rec.State, call.ErrInvalidTransition)
		}
		hold := d.Action == ActionHold
		op := c.Unhold
		if hold {
			op = c.Hold
		}
		if err := op(ctx); err != nil {
			return Outcome{}, fmt.Errorf("%s call %d: %w", d.Action, rec.ID, err)
		}
		out = s.change(rec.ID, func(r *call.Record) { r.Held = hold })

	case ActionMute, ActionUnmute:
		mute := d.Action == ActionMute
		if err := c.SetMuted(ctx, mute); err != nil {
			return Outcome{}, fmt.Errorf("%s call %d: %w", d.Action, rec.ID, err)
		}
		out = s.change(rec.ID, func(r *call.Record) { r.Muted = mute })

	case ActionUseSpeaker, ActionUseEarpiece:
		speaker := d.Action == ActionUseSpeaker
		if err := c.SetSpeaker(ctx, speaker); err != nil {
			return Outcome{}, fmt.Errorf("%s call %d: %w", d.Action, rec.ID, err)
		}
		out = s.change(rec.ID, func(r *call.Record) { r.Speaker = speaker })

	default:
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownAction, d.Action)
	}

	return Outcome{Record: out}, nil
}

func (s *Service) start(ctx context.Context, config map[string]any) (Outcome, error) {
	if s.started {
		if config != nil {
			s.config = config
		}
		s.logger.Debug("[Service] Already started")
		return Outcome{Calls: s.reg.Snapshot()}, nil
	}

	if err := s.tel.Start(ctx, &listener{s: s}); err != nil {
		return Outcome{}, fmt.Errorf("start telephony: %w", err)
	}
	s.started = true
	s.startedFlag.Store(true)
	s.config = config

	s.logger.Info("[Service] Telephony service initialized", "config_keys", len(config))
	s.emit(s.builder.ServiceStarted("initialized"))
	return Outcome{Calls: s.reg.Snapshot()}, nil
}

func (s *Service) makeCall(ctx context.Context, req platform.DialRequest) (Outcome, error) {
	c, err := s.tel.Dial(ctx, req)
	if err != nil {
		s.logger.Warn("[Service] Call placement failed",
			"destination", req.Destination,
			"sim", req.Sim,
			"error", err)
		s.emit(s.builder.CallError(err, req.Destination, req.Sim))
		return Outcome{}, fmt.Errorf("place call to %q: %w", req.Destination, err)
	}

	rec := call.NewOutgoing(req.Destination, req.Sim, c.Handle())
	id, err := s.reg.Add(rec)
	if err != nil {
		if derr := c.Disconnect(ctx); derr != nil {
			s.logger.Warn("[Service] Hangup of untracked call failed", "handle", c.Handle(), "error", derr)
		}
		s.emit(s.builder.CallError(err, req.Destination, req.Sim))
		return Outcome{}, err
	}
	s.calls[id] = c

	s.logger.Info("[Service] Call initiated",
		"call_id", id,
		"destination", req.Destination,
		"sim", req.Sim)
	s.emit(s.builder.Call(events.CallReceived, id, rec.Map()))
	s.watchPlacement(id, c)

	return Outcome{Record: rec.Clone()}, nil
}

// watchPlacement moves the call to CONNECTING once the platform acknowledges
// the placement. Tearing the call down first cancels the watch.
func (s *Service) watchPlacement(id int, c platform.Call) {
	ctx, cancel := context.WithCancel(context.Background())
	s.watchers[id] = cancel

	s.watcherWG.Add(1)
	go func() {
		defer s.watcherWG.Done()
		select {
		case <-c.Placed():
			s.inbox.post(func() { s.placed(ctx, id) })
		case <-ctx.Done():
		}
	}()
}

func (s *Service) placed(ctx context.Context, id int) {
	if ctx.Err() != nil {
		return
	}
	if cancel, ok := s.watchers[id]; ok {
		cancel()
		delete(s.watchers, id)
	}

	rec, err := s.reg.Lookup(id)
	if err != nil || rec.State != call.StateInitiating {
		return
	}
	s.change(id, func(r *call.Record) { r.SetState(call.StateConnecting) })
	s.logger.Info("[Service] Call placed", "call_id", id)
}

// change applies fn to a tracked record and emits call_changed.
func (s *Service) change(id int, fn func(*call.Record)) *call.Record {
	var out *call.Record
	err := s.reg.Update(id, func(r *call.Record) {
		fn(r)
		r.ChangedAt = time.Now()
		out = r.Clone()
	})
	if err != nil {
		return nil
	}
	s.emit(s.builder.Call(events.CallChanged, id, out.Map()))
	return out
}

// teardown moves a call to a terminal state, emits call_terminated and stops
// tracking it. It does nothing for a call that is no longer tracked.
func (s *Service) teardown(id int, state call.State, cause string) *call.Record {
	if cancel, ok := s.watchers[id]; ok {
		cancel()
		delete(s.watchers, id)
	}

	var out *call.Record
	err := s.reg.Update(id, func(r *call.Record) {
		r.SetState(state)
		r.DisconnectCause = cause
		out = r.Clone()
	})
	if err != nil {
		return nil
	}
	if _, ok := s.reg.Remove(id); !ok {
		return nil
	}
	delete(s.calls, id)

	s.emit(s.builder.Call(events.CallTerminated, id, out.Map()))
	return out
}

func (s *Service) emit(e events.Event) {
	if err := s.pub.Publish(context.Background(), e); err != nil {
		s.logger.Warn("[Service] Event publish failed", "type", e.Type, "error", err)
	}
}

// drain hangs up every tracked call with bounded concurrency.
func (s *Service) drain(ctx context.Context) {
	for id, cancel := range s.watchers {
		cancel()
		delete(s.watchers, id)
	}

	records := s.reg.Snapshot()
	if len(records) == 0 {
		return
	}
	s.logger.Info("[Service] Draining calls", "count", len(records))

	sem := semaphore.NewWeighted(int64(s.cfg.DrainConcurrency))
	g, gCtx := errgroup.WithContext(ctx)

	for _, rec := range records {
		c := s.calls[rec.ID]
		if c == nil {
			continue
		}
		g.Go(func() error {
			if err := sem.Acquire(gCtx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			if err := c.Disconnect(gCtx); err != nil {
				s.logger.Warn("[Service] Hangup during drain failed", "call_id", rec.ID, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("[Service] Drain interrupted", "error", err)
	}

	for _, rec := range records {
		s.teardown(rec.ID, call.StateDisconnected, "shutdown")
	}
}

// listener posts platform notifications onto the run loop.
type listener struct {
	s *Service
}

func (l *listener) OnCallAdded(c platform.Call, caller platform.Caller) {
	l.s.inbox.post(func() { l.s.callAdded(c, caller) })
}

func (l *listener) OnStateChanged(c platform.Call, state platform.PlatformState) {
	l.s.inbox.post(func() { l.s.stateChanged(c, state) })
}

func (l *listener) OnCallDestroyed(c platform.Call, cause string) {
	l.s.inbox.post(func() { l.s.callGone(c, cause) })
}

func (l *listener) OnCallRemoved(c platform.Call) {
	l.s.inbox.post(func() { l.s.callGone(c, "removed") })
}

func (s *Service) callAdded(c platform.Call, caller platform.Caller) {
	rec := call.NewIncoming(caller.Number, caller.DisplayName, c.Handle())
	id, err := s.reg.Add(rec)
	if err != nil {
		s.logger.Warn("[Service] Incoming call not tracked", "handle", c.Handle(), "error", err)
		return
	}
	s.calls[id] = c

	s.logger.Info("[Service] Incoming call",
		"call_id", id,
		"remote_number", rec.RemoteNumber,
		"remote_name", rec.RemoteName)
	s.emit(s.builder.Call(events.CallReceived, id, rec.Map()))
}

func (s *Service) stateChanged(c platform.Call, ps platform.PlatformState) {
	rec, ok := s.reg.LookupHandle(c.Handle())
	if !ok {
		s.logger.Debug("[Service] State change for untracked call", "handle", c.Handle(), "state", ps)
		return
	}

	next := ps.Token()
	if next == call.StateDisconnected {
		s.teardown(rec.ID, next, "remote")
		s.logger.Info("[Service] Call disconnected by platform", "call_id", rec.ID)
		return
	}
	if rec.State == next {
		return
	}
	if !rec.State.CanTransitionTo(next) {
		s.logger.Warn("[Service] Unexpected platform transition",
			"call_id", rec.ID,
			"from", rec.State,
			"to", next)
	}

	prev := rec.State
	s.change(rec.ID, func(r *call.Record) {
		r.SetState(next)
		switch {
		case next == call.StateHolding:
			r.Held = true
		case prev == call.StateHolding:
			r.Held = false
		}
	})
}

func (s *Service) callGone(c platform.Call, cause string) {
	rec, ok := s.reg.LookupHandle(c.Handle())
	if !ok {
		s.logger.Debug("[Service] Teardown for untracked call", "handle", c.Handle(), "cause", cause)
		return
	}
	s.teardown(rec.ID, call.StateDisconnected, cause)
	s.logger.Info("[Service] Call destroyed", "call_id", rec.ID, "cause", cause)
}
