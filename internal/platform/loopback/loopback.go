// Package loopback is an in-process telephony stack. Nothing leaves the
// process: outgoing calls are acknowledged locally and incoming calls are
// injected by the caller. Used by -platform loopback and by tests.
package loopback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/telebridge/internal/platform"
)

// Options controls loopback behavior.
type Options struct {
	// PlaceDelay is how long after Dial the placement is acknowledged.
	// Negative disables automatic acknowledgment; use Acknowledge.
	PlaceDelay time.Duration
	Logger     *slog.Logger
}

// Telephony is the loopback stack
type Telephony struct {
	opts Options

	mu        sync.Mutex
	listener  platform.Listener
	calls     map[string]*Call
	dialErr   error
	opErrs    map[string]error
	reachable bool
	closed    bool
	timers    map[string]*time.Timer
}

var _ platform.Telephony = (*Telephony)(nil)

// New creates a reachable loopback stack.
func New(opts Options) *Telephony {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Telephony{
		opts:      opts,
		calls:     make(map[string]*Call),
		opErrs:    make(map[string]error),
		timers:    make(map[string]*time.Timer),
		reachable: true,
	}
}

// Start registers the listener.
func (t *Telephony) Start(ctx context.Context, l platform.Listener) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return platform.ErrClosed
	}
	t.listener = l
	t.opts.Logger.Info("[Loopback] Telephony started")
	return nil
}

// Dial places an outgoing call locally.
func (t *Telephony) Dial(ctx context.Context, req platform.DialRequest) (platform.Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, platform.ErrClosed
	}
	if t.listener == nil {
		return nil, platform.ErrNotStarted
	}
	if t.dialErr != nil {
		err := t.dialErr
		t.dialErr = nil
		return nil, err
	}
	if req.Sim < 1 {
		return nil, fmt.Errorf("sim %d: %w", req.Sim, platform.ErrNoTrunk)
	}

	c := t.newCall(req.Destination, true)
	if t.opts.PlaceDelay >= 0 {
		handle := c.handle
		t.timers[handle] = time.AfterFunc(t.opts.PlaceDelay, func() {
			t.mu.Lock()
			delete(t.timers, handle)
			t.mu.Unlock()
			t.Acknowledge(handle)
		})
	}
	t.opts.Logger.Debug("[Loopback] Dialed", "handle", c.handle, "destination", req.Destination, "sim", req.Sim)
	return c, nil
}

// Probe reports the reachability set by SetReachable.
func (t *Telephony) Probe(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reachable && !t.closed
}

// Close stops pending acknowledgments.
func (t *Telephony) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for handle, tm := range t.timers {
		tm.Stop()
		delete(t.timers, handle)
	}
	return nil
}

func (t *Telephony) newCall(remote string, outgoing bool) *Call {
	c := &Call{
		t:        t,
		handle:   uuid.New().String(),
		remote:   remote,
		outgoing: outgoing,
		placed:   make(chan struct{}),
	}
	t.calls[c.handle] = c
	return c
}

// --- injection, for development and tests ---

// FailNextDial makes the next Dial return err.
func (t *Telephony) FailNextDial(err error) {
	t.mu.Lock()
	t.dialErr = err
	t.mu.Unlock()
}

// FailOp makes every call operation named op ("answer", "disconnect",
// "reject", "hold", "unhold", "mute", "speaker") return err. A nil err clears it.
func (t *Telephony) FailOp(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.opErrs, op)
		return
	}
	t.opErrs[op] = err
}

// SetReachable changes what Probe reports.
func (t *Telephony) SetReachable(ok bool) {
	t.mu.Lock()
	t.reachable = ok
	t.mu.Unlock()
}

// Acknowledge marks an outgoing call as placed.
func (t *Telephony) Acknowledge(handle string) bool {
	t.mu.Lock()
	c, ok := t.calls[handle]
	t.mu.Unlock()
	if !ok {
		return false
	}
	c.placedOnce.Do(func() { close(c.placed) })
	return true
}

// Ring announces an incoming call and returns it.
func (t *Telephony) Ring(number, displayName string) (*Call, error) {
	t.mu.Lock()
	if t.listener == nil {
		t.mu.Unlock()
		return nil, platform.ErrNotStarted
	}
	c := t.newCall(number, false)
	l := t.listener
	t.mu.Unlock()

	l.OnCallAdded(c, platform.Caller{Number: number, DisplayName: displayName})
	return c, nil
}

// Report delivers a state change for handle.
func (t *Telephony) Report(handle string, state platform.PlatformState) error {
	c, l, err := t.lookup(handle)
	if err != nil {
		return err
	}
	l.OnStateChanged(c, state)
	return nil
}

// Destroy tears down handle from the platform side.
func (t *Telephony) Destroy(handle, cause string) error {
	c, l, err := t.lookup(handle)
	if err != nil {
		return err
	}
	t.forget(handle)
	l.OnCallDestroyed(c, cause)
	return nil
}

// Remove reports that the platform dropped handle from its call list.
func (t *Telephony) Remove(handle string) error {
	c, l, err := t.lookup(handle)
	if err != nil {
		return err
	}
	t.forget(handle)
	l.OnCallRemoved(c)
	return nil
}

// Get returns the loopback call for handle.
func (t *Telephony) Get(handle string) (*Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[handle]
	return c, ok
}

func (t *Telephony) lookup(handle string) (*Call, platform.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil, nil, platform.ErrNotStarted
	}
	c, ok := t.calls[handle]
	if !ok {
		return nil, nil, fmt.Errorf("unknown handle %s", handle)
	}
	return c, t.listener, nil
}

func (t *Telephony) forget(handle string) {
	t.mu.Lock()
	delete(t.calls, handle)
	if tm, ok := t.timers[handle]; ok {
		tm.Stop()
		delete(t.timers, handle)
	}
	t.mu.Unlock()
}

func (t *Telephony) opErr(op string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opErrs[op]
}

// Call is a loopback call. It records the operations applied to it.
type Call struct {
	t        *Telephony
	handle   string
	remote   string
	outgoing bool

	placed     chan struct{}
	placedOnce sync.Once

	mu      sync.Mutex
	ops     []string
	muted   bool
	speaker bool
	held    bool
}

var _ platform.Call = (*Call)(nil)

func (c *Call) Handle() string { return c.handle }

// Placed is closed on acknowledgment. Incoming calls are never placed.
func (c *Call) Placed() <-chan struct{} { return c.placed }

func (c *Call) apply(op string, fn func()) error {
	if err := c.t.opErr(op); err != nil {
		return err
	}
	c.mu.Lock()
	c.ops = append(c.ops, op)
	if fn != nil {
		fn()
	}
	c.mu.Unlock()
	return nil
}

func (c *Call) Answer(ctx context.Context) error {
	if c.outgoing {
		return fmt.Errorf("answer outgoing call: %w", platform.ErrInvalidState)
	}
	return c.apply("answer", nil)
}

func (c *Call) Disconnect(ctx context.Context) error {
	if err := c.apply("disconnect", nil); err != nil {
		return err
	}
	c.t.forget(c.handle)
	return nil
}

func (c *Call) Reject(ctx context.Context) error {
	if err := c.apply("reject", nil); err != nil {
		return err
	}
	c.t.forget(c.handle)
	return nil
}

func (c *Call) Hold(ctx context.Context) error {
	return c.apply("hold", func() { c.held = true })
}

func (c *Call) Unhold(ctx context.Context) error {
	return c.apply("unhold", func() { c.held = false })
}

func (c *Call) SetMuted(ctx context.Context, muted bool) error {
	return c.apply("mute", func() { c.muted = muted })
}

func (c *Call) SetSpeaker(ctx context.Context, speaker bool) error {
	return c.apply("speaker", func() { c.speaker = speaker })
}

// Ops returns the operations applied so far, in order.
func (c *Call) Ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

// Flags returns the current held, muted and speaker flags.
func (c *Call) Flags() (held, muted, speaker bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held, c.muted, c.speaker
}
