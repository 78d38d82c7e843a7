// Package sipua is the telephony stack backed by SIP trunks. Each SIM slot
// maps to one trunk; calls are SIP dialogs with a G.711 media session.
package sipua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/telebridge/internal/media"
	"github.com/sebas/telebridge/internal/platform"
)

// Config holds SIP user agent configuration.
type Config struct {
	BindAddr      string
	AdvertiseAddr string
	Port          int
	Transport     string
	Trunks        []Trunk
	Media         *media.Manager

	// Uplink supplies microphone audio for a new call. Nil sends silence.
	Uplink func(handle string) io.Reader

	DialTimeout  time.Duration
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// Telephony is the SIP-backed telephony stack.
type Telephony struct {
	cfg      Config
	trunks   map[int]Trunk
	contact  sip.Uri
	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	client   *sipgo.Client
	dialogUA *sipgo.DialogUA
	log      *slog.Logger

	mu       sync.Mutex
	listener platform.Listener
	calls    map[string]*Call // by SIP Call-ID
	closed   bool
	cancel   context.CancelFunc
	serving  sync.WaitGroup
}

var _ platform.Telephony = (*Telephony)(nil)

// New creates the user agent. Nothing is bound until Start.
func New(cfg Config) (*Telephony, error) {
	if cfg.Media == nil {
		return nil, errors.New("sipua: media manager required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	if cfg.Port == 0 {
		cfg.Port = 5060
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = "127.0.0.1"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 60 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}

	trunks := make(map[int]Trunk, len(cfg.Trunks))
	for _, tr := range cfg.Trunks {
		if _, dup := trunks[tr.Sim]; dup {
			return nil, fmt.Errorf("sipua: duplicate trunk for sim %d", tr.Sim)
		}
		trunks[tr.Sim] = tr
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	contact := sip.Uri{
		Scheme: "sip",
		User:   "telebridge",
		Host:   cfg.AdvertiseAddr,
		Port:   cfg.Port,
	}
	t := &Telephony{
		cfg:     cfg,
		trunks:  trunks,
		contact: contact,
		ua:      ua,
		srv:     srv,
		client:  client,
		dialogUA: &sipgo.DialogUA{
			Client:     client,
			ContactHDR: sip.ContactHeader{Address: contact},
		},
		log:   cfg.Logger,
		calls: make(map[string]*Call),
	}

	srv.OnRequest(sip.INVITE, t.handleINVITE)
	srv.OnRequest(sip.ACK, t.handleACK)
	srv.OnRequest(sip.BYE, t.handleBYE)
	srv.OnRequest(sip.CANCEL, t.handleCANCEL)
	srv.OnRequest(sip.OPTIONS, t.handleOPTIONS)
	return t, nil
}

// Start binds the SIP listener and begins delivering notifications to l.
func (t *Telephony) Start(ctx context.Context, l platform.Listener) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return platform.ErrClosed
	}
	if t.listener != nil {
		t.listener = l
		return nil
	}
	t.listener = l

	listenAddr := net.JoinHostPort(t.cfg.BindAddr, strconv.Itoa(t.cfg.Port))
	srvCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.serving.Add(1)
	go func() {
		defer t.serving.Done()
		t.log.Info("[SIP] Starting SIP server", "listen", listenAddr, "transport", t.cfg.Transport, "trunks", t.simSlots())
		if err := t.srv.ListenAndServe(srvCtx, t.cfg.Transport, listenAddr); err != nil && srvCtx.Err() == nil {
			t.log.Error("[SIP] SIP server stopped", "listen", listenAddr, "error", err)
		}
	}()
	return nil
}

// Dial places an outgoing call through the trunk for req.Sim.
func (t *Telephony) Dial(ctx context.Context, req platform.DialRequest) (platform.Call, error) {
	t.mu.Lock()
	closed, started := t.closed, t.listener != nil
	t.mu.Unlock()
	if closed {
		return nil, platform.ErrClosed
	}
	if !started {
		return nil, platform.ErrNotStarted
	}

	trunk, ok := t.trunks[req.Sim]
	if !ok {
		return nil, fmt.Errorf("sim %d: %w", req.Sim, platform.ErrNoTrunk)
	}
	if req.Destination == "" {
		return nil, errors.New("empty destination")
	}

	callID := uuid.New().String()
	session, err := t.cfg.Media.Open(callID, trunk.Codec)
	if err != nil {
		return nil, fmt.Errorf("media allocation failed: %w", err)
	}

	offer, err := BuildSDP(t.cfg.AdvertiseAddr, session.LocalPort(), 1, trunk.codecs(), DirectionSendRecv)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("build SDP offer: %w", err)
	}

	c := newCall(t, callID, true, session)
	c.trunk = trunk
	c.invite = t.buildINVITE(trunk, req.Destination, callID, offer)

	t.mu.Lock()
	t.calls[callID] = c
	t.mu.Unlock()

	go t.originate(c)
	return c, nil
}

// Probe reports whether any trunk answers an OPTIONS request.
func (t *Telephony) Probe(ctx context.Context) bool {
	if len(t.trunks) == 0 {
		return false
	}

	results := make(chan bool, len(t.trunks))
	for _, tr := range t.trunks {
		go func(tr Trunk) {
			results <- t.ping(ctx, tr)
		}(tr)
	}

	reachable := false
	for range t.trunks {
		if <-results {
			reachable = true
		}
	}
	return reachable
}

func (t *Telephony) ping(ctx context.Context, tr Trunk) bool {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ProbeTimeout)
	defer cancel()

	req := sip.NewRequest(sip.OPTIONS, tr.URI)
	t.appendIdentity(req, tr, sip.Uri{Scheme: "sip", Host: tr.URI.Host, Port: tr.URI.Port}, uuid.New().String())
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})

	tx, err := t.client.TransactionRequest(ctx, req)
	if err != nil {
		t.log.Debug("[SIP] OPTIONS failed", "sim", tr.Sim, "error", err)
		return false
	}
	defer tx.Terminate()

	select {
	case resp := <-tx.Responses():
		if resp == nil {
			return false
		}
		t.log.Debug("[SIP] OPTIONS response", "sim", tr.Sim, "status", resp.StatusCode)
		return true
	case <-tx.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// Close hangs up every call and stops the SIP stack.
func (t *Telephony) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	calls := make([]*Call, 0, len(t.calls))
	for _, c := range t.calls {
		calls = append(calls, c)
	}
	cancel := t.cancel
	t.mu.Unlock()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	for _, c := range calls {
		if err := c.Disconnect(ctx); err != nil {
			t.log.Warn("[SIP] Hangup on close failed", "call_id", c.handle, "error", err)
		}
	}

	if cancel != nil {
		cancel()
	}
	t.serving.Wait()
	t.log.Info("[SIP] Telephony closed")
	return t.ua.Close()
}

func (t *Telephony) get(callID string) (*Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[callID]
	return c, ok
}

func (t *Telephony) forget(callID string) {
	t.mu.Lock()
	delete(t.calls, callID)
	t.mu.Unlock()
}

func (t *Telephony) notify(fn func(l platform.Listener)) {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	if l != nil {
		fn(l)
	}
}

func (t *Telephony) uplink(handle string) io.Reader {
	if t.cfg.Uplink != nil {
		if r := t.cfg.Uplink(handle); r != nil {
			return r
		}
	}
	return media.Silence{}
}

func (t *Telephony) simSlots() []int {
	slots := make([]int, 0, len(t.trunks))
	for sim := range t.trunks {
		slots = append(slots, sim)
	}
	sort.Ints(slots)
	return slots
}

// appendIdentity adds the dialog-forming headers for an out-of-dialog request.
func (t *Telephony) appendIdentity(req *sip.Request, tr Trunk, to sip.Uri, callID string) {
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", generateTag())
	req.AppendHeader(&sip.FromHeader{
		DisplayName: tr.DisplayName,
		Address: sip.Uri{
			Scheme: "sip",
			User:   tr.User,
			Host:   t.cfg.AdvertiseAddr,
			Port:   t.cfg.Port,
		},
		Params: fromParams,
	})
	req.AppendHeader(&sip.ToHeader{Address: to, Params: sip.NewParams()})

	callIDHdr := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHdr)
}

// buildINVITE constructs the outbound INVITE request.
func (t *Telephony) buildINVITE(tr Trunk, destination, callID string, offer []byte) *sip.Request {
	target := tr.target(destination)
	invite := sip.NewRequest(sip.INVITE, target)
	t.appendIdentity(invite, tr, target, callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{Address: t.contact})

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(offer)
	return invite
}

func callIDOf(req *sip.Request) string {
	if req.CallID() == nil {
		return ""
	}
	// .String() adds the "Call-ID: " prefix
	return string(*req.CallID())
}

// generateTag generates a unique tag for From/To headers.
func generateTag() string {
	return uuid.New().String()[:8]
}
