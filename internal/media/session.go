package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/pion/rtp"
)

// Route selects where inbound audio is played.
type Route int

const (
	RouteEarpiece Route = iota
	RouteSpeaker
)

func (r Route) String() string {
	if r == RouteSpeaker {
		return "speaker"
	}
	return "earpiece"
}

// Outputs are the audio devices inbound audio can be routed to. Nil outputs
// discard.
type Outputs struct {
	Earpiece io.Writer
	Speaker  io.Writer
}

func (o Outputs) writer(r Route) io.Writer {
	w := o.Earpiece
	if r == RouteSpeaker {
		w = o.Speaker
	}
	if w == nil {
		return io.Discard
	}
	return w
}

// Silence is an endless source of silent PCM.
type Silence struct{}

func (Silence) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// Stats are per-session packet counters.
type Stats struct {
	Sent     uint64
	Received uint64
	Gated    uint64
	Dropped  uint64
}

// Config holds media configuration.
type Config struct {
	BindAddr string
	PortMin  int
	PortMax  int
	Outputs  Outputs
	Logger   *slog.Logger
}

// Manager opens per-call media sessions on ports from its pool.
type Manager struct {
	cfg  Config
	pool *PortPool
}

// NewManager creates a media manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "0.0.0.0"
	}
	return &Manager{
		cfg:  cfg,
		pool: NewPortPool(cfg.PortMin, cfg.PortMax),
	}
}

// Pool exposes the port pool.
func (m *Manager) Pool() *PortPool {
	return m.pool
}

// Open binds a new session. Ports that fail to bind are skipped.
func (m *Manager) Open(id string, codec Codec) (*Session, error) {
	var lastErr error
	for attempt := 0; attempt < 4; attempt++ {
		port, err := m.pool.Allocate()
		if err != nil {
			return nil, err
		}
		conn, err := net.ListenPacket("udp", net.JoinHostPort(m.cfg.BindAddr, strconv.Itoa(port)))
		if err != nil {
			m.pool.Release(port)
			lastErr = err
			continue
		}
		s := &Session{
			id:      id,
			conn:    conn,
			port:    port,
			pool:    m.pool,
			outputs: m.cfg.Outputs,
			codec:   codec,
			writer:  NewRTPStreamWriter(conn, nil, codec),
			logger:  m.cfg.Logger,
			done:    make(chan struct{}),
		}
		go s.readLoop()
		m.cfg.Logger.Debug("[Media] Session opened", "id", id, "port", port, "codec", codec.Name)
		return s, nil
	}
	return nil, fmt.Errorf("bind RTP port: %w", lastErr)
}

// Session is one call's RTP stream. Muting or holding gates the uplink;
// holding also silences the downlink.
type Session struct {
	id      string
	conn    net.PacketConn
	port    int
	pool    *PortPool
	outputs Outputs
	writer  *RTPStreamWriter
	logger  *slog.Logger

	mu    sync.Mutex
	codec Codec
	muted bool
	held  bool
	route Route
	stats Stats

	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the owning call's handle.
func (s *Session) ID() string { return s.id }

// LocalPort returns the bound RTP port.
func (s *Session) LocalPort() int { return s.port }

// Codec returns the negotiated codec.
func (s *Session) Codec() Codec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codec
}

// SetRemote points the uplink at the far end's RTP address.
func (s *Session) SetRemote(host string, port int) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("resolve remote RTP address: %w", err)
	}
	s.writer.SetRemote(addr)
	return nil
}

// SetCodec switches the negotiated codec.
func (s *Session) SetCodec(codec Codec) {
	s.mu.Lock()
	s.codec = codec
	s.mu.Unlock()
	s.writer.SetCodec(codec)
}

func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *Session) SetHeld(held bool) {
	s.mu.Lock()
	s.held = held
	s.mu.Unlock()
}

func (s *Session) SetRoute(r Route) {
	s.mu.Lock()
	s.route = r
	s.mu.Unlock()
	s.logger.Debug("[Media] Audio route", "id", s.id, "route", r)
}

func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Session) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

func (s *Session) Route() Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.route
}

// Stats returns a copy of the packet counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := s.stats
	s.mu.Unlock()
	st.Sent = s.writer.Sent()
	return st
}

// SendPCM sends one frame of 16-bit PCM. A gated frame only advances the
// RTP clock.
func (s *Session) SendPCM(pcm []byte) error {
	s.mu.Lock()
	gated := s.muted || s.held
	codec := s.codec
	if gated {
		s.stats.Gated++
	}
	s.mu.Unlock()

	if gated {
		s.writer.Skip()
		return nil
	}
	return s.writer.WriteFrame(codec.Encode(pcm), false)
}

// Pump reads frames from src and sends them until ctx is done, src ends or
// the session closes.
func (s *Session) Pump(ctx context.Context, src io.Reader) error {
	for {
		frame := make([]byte, s.Codec().PCMBytesPerFrame())
		if _, err := io.ReadFull(src, frame); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		default:
		}
		if err := s.SendPCM(frame); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (s *Session) readLoop() {
	buf := make([]byte, 1500)
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.drop()
			continue
		}
		codec, err := CodecByPayloadType(pkt.PayloadType)
		if err != nil {
			s.drop()
			continue
		}

		s.mu.Lock()
		held := s.held
		route := s.route
		s.stats.Received++
		s.mu.Unlock()
		if held {
			continue
		}

		if _, err := s.outputs.writer(route).Write(codec.Decode(pkt.Payload)); err != nil {
			s.logger.Debug("[Media] Output write failed", "id", s.id, "route", route, "error", err)
		}
	}
}

func (s *Session) drop() {
	s.mu.Lock()
	s.stats.Dropped++
	s.mu.Unlock()
}

// Close stops the stream and returns the port to the pool.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writer.Close()
		err = s.conn.Close()
		s.pool.Release(s.port)
		s.logger.Debug("[Media] Session closed", "id", s.id, "port", s.port)
	})
	return err
}
