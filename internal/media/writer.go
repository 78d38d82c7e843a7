package media

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// RTPStreamWriter writes RTP packets with clock-based timing.
// It paces packets according to the codec's sample duration.
type RTPStreamWriter struct {
	conn net.PacketConn

	mu        sync.Mutex
	remote    net.Addr
	ssrc      uint32
	seq       uint16
	timestamp uint32
	codec     Codec
	ticker    *time.Ticker
	closed    bool
	sent      uint64
}

// NewRTPStreamWriter creates a clock-paced writer. remote may be nil until
// the far end is known; writes before that are dropped.
func NewRTPStreamWriter(conn net.PacketConn, remote net.Addr, codec Codec) *RTPStreamWriter {
	// SSRC, first sequence number and first timestamp are random (RFC 3550 section 5.1)
	var seed [10]byte
	if _, err := rand.Read(seed[:]); err != nil {
		binary.BigEndian.PutUint32(seed[:4], uint32(time.Now().UnixNano()))
	}
	return &RTPStreamWriter{
		conn:      conn,
		remote:    remote,
		ssrc:      binary.BigEndian.Uint32(seed[0:4]),
		seq:       binary.BigEndian.Uint16(seed[4:6]),
		timestamp: binary.BigEndian.Uint32(seed[6:10]),
		codec:     codec,
		ticker:    time.NewTicker(codec.SampleDur),
	}
}

// WriteFrame sends one encoded frame, blocking until the next clock tick.
// The timestamp advances even when nothing can be sent so the far end sees
// a continuous clock after an unhold.
func (w *RTPStreamWriter) WriteFrame(payload []byte, marker bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return net.ErrClosed
	}

	<-w.ticker.C

	if w.remote == nil {
		w.timestamp += w.codec.TimestampIncrement()
		return nil
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    w.codec.PayloadType,
			SequenceNumber: w.seq,
			Timestamp:      w.timestamp,
			SSRC:           w.ssrc,
		},
		Payload: payload,
	}

	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if _, err := w.conn.WriteTo(data, w.remote); err != nil {
		return err
	}

	w.seq++
	w.timestamp += w.codec.TimestampIncrement()
	w.sent++
	return nil
}

// Skip waits out one frame and advances the clock without sending.
func (w *RTPStreamWriter) Skip() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	<-w.ticker.C
	w.timestamp += w.codec.TimestampIncrement()
}

// SetRemote changes where packets go.
func (w *RTPStreamWriter) SetRemote(addr net.Addr) {
	w.mu.Lock()
	w.remote = addr
	w.mu.Unlock()
}

// SetCodec changes payload type and pacing for subsequent packets.
func (w *RTPStreamWriter) SetCodec(codec Codec) {
	w.mu.Lock()
	w.codec = codec
	w.ticker.Reset(codec.SampleDur)
	w.mu.Unlock()
}

// Sent returns the number of packets written.
func (w *RTPStreamWriter) Sent() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sent
}

// Close stops the ticker and marks the writer as closed.
func (w *RTPStreamWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		w.closed = true
		w.ticker.Stop()
	}
	return nil
}
