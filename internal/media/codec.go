// Package media carries call audio: G.711 framing, paced RTP and the
// per-call session that applies mute, hold and audio route selection.
package media

import (
	"fmt"
	"strconv"
	"time"

	"github.com/zaf/g711"
)

// Codec represents an immutable audio codec description.
type Codec struct {
	Name        string        // Codec name (e.g., "PCMU", "PCMA")
	PayloadType uint8         // RTP payload type (0 for PCMU, 8 for PCMA)
	SampleRate  uint32        // Sample rate in Hz
	SampleDur   time.Duration // Duration per frame (typically 20ms)
	Channels    int
}

var (
	// CodecPCMU is G.711 µ-law (North America, Japan)
	CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond, 1}

	// CodecPCMA is G.711 A-law (Europe, rest of world)
	CodecPCMA = Codec{"PCMA", 8, 8000, 20 * time.Millisecond, 1}
)

// SamplesPerFrame returns the number of samples in one frame.
// For 8kHz with 20ms frames, this returns 160.
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.SampleDur) / int(time.Second)
}

// BytesPerFrame returns the encoded payload bytes per frame.
// G.711 carries one byte per sample.
func (c Codec) BytesPerFrame() int {
	return c.SamplesPerFrame() * c.Channels
}

// PCMBytesPerFrame returns the 16-bit linear PCM bytes per frame.
func (c Codec) PCMBytesPerFrame() int {
	return 2 * c.SamplesPerFrame() * c.Channels
}

// TimestampIncrement returns the RTP timestamp increment per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// RTPMap returns the SDP rtpmap value, e.g. "PCMU/8000".
func (c Codec) RTPMap() string {
	return fmt.Sprintf("%s/%d", c.Name, c.SampleRate)
}

// Format returns the SDP media format (the payload type as a string).
func (c Codec) Format() string {
	return strconv.Itoa(int(c.PayloadType))
}

// Encode converts 16-bit little-endian PCM to the codec's wire format.
func (c Codec) Encode(pcm []byte) []byte {
	if c.PayloadType == CodecPCMA.PayloadType {
		return g711.EncodeAlaw(pcm)
	}
	return g711.EncodeUlaw(pcm)
}

// Decode converts a wire payload back to 16-bit little-endian PCM.
func (c Codec) Decode(payload []byte) []byte {
	if c.PayloadType == CodecPCMA.PayloadType {
		return g711.DecodeAlaw(payload)
	}
	return g711.DecodeUlaw(payload)
}

// CodecByName resolves "PCMU"/"PCMA" (case-sensitive, as in SDP rtpmap).
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecPCMU.Name:
		return CodecPCMU, nil
	case CodecPCMA.Name:
		return CodecPCMA, nil
	}
	return Codec{}, fmt.Errorf("codec not supported: %s", name)
}

// CodecByPayloadType resolves a static payload type.
func CodecByPayloadType(pt uint8) (Codec, error) {
	switch pt {
	case CodecPCMU.PayloadType:
		return CodecPCMU, nil
	case CodecPCMA.PayloadType:
		return CodecPCMA, nil
	}
	return Codec{}, fmt.Errorf("codec not found for payload type: %d", pt)
}

// CodecByFormat resolves an SDP format string ("0", "8").
func CodecByFormat(format string) (Codec, error) {
	pt, err := strconv.Atoi(format)
	if err != nil || pt < 0 || pt > 127 {
		return Codec{}, fmt.Errorf("codec not found for payload type: %s", format)
	}
	return CodecByPayloadType(uint8(pt))
}
