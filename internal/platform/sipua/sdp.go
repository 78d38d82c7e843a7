package sipua

import (
	"fmt"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/sebas/telebridge/internal/media"
)

// Media directions used for hold (RFC 3264 section 8.4).
const (
	DirectionSendRecv = "sendrecv"
	DirectionSendOnly = "sendonly"
	DirectionRecvOnly = "recvonly"
	DirectionInactive = "inactive"
)

// MediaInfo is the audio description negotiated over SDP.
type MediaInfo struct {
	Addr      string
	Port      int
	Formats   []string
	Direction string
}

// BuildSDP creates an audio session description offering codecs in order of
// preference.
func BuildSDP(addr string, port int, version uint64, codecs []media.Codec, direction string) ([]byte, error) {
	if direction == "" {
		direction = DirectionSendRecv
	}
	formats := make([]string, 0, len(codecs))
	attrs := make([]sdp.Attribute, 0, len(codecs)+2)
	for _, c := range codecs {
		formats = append(formats, c.Format())
		attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: c.Format() + " " + c.RTPMap()})
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: direction},
	)

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "telebridge",
			SessionID:      uint64(time.Now().Unix()),
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "telebridge",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}
	return desc.Marshal()
}

// ParseSDP extracts the first audio description.
func ParseSDP(body []byte) (MediaInfo, error) {
	if len(body) == 0 {
		return MediaInfo{}, fmt.Errorf("no SDP body")
	}
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return MediaInfo{}, fmt.Errorf("parse SDP: %w", err)
	}

	var md *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			md = m
			break
		}
	}
	if md == nil {
		return MediaInfo{}, fmt.Errorf("no audio media in SDP")
	}

	info := MediaInfo{
		Port:      md.MediaName.Port.Value,
		Formats:   md.MediaName.Formats,
		Direction: DirectionSendRecv,
	}
	if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
		info.Addr = md.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		info.Addr = desc.ConnectionInformation.Address.Address
	}
	if info.Addr == "" {
		return MediaInfo{}, fmt.Errorf("no connection address in SDP")
	}

	// media-level direction overrides session-level
	for _, a := range desc.Attributes {
		if isDirection(a.Key) {
			info.Direction = a.Key
		}
	}
	for _, a := range md.Attributes {
		if isDirection(a.Key) {
			info.Direction = a.Key
		}
	}
	return info, nil
}

// Negotiate picks the first offered format we support.
func Negotiate(formats []string) (media.Codec, error) {
	for _, f := range formats {
		if c, err := media.CodecByFormat(f); err == nil {
			return c, nil
		}
	}
	return media.Codec{}, fmt.Errorf("no common codec in %v", formats)
}

func isDirection(key string) bool {
	switch key {
	case DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
		return true
	}
	return false
}

// holdDirection is the answer direction mirroring a remote hold offer.
func holdDirection(remote string) string {
	switch remote {
	case DirectionSendOnly:
		return DirectionRecvOnly
	case DirectionRecvOnly:
		return DirectionSendOnly
	case DirectionInactive:
		return DirectionInactive
	}
	return DirectionSendRecv
}
