package sipua

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/telebridge/internal/media"
)

// Trunk is the SIP gateway serving one SIM slot.
type Trunk struct {
	Sim         int
	URI         sip.Uri
	User        string
	DisplayName string
	Codec       media.Codec
}

// NewTrunk validates a trunk definition.
func NewTrunk(sim int, uri, user, displayName, codec string) (Trunk, error) {
	if sim < 1 {
		return Trunk{}, fmt.Errorf("sim %d: slot must be >= 1", sim)
	}
	if !strings.HasPrefix(uri, "sip:") && !strings.HasPrefix(uri, "sips:") {
		uri = "sip:" + uri
	}
	var u sip.Uri
	if err := sip.ParseUri(uri, &u); err != nil {
		return Trunk{}, fmt.Errorf("sim %d: invalid uri %q: %w", sim, uri, err)
	}
	if u.Host == "" {
		return Trunk{}, fmt.Errorf("sim %d: uri %q has no host", sim, uri)
	}
	c, err := media.CodecByName(strings.ToUpper(codec))
	if err != nil {
		return Trunk{}, fmt.Errorf("sim %d: %w", sim, err)
	}
	if user == "" {
		user = fmt.Sprintf("sim%d", sim)
	}
	return Trunk{Sim: sim, URI: u, User: user, DisplayName: displayName, Codec: c}, nil
}

// target is the Request-URI for dialing destination through this trunk.
func (t Trunk) target(destination string) sip.Uri {
	return sip.Uri{
		Scheme: "sip",
		User:   destination,
		Host:   t.URI.Host,
		Port:   t.URI.Port,
	}
}

// codecs lists the trunk's preferred codec first.
func (t Trunk) codecs() []media.Codec {
	if t.Codec.PayloadType == media.CodecPCMA.PayloadType {
		return []media.Codec{media.CodecPCMA, media.CodecPCMU}
	}
	return []media.Codec{media.CodecPCMU, media.CodecPCMA}
}
