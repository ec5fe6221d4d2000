// Package collab declares the façades the core drives but does not
// implement: the RTP data-plane, the audio player, the metadata sink, and
// mDNS advertisement (component J). Concrete implementations are the
// caller's responsibility; this package only shapes the contract and
// frames metadata on the wire.
package collab

import (
	"net"

	"github.com/airplay-go/raop/session"
	"github.com/pion/rtp"
)

// RTP is the façade over the audio/control/timing sockets and decrypt/
// decode/jitter pipeline. SETUP calls Setup, TEARDOWN and connection loss
// call Shutdown; Shutdown must be idempotent.
type RTP interface {
	// Setup binds RTP resources for a session and returns the receiver's
	// local server/control/timing ports. A zero server port signals
	// failure.
	Setup(remote net.Addr, controlPort, timingPort int, activeRemote uint32) (serverPort, controlPortOut, timingPortOut int, err error)
	// Shutdown releases RTP resources. Idempotent.
	Shutdown()
	// Flush forwards an RTP-Info rtptime to the jitter buffer.
	Flush(rtptime uint32)
}

// Player is the façade over the audio output back-end.
type Player interface {
	Play(cfg *session.StreamConfig)
	Stop()
	// Volume receives the linear float the collaborator maps from
	// AirPlay's [-30, 0] dB range (with -144 meaning mute); that mapping
	// is the collaborator's job, not the core's (spec.md 6).
	Volume(linear float64)
}

// Metadata is the façade over the external metadata sink; the core only
// frames and forwards, per spec.md 4.J.
type Metadata interface {
	Process(type4, code4 string, payload []byte)
}

// MDNS is the façade over service advertisement; Register is called once
// after bind, before the accept loop (spec.md 6).
type MDNS interface {
	Register() error
}

// DecodeRTPHeader unmarshals the fixed RTP header from a packet received on
// the collaborator's audio socket. The core never reads audio-socket
// packets itself (that socket is entirely the RTP façade's business); this
// helper exists so a façade implementation can reuse the same header
// parsing the core already depends on (github.com/pion/rtp) rather than
// hand-rolling its own, when it needs the sequence number or timestamp to
// correlate against a Flush call.
func DecodeRTPHeader(packet []byte) (*rtp.Header, error) {
	h := &rtp.Header{}
	if _, err := h.Unmarshal(packet); err != nil {
		return nil, err
	}
	return h, nil
}
