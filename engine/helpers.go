package engine

import (
	"fmt"
	"net"

	"github.com/pion/webrtc/v3"
)

func then(err *error, ok func(), catch func()) {
	switch {
	case *err == nil && ok != nil:
		ok()
	case *err != nil && catch != nil:
		catch()
	}
}

// remoteAddr reports the remote side of the selected candidate pair.
func remoteAddr(pc *webrtc.PeerConnection) (addr string) {
	addr = "unknown"
	if pc == nil {
		return
	}
	sctp := pc.SCTP()
	if sctp == nil {
		return
	}
	dtls := sctp.Transport()
	if dtls == nil {
		return
	}
	ice := dtls.ICETransport()
	if ice == nil {
		return
	}
	pair, err := ice.GetSelectedCandidatePair()
	if err != nil || pair == nil || pair.Remote == nil {
		return
	}
	remote := pair.Remote
	return net.JoinHostPort(remote.Address, fmt.Sprint(remote.Port))
}
