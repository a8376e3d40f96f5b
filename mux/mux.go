package mux

import (
	"github.com/pion/ice/v2"
	"github.com/pion/webrtc/v3"
)

// WithUDPMux makes engine serve every host candidate from port, loopback
// interfaces included when loopback is set. It is nil on platforms without
// raw UDP sockets.
var WithUDPMux func(engine *webrtc.SettingEngine, port uint16, loopback bool) (ice.UDPMux, error)
