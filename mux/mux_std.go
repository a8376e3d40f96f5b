//go:build !(js || wasip1)

package mux

import (
	"github.com/pion/ice/v2"
	"github.com/pion/webrtc/v3"
)

func init() {
	WithUDPMux = func(engine *webrtc.SettingEngine, port uint16, loopback bool) (mux ice.UDPMux, err error) {
		var opts []ice.UDPMuxFromPortOption
		if loopback {
			opts = append(opts, ice.UDPMuxFromPortWithLoopback())
		}
		if mux, err = ice.NewMultiUDPMuxFromPort(int(port), opts...); err != nil {
			return
		}
		engine.SetICEUDPMux(mux)
		return
	}
}
