package engine

import (
	"fmt"
	"sync"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/pion/ice/v2"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"github.com/shynome/dcloop/internal/logger"
	"github.com/shynome/dcloop/mux"
	"github.com/sirupsen/logrus"
)

// Pion is the Engine backed by pion/webrtc. The zero value is ready to use.
type Pion struct {
	Log *logrus.Entry
}

var _ Engine = Pion{}

func (e Pion) NewPeerConnection(cfg Config, h PeerHandler, tmpl HandlerTemplate) (_ PeerConnection, err error) {
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	log := e.Log
	if log == nil {
		log = logger.New("pion")
	}

	p := &pionPeer{h: h, tmpl: tmpl, log: log}
	defer then(&err, nil, func() {
		p.Close()
		err = fmt.Errorf("%w: %w", ErrSetupFailed, err)
	})
	defer err2.Handle(&err)

	settingEngine := webrtc.SettingEngine{LoggerFactory: logger.PionFactory(log)}
	if !cfg.ExcludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}
	if !cfg.PortRange.IsZero() {
		try.To(settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max))
	}
	if cfg.UDPMuxPort != 0 && mux.WithUDPMux != nil {
		p.mux = try.To1(mux.WithUDPMux(&settingEngine, cfg.UDPMuxPort, !cfg.ExcludeLoopback))
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	key := try.To1(cfg.CertificateType.privateKey())
	cert := try.To1(webrtc.GenerateCertificate(key))
	config := webrtc.Configuration{
		Certificates: []webrtc.Certificate{*cert},
	}
	if len(cfg.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	p.pc = try.To1(api.NewPeerConnection(config))

	p.pc.OnICECandidate(p.onCandidate)
	p.pc.OnConnectionStateChange(p.onConnState)
	p.pc.OnICEGatheringStateChange(func(s webrtc.ICEGathererState) {
		if state, ok := gatheringState(s); ok {
			h.OnGatheringStateChange(state)
		}
	})
	p.pc.OnDataChannel(p.onDataChannel)
	return p, nil
}

type pionPeer struct {
	pc   *webrtc.PeerConnection
	mux  ice.UDPMux
	h    PeerHandler
	tmpl HandlerTemplate
	log  *logrus.Entry

	// localL keeps a published description ahead of the candidates it
	// produced.
	localL sync.Mutex
	mid    string

	remoteL   sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func (p *pionPeer) CreateDataChannel(label string, h ChannelHandler) (_ DataChannel, err error) {
	defer then(&err, nil, func() {
		err = fmt.Errorf("%w: data channel %q: %w", ErrSetupFailed, label, err)
	})
	defer err2.Handle(&err)

	dc := try.To1(p.pc.CreateDataChannel(label, nil))
	dc.OnOpen(func() {
		p.log.Debugf("data channel %q open", label)
		h.OnOpen()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { h.OnMessage(msg.Data) })

	if p.pc.LocalDescription() == nil {
		offer := try.To1(p.pc.CreateOffer(nil))
		try.To(p.setLocal(offer))
	}
	return pionChannel{dc}, nil
}

func (p *pionPeer) SetRemoteDescription(raw, sdpType string) (err error) {
	defer then(&err, nil, func() {
		err = fmt.Errorf("%w: remote %s: %w", ErrProtocol, sdpType, err)
	})
	defer err2.Handle(&err)

	t := webrtc.NewSDPType(sdpType)
	switch t {
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer, webrtc.SDPTypeRollback:
	default:
		return fmt.Errorf("unknown sdp type %q", sdpType)
	}

	p.remoteL.Lock()
	defer p.remoteL.Unlock()

	try.To(p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: raw}))
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	for _, c := range pending {
		try.To(p.pc.AddICECandidate(c))
	}

	if t == webrtc.SDPTypeOffer {
		answer := try.To1(p.pc.CreateAnswer(nil))
		try.To(p.setLocal(answer))
	}
	return nil
}

func (p *pionPeer) AddRemoteCandidate(candidate, mid string) error {
	init := webrtc.ICECandidateInit{Candidate: candidate}
	if mid != "" {
		init.SDPMid = &mid
	}

	p.remoteL.Lock()
	defer p.remoteL.Unlock()
	if !p.remoteSet {
		p.pending = append(p.pending, init)
		return nil
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("%w: remote candidate: %w", ErrProtocol, err)
	}
	return nil
}

func (p *pionPeer) Close() (err error) {
	defer err2.Handle(&err)
	if pc := p.pc; pc != nil {
		try.To(pc.Close())
	}
	if m := p.mux; m != nil {
		try.To(m.Close())
	}
	return
}

func (p *pionPeer) setLocal(desc webrtc.SessionDescription) error {
	p.localL.Lock()
	defer p.localL.Unlock()
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return err
	}
	p.mid = firstMid(desc.SDP)
	p.h.OnDescription(desc.SDP, desc.Type.String())
	return nil
}

func (p *pionPeer) onCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	p.localL.Lock()
	defer p.localL.Unlock()
	init := c.ToJSON()
	mid := p.mid
	if init.SDPMid != nil && *init.SDPMid != "" {
		mid = *init.SDPMid
	}
	p.h.OnCandidate(init.Candidate, mid)
}

func (p *pionPeer) onConnState(s webrtc.PeerConnectionState) {
	if s == webrtc.PeerConnectionStateConnected {
		p.log.Debugf("selected remote %s", remoteAddr(p.pc))
	}
	p.h.OnConnStateChange(connState(s))
}

// onDataChannel hands the channel over once it is open, so the receiver may
// send on it right away.
func (p *pionPeer) onDataChannel(dc *webrtc.DataChannel) {
	h := p.tmpl.Make()
	ch := pionChannel{dc}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { h.OnMessage(msg.Data) })
	dc.OnOpen(func() {
		h.OnOpen()
		p.h.OnDataChannel(ch)
	})
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c pionChannel) Label() string          { return c.dc.Label() }
func (c pionChannel) Send(data []byte) error { return c.dc.Send(data) }
func (c pionChannel) Close() error           { return c.dc.Close() }

func firstMid(raw string) string {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return ""
	}
	for _, m := range desc.MediaDescriptions {
		if mid, ok := m.Attribute("mid"); ok {
			return mid
		}
	}
	return ""
}

func connState(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnClosed
	}
	return ConnNew
}

func gatheringState(s webrtc.ICEGathererState) (GatheringState, bool) {
	switch s {
	case webrtc.ICEGathererStateNew:
		return GatheringNew, true
	case webrtc.ICEGathererStateGathering:
		return GatheringInProgress, true
	case webrtc.ICEGathererStateComplete:
		return GatheringComplete, true
	}
	return 0, false
}
