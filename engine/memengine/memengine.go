// Package memengine is an in-process engine.Engine. Peers negotiate through
// real signaling artifacts, but connectivity is simulated: once both sides
// hold the other's description and at least one candidate the pair
// connects and data channels open.
package memengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/sdp/v3"
	"github.com/shynome/dcloop/engine"
	"github.com/shynome/dcloop/internal/queue"
)

type Options struct {
	// Candidates is the number of candidates each peer trickles, at least 1.
	Candidates int
	// CandidatesFirst trickles candidates ahead of the description.
	CandidatesFirst bool
	// RejectOffers fails every SetRemoteDescription carrying an offer.
	RejectOffers bool
}

type Network struct {
	opts Options

	mu    sync.Mutex
	seq   uint64
	peers []*Peer
}

var _ engine.Engine = (*Network)(nil)

func New(opts Options) *Network {
	if opts.Candidates < 1 {
		opts.Candidates = 2
	}
	return &Network{opts: opts, seq: 1000}
}

func (n *Network) NewPeerConnection(cfg engine.Config, h engine.PeerHandler, tmpl engine.HandlerTemplate) (engine.PeerConnection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.seq++
	p := &Peer{
		net:      n,
		session:  n.seq,
		h:        h,
		tmpl:     tmpl,
		exec:     queue.New[func()](),
		execDone: make(chan struct{}),
	}
	n.peers = append(n.peers, p)
	n.mu.Unlock()

	go p.run()
	return p, nil
}

// Peers lists every connection in creation order.
func (n *Network) Peers() []*Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Peer(nil), n.peers...)
}

func (n *Network) find(session uint64) *Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		if p.session == session {
			return p
		}
	}
	return nil
}

// Peer is one simulated peer connection. Callbacks run in order on a
// goroutine owned by the peer.
type Peer struct {
	net     *Network
	session uint64
	h       engine.PeerHandler
	tmpl    engine.HandlerTemplate

	exec     *queue.Queue[func()]
	execDone chan struct{}

	mu        sync.Mutex
	closed    bool
	described bool
	remote    *Peer
	pending   []string
	emitted   []string
	applied   []string
	outbound  []*channel
	events    []string
	connected bool
}

var _ engine.PeerConnection = (*Peer)(nil)

func (p *Peer) run() {
	defer close(p.execDone)
	for {
		f, err := p.exec.Pop(context.Background())
		if err != nil {
			return
		}
		f()
	}
}

func (p *Peer) post(f func()) { p.exec.Push(f) }

func (p *Peer) record(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, fmt.Sprintf(format, args...))
}

// Emitted lists the candidates this peer trickled, in order.
func (p *Peer) Emitted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.emitted...)
}

// Applied lists the remote candidates this peer accepted, in order.
func (p *Peer) Applied() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.applied...)
}

// Events lists channel activity, e.g. "open test", "send test",
// "datachannel test".
func (p *Peer) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Peer) CreateDataChannel(label string, h engine.ChannelHandler) (engine.DataChannel, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: data channel %q on closed peer", engine.ErrSetupFailed, label)
	}
	ch := &channel{label: label, owner: p, handler: h}
	p.outbound = append(p.outbound, ch)
	describe := !p.described
	p.described = true
	p.mu.Unlock()

	if describe {
		p.publishLocal("offer")
	}

	p.net.mu.Lock()
	connected := p.connected
	p.net.mu.Unlock()
	if connected {
		p.open(ch)
	}
	return ch, nil
}

func (p *Peer) SetRemoteDescription(raw, sdpType string) error {
	switch sdpType {
	case "offer", "answer":
	default:
		return fmt.Errorf("%w: unknown sdp type %q", engine.ErrProtocol, sdpType)
	}
	if sdpType == "offer" && p.net.opts.RejectOffers {
		return fmt.Errorf("%w: offer rejected", engine.ErrProtocol)
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrProtocol, err)
	}
	remote := p.net.find(desc.Origin.SessionID)
	if remote == nil || remote == p {
		return fmt.Errorf("%w: unknown session %d", engine.ErrProtocol, desc.Origin.SessionID)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("%w: peer closed", engine.ErrProtocol)
	}
	p.remote = remote
	pending := p.pending
	p.pending = nil
	describe := sdpType == "offer" && !p.described
	p.described = p.described || describe
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.apply(c); err != nil {
			return err
		}
	}
	if describe {
		p.publishLocal("answer")
	}
	p.maybeConnect()
	return nil
}

func (p *Peer) AddRemoteCandidate(candidate, mid string) error {
	p.mu.Lock()
	if p.remote == nil {
		p.pending = append(p.pending, candidate)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.apply(candidate); err != nil {
		return err
	}
	p.maybeConnect()
	return nil
}

func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	chans := p.outbound
	p.mu.Unlock()

	for _, ch := range chans {
		ch.Close()
	}
	p.exec.Close()
	<-p.execDone
	return nil
}

func (p *Peer) description() string {
	desc := sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      p.session,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName:      "-",
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "application",
				Port:    sdp.RangedPort{Value: 9},
				Protos:  []string{"UDP", "DTLS", "SCTP"},
				Formats: []string{"webrtc-datachannel"},
			},
			Attributes: []sdp.Attribute{{Key: "mid", Value: "0"}},
		}},
	}
	b, err := desc.Marshal()
	if err != nil {
		panic(err)
	}
	return string(b)
}

func (p *Peer) candidates() []string {
	cands := make([]string, p.net.opts.Candidates)
	for i := range cands {
		cands[i] = fmt.Sprintf("candidate:%d 1 udp %d 127.0.0.1 %d typ host", p.session, 2130706431-i, 40000+i)
	}
	return cands
}

func (p *Peer) publishLocal(sdpType string) {
	desc := p.description()
	cands := p.candidates()
	p.mu.Lock()
	p.emitted = append(p.emitted, cands...)
	p.mu.Unlock()

	p.post(func() { p.h.OnGatheringStateChange(engine.GatheringInProgress) })
	trickle := func() {
		for _, c := range cands {
			c := c
			p.post(func() { p.h.OnCandidate(c, "0") })
		}
	}
	if p.net.opts.CandidatesFirst {
		trickle()
	}
	p.post(func() { p.h.OnDescription(desc, sdpType) })
	if !p.net.opts.CandidatesFirst {
		trickle()
	}
	p.post(func() { p.h.OnGatheringStateChange(engine.GatheringComplete) })
}

func (p *Peer) apply(candidate string) error {
	var session uint64
	if _, err := fmt.Sscanf(candidate, "candidate:%d ", &session); err != nil {
		return fmt.Errorf("%w: candidate %q: %v", engine.ErrProtocol, candidate, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil || session != p.remote.session {
		return fmt.Errorf("%w: candidate %q does not belong to the remote session", engine.ErrProtocol, candidate)
	}
	p.applied = append(p.applied, candidate)
	return nil
}

func (p *Peer) reachable() (remote *Peer, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote, p.remote != nil && len(p.applied) > 0 && !p.closed
}

func (p *Peer) maybeConnect() {
	remote, ok := p.reachable()
	if !ok {
		return
	}
	if back, ok := remote.reachable(); !ok || back != p {
		return
	}

	n := p.net
	n.mu.Lock()
	if p.connected {
		n.mu.Unlock()
		return
	}
	p.connected, remote.connected = true, true
	n.mu.Unlock()

	for _, peer := range []*Peer{p, remote} {
		h := peer.h
		peer.post(func() { h.OnConnStateChange(engine.ConnConnecting) })
		peer.post(func() { h.OnConnStateChange(engine.ConnConnected) })
	}
	for _, peer := range []*Peer{p, remote} {
		peer.mu.Lock()
		chans := append([]*channel(nil), peer.outbound...)
		peer.mu.Unlock()
		for _, ch := range chans {
			peer.open(ch)
		}
	}
}

// open pairs out with a fresh inbound channel on the remote side. The
// remote hand-over is queued first so the inbound side always exists
// before anything is sent on out. A channel is paired at most once.
func (p *Peer) open(out *channel) {
	if !out.claim() {
		return
	}
	p.mu.Lock()
	remote := p.remote
	p.mu.Unlock()

	in := &channel{label: out.label, owner: remote, handler: remote.tmpl.Make()}
	in.pair(out)

	remote.post(func() {
		in.setOpen()
		remote.record("datachannel %s", in.label)
		in.handler.OnOpen()
		remote.h.OnDataChannel(in)
	})
	p.post(func() {
		out.setOpen()
		p.record("open %s", out.label)
		out.handler.OnOpen()
	})
}

type channel struct {
	label   string
	owner   *Peer
	handler engine.ChannelHandler

	mu      sync.Mutex
	peer    *channel
	claimed bool
	isOpen  bool
	closed  bool
}

var _ engine.DataChannel = (*channel)(nil)

func (c *channel) pair(other *channel) {
	c.mu.Lock()
	c.peer = other
	c.mu.Unlock()
	other.mu.Lock()
	other.peer = c
	other.mu.Unlock()
}

// claim reports whether the caller is the first to pair c.
func (c *channel) claim() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimed {
		return false
	}
	c.claimed = true
	return true
}

func (c *channel) setOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isOpen = !c.closed
}

func (c *channel) Label() string { return c.label }

func (c *channel) Send(data []byte) error {
	c.mu.Lock()
	peer, open := c.peer, c.isOpen
	c.mu.Unlock()
	if !open || peer == nil {
		return fmt.Errorf("%w: data channel %q is not open", engine.ErrProtocol, c.label)
	}
	c.owner.record("send %s", c.label)
	buf := append([]byte(nil), data...)
	peer.owner.post(func() { peer.handler.OnMessage(buf) })
	return nil
}

func (c *channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed, c.isOpen = true, false
	return nil
}
