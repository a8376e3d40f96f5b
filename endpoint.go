package dcloop

import (
	"fmt"
	"sync"

	"github.com/shynome/dcloop/engine"
	"github.com/shynome/dcloop/internal/logger"
	"github.com/shynome/dcloop/signaler"
	"github.com/sirupsen/logrus"
)

// Endpoint forwards what the engine produces to the other peer and keeps
// the inbound data channel. It never publishes to its own bus.
type Endpoint struct {
	id    PeerID
	out   signaler.Outbox
	log   *logrus.Entry
	fault func(error)

	mu           sync.Mutex
	inbound      engine.DataChannel
	inboundLabel string
	conn         []engine.ConnState
	gathering    []engine.GatheringState
}

var _ engine.PeerHandler = (*Endpoint)(nil)

func NewEndpoint(id PeerID, out signaler.Outbox) *Endpoint {
	return &Endpoint{
		id:  id,
		out: out,
		log: peerLog(id),
	}
}

func peerLog(id PeerID) *logrus.Entry {
	return logger.New(fmt.Sprintf("peer%d", id))
}

// OnDescription tolerates a closed bus: the peer may already have stopped.
func (ep *Endpoint) OnDescription(sdp, sdpType string) {
	ep.log.Infof("Description %d: %s", ep.id, sdpType)
	ep.log.Debug(sdp)
	if err := ep.out.Send(signaler.RemoteDescription{SDP: sdp, Type: sdpType}); err != nil {
		ep.log.Debugf("description dropped: %v", err)
	}
}

// OnCandidate treats a closed bus as fatal, candidates always precede Stop.
func (ep *Endpoint) OnCandidate(candidate, mid string) {
	ep.log.Infof("Candidate %d: %s %s", ep.id, candidate, mid)
	if err := ep.out.Send(signaler.RemoteCandidate{Candidate: candidate, Mid: mid}); err != nil {
		report(ep.log, ep.fault, fmt.Errorf("%w: peer %d candidate %q: %w", ErrBusClosed, ep.id, candidate, err))
	}
}

func (ep *Endpoint) OnConnStateChange(state engine.ConnState) {
	ep.log.Infof("State %d: %s", ep.id, state)
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.conn = append(ep.conn, state)
}

func (ep *Endpoint) OnGatheringStateChange(state engine.GatheringState) {
	ep.log.Infof("Gathering state %d: %s", ep.id, state)
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.gathering = append(ep.gathering, state)
}

// OnDataChannel greets on the handed over channel, which the engine
// guarantees to be open, then keeps it.
func (ep *Endpoint) OnDataChannel(dc engine.DataChannel) {
	label := dc.Label()
	ep.log.Infof("DataChannel %d: Received with label %s", ep.id, label)
	if err := dc.Send([]byte(Greeting(ep.id))); err != nil {
		report(ep.log, ep.fault, fmt.Errorf("%w: peer %d on %q: %w", ErrChannel, ep.id, label, err))
	}

	ep.mu.Lock()
	prev := ep.inbound
	ep.inbound, ep.inboundLabel = dc, label
	ep.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

func (ep *Endpoint) Inbound() engine.DataChannel {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.inbound
}

// InboundLabel is the label of the last inbound channel, kept after Close.
func (ep *Endpoint) InboundLabel() string {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.inboundLabel
}

func (ep *Endpoint) ConnStates() []engine.ConnState {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return append([]engine.ConnState(nil), ep.conn...)
}

func (ep *Endpoint) GatheringStates() []engine.GatheringState {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return append([]engine.GatheringState(nil), ep.gathering...)
}

// Close releases the inbound channel.
func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	dc := ep.inbound
	ep.inbound = nil
	ep.mu.Unlock()
	if dc == nil {
		return nil
	}
	return dc.Close()
}
