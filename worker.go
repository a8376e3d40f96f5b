package dcloop

import (
	"context"
	"fmt"

	"github.com/shynome/dcloop/engine"
	"github.com/shynome/dcloop/signaler"
)

// Peer is one side of the loopback: its bus, its callbacks and the engine
// connection its worker drives.
type Peer struct {
	ID       PeerID
	Bus      *signaler.Bus
	Endpoint *Endpoint
	Template *Channel
	Conn     engine.PeerConnection
	// Ready is set on the initiator only.
	Ready *ReadyNotifier

	done chan struct{}
	err  error
}

// apply hands one message to the engine and reports whether it was Stop.
func (p *Peer) apply(msg signaler.Msg) (stop bool, err error) {
	switch m := msg.(type) {
	case signaler.RemoteDescription:
		if err = p.Conn.SetRemoteDescription(m.SDP, m.Type); err != nil {
			err = fmt.Errorf("%w: peer %d description: %w", ErrSignaling, p.ID, err)
		}
	case signaler.RemoteCandidate:
		if err = p.Conn.AddRemoteCandidate(m.Candidate, m.Mid); err != nil {
			err = fmt.Errorf("%w: peer %d candidate: %w", ErrSignaling, p.ID, err)
		}
	case signaler.Stop:
		return true, nil
	}
	return
}

// drain applies everything queued so far.
func (p *Peer) drain() (stop bool, err error) {
	for {
		msg, ok := p.Bus.TryPop()
		if !ok {
			return false, nil
		}
		if stop, err = p.apply(msg); stop || err != nil {
			return
		}
	}
}

// respond pumps the bus until Stop. A closed bus counts as Stop.
func (p *Peer) respond() error {
	for {
		msg, err := p.Bus.Pop(context.Background())
		if err != nil {
			return nil
		}
		if stop, err := p.apply(msg); stop || err != nil {
			return err
		}
	}
}

// initiate opens the outbound channel, then serves the ready notifier and
// the bus until Stop. The greeting goes out once the channel is open.
func (p *Peer) initiate(label string) error {
	h := NewChannel(p.ID, p.Template.sink, p.Ready)
	h.fault = p.Template.fault
	dc, err := p.Conn.CreateDataChannel(label, h)
	if err != nil {
		return fmt.Errorf("%w: peer %d: %w", ErrSetup, p.ID, err)
	}
	defer dc.Close()

	ready := p.Ready.C()
	for {
		select {
		case <-ready:
			ready = nil
			if err := dc.Send([]byte(Greeting(p.ID))); err != nil {
				return fmt.Errorf("%w: peer %d on %q: %w", ErrChannel, p.ID, label, err)
			}
		case <-p.Bus.Wait():
			if stop, err := p.drain(); stop || err != nil {
				return err
			}
		case <-p.Bus.Done():
			return nil
		}
	}
}

func (p *Peer) spawn(work func() error) {
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		defer p.shutdown()
		p.err = work()
	}()
}

// shutdown runs on the worker so engine handles are released where they
// were driven.
func (p *Peer) shutdown() {
	p.Bus.Close()
	if err := p.Conn.Close(); err != nil {
		p.Endpoint.log.Debugf("close: %v", err)
	}
}

func (p *Peer) failure() error {
	if p.err != nil {
		return fmt.Errorf("%w: peer %d: %w", ErrWorkerFailed, p.ID, p.err)
	}
	return fmt.Errorf("%w: peer %d exited before Stop", ErrWorkerFailed, p.ID)
}

// PeerReport is what a peer observed during one run.
type PeerReport struct {
	ID              PeerID
	ConnStates      []engine.ConnState
	GatheringStates []engine.GatheringState
	// InboundLabel is empty when the engine never handed a channel over.
	InboundLabel string
	ReadyFired   bool
}

func (p *Peer) report() PeerReport {
	r := PeerReport{
		ID:              p.ID,
		ConnStates:      p.Endpoint.ConnStates(),
		GatheringStates: p.Endpoint.GatheringStates(),
		InboundLabel:    p.Endpoint.InboundLabel(),
	}
	if p.Ready != nil {
		r.ReadyFired = p.Ready.Fired()
	}
	return r
}
