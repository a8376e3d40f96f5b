// Package dcloop runs two peer connections in one process, signals them to
// each other over in-process buses and checks that a greeting crosses a data
// channel in each direction.
package dcloop

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/shynome/dcloop/engine"
	"github.com/shynome/dcloop/internal/logger"
	"github.com/shynome/dcloop/internal/queue"
	"github.com/shynome/dcloop/signaler"
	"github.com/shynome/dcloop/signaler/local"
	"github.com/shynome/dcloop/signaler/sse"
	"github.com/sirupsen/logrus"
)

type Options struct {
	// Initiator creates the outbound channel, Responder receives it.
	Initiator, Responder PeerID
	Label                string
	// Timeout bounds each receive from the result sink. Zero or less fails
	// collection right away.
	Timeout time.Duration
	// Engine defaults to engine.Pion.
	Engine engine.Engine
	Config engine.Config
	// Relay is the URL of an sse.Relay. Empty keeps signaling in process.
	Relay string
}

func DefaultOptions() Options {
	return Options{
		Initiator: 1,
		Responder: 2,
		Label:     "test",
		Timeout:   2 * time.Second,
	}
}

type Harness struct {
	opts   Options
	log    *logrus.Entry
	sink   *Sink
	hub    *local.Hub
	faults *queue.Queue[error]

	initiator, responder *Peer

	subs    []*sse.Subscription
	started bool
}

// New prepares the sink and both buses, registered on the hub. Nothing
// talks to the engine until Start.
func New(opts Options) (*Harness, error) {
	if opts.Initiator == opts.Responder {
		return nil, fmt.Errorf("%w: peer ids must differ, both are %d", ErrSetup, opts.Initiator)
	}
	if opts.Engine == nil {
		opts.Engine = engine.Pion{Log: logger.New("pion")}
	}
	h := &Harness{
		opts:      opts,
		log:       logger.New("driver"),
		sink:      NewSink(),
		hub:       local.NewHub(),
		faults:    queue.New[error](),
		initiator: &Peer{ID: opts.Initiator, Bus: signaler.NewBus()},
		responder: &Peer{ID: opts.Responder, Bus: signaler.NewBus()},
	}
	for _, p := range h.peers() {
		h.hub.Register(int(p.ID), p.Bus)
	}
	return h, nil
}

func (h *Harness) peers() []*Peer { return []*Peer{h.initiator, h.responder} }

// Hub resolves peer ids to buses. Changes made before Start decide how the
// endpoints are wired.
func (h *Harness) Hub() *local.Hub { return h.hub }

func (h *Harness) Initiator() *Peer { return h.initiator }
func (h *Harness) Responder() *Peer { return h.responder }

func (h *Harness) fault(err error) {
	h.faults.Push(err)
}

// Start wires both endpoints to each other, creates the engine connections
// and launches the two workers.
func (h *Harness) Start() (err error) {
	defer err2.Handle(&err)

	outboxes := try.To1(h.outboxes())
	for _, p := range h.peers() {
		p.Endpoint = NewEndpoint(p.ID, outboxes[p.ID])
		p.Endpoint.fault = h.fault
		p.Template = NewChannel(p.ID, h.sink, nil)
		p.Template.fault = h.fault
	}

	for _, p := range h.peers() {
		conn, cerr := h.opts.Engine.NewPeerConnection(h.opts.Config, p.Endpoint, p.Template)
		if cerr != nil {
			h.closeConns()
			return fmt.Errorf("%w: peer %d: %w", ErrSetup, p.ID, cerr)
		}
		p.Conn = conn
	}

	label := h.opts.Label
	h.responder.spawn(h.responder.respond)
	h.initiator.Ready = NewReadyNotifier()
	h.initiator.spawn(func() error { return h.initiator.initiate(label) })
	h.started = true
	return nil
}

func (h *Harness) outboxes() (map[PeerID]signaler.Outbox, error) {
	i, r := h.initiator.ID, h.responder.ID
	if h.opts.Relay == "" {
		return map[PeerID]signaler.Outbox{
			i: h.hub.Outbox(int(r)),
			r: h.hub.Outbox(int(i)),
		}, nil
	}

	client, err := sse.NewClient(h.opts.Relay)
	if err != nil {
		return nil, fmt.Errorf("%w: relay: %w", ErrSetup, err)
	}
	session := uuid.NewString()
	topic := func(id PeerID) string { return fmt.Sprintf("%s/%d", session, id) }
	for _, p := range h.peers() {
		sub, err := client.Subscribe(topic(p.ID), p.Bus)
		if err != nil {
			h.closeSubs()
			return nil, fmt.Errorf("%w: relay subscribe: %w", ErrSetup, err)
		}
		h.subs = append(h.subs, sub)
	}
	h.log.Debugf("signaling through relay session %s", session)
	return map[PeerID]signaler.Outbox{
		i: client.Outbox(topic(r)),
		r: client.Outbox(topic(i)),
	}, nil
}

// Collect takes n messages from the result sink, waiting at most Timeout
// for each. It gives up early when a worker ends.
func (h *Harness) Collect(n int) (msgs []string, err error) {
	if h.opts.Timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout is %s", ErrTimeout, h.opts.Timeout)
	}
	for len(msgs) < n {
		msg, err := h.next(h.opts.Timeout)
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (h *Harness) next(d time.Duration) (string, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		if msg, ok := h.sink.TryPop(); ok {
			return msg, nil
		}
		select {
		case <-h.sink.Wait():
		case <-timer.C:
			return "", fmt.Errorf("%w after %s", ErrTimeout, d)
		case <-h.initiator.doneC():
			return "", h.initiator.failure()
		case <-h.responder.doneC():
			return "", h.responder.failure()
		}
	}
}

// doneC blocks forever for a worker that never started.
func (p *Peer) doneC() <-chan struct{} { return p.done }

// Stop broadcasts Stop, joins both workers and returns their errors along
// with every fault reported from engine callbacks. A bus that is already
// closed is not an error.
func (h *Harness) Stop() error {
	var errs []error
	if h.started {
		for _, p := range h.peers() {
			if err := p.Bus.Push(signaler.Stop{}); err != nil {
				h.log.Debugf("stop peer %d: %v", p.ID, err)
			}
		}
		for _, p := range h.peers() {
			<-p.done
			if p.err != nil {
				errs = append(errs, p.failure())
			}
			p.Endpoint.Close()
		}
		h.started = false
	} else {
		for _, p := range h.peers() {
			p.Bus.Close()
		}
	}
	h.closeSubs()

	for {
		err, ok := h.faults.TryPop()
		if !ok {
			break
		}
		errs = append(errs, err)
	}
	h.faults.Close()
	h.sink.Close()
	return errors.Join(errs...)
}

func (h *Harness) closeConns() {
	for _, p := range h.peers() {
		if p.Conn != nil {
			p.Conn.Close()
			p.Conn = nil
		}
	}
}

func (h *Harness) closeSubs() {
	for _, sub := range h.subs {
		sub.Close()
	}
	h.subs = nil
}

// Report is the outcome of one Run.
type Report struct {
	Messages             []string
	Initiator, Responder PeerReport
}

// Run performs one full negotiation: start, collect both greetings, compare
// them against the expected pair and stop.
func Run(opts Options) (rep Report, err error) {
	h, err := New(opts)
	if err != nil {
		return rep, err
	}
	if err = h.Start(); err != nil {
		return rep, errors.Join(err, h.Stop())
	}

	msgs, cerr := h.Collect(2)
	if cerr == nil {
		cerr = Match(msgs, Greeting(opts.Initiator), Greeting(opts.Responder))
	}
	rep.Messages = msgs
	serr := h.Stop()
	rep.Initiator, rep.Responder = h.initiator.report(), h.responder.report()
	return rep, errors.Join(cerr, serr)
}

// Match compares got and want as multisets.
func Match(got []string, want ...string) error {
	counts := make(map[string]int, len(want))
	for _, w := range want {
		counts[w]++
	}
	for _, g := range got {
		counts[g]--
	}
	for _, c := range counts {
		if c != 0 {
			return fmt.Errorf("%w: got %q, want %q", ErrAssertionMismatch, got, want)
		}
	}
	return nil
}
