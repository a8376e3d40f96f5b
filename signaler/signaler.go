// Package signaler carries negotiation artifacts between two peers.
package signaler

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shynome/dcloop/internal/queue"
)

// Msg is one of RemoteDescription, RemoteCandidate or Stop.
type Msg interface {
	kind() string
}

// RemoteDescription is a session description produced by the other peer.
// Both fields are opaque to the harness.
type RemoteDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// RemoteCandidate is an ICE candidate and its media-stream identifier.
type RemoteCandidate struct {
	Candidate string `json:"candidate"`
	Mid       string `json:"mid"`
}

// Stop asks the draining worker to leave its pump loop.
type Stop struct{}

func (RemoteDescription) kind() string { return "description" }
func (RemoteCandidate) kind() string   { return "candidate" }
func (Stop) kind() string              { return "stop" }

// Bus is the inbound queue of one peer. Any number of goroutines may send,
// exactly one worker drains it.
type Bus = queue.Queue[Msg]

func NewBus() *Bus { return queue.New[Msg]() }

// Outbox is where an endpoint publishes artifacts for its peer.
type Outbox interface {
	Send(msg Msg) error
}

var ErrClosed = errors.New("signaling bus is closed")

type busOutbox struct{ bus *Bus }

// ToBus wraps bus as an Outbox. A nil bus is a detached outbox whose sends
// always fail with ErrClosed.
func ToBus(bus *Bus) Outbox { return busOutbox{bus} }

func (o busOutbox) Send(msg Msg) error {
	if o.bus == nil {
		return ErrClosed
	}
	if err := o.bus.Push(msg); err != nil {
		return ErrClosed
	}
	return nil
}

type envelope struct {
	Kind      string `json:"kind"`
	SDP       string `json:"sdp,omitempty"`
	Type      string `json:"type,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Mid       string `json:"mid,omitempty"`
}

func Encode(msg Msg) ([]byte, error) {
	env := envelope{Kind: msg.kind()}
	switch m := msg.(type) {
	case RemoteDescription:
		env.SDP, env.Type = m.SDP, m.Type
	case RemoteCandidate:
		env.Candidate, env.Mid = m.Candidate, m.Mid
	}
	return json.Marshal(env)
}

func Decode(b []byte) (Msg, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case "description":
		return RemoteDescription{SDP: env.SDP, Type: env.Type}, nil
	case "candidate":
		return RemoteCandidate{Candidate: env.Candidate, Mid: env.Mid}, nil
	case "stop":
		return Stop{}, nil
	}
	return nil, fmt.Errorf("unknown signal kind %q", env.Kind)
}
