// Package engine defines the peer-connection contract the loopback harness
// drives, and a pion/webrtc implementation of it.
//
// An Engine produces PeerConnections. The harness owns the signaling between
// them; the engine reports locally generated descriptions and candidates to a
// PeerHandler, and data channel events to ChannelHandlers.
package engine

import (
	"errors"
	"fmt"
)

var (
	ErrConfigInvalid = errors.New("engine config invalid")
	ErrSetupFailed   = errors.New("engine setup failed")
	ErrProtocol      = errors.New("engine protocol error")
)

type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "New"
	case ConnConnecting:
		return "Connecting"
	case ConnConnected:
		return "Connected"
	case ConnDisconnected:
		return "Disconnected"
	case ConnFailed:
		return "Failed"
	case ConnClosed:
		return "Closed"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

type GatheringState int

const (
	GatheringNew GatheringState = iota
	GatheringInProgress
	GatheringComplete
)

func (s GatheringState) String() string {
	switch s {
	case GatheringNew:
		return "New"
	case GatheringInProgress:
		return "InProgress"
	case GatheringComplete:
		return "Complete"
	}
	return fmt.Sprintf("GatheringState(%d)", int(s))
}

// DataChannel is owned by whoever holds it; Close releases it.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	Close() error
}

// ChannelHandler receives the events of a single data channel.
type ChannelHandler interface {
	OnOpen()
	OnMessage(data []byte)
}

// HandlerTemplate builds handlers for channels opened by the remote side.
type HandlerTemplate interface {
	Make() ChannelHandler
}

// PeerHandler receives the events of a peer connection. Methods may be
// called from engine goroutines.
type PeerHandler interface {
	OnDescription(sdp, sdpType string)
	OnCandidate(candidate, mid string)
	OnConnStateChange(state ConnState)
	OnGatheringStateChange(state GatheringState)
	// OnDataChannel hands over an inbound channel that is already open.
	OnDataChannel(dc DataChannel)
}

type PeerConnection interface {
	// CreateDataChannel opens an outbound channel. The first call starts
	// negotiation by publishing an offer.
	CreateDataChannel(label string, h ChannelHandler) (DataChannel, error)
	// SetRemoteDescription applies the peer's description. Applying an offer
	// publishes an answer.
	SetRemoteDescription(sdp, sdpType string) error
	AddRemoteCandidate(candidate, mid string) error
	Close() error
}

type Engine interface {
	NewPeerConnection(cfg Config, h PeerHandler, tmpl HandlerTemplate) (PeerConnection, error)
}
