package dcloop

import "errors"

var (
	// ErrSetup means the engine refused a peer connection or data channel.
	ErrSetup = errors.New("setup failed")
	// ErrSignaling means the engine rejected a remote description or candidate.
	ErrSignaling = errors.New("signaling rejected")
	// ErrBusClosed means a publish found the peer's bus gone.
	ErrBusClosed = errors.New("signaling bus closed")
	// ErrSinkClosed means a received message found the result sink gone.
	ErrSinkClosed = errors.New("result sink closed")
	ErrChannel    = errors.New("data channel send failed")
	ErrTimeout    = errors.New("timed out waiting for results")
	// ErrAssertionMismatch means the collected messages differ from the
	// expected greetings.
	ErrAssertionMismatch = errors.New("collected messages mismatch")
	ErrWorkerFailed      = errors.New("signaling worker failed")
)
