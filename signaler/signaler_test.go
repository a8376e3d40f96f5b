package signaler

import (
	"testing"

	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"
)

func TestEnvelope(t *testing.T) {
	msgs := []Msg{
		RemoteDescription{SDP: "v=0\r\n", Type: "offer"},
		RemoteCandidate{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host", Mid: "0"},
		Stop{},
	}
	for _, msg := range msgs {
		got := try.To1(Decode(try.To1(Encode(msg))))
		assert.Equal(got, msg)
	}
}

func TestDecodeUnknown(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"bye"}`))
	assert.That(err != nil)
}

func TestDetachedOutbox(t *testing.T) {
	err := ToBus(nil).Send(Stop{})
	assert.Equal(err, ErrClosed)

	bus := NewBus()
	out := ToBus(bus)
	try.To(out.Send(Stop{}))
	bus.Close()
	assert.Equal(out.Send(Stop{}), ErrClosed)
}
