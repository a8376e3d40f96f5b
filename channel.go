package dcloop

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shynome/dcloop/engine"
	"github.com/shynome/dcloop/internal/queue"
	"github.com/sirupsen/logrus"
	"github.com/tevino/abool"
)

type PeerID int

// Greeting is what a peer sends on its data channel.
func Greeting(id PeerID) string { return fmt.Sprintf("Hello from %d", id) }

// Sink collects every message received on any data channel.
type Sink = queue.Queue[string]

func NewSink() *Sink { return queue.New[string]() }

// ReadyNotifier fires once, when a locally created channel opens. Copies of
// the pointer share the same notifier.
type ReadyNotifier struct {
	fired *abool.AtomicBool
	ch    chan struct{}
}

func NewReadyNotifier() *ReadyNotifier {
	return &ReadyNotifier{
		fired: abool.New(),
		ch:    make(chan struct{}),
	}
}

// Notify reports whether this call was the one that fired.
func (r *ReadyNotifier) Notify() bool {
	if !r.fired.SetToIf(false, true) {
		return false
	}
	close(r.ch)
	return true
}

func (r *ReadyNotifier) C() <-chan struct{} { return r.ch }
func (r *ReadyNotifier) Fired() bool        { return r.fired.IsSet() }

// Channel is the data channel handler of one peer. It doubles as the
// template the engine clones for inbound channels.
type Channel struct {
	id    PeerID
	sink  *Sink
	ready *ReadyNotifier
	log   *logrus.Entry
	fault func(error)
}

var (
	_ engine.ChannelHandler  = (*Channel)(nil)
	_ engine.HandlerTemplate = (*Channel)(nil)
)

// NewChannel builds a handler publishing into sink. ready may be nil.
func NewChannel(id PeerID, sink *Sink, ready *ReadyNotifier) *Channel {
	return &Channel{
		id:    id,
		sink:  sink,
		ready: ready,
		log:   peerLog(id),
	}
}

func (c *Channel) OnOpen() {
	c.log.Infof("DataChannel %d: Open", c.id)
	if c.ready != nil {
		c.ready.Notify()
	}
}

// OnMessage decodes data as UTF-8, replacing invalid sequences.
func (c *Channel) OnMessage(data []byte) {
	msg := lossyUTF8(data)
	c.log.Infof("Message %d: %s", c.id, msg)
	if err := c.sink.Push(msg); err != nil {
		report(c.log, c.fault, fmt.Errorf("%w: peer %d dropped %q", ErrSinkClosed, c.id, msg))
	}
}

func (c *Channel) Make() engine.ChannelHandler {
	return &Channel{
		id:    c.id,
		sink:  c.sink,
		ready: c.ready,
		log:   c.log,
		fault: c.fault,
	}
}

// lossyUTF8 writes one U+FFFD per maximal ill-formed subsequence: a
// truncated multi-byte sequence counts once, stray bytes count each.
func lossyUTF8(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r != utf8.RuneError || size > 1 {
			sb.Write(b[:size])
			b = b[size:]
			continue
		}
		sb.WriteRune(utf8.RuneError)
		b = b[illFormed(b):]
	}
	return sb.String()
}

// illFormed is the length of the invalid prefix starting at b[0].
func illFormed(b []byte) int {
	lo, hi, need := byte(0x80), byte(0xBF), 0
	switch c := b[0]; {
	case c >= 0xC2 && c <= 0xDF:
		need = 1
	case c == 0xE0:
		lo, need = 0xA0, 2
	case c == 0xED:
		hi, need = 0x9F, 2
	case c >= 0xE1 && c <= 0xEF:
		need = 2
	case c == 0xF0:
		lo, need = 0x90, 3
	case c == 0xF4:
		hi, need = 0x8F, 3
	case c >= 0xF1 && c <= 0xF3:
		need = 3
	}
	n := 1
	for ; n <= need && n < len(b); n++ {
		if b[n] < lo || b[n] > hi {
			break
		}
		lo, hi = 0x80, 0xBF
	}
	return n
}

func report(log *logrus.Entry, fault func(error), err error) {
	log.Error(err)
	if fault != nil {
		fault(err)
	}
}
