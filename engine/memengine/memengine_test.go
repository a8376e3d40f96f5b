package memengine

import (
	"sync"
	"testing"
	"time"

	"github.com/shynome/dcloop/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wire forwards everything a peer produces straight to its counterpart.
type wire struct {
	mu     sync.Mutex
	target engine.PeerConnection
	errs   []error
	conn   []engine.ConnState
	dcs    chan engine.DataChannel
}

func newWire() *wire { return &wire{dcs: make(chan engine.DataChannel, 1)} }

func (w *wire) fail(err error) {
	if err == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errs = append(w.errs, err)
}

func (w *wire) peer() engine.PeerConnection {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.target
}

func (w *wire) OnDescription(sdp, sdpType string) {
	w.fail(w.peer().SetRemoteDescription(sdp, sdpType))
}

func (w *wire) OnCandidate(candidate, mid string) {
	w.fail(w.peer().AddRemoteCandidate(candidate, mid))
}

func (w *wire) OnConnStateChange(state engine.ConnState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn = append(w.conn, state)
}

func (w *wire) OnGatheringStateChange(engine.GatheringState) {}

func (w *wire) OnDataChannel(dc engine.DataChannel) { w.dcs <- dc }

func (w *wire) snapshot() ([]error, []engine.ConnState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]error(nil), w.errs...), append([]engine.ConnState(nil), w.conn...)
}

type chanHandler struct {
	opened chan struct{}
	msgs   chan string
}

func newChanHandler() chanHandler {
	return chanHandler{opened: make(chan struct{}, 4), msgs: make(chan string, 4)}
}

func (h chanHandler) OnOpen()                     { h.opened <- struct{}{} }
func (h chanHandler) OnMessage(data []byte)       { h.msgs <- string(data) }
func (h chanHandler) Make() engine.ChannelHandler { return h }

type pair struct {
	net    *Network
	a, b   *Peer
	wa, wb *wire
	ta, tb chanHandler
}

func newPair(t *testing.T, opts Options) *pair {
	t.Helper()
	p := &pair{net: New(opts), wa: newWire(), wb: newWire(), ta: newChanHandler(), tb: newChanHandler()}
	a, err := p.net.NewPeerConnection(engine.Config{}, p.wa, p.ta)
	require.NoError(t, err)
	b, err := p.net.NewPeerConnection(engine.Config{}, p.wb, p.tb)
	require.NoError(t, err)
	p.a, p.b = a.(*Peer), b.(*Peer)
	p.wa.target, p.wb.target = p.b, p.a
	t.Cleanup(func() {
		p.a.Close()
		p.b.Close()
	})
	return p
}

func recv[T any](t *testing.T, c <-chan T) T {
	t.Helper()
	select {
	case v := <-c:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func TestNegotiation(t *testing.T) {
	p := newPair(t, Options{})

	out := newChanHandler()
	dc, err := p.a.CreateDataChannel("test", out)
	require.NoError(t, err)
	assert.Equal(t, "test", dc.Label())

	recv(t, out.opened)
	in := recv(t, p.wb.dcs)
	assert.Equal(t, "test", in.Label())
	recv(t, p.tb.opened)

	require.NoError(t, dc.Send([]byte("ping")))
	assert.Equal(t, "ping", recv(t, p.tb.msgs))
	require.NoError(t, in.Send([]byte("pong")))
	assert.Equal(t, "pong", recv(t, out.msgs))

	errs, conn := p.wa.snapshot()
	assert.Empty(t, errs)
	assert.Equal(t, []engine.ConnState{engine.ConnConnecting, engine.ConnConnected}, conn)
	errs, _ = p.wb.snapshot()
	assert.Empty(t, errs)

	assert.Equal(t, p.a.Emitted(), p.b.Applied())
	assert.Equal(t, p.b.Emitted(), p.a.Applied())
	assert.Len(t, p.a.Emitted(), 2)
	assert.Equal(t, []string{"open test", "send test"}, p.a.Events())
	assert.Equal(t, []string{"datachannel test", "send test"}, p.b.Events())
}

func TestChannelPairedOnce(t *testing.T) {
	p := newPair(t, Options{})

	out := newChanHandler()
	dc, err := p.a.CreateDataChannel("test", out)
	require.NoError(t, err)
	recv(t, out.opened)
	recv(t, p.wb.dcs)

	// a create racing the connect may reach open twice
	ch := dc.(*channel)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.a.open(ch)
		}()
	}
	wg.Wait()

	second, err := p.a.CreateDataChannel("second", newChanHandler())
	require.NoError(t, err)
	in := recv(t, p.wb.dcs)
	assert.Equal(t, second.Label(), in.Label())
	select {
	case extra := <-p.wb.dcs:
		t.Fatalf("channel %q handed over twice", extra.Label())
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, []string{"datachannel test", "datachannel second"}, p.b.Events())
}

func TestCandidatesFirstArePending(t *testing.T) {
	p := newPair(t, Options{CandidatesFirst: true, Candidates: 3})

	out := newChanHandler()
	_, err := p.a.CreateDataChannel("test", out)
	require.NoError(t, err)
	recv(t, out.opened)
	recv(t, p.wb.dcs)

	assert.Equal(t, p.a.Emitted(), p.b.Applied())
	assert.Len(t, p.b.Applied(), 3)
}

func TestRejectOffers(t *testing.T) {
	p := newPair(t, Options{RejectOffers: true})
	_, err := p.a.CreateDataChannel("test", newChanHandler())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		errs, _ := p.wa.snapshot()
		return len(errs) > 0
	}, 2*time.Second, 10*time.Millisecond)
	errs, _ := p.wa.snapshot()
	assert.ErrorIs(t, errs[0], engine.ErrProtocol)
}

func TestRemoteErrors(t *testing.T) {
	p := newPair(t, Options{})
	other := New(Options{})
	stranger, err := other.NewPeerConnection(engine.Config{}, newWire(), newChanHandler())
	require.NoError(t, err)
	defer stranger.Close()

	assert.ErrorIs(t, p.b.SetRemoteDescription(p.a.description(), "pranswer"), engine.ErrProtocol)
	assert.ErrorIs(t, p.b.SetRemoteDescription("garbage", "offer"), engine.ErrProtocol)
	assert.ErrorIs(t, p.b.SetRemoteDescription(p.b.description(), "answer"), engine.ErrProtocol, "own session")

	// session ids restart per network; move the stranger out of range
	s := stranger.(*Peer)
	s.session = 1 << 40
	assert.ErrorIs(t, p.b.SetRemoteDescription(s.description(), "answer"), engine.ErrProtocol)

	require.NoError(t, p.b.SetRemoteDescription(p.a.description(), "answer"))
	assert.ErrorIs(t, p.b.AddRemoteCandidate("candidate:1 1 udp 1 127.0.0.1 1 typ host", "0"), engine.ErrProtocol)
	assert.ErrorIs(t, p.b.AddRemoteCandidate("nonsense", "0"), engine.ErrProtocol)
	assert.NoError(t, p.b.AddRemoteCandidate(p.a.candidates()[0], "0"))
}

func TestClosedPeer(t *testing.T) {
	p := newPair(t, Options{})
	require.NoError(t, p.a.Close())
	require.NoError(t, p.a.Close())
	assert.True(t, p.a.Closed())

	_, err := p.a.CreateDataChannel("late", newChanHandler())
	assert.ErrorIs(t, err, engine.ErrSetupFailed)
	assert.ErrorIs(t, p.a.SetRemoteDescription(p.b.description(), "offer"), engine.ErrProtocol)
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(Options{}).NewPeerConnection(engine.Config{CertificateType: 99}, newWire(), newChanHandler())
	assert.ErrorIs(t, err, engine.ErrConfigInvalid)
}
