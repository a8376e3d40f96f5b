package engine

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	descs []string
	cands []string
	conn  []ConnState
	gath  []GatheringState
	dcs   chan DataChannel
}

func newRecorder() *recorder { return &recorder{dcs: make(chan DataChannel, 1)} }

func (r *recorder) OnDescription(sdp, sdpType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs = append(r.descs, sdpType)
}

func (r *recorder) OnCandidate(candidate, mid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cands = append(r.cands, mid)
}

func (r *recorder) OnConnStateChange(state ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = append(r.conn, state)
}

func (r *recorder) OnGatheringStateChange(state GatheringState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gath = append(r.gath, state)
}

func (r *recorder) OnDataChannel(dc DataChannel) { r.dcs <- dc }

func (r *recorder) snapshot() (descs, cands []string, gath []GatheringState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.descs...), append([]string(nil), r.cands...), append([]GatheringState(nil), r.gath...)
}

type nopHandler struct{}

func (nopHandler) OnOpen()              {}
func (nopHandler) OnMessage([]byte)     {}
func (nopHandler) Make() ChannelHandler { return nopHandler{} }

// link feeds everything its peer produces into target.
type link struct {
	target PeerConnection
	mu     sync.Mutex
	cands  []string
	errs   []error
	dcs    chan DataChannel
}

func newLink() *link { return &link{dcs: make(chan DataChannel, 1)} }

func (l *link) fail(err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

// OnDescription runs under the peer's local lock, so delivery is
// asynchronous. Candidates that overtake it are queued by the target.
func (l *link) OnDescription(sdp, sdpType string) {
	go func() { l.fail(l.target.SetRemoteDescription(sdp, sdpType)) }()
}

func (l *link) OnCandidate(candidate, mid string) {
	l.mu.Lock()
	l.cands = append(l.cands, candidate)
	l.mu.Unlock()
	l.fail(l.target.AddRemoteCandidate(candidate, mid))
}

func (l *link) OnConnStateChange(ConnState)           {}
func (l *link) OnGatheringStateChange(GatheringState) {}
func (l *link) OnDataChannel(dc DataChannel)          { l.dcs <- dc }

func (l *link) snapshot() (cands []string, errs []error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.cands...), append([]error(nil), l.errs...)
}

type msgHandler chan string

func (h msgHandler) OnOpen()               {}
func (h msgHandler) OnMessage(data []byte) { h <- string(data) }
func (h msgHandler) Make() ChannelHandler  { return h }

func freeUDPPort(t *testing.T) uint16 {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return uint16(port)
}

func TestPionUDPMux(t *testing.T) {
	port := freeUDPPort(t)
	la, lb := newLink(), newLink()

	a, err := Pion{}.NewPeerConnection(Config{UDPMuxPort: port}, la, nopHandler{})
	require.NoError(t, err)
	defer a.Close()
	inbound := make(msgHandler, 1)
	b, err := Pion{}.NewPeerConnection(Config{}, lb, inbound)
	require.NoError(t, err)
	defer b.Close()
	la.target, lb.target = b, a

	outbound := make(msgHandler, 1)
	_, err = a.CreateDataChannel("mux", outbound)
	require.NoError(t, err)

	var dc DataChannel
	select {
	case dc = <-lb.dcs:
	case <-time.After(10 * time.Second):
		t.Fatal("data channel never reached the other peer")
	}
	assert.Equal(t, "mux", dc.Label())
	require.NoError(t, dc.Send([]byte("over the mux")))
	select {
	case msg := <-outbound:
		assert.Equal(t, "over the mux", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("message lost")
	}

	cands, errs := la.snapshot()
	assert.Empty(t, errs)
	_, errs = lb.snapshot()
	assert.Empty(t, errs)
	require.NotEmpty(t, cands)
	for _, c := range cands {
		if strings.Contains(c, "typ host") {
			assert.Contains(t, c, fmt.Sprintf(" %d typ host", port))
		}
	}
}

func TestPionInvalidConfig(t *testing.T) {
	_, err := Pion{}.NewPeerConnection(Config{PortRange: PortRange{Min: 5, Max: 1}}, newRecorder(), nopHandler{})
	assert.ErrorIs(t, err, ErrConfigInvalid)
}

func TestPionOfferOnFirstChannel(t *testing.T) {
	rec := newRecorder()
	pc, err := Pion{}.NewPeerConnection(Config{}, rec, nopHandler{})
	require.NoError(t, err)
	defer pc.Close()

	dc, err := pc.CreateDataChannel("test", nopHandler{})
	require.NoError(t, err)
	assert.Equal(t, "test", dc.Label())
	_, err = pc.CreateDataChannel("second", nopHandler{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, _, gath := rec.snapshot()
		return len(gath) > 0 && gath[len(gath)-1] == GatheringComplete
	}, 5*time.Second, 10*time.Millisecond)

	descs, cands, _ := rec.snapshot()
	assert.Equal(t, []string{"offer"}, descs)
	require.NotEmpty(t, cands, "loopback candidate expected")
	for _, mid := range cands {
		assert.Equal(t, "0", mid)
	}
}

func TestPionRemoteErrors(t *testing.T) {
	pc, err := Pion{}.NewPeerConnection(Config{}, newRecorder(), nopHandler{})
	require.NoError(t, err)
	defer pc.Close()

	assert.ErrorIs(t, pc.SetRemoteDescription("v=0", "hello"), ErrProtocol)
	assert.ErrorIs(t, pc.SetRemoteDescription("garbage", "answer"), ErrProtocol)
	// queued until a remote description is applied
	assert.NoError(t, pc.AddRemoteCandidate("candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host", "0"))
}

func TestFirstMid(t *testing.T) {
	raw := "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\nc=IN IP4 0.0.0.0\r\na=mid:data\r\n"
	assert.Equal(t, "data", firstMid(raw))
	assert.Equal(t, "", firstMid("nonsense"))
}

func TestStateMapping(t *testing.T) {
	assert.Equal(t, ConnConnected, connState(webrtc.PeerConnectionStateConnected))
	assert.Equal(t, ConnFailed, connState(webrtc.PeerConnectionStateFailed))
	assert.Equal(t, ConnNew, connState(webrtc.PeerConnectionState(0)))

	st, ok := gatheringState(webrtc.ICEGathererStateGathering)
	assert.True(t, ok)
	assert.Equal(t, GatheringInProgress, st)
	_, ok = gatheringState(webrtc.ICEGathererStateClosed)
	assert.False(t, ok)
}
