package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/code-100-precent/lingecho-gateway/pkg/audit"
	"github.com/code-100-precent/lingecho-gateway/pkg/codec"
	"github.com/code-100-precent/lingecho-gateway/pkg/metrics"
	"github.com/code-100-precent/lingecho-gateway/pkg/recorder"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type closeFrame struct {
	code int
	text string
}

type fakeConn struct {
	in      chan []byte
	readErr chan error

	blockWrites bool

	mu       sync.Mutex
	writes   [][]byte
	controls []closeFrame
	limit    int64

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan []byte, 512),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.in:
		return websocket.TextMessage, m, nil
	case err := <-c.readErr:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.blockWrites {
		<-c.closed
		return net.ErrClosed
	}
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) WriteControl(kind int, data []byte, _ time.Time) error {
	if kind != websocket.CloseMessage {
		return nil
	}
	f := closeFrame{}
	if len(data) >= 2 {
		f.code = int(binary.BigEndian.Uint16(data))
		f.text = string(data[2:])
	}
	c.mu.Lock()
	c.controls = append(c.controls, f)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetReadLimit(limit int64) {
	c.mu.Lock()
	c.limit = limit
	c.mu.Unlock()
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, v interface{}) {
	t.Helper()
	if s, ok := v.(string); ok {
		c.in <- []byte(s)
		return
	}
	b, err := sonic.Marshal(v)
	require.NoError(t, err)
	c.in <- b
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *fakeConn) closeFrames() []closeFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]closeFrame(nil), c.controls...)
}

// callLog records collaborator calls across fakes in the order they happen.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) index(call string) int {
	for i, c := range l.snapshot() {
		if c == call {
			return i
		}
	}
	return -1
}

type fakeVendor struct {
	mu      sync.Mutex
	audio   [][]byte
	commits int
	started bool
	closes  int
	onAudio func([]byte)
	log     *callLog
}

func (v *fakeVendor) OnAudio(fn func([]byte)) {
	v.mu.Lock()
	v.onAudio = fn
	v.mu.Unlock()
}

func (v *fakeVendor) Start() {
	v.mu.Lock()
	v.started = true
	v.mu.Unlock()
}

func (v *fakeVendor) SendAudio(pcm []byte) {
	v.mu.Lock()
	v.audio = append(v.audio, append([]byte(nil), pcm...))
	v.mu.Unlock()
}

func (v *fakeVendor) Commit() {
	v.mu.Lock()
	v.commits++
	v.mu.Unlock()
	v.log.add("vendor.commit")
}

func (v *fakeVendor) Close() error {
	v.mu.Lock()
	v.closes++
	v.mu.Unlock()
	v.log.add("vendor.close")
	return nil
}

func (v *fakeVendor) closeCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closes
}

type fakeRecorder struct {
	mu       sync.Mutex
	callID   string
	inbound  [][]byte
	outbound [][]byte
	closes   int
	log      *callLog
}

func (r *fakeRecorder) AppendInbound(pcm []byte) {
	r.mu.Lock()
	r.inbound = append(r.inbound, append([]byte(nil), pcm...))
	r.mu.Unlock()
	r.log.add("recorder.inbound")
}

func (r *fakeRecorder) AppendOutbound(pcm []byte) {
	r.mu.Lock()
	r.outbound = append(r.outbound, append([]byte(nil), pcm...))
	r.mu.Unlock()
	r.log.add("recorder.outbound")
}

func (r *fakeRecorder) Close() {
	r.mu.Lock()
	r.closes++
	r.mu.Unlock()
	r.log.add("recorder.close")
}

func (r *fakeRecorder) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

func (v *fakeVendor) emit(pcm []byte) {
	v.mu.Lock()
	fn := v.onAudio
	v.mu.Unlock()
	fn(pcm)
}

func (v *fakeVendor) received() [][]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([][]byte(nil), v.audio...)
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []audit.Event
	log    *callLog
}

func (a *fakeAuditor) Record(ev audit.Event) {
	a.mu.Lock()
	a.events = append(a.events, ev)
	a.mu.Unlock()
	a.log.add("audit." + ev.Type)
}

func (a *fakeAuditor) ofType(eventType string) []audit.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []audit.Event
	for _, ev := range a.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	session  *Session
	conn     *fakeConn
	vendor   *fakeVendor
	recorder *fakeRecorder
	auditor  *fakeAuditor
	calls    *callLog
	metrics  *metrics.Gateway
	vendors  int
	vendorMu sync.Mutex
	done     chan struct{}
	cancel   context.CancelFunc
}

func (h *harness) vendorCount() int {
	h.vendorMu.Lock()
	defer h.vendorMu.Unlock()
	return h.vendors
}

func startHarness(t *testing.T, cfg Config, conn *fakeConn) *harness {
	t.Helper()
	calls := &callLog{}
	h := &harness{
		conn:     conn,
		vendor:   &fakeVendor{log: calls},
		recorder: &fakeRecorder{log: calls},
		auditor:  &fakeAuditor{log: calls},
		calls:    calls,
		metrics:  metrics.NewGateway(),
		done:     make(chan struct{}),
	}
	h.session = New(conn, cfg, Deps{
		Metrics: h.metrics,
		Auditor: h.auditor,
		NewVendor: func(_ *zap.Logger) Vendor {
			h.vendorMu.Lock()
			h.vendors++
			h.vendorMu.Unlock()
			return h.vendor
		},
		NewRecorder: func(callID string) recorder.Sink {
			h.recorder.mu.Lock()
			h.recorder.callID = callID
			h.recorder.mu.Unlock()
			return h.recorder
		},
		Logger: zaptest.NewLogger(t),
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		h.session.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		h.wait(t)
	})
	return h
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

func startMsg(streamSID, callSID string) map[string]interface{} {
	return map[string]interface{}{
		"event":     EventStart,
		"streamSid": streamSID,
		"start":     map[string]interface{}{"streamSid": streamSID, "callSid": callSID},
	}
}

func mediaMsg(mulaw []byte) map[string]interface{} {
	return map[string]interface{}{
		"event": EventMedia,
		"media": map[string]interface{}{"payload": base64.StdEncoding.EncodeToString(mulaw)},
	}
}

func frameOf(b byte) []byte {
	return bytes.Repeat([]byte{b}, codec.TelephonyFrameBytes)
}

func TestEarlyMediaForwardedInOrderAfterStart(t *testing.T) {
	h := startHarness(t, Config{}, newFakeConn())

	for i := byte(1); i <= 3; i++ {
		h.conn.send(t, mediaMsg(frameOf(i)))
	}
	h.conn.send(t, startMsg("MZ1", "CA1"))
	h.conn.send(t, mediaMsg(frameOf(4)))

	require.Eventually(t, func() bool { return len(h.vendor.received()) == 4 }, 2*time.Second, 5*time.Millisecond)
	got := h.vendor.received()
	for i, chunk := range got {
		assert.Equal(t, codec.DecodeInbound(frameOf(byte(i+1))), chunk, "chunk %d out of order", i)
	}

	h.conn.send(t, map[string]interface{}{"event": EventStop})
	h.wait(t)

	assert.Equal(t, int64(4), h.session.Frames())
	assert.Equal(t, ReasonStop, h.session.CloseReason())
	assert.Equal(t, []closeFrame{{code: websocket.CloseNormalClosure, text: "stop"}}, h.conn.closeFrames())

	closed := h.auditor.ofType(audit.TypeSessionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, "MZ1", closed[0].StreamSID)
	assert.Equal(t, "CA1", closed[0].CallSID)
	assert.Equal(t, true, closed[0].Data["inferredConnect"])
	assert.Len(t, h.auditor.ofType(audit.TypeSessionStarted), 1)
}

func TestStartTimeoutForwardsNothing(t *testing.T) {
	h := startHarness(t, Config{StartGraceWindow: 50 * time.Millisecond}, newFakeConn())

	h.conn.send(t, map[string]interface{}{"event": EventConnected, "protocol": "Call"})
	h.conn.send(t, mediaMsg(frameOf(9)))
	h.wait(t)

	assert.Equal(t, ReasonStartTimeout, h.session.CloseReason())
	assert.Equal(t, []closeFrame{{code: websocket.ClosePolicyViolation, text: "start timeout"}}, h.conn.closeFrames())
	assert.Zero(t, h.session.Frames())
	assert.Zero(t, h.vendorCount())
	assert.Zero(t, h.metrics.Snapshot().Totals.InboundFrames)
	assert.Zero(t, h.metrics.Snapshot().Totals.SessionsClosed)
}

func TestEarlyMediaBufferIsBounded(t *testing.T) {
	h := startHarness(t, Config{EarlyMediaMaxFrames: 2}, newFakeConn())

	for i := byte(1); i <= 5; i++ {
		h.conn.send(t, mediaMsg(frameOf(i)))
	}
	h.conn.send(t, startMsg("MZ2", ""))

	require.Eventually(t, func() bool { return len(h.vendor.received()) == 2 }, 2*time.Second, 5*time.Millisecond)
	got := h.vendor.received()
	assert.Equal(t, codec.DecodeInbound(frameOf(1)), got[0])
	assert.Equal(t, codec.DecodeInbound(frameOf(2)), got[1])
}

func TestStartWithoutStreamSIDIsRejected(t *testing.T) {
	h := startHarness(t, Config{}, newFakeConn())

	h.conn.send(t, map[string]interface{}{"event": EventStart, "start": map[string]interface{}{"callSid": "CA1"}})
	h.wait(t)

	assert.Equal(t, ReasonMissingStreamSID, h.session.CloseReason())
	assert.Equal(t, websocket.ClosePolicyViolation, h.conn.closeFrames()[0].code)
	assert.Zero(t, h.vendorCount())
}

func TestStopBeforeStartClosesNormally(t *testing.T) {
	h := startHarness(t, Config{}, newFakeConn())

	h.conn.send(t, map[string]interface{}{"event": EventStop})
	h.wait(t)

	assert.Equal(t, ReasonStop, h.session.CloseReason())
	assert.Equal(t, Closed, h.session.State())
}

func TestPingPongAndMalformedInput(t *testing.T) {
	h := startHarness(t, Config{}, newFakeConn())

	h.conn.send(t, "{not json")
	h.conn.send(t, map[string]interface{}{"event": EventDTMF, "dtmf": map[string]string{"digit": "5"}})
	h.conn.send(t, "ping")

	require.Eventually(t, func() bool {
		for _, w := range h.conn.written() {
			if string(w) == "pong" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, AwaitingConnect, h.session.State())

	h.cancel()
	h.wait(t)
	assert.Equal(t, ReasonShutdown, h.session.CloseReason())
}

func TestOversizedFrameCloses(t *testing.T) {
	h := startHarness(t, Config{MaxInboundFrameBytes: 100}, newFakeConn())

	h.conn.send(t, startMsg("MZ3", "CA3"))
	h.conn.send(t, mediaMsg(make([]byte, 200)))
	h.wait(t)

	assert.Equal(t, ReasonFrameTooLarge, h.session.CloseReason())
	assert.Equal(t, websocket.CloseMessageTooBig, h.conn.closeFrames()[0].code)
	assert.Zero(t, h.session.Frames())
}

func TestReadLimitCloses(t *testing.T) {
	conn := newFakeConn()
	h := startHarness(t, Config{MaxMessageBytes: 1024}, conn)

	conn.readErr <- websocket.ErrReadLimit
	h.wait(t)

	assert.Equal(t, ReasonFrameTooLarge, h.session.CloseReason())
	assert.Equal(t, int64(1024), conn.limit)
}

func TestPeerCloseEndsSession(t *testing.T) {
	conn := newFakeConn()
	h := startHarness(t, Config{}, conn)

	conn.readErr <- &websocket.CloseError{Code: websocket.CloseNormalClosure}
	h.wait(t)

	assert.Equal(t, ReasonPeerClosed, h.session.CloseReason())
}

func TestIdleTimeout(t *testing.T) {
	h := startHarness(t, Config{IdleTimeout: 60 * time.Millisecond}, newFakeConn())

	h.conn.send(t, startMsg("MZ4", "CA4"))
	h.wait(t)

	assert.Equal(t, ReasonIdle, h.session.CloseReason())
	assert.Equal(t, []closeFrame{{code: websocket.CloseGoingAway, text: "idle timeout"}}, h.conn.closeFrames())
	assert.Equal(t, 1, h.vendor.closeCount())
	assert.Equal(t, 1, h.recorder.closeCount())
	assert.Zero(t, h.metrics.ActiveSessions())
}

func TestCloseIsIdempotent(t *testing.T) {
	h := startHarness(t, Config{}, newFakeConn())

	h.conn.send(t, startMsg("MZ5", "CA5"))
	require.Eventually(t, func() bool { return h.session.State() == Streaming }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.metrics.ActiveSessions())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.session.Close(ReasonShutdown)
		}()
	}
	wg.Wait()
	h.wait(t)

	assert.Len(t, h.auditor.ofType(audit.TypeSessionClosed), 1)
	assert.Len(t, h.conn.closeFrames(), 1)
	assert.Equal(t, 1, h.vendor.closeCount())
	assert.Equal(t, 1, h.recorder.closeCount())
	assert.Zero(t, h.metrics.ActiveSessions())
	assert.Equal(t, int64(1), h.metrics.Snapshot().Totals.SessionsClosed)
}

func TestAgentAudioIsPacedAsMediaFrames(t *testing.T) {
	h := startHarness(t, Config{}, newFakeConn())

	h.conn.send(t, startMsg("MZ6", "CA6"))
	require.Eventually(t, func() bool { return h.session.State() == Streaming }, 2*time.Second, 5*time.Millisecond)

	h.vendor.emit(make([]byte, codec.AgentFrameBytes*3+100))

	var media []outboundMedia
	require.Eventually(t, func() bool {
		media = media[:0]
		for _, w := range h.conn.written() {
			var m outboundMedia
			if sonic.Unmarshal(w, &m) == nil && m.Event == EventMedia {
				media = append(media, m)
			}
		}
		return len(media) == 3
	}, 2*time.Second, 5*time.Millisecond)

	for _, m := range media {
		assert.Equal(t, "MZ6", m.StreamSID)
		payload, err := base64.StdEncoding.DecodeString(m.Media.Payload)
		require.NoError(t, err)
		assert.Len(t, payload, codec.TelephonyFrameBytes)
		assert.Equal(t, byte(codec.MulawSilence), payload[0])
	}
	assert.Equal(t, int64(3), h.metrics.Snapshot().Totals.OutboundFrames)
}

func TestBackpressureClosesSession(t *testing.T) {
	conn := newFakeConn()
	conn.blockWrites = true
	h := startHarness(t, Config{BackpressureMaxBytes: 1000}, conn)

	h.conn.send(t, startMsg("MZ7", "CA7"))
	require.Eventually(t, func() bool { return h.session.State() == Streaming }, 2*time.Second, 5*time.Millisecond)

	h.vendor.emit(make([]byte, codec.AgentFrameBytes*50))
	h.wait(t)

	assert.Equal(t, ReasonBackpressure, h.session.CloseReason())
	assert.Equal(t, []closeFrame{{code: websocket.CloseTryAgainLater, text: "backpressure"}}, conn.closeFrames())
	snap := h.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.Totals.BackpressureEvents)
	assert.Equal(t, int64(1), snap.BackpressureEvents10m)
	assert.NotNil(t, snap.SecondsSinceLastBackpressure)
}

func TestCommitTicker(t *testing.T) {
	h := startHarness(t, Config{CommitInterval: 10 * time.Millisecond}, newFakeConn())

	h.conn.send(t, startMsg("MZ8", "CA8"))
	require.Eventually(t, func() bool {
		h.vendor.mu.Lock()
		defer h.vendor.mu.Unlock()
		return h.vendor.started && h.vendor.commits >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTeardownOrder(t *testing.T) {
	h := startHarness(t, Config{CommitInterval: 5 * time.Millisecond}, newFakeConn())

	h.conn.send(t, startMsg("MZ9", "CA9"))
	h.conn.send(t, mediaMsg(frameOf(1)))
	require.Eventually(t, func() bool {
		h.vendor.mu.Lock()
		defer h.vendor.mu.Unlock()
		return h.vendor.commits >= 2 && len(h.vendor.audio) == 1
	}, 2*time.Second, 5*time.Millisecond)
	h.vendor.emit(make([]byte, 700))

	h.conn.send(t, map[string]interface{}{"event": EventStop})
	h.wait(t)
	assert.Zero(t, h.session.framer.Pending(), "partial agent window discarded on close")

	vendorClose := h.calls.index("vendor.close")
	recorderClose := h.calls.index("recorder.close")
	closedEvent := h.calls.index("audit." + audit.TypeSessionClosed)
	require.GreaterOrEqual(t, vendorClose, 0)
	assert.Less(t, vendorClose, recorderClose, "vendor closes before the recorder flushes")
	assert.Less(t, recorderClose, closedEvent, "recorder flushes before the closed event")
	for _, call := range h.calls.snapshot()[vendorClose+1:] {
		assert.NotEqual(t, "vendor.commit", call, "commit ticker stopped before vendor close")
	}

	assert.Equal(t, 1, h.vendor.closeCount())
	assert.Equal(t, 1, h.recorder.closeCount())
	h.recorder.mu.Lock()
	defer h.recorder.mu.Unlock()
	assert.Equal(t, "CA9", h.recorder.callID)
	assert.Equal(t, [][]byte{codec.DecodeInbound(frameOf(1))}, h.recorder.inbound)
	assert.Len(t, h.recorder.outbound, 1)
}

func TestStreamSIDFromStartBody(t *testing.T) {
	msg, err := parseMessage([]byte(`{"event":"start","start":{"streamSid":"MZ9","callSid":"CA9"}}`))
	require.NoError(t, err)
	assert.Equal(t, "MZ9", msg.streamSID())

	out, err := encodeMedia("MZ9", []byte{0xFF})
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(`{"event":"media","streamSid":"MZ9","media":{"payload":%q}}`, "/w=="), string(out))
}
