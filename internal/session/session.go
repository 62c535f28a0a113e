package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/code-100-precent/lingecho-gateway/pkg/audit"
	"github.com/code-100-precent/lingecho-gateway/pkg/codec"
	"github.com/code-100-precent/lingecho-gateway/pkg/metrics"
	"github.com/code-100-precent/lingecho-gateway/pkg/recorder"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the position of a session in its lifecycle.
type State int32

const (
	AwaitingConnect State = iota
	AwaitingStart
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingConnect:
		return "awaiting_connect"
	case AwaitingStart:
		return "awaiting_start"
	case Streaming:
		return "streaming"
	default:
		return "closed"
	}
}

// CloseReason is the close frame a session ends with.
type CloseReason struct {
	Code int
	Text string
}

var (
	ReasonStop             = CloseReason{websocket.CloseNormalClosure, "stop"}
	ReasonPeerClosed       = CloseReason{websocket.CloseNormalClosure, "peer closed"}
	ReasonIdle             = CloseReason{websocket.CloseGoingAway, "idle timeout"}
	ReasonShutdown         = CloseReason{websocket.CloseGoingAway, "server shutdown"}
	ReasonMissingStreamSID = CloseReason{websocket.ClosePolicyViolation, "missing streamSid"}
	ReasonStartTimeout     = CloseReason{websocket.ClosePolicyViolation, "start timeout"}
	ReasonFrameTooLarge    = CloseReason{websocket.CloseMessageTooBig, "frame too large"}
	ReasonBackpressure     = CloseReason{websocket.CloseTryAgainLater, "backpressure"}
)

// Conn is the part of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	RemoteAddr() net.Addr
	Close() error
}

// Vendor is the conversational agent a streaming session talks to.
type Vendor interface {
	OnAudio(fn func(pcm []byte))
	Start()
	SendAudio(pcm []byte)
	Commit()
	Close() error
}

// Tracker is told when a session begins and ends.
type Tracker interface {
	Add(s *Session)
	Remove(s *Session)
}

// Config holds per-session limits and timings.
type Config struct {
	IdleTimeout          time.Duration
	StartGraceWindow     time.Duration
	EarlyMediaMaxFrames  int
	BackpressureMaxBytes int
	MaxInboundFrameBytes int
	MaxMessageBytes      int64
	CommitInterval       time.Duration
	// OutboundQueueFrames bounds agent audio waiting for the pacer.
	OutboundQueueFrames int
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.StartGraceWindow <= 0 {
		c.StartGraceWindow = 3 * time.Second
	}
	if c.EarlyMediaMaxFrames <= 0 {
		c.EarlyMediaMaxFrames = 250
	}
	if c.BackpressureMaxBytes <= 0 {
		c.BackpressureMaxBytes = 256 * 1024
	}
	if c.MaxInboundFrameBytes <= 0 {
		c.MaxInboundFrameBytes = 16 * 1024
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.CommitInterval <= 0 {
		c.CommitInterval = 500 * time.Millisecond
	}
	if c.OutboundQueueFrames <= 0 {
		c.OutboundQueueFrames = 15000
	}
	return c
}

// Deps are the shared collaborators a session is built with.
type Deps struct {
	Metrics     *metrics.Gateway
	Auditor     audit.Auditor
	NewVendor   func(logger *zap.Logger) Vendor
	NewRecorder func(callID string) recorder.Sink
	Tracker     Tracker
	Logger      *zap.Logger
}

type inbound struct {
	kind int
	data []byte
	err  error
}

// Session bridges one telephony media stream to one agent session.
type Session struct {
	id     string
	cfg    Config
	deps   Deps
	conn   Conn
	writer *StreamWriter
	logger *zap.Logger
	remote string

	state        atomic.Int32
	frames       atomic.Int64
	lastActivity atomic.Int64
	createdAt    time.Time

	mu              sync.Mutex
	streamSID       string
	callSID         string
	inferredConnect bool
	started         bool
	vendor          Vendor
	rec             recorder.Sink
	reason          CloseReason

	early      [][]byte
	earlyDrops int

	framerMu    sync.Mutex
	framer      *codec.Framer
	queue       *codec.FrameQueue
	queueDrops  atomic.Int64
	writerDrops atomic.Int64

	inbox        chan inbound
	backpressure chan struct{}
	closing      chan struct{}
	closed       chan struct{}
	readerDone   chan struct{}
	bg           sync.WaitGroup
	closeOnce    sync.Once
}

// New wraps an upgraded connection and starts reading from it. Run must be
// called to handle what is read.
func New(conn Conn, cfg Config, deps Deps) *Session {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewGateway()
	}
	if deps.Auditor == nil {
		deps.Auditor = audit.Nop()
	}
	if deps.NewRecorder == nil {
		deps.NewRecorder = func(string) recorder.Sink { return recorder.Nop() }
	}

	id := uuid.NewString()
	s := &Session{
		id:           id,
		cfg:          cfg,
		deps:         deps,
		conn:         conn,
		createdAt:    time.Now(),
		framer:       codec.NewFramer(),
		queue:        codec.NewFrameQueue(cfg.OutboundQueueFrames),
		inbox:        make(chan inbound, 64),
		backpressure: make(chan struct{}, 1),
		closing:      make(chan struct{}),
		closed:       make(chan struct{}),
		readerDone:   make(chan struct{}),
	}
	if addr := conn.RemoteAddr(); addr != nil {
		s.remote = addr.String()
	}
	s.logger = deps.Logger.With(zap.String("session_id", id), zap.String("remote", s.remote))
	s.writer = NewStreamWriter(conn, cfg.BackpressureMaxBytes, s.logger)
	s.lastActivity.Store(s.createdAt.UnixNano())
	conn.SetReadLimit(cfg.MaxMessageBytes)
	go s.readLoop()
	if deps.Tracker != nil {
		deps.Tracker.Add(s)
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Frames is the number of inbound media frames forwarded to the agent.
func (s *Session) Frames() int64 { return s.frames.Load() }

func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

// CloseReason reports how the session ended; zero while it is open.
func (s *Session) CloseReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Run handles inbound messages in arrival order until the session closes.
// It returns after teardown completes.
func (s *Session) Run(ctx context.Context) {
	s.logger.Info("[Session] --- stream connected")

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()
	var grace *time.Timer
	var graceC <-chan time.Time
	defer func() {
		if grace != nil {
			grace.Stop()
		}
	}()

	reason, ok := func() (CloseReason, bool) {
		for {
			select {
			case <-ctx.Done():
				return ReasonShutdown, true
			case <-s.closing:
				return CloseReason{}, false
			case <-idle.C:
				return ReasonIdle, true
			case <-graceC:
				if s.State() != Streaming {
					s.logger.Warn("[Session] --- no start within grace window",
						zap.Int("earlyFrames", len(s.early)), zap.Duration("grace", s.cfg.StartGraceWindow))
					return ReasonStartTimeout, true
				}
			case <-s.backpressure:
				s.deps.Metrics.Backpressure()
				s.logger.Warn("[Session] --- outbound backpressure",
					zap.Int64("pendingBytes", s.writer.PendingBytes()), zap.Int("queuedFrames", s.queue.Len()))
				return ReasonBackpressure, true
			case in := <-s.inbox:
				if in.err != nil {
					if errors.Is(in.err, websocket.ErrReadLimit) {
						return ReasonFrameTooLarge, true
					}
					if !websocket.IsCloseError(in.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						s.logger.Debug("[Session] --- read ended", zap.Error(in.err))
					}
					return ReasonPeerClosed, true
				}
				s.touch()
				idle.Reset(s.cfg.IdleTimeout)
				if r, done := s.handle(in); done {
					return r, true
				}
				if graceC == nil && len(s.early) > 0 {
					grace = time.NewTimer(s.cfg.StartGraceWindow)
					graceC = grace.C
				}
			}
		}
	}()
	if ok {
		s.Close(reason)
	}
	<-s.closed
}

func (s *Session) readLoop() {
	defer close(s.readerDone)
	for {
		kind, data, err := s.conn.ReadMessage()
		select {
		case s.inbox <- inbound{kind: kind, data: data, err: err}:
		case <-s.closing:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
	s.deps.Metrics.InboundMessage()
}

// handle processes one inbound message. done reports that the session must
// close with the returned reason.
func (s *Session) handle(in inbound) (reason CloseReason, done bool) {
	if in.kind != websocket.TextMessage {
		s.logger.Debug("[Session] --- ignoring non-text message", zap.Int("kind", in.kind))
		return CloseReason{}, false
	}
	if string(bytes.TrimSpace(in.data)) == pingText {
		s.writer.SendText([]byte(pongText))
		return CloseReason{}, false
	}

	msg, err := parseMessage(in.data)
	if err != nil {
		s.logger.Warn("[Session] --- malformed message ignored", zap.Error(err), zap.Int("bytes", len(in.data)))
		return CloseReason{}, false
	}

	switch msg.Event {
	case EventConnected:
		if s.State() == AwaitingConnect {
			s.state.Store(int32(AwaitingStart))
		}
		s.logger.Info("[Session] --- connected", zap.String("protocol", msg.Protocol))
	case EventStart:
		return s.onStart(msg)
	case EventMedia:
		return s.onMedia(msg)
	case EventStop:
		s.logger.Info("[Session] --- stop received", zap.Int64("frames", s.Frames()))
		return ReasonStop, true
	case EventMark:
		if msg.Mark != nil {
			s.logger.Debug("[Session] --- mark", zap.String("name", msg.Mark.Name))
		}
	case EventDTMF:
		if msg.DTMF != nil {
			s.logger.Debug("[Session] --- dtmf", zap.String("digit", msg.DTMF.Digit))
		}
	default:
		s.logger.Debug("[Session] --- unknown event", zap.String("event", msg.Event))
	}
	return CloseReason{}, false
}

func (s *Session) onStart(msg *streamMessage) (CloseReason, bool) {
	sid := msg.streamSID()
	if sid == "" {
		s.logger.Warn("[Session] --- start without streamSid")
		return ReasonMissingStreamSID, true
	}
	switch s.State() {
	case Streaming:
		s.logger.Warn("[Session] --- duplicate start ignored", zap.String("streamSid", sid))
		return CloseReason{}, false
	case AwaitingConnect:
		s.mu.Lock()
		s.inferredConnect = true
		s.mu.Unlock()
		s.logger.Info("[Session] --- connected implicitly inferred")
	}

	var callSID string
	if msg.Start != nil {
		callSID = msg.Start.CallSID
	}
	if !s.startStreaming(sid, callSID) {
		return CloseReason{}, false
	}

	s.logger.Info("[Session] --- streaming started",
		zap.String("streamSid", sid), zap.String("callSid", callSID), zap.Int("earlyFrames", len(s.early)))
	s.deps.Metrics.SessionStarted()
	s.record(audit.TypeSessionStarted, map[string]interface{}{"earlyFrames": len(s.early)})

	early := s.early
	s.early = nil
	for _, mulaw := range early {
		s.forward(mulaw)
	}
	return CloseReason{}, false
}

func (s *Session) startStreaming(streamSID, callSID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == Closed {
		return false
	}
	s.streamSID = streamSID
	s.callSID = callSID
	s.logger = s.logger.With(zap.String("streamSid", streamSID))

	callID := callSID
	if callID == "" {
		callID = streamSID
	}
	s.rec = s.deps.NewRecorder(callID)
	if s.rec == nil {
		s.rec = recorder.Nop()
	}
	if s.deps.NewVendor != nil {
		s.vendor = s.deps.NewVendor(s.logger)
	}
	if s.vendor != nil {
		s.vendor.OnAudio(s.onAgentAudio)
		s.vendor.Start()
	}
	s.started = true
	s.state.Store(int32(Streaming))

	s.bg.Add(2)
	go s.pace(streamSID)
	go s.commitLoop()
	return true
}

func (s *Session) onMedia(msg *streamMessage) (CloseReason, bool) {
	if msg.Media == nil {
		return CloseReason{}, false
	}
	mulaw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		s.logger.Warn("[Session] --- undecodable media payload", zap.Error(err))
		return CloseReason{}, false
	}
	if len(mulaw) > s.cfg.MaxInboundFrameBytes {
		s.logger.Warn("[Session] --- inbound frame too large",
			zap.Int("bytes", len(mulaw)), zap.Int("max", s.cfg.MaxInboundFrameBytes))
		return ReasonFrameTooLarge, true
	}

	if s.State() != Streaming {
		if len(s.early) >= s.cfg.EarlyMediaMaxFrames {
			s.earlyDrops++
			if s.earlyDrops == 1 {
				s.logger.Warn("[Session] --- early media buffer full, dropping frames",
					zap.Int("max", s.cfg.EarlyMediaMaxFrames))
			}
			return CloseReason{}, false
		}
		s.early = append(s.early, mulaw)
		return CloseReason{}, false
	}
	s.forward(mulaw)
	return CloseReason{}, false
}

func (s *Session) forward(mulaw []byte) {
	pcm := codec.DecodeInbound(mulaw)
	s.rec.AppendInbound(pcm)
	if s.vendor != nil {
		s.vendor.SendAudio(pcm)
	}
	s.frames.Add(1)
	s.deps.Metrics.InboundFrame()
}

// onAgentAudio runs on the vendor read goroutine.
func (s *Session) onAgentAudio(pcm []byte) {
	s.rec.AppendOutbound(pcm)

	s.framerMu.Lock()
	frames := s.framer.Write(pcm)
	s.framerMu.Unlock()

	for _, f := range frames {
		if !s.queue.Push(f) {
			if s.queueDrops.Add(1) == 1 {
				s.logger.Warn("[Session] --- outbound frame queue full, dropping agent audio",
					zap.Int("max", s.cfg.OutboundQueueFrames))
			}
		}
	}
}

func (s *Session) commitLoop() {
	defer s.bg.Done()
	ticker := time.NewTicker(s.cfg.CommitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closing:
			return
		case <-ticker.C:
			if s.vendor != nil {
				s.vendor.Commit()
			}
		}
	}
}

// Close tears the session down once. Later calls wait for the first to
// finish. It must not be called from the pacer or commit goroutines.
func (s *Session) Close(reason CloseReason) {
	s.closeOnce.Do(func() { s.teardown(reason) })
	<-s.closed
}

func (s *Session) teardown(reason CloseReason) {
	s.mu.Lock()
	s.state.Store(int32(Closed))
	s.reason = reason
	vendor, rec, started := s.vendor, s.rec, s.started
	streamSID, callSID, inferred := s.streamSID, s.callSID, s.inferredConnect
	s.mu.Unlock()

	close(s.closing)
	s.bg.Wait()

	if vendor != nil {
		if err := vendor.Close(); err != nil {
			s.logger.Warn("[Session] --- vendor close failed", zap.Error(err))
		}
	}
	if rec != nil {
		rec.Close()
	}

	dropped := s.queue.Clear()
	s.framerMu.Lock()
	partial := s.framer.Pending()
	s.framer.Reset()
	s.framerMu.Unlock()
	s.logger.Info("[Session] --- closed",
		zap.Int("code", reason.Code), zap.String("reason", reason.Text),
		zap.Int64("frames", s.Frames()), zap.Int("droppedOutbound", dropped),
		zap.Int("droppedPartialBytes", partial),
		zap.Duration("duration", time.Since(s.createdAt)))

	ev := audit.NewEvent(audit.TypeSessionClosed, map[string]interface{}{
		"code":            reason.Code,
		"reason":          reason.Text,
		"frames":          s.Frames(),
		"durationMs":      time.Since(s.createdAt).Milliseconds(),
		"inferredConnect": inferred,
	})
	ev.SessionID, ev.StreamSID, ev.CallSID, ev.RemoteAddr = s.id, streamSID, callSID, s.remote
	s.deps.Auditor.Record(ev)

	s.writer.SendClose(reason.Code, reason.Text)
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("[Session] --- socket close", zap.Error(err))
	}
	s.writer.Close()
	<-s.readerDone

	if started {
		s.deps.Metrics.SessionClosed()
	}
	if s.deps.Tracker != nil {
		s.deps.Tracker.Remove(s)
	}
	close(s.closed)
}

func (s *Session) record(eventType string, data map[string]interface{}) {
	s.mu.Lock()
	ev := audit.NewEvent(eventType, data)
	ev.SessionID, ev.StreamSID, ev.CallSID, ev.RemoteAddr = s.id, s.streamSID, s.callSID, s.remote
	s.mu.Unlock()
	s.deps.Auditor.Record(ev)
}
