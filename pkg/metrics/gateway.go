package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	FrameWindowBuckets        = 10
	FrameBucketWidth          = time.Second
	BackpressureWindowBuckets = 10
	BackpressureBucketWidth   = time.Minute
)

// Gateway holds the counters shared by every session. It is the only state
// crossing session boundaries; all fields are safe for concurrent use.
type Gateway struct {
	frames       *RollingCounter
	backpressure *RollingCounter

	inboundFrames      atomic.Int64
	outboundFrames     atomic.Int64
	backpressureEvents atomic.Int64
	sessionsStarted    atomic.Int64
	sessionsClosed     atomic.Int64
	activeSessions     atomic.Int64
	authDenied         atomic.Int64
	vendorReconnects   atomic.Int64
	recordingChunks    atomic.Int64
	recordingFailures  atomic.Int64

	lastInbound      atomic.Int64
	lastBackpressure atomic.Int64

	registry *prometheus.Registry
	promIn   prometheus.Counter
	promOut  prometheus.Counter
	promBP   prometheus.Counter
	promAuth *prometheus.CounterVec
	promRec  *prometheus.CounterVec

	nowFunc func() time.Time
}

// Snapshot is the JSON shape served on /metrics.
type Snapshot struct {
	InboundFrameRate10s          float64  `json:"inboundFrameRate10s"`
	InboundFrames10s             int64    `json:"inboundFrames10s"`
	BackpressureEvents10m        int64    `json:"backpressureEvents10m"`
	SecondsSinceLastInbound      *float64 `json:"secondsSinceLastInbound"`
	SecondsSinceLastBackpressure *float64 `json:"secondsSinceLastBackpressure"`
	ActiveSessions               int64    `json:"activeSessions"`
	Totals                       Totals   `json:"totals"`
}

type Totals struct {
	InboundFrames      int64 `json:"inboundFrames"`
	OutboundFrames     int64 `json:"outboundFrames"`
	BackpressureEvents int64 `json:"backpressureEvents"`
	SessionsStarted    int64 `json:"sessionsStarted"`
	SessionsClosed     int64 `json:"sessionsClosed"`
	AuthDenied         int64 `json:"authDenied"`
	VendorReconnects   int64 `json:"vendorReconnects"`
	RecordingChunks    int64 `json:"recordingChunks"`
	RecordingFailures  int64 `json:"recordingFailures"`
}

func NewGateway() *Gateway {
	g := &Gateway{
		frames:       NewRollingCounter(FrameWindowBuckets, FrameBucketWidth),
		backpressure: NewRollingCounter(BackpressureWindowBuckets, BackpressureBucketWidth),
		registry:     prometheus.NewRegistry(),
		nowFunc:      time.Now,
	}
	g.registerCollectors()
	return g
}

func (g *Gateway) registerCollectors() {
	g.promIn = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway", Name: "inbound_frames_total",
		Help: "Media frames received from the telephony side.",
	})
	g.promOut = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway", Name: "outbound_frames_total",
		Help: "Paced media frames sent to the telephony side.",
	})
	g.promBP = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway", Name: "backpressure_events_total",
		Help: "Sessions closed because the outbound buffer overflowed.",
	})
	g.promAuth = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway", Name: "upgrade_denied_total",
		Help: "Stream upgrades rejected by the authenticator.",
	}, []string{"reason"})
	g.promRec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway", Name: "recording_chunks_total",
		Help: "Recording chunks written to object storage.",
	}, []string{"result"})

	g.registry.MustRegister(
		g.promIn, g.promOut, g.promBP, g.promAuth, g.promRec,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gateway", Name: "active_sessions",
			Help: "Sessions currently streaming on this instance.",
		}, func() float64 { return float64(g.activeSessions.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gateway", Name: "inbound_frame_rate_10s",
			Help: "Inbound frames per second over the last ten seconds.",
		}, g.frames.Rate),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gateway", Name: "backpressure_events_10m",
			Help: "Backpressure events over the last ten minutes.",
		}, func() float64 { return float64(g.backpressure.Sum()) }),
	)
}

// Registry exposes the private prometheus registry for the exposition handler.
func (g *Gateway) Registry() *prometheus.Registry {
	return g.registry
}

func (g *Gateway) InboundFrame() {
	g.frames.Add(1)
	g.inboundFrames.Add(1)
	g.promIn.Inc()
	g.lastInbound.Store(g.nowFunc().UnixNano())
}

// InboundMessage marks activity for any inbound message, including keepalives.
func (g *Gateway) InboundMessage() {
	g.lastInbound.Store(g.nowFunc().UnixNano())
}

func (g *Gateway) OutboundFrame() {
	g.outboundFrames.Add(1)
	g.promOut.Inc()
}

func (g *Gateway) Backpressure() {
	g.backpressure.Add(1)
	g.backpressureEvents.Add(1)
	g.promBP.Inc()
	g.lastBackpressure.Store(g.nowFunc().UnixNano())
}

func (g *Gateway) SessionStarted() {
	g.sessionsStarted.Add(1)
	g.activeSessions.Add(1)
}

func (g *Gateway) SessionClosed() {
	g.sessionsClosed.Add(1)
	g.activeSessions.Add(-1)
}

func (g *Gateway) AuthDenied(reason string) {
	g.authDenied.Add(1)
	g.promAuth.WithLabelValues(reason).Inc()
}

func (g *Gateway) VendorReconnect() {
	g.vendorReconnects.Add(1)
}

func (g *Gateway) RecordingChunk(ok bool) {
	if ok {
		g.recordingChunks.Add(1)
		g.promRec.WithLabelValues("ok").Inc()
		return
	}
	g.recordingFailures.Add(1)
	g.promRec.WithLabelValues("failed").Inc()
}

func (g *Gateway) ActiveSessions() int64 {
	return g.activeSessions.Load()
}

func (g *Gateway) since(stamp int64) *float64 {
	if stamp == 0 {
		return nil
	}
	s := g.nowFunc().Sub(time.Unix(0, stamp)).Seconds()
	return &s
}

func (g *Gateway) Snapshot() Snapshot {
	return Snapshot{
		InboundFrameRate10s:          g.frames.Rate(),
		InboundFrames10s:             g.frames.Sum(),
		BackpressureEvents10m:        g.backpressure.Sum(),
		SecondsSinceLastInbound:      g.since(g.lastInbound.Load()),
		SecondsSinceLastBackpressure: g.since(g.lastBackpressure.Load()),
		ActiveSessions:               g.activeSessions.Load(),
		Totals: Totals{
			InboundFrames:      g.inboundFrames.Load(),
			OutboundFrames:     g.outboundFrames.Load(),
			BackpressureEvents: g.backpressureEvents.Load(),
			SessionsStarted:    g.sessionsStarted.Load(),
			SessionsClosed:     g.sessionsClosed.Load(),
			AuthDenied:         g.authDenied.Load(),
			VendorReconnects:   g.vendorReconnects.Load(),
			RecordingChunks:    g.recordingChunks.Load(),
			RecordingFailures:  g.recordingFailures.Load(),
		},
	}
}
