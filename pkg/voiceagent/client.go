package voiceagent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("voice agent client closed")

const (
	// SampleRate is the PCM16 rate exchanged with the vendor.
	SampleRate = 16000
	// silenceBytes is 100 ms of PCM16 mono silence at SampleRate.
	silenceBytes = SampleRate / 10 * 2

	// pendingLimit bounds audio held before the first connection (5 s of 20 ms chunks).
	pendingLimit = 250

	// sendQueueSize bounds messages waiting for the vendor socket writer.
	sendQueueSize = 512

	defaultDialTimeout = 10 * time.Second
	writeTimeout       = 5 * time.Second
)

// State of the vendor connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config configures the vendor session.
type Config struct {
	WSURL             string
	SignedURLEndpoint string
	APIKey            string
	AgentID           string
	Greeting          bool
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	DialTimeout       time.Duration
}

// Option customises a Client.
type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithHTTPClient(h *resty.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithReconnectHook is called before every reconnect attempt cycle.
func WithReconnectHook(fn func()) Option {
	return func(c *Client) { c.onReconnect = fn }
}

// Client is one vendor AI session. It owns a supervisor goroutine that dials,
// reads, and redials with capped exponential backoff until Close. Writes go
// through a bounded queue drained by a per-connection writer goroutine, so
// SendAudio and Commit never block on the socket.
type Client struct {
	cfg         Config
	logger      *zap.Logger
	dialer      *websocket.Dialer
	http        *resty.Client
	onReconnect func()

	state   atomic.Int32
	onAudio atomic.Value // func([]byte)

	connMu sync.Mutex
	conn   *websocket.Conn

	out chan []byte

	appended atomic.Bool
	dropped  atomic.Int64
	greeted  bool

	// audio sent before the first connection is held and flushed after the handshake
	pendingMu     sync.Mutex
	pending       [][]byte
	everConnected bool

	ctx       context.Context
	cancel    context.CancelFunc
	started   sync.Once
	closeOnce sync.Once
	connected chan struct{}
	connOnce  sync.Once
	done      chan struct{}
}

// New creates a disconnected client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:       cfg,
		logger:    zap.NewNop(),
		dialer:    websocket.DefaultDialer,
		ctx:       ctx,
		cancel:    cancel,
		out:       make(chan []byte, sendQueueSize),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = resty.New().SetTimeout(cfg.DialTimeout)
	}
	return c
}

// OnAudio registers the callback for PCM16 16 kHz audio from the vendor.
func (c *Client) OnAudio(fn func(pcm []byte)) {
	c.onAudio.Store(fn)
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// Dropped counts audio chunks discarded while not connected or because the
// send queue was full.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// Start launches the supervisor without waiting for the first connection.
func (c *Client) Start() {
	c.started.Do(func() {
		go c.run()
	})
}

// Connect starts the client and waits for the first successful connection.
func (c *Client) Connect(ctx context.Context) error {
	c.Start()
	select {
	case <-c.connected:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels any backoff wait, closes the socket and joins the supervisor.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
		c.started.Do(func() { close(c.done) })
	})
	<-c.done
	c.state.Store(int32(StateDisconnected))
	return nil
}

func (c *Client) run() {
	defer close(c.done)
	for {
		conn, err := c.dialWithBackoff()
		if err != nil {
			return
		}
		c.setConn(conn)
		if c.ctx.Err() != nil {
			// Close ran while the dial was completing
			c.setConn(nil)
			_ = conn.Close()
			return
		}
		if err := c.handshake(conn); err != nil {
			c.logger.Warn("[Vendor] handshake failed", zap.Error(err))
		}
		stop := make(chan struct{})
		writerDone := make(chan struct{})
		go c.writeLoop(conn, stop, writerDone)
		c.markConnected()
		c.logger.Info("[Vendor] connected")
		c.connOnce.Do(func() { close(c.connected) })

		c.readLoop(conn)

		c.state.Store(int32(StateDisconnected))
		close(stop)
		<-writerDone
		c.setConn(nil)
		_ = conn.Close()
		c.discardQueued()
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("[Vendor] connection lost, reconnecting")
		if c.onReconnect != nil {
			c.onReconnect()
		}
		select {
		case <-time.After(c.cfg.BackoffBase):
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

// dialWithBackoff retries until a dial succeeds or the client is closed.
// A fresh backoff per cycle resets the delay after every good connection.
func (c *Client) dialWithBackoff() (*websocket.Conn, error) {
	backoff := retry.WithCappedDuration(c.cfg.BackoffMax, retry.NewExponential(c.cfg.BackoffBase))
	var conn *websocket.Conn
	err := retry.Do(c.ctx, backoff, func(ctx context.Context) error {
		c.state.Store(int32(StateConnecting))
		var err error
		conn, err = c.dial(ctx)
		if err != nil {
			c.state.Store(int32(StateDisconnected))
			c.logger.Warn("[Vendor] dial failed", zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return nil, err
	}
	return conn, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	target, header, err := c.resolveURL(ctx)
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial vendor: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial vendor: %w", err)
	}
	return conn, nil
}

// resolveURL returns the direct URL with a bearer header, or exchanges the
// API key for a short-lived signed URL.
func (c *Client) resolveURL(ctx context.Context) (string, http.Header, error) {
	if c.cfg.SignedURLEndpoint == "" {
		header := http.Header{}
		if c.cfg.APIKey != "" {
			header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}
		return c.cfg.WSURL, header, nil
	}

	var out signedURLResponse
	req := c.http.R().SetContext(ctx).SetResult(&out)
	if c.cfg.APIKey != "" {
		req.SetAuthToken(c.cfg.APIKey)
	}
	if c.cfg.AgentID != "" {
		req.SetQueryParam("agent_id", c.cfg.AgentID)
	}
	resp, err := req.Get(c.cfg.SignedURLEndpoint)
	if err != nil {
		return "", nil, fmt.Errorf("signed url: %w", err)
	}
	if resp.IsError() {
		return "", nil, fmt.Errorf("signed url: status %d", resp.StatusCode())
	}
	target := out.SignedURL
	if target == "" {
		target = out.URL
	}
	if target == "" {
		return "", nil, errors.New("signed url: empty response")
	}
	return target, nil, nil
}

// handshake runs on the supervisor before the writer starts, so the session
// setup always precedes queued audio on the wire.
func (c *Client) handshake(conn *websocket.Conn) error {
	format := audioFormat{Type: audioFormatPCM16, SampleRate: SampleRate, Channels: 1}
	if err := writeJSON(conn, sessionUpdate{
		Type:    EventSessionUpdate,
		Session: sessionConfig{InputAudioFormat: format, OutputAudioFormat: format},
	}); err != nil {
		return err
	}
	if c.cfg.AgentID != "" {
		if err := writeJSON(conn, conversationCreate{Type: EventConversationCreate, AgentID: c.cfg.AgentID}); err != nil {
			return err
		}
	}
	if c.cfg.Greeting && !c.greeted {
		c.greeted = true
		return writeJSON(conn, typedEvent{Type: EventResponseCreate})
	}
	return nil
}

// markConnected queues held audio and publishes the connected state under
// pendingMu, so audio sent concurrently lands after the held chunks.
func (c *Client) markConnected() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if !c.everConnected {
		for _, pcm := range c.pending {
			c.enqueueAudio(pcm)
		}
		c.pending = nil
		c.everConnected = true
	}
	c.state.Store(int32(StateConnected))
}

// SendAudio forwards PCM16 16 kHz audio. Before the first connection up to
// pendingLimit chunks are held; after that, audio is dropped while
// disconnected.
func (c *Client) SendAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	c.pendingMu.Lock()
	if !c.everConnected {
		if len(c.pending) < pendingLimit && c.ctx.Err() == nil {
			c.pending = append(c.pending, append([]byte(nil), pcm...))
		} else {
			c.dropped.Add(1)
		}
		c.pendingMu.Unlock()
		return
	}
	c.pendingMu.Unlock()
	if c.State() != StateConnected {
		c.dropped.Add(1)
		return
	}
	c.enqueueAudio(pcm)
}

func (c *Client) enqueueAudio(pcm []byte) {
	data, err := sonic.Marshal(audioAppend{Type: EventAudioAppend, Audio: base64.StdEncoding.EncodeToString(pcm)})
	if err != nil || !c.enqueue(data) {
		c.dropped.Add(1)
		return
	}
	c.appended.Store(true)
}

func (c *Client) enqueue(data []byte) bool {
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

// Commit closes the current input buffer, padding it with 100 ms of silence
// when no audio was appended since the previous commit.
func (c *Client) Commit() {
	if c.State() != StateConnected {
		return
	}
	if !c.appended.Swap(false) {
		silence, _ := sonic.Marshal(audioAppend{Type: EventAudioAppend, Audio: base64.StdEncoding.EncodeToString(make([]byte, silenceBytes))})
		if !c.enqueue(silence) {
			c.logger.Debug("[Vendor] send queue full, commit skipped")
			return
		}
	}
	commit, _ := sonic.Marshal(typedEvent{Type: EventAudioCommit})
	if !c.enqueue(commit) {
		c.logger.Debug("[Vendor] send queue full, commit skipped")
	}
}

// writeLoop is the only writer of conn once the handshake is done. A failed
// write closes the socket so the read loop ends and the supervisor redials.
func (c *Client) writeLoop(conn *websocket.Conn, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case data := <-c.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				if c.ctx.Err() == nil {
					c.logger.Warn("[Vendor] write failed", zap.Error(err))
				}
				_ = conn.Close()
				return
			}
		}
	}
}

// discardQueued empties the send queue after a connection ends; audio is not
// replayed onto the next connection.
func (c *Client) discardQueued() {
	n := 0
	for {
		select {
		case <-c.out:
			n++
		default:
			if n > 0 {
				c.dropped.Add(int64(n))
				c.logger.Debug("[Vendor] queued messages discarded", zap.Int("count", n))
			}
			return
		}
	}
}

func writeJSON(conn *websocket.Conn, v interface{}) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.logger.Info("[Vendor] closed by peer", zap.Int("code", closeErr.Code), zap.String("text", closeErr.Text))
			} else if c.ctx.Err() == nil {
				c.logger.Warn("[Vendor] read failed", zap.Error(err))
			}
			return
		}
		if msgType == websocket.BinaryMessage {
			c.deliver(data)
			continue
		}
		c.handleEvent(data)
	}
}

func (c *Client) handleEvent(data []byte) {
	var ev serverEvent
	if err := sonic.Unmarshal(data, &ev); err != nil {
		c.logger.Debug("[Vendor] malformed message", zap.Error(err))
		return
	}
	payload := ev.Audio
	if payload == "" && strings.HasSuffix(ev.Type, "audio.delta") {
		payload = ev.Delta
	}
	if payload != "" {
		pcm, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			c.logger.Debug("[Vendor] invalid audio payload", zap.String("type", ev.Type), zap.Error(err))
			return
		}
		c.deliver(pcm)
		return
	}
	if ev.Type == EventError {
		c.logger.Warn("[Vendor] error event", zap.Any("error", ev.Error))
		return
	}
	c.logger.Debug("[Vendor] event", zap.String("type", ev.Type))
}

func (c *Client) deliver(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	if fn, ok := c.onAudio.Load().(func([]byte)); ok && fn != nil {
		fn(pcm)
	}
}
