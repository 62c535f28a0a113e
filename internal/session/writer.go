package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// WriterBufferSize is the number of messages the writer queues before it
	// reports an overflow.
	WriterBufferSize = 1024

	closeFrameTimeout = time.Second
)

type outbound struct {
	kind int
	data []byte
}

// StreamWriter is the single writer of a telephony socket. Callers enqueue
// without blocking; the bytes not yet written are tracked so the pacer can
// detect a peer that stopped draining.
type StreamWriter struct {
	conn     Conn
	logger   *zap.Logger
	msgChan  chan outbound
	pending  atomic.Int64
	overflow atomic.Bool
	maxBytes int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStreamWriter starts the write loop.
func NewStreamWriter(conn Conn, maxBytes int, logger *zap.Logger) *StreamWriter {
	ctx, cancel := context.WithCancel(context.Background())
	w := &StreamWriter{
		conn:     conn,
		logger:   logger,
		msgChan:  make(chan outbound, WriterBufferSize),
		maxBytes: int64(maxBytes),
		ctx:      ctx,
		cancel:   cancel,
	}
	w.wg.Add(1)
	go w.writeLoop()
	return w
}

func (w *StreamWriter) writeLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.msgChan:
			err := w.conn.WriteMessage(msg.kind, msg.data)
			w.pending.Add(-int64(len(msg.data)))
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					w.logger.Debug("[Writer] --- connection closed, stop writing", zap.Error(err))
				} else {
					w.logger.Warn("[Writer] --- write failed", zap.Error(err))
				}
				w.cancel()
				return
			}
		}
	}
}

// SendText queues a text message. It returns false if the writer is closed
// or its queue is full; a full queue also marks the writer as overflowed.
func (w *StreamWriter) SendText(data []byte) bool {
	if w.ctx.Err() != nil {
		return false
	}
	w.pending.Add(int64(len(data)))
	select {
	case w.msgChan <- outbound{kind: websocket.TextMessage, data: data}:
		return true
	default:
		w.pending.Add(-int64(len(data)))
		w.overflow.Store(true)
		return false
	}
}

// PendingBytes reports queued bytes not yet handed to the socket.
func (w *StreamWriter) PendingBytes() int64 {
	return w.pending.Load()
}

// Backpressured reports whether the peer is not keeping up.
func (w *StreamWriter) Backpressured() bool {
	return w.overflow.Load() || (w.maxBytes > 0 && w.pending.Load() > w.maxBytes)
}

// Closed reports whether the write loop has stopped.
func (w *StreamWriter) Closed() bool {
	return w.ctx.Err() != nil
}

// SendClose writes a close frame immediately, bypassing the queue.
func (w *StreamWriter) SendClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeFrameTimeout)); err != nil {
		w.logger.Debug("[Writer] --- close frame not sent", zap.Error(err))
	}
}

// Close stops the write loop and waits for it. A write blocked on the socket
// only returns once the socket is closed.
func (w *StreamWriter) Close() {
	w.cancel()
	w.wg.Wait()
}
