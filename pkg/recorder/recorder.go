package recorder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/code-100-precent/lingecho-gateway/pkg/storage"
	"go.uber.org/zap"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	defaultInterval      = 10 * time.Second
	defaultUploadTimeout = 15 * time.Second
)

// Sink receives call audio. Appends never block on storage.
type Sink interface {
	AppendInbound(pcm []byte)
	AppendOutbound(pcm []byte)
	Close()
}

// Options configures a Recorder.
type Options struct {
	CallID        string
	Interval      time.Duration
	UploadTimeout time.Duration
	Store         storage.ObjectStore
	Logger        *zap.Logger
	// OnChunk is told about every upload attempt.
	OnChunk func(ok bool)
}

type chunk struct {
	key  string
	data []byte
}

// Recorder buffers PCM16 16 kHz audio per direction and uploads a chunk per
// direction on every interval and once more on Close.
type Recorder struct {
	opts   Options
	origin time.Time

	mu       sync.Mutex
	inbound  []byte
	outbound []byte
	seq      map[string]int

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New starts a recorder whose flush loop ends with ctx or Close.
func New(ctx context.Context, opts Options) *Recorder {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = defaultUploadTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &Recorder{
		opts:   opts,
		origin: time.Now().UTC(),
		seq:    map[string]int{DirectionInbound: 0, DirectionOutbound: 0},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.loop(ctx)
	return r
}

func (r *Recorder) AppendInbound(pcm []byte) {
	r.mu.Lock()
	r.inbound = append(r.inbound, pcm...)
	r.mu.Unlock()
}

func (r *Recorder) AppendOutbound(pcm []byte) {
	r.mu.Lock()
	r.outbound = append(r.outbound, pcm...)
	r.mu.Unlock()
}

// Close stops the flush loop and uploads whatever was appended since the
// last flush, including audio appended after ctx ended the loop.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
	r.flush()
}

func (r *Recorder) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.flush()
		case <-r.stop:
			return
		case <-ctx.Done():
			r.flush()
			return
		}
	}
}

// Key builds the object key for a chunk.
func Key(origin time.Time, callID, direction string, seq int) string {
	return fmt.Sprintf("recordings/%s/%s/%s-%06d.pcm", origin.UTC().Format("2006-01-02"), callID, direction, seq)
}

// take swaps out both buffers and assigns sequence numbers.
func (r *Recorder) take() []chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	var chunks []chunk
	if len(r.inbound) > 0 {
		chunks = append(chunks, chunk{key: Key(r.origin, r.opts.CallID, DirectionInbound, r.seq[DirectionInbound]), data: r.inbound})
		r.seq[DirectionInbound]++
		r.inbound = nil
	}
	if len(r.outbound) > 0 {
		chunks = append(chunks, chunk{key: Key(r.origin, r.opts.CallID, DirectionOutbound, r.seq[DirectionOutbound]), data: r.outbound})
		r.seq[DirectionOutbound]++
		r.outbound = nil
	}
	return chunks
}

func (r *Recorder) flush() {
	for _, c := range r.take() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.UploadTimeout)
		err := r.opts.Store.Put(ctx, c.key, c.data)
		cancel()
		if r.opts.OnChunk != nil {
			r.opts.OnChunk(err == nil)
		}
		if err != nil {
			r.opts.Logger.Warn("[Recorder] chunk upload failed, dropped",
				zap.String("key", c.key),
				zap.Int("bytes", len(c.data)),
				zap.Error(err))
			continue
		}
		r.opts.Logger.Debug("[Recorder] chunk uploaded",
			zap.String("key", c.key),
			zap.Int("bytes", len(c.data)))
	}
}

type nopRecorder struct{}

func (nopRecorder) AppendInbound([]byte)  {}
func (nopRecorder) AppendOutbound([]byte) {}
func (nopRecorder) Close()                {}

// Nop returns a Sink that discards audio.
func Nop() Sink { return nopRecorder{} }
