package codec

import (
	"sync"
	"time"
)

const (
	// FrameDuration is the outbound playback cadence.
	FrameDuration = 20 * time.Millisecond
	// AgentFrameSamples is one 20 ms window at 16 kHz.
	AgentFrameSamples = AgentSampleRate / 50
	// AgentFrameBytes is one 20 ms PCM16 window at 16 kHz.
	AgentFrameBytes = AgentFrameSamples * 2
	// TelephonyFrameBytes is one 20 ms mu-law frame at 8 kHz.
	TelephonyFrameBytes = TelephonySampleRate / 50
)

// Framer slices agent audio delivered in arbitrary chunk sizes into fixed
// 20 ms windows and encodes each window for the telephony side. Bytes that do
// not fill a window stay pending until the next Write.
type Framer struct {
	pending []byte
}

func NewFramer() *Framer {
	return &Framer{pending: make([]byte, 0, AgentFrameBytes*4)}
}

// Write consumes PCM16LE 16 kHz bytes and returns the completed mu-law frames.
func (f *Framer) Write(pcm []byte) [][]byte {
	f.pending = append(f.pending, pcm...)
	if len(f.pending) < AgentFrameBytes {
		return nil
	}
	frames := make([][]byte, 0, len(f.pending)/AgentFrameBytes)
	offset := 0
	for len(f.pending)-offset >= AgentFrameBytes {
		window := PCM16Samples(f.pending[offset : offset+AgentFrameBytes])
		frames = append(frames, EncodeOutbound(window))
		offset += AgentFrameBytes
	}
	rest := copy(f.pending, f.pending[offset:])
	f.pending = f.pending[:rest]
	return frames
}

// Pending reports how many bytes are waiting for a full window.
func (f *Framer) Pending() int {
	return len(f.pending)
}

// Reset drops any partial window.
func (f *Framer) Reset() {
	f.pending = f.pending[:0]
}

// FrameQueue is the FIFO between the agent audio path and the pacer. It is
// the only structure both goroutines touch.
type FrameQueue struct {
	mu     sync.Mutex
	frames [][]byte
	max    int
}

// NewFrameQueue creates a queue; max <= 0 means unbounded.
func NewFrameQueue(max int) *FrameQueue {
	return &FrameQueue{max: max}
}

// Push appends a frame. It returns false when the queue is full.
func (q *FrameQueue) Push(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.max > 0 && len(q.frames) >= q.max {
		return false
	}
	q.frames = append(q.frames, frame)
	return true
}

// Pop removes the oldest frame.
func (q *FrameQueue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return frame, true
}

func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Clear drops every queued frame and returns how many were dropped.
func (q *FrameQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.frames)
	q.frames = nil
	return n
}
