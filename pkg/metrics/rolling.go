package metrics

import (
	"sync"
	"time"
)

// RollingCounter counts events in a sliding window made of fixed-width
// buckets. A bucket is reset lazily the first time it is reused for a newer
// slot, so an idle counter decays to zero without a background goroutine.
type RollingCounter struct {
	mu      sync.Mutex
	width   time.Duration
	slots   []int64
	epochs  []int64
	nowFunc func() time.Time
}

// NewRollingCounter creates a window of buckets × width.
func NewRollingCounter(buckets int, width time.Duration) *RollingCounter {
	if buckets <= 0 {
		buckets = 1
	}
	return &RollingCounter{
		width:   width,
		slots:   make([]int64, buckets),
		epochs:  make([]int64, buckets),
		nowFunc: time.Now,
	}
}

// Window is the total span the counter covers.
func (r *RollingCounter) Window() time.Duration {
	return r.width * time.Duration(len(r.slots))
}

func (r *RollingCounter) epoch(t time.Time) int64 {
	return t.UnixNano() / int64(r.width)
}

// Add records n events at the current time.
func (r *RollingCounter) Add(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.epoch(r.nowFunc())
	i := int(e % int64(len(r.slots)))
	if r.epochs[i] != e {
		r.epochs[i] = e
		r.slots[i] = 0
	}
	r.slots[i] += n
}

// Sum returns the events recorded inside the window.
func (r *RollingCounter) Sum() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.epoch(r.nowFunc())
	oldest := e - int64(len(r.slots)) + 1
	var total int64
	for i, slotEpoch := range r.epochs {
		if slotEpoch >= oldest && slotEpoch <= e {
			total += r.slots[i]
		}
	}
	return total
}

// Rate returns events per second averaged over the window.
func (r *RollingCounter) Rate() float64 {
	return float64(r.Sum()) / r.Window().Seconds()
}
