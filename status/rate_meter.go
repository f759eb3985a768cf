package status

import (
	"sync/atomic"
	"time"
)

const numBuckets = 5 // 5 one-second buckets for 5-second window

// timeBucket holds bytes for a 1-second window
type timeBucket struct {
	bytes     atomic.Int64
	timestamp atomic.Int64 // unix seconds
}

// RateMeter measures achieved throughput over a sliding five second window.
// Recording is lock free.
type RateMeter struct {
	buckets    [numBuckets]timeBucket
	currentIdx atomic.Int64
	lastRotate atomic.Int64
	windowSize time.Duration
	now        func() time.Time
}

func NewRateMeter() *RateMeter {
	return newRateMeter(time.Now)
}

func newRateMeter(now func() time.Time) *RateMeter {
	m := &RateMeter{windowSize: numBuckets * time.Second, now: now}
	ts := now().Unix()
	m.lastRotate.Store(ts)
	for i := range m.buckets {
		m.buckets[i].timestamp.Store(ts)
	}
	return m
}

// Record adds n transferred bytes to the current second.
func (m *RateMeter) Record(n int64) {
	now := m.now().Unix()
	last := m.lastRotate.Load()

	// Rotate bucket if we've moved to a new second
	if now > last && m.lastRotate.CompareAndSwap(last, now) {
		next := (m.currentIdx.Load() + 1) % numBuckets
		m.buckets[next].bytes.Store(0)
		m.buckets[next].timestamp.Store(now)
		m.currentIdx.Store(next)
	}
	m.buckets[m.currentIdx.Load()].bytes.Add(n)
}

// BitsPerSecond is the average rate over the buckets still inside the
// window.
func (m *RateMeter) BitsPerSecond() int64 {
	now := m.now().Unix()
	cutoff := now - int64(m.windowSize.Seconds())

	var total int64
	oldest := now
	for i := range m.buckets {
		ts := m.buckets[i].timestamp.Load()
		if ts > cutoff {
			total += m.buckets[i].bytes.Load()
			oldest = min(oldest, ts)
		}
	}
	// Calculate rate based on actual time span, counting the current second
	span := now - oldest + 1
	return total * 8 / span
}
