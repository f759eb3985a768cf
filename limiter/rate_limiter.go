package limiter

import (
	"context"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// SkipHistorySize is the number of cumulative waits the skip ring remembers.
const SkipHistorySize = 100

// maxSlice bounds a single sleep of the sliced wait loops so cancellation is
// observed promptly.
const maxSlice = time.Millisecond

// RateLimiter paces byte counts against a target rate in bits per second.
// A rate of zero disables pacing. It is safe for concurrent use; a single
// limiter may be shared by many streams to enforce one aggregate budget.
type RateLimiter struct {
	name string
	rate atomic.Int64 // bits per second

	// guard is held by the one caller currently sleeping against the
	// limiter. Queued callers leave as soon as their context is done.
	guard *semaphore.Weighted

	// mu guards the state below and is never held while sleeping.
	mu         sync.Mutex
	clockStart time.Time
	ledger     int64
	lastUse    time.Time
	idleReset  time.Duration
	skips      skipRing
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithName labels the limiter for monitoring.
func WithName(name string) Option {
	return func(l *RateLimiter) { l.name = name }
}

// WithIdleReset makes Consume restart the clock when more than d has passed
// since the previous Consume, so a long silence does not turn into burst
// credit. Zero disables the check.
func WithIdleReset(d time.Duration) Option {
	return func(l *RateLimiter) { l.idleReset = d }
}

// New returns a limiter at bitsPerSec. Negative rates are treated as zero.
func New(bitsPerSec int64, opts ...Option) *RateLimiter {
	l := &RateLimiter{guard: semaphore.NewWeighted(1)}
	for _, o := range opts {
		o(l)
	}
	if bitsPerSec < 0 {
		bitsPerSec = 0
	}
	l.rate.Store(bitsPerSec)
	now := time.Now()
	l.clockStart = now
	l.lastUse = now
	return l
}

func (l *RateLimiter) Name() string {
	return l.name
}

// Rate returns the target rate in bits per second.
func (l *RateLimiter) Rate() int64 {
	return l.rate.Load()
}

// IdleReset is the configured idle threshold, zero when disabled.
func (l *RateLimiter) IdleReset() time.Duration {
	return l.idleReset
}

// SetRate changes the target rate and resets the cumulative clock. Waits
// already in progress keep the rate they started with.
func (l *RateLimiter) SetRate(bitsPerSec int64) {
	if bitsPerSec < 0 {
		bitsPerSec = 0
	}
	l.rate.Store(bitsPerSec)
	l.Reset()
}

// Reset clears the skip history, zeroes the ledger and restarts the clock.
func (l *RateLimiter) Reset() {
	l.mu.Lock()
	l.resetLocked(time.Now())
	l.mu.Unlock()
}

func (l *RateLimiter) resetLocked(now time.Time) {
	l.skips.clear()
	l.ledger = 0
	l.clockStart = now
	l.lastUse = now
}

// StrictDelay is the time n bytes take at rate bits per second.
func StrictDelay(n, rate int64) time.Duration {
	if n <= 0 || rate <= 0 {
		return 0
	}
	return time.Duration(float64(n) * 8 / float64(rate) * float64(time.Second))
}

// WaitN blocks for the time n bytes take at the target rate, ignoring any
// earlier calls. It sleeps in slices of at most a millisecond and returns
// ctx.Err() if the context is cancelled in between.
func (l *RateLimiter) WaitN(ctx context.Context, n int64) error {
	delay := StrictDelay(n, l.rate.Load())
	if delay <= 0 {
		return nil
	}
	if err := l.guard.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.guard.Release(1)
	deadline := time.Now().Add(delay)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		sleepSlice(remaining)
	}
}

// WaitNTimer has the timing of WaitN but parks on a timer instead of
// looping.
func (l *RateLimiter) WaitNTimer(ctx context.Context, n int64) error {
	delay := StrictDelay(n, l.rate.Load())
	if delay <= 0 {
		return nil
	}
	if err := l.guard.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.guard.Release(1)
	return sleepCtx(ctx, delay)
}

// WaitTotal paces a caller that has processed total bytes since the clock
// origin. It reports whether a wait was needed; a false return is a skip and
// is recorded in the skip history. With pacing disabled it returns true
// without recording anything.
func (l *RateLimiter) WaitTotal(ctx context.Context, total int64) (bool, error) {
	rate := l.rate.Load()
	if rate <= 0 {
		return true, nil
	}
	l.mu.Lock()
	start := l.clockStart
	l.mu.Unlock()
	return l.waitTotal(ctx, total, rate, start)
}

// WaitTotalTimer is WaitTotal with a single timed suspension for the
// remaining delay.
func (l *RateLimiter) WaitTotalTimer(ctx context.Context, total int64) (bool, error) {
	rate := l.rate.Load()
	if rate <= 0 {
		return true, nil
	}
	l.mu.Lock()
	start := l.clockStart
	l.mu.Unlock()
	return l.waitTotalTimer(ctx, total, rate, start)
}

// Consume adds n bytes to the limiter-wide ledger and waits until the ledger
// is back on schedule. All streams sharing the limiter feed the same ledger,
// so together they stay within the target rate.
func (l *RateLimiter) Consume(ctx context.Context, n int64) (bool, error) {
	rate := l.rate.Load()
	if rate <= 0 {
		return true, nil
	}
	total, start := l.account(n)
	return l.waitTotal(ctx, total, rate, start)
}

// ConsumeTimer is Consume using the timer based wait.
func (l *RateLimiter) ConsumeTimer(ctx context.Context, n int64) (bool, error) {
	rate := l.rate.Load()
	if rate <= 0 {
		return true, nil
	}
	total, start := l.account(n)
	return l.waitTotalTimer(ctx, total, rate, start)
}

func (l *RateLimiter) account(n int64) (int64, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if l.idleReset > 0 && now.Sub(l.lastUse) > l.idleReset {
		l.resetLocked(now)
	}
	l.lastUse = now
	if n > 0 {
		l.ledger += n
	}
	return l.ledger, l.clockStart
}

func (l *RateLimiter) waitTotal(ctx context.Context, total, rate int64, start time.Time) (bool, error) {
	target := StrictDelay(total, rate)
	if target-time.Since(start) <= 0 {
		l.record(true)
		return false, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return true, err
		}
		if err := l.guard.Acquire(ctx, 1); err != nil {
			return true, err
		}
		// elapsed is re-read under the guard so time spent queueing for it
		// counts toward the schedule.
		remaining := target - time.Since(start)
		if remaining <= 0 {
			l.guard.Release(1)
			l.record(false)
			return true, nil
		}
		sleepSlice(remaining)
		l.guard.Release(1)
	}
}

func (l *RateLimiter) waitTotalTimer(ctx context.Context, total, rate int64, start time.Time) (bool, error) {
	target := StrictDelay(total, rate)
	if target-time.Since(start) <= 0 {
		l.record(true)
		return false, nil
	}
	if err := l.guard.Acquire(ctx, 1); err != nil {
		return true, err
	}
	defer l.guard.Release(1)
	if remaining := target - time.Since(start); remaining > 0 {
		if err := sleepCtx(ctx, remaining); err != nil {
			return true, err
		}
	}
	l.record(false)
	return true, nil
}

func (l *RateLimiter) record(skipped bool) {
	l.mu.Lock()
	l.skips.push(skipped)
	l.mu.Unlock()
}

// SkipCount is the number of skips among the last SkipHistorySize
// cumulative waits.
func (l *RateLimiter) SkipCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.skips.count
}

// SkipPercentage is SkipCount as a rounded percentage of the ring capacity.
// A high value means callers pace in chunks too small for the rate.
func (l *RateLimiter) SkipPercentage() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.skips.percentage()
}

// Snapshot is a point-in-time view of a limiter for monitoring.
type Snapshot struct {
	Name           string        `json:"name"`
	RateBps        int64         `json:"rate_bps"`
	SkipPercentage int           `json:"skip_percentage"`
	LedgerBytes    int64         `json:"ledger_bytes"`
	ClockAge       time.Duration `json:"clock_age_ns"`
}

func (l *RateLimiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Name:           l.name,
		RateBps:        l.rate.Load(),
		SkipPercentage: l.skips.percentage(),
		LedgerBytes:    l.ledger,
		ClockAge:       time.Since(l.clockStart),
	}
}

// sleepSlice yields when less than a slice remains and otherwise sleeps for
// at most one slice.
func sleepSlice(remaining time.Duration) {
	if remaining < maxSlice/10 {
		runtime.Gosched()
		return
	}
	time.Sleep(min(remaining, maxSlice))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// skipRing is a fixed window of skip flags with a running count.
type skipRing struct {
	buf   [SkipHistorySize]bool
	next  int
	size  int
	count int
}

func (r *skipRing) push(skipped bool) {
	if r.size == len(r.buf) {
		if r.buf[r.next] {
			r.count--
		}
	} else {
		r.size++
	}
	r.buf[r.next] = skipped
	if skipped {
		r.count++
	}
	r.next = (r.next + 1) % len(r.buf)
}

func (r *skipRing) clear() {
	*r = skipRing{}
}

func (r *skipRing) percentage() int {
	p := int(math.Round(float64(r.count) * 100 / float64(len(r.buf))))
	return max(0, min(100, p))
}
