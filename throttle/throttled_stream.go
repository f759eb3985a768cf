package throttle

import (
	"context"
	"io"
	"math"

	"slowpipe/limiter"
)

const (
	// ThreadCyclesPerSecond is how many pacing calls per second the
	// recommended chunk size aims for.
	ThreadCyclesPerSecond = 500

	// MaxInitialChunk caps the starting chunk size.
	MaxInitialChunk = 4096

	// Chunk growth kicks in when more than this share of recent cumulative
	// waits were skips.
	growthSkipPercent = 5
	initialCooldown   = 10
	growthCooldown    = 50
)

// RecommendedChunk is the chunk size that paces a stream at bitsPerSec in
// ThreadCyclesPerSecond steps. It is unbounded when pacing is disabled.
func RecommendedChunk(bitsPerSec int64) int {
	if bitsPerSec <= 0 {
		return math.MaxInt
	}
	return int(max(1, bitsPerSec/ThreadCyclesPerSecond))
}

// Options tune a Stream.
type Options struct {
	// AllowBurst selects cumulative pacing. Bursts above the rate are
	// tolerated as long as the long run average stays on target.
	AllowBurst bool
	// UseTimer parks on timers instead of the sliced sleep loop.
	UseTimer bool
}

// Stream paces reads and writes on an underlying duplex stream through a
// RateLimiter. A Stream is driven by one goroutine; the limiter may be
// shared.
type Stream struct {
	ctx context.Context
	rw  io.ReadWriteCloser
	lim *limiter.RateLimiter
	opt Options

	chunkSize  int
	cooldown   int
	totalBytes int64
}

// New wraps rw. Pacing waits are cancelled with ctx.
func New(ctx context.Context, rw io.ReadWriteCloser, lim *limiter.RateLimiter, opt Options) *Stream {
	return &Stream{
		ctx:       ctx,
		rw:        rw,
		lim:       lim,
		opt:       opt,
		chunkSize: min(RecommendedChunk(lim.Rate()), MaxInitialChunk),
		cooldown:  initialCooldown,
	}
}

func (s *Stream) Limiter() *limiter.RateLimiter {
	return s.lim
}

// ChunkSize is the current maximum write size handed to the underlying
// stream per pacing step.
func (s *Stream) ChunkSize() int {
	return s.chunkSize
}

// TotalBytes is the number of bytes read and written through the stream.
func (s *Stream) TotalBytes() int64 {
	return s.totalBytes
}

// Read reads from the underlying stream and paces the bytes it got.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.rw.Read(p)
	if n > 0 {
		s.totalBytes += int64(n)
		if perr := s.pace(int64(n)); perr != nil {
			return n, perr
		}
	}
	return n, err
}

// Write writes p in chunks of at most ChunkSize bytes, pacing after each.
func (s *Stream) Write(p []byte) (int, error) {
	if s.lim.Rate() <= 0 {
		n, err := s.rw.Write(p)
		s.totalBytes += int64(n)
		return n, err
	}

	written := 0
	for written < len(p) {
		chunk := p[written:min(len(p), written+s.chunkSize)]
		n, err := s.rw.Write(chunk)
		written += n
		s.totalBytes += int64(n)
		if err != nil {
			return written, err
		}
		if n < len(chunk) {
			return written, io.ErrShortWrite
		}

		if err := s.pace(int64(n)); err != nil {
			return written, err
		}
		if s.opt.AllowBurst {
			s.adapt()
		}
	}
	return written, nil
}

// adapt grows the chunk when the limiter keeps finding us behind schedule,
// meaning pacing calls are too frequent for the configured rate.
func (s *Stream) adapt() {
	if s.cooldown == 0 && s.lim.SkipPercentage() > growthSkipPercent {
		s.chunkSize += max(1, s.chunkSize/10)
		s.cooldown = growthCooldown
	}
	s.cooldown = max(0, s.cooldown-1)
}

func (s *Stream) pace(n int64) error {
	var err error
	switch {
	case s.opt.AllowBurst && s.opt.UseTimer:
		_, err = s.lim.ConsumeTimer(s.ctx, n)
	case s.opt.AllowBurst:
		_, err = s.lim.Consume(s.ctx, n)
	case s.opt.UseTimer:
		err = s.lim.WaitNTimer(s.ctx, n)
	default:
		err = s.lim.WaitN(s.ctx, n)
	}
	return err
}

// Close closes the underlying stream. The limiter is left untouched since it
// may be shared.
func (s *Stream) Close() error {
	return s.rw.Close()
}
