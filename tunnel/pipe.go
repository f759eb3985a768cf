package tunnel

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"slowpipe/limiter"
	"slowpipe/throttle"
)

// pipeExitGrace is how long a cancelled Pipe waits for its copy loop before
// leaving it blocked in Read.
const pipeExitGrace = 100 * time.Millisecond

// duplex joins a reader and a writer into the stream a throttle.Stream
// wraps.
type duplex struct {
	io.Reader
	io.Writer
}

// Close is a no-op: the process owns stdin and stdout.
func (duplex) Close() error { return nil }

type copyResult struct {
	n   int64
	err error
}

// Pipe copies in to out at rate bits per second until in reaches end of
// stream, returning the number of bytes copied. No tunnel and no limiter
// sharing are involved. out is not closed.
//
// Pipe returns once ctx is done even if in is blocked in Read, as with an
// interactive stdin. The copy loop is then abandoned.
func Pipe(ctx context.Context, in io.Reader, out io.Writer, rate int64, opt throttle.Options, lopts ...limiter.Option) (int64, error) {
	lim := limiter.New(rate, append([]limiter.Option{limiter.WithName("pipe")}, lopts...)...)
	dst := throttle.New(ctx, duplex{Reader: in, Writer: out}, lim, opt)

	var copied atomic.Int64
	done := make(chan copyResult, 1)
	go func() {
		n, err := copyLoop(dst, in, make([]byte, CopyBufferSize(rate)), func(n int) { copied.Add(int64(n)) })
		done <- copyResult{n: n, err: err}
	}()

	select {
	case r := <-done:
		return r.n, r.err
	case <-ctx.Done():
	}
	select {
	case r := <-done:
		return r.n, r.err
	case <-time.After(pipeExitGrace):
		return copied.Load(), ctx.Err()
	}
}
