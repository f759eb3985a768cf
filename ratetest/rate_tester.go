package main

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"time"

	"github.com/juju/ratelimit"
	"go.uber.org/zap"
)

// Result is the outcome of a push run.
type Result struct {
	Bytes   int64
	Elapsed time.Duration
}

func (r Result) BitsPerSecond() float64 {
	secs := r.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(r.Bytes) * 8 / secs
}

// RateTester measures what a relay actually delivers.
type RateTester struct {
	log *zap.Logger
}

func NewRateTester(log *zap.Logger) *RateTester {
	return &RateTester{log: log}
}

// Push dials addr and writes random bytes for d, at most sourceBps bits per
// second when sourceBps > 0.
func (rt *RateTester) Push(ctx context.Context, addr string, sourceBps int64, d time.Duration) (Result, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()
	return rt.push(ctx, conn, sourceBps, d)
}

func (rt *RateTester) push(ctx context.Context, conn net.Conn, sourceBps int64, d time.Duration) (Result, error) {
	var w io.Writer = conn
	if sourceBps > 0 {
		bytesPerSec := max(sourceBps/8, 1)
		bucket := ratelimit.NewBucketWithRate(float64(bytesPerSec), max(bytesPerSec/10, 1))
		w = ratelimit.Writer(conn, bucket)
	}

	buf := make([]byte, 4096)
	if _, err := rand.Read(buf); err != nil {
		return Result{}, err
	}

	end := time.Now().Add(d)
	start := time.Now()
	var total int64
	for time.Now().Before(end) && ctx.Err() == nil {
		// keep a stalled relay from holding the loop past the end time
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		n, err := w.Write(buf)
		total += int64(n)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				rt.log.Debug("write timeout during push", zap.Error(err))
				continue
			}
			return Result{Bytes: total, Elapsed: time.Since(start)}, err
		}
	}
	return Result{Bytes: total, Elapsed: time.Since(start)}, nil
}

// Listen accepts connections on addr until ctx is done. Each connection is
// drained, or echoed when echo is set, and its receive rate logged on close.
func (rt *RateTester) Listen(ctx context.Context, addr string, echo bool) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	rt.log.Info("listening", zap.String("addr", ln.Addr().String()), zap.Bool("echo", echo))
	return rt.serve(ctx, ln, echo, nil)
}

func (rt *RateTester) serve(ctx context.Context, ln net.Listener, echo bool, results chan<- Result) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func(c net.Conn) {
			defer c.Close()
			res := rt.drain(c, echo)
			rt.log.Info("connection finished",
				zap.Stringer("remote", c.RemoteAddr()),
				zap.Int64("bytes", res.Bytes),
				zap.Duration("elapsed", res.Elapsed),
				zap.Float64("received_bps", res.BitsPerSecond()))
			if results != nil {
				results <- res
			}
		}(conn)
	}
}

func (rt *RateTester) drain(c net.Conn, echo bool) Result {
	buf := make([]byte, 4096)
	start := time.Now()
	var total int64
	for {
		n, err := c.Read(buf)
		total += int64(n)
		if n > 0 && echo {
			if _, werr := c.Write(buf[:n]); werr != nil {
				rt.log.Debug("echo write error", zap.Error(werr))
				break
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				rt.log.Debug("read error", zap.Error(err))
			}
			break
		}
	}
	return Result{Bytes: total, Elapsed: time.Since(start)}
}
