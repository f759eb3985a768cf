// Package server accepts tunnel clients and runs one session per
// connection.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"slowpipe/limiter"
	"slowpipe/throttle"
	"slowpipe/tunnel"
)

// Options configures a Relay.
type Options struct {
	Destination string
	SendRate    int64
	ReceiveRate *int64
	// Global makes every session draw from one process wide limiter pair.
	Global    bool
	IdleReset time.Duration
	Stream    throttle.Options
	Observer  tunnel.Observer
	Logger    *zap.Logger
}

// LimiterRegistry is told about limiters that outlive a single session.
type LimiterRegistry interface {
	RegisterLimiter(name string, l *limiter.RateLimiter)
}

// Relay runs a session for every connection accepted on a listener.
type Relay struct {
	opts   Options
	policy tunnel.LimiterPolicy
	shared []*limiter.RateLimiter
	active atomic.Int64
	log    *zap.Logger
	wg     sync.WaitGroup
}

// NewRelay builds the limiter policy for opts. With Global set the shared
// limiters are registered with reg under "send" and "receive".
func NewRelay(opts Options, reg LimiterRegistry) *Relay {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	var lopts []limiter.Option
	if opts.IdleReset > 0 {
		lopts = append(lopts, limiter.WithIdleReset(opts.IdleReset))
	}

	r := &Relay{opts: opts, log: log.Named("relay")}
	if opts.Global {
		pair := tunnel.NewSharedPair(opts.SendRate, opts.ReceiveRate, lopts...)
		if reg != nil {
			reg.RegisterLimiter("send", pair.Send)
			if pair.Receive != nil {
				reg.RegisterLimiter("receive", pair.Receive)
			}
		}
		r.policy = pair
		r.shared = []*limiter.RateLimiter{pair.Send}
		if pair.Receive != nil {
			r.shared = append(r.shared, pair.Receive)
		}
	} else {
		r.policy = tunnel.PrivatePair{Options: lopts}
	}
	return r
}

// ListenAndServe listens on addr and serves until ctx is done.
func (r *Relay) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return r.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is done, then closes ln, cancels the running
// sessions and waits for them. It returns nil after a ctx shutdown.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	r.log.Info("listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("destination", r.opts.Destination),
		zap.Int64("send_bps", r.opts.SendRate),
		zap.Bool("global", r.opts.Global))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				r.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				tempDelay = min(max(2*tempDelay, 5*time.Millisecond), time.Second)
				r.log.Warn("accept error, retrying", zap.Error(err), zap.Duration("delay", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			cancel()
			r.wg.Wait()
			return err
		}
		tempDelay = 0

		s := tunnel.NewSession(conn, tunnel.Config{
			Destination: r.opts.Destination,
			SendRate:    r.opts.SendRate,
			ReceiveRate: r.opts.ReceiveRate,
			Limiters:    r.policy,
			Stream:      r.opts.Stream,
			Observer:    r.opts.Observer,
			Logger:      r.log,
		})
		// Shared limiters restart whenever the relay leaves idle.
		if r.active.Add(1) == 1 {
			for _, l := range r.shared {
				l.Reset()
			}
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.active.Add(-1)
			if err := s.Run(ctx); err != nil {
				if errors.Is(err, tunnel.ErrConnect) {
					r.log.Warn("destination unreachable", zap.Stringer("client", conn.RemoteAddr()), zap.Error(err))
					return
				}
				r.log.Info("session ended with error", zap.String("session", s.ID.String()), zap.Error(err))
			}
		}()
	}
}
