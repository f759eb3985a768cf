package tunnel

import "slowpipe/limiter"

// LimiterPolicy decides which limiters a session paces against.
type LimiterPolicy interface {
	limiters(sendRate int64, receiveRate *int64) (send, receive *limiter.RateLimiter)
}

// PrivatePair gives every session its own limiters, built from the session
// rates.
type PrivatePair struct {
	Options []limiter.Option
}

func (p PrivatePair) limiters(sendRate int64, receiveRate *int64) (*limiter.RateLimiter, *limiter.RateLimiter) {
	send := limiter.New(sendRate, append([]limiter.Option{limiter.WithName("send")}, p.Options...)...)
	if receiveRate == nil {
		return send, send
	}
	return send, limiter.New(*receiveRate, append([]limiter.Option{limiter.WithName("receive")}, p.Options...)...)
}

// SharedPair hands every session the same limiters, enforcing one budget
// per direction across all of them. A nil Receive shares Send.
type SharedPair struct {
	Send    *limiter.RateLimiter
	Receive *limiter.RateLimiter
}

// NewSharedPair builds the process wide limiters for the given rates.
func NewSharedPair(sendRate int64, receiveRate *int64, opts ...limiter.Option) SharedPair {
	send, recv := PrivatePair{Options: opts}.limiters(sendRate, receiveRate)
	if recv == send {
		recv = nil
	}
	return SharedPair{Send: send, Receive: recv}
}

func (p SharedPair) limiters(int64, *int64) (*limiter.RateLimiter, *limiter.RateLimiter) {
	if p.Receive == nil {
		return p.Send, p.Send
	}
	return p.Send, p.Receive
}
