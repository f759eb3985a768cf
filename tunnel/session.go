package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"slowpipe/limiter"
	"slowpipe/throttle"
)

// ErrConnect is wrapped by the error Run returns when the destination
// cannot be reached.
var ErrConnect = errors.New("connection cannot be established")

const (
	minCopyBuffer = 64
	maxCopyBuffer = 64 * 1024
)

// State is the lifecycle stage of a Session.
type State int32

const (
	Connecting State = iota
	Relaying
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Relaying:
		return "relaying"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dialer opens the outbound connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Observer receives session lifecycle and traffic events. Implementations
// must be safe for concurrent use.
type Observer interface {
	SessionOpened(s *Session)
	SessionClosed(s *Session, err error)
	BytesRelayed(s *Session, dir Direction, n int)
}

// Direction names one half of a tunnel.
type Direction string

const (
	// Send carries bytes from the accepted connection to the destination.
	Send Direction = "send"
	// Receive carries bytes from the destination back to the client.
	Receive Direction = "receive"
)

// Config describes one tunnel.
type Config struct {
	Destination string
	SendRate    int64 // bits per second
	// ReceiveRate is optional. When nil the receive direction draws from
	// the send limiter, coupling both directions into one budget.
	ReceiveRate *int64
	Limiters    LimiterPolicy
	Stream      throttle.Options

	Dialer   Dialer
	Observer Observer
	Logger   *zap.Logger
}

// Session relays one accepted connection to its destination.
type Session struct {
	ID      uuid.UUID
	inbound net.Conn
	cfg     Config
	log     *zap.Logger

	mu      sync.Mutex
	state   State
	started bool
	send    *limiter.RateLimiter
	recv    *limiter.RateLimiter
}

// NewSession prepares a session for inbound. It does not dial.
func NewSession(inbound net.Conn, cfg Config) *Session {
	if cfg.Limiters == nil {
		cfg.Limiters = PrivatePair{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	id := uuid.New()
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("session", id.String()), zap.String("destination", cfg.Destination))
	s := &Session{ID: id, inbound: inbound, cfg: cfg, log: log, state: Connecting}
	s.send, s.recv = cfg.Limiters.limiters(cfg.SendRate, cfg.ReceiveRate)
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Destination is the configured outbound address.
func (s *Session) Destination() string {
	return s.cfg.Destination
}

// RemoteAddr is the address of the accepted client.
func (s *Session) RemoteAddr() net.Addr {
	return s.inbound.RemoteAddr()
}

// Limiters returns the send and receive limiters. They are the same
// instance when no receive rate was configured.
func (s *Session) Limiters() (send, receive *limiter.RateLimiter) {
	return s.send, s.recv
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run dials the destination and relays until either direction ends. Both
// connections are closed when Run returns. A clean end of stream returns
// nil. A session runs at most once.
func (s *Session) Run(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session %s already used", s.ID)
	}
	s.started = true
	s.mu.Unlock()
	if s.cfg.Observer != nil {
		s.cfg.Observer.SessionOpened(s)
		defer func() { s.cfg.Observer.SessionClosed(s, err) }()
	}
	defer s.setState(Closed)

	outbound, err := s.cfg.Dialer.DialContext(ctx, "tcp", s.cfg.Destination)
	if err != nil {
		s.inbound.Close()
		return fmt.Errorf("%w: dial %s: %w", ErrConnect, s.cfg.Destination, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outboundThrottled := throttle.New(ctx, outbound, s.send, s.cfg.Stream)
	inboundThrottled := throttle.New(ctx, s.inbound, s.recv, s.cfg.Stream)

	s.setState(Relaying)
	s.log.Debug("session relaying",
		zap.Stringer("client", s.inbound.RemoteAddr()),
		zap.Int64("send_bps", s.send.Rate()),
		zap.Int64("receive_bps", s.recv.Rate()),
		zap.Bool("coupled", s.send == s.recv))

	// Every copy loop reports exactly once; the first report ends the session.
	done := make(chan error, 2)
	go func() {
		done <- s.relay(outboundThrottled, s.inbound, Send, s.send.Rate())
	}()
	go func() {
		done <- s.relay(inboundThrottled, outbound, Receive, s.recv.Rate())
	}()

	pending := 2
	var first error
	select {
	case first = <-done:
		pending--
	case <-ctx.Done():
		first = ctx.Err()
	}
	cancel()
	outboundThrottled.Close()
	inboundThrottled.Close()
	for ; pending > 0; pending-- {
		<-done
	}

	s.log.Debug("session closed",
		zap.Int64("sent_bytes", outboundThrottled.TotalBytes()),
		zap.Int64("received_bytes", inboundThrottled.TotalBytes()),
		zap.Error(first))
	if isExpectedClose(first) {
		return nil
	}
	return first
}

func (s *Session) relay(dst io.Writer, src io.Reader, dir Direction, rate int64) error {
	var onWrite func(int)
	if s.cfg.Observer != nil {
		onWrite = func(n int) { s.cfg.Observer.BytesRelayed(s, dir, n) }
	}
	_, err := copyLoop(dst, src, make([]byte, CopyBufferSize(rate)), onWrite)
	if err != nil {
		return fmt.Errorf("%s: %w", dir, err)
	}
	return nil
}

// copyLoop moves bytes from src to dst until end of stream or the first
// error. Unlike io.Copy it never hands off to ReaderFrom or WriterTo, so
// every byte goes through dst.Write with buf sized reads.
func copyLoop(dst io.Writer, src io.Reader, buf []byte, onWrite func(int)) (int64, error) {
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if w > 0 && onWrite != nil {
				onWrite(w)
			}
			if werr != nil {
				return total, fmt.Errorf("write: %w", werr)
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, fmt.Errorf("read: %w", rerr)
		}
	}
}

// CopyBufferSize is roughly twice the recommended chunk for rate.
func CopyBufferSize(rate int64) int {
	chunk := throttle.RecommendedChunk(rate)
	if chunk > maxCopyBuffer/2 {
		return maxCopyBuffer
	}
	return max(minCopyBuffer, 2*chunk)
}

// isExpectedClose reports whether err is the normal way a relay ends: end
// of stream, or teardown closing the socket from under a loop.
func isExpectedClose(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}
