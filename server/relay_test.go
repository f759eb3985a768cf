package server

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slowpipe/limiter"
	"slowpipe/status"
	"slowpipe/throttle"
)

// echoServer echoes every connection until the test ends.
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

func startRelay(t *testing.T, r *Relay) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Serve(ctx, ln) }()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-errc:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Error("relay did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return ln.Addr().String(), stop
}

func roundTrip(t *testing.T, addr, msg string) {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if !assert.NoError(t, err) {
		return
	}
	defer c.Close()
	_, err = c.Write([]byte(msg))
	if !assert.NoError(t, err) {
		return
	}
	buf := make([]byte, len(msg))
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(c, buf)
	assert.NoError(t, err)
	assert.Equal(t, msg, string(buf))
}

func TestRelay_ServesConcurrentClients(t *testing.T) {
	mon := status.NewMonitor(nil)
	r := NewRelay(Options{Destination: echoServer(t), SendRate: 800_000_000, Observer: mon}, mon)
	addr, _ := startRelay(t, r)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			roundTrip(t, addr, "hello through the modem")
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		return mon.Counters().Total == 4 && mon.Counters().Active == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, mon.Limiters(), "private limiters are not registered")
}

func TestRelay_GlobalRegistersSharedLimiters(t *testing.T) {
	mon := status.NewMonitor(nil)
	recv := int64(16000)
	NewRelay(Options{Destination: "127.0.0.1:1", SendRate: 8000, ReceiveRate: &recv, Global: true}, mon)

	snaps := mon.Limiters()
	require.Len(t, snaps, 2)
	assert.Equal(t, "receive", snaps[0].Name)
	assert.Equal(t, int64(16000), snaps[0].RateBps)
	assert.Equal(t, "send", snaps[1].Name)

	coupled := status.NewMonitor(nil)
	NewRelay(Options{Destination: "127.0.0.1:1", SendRate: 8000, Global: true}, coupled)
	assert.Len(t, coupled.Limiters(), 1)
}

func TestRelay_ConnectFailureKeepsServing(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.Addr().String()
	dead.Close()

	mon := status.NewMonitor(nil)
	r := NewRelay(Options{Destination: deadAddr, SendRate: 8000, Observer: mon}, mon)
	addr, _ := startRelay(t, r)

	for i := 0; i < 2; i++ {
		c, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		c.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err = c.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
		c.Close()
	}
	assert.Eventually(t, func() bool {
		return mon.Counters().ConnectFailure == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRelay_StopEndsActiveSessions(t *testing.T) {
	r := NewRelay(Options{Destination: echoServer(t), SendRate: 8000}, nil)
	addr, stop := startRelay(t, r)

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("x"))
	require.NoError(t, err)
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(c, make([]byte, 1))
	require.NoError(t, err, "echo arrives before shutdown")

	stop()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadAll(c)
	assert.NoError(t, err, "client sees a clean close after shutdown")
}

func TestRelay_IdleResetOption(t *testing.T) {
	mon := status.NewMonitor(nil)
	r := NewRelay(Options{Destination: "127.0.0.1:1", SendRate: 8000, Global: true, IdleReset: time.Minute}, mon)
	require.NotNil(t, r.policy)
	l, ok := mon.GetLimiter("send")
	require.True(t, ok)
	assert.IsType(t, &limiter.RateLimiter{}, l)
	assert.Equal(t, time.Minute, l.IdleReset())
}

func TestRelay_GlobalClockStartsWithFirstClient(t *testing.T) {
	mon := status.NewMonitor(nil)
	r := NewRelay(Options{
		Destination: echoServer(t),
		SendRate:    8000,
		Global:      true,
		Stream:      throttle.Options{AllowBurst: true},
		Observer:    mon,
	}, mon)
	addr, _ := startRelay(t, r)

	// Idle time before the first client would otherwise be banked as credit.
	time.Sleep(150 * time.Millisecond)
	before := time.Now()
	roundTrip(t, addr, "x")

	l, ok := mon.GetLimiter("send")
	require.True(t, ok)
	assert.LessOrEqual(t, l.Snapshot().ClockAge, time.Since(before))
}
