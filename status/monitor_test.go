package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slowpipe/limiter"
	"slowpipe/tunnel"
)

func newTestSession(t *testing.T) *tunnel.Session {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return tunnel.NewSession(a, tunnel.Config{Destination: "127.0.0.1:9", SendRate: 8000})
}

func TestMonitor_SessionLifecycle(t *testing.T) {
	m := NewMonitor(nil)
	s := newTestSession(t)

	m.SessionOpened(s)
	m.BytesRelayed(s, tunnel.Send, 100)
	m.BytesRelayed(s, tunnel.Receive, 40)
	m.BytesRelayed(s, tunnel.Send, 1)

	list := m.Sessions()
	require.Len(t, list, 1)
	assert.Equal(t, s.ID.String(), list[0].ID)
	assert.Equal(t, "127.0.0.1:9", list[0].Destination)
	assert.Equal(t, "connecting", list[0].State)
	assert.Equal(t, int64(101), list[0].SentBytes)
	assert.Equal(t, int64(40), list[0].ReceivedBytes)

	c := m.Counters()
	assert.Equal(t, int64(1), c.Active)
	assert.Equal(t, int64(1), c.Total)

	m.SessionClosed(s, nil)
	assert.Empty(t, m.Sessions())
	c = m.Counters()
	assert.Equal(t, int64(0), c.Active)
	assert.Equal(t, int64(1), c.Total)
	assert.Equal(t, int64(0), c.ConnectFailure)

	assert.InDelta(t, 101, testutil.ToFloat64(m.metricBytes.WithLabelValues("send")), 0)
	assert.InDelta(t, 40, testutil.ToFloat64(m.metricBytes.WithLabelValues("receive")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.metricActive), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.metricTotal), 0)
}

func TestMonitor_CountsConnectFailures(t *testing.T) {
	m := NewMonitor(nil)
	s := newTestSession(t)

	m.SessionOpened(s)
	m.SessionClosed(s, fmt.Errorf("%w: dial: refused", tunnel.ErrConnect))
	other := newTestSession(t)
	m.SessionOpened(other)
	m.SessionClosed(other, errors.New("send: write: broken pipe"))

	assert.Equal(t, int64(1), m.Counters().ConnectFailure)
	assert.InDelta(t, 1, testutil.ToFloat64(m.metricConnectErr), 0)
}

func TestMonitor_Limiters(t *testing.T) {
	m := NewMonitor(nil)
	m.RegisterLimiter("send", limiter.New(8000))
	m.RegisterLimiter("global", limiter.New(56000, limiter.WithName("other")))

	l, ok := m.GetLimiter("send")
	require.True(t, ok)
	assert.Equal(t, int64(8000), l.Rate())
	_, ok = m.GetLimiter("missing")
	assert.False(t, ok)

	snaps := m.Limiters()
	require.Len(t, snaps, 2)
	assert.Equal(t, "global", snaps[0].Name, "registered name wins over limiter name")
	assert.Equal(t, "send", snaps[1].Name)

	expected := `
# HELP slowpipe_limiter_rate_bps Target rate of a registered limiter in bits per second
# TYPE slowpipe_limiter_rate_bps gauge
slowpipe_limiter_rate_bps{limiter="global"} 56000
slowpipe_limiter_rate_bps{limiter="send"} 8000
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "slowpipe_limiter_rate_bps")
	assert.NoError(t, err)
}

func TestMonitor_RelayedSessionUpdatesCounters(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Write([]byte("hello"))
			c.Close()
		}
	}()

	client, inbound := net.Pipe()
	defer client.Close()
	m := NewMonitor(nil)
	s := tunnel.NewSession(inbound, tunnel.Config{
		Destination: ln.Addr().String(),
		SendRate:    800_000_000,
		Observer:    m,
	})
	go func() {
		buf := make([]byte, 16)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()
	require.NoError(t, s.Run(context.Background()))

	c := m.Counters()
	assert.Equal(t, int64(0), c.Active)
	assert.Equal(t, int64(1), c.Total)
	assert.InDelta(t, 5, testutil.ToFloat64(m.metricBytes.WithLabelValues("receive")), 0)
}
