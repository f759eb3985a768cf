package status

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"slowpipe/limiter"
	"slowpipe/tunnel"
)

// Monitor tracks live sessions and registered limiters. It implements
// tunnel.Observer.
type Monitor struct {
	activeSessions atomic.Int64
	totalSessions  atomic.Int64
	failedConnects atomic.Int64

	sessions   sync.Map // uuid.UUID -> *sessionEntry
	limiterMu  sync.RWMutex
	limiterMap map[string]*limiter.RateLimiter
	meters     map[tunnel.Direction]*RateMeter

	registry         *prometheus.Registry
	metricActive     prometheus.Gauge
	metricTotal      prometheus.Counter
	metricConnectErr prometheus.Counter
	metricBytes      *prometheus.CounterVec

	log *zap.Logger
}

type sessionEntry struct {
	session  *tunnel.Session
	started  time.Time
	sent     atomic.Int64
	received atomic.Int64
}

// SessionInfo is the exported view of one live session.
type SessionInfo struct {
	ID            string    `json:"id"`
	Client        string    `json:"client"`
	Destination   string    `json:"destination"`
	State         string    `json:"state"`
	Started       time.Time `json:"started"`
	SentBytes     int64     `json:"sent_bytes"`
	ReceivedBytes int64     `json:"received_bytes"`
}

// Counters is a snapshot of the session counters.
type Counters struct {
	Active         int64 `json:"active"`
	Total          int64 `json:"total"`
	ConnectFailure int64 `json:"connect_failures"`
	SendBps        int64 `json:"send_bps"`
	ReceiveBps     int64 `json:"receive_bps"`
}

func NewMonitor(log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Monitor{
		limiterMap: make(map[string]*limiter.RateLimiter),
		meters: map[tunnel.Direction]*RateMeter{
			tunnel.Send:    NewRateMeter(),
			tunnel.Receive: NewRateMeter(),
		},
		registry: reg,
		metricActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "slowpipe_sessions_active",
			Help: "The number of tunnel sessions currently relaying",
		}),
		metricTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "slowpipe_sessions_total",
			Help: "Total number of accepted tunnel sessions",
		}),
		metricConnectErr: factory.NewCounter(prometheus.CounterOpts{
			Name: "slowpipe_connect_failures_total",
			Help: "Total number of sessions whose destination could not be reached",
		}),
		metricBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slowpipe_bytes_total",
			Help: "Total number of payload bytes relayed",
		}, []string{"direction"}),
		log: log,
	}
	reg.MustRegister(&limiterCollector{m: m})
	return m
}

// Registry is the Prometheus registry holding the monitor's metrics.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterLimiter makes a limiter visible to the API and metrics under name.
func (m *Monitor) RegisterLimiter(name string, l *limiter.RateLimiter) {
	m.limiterMu.Lock()
	m.limiterMap[name] = l
	m.limiterMu.Unlock()
}

// GetLimiter returns the limiter registered under name.
func (m *Monitor) GetLimiter(name string) (*limiter.RateLimiter, bool) {
	m.limiterMu.RLock()
	defer m.limiterMu.RUnlock()
	l, ok := m.limiterMap[name]
	return l, ok
}

// Limiters returns snapshots of all registered limiters sorted by name.
func (m *Monitor) Limiters() []limiter.Snapshot {
	m.limiterMu.RLock()
	out := make([]limiter.Snapshot, 0, len(m.limiterMap))
	for name, l := range m.limiterMap {
		snap := l.Snapshot()
		snap.Name = name
		out = append(out, snap)
	}
	m.limiterMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Monitor) SessionOpened(s *tunnel.Session) {
	m.activeSessions.Add(1)
	m.totalSessions.Add(1)
	m.metricActive.Inc()
	m.metricTotal.Inc()
	m.sessions.Store(s.ID, &sessionEntry{session: s, started: time.Now()})
}

func (m *Monitor) SessionClosed(s *tunnel.Session, err error) {
	m.activeSessions.Add(-1)
	m.metricActive.Dec()
	m.sessions.Delete(s.ID)
	if err != nil && errors.Is(err, tunnel.ErrConnect) {
		m.failedConnects.Add(1)
		m.metricConnectErr.Inc()
	}
}

func (m *Monitor) BytesRelayed(s *tunnel.Session, dir tunnel.Direction, n int) {
	m.metricBytes.WithLabelValues(string(dir)).Add(float64(n))
	if meter, ok := m.meters[dir]; ok {
		meter.Record(int64(n))
	}
	v, ok := m.sessions.Load(s.ID)
	if !ok {
		return
	}
	e := v.(*sessionEntry)
	if dir == tunnel.Send {
		e.sent.Add(int64(n))
	} else {
		e.received.Add(int64(n))
	}
}

// Sessions lists live sessions, oldest first.
func (m *Monitor) Sessions() []SessionInfo {
	var out []SessionInfo
	m.sessions.Range(func(key, value any) bool {
		e := value.(*sessionEntry)
		client := ""
		if addr := e.session.RemoteAddr(); addr != nil {
			client = addr.String()
		}
		out = append(out, SessionInfo{
			ID:            key.(uuid.UUID).String(),
			Client:        client,
			Destination:   e.session.Destination(),
			State:         e.session.State().String(),
			Started:       e.started,
			SentBytes:     e.sent.Load(),
			ReceivedBytes: e.received.Load(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

func (m *Monitor) Counters() Counters {
	return Counters{
		Active:         m.activeSessions.Load(),
		Total:          m.totalSessions.Load(),
		ConnectFailure: m.failedConnects.Load(),
		SendBps:        m.meters[tunnel.Send].BitsPerSecond(),
		ReceiveBps:     m.meters[tunnel.Receive].BitsPerSecond(),
	}
}

// StartPeriodicLogging logs the counters every interval until ctx is done.
func (m *Monitor) StartPeriodicLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			c := m.Counters()
			m.log.Info("monitor",
				zap.Int64("active_sessions", c.Active),
				zap.Int64("total_sessions", c.Total),
				zap.Int64("connect_failures", c.ConnectFailure),
				zap.Int64("send_bps", c.SendBps),
				zap.Int64("receive_bps", c.ReceiveBps),
				zap.Int("goroutines", runtime.NumGoroutine()),
				zap.Uint64("heap_alloc_mb", ms.HeapAlloc/1024/1024),
			)
		}
	}()
}

// limiterCollector exports registered limiters at scrape time.
type limiterCollector struct {
	m *Monitor
}

var (
	limiterRateDesc = prometheus.NewDesc("slowpipe_limiter_rate_bps",
		"Target rate of a registered limiter in bits per second", []string{"limiter"}, nil)
	limiterSkipDesc = prometheus.NewDesc("slowpipe_limiter_skip_percent",
		"Share of recent cumulative waits that needed no wait", []string{"limiter"}, nil)
)

func (c *limiterCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- limiterRateDesc
	ch <- limiterSkipDesc
}

func (c *limiterCollector) Collect(ch chan<- prometheus.Metric) {
	for _, snap := range c.m.Limiters() {
		ch <- prometheus.MustNewConstMetric(limiterRateDesc, prometheus.GaugeValue, float64(snap.RateBps), snap.Name)
		ch <- prometheus.MustNewConstMetric(limiterSkipDesc, prometheus.GaugeValue, float64(snap.SkipPercentage), snap.Name)
	}
}
