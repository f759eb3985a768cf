package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"slowpipe/status"
)

// Server is a small HTTP API for inspecting sessions and retuning limiters.
// Construct with NewServer(monitor, listenAddr, log)
type Server struct {
	monitor    *status.Monitor
	listenAddr string
	router     *chi.Mux
	httpSrv    *http.Server
	ln         net.Listener
	log        *zap.Logger
}

// NewServer creates a new API server instance.
func NewServer(monitor *status.Monitor, listenAddr string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{monitor: monitor, listenAddr: listenAddr, log: log.Named("api")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(monitor.Registry(), promhttp.HandlerOpts{}))
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/limiters", s.handleLimiters)
		r.Put("/limiters/{name}", s.handleSetRate)
		r.Get("/sessions", s.handleSessions)
	})
	s.router = r
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr is the bound address once Start has returned.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.listenAddr
	}
	return s.ln.Addr().String()
}

// Start begins listening and serving. It returns after the server has started or an error.
func (s *Server) Start() error {
	h := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpSrv = h

	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Info("listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := h.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop attempts a graceful shutdown with a 5s timeout.
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

type healthDTO struct {
	Status   string          `json:"status"`
	Counters status.Counters `json:"counters"`
}

type rateRequest struct {
	Rate *int64 `json:"rate"`
}

type errorDTO struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthDTO{Status: "ok", Counters: s.monitor.Counters()})
}

func (s *Server) handleLimiters(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitor.Limiters())
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.monitor.Sessions()
	if list == nil {
		list = []status.SessionInfo{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSetRate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	lim, ok := s.monitor.GetLimiter(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown limiter "+name)
		return
	}

	var req rateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.Rate == nil {
		writeError(w, http.StatusBadRequest, `body must be {"rate": <bits per second>}`)
		return
	}
	if *req.Rate < 0 {
		writeError(w, http.StatusBadRequest, "rate must not be negative")
		return
	}

	lim.SetRate(*req.Rate)
	s.log.Info("limiter rate changed", zap.String("limiter", name), zap.Int64("rate_bps", *req.Rate))
	snap := lim.Snapshot()
	snap.Name = name
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.log.Warn("encode error", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorDTO{Error: msg})
}
