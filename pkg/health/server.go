// Package health serves liveness, readiness and Prometheus metrics for the
// gateway.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusFunc reports the current connection state and whether it counts
// as ready.
type StatusFunc func() (state string, ready bool)

type Server struct {
	server  *http.Server
	status  StatusFunc
	started time.Time

	mu       sync.Mutex
	listener net.Listener
}

type response struct {
	Status string `json:"status"`
	State  string `json:"state,omitempty"`
	Uptime string `json:"uptime,omitempty"`
}

func NewServer(host string, port int, status StatusFunc) *Server {
	s := &Server{
		status:  status,
		started: time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:              net.JoinHostPort(host, fmt.Sprint(port)),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start listens and serves until Stop. It returns http.ErrServerClosed after
// a clean stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return s.server.Serve(ln)
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, _ *http.Request) {
	state, ready := "", true
	if s.status != nil {
		state, ready = s.status()
	}
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, response{Status: "not ready", State: state})
		return
	}
	writeJSON(w, http.StatusOK, response{Status: "ready", State: state})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
