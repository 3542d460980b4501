// Package diag serves read-only controller and queue pair statistics over
// HTTP.
//
// Queue pairs are single-goroutine objects, so handlers never touch them.
// The owning worker publishes a Snapshot and handlers serve the latest one.
package diag

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/ehrlich-b/go-nvmeq/internal/ctrl"
	"github.com/ehrlich-b/go-nvmeq/internal/emu"
	"github.com/ehrlich-b/go-nvmeq/internal/logging"
	"github.com/ehrlich-b/go-nvmeq/internal/qpair"
)

// Snapshot is everything the server can report.
type Snapshot struct {
	Time       time.Time     `json:"time"`
	Controller ctrl.Info     `json:"controller"`
	Device     *emu.Stats    `json:"device,omitempty"`
	Queues     []qpair.Stats `json:"queues"`
	Metrics    any           `json:"metrics,omitempty"`
}

// Publisher holds the latest snapshot.
type Publisher struct {
	cur atomic.Pointer[Snapshot]
}

// Publish replaces the current snapshot. s must not be modified afterwards.
func (p *Publisher) Publish(s *Snapshot) {
	if s.Time.IsZero() {
		s.Time = time.Now()
	}
	p.cur.Store(s)
}

// Load returns the current snapshot, or nil before the first Publish.
func (p *Publisher) Load() *Snapshot {
	return p.cur.Load()
}

// Server exposes a Publisher over HTTP.
type Server struct {
	pub    *Publisher
	router *mux.Router
	srv    *http.Server
	logger *logging.Logger
}

// NewServer builds the router. Call Serve or ListenAndServe to start it.
func NewServer(pub *Publisher, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{pub: pub, router: mux.NewRouter(), logger: logger}

	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	s.router.HandleFunc("/controller", s.controller).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.metrics).Methods(http.MethodGet)
	s.router.HandleFunc("/queues", s.queues).Methods(http.MethodGet)
	s.router.HandleFunc("/queues/{qid:[0-9]+}", s.queue).Methods(http.MethodGet)

	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("diagnostics server listening", "addr", l.Addr().String())
	err := s.srv.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) snapshot(w http.ResponseWriter) *Snapshot {
	snap := s.pub.Load()
	if snap == nil {
		http.Error(w, "no statistics published yet", http.StatusServiceUnavailable)
	}
	return snap
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	status := http.StatusOK
	if snap.Controller.State != ctrl.StateLive.String() {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"state": snap.Controller.State})
}

func (s *Server) controller(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Time       time.Time  `json:"time"`
		Controller ctrl.Info  `json:"controller"`
		Device     *emu.Stats `json:"device,omitempty"`
	}{snap.Time, snap.Controller, snap.Device})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	if snap.Metrics == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, snap.Metrics)
}

func (s *Server) queues(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	s.writeJSON(w, http.StatusOK, snap.Queues)
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	qid, err := strconv.ParseUint(mux.Vars(r)["qid"], 10, 16)
	if err != nil {
		http.Error(w, "invalid queue id", http.StatusBadRequest)
		return
	}
	for i := range snap.Queues {
		if snap.Queues[i].ID == uint16(qid) {
			s.writeJSON(w, http.StatusOK, snap.Queues[i])
			return
		}
	}
	http.Error(w, "queue not found", http.StatusNotFound)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode diagnostics response", "error", err)
	}
}
