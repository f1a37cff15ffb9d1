// Package maintenance exposes the device's local maintenance surface over
// HTTP: diagnostics snapshot, scheduler state, Prometheus metrics, and the
// boot-confirmation and command-check triggers a field technician or site
// controller can poke without going through the backend.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ecowatt/agent/internal/diagnostics"
	"github.com/ecowatt/agent/internal/scheduler"
)

// Agent is the slice of the Supervisor the maintenance surface needs.
type Agent interface {
	RequestBootConfirm()
	QueueCommandCheck()
	SchedulerSnapshot() scheduler.Snapshot
	BufferedSamples() int
}

// Server serves the maintenance API on a local port.
type Server struct {
	agent    Agent
	diag     *diagnostics.Diagnostics
	metrics  *diagnostics.Metrics
	gatherer prometheus.Gatherer

	srv *http.Server
}

// NewServer wires the maintenance surface. metrics and gatherer usually come
// from the same registry; gatherer may be nil to disable /metrics.
func NewServer(agent Agent, diag *diagnostics.Diagnostics, metrics *diagnostics.Metrics, gatherer prometheus.Gatherer) *Server {
	return &Server{agent: agent, diag: diag, metrics: metrics, gatherer: gatherer}
}

// routes builds the maintenance router.
func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/diagnostics", s.handleDiagnostics).Methods("GET")
	r.HandleFunc("/api/scheduler", s.handleScheduler).Methods("GET")
	r.HandleFunc("/api/fota/confirm", s.handleConfirmBoot).Methods("POST")
	r.HandleFunc("/api/commands/check", s.handleCommandCheck).Methods("POST")

	if s.gatherer != nil {
		promHandler := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
		r.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			s.updateGauges()
			promHandler.ServeHTTP(w, req)
		})).Methods("GET")
	}
	return r
}

// Start blocks serving the maintenance API on port until Shutdown.
func (s *Server) Start(port int) error {
	r := s.routes()
	addr := fmt.Sprintf(":%d", port)
	s.srv = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	log.Printf("maintenance API listening on %s", addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener, letting in-flight requests drain.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// updateGauges refreshes the scrape-time gauges from live component state.
func (s *Server) updateGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.BufferedSamples.Set(float64(s.agent.BufferedSamples()))
	s.metrics.QueuedTasks.Set(float64(len(s.agent.SchedulerSnapshot().Queued)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.diag.Snapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// schedulerView is the JSON shape of a scheduler snapshot, with enum fields
// rendered by name.
type schedulerView struct {
	State     string   `json:"state"`
	Queued    []string `json:"queued"`
	Completed uint64   `json:"completed"`
	Dropped   uint64   `json:"dropped"`
}

func (s *Server) handleScheduler(w http.ResponseWriter, _ *http.Request) {
	snap := s.agent.SchedulerSnapshot()
	view := schedulerView{
		State:     stateName(snap.State),
		Queued:    make([]string, 0, len(snap.Queued)),
		Completed: snap.Completed,
		Dropped:   snap.Dropped,
	}
	for _, t := range snap.Queued {
		view.Queued = append(view.Queued, t.Kind.String())
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleConfirmBoot(w http.ResponseWriter, _ *http.Request) {
	s.agent.RequestBootConfirm()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "confirm requested"})
}

func (s *Server) handleCommandCheck(w http.ResponseWriter, _ *http.Request) {
	s.agent.QueueCommandCheck()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "check queued"})
}

func stateName(st scheduler.State) string {
	switch st {
	case scheduler.Idle:
		return "Idle"
	case scheduler.Polling:
		return "Polling"
	case scheduler.Uploading:
		return "Uploading"
	case scheduler.Commanding:
		return "Commanding"
	case scheduler.ConfigCheck:
		return "ConfigCheck"
	case scheduler.Fota:
		return "Fota"
	default:
		return "Unknown"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("maintenance: encode response: %v", err)
	}
}
