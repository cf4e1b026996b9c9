// Package api exposes the order gateway over REST/JSON for operators
// and the approval dashboard. Every mutating endpoint consults the kill
// switch before touching order state.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tradegate/backend/internal/approval"
	"github.com/tradegate/backend/internal/audit"
	"github.com/tradegate/backend/internal/broker"
	"github.com/tradegate/backend/internal/correlation"
	"github.com/tradegate/backend/internal/killswitch"
	"github.com/tradegate/backend/internal/risk"
	"github.com/tradegate/backend/internal/sim"
	"github.com/tradegate/backend/internal/stats"
	"github.com/tradegate/backend/internal/submit"
	"github.com/tradegate/backend/internal/tools"
	"github.com/tradegate/backend/internal/websocket"
)

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Simulator *sim.Simulator
	Risk      *risk.Engine
	Approvals *approval.Service
	Submitter *submit.Submitter
	Adapter   broker.Adapter
	Kill      *killswitch.Switch
	Store     audit.Store
	Registry  *tools.Registry
	Collector *stats.Collector
	Hub       *websocket.Hub
	Gatherer  prometheus.Gatherer

	// Counters supplies the daily trade/PnL counters for risk evaluation.
	// Optional; zero counters when unset.
	Counters func() risk.DailyCounters
}

// Server is the HTTP front of the gateway.
type Server struct {
	deps    Deps
	logger  *log.Logger
	httpSrv *http.Server
}

func NewServer(deps Deps) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Counters == nil {
		deps.Counters = func() risk.DailyCounters { return risk.DailyCounters{} }
	}
	return &Server{
		deps:   deps,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(correlation.Middleware)

	r.HandleFunc("/", s.handleRoot).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")
	v1.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods("GET")

	v1.HandleFunc("/propose", s.handlePropose).Methods("POST")
	v1.HandleFunc("/simulate", s.handleSimulate).Methods("POST")
	v1.HandleFunc("/risk/evaluate", s.handleRiskEvaluate).Methods("POST")

	v1.HandleFunc("/approval/request", s.handleApprovalRequest).Methods("POST")
	v1.HandleFunc("/approval/grant", s.handleApprovalGrant).Methods("POST")
	v1.HandleFunc("/approval/deny", s.handleApprovalDeny).Methods("POST")
	v1.HandleFunc("/approval/pending", s.handleApprovalPending).Methods("GET")
	v1.HandleFunc("/approval/{proposal_id}", s.handleApprovalGet).Methods("GET")

	v1.HandleFunc("/orders/submit", s.handleOrderSubmit).Methods("POST")
	v1.HandleFunc("/orders/cancel", s.handleOrderCancel).Methods("POST")

	v1.HandleFunc("/kill-switch", s.handleKillSwitchStatus).Methods("GET")
	v1.HandleFunc("/kill-switch/activate", s.handleKillSwitchActivate).Methods("POST")
	v1.HandleFunc("/kill-switch/deactivate", s.handleKillSwitchDeactivate).Methods("POST")

	v1.HandleFunc("/audit/events", s.handleAuditEvents).Methods("GET")
	v1.HandleFunc("/audit/stats", s.handleAuditStats).Methods("GET")
	if s.deps.Hub != nil {
		v1.HandleFunc("/audit/stream", s.deps.Hub.HandleWebSocket).Methods("GET")
	}

	v1.HandleFunc("/tools", s.handleToolList).Methods("GET")
	v1.HandleFunc("/tools/call", s.handleToolCall).Methods("POST")

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Printf("listening on %s", addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "order-gateway",
		"status":  "ok",
		"time":    time.Now().UTC(),
	})
}
