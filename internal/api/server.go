// Package api implements the ops HTTP surface: read endpoints for the
// cockpit dashboard, dual-secret-authenticated write actions, the SSE
// event stream, and the CP-side worker protocol endpoints (IPC relay
// forwarding and completion callbacks), on a plain net/http.ServeMux
// rather than a third-party router.
package api

import (
	"net/http"
	"time"

	"github.com/cuemby/govcp/internal/config"
	"github.com/cuemby/govcp/internal/dispatch"
	"github.com/cuemby/govcp/internal/events"
	"github.com/cuemby/govcp/internal/extbroker"
	"github.com/cuemby/govcp/internal/governance"
	"github.com/cuemby/govcp/internal/health"
	"github.com/cuemby/govcp/internal/limits"
	"github.com/cuemby/govcp/internal/log"
	"github.com/cuemby/govcp/internal/memory"
	"github.com/cuemby/govcp/internal/metrics"
	"github.com/cuemby/govcp/internal/policy"
	"github.com/cuemby/govcp/internal/storage"
	"github.com/cuemby/govcp/internal/workerproto"
	"github.com/rs/zerolog"
)

// Server is the ops HTTP server.
type Server struct {
	store        storage.Store
	core         *governance.Core
	limitsEngine *limits.Engine
	memStore     *memory.Store
	ext          *extbroker.Broker
	broker       *events.Broker
	sse          *events.SSEHandler
	loop         *dispatch.Loop
	routing      policy.GateRouting
	cfg          *config.Config
	strict       bool

	secretLookup workerproto.SecretLookup

	logger zerolog.Logger
	mux    *http.ServeMux
}

// Deps bundles the server's collaborators.
type Deps struct {
	Store        storage.Store
	Core         *governance.Core
	LimitsEngine *limits.Engine
	MemStore     *memory.Store
	ExtBroker    *extbroker.Broker
	Broker       *events.Broker
	Loop         *dispatch.Loop
	Routing      policy.GateRouting
	Config       *config.Config
	Strict       bool
	SecretLookup workerproto.SecretLookup
}

func NewServer(d Deps) *Server {
	s := &Server{
		store:        d.Store,
		core:         d.Core,
		limitsEngine: d.LimitsEngine,
		memStore:     d.MemStore,
		ext:          d.ExtBroker,
		broker:       d.Broker,
		sse:          events.NewSSEHandler(d.Broker, events.DefaultConnCap),
		loop:         d.Loop,
		routing:      d.Routing,
		cfg:          d.Config,
		strict:       d.Strict,
		secretLookup: d.SecretLookup,
		logger:       log.WithComponent("ops-api"),
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) routes() {
	// Reads
	s.mux.HandleFunc("GET /ops/health", s.requireReadSecret(s.handleHealth))
	s.mux.HandleFunc("GET /ops/stats", s.requireReadSecret(s.handleStats))
	s.mux.HandleFunc("GET /ops/tasks", s.requireReadSecret(s.handleListTasks))
	s.mux.HandleFunc("GET /ops/tasks/{id}", s.requireReadSecret(s.handleGetTask))
	s.mux.HandleFunc("GET /ops/tasks/{id}/activities", s.requireReadSecret(s.handleTaskActivities))
	s.mux.HandleFunc("GET /ops/products", s.requireReadSecret(s.handleProducts))
	s.mux.HandleFunc("GET /ops/workers", s.requireReadSecret(s.handleListWorkers))
	s.mux.HandleFunc("GET /ops/workers/{id}", s.requireReadSecret(s.handleGetWorker))
	s.mux.HandleFunc("GET /ops/workers/{id}/dispatches", s.requireReadSecret(s.handleWorkerDispatches))
	s.mux.HandleFunc("GET /ops/workers/{id}/tunnels", s.requireReadSecret(s.handleWorkerTunnels))
	s.mux.HandleFunc("GET /ops/memories", s.requireReadSecret(s.handleListMemories))
	s.mux.HandleFunc("GET /ops/memories/search", s.requireReadSecret(s.handleSearchMemories))
	s.mux.HandleFunc("GET /ops/events", s.requireReadSecret(s.sse.ServeHTTP))
	s.mux.Handle("GET /ops/metrics", metrics.Handler())

	// Writes
	s.mux.HandleFunc("POST /ops/actions/transition", s.requireWriteSecret(s.handleTransition))
	s.mux.HandleFunc("POST /ops/actions/approve", s.requireWriteSecret(s.handleApprove))
	s.mux.HandleFunc("POST /ops/actions/override", s.requireWriteSecret(s.handleOverride))

	// Worker protocol (HMAC-authenticated, not ops-secret-authenticated)
	s.mux.HandleFunc("POST /ops/worker/ipc", s.handleWorkerIPC)
	s.mux.HandleFunc("POST /ops/worker/completion", s.handleWorkerCompletion)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	timer := metrics.NewTimer()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	route := r.Pattern
	if route == "" {
		route = r.URL.Path
	}
	metrics.OpsRequestsTotal.WithLabelValues(route, http.StatusText(rec.status)).Inc()
	timer.ObserveDurationVec(metrics.OpsRequestDuration, route)
}

// NewHTTPServer builds a *http.Server bound to addr serving this Server.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// readinessComposite builds the /ops/health composite the way
// api.HealthServer.readyHandler does: store reachability, dispatch-loop
// liveness, event-bus subscriber count.
func (s *Server) readinessComposite() *health.Composite {
	return health.NewComposite(
		health.StoreChecker(func() error {
			_, err := s.store.ListTasks()
			return err
		}),
		health.DispatchLoopChecker(s.loop.LastTick, 5*s.cfg.DispatchPollInterval),
		health.EventBusChecker(s.broker.SubscriberCount),
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
