// Package api exposes the operator surface: event ingestion, threat review,
// incident management, and playbook administration.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sentinel/detect"
	"sentinel/ratelimit"
	"sentinel/respond"
)

// API holds the HTTP server and its dependencies.
type API struct {
	router    *mux.Router
	server    *http.Server
	detector  *detect.Engine
	incidents *respond.IncidentEngine
	playbooks respond.PlaybookStore
	limiter   *ratelimit.Limiter
	rlLimit   int
	rlWindow  time.Duration
	health    func(ctx context.Context) error
	logger    *zap.SugaredLogger
}

// NewAPI creates the API server. The health func is probed by /health; pass
// nil to report healthy unconditionally. The limiter may be nil to disable
// request rate limiting.
func NewAPI(detector *detect.Engine, incidents *respond.IncidentEngine, playbooks respond.PlaybookStore,
	limiter *ratelimit.Limiter, rlLimit int, rlWindow time.Duration,
	health func(ctx context.Context) error, logger *zap.SugaredLogger) *API {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	a := &API{
		router:    mux.NewRouter(),
		detector:  detector,
		incidents: incidents,
		playbooks: playbooks,
		limiter:   limiter,
		rlLimit:   rlLimit,
		rlWindow:  rlWindow,
		health:    health,
		logger:    logger,
	}
	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	a.router.Use(a.rateLimitMiddleware)

	a.router.HandleFunc("/api/events", a.ingestEvent).Methods("POST")

	a.router.HandleFunc("/api/threats", a.listThreats).Methods("GET")
	a.router.HandleFunc("/api/threats/stats", a.getThreatStats).Methods("GET")
	a.router.HandleFunc("/api/threats/{id}/resolve", a.resolveThreat).Methods("POST")
	a.router.HandleFunc("/api/threats/{id}/block", a.blockThreat).Methods("POST")

	a.router.HandleFunc("/api/incidents", a.listIncidents).Methods("GET")
	a.router.HandleFunc("/api/incidents", a.createIncident).Methods("POST")
	a.router.HandleFunc("/api/incidents/{id}", a.getIncident).Methods("GET")
	a.router.HandleFunc("/api/incidents/{id}/status", a.transitionIncident).Methods("POST")
	a.router.HandleFunc("/api/incidents/{id}/assign", a.assignIncident).Methods("POST")
	a.router.HandleFunc("/api/incidents/{id}/actions", a.listIncidentActions).Methods("GET")

	a.router.HandleFunc("/api/playbooks", a.listPlaybooks).Methods("GET")
	a.router.HandleFunc("/api/playbooks", a.createPlaybook).Methods("POST")
	a.router.HandleFunc("/api/playbooks/{id}", a.getPlaybook).Methods("GET")
	a.router.HandleFunc("/api/playbooks/{id}", a.updatePlaybook).Methods("PUT")
	a.router.HandleFunc("/api/playbooks/{id}", a.deletePlaybook).Methods("DELETE")
	a.router.HandleFunc("/api/playbooks/{id}/enable", a.setPlaybookEnabled(true)).Methods("POST")
	a.router.HandleFunc("/api/playbooks/{id}/disable", a.setPlaybookEnabled(false)).Methods("POST")

	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())
}

// Handler returns the router, mainly for tests.
func (a *API) Handler() http.Handler {
	return a.router
}

// Start serves HTTP on addr until Stop is called or the listener fails.
func (a *API) Start(addr string) error {
	a.server = &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	a.logger.Infow("API server listening", "addr", addr)
	return a.server.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (a *API) Stop(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

// rateLimitMiddleware throttles by client address. Limiter failures degrade
// inside the limiter itself; a nil limiter disables throttling entirely.
func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.limiter == nil || r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		allowed, info, err := a.limiter.Check(r.Context(), "api:"+clientAddr(r), a.rlLimit, a.rlWindow, ratelimit.StrategySlidingWindow)
		if err != nil {
			a.logger.Warnw("Rate limit check failed", "error", err)
		}
		if info != nil {
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
		}
		if !allowed {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		if err := a.health(r.Context()); err != nil {
			a.respondJSON(w, map[string]string{"status": "unhealthy", "error": err.Error()}, http.StatusServiceUnavailable)
			return
		}
	}
	a.respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// respondJSON writes a JSON response. Encoding failures after the header is
// written can only be logged.
func (a *API) respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Errorw("Failed to encode JSON response", "error", err)
	}
}

// actor resolves the acting operator from the request, defaulting to the
// client address when no identity header is present.
func actor(r *http.Request) string {
	if v := r.Header.Get("X-Actor"); v != "" {
		return v
	}
	return clientAddr(r)
}
