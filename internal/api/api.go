// Package api exposes the orchestrator's HTTP surface (§6.2) over
// gorilla/mux, composing the same middleware chain the rest of the
// codebase's HTTP entry points use.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/supaorch/orchestrator/infrastructure/logging"
	"github.com/supaorch/orchestrator/infrastructure/metrics"
	"github.com/supaorch/orchestrator/infrastructure/middleware"
	"github.com/supaorch/orchestrator/internal/backup"
	"github.com/supaorch/orchestrator/internal/configedit"
	"github.com/supaorch/orchestrator/internal/diagnostic"
	"github.com/supaorch/orchestrator/internal/health"
	"github.com/supaorch/orchestrator/internal/lifecycle"
	"github.com/supaorch/orchestrator/internal/registry"
	"github.com/supaorch/orchestrator/internal/repair"
	"github.com/supaorch/orchestrator/internal/runtimedriver"
)

// Deps bundles the domain collaborators the API layer dispatches to. None
// of the handlers own business logic; they decode, call, and translate
// errors per §7.
type Deps struct {
	Lifecycle  *lifecycle.Controller
	Registry   *registry.Registry
	Diagnostic *diagnostic.Engine
	Checker    *health.Checker
	Repair     *repair.Engine
	Backups    *backup.Store
	ConfigEdit *configedit.Editor
	Driver     runtimedriver.Driver
	Log        *logging.Logger
	StartedAt  time.Time
	Version    string
}

// NewRouter builds the full mux.Router: middleware chain, then routes.
func NewRouter(deps Deps) *mux.Router {
	router := mux.NewRouter()
	log := deps.Log
	if log == nil {
		log = logging.Default()
	}

	router.Use(middleware.LoggingMiddleware(log))
	router.Use(middleware.NewRecoveryMiddleware(log).Handler)
	if metrics.Enabled() {
		m := metrics.Init("orchestratord")
		router.Use(middleware.MetricsMiddleware("orchestratord", m))
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	router.Use(middleware.NewCORSMiddleware(&middleware.CORSConfig{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: false,
	}).Handler)
	router.Use(middleware.NewSecurityHeadersMiddleware(nil).Handler)
	router.Use(middleware.NewBodyLimitMiddleware(1 << 20).Handler)
	router.Use(middleware.NewTimeoutMiddleware(2 * time.Minute).Handler)

	h := &handler{deps: deps}
	registerRoutes(router, h)
	return router
}

func registerRoutes(router *mux.Router, h *handler) {
	router.HandleFunc("/api/health", h.health).Methods(http.MethodGet)

	router.HandleFunc("/api/instances", h.listInstances).Methods(http.MethodGet)
	router.HandleFunc("/api/instances", h.createInstance).Methods(http.MethodPost)
	router.HandleFunc("/api/instances/{id}/start", h.startInstance).Methods(http.MethodPost)
	router.HandleFunc("/api/instances/{id}/stop", h.stopInstance).Methods(http.MethodPost)
	router.HandleFunc("/api/instances/{id}", h.deleteInstance).Methods(http.MethodDelete)

	router.HandleFunc("/api/instances/{id}/logs", h.getLogs).Methods(http.MethodGet)
	router.HandleFunc("/api/instances/{id}/logs/stream", h.streamLogs).Methods(http.MethodGet)

	router.HandleFunc("/api/instances/{id}/run-diagnostics", h.runDiagnostics).Methods(http.MethodGet)
	router.HandleFunc("/api/instances/{id}/last-diagnostic", h.lastDiagnostic).Methods(http.MethodGet)

	router.HandleFunc("/api/instances/{id}/auto-repair", h.autoRepair).Methods(http.MethodPost)

	router.HandleFunc("/api/instances/{id}/backup", h.createBackup).Methods(http.MethodPost)
	router.HandleFunc("/api/instances/{id}/backups", h.listBackups).Methods(http.MethodGet)
	router.HandleFunc("/api/instances/{id}/restore/{backupId}", h.restoreBackup).Methods(http.MethodPost)

	router.HandleFunc("/api/instances/{id}/config/editable-fields", h.editableFields).Methods(http.MethodGet)
	router.HandleFunc("/api/instances/{id}/config/bulk", h.bulkEditConfig).Methods(http.MethodPut)
	router.HandleFunc("/api/instances/{id}/config/{field}", h.getConfigField).Methods(http.MethodGet)
	router.HandleFunc("/api/instances/{id}/config/{field}", h.editConfigField).Methods(http.MethodPut)
}

type handler struct {
	deps Deps
}
