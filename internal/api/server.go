package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/anvil-online/crm-intel/internal/brief"
	"github.com/anvil-online/crm-intel/internal/config"
	"github.com/anvil-online/crm-intel/internal/identity"
	"github.com/anvil-online/crm-intel/internal/sections"
	"github.com/anvil-online/crm-intel/internal/store"
)

type Server struct {
	store     store.Store
	generator Generator
	refresher RefreshService
	catalog   *sections.Catalog
	cfg       config.Config
	logger    *zap.Logger
}

// Generator answers company-chat requests. brief.Service is the production
// implementation.
type Generator interface {
	Generate(ctx context.Context, req brief.Request) (string, error)
	Stream(ctx context.Context, req brief.Request, emit func(brief.Event) error) error
}

// RefreshService starts background brief refreshes. It is nil when no
// Temporal frontend is configured.
type RefreshService interface {
	StartRefresh(ctx context.Context, contactID, userID string) (string, error)
	RefreshStale(ctx context.Context, userID string) (int, error)
}

func NewServer(st store.Store, generator Generator, refresher RefreshService, catalog *sections.Catalog, cfg config.Config, logger *zap.Logger) *Server {
	if catalog == nil {
		catalog = sections.Builtin()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:     st,
		generator: generator,
		refresher: refresher,
		catalog:   catalog,
		cfg:       cfg,
		logger:    logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(quietRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(identity.Middleware)

	r.Post("/company-chat", s.companyChat)
	r.Post("/functions/v1/company-chat", s.companyChat)
	r.Get("/sections", s.listSections)
	r.Post("/intel/refresh-stale", s.refreshStale)
	r.Get("/intel/{contactID}", s.getIntel)
	r.Post("/intel/{contactID}/refresh", s.refreshIntel)
	r.Get("/health", s.health)
	r.Get("/ready", s.ready)

	return r
}

func quietRequestLogger(next http.Handler) http.Handler {
	logged := middleware.Logger(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSuppressRequestLog(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		logged.ServeHTTP(w, r)
	})
}

func shouldSuppressRequestLog(method string, path string) bool {
	cleanPath := strings.TrimSpace(path)
	if method == http.MethodOptions {
		return true
	}
	return method == http.MethodGet && (cleanPath == "/health" || cleanPath == "/ready")
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type subsystemStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Subsystems map[string]subsystemStatus `json:"subsystems"`
}

// ready degrades only on the store. A missing provider credential is
// reported but chat requests still answer with an error envelope.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		subsystems["store"] = subsystemStatus{Status: "error", Error: err.Error()}
		overall = http.StatusServiceUnavailable
	} else {
		subsystems["store"] = subsystemStatus{Status: "ok"}
	}

	if s.cfg.HasLLMCredential() {
		subsystems["llm"] = subsystemStatus{Status: "ok"}
	} else {
		subsystems["llm"] = subsystemStatus{Status: "missing_credential"}
	}

	if s.refresher == nil {
		subsystems["refresh"] = subsystemStatus{Status: "skipped"}
	} else {
		subsystems["refresh"] = subsystemStatus{Status: "ok"}
	}

	status := "ok"
	if overall != http.StatusOK {
		status = "degraded"
	}
	writeJSONStatus(w, readinessResponse{Status: status, Subsystems: subsystems}, overall)
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type, x-user-id")
		if r.Method == http.MethodOptions {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("ok"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()
	return server.ListenAndServe()
}
