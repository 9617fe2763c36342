// Package server exposes the orchestrator's command interface over HTTP.
// Mutating endpoints validate, hand the work to the orchestrator, and
// answer 202 with an operation handle; nothing blocks for the duration of
// a multi-step operation.
package server

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/stackplane/stackplane-internal/internal/common/httpx"
	"github.com/stackplane/stackplane-internal/internal/common/middleware"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/config"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/orchestrator"
)

// Server is the HTTP command API.
type Server struct {
	Router *chi.Mux
	orch   *orchestrator.Orchestrator
}

func CreateNewServer(orch *orchestrator.Orchestrator) *Server {
	s := &Server{
		Router: chi.NewRouter(),
		orch:   orch,
	}
	s.MountHandlers()
	return s
}

func (s *Server) MountHandlers() {
	s.Router.Use(middleware.PanicHandler)
	s.Router.Use(middleware.RequestLogger)
	if config.Config() != nil && config.Config().Server.HandleCORS {
		s.Router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"https://*", "http://*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	handlers := []httpx.ResponseHandlerParam{
		{Method: http.MethodPost, Path: "/tenants", Handler: s.provisionTenant},
		{Method: http.MethodGet, Path: "/tenants/{tenantID}", Handler: s.getTenant},
		{Method: http.MethodGet, Path: "/tenants/{tenantID}/health", Handler: s.getTenantHealth},
		{Method: http.MethodPost, Path: "/tenants/{tenantID}/start", Handler: s.startTenant},
		{Method: http.MethodPost, Path: "/tenants/{tenantID}/stop", Handler: s.stopTenant},
		{Method: http.MethodPost, Path: "/tenants/{tenantID}/upgrade", Handler: s.upgradeTenant},
		{Method: http.MethodPost, Path: "/tenants/{tenantID}/decommission", Handler: s.decommissionTenant},
		{Method: http.MethodPost, Path: "/tenants/{tenantID}/backups", Handler: s.createBackup},
		{Method: http.MethodGet, Path: "/tenants/{tenantID}/backups", Handler: s.listBackups},
		{Method: http.MethodPost, Path: "/backups/{backupID}/restore", Handler: s.restoreBackup},
		{Method: http.MethodGet, Path: "/operations/{operationID}", Handler: s.getOperation},
		{Method: http.MethodGet, Path: "/version", Handler: s.getVersion},
	}
	for _, h := range handlers {
		s.Router.Method(h.Method, h.Path, httpx.WrapHttpRsp(h.Handler))
	}
}

// ListenAndServe serves the command API on the configured address.
func (s *Server) ListenAndServe() error {
	addr := net.JoinHostPort(config.Config().Server.HostName, config.Config().Server.Port)
	return http.ListenAndServe(addr, s.Router)
}
