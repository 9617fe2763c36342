package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/stackplane/stackplane-internal/internal/common/httpx"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/orchestrator"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/state"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/template"
)

// ServerVersion is the running build's advertised version.
const ServerVersion = "0.1.0"

var validate = validator.New()

type provisionRequest struct {
	TenantID string `json:"tenant_id" validate:"required"`
	Version  string `json:"version" validate:"required"`
	Tier     string `json:"tier" validate:"required"`
}

type upgradeRequest struct {
	Version     string `json:"version" validate:"required"`
	BackupFirst bool   `json:"backup_first"`
}

type backupRequest struct {
	Kind string `json:"kind" validate:"required,oneof=full config-only pre-upgrade"`
}

type restoreRequest struct {
	TenantID string `json:"tenant_id" validate:"required"`
}

// operationAccepted is the uniform 202 reply of mutating endpoints.
func operationAccepted(h *orchestrator.OperationHandle) *httpx.Response {
	return &httpx.Response{
		StatusCode: http.StatusAccepted,
		Location:   "/operations/" + h.ID,
		Response:   h,
	}
}

func (s *Server) provisionTenant(r *http.Request) (*httpx.Response, error) {
	req := &provisionRequest{}
	if err := httpx.GetRequestData(r, req); err != nil {
		return nil, err
	}
	if err := validate.Struct(req); err != nil {
		return nil, httpx.ErrInvalidRequest(err.Error())
	}
	h, err := s.orch.Provision(r.Context(), req.TenantID, req.Version, template.ResourceTier(req.Tier))
	if err != nil {
		return nil, err
	}
	return operationAccepted(h), nil
}

func (s *Server) getTenant(r *http.Request) (*httpx.Response, error) {
	t, err := s.orch.GetTenantState(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		return nil, err
	}
	return &httpx.Response{StatusCode: http.StatusOK, Response: t}, nil
}

func (s *Server) getTenantHealth(r *http.Request) (*httpx.Response, error) {
	result, err := s.orch.GetHealth(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		return nil, err
	}
	return &httpx.Response{StatusCode: http.StatusOK, Response: result}, nil
}

func (s *Server) startTenant(r *http.Request) (*httpx.Response, error) {
	h, err := s.orch.StartStack(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		return nil, err
	}
	return operationAccepted(h), nil
}

func (s *Server) stopTenant(r *http.Request) (*httpx.Response, error) {
	h, err := s.orch.StopStack(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		return nil, err
	}
	return operationAccepted(h), nil
}

func (s *Server) upgradeTenant(r *http.Request) (*httpx.Response, error) {
	req := &upgradeRequest{}
	if err := httpx.GetRequestData(r, req); err != nil {
		return nil, err
	}
	if err := validate.Struct(req); err != nil {
		return nil, httpx.ErrInvalidRequest(err.Error())
	}
	h, err := s.orch.UpgradeStack(r.Context(), chi.URLParam(r, "tenantID"), req.Version, req.BackupFirst)
	if err != nil {
		return nil, err
	}
	return operationAccepted(h), nil
}

func (s *Server) decommissionTenant(r *http.Request) (*httpx.Response, error) {
	h, err := s.orch.Decommission(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		return nil, err
	}
	return operationAccepted(h), nil
}

func (s *Server) createBackup(r *http.Request) (*httpx.Response, error) {
	req := &backupRequest{}
	if err := httpx.GetRequestData(r, req); err != nil {
		return nil, err
	}
	if err := validate.Struct(req); err != nil {
		return nil, httpx.ErrInvalidRequest(err.Error())
	}
	rec, err := s.orch.CreateBackup(r.Context(), chi.URLParam(r, "tenantID"), state.BackupKind(req.Kind))
	if err != nil {
		return nil, err
	}
	return &httpx.Response{StatusCode: http.StatusCreated, Response: rec}, nil
}

func (s *Server) listBackups(r *http.Request) (*httpx.Response, error) {
	recs, err := s.orch.ListBackups(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []*state.BackupRecord{}
	}
	return &httpx.Response{StatusCode: http.StatusOK, Response: recs}, nil
}

func (s *Server) restoreBackup(r *http.Request) (*httpx.Response, error) {
	req := &restoreRequest{}
	if err := httpx.GetRequestData(r, req); err != nil {
		return nil, err
	}
	if err := validate.Struct(req); err != nil {
		return nil, httpx.ErrInvalidRequest(err.Error())
	}
	h, err := s.orch.RestoreBackup(r.Context(), chi.URLParam(r, "backupID"), req.TenantID)
	if err != nil {
		return nil, err
	}
	return operationAccepted(h), nil
}

func (s *Server) getOperation(r *http.Request) (*httpx.Response, error) {
	h, err := s.orch.GetOperation(chi.URLParam(r, "operationID"))
	if err != nil {
		return nil, err
	}
	return &httpx.Response{StatusCode: http.StatusOK, Response: h}, nil
}

func (s *Server) getVersion(_ *http.Request) (*httpx.Response, error) {
	return &httpx.Response{
		StatusCode: http.StatusOK,
		Response: map[string]string{
			"version":        ServerVersion,
			"config_version": "1.0",
		},
	}, nil
}
