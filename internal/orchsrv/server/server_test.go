package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"

	"github.com/stackplane/stackplane-internal/internal/orchsrv/archive"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/backup"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/config"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/health"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/orchestrator"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/runtime"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/secrets"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/state"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/template"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newTestServer(t *testing.T) (*Server, *runtime.Fake) {
	t.Helper()
	config.TestInit()
	store := state.NewMemoryStore()
	rt := runtime.NewFake()
	catalog := template.NewCatalog()
	engine := backup.NewEngine(backup.Params{
		Store:          store,
		Runtime:        rt,
		Catalog:        catalog,
		Archive:        archive.NewMemStore(),
		RetentionDays:  map[string]int{"basic": 7},
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
	})
	orch := orchestrator.New(orchestrator.Params{
		Store:   store,
		Locker:  state.NewMemoryLocker(),
		Runtime: rt,
		Catalog: catalog,
		Backups: engine,
		Secrets: secrets.NewStaticProvider(nil),
		Prober:  health.NewProber(rt, time.Second),
		Options: orchestrator.Options{
			MaxWorkers:        2,
			QueueSize:         16,
			RetryAttempts:     3,
			RetryBaseDelay:    time.Millisecond,
			ReadinessAttempts: 2,
			ReadinessInterval: time.Millisecond,
		},
	})
	t.Cleanup(orch.Shutdown)
	return CreateNewServer(orch), rt
}

func executeRequest(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	s.Router.ServeHTTP(rr, req)
	return rr
}

func waitOperation(t *testing.T, s *Server, location string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rr := executeRequest(s, http.MethodGet, location, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var h orchestrator.OperationHandle
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &h))
		switch h.Status {
		case orchestrator.HandleSucceeded:
			return
		case orchestrator.HandleFailed:
			t.Fatalf("operation failed: %s", h.ErrorDetail)
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("operation did not finish")
}

func provisionTenant(t *testing.T, s *Server, tenantID string) {
	t.Helper()
	body := []byte(`{"tenant_id":"` + tenantID + `","version":"1.0.0","tier":"basic"}`)
	rr := executeRequest(s, http.MethodPost, "/tenants", body)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	location := rr.Header().Get("Location")
	require.NotEmpty(t, location)
	waitOperation(t, s, location)
}

func TestProvisionEndpoint(t *testing.T) {
	s, rt := newTestServer(t)
	provisionTenant(t, s, "t1")

	rr := executeRequest(s, http.MethodGet, "/tenants/t1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var tenant state.TenantStack
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tenant))
	require.Equal(t, state.StateRunning, tenant.State)
	require.Equal(t, "1.0.0", tenant.CurrentVersion)
	require.Len(t, rt.RunningContainers("t1-"), 4)
}

func TestProvisionRejectsBadPayload(t *testing.T) {
	s, _ := newTestServer(t)

	rr := executeRequest(s, http.MethodPost, "/tenants", []byte(`{"tenant_id":"t1"}`))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = executeRequest(s, http.MethodPost, "/tenants", []byte(`not json`))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = executeRequest(s, http.MethodPost, "/tenants",
		[]byte(`{"tenant_id":"t1","version":"1.0.0","tier":"gold"}`))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUnknownTenantIs404(t *testing.T) {
	s, _ := newTestServer(t)
	rr := executeRequest(s, http.MethodGet, "/tenants/ghost", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = executeRequest(s, http.MethodGet, "/operations/ghost", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStartStopEndpoints(t *testing.T) {
	s, rt := newTestServer(t)
	provisionTenant(t, s, "t1")

	rr := executeRequest(s, http.MethodPost, "/tenants/t1/stop", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	waitOperation(t, s, rr.Header().Get("Location"))
	require.Empty(t, rt.RunningContainers("t1-"))

	rr = executeRequest(s, http.MethodPost, "/tenants/t1/start", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	waitOperation(t, s, rr.Header().Get("Location"))
	require.Len(t, rt.RunningContainers("t1-"), 4)
}

func TestUpgradeEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	provisionTenant(t, s, "t1")

	rr := executeRequest(s, http.MethodPost, "/tenants/t1/upgrade",
		[]byte(`{"version":"1.1.0","backup_first":true}`))
	require.Equal(t, http.StatusAccepted, rr.Code)
	waitOperation(t, s, rr.Header().Get("Location"))

	rr = executeRequest(s, http.MethodGet, "/tenants/t1", nil)
	var tenant state.TenantStack
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tenant))
	require.Equal(t, "1.1.0", tenant.CurrentVersion)
}

func TestBackupEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	provisionTenant(t, s, "t1")

	rr := executeRequest(s, http.MethodPost, "/tenants/t1/backups", []byte(`{"kind":"full"}`))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var rec state.BackupRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	require.Equal(t, state.BackupComplete, rec.Status)

	rr = executeRequest(s, http.MethodGet, "/tenants/t1/backups", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var recs []state.BackupRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &recs))
	require.Len(t, recs, 1)

	// restore it through the API
	rr = executeRequest(s, http.MethodPost, "/backups/"+rec.ID+"/restore",
		[]byte(`{"tenant_id":"t1"}`))
	require.Equal(t, http.StatusAccepted, rr.Code)
	waitOperation(t, s, rr.Header().Get("Location"))

	// bad kind is rejected before any work
	rr = executeRequest(s, http.MethodPost, "/tenants/t1/backups", []byte(`{"kind":"hourly"}`))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDecommissionEndpoint(t *testing.T) {
	s, rt := newTestServer(t)
	provisionTenant(t, s, "t1")

	rr := executeRequest(s, http.MethodPost, "/tenants/t1/decommission", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	waitOperation(t, s, rr.Header().Get("Location"))
	require.Empty(t, rt.ContainerNames("t1-"))

	// operations on a decommissioned tenant conflict
	rr = executeRequest(s, http.MethodPost, "/tenants/t1/start", nil)
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	provisionTenant(t, s, "t1")

	rr := executeRequest(s, http.MethodGet, "/tenants/t1/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var result state.HealthResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	require.Equal(t, state.VerdictHealthy, result.Verdict)
	require.Len(t, result.Services, 4)
}

func TestVersionEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rr := executeRequest(s, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var v map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	require.Equal(t, ServerVersion, v["version"])
}
