package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/alert"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/archive"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/backup"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/health"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/orcherrors"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/runtime"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/secrets"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/state"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/template"
)

type captureAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (c *captureAlerter) Notify(_ context.Context, tenantID string, severity alert.Severity, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, string(severity)+": "+tenantID+": "+message)
}

func (c *captureAlerter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func (c *captureAlerter) contains(substr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.alerts {
		if strings.Contains(a, substr) {
			return true
		}
	}
	return false
}

type orchRig struct {
	orch    *Orchestrator
	store   *state.MemoryStore
	locker  *state.MemoryLocker
	rt      *runtime.Fake
	arch    *archive.MemStore
	alerter *captureAlerter
}

func newOrchRig(t *testing.T) *orchRig {
	t.Helper()
	rig := &orchRig{
		store:   state.NewMemoryStore(),
		locker:  state.NewMemoryLocker(),
		rt:      runtime.NewFake(),
		arch:    archive.NewMemStore(),
		alerter: &captureAlerter{},
	}
	catalog := template.NewCatalog()
	engine := backup.NewEngine(backup.Params{
		Store:          rig.store,
		Runtime:        rig.rt,
		Catalog:        catalog,
		Archive:        rig.arch,
		RetentionDays:  map[string]int{"basic": 7},
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
	})
	rig.orch = New(Params{
		Store:   rig.store,
		Locker:  rig.locker,
		Runtime: rig.rt,
		Catalog: catalog,
		Backups: engine,
		Secrets: secrets.NewStaticProvider(map[string]string{"db_password": "pg-secret"}),
		Alerter: rig.alerter,
		Prober:  health.NewProber(rig.rt, time.Second),
		Options: Options{
			MaxWorkers:              2,
			QueueSize:               16,
			RetryAttempts:           3,
			RetryBaseDelay:          time.Millisecond,
			OperationTimeout:        30 * time.Second,
			ReadinessAttempts:       2,
			ReadinessInterval:       time.Millisecond,
			UnhealthyAlertThreshold: 3,
		},
	})
	t.Cleanup(rig.orch.Shutdown)
	return rig
}

func (r *orchRig) waitHandle(t *testing.T, h *OperationHandle) *OperationHandle {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := r.orch.GetOperation(h.ID)
		require.Nil(t, err)
		if got.Status == HandleSucceeded || got.Status == HandleFailed {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("operation %s did not finish", h.ID)
	return nil
}

func (r *orchRig) provision(t *testing.T, tenantID string) {
	t.Helper()
	h, err := r.orch.Provision(context.Background(), tenantID, "1.0.0", template.TierBasic)
	require.Nil(t, err)
	done := r.waitHandle(t, h)
	require.Equal(t, HandleSucceeded, done.Status, done.ErrorDetail)
}

func TestProvisionLifecycle(t *testing.T) {
	ctx := context.Background()
	rig := newOrchRig(t)
	rig.provision(t, "t1")

	tenant, err := rig.orch.GetTenantState(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, state.StateRunning, tenant.State)
	require.Equal(t, "1.0.0", tenant.CurrentVersion)
	require.False(t, tenant.Degraded)
	require.Equal(t, []string{"cache", "db", "engine", "dashboard"}, tenant.ServiceNames)

	require.True(t, rig.rt.HasNetwork("t1-net"))
	require.Len(t, rig.rt.RunningContainers("t1-"), 4)

	// secret refs are resolved at create time, not passed through
	env := rig.rt.ContainerEnv("t1-db")
	require.Equal(t, "pg-secret", env["POSTGRES_PASSWORD"])
}

func TestProvisionInvalidInput(t *testing.T) {
	ctx := context.Background()
	rig := newOrchRig(t)

	_, err := rig.orch.Provision(ctx, "Bad_Tenant!", "1.0.0", template.TierBasic)
	require.True(t, errors.Is(err, orcherrors.ErrValidation))

	_, err = rig.orch.Provision(ctx, "t1", "1.0.0", "gold")
	require.True(t, errors.Is(err, orcherrors.ErrUnknownTier))
}

func TestProvisionExistingTenantConflicts(t *testing.T) {
	ctx := context.Background()
	rig := newOrchRig(t)
	rig.provision(t, "t1")

	_, err := rig.orch.Provision(ctx, "t1", "1.0.0", template.TierBasic)
	require.True(t, orcherrors.IsConflict(err))
}

func TestProvisionFailureTearsDownAndCanBeRetried(t *testing.T) {
	ctx := context.Background()
	rig := newOrchRig(t)
	rig.rt.FailCreate("t1-engine", 1, runtime.ErrInvalidDefinition.Msg("No such image"))

	h, err := rig.orch.Provision(ctx, "t1", "1.0.0", template.TierBasic)
	require.Nil(t, err)
	done := rig.waitHandle(t, h)
	require.Equal(t, HandleFailed, done.Status)

	tenant, err := rig.orch.GetTenantState(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, state.StateProvisionFailed, tenant.State)
	require.Empty(t, rig.rt.ContainerNames("t1-"))
	require.False(t, rig.rt.HasNetwork("t1-net"))
	require.True(t, rig.alerter.contains("provisioning failed"))

	// re-running the provision succeeds once the cause is gone
	rig.provision(t, "t1")
	tenant, err = rig.orch.GetTenantState(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, state.StateRunning, tenant.State)
}

func TestStartStopCycle(t *testing.T) {
	ctx := context.Background()
	rig := newOrchRig(t)
	rig.provision(t, "t1")

	h, err := rig.orch.StopStack(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, HandleSucceeded, rig.waitHandle(t, h).Status)

	tenant, err := rig.orch.GetTenantState(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, state.StateStopped, tenant.State)
	require.Empty(t, rig.rt.RunningContainers("t1-"))

	// stop is idempotent
	h, err = rig.orch.StopStack(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, HandleSucceeded, rig.waitHandle(t, h).Status)

	h, err = rig.orch.StartStack(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, HandleSucceeded, rig.waitHandle(t, h).Status)

	tenant, err = rig.orch.GetTenantState(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, state.StateRunning, tenant.State)
	require.Len(t, rig.rt.RunningContainers("t1-"), 4)
}

func TestStartMissingContainerIsConsistencyError(t *testing.T) {
	ctx := context.Background()
	rig := newOrchRig(t)
	rig.provision(t, "t1")

	h, err := rig.orch.StopStack(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, HandleSucceeded, rig.waitHandle(t, h).Status)

	// a container vanishes behind the orchestrator's back
	require.Nil(t, rig.rt.RemoveContainer(ctx, "t1-db"))

	h, err = rig.orch.StartStack(ctx, "t1")
	require.Nil(t, err)
	done := rig.waitHandle(t, h)
	require.Equal(t, HandleFailed, done.Status)
	require.Contains(t, done.ErrorDetail, "t1-db")
}

func TestConflictingOperationFailsFast(t *testing.T) {
	ctx := context.Background()
	rig := newOrchRig(t)
	rig.provision(t, "t1")

	require.Nil(t, rig.locker.TryAcquire(ctx, "t1", "someone-else"))
	_, err := rig.orch.StopStack(ctx, "t1")
	require.True(t, errors.Is(err, orcherrors.ErrOperationInFlight))
	require.Nil(t, rig.locker.Release(ctx, "t1", "someone-else"))
}

func TestConcurrentOperationsConflict(t *testing.T) {
	ctx := context.Background()
	rig := newOrchRig(t)
	rig.provision(t, "t1")

	// keep the winning operation in flight long enough for the loser's
	// lock attempt to land while the lock is still held
	rig.rt.FailStart("t1-db", 2, orcherrors.ErrTransient.Msg("runtime busy"))

	gate := make(chan struct{})
	var wg sync.WaitGroup
	handles := make([]*OperationHandle, 2)
	results := make([]apperrors.Error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-gate
			handles[i], results[i] = rig.orch.StartStack(ctx, "t1")
		}(i)
	}
	close(gate)
	wg.Wait()

	winners, conflicts := 0, 0
	for i := range results {
		switch {
		case results[i] == nil:
			winners++
			done := rig.waitHandle(t, handles[i])
			require.Equal(t, HandleSucceeded, done.Status, done.ErrorDetail)
		case errors.Is(results[i], orcherrors.ErrOperationInFlight):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", results[i])
		}
	}
	require.Equal(t, 1, winners)
	require.Equal(t, 1, conflicts)
}

func TestStartNonCriticalFailureIsDegraded(t *testing.T) {
	ctx := context.Background()
	rig := newOrchRig(t)
	rig.provision(t, "t1")

	h, err := rig.orch.StopStack(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, HandleSucceeded, rig.waitHandle(t, h).Status)

	rig.rt.FailStart("t1-dashboard", 10, orcherrors.ErrOperationFailed.Msg("bad mount"))

	h, err = rig.orch.StartStack(ctx, "t1")
	require.Nil(t, err)
	done := rig.waitHandle(t, h)
	require.Equal(t, HandleSucceeded, done.Status, done.ErrorDetail)

	tenant, err := rig.orch.GetTenantState(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, state.StateRunning, tenant.State)
	require.True(t, tenant.Degraded)
	require.NotNil(t, tenant.LastHealth)
	require.Equal(t, state.VerdictDegraded, tenant.LastHealth.Verdict)
	require.Len(t, tenant.LastHealth.Services, 1)
	require.Equal(t, "dashboard", tenant.LastHealth.Services[0].Service)
	require.Len(t, rig.rt.RunningContainers("t1-"), 3)
}

func TestUpgradeReplacesOnlyChangedServices(t *testing.T) {
	ctx := context.Background()
	rig := newOrchRig(t)
	rig.provision(t, "t1")
	rig.rt.SeedVolume("t1-db-data", []byte("tenant data D"))

	h, err := rig.orch.UpgradeStack(ctx, "t1", "1.1.0", true)
	require.Nil(t, err)
	done := rig.waitHandle(t, h)
	require.Equal(t, HandleSucceeded, done.Status, done.ErrorDetail)

	tenant, err := rig.orch.GetTenantState(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, state.StateRunning, tenant.State)
	require.Equal(t, "1.1.0", tenant.CurrentVersion)

	// versioned images replaced, pinned images untouched
	require.Equal(t, "stackplane/engine:1.1.0", rig.rt.ContainerImage("t1-engine"))
	require.Equal(t, "postgres:15-alpine", rig.rt.ContainerImage("t1-db"))
	require.Equal(t, []byte("tenant data D"), rig.rt.VolumeData("t1-db-data"))

	// backupFirst left one complete pre-upgrade record
	recs, err := rig.orch.ListBackups(ctx, "t1")
	require.Nil(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, state.BackupPreUpgrade, recs[0].Kind)
	require.Equal(t, state.BackupComplete, recs[0].Status)
}

func TestUpgradeFailureRollsBackWithBackup(t *testing.T) {
	ctx := context.Background()
	rig := newOrchRig(t)
	rig.provision(t, "t1")
	rig.rt.SeedVolume("t1-db-data", []byte("tenant data D"))

	// the 1.1.0 engine never comes up
	rig.rt.FailStart("t1-engine", 1, runtime.ErrInvalidDefinition.Msg("engine image is broken"))

	h, err := rig.orch.UpgradeStack(ctx, "t1", "1.1.0", true)
	require.Nil(t, err)
	done := rig.waitHandle(t, h)
	require.Equal(t, HandleFailed, done.Status)
	require.Contains(t, done.ErrorDetail, "rolled back")

	tenant, err := rig.orch.GetTenantState(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, state.StateRunning, tenant.State)
	require.Equal(t, "1.0.0", tenant.CurrentVersion)
	require.Equal(t, "stackplane/engine:1.0.0", rig.rt.ContainerImage("t1-engine"))
	require.Equal(t, []byte("tenant data D"), rig.rt.VolumeData("t1-db-data"))
	require.Len(t, rig.rt.RunningContainers("t1-"), 4)

	recs, err := rig.orch.ListBackups(ctx, "t1")
	require.Nil(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, state.BackupPreUpgrade, recs[0].Kind)
	require.Equal(t, state.BackupComplete, recs[0].Status)
}

func TestUpgradeFailureWithoutBackupParksUpgradeFailed(t *testing.T) {
	ctx := context.Background()
	rig := newOrchRig(t)
	rig.provision(t, "t1")

	rig.rt.FailStart("t1-engine", 1, runtime.ErrInvalidDefinition.Msg("engine image is broken"))

	h, err := rig.orch.UpgradeStack(ctx, "t1", "1.1.0", false)
	require.Nil(t, err)
	done := rig.waitHandle(t, h)
	require.Equal(t, HandleFailed, done.Status)

	tenant, err := rig.orch.GetTenantState(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, state.StateUpgradeFailed, tenant.State)
	require.Equal(t, "1.0.0", tenant.CurrentVersion)
	require.True(t, rig.alerter.contains("no pre-upgrade backup"))

	// the partial state is intact for inspection, not silently rolled back
	require.Equal(t, "stackplane/engine:1.1.0", rig.rt.ContainerImage("t1-engine"))
}

func TestAbortedBackupAbortsUpgrade(t *testing.T) {
	ctx := context.Background()
	rig := newOrchRig(t)
	rig.provision(t, "t1")

	// the dump fails harder than the retry budget
	rig.rt.FailExec("t1-db", 10, runtime.ErrRuntime.Msg("daemon hiccup"))

	h, err := rig.orch.UpgradeStack(ctx, "t1", "1.1.0", true)
	require.Nil(t, err)
	done := rig.waitHandle(t, h)
	require.Equal(t, HandleFailed, done.Status)
	require.Contains(t, done.ErrorDetail, "upgrade aborted")

	// no state change, no container churn
	tenant, err := rig.orch.GetTenantState(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, state.StateRunning, tenant.State)
	require.Equal(t, "1.0.0", tenant.CurrentVersion)
	require.Equal(t, "stackplane/engine:1.0.0", rig.rt.ContainerImage("t1-engine"))
}

func TestDecommissionIsTerminal(t *testing.T) {
	ctx := context.Background()
	rig := newOrchRig(t)
	rig.provision(t, "t1")

	rec, err := rig.orch.CreateBackup(ctx, "t1", state.BackupFull)
	require.Nil(t, err)
	require.Equal(t, state.BackupComplete, rec.Status)

	h, err := rig.orch.Decommission(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, HandleSucceeded, rig.waitHandle(t, h).Status)

	tenant, err := rig.orch.GetTenantState(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, state.StateDecommissioned, tenant.State)
	require.Empty(t, rig.rt.ContainerNames("t1-"))
	require.False(t, rig.rt.HasNetwork("t1-net"))

	// backups lose their retention grace immediately
	recs, err := rig.orch.ListBackups(ctx, "t1")
	require.Nil(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, state.BackupExpired, recs[0].Status)

	// no operation leaves the terminal state
	_, err = rig.orch.StartStack(ctx, "t1")
	require.True(t, errors.Is(err, orcherrors.ErrInvalidState))
	_, err = rig.orch.Decommission(ctx, "t1")
	require.True(t, errors.Is(err, orcherrors.ErrInvalidState))

	// but the tenant id can be provisioned fresh
	rig.provision(t, "t1")
	tenant, err = rig.orch.GetTenantState(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, state.StateRunning, tenant.State)
}

func TestBackupRestoreRoundTripThroughOrchestrator(t *testing.T) {
	ctx := context.Background()
	rig := newOrchRig(t)
	rig.provision(t, "t1")
	rig.rt.SeedVolume("t1-db-data", []byte("tenant data D"))

	rec, err := rig.orch.CreateBackup(ctx, "t1", state.BackupFull)
	require.Nil(t, err)
	require.Equal(t, state.BackupComplete, rec.Status)

	rig.rt.SeedVolume("t1-db-data", []byte("corrupted"))

	h, err := rig.orch.RestoreBackup(ctx, rec.ID, "t1")
	require.Nil(t, err)
	done := rig.waitHandle(t, h)
	require.Equal(t, HandleSucceeded, done.Status, done.ErrorDetail)

	require.Equal(t, []byte("tenant data D"), rig.rt.VolumeData("t1-db-data"))
	tenant, err := rig.orch.GetTenantState(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, state.StateRunning, tenant.State)
}

func TestRollbackValidatesBackupOwnership(t *testing.T) {
	ctx := context.Background()
	rig := newOrchRig(t)
	rig.provision(t, "t1")
	rig.provision(t, "t2")

	rec, err := rig.orch.CreateBackup(ctx, "t2", state.BackupFull)
	require.Nil(t, err)

	_, err = rig.orch.Rollback(ctx, "t1", rec.ID)
	require.True(t, errors.Is(err, orcherrors.ErrValidation))

	_, err = rig.orch.Rollback(ctx, "t1", "no-such-backup")
	require.True(t, errors.Is(err, orcherrors.ErrBackupNotFound))
}

func TestRecordHealthStreakAlertsOnce(t *testing.T) {
	ctx := context.Background()
	rig := newOrchRig(t)
	rig.provision(t, "t1")

	unhealthy := &state.HealthResult{Verdict: state.VerdictUnhealthy, CheckedAt: time.Now().UTC()}
	for i := 0; i < 3; i++ {
		rig.orch.RecordHealth(ctx, "t1", unhealthy)
	}
	require.True(t, rig.alerter.contains("unhealthy for 3 consecutive probes"))
	alertsAfterThree := rig.alerter.count()

	// further unhealthy probes do not re-alert
	rig.orch.RecordHealth(ctx, "t1", unhealthy)
	require.Equal(t, alertsAfterThree, rig.alerter.count())

	tenant, err := rig.orch.GetTenantState(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, state.StateRunning, tenant.State) // never a transition
	require.Equal(t, 4, tenant.UnhealthyStreak)

	// a healthy probe resets the streak
	rig.orch.RecordHealth(ctx, "t1", &state.HealthResult{Verdict: state.VerdictHealthy, CheckedAt: time.Now().UTC()})
	tenant, err = rig.orch.GetTenantState(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, 0, tenant.UnhealthyStreak)
}

func TestGetHealthComposite(t *testing.T) {
	ctx := context.Background()
	rig := newOrchRig(t)
	rig.provision(t, "t1")

	result, err := rig.orch.GetHealth(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, state.VerdictHealthy, result.Verdict)

	require.Nil(t, rig.rt.StopContainer(ctx, "t1-db"))
	result, err = rig.orch.GetHealth(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, state.VerdictUnhealthy, result.Verdict)

	// the probe result is persisted as the tenant's last health, with no
	// state transition
	tenant, err := rig.orch.GetTenantState(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, state.StateRunning, tenant.State)
	require.NotNil(t, tenant.LastHealth)
	require.Equal(t, state.VerdictUnhealthy, tenant.LastHealth.Verdict)
	require.Equal(t, 1, tenant.UnhealthyStreak)
}

func TestGetOperationUnknownHandle(t *testing.T) {
	rig := newOrchRig(t)
	_, err := rig.orch.GetOperation("no-such-op")
	require.True(t, errors.Is(err, orcherrors.ErrNotFound))
}
