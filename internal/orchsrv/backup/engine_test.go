package backup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stackplane/stackplane-internal/internal/orchsrv/archive"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/orcherrors"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/runtime"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/state"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/template"
)

type testRig struct {
	engine  *Engine
	store   *state.MemoryStore
	rt      *runtime.Fake
	arch    *archive.MemStore
	catalog *template.Catalog
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		store:   state.NewMemoryStore(),
		rt:      runtime.NewFake(),
		arch:    archive.NewMemStore(),
		catalog: template.NewCatalog(),
	}
	rig.engine = NewEngine(Params{
		Store:          rig.store,
		Runtime:        rig.rt,
		Catalog:        rig.catalog,
		Archive:        rig.arch,
		RetentionDays:  map[string]int{"free": 3, "basic": 7, "pro": 30, "premium": 90},
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
	})
	return rig
}

// deployTenant materializes a running stack for tenantID in the fake
// runtime and records it in the store.
func (r *testRig) deployTenant(t *testing.T, tenantID string) *state.TenantStack {
	t.Helper()
	ctx := context.Background()
	def, err := r.catalog.Render(template.StackSpec{
		TenantID: tenantID, Version: "1.0.0", Tier: template.TierBasic,
	})
	require.Nil(t, err)
	require.Nil(t, r.rt.CreateNetwork(ctx, def.NetworkName))
	for _, svc := range def.StartupOrder() {
		cfg := runtime.ContainerConfig{
			Name:    svc.ContainerName,
			Image:   svc.Image,
			Network: def.NetworkName,
		}
		for _, v := range svc.Volumes {
			cfg.Volumes = append(cfg.Volumes, runtime.VolumeMount{Volume: v.VolumeName, Path: v.Path})
		}
		require.Nil(t, r.rt.CreateContainer(ctx, cfg))
		require.Nil(t, r.rt.StartContainer(ctx, svc.ContainerName))
	}
	tenant := &state.TenantStack{
		TenantID:       tenantID,
		State:          state.StateRunning,
		CurrentVersion: "1.0.0",
		Tier:           template.TierBasic,
		NetworkName:    def.NetworkName,
		ServiceNames:   def.ServiceNames(),
	}
	require.Nil(t, r.store.CreateTenant(ctx, tenant))
	return tenant
}

func TestCreateBackupRoundTrip(t *testing.T) {
	ctx := context.Background()
	rig := newRig(t)
	tenant := rig.deployTenant(t, "t1")
	rig.rt.SeedVolume("t1-db-data", []byte("tenant data D"))
	rig.rt.SeedVolume("t1-engine-data", []byte("engine config"))

	rec, err := rig.engine.CreateBackup(ctx, tenant, state.BackupFull)
	require.Nil(t, err)
	require.Equal(t, state.BackupComplete, rec.Status)
	require.Greater(t, rec.SizeBytes, int64(0))
	require.Equal(t, "1.0.0", rec.StackVersion)
	require.Equal(t, 1, rig.arch.Len())

	// clobber the data, then restore into the same tenant
	rig.rt.SeedVolume("t1-db-data", []byte("corrupted"))
	require.Nil(t, rig.engine.RestoreBackup(ctx, rec, tenant))
	require.Equal(t, []byte("tenant data D"), rig.rt.VolumeData("t1-db-data"))
	require.Equal(t, []byte("engine config"), rig.rt.VolumeData("t1-engine-data"))

	// the whole stack is running again afterwards
	require.Len(t, rig.rt.RunningContainers("t1-"), 4)
}

func TestRestoreIntoFreshTenant(t *testing.T) {
	ctx := context.Background()
	rig := newRig(t)
	src := rig.deployTenant(t, "t1")
	rig.rt.SeedVolume("t1-db-data", []byte("tenant data D"))

	rec, err := rig.engine.CreateBackup(ctx, src, state.BackupFull)
	require.Nil(t, err)

	dst := rig.deployTenant(t, "t2")
	require.Nil(t, rig.engine.RestoreBackup(ctx, rec, dst))
	require.Equal(t, []byte("tenant data D"), rig.rt.VolumeData("t2-db-data"))
}

func TestRestoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rig := newRig(t)
	tenant := rig.deployTenant(t, "t1")
	rig.rt.SeedVolume("t1-db-data", []byte("tenant data D"))

	rec, err := rig.engine.CreateBackup(ctx, tenant, state.BackupFull)
	require.Nil(t, err)

	require.Nil(t, rig.engine.RestoreBackup(ctx, rec, tenant))
	require.Nil(t, rig.engine.RestoreBackup(ctx, rec, tenant))
	require.Equal(t, []byte("tenant data D"), rig.rt.VolumeData("t1-db-data"))
}

func TestConfigOnlyBackupSkipsDataStores(t *testing.T) {
	ctx := context.Background()
	rig := newRig(t)
	tenant := rig.deployTenant(t, "t1")
	rig.rt.SeedVolume("t1-db-data", []byte("tenant data D"))
	rig.rt.SeedVolume("t1-engine-data", []byte("engine config"))

	rec, err := rig.engine.CreateBackup(ctx, tenant, state.BackupConfigOnly)
	require.Nil(t, err)

	blob, aerr := rig.arch.Get(ctx, rec.ArchiveLocation)
	require.Nil(t, aerr)
	m, dumps, derr := decodeArchive(blob)
	require.Nil(t, derr)
	require.Len(t, m.Dumps, 1)
	require.Equal(t, "engine", m.Dumps[0].Service)
	require.Equal(t, []byte("engine config"), dumps["engine"])
}

func TestFailedDumpFinalizesRecordAsFailed(t *testing.T) {
	ctx := context.Background()
	rig := newRig(t)
	tenant := rig.deployTenant(t, "t1")

	// more transient failures than the retry budget
	rig.rt.FailExec("t1-db", 5, runtime.ErrRuntime.Msg("daemon hiccup"))

	_, err := rig.engine.CreateBackup(ctx, tenant, state.BackupFull)
	require.NotNil(t, err)
	require.True(t, orcherrors.IsTransient(err))

	recs, lerr := rig.store.ListBackups(ctx, "t1")
	require.Nil(t, lerr)
	require.Len(t, recs, 1)
	require.Equal(t, state.BackupFailed, recs[0].Status)
	require.NotEmpty(t, recs[0].ErrorDetail)
	require.Equal(t, 0, rig.arch.Len())
}

func TestCreateBackupDumpsStoppedServices(t *testing.T) {
	ctx := context.Background()
	rig := newRig(t)
	tenant := rig.deployTenant(t, "t1")
	rig.rt.SeedVolume("t1-db-data", []byte("tenant data D"))

	// a stopped database is started for the dump and stopped again
	require.Nil(t, rig.rt.StopContainer(ctx, "t1-db"))
	rec, err := rig.engine.CreateBackup(ctx, tenant, state.BackupFull)
	require.Nil(t, err)
	require.Equal(t, state.BackupComplete, rec.Status)
	require.NotContains(t, rig.rt.RunningContainers("t1-"), "t1-db")
}

func TestRetentionSweep(t *testing.T) {
	ctx := context.Background()
	rig := newRig(t)
	tenant := rig.deployTenant(t, "t1")
	rig.rt.SeedVolume("t1-db-data", []byte("tenant data D"))

	rec, err := rig.engine.CreateBackup(ctx, tenant, state.BackupFull)
	require.Nil(t, err)

	// not yet expired
	reaped, err := rig.engine.RetentionSweep(ctx, time.Now().UTC())
	require.Nil(t, err)
	require.Equal(t, 0, reaped)

	// past the basic tier's 7-day horizon
	reaped, err = rig.engine.RetentionSweep(ctx, time.Now().UTC().Add(8*24*time.Hour))
	require.Nil(t, err)
	require.Equal(t, 1, reaped)
	require.Equal(t, 0, rig.arch.Len())
	_, gerr := rig.store.GetBackup(ctx, rec.ID)
	require.True(t, errors.Is(gerr, orcherrors.ErrBackupNotFound))
}

func TestRetentionSweepSkipsInProgress(t *testing.T) {
	ctx := context.Background()
	rig := newRig(t)

	require.Nil(t, rig.store.CreateBackup(ctx, &state.BackupRecord{
		ID: "b1", TenantID: "t1", Kind: state.BackupFull, Status: state.BackupInProgress,
		RetentionUntil: time.Now().UTC().Add(-time.Hour),
	}))

	reaped, err := rig.engine.RetentionSweep(ctx, time.Now().UTC())
	require.Nil(t, err)
	require.Equal(t, 0, reaped)
	_, gerr := rig.store.GetBackup(ctx, "b1")
	require.Nil(t, gerr)
}

func TestScheduledBackupsSkipBusyTenants(t *testing.T) {
	ctx := context.Background()
	rig := newRig(t)
	rig.deployTenant(t, "t1")
	t2 := rig.deployTenant(t, "t2")
	t2.State = state.StateStopped
	require.Nil(t, rig.store.SaveTenant(ctx, t2, t2.Revision))

	locker := state.NewMemoryLocker()
	require.Nil(t, locker.TryAcquire(ctx, "t1", "other-op"))

	// t1 is locked, t2 is not running: nothing gets backed up
	rig.engine.RunScheduledBackups(ctx, locker)
	recs, err := rig.store.ListBackups(ctx, "t1")
	require.Nil(t, err)
	require.Empty(t, recs)

	// once the lock is released the running tenant gets its backup
	require.Nil(t, locker.Release(ctx, "t1", "other-op"))
	rig.engine.RunScheduledBackups(ctx, locker)
	recs, err = rig.store.ListBackups(ctx, "t1")
	require.Nil(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, state.BackupComplete, recs[0].Status)
	require.Equal(t, state.BackupFull, recs[0].Kind)
}
