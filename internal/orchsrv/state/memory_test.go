package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stackplane/stackplane-internal/internal/orchsrv/orcherrors"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/template"
)

func newTenant(id string) *TenantStack {
	return &TenantStack{
		TenantID:    id,
		State:       StatePending,
		Tier:        template.TierBasic,
		NetworkName: id + "-net",
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tn := newTenant("t1")
	require.Nil(t, s.CreateTenant(ctx, tn))
	require.Equal(t, int64(1), tn.Revision)

	got, err := s.GetTenant(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, StatePending, got.State)

	// duplicate non-terminal tenant is a conflict
	err = s.CreateTenant(ctx, newTenant("t1"))
	require.NotNil(t, err)
	require.True(t, errors.Is(err, orcherrors.ErrConflict))

	_, err = s.GetTenant(ctx, "ghost")
	require.True(t, errors.Is(err, orcherrors.ErrTenantNotFound))
}

func TestMemoryStoreReprovisionAfterDecommission(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tn := newTenant("t1")
	require.Nil(t, s.CreateTenant(ctx, tn))
	tn.State = StateDecommissioned
	require.Nil(t, s.SaveTenant(ctx, tn, tn.Revision))

	// a decommissioned tenant id may be provisioned again
	require.Nil(t, s.CreateTenant(ctx, newTenant("t1")))
	got, err := s.GetTenant(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, StatePending, got.State)
	require.Equal(t, int64(1), got.Revision)
}

func TestMemoryStoreSaveTenantCAS(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tn := newTenant("t1")
	require.Nil(t, s.CreateTenant(ctx, tn))

	tn.State = StateProvisioning
	require.Nil(t, s.SaveTenant(ctx, tn, 1))
	require.Equal(t, int64(2), tn.Revision)

	// stale revision loses the race
	stale := newTenant("t1")
	stale.State = StateRunning
	err := s.SaveTenant(ctx, stale, 1)
	require.NotNil(t, err)
	require.True(t, errors.Is(err, orcherrors.ErrRevisionConflict))

	got, gerr := s.GetTenant(ctx, "t1")
	require.Nil(t, gerr)
	require.Equal(t, StateProvisioning, got.State)
	require.Equal(t, int64(2), got.Revision)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.Nil(t, s.CreateTenant(ctx, newTenant("t1")))

	got, err := s.GetTenant(ctx, "t1")
	require.Nil(t, err)
	got.State = StateRunning

	again, err := s.GetTenant(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, StatePending, again.State)
}

func TestMemoryStoreHealthWriteIsIndependent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tn := newTenant("t1")
	require.Nil(t, s.CreateTenant(ctx, tn))

	h := &HealthResult{Verdict: VerdictDegraded, CheckedAt: time.Now().UTC()}
	require.Nil(t, s.UpdateHealth(ctx, "t1", h, 0))

	// a CAS write at the current revision does not clobber health
	tn.State = StateRunning
	require.Nil(t, s.SaveTenant(ctx, tn, 1))

	got, err := s.GetTenant(ctx, "t1")
	require.Nil(t, err)
	require.Equal(t, StateRunning, got.State)
	require.NotNil(t, got.LastHealth)
	require.Equal(t, VerdictDegraded, got.LastHealth.Verdict)

	require.True(t, errors.Is(s.UpdateHealth(ctx, "ghost", h, 1), orcherrors.ErrTenantNotFound))
}

func TestMemoryStoreBackupQueries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	mk := func(id string, kind BackupKind, status BackupStatus, age time.Duration, retention time.Duration) {
		require.Nil(t, s.CreateBackup(ctx, &BackupRecord{
			ID:             id,
			TenantID:       "t1",
			Kind:           kind,
			Status:         status,
			CreatedAt:      now.Add(-age),
			RetentionUntil: now.Add(retention),
		}))
	}

	mk("b1", BackupFull, BackupComplete, 3*time.Hour, 24*time.Hour)
	mk("b2", BackupFull, BackupComplete, 2*time.Hour, 24*time.Hour)
	mk("b3", BackupFull, BackupFailed, time.Hour, -time.Hour)
	mk("b4", BackupPreUpgrade, BackupInProgress, 30*time.Minute, -time.Hour)

	list, err := s.ListBackups(ctx, "t1")
	require.Nil(t, err)
	require.Len(t, list, 4)
	require.Equal(t, "b4", list[0].ID) // newest first

	latest, err := s.LatestCompleteBackup(ctx, "t1", BackupFull)
	require.Nil(t, err)
	require.Equal(t, "b2", latest.ID)

	_, err = s.LatestCompleteBackup(ctx, "t1", BackupConfigOnly)
	require.True(t, errors.Is(err, orcherrors.ErrBackupNotFound))

	// only b3 is past retention and not in progress
	reap, err := s.ListReapableBackups(ctx, now)
	require.Nil(t, err)
	require.Len(t, reap, 1)
	require.Equal(t, "b3", reap[0].ID)
}

func TestMemoryStoreFinalizeBackup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.Nil(t, s.CreateBackup(ctx, &BackupRecord{
		ID: "b1", TenantID: "t1", Kind: BackupFull, Status: BackupInProgress,
		RetentionUntil: time.Now().UTC().Add(24 * time.Hour),
	}))
	require.Nil(t, s.FinalizeBackup(ctx, "b1", BackupComplete, 4096, ""))

	b, err := s.GetBackup(ctx, "b1")
	require.Nil(t, err)
	require.Equal(t, BackupComplete, b.Status)
	require.Equal(t, int64(4096), b.SizeBytes)
	require.NotNil(t, b.CompletedAt)

	require.True(t, errors.Is(s.FinalizeBackup(ctx, "ghost", BackupFailed, 0, "x"), orcherrors.ErrBackupNotFound))
}

func TestMemoryStoreExpireTenantBackups(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()

	require.Nil(t, s.CreateBackup(ctx, &BackupRecord{
		ID: "b1", TenantID: "t1", Kind: BackupFull, Status: BackupComplete,
		RetentionUntil: now.Add(24 * time.Hour),
	}))
	require.Nil(t, s.CreateBackup(ctx, &BackupRecord{
		ID: "b2", TenantID: "t1", Kind: BackupFull, Status: BackupInProgress,
		RetentionUntil: now.Add(24 * time.Hour),
	}))

	require.Nil(t, s.ExpireTenantBackups(ctx, "t1", now))

	b1, err := s.GetBackup(ctx, "b1")
	require.Nil(t, err)
	require.Equal(t, BackupExpired, b1.Status)

	// in-progress records stay untouched
	b2, err := s.GetBackup(ctx, "b2")
	require.Nil(t, err)
	require.Equal(t, BackupInProgress, b2.Status)
}

func TestMemoryLockerFailFast(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	require.Nil(t, l.TryAcquire(ctx, "t1", "op-a"))

	err := l.TryAcquire(ctx, "t1", "op-b")
	require.NotNil(t, err)
	require.True(t, errors.Is(err, orcherrors.ErrOperationInFlight))

	// a different tenant is independent
	require.Nil(t, l.TryAcquire(ctx, "t2", "op-b"))

	// only the holder can release
	require.Nil(t, l.Release(ctx, "t1", "op-b"))
	require.True(t, errors.Is(l.TryAcquire(ctx, "t1", "op-b"), orcherrors.ErrOperationInFlight))

	require.Nil(t, l.Release(ctx, "t1", "op-a"))
	require.Nil(t, l.TryAcquire(ctx, "t1", "op-b"))
}
