package state

import (
	"context"
	"net/http"
	"time"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/orcherrors"
)

var (
	ErrStore        apperrors.Error = apperrors.New("state store error").SetStatusCode(http.StatusInternalServerError)
	ErrTenantExists apperrors.Error = orcherrors.ErrConflict.New("tenant already exists")
)

// Store is the durable tenant state store. All writes to a tenant record go
// through compare-and-set on its revision so a concurrent health update and
// a lifecycle transition can never silently lose each other.
type Store interface {
	CreateTenant(ctx context.Context, t *TenantStack) apperrors.Error
	GetTenant(ctx context.Context, tenantID string) (*TenantStack, apperrors.Error)
	// SaveTenant persists t if the stored revision equals expectedRevision,
	// bumping the revision on success. Mismatch returns ErrRevisionConflict.
	SaveTenant(ctx context.Context, t *TenantStack, expectedRevision int64) apperrors.Error
	// UpdateHealth is the prober's narrow write path: it replaces only the
	// health fields and does not contend with lifecycle CAS writes.
	UpdateHealth(ctx context.Context, tenantID string, h *HealthResult, unhealthyStreak int) apperrors.Error
	ListTenants(ctx context.Context) ([]*TenantStack, apperrors.Error)

	CreateBackup(ctx context.Context, b *BackupRecord) apperrors.Error
	// FinalizeBackup moves an in-progress record to complete or failed.
	FinalizeBackup(ctx context.Context, backupID string, status BackupStatus, sizeBytes int64, errDetail string) apperrors.Error
	GetBackup(ctx context.Context, backupID string) (*BackupRecord, apperrors.Error)
	// ListBackups returns a tenant's backups newest first.
	ListBackups(ctx context.Context, tenantID string) ([]*BackupRecord, apperrors.Error)
	// LatestCompleteBackup returns the most recent complete backup of the
	// given kind, or ErrBackupNotFound.
	LatestCompleteBackup(ctx context.Context, tenantID string, kind BackupKind) (*BackupRecord, apperrors.Error)
	// ListReapableBackups returns complete/failed/expired records past their
	// retention horizon. In-progress records are never returned.
	ListReapableBackups(ctx context.Context, now time.Time) ([]*BackupRecord, apperrors.Error)
	DeleteBackup(ctx context.Context, backupID string) apperrors.Error
	// ExpireTenantBackups makes all of a tenant's backups immediately
	// reclaimable (decommission drops the retention grace).
	ExpireTenantBackups(ctx context.Context, tenantID string, now time.Time) apperrors.Error
}

// OperationLocker serializes operations per tenant. The in-memory
// implementation covers a single orchestrator process; the postgres lease
// implementation covers multiple replicas. Acquisition never queues: a held
// lock fails fast with ErrOperationInFlight.
type OperationLocker interface {
	TryAcquire(ctx context.Context, tenantID, owner string) apperrors.Error
	Release(ctx context.Context, tenantID, owner string) apperrors.Error
}
