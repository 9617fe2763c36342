package state

import (
	"context"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/orcherrors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MemoryStore is the single-process state store. Records are deep-copied on
// the way in and out so callers can never mutate stored state outside a
// SaveTenant CAS.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*TenantStack
	backups map[string]*BackupRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*TenantStack),
		backups: make(map[string]*BackupRecord),
	}
}

func cloneTenant(t *TenantStack) *TenantStack {
	data, err := json.Marshal(t)
	if err != nil {
		return nil
	}
	out := &TenantStack{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil
	}
	return out
}

func cloneBackup(b *BackupRecord) *BackupRecord {
	data, err := json.Marshal(b)
	if err != nil {
		return nil
	}
	out := &BackupRecord{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil
	}
	return out
}

func (m *MemoryStore) CreateTenant(_ context.Context, t *TenantStack) apperrors.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tenants[t.TenantID]; ok && !existing.State.Terminal() {
		return ErrTenantExists.Msg("tenant " + t.TenantID + " already exists")
	}
	stored := cloneTenant(t)
	stored.Revision = 1
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.tenants[t.TenantID] = stored
	t.Revision = stored.Revision
	t.CreatedAt = stored.CreatedAt
	t.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *MemoryStore) GetTenant(_ context.Context, tenantID string) (*TenantStack, apperrors.Error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, orcherrors.ErrTenantNotFound.Msg("tenant " + tenantID + " not found")
	}
	return cloneTenant(t), nil
}

func (m *MemoryStore) SaveTenant(_ context.Context, t *TenantStack, expectedRevision int64) apperrors.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.tenants[t.TenantID]
	if !ok {
		return orcherrors.ErrTenantNotFound.Msg("tenant " + t.TenantID + " not found")
	}
	if existing.Revision != expectedRevision {
		return orcherrors.ErrRevisionConflict
	}
	stored := cloneTenant(t)
	stored.Revision = expectedRevision + 1
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now().UTC()
	// the health fields belong to the prober's write path
	stored.LastHealth = existing.LastHealth
	stored.UnhealthyStreak = existing.UnhealthyStreak
	m.tenants[t.TenantID] = stored
	t.Revision = stored.Revision
	t.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *MemoryStore) UpdateHealth(_ context.Context, tenantID string, h *HealthResult, unhealthyStreak int) apperrors.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return orcherrors.ErrTenantNotFound.Msg("tenant " + tenantID + " not found")
	}
	t.LastHealth = h
	t.UnhealthyStreak = unhealthyStreak
	return nil
}

func (m *MemoryStore) ListTenants(_ context.Context) ([]*TenantStack, apperrors.Error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TenantStack, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, cloneTenant(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (m *MemoryStore) CreateBackup(_ context.Context, b *BackupRecord) apperrors.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backups[b.ID]; ok {
		return ErrStore.Msg("backup id collision: " + b.ID)
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	m.backups[b.ID] = cloneBackup(b)
	return nil
}

func (m *MemoryStore) FinalizeBackup(_ context.Context, backupID string, status BackupStatus, sizeBytes int64, errDetail string) apperrors.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backups[backupID]
	if !ok {
		return orcherrors.ErrBackupNotFound.Msg("backup " + backupID + " not found")
	}
	b.Status = status
	b.SizeBytes = sizeBytes
	b.ErrorDetail = errDetail
	now := time.Now().UTC()
	b.CompletedAt = &now
	return nil
}

func (m *MemoryStore) GetBackup(_ context.Context, backupID string) (*BackupRecord, apperrors.Error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backups[backupID]
	if !ok {
		return nil, orcherrors.ErrBackupNotFound.Msg("backup " + backupID + " not found")
	}
	return cloneBackup(b), nil
}

func (m *MemoryStore) ListBackups(_ context.Context, tenantID string) ([]*BackupRecord, apperrors.Error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*BackupRecord
	for _, b := range m.backups {
		if b.TenantID == tenantID {
			out = append(out, cloneBackup(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) LatestCompleteBackup(ctx context.Context, tenantID string, kind BackupKind) (*BackupRecord, apperrors.Error) {
	backups, err := m.ListBackups(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, b := range backups {
		if b.Kind == kind && b.Status == BackupComplete {
			return b, nil
		}
	}
	return nil, orcherrors.ErrBackupNotFound.Msg("no complete " + string(kind) + " backup for tenant " + tenantID)
}

func (m *MemoryStore) ListReapableBackups(_ context.Context, now time.Time) ([]*BackupRecord, apperrors.Error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*BackupRecord
	for _, b := range m.backups {
		if b.Reapable(now) {
			out = append(out, cloneBackup(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteBackup(_ context.Context, backupID string) apperrors.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backups, backupID)
	return nil
}

func (m *MemoryStore) ExpireTenantBackups(_ context.Context, tenantID string, now time.Time) apperrors.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.backups {
		if b.TenantID == tenantID && b.Status != BackupInProgress {
			b.RetentionUntil = now
			b.Status = BackupExpired
		}
	}
	return nil
}

// MemoryLocker is the single-process OperationLocker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]string)}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, tenantID, owner string) apperrors.Error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.held[tenantID]; held {
		return orcherrors.ErrOperationInFlight.Msg("conflicting operation in progress for tenant " + tenantID)
	}
	l.held[tenantID] = owner
	return nil
}

func (l *MemoryLocker) Release(_ context.Context, tenantID, owner string) apperrors.Error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if holder, held := l.held[tenantID]; held && holder == owner {
		delete(l.held, tenantID)
	}
	return nil
}
