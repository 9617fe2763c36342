// Package backup snapshots a tenant's persistent data into a single
// archive and reverses the operation. The engine runs under the caller's
// per-tenant operation lock; only the retention sweep runs lock free.
package backup

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/archive"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/orcherrors"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/runtime"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/state"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/template"
)

var ErrBackup apperrors.Error = orcherrors.ErrOperationFailed.New("backup operation failed").SetStatusCode(http.StatusInternalServerError)

const defaultRetentionDays = 7

// Params wires an Engine.
type Params struct {
	Store   state.Store
	Runtime runtime.Adapter
	Catalog *template.Catalog
	Archive archive.Store
	// RetentionDays maps a resource tier to its backup retention horizon.
	RetentionDays map[string]int
	// RetryAttempts and RetryBaseDelay bound retries of transient runtime
	// and archive failures.
	RetryAttempts  uint
	RetryBaseDelay time.Duration
}

// Engine implements backup, restore, the retention sweep, and scheduled
// backups.
type Engine struct {
	store     state.Store
	rt        runtime.Adapter
	catalog   *template.Catalog
	arch      archive.Store
	retention map[string]int
	attempts  uint
	baseDelay time.Duration
}

func NewEngine(p Params) *Engine {
	if p.RetryAttempts == 0 {
		p.RetryAttempts = 3
	}
	if p.RetryBaseDelay <= 0 {
		p.RetryBaseDelay = 200 * time.Millisecond
	}
	return &Engine{
		store:     p.Store,
		rt:        p.Runtime,
		catalog:   p.Catalog,
		arch:      p.Archive,
		retention: p.RetentionDays,
		attempts:  p.RetryAttempts,
		baseDelay: p.RetryBaseDelay,
	}
}

func (e *Engine) retentionFor(tier template.ResourceTier) time.Duration {
	days, ok := e.retention[string(tier)]
	if !ok || days <= 0 {
		days = defaultRetentionDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// withRetry retries fn on transient failures with exponential backoff.
func (e *Engine) withRetry(ctx context.Context, fn func() apperrors.Error) apperrors.Error {
	err := retry.Do(
		func() error {
			if err := fn(); err != nil {
				return err
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(e.attempts),
		retry.Delay(e.baseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(orcherrors.IsTransient),
	)
	if err == nil {
		return nil
	}
	if aerr, ok := err.(apperrors.Error); ok {
		return aerr
	}
	return ErrBackup.Err(err)
}

// dumpTargets picks the services whose data goes into an archive of the
// given kind. Config-only backups capture just the engine's configuration
// volume; full and pre-upgrade backups capture every dumpable service.
func dumpTargets(def *template.StackDefinition, kind state.BackupKind) []template.ServiceDefinition {
	var out []template.ServiceDefinition
	for _, s := range def.StartupOrder() {
		if s.Kind.DumpCommand() == nil {
			continue
		}
		if kind == state.BackupConfigOnly && s.Kind != template.KindEngine {
			continue
		}
		out = append(out, s)
	}
	return out
}

// CreateBackup takes a backup of the tenant's stack. The record is written
// in-progress before any container work and finalized exactly once; a
// failure at any step finalizes it as failed, never as a partial complete.
func (e *Engine) CreateBackup(ctx context.Context, tenant *state.TenantStack, kind state.BackupKind) (*state.BackupRecord, apperrors.Error) {
	if !kind.Valid() {
		return nil, orcherrors.ErrValidation.Msg("unknown backup kind: " + string(kind))
	}
	def, err := e.catalog.Render(template.StackSpec{
		TenantID:    tenant.TenantID,
		Version:     tenant.CurrentVersion,
		Tier:        tenant.Tier,
		NetworkName: tenant.NetworkName,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	rec := &state.BackupRecord{
		ID:              id,
		TenantID:        tenant.TenantID,
		Kind:            kind,
		Status:          state.BackupInProgress,
		StackVersion:    tenant.CurrentVersion,
		ArchiveLocation: tenant.TenantID + "/backup-" + id + ".tar.sz",
		CreatedAt:       now,
		RetentionUntil:  now.Add(e.retentionFor(tenant.Tier)),
	}
	if err := e.store.CreateBackup(ctx, rec); err != nil {
		return nil, err
	}

	size, err := e.runBackup(ctx, def, kind, rec)
	if err != nil {
		if ferr := e.store.FinalizeBackup(ctx, rec.ID, state.BackupFailed, 0, err.Error()); ferr != nil {
			log.Ctx(ctx).Error().Err(ferr).Str("backup_id", rec.ID).Msg("unable to finalize failed backup record")
		}
		return nil, err
	}
	if err := e.store.FinalizeBackup(ctx, rec.ID, state.BackupComplete, size, ""); err != nil {
		return nil, err
	}
	return e.store.GetBackup(ctx, rec.ID)
}

func (e *Engine) runBackup(ctx context.Context, def *template.StackDefinition, kind state.BackupKind, rec *state.BackupRecord) (int64, apperrors.Error) {
	m := &manifest{
		TenantID:     def.TenantID,
		StackVersion: def.Version,
		Kind:         kind,
		CreatedAt:    rec.CreatedAt,
	}
	dumps := make(map[string][]byte)
	for _, svc := range dumpTargets(def, kind) {
		data, err := e.dumpService(ctx, &svc)
		if err != nil {
			return 0, err
		}
		dumps[svc.Name] = data
		m.Dumps = append(m.Dumps, dumpEntry{
			Service:   svc.Name,
			Kind:      svc.Kind,
			SizeBytes: int64(len(data)),
		})
	}

	blob, err := encodeArchive(m, dumps)
	if err != nil {
		return 0, err
	}
	var size int64
	err = e.withRetry(ctx, func() apperrors.Error {
		var perr apperrors.Error
		_, size, perr = e.arch.Put(ctx, rec.ArchiveLocation, blob)
		return perr
	})
	if err != nil {
		return 0, err
	}
	return size, nil
}

// dumpService issues the kind's consistent dump command inside the running
// container. Containers that are not running are started for the dump and
// stopped again afterwards.
func (e *Engine) dumpService(ctx context.Context, svc *template.ServiceDefinition) ([]byte, apperrors.Error) {
	info, err := e.rt.InspectContainer(ctx, svc.ContainerName)
	if err != nil {
		return nil, ErrBackup.MsgErr("unable to inspect "+svc.ContainerName, err)
	}
	startedForDump := false
	if !info.Running {
		if err := e.withRetry(ctx, func() apperrors.Error {
			return e.rt.StartContainer(ctx, svc.ContainerName)
		}); err != nil {
			return nil, err
		}
		startedForDump = true
	}
	var data []byte
	err = e.withRetry(ctx, func() apperrors.Error {
		var perr apperrors.Error
		data, perr = e.rt.Exec(ctx, svc.ContainerName, svc.Kind.DumpCommand(), nil)
		return perr
	})
	if startedForDump {
		if serr := e.rt.StopContainer(ctx, svc.ContainerName); serr != nil {
			log.Ctx(ctx).Warn().Err(serr).Str("container", svc.ContainerName).Msg("unable to stop container after dump")
		}
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// RestoreBackup replays a backup archive into the target tenant's stack.
// Re-running a restore against the same backup is idempotent: dumps are
// full replacements, not increments.
func (e *Engine) RestoreBackup(ctx context.Context, rec *state.BackupRecord, target *state.TenantStack) apperrors.Error {
	if rec.Status != state.BackupComplete {
		return orcherrors.ErrValidation.Msg("backup " + rec.ID + " is not complete")
	}
	var blob []byte
	err := e.withRetry(ctx, func() apperrors.Error {
		var perr apperrors.Error
		blob, perr = e.arch.Get(ctx, rec.ArchiveLocation)
		return perr
	})
	if err != nil {
		return err
	}
	m, dumps, err := decodeArchive(blob)
	if err != nil {
		return err
	}

	def, err := e.catalog.Render(template.StackSpec{
		TenantID:    target.TenantID,
		Version:     rec.StackVersion,
		Tier:        target.Tier,
		NetworkName: target.NetworkName,
	})
	if err != nil {
		return err
	}

	restored := make(map[string]bool, len(m.Dumps))
	for _, d := range m.Dumps {
		restored[d.Service] = true
	}

	// quiesce consumers of the restored data before replaying
	for _, svc := range def.ShutdownOrder() {
		if restored[svc.Name] {
			continue
		}
		if serr := e.rt.StopContainer(ctx, svc.ContainerName); serr != nil {
			return ErrBackup.MsgErr("unable to stop "+svc.ContainerName, serr)
		}
	}

	for _, svc := range def.StartupOrder() {
		if !restored[svc.Name] {
			continue
		}
		if err := e.withRetry(ctx, func() apperrors.Error {
			return e.rt.StartContainer(ctx, svc.ContainerName)
		}); err != nil {
			return err
		}
		data := dumps[svc.Name]
		if err := e.withRetry(ctx, func() apperrors.Error {
			_, perr := e.rt.Exec(ctx, svc.ContainerName, svc.Kind.RestoreCommand(), bytes.NewReader(data))
			return perr
		}); err != nil {
			return err
		}
	}

	// bring the rest of the stack back in dependency order
	for _, svc := range def.StartupOrder() {
		if err := e.withRetry(ctx, func() apperrors.Error {
			return e.rt.StartContainer(ctx, svc.ContainerName)
		}); err != nil {
			return err
		}
	}
	return nil
}

// RetentionSweep deletes archives and records past their retention
// horizon. The archive object goes first so a sweep failure can never
// leave a record pointing at a deleted archive while claiming otherwise;
// in-progress records are never touched.
func (e *Engine) RetentionSweep(ctx context.Context, now time.Time) (int, apperrors.Error) {
	reapable, err := e.store.ListReapableBackups(ctx, now)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, rec := range reapable {
		if rec.ArchiveLocation != "" {
			if derr := e.withRetry(ctx, func() apperrors.Error {
				return e.arch.Delete(ctx, rec.ArchiveLocation)
			}); derr != nil {
				log.Ctx(ctx).Warn().Err(derr).Str("backup_id", rec.ID).Msg("retention sweep: unable to delete archive, will retry next sweep")
				continue
			}
		}
		if derr := e.store.DeleteBackup(ctx, rec.ID); derr != nil {
			log.Ctx(ctx).Warn().Err(derr).Str("backup_id", rec.ID).Msg("retention sweep: unable to delete record")
			continue
		}
		reaped++
	}
	return reaped, nil
}

// RunScheduledBackups takes a full backup of every running tenant. Tenants
// whose backup fails are logged and skipped; the schedule moves on.
func (e *Engine) RunScheduledBackups(ctx context.Context, locker state.OperationLocker) {
	tenants, err := e.store.ListTenants(ctx)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("scheduled backups: unable to list tenants")
		return
	}
	for _, t := range tenants {
		if t.State != state.StateRunning {
			continue
		}
		owner := "scheduled-backup-" + uuid.NewString()
		if lerr := locker.TryAcquire(ctx, t.TenantID, owner); lerr != nil {
			log.Ctx(ctx).Info().Str("tenant_id", t.TenantID).Msg("scheduled backups: tenant busy, skipping")
			continue
		}
		_, berr := e.CreateBackup(ctx, t, state.BackupFull)
		if rerr := locker.Release(ctx, t.TenantID, owner); rerr != nil {
			log.Ctx(ctx).Warn().Err(rerr).Str("tenant_id", t.TenantID).Msg("scheduled backups: unable to release lock")
		}
		if berr != nil {
			log.Ctx(ctx).Warn().Err(berr).Str("tenant_id", t.TenantID).Msg("scheduled backup failed")
			continue
		}
		log.Ctx(ctx).Info().Str("tenant_id", t.TenantID).Msg("scheduled backup complete")
	}
}
