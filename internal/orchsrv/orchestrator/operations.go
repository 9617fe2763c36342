package orchestrator

import (
	"context"
	"errors"
	"regexp"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/alert"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/orcherrors"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/runtime"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/state"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/template"
)

var tenantIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,31}$`)

func validateTenantID(tenantID string) apperrors.Error {
	if !tenantIDPattern.MatchString(tenantID) {
		return orcherrors.ErrInvalidTenantID.Msg("invalid tenant id: " + tenantID)
	}
	return nil
}

// begin acquires the tenant's operation lock and creates a handle whose id
// owns the lock. Fails fast when another operation is in flight.
func (o *Orchestrator) begin(ctx context.Context, tenantID string, kind state.OperationKind) (*OperationHandle, apperrors.Error) {
	h := o.handles.create(tenantID, kind)
	if err := o.locker.TryAcquire(ctx, tenantID, h.ID); err != nil {
		o.handles.finish(h.ID, err)
		return nil, err
	}
	return h, nil
}

// requireStable fetches the tenant and checks its state is one of the
// allowed stable states for the requested operation.
func (o *Orchestrator) requireStable(ctx context.Context, tenantID string, allowed ...state.StackState) (*state.TenantStack, apperrors.Error) {
	t, err := o.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, s := range allowed {
		if t.State == s {
			return t, nil
		}
	}
	return nil, orcherrors.ErrInvalidState.Msg("operation not allowed in state " + string(t.State))
}

// Provision creates a tenant's stack from scratch. Re-running a failed or
// interrupted provision is safe: existing containers are detected by name
// and reused.
func (o *Orchestrator) Provision(ctx context.Context, tenantID, version string, tier template.ResourceTier) (*OperationHandle, apperrors.Error) {
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	parsedTier, err := template.ParseTier(string(tier))
	if err != nil {
		return nil, err
	}
	if version == "" {
		return nil, orcherrors.ErrUnknownVersion.Msg("empty stack version")
	}

	t := &state.TenantStack{
		TenantID:       tenantID,
		State:          state.StatePending,
		CurrentVersion: version,
		Tier:           parsedTier,
		NetworkName:    tenantID + "-net",
	}
	if cerr := o.store.CreateTenant(ctx, t); cerr != nil {
		if !orcherrors.IsConflict(cerr) {
			return nil, cerr
		}
		existing, gerr := o.store.GetTenant(ctx, tenantID)
		if gerr != nil {
			return nil, cerr
		}
		if existing.State != state.StatePending && existing.State != state.StateProvisionFailed {
			return nil, cerr
		}
		// resume a failed or interrupted provision
		existing.CurrentVersion = version
		existing.Tier = parsedTier
		t = existing
	}

	h, err := o.begin(ctx, tenantID, state.OpProvision)
	if err != nil {
		return nil, err
	}
	return h, o.run(h, func(ctx context.Context) apperrors.Error {
		return o.provision(ctx, t)
	})
}

func (o *Orchestrator) provision(ctx context.Context, t *state.TenantStack) apperrors.Error {
	if err := o.saveState(ctx, t, state.StateProvisioning); err != nil {
		return err
	}
	def, err := o.renderCurrent(t)
	if err != nil {
		return o.failProvision(ctx, t, def, err)
	}
	t.ServiceNames = def.ServiceNames()

	if err := o.ensureNetwork(ctx, def.NetworkName); err != nil {
		return o.failProvision(ctx, t, def, err)
	}
	for _, svc := range def.StartupOrder() {
		if cerr := ctx.Err(); cerr != nil {
			return o.failProvision(ctx, t, def, orcherrors.ErrOperationFailed.Err(cerr))
		}
		if err := o.ensureServiceUp(ctx, def, &svc); err != nil {
			return o.failProvision(ctx, t, def, err)
		}
	}

	t.Degraded = false
	if err := o.saveState(ctx, t, state.StateRunning); err != nil {
		return err
	}
	return nil
}

// failProvision tears down in reverse order and parks the tenant in
// ProvisionFailed. Volumes are kept so a re-run does not lose data.
func (o *Orchestrator) failProvision(ctx context.Context, t *state.TenantStack, def *template.StackDefinition, cause apperrors.Error) apperrors.Error {
	if def != nil {
		for _, svc := range def.ShutdownOrder() {
			if err := o.rt.StopContainer(ctx, svc.ContainerName); err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("container", svc.ContainerName).Msg("teardown: unable to stop container")
			}
			if err := o.rt.RemoveContainer(ctx, svc.ContainerName); err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("container", svc.ContainerName).Msg("teardown: unable to remove container")
			}
		}
		if err := o.rt.RemoveNetwork(ctx, def.NetworkName); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("network", def.NetworkName).Msg("teardown: unable to remove network")
		}
	}
	if err := o.saveState(ctx, t, state.StateProvisionFailed); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("unable to persist provision failure")
	}
	o.alerter.Notify(ctx, t.TenantID, alert.SeverityCritical, "provisioning failed: "+cause.Error())
	return cause
}

func (o *Orchestrator) ensureNetwork(ctx context.Context, name string) apperrors.Error {
	return o.withRetry(ctx, func() apperrors.Error {
		exists, err := o.rt.NetworkExists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		return o.rt.CreateNetwork(ctx, name)
	})
}

// ensureServiceUp creates the container if it does not already exist, then
// starts it and waits for readiness.
func (o *Orchestrator) ensureServiceUp(ctx context.Context, def *template.StackDefinition, svc *template.ServiceDefinition) apperrors.Error {
	_, err := o.rt.InspectContainer(ctx, svc.ContainerName)
	if err != nil {
		if !errors.Is(err, runtime.ErrContainerNotFound) {
			return err
		}
		cfg, cfgErr := o.containerConfig(ctx, def, svc)
		if cfgErr != nil {
			return cfgErr
		}
		if err := o.withRetry(ctx, func() apperrors.Error {
			return o.rt.CreateContainer(ctx, cfg)
		}); err != nil && !errors.Is(err, runtime.ErrContainerExists) {
			return err
		}
	}
	if err := o.withRetry(ctx, func() apperrors.Error {
		return o.rt.StartContainer(ctx, svc.ContainerName)
	}); err != nil {
		return err
	}
	return o.waitReady(ctx, svc)
}

// containerConfig resolves a service definition into a runnable container
// config, pulling secret env values through the provider. Resolved values
// never appear in logs.
func (o *Orchestrator) containerConfig(ctx context.Context, def *template.StackDefinition, svc *template.ServiceDefinition) (runtime.ContainerConfig, apperrors.Error) {
	env := make(map[string]string, len(svc.Env))
	for _, e := range svc.Env {
		if e.Secret != "" {
			v, err := o.secrets.Resolve(ctx, def.TenantID, e.Secret)
			if err != nil {
				return runtime.ContainerConfig{}, err
			}
			env[e.Name] = v
			continue
		}
		env[e.Name] = e.Value
	}
	cfg := runtime.ContainerConfig{
		Name:     svc.ContainerName,
		Image:    svc.Image,
		Command:  svc.Command,
		Network:  def.NetworkName,
		Env:      env,
		CPUs:     svc.CPUs,
		MemoryMB: svc.MemoryMB,
		Labels: map[string]string{
			"stackplane.tenant":  def.TenantID,
			"stackplane.service": svc.Name,
		},
	}
	for _, v := range svc.Volumes {
		cfg.Volumes = append(cfg.Volumes, runtime.VolumeMount{Volume: v.VolumeName, Path: v.Path})
	}
	return cfg, nil
}

// waitReady polls the service's probe until it answers or the attempt
// budget runs out.
func (o *Orchestrator) waitReady(ctx context.Context, svc *template.ServiceDefinition) apperrors.Error {
	var last state.ServiceHealth
	for attempt := 0; attempt < o.opts.ReadinessAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return orcherrors.ErrOperationFailed.Err(ctx.Err())
			case <-time.After(o.opts.ReadinessInterval):
			}
		}
		last = o.prober.ProbeService(ctx, svc)
		if last.Reachable {
			return nil
		}
	}
	return orcherrors.ErrOperationFailed.Msg("service " + svc.Name + " did not become ready: " + last.Error)
}

// StartStack starts a stopped stack in dependency order. A non-critical
// service failing to start leaves the stack Running with the degraded
// flag and the failure recorded in the last health result; a critical
// one fails the operation.
func (o *Orchestrator) StartStack(ctx context.Context, tenantID string) (*OperationHandle, apperrors.Error) {
	t, err := o.requireStable(ctx, tenantID, state.StateStopped, state.StateRunning)
	if err != nil {
		return nil, err
	}
	h, err := o.begin(ctx, tenantID, state.OpStart)
	if err != nil {
		return nil, err
	}
	return h, o.run(h, func(ctx context.Context) apperrors.Error {
		return o.start(ctx, t)
	})
}

func (o *Orchestrator) start(ctx context.Context, t *state.TenantStack) apperrors.Error {
	def, err := o.renderCurrent(t)
	if err != nil {
		return err
	}
	var failed []state.ServiceHealth
	for _, svc := range def.StartupOrder() {
		if cerr := ctx.Err(); cerr != nil {
			return orcherrors.ErrOperationFailed.Err(cerr)
		}
		if _, ierr := o.rt.InspectContainer(ctx, svc.ContainerName); ierr != nil {
			if errors.Is(ierr, runtime.ErrContainerNotFound) {
				// stored state says the stack exists; the engine disagrees
				return orcherrors.ErrConsistency.Msg("container " + svc.ContainerName + " missing for provisioned tenant")
			}
			return ierr
		}
		serr := o.withRetry(ctx, func() apperrors.Error {
			return o.rt.StartContainer(ctx, svc.ContainerName)
		})
		if serr == nil {
			serr = o.waitReady(ctx, &svc)
		}
		if serr != nil {
			if svc.Kind.Critical() {
				return serr
			}
			log.Ctx(ctx).Warn().Err(serr).Str("service", svc.Name).Msg("non-critical service failed to start, continuing degraded")
			failed = append(failed, state.ServiceHealth{
				Service: svc.Name,
				Kind:    svc.Kind,
				Error:   serr.Error(),
			})
		}
	}
	t.Degraded = len(failed) > 0
	if err := o.saveState(ctx, t, state.StateRunning); err != nil {
		return err
	}
	if len(failed) > 0 {
		o.RecordHealth(ctx, t.TenantID, &state.HealthResult{
			Verdict:   state.VerdictDegraded,
			Services:  failed,
			CheckedAt: time.Now().UTC(),
		})
	}
	return nil
}

// StopStack stops a stack in reverse dependency order. Idempotent.
func (o *Orchestrator) StopStack(ctx context.Context, tenantID string) (*OperationHandle, apperrors.Error) {
	t, err := o.requireStable(ctx, tenantID, state.StateRunning, state.StateStopped)
	if err != nil {
		return nil, err
	}
	h, err := o.begin(ctx, tenantID, state.OpStop)
	if err != nil {
		return nil, err
	}
	return h, o.run(h, func(ctx context.Context) apperrors.Error {
		return o.stop(ctx, t)
	})
}

func (o *Orchestrator) stop(ctx context.Context, t *state.TenantStack) apperrors.Error {
	def, err := o.renderCurrent(t)
	if err != nil {
		return err
	}
	for _, svc := range def.ShutdownOrder() {
		if err := o.withRetry(ctx, func() apperrors.Error {
			return o.rt.StopContainer(ctx, svc.ContainerName)
		}); err != nil {
			return err
		}
	}
	t.Degraded = false
	return o.saveState(ctx, t, state.StateStopped)
}

// UpgradeStack moves a tenant to a new stack version, replacing only the
// services whose definition changed. With backupFirst a pre-upgrade backup
// is taken and the upgrade aborts if it fails. On a failed upgrade the
// stack is rolled back automatically only when a complete pre-upgrade
// backup exists; otherwise it parks in UpgradeFailed with the partial
// state intact.
func (o *Orchestrator) UpgradeStack(ctx context.Context, tenantID, newVersion string, backupFirst bool) (*OperationHandle, apperrors.Error) {
	if newVersion == "" {
		return nil, orcherrors.ErrUnknownVersion.Msg("empty stack version")
	}
	t, err := o.requireStable(ctx, tenantID, state.StateRunning, state.StateStopped)
	if err != nil {
		return nil, err
	}
	h, err := o.begin(ctx, tenantID, state.OpUpgrade)
	if err != nil {
		return nil, err
	}
	return h, o.run(h, func(ctx context.Context) apperrors.Error {
		return o.upgrade(ctx, t, newVersion, backupFirst)
	})
}

func (o *Orchestrator) upgrade(ctx context.Context, t *state.TenantStack, newVersion string, backupFirst bool) apperrors.Error {
	if backupFirst {
		if _, err := o.backups.CreateBackup(ctx, t, state.BackupPreUpgrade); err != nil {
			// abort before any state change
			return orcherrors.ErrOperationFailed.MsgErr("pre-upgrade backup failed, upgrade aborted", err)
		}
	}

	oldDef, err := o.renderCurrent(t)
	if err != nil {
		return err
	}
	newDef, err := o.catalog.Render(template.StackSpec{
		TenantID:    t.TenantID,
		Version:     newVersion,
		Tier:        t.Tier,
		NetworkName: t.NetworkName,
	})
	if err != nil {
		return err
	}
	diff := template.Diff(oldDef, newDef)
	if diff.Empty() {
		// nothing to replace, just adopt the version label
		t.CurrentVersion = newVersion
		return o.saveState(ctx, t, t.State)
	}

	if err := o.saveState(ctx, t, state.StateUpgrading); err != nil {
		return err
	}
	upgErr := o.applyDiff(ctx, oldDef, newDef, diff)
	if upgErr == nil {
		t.CurrentVersion = newVersion
		t.ServiceNames = newDef.ServiceNames()
		t.Degraded = false
		return o.saveState(ctx, t, state.StateRunning)
	}

	pre, perr := o.store.LatestCompleteBackup(ctx, t.TenantID, state.BackupPreUpgrade)
	if perr != nil {
		// no known-good backup: keep the partial state for inspection
		if serr := o.saveState(ctx, t, state.StateUpgradeFailed); serr != nil {
			log.Ctx(ctx).Error().Err(serr).Msg("unable to persist upgrade failure")
		}
		o.alerter.Notify(ctx, t.TenantID, alert.SeverityCritical,
			"upgrade to "+newVersion+" failed with no pre-upgrade backup: "+upgErr.Error())
		return upgErr
	}

	if err := o.saveState(ctx, t, state.StateRollingBack); err != nil {
		return err
	}
	if rbErr := o.restoreToBackup(ctx, t, pre); rbErr != nil {
		if serr := o.saveState(ctx, t, state.StateUpgradeFailed); serr != nil {
			log.Ctx(ctx).Error().Err(serr).Msg("unable to persist rollback failure")
		}
		o.alerter.Notify(ctx, t.TenantID, alert.SeverityCritical,
			"upgrade to "+newVersion+" failed and rollback failed: "+rbErr.Error())
		return rbErr
	}
	t.CurrentVersion = pre.StackVersion
	t.Degraded = false
	if serr := o.saveState(ctx, t, state.StateRunning); serr != nil {
		return serr
	}
	o.alerter.Notify(ctx, t.TenantID, alert.SeverityWarning,
		"upgrade to "+newVersion+" failed, rolled back to "+pre.StackVersion)
	return orcherrors.ErrOperationFailed.MsgErr("upgrade failed, stack rolled back to "+pre.StackVersion, upgErr)
}

// applyDiff replaces changed services and tears down removed ones, leaving
// unchanged services untouched.
func (o *Orchestrator) applyDiff(ctx context.Context, oldDef, newDef *template.StackDefinition, diff *template.StackDiff) apperrors.Error {
	replaced := make(map[string]bool, len(diff.Removed)+len(diff.Changed))
	for _, name := range diff.Removed {
		replaced[name] = true
	}
	for _, name := range diff.Changed {
		replaced[name] = true
	}

	for _, svc := range oldDef.ShutdownOrder() {
		if !replaced[svc.Name] {
			continue
		}
		if err := o.withRetry(ctx, func() apperrors.Error {
			return o.rt.StopContainer(ctx, svc.ContainerName)
		}); err != nil {
			return err
		}
		if err := o.withRetry(ctx, func() apperrors.Error {
			return o.rt.RemoveContainer(ctx, svc.ContainerName)
		}); err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
			return err
		}
	}

	touched := make(map[string]bool, len(diff.Added)+len(diff.Changed))
	for _, name := range diff.Touched() {
		touched[name] = true
	}
	for _, svc := range newDef.StartupOrder() {
		if cerr := ctx.Err(); cerr != nil {
			return orcherrors.ErrOperationFailed.Err(cerr)
		}
		if !touched[svc.Name] {
			continue
		}
		if err := o.ensureServiceUp(ctx, newDef, &svc); err != nil {
			return err
		}
	}
	return nil
}

// Rollback restores a tenant to the stack version captured in a named
// backup: replace containers at that version, replay the archive, restart,
// verify health, reset CurrentVersion.
func (o *Orchestrator) Rollback(ctx context.Context, tenantID, backupID string) (*OperationHandle, apperrors.Error) {
	t, err := o.requireStable(ctx, tenantID,
		state.StateRunning, state.StateStopped, state.StateUpgradeFailed)
	if err != nil {
		return nil, err
	}
	rec, err := o.store.GetBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if rec.TenantID != tenantID {
		return nil, orcherrors.ErrValidation.Msg("backup " + backupID + " does not belong to tenant " + tenantID)
	}
	if rec.Status != state.BackupComplete {
		return nil, orcherrors.ErrValidation.Msg("backup " + backupID + " is not complete")
	}
	h, err := o.begin(ctx, tenantID, state.OpRollback)
	if err != nil {
		return nil, err
	}
	return h, o.run(h, func(ctx context.Context) apperrors.Error {
		return o.rollback(ctx, t, rec)
	})
}

func (o *Orchestrator) rollback(ctx context.Context, t *state.TenantStack, rec *state.BackupRecord) apperrors.Error {
	if err := o.saveState(ctx, t, state.StateRollingBack); err != nil {
		return err
	}
	if err := o.restoreToBackup(ctx, t, rec); err != nil {
		if serr := o.saveState(ctx, t, state.StateUpgradeFailed); serr != nil {
			log.Ctx(ctx).Error().Err(serr).Msg("unable to persist rollback failure")
		}
		return err
	}
	t.CurrentVersion = rec.StackVersion
	t.Degraded = false
	return o.saveState(ctx, t, state.StateRunning)
}

// restoreToBackup aligns the tenant's containers with the backup's stack
// version, replays the archive through the backup engine, and verifies the
// result is not unhealthy.
func (o *Orchestrator) restoreToBackup(ctx context.Context, t *state.TenantStack, rec *state.BackupRecord) apperrors.Error {
	targetDef, err := o.catalog.Render(template.StackSpec{
		TenantID:    t.TenantID,
		Version:     rec.StackVersion,
		Tier:        t.Tier,
		NetworkName: t.NetworkName,
	})
	if err != nil {
		return err
	}

	// replace any container that does not match the target version
	for _, svc := range targetDef.ShutdownOrder() {
		info, ierr := o.rt.InspectContainer(ctx, svc.ContainerName)
		if ierr != nil {
			if errors.Is(ierr, runtime.ErrContainerNotFound) {
				continue
			}
			return ierr
		}
		if info.Image == svc.Image {
			continue
		}
		if err := o.withRetry(ctx, func() apperrors.Error {
			return o.rt.StopContainer(ctx, svc.ContainerName)
		}); err != nil {
			return err
		}
		if err := o.withRetry(ctx, func() apperrors.Error {
			return o.rt.RemoveContainer(ctx, svc.ContainerName)
		}); err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
			return err
		}
	}
	for _, svc := range targetDef.StartupOrder() {
		if _, ierr := o.rt.InspectContainer(ctx, svc.ContainerName); ierr == nil {
			continue
		} else if !errors.Is(ierr, runtime.ErrContainerNotFound) {
			return ierr
		}
		cfg, cfgErr := o.containerConfig(ctx, targetDef, &svc)
		if cfgErr != nil {
			return cfgErr
		}
		if err := o.withRetry(ctx, func() apperrors.Error {
			return o.rt.CreateContainer(ctx, cfg)
		}); err != nil && !errors.Is(err, runtime.ErrContainerExists) {
			return err
		}
	}

	if err := o.backups.RestoreBackup(ctx, rec, t); err != nil {
		return err
	}
	t.ServiceNames = targetDef.ServiceNames()

	// verify the restored stack answers its probes
	for _, svc := range targetDef.StartupOrder() {
		if err := o.waitReady(ctx, &svc); err != nil {
			if svc.Kind.Critical() {
				return orcherrors.ErrOperationFailed.MsgErr("stack unhealthy after restore", err)
			}
			log.Ctx(ctx).Warn().Err(err).Str("service", svc.Name).Msg("non-critical service unhealthy after restore")
		}
	}
	return nil
}

// Decommission tears down a tenant's stack for good: containers, volumes
// and network removed, backups expired immediately, state terminal.
func (o *Orchestrator) Decommission(ctx context.Context, tenantID string) (*OperationHandle, apperrors.Error) {
	t, err := o.requireStable(ctx, tenantID,
		state.StateRunning, state.StateStopped, state.StateProvisionFailed, state.StateUpgradeFailed, state.StatePending)
	if err != nil {
		return nil, err
	}
	h, err := o.begin(ctx, tenantID, state.OpDecommission)
	if err != nil {
		return nil, err
	}
	return h, o.run(h, func(ctx context.Context) apperrors.Error {
		return o.decommission(ctx, t)
	})
}

func (o *Orchestrator) decommission(ctx context.Context, t *state.TenantStack) apperrors.Error {
	if err := o.saveState(ctx, t, state.StateDecommissioning); err != nil {
		return err
	}
	def, err := o.renderCurrent(t)
	if err != nil {
		return err
	}
	for _, svc := range def.ShutdownOrder() {
		if err := o.withRetry(ctx, func() apperrors.Error {
			return o.rt.StopContainer(ctx, svc.ContainerName)
		}); err != nil {
			return err
		}
		if err := o.withRetry(ctx, func() apperrors.Error {
			return o.rt.RemoveContainer(ctx, svc.ContainerName)
		}); err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
			return err
		}
		for _, v := range svc.Volumes {
			if err := o.rt.RemoveVolume(ctx, v.VolumeName); err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("volume", v.VolumeName).Msg("unable to remove volume")
			}
		}
	}
	if err := o.withRetry(ctx, func() apperrors.Error {
		return o.rt.RemoveNetwork(ctx, def.NetworkName)
	}); err != nil && !errors.Is(err, runtime.ErrNetworkNotFound) {
		return err
	}
	if err := o.store.ExpireTenantBackups(ctx, t.TenantID, time.Now().UTC()); err != nil {
		return err
	}
	return o.saveState(ctx, t, state.StateDecommissioned)
}

// CreateBackup takes a backup under the tenant's operation lock and
// returns the finalized record.
func (o *Orchestrator) CreateBackup(ctx context.Context, tenantID string, kind state.BackupKind) (*state.BackupRecord, apperrors.Error) {
	t, err := o.requireStable(ctx, tenantID, state.StateRunning, state.StateStopped)
	if err != nil {
		return nil, err
	}
	owner, nerr := gonanoid.New()
	if nerr != nil {
		return nil, orcherrors.ErrOperationFailed.Err(nerr)
	}
	if err := o.locker.TryAcquire(ctx, tenantID, owner); err != nil {
		return nil, err
	}
	defer func() {
		if err := o.locker.Release(ctx, tenantID, owner); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("tenant_id", tenantID).Msg("unable to release operation lock")
		}
	}()
	return o.backups.CreateBackup(ctx, t, kind)
}

// RestoreBackup replays a named backup into a tenant's stack.
func (o *Orchestrator) RestoreBackup(ctx context.Context, backupID, tenantID string) (*OperationHandle, apperrors.Error) {
	t, err := o.requireStable(ctx, tenantID,
		state.StateRunning, state.StateStopped, state.StateUpgradeFailed)
	if err != nil {
		return nil, err
	}
	rec, err := o.store.GetBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if rec.Status != state.BackupComplete {
		return nil, orcherrors.ErrValidation.Msg("backup " + backupID + " is not complete")
	}
	h, err := o.begin(ctx, tenantID, state.OpRestore)
	if err != nil {
		return nil, err
	}
	return h, o.run(h, func(ctx context.Context) apperrors.Error {
		return o.rollback(ctx, t, rec)
	})
}
