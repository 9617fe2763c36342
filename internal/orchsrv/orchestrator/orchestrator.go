// Package orchestrator drives tenant stacks through their lifecycle. It is
// the only writer of lifecycle state: every operation runs under the
// tenant's operation lock, persists its transitions through the state
// store's compare-and-set, and exits its transient state exactly once.
package orchestrator

import (
	"context"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/alert"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/backup"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/health"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/orcherrors"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/runtime"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/secrets"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/state"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/template"
)

// Options bound the operation executor.
type Options struct {
	MaxWorkers              int
	QueueSize               int
	RetryAttempts           uint
	RetryBaseDelay          time.Duration
	OperationTimeout        time.Duration
	ReadinessAttempts       int
	ReadinessInterval       time.Duration
	UnhealthyAlertThreshold int
}

func (o *Options) fill() {
	if o.RetryAttempts == 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 200 * time.Millisecond
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 10 * time.Minute
	}
	if o.ReadinessAttempts <= 0 {
		o.ReadinessAttempts = 30
	}
	if o.ReadinessInterval <= 0 {
		o.ReadinessInterval = 2 * time.Second
	}
	if o.UnhealthyAlertThreshold <= 0 {
		o.UnhealthyAlertThreshold = 3
	}
}

// Params wires an Orchestrator.
type Params struct {
	Store   state.Store
	Locker  state.OperationLocker
	Runtime runtime.Adapter
	Catalog *template.Catalog
	Backups *backup.Engine
	Secrets secrets.Provider
	Alerter alert.Alerter
	Prober  health.ServiceProber
	Options Options
}

// Orchestrator is the command surface of the control plane. Mutating calls
// validate, take the tenant's lock, and return an OperationHandle; the
// operation itself runs on the worker pool.
type Orchestrator struct {
	store   state.Store
	locker  state.OperationLocker
	rt      runtime.Adapter
	catalog *template.Catalog
	backups *backup.Engine
	secrets secrets.Provider
	alerter alert.Alerter
	prober  health.ServiceProber
	handles *handleRegistry
	pool    *workerPool
	opts    Options
}

func New(p Params) *Orchestrator {
	p.Options.fill()
	if p.Alerter == nil {
		p.Alerter = alert.LogAlerter{}
	}
	return &Orchestrator{
		store:   p.Store,
		locker:  p.Locker,
		rt:      p.Runtime,
		catalog: p.Catalog,
		backups: p.Backups,
		secrets: p.Secrets,
		alerter: p.Alerter,
		prober:  p.Prober,
		handles: newHandleRegistry(),
		pool:    newWorkerPool(p.Options.MaxWorkers, p.Options.QueueSize),
		opts:    p.Options,
	}
}

// Shutdown waits for in-flight operations to finish.
func (o *Orchestrator) Shutdown() {
	o.pool.stop()
}

// GetOperation returns the current status of an operation handle.
func (o *Orchestrator) GetOperation(handleID string) (*OperationHandle, apperrors.Error) {
	return o.handles.get(handleID)
}

// GetTenantState returns the stored record for a tenant.
func (o *Orchestrator) GetTenantState(ctx context.Context, tenantID string) (*state.TenantStack, apperrors.Error) {
	return o.store.GetTenant(ctx, tenantID)
}

// ListBackups returns a tenant's backup records, newest first.
func (o *Orchestrator) ListBackups(ctx context.Context, tenantID string) ([]*state.BackupRecord, apperrors.Error) {
	if _, err := o.store.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	return o.store.ListBackups(ctx, tenantID)
}

// GetHealth probes the tenant's stack synchronously, records the result
// as the tenant's last health, and returns it. Never a state transition.
func (o *Orchestrator) GetHealth(ctx context.Context, tenantID string) (*state.HealthResult, apperrors.Error) {
	t, err := o.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	def, err := o.renderCurrent(t)
	if err != nil {
		return nil, err
	}
	result := health.ProbeStack(ctx, o.prober, def)
	o.RecordHealth(ctx, tenantID, result)
	return result, nil
}

// RecordHealth implements health.Recorder: it persists the sweep's result
// through the narrow health write path and alerts after the configured
// number of consecutive unhealthy verdicts. Never a state transition.
func (o *Orchestrator) RecordHealth(ctx context.Context, tenantID string, result *state.HealthResult) {
	t, err := o.store.GetTenant(ctx, tenantID)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("tenant_id", tenantID).Msg("health record for unknown tenant")
		return
	}
	streak := 0
	if result.Verdict == state.VerdictUnhealthy {
		streak = t.UnhealthyStreak + 1
	}
	if err := o.store.UpdateHealth(ctx, tenantID, result, streak); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("tenant_id", tenantID).Msg("unable to record health result")
		return
	}
	if streak == o.opts.UnhealthyAlertThreshold {
		o.alerter.Notify(ctx, tenantID, alert.SeverityCritical,
			"tenant unhealthy for "+strconv.Itoa(streak)+" consecutive probes")
	}
}

// renderCurrent renders the stack definition for a tenant's stored
// version, tier and network.
func (o *Orchestrator) renderCurrent(t *state.TenantStack) (*template.StackDefinition, apperrors.Error) {
	return o.catalog.Render(template.StackSpec{
		TenantID:    t.TenantID,
		Version:     t.CurrentVersion,
		Tier:        t.Tier,
		NetworkName: t.NetworkName,
	})
}

// withRetry retries fn on transient failures with exponential backoff.
// Non-transient errors fail immediately.
func (o *Orchestrator) withRetry(ctx context.Context, fn func() apperrors.Error) apperrors.Error {
	err := retry.Do(
		func() error {
			if err := fn(); err != nil {
				return err
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(o.opts.RetryAttempts),
		retry.Delay(o.opts.RetryBaseDelay),
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
	return orcherrors.ErrOperationFailed.Err(err)
}

// run validates nothing itself: the caller has already checked
// preconditions and acquired the lock. It executes op on the pool with the
// operation timeout, finalizes the handle, and releases the lock.
func (o *Orchestrator) run(h *OperationHandle, op func(ctx context.Context) apperrors.Error) apperrors.Error {
	submitErr := o.pool.submit(h.ID, func(_ context.Context) {
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.OperationTimeout)
		defer cancel()
		logger := log.With().
			Str("operation_id", h.ID).
			Str("tenant_id", h.TenantID).
			Str("operation", string(h.Kind)).
			Logger()
		ctx = logger.WithContext(ctx)

		o.handles.setRunning(h.ID)
		logger.Info().Msg("operation started")
		opErr := op(ctx)
		o.finishOperation(ctx, h, opErr)
	})
	if submitErr != nil {
		o.handles.finish(h.ID, submitErr)
		if rerr := o.locker.Release(context.Background(), h.TenantID, h.ID); rerr != nil {
			log.Warn().Err(rerr).Str("tenant_id", h.TenantID).Msg("unable to release operation lock")
		}
		return submitErr
	}
	return nil
}

func (o *Orchestrator) finishOperation(ctx context.Context, h *OperationHandle, opErr apperrors.Error) {
	o.handles.finish(h.ID, opErr)
	if err := o.locker.Release(ctx, h.TenantID, h.ID); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("unable to release operation lock")
	}
	o.recordLastOperation(ctx, h, opErr)
	if opErr != nil {
		log.Ctx(ctx).Error().Err(opErr).Msg("operation failed")
		return
	}
	log.Ctx(ctx).Info().Msg("operation complete")
}

// recordLastOperation persists the operation trace onto the tenant record.
// Best effort: the handle registry already has the authoritative status.
func (o *Orchestrator) recordLastOperation(ctx context.Context, h *OperationHandle, opErr apperrors.Error) {
	t, err := o.store.GetTenant(ctx, h.TenantID)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	rec := &state.OperationRecord{
		HandleID:   h.ID,
		Kind:       state.OperationKind(h.Kind),
		StartedAt:  h.CreatedAt,
		FinishedAt: &now,
		Outcome:    state.OutcomeSucceeded,
	}
	if opErr != nil {
		rec.Outcome = state.OutcomeFailed
		rec.ErrorDetail = opErr.Error()
	}
	t.LastOperation = rec
	if err := o.store.SaveTenant(ctx, t, t.Revision); err != nil {
		log.Ctx(ctx).Debug().Err(err).Msg("unable to record operation trace")
	}
}

// saveState persists a tenant transition via compare-and-set.
func (o *Orchestrator) saveState(ctx context.Context, t *state.TenantStack, to state.StackState) apperrors.Error {
	from := t.State
	t.State = to
	if err := o.store.SaveTenant(ctx, t, t.Revision); err != nil {
		t.State = from
		return err
	}
	log.Ctx(ctx).Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("state transition")
	return nil
}
