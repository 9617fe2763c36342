package health

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stackplane/stackplane-internal/internal/orchsrv/state"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/template"
)

// Recorder is the single writer of health results. The sweep never writes
// to the state store itself.
type Recorder interface {
	RecordHealth(ctx context.Context, tenantID string, result *state.HealthResult)
}

// Sweeper periodically probes every running tenant and hands the results
// to the recorder.
type Sweeper struct {
	store    state.Store
	catalog  *template.Catalog
	prober   ServiceProber
	recorder Recorder
	interval time.Duration
}

func NewSweeper(store state.Store, catalog *template.Catalog, prober ServiceProber, recorder Recorder, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		store:    store,
		catalog:  catalog,
		prober:   prober,
		recorder: recorder,
		interval: interval,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce probes all running tenants once. Stopped and in-transition
// tenants are skipped: an expected-down stack is not unhealthy, and a
// stack mid-operation would produce noise.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("health sweep: unable to list tenants")
		return
	}
	for _, t := range tenants {
		if t.State != state.StateRunning {
			continue
		}
		def, rerr := s.catalog.Render(template.StackSpec{
			TenantID:    t.TenantID,
			Version:     t.CurrentVersion,
			Tier:        t.Tier,
			NetworkName: t.NetworkName,
		})
		if rerr != nil {
			log.Ctx(ctx).Warn().Err(rerr).Str("tenant_id", t.TenantID).Msg("health sweep: unable to render stack")
			continue
		}
		result := ProbeStack(ctx, s.prober, def)
		s.recorder.RecordHealth(ctx, t.TenantID, result)
	}
}
