// Package health probes tenant stacks and composes per-service results
// into a single verdict. Probing is read-only: the prober never changes a
// tenant's lifecycle state, no matter what it finds.
package health

import (
	"context"
	"strconv"
	"time"

	"github.com/stackplane/stackplane-internal/internal/orchsrv/runtime"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/state"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/template"
)

// ServiceProber checks a single service of a rendered stack.
type ServiceProber interface {
	ProbeService(ctx context.Context, svc *template.ServiceDefinition) state.ServiceHealth
}

// Prober checks services through the runtime adapter. All probe traffic
// runs inside the tenant's network namespace via exec, so the prober needs
// no route into per-tenant networks.
type Prober struct {
	rt      runtime.Adapter
	timeout time.Duration
}

func NewProber(rt runtime.Adapter, probeTimeout time.Duration) *Prober {
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Prober{rt: rt, timeout: probeTimeout}
}

// probeCommand maps a probe spec to its in-container command.
func probeCommand(svc *template.ServiceDefinition) []string {
	switch svc.Probe.Kind {
	case "http":
		port := svc.Probe.Port
		if port == 0 {
			port = 80
		}
		return []string{"wget", "-q", "-O", "-", "http://127.0.0.1:" + strconv.Itoa(port) + svc.Probe.Path}
	case "tcp":
		return []string{"nc", "-z", "127.0.0.1", strconv.Itoa(svc.Probe.Port)}
	default:
		if cmd := svc.Kind.LivenessCommand(); cmd != nil {
			return cmd
		}
		// no liveness contract: a running container counts as reachable
		return nil
	}
}

// ProbeService checks one service: the container must exist and be
// running, then its probe command must succeed.
func (p *Prober) ProbeService(ctx context.Context, svc *template.ServiceDefinition) state.ServiceHealth {
	h := state.ServiceHealth{Service: svc.Name, Kind: svc.Kind}
	start := time.Now()

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	info, err := p.rt.InspectContainer(probeCtx, svc.ContainerName)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	if !info.Running {
		h.Error = "container not running: " + info.Status
		return h
	}
	if cmd := probeCommand(svc); cmd != nil {
		if _, err := p.rt.Exec(probeCtx, svc.ContainerName, cmd, nil); err != nil {
			h.Error = err.Error()
			return h
		}
	}
	h.Reachable = true
	h.LatencyMS = time.Since(start).Milliseconds()
	return h
}

// Compose folds per-service results into the composite verdict: any
// failing critical service makes the tenant unhealthy, failures limited to
// non-critical services make it degraded.
func Compose(services []state.ServiceHealth, checkedAt time.Time) *state.HealthResult {
	verdict := state.VerdictHealthy
	for _, s := range services {
		if s.Reachable {
			continue
		}
		if s.Kind.Critical() {
			verdict = state.VerdictUnhealthy
			break
		}
		verdict = state.VerdictDegraded
	}
	return &state.HealthResult{
		Verdict:   verdict,
		Services:  services,
		CheckedAt: checkedAt,
	}
}

// ProbeStack probes every service of a rendered stack.
func ProbeStack(ctx context.Context, prober ServiceProber, def *template.StackDefinition) *state.HealthResult {
	services := make([]state.ServiceHealth, 0, len(def.Services))
	for i := range def.Services {
		services = append(services, prober.ProbeService(ctx, &def.Services[i]))
	}
	return Compose(services, time.Now().UTC())
}
