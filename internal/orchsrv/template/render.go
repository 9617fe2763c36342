package template

import (
	"strconv"
	"strings"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/orcherrors"
)

// StackSpec is the input to rendering: the identity and sizing of one
// tenant's stack.
type StackSpec struct {
	TenantID    string
	Version     string
	Tier        ResourceTier
	NetworkName string // derived from the tenant id when empty
}

// ServiceDefinition is a concrete, runnable container definition.
type ServiceDefinition struct {
	Name          string      `json:"name"`
	Kind          ServiceKind `json:"kind"`
	ContainerName string      `json:"container_name"`
	Image         string      `json:"image"`
	Command       []string    `json:"command,omitempty"`
	DependsOn     []string    `json:"depends_on,omitempty"`
	Probe         ProbeSpec   `json:"probe"`
	Env           []EnvVar    `json:"env,omitempty"`
	Volumes       []VolumeMap `json:"volumes,omitempty"`
	CPUs          float64     `json:"cpus"`
	MemoryMB      int64       `json:"memory_mb"`
}

// VolumeMap binds a named volume to an in-container path.
type VolumeMap struct {
	VolumeName string `json:"volume_name"`
	Path       string `json:"path"`
}

// StackDefinition is the fully rendered container group for one tenant at
// one version.
type StackDefinition struct {
	TenantID    string              `json:"tenant_id"`
	Version     string              `json:"version"`
	Tier        ResourceTier        `json:"tier"`
	NetworkName string              `json:"network_name"`
	Services    []ServiceDefinition `json:"services"`
}

// Service returns the definition of a named service, or nil.
func (d *StackDefinition) Service(name string) *ServiceDefinition {
	for i := range d.Services {
		if d.Services[i].Name == name {
			return &d.Services[i]
		}
	}
	return nil
}

// ServiceNames returns service names in startup order.
func (d *StackDefinition) ServiceNames() []string {
	names := make([]string, 0, len(d.Services))
	for _, s := range d.Services {
		names = append(names, s.Name)
	}
	return names
}

// StartupOrder returns the services in dependency order: data stores before
// the services that depend on them.
func (d *StackDefinition) StartupOrder() []ServiceDefinition {
	return d.Services
}

// ShutdownOrder is the reverse of StartupOrder: dependents stop before
// their dependencies, so the engine is gone before its database.
func (d *StackDefinition) ShutdownOrder() []ServiceDefinition {
	out := make([]ServiceDefinition, len(d.Services))
	for i, s := range d.Services {
		out[len(d.Services)-1-i] = s
	}
	return out
}

// Render maps a StackSpec to a concrete stack definition using the catalog
// template for the requested version. Pure and deterministic: identical
// specs always produce identical definitions, with services listed in
// startup order.
func (c *Catalog) Render(spec StackSpec) (*StackDefinition, apperrors.Error) {
	if spec.TenantID == "" {
		return nil, orcherrors.ErrInvalidTenantID.Msg("empty tenant id")
	}
	if _, ok := tierBudgets[spec.Tier]; !ok {
		return nil, orcherrors.ErrUnknownTier.Msg("unknown resource tier: " + string(spec.Tier))
	}
	tpl, err := c.Lookup(spec.Version)
	if err != nil {
		return nil, err
	}

	network := spec.NetworkName
	if network == "" {
		network = spec.TenantID + "-net"
	}
	budget := tierBudgets[spec.Tier]

	order, err := orderServices(tpl.Services)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]ServiceTemplate, len(tpl.Services))
	for _, s := range tpl.Services {
		byName[s.Name] = s
	}

	def := &StackDefinition{
		TenantID:    spec.TenantID,
		Version:     spec.Version,
		Tier:        spec.Tier,
		NetworkName: network,
	}
	for _, name := range order {
		s := byName[name]
		sd := ServiceDefinition{
			Name:          s.Name,
			Kind:          s.Kind,
			ContainerName: spec.TenantID + "-" + s.Name,
			Image:         strings.ReplaceAll(s.Image, "{version}", spec.Version),
			Command:       append([]string(nil), s.Command...),
			DependsOn:     append([]string(nil), s.DependsOn...),
			Probe:         s.Probe,
			Env:           append([]EnvVar(nil), s.Env...),
			CPUs:          budget.CPUs * s.CPUFraction,
			MemoryMB:      int64(float64(budget.MemoryMB) * s.MemoryFraction),
		}
		for i, path := range s.Volumes {
			sd.Volumes = append(sd.Volumes, VolumeMap{
				VolumeName: volumeName(spec.TenantID, s.Name, i),
				Path:       path,
			})
		}
		def.Services = append(def.Services, sd)
	}
	return def, nil
}

// volumeName yields a stable per-service volume name. The index keeps
// multi-volume services collision free while the common single-volume case
// stays readable.
func volumeName(tenantID, service string, idx int) string {
	name := tenantID + "-" + service + "-data"
	if idx > 0 {
		name += strconv.Itoa(idx)
	}
	return name
}
