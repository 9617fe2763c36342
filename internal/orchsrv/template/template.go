package template

import (
	"sort"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/orcherrors"
)

// ServiceKind is the closed set of service roles a tenant stack is composed
// of. Each kind carries its own probe and data-handling contract; templates
// select a kind instead of subclassing service types.
type ServiceKind string

const (
	KindDatabase  ServiceKind = "database"
	KindCache     ServiceKind = "cache"
	KindEngine    ServiceKind = "engine"
	KindDashboard ServiceKind = "dashboard"
)

func (k ServiceKind) Valid() bool {
	switch k {
	case KindDatabase, KindCache, KindEngine, KindDashboard:
		return true
	}
	return false
}

// Critical reports whether a failing service of this kind makes the whole
// tenant Unhealthy rather than Degraded.
func (k ServiceKind) Critical() bool {
	return k == KindDatabase || k == KindEngine
}

// DumpCommand is the in-container command producing a consistent data dump
// on stdout, or nil when the kind carries no restorable data.
func (k ServiceKind) DumpCommand() []string {
	switch k {
	case KindDatabase:
		return []string{"pg_dump", "--clean", "--if-exists", "-U", "stackplane", "stackplane"}
	case KindEngine:
		return []string{"tar", "-cf", "-", "-C", "/", "home/stackplane/data"}
	}
	return nil
}

// RestoreCommand is the in-container command consuming a dump on stdin.
func (k ServiceKind) RestoreCommand() []string {
	switch k {
	case KindDatabase:
		return []string{"psql", "-q", "-U", "stackplane", "stackplane"}
	case KindEngine:
		return []string{"tar", "-xf", "-", "-C", "/"}
	}
	return nil
}

// LivenessCommand is the in-container liveness query used by exec probes.
func (k ServiceKind) LivenessCommand() []string {
	switch k {
	case KindDatabase:
		return []string{"pg_isready", "-U", "stackplane"}
	case KindCache:
		return []string{"redis-cli", "ping"}
	}
	return nil
}

// ResourceTier determines the CPU/memory budget of a tenant stack.
type ResourceTier string

const (
	TierFree    ResourceTier = "free"
	TierBasic   ResourceTier = "basic"
	TierPro     ResourceTier = "pro"
	TierPremium ResourceTier = "premium"
)

func ParseTier(s string) (ResourceTier, apperrors.Error) {
	t := ResourceTier(s)
	if _, ok := tierBudgets[t]; !ok {
		return "", orcherrors.ErrUnknownTier.Msg("unknown resource tier: " + s)
	}
	return t, nil
}

type tierBudget struct {
	CPUs     float64
	MemoryMB int64
}

var tierBudgets = map[ResourceTier]tierBudget{
	TierFree:    {CPUs: 1, MemoryMB: 1024},
	TierBasic:   {CPUs: 2, MemoryMB: 4096},
	TierPro:     {CPUs: 4, MemoryMB: 8192},
	TierPremium: {CPUs: 8, MemoryMB: 16384},
}

// ProbeSpec describes how a service's readiness and liveness are checked.
type ProbeSpec struct {
	Kind string `json:"kind"` // "tcp", "http" or "exec"
	Port int    `json:"port,omitempty"`
	Path string `json:"path,omitempty"`
}

// EnvVar is a single environment entry. Either Value is a literal, or
// Secret names a key resolved through the secrets provider at
// container-create time; resolved values are never persisted.
type EnvVar struct {
	Name   string `json:"name"`
	Value  string `json:"value,omitempty"`
	Secret string `json:"secret,omitempty"`
}

// ServiceTemplate is one service entry of a stack template.
type ServiceTemplate struct {
	Name           string      `json:"name"`
	Kind           ServiceKind `json:"kind"`
	Image          string      `json:"image"` // may contain a {version} placeholder
	Command        []string    `json:"command,omitempty"`
	DependsOn      []string    `json:"depends_on,omitempty"`
	Probe          ProbeSpec   `json:"probe"`
	Env            []EnvVar    `json:"env,omitempty"`
	Volumes        []string    `json:"volumes,omitempty"` // in-container data paths
	CPUFraction    float64     `json:"cpu_fraction"`
	MemoryFraction float64     `json:"memory_fraction"`
}

// StackTemplate is the deterministic definition of a tenant stack for one
// version (or the catalog default when Version is empty).
type StackTemplate struct {
	Version  string            `json:"version,omitempty"`
	Services []ServiceTemplate `json:"services"`
}

var (
	ErrTemplate        apperrors.Error = orcherrors.ErrValidation.New("invalid stack template")
	ErrDependencyCycle apperrors.Error = ErrTemplate.New("service dependency cycle")
)

// Validate checks structural soundness: unique names, known kinds, declared
// dependencies exist, dependency graph is acyclic, resource fractions stay
// within the budget.
func (t *StackTemplate) Validate() apperrors.Error {
	if len(t.Services) == 0 {
		return ErrTemplate.Msg("template has no services")
	}
	names := make(map[string]bool, len(t.Services))
	var cpuSum, memSum float64
	for _, s := range t.Services {
		if s.Name == "" {
			return ErrTemplate.Msg("service with empty name")
		}
		if names[s.Name] {
			return ErrTemplate.Msg("duplicate service name: " + s.Name)
		}
		names[s.Name] = true
		if !s.Kind.Valid() {
			return ErrTemplate.Msg("unknown service kind: " + string(s.Kind))
		}
		if s.Image == "" {
			return ErrTemplate.Msg("service " + s.Name + " has no image")
		}
		cpuSum += s.CPUFraction
		memSum += s.MemoryFraction
	}
	for _, s := range t.Services {
		for _, dep := range s.DependsOn {
			if !names[dep] {
				return ErrTemplate.Msg("service " + s.Name + " depends on unknown service " + dep)
			}
		}
	}
	if cpuSum > 1.0001 || memSum > 1.0001 {
		return ErrTemplate.Msg("resource fractions exceed the tier budget")
	}
	if _, err := orderServices(t.Services); err != nil {
		return err
	}
	return nil
}

// orderServices returns service names in startup order: topological by
// declared dependencies, ties broken by name so the order is reproducible.
func orderServices(services []ServiceTemplate) ([]string, apperrors.Error) {
	deps := make(map[string][]string, len(services))
	remaining := make(map[string]bool, len(services))
	for _, s := range services {
		deps[s.Name] = s.DependsOn
		remaining[s.Name] = true
	}

	var order []string
	for len(remaining) > 0 {
		var ready []string
		for name := range remaining {
			ok := true
			for _, dep := range deps[name] {
				if remaining[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			return nil, ErrDependencyCycle
		}
		sort.Strings(ready)
		for _, name := range ready {
			order = append(order, name)
			delete(remaining, name)
		}
	}
	return order, nil
}

// Catalog maps stack versions to templates. Versions without a dedicated
// template fall back to the default template.
type Catalog struct {
	byVersion  map[string]*StackTemplate
	defaultTpl *StackTemplate
}

func NewCatalog() *Catalog {
	c := &Catalog{byVersion: make(map[string]*StackTemplate)}
	c.defaultTpl = builtinTemplate()
	return c
}

// Register adds a template to the catalog after validation. A template with
// an empty version replaces the default.
func (c *Catalog) Register(t *StackTemplate) apperrors.Error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Version == "" {
		c.defaultTpl = t
		return nil
	}
	c.byVersion[t.Version] = t
	return nil
}

// Lookup returns the template for a version, falling back to the default.
func (c *Catalog) Lookup(version string) (*StackTemplate, apperrors.Error) {
	if version == "" {
		return nil, orcherrors.ErrUnknownVersion.Msg("empty stack version")
	}
	if t, ok := c.byVersion[version]; ok {
		return t, nil
	}
	if c.defaultTpl != nil {
		return c.defaultTpl, nil
	}
	return nil, orcherrors.ErrUnknownVersion.Msg("no stack template for version " + version)
}

// builtinTemplate mirrors the stock tenant stack: an isolated database and
// cache, the trading engine, and its dashboard.
func builtinTemplate() *StackTemplate {
	return &StackTemplate{
		Services: []ServiceTemplate{
			{
				Name:  "db",
				Kind:  KindDatabase,
				Image: "postgres:15-alpine",
				Probe: ProbeSpec{Kind: "exec"},
				Env: []EnvVar{
					{Name: "POSTGRES_DB", Value: "stackplane"},
					{Name: "POSTGRES_USER", Value: "stackplane"},
					{Name: "POSTGRES_PASSWORD", Secret: "db_password"},
				},
				Volumes:        []string{"/var/lib/postgresql/data"},
				CPUFraction:    0.2,
				MemoryFraction: 0.2,
			},
			{
				Name:           "cache",
				Kind:           KindCache,
				Image:          "redis:7-alpine",
				Probe:          ProbeSpec{Kind: "exec"},
				Env:            []EnvVar{{Name: "REDIS_PASSWORD", Secret: "cache_password"}},
				Volumes:        []string{"/data"},
				CPUFraction:    0.1,
				MemoryFraction: 0.1,
			},
			{
				Name:      "engine",
				Kind:      KindEngine,
				Image:     "stackplane/engine:{version}",
				DependsOn: []string{"db", "cache"},
				Probe:     ProbeSpec{Kind: "http", Port: 8080, Path: "/health"},
				Env: []EnvVar{
					{Name: "DATABASE_HOST", Value: "db"},
					{Name: "DATABASE_USER", Value: "stackplane"},
					{Name: "DATABASE_PASSWORD", Secret: "db_password"},
					{Name: "REDIS_HOST", Value: "cache"},
					{Name: "REDIS_PASSWORD", Secret: "cache_password"},
				},
				Volumes:        []string{"/home/stackplane/data"},
				CPUFraction:    0.5,
				MemoryFraction: 0.5,
			},
			{
				Name:           "dashboard",
				Kind:           KindDashboard,
				Image:          "stackplane/dashboard:{version}",
				DependsOn:      []string{"engine"},
				Probe:          ProbeSpec{Kind: "tcp", Port: 8501},
				Env:            []EnvVar{{Name: "ENGINE_API_URL", Value: "http://engine:8080"}},
				CPUFraction:    0.2,
				MemoryFraction: 0.2,
			},
		},
	}
}
