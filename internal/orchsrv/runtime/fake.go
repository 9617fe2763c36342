package runtime

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
)

// Fake is an in-memory Adapter used by tests and the dry-run mode. It keeps
// per-volume data blobs so backup/restore round-trips and upgrade scenarios
// behave like a real engine, and supports scripted failures per container.
type Fake struct {
	mu         sync.Mutex
	networks   map[string]bool
	containers map[string]*fakeContainer
	volumes    map[string][]byte

	createFails map[string]*scriptedFailure
	startFails  map[string]*scriptedFailure
	execFails   map[string]*scriptedFailure
}

type fakeContainer struct {
	cfg     ContainerConfig
	running bool
	starts  int
}

type scriptedFailure struct {
	remaining int
	err       apperrors.Error
}

func NewFake() *Fake {
	return &Fake{
		networks:    make(map[string]bool),
		containers:  make(map[string]*fakeContainer),
		volumes:     make(map[string][]byte),
		createFails: make(map[string]*scriptedFailure),
		startFails:  make(map[string]*scriptedFailure),
		execFails:   make(map[string]*scriptedFailure),
	}
}

// FailCreate makes the next n CreateContainer calls for name fail with err.
func (f *Fake) FailCreate(name string, n int, err apperrors.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createFails[name] = &scriptedFailure{remaining: n, err: err}
}

// FailStart makes the next n StartContainer calls for name fail with err.
func (f *Fake) FailStart(name string, n int, err apperrors.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startFails[name] = &scriptedFailure{remaining: n, err: err}
}

// FailExec makes the next n Exec calls in container name fail with err.
func (f *Fake) FailExec(name string, n int, err apperrors.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execFails[name] = &scriptedFailure{remaining: n, err: err}
}

func takeFailure(m map[string]*scriptedFailure, name string) apperrors.Error {
	s, ok := m[name]
	if !ok || s.remaining == 0 {
		return nil
	}
	s.remaining--
	if s.remaining == 0 {
		delete(m, name)
	}
	return s.err
}

func (f *Fake) CreateNetwork(_ context.Context, name string) apperrors.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = true
	return nil
}

func (f *Fake) NetworkExists(_ context.Context, name string) (bool, apperrors.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.networks[name], nil
}

func (f *Fake) RemoveNetwork(_ context.Context, name string) apperrors.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.networks, name)
	return nil
}

func (f *Fake) CreateContainer(_ context.Context, cfg ContainerConfig) apperrors.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := takeFailure(f.createFails, cfg.Name); err != nil {
		return err
	}
	if _, exists := f.containers[cfg.Name]; exists {
		return ErrContainerExists.Msg("container " + cfg.Name + " already exists")
	}
	if cfg.Network != "" && !f.networks[cfg.Network] {
		return ErrNetworkNotFound.Msg("network " + cfg.Network + " not found")
	}
	f.containers[cfg.Name] = &fakeContainer{cfg: cfg}
	for _, m := range cfg.Volumes {
		if _, ok := f.volumes[m.Volume]; !ok {
			f.volumes[m.Volume] = nil
		}
	}
	return nil
}

func (f *Fake) StartContainer(_ context.Context, name string) apperrors.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := takeFailure(f.startFails, name); err != nil {
		return err
	}
	c, ok := f.containers[name]
	if !ok {
		return ErrContainerNotFound.Msg("container " + name + " not found")
	}
	c.running = true
	c.starts++
	return nil
}

func (f *Fake) StopContainer(_ context.Context, name string) apperrors.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[name]; ok {
		c.running = false
	}
	return nil
}

func (f *Fake) RemoveContainer(_ context.Context, name string) apperrors.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, name)
	return nil
}

func (f *Fake) RemoveVolume(_ context.Context, name string) apperrors.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.volumes, name)
	return nil
}

func (f *Fake) InspectContainer(_ context.Context, name string) (*ContainerInfo, apperrors.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return nil, ErrContainerNotFound.Msg("container " + name + " not found")
	}
	status := "exited"
	if c.running {
		status = "running"
	}
	return &ContainerInfo{
		Name:    name,
		Image:   c.cfg.Image,
		Running: c.running,
		Status:  status,
	}, nil
}

// Exec emulates the per-kind data contracts: dump commands return the
// container's first volume blob, restore commands replace it from stdin, and
// liveness queries answer only while the container runs.
func (f *Fake) Exec(_ context.Context, container string, cmd []string, stdin io.Reader) ([]byte, apperrors.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := takeFailure(f.execFails, container); err != nil {
		return nil, err
	}
	c, ok := f.containers[container]
	if !ok {
		return nil, ErrContainerNotFound.Msg("container " + container + " not found")
	}
	if !c.running {
		return nil, ErrRuntime.Msg("container " + container + " is not running")
	}
	if len(cmd) == 0 {
		return nil, ErrInvalidDefinition.Msg("empty exec command")
	}
	switch {
	case isDumpCmd(cmd):
		if len(c.cfg.Volumes) == 0 {
			return nil, nil
		}
		return f.volumes[c.cfg.Volumes[0].Volume], nil
	case isRestoreCmd(cmd):
		if stdin == nil || len(c.cfg.Volumes) == 0 {
			return nil, nil
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, stdin); err != nil {
			return nil, ErrRuntime.Err(err)
		}
		f.volumes[c.cfg.Volumes[0].Volume] = buf.Bytes()
		return nil, nil
	default:
		// liveness queries and anything else succeed on a running container
		return []byte("ok"), nil
	}
}

func isDumpCmd(cmd []string) bool {
	return cmd[0] == "pg_dump" || (cmd[0] == "tar" && len(cmd) > 1 && cmd[1] == "-cf")
}

func isRestoreCmd(cmd []string) bool {
	return cmd[0] == "psql" || (cmd[0] == "tar" && len(cmd) > 1 && cmd[1] == "-xf")
}

func (f *Fake) Logs(_ context.Context, container string, _ int) ([]byte, apperrors.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[container]; !ok {
		return nil, ErrContainerNotFound.Msg("container " + container + " not found")
	}
	return []byte(""), nil
}

// Test inspection helpers.

// ContainerNames returns all containers whose name has the prefix, sorted.
func (f *Fake) ContainerNames(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.containers {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// RunningContainers returns all running containers with the prefix, sorted.
func (f *Fake) RunningContainers(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name, c := range f.containers {
		if c.running && strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// HasNetwork reports whether the named network exists.
func (f *Fake) HasNetwork(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.networks[name]
}

// SeedVolume installs a data blob into a named volume.
func (f *Fake) SeedVolume(name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[name] = append([]byte(nil), data...)
}

// VolumeData returns the current blob of a named volume.
func (f *Fake) VolumeData(name string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.volumes[name]...)
}

// ContainerImage returns the image a container was created from.
func (f *Fake) ContainerImage(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[name]; ok {
		return c.cfg.Image
	}
	return ""
}

// ContainerEnv returns the resolved environment of a container.
func (f *Fake) ContainerEnv(name string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[name]; ok {
		out := make(map[string]string, len(c.cfg.Env))
		for k, v := range c.cfg.Env {
			out[k] = v
		}
		return out
	}
	return nil
}
