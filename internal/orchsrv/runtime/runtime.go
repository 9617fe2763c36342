package runtime

import (
	"context"
	"io"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/orcherrors"
)

// Adapter is the narrow interface the orchestrator uses to talk to a host
// container engine. One implementation shells out to a local docker binary;
// the Fake implementation backs tests. All orchestrator logic depends only
// on this interface.
type Adapter interface {
	CreateNetwork(ctx context.Context, name string) apperrors.Error
	NetworkExists(ctx context.Context, name string) (bool, apperrors.Error)
	RemoveNetwork(ctx context.Context, name string) apperrors.Error

	CreateContainer(ctx context.Context, cfg ContainerConfig) apperrors.Error
	StartContainer(ctx context.Context, name string) apperrors.Error
	StopContainer(ctx context.Context, name string) apperrors.Error
	RemoveContainer(ctx context.Context, name string) apperrors.Error
	RemoveVolume(ctx context.Context, name string) apperrors.Error
	InspectContainer(ctx context.Context, name string) (*ContainerInfo, apperrors.Error)

	// Exec runs a command inside a running container, feeding stdin when
	// non-nil and returning combined stdout.
	Exec(ctx context.Context, container string, cmd []string, stdin io.Reader) ([]byte, apperrors.Error)
	// Logs returns the last tail lines of a container's log.
	Logs(ctx context.Context, container string, tail int) ([]byte, apperrors.Error)
}

// ContainerConfig is everything needed to create one container. Env values
// arrive fully resolved; secret material must not be logged.
type ContainerConfig struct {
	Name     string
	Image    string
	Command  []string
	Network  string
	Env      map[string]string
	Volumes  []VolumeMount
	CPUs     float64
	MemoryMB int64
	Labels   map[string]string
}

// VolumeMount binds a named volume into the container.
type VolumeMount struct {
	Volume string
	Path   string
}

// ContainerInfo is the subset of inspect output the orchestrator consumes.
type ContainerInfo struct {
	Name         string
	Image        string
	Running      bool
	Status       string
	ExitCode     int
	RestartCount int
}

// Runtime adapter errors. Transport-level failures chain off ErrTransient so
// the operation executor retries them; definitional failures do not.
var (
	ErrRuntime           apperrors.Error = orcherrors.ErrTransient.New("container runtime error")
	ErrRuntimeUnavail    apperrors.Error = ErrRuntime.New("container runtime unavailable")
	ErrContainerNotFound apperrors.Error = orcherrors.ErrNotFound.New("container not found")
	ErrNetworkNotFound   apperrors.Error = orcherrors.ErrNotFound.New("network not found")
	ErrContainerExists   apperrors.Error = orcherrors.ErrConflict.New("container already exists")
	ErrInvalidDefinition apperrors.Error = orcherrors.ErrValidation.New("invalid container definition")
)
