package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
)

// DockerCLI is an Adapter that shells out to a local docker binary. It is
// deliberately free of orchestration logic; every method is one engine call
// with a deadline.
type DockerCLI struct {
	bin         string
	callTimeout time.Duration
}

func NewDockerCLI(bin string, callTimeout time.Duration) *DockerCLI {
	if bin == "" {
		bin = "docker"
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &DockerCLI{bin: bin, callTimeout: callTimeout}
}

// EnsureAvailable verifies the engine answers before the daemon starts
// serving operations.
func (d *DockerCLI) EnsureAvailable(ctx context.Context) apperrors.Error {
	out, err := d.run(ctx, nil, "version", "--format", "{{json .}}")
	if err != nil {
		return ErrRuntimeUnavail.Err(err)
	}
	version := gjson.GetBytes(out, "Server.Version").String()
	log.Ctx(ctx).Info().Str("engine_version", version).Msg("container engine available")
	return nil
}

func (d *DockerCLI) CreateNetwork(ctx context.Context, name string) apperrors.Error {
	if _, err := d.run(ctx, nil, "network", "create", name); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return classify(err, "create network "+name)
	}
	return nil
}

func (d *DockerCLI) NetworkExists(ctx context.Context, name string) (bool, apperrors.Error) {
	out, err := d.run(ctx, nil, "network", "inspect", name)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, classify(err, "inspect network "+name)
	}
	return gjson.GetBytes(out, "0.Name").String() == name, nil
}

func (d *DockerCLI) RemoveNetwork(ctx context.Context, name string) apperrors.Error {
	if _, err := d.run(ctx, nil, "network", "rm", name); err != nil {
		if isNotFound(err) {
			return nil
		}
		return classify(err, "remove network "+name)
	}
	return nil
}

func (d *DockerCLI) CreateContainer(ctx context.Context, cfg ContainerConfig) apperrors.Error {
	if cfg.Name == "" || cfg.Image == "" {
		return ErrInvalidDefinition.Msg("container name and image are required")
	}
	args := []string{"create", "--name", cfg.Name, "--restart", "unless-stopped"}
	if cfg.Network != "" {
		args = append(args, "--network", cfg.Network)
	}
	for k, v := range cfg.Env {
		args = append(args, "-e", k+"="+v)
	}
	for _, m := range cfg.Volumes {
		args = append(args, "-v", m.Volume+":"+m.Path)
	}
	if cfg.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.2f", cfg.CPUs))
	}
	if cfg.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", cfg.MemoryMB))
	}
	for k, v := range cfg.Labels {
		args = append(args, "--label", k+"="+v)
	}
	args = append(args, cfg.Image)
	args = append(args, cfg.Command...)

	if _, err := d.run(ctx, nil, args...); err != nil {
		if strings.Contains(err.Error(), "is already in use") {
			return ErrContainerExists.Msg("container " + cfg.Name + " already exists")
		}
		return classify(err, "create container "+cfg.Name)
	}
	return nil
}

func (d *DockerCLI) StartContainer(ctx context.Context, name string) apperrors.Error {
	if _, err := d.run(ctx, nil, "start", name); err != nil {
		if isNotFound(err) {
			return ErrContainerNotFound.Msg("container " + name + " not found")
		}
		return classify(err, "start container "+name)
	}
	return nil
}

func (d *DockerCLI) StopContainer(ctx context.Context, name string) apperrors.Error {
	if _, err := d.run(ctx, nil, "stop", name); err != nil {
		// stopping an absent or stopped container is not a failure
		if isNotFound(err) {
			return nil
		}
		return classify(err, "stop container "+name)
	}
	return nil
}

func (d *DockerCLI) RemoveContainer(ctx context.Context, name string) apperrors.Error {
	if _, err := d.run(ctx, nil, "rm", "-f", name); err != nil {
		if isNotFound(err) {
			return nil
		}
		return classify(err, "remove container "+name)
	}
	return nil
}

func (d *DockerCLI) RemoveVolume(ctx context.Context, name string) apperrors.Error {
	if _, err := d.run(ctx, nil, "volume", "rm", name); err != nil {
		if isNotFound(err) {
			return nil
		}
		return classify(err, "remove volume "+name)
	}
	return nil
}

func (d *DockerCLI) InspectContainer(ctx context.Context, name string) (*ContainerInfo, apperrors.Error) {
	out, err := d.run(ctx, nil, "inspect", name)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrContainerNotFound.Msg("container " + name + " not found")
		}
		return nil, classify(err, "inspect container "+name)
	}
	doc := gjson.GetBytes(out, "0")
	if !doc.Exists() {
		return nil, ErrContainerNotFound.Msg("container " + name + " not found")
	}
	return &ContainerInfo{
		Name:         name,
		Image:        doc.Get("Config.Image").String(),
		Running:      doc.Get("State.Running").Bool(),
		Status:       doc.Get("State.Status").String(),
		ExitCode:     int(doc.Get("State.ExitCode").Int()),
		RestartCount: int(doc.Get("RestartCount").Int()),
	}, nil
}

func (d *DockerCLI) Exec(ctx context.Context, container string, cmd []string, stdin io.Reader) ([]byte, apperrors.Error) {
	if len(cmd) == 0 {
		return nil, ErrInvalidDefinition.Msg("empty exec command")
	}
	args := []string{"exec"}
	if stdin != nil {
		args = append(args, "-i")
	}
	args = append(args, container)
	args = append(args, cmd...)
	out, err := d.run(ctx, stdin, args...)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrContainerNotFound.Msg("container " + container + " not found")
		}
		return nil, classify(err, "exec in container "+container)
	}
	return out, nil
}

func (d *DockerCLI) Logs(ctx context.Context, container string, tail int) ([]byte, apperrors.Error) {
	args := []string{"logs"}
	if tail > 0 {
		args = append(args, "--tail", fmt.Sprintf("%d", tail))
	}
	args = append(args, container)
	out, err := d.run(ctx, nil, args...)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrContainerNotFound.Msg("container " + container + " not found")
		}
		return nil, classify(err, "logs of container "+container)
	}
	return out, nil
}

// run executes one docker CLI call under the per-call deadline. stderr is
// folded into the returned error; stdout is returned as-is.
func (d *DockerCLI) run(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	cmd := exec.CommandContext(callCtx, d.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = stdin
	}
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, pkgerrors.Wrapf(callCtx.Err(), "docker %s timed out", args[0])
		}
		return nil, pkgerrors.Wrapf(err, "docker %s: %s", args[0], msg)
	}
	return stdout.Bytes(), nil
}

func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "No such container") ||
		strings.Contains(msg, "No such network") ||
		strings.Contains(msg, "no such volume") ||
		strings.Contains(msg, "No such object") ||
		strings.Contains(msg, "is not running")
}

// classify maps a CLI failure onto the adapter error taxonomy. Timeouts and
// engine connectivity failures are transient; everything else is a hard
// runtime error carried on the transient sentinel's parent only when it
// cannot succeed on retry.
func classify(err error, op string) apperrors.Error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "Cannot connect to the Docker daemon"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "TLS handshake timeout"),
		strings.Contains(msg, "temporary failure"):
		return ErrRuntime.MsgErr(op+" failed", err)
	case strings.Contains(msg, "No such image"),
		strings.Contains(msg, "invalid reference format"):
		return ErrInvalidDefinition.MsgErr(op+" failed", err)
	default:
		// registry hiccups and transport resets dominate here; retrying is
		// the safer default for engine calls
		return ErrRuntime.MsgErr(op+" failed", err)
	}
}
