package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/yourusername/freqsearch/internal/config"
	"github.com/yourusername/freqsearch/internal/logger"
)

// Grace given to a container that breached its deadline before SIGKILL.
const deadlineStopGraceSeconds = 5

// Tail limit handed to the engine when collecting logs; the byte cap from
// configuration is applied after demuxing.
const logTailLines = "2000"

// DockerRuntime executes backtests in containers through the Docker Engine
// API. One container per job, no network, read-only data and strategy
// mounts, CPU and memory ceilings from configuration.
type DockerRuntime struct {
	cli    *client.Client
	cfg    *config.SandboxConfig
	logger *logger.SandboxLogger
}

// NewDockerRuntime creates a runtime connected to the local Docker engine
func NewDockerRuntime(cfg *config.SandboxConfig, log *logger.SandboxLogger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{cli: cli, cfg: cfg, logger: log}, nil
}

// Start creates and starts the sandbox container for one job
func (r *DockerRuntime) Start(ctx context.Context, spec *ExecSpec) (Handle, error) {
	containerConfig := &container.Config{
		Image: r.cfg.Image,
		Cmd:   buildCmd(spec),
		Labels: map[string]string{
			labelComponent: componentValue,
			labelJobID:     spec.JobID.String(),
		},
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: r.cfg.MarketDataPath, Target: containerDataDir, ReadOnly: true},
			{Type: mount.TypeBind, Source: r.cfg.StrategiesPath, Target: containerStrategiesDir, ReadOnly: true},
			{Type: mount.TypeBind, Source: spec.WorkspaceDir, Target: containerJobDir},
		},
		Resources: container.Resources{
			Memory:   r.cfg.MemoryLimitMB * 1024 * 1024,
			NanoCPUs: int64(r.cfg.CPULimit * 1e9),
		},
		NetworkMode: "none",
	}

	created, err := r.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil,
		"freqsearch-backtest-"+spec.JobID.String())
	if err != nil {
		r.logger.LogLaunchFailed(spec.JobID, r.cfg.Image, err)
		return nil, fmt.Errorf("failed to create sandbox container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(context.Background(), created.ID,
			container.RemoveOptions{Force: true, RemoveVolumes: true})
		r.logger.LogLaunchFailed(spec.JobID, r.cfg.Image, err)
		return nil, fmt.Errorf("failed to start sandbox container: %w", err)
	}

	r.logger.LogContainerStarted(spec.JobID, created.ID, r.cfg.Image, r.cfg.CPULimit, r.cfg.MemoryLimitMB)

	return &dockerHandle{
		runtime:     r,
		spec:        spec,
		containerID: created.ID,
		startedAt:   time.Now(),
	}, nil
}

// ReapOrphans force-removes sandbox containers left behind by a previous
// process, identified by label
func (r *DockerRuntime) ReapOrphans(ctx context.Context) (int, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelComponent+"="+componentValue)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list sandbox containers: %w", err)
	}

	reaped := 0
	for _, c := range list {
		if err := r.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			r.logger.WithError(err).WithField("container_id", c.ID).Warn("Failed to remove orphaned container")
			continue
		}
		r.logger.LogOrphanReaped(c.ID)
		reaped++
	}
	return reaped, nil
}

// ReapStopped removes labeled sandbox containers that already exited,
// leaving running ones alone
func (r *DockerRuntime) ReapStopped(ctx context.Context) (int, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelComponent+"="+componentValue)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list sandbox containers: %w", err)
	}

	reaped := 0
	for _, c := range list {
		if c.State == "running" {
			continue
		}
		if err := r.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			r.logger.WithError(err).WithField("container_id", c.ID).Warn("Failed to remove stopped container")
			continue
		}
		r.logger.LogOrphanReaped(c.ID)
		reaped++
	}
	return reaped, nil
}

// Ping verifies the Docker engine is reachable
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker engine unreachable: %w", err)
	}
	return nil
}

// Close releases the Docker client
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

func buildCmd(spec *ExecSpec) []string {
	return []string{
		"backtesting",
		"--config", containerJobDir + "/" + configFileName,
		"--strategy", spec.StrategyName,
		"--strategy-path", containerStrategiesDir,
		"--timerange", spec.Timerange,
		"--export-filename", containerJobDir + "/" + resultFileName,
	}
}

// collectLogs fetches the combined stdout/stderr tail of a container,
// capped at the configured byte limit
func (r *DockerRuntime) collectLogs(ctx context.Context, containerID string) []byte {
	rc, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       logTailLines,
	})
	if err != nil {
		r.logger.WithError(err).WithField("container_id", containerID).Warn("Failed to collect container logs")
		return nil
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		r.logger.WithError(err).WithField("container_id", containerID).Warn("Failed to demux container logs")
	}
	out := buf.Bytes()
	if max := r.cfg.MaxLogBytes; max > 0 && int64(len(out)) > max {
		out = out[int64(len(out))-max:]
	}
	return out
}

// dockerHandle supervises one running container
type dockerHandle struct {
	runtime     *DockerRuntime
	spec        *ExecSpec
	containerID string
	startedAt   time.Time
}

func (h *dockerHandle) ID() string {
	return h.containerID
}

// Wait blocks until the container exits or the deadline fires. On deadline
// breach the container is stopped (graceful, then kill) and the outcome is
// TimedOut.
func (h *dockerHandle) Wait(ctx context.Context) (*Outcome, error) {
	var deadlineCh <-chan time.Time
	if h.spec.Deadline > 0 {
		timer := time.NewTimer(h.spec.Deadline)
		defer timer.Stop()
		deadlineCh = timer.C
	}

	waitCh, errCh := h.runtime.cli.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	select {
	case resp := <-waitCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("container wait failed: %s", resp.Error.Message)
		}
		log := h.runtime.collectLogs(ctx, h.containerID)
		h.runtime.logger.LogContainerExited(h.spec.JobID, h.containerID, resp.StatusCode,
			time.Since(h.startedAt).Milliseconds())
		return &Outcome{Kind: OutcomeExited, ExitCode: resp.StatusCode, Log: log}, nil

	case err := <-errCh:
		return nil, fmt.Errorf("failed to wait for container: %w", err)

	case <-deadlineCh:
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.Stop(stopCtx, deadlineStopGraceSeconds*time.Second); err != nil {
			h.runtime.logger.WithError(err).WithField("container_id", h.containerID).
				Warn("Failed to stop container after deadline")
		}
		h.runtime.logger.LogContainerKilled(h.spec.JobID, h.containerID, "deadline exceeded", deadlineStopGraceSeconds)
		log := h.runtime.collectLogs(stopCtx, h.containerID)
		return &Outcome{Kind: OutcomeTimedOut, Log: log}, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop terminates the container: engine-side SIGTERM, then SIGKILL once the
// grace period elapses
func (h *dockerHandle) Stop(ctx context.Context, grace time.Duration) error {
	seconds := int(grace.Seconds())
	if err := h.runtime.cli.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		if killErr := h.runtime.cli.ContainerKill(ctx, h.containerID, "SIGKILL"); killErr != nil {
			return fmt.Errorf("failed to stop container %s: %w", h.containerID, err)
		}
	}
	return nil
}

// Cleanup removes the container and its anonymous volumes
func (h *dockerHandle) Cleanup(ctx context.Context) error {
	if err := h.runtime.cli.ContainerRemove(ctx, h.containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", h.containerID, err)
	}
	return nil
}
