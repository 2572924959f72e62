package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"
	"github.com/sirrobot01/dbctl/pkg/runtime/types"
)

// Client wraps the Docker SDK client
type Client struct {
	cli *client.Client
}

// Verify Client implements types.Client interface
var _ types.Client = (*Client)(nil)

// NewClient creates a new Docker SDK client
func NewClient(socketPath string) (*Client, error) {
	host := "unix://" + socketPath

	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &Client{cli: cli}, nil
}

// Close closes the Docker client
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks if Docker is accessible
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	return err
}

// EnsureImage pulls the image if it is not already present, streaming pull
// progress to the debug log.
func (c *Client) EnsureImage(ctx context.Context, imageName string) error {
	_, err := c.cli.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", imageName, err)
	}

	log.Info().Str("image", imageName).Msg("Pulling image")
	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		var progress struct {
			Status   string `json:"status"`
			ID       string `json:"id"`
			Progress string `json:"progress"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &progress); err != nil {
			continue
		}
		log.Debug().
			Str("image", imageName).
			Str("layer", progress.ID).
			Str("progress", progress.Progress).
			Msg(progress.Status)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to stream pull progress for %s: %w", imageName, err)
	}
	return nil
}

// CreatePool creates and starts the pool container for a dialect: the
// engine port is published to a daemon-assigned port on 127.0.0.1, memory
// is capped and the dbctl labels are attached. The assigned host port is
// read back from inspect; a mapping that cannot be read fails the create
// and the partial container is removed (the fixed name would otherwise
// block every retry).
func (c *Client) CreatePool(ctx context.Context, cfg *types.PoolConfig) (*types.PoolContainer, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(cfg.InternalPort))
	if err != nil {
		return nil, fmt.Errorf("invalid internal port %d: %w", cfg.InternalPort, err)
	}

	containerCfg := &container.Config{
		Image: cfg.Image,
		Env:   cfg.Env,
		ExposedPorts: nat.PortSet{
			port: struct{}{},
		},
		Labels: map[string]string{
			types.LabelPool:          "true",
			types.LabelDialect:       cfg.Dialect,
			types.LabelContainerPort: strconv.Itoa(cfg.InternalPort),
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			// HostPort 0 asks the daemon to assign a free port.
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		},
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}
	if cfg.MemoryMB > 0 {
		hostCfg.Memory = cfg.MemoryMB * 1024 * 1024
	}

	name := types.PoolNamePrefix + cfg.Dialect
	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool container %s: %w", name, err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		c.removeQuietly(ctx, resp.ID)
		return nil, fmt.Errorf("failed to start pool container %s: %w", name, err)
	}

	hostPort, err := c.readHostPort(ctx, resp.ID, port)
	if err != nil {
		c.removeQuietly(ctx, resp.ID)
		return nil, err
	}

	return &types.PoolContainer{
		ID:       resp.ID,
		Dialect:  cfg.Dialect,
		HostPort: hostPort,
		Running:  true,
	}, nil
}

func (c *Client) readHostPort(ctx context.Context, containerID string, port nat.Port) (uint16, error) {
	info, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect pool container: %w", err)
	}
	bindings := info.NetworkSettings.Ports[port]
	if len(bindings) == 0 {
		return 0, fmt.Errorf("no host port mapping for %s on container %s", port, containerID)
	}
	hostPort, err := strconv.ParseUint(bindings[0].HostPort, 10, 16)
	if err != nil || hostPort == 0 {
		return 0, fmt.Errorf("unreadable host port %q for container %s", bindings[0].HostPort, containerID)
	}
	return uint16(hostPort), nil
}

func (c *Client) removeQuietly(ctx context.Context, containerID string) {
	if err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		log.Warn().Err(err).Str("container_id", containerID).Msg("Failed to remove partial pool container")
	}
}

// ListPoolContainers enumerates pool containers by name prefix, reading
// dialect and port from the labels. Host ports appear only while the
// container runs.
func (c *Client) ListPoolContainers(ctx context.Context) ([]types.PoolContainer, error) {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", types.PoolNamePrefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pool containers: %w", err)
	}

	var pools []types.PoolContainer
	for _, ctr := range containers {
		if !hasNamePrefix(ctr.Names, types.PoolNamePrefix) {
			continue
		}
		dialect := ctr.Labels[types.LabelDialect]
		if dialect == "" {
			dialect = strings.TrimPrefix(strings.TrimPrefix(firstName(ctr.Names), "/"), types.PoolNamePrefix)
		}

		pool := types.PoolContainer{
			ID:      ctr.ID,
			Dialect: dialect,
			Running: ctr.State == "running",
		}
		if internal, err := strconv.Atoi(ctr.Labels[types.LabelContainerPort]); err == nil {
			for _, p := range ctr.Ports {
				if int(p.PrivatePort) == internal && p.PublicPort != 0 {
					pool.HostPort = p.PublicPort
					break
				}
			}
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

// ListLegacyContainers returns dbctl-prefixed containers that are not pool
// containers. These come from the retired one-container-per-instance
// layout and are destroyed during startup reconciliation.
func (c *Client) ListLegacyContainers(ctx context.Context) ([]string, error) {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "dbctl-")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var ids []string
	for _, ctr := range containers {
		if hasNamePrefix(ctr.Names, types.PoolNamePrefix) || ctr.Labels[types.LabelPool] == "true" {
			continue
		}
		if hasNamePrefix(ctr.Names, "dbctl-") {
			ids = append(ids, ctr.ID)
		}
	}
	return ids, nil
}

func firstName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func hasNamePrefix(names []string, prefix string) bool {
	for _, name := range names {
		if strings.HasPrefix(strings.TrimPrefix(name, "/"), prefix) {
			return true
		}
	}
	return false
}

// IsRunning inspects the container state. A missing container reports
// types.ErrNotFound so callers can distinguish it from a stopped one.
func (c *Client) IsRunning(ctx context.Context, containerID string) (bool, error) {
	info, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, fmt.Errorf("container %s: %w", containerID, types.ErrNotFound)
		}
		return false, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	return info.State.Running, nil
}

// StopContainer stops a container with a 10s grace period. Stopping an
// already-stopped container succeeds.
func (c *Client) StopContainer(ctx context.Context, containerID string) error {
	timeout := 10
	return c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
}

// RemoveContainer force-removes a container including its volumes.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	return c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
}

// DestroyContainer stops then removes; stop errors are ignored since the
// forced remove covers them.
func (c *Client) DestroyContainer(ctx context.Context, containerID string) error {
	if err := c.StopContainer(ctx, containerID); err != nil {
		log.Debug().Err(err).Str("container_id", containerID).Msg("Stop before remove failed")
	}
	return c.RemoveContainer(ctx, containerID)
}

// Exec runs a command inside the container, draining stdout and stderr
// separately, then inspecting for the exit code. A nil exit code means the
// daemon never reported one; callers treat that as failure.
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string, env []string) (*types.ExecResult, error) {
	exec, err := c.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := c.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer resp.Close()

	return c.drainExec(ctx, exec.ID, resp.Reader)
}

// ExecWithStdin runs a command feeding stdin, closing the write side
// before draining output. Used for restore, which replays a dump through
// the dialect CLI.
func (c *Client) ExecWithStdin(ctx context.Context, containerID string, cmd []string, env []string, stdin []byte) (*types.ExecResult, error) {
	exec, err := c.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := c.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer resp.Close()

	if _, err := resp.Conn.Write(stdin); err != nil {
		return nil, fmt.Errorf("failed to write stdin: %w", err)
	}
	if err := resp.CloseWrite(); err != nil {
		return nil, fmt.Errorf("failed to close stdin: %w", err)
	}

	return c.drainExec(ctx, exec.ID, resp.Reader)
}

// ExecWithTimeout wraps Exec in a wall-clock deadline. On expiry the
// in-flight exec is abandoned (the daemon reaps the process) and
// types.ErrExecTimeout is returned.
func (c *Client) ExecWithTimeout(ctx context.Context, containerID string, cmd []string, env []string, timeout time.Duration) (*types.ExecResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.Exec(execCtx, containerID, cmd, env)
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, types.ErrExecTimeout
		}
		return nil, err
	}
	return result, nil
}

// drainExec demuxes the attached stream into stdout and stderr, then asks
// the daemon for the exit code. The copy runs in a goroutine so a canceled
// context abandons the exec; the caller's deferred Close unblocks the read.
func (c *Client) drainExec(ctx context.Context, execID string, reader io.Reader) (*types.ExecResult, error) {
	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("failed to read exec output: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	result := &types.ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}
	if !inspect.Running {
		code := inspect.ExitCode
		result.ExitCode = &code
	}
	return result, nil
}
