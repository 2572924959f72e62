package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sirrobot01/dbctl/pkg/runtime/types"
)

// Client implements the types.Client interface using container runtime CLIs.
// Supports docker, podman, and nerdctl (containerd). Used when no Docker
// socket is reachable but a compatible binary is on PATH.
type Client struct {
	binary string // Runtime binary: "docker", "podman", or "nerdctl"
}

// Verify Client implements types.Client interface
var _ types.Client = (*Client)(nil)

// NewClient creates a new CLI client for a container runtime.
// binary should be "docker", "podman", or "nerdctl"
func NewClient(binary string) (*Client, error) {
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("%s CLI not found: %w", binary, err)
	}
	return &Client{binary: binary}, nil
}

// Close is a no-op for CLI client
func (c *Client) Close() error {
	return nil
}

// runCommand executes a runtime command and returns stdout
func (c *Client) runCommand(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s failed: %w, stderr: %s", c.binary, args[0], err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Ping checks if the runtime is accessible
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.runCommand(ctx, "info", "--format", "{{.ID}}")
	return err
}

// EnsureImage pulls the image if it is not already present locally.
func (c *Client) EnsureImage(ctx context.Context, imageName string) error {
	if _, err := c.runCommand(ctx, "image", "inspect", imageName); err == nil {
		return nil
	}
	log.Info().Str("image", imageName).Msg("Pulling image")
	_, err := c.runCommand(ctx, "pull", imageName)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	return nil
}

// CreatePool runs the pool container detached with the engine port
// published to an ephemeral port on 127.0.0.1, then reads the assignment
// back. A failed read removes the container so the fixed name does not
// block retries.
func (c *Client) CreatePool(ctx context.Context, cfg *types.PoolConfig) (*types.PoolContainer, error) {
	name := types.PoolNamePrefix + cfg.Dialect
	args := []string{"run", "-d", "--name", name}

	for _, env := range cfg.Env {
		args = append(args, "-e", env)
	}

	// Empty host port asks the runtime for a free one.
	args = append(args, "-p", fmt.Sprintf("127.0.0.1::%d", cfg.InternalPort))

	args = append(args,
		"--label", fmt.Sprintf("%s=true", types.LabelPool),
		"--label", fmt.Sprintf("%s=%s", types.LabelDialect, cfg.Dialect),
		"--label", fmt.Sprintf("%s=%d", types.LabelContainerPort, cfg.InternalPort),
	)

	if cfg.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", cfg.MemoryMB))
	}

	args = append(args, "--restart", "unless-stopped")
	args = append(args, cfg.Image)

	containerID, err := c.runCommand(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run pool container %s: %w", name, err)
	}

	hostPort, err := c.hostPort(ctx, containerID, cfg.InternalPort)
	if err != nil {
		if _, rmErr := c.runCommand(ctx, "rm", "-f", "-v", containerID); rmErr != nil {
			log.Warn().Err(rmErr).Str("container_id", containerID).Msg("Failed to remove partial pool container")
		}
		return nil, err
	}

	return &types.PoolContainer{
		ID:       containerID,
		Dialect:  cfg.Dialect,
		HostPort: hostPort,
		Running:  true,
	}, nil
}

// hostPort resolves the published host port for an internal port, e.g.
// "127.0.0.1:49153" from `docker port`.
func (c *Client) hostPort(ctx context.Context, containerID string, internalPort int) (uint16, error) {
	output, err := c.runCommand(ctx, "port", containerID, fmt.Sprintf("%d/tcp", internalPort))
	if err != nil {
		return 0, fmt.Errorf("failed to read host port mapping: %w", err)
	}
	line := output
	if idx := strings.IndexByte(output, '\n'); idx >= 0 {
		line = output[:idx]
	}
	idx := strings.LastIndexByte(line, ':')
	if idx < 0 {
		return 0, fmt.Errorf("unreadable port mapping %q for container %s", line, containerID)
	}
	hostPort, err := strconv.ParseUint(line[idx+1:], 10, 16)
	if err != nil || hostPort == 0 {
		return 0, fmt.Errorf("unreadable host port %q for container %s", line[idx+1:], containerID)
	}
	return uint16(hostPort), nil
}

// ListPoolContainers enumerates pool containers by name prefix.
func (c *Client) ListPoolContainers(ctx context.Context) ([]types.PoolContainer, error) {
	output, err := c.runCommand(ctx, "ps", "-a",
		"--filter", "name="+types.PoolNamePrefix,
		"--format", fmt.Sprintf(`{{.ID}}\t{{.Names}}\t{{.State}}\t{{.Label %q}}\t{{.Label %q}}`,
			types.LabelDialect, types.LabelContainerPort))
	if err != nil {
		return nil, fmt.Errorf("failed to list pool containers: %w", err)
	}
	if output == "" {
		return nil, nil
	}

	var pools []types.PoolContainer
	for _, line := range strings.Split(output, "\n") {
		parts := strings.Split(line, "\t")
		if len(parts) < 5 || !strings.HasPrefix(parts[1], types.PoolNamePrefix) {
			continue
		}
		dialect := parts[3]
		if dialect == "" {
			dialect = strings.TrimPrefix(parts[1], types.PoolNamePrefix)
		}
		pool := types.PoolContainer{
			ID:      parts[0],
			Dialect: dialect,
			Running: parts[2] == "running",
		}
		if pool.Running {
			if internal, err := strconv.Atoi(parts[4]); err == nil {
				if hostPort, err := c.hostPort(ctx, pool.ID, internal); err == nil {
					pool.HostPort = hostPort
				}
			}
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

// ListLegacyContainers returns dbctl-prefixed containers that are not
// pool containers.
func (c *Client) ListLegacyContainers(ctx context.Context) ([]string, error) {
	output, err := c.runCommand(ctx, "ps", "-a",
		"--filter", "name=dbctl-",
		"--format", fmt.Sprintf(`{{.ID}}\t{{.Names}}\t{{.Label %q}}`, types.LabelPool))
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	if output == "" {
		return nil, nil
	}

	var ids []string
	for _, line := range strings.Split(output, "\n") {
		parts := strings.Split(line, "\t")
		if len(parts) < 3 {
			continue
		}
		if strings.HasPrefix(parts[1], types.PoolNamePrefix) || parts[2] == "true" {
			continue
		}
		if strings.HasPrefix(parts[1], "dbctl-") {
			ids = append(ids, parts[0])
		}
	}
	return ids, nil
}

// IsRunning inspects the container state. A missing container reports
// types.ErrNotFound.
func (c *Client) IsRunning(ctx context.Context, containerID string) (bool, error) {
	output, err := c.runCommand(ctx, "inspect", "--format", "{{.State.Running}}", containerID)
	if err != nil {
		if strings.Contains(err.Error(), "No such") {
			return false, fmt.Errorf("container %s: %w", containerID, types.ErrNotFound)
		}
		return false, err
	}
	return output == "true", nil
}

// StopContainer stops a container with a 10s grace period
func (c *Client) StopContainer(ctx context.Context, containerID string) error {
	_, err := c.runCommand(ctx, "stop", "-t", "10", containerID)
	return err
}

// RemoveContainer force-removes a container including its volumes
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	_, err := c.runCommand(ctx, "rm", "-f", "-v", containerID)
	return err
}

// DestroyContainer stops then removes; stop errors are ignored since the
// forced remove covers them.
func (c *Client) DestroyContainer(ctx context.Context, containerID string) error {
	if err := c.StopContainer(ctx, containerID); err != nil {
		log.Debug().Err(err).Str("container_id", containerID).Msg("Stop before remove failed")
	}
	return c.RemoveContainer(ctx, containerID)
}

// Exec executes a command in a container with environment variables
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string, env []string) (*types.ExecResult, error) {
	args := []string{"exec"}
	for _, e := range env {
		args = append(args, "-e", e)
	}
	args = append(args, containerID)
	args = append(args, cmd...)
	return c.execResult(ctx, nil, args...)
}

// ExecWithStdin executes a command feeding stdin through the CLI
func (c *Client) ExecWithStdin(ctx context.Context, containerID string, cmd []string, env []string, stdin []byte) (*types.ExecResult, error) {
	args := []string{"exec", "-i"}
	for _, e := range env {
		args = append(args, "-e", e)
	}
	args = append(args, containerID)
	args = append(args, cmd...)
	return c.execResult(ctx, stdin, args...)
}

// ExecWithTimeout wraps Exec in a wall-clock deadline. CommandContext
// kills the CLI process on expiry, which matches the abandon semantics of
// the SDK backend.
func (c *Client) ExecWithTimeout(ctx context.Context, containerID string, cmd []string, env []string, timeout time.Duration) (*types.ExecResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"exec"}
	for _, e := range env {
		args = append(args, "-e", e)
	}
	args = append(args, containerID)
	args = append(args, cmd...)

	result, err := c.execResult(execCtx, nil, args...)
	if execCtx.Err() == context.DeadlineExceeded {
		return nil, types.ErrExecTimeout
	}
	return result, err
}

// execResult runs the binary capturing stdout and stderr separately. A
// process killed before exiting (timeout) yields a nil exit code.
func (c *Client) execResult(ctx context.Context, stdin []byte, args ...string) (*types.ExecResult, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &types.ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err == nil {
		code := 0
		result.ExitCode = &code
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			result.ExitCode = &code
		}
		return result, nil
	}
	return nil, fmt.Errorf("%s exec failed: %w", c.binary, err)
}
