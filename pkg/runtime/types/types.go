// Package types defines shared types for the runtime package hierarchy.
// This package exists to avoid import cycles between runtime and its sub-packages.
package types

import (
	"context"
	"errors"
	"time"
)

// Pool container naming and labels. Reconciliation discovers pools by the
// name prefix and reads dialect/port back from the labels.
const (
	PoolNamePrefix     = "dbctl-pool-"
	LabelPool          = "dbctl-pool"
	LabelDialect       = "dbctl.dialect"
	LabelContainerPort = "dbctl.container_port"
)

// ErrExecTimeout is returned by ExecWithTimeout when the wall clock
// expires before the command finishes. The in-flight exec is abandoned;
// the daemon reaps the process.
var ErrExecTimeout = errors.New("exec timed out")

// ErrNotFound is reported by IsRunning when the container does not exist,
// so callers can tell a missing container from a stopped one.
var ErrNotFound = errors.New("container not found")

// Client defines the container runtime operations the control plane needs.
// Implementations: docker.Client (Engine API) and cli.Client (docker/podman
// binary fallback).
type Client interface {
	// Lifecycle
	Close() error
	Ping(ctx context.Context) error

	// Image operations
	EnsureImage(ctx context.Context, imageName string) error

	// Pool containers
	CreatePool(ctx context.Context, cfg *PoolConfig) (*PoolContainer, error)
	ListPoolContainers(ctx context.Context) ([]PoolContainer, error)
	ListLegacyContainers(ctx context.Context) ([]string, error)

	// Container state
	IsRunning(ctx context.Context, containerID string) (bool, error)
	StopContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
	DestroyContainer(ctx context.Context, containerID string) error

	// Exec inside a container
	Exec(ctx context.Context, containerID string, cmd []string, env []string) (*ExecResult, error)
	ExecWithStdin(ctx context.Context, containerID string, cmd []string, env []string, stdin []byte) (*ExecResult, error)
	ExecWithTimeout(ctx context.Context, containerID string, cmd []string, env []string, timeout time.Duration) (*ExecResult, error)
}

// PoolConfig describes the pool container to create for a dialect.
type PoolConfig struct {
	Dialect      string
	Image        string
	Env          []string
	InternalPort int   // port the engine listens on inside the container
	MemoryMB     int64 // container-wide memory cap
}

// PoolContainer is the created or discovered pool.
type PoolContainer struct {
	ID       string
	Dialect  string
	HostPort uint16 // daemon-assigned 127.0.0.1 port
	Running  bool
}

// ExecResult carries the full output of a finished exec. ExitCode is nil
// when the daemon reports none; callers treat that as failure.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode *int
}

// Success reports a present, zero exit code.
func (r *ExecResult) Success() bool {
	return r.ExitCode != nil && *r.ExitCode == 0
}
