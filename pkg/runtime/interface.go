// Package runtime provides the container runtime abstraction layer.
// It re-exports types from runtime/types for convenience.
package runtime

import (
	"github.com/sirrobot01/dbctl/pkg/runtime/types"
)

// Re-export types for external users
type (
	Client        = types.Client
	PoolConfig    = types.PoolConfig
	PoolContainer = types.PoolContainer
	ExecResult    = types.ExecResult
)

// Re-export sentinel errors
var (
	ErrExecTimeout = types.ErrExecTimeout
	ErrNotFound    = types.ErrNotFound
)
