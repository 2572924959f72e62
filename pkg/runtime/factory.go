package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sirrobot01/dbctl/pkg/runtime/cli"
	"github.com/sirrobot01/dbctl/pkg/runtime/docker"
)

// RuntimeBinary maps runtime names to CLI binaries
var RuntimeBinary = map[string]string{
	"docker":  "docker",
	"podman":  "podman",
	"nerdctl": "nerdctl",
}

// DefaultSocket is where the Docker daemon usually listens.
const DefaultSocket = "/var/run/docker.sock"

// New creates a new container runtime client.
// runtime: "docker", "podman", or "nerdctl"
// For docker, a reachable socket (given or discovered) selects the Engine
// API client; otherwise the matching CLI binary is used.
func New(runtimeName, socketPath string) (Client, error) {
	// Default to docker
	if runtimeName == "" {
		runtimeName = "docker"
	}

	// Validate runtime
	if _, ok := RuntimeBinary[runtimeName]; !ok {
		return nil, fmt.Errorf("unknown runtime: %s (valid: docker, podman, nerdctl)", runtimeName)
	}

	if runtimeName == "docker" {
		if socketPath == "" {
			socketPath = discoverSocket()
		}
		if socketPath != "" {
			return newDockerSDKClient(socketPath)
		}
	}

	// Fall back to CLI mode
	return newCLIClient(runtimeName)
}

// discoverSocket probes the usual Docker socket locations, including the
// rootless one.
func discoverSocket() string {
	candidates := []string{DefaultSocket}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		candidates = append(candidates, filepath.Join(dir, "docker.sock"))
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// newDockerSDKClient validates socket and creates Docker SDK client
func newDockerSDKClient(socketPath string) (Client, error) {
	if err := validateSocket(socketPath); err != nil {
		return nil, err
	}

	log.Info().
		Str("runtime", "docker").
		Str("mode", "SDK").
		Str("socket", socketPath).
		Msg("Initializing container runtime")

	client, err := docker.NewClient(socketPath)
	if err != nil {
		return nil, err
	}

	if err := pingWithTimeout(client, socketPath, "docker"); err != nil {
		client.Close()
		return nil, err
	}

	log.Info().
		Str("runtime", "docker").
		Str("socket", socketPath).
		Msg("Container runtime connected successfully")

	return client, nil
}

// newCLIClient validates binary and creates CLI client
func newCLIClient(runtimeName string) (Client, error) {
	binary := RuntimeBinary[runtimeName]

	binaryPath, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%s CLI not found in PATH: install %s or specify a socket path", binary, binary)
	}

	log.Info().
		Str("runtime", runtimeName).
		Str("mode", "CLI").
		Str("binary", binaryPath).
		Msg("Initializing container runtime")

	client, err := cli.NewClient(binary)
	if err != nil {
		return nil, err
	}

	if err := pingWithTimeout(client, "", runtimeName); err != nil {
		return nil, err
	}

	log.Info().
		Str("runtime", runtimeName).
		Str("binary", binaryPath).
		Msg("Container runtime connected successfully")

	return client, nil
}

// validateSocket checks if socket path exists and is accessible
func validateSocket(socketPath string) error {
	info, err := os.Stat(socketPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("socket not found at %s", socketPath)
		}
		return fmt.Errorf("cannot access socket at %s: %w", socketPath, err)
	}

	// Check if it's a socket or symlink to socket
	mode := info.Mode()
	if mode&os.ModeSocket == 0 && mode&os.ModeSymlink == 0 {
		// May still be valid on some systems, continue with warning
		log.Warn().
			Str("socket", socketPath).
			Str("mode", mode.String()).
			Msg("Socket path may not be a Unix socket")
	}

	return nil
}

// pingWithTimeout pings the runtime with a timeout
func pingWithTimeout(client Client, socketPath, runtimeName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		if socketPath != "" {
			return fmt.Errorf("cannot connect to %s daemon at %s: %w", runtimeName, socketPath, err)
		}
		return fmt.Errorf("cannot connect to %s daemon: %w (is %s running?)", runtimeName, err, runtimeName)
	}
	return nil
}
