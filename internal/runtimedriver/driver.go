// Package runtimedriver defines the narrow capability interface over the
// container runtime (§4.D, §9 "shell out → driver abstraction"). Every
// operation is bounded by a timeout and blocking from the caller's view.
package runtimedriver

import (
	"context"
	"time"

	"github.com/supaorch/orchestrator/internal/model"
)

// Driver is the abstraction every lifecycle, health, and repair component
// depends on. Production code uses the dockercli implementation; tests use
// the fake implementation for determinism.
type Driver interface {
	// Up starts all containers of an instance using its rendered compose
	// and env files, pulling missing images.
	Up(ctx context.Context, inst model.Instance) error

	// Down stops and removes containers; volumes on disk are untouched.
	Down(ctx context.Context, inst model.Instance) error

	// Stop stops containers without removing them.
	Stop(ctx context.Context, inst model.Instance) error

	// Start starts previously-stopped containers.
	Start(ctx context.Context, inst model.Instance) error

	// Restart gracefully stops then starts a single named container.
	Restart(ctx context.Context, containerName string, timeout time.Duration) error

	// List returns the live state of every expected container of inst.
	List(ctx context.Context, inst model.Instance) ([]model.ContainerRecord, error)

	// Logs returns recent log text for containerName.
	Logs(ctx context.Context, containerName string, tailLines int) (string, error)

	// WaitHealthy polls List until at least 80% of expected containers are
	// running, or timeout elapses.
	WaitHealthy(ctx context.Context, inst model.Instance, timeout time.Duration) error
}

// Default per-operation timeouts (§5).
const (
	DefaultContainerInspectTimeout = 10 * time.Second
	DefaultGracefulStopTimeout     = 30 * time.Second
)
