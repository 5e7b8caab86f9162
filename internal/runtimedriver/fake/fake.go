// Package fake implements an in-memory runtimedriver.Driver for use by tests
// of every layer built above it (lifecycle, health, repair). It never shells
// out and never sleeps; container state transitions happen synchronously so
// tests stay deterministic.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/supaorch/orchestrator/infrastructure/errors"
	"github.com/supaorch/orchestrator/internal/model"
)

type containerState struct {
	running   bool
	createdAt time.Time
}

// Driver is a deterministic, in-memory runtimedriver.Driver. The zero value
// is not usable; construct with New.
type Driver struct {
	mu         sync.Mutex
	containers map[string]*containerState
	logs       map[string][]string

	// FailUp, when non-nil, is returned by the next call to Up and then cleared.
	FailUp error
	// FailNext names an operation ("up", "down", "stop", "start", "restart")
	// that should fail once with FailNextErr, for exercising error paths.
	FailNext    string
	FailNextErr error
}

// New returns an empty Driver with no containers known.
func New() *Driver {
	return &Driver{
		containers: make(map[string]*containerState),
		logs:       make(map[string][]string),
	}
}

func (d *Driver) consumeFailure(op string) error {
	if d.FailNext == op {
		err := d.FailNextErr
		d.FailNext = ""
		d.FailNextErr = nil
		return err
	}
	return nil
}

// Up creates and starts every expected container for inst.
func (d *Driver) Up(ctx context.Context, inst model.Instance) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.FailUp != nil {
		err := d.FailUp
		d.FailUp = nil
		return err
	}
	if err := d.consumeFailure("up"); err != nil {
		return err
	}

	now := time.Now()
	for _, role := range model.AllContainerRoles {
		name := model.ContainerName(inst.ID, role)
		d.containers[name] = &containerState{running: true, createdAt: now}
		d.logs[name] = append(d.logs[name], fmt.Sprintf("%s: container started", name))
	}
	return nil
}

// Down stops and removes every container belonging to inst.
func (d *Driver) Down(ctx context.Context, inst model.Instance) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.consumeFailure("down"); err != nil {
		return err
	}
	for _, role := range model.AllContainerRoles {
		delete(d.containers, model.ContainerName(inst.ID, role))
	}
	return nil
}

// Stop marks every container of inst as not running, without removing it.
func (d *Driver) Stop(ctx context.Context, inst model.Instance) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.consumeFailure("stop"); err != nil {
		return err
	}
	for _, role := range model.AllContainerRoles {
		if c, ok := d.containers[model.ContainerName(inst.ID, role)]; ok {
			c.running = false
		}
	}
	return nil
}

// Start marks every existing container of inst as running.
func (d *Driver) Start(ctx context.Context, inst model.Instance) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.consumeFailure("start"); err != nil {
		return err
	}
	for _, role := range model.AllContainerRoles {
		name := model.ContainerName(inst.ID, role)
		c, ok := d.containers[name]
		if !ok {
			return errors.RuntimeUnavailable(fmt.Errorf("container %s does not exist", name))
		}
		c.running = true
	}
	return nil
}

// Restart stops then starts a single container by name.
func (d *Driver) Restart(ctx context.Context, containerName string, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.consumeFailure("restart"); err != nil {
		return err
	}
	c, ok := d.containers[containerName]
	if !ok {
		return errors.RuntimeUnavailable(fmt.Errorf("container %s does not exist", containerName))
	}
	c.running = false
	c.running = true
	d.logs[containerName] = append(d.logs[containerName], fmt.Sprintf("%s: restarted", containerName))
	return nil
}

// List returns the live state of every expected container of inst.
func (d *Driver) List(ctx context.Context, inst model.Instance) ([]model.ContainerRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	records := make([]model.ContainerRecord, 0, len(model.AllContainerRoles))
	for _, role := range model.AllContainerRoles {
		name := model.ContainerName(inst.ID, role)
		c, exists := d.containers[name]
		rec := model.ContainerRecord{Name: name}
		if !exists {
			rec.State = "absent"
			records = append(records, rec)
			continue
		}
		rec.Exists = true
		rec.Running = c.running
		rec.CreatedAt = c.createdAt
		if c.running {
			rec.State = "running"
			rec.StatusText = "Up"
		} else {
			rec.State = "exited"
			rec.StatusText = "Exited"
		}
		records = append(records, rec)
	}
	return records, nil
}

// Logs returns the recorded log lines for containerName, most recent last,
// truncated to tailLines.
func (d *Driver) Logs(ctx context.Context, containerName string, tailLines int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	lines, ok := d.logs[containerName]
	if !ok {
		return "", errors.RuntimeUnavailable(fmt.Errorf("container %s does not exist", containerName))
	}
	if tailLines > 0 && len(lines) > tailLines {
		lines = lines[len(lines)-tailLines:]
	}
	out := ""
	for _, line := range lines {
		out += line + "\n"
	}
	return out, nil
}

// WaitHealthy reports healthy as soon as at least 80% of inst's expected
// containers are running; it never actually blocks since fake state
// transitions are synchronous.
func (d *Driver) WaitHealthy(ctx context.Context, inst model.Instance, timeout time.Duration) error {
	records, err := d.List(ctx, inst)
	if err != nil {
		return err
	}
	running := 0
	for _, r := range records {
		if r.Running {
			running++
		}
	}
	threshold := (len(records) * 8) / 10
	if running < threshold {
		return errors.RuntimeTimeout("wait_healthy", timeout)
	}
	return nil
}

// SetRunning forces a container's running bit directly, for tests that need
// to simulate a crash without going through Stop.
func (d *Driver) SetRunning(containerName string, running bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.containers[containerName]; ok {
		c.running = running
	}
}

// AppendLog records a synthetic log line for containerName, for tests
// exercising the log-summary probe.
func (d *Driver) AppendLog(containerName, line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logs[containerName] = append(d.logs[containerName], line)
}
