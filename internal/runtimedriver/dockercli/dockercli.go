// Package dockercli implements runtimedriver.Driver by shelling out to the
// docker and docker compose CLIs (§9 "shell out → driver abstraction": this
// is the shell-out side, kept behind the Driver interface so higher layers
// never depend on it directly).
package dockercli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/supaorch/orchestrator/infrastructure/errors"
	"github.com/supaorch/orchestrator/infrastructure/logging"
	"github.com/supaorch/orchestrator/infrastructure/resilience"
	"github.com/supaorch/orchestrator/internal/model"
	"github.com/supaorch/orchestrator/internal/runtimedriver"
)

// Driver shells out to docker and docker compose. ComposePath and EnvPath
// are resolved per-instance by the caller via model.DockerArtifacts.
type Driver struct {
	log          *logging.Logger
	retry        resilience.RetryConfig
	dockerPath   string
	dockerSocket string
}

// New returns a Driver that invokes "docker" from PATH, retrying transient
// failures per retryCfg. dockerSocket, when non-empty, is passed to every
// invocation as DOCKER_HOST so the CLI talks to that daemon socket instead
// of its own default.
func New(log *logging.Logger, retryCfg resilience.RetryConfig, dockerSocket string) *Driver {
	return &Driver{log: log, retry: retryCfg, dockerPath: "docker", dockerSocket: dockerSocket}
}

// cmd builds an exec.Cmd for the docker CLI, pointing DOCKER_HOST at
// dockerSocket when the caller configured a non-default socket path.
func (d *Driver) cmd(ctx context.Context, args ...string) *exec.Cmd {
	c := exec.CommandContext(ctx, d.dockerPath, args...)
	if d.dockerSocket != "" {
		c.Env = append(os.Environ(), "DOCKER_HOST=unix://"+d.dockerSocket)
	}
	return c
}

func (d *Driver) compose(ctx context.Context, inst model.Instance, args ...string) ([]byte, error) {
	full := append([]string{"compose",
		"--project-name", "supaorch-" + inst.ID,
		"-f", inst.Docker.ComposeFile,
		"--env-file", inst.Docker.EnvFile,
	}, args...)

	var out []byte
	err := resilience.Retry(ctx, d.retry, func() error {
		cmd := d.cmd(ctx, full...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		runErr := cmd.Run()
		out = stdout.Bytes()
		if runErr != nil {
			return fmt.Errorf("docker %s: %w: %s", strings.Join(args, " "), runErr, stderr.String())
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.RuntimeTimeout(strings.Join(args, "_"), runtimedriver.DefaultContainerInspectTimeout)
		}
		return nil, errors.RuntimeUnavailable(err)
	}
	return out, nil
}

// Up runs "docker compose up -d", pulling missing images implicitly.
func (d *Driver) Up(ctx context.Context, inst model.Instance) error {
	_, err := d.compose(ctx, inst, "up", "-d", "--remove-orphans")
	d.log.LogContainerOp(ctx, inst.ID, "all", "up", err)
	return err
}

// Down runs "docker compose down", removing containers but not volumes.
func (d *Driver) Down(ctx context.Context, inst model.Instance) error {
	_, err := d.compose(ctx, inst, "down")
	d.log.LogContainerOp(ctx, inst.ID, "all", "down", err)
	return err
}

// Stop runs "docker compose stop".
func (d *Driver) Stop(ctx context.Context, inst model.Instance) error {
	_, err := d.compose(ctx, inst, "stop")
	d.log.LogContainerOp(ctx, inst.ID, "all", "stop", err)
	return err
}

// Start runs "docker compose start".
func (d *Driver) Start(ctx context.Context, inst model.Instance) error {
	_, err := d.compose(ctx, inst, "start")
	d.log.LogContainerOp(ctx, inst.ID, "all", "start", err)
	return err
}

// Restart stops then starts a single container, bounded by timeout.
func (d *Driver) Restart(ctx context.Context, containerName string, timeout time.Duration) error {
	secs := strconv.Itoa(int(timeout.Seconds()))
	err := resilience.Retry(ctx, d.retry, func() error {
		cmd := d.cmd(ctx, "restart", "--time", secs, containerName)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("docker restart %s: %w: %s", containerName, err, stderr.String())
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return errors.RuntimeTimeout("restart", timeout)
		}
		return errors.RuntimeUnavailable(err)
	}
	return nil
}

// List inspects every expected container of inst via "docker inspect".
func (d *Driver) List(ctx context.Context, inst model.Instance) ([]model.ContainerRecord, error) {
	records := make([]model.ContainerRecord, 0, len(model.AllContainerRoles))
	for _, role := range model.AllContainerRoles {
		name := model.ContainerName(inst.ID, role)
		rec, err := d.inspectOne(ctx, name)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (d *Driver) inspectOne(ctx context.Context, containerName string) (model.ContainerRecord, error) {
	inspectCtx, cancel := context.WithTimeout(ctx, runtimedriver.DefaultContainerInspectTimeout)
	defer cancel()

	cmd := d.cmd(inspectCtx, "inspect",
		"--format", "{{.State.Running}}|{{.State.Status}}|{{.Created}}", containerName)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "No such object") {
			return model.ContainerRecord{Name: containerName, State: "absent"}, nil
		}
		return model.ContainerRecord{}, errors.RuntimeUnavailable(fmt.Errorf("inspect %s: %w: %s", containerName, err, stderr.String()))
	}

	fields := strings.SplitN(strings.TrimSpace(stdout.String()), "|", 3)
	rec := model.ContainerRecord{Name: containerName, Exists: true}
	if len(fields) > 0 {
		rec.Running = fields[0] == "true"
	}
	if len(fields) > 1 {
		rec.State = fields[1]
		rec.StatusText = fields[1]
	}
	if len(fields) > 2 {
		if t, err := time.Parse(time.RFC3339Nano, fields[2]); err == nil {
			rec.CreatedAt = t
		}
	}
	return rec, nil
}

// Logs runs "docker logs --tail".
func (d *Driver) Logs(ctx context.Context, containerName string, tailLines int) (string, error) {
	if tailLines <= 0 {
		tailLines = 200
	}
	cmd := d.cmd(ctx, "logs", "--tail", strconv.Itoa(tailLines), containerName)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.RuntimeUnavailable(fmt.Errorf("logs %s: %w: %s", containerName, err, stderr.String()))
	}
	return stdout.String(), nil
}

// WaitHealthy polls List every two seconds until at least 80% of inst's
// containers report running, or timeout elapses.
func (d *Driver) WaitHealthy(ctx context.Context, inst model.Instance, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
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
		if running >= (len(records)*8)/10 {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.RuntimeTimeout("wait_healthy", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ runtimedriver.Driver = (*Driver)(nil)
