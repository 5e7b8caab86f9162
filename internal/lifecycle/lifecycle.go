// Package lifecycle implements create/start/stop/delete/list/logs for
// instances (§4.E), owning the global create-lock and the per-instance
// mutation locks that give the rest of the system its concurrency
// guarantees (§5).
package lifecycle

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/semaphore"

	"github.com/supaorch/orchestrator/infrastructure/errors"
	"github.com/supaorch/orchestrator/infrastructure/logging"
	"github.com/supaorch/orchestrator/internal/allocator"
	"github.com/supaorch/orchestrator/internal/model"
	"github.com/supaorch/orchestrator/internal/registry"
	"github.com/supaorch/orchestrator/internal/render"
	"github.com/supaorch/orchestrator/internal/runtimedriver"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Soft resource thresholds checked before create (§4.E). Configurable via
// Controller fields for tests.
const (
	defaultMinFreeMemoryMB = 512
	defaultMinFreeDiskMB   = 1024
)

// CreateOptions carries the caller-supplied fields of POST /api/instances.
type CreateOptions struct {
	Organization     string
	DisableSignup    bool
	EmailAutoconfirm bool
	JWTExpirySeconds int
}

// Controller owns the global create-lock, per-instance locks, and the
// collaborators needed to create, mutate, and tear down instances.
type Controller struct {
	reg        *registry.Registry
	alloc      *allocator.Allocator
	renderer   *render.Renderer
	driver     runtimedriver.Driver
	log        *logging.Logger
	cfg        model.Config
	createSem  *semaphore.Weighted
	instLocks  sync.Map // string -> *sync.Mutex
	regSaveMu  sync.Mutex

	MinFreeMemoryMB int
	MinFreeDiskMB   int
}

// New builds a Controller. cfg.DataRoot and cfg.ExternalHost drive rendering
// and URL derivation; cfg.MaxInstances bounds registry size.
func New(reg *registry.Registry, alloc *allocator.Allocator, renderer *render.Renderer, driver runtimedriver.Driver, log *logging.Logger, cfg model.Config) *Controller {
	return &Controller{
		reg:             reg,
		alloc:           alloc,
		renderer:        renderer,
		driver:          driver,
		log:             log,
		cfg:             cfg,
		createSem:       semaphore.NewWeighted(1),
		MinFreeMemoryMB: defaultMinFreeMemoryMB,
		MinFreeDiskMB:   defaultMinFreeDiskMB,
	}
}

func (c *Controller) lockFor(id string) *sync.Mutex {
	v, _ := c.instLocks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (c *Controller) saveRegistry() error {
	c.regSaveMu.Lock()
	defer c.regSaveMu.Unlock()
	return c.reg.Save()
}

func (c *Controller) checkResources() error {
	vm, err := mem.VirtualMemory()
	if err == nil {
		freeMB := int(vm.Available / (1024 * 1024))
		if freeMB < c.MinFreeMemoryMB {
			return errors.InsufficientMemory(c.MinFreeMemoryMB, freeMB)
		}
	}

	usage, err := disk.Usage(c.cfg.DataRoot)
	if err == nil {
		freeMB := int(usage.Free / (1024 * 1024))
		if freeMB < c.MinFreeDiskMB {
			return errors.InsufficientDisk(c.MinFreeDiskMB, freeMB)
		}
	}
	return nil
}

// CreateInstance provisions a new seven-container stack (§4.E).
func (c *Controller) CreateInstance(ctx context.Context, name string, opts CreateOptions) (model.Instance, error) {
	if name == "" || !namePattern.MatchString(name) {
		return model.Instance{}, errors.InvalidName(name)
	}
	if c.reg.NameInUse(name) {
		return model.Instance{}, errors.InvalidName(name)
	}
	if c.cfg.MaxInstances > 0 && c.reg.Count() >= c.cfg.MaxInstances {
		return model.Instance{}, errors.MaxInstancesReached(c.cfg.MaxInstances)
	}
	if err := c.checkResources(); err != nil {
		return model.Instance{}, err
	}

	if !c.createSem.TryAcquire(1) {
		return model.Instance{}, errors.CreateInProgress()
	}
	defer c.createSem.Release(1)

	id, err := c.alloc.AllocateID(c.reg.Exists)
	if err != nil {
		return model.Instance{}, err
	}
	ports, err := c.alloc.AllocatePortSet(c.reg.UsedPorts)
	if err != nil {
		return model.Instance{}, err
	}
	creds, err := allocator.GenerateCredentials(opts.Organization)
	if err != nil {
		return model.Instance{}, err
	}

	now := time.Now()
	inst := model.Instance{
		ID:               id,
		Name:             name,
		Organization:     opts.Organization,
		CreatedAt:        now,
		UpdatedAt:        now,
		Status:           model.StatusCreating,
		Ports:            ports,
		Credentials:      creds,
		DisableSignup:    opts.DisableSignup,
		EmailAutoconfirm: opts.EmailAutoconfirm,
		JWTExpirySeconds: opts.JWTExpirySeconds,
	}

	vars := render.BuildVariables(inst, c.cfg.ExternalHost, c.cfg.DockerSocket, render.SMTPConfig{})
	artifacts, err := c.renderer.Render(c.cfg.DataRoot, inst, vars)
	if err != nil {
		return model.Instance{}, errors.CreateFailed(err)
	}
	inst.Docker = artifacts
	inst.URLs = model.URLs{
		API:    fmt.Sprintf("http://%s:%d", c.cfg.ExternalHost, inst.Ports.GatewayHTTP),
		Studio: fmt.Sprintf("http://%s:%d", c.cfg.ExternalHost, inst.Ports.GatewayHTTP),
	}

	createCtx, cancel := context.WithTimeout(ctx, 15*time.Minute)
	defer cancel()

	if err := c.driver.Up(createCtx, inst); err != nil {
		c.teardown(context.Background(), inst, artifacts)
		return model.Instance{}, errors.CreateFailed(err)
	}
	if err := c.driver.WaitHealthy(createCtx, inst, 5*time.Minute); err != nil {
		c.teardown(context.Background(), inst, artifacts)
		return model.Instance{}, errors.CreateFailed(err)
	}

	inst.Status = model.StatusRunning
	inst.UpdatedAt = time.Now()
	c.reg.Put(inst)
	if err := c.saveRegistry(); err != nil {
		c.reg.Delete(inst.ID)
		c.teardown(context.Background(), inst, artifacts)
		return model.Instance{}, errors.CreateFailed(err)
	}

	c.log.LogContainerOp(ctx, inst.ID, "all", "create", nil)
	return inst, nil
}

func (c *Controller) teardown(ctx context.Context, inst model.Instance, artifacts model.DockerArtifacts) {
	_ = c.driver.Down(ctx, inst)
	_ = render.RemoveArtifacts(artifacts)
}

// StartInstance starts a stopped instance's containers.
func (c *Controller) StartInstance(ctx context.Context, id string) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	inst, ok := c.reg.Get(id)
	if !ok {
		return errors.NotFound("instance", id)
	}
	if err := c.driver.Start(ctx, inst); err != nil {
		return err
	}
	inst.Status = model.StatusRunning
	inst.UpdatedAt = time.Now()
	c.reg.Put(inst)
	return c.saveRegistry()
}

// StopInstance stops a running instance's containers without removing them.
func (c *Controller) StopInstance(ctx context.Context, id string) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	inst, ok := c.reg.Get(id)
	if !ok {
		return errors.NotFound("instance", id)
	}
	if err := c.driver.Stop(ctx, inst); err != nil {
		return err
	}
	inst.Status = model.StatusStopped
	inst.UpdatedAt = time.Now()
	c.reg.Put(inst)
	return c.saveRegistry()
}

// DeleteInstance tears down containers, removes rendered files and volumes,
// then removes the registry entry last.
func (c *Controller) DeleteInstance(ctx context.Context, id string) error {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	inst, ok := c.reg.Get(id)
	if !ok {
		return errors.NotFound("instance", id)
	}
	if err := c.driver.Down(ctx, inst); err != nil {
		c.log.Warn(ctx, "down failed during delete, continuing teardown", map[string]interface{}{"instance_id": id, "error": err.Error()})
	}
	if err := render.RemoveArtifacts(inst.Docker); err != nil {
		c.log.Warn(ctx, "artifact removal failed during delete", map[string]interface{}{"instance_id": id, "error": err.Error()})
	}
	c.reg.Delete(id)
	return c.saveRegistry()
}

// ListInstances returns every instance record and the {total, running,
// stopped, creating, error} summary.
func (c *Controller) ListInstances() ([]model.Instance, model.InstanceStats) {
	return c.reg.List(), c.reg.Stats()
}

// Logs delegates to the Runtime Driver for one container's recent output.
func (c *Controller) Logs(ctx context.Context, id string, containerName string, tail int) (string, error) {
	if _, ok := c.reg.Get(id); !ok {
		return "", errors.NotFound("instance", id)
	}
	return c.driver.Logs(ctx, containerName, tail)
}
