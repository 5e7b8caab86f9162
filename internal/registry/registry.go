// Package registry is the durable map of instance id to instance record.
// It is the single authoritative source for instance existence (§3).
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/supaorch/orchestrator/infrastructure/errors"
	"github.com/supaorch/orchestrator/infrastructure/logging"
	"github.com/supaorch/orchestrator/internal/model"
)

// Registry holds the in-memory instance map and persists it to a single
// JSON file via write-temp-then-rename.
type Registry struct {
	mu   sync.RWMutex
	path string
	data map[string]*model.Instance
	log  *logging.Logger
}

// New creates a Registry backed by the file at path. Load must be called
// before use.
func New(path string, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Default()
	}
	return &Registry{
		path: path,
		data: make(map[string]*model.Instance),
		log:  log,
	}
}

// Load reads the registry file from disk. A missing file is not an error:
// the registry starts empty.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		r.data = make(map[string]*model.Instance)
		return nil
	}
	if err != nil {
		return errors.RegistryIO("load", err)
	}

	loaded := make(map[string]*model.Instance)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &loaded); err != nil {
			return errors.RegistryIO("unmarshal", err)
		}
	}
	r.data = loaded
	return nil
}

// Save persists the registry atomically: write to a temp file in the same
// directory, fsync, then rename over the target path.
func (r *Registry) Save() error {
	r.mu.RLock()
	snapshot, err := json.MarshalIndent(r.data, "", "  ")
	r.mu.RUnlock()
	if err != nil {
		return errors.RegistryIO("marshal", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".instances-*.tmp")
	if err != nil {
		return errors.RegistryIO("create_temp", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(snapshot); err != nil {
		tmp.Close()
		return errors.RegistryIO("write", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.RegistryIO("fsync", err)
	}
	if err := tmp.Close(); err != nil {
		return errors.RegistryIO("close", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		return errors.RegistryIO("rename", err)
	}
	return nil
}

// Get returns a copy of the instance record for id, if present.
func (r *Registry) Get(id string) (model.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.data[id]
	if !ok {
		return model.Instance{}, false
	}
	return *inst, true
}

// Exists reports whether id is present in the registry.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.data[id]
	return ok
}

// NameInUse reports whether name is already used by a live instance.
func (r *Registry) NameInUse(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inst := range r.data {
		if inst.Name == name {
			return true
		}
	}
	return false
}

// Put inserts or overwrites the record for inst.ID. The caller is
// responsible for holding the appropriate lifecycle lock.
func (r *Registry) Put(inst model.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := inst
	r.data[inst.ID] = &cp
}

// Delete removes id from the registry. A no-op if absent.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, id)
}

// List returns a copy of every instance record, unordered.
func (r *Registry) List() []model.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Instance, 0, len(r.data))
	for _, inst := range r.data {
		out = append(out, *inst)
	}
	return out
}

// Count returns the number of instances currently registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// UsedPorts gathers every port currently occupied by a live instance,
// for the Allocator to exclude when issuing new ports.
func (r *Registry) UsedPorts() map[int]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	used := make(map[int]bool, len(r.data)*4)
	for _, inst := range r.data {
		used[inst.Ports.GatewayHTTP] = true
		used[inst.Ports.GatewayHTTPS] = true
		used[inst.Ports.DatabaseExternal] = true
		used[inst.Ports.Analytics] = true
		for _, p := range inst.Ports.Additional {
			used[p] = true
		}
	}
	return used
}

// Stats computes the {total, running, stopped, creating, error} summary.
func (r *Registry) Stats() model.InstanceStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := model.InstanceStats{Total: len(r.data)}
	for _, inst := range r.data {
		switch inst.Status {
		case model.StatusRunning:
			stats.Running++
		case model.StatusStopped:
			stats.Stopped++
		case model.StatusCreating:
			stats.Creating++
		case model.StatusError:
			stats.Error++
		}
	}
	return stats
}
