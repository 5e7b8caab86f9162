// Package backup implements snapshot/list/verify/cleanup/restore (§4.J)
// against the on-disk layout fixed by §6.3: one directory per snapshot under
// auto-repair-backups/, holding a manifest plus best-effort component
// artifacts.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/supaorch/orchestrator/infrastructure/errors"
	"github.com/supaorch/orchestrator/infrastructure/logging"
	"github.com/supaorch/orchestrator/internal/health"
	"github.com/supaorch/orchestrator/internal/model"
	"github.com/supaorch/orchestrator/internal/registry"
	"github.com/supaorch/orchestrator/internal/runtimedriver"
)

const backupsDirName = "auto-repair-backups"

// Store persists and restores instance snapshots under dataRoot/auto-repair-backups.
type Store struct {
	dataRoot string
	driver   runtimedriver.Driver
	log      *logging.Logger
}

// New builds a Store rooted at dataRoot.
func New(dataRoot string, driver runtimedriver.Driver, log *logging.Logger) *Store {
	if log == nil {
		log = logging.Default()
	}
	return &Store{dataRoot: dataRoot, driver: driver, log: log}
}

func (s *Store) backupsRoot() string {
	return filepath.Join(s.dataRoot, backupsDirName)
}

func (s *Store) dirFor(instanceID, reason string, ts time.Time) (string, string) {
	name := fmt.Sprintf("%s_%s_%s", instanceID, reason, ts.UTC().Format("20060102T150405Z"))
	return name, filepath.Join(s.backupsRoot(), name)
}

// Snapshot captures instance-config, environment, volumes, and
// container-states into a new backup directory, best-effort per component.
func (s *Store) Snapshot(ctx context.Context, inst model.Instance, reason string) (model.Backup, error) {
	ts := time.Now()
	name, dir := s.dirFor(inst.ID, reason, ts)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.Backup{}, errors.RegistryIO("mkdir_backup_dir", err)
	}

	components := make(map[string]model.BackupComponent, 4)

	components["instance-config"] = s.captureJSON(filepath.Join(dir, "instance-config.json"), inst)
	components["environment"] = s.captureFileCopy(filepath.Join(dir, "environment.env"), inst.Docker.EnvFile)
	components["volumes"] = s.captureDirCopy(filepath.Join(dir, "volumes"), inst.Docker.VolumesDir)

	states, err := s.driver.List(ctx, inst)
	if err != nil {
		components["container-states"] = model.BackupComponent{Success: false, Error: err.Error()}
	} else {
		components["container-states"] = s.captureJSON(filepath.Join(dir, "container-states.json"), states)
	}

	backupRecord := model.Backup{
		BackupID:   name,
		InstanceID: inst.ID,
		Reason:     reason,
		Timestamp:  ts,
		Components: components,
		SizeMB:     dirSizeMB(dir),
	}

	manifestPath := filepath.Join(dir, "backup-manifest.json")
	raw, err := json.MarshalIndent(backupRecord, "", "  ")
	if err != nil {
		return model.Backup{}, errors.RegistryIO("marshal_manifest", err)
	}
	if err := os.WriteFile(manifestPath, raw, 0o644); err != nil {
		return model.Backup{}, errors.RegistryIO("write_manifest", err)
	}

	if !components["instance-config"].Success || !components["environment"].Success {
		return backupRecord, errors.BackupInvalid(name)
	}
	return backupRecord, nil
}

func (s *Store) captureJSON(path string, v interface{}) model.BackupComponent {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return model.BackupComponent{Success: false, Error: err.Error()}
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return model.BackupComponent{Success: false, Error: err.Error()}
	}
	return model.BackupComponent{Success: true, ArtifactPath: path}
}

func (s *Store) captureFileCopy(dst, src string) model.BackupComponent {
	if src == "" {
		return model.BackupComponent{Success: false, Error: "no source path recorded"}
	}
	raw, err := os.ReadFile(src)
	if err != nil {
		return model.BackupComponent{Success: false, Error: err.Error()}
	}
	if err := os.WriteFile(dst, raw, 0o600); err != nil {
		return model.BackupComponent{Success: false, Error: err.Error()}
	}
	return model.BackupComponent{Success: true, ArtifactPath: dst}
}

func (s *Store) captureDirCopy(dst, src string) model.BackupComponent {
	if src == "" {
		return model.BackupComponent{Success: false, Error: "no source directory recorded"}
	}
	if _, err := os.Stat(src); err != nil {
		return model.BackupComponent{Success: false, Error: err.Error()}
	}
	if err := copyTree(src, dst); err != nil {
		return model.BackupComponent{Success: false, Error: err.Error()}
	}
	return model.BackupComponent{Success: true, ArtifactPath: dst}
}

func copyTree(srcRoot, dstRoot string) error {
	return filepath.WalkDir(srcRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(dstRoot, rel)
		if d.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		return os.WriteFile(dst, raw, 0o644)
	})
}

func dirSizeMB(dir string) float64 {
	var total int64
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, statErr := d.Info(); statErr == nil {
			total += info.Size()
		}
		return nil
	})
	return float64(total) / (1024 * 1024)
}

// List returns every backup, optionally filtered to one instance, sorted
// newest first.
func (s *Store) List(instanceID string) ([]model.Backup, error) {
	entries, err := os.ReadDir(s.backupsRoot())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.RegistryIO("list_backups", err)
	}

	var out []model.Backup
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if instanceID != "" && !strings.HasPrefix(entry.Name(), instanceID+"_") {
			continue
		}
		manifestPath := filepath.Join(s.backupsRoot(), entry.Name(), "backup-manifest.json")
		raw, err := os.ReadFile(manifestPath)
		if err != nil {
			continue
		}
		var b model.Backup
		if err := json.Unmarshal(raw, &b); err != nil {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// Verify checks the manifest exists and that at least 80% of its recorded
// component artifacts still exist on disk.
func (s *Store) Verify(backupID string) (valid bool, completeness float64, err error) {
	manifestPath := filepath.Join(s.backupsRoot(), backupID, "backup-manifest.json")
	raw, readErr := os.ReadFile(manifestPath)
	if readErr != nil {
		return false, 0, errors.BackupInvalid(backupID)
	}

	total := 0
	present := 0
	gjson.GetBytes(raw, "components").ForEach(func(_, component gjson.Result) bool {
		total++
		path := component.Get("artifact_path").String()
		success := component.Get("success").Bool()
		if success && path != "" {
			if _, statErr := os.Stat(path); statErr == nil {
				present++
			}
		}
		return true
	})

	if total == 0 {
		return false, 0, nil
	}
	completeness = float64(present) / float64(total)
	return completeness >= 0.8, completeness, nil
}

// Cleanup deletes all but the most recent keep snapshots for instanceID.
func (s *Store) Cleanup(instanceID string, keep int) error {
	backups, err := s.List(instanceID)
	if err != nil {
		return err
	}
	if len(backups) <= keep {
		return nil
	}
	for _, b := range backups[keep:] {
		if err := os.RemoveAll(filepath.Join(s.backupsRoot(), b.BackupID)); err != nil {
			return errors.RegistryIO("cleanup_backup", err)
		}
	}
	return nil
}

// RestoreResult reports the outcome of a restore and its post-flight checks.
type RestoreResult struct {
	Success           bool
	RegistryRestored  bool
	DatabaseReachable bool
	HTTPReachable     bool
	ManifestAgeHours  float64
}

// Restore rolls instanceID back to backupID: stop (best-effort), restore
// config into reg, overwrite env, replace volumes, bring back up, then run
// a quick health check. Succeeds iff at least 60% of the three post-restore
// checks pass.
func (s *Store) Restore(ctx context.Context, reg *registry.Registry, checker *health.Checker, instanceID, backupID string) (RestoreResult, error) {
	valid, _, err := s.Verify(backupID)
	if err != nil || !valid {
		return RestoreResult{}, errors.RestoreFailed(backupID, err)
	}

	dir := filepath.Join(s.backupsRoot(), backupID)
	manifestRaw, err := os.ReadFile(filepath.Join(dir, "backup-manifest.json"))
	if err != nil {
		return RestoreResult{}, errors.RestoreFailed(backupID, err)
	}
	var manifest model.Backup
	if err := json.Unmarshal(manifestRaw, &manifest); err != nil {
		return RestoreResult{}, errors.RestoreFailed(backupID, err)
	}
	if manifest.InstanceID != instanceID {
		return RestoreResult{}, errors.RestoreFailed(backupID, fmt.Errorf("backup %s belongs to instance %s, not %s", backupID, manifest.InstanceID, instanceID))
	}
	ageHours := time.Since(manifest.Timestamp).Hours()

	configRaw, err := os.ReadFile(filepath.Join(dir, "instance-config.json"))
	if err != nil {
		return RestoreResult{}, errors.RestoreFailed(backupID, err)
	}
	var inst model.Instance
	if err := json.Unmarshal(configRaw, &inst); err != nil {
		return RestoreResult{}, errors.RestoreFailed(backupID, err)
	}

	_ = s.driver.Stop(ctx, inst)

	if inst.Docker.EnvFile != "" {
		if envRaw, err := os.ReadFile(filepath.Join(dir, "environment.env")); err == nil {
			_ = os.WriteFile(inst.Docker.EnvFile, envRaw, 0o600)
		}
	}
	if inst.Docker.VolumesDir != "" {
		_ = os.RemoveAll(inst.Docker.VolumesDir)
		_ = copyTree(filepath.Join(dir, "volumes"), inst.Docker.VolumesDir)
	}

	reg.Put(inst)
	result := RestoreResult{RegistryRestored: true, ManifestAgeHours: ageHours}

	if err := s.driver.Up(ctx, inst); err != nil {
		return result, errors.RestoreFailed(backupID, err)
	}
	quick := checker.QuickHealthCheck(ctx, inst)
	result.DatabaseReachable = quick.Results.Database.Healthy
	result.HTTPReachable = quick.Results.HTTPService.Healthy

	passed := 0
	if result.RegistryRestored {
		passed++
	}
	if result.DatabaseReachable {
		passed++
	}
	if result.HTTPReachable {
		passed++
	}
	result.Success = float64(passed)/3.0 >= 0.6

	if !result.Success {
		return result, errors.RestoreFailed(backupID, nil)
	}
	return result, nil
}
