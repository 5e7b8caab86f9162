// Package repair implements the Auto-Repair Engine (§4.I): it turns a
// RepairPlan from internal/analyzer into executed container operations,
// snapshotting first and rolling back on critical failure.
package repair

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/supaorch/orchestrator/infrastructure/errors"
	"github.com/supaorch/orchestrator/infrastructure/logging"
	"github.com/supaorch/orchestrator/internal/allocator"
	"github.com/supaorch/orchestrator/internal/analyzer"
	"github.com/supaorch/orchestrator/internal/backup"
	"github.com/supaorch/orchestrator/internal/diagnostic"
	"github.com/supaorch/orchestrator/internal/health"
	"github.com/supaorch/orchestrator/internal/model"
	"github.com/supaorch/orchestrator/internal/registry"
	"github.com/supaorch/orchestrator/internal/render"
	"github.com/supaorch/orchestrator/internal/runtimedriver"
)

// Options controls one repair invocation (§4.I preconditions and step 3/6).
type Options struct {
	Force        bool
	Backup       *bool // nil means true, matching "options.backup != false"
	AutoRollback *bool // nil means true, matching "options.auto_rollback != false"
}

func optOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// Outcome is the top-level result of Repair.
type Outcome struct {
	Status            string           `json:"status"`
	Message           string           `json:"message"`
	BackupID          string           `json:"backup_id,omitempty"`
	RollbackPerformed bool             `json:"rollback_performed"`
	Plan              model.RepairPlan `json:"plan"`
	FinalDiagnostic   model.Diagnostic `json:"final_diagnostic"`
}

const (
	StatusNoRepairNecessary     = "no_repair_necessary"
	StatusManualInterventionReq = "manual_intervention_required"
	StatusSuccess               = "success"
)

const (
	actionTimeout    = 2 * time.Minute
	interActionPause = 2 * time.Second
	interPhasePause  = 5 * time.Second
)

// PrimitiveResult is the structured outcome every repair primitive returns.
type PrimitiveResult struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Engine orchestrates the Problem Analyzer, Backup store, Runtime Driver,
// and Health Checker into the §4.I repair sequence.
type Engine struct {
	driver   runtimedriver.Driver
	checker  *health.Checker
	diag     *diagnostic.Engine
	backups  *backup.Store
	reg      *registry.Registry
	log      *logging.Logger
	dataRoot string
	sleep    func(time.Duration)

	// databaseWaitTimeout and credentialValidationTimeout bound the polling
	// loops in restartDatabaseContainer and regenerateCredentials; they are
	// fields rather than constants so tests can shrink them.
	databaseWaitTimeout         time.Duration
	credentialValidationTimeout time.Duration
}

// New builds an Engine. dataRoot locates the credentials-backup directory
// used by regenerate_credentials, distinct from the Backup store's layout.
func New(driver runtimedriver.Driver, checker *health.Checker, diag *diagnostic.Engine, backups *backup.Store, reg *registry.Registry, log *logging.Logger, dataRoot string) *Engine {
	if log == nil {
		log = logging.Default()
	}
	return &Engine{
		driver: driver, checker: checker, diag: diag, backups: backups,
		reg: reg, log: log, dataRoot: dataRoot, sleep: time.Sleep,
		databaseWaitTimeout:         60 * time.Second,
		credentialValidationTimeout: 120 * time.Second,
	}
}

// Repair executes the 8-step sequence from §4.I against instanceID.
func (e *Engine) Repair(ctx context.Context, instanceID string, opts Options) (Outcome, error) {
	inst, ok := e.reg.Get(instanceID)
	if !ok {
		return Outcome{}, errors.NotFound("instance", instanceID)
	}
	if inst.Status == model.StatusCreating {
		return Outcome{}, errors.OperationInProgress(instanceID)
	}

	initial, err := e.diag.RunFullDiagnostic(ctx, inst)
	if err != nil {
		// The diagnostic engine's floor may have no cached entry to fall
		// back on; a caller-requested repair still needs a diagnostic, so
		// go straight to the checker rather than fail the repair on a rate
		// limit that was never meant to gate this path.
		initial = e.checker.RunFullDiagnostic(ctx, inst)
	}
	if initial.OverallHealthy && !opts.Force {
		return Outcome{Status: StatusNoRepairNecessary, Message: "instance is already healthy", FinalDiagnostic: initial}, nil
	}

	plan := analyzer.Analyze(initial)
	if len(plan.Actions) == 0 {
		return Outcome{Status: StatusManualInterventionReq, Message: "no automated action applies", Plan: plan, FinalDiagnostic: initial}, nil
	}

	var backupID string
	if optOr(opts.Backup, true) {
		b, err := e.backups.Snapshot(ctx, inst, "auto_repair")
		if err != nil {
			e.log.Warn(ctx, "auto-repair snapshot failed, continuing without rollback safety net", map[string]interface{}{"instance_id": instanceID, "error": err.Error()})
		} else {
			backupID = b.BackupID
		}
	}

	initialCritical := len(initial.CriticalIssues)

	phaseOrder := []model.Category{
		model.CategoryInfrastructure, model.CategoryDatabase, model.CategoryNetwork,
		model.CategoryAuthentication, model.CategoryServices, model.CategoryValidation,
	}

	for _, category := range phaseOrder {
		actions := plan.Phases[category]
		if len(actions) == 0 {
			continue
		}
		for _, action := range actions {
			actionCtx, cancel := context.WithTimeout(ctx, actionTimeout)
			result, err := e.invoke(actionCtx, inst, action)
			cancel()

			if err != nil || !result.Success {
				e.log.Warn(ctx, "repair action failed", map[string]interface{}{"instance_id": instanceID, "method": action.Method, "critical": action.Critical})
				if !action.Critical {
					e.sleep(interActionPause)
					continue
				}
				return e.fail(ctx, inst, plan, backupID, opts, fmt.Sprintf("critical action %s failed", action.Method))
			}
			e.sleep(interActionPause)
		}
		e.sleep(interPhasePause)
		e.checker.QuickHealthCheck(ctx, inst)
	}

	final := e.checker.RunFullDiagnostic(ctx, inst)

	improved := initialCritical > 0 && float64(initialCritical-len(final.CriticalIssues))/float64(initialCritical) >= 0.7
	if !final.OverallHealthy && !improved {
		return e.fail(ctx, inst, plan, backupID, opts, "instance did not recover after repair")
	}

	inst.Status = model.StatusRunning
	now := time.Now()
	inst.LastRepair = &now
	e.reg.Put(inst)

	return Outcome{
		Status: StatusSuccess, Message: "repair completed successfully", BackupID: backupID,
		Plan: plan, FinalDiagnostic: final,
	}, nil
}

func (e *Engine) fail(ctx context.Context, inst model.Instance, plan model.RepairPlan, backupID string, opts Options, reason string) (Outcome, error) {
	rollbackPerformed := false
	if backupID != "" && optOr(opts.AutoRollback, true) {
		if _, err := e.backups.Restore(ctx, e.reg, e.checker, inst.ID, backupID); err != nil {
			return Outcome{Plan: plan, BackupID: backupID}, errors.CriticalFailure(fmt.Sprintf("%s; rollback also failed: %v", reason, err))
		}
		rollbackPerformed = true
	}
	return Outcome{Plan: plan, BackupID: backupID, RollbackPerformed: rollbackPerformed},
		errors.RepairFailed(reason, rollbackPerformed)
}

func (e *Engine) invoke(ctx context.Context, inst model.Instance, action model.Action) (PrimitiveResult, error) {
	switch action.Method {
	case "restart_containers":
		return e.restartContainers(ctx, inst)
	case "restart_database_container":
		return e.restartDatabaseContainer(ctx, inst)
	case "regenerate_credentials":
		return e.regenerateCredentials(ctx, inst)
	case "fix_network_connectivity":
		return e.fixNetworkConnectivity(ctx, inst)
	case "restart_auth_service":
		return e.restartAuthService(ctx, inst)
	case "restart_http_services":
		return e.restartHTTPServices(ctx, inst)
	default:
		return PrimitiveResult{Success: false, Message: "unknown repair method: " + action.Method}, nil
	}
}

// restartContainers restarts each stopped container individually; falls back
// to a full down/up cycle if failures outnumber successes.
func (e *Engine) restartContainers(ctx context.Context, inst model.Instance) (PrimitiveResult, error) {
	records, err := e.driver.List(ctx, inst)
	if err != nil {
		return PrimitiveResult{Success: false, Message: err.Error()}, nil
	}

	succeeded, failed := 0, 0
	for _, rec := range records {
		if rec.Running {
			continue
		}
		if err := e.driver.Restart(ctx, rec.Name, 30*time.Second); err != nil {
			failed++
		} else {
			succeeded++
		}
	}

	if failed > succeeded {
		if err := e.driver.Down(ctx, inst); err != nil {
			return PrimitiveResult{Success: false, Message: "fallback down failed: " + err.Error()}, nil
		}
		if err := e.driver.Up(ctx, inst); err != nil {
			return PrimitiveResult{Success: false, Message: "fallback up failed: " + err.Error()}, nil
		}
	}

	records, err = e.driver.List(ctx, inst)
	if err != nil {
		return PrimitiveResult{Success: false, Message: err.Error()}, nil
	}
	running := 0
	for _, rec := range records {
		if rec.Running {
			running++
		}
	}
	success := len(records) > 0 && running == len(records)
	return PrimitiveResult{
		Success: success, Message: fmt.Sprintf("%d/%d containers running after restart", running, len(records)),
		Details: map[string]interface{}{"restarted": succeeded, "failed": failed},
	}, nil
}

func (e *Engine) restartDatabaseContainer(ctx context.Context, inst model.Instance) (PrimitiveResult, error) {
	name := model.ContainerName(inst.ID, model.ContainerDB)
	if err := e.driver.Stop(ctx, inst); err != nil {
		return PrimitiveResult{Success: false, Message: err.Error()}, nil
	}
	e.sleep(5 * time.Second)
	if err := e.driver.Start(ctx, inst); err != nil {
		return PrimitiveResult{Success: false, Message: err.Error()}, nil
	}

	deadline := time.Now().Add(e.databaseWaitTimeout)
	for time.Now().Before(deadline) {
		probe := e.checker.DatabaseProbe(ctx, inst)
		if probe.Healthy {
			return PrimitiveResult{Success: true, Message: "database accepting queries", Details: map[string]interface{}{"container": name}}, nil
		}
		e.sleep(2 * time.Second)
	}
	return PrimitiveResult{Success: false, Message: fmt.Sprintf("database did not become reachable within %s", e.databaseWaitTimeout)}, nil
}

// regenerateCredentials implements the full credential rotation and
// validation sequence, restoring the prior env file on validation failure.
func (e *Engine) regenerateCredentials(ctx context.Context, inst model.Instance) (PrimitiveResult, error) {
	priorEnv, err := os.ReadFile(inst.Docker.EnvFile)
	if err != nil {
		return PrimitiveResult{Success: false, Message: "could not read current env file: " + err.Error()}, nil
	}

	fresh, err := allocator.GenerateCredentials(inst.Credentials.DashboardUsername)
	if err != nil {
		return PrimitiveResult{Success: false, Message: err.Error()}, nil
	}

	if err := e.backupCredentials(inst, priorEnv); err != nil {
		e.log.Warn(ctx, "credentials backup failed, proceeding without it", map[string]interface{}{"instance_id": inst.ID, "error": err.Error()})
	}

	updates := map[string]string{
		"POSTGRES_PASSWORD":  fresh.DatabasePassword,
		"JWT_SECRET":         fresh.JWTSecret,
		"ANON_KEY":           fresh.AnonKey,
		"SERVICE_ROLE_KEY":   fresh.ServiceRoleKey,
		"DASHBOARD_PASSWORD": fresh.DashboardPassword,
	}
	if err := render.RewriteEnvVars(inst.Docker.EnvFile, updates); err != nil {
		return PrimitiveResult{Success: false, Message: err.Error()}, nil
	}

	priorCredentials := inst.Credentials
	inst.Credentials.DatabasePassword = fresh.DatabasePassword
	inst.Credentials.JWTSecret = fresh.JWTSecret
	inst.Credentials.AnonKey = fresh.AnonKey
	inst.Credentials.ServiceRoleKey = fresh.ServiceRoleKey
	inst.Credentials.DashboardPassword = fresh.DashboardPassword
	e.reg.Put(inst)

	for _, role := range []model.ContainerRole{model.ContainerDB, model.ContainerAuth, model.ContainerRest, model.ContainerGateway} {
		name := model.ContainerName(inst.ID, role)
		if err := e.driver.Restart(ctx, name, 30*time.Second); err != nil {
			e.log.Warn(ctx, "container restart failed during credential rotation", map[string]interface{}{"container": name, "error": err.Error()})
		}
		e.sleep(5 * time.Second)
	}

	deadline := time.Now().Add(e.credentialValidationTimeout)
	dbUp, authUp := false, false
	for time.Now().Before(deadline) && !(dbUp && authUp) {
		if !dbUp {
			dbUp = e.checker.DatabaseProbe(ctx, inst).Healthy
		}
		if !authUp {
			authUp = e.checker.AuthProbe(ctx, inst).Healthy
		}
		if !(dbUp && authUp) {
			e.sleep(2 * time.Second)
		}
	}

	valid := dbUp && authUp
	if valid {
		dbProbe := e.checker.DatabaseProbe(ctx, inst)
		authProbe := e.checker.AuthProbe(ctx, inst)
		token, tokenErr := allocator.MintAPIToken(fresh.JWTSecret, allocator.RoleAnon, time.Now())
		jwtOK := tokenErr == nil
		if jwtOK {
			if _, err := allocator.VerifyAPIToken(token, fresh.JWTSecret); err != nil {
				jwtOK = false
			}
		}
		valid = dbProbe.Healthy && authProbe.Healthy && jwtOK
	}

	if !valid {
		if err := render.RewriteEnvVars(inst.Docker.EnvFile, priorEnvUpdates(priorEnv)); err == nil {
			inst.Credentials = priorCredentials
			e.reg.Put(inst)
			for _, role := range []model.ContainerRole{model.ContainerDB, model.ContainerAuth, model.ContainerRest, model.ContainerGateway} {
				_ = e.driver.Restart(ctx, model.ContainerName(inst.ID, role), 30*time.Second)
			}
		}
		return PrimitiveResult{Success: false, Message: "credential regeneration failed validation, reverted"}, errors.CredentialRegenFailed(fmt.Errorf("post-rotation validation failed"))
	}

	return PrimitiveResult{Success: true, Message: "credentials regenerated and validated"}, nil
}

// priorEnvUpdates extracts the credential keys from a previously-read env
// file body so they can be fed back through RewriteEnvVars during rollback.
func priorEnvUpdates(priorEnv []byte) map[string]string {
	tmp, err := os.CreateTemp("", "supaorch-prior-env-*.env")
	if err != nil {
		return nil
	}
	defer os.Remove(tmp.Name())
	tmp.Write(priorEnv)
	tmp.Close()

	vals, err := render.ReadEnvFile(tmp.Name())
	if err != nil {
		return nil
	}
	updates := make(map[string]string, 5)
	for _, key := range []string{"POSTGRES_PASSWORD", "JWT_SECRET", "ANON_KEY", "SERVICE_ROLE_KEY", "DASHBOARD_PASSWORD"} {
		if v, ok := vals[key]; ok {
			updates[key] = v
		}
	}
	return updates
}

func (e *Engine) backupCredentials(inst model.Instance, priorEnv []byte) error {
	dir := filepath.Join(e.dataRoot, fmt.Sprintf("backup-credentials-%s", inst.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("credentials-%d.json", time.Now().Unix()))
	payload := map[string]interface{}{
		"instance_id": inst.ID,
		"credentials": inst.Credentials,
		"env_file":    string(priorEnv),
	}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

var portContainerRole = map[string]model.ContainerRole{
	"gateway_http":      model.ContainerGateway,
	"database_external": model.ContainerDB,
	"analytics":         model.ContainerAnalytics,
}

// fixNetworkConnectivity re-tests each known port, restarting the owning
// container when the port is unreachable and not already in use locally.
func (e *Engine) fixNetworkConnectivity(ctx context.Context, inst model.Instance) (PrimitiveResult, error) {
	ports := map[string]int{
		"gateway_http":      inst.Ports.GatewayHTTP,
		"database_external": inst.Ports.DatabaseExternal,
		"analytics":         inst.Ports.Analytics,
	}

	fixed, skipped, stillFailing := 0, 0, 0
	for portName, port := range ports {
		if reachable(port) {
			continue
		}
		if portInUseByOther(port) {
			skipped++
			continue
		}
		role, ok := portContainerRole[portName]
		if ok {
			_ = e.driver.Restart(ctx, model.ContainerName(inst.ID, role), 30*time.Second)
			e.sleep(2 * time.Second)
		}
		if reachable(port) {
			fixed++
		} else {
			stillFailing++
			e.log.Warn(ctx, "port still unreachable after restart, host firewall rule not verified", map[string]interface{}{"instance_id": inst.ID, "port": port})
		}
	}

	success := stillFailing == 0
	return PrimitiveResult{
		Success: success, Message: fmt.Sprintf("fixed %d, skipped %d, still failing %d", fixed, skipped, stillFailing),
		Details: map[string]interface{}{"fixed": fixed, "skipped": skipped, "still_failing": stillFailing},
	}, nil
}

func reachable(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// portInUseByOther reports whether the port is held by some live process
// that is not expected to be the instance's own container; best-effort via
// a bind attempt only, since the driver has no process-table visibility.
func portInUseByOther(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return true
	}
	ln.Close()
	return false
}

func (e *Engine) restartAuthService(ctx context.Context, inst model.Instance) (PrimitiveResult, error) {
	_ = e.driver.Restart(ctx, model.ContainerName(inst.ID, model.ContainerAuth), 30*time.Second)
	e.sleep(15 * time.Second)
	_ = e.driver.Restart(ctx, model.ContainerName(inst.ID, model.ContainerGateway), 30*time.Second)
	e.sleep(10 * time.Second)

	probe := e.checker.AuthProbe(ctx, inst)
	passRate := subProbePassRate(probe)
	success := passRate >= 0.7
	return PrimitiveResult{Success: success, Message: fmt.Sprintf("auth probe pass rate %.0f%%", passRate*100)}, nil
}

func (e *Engine) restartHTTPServices(ctx context.Context, inst model.Instance) (PrimitiveResult, error) {
	for _, role := range []model.ContainerRole{model.ContainerRest, model.ContainerGateway, model.ContainerStorage} {
		_ = e.driver.Restart(ctx, model.ContainerName(inst.ID, role), 30*time.Second)
		e.sleep(5 * time.Second)
	}
	e.sleep(20 * time.Second)

	probe := e.checker.HTTPServicesProbe(ctx, inst)
	passRate := subProbePassRate(probe)
	success := passRate >= 0.6
	return PrimitiveResult{Success: success, Message: fmt.Sprintf("http probe pass rate %.0f%%", passRate*100)}, nil
}

// subProbePassRate reads the fraction of sub-checks that passed out of a
// ProbeResult's Details, where each entry is either a per-check map (as
// produced by the HTTP services probe) or a scalar status string (as
// produced by the auth probe). Falls back to the overall Healthy flag when
// Details is empty.
func subProbePassRate(probe model.ProbeResult) float64 {
	if len(probe.Details) == 0 {
		if probe.Healthy {
			return 1
		}
		return 0
	}

	total, passed := 0, 0
	for _, v := range probe.Details {
		total++
		if subCheckPassed(v) {
			passed++
		}
	}
	return float64(passed) / float64(total)
}

func subCheckPassed(v interface{}) bool {
	switch t := v.(type) {
	case map[string]interface{}:
		if _, hasErr := t["error"]; hasErr {
			return false
		}
		if code, ok := t["status_code"].(int); ok {
			return code > 0 && code < 500
		}
		return true
	case string:
		return t == "ok" || (!strings.HasPrefix(t, "error") && !strings.HasPrefix(t, "failed"))
	case int:
		return t >= 200 && t < 500
	case float64:
		return t >= 200 && t < 500
	default:
		return true
	}
}
