// Package health implements the seven diagnostic probes of §4.F and the two
// aggregate operations built on them (run_full_diagnostic, quick_health_check).
// Every probe fails soft: errors are captured into the returned ProbeResult,
// never propagated as a Go error, so one unhealthy probe never aborts the
// others. Fan-out follows infrastructure/service.DeepHealthChecker's
// goroutine-per-check pattern, generalized from a flat component list to
// these seven structured probes.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/supaorch/orchestrator/internal/allocator"
	"github.com/supaorch/orchestrator/internal/model"
	"github.com/supaorch/orchestrator/internal/runtimedriver"
)

// Default per-probe timeouts (§5).
const (
	ContainerProbeTimeout = 10 * time.Second
	HTTPProbeTimeout      = 5 * time.Second
	DatabaseProbeTimeout  = 8 * time.Second
	NetworkProbeTimeout   = 3 * time.Second
)

// Checker runs the probe set against a single instance at a time.
type Checker struct {
	driver       runtimedriver.Driver
	externalHost string
	httpClient   *http.Client
}

// New builds a Checker that dials externalHost for every HTTP/TCP probe.
func New(driver runtimedriver.Driver, externalHost string) *Checker {
	return &Checker{
		driver:       driver,
		externalHost: externalHost,
		httpClient:   &http.Client{},
	}
}

// ContainerProbe enumerates the seven expected containers (§4.F.1).
func (c *Checker) ContainerProbe(ctx context.Context, inst model.Instance) model.ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, ContainerProbeTimeout)
	defer cancel()

	records, err := c.driver.List(ctx, inst)
	if err != nil {
		return model.ProbeResult{Healthy: false, Error: err.Error()}
	}

	details := make(map[string]any, len(records))
	healthy := true
	for _, rec := range records {
		details[rec.Name] = map[string]any{
			"exists":      rec.Exists,
			"running":     rec.Running,
			"status_text": rec.StatusText,
			"created_at":  rec.CreatedAt,
		}
		if !rec.Running {
			healthy = false
		}
	}
	return model.ProbeResult{Healthy: healthy, Details: details}
}

type httpCheck struct {
	name    string
	url     string
	headers map[string]string
}

// HTTPServicesProbe issues parallel GETs to gateway/auth/rest/studio (§4.F.2).
func (c *Checker) HTTPServicesProbe(ctx context.Context, inst model.Instance) model.ProbeResult {
	base := fmt.Sprintf("http://%s:%d", c.externalHost, inst.Ports.GatewayHTTP)
	checks := []httpCheck{
		{name: "gateway", url: base + "/"},
		{name: "auth", url: base + "/auth/v1/health"},
		{name: "rest", url: base + "/rest/v1/", headers: map[string]string{"apikey": inst.Credentials.AnonKey}},
		{name: "studio", url: base + "/"},
	}
	return c.runHTTPChecks(ctx, checks)
}

func (c *Checker) runHTTPChecks(ctx context.Context, checks []httpCheck) model.ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, HTTPProbeTimeout)
	defer cancel()

	type outcome struct {
		name       string
		statusCode int
		rttMS      int64
		err        string
	}
	results := make(chan outcome, len(checks))

	for _, chk := range checks {
		go func(chk httpCheck) {
			start := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, chk.url, nil)
			if err != nil {
				results <- outcome{name: chk.name, err: err.Error()}
				return
			}
			for k, v := range chk.headers {
				req.Header.Set(k, v)
			}
			resp, err := c.httpClient.Do(req)
			if err != nil {
				results <- outcome{name: chk.name, err: err.Error()}
				return
			}
			defer resp.Body.Close()
			results <- outcome{name: chk.name, statusCode: resp.StatusCode, rttMS: time.Since(start).Milliseconds()}
		}(chk)
	}

	details := make(map[string]any, len(checks))
	healthy := true
	for range checks {
		o := <-results
		entry := map[string]any{"status_code": o.statusCode, "round_trip_ms": o.rttMS}
		if o.err != "" {
			entry["error"] = o.err
			healthy = false
		} else if o.statusCode >= 500 || o.statusCode == 0 {
			healthy = false
		}
		details[o.name] = entry
	}
	return model.ProbeResult{Healthy: healthy, Details: details}
}

// DatabaseProbe connects to the instance's Postgres and issues the three
// §4.F.3 queries.
func (c *Checker) DatabaseProbe(ctx context.Context, inst model.Instance) model.ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, DatabaseProbeTimeout)
	defer cancel()

	start := time.Now()
	dsn := fmt.Sprintf("host=%s port=%d user=postgres password=%s dbname=postgres sslmode=disable connect_timeout=%d",
		c.externalHost, inst.Ports.DatabaseExternal, inst.Credentials.DatabasePassword, int(DatabaseProbeTimeout.Seconds()))

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return model.ProbeResult{Healthy: false, Error: err.Error()}
	}
	defer db.Close()
	connectMS := time.Since(start).Milliseconds()

	return runDatabaseQueries(ctx, db, connectMS)
}

// runDatabaseQueries issues the §4.F.3 queries against an already-connected
// handle. Split out from DatabaseProbe so tests can exercise the query
// logic against a sqlmock handle instead of a real Postgres instance.
func runDatabaseQueries(ctx context.Context, db *sqlx.DB, connectMS int64) model.ProbeResult {
	var version string
	var now time.Time
	if err := db.QueryRowContext(ctx, "SELECT version()").Scan(&version); err != nil {
		return model.ProbeResult{Healthy: false, Error: err.Error()}
	}
	if err := db.QueryRowContext(ctx, "SELECT now()").Scan(&now); err != nil {
		return model.ProbeResult{Healthy: false, Error: err.Error()}
	}

	var userCount int
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM auth.users").Scan(&userCount); err != nil {
		return model.ProbeResult{Healthy: false, Error: err.Error()}
	}

	wantExtensions := []string{"uuid-ossp", "pgcrypto", "pgjwt"}
	installed := make(map[string]bool, len(wantExtensions))
	rows, err := db.QueryContext(ctx, "SELECT extname FROM pg_extension WHERE extname = ANY($1)", wantExtensions)
	if err != nil {
		return model.ProbeResult{Healthy: false, Error: err.Error()}
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			installed[name] = true
		}
	}

	return model.ProbeResult{
		Healthy: true,
		Details: map[string]any{
			"connection_time_ms": connectMS,
			"server_version":     version,
			"user_count":         userCount,
			"extensions":         installed,
		},
	}
}

// AuthProbe runs the §4.F.4 deep-probe sequence.
func (c *Checker) AuthProbe(ctx context.Context, inst model.Instance) model.ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, HTTPProbeTimeout)
	defer cancel()

	base := fmt.Sprintf("http://%s:%d", c.externalHost, inst.Ports.GatewayHTTP)
	details := map[string]any{}
	healthy := true

	healthStatus, err := c.getStatus(ctx, base+"/auth/v1/health", nil)
	details["health_status"] = statusOrError(healthStatus, err)
	if err != nil || healthStatus >= 500 {
		healthy = false
	}

	settingsStatus, err := c.getStatus(ctx, base+"/auth/v1/settings", map[string]string{"apikey": inst.Credentials.AnonKey})
	details["settings_status"] = statusOrError(settingsStatus, err)
	if err != nil || settingsStatus >= 500 {
		healthy = false
	}

	token, err := allocator.MintAPIToken(inst.Credentials.JWTSecret, allocator.RoleAnon, time.Now())
	if err != nil {
		details["jwt_roundtrip"] = "failed: " + err.Error()
		healthy = false
	} else if _, err := allocator.VerifyAPIToken(token, inst.Credentials.JWTSecret); err != nil {
		details["jwt_roundtrip"] = "failed: " + err.Error()
		healthy = false
	} else {
		details["jwt_roundtrip"] = "ok"
	}

	signupStatus, err := c.postStatus(ctx, base+"/auth/v1/signup", map[string]string{"apikey": inst.Credentials.AnonKey},
		`{"email":"diagnostic-probe@example.invalid","password":"DiagnosticProbe123!"}`)
	details["signup_status"] = statusOrError(signupStatus, err)
	if err != nil || (signupStatus != http.StatusOK && signupStatus != http.StatusUnprocessableEntity) {
		healthy = false
	}

	return model.ProbeResult{Healthy: healthy, Details: details}
}

func statusOrError(status int, err error) any {
	if err != nil {
		return "error: " + err.Error()
	}
	return status
}

func (c *Checker) getStatus(ctx context.Context, url string, headers map[string]string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (c *Checker) postStatus(ctx context.Context, url string, headers map[string]string, body string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// DiskProbe checks the per-instance volumes tree and its critical subdirs
// (§4.F.5).
func (c *Checker) DiskProbe(inst model.Instance) model.ProbeResult {
	volumesDir := inst.Docker.VolumesDir
	if volumesDir == "" {
		return model.ProbeResult{Healthy: false, Error: "volumes directory not recorded for instance"}
	}
	if _, err := os.Stat(volumesDir); err != nil {
		return model.ProbeResult{Healthy: false, Error: err.Error()}
	}

	healthy := true
	subdirStatus := make(map[string]bool, 3)
	for _, sub := range []string{"db", "storage", "logs"} {
		_, err := os.Stat(filepath.Join(volumesDir, sub))
		subdirStatus[sub] = err == nil
		if err != nil {
			healthy = false
		}
	}

	var sizeBytes int64
	filepath.WalkDir(volumesDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, statErr := d.Info(); statErr == nil {
			sizeBytes += info.Size()
		}
		return nil
	})

	return model.ProbeResult{
		Healthy: healthy,
		Details: map[string]any{
			"subdirs":  subdirStatus,
			"size_mb":  float64(sizeBytes) / (1024 * 1024),
		},
	}
}

// NetworkProbe checks TCP reachability of the three host ports plus a DNS
// lookup of localhost (§4.F.6).
func (c *Checker) NetworkProbe(ctx context.Context, inst model.Instance) model.ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, NetworkProbeTimeout)
	defer cancel()

	healthy := true
	details := map[string]any{}

	ports := map[string]int{
		"gateway_http":       inst.Ports.GatewayHTTP,
		"database_external":  inst.Ports.DatabaseExternal,
		"analytics":          inst.Ports.Analytics,
	}
	for name, port := range ports {
		reachable := tcpReachable(ctx, c.externalHost, port)
		details[name] = reachable
		if !reachable {
			healthy = false
		}
	}

	addrs, err := net.DefaultResolver.LookupHost(ctx, "localhost")
	if err != nil || len(addrs) == 0 {
		details["dns_localhost"] = false
		healthy = false
	} else {
		details["dns_localhost"] = true
	}

	return model.ProbeResult{Healthy: healthy, Details: details}
}

func tcpReachable(ctx context.Context, host string, port int) bool {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// LogSummaryProbe aggregates recent warning/error lines from each container
// (§4.F.7).
func (c *Checker) LogSummaryProbe(ctx context.Context, inst model.Instance, tailLines int) model.ProbeResult {
	if tailLines <= 0 {
		tailLines = 100
	}
	details := make(map[string]any, len(model.AllContainerRoles))
	for _, role := range model.AllContainerRoles {
		name := model.ContainerName(inst.ID, role)
		text, err := c.driver.Logs(ctx, name, tailLines)
		if err != nil {
			details[string(role)] = "error: " + err.Error()
			continue
		}
		details[string(role)] = summarizeIssueLines(text)
	}
	return model.ProbeResult{Healthy: true, Details: details}
}

func summarizeIssueLines(text string) []string {
	var issues []string
	for _, line := range strings.Split(text, "\n") {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "warn") {
			issues = append(issues, line)
		}
	}
	return issues
}

// RunFullDiagnostic runs every probe in parallel and assembles the top-level
// report (§4.F "run_full_diagnostic").
func (c *Checker) RunFullDiagnostic(ctx context.Context, inst model.Instance) model.Diagnostic {
	var results model.DiagnosticResults
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { results.Containers = c.ContainerProbe(gctx, inst); return nil })
	g.Go(func() error { results.HTTPService = c.HTTPServicesProbe(gctx, inst); return nil })
	g.Go(func() error { results.Database = c.DatabaseProbe(gctx, inst); return nil })
	g.Go(func() error { results.AuthService = c.AuthProbe(gctx, inst); return nil })
	g.Go(func() error { results.Disk = c.DiskProbe(inst); return nil })
	g.Go(func() error { results.Network = c.NetworkProbe(gctx, inst); return nil })
	g.Go(func() error { results.Logs = c.LogSummaryProbe(gctx, inst, 100); return nil })
	_ = g.Wait()

	overall := results.Containers.Healthy && results.HTTPService.Healthy &&
		results.Database.Healthy && results.AuthService.Healthy &&
		results.Disk.Healthy && results.Network.Healthy

	return model.Diagnostic{
		Timestamp:      time.Now(),
		InstanceID:     inst.ID,
		OverallHealthy: overall,
		Results:        results,
		CriticalIssues: synthesizeIssues(results),
	}
}

// QuickHealthCheck runs only container, HTTP, and database probes, used
// post-repair.
func (c *Checker) QuickHealthCheck(ctx context.Context, inst model.Instance) model.Diagnostic {
	var results model.DiagnosticResults
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { results.Containers = c.ContainerProbe(gctx, inst); return nil })
	g.Go(func() error { results.HTTPService = c.HTTPServicesProbe(gctx, inst); return nil })
	g.Go(func() error { results.Database = c.DatabaseProbe(gctx, inst); return nil })
	_ = g.Wait()

	overall := results.Containers.Healthy && results.HTTPService.Healthy && results.Database.Healthy

	return model.Diagnostic{
		Timestamp:      time.Now(),
		InstanceID:     inst.ID,
		OverallHealthy: overall,
		Results:        results,
	}
}

// synthesizeIssues maps unhealthy probes to critical issues via the fixed
// probe-kind → {severity, category, resolution_hint} table.
func synthesizeIssues(r model.DiagnosticResults) []model.CriticalIssue {
	var issues []model.CriticalIssue
	if !r.Containers.Healthy {
		issues = append(issues, model.CriticalIssue{
			Severity: model.SeverityCritical, Category: model.CategoryInfrastructure,
			Message: "one or more expected containers are not running",
			ResolutionHint: "restart the affected containers",
		})
	}
	if !r.Database.Healthy {
		issues = append(issues, model.CriticalIssue{
			Severity: model.SeverityCritical, Category: model.CategoryDatabase,
			Message: "database probe failed",
			ResolutionHint: "check database container logs and credentials",
		})
	}
	if !r.Network.Healthy {
		issues = append(issues, model.CriticalIssue{
			Severity: model.SeverityWarning, Category: model.CategoryNetwork,
			Message: "one or more network checks failed",
			ResolutionHint: "verify port reachability and firewall rules",
		})
	}
	if !r.AuthService.Healthy {
		issues = append(issues, model.CriticalIssue{
			Severity: model.SeverityWarning, Category: model.CategoryAuthentication,
			Message: "auth deep-probe reported a failure",
			ResolutionHint: "restart the auth container and re-run diagnostics",
		})
	}
	if !r.HTTPService.Healthy {
		issues = append(issues, model.CriticalIssue{
			Severity: model.SeverityWarning, Category: model.CategoryServices,
			Message: "one or more HTTP services are unreachable or erroring",
			ResolutionHint: "restart the affected service containers",
		})
	}
	if !r.Disk.Healthy {
		issues = append(issues, model.CriticalIssue{
			Severity: model.SeverityWarning, Category: model.CategoryInfrastructure,
			Message: "instance volumes directory is missing expected subdirectories",
			ResolutionHint: "inspect the volumes tree for accidental deletion",
		})
	}
	return issues
}
