// Package model holds the data types shared across the orchestrator's
// domain packages: instances, ports, diagnostics, repair plans, and backups.
package model

import "time"

// Status is the lifecycle state of an Instance.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
	StatusRepairing Status = "repairing"
)

// PortSet is the set of host ports owned by exactly one Instance.
type PortSet struct {
	GatewayHTTP       int            `json:"gateway_http"`
	GatewayHTTPS      int            `json:"gateway_https"`
	DatabaseExternal  int            `json:"database_external"`
	Analytics         int            `json:"analytics"`
	Additional        map[string]int `json:"additional,omitempty"`
}

// Credentials holds per-instance secret material. Never shared across instances.
type Credentials struct {
	DatabasePassword  string `json:"database_password"`
	JWTSecret         string `json:"jwt_secret"`
	AnonKey           string `json:"anon_key"`
	ServiceRoleKey    string `json:"service_role_key"`
	DashboardUsername string `json:"dashboard_username"`
	DashboardPassword string `json:"dashboard_password"`
}

// DockerArtifacts records the on-disk paths to an instance's rendered files.
type DockerArtifacts struct {
	ComposeFile string `json:"compose_file"`
	EnvFile     string `json:"env_file"`
	VolumesDir  string `json:"volumes_dir"`
}

// URLs are derived from the external host and the allocated gateway port.
type URLs struct {
	API    string `json:"api"`
	Studio string `json:"studio"`
}

// Instance is the primary entity: one isolated seven-container Supabase stack.
type Instance struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	Organization     string       `json:"organization"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	Status           Status       `json:"status"`
	Ports            PortSet      `json:"ports"`
	Credentials      Credentials  `json:"credentials"`
	Docker           DockerArtifacts `json:"docker"`
	URLs             URLs         `json:"urls"`
	DisableSignup    bool         `json:"disable_signup"`
	EmailAutoconfirm bool         `json:"enable_email_autoconfirm"`
	JWTExpirySeconds int          `json:"jwt_expiry"`
	LastRepair       *time.Time   `json:"last_repair,omitempty"`
	LastDiagnosticAt *time.Time   `json:"last_diagnostic_at,omitempty"`
}

// InstanceStats summarizes the registry for list responses.
type InstanceStats struct {
	Total    int `json:"total"`
	Running  int `json:"running"`
	Stopped  int `json:"stopped"`
	Creating int `json:"creating"`
	Error    int `json:"error"`
}

// ContainerRole names the seven containers of an instance, by convention.
type ContainerRole string

const (
	ContainerDB        ContainerRole = "db"
	ContainerAuth      ContainerRole = "auth"
	ContainerRest      ContainerRole = "rest"
	ContainerGateway   ContainerRole = "gateway"
	ContainerStorage   ContainerRole = "storage"
	ContainerRealtime  ContainerRole = "realtime"
	ContainerStudio    ContainerRole = "studio"
	// ContainerAnalytics is the logflare/analytics sidecar. It sits outside
	// the seven tracked by AllContainerRoles (bring-up, teardown, and the
	// container/health probes only account for the seven named above) but
	// still needs a container identity so the network-repair primitive can
	// restart it by name when its port is unreachable.
	ContainerAnalytics ContainerRole = "analytics"
)

// AllContainerRoles lists the seven expected containers in a fixed order.
var AllContainerRoles = []ContainerRole{
	ContainerDB, ContainerAuth, ContainerRest, ContainerGateway,
	ContainerStorage, ContainerRealtime, ContainerStudio,
}

// ContainerName returns the conventional container name for an instance + role.
func ContainerName(instanceID string, role ContainerRole) string {
	return "supaorch-" + instanceID + "-" + string(role)
}

// ContainerRecord is the Runtime Driver's live view of one container.
type ContainerRecord struct {
	Name       string    `json:"name"`
	Exists     bool      `json:"exists"`
	Running    bool      `json:"running"`
	StatusText string    `json:"status_text"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	State      string    `json:"state"`
}

// Severity of a diagnostic critical issue.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Category groups probes, actions, and issues by subsystem.
type Category string

const (
	CategoryInfrastructure Category = "infrastructure"
	CategoryDatabase       Category = "database"
	CategoryNetwork        Category = "network"
	CategoryAuthentication Category = "authentication"
	CategoryServices       Category = "services"
	CategoryValidation     Category = "validation"
)

// CriticalIssue is one synthesized problem surfaced by a diagnostic.
type CriticalIssue struct {
	Severity       Severity `json:"severity"`
	Category       Category `json:"category"`
	Message        string   `json:"message"`
	ResolutionHint string   `json:"resolution_hint"`
}

// ProbeResult is the sub-report produced by a single probe function.
type ProbeResult struct {
	Healthy bool           `json:"healthy"`
	Details map[string]any `json:"details,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// DiagnosticResults bundles every probe's sub-report by name.
type DiagnosticResults struct {
	Containers  ProbeResult `json:"containers"`
	HTTPService ProbeResult `json:"http_service"`
	Database    ProbeResult `json:"database"`
	AuthService ProbeResult `json:"auth_service"`
	Disk        ProbeResult `json:"disk"`
	Network     ProbeResult `json:"network"`
	Logs        ProbeResult `json:"logs"`
}

// Diagnostic is the ephemeral, cached output of a full health run.
type Diagnostic struct {
	Timestamp      time.Time         `json:"timestamp"`
	InstanceID     string            `json:"instance_id"`
	OverallHealthy bool              `json:"overall_healthy"`
	Results        DiagnosticResults `json:"results"`
	CriticalIssues []CriticalIssue   `json:"critical_issues"`
	RecentLogs     string            `json:"recent_logs,omitempty"`
}

// Action is one step of a RepairPlan.
type Action struct {
	Type             string         `json:"type"`
	Description      string         `json:"description"`
	Method           string         `json:"method"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	Category         Category       `json:"category"`
	Priority         int            `json:"priority"`
	Critical         bool           `json:"critical"`
	EstimatedSeconds int            `json:"estimated_seconds"`
	DependsOn        []Category     `json:"depends_on,omitempty"`
}

// RepairPlan is the ordered, phased output of the Problem Analyzer.
type RepairPlan struct {
	Actions               []Action            `json:"actions"`
	Phases                map[Category][]Action `json:"phases"`
	TotalEstimatedSeconds int                 `json:"total_estimated_seconds"`
	Summary               string              `json:"summary"`
}

// BackupComponent records the outcome of one captured artifact during a snapshot.
type BackupComponent struct {
	Success      bool   `json:"success"`
	ArtifactPath string `json:"artifact_path,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Backup is a persistent, on-disk snapshot of one instance's state.
type Backup struct {
	BackupID   string                     `json:"backup_id"`
	InstanceID string                     `json:"instance_id"`
	Reason     string                     `json:"reason"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]BackupComponent `json:"components"`
	SizeMB     float64                    `json:"size_mb"`
}

// Config is the process-wide configuration loaded from the environment (§6.6).
type Config struct {
	DataRoot                   string
	ExternalHost               string
	MaxInstances               int
	DockerSocket               string
	CreateTimeoutSeconds       int
	RepairBackupRetention      int
	DiagnosticCacheTTLSeconds  int
	DiagnosticRateLimitSeconds int
	DiagnosticCacheRedisAddr   string
	MetricsAddr                string
	ListenAddr                 string
}
