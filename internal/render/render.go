// Package render turns a template compose document, a template env document,
// and a set of template volume files into a per-instance artifact tree on
// disk, substituting the variable set enumerated in §6.4.
package render

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/supaorch/orchestrator/infrastructure/errors"
	"github.com/supaorch/orchestrator/internal/model"
)

// Templates locates the source templates the renderer draws from.
type Templates struct {
	ComposeFile string // template docker-compose file
	EnvFile     string // template .env file
	VolumesDir  string // template volumes/ directory tree
}

// Variables is the complete substitution set from §6.4.
type Variables map[string]string

var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// BuildVariables derives the full §6.4 substitution set from an instance
// record, external host, and internal postgres port (fixed at 5432).
// dockerSocket is the host path mounted into containers that need to talk to
// the Docker daemon directly (functions, realtime); pass "" to fall back to
// the conventional /var/run/docker.sock.
func BuildVariables(inst model.Instance, externalHost, dockerSocket string, smtp SMTPConfig) Variables {
	if dockerSocket == "" {
		dockerSocket = "/var/run/docker.sock"
	}
	v := Variables{
		"INSTANCE_ID":                  inst.ID,
		"PROJECT_NAME":                 inst.Name,
		"ORGANIZATION_NAME":            inst.Organization,
		"POSTGRES_PASSWORD":            inst.Credentials.DatabasePassword,
		"POSTGRES_DB":                  "postgres",
		"POSTGRES_PORT":                "5432",
		"POSTGRES_PORT_EXT":            strconv.Itoa(inst.Ports.DatabaseExternal),
		"JWT_SECRET":                   inst.Credentials.JWTSecret,
		"ANON_KEY":                     inst.Credentials.AnonKey,
		"SERVICE_ROLE_KEY":             inst.Credentials.ServiceRoleKey,
		"DASHBOARD_USERNAME":           inst.Credentials.DashboardUsername,
		"DASHBOARD_PASSWORD":           inst.Credentials.DashboardPassword,
		"KONG_HTTP_PORT":               strconv.Itoa(inst.Ports.GatewayHTTP),
		"KONG_HTTPS_PORT":              strconv.Itoa(inst.Ports.GatewayHTTPS),
		"ANALYTICS_PORT":               strconv.Itoa(inst.Ports.Analytics),
		"EXTERNAL_IP":                  externalHost,
		"API_EXTERNAL_URL":             fmt.Sprintf("http://%s:%d", externalHost, inst.Ports.GatewayHTTP),
		"SITE_URL":                     fmt.Sprintf("http://%s:%d", externalHost, inst.Ports.GatewayHTTP),
		"SUPABASE_PUBLIC_URL":          fmt.Sprintf("http://%s:%d", externalHost, inst.Ports.GatewayHTTP),
		"STUDIO_DEFAULT_ORGANIZATION":  inst.Organization,
		"STUDIO_DEFAULT_PROJECT":       inst.Name,
		"ENABLE_EMAIL_SIGNUP":          "true",
		"ENABLE_EMAIL_AUTOCONFIRM":     boolStr(inst.EmailAutoconfirm),
		"ENABLE_ANONYMOUS_USERS":       "false",
		"JWT_EXPIRY":                   strconv.Itoa(jwtExpiryOrDefault(inst.JWTExpirySeconds)),
		"DISABLE_SIGNUP":               boolStr(inst.DisableSignup),
		"SMTP_ADMIN_EMAIL":             smtp.AdminEmail,
		"SMTP_HOST":                    smtp.Host,
		"SMTP_PORT":                    smtp.Port,
		"SMTP_USER":                    smtp.User,
		"SMTP_PASS":                    smtp.Pass,
		"SMTP_SENDER_NAME":             smtp.SenderName,
		"IMGPROXY_ENABLE_WEBP_DETECTION": "true",
		"FUNCTIONS_VERIFY_JWT":         "false",
		"DOCKER_SOCKET_LOCATION":       dockerSocket,
		"LOGFLARE_API_KEY":             inst.Credentials.ServiceRoleKey,
		"LOGFLARE_LOGGER_BACKEND_API_KEY": inst.Credentials.ServiceRoleKey,
		"PGRST_DB_SCHEMAS":             "public,storage,graphql_public",
	}
	return v
}

// SMTPConfig bundles the SMTP_* substitution variables.
type SMTPConfig struct {
	AdminEmail string
	Host       string
	Port       string
	User       string
	Pass       string
	SenderName string
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func jwtExpiryOrDefault(seconds int) int {
	if seconds <= 0 {
		return 3600
	}
	return seconds
}

// Substitute performs ${NAME} substitution over text, returning
// UnresolvedVariable if a referenced name is absent from vars.
func Substitute(text string, vars Variables) (string, error) {
	var firstMissing string
	result := variablePattern.ReplaceAllStringFunc(text, func(match string) string {
		name := variablePattern.FindStringSubmatch(match)[1]
		if val, ok := vars[name]; ok {
			return val
		}
		if firstMissing == "" {
			firstMissing = name
		}
		return match
	})
	if firstMissing != "" {
		return "", errors.UnresolvedVariable(firstMissing)
	}
	return result, nil
}

// Renderer renders a per-instance artifact tree from Templates.
type Renderer struct {
	templates Templates
}

// New creates a Renderer reading from templates.
func New(templates Templates) *Renderer {
	return &Renderer{templates: templates}
}

// Render writes the compose file, env file, and volumes-{id}/ tree for inst
// under dataRoot, returning the resulting DockerArtifacts.
func (r *Renderer) Render(dataRoot string, inst model.Instance, vars Variables) (model.DockerArtifacts, error) {
	composeTemplate, err := os.ReadFile(r.templates.ComposeFile)
	if err != nil {
		return model.DockerArtifacts{}, errors.TemplateMissing(r.templates.ComposeFile)
	}
	envTemplate, err := os.ReadFile(r.templates.EnvFile)
	if err != nil {
		return model.DockerArtifacts{}, errors.TemplateMissing(r.templates.EnvFile)
	}
	if _, err := os.Stat(r.templates.VolumesDir); err != nil {
		return model.DockerArtifacts{}, errors.TemplateMissing(r.templates.VolumesDir)
	}

	renderedCompose, err := Substitute(string(composeTemplate), vars)
	if err != nil {
		return model.DockerArtifacts{}, err
	}
	if err := validateComposeYAML(renderedCompose); err != nil {
		return model.DockerArtifacts{}, errors.RenderIO("validate_compose", err)
	}
	renderedEnv, err := Substitute(string(envTemplate), vars)
	if err != nil {
		return model.DockerArtifacts{}, err
	}

	composePath := filepath.Join(dataRoot, fmt.Sprintf("docker-compose-%s.yml", inst.ID))
	envPath := filepath.Join(dataRoot, fmt.Sprintf(".env-%s", inst.ID))
	volumesDir := filepath.Join(dataRoot, fmt.Sprintf("volumes-%s", inst.ID))

	if err := os.WriteFile(composePath, []byte(renderedCompose), 0o644); err != nil {
		return model.DockerArtifacts{}, errors.RenderIO("write_compose", err)
	}
	if err := os.WriteFile(envPath, []byte(renderedEnv), 0o600); err != nil {
		return model.DockerArtifacts{}, errors.RenderIO("write_env", err)
	}
	if err := renderVolumeTree(r.templates.VolumesDir, volumesDir, vars); err != nil {
		return model.DockerArtifacts{}, err
	}

	for _, sub := range []string{"db", "functions", "logs", "api", "pooler", "storage"} {
		if err := os.MkdirAll(filepath.Join(volumesDir, sub), 0o755); err != nil {
			return model.DockerArtifacts{}, errors.RenderIO("mkdir_volume_subdir", err)
		}
	}

	return model.DockerArtifacts{
		ComposeFile: composePath,
		EnvFile:     envPath,
		VolumesDir:  volumesDir,
	}, nil
}

func renderVolumeTree(srcRoot, dstRoot string, vars Variables) error {
	return filepath.WalkDir(srcRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.RenderIO("walk_template", err)
		}
		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return errors.RenderIO("relpath", err)
		}
		dst := filepath.Join(dstRoot, rel)
		if d.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return errors.RenderIO("read_template_file", err)
		}
		rendered, err := Substitute(string(content), vars)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return errors.RenderIO("mkdir", err)
		}
		return os.WriteFile(dst, []byte(rendered), 0o644)
	})
}

// RemoveArtifacts deletes every rendered file and the volumes tree for an
// instance. Used by delete_instance and by create-failure teardown.
func RemoveArtifacts(artifacts model.DockerArtifacts) error {
	for _, path := range []string{artifacts.ComposeFile, artifacts.EnvFile} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.RenderIO("remove_file", err)
		}
	}
	if artifacts.VolumesDir != "" {
		if err := os.RemoveAll(artifacts.VolumesDir); err != nil {
			return errors.RenderIO("remove_volumes", err)
		}
	}
	return nil
}

// ReadEnvFile parses a rendered .env file into an ordered key/value map.
func ReadEnvFile(path string) (map[string]string, error) {
	vals, err := godotenv.Read(path)
	if err != nil {
		return nil, errors.RenderIO("read_env", err)
	}
	return vals, nil
}

// RewriteEnvVars line-oriented patches only the named keys in the env file at
// path, preserving all other content and comments; keys absent from the file
// are appended. Used by regenerate_credentials (§4.I) which must not disturb
// unrelated settings.
func RewriteEnvVars(path string, updates map[string]string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.RenderIO("read_env", err)
	}

	lines := strings.Split(string(raw), "\n")
	seen := make(map[string]bool, len(updates))
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, _, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if val, found := updates[key]; found {
			lines[i] = fmt.Sprintf("%s=%s", key, val)
			seen[key] = true
		}
	}

	for key, val := range updates {
		if !seen[key] {
			lines = append(lines, fmt.Sprintf("%s=%s", key, val))
		}
	}

	out := strings.Join(lines, "\n")
	if err := os.WriteFile(path, []byte(out), 0o600); err != nil {
		return errors.RenderIO("write_env", err)
	}
	return nil
}

// validateComposeYAML parses the fully-substituted compose document to
// catch a malformed template (a stray unescaped "${" left by a bad edit,
// mismatched indentation) before it is ever written to disk or handed to
// the runtime driver.
func validateComposeYAML(doc string) error {
	var parsed map[string]interface{}
	return yaml.Unmarshal([]byte(doc), &parsed)
}
