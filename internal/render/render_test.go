package render

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/supaorch/orchestrator/internal/model"
)

func sampleInstance() model.Instance {
	return model.Instance{
		ID:           "abc123",
		Name:         "alpha",
		Organization: "acme",
		CreatedAt:    time.Now(),
		Credentials: model.Credentials{
			DatabasePassword: "Sup3r$ecret!",
			JWTSecret:        "deadbeef",
			AnonKey:          "anon.key",
			ServiceRoleKey:   "service.key",
		},
		Ports: model.PortSet{
			GatewayHTTP:      8101,
			GatewayHTTPS:     8401,
			DatabaseExternal: 5501,
			Analytics:        4101,
		},
	}
}

func TestSubstitute_ResolvesKnownVariables(t *testing.T) {
	vars := Variables{"PROJECT_NAME": "alpha"}
	out, err := Substitute("name=${PROJECT_NAME}", vars)
	if err != nil {
		t.Fatalf("Substitute() error = %v", err)
	}
	if out != "name=alpha" {
		t.Errorf("Substitute() = %q, want name=alpha", out)
	}
}

func TestSubstitute_UnresolvedVariableFails(t *testing.T) {
	_, err := Substitute("name=${UNKNOWN_VAR}", Variables{})
	if err == nil {
		t.Fatal("Substitute() expected error for unresolved variable")
	}
}

func TestBuildVariables_CompleteSet(t *testing.T) {
	vars := BuildVariables(sampleInstance(), "example.com", "", SMTPConfig{})
	required := []string{
		"INSTANCE_ID", "PROJECT_NAME", "ORGANIZATION_NAME", "POSTGRES_PASSWORD",
		"POSTGRES_PORT", "JWT_SECRET", "ANON_KEY", "SERVICE_ROLE_KEY",
		"KONG_HTTP_PORT", "API_EXTERNAL_URL", "PGRST_DB_SCHEMAS",
	}
	for _, key := range required {
		if _, ok := vars[key]; !ok {
			t.Errorf("BuildVariables() missing %s", key)
		}
	}
	if vars["POSTGRES_PORT"] != "5432" {
		t.Errorf("POSTGRES_PORT = %q, want 5432 (fixed internal)", vars["POSTGRES_PORT"])
	}
}

func setupTemplates(t *testing.T) Templates {
	t.Helper()
	dir := t.TempDir()
	compose := filepath.Join(dir, "docker-compose.yml")
	env := filepath.Join(dir, ".env")
	volumes := filepath.Join(dir, "volumes")

	if err := os.WriteFile(compose, []byte("project: ${PROJECT_NAME}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(env, []byte("JWT_SECRET=${JWT_SECRET}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(volumes, "db"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(volumes, "db", "init.sql"), []byte("-- ${PROJECT_NAME}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return Templates{ComposeFile: compose, EnvFile: env, VolumesDir: volumes}
}

func TestRender_ProducesArtifactTree(t *testing.T) {
	templates := setupTemplates(t)
	r := New(templates)
	dataRoot := t.TempDir()
	inst := sampleInstance()
	vars := BuildVariables(inst, "example.com", "", SMTPConfig{})

	artifacts, err := r.Render(dataRoot, inst, vars)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	for _, path := range []string{artifacts.ComposeFile, artifacts.EnvFile} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected rendered file %s to exist: %v", path, err)
		}
	}
	for _, sub := range []string{"db", "functions", "logs", "api", "pooler", "storage"} {
		if _, err := os.Stat(filepath.Join(artifacts.VolumesDir, sub)); err != nil {
			t.Errorf("expected volumes subdir %s to exist: %v", sub, err)
		}
	}

	composeContent, _ := os.ReadFile(artifacts.ComposeFile)
	if string(composeContent) != "project: alpha\n" {
		t.Errorf("rendered compose = %q, want project: alpha", composeContent)
	}
}

func TestRender_MissingTemplateFails(t *testing.T) {
	r := New(Templates{ComposeFile: "/nonexistent/compose.yml", EnvFile: "/nonexistent/.env", VolumesDir: "/nonexistent/volumes"})
	_, err := r.Render(t.TempDir(), sampleInstance(), Variables{})
	if err == nil {
		t.Fatal("Render() expected TemplateMissing error")
	}
}

func TestRewriteEnvVars_PreservesUnrelatedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	initial := "# comment\nFOO=bar\nPOSTGRES_PASSWORD=old\n"
	if err := os.WriteFile(path, []byte(initial), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := RewriteEnvVars(path, map[string]string{"POSTGRES_PASSWORD": "new", "NEW_VAR": "added"}); err != nil {
		t.Fatalf("RewriteEnvVars() error = %v", err)
	}

	content, _ := os.ReadFile(path)
	text := string(content)
	if !strings.Contains(text,"FOO=bar") {
		t.Error("RewriteEnvVars() dropped unrelated line FOO=bar")
	}
	if !strings.Contains(text,"POSTGRES_PASSWORD=new") {
		t.Error("RewriteEnvVars() did not update POSTGRES_PASSWORD")
	}
	if !strings.Contains(text,"NEW_VAR=added") {
		t.Error("RewriteEnvVars() did not append missing key")
	}
}
