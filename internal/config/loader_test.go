package config

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// setupTestHome points HOME at a temp dir and returns the gardener config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	configDir := filepath.Join(home, ".config", "gardener")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	return configDir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	if err := os.Chmod(path, perm); err != nil {
		t.Fatalf("Failed to chmod test config: %v", err)
	}
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `model:
  base_model_id: qwen2.5-coder:7b
budget:
  ceiling: 6GiB
  safety_margin: 512MiB
switch:
  timeout: 45s
  warm_slots: 2
context:
  max_turns: 30
  retain_turns: 10
storage:
  backend: redis
  redis_addr: cache:6379
  redis_password: hunter2
`, 0600)

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Model.BaseModelID != "qwen2.5-coder:7b" {
		t.Errorf("Model.BaseModelID = %q, want qwen2.5-coder:7b", cfg.Model.BaseModelID)
	}
	if cfg.Model.Generation != "qwen2.5-coder:7b" {
		t.Errorf("Model.Generation = %q, want the base model", cfg.Model.Generation)
	}
	if cfg.Budget.Ceiling.Bytes() != 6<<30 {
		t.Errorf("Budget.Ceiling = %d, want %d", cfg.Budget.Ceiling.Bytes(), int64(6<<30))
	}
	if cfg.Budget.SafetyMargin.Bytes() != 512<<20 {
		t.Errorf("Budget.SafetyMargin = %d, want %d", cfg.Budget.SafetyMargin.Bytes(), int64(512<<20))
	}
	if cfg.Switch.Timeout.Duration() != 45*time.Second {
		t.Errorf("Switch.Timeout = %v, want 45s", cfg.Switch.Timeout.Duration())
	}
	if cfg.Switch.WarmSlots != 2 {
		t.Errorf("Switch.WarmSlots = %d, want 2", cfg.Switch.WarmSlots)
	}
	if cfg.Storage.RedisPassword.Value() != "hunter2" {
		t.Error("Storage.RedisPassword not loaded")
	}
	if strings.Contains(cfg.Storage.RedisPassword.String(), "hunter2") {
		t.Error("Storage.RedisPassword leaked through String()")
	}
}

func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "switch:\n  timeout: 45s\n", 0600)

	t.Setenv("GARDENER_SWITCH_TIMEOUT", "5s")
	t.Setenv("GARDENER_STORAGE_BACKEND", "memory")
	t.Setenv("GARDENER_BUDGET_CEILING", "2 GB")
	t.Setenv("GARDENER_SWITCH_INDEX_WORKING_SET", "128MiB")

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if cfg.Switch.Timeout.Duration() != 5*time.Second {
		t.Errorf("Switch.Timeout = %v, want env override 5s", cfg.Switch.Timeout.Duration())
	}
	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("Storage.Backend = %q, want memory", cfg.Storage.Backend)
	}
	if cfg.Budget.Ceiling.Bytes() != 2_000_000_000 {
		t.Errorf("Budget.Ceiling = %d, want 2000000000", cfg.Budget.Ceiling.Bytes())
	}
	if cfg.Switch.IndexWorkingSet.Bytes() != 128<<20 {
		t.Errorf("Switch.IndexWorkingSet = %s, want 128 MiB", cfg.Switch.IndexWorkingSet)
	}
}

func TestLoadWithFile_DefaultPath(t *testing.T) {
	dir := setupTestHome(t)
	writeConfig(t, dir, "index:\n  top_k: 7\n  extensions: [\".go\", \".md\"]\ncontext:\n  prompt_turns: 3\n", 0600)

	cfg, err := LoadWithFile("")
	if err != nil {
		t.Fatalf("LoadWithFile(\"\") error = %v", err)
	}
	if cfg.Index.TopK != 7 {
		t.Errorf("Index.TopK = %d, want 7", cfg.Index.TopK)
	}
	if len(cfg.Index.Extensions) != 2 || cfg.Index.Extensions[1] != ".md" {
		t.Errorf("Index.Extensions = %v, want [.go .md]", cfg.Index.Extensions)
	}
	if cfg.Context.PromptTurns != 3 {
		t.Errorf("Context.PromptTurns = %d, want 3", cfg.Context.PromptTurns)
	}
}

func TestLoadWithFile_MissingFile(t *testing.T) {
	dir := setupTestHome(t)

	cfg, err := LoadWithFile(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want defaults", err)
	}
	want := Default()
	if cfg.Switch.Timeout != want.Switch.Timeout || cfg.Storage.Backend != want.Storage.Backend {
		t.Errorf("LoadWithFile() = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadWithFile_InvalidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "switch: [unterminated\n", 0600)

	if _, err := LoadWithFile(path); err == nil {
		t.Error("LoadWithFile() error = nil, want parse error")
	}
}

func TestLoadWithFile_Validation(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "storage:\n  backend: cassandra\n", 0600)

	_, err := LoadWithFile(path)
	if err == nil || !strings.Contains(err.Error(), "cassandra") {
		t.Errorf("LoadWithFile() error = %v, want unknown backend", err)
	}
}

func TestLoadWithFile_InvalidByteSize(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "budget:\n  ceiling: lots\n", 0600)

	if _, err := LoadWithFile(path); err == nil {
		t.Error("LoadWithFile() error = nil, want byte size error")
	}
}

func TestLoadWithFile_PathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadWithFile(path); err == nil {
		t.Error("LoadWithFile() error = nil, want path validation error")
	}
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on windows")
	}
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "{}\n", 0644)

	_, err := LoadWithFile(path)
	if err == nil || !strings.Contains(err.Error(), "insecure config file permissions") {
		t.Errorf("LoadWithFile() error = %v, want permission error", err)
	}
}

func TestLoadWithFile_ReadOnlyPermissions(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "{}\n", 0400)

	if _, err := LoadWithFile(path); err != nil {
		t.Errorf("LoadWithFile() error = %v, want 0400 accepted", err)
	}
}

func TestLoadWithFile_FileTooLarge(t *testing.T) {
	dir := setupTestHome(t)
	var buf bytes.Buffer
	buf.WriteString("# padding\n")
	for buf.Len() <= maxConfigFileSize {
		buf.WriteString("# " + strings.Repeat("x", 100) + "\n")
	}
	path := writeConfig(t, dir, buf.String(), 0600)

	_, err := LoadWithFile(path)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("LoadWithFile() error = %v, want size error", err)
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"GARDENER_SWITCH_TIMEOUT":      "switch.timeout",
		"GARDENER_STORAGE_REDIS_ADDR":  "storage.redis_addr",
		"GARDENER_MODEL_BASE_MODEL_ID": "model.base_model_id",
		"GARDENER_DEBUG":               "debug",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := ExpandHome("~/.local/share/gardener")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, ".local/share/gardener"); got != want {
		t.Errorf("ExpandHome() = %q, want %q", got, want)
	}
	if got, _ := ExpandHome("/var/lib/gardener"); got != "/var/lib/gardener" {
		t.Errorf("ExpandHome() changed an absolute path: %q", got)
	}
}

func TestValidateConfigPath(t *testing.T) {
	configDir := setupTestHome(t)

	tests := []struct {
		path    string
		wantErr bool
	}{
		{filepath.Join(configDir, "config.yaml"), false},
		{filepath.Join(configDir, "profiles", "work.yaml"), false},
		{filepath.Join(configDir, "not-created-yet.yaml"), false},
		{"/etc/gardener/config.yaml", false},
		{"/etc/gardener/../passwd", true},
		{"/etc/gardener-evil/config.yaml", true},
		{filepath.Join(configDir, "..", "config.yaml"), true},
		{"/tmp/config.yaml", true},
		{"/var/lib/gardener/config.yaml", true},
	}
	for _, tt := range tests {
		err := validateConfigPath(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateConfigPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
	}
}
