package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_UploadLimits(t *testing.T) {
	cfg := Defaults()
	cfg.Upload.MaxFileBytes = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxFileBytes=0")
	}

	cfg = Defaults()
	cfg.Upload.MaxFiles = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxFiles=0")
	}

	cfg = Defaults()
	cfg.Upload.FieldName = " "
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for blank fieldName")
	}
}

func TestValidate_Timeouts(t *testing.T) {
	cfg := Defaults()
	cfg.Server.SendTimeoutSeconds = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for sendTimeoutSeconds=0")
	}

	cfg = Defaults()
	cfg.Server.ShutdownTimeoutSeconds = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for shutdownTimeoutSeconds=0")
	}
}

func TestValidate_ThrottleNeedsBurst(t *testing.T) {
	cfg := Defaults()
	cfg.Limits.SendsPerMinute = 30
	cfg.Limits.Burst = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for burst=0 with throttling enabled")
	}
}

func TestValidate_MetricsPathConflict(t *testing.T) {
	cfg := Defaults()
	cfg.Metrics.Path = "/send"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for metrics path on /send")
	}
	if !strings.Contains(err.Error(), "conflicts") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_MetricsPathRootRejected(t *testing.T) {
	cfg := Defaults()
	cfg.Metrics.Path = "/"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for metrics path on /")
	}

	cfg.Metrics.Enabled = false
	if err := Validate(cfg); err != nil {
		t.Errorf("disabled metrics should not check the path: %v", err)
	}
}

func TestValidate_LogLevel(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error", "INFO"} {
		cfg := Defaults()
		cfg.Log.Level = lvl
		if err := Validate(cfg); err != nil {
			t.Fatalf("level %q should be valid: %v", lvl, err)
		}
	}
	cfg := Defaults()
	cfg.Log.Level = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	original := Defaults()
	original.Server.Port = 4100
	original.Upload.Dir = t.TempDir()

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Server.Port != 4100 {
		t.Errorf("port: got %d, want 4100", loaded.Server.Port)
	}
	if loaded.Upload.FieldName != "file[]" {
		t.Errorf("field name: got %q", loaded.Upload.FieldName)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 8088\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8088 {
		t.Errorf("port: got %d, want 8088", cfg.Server.Port)
	}
	if cfg.Upload.MaxFileBytes != 20*1024*1024 {
		t.Errorf("maxFileBytes default lost: %d", cfg.Upload.MaxFileBytes)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("WAGATE_TEST_DIR", "/var/tmp/wagate-test")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("upload:\n  dir: ${WAGATE_TEST_DIR}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Upload.Dir != "/var/tmp/wagate-test" {
		t.Errorf("upload dir: got %q", cfg.Upload.Dir)
	}
}

func TestLoadFile_KeepsFileAsWritten(t *testing.T) {
	t.Setenv("WAGATE_TEST_DIR", "/var/tmp/wagate-test")
	t.Setenv("PORT", "4567")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("upload:\n  dir: ${WAGATE_TEST_DIR}\nhistory:\n  dbPath: ~/h.db\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Upload.Dir != "${WAGATE_TEST_DIR}" {
		t.Errorf("upload dir: got %q, want the reference untouched", cfg.Upload.Dir)
	}
	if cfg.History.DBPath != "~/h.db" {
		t.Errorf("db path: got %q", cfg.History.DBPath)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("port: got %d, env override should not apply", cfg.Server.Port)
	}
}

func TestLoadOrDefaults_MissingFile(t *testing.T) {
	cfg, found, err := LoadOrDefaults(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Error("found should be false for a missing file")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("default port: got %d, want 3000", cfg.Server.Port)
	}
}

func TestLoadOrDefaults_PortFromEnv(t *testing.T) {
	t.Setenv("PORT", "4567")
	cfg, _, err := LoadOrDefaults(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4567 {
		t.Errorf("port: got %d, want 4567", cfg.Server.Port)
	}
}

func TestApplyEnv_OverridesFileValue(t *testing.T) {
	t.Setenv("WAGATE_LOG_LEVEL", "debug")
	t.Setenv("WAGATE_HEADLESS", "false")
	cfg := Defaults()
	if err := ApplyEnv(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level: got %q", cfg.Log.Level)
	}
	if cfg.WhatsApp.Headless {
		t.Error("headless should be overridden to false")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("unset PORT must not change port, got %d", cfg.Server.Port)
	}
}

func TestApplyEnv_InvalidNumber(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	if err := ApplyEnv(Defaults()); err == nil {
		t.Fatal("expected error for non-numeric PORT")
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("WAGATE_SET", "value")
	tests := []struct {
		in, want string
	}{
		{"${WAGATE_SET}", "value"},
		{"${WAGATE_UNSET_XYZ:-fallback}", "fallback"},
		{"${WAGATE_UNSET_XYZ}", "${WAGATE_UNSET_XYZ}"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := ExpandEnvVars(tt.in); got != tt.want {
			t.Errorf("ExpandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// --- Accessors ---

func TestGetByPath(t *testing.T) {
	cfg := Defaults()
	v, err := GetByPath(cfg, "server.port")
	if err != nil {
		t.Fatal(err)
	}
	if v != 3000 {
		t.Errorf("server.port: got %v (%T)", v, v)
	}

	if _, err := GetByPath(cfg, "server.nope"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestSetByPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "server.port", "8081"); err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8081 {
		t.Errorf("port: got %d", cfg.Server.Port)
	}

	if err := SetByPath(cfg, "history.enabled", "false"); err != nil {
		t.Fatal(err)
	}
	if cfg.History.Enabled {
		t.Error("history.enabled should be false")
	}
}

func TestListPaths_Sorted(t *testing.T) {
	paths := ListPaths(Defaults())
	if len(paths) == 0 {
		t.Fatal("expected paths")
	}
	for i := 1; i < len(paths); i++ {
		if paths[i-1].Path > paths[i].Path {
			t.Fatalf("paths not sorted: %s > %s", paths[i-1].Path, paths[i].Path)
		}
	}
}
