package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aminovpavel/meshbridge-go/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("MESHBRIDGE_CONFIG_FILE", filepath.Join(t.TempDir(), "nonexistent.yaml"))

	cfg, err := config.New("")
	if err != nil {
		t.Fatalf("config.New returned error: %v", err)
	}

	if cfg.Name != "MeshBridge" {
		t.Fatalf("expected default name 'MeshBridge', got %q", cfg.Name)
	}
	if cfg.MQTTPort != 1883 {
		t.Fatalf("expected default MQTT port 1883, got %d", cfg.MQTTPort)
	}
	if cfg.MaxResponseBytes != 200 || cfg.HardResponseBytes != 220 {
		t.Fatalf("expected byte budget 200/220, got %d/%d", cfg.MaxResponseBytes, cfg.HardResponseBytes)
	}
	if cfg.RateLimitMax != 10 || cfg.RateLimitWindowSeconds != 60 {
		t.Fatalf("expected rate limit 10/60s, got %d/%ds", cfg.RateLimitMax, cfg.RateLimitWindowSeconds)
	}
	if cfg.OutboxBatchSize != 5 || cfg.OutboxPollMillis != 2000 {
		t.Fatalf("expected outbox batch 5 every 2000ms, got %d every %dms", cfg.OutboxBatchSize, cfg.OutboxPollMillis)
	}
	if !cfg.FilterStrictMode {
		t.Fatalf("expected strict filter mode by default")
	}
	if cfg.ConfigPath != "" {
		t.Fatalf("expected empty ConfigPath without a file, got %q", cfg.ConfigPath)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	yamlContent := `
name: Custom
mqtt_port: 1999
filter_strict_mode: false
weather_latitude: 51.5
llm_provider: anthropic
`

	if err := os.WriteFile(yamlPath, []byte(yamlContent), 0o600); err != nil {
		t.Fatalf("write config yaml: %v", err)
	}

	cfg, err := config.New(yamlPath)
	if err != nil {
		t.Fatalf("config.New returned error: %v", err)
	}

	if cfg.Name != "Custom" {
		t.Fatalf("expected name Custom, got %q", cfg.Name)
	}
	if cfg.MQTTPort != 1999 {
		t.Fatalf("expected mqtt_port 1999, got %d", cfg.MQTTPort)
	}
	if cfg.FilterStrictMode {
		t.Fatalf("expected FilterStrictMode false from YAML override")
	}
	if cfg.WeatherLatitude != 51.5 {
		t.Fatalf("expected weather_latitude 51.5, got %v", cfg.WeatherLatitude)
	}
	if cfg.LLMProvider != "anthropic" {
		t.Fatalf("expected provider anthropic, got %q", cfg.LLMProvider)
	}
	if cfg.ConfigPath != yamlPath {
		t.Fatalf("expected ConfigPath %q, got %q", yamlPath, cfg.ConfigPath)
	}
}

func TestConfigFileFromEnv(t *testing.T) {
	yamlPath := filepath.Join(t.TempDir(), "bridge.yaml")
	if err := os.WriteFile(yamlPath, []byte("dashboard_address: \":8080\"\n"), 0o600); err != nil {
		t.Fatalf("write config yaml: %v", err)
	}
	t.Setenv("MESHBRIDGE_CONFIG_FILE", yamlPath)

	cfg, err := config.New("")
	if err != nil {
		t.Fatalf("config.New returned error: %v", err)
	}
	if cfg.DashboardAddress != ":8080" {
		t.Fatalf("expected dashboard address from env-selected file, got %q", cfg.DashboardAddress)
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("name: FromFile\n"), 0o600); err != nil {
		t.Fatalf("write config yaml: %v", err)
	}

	t.Setenv("MESHBRIDGE_NAME", "EnvName")
	t.Setenv("MESHBRIDGE_MQTT_PORT", "2001")
	t.Setenv("MESHBRIDGE_AUTO_RESPOND", "0")
	t.Setenv("MESHBRIDGE_WEATHER_LONGITUDE", "-0.12")

	cfg, err := config.New(yamlPath)
	if err != nil {
		t.Fatalf("config.New returned error: %v", err)
	}

	if cfg.Name != "EnvName" {
		t.Fatalf("expected name EnvName from env, got %q", cfg.Name)
	}
	if cfg.MQTTPort != 2001 {
		t.Fatalf("expected mqtt_port 2001 from env, got %d", cfg.MQTTPort)
	}
	if cfg.AutoRespond {
		t.Fatalf("expected AutoRespond false from env override")
	}
	if cfg.WeatherLongitude != -0.12 {
		t.Fatalf("expected weather longitude -0.12, got %v", cfg.WeatherLongitude)
	}
}

func TestEnvOverridesLegacyPrefix(t *testing.T) {
	yamlPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("name: FromFile\n"), 0o600); err != nil {
		t.Fatalf("write config yaml: %v", err)
	}

	t.Setenv("LORALLAMA_NAME", "LegacyName")
	t.Setenv("LORALLAMA_MQTT_PORT", "2002")

	cfg, err := config.New(yamlPath)
	if err != nil {
		t.Fatalf("config.New returned error: %v", err)
	}

	if cfg.Name != "LegacyName" {
		t.Fatalf("expected legacy name override, got %q", cfg.Name)
	}
	if cfg.MQTTPort != 2002 {
		t.Fatalf("expected legacy mqtt_port override, got %d", cfg.MQTTPort)
	}
}

func TestEnvOverrideRejectsBadNumber(t *testing.T) {
	t.Setenv("MESHBRIDGE_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("MESHBRIDGE_OUTBOX_BATCH_SIZE", "five")

	if _, err := config.New(""); err == nil {
		t.Fatalf("expected error for non-numeric batch size")
	}
}
