package app_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/aminovpavel/meshbridge-go/internal/app"
	"github.com/aminovpavel/meshbridge-go/internal/bridge"
	"github.com/aminovpavel/meshbridge-go/internal/config"
	"github.com/aminovpavel/meshbridge-go/internal/dashboard"
	"github.com/aminovpavel/meshbridge-go/internal/mqtt"
	"github.com/aminovpavel/meshbridge-go/internal/outbox"
	"github.com/aminovpavel/meshbridge-go/internal/radio"
)

func defaults(t *testing.T) *config.App {
	t.Helper()
	t.Setenv("MESHBRIDGE_CONFIG_FILE", filepath.Join(t.TempDir(), "nonexistent.yaml"))
	cfg, err := config.New("")
	if err != nil {
		t.Fatalf("config.New returned error: %v", err)
	}
	cfg.DatabaseFile = filepath.Join(t.TempDir(), "mesh.db")
	cfg.GatewayNodeID = "!00000001"
	cfg.LLMProvider = "echo"
	cfg.DashboardEnabled = false
	cfg.WeatherEnabled = false
	return cfg
}

func TestBuildMQTTConfig(t *testing.T) {
	cfg := &config.App{
		MQTTBrokerAddress: "mqtt.meshtastic.org ",
		MQTTPort:          1883,
		MQTTUsername:      " meshdev",
		MQTTPassword:      "large4cats ",
		MQTTTopicPrefix:   "msh/US",
		MQTTTopicSuffix:   "2/#",
		MQTTClientID:      " meshbridge-test",
	}

	want := mqtt.Config{
		BrokerHost:  "mqtt.meshtastic.org",
		BrokerPort:  1883,
		Username:    "meshdev",
		Password:    "large4cats",
		TopicPrefix: "msh/US",
		TopicSuffix: "2/#",
		ClientID:    "meshbridge-test",
	}
	if diff := cmp.Diff(want, app.BuildMQTTConfig(cfg)); diff != "" {
		t.Fatalf("mqtt config mismatch (-want +got):\n%s", diff)
	}
	if got := app.BuildMQTTConfig(nil); got != (mqtt.Config{}) {
		t.Fatalf("expected zero config for nil input, got %+v", got)
	}
}

func TestBuildComponentConfigs(t *testing.T) {
	cfg := defaults(t)

	if diff := cmp.Diff(radio.MQTTConfig{DownlinkTopic: "msh/US/2/json/mqtt/", GatewayNodeID: "!00000001"}, app.BuildRadioConfig(cfg)); diff != "" {
		t.Fatalf("radio config mismatch (-want +got):\n%s", diff)
	}

	wantOutbox := outbox.Config{
		PollInterval: 2 * time.Second,
		BatchSize:    5,
		SendGap:      500 * time.Millisecond,
		Retention:    24 * time.Hour,
	}
	if diff := cmp.Diff(wantOutbox, app.BuildOutboxConfig(cfg)); diff != "" {
		t.Fatalf("outbox config mismatch (-want +got):\n%s", diff)
	}

	bcfg, err := app.BuildBridgeConfig(cfg)
	if err != nil {
		t.Fatalf("BuildBridgeConfig returned error: %v", err)
	}
	wantBridge := bridge.Config{
		AutoRespond:         true,
		RespondToBroadcasts: true,
		SelfID:              "!00000001",
		ResponseDelay:       time.Second,
		SoftLimit:           200,
		HardLimit:           220,
		Location:            "Austin, TX",
	}
	if diff := cmp.Diff(wantBridge, bcfg, cmpopts.IgnoreFields(bridge.Config{}, "TimeZone")); diff != "" {
		t.Fatalf("bridge config mismatch (-want +got):\n%s", diff)
	}
	if bcfg.TimeZone == nil || bcfg.TimeZone.String() != "America/Chicago" {
		t.Fatalf("expected America/Chicago, got %v", bcfg.TimeZone)
	}

	wantDash := dashboard.Config{Address: ":5000", CacheTTL: 30 * time.Second, MaxSendBytes: 200}
	if diff := cmp.Diff(wantDash, app.BuildDashboardConfig(cfg)); diff != "" {
		t.Fatalf("dashboard config mismatch (-want +got):\n%s", diff)
	}
	if app.BuildCacheConfig(cfg).Enabled {
		t.Fatalf("expected redis cache disabled by default")
	}
	if got := app.BuildStoreConfig(cfg).MaintenanceInterval; got != 6*time.Hour {
		t.Fatalf("expected 6h maintenance interval, got %s", got)
	}
}

func TestBuildBridgeConfigRejectsUnknownTimezone(t *testing.T) {
	cfg := defaults(t)
	cfg.Timezone = "Mars/Olympus_Mons"
	if _, err := app.BuildBridgeConfig(cfg); err == nil || !strings.Contains(err.Error(), "load timezone") {
		t.Fatalf("expected timezone error, got %v", err)
	}
}

func TestNewService(t *testing.T) {
	cfg := defaults(t)
	svc, err := app.New(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("app.New returned error: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	cfg = defaults(t)
	cfg.GatewayNodeID = "not-a-node"
	if _, err := app.New(context.Background(), cfg, nil, nil); err == nil || !strings.Contains(err.Error(), "radio transport") {
		t.Fatalf("expected radio transport error, got %v", err)
	}

	cfg = defaults(t)
	cfg.LLMProvider = "carrier-pigeon"
	if _, err := app.New(context.Background(), cfg, nil, nil); err == nil || !strings.Contains(err.Error(), "llm provider") {
		t.Fatalf("expected provider error, got %v", err)
	}
}
