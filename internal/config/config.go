package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var envPrefixes = []string{"MESHBRIDGE_", "LORALLAMA_"}

const defaultConfigFile = "config.yaml"

// App contains the full application configuration.
type App struct {
	Name         string `yaml:"name"`
	DatabaseFile string `yaml:"database_file"`
	LogLevel     string `yaml:"log_level"`
	LogJSON      bool   `yaml:"log_json"`

	MQTTBrokerAddress string `yaml:"mqtt_broker_address"`
	MQTTPort          int    `yaml:"mqtt_port"`
	MQTTUsername      string `yaml:"mqtt_username"`
	MQTTPassword      string `yaml:"mqtt_password"`
	MQTTTopicPrefix   string `yaml:"mqtt_topic_prefix"`
	MQTTTopicSuffix   string `yaml:"mqtt_topic_suffix"`
	MQTTDownlinkTopic string `yaml:"mqtt_downlink_topic"`
	MQTTClientID      string `yaml:"mqtt_client_id"`
	GatewayNodeID     string `yaml:"gateway_node_id"`

	ObservabilityAddress string `yaml:"observability_address"`
	MaintenanceInterval  int    `yaml:"maintenance_interval"`
	WALAutocheckpoint    int    `yaml:"wal_autocheckpoint"`
	JournalSizeLimit     int    `yaml:"journal_size_limit"`
	SQLiteCacheKiB       int    `yaml:"sqlite_cache_kib"`
	ReadPoolSize         int    `yaml:"read_pool_size"`

	LLMProvider       string `yaml:"llm_provider"`
	LLMModel          string `yaml:"llm_model"`
	LLMBaseURL        string `yaml:"llm_base_url"`
	LLMAPIKey         string `yaml:"llm_api_key"`
	LLMTimeoutSeconds int    `yaml:"llm_timeout_seconds"`
	LLMMaxTokens      int    `yaml:"llm_max_tokens"`
	SystemPrompt      string `yaml:"system_prompt"`

	AutoRespond         bool `yaml:"auto_respond"`
	RespondToBroadcasts bool `yaml:"respond_to_broadcasts"`
	ResponseDelayMillis int  `yaml:"response_delay_millis"`
	MaxResponseBytes    int  `yaml:"max_response_bytes"`
	HardResponseBytes   int  `yaml:"hard_response_bytes"`

	RateLimitMax           int  `yaml:"rate_limit_max"`
	RateLimitWindowSeconds int  `yaml:"rate_limit_window_seconds"`
	FilterStrictMode       bool `yaml:"filter_strict_mode"`

	OutboxPollMillis     int `yaml:"outbox_poll_millis"`
	OutboxBatchSize      int `yaml:"outbox_batch_size"`
	OutboxSendGapMillis  int `yaml:"outbox_send_gap_millis"`
	OutboxRetentionHours int `yaml:"outbox_retention_hours"`

	DashboardEnabled         bool   `yaml:"dashboard_enabled"`
	DashboardAddress         string `yaml:"dashboard_address"`
	DashboardCacheTTLSeconds int    `yaml:"dashboard_cache_ttl_seconds"`
	RedisEnabled             bool   `yaml:"redis_enabled"`
	RedisAddress             string `yaml:"redis_address"`
	RedisUsername            string `yaml:"redis_username"`
	RedisPassword            string `yaml:"redis_password"`
	RedisDB                  int    `yaml:"redis_db"`

	WeatherEnabled   bool    `yaml:"weather_enabled"`
	WeatherLatitude  float64 `yaml:"weather_latitude"`
	WeatherLongitude float64 `yaml:"weather_longitude"`
	LocationName     string  `yaml:"location_name"`
	Timezone         string  `yaml:"timezone"`

	ConfigPath string `yaml:"-"`
}

// New reads the configuration from file (if provided) and environment overrides.
func New(path string) (*App, error) {
	cfg := defaultConfig()

	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *App {
	return &App{
		Name:                     "MeshBridge",
		DatabaseFile:             "mesh_history.db",
		LogLevel:                 "INFO",
		MQTTBrokerAddress:        "127.0.0.1",
		MQTTPort:                 1883,
		MQTTTopicPrefix:          "msh/US",
		MQTTTopicSuffix:          "2/#",
		MQTTDownlinkTopic:        "msh/US/2/json/mqtt/",
		MQTTClientID:             "meshbridge",
		ObservabilityAddress:     ":2112",
		MaintenanceInterval:      360,
		WALAutocheckpoint:        1000,
		JournalSizeLimit:         64 * 1024 * 1024,
		SQLiteCacheKiB:           8192,
		ReadPoolSize:             4,
		LLMProvider:              "ollama",
		LLMModel:                 "llama3.2",
		LLMBaseURL:               "http://localhost:11434",
		LLMTimeoutSeconds:        60,
		LLMMaxTokens:             256,
		AutoRespond:              true,
		RespondToBroadcasts:      true,
		ResponseDelayMillis:      1000,
		MaxResponseBytes:         200,
		HardResponseBytes:        220,
		RateLimitMax:             10,
		RateLimitWindowSeconds:   60,
		FilterStrictMode:         true,
		OutboxPollMillis:         2000,
		OutboxBatchSize:          5,
		OutboxSendGapMillis:      500,
		OutboxRetentionHours:     24,
		DashboardEnabled:         true,
		DashboardAddress:         ":5000",
		DashboardCacheTTLSeconds: 30,
		WeatherEnabled:           true,
		WeatherLatitude:          30.2672,
		WeatherLongitude:         -97.7431,
		LocationName:             "Austin, TX",
		Timezone:                 "America/Chicago",
	}
}

func (c *App) applyFile(path string) error {
	if path == "" {
		path = lookupEnv("CONFIG_FILE")
	}
	if path == "" {
		path = defaultConfigFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		// A missing file means defaults plus environment.
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	c.ConfigPath = path
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			c.ConfigPath = abs
		}
	}
	return nil
}

// applyEnv overrides fields from <PREFIX><YAML_KEY> variables. The legacy
// prefix only applies when the primary prefix leaves a field unset.
func (c *App) applyEnv() error {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := strings.Split(field.Tag.Get("yaml"), ",")[0]
		if key == "" || key == "-" {
			continue
		}

		raw, ok := lookupEnvOK(strings.ToUpper(key))
		if !ok {
			continue
		}
		if err := setField(v.Field(i), raw); err != nil {
			return fmt.Errorf("config: env override %s: %w", strings.ToUpper(key), err)
		}
	}
	return nil
}

func setField(f reflect.Value, raw string) error {
	raw = strings.TrimSpace(raw)
	switch f.Kind() {
	case reflect.String:
		f.SetString(raw)
	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		f.SetInt(int64(n))
	case reflect.Float64:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		f.SetFloat(n)
	case reflect.Bool:
		f.SetBool(parseBool(raw))
	default:
		return fmt.Errorf("unsupported kind %s", f.Kind())
	}
	return nil
}

func parseBool(raw string) bool {
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on", "y":
		return true
	default:
		return false
	}
}

func lookupEnv(suffix string) string {
	v, _ := lookupEnvOK(suffix)
	return v
}

func lookupEnvOK(suffix string) (string, bool) {
	for _, prefix := range envPrefixes {
		if v, ok := os.LookupEnv(prefix + suffix); ok {
			return v, true
		}
	}
	return "", false
}
