// Package app translates the flat application configuration into component
// configs and assembles the running service.
package app

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/aminovpavel/meshbridge-go/internal/bridge"
	"github.com/aminovpavel/meshbridge-go/internal/config"
	"github.com/aminovpavel/meshbridge-go/internal/dashboard"
	"github.com/aminovpavel/meshbridge-go/internal/llm"
	"github.com/aminovpavel/meshbridge-go/internal/mqtt"
	"github.com/aminovpavel/meshbridge-go/internal/outbox"
	"github.com/aminovpavel/meshbridge-go/internal/radio"
	"github.com/aminovpavel/meshbridge-go/internal/storage"
	"github.com/aminovpavel/meshbridge-go/internal/weather"
)

func millis(v int) time.Duration { return time.Duration(v) * time.Millisecond }
func seconds(v int) time.Duration { return time.Duration(v) * time.Second }

// BuildStoreConfig translates the application configuration into a store config.
func BuildStoreConfig(cfg *config.App) storage.Config {
	if cfg == nil {
		return storage.Config{}
	}
	return storage.Config{
		Path:                strings.TrimSpace(cfg.DatabaseFile),
		ReadPoolSize:        cfg.ReadPoolSize,
		MaintenanceInterval: time.Duration(cfg.MaintenanceInterval) * time.Minute,
		WALAutocheckpoint:   cfg.WALAutocheckpoint,
		JournalSizeLimit:    cfg.JournalSizeLimit,
		CacheKiB:            cfg.SQLiteCacheKiB,
	}
}

// BuildMQTTConfig translates the application configuration into an MQTT client config.
func BuildMQTTConfig(cfg *config.App) mqtt.Config {
	if cfg == nil {
		return mqtt.Config{}
	}

	return mqtt.Config{
		BrokerHost:  strings.TrimSpace(cfg.MQTTBrokerAddress),
		BrokerPort:  cfg.MQTTPort,
		Username:    strings.TrimSpace(cfg.MQTTUsername),
		Password:    strings.TrimSpace(cfg.MQTTPassword),
		TopicPrefix: cfg.MQTTTopicPrefix,
		TopicSuffix: cfg.MQTTTopicSuffix,
		ClientID:    strings.TrimSpace(cfg.MQTTClientID),
	}
}

// BuildRadioConfig returns the downlink settings for the MQTT transport.
func BuildRadioConfig(cfg *config.App) radio.MQTTConfig {
	if cfg == nil {
		return radio.MQTTConfig{}
	}
	return radio.MQTTConfig{
		DownlinkTopic: strings.TrimSpace(cfg.MQTTDownlinkTopic),
		GatewayNodeID: strings.TrimSpace(cfg.GatewayNodeID),
	}
}

// BuildOutboxConfig returns the dispatcher pacing.
func BuildOutboxConfig(cfg *config.App) outbox.Config {
	if cfg == nil {
		return outbox.DefaultConfig()
	}
	return outbox.Config{
		PollInterval: millis(cfg.OutboxPollMillis),
		BatchSize:    cfg.OutboxBatchSize,
		SendGap:      millis(cfg.OutboxSendGapMillis),
		Retention:    time.Duration(cfg.OutboxRetentionHours) * time.Hour,
	}
}

// BuildLLMConfig selects the model provider.
func BuildLLMConfig(cfg *config.App) llm.Config {
	if cfg == nil {
		return llm.Config{}
	}
	return llm.Config{
		Provider:  strings.TrimSpace(cfg.LLMProvider),
		Model:     strings.TrimSpace(cfg.LLMModel),
		BaseURL:   strings.TrimSpace(cfg.LLMBaseURL),
		APIKey:    strings.TrimSpace(cfg.LLMAPIKey),
		Timeout:   seconds(cfg.LLMTimeoutSeconds),
		MaxTokens: cfg.LLMMaxTokens,
	}
}

// BuildBridgeConfig returns the reply policy. An unknown timezone is an error.
func BuildBridgeConfig(cfg *config.App) (bridge.Config, error) {
	if cfg == nil {
		return bridge.Config{}, nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return bridge.Config{}, fmt.Errorf("app: load timezone %q: %w", tz, err)
		}
	}
	return bridge.Config{
		AutoRespond:         cfg.AutoRespond,
		RespondToBroadcasts: cfg.RespondToBroadcasts,
		SelfID:              strings.TrimSpace(cfg.GatewayNodeID),
		SystemPrompt:        strings.TrimSpace(cfg.SystemPrompt),
		ResponseDelay:       millis(cfg.ResponseDelayMillis),
		SoftLimit:           cfg.MaxResponseBytes,
		HardLimit:           cfg.HardResponseBytes,
		Location:            strings.TrimSpace(cfg.LocationName),
		TimeZone:            loc,
	}, nil
}

// BuildWorkerConfig returns the worker cadence.
func BuildWorkerConfig(cfg *config.App) bridge.WorkerConfig {
	if cfg == nil {
		return bridge.WorkerConfig{}
	}
	return bridge.WorkerConfig{OutboxPoll: millis(cfg.OutboxPollMillis)}
}

// BuildWeatherConfig locates the forecast point.
func BuildWeatherConfig(cfg *config.App) weather.Config {
	if cfg == nil {
		return weather.Config{}
	}
	return weather.Config{
		Enabled:   cfg.WeatherEnabled,
		Latitude:  cfg.WeatherLatitude,
		Longitude: cfg.WeatherLongitude,
		Location:  strings.TrimSpace(cfg.LocationName),
		Timezone:  strings.TrimSpace(cfg.Timezone),
	}
}

// BuildDashboardConfig returns the HTTP API settings.
func BuildDashboardConfig(cfg *config.App) dashboard.Config {
	if cfg == nil {
		return dashboard.Config{}
	}
	return dashboard.Config{
		Address:      strings.TrimSpace(cfg.DashboardAddress),
		CacheTTL:     seconds(cfg.DashboardCacheTTLSeconds),
		MaxSendBytes: cfg.MaxResponseBytes,
	}
}

// BuildCacheConfig selects the dashboard response cache.
func BuildCacheConfig(cfg *config.App) dashboard.CacheConfig {
	if cfg == nil {
		return dashboard.CacheConfig{}
	}
	return dashboard.CacheConfig{
		Enabled:       cfg.RedisEnabled,
		RedisAddress:  strings.TrimSpace(cfg.RedisAddress),
		RedisUsername: strings.TrimSpace(cfg.RedisUsername),
		RedisPassword: strings.TrimSpace(cfg.RedisPassword),
		RedisDB:       cfg.RedisDB,
		DefaultTTL:    seconds(cfg.DashboardCacheTTLSeconds),
	}
}
