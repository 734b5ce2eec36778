package mqtt_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aminovpavel/meshbridge-go/internal/mqtt"
)

func TestSubscriptionTopic(t *testing.T) {
	tests := []struct {
		name   string
		cfg    mqtt.Config
		expect string
	}{
		{name: "prefix and suffix", cfg: mqtt.Config{TopicPrefix: "msh/US", TopicSuffix: "2/#"}, expect: "msh/US/2/#"},
		{name: "trailing slash", cfg: mqtt.Config{TopicPrefix: "msh/US/", TopicSuffix: "/2/json/#"}, expect: "msh/US/2/json/#"},
		{name: "prefix only", cfg: mqtt.Config{TopicPrefix: "msh"}, expect: "msh"},
		{name: "suffix only", cfg: mqtt.Config{TopicSuffix: "+/#"}, expect: "+/#"},
		{name: "both empty", cfg: mqtt.Config{}, expect: "#"},
	}

	for _, tt := range tests {
		if topic := tt.cfg.SubscriptionTopic(); topic != tt.expect {
			t.Fatalf("%s: expected %q, got %q", tt.name, tt.expect, topic)
		}
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := mqtt.NewClient(mqtt.Config{})
	if err == nil {
		t.Fatalf("expected validation error for empty config")
	}

	cfg := mqtt.Config{BrokerHost: "127.0.0.1", BrokerPort: 1883}
	client, err := mqtt.NewClient(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client == nil {
		t.Fatalf("expected client instance")
	}
}

func TestPublishBeforeStart(t *testing.T) {
	client, err := mqtt.NewClient(mqtt.Config{BrokerHost: "127.0.0.1", BrokerPort: 1883})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = client.Publish(context.Background(), "msh/US/2/json/mqtt/", []byte("{}"))
	if !errors.Is(err, mqtt.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestStopClosesChannels(t *testing.T) {
	client, err := mqtt.NewClient(mqtt.Config{BrokerHost: "127.0.0.1", BrokerPort: 1883})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.Stop()
	client.Stop()

	if _, ok := <-client.Messages(); ok {
		t.Fatalf("expected messages channel closed")
	}
	if _, ok := <-client.Errors(); ok {
		t.Fatalf("expected errors channel closed")
	}
}
