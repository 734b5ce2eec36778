package radio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aminovpavel/meshbridge-go/internal/decode"
	"github.com/aminovpavel/meshbridge-go/internal/mqtt"
	"github.com/aminovpavel/meshbridge-go/internal/observability"
)

var (
	// ErrUnsupported is returned for operations the transport cannot perform.
	ErrUnsupported = errors.New("radio: operation not supported by transport")
	// ErrNotConnected is returned when the link to the mesh is down.
	ErrNotConnected = errors.New("radio: not connected")
)

// Transport sends traffic into the mesh.
type Transport interface {
	SendText(ctx context.Context, text, destination string, channel int) error
	SendDM(ctx context.Context, text, destination string) error
	SendTraceroute(ctx context.Context, destination string, hopLimit int) error
}

// Publisher is the MQTT publish surface the transport needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// MQTTConfig configures the JSON downlink transport.
type MQTTConfig struct {
	// DownlinkTopic is where the gateway node listens for JSON downlink,
	// normally "msh/<region>/2/json/mqtt/".
	DownlinkTopic string
	// GatewayNodeID is the id of the node connected to the broker.
	GatewayNodeID string
}

// MQTTTransport publishes Meshtastic JSON "sendtext" downlink messages.
type MQTTTransport struct {
	pub     Publisher
	topic   string
	gateway uint32
	logger  *slog.Logger
}

// Option customises the transport.
type Option func(*MQTTTransport)

// WithLogger sets the transport logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *MQTTTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewMQTTTransport validates cfg and returns a transport publishing through pub.
func NewMQTTTransport(pub Publisher, cfg MQTTConfig, opts ...Option) (*MQTTTransport, error) {
	if pub == nil {
		return nil, errors.New("radio: publisher must be provided")
	}
	topic := strings.TrimSpace(cfg.DownlinkTopic)
	if topic == "" {
		return nil, errors.New("radio: downlink topic must be provided")
	}
	gateway, ok := decode.ParseNodeID(cfg.GatewayNodeID)
	if !ok || gateway == decode.BroadcastNum {
		return nil, fmt.Errorf("radio: invalid gateway node id %q", cfg.GatewayNodeID)
	}
	t := &MQTTTransport{
		pub:     pub,
		topic:   topic,
		gateway: gateway,
		logger:  observability.NoOpLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = observability.Component(t.logger, "radio")
	return t, nil
}

// GatewayID returns the "!%08x" id of the gateway node.
func (t *MQTTTransport) GatewayID() string {
	return decode.FormatNodeID(t.gateway)
}

type downlink struct {
	From    uint32 `json:"from"`
	To      uint32 `json:"to"`
	Channel int    `json:"channel"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// SendText publishes text to destination on channel. Broadcast aliases and
// empty destinations address every node.
func (t *MQTTTransport) SendText(ctx context.Context, text, destination string, channel int) error {
	to := decode.BroadcastNum
	if !decode.IsBroadcast(destination) {
		n, ok := decode.ParseNodeID(destination)
		if !ok {
			return fmt.Errorf("radio: invalid destination %q", destination)
		}
		to = n
	}
	return t.publish(ctx, downlink{
		From:    t.gateway,
		To:      to,
		Channel: channel,
		Type:    "sendtext",
		Payload: truncateBytes(text, LinkMaxBytes),
	})
}

// SendDM sends an addressed message on the primary channel. The JSON
// downlink cannot encrypt to the recipient's key, so the message travels
// with channel encryption only.
func (t *MQTTTransport) SendDM(ctx context.Context, text, destination string) error {
	if decode.IsBroadcast(destination) {
		return fmt.Errorf("radio: direct message needs a node destination, got %q", destination)
	}
	t.logger.Debug("sending direct message without PKC", slog.String("destination", destination))
	return t.SendText(ctx, text, destination, 0)
}

// SendTraceroute is not available over the JSON downlink.
func (t *MQTTTransport) SendTraceroute(_ context.Context, destination string, _ int) error {
	return fmt.Errorf("radio: traceroute to %s: %w", destination, ErrUnsupported)
}

func (t *MQTTTransport) publish(ctx context.Context, msg downlink) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("radio: encode downlink: %w", err)
	}
	if err := t.pub.Publish(ctx, t.topic, payload); err != nil {
		if errors.Is(err, mqtt.ErrNotConnected) {
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		return fmt.Errorf("radio: publish: %w", err)
	}
	t.logger.Info("downlink published",
		slog.String("to", decode.FormatNodeID(msg.To)),
		slog.Int("channel", msg.Channel),
		slog.Int("bytes", len(msg.Payload)),
	)
	return nil
}
