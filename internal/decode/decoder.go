package decode

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/aminovpavel/meshbridge-go/internal/mqtt"
)

// Envelope is one MQTT message converted into the decoded packet map shape.
type Envelope struct {
	Topic      string
	GatewayID  string
	ChannelID  string
	Raw        map[string]any
	PortName   string
	ReceivedAt time.Time
}

// Packet normalizes the envelope contents.
func (e Envelope) Packet() Packet {
	pkt := Normalize(e.Raw, e.PortName)
	if !e.ReceivedAt.IsZero() {
		pkt.ReceivedAt = e.ReceivedAt.UTC()
	}
	return pkt
}

// Decoder converts MQTT messages into envelopes.
type Decoder interface {
	Decode(ctx context.Context, msg mqtt.Message) (Envelope, error)
}

// MeshtasticDecoder understands both the JSON (".../json/...") and protobuf
// (".../e/..." or ".../c/...") gateway topics.
type MeshtasticDecoder struct{}

// NewMeshtasticDecoder constructs a decoder.
func NewMeshtasticDecoder() MeshtasticDecoder {
	return MeshtasticDecoder{}
}

// Decode picks the uplink format from the topic and falls back to sniffing
// the payload. Messages that are not packets return ErrSkip.
func (MeshtasticDecoder) Decode(_ context.Context, msg mqtt.Message) (Envelope, error) {
	env := Envelope{Topic: msg.Topic, ReceivedAt: msg.Time}
	if len(msg.Payload) == 0 {
		return env, ErrSkip
	}

	var (
		raw  map[string]any
		port string
		err  error
	)
	switch messageFormat(msg.Topic, msg.Payload) {
	case "json":
		raw, port, err = FromJSONUplink(msg.Payload)
	case "stat", "map":
		return env, ErrSkip
	default:
		raw, port, err = FromServiceEnvelope(msg.Payload)
	}
	if err != nil {
		return env, err
	}

	env.Raw = raw
	env.PortName = port
	env.GatewayID, _ = raw["gatewayId"].(string)
	env.ChannelID, _ = raw["channelId"].(string)
	if env.ChannelID == "" {
		env.ChannelID = channelFromTopic(msg.Topic)
	}
	return env, nil
}

// messageFormat returns the topic segment naming the payload encoding,
// e.g. "msh/US/2/json/LongFast/!abcd" -> "json".
func messageFormat(topic string, payload []byte) string {
	parts := strings.Split(topic, "/")
	for i, part := range parts {
		if part == "2" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	if bytes.HasPrefix(bytes.TrimSpace(payload), []byte("{")) {
		return "json"
	}
	return "e"
}

func channelFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for i, part := range parts {
		if part == "2" && i+2 < len(parts) {
			return parts[i+2]
		}
	}
	return ""
}
