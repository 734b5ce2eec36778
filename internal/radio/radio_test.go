package radio_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminovpavel/meshbridge-go/internal/mqtt"
	"github.com/aminovpavel/meshbridge-go/internal/radio"
)

func TestFitPayloadShortTextUnchanged(t *testing.T) {
	assert.Equal(t, "Signal looks good.", radio.FitPayload("Signal looks good.", 0, 0))
}

func TestFitPayloadBacksOffToWordBoundary(t *testing.T) {
	text := strings.Repeat("word ", 60)
	got := radio.FitPayload(text, 200, 220)

	assert.LessOrEqual(t, len(got), 200)
	assert.True(t, strings.HasSuffix(got, "word..."), "cut lands after a whole word: %q", got)
}

func TestFitPayloadKeepsRunesIntact(t *testing.T) {
	text := strings.Repeat("📡", 80)
	got := radio.FitPayload(text, 200, 220)

	require.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), 200)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestFitPayloadHardLimit(t *testing.T) {
	text := strings.Repeat("x", 300)
	got := radio.FitPayload(text, 400, 220)
	assert.Len(t, got, 220)
	assert.True(t, strings.HasSuffix(got, "..."))
}

type recordingPublisher struct {
	topic    string
	payloads [][]byte
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *recordingPublisher) last(t *testing.T) map[string]any {
	t.Helper()
	require.NotEmpty(t, p.payloads)
	var out map[string]any
	require.NoError(t, json.Unmarshal(p.payloads[len(p.payloads)-1], &out))
	return out
}

func newTransport(t *testing.T, pub radio.Publisher) *radio.MQTTTransport {
	t.Helper()
	tr, err := radio.NewMQTTTransport(pub, radio.MQTTConfig{
		DownlinkTopic: "msh/US/2/json/mqtt/",
		GatewayNodeID: "!0000beef",
	})
	require.NoError(t, err)
	return tr
}

func TestMQTTTransportSendText(t *testing.T) {
	pub := &recordingPublisher{}
	tr := newTransport(t, pub)

	require.NoError(t, tr.SendText(context.Background(), "hello mesh", "^all", 2))
	assert.Equal(t, "msh/US/2/json/mqtt/", pub.topic)

	msg := pub.last(t)
	assert.EqualValues(t, 0xbeef, msg["from"])
	assert.EqualValues(t, 0xffffffff, msg["to"])
	assert.EqualValues(t, 2, msg["channel"])
	assert.Equal(t, "sendtext", msg["type"])
	assert.Equal(t, "hello mesh", msg["payload"])
	assert.Equal(t, "!0000beef", tr.GatewayID())
}

func TestMQTTTransportSendDM(t *testing.T) {
	pub := &recordingPublisher{}
	tr := newTransport(t, pub)

	require.NoError(t, tr.SendDM(context.Background(), "hi", "!aabbccdd"))
	msg := pub.last(t)
	assert.EqualValues(t, 0xaabbccdd, msg["to"])
	assert.EqualValues(t, 0, msg["channel"])

	assert.Error(t, tr.SendDM(context.Background(), "hi", "^all"))
}

func TestMQTTTransportCapsLinkPayload(t *testing.T) {
	pub := &recordingPublisher{}
	tr := newTransport(t, pub)

	require.NoError(t, tr.SendText(context.Background(), strings.Repeat("y", 400), "", 0))
	assert.Len(t, pub.last(t)["payload"], radio.LinkMaxBytes)
}

func TestMQTTTransportErrors(t *testing.T) {
	tr := newTransport(t, &recordingPublisher{err: mqtt.ErrNotConnected})
	err := tr.SendText(context.Background(), "x", "^all", 0)
	assert.ErrorIs(t, err, radio.ErrNotConnected)

	err = tr.SendTraceroute(context.Background(), "!aabbccdd", 3)
	assert.ErrorIs(t, err, radio.ErrUnsupported)

	err = newTransport(t, &recordingPublisher{}).SendText(context.Background(), "x", "not-a-node", 0)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, radio.ErrNotConnected))

	_, err = radio.NewMQTTTransport(&recordingPublisher{}, radio.MQTTConfig{DownlinkTopic: "t"})
	assert.Error(t, err, "gateway id is required")
}
