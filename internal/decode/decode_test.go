package decode_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aminovpavel/meshbridge-go/internal/decode"
	"github.com/aminovpavel/meshbridge-go/internal/mqtt"
	"github.com/aminovpavel/meshbridge-go/internal/testutil"
)

func TestParseNodeID(t *testing.T) {
	tests := []struct {
		in   string
		want uint32
		ok   bool
	}{
		{"!aabbccdd", 0xaabbccdd, true},
		{"^all", decode.BroadcastNum, true},
		{"0x10", 16, true},
		{"42", 42, true},
		{"", 0, false},
		{"!zz", 0, false},
		{"bogus", 0, false},
	}
	for _, tt := range tests {
		got, ok := decode.ParseNodeID(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNormalizeNodeID(t *testing.T) {
	assert.Equal(t, "!00000001", decode.NormalizeNodeID(uint64(1)))
	assert.Equal(t, "!aabbccdd", decode.NormalizeNodeID("2864434397"))
	assert.Equal(t, "^all", decode.NormalizeNodeID("^all"))
	assert.Equal(t, "", decode.NormalizeNodeID(int64(-1)))
	assert.Equal(t, "", decode.NormalizeNodeID(nil))

	assert.True(t, decode.IsBroadcast(""))
	assert.True(t, decode.IsBroadcast("!ffffffff"))
	assert.False(t, decode.IsBroadcast("!aabbccdd"))
}

func TestHopsUsed(t *testing.T) {
	h := decode.Header{HopStart: testutil.Int64(3), HopLimit: testutil.Int64(1)}
	hops, ok := h.HopsUsed()
	assert.True(t, ok)
	assert.EqualValues(t, 2, hops)

	h = decode.Header{HopStart: testutil.Int64(2), HopLimit: testutil.Int64(5)}
	hops, ok = h.HopsUsed()
	assert.True(t, ok)
	assert.EqualValues(t, -3, hops)

	_, ok = decode.Header{HopStart: testutil.Int64(0), HopLimit: testutil.Int64(0)}.HopsUsed()
	assert.False(t, ok)
}

func TestNormalizeToleratesBadInput(t *testing.T) {
	pkt := decode.Normalize(nil, "")
	assert.Equal(t, decode.KindUnknown, pkt.Kind)
	assert.Equal(t, "UNKNOWN", pkt.PortName)

	pkt = decode.Normalize(map[string]any{
		"fromId": "!aabbccdd",
		"rxSnr":  "loud",
		"decoded": map[string]any{
			"portnum": "TEXT_MESSAGE_APP",
			"text":    "hi",
		},
	}, "")
	assert.Equal(t, decode.KindText, pkt.Kind)
	require.NotNil(t, pkt.Text)
	assert.Equal(t, "hi", pkt.Text.Text)
	assert.Nil(t, pkt.Header.RxSnr)
	assert.Contains(t, pkt.ParseError, "rxSnr")

	pkt = decode.Normalize(map[string]any{"decoded": map[string]any{}}, "made_up_app")
	assert.Equal(t, decode.KindUnknown, pkt.Kind)
	assert.Equal(t, "made_up_app", pkt.PortName)
}

func TestNormalizeTopLevelText(t *testing.T) {
	pkt := decode.Normalize(map[string]any{
		"from":      "!aabbccdd",
		"text":      "hello",
		"hop_start": 3,
		"hop_limit": 1,
	}, string(decode.KindText))
	require.NotNil(t, pkt.Text)
	assert.Equal(t, "hello", pkt.Text.Text)
	assert.Equal(t, "!aabbccdd", pkt.Header.FromID)
	hops, ok := pkt.Header.HopsUsed()
	assert.True(t, ok)
	assert.EqualValues(t, 2, hops)
}

func TestNormalizeTelemetrySubtypes(t *testing.T) {
	tests := []struct {
		group string
		want  string
	}{
		{"deviceMetrics", decode.TelemetryDevice},
		{"environmentMetrics", decode.TelemetryEnvironment},
		{"powerMetrics", decode.TelemetryPower},
		{"airQualityMetrics", decode.TelemetryAirQuality},
		{"localStats", decode.TelemetryLocalStats},
		{"healthMetrics", decode.TelemetryHealth},
		{"somethingElse", decode.TelemetryUnknown},
	}
	for _, tt := range tests {
		pkt := decode.Normalize(map[string]any{
			"decoded": map[string]any{
				"telemetry": map[string]any{tt.group: map[string]any{"x": 1}},
			},
		}, string(decode.KindTelemetry))
		require.NotNil(t, pkt.Telemetry, tt.group)
		assert.Equal(t, tt.want, pkt.Telemetry.Type, tt.group)
	}
}

func TestServiceEnvelopeText(t *testing.T) {
	payload := testutil.BuildServiceEnvelope("LongFast", "!0000beef", testutil.MeshPacket{
		From:     0xaabbccdd,
		To:       decode.BroadcastNum,
		ID:       77,
		HopLimit: 2,
		HopStart: 3,
		RxSnr:    6.25,
		RxRssi:   -95,
	}, testutil.TextData("hello mesh"))

	raw, port, err := decode.FromServiceEnvelope(payload)
	require.NoError(t, err)
	assert.Equal(t, string(decode.KindText), port)
	assert.Equal(t, "LongFast", raw["channelId"])
	assert.Equal(t, "!0000beef", raw["gatewayId"])

	pkt := decode.Normalize(raw, port)
	require.NotNil(t, pkt.Text)
	assert.Equal(t, "hello mesh", pkt.Text.Text)
	assert.Equal(t, "!aabbccdd", pkt.Header.FromID)
	assert.Equal(t, "!ffffffff", pkt.Header.ToID)
	require.NotNil(t, pkt.Header.RxRssi)
	assert.EqualValues(t, -95, *pkt.Header.RxRssi)
	require.NotNil(t, pkt.Header.RxSnr)
	assert.InDelta(t, 6.25, *pkt.Header.RxSnr, 1e-6)
	hops, ok := pkt.Header.HopsUsed()
	assert.True(t, ok)
	assert.EqualValues(t, 1, hops)
	assert.Empty(t, pkt.ParseError)
}

func TestServiceEnvelopePorts(t *testing.T) {
	header := testutil.MeshPacket{From: 0x11223344, To: decode.BroadcastNum, HopLimit: 3}

	t.Run("position", func(t *testing.T) {
		raw, port, err := decode.FromServiceEnvelope(testutil.BuildServiceEnvelope("LongFast", "!gw", header,
			testutil.PositionData(302670000, -977430000, 150)))
		require.NoError(t, err)
		pkt := decode.Normalize(raw, port)
		require.NotNil(t, pkt.Position)
		assert.InDelta(t, 30.267, *pkt.Position.Latitude, 1e-6)
		assert.InDelta(t, -97.743, *pkt.Position.Longitude, 1e-6)
		assert.EqualValues(t, 150, *pkt.Position.Altitude)
	})

	t.Run("nodeinfo", func(t *testing.T) {
		raw, port, err := decode.FromServiceEnvelope(testutil.BuildServiceEnvelope("LongFast", "!gw", header,
			testutil.NodeInfoData("!11223344", "Hilltop Relay", "HILL", 43)))
		require.NoError(t, err)
		pkt := decode.Normalize(raw, port)
		require.NotNil(t, pkt.Node)
		assert.Equal(t, "!11223344", pkt.Node.NodeID)
		assert.Equal(t, "Hilltop Relay", pkt.Node.LongName)
		assert.Equal(t, "HILL", pkt.Node.ShortName)
		assert.Equal(t, "aabbccddeeff", pkt.Node.MacAddress)
		assert.EqualValues(t, 43, *pkt.Node.HWModelID)
	})

	t.Run("telemetry", func(t *testing.T) {
		raw, port, err := decode.FromServiceEnvelope(testutil.BuildServiceEnvelope("LongFast", "!gw", header,
			testutil.DeviceTelemetryData(87, 4.1, 12.5)))
		require.NoError(t, err)
		pkt := decode.Normalize(raw, port)
		require.NotNil(t, pkt.Telemetry)
		assert.Equal(t, decode.TelemetryDevice, pkt.Telemetry.Type)
		assert.EqualValues(t, 87, *pkt.Telemetry.BatteryLevel)
		assert.InDelta(t, 4.1, *pkt.Telemetry.Voltage, 1e-5)
		assert.InDelta(t, 12.5, *pkt.Telemetry.ChannelUtilization, 1e-6)
	})

	t.Run("traceroute", func(t *testing.T) {
		raw, port, err := decode.FromServiceEnvelope(testutil.BuildServiceEnvelope("LongFast", "!gw", header,
			testutil.RouteDiscoveryData([]uint32{0xaabbccdd, 0x01020304}, []int32{24, -8})))
		require.NoError(t, err)
		pkt := decode.Normalize(raw, port)
		require.NotNil(t, pkt.Traceroute)
		assert.Equal(t, []string{"!aabbccdd", "!01020304"}, pkt.Traceroute.Route)
		assert.Equal(t, []int64{24, -8}, pkt.Traceroute.SNRTowards)
	})

	t.Run("encrypted", func(t *testing.T) {
		raw, port, err := decode.FromServiceEnvelope(testutil.BuildServiceEnvelope("LongFast", "!gw", header, nil))
		require.NoError(t, err)
		assert.Equal(t, string(decode.KindUnknown), port)
		decoded := raw["decoded"].(map[string]any)
		assert.Equal(t, 16, decoded["encryptedBytes"])
	})
}

func TestServiceEnvelopeRejectsGarbage(t *testing.T) {
	_, _, err := decode.FromServiceEnvelope([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)

	_, _, err = decode.FromServiceEnvelope(nil)
	assert.ErrorIs(t, err, decode.ErrSkip)
}

func TestJSONUplink(t *testing.T) {
	raw, port, err := decode.FromJSONUplink([]byte(`{
		"from": 2864434397, "to": 4294967295, "id": 9, "channel": 0,
		"type": "text", "payload": {"text": "anyone on?"},
		"hop_start": 3, "hops_away": 1, "sender": "!0000beef",
		"snr": 5.5, "rssi": -101, "timestamp": 1700000000
	}`))
	require.NoError(t, err)
	assert.Equal(t, string(decode.KindText), port)
	assert.Equal(t, "!0000beef", raw["gatewayId"])

	pkt := decode.Normalize(raw, port)
	require.NotNil(t, pkt.Text)
	assert.Equal(t, "anyone on?", pkt.Text.Text)
	assert.Equal(t, "!aabbccdd", pkt.Header.FromID)
	hops, ok := pkt.Header.HopsUsed()
	assert.True(t, ok)
	assert.EqualValues(t, 1, hops)
	assert.EqualValues(t, 1700000000, *pkt.Header.RxTime)

	raw, port, err = decode.FromJSONUplink([]byte(`{"from": 1, "type": "telemetry", "payload": {"battery_level": 88, "voltage": 4.02}}`))
	require.NoError(t, err)
	pkt = decode.Normalize(raw, port)
	require.NotNil(t, pkt.Telemetry)
	assert.Equal(t, decode.TelemetryDevice, pkt.Telemetry.Type)
	assert.EqualValues(t, 88, *pkt.Telemetry.BatteryLevel)

	_, _, err = decode.FromJSONUplink([]byte(`{"from": 1, "type": "sendtext", "payload": "x"}`))
	assert.ErrorIs(t, err, decode.ErrSkip)
	_, _, err = decode.FromJSONUplink([]byte(`{"type": "text", "payload": "x"}`))
	assert.ErrorIs(t, err, decode.ErrSkip)
	_, _, err = decode.FromJSONUplink([]byte(`{not json`))
	assert.Error(t, err)
}

func TestMeshtasticDecoderTopics(t *testing.T) {
	ctx := context.Background()
	dec := decode.NewMeshtasticDecoder()
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	env, err := dec.Decode(ctx, mqtt.Message{
		Topic:   "msh/US/2/json/LongFast/!0000beef",
		Payload: []byte(`{"from": 2864434397, "to": 4294967295, "type": "text", "payload": "hi"}`),
		Time:    at,
	})
	require.NoError(t, err)
	assert.Equal(t, "LongFast", env.ChannelID)
	assert.Equal(t, string(decode.KindText), env.PortName)
	pkt := env.Packet()
	assert.Equal(t, at, pkt.ReceivedAt)
	require.NotNil(t, pkt.Text)
	assert.Equal(t, "hi", pkt.Text.Text)

	env, err = dec.Decode(ctx, mqtt.Message{
		Topic: "msh/US/2/e/MediumSlow/!0000beef",
		Payload: testutil.BuildServiceEnvelope("MediumSlow", "!0000beef",
			testutil.MeshPacket{From: 0xaabbccdd, To: decode.BroadcastNum, HopLimit: 3},
			testutil.TextData("over protobuf")),
	})
	require.NoError(t, err)
	assert.Equal(t, "MediumSlow", env.ChannelID)
	assert.Equal(t, "!0000beef", env.GatewayID)
	assert.Equal(t, "over protobuf", env.Packet().Text.Text)

	_, err = dec.Decode(ctx, mqtt.Message{Topic: "msh/US/2/stat/!0000beef", Payload: []byte("online")})
	assert.True(t, errors.Is(err, decode.ErrSkip))

	_, err = dec.Decode(ctx, mqtt.Message{Topic: "msh/US/2/e/LongFast/!0000beef"})
	assert.True(t, errors.Is(err, decode.ErrSkip))
}
