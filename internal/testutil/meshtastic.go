package testutil

import (
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aminovpavel/meshbridge-go/internal/decode"
)

// Meshtastic port numbers used by the builders.
const (
	PortText       = 1
	PortPosition   = 3
	PortNodeInfo   = 4
	PortTelemetry  = 67
	PortTraceroute = 70
)

// BytesRepeating creates a slice filled with a repeated byte.
func BytesRepeating(b byte, count int) []byte {
	buf := make([]byte, count)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

// MeshPacket holds the header fields of a protobuf MeshPacket.
type MeshPacket struct {
	From     uint32
	To       uint32
	ID       uint32
	Channel  uint32
	HopLimit uint32
	HopStart uint32
	RxTime   uint32
	RxSnr    float32
	RxRssi   int32
	ViaMQTT  bool
}

// BuildServiceEnvelope wire-encodes a ServiceEnvelope wrapping pkt with the
// given Data payload. A nil data produces an encrypted packet.
func BuildServiceEnvelope(channelID, gatewayID string, pkt MeshPacket, data []byte) []byte {
	var mp []byte
	mp = appendVarint(mp, 1, uint64(pkt.From))
	mp = appendVarint(mp, 2, uint64(pkt.To))
	if pkt.Channel != 0 {
		mp = appendVarint(mp, 3, uint64(pkt.Channel))
	}
	if data != nil {
		mp = appendBytes(mp, 4, data)
	} else {
		mp = appendBytes(mp, 5, BytesRepeating(0xAB, 16))
	}
	if pkt.ID != 0 {
		mp = appendVarint(mp, 6, uint64(pkt.ID))
	}
	if pkt.RxTime != 0 {
		mp = protowire.AppendTag(mp, 7, protowire.Fixed32Type)
		mp = protowire.AppendFixed32(mp, pkt.RxTime)
	}
	if pkt.RxSnr != 0 {
		mp = protowire.AppendTag(mp, 8, protowire.Fixed32Type)
		mp = protowire.AppendFixed32(mp, math.Float32bits(pkt.RxSnr))
	}
	mp = appendVarint(mp, 9, uint64(pkt.HopLimit))
	if pkt.RxRssi != 0 {
		mp = appendVarint(mp, 12, uint64(int64(pkt.RxRssi)))
	}
	if pkt.ViaMQTT {
		mp = appendVarint(mp, 14, 1)
	}
	if pkt.HopStart != 0 {
		mp = appendVarint(mp, 15, uint64(pkt.HopStart))
	}

	var env []byte
	env = appendBytes(env, 1, mp)
	env = appendBytes(env, 2, []byte(channelID))
	env = appendBytes(env, 3, []byte(gatewayID))
	return env
}

// BuildData wire-encodes a Data message.
func BuildData(port uint64, payload []byte) []byte {
	var b []byte
	b = appendVarint(b, 1, port)
	return appendBytes(b, 2, payload)
}

// TextData is a TEXT_MESSAGE_APP Data payload.
func TextData(text string) []byte {
	return BuildData(PortText, []byte(text))
}

// PositionData is a POSITION_APP Data payload with fixed-point coordinates.
func PositionData(latitudeI, longitudeI, altitude int32) []byte {
	var pos []byte
	pos = protowire.AppendTag(pos, 1, protowire.Fixed32Type)
	pos = protowire.AppendFixed32(pos, uint32(latitudeI))
	pos = protowire.AppendTag(pos, 2, protowire.Fixed32Type)
	pos = protowire.AppendFixed32(pos, uint32(longitudeI))
	pos = appendVarint(pos, 3, uint64(int64(altitude)))
	return BuildData(PortPosition, pos)
}

// NodeInfoData is a NODEINFO_APP Data payload.
func NodeInfoData(id, longName, shortName string, hwModel uint64) []byte {
	var user []byte
	user = appendBytes(user, 1, []byte(id))
	user = appendBytes(user, 2, []byte(longName))
	user = appendBytes(user, 3, []byte(shortName))
	user = appendBytes(user, 4, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF})
	user = appendVarint(user, 5, hwModel)
	return BuildData(PortNodeInfo, user)
}

// DeviceTelemetryData is a TELEMETRY_APP Data payload with device metrics.
func DeviceTelemetryData(battery uint32, voltage, channelUtil float32) []byte {
	var dm []byte
	dm = appendVarint(dm, 1, uint64(battery))
	dm = protowire.AppendTag(dm, 2, protowire.Fixed32Type)
	dm = protowire.AppendFixed32(dm, math.Float32bits(voltage))
	dm = protowire.AppendTag(dm, 3, protowire.Fixed32Type)
	dm = protowire.AppendFixed32(dm, math.Float32bits(channelUtil))
	var tele []byte
	tele = appendBytes(tele, 2, dm)
	return BuildData(PortTelemetry, tele)
}

// RouteDiscoveryData is a TRACEROUTE_APP Data payload with packed repeated
// fields.
func RouteDiscoveryData(route []uint32, snrTowards []int32) []byte {
	var packedRoute, packedSNR []byte
	for _, hop := range route {
		packedRoute = protowire.AppendFixed32(packedRoute, hop)
	}
	for _, snr := range snrTowards {
		packedSNR = protowire.AppendVarint(packedSNR, uint64(int64(snr)))
	}
	var rd []byte
	rd = appendBytes(rd, 1, packedRoute)
	rd = appendBytes(rd, 2, packedSNR)
	return BuildData(PortTraceroute, rd)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// normalized runs raw through the normalizer and stamps the receive time.
func normalized(raw map[string]any, port decode.Kind, at time.Time) decode.Packet {
	pkt := decode.Normalize(raw, string(port))
	if !at.IsZero() {
		pkt.ReceivedAt = at.UTC()
	}
	return pkt
}

// TextPacket is a received text message. A zero hopStart omits hop data.
func TextPacket(from, to, text string, hopStart, hopLimit int64, at time.Time) decode.Packet {
	raw := map[string]any{
		"fromId":  from,
		"toId":    to,
		"id":      int64(at.UnixNano() & 0x7fffffff),
		"rxSnr":   6.25,
		"rxRssi":  int64(-95),
		"decoded": map[string]any{"portnum": string(decode.KindText), "text": text},
	}
	if hopStart > 0 {
		raw["hopStart"] = hopStart
		raw["hopLimit"] = hopLimit
	}
	return normalized(raw, decode.KindText, at)
}

// PositionPacket is a position fix in float degrees.
func PositionPacket(from string, lat, lon float64, at time.Time) decode.Packet {
	return normalized(map[string]any{
		"fromId": from,
		"toId":   decode.BroadcastAlias,
		"decoded": map[string]any{
			"portnum":  string(decode.KindPosition),
			"position": map[string]any{"latitude": lat, "longitude": lon, "altitude": int64(120)},
		},
	}, decode.KindPosition, at)
}

// DeviceTelemetryPacket carries device metrics.
func DeviceTelemetryPacket(from string, battery int64, channelUtil float64, at time.Time) decode.Packet {
	return normalized(map[string]any{
		"fromId": from,
		"toId":   decode.BroadcastAlias,
		"decoded": map[string]any{
			"portnum": string(decode.KindTelemetry),
			"telemetry": map[string]any{
				"deviceMetrics": map[string]any{
					"batteryLevel":       battery,
					"voltage":            3.9,
					"channelUtilization": channelUtil,
					"airUtilTx":          1.5,
				},
			},
		},
	}, decode.KindTelemetry, at)
}

// TraceroutePacket is a route discovery with SNR in quarter dB.
func TraceroutePacket(from, to string, route []string, snrTowards []int64, at time.Time) decode.Packet {
	hops := make([]any, 0, len(route))
	for _, hop := range route {
		hops = append(hops, hop)
	}
	snr := make([]any, 0, len(snrTowards))
	for _, v := range snrTowards {
		snr = append(snr, v)
	}
	return normalized(map[string]any{
		"fromId": from,
		"toId":   to,
		"decoded": map[string]any{
			"portnum":    string(decode.KindTraceroute),
			"traceroute": map[string]any{"route": hops, "snrTowards": snr},
		},
	}, decode.KindTraceroute, at)
}

// NodeInfo builds a node descriptor.
func NodeInfo(id, longName, shortName string, hopsAway *int64) decode.NodeInfo {
	return decode.NodeInfo{
		NodeID:    id,
		LongName:  longName,
		ShortName: shortName,
		HWModel:   "HELTEC_V3",
		HopsAway:  hopsAway,
		LastHeard: Int64(time.Now().Unix()),
	}
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }
