package decode

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrSkip marks MQTT messages that carry no packet worth normalizing.
var ErrSkip = errors.New("decode: not a mesh packet")

// portNames mirrors the Meshtastic PortNum enum for the ports we persist.
var portNames = map[uint64]Kind{
	1:  KindText,
	3:  KindPosition,
	4:  KindNodeInfo,
	5:  KindRouting,
	8:  KindWaypoint,
	10: KindDetection,
	34: KindPaxcounter,
	65: KindStoreForward,
	66: KindRangeTest,
	67: KindTelemetry,
	70: KindTraceroute,
	71: KindNeighborInfo,
	73: KindMapReport,
}

type wireField struct {
	num protowire.Number
	typ protowire.Type
	u64 uint64
	buf []byte
}

func (w wireField) float32() float64 {
	return float64(math.Float32frombits(uint32(w.u64)))
}

func (w wireField) int32() int64 {
	return int64(int32(w.u64))
}

func parseWire(b []byte) ([]wireField, error) {
	var out []wireField
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return out, protowire.ParseError(n)
		}
		b = b[n:]

		f := wireField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u64, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u64 = uint64(v)
		case protowire.Fixed64Type:
			f.u64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.buf, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return out, protowire.ParseError(n)
		}
		b = b[n:]
		out = append(out, f)
	}
	return out, nil
}

// FromServiceEnvelope decodes a protobuf ServiceEnvelope published by an MQTT
// gateway into the decoded packet map shape consumed by Normalize. Encrypted
// packets are returned with an UNKNOWN port and the ciphertext length only.
func FromServiceEnvelope(payload []byte) (map[string]any, string, error) {
	env, err := parseWire(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode: service envelope: %w", err)
	}

	var packet []byte
	raw := map[string]any{}
	for _, f := range env {
		switch f.num {
		case 1:
			packet = f.buf
		case 2:
			raw["channelId"] = string(f.buf)
		case 3:
			raw["gatewayId"] = string(f.buf)
		}
	}
	if packet == nil {
		return nil, "", ErrSkip
	}

	fields, err := parseWire(packet)
	if err != nil {
		return nil, "", fmt.Errorf("decode: mesh packet: %w", err)
	}

	port := KindUnknown
	decoded := map[string]any{}
	for _, f := range fields {
		switch f.num {
		case 1:
			raw["from"] = f.u64
			raw["fromId"] = FormatNodeID(uint32(f.u64))
		case 2:
			raw["to"] = f.u64
			raw["toId"] = FormatNodeID(uint32(f.u64))
		case 3:
			raw["channel"] = f.u64
		case 4:
			port = decodeData(f.buf, decoded)
		case 5:
			decoded["encryptedBytes"] = len(f.buf)
		case 6:
			raw["id"] = f.u64
		case 7:
			raw["rxTime"] = f.u64
		case 8:
			raw["rxSnr"] = f.float32()
		case 9:
			raw["hopLimit"] = f.u64
		case 10:
			raw["wantAck"] = f.u64 != 0
		case 11:
			raw["priority"] = f.u64
		case 12:
			raw["rxRssi"] = f.int32()
		case 14:
			raw["viaMqtt"] = f.u64 != 0
		case 15:
			raw["hopStart"] = f.u64
		}
	}
	if raw["from"] == nil {
		return nil, "", ErrSkip
	}

	decoded["portnum"] = string(port)
	raw["decoded"] = decoded
	return raw, string(port), nil
}

func decodeData(b []byte, decoded map[string]any) Kind {
	fields, err := parseWire(b)
	if err != nil {
		return KindUnknown
	}
	var (
		portNum uint64
		payload []byte
	)
	for _, f := range fields {
		switch f.num {
		case 1:
			portNum = f.u64
		case 2:
			payload = f.buf
		}
	}

	port, ok := portNames[portNum]
	if !ok {
		return KindUnknown
	}

	switch port {
	case KindText, KindRangeTest, KindDetection:
		if utf8.Valid(payload) {
			decoded["text"] = string(payload)
		}
	case KindPosition:
		decoded["position"] = decodePosition(payload)
	case KindNodeInfo:
		decoded["user"] = decodeUser(payload)
	case KindTelemetry:
		decoded["telemetry"] = decodeTelemetry(payload)
	case KindNeighborInfo:
		decoded["neighborinfo"] = decodeNeighborInfo(payload)
	case KindTraceroute:
		decoded["traceroute"] = decodeRouteDiscovery(payload)
	case KindWaypoint:
		decoded["waypoint"] = decodeWaypoint(payload)
	case KindPaxcounter:
		decoded["paxcounter"] = decodeFlatVarints(payload, map[protowire.Number]string{1: "wifi", 2: "ble", 3: "uptime"})
	default:
		decoded["payload"] = payload
	}
	return port
}

func decodePosition(b []byte) map[string]any {
	out := map[string]any{}
	fields, _ := parseWire(b)
	for _, f := range fields {
		switch f.num {
		case 1:
			out["latitudeI"] = f.int32()
		case 2:
			out["longitudeI"] = f.int32()
		case 3:
			out["altitude"] = f.int32()
		case 4:
			out["time"] = f.u64
		case 11:
			out["PDOP"] = f.u64
		case 12:
			out["HDOP"] = f.u64
		case 13:
			out["VDOP"] = f.u64
		case 14:
			out["gpsAccuracy"] = f.u64
		case 15:
			out["groundSpeed"] = f.u64
		case 16:
			out["groundTrack"] = f.u64
		case 17:
			out["fixQuality"] = f.u64
		case 18:
			out["fixType"] = f.u64
		case 19:
			out["satsInView"] = f.u64
		case 23:
			out["precisionBits"] = f.u64
		}
	}
	return out
}

func decodeUser(b []byte) map[string]any {
	out := map[string]any{}
	fields, _ := parseWire(b)
	for _, f := range fields {
		switch f.num {
		case 1:
			out["id"] = string(f.buf)
		case 2:
			out["longName"] = string(f.buf)
		case 3:
			out["shortName"] = string(f.buf)
		case 4:
			out["macaddr"] = append([]byte(nil), f.buf...)
		case 5:
			out["hwModelId"] = f.u64
		case 6:
			out["isLicensed"] = f.u64 != 0
		case 7:
			out["role"] = f.u64
		}
	}
	return out
}

func decodeTelemetry(b []byte) map[string]any {
	out := map[string]any{}
	fields, _ := parseWire(b)
	for _, f := range fields {
		switch f.num {
		case 1:
			out["time"] = f.u64
		case 2:
			out["deviceMetrics"] = decodeMetrics(f.buf, map[protowire.Number]string{
				1: "batteryLevel", 2: "voltage", 3: "channelUtilization", 4: "airUtilTx", 5: "uptimeSeconds",
			})
		case 3:
			out["environmentMetrics"] = decodeMetrics(f.buf, map[protowire.Number]string{
				1: "temperature", 2: "relativeHumidity", 3: "barometricPressure", 4: "gasResistance", 8: "iaq",
			})
		case 4:
			out["airQualityMetrics"] = decodeMetrics(f.buf, map[protowire.Number]string{
				1: "pm10Standard", 2: "pm25Standard", 3: "pm100Standard",
			})
		case 5:
			out["powerMetrics"] = decodeMetrics(f.buf, map[protowire.Number]string{
				1: "ch1Voltage", 2: "ch1Current", 3: "ch2Voltage", 4: "ch2Current",
			})
		case 6:
			out["localStats"] = decodeMetrics(f.buf, map[protowire.Number]string{
				1: "uptimeSeconds", 2: "channelUtilization", 3: "airUtilTx", 4: "numPacketsTx", 5: "numPacketsRx",
			})
		case 7:
			out["healthMetrics"] = decodeMetrics(f.buf, map[protowire.Number]string{1: "heartBpm", 2: "spO2", 3: "temperature"})
		}
	}
	return out
}

// decodeMetrics reads float (fixed32) and integer (varint) metric fields.
func decodeMetrics(b []byte, names map[protowire.Number]string) map[string]any {
	out := map[string]any{}
	fields, _ := parseWire(b)
	for _, f := range fields {
		name, ok := names[f.num]
		if !ok {
			continue
		}
		if f.typ == protowire.Fixed32Type {
			out[name] = f.float32()
		} else {
			out[name] = f.u64
		}
	}
	return out
}

func decodeNeighborInfo(b []byte) map[string]any {
	out := map[string]any{}
	var neighbors []any
	fields, _ := parseWire(b)
	for _, f := range fields {
		switch f.num {
		case 1:
			out["nodeId"] = f.u64
		case 3:
			out["nodeBroadcastIntervalSecs"] = f.u64
		case 4:
			n := map[string]any{}
			sub, _ := parseWire(f.buf)
			for _, nf := range sub {
				switch nf.num {
				case 1:
					n["nodeId"] = nf.u64
				case 2:
					n["snr"] = nf.float32()
				case 3:
					n["lastRxTime"] = nf.u64
				case 4:
					n["nodeBroadcastIntervalSecs"] = nf.u64
				}
			}
			neighbors = append(neighbors, n)
		}
	}
	out["neighbors"] = neighbors
	return out
}

func decodeRouteDiscovery(b []byte) map[string]any {
	var route, snrTowards, snrBack []any
	fields, _ := parseWire(b)
	for _, f := range fields {
		switch f.num {
		case 1:
			route = append(route, repeatedFixed32(f)...)
		case 2:
			snrTowards = append(snrTowards, repeatedInt32(f)...)
		case 4:
			snrBack = append(snrBack, repeatedInt32(f)...)
		}
	}
	return map[string]any{"route": route, "snrTowards": snrTowards, "snrBack": snrBack}
}

func repeatedFixed32(f wireField) []any {
	if f.typ == protowire.Fixed32Type {
		return []any{f.u64}
	}
	var out []any
	b := f.buf
	for len(b) >= 4 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			break
		}
		out = append(out, uint64(v))
		b = b[n:]
	}
	return out
}

func repeatedInt32(f wireField) []any {
	if f.typ == protowire.VarintType {
		return []any{f.int32()}
	}
	var out []any
	b := f.buf
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			break
		}
		out = append(out, int64(int32(v)))
		b = b[n:]
	}
	return out
}

func decodeWaypoint(b []byte) map[string]any {
	out := map[string]any{}
	fields, _ := parseWire(b)
	for _, f := range fields {
		switch f.num {
		case 1:
			out["id"] = f.u64
		case 2:
			out["latitudeI"] = f.int32()
		case 3:
			out["longitudeI"] = f.int32()
		case 4:
			out["expire"] = f.u64
		case 5:
			out["locked"] = f.u64 != 0
		case 6:
			out["name"] = string(f.buf)
		case 7:
			out["description"] = string(f.buf)
		case 8:
			out["icon"] = f.u64
		}
	}
	return out
}

func decodeFlatVarints(b []byte, names map[protowire.Number]string) map[string]any {
	out := map[string]any{}
	fields, _ := parseWire(b)
	for _, f := range fields {
		if name, ok := names[f.num]; ok {
			out[name] = f.u64
		}
	}
	return out
}
