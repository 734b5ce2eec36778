package decode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// jsonPorts maps the "type" field of the gateway JSON format to port names.
var jsonPorts = map[string]Kind{
	"text":             KindText,
	"position":         KindPosition,
	"telemetry":        KindTelemetry,
	"nodeinfo":         KindNodeInfo,
	"neighborinfo":     KindNeighborInfo,
	"traceroute":       KindTraceroute,
	"waypoint":         KindWaypoint,
	"range_test":       KindRangeTest,
	"rangetest":        KindRangeTest,
	"detection_sensor": KindDetection,
	"paxcounter":       KindPaxcounter,
	"store_forward":    KindStoreForward,
	"routing":          KindRouting,
	"mapreport":        KindMapReport,
	"map_report":       KindMapReport,
}

// jsonKeyAliases covers gateway JSON keys that do not follow snake_case.
var jsonKeyAliases = map[string]string{
	"longname": "longName",
	"shortname": "shortName",
	"hardware":  "hwModel",
	"locked_to": "locked",
	"node_id":   "nodeId",
}

var telemetryGroups = []struct {
	name string
	keys []string
}{
	{"deviceMetrics", []string{"battery_level", "voltage", "channel_utilization", "air_util_tx", "uptime_seconds"}},
	{"environmentMetrics", []string{"temperature", "relative_humidity", "barometric_pressure", "gas_resistance", "iaq", "lux"}},
	{"powerMetrics", []string{"ch1_voltage", "ch1_current", "ch2_voltage", "ch2_current"}},
	{"airQualityMetrics", []string{"pm10_standard", "pm25_standard", "pm100_standard"}},
	{"localStats", []string{"num_packets_tx", "num_packets_rx", "num_online_nodes", "num_total_nodes"}},
	{"healthMetrics", []string{"heart_bpm", "spO2"}},
}

// FromJSONUplink converts a Meshtastic MQTT JSON message into the decoded
// packet map shape consumed by Normalize. Downlink commands and messages
// without a sender return ErrSkip.
func FromJSONUplink(payload []byte) (map[string]any, string, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var msg map[string]any
	if err := dec.Decode(&msg); err != nil {
		return nil, "", fmt.Errorf("decode: json uplink: %w", err)
	}

	typ, _ := msg["type"].(string)
	typ = strings.ToLower(typ)
	if typ == "sendtext" || typ == "sendposition" {
		return nil, "", ErrSkip
	}
	if msg["from"] == nil {
		return nil, "", ErrSkip
	}

	port, ok := jsonPorts[typ]
	if !ok {
		port = KindUnknown
	}

	raw := map[string]any{
		"from":    msg["from"],
		"fromId":  NormalizeNodeID(msg["from"]),
		"to":      msg["to"],
		"toId":    NormalizeNodeID(msg["to"]),
		"id":      msg["id"],
		"channel": msg["channel"],
		"rxSnr":   msg["snr"],
		"rxRssi":  msg["rssi"],
		"rxTime":  msg["timestamp"],
	}
	if hs, ok := toInt(msg["hop_start"]); ok {
		raw["hopStart"] = hs
		if away, ok := toInt(msg["hops_away"]); ok {
			raw["hopLimit"] = hs - away
		}
	}
	if hl, ok := msg["hop_limit"]; ok {
		raw["hopLimit"] = hl
	}
	if gw, ok := msg["sender"].(string); ok {
		raw["gatewayId"] = gw
	}

	decoded := map[string]any{"portnum": string(port)}
	body := msg["payload"]

	switch port {
	case KindText, KindRangeTest, KindDetection:
		switch p := body.(type) {
		case string:
			decoded["text"] = p
		case map[string]any:
			if text, ok := p["text"]; ok {
				decoded["text"] = text
			}
		}
	case KindTelemetry:
		if p, ok := body.(map[string]any); ok {
			decoded["telemetry"] = groupTelemetry(p)
		}
	case KindNodeInfo:
		if p, ok := body.(map[string]any); ok {
			decoded["user"] = camelKeys(p)
		}
	case KindNeighborInfo:
		if p, ok := body.(map[string]any); ok {
			decoded["neighborinfo"] = camelKeys(p)
		}
	case KindStoreForward:
		if p, ok := body.(map[string]any); ok {
			decoded["storeAndForward"] = camelKeys(p)
		}
	case KindUnknown, KindMapReport:
		if body != nil {
			decoded["payload"] = body
		}
	default:
		if p, ok := body.(map[string]any); ok {
			decoded[portField(port)] = camelKeys(p)
		}
	}

	raw["decoded"] = decoded
	return raw, string(port), nil
}

func portField(port Kind) string {
	switch port {
	case KindPosition:
		return "position"
	case KindTraceroute:
		return "traceroute"
	case KindWaypoint:
		return "waypoint"
	case KindPaxcounter:
		return "paxcounter"
	case KindRouting:
		return "routing"
	default:
		return "payload"
	}
}

func groupTelemetry(p map[string]any) map[string]any {
	out := map[string]any{}
	for _, group := range telemetryGroups {
		sub := map[string]any{}
		for _, key := range group.keys {
			if v, ok := p[key]; ok {
				sub[snakeToCamel(key)] = v
			}
		}
		if len(sub) > 0 {
			out[group.name] = sub
		}
	}
	if t, ok := p["time"]; ok {
		out["time"] = t
	}
	return out
}

func camelKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for key, v := range m {
		switch val := v.(type) {
		case map[string]any:
			v = camelKeys(val)
		case []any:
			list := make([]any, len(val))
			for i, item := range val {
				if sub, ok := item.(map[string]any); ok {
					list[i] = camelKeys(sub)
				} else {
					list[i] = item
				}
			}
			v = list
		}
		if alias, ok := jsonKeyAliases[key]; ok {
			out[alias] = v
			continue
		}
		out[snakeToCamel(key)] = v
	}
	return out
}

func snakeToCamel(key string) string {
	parts := strings.Split(key, "_")
	if len(parts) == 1 {
		return key
	}
	var b strings.Builder
	b.WriteString(parts[0])
	for _, part := range parts[1:] {
		if part == "" {
			continue
		}
		if part == "i" {
			b.WriteString("I")
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}
