package decode

import (
	"encoding/hex"
	"strings"
	"time"
)

// Normalize converts a decoded radio packet into a typed Packet. It never
// fails: fields that cannot be interpreted are left nil and described in
// ParseError. portName overrides decoded.portnum when non-empty.
func Normalize(raw map[string]any, portName string) Packet {
	var f fields
	if raw == nil {
		raw = map[string]any{}
	}

	decoded := mapAt(raw, "decoded")
	if decoded == nil {
		decoded = map[string]any{}
	}

	if portName == "" {
		portName = f.str(decoded, "portnum")
	}
	kind := Kind(strings.ToUpper(strings.TrimSpace(portName)))
	if _, ok := knownKinds[kind]; !ok {
		kind = KindUnknown
	}
	if portName == "" {
		portName = string(KindUnknown)
	}

	pkt := Packet{
		Kind:       kind,
		PortName:   portName,
		Raw:        raw,
		ReceivedAt: time.Now().UTC(),
		Header:     normalizeHeader(&f, raw),
	}

	switch kind {
	case KindText:
		// Some sources put the text next to the header instead of under decoded.
		for _, m := range []map[string]any{decoded, raw} {
			if text, ok := m["text"]; ok && text != nil {
				pkt.Text = &TextMessage{Text: f.str(m, "text")}
				break
			}
		}
	case KindPosition:
		if pos := mapAt(decoded, "position"); len(pos) > 0 {
			pkt.Position = normalizePosition(&f, pos)
		}
	case KindTelemetry:
		if tele := mapAt(decoded, "telemetry"); len(tele) > 0 {
			pkt.Telemetry = normalizeTelemetry(&f, tele)
		}
	case KindRouting:
		routing := mapAt(decoded, "routing")
		if routing == nil {
			routing = map[string]any{}
		}
		pkt.Routing = &Routing{
			ErrorReason:  f.str(routing, "errorReason", "error_reason"),
			RouteBack:    routing["routeBack"],
			RouteRequest: routing["routeRequest"],
			RouteReply:   routing["routeReply"],
		}
	case KindNeighborInfo:
		info := mapAt(decoded, "neighborinfo", "neighborInfo")
		if list := listAt(info, "neighbors"); len(list) > 0 {
			pkt.Neighbors = normalizeNeighbors(&f, list)
		}
	case KindWaypoint:
		if wp := mapAt(decoded, "waypoint"); len(wp) > 0 {
			pkt.Waypoint = &Waypoint{
				ID:          f.int(wp, "id"),
				Name:        f.str(wp, "name"),
				Description: f.str(wp, "description"),
				Latitude:    f.coord(wp, "latitude"),
				Longitude:   f.coord(wp, "longitude"),
				Expire:      f.int(wp, "expire"),
				Icon:        f.int(wp, "icon"),
				Locked:      f.bool(wp, "locked"),
				Raw:         wp,
			}
		}
	case KindTraceroute:
		tr := mapAt(decoded, "traceroute")
		if tr == nil {
			tr = decoded
		}
		pkt.Traceroute = normalizeTraceroute(&f, tr)
	case KindStoreForward:
		sf := mapAt(decoded, "storeAndForward", "storeforward")
		if sf == nil {
			sf = decoded
		}
		pkt.StoreForward = normalizeStoreForward(&f, sf)
	case KindRangeTest:
		pkt.RangeTest = &RangeTest{Payload: f.str(decoded, "text", "payload")}
	case KindDetection:
		pkt.Detection = &DetectionAlert{Text: f.str(decoded, "text", "payload")}
	case KindPaxcounter:
		pax := mapAt(decoded, "paxcounter")
		if pax == nil {
			pax = decoded
		}
		pkt.Paxcount = &Paxcount{
			WiFi:   f.int(pax, "wifi"),
			BLE:    f.int(pax, "ble"),
			Uptime: f.int(pax, "uptime"),
			Raw:    pax,
		}
	case KindNodeInfo:
		if user := mapAt(decoded, "user"); len(user) > 0 {
			node := normalizeNode(&f, map[string]any{"user": user})
			if node.NodeID == "" {
				node.NodeID = pkt.Header.FromID
			}
			node.LastHeard = pkt.Header.RxTime
			node.SNR = pkt.Header.RxSnr
			node.ViaMQTT = pkt.Header.ViaMQTT
			if hops, ok := pkt.Header.HopsUsed(); ok {
				node.HopsAway = &hops
			}
			if node.NodeID != "" {
				pkt.Node = &node
			}
		}
	}

	pkt.ParseError = f.err()
	return pkt
}

// NormalizeNode converts a node database entry into a NodeInfo. The second
// result is false when no node id can be derived.
func NormalizeNode(raw map[string]any) (NodeInfo, bool) {
	var f fields
	node := normalizeNode(&f, raw)
	return node, node.NodeID != ""
}

func normalizeHeader(f *fields, raw map[string]any) Header {
	h := Header{
		PacketID: f.int(raw, "id"),
		FromID:   NormalizeNodeID(firstPresent(raw, "fromId", "from")),
		ToID:     NormalizeNodeID(firstPresent(raw, "toId", "to")),
		HopLimit: f.int(raw, "hopLimit", "hop_limit"),
		HopStart: f.int(raw, "hopStart", "hop_start"),
		WantAck:  f.bool(raw, "wantAck", "want_ack"),
		Priority: f.str(raw, "priority"),
		RxSnr:    f.float(raw, "rxSnr", "rx_snr", "snr"),
		RxRssi:   f.int(raw, "rxRssi", "rx_rssi", "rssi"),
		RxTime:   f.int(raw, "rxTime", "rx_time"),
		ViaMQTT:  f.bool(raw, "viaMqtt", "via_mqtt"),
	}
	if ch := f.int(raw, "channel"); ch != nil {
		h.Channel = int(*ch)
	}
	return h
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := m[key]; ok && v != nil && v != "" {
			return v
		}
	}
	return nil
}

func normalizePosition(f *fields, pos map[string]any) *Position {
	return &Position{
		Latitude:      f.coord(pos, "latitude"),
		Longitude:     f.coord(pos, "longitude"),
		Altitude:      f.int(pos, "altitude"),
		Time:          f.int(pos, "time"),
		PrecisionBits: f.int(pos, "precisionBits"),
		GroundSpeed:   f.int(pos, "groundSpeed"),
		GroundTrack:   f.int(pos, "groundTrack"),
		SatsInView:    f.int(pos, "satsInView"),
		PDOP:          f.int(pos, "PDOP", "pdop"),
		HDOP:          f.int(pos, "HDOP", "hdop"),
		VDOP:          f.int(pos, "VDOP", "vdop"),
		GPSAccuracy:   f.int(pos, "gpsAccuracy"),
		FixQuality:    f.int(pos, "fixQuality"),
		FixType:       f.int(pos, "fixType"),
		Raw:           pos,
	}
}

func normalizeTelemetry(f *fields, tele map[string]any) *Telemetry {
	t := &Telemetry{Type: telemetryType(tele), Raw: tele}
	if dm := mapAt(tele, "deviceMetrics"); dm != nil {
		t.BatteryLevel = f.int(dm, "batteryLevel")
		t.Voltage = f.float(dm, "voltage")
		t.ChannelUtilization = f.float(dm, "channelUtilization")
		t.AirUtilTx = f.float(dm, "airUtilTx")
		t.UptimeSeconds = f.int(dm, "uptimeSeconds")
	}
	if em := mapAt(tele, "environmentMetrics"); em != nil {
		t.Temperature = f.float(em, "temperature")
		t.RelativeHumidity = f.float(em, "relativeHumidity")
		t.BarometricPressure = f.float(em, "barometricPressure")
		t.GasResistance = f.float(em, "gasResistance")
		t.IAQ = f.int(em, "iaq")
	}
	if pm := mapAt(tele, "powerMetrics"); pm != nil {
		t.Current = f.float(pm, "ch1Current")
	}
	return t
}

func telemetryType(tele map[string]any) string {
	switch {
	case tele["deviceMetrics"] != nil:
		return TelemetryDevice
	case tele["environmentMetrics"] != nil:
		return TelemetryEnvironment
	case tele["powerMetrics"] != nil:
		return TelemetryPower
	case tele["airQualityMetrics"] != nil:
		return TelemetryAirQuality
	case tele["localStats"] != nil:
		return TelemetryLocalStats
	case tele["healthMetrics"] != nil:
		return TelemetryHealth
	default:
		return TelemetryUnknown
	}
}

func normalizeNeighbors(f *fields, list []any) *NeighborInfo {
	info := &NeighborInfo{}
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			f.fail("neighbors[]", item)
			continue
		}
		id := NormalizeNodeID(entry["nodeId"])
		if id == "" {
			f.fail("neighbors[].nodeId", entry["nodeId"])
			continue
		}
		info.Neighbors = append(info.Neighbors, Neighbor{
			NeighborID:        id,
			SNR:               f.float(entry, "snr"),
			LastRxTime:        f.int(entry, "lastRxTime"),
			BroadcastInterval: f.int(entry, "nodeBroadcastIntervalSecs"),
			Raw:               entry,
		})
	}
	if len(info.Neighbors) == 0 {
		return nil
	}
	return info
}

func normalizeTraceroute(f *fields, tr map[string]any) *Traceroute {
	out := &Traceroute{}
	for _, hop := range listAt(tr, "route") {
		if id := NormalizeNodeID(hop); id != "" {
			out.Route = append(out.Route, id)
		} else {
			f.fail("route[]", hop)
		}
	}
	out.SNRTowards = intList(f, tr, "snrTowards")
	out.SNRBack = intList(f, tr, "snrBack")
	return out
}

func intList(f *fields, m map[string]any, key string) []int64 {
	var out []int64
	for _, v := range listAt(m, key) {
		n, ok := toInt(v)
		if !ok {
			f.fail(key+"[]", v)
			continue
		}
		out = append(out, n)
	}
	return out
}

func normalizeStoreForward(f *fields, sf map[string]any) *StoreForward {
	out := &StoreForward{Type: StoreForwardUnknown, Raw: sf}
	stats := mapAt(sf, "stats")
	switch {
	case len(stats) > 0:
		out.Type = StoreForwardStats
	case len(mapAt(sf, "heartbeat")) > 0:
		out.Type = StoreForwardHeartbeat
		stats = mapAt(sf, "heartbeat")
	case len(mapAt(sf, "history")) > 0:
		out.Type = StoreForwardHistory
	}
	if stats != nil {
		out.MessagesTotal = f.int(stats, "messagesTotal")
		out.MessagesSaved = f.int(stats, "messagesSaved")
		out.MessagesMax = f.int(stats, "messagesMax")
		out.UpTime = f.int(stats, "upTime")
		out.Requests = f.int(stats, "requests")
	}
	return out
}

func normalizeNode(f *fields, raw map[string]any) NodeInfo {
	user := mapAt(raw, "user")
	if user == nil {
		user = map[string]any{}
	}
	pos := mapAt(raw, "position")
	if pos == nil {
		pos = map[string]any{}
	}
	dm := mapAt(raw, "deviceMetrics")
	if dm == nil {
		dm = map[string]any{}
	}

	node := NodeInfo{
		NodeID:             NormalizeNodeID(firstPresent(raw, "node_id", "id")),
		Num:                f.int(raw, "num"),
		LongName:           firstString(f, user, raw, "longName", "long_name"),
		ShortName:          firstString(f, user, raw, "shortName", "short_name"),
		MacAddress:         formatMAC(user["macaddr"]),
		HWModel:            firstString(f, user, raw, "hwModel", "hw_model"),
		HWModelID:          f.int(user, "hwModelId"),
		Role:               firstString(f, user, raw, "role", "role"),
		IsLicensed:         f.bool(user, "isLicensed"),
		IsFavorite:         f.bool(raw, "isFavorite"),
		ViaMQTT:            f.bool(raw, "viaMqtt"),
		Latitude:           orFloat(f.coord(pos, "latitude"), f.float(raw, "latitude")),
		Longitude:          orFloat(f.coord(pos, "longitude"), f.float(raw, "longitude")),
		Altitude:           orInt(f.int(pos, "altitude"), f.int(raw, "altitude")),
		PositionTime:       orInt(f.int(pos, "time"), f.int(raw, "position_time")),
		PositionPrecision:  f.int(pos, "precisionBits"),
		BatteryLevel:       orInt(f.int(dm, "batteryLevel"), f.int(raw, "battery_level")),
		Voltage:            orFloat(f.float(dm, "voltage"), f.float(raw, "voltage")),
		ChannelUtilization: orFloat(f.float(dm, "channelUtilization"), f.float(raw, "channel_utilization")),
		AirUtilTx:          orFloat(f.float(dm, "airUtilTx"), f.float(raw, "air_util_tx")),
		UptimeSeconds:      orInt(f.int(dm, "uptimeSeconds"), f.int(raw, "uptime_seconds")),
		LastHeard:          f.int(raw, "lastHeard", "last_heard"),
		SNR:                f.float(raw, "snr"),
		HopsAway:           f.int(raw, "hopsAway", "hops_away"),
		Raw:                raw,
	}
	if node.NodeID == "" {
		node.NodeID = NormalizeNodeID(user["id"])
	}
	if node.NodeID == "" && node.Num != nil && *node.Num > 0 {
		node.NodeID = NormalizeNodeID(*node.Num)
	}
	return node
}

func firstString(f *fields, primary, fallback map[string]any, primaryKey, fallbackKey string) string {
	if s := f.str(primary, primaryKey); s != "" {
		return s
	}
	return f.str(fallback, fallbackKey)
}

// formatMAC renders raw bytes as hex and colon-separates bare 12 digit strings.
func formatMAC(v any) string {
	switch mac := v.(type) {
	case []byte:
		return hex.EncodeToString(mac)
	case string:
		if len(mac) != 12 {
			return mac
		}
		parts := make([]string, 0, 6)
		for i := 0; i < 12; i += 2 {
			parts = append(parts, mac[i:i+2])
		}
		return strings.Join(parts, ":")
	default:
		return ""
	}
}

func orFloat(a, b *float64) *float64 {
	if a != nil {
		return a
	}
	return b
}

func orInt(a, b *int64) *int64 {
	if a != nil {
		return a
	}
	return b
}
