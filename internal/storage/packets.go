package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/aminovpavel/meshbridge-go/internal/decode"
)

var errMissingPayload = errors.New("packet has no payload for this table")

// SaveRawPacket appends the packet to the audit log. It is called for every
// packet before any type-specific write.
func (s *Store) SaveRawPacket(ctx context.Context, pkt decode.Packet) (int64, error) {
	h := pkt.Header
	var id int64
	err := s.write(ctx, "save raw packet", false, func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO raw_packets (
            timestamp, from_id, to_id, packet_id, port_num, channel, hop_limit, hop_start,
            want_ack, priority, snr, rssi, rx_time, via_mqtt, packet_type, raw_json
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.stamp(pkt.ReceivedAt),
			nullString(h.FromID),
			nullString(h.ToID),
			nullInt64(h.PacketID),
			pkt.PortName,
			h.Channel,
			nullInt64(h.HopLimit),
			nullInt64(h.HopStart),
			boolToInt(h.WantAck),
			nullString(h.Priority),
			nullFloat64(h.RxSnr),
			nullInt64(h.RxRssi),
			nullInt64(h.RxTime),
			boolToInt(h.ViaMQTT),
			string(pkt.Kind),
			encodeJSON(pkt.Raw),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	s.metrics.ObservePacket(string(pkt.Kind))
	return id, err
}

// MessageFromPacket builds the messages row for a received text packet.
func MessageFromPacket(pkt decode.Packet, fromName string) Message {
	h := pkt.Header
	msg := Message{
		Timestamp: pkt.ReceivedAt,
		FromID:    h.FromID,
		FromName:  fromName,
		ToID:      h.ToID,
		Channel:   h.Channel,
		PacketID:  h.PacketID,
		HopLimit:  h.HopLimit,
		HopStart:  h.HopStart,
		SNR:       h.RxSnr,
		RSSI:      h.RxRssi,
		RxTime:    h.RxTime,
		Priority:  h.Priority,
		WantAck:   h.WantAck,
		ViaMQTT:   h.ViaMQTT,
		Raw:       pkt.Raw,
	}
	if pkt.Text != nil {
		msg.Text = pkt.Text.Text
	}
	return msg
}

// SaveMessage stores a text message, received or sent.
func (s *Store) SaveMessage(ctx context.Context, msg Message) (int64, error) {
	var id int64
	err := s.write(ctx, "save message", true, func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO messages (
            timestamp, from_id, from_name, to_id, channel, text, packet_id, hop_limit, hop_start,
            snr, rssi, rx_time, priority, want_ack, via_mqtt, is_outgoing, raw_packet
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.stamp(msg.Timestamp),
			nullString(msg.FromID),
			nullString(msg.FromName),
			nullString(msg.ToID),
			msg.Channel,
			msg.Text,
			nullInt64(msg.PacketID),
			nullInt64(msg.HopLimit),
			nullInt64(msg.HopStart),
			nullFloat64(msg.SNR),
			nullInt64(msg.RSSI),
			nullInt64(msg.RxTime),
			nullString(msg.Priority),
			boolToInt(msg.WantAck),
			boolToInt(msg.ViaMQTT),
			boolToInt(msg.IsOutgoing),
			nullString(encodeJSON(msg.Raw)),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// SaveAssistantReply records the bridge's reply to userID in the messages
// table so conversation history sees both sides.
func (s *Store) SaveAssistantReply(ctx context.Context, userID, text string, channel int) (int64, error) {
	return s.SaveMessage(ctx, Message{
		FromID:     AssistantID,
		FromName:   AssistantID,
		ToID:       userID,
		Channel:    channel,
		Text:       text,
		IsOutgoing: true,
	})
}

// SaveSentMessage appends to the transmit log.
func (s *Store) SaveSentMessage(ctx context.Context, msg SentMessage) (int64, error) {
	var id int64
	err := s.write(ctx, "save sent message", true, func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO sent_messages (timestamp, to_id, channel, text, packet_id, want_ack)
            VALUES (?, ?, ?, ?, ?, ?)`,
			s.stamp(msg.Timestamp),
			msg.ToID,
			msg.Channel,
			msg.Text,
			nullInt64(msg.PacketID),
			boolToInt(msg.WantAck),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// SavePosition appends a position fix for the sender.
func (s *Store) SavePosition(ctx context.Context, pkt decode.Packet) error {
	pos := pkt.Position
	if pos == nil {
		return errMissingPayload
	}
	return s.write(ctx, "save position", true, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO positions (
            node_id, timestamp, latitude, longitude, altitude, precision_bits, speed, ground_track,
            sats_in_view, pdop, hdop, vdop, gps_accuracy, fix_quality, fix_type, raw_data
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pkt.Header.FromID,
			s.stamp(pkt.ReceivedAt),
			nullFloat64(pos.Latitude),
			nullFloat64(pos.Longitude),
			nullInt64(pos.Altitude),
			nullInt64(pos.PrecisionBits),
			nullInt64(pos.GroundSpeed),
			nullInt64(pos.GroundTrack),
			nullInt64(pos.SatsInView),
			nullInt64(pos.PDOP),
			nullInt64(pos.HDOP),
			nullInt64(pos.VDOP),
			nullInt64(pos.GPSAccuracy),
			nullInt64(pos.FixQuality),
			nullInt64(pos.FixType),
			encodeJSON(pos.Raw),
		)
		if err != nil {
			return err
		}
		// Keep the node's current position in step with the newest fix.
		_, err = tx.Exec(`UPDATE nodes SET latitude = COALESCE(?, latitude), longitude = COALESCE(?, longitude),
            altitude = COALESCE(?, altitude), position_time = COALESCE(?, position_time)
            WHERE node_id = ?`,
			nullFloat64(pos.Latitude), nullFloat64(pos.Longitude), nullInt64(pos.Altitude), nullInt64(pos.Time),
			pkt.Header.FromID)
		return err
	})
}

// SaveTelemetry appends a telemetry sample for the sender.
func (s *Store) SaveTelemetry(ctx context.Context, pkt decode.Packet) error {
	t := pkt.Telemetry
	if t == nil {
		return errMissingPayload
	}
	return s.write(ctx, "save telemetry", true, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO telemetry (
            node_id, timestamp, telemetry_type, battery_level, voltage, channel_utilization, air_util_tx,
            uptime_seconds, temperature, relative_humidity, barometric_pressure, gas_resistance, iaq,
            current, raw_data
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pkt.Header.FromID,
			s.stamp(pkt.ReceivedAt),
			t.Type,
			nullInt64(t.BatteryLevel),
			nullFloat64(t.Voltage),
			nullFloat64(t.ChannelUtilization),
			nullFloat64(t.AirUtilTx),
			nullInt64(t.UptimeSeconds),
			nullFloat64(t.Temperature),
			nullFloat64(t.RelativeHumidity),
			nullFloat64(t.BarometricPressure),
			nullFloat64(t.GasResistance),
			nullInt64(t.IAQ),
			nullFloat64(t.Current),
			encodeJSON(t.Raw),
		)
		if err != nil || t.Type != decode.TelemetryDevice {
			return err
		}
		_, err = tx.Exec(`UPDATE nodes SET battery_level = COALESCE(?, battery_level), voltage = COALESCE(?, voltage),
            channel_utilization = COALESCE(?, channel_utilization), air_util_tx = COALESCE(?, air_util_tx),
            uptime_seconds = COALESCE(?, uptime_seconds)
            WHERE node_id = ?`,
			nullInt64(t.BatteryLevel), nullFloat64(t.Voltage), nullFloat64(t.ChannelUtilization),
			nullFloat64(t.AirUtilTx), nullInt64(t.UptimeSeconds), pkt.Header.FromID)
		return err
	})
}

// SaveRouting appends a routing packet.
func (s *Store) SaveRouting(ctx context.Context, pkt decode.Packet) error {
	r := pkt.Routing
	if r == nil {
		return errMissingPayload
	}
	h := pkt.Header
	return s.write(ctx, "save routing", false, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO routing (
            timestamp, from_id, to_id, packet_id, error_reason, route_back, route_request, route_reply, snr, raw_data
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.stamp(pkt.ReceivedAt),
			nullString(h.FromID),
			nullString(h.ToID),
			nullInt64(h.PacketID),
			nullString(r.ErrorReason),
			nullString(encodeJSON(r.RouteBack)),
			nullString(encodeJSON(r.RouteRequest)),
			nullString(encodeJSON(r.RouteReply)),
			nullFloat64(h.RxSnr),
			encodeJSON(pkt.Raw),
		)
		return err
	})
}

// SaveNeighbor records one neighbor link, replacing any previous report for
// the same (node, neighbor) pair.
func (s *Store) SaveNeighbor(ctx context.Context, nodeID string, n decode.Neighbor, at time.Time) error {
	return s.write(ctx, "save neighbor", true, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO neighbors (
            node_id, neighbor_id, timestamp, snr, last_rx_time, node_broadcast_interval, raw_data
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			nodeID,
			n.NeighborID,
			s.stamp(at),
			nullFloat64(n.SNR),
			nullInt64(n.LastRxTime),
			nullInt64(n.BroadcastInterval),
			encodeJSON(n.Raw),
		)
		return err
	})
}

// SaveWaypoint stores a waypoint, replacing earlier versions with the same id.
func (s *Store) SaveWaypoint(ctx context.Context, pkt decode.Packet) error {
	wp := pkt.Waypoint
	if wp == nil {
		return errMissingPayload
	}
	return s.write(ctx, "save waypoint", true, func(tx *sql.Tx) error {
		if wp.ID != nil {
			if _, err := tx.Exec(`DELETE FROM waypoints WHERE waypoint_id = ?`, *wp.ID); err != nil {
				return err
			}
		}
		_, err := tx.Exec(`INSERT INTO waypoints (
            waypoint_id, node_id, timestamp, name, description, latitude, longitude, expire, icon, locked, raw_data
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			nullInt64(wp.ID),
			pkt.Header.FromID,
			s.stamp(pkt.ReceivedAt),
			wp.Name,
			wp.Description,
			nullFloat64(wp.Latitude),
			nullFloat64(wp.Longitude),
			nullInt64(wp.Expire),
			nullInt64(wp.Icon),
			boolToInt(wp.Locked),
			encodeJSON(wp.Raw),
		)
		return err
	})
}

// SaveTraceroute stores a route discovery. Route and SNR arrays are kept as
// JSON; SNR stays in the radio's quarter-dB units.
func (s *Store) SaveTraceroute(ctx context.Context, pkt decode.Packet) error {
	tr := pkt.Traceroute
	if tr == nil {
		return errMissingPayload
	}
	route := tr.Route
	if route == nil {
		route = []string{}
	}
	return s.write(ctx, "save traceroute", true, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO traceroutes (timestamp, from_id, to_id, route, snr_towards, snr_back, raw_data)
            VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.stamp(pkt.ReceivedAt),
			pkt.Header.FromID,
			nullString(pkt.Header.ToID),
			encodeJSON(route),
			nullString(encodeJSON(tr.SNRTowards)),
			nullString(encodeJSON(tr.SNRBack)),
			encodeJSON(pkt.Raw),
		)
		return err
	})
}

// SaveStoreForward stores a store-and-forward report.
func (s *Store) SaveStoreForward(ctx context.Context, pkt decode.Packet) error {
	sf := pkt.StoreForward
	if sf == nil {
		return errMissingPayload
	}
	return s.write(ctx, "save store forward", true, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO store_forward (
            timestamp, from_id, to_id, sf_type, messages_total, messages_saved, messages_max, up_time, requests, raw_data
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.stamp(pkt.ReceivedAt),
			pkt.Header.FromID,
			nullString(pkt.Header.ToID),
			sf.Type,
			nullInt64(sf.MessagesTotal),
			nullInt64(sf.MessagesSaved),
			nullInt64(sf.MessagesMax),
			nullInt64(sf.UpTime),
			nullInt64(sf.Requests),
			encodeJSON(sf.Raw),
		)
		return err
	})
}

// SaveRangeTest stores a range-test reception.
func (s *Store) SaveRangeTest(ctx context.Context, pkt decode.Packet) error {
	rt := pkt.RangeTest
	if rt == nil {
		return errMissingPayload
	}
	h := pkt.Header
	return s.write(ctx, "save range test", true, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO range_tests (
            timestamp, from_id, to_id, payload, snr, rssi, hop_limit, hop_start, raw_data
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.stamp(pkt.ReceivedAt),
			h.FromID,
			nullString(h.ToID),
			rt.Payload,
			nullFloat64(h.RxSnr),
			nullInt64(h.RxRssi),
			nullInt64(h.HopLimit),
			nullInt64(h.HopStart),
			encodeJSON(pkt.Raw),
		)
		return err
	})
}

// SaveDetectionAlert stores a detection-sensor event. The sensor is named
// after the sending node.
func (s *Store) SaveDetectionAlert(ctx context.Context, pkt decode.Packet) error {
	alert := pkt.Detection
	if alert == nil {
		return errMissingPayload
	}
	h := pkt.Header
	sensor := s.NodeName(h.FromID)
	if sensor == "" {
		sensor = h.FromID
	}
	return s.write(ctx, "save detection alert", true, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO detection_sensor (timestamp, from_id, sensor_name, alert_text, snr, rssi, raw_data)
            VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.stamp(pkt.ReceivedAt),
			h.FromID,
			sensor,
			alert.Text,
			nullFloat64(h.RxSnr),
			nullInt64(h.RxRssi),
			encodeJSON(pkt.Raw),
		)
		return err
	})
}

// SavePaxcount stores a paxcounter sample.
func (s *Store) SavePaxcount(ctx context.Context, pkt decode.Packet) error {
	pax := pkt.Paxcount
	if pax == nil {
		return errMissingPayload
	}
	return s.write(ctx, "save paxcount", true, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO paxcounter (timestamp, node_id, wifi_count, ble_count, uptime, raw_data)
            VALUES (?, ?, ?, ?, ?, ?)`,
			s.stamp(pkt.ReceivedAt),
			pkt.Header.FromID,
			nullInt64(pax.WiFi),
			nullInt64(pax.BLE),
			nullInt64(pax.Uptime),
			encodeJSON(pax.Raw),
		)
		return err
	})
}
