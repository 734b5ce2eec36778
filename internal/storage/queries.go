package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const telemetryColumns = `node_id, timestamp, COALESCE(telemetry_type, ''), battery_level, voltage,
    channel_utilization, air_util_tx, uptime_seconds, temperature, relative_humidity,
    barometric_pressure, gas_resistance, iaq, current`

func scanTelemetry(row rowScanner) (TelemetrySample, error) {
	var (
		t                                         TelemetrySample
		ts                                        float64
		battery, uptime, iaq                      sql.NullInt64
		voltage, chUtil, airUtil, temp, rh, press sql.NullFloat64
		gas, current                              sql.NullFloat64
	)
	if err := row.Scan(&t.NodeID, &ts, &t.Type, &battery, &voltage, &chUtil, &airUtil, &uptime,
		&temp, &rh, &press, &gas, &iaq, &current); err != nil {
		return t, err
	}
	t.Timestamp = secondsToTime(ts)
	t.BatteryLevel = intPtr(battery)
	t.Voltage = floatPtr(voltage)
	t.ChannelUtilization = floatPtr(chUtil)
	t.AirUtilTx = floatPtr(airUtil)
	t.UptimeSeconds = intPtr(uptime)
	t.Temperature = floatPtr(temp)
	t.RelativeHumidity = floatPtr(rh)
	t.BarometricPressure = floatPtr(press)
	t.GasResistance = floatPtr(gas)
	t.IAQ = intPtr(iaq)
	t.Current = floatPtr(current)
	return t, nil
}

// LatestTelemetry returns the newest sample of the given type for a node,
// or ErrNotFound. An empty type matches any.
func (s *Store) LatestTelemetry(ctx context.Context, nodeID, telemetryType string) (TelemetrySample, error) {
	var t TelemetrySample
	err := s.read(ctx, "latest telemetry", func(conn *sql.Conn) error {
		var err error
		t, err = scanTelemetry(conn.QueryRowContext(ctx, `SELECT `+telemetryColumns+` FROM telemetry
            WHERE node_id = ? AND (? = '' OR telemetry_type = ?)
            ORDER BY timestamp DESC LIMIT 1`, nodeID, telemetryType, telemetryType))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return t, err
}

// TelemetryHistory returns recent samples for a node, newest first.
func (s *Store) TelemetryHistory(ctx context.Context, nodeID, telemetryType string, limit int) ([]TelemetrySample, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []TelemetrySample
	err := s.read(ctx, "telemetry history", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT `+telemetryColumns+` FROM telemetry
            WHERE node_id = ? AND (? = '' OR telemetry_type = ?)
            ORDER BY timestamp DESC LIMIT ?`, nodeID, telemetryType, telemetryType, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTelemetry(rows)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

// TelemetrySummary aggregates the latest device telemetry of every node.
func (s *Store) TelemetrySummary(ctx context.Context) (TelemetrySummary, error) {
	var sum TelemetrySummary
	err := s.read(ctx, "telemetry summary", func(conn *sql.Conn) error {
		const latest = `SELECT t.* FROM telemetry t
            JOIN (SELECT node_id, MAX(timestamp) AS ts FROM telemetry
                  WHERE telemetry_type = 'device' GROUP BY node_id) l
              ON t.node_id = l.node_id AND t.timestamp = l.ts
            WHERE t.telemetry_type = 'device'`
		var battery, voltage, chUtil, airUtil sql.NullFloat64
		if err := conn.QueryRowContext(ctx, `SELECT COUNT(DISTINCT node_id),
                AVG(CASE WHEN battery_level BETWEEN 0 AND 100 THEN battery_level END),
                AVG(voltage),
                AVG(CASE WHEN channel_utilization > 0 THEN channel_utilization END),
                AVG(CASE WHEN air_util_tx > 0 THEN air_util_tx END)
            FROM (`+latest+`)`).Scan(&sum.NodesReporting, &battery, &voltage, &chUtil, &airUtil); err != nil {
			return err
		}
		sum.AvgBattery = floatPtr(battery)
		sum.AvgVoltage = floatPtr(voltage)
		sum.AvgChannelUtil = floatPtr(chUtil)
		sum.AvgAirUtil = floatPtr(airUtil)

		rows, err := conn.QueryContext(ctx, `SELECT node_id FROM (`+latest+`)
            WHERE battery_level IS NOT NULL AND battery_level < 20 ORDER BY battery_level ASC LIMIT 5`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			sum.LowBattery = append(sum.LowBattery, id)
		}
		return rows.Err()
	})
	return sum, err
}

// PositionTrail returns recent fixes for a node, newest first.
func (s *Store) PositionTrail(ctx context.Context, nodeID string, limit int) ([]PositionSample, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []PositionSample
	err := s.read(ctx, "position trail", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT node_id, timestamp, latitude, longitude, altitude,
                precision_bits, sats_in_view
            FROM positions WHERE node_id = ? AND latitude IS NOT NULL AND longitude IS NOT NULL
            ORDER BY timestamp DESC LIMIT ?`, nodeID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				p                      PositionSample
				ts                     float64
				lat, lon               sql.NullFloat64
				alt, precision, satsIn sql.NullInt64
			)
			if err := rows.Scan(&p.NodeID, &ts, &lat, &lon, &alt, &precision, &satsIn); err != nil {
				return err
			}
			p.Timestamp = secondsToTime(ts)
			p.Latitude = floatPtr(lat)
			p.Longitude = floatPtr(lon)
			p.Altitude = intPtr(alt)
			p.PrecisionBits = intPtr(precision)
			p.SatsInView = intPtr(satsIn)
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

// Waypoints lists waypoints, newest first. activeOnly drops expired ones.
func (s *Store) Waypoints(ctx context.Context, activeOnly bool) ([]Waypoint, error) {
	now := s.now().Unix()
	var out []Waypoint
	err := s.read(ctx, "waypoints", func(conn *sql.Conn) error {
		query := `SELECT waypoint_id, COALESCE(node_id, ''), timestamp, COALESCE(name, ''),
                COALESCE(description, ''), latitude, longitude, expire, icon, COALESCE(locked, 0)
            FROM waypoints`
		var args []any
		if activeOnly {
			query += ` WHERE expire IS NULL OR expire = 0 OR expire > ?`
			args = append(args, now)
		}
		query += ` ORDER BY timestamp DESC`
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				w                Waypoint
				ts               float64
				id, expire, icon sql.NullInt64
				lat, lon         sql.NullFloat64
				locked           int64
			)
			if err := rows.Scan(&id, &w.NodeID, &ts, &w.Name, &w.Description, &lat, &lon, &expire, &icon, &locked); err != nil {
				return err
			}
			w.WaypointID = intPtr(id)
			w.Timestamp = secondsToTime(ts)
			w.Latitude = floatPtr(lat)
			w.Longitude = floatPtr(lon)
			if expire.Valid && expire.Int64 > 0 {
				t := time.Unix(expire.Int64, 0).UTC()
				w.Expire = &t
			}
			w.Icon = intPtr(icon)
			w.Locked = locked != 0
			out = append(out, w)
		}
		return rows.Err()
	})
	return out, err
}

// Traceroutes returns recent route discoveries, newest first. A non-empty
// nodeID keeps routes that start, end or pass through it.
func (s *Store) Traceroutes(ctx context.Context, nodeID string, limit int) ([]Traceroute, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Traceroute
	err := s.read(ctx, "traceroutes", func(conn *sql.Conn) error {
		query := `SELECT id, timestamp, COALESCE(from_id, ''), COALESCE(to_id, ''), route, snr_towards, snr_back
            FROM traceroutes`
		var args []any
		if nodeID != "" {
			query += ` WHERE from_id = ? OR to_id = ? OR route LIKE ?`
			args = append(args, nodeID, nodeID, `%"`+nodeID+`"%`)
		}
		query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
		args = append(args, limit)
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				t                    Traceroute
				ts                   float64
				route, towards, back sql.NullString
			)
			if err := rows.Scan(&t.ID, &ts, &t.FromID, &t.ToID, &route, &towards, &back); err != nil {
				return err
			}
			t.Timestamp = secondsToTime(ts)
			t.Route = decodeJSONList[string](route)
			if t.Route == nil {
				t.Route = []string{}
			}
			t.SNRTowards = quarterDB(decodeJSONList[int64](towards))
			t.SNRBack = quarterDB(decodeJSONList[int64](back))
			out = append(out, t)
		}
		return rows.Err()
	})
	for i := range out {
		out[i].FromName = s.NodeName(out[i].FromID)
		out[i].ToName = s.NodeName(out[i].ToID)
	}
	return out, err
}

// quarterDB converts radio SNR units (dB * 4) to dB.
func quarterDB(values []int64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		out = append(out, float64(v)/4)
	}
	return out
}

// StoreForwardStats returns the latest report of each store-and-forward router.
func (s *Store) StoreForwardStats(ctx context.Context) ([]StoreForwardRecord, error) {
	var out []StoreForwardRecord
	err := s.read(ctx, "store forward stats", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT sf.timestamp, COALESCE(sf.from_id, ''), COALESCE(sf.sf_type, ''),
                sf.messages_total, sf.messages_saved, sf.messages_max, sf.up_time, sf.requests
            FROM store_forward sf
            JOIN (SELECT from_id, MAX(timestamp) AS ts FROM store_forward GROUP BY from_id) l
              ON sf.from_id = l.from_id AND sf.timestamp = l.ts
            ORDER BY sf.timestamp DESC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r                                       StoreForwardRecord
				ts                                      float64
				total, saved, maxMsgs, upTime, requests sql.NullInt64
			)
			if err := rows.Scan(&ts, &r.FromID, &r.Type, &total, &saved, &maxMsgs, &upTime, &requests); err != nil {
				return err
			}
			r.Timestamp = secondsToTime(ts)
			r.MessagesTotal = intPtr(total)
			r.MessagesSaved = intPtr(saved)
			r.MessagesMax = intPtr(maxMsgs)
			r.UpTime = intPtr(upTime)
			r.Requests = intPtr(requests)
			out = append(out, r)
		}
		return rows.Err()
	})
	for i := range out {
		out[i].FromName = s.NodeName(out[i].FromID)
	}
	return out, err
}

// RangeTests returns recent range-test receptions, newest first.
func (s *Store) RangeTests(ctx context.Context, limit int) ([]RangeTest, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []RangeTest
	err := s.read(ctx, "range tests", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT timestamp, COALESCE(from_id, ''), COALESCE(to_id, ''),
                COALESCE(payload, ''), snr, rssi, hop_limit, hop_start
            FROM range_tests ORDER BY timestamp DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r                        RangeTest
				ts                       float64
				snr                      sql.NullFloat64
				rssi, hopLimit, hopStart sql.NullInt64
			)
			if err := rows.Scan(&ts, &r.FromID, &r.ToID, &r.Payload, &snr, &rssi, &hopLimit, &hopStart); err != nil {
				return err
			}
			r.Timestamp = secondsToTime(ts)
			r.SNR = floatPtr(snr)
			r.RSSI = intPtr(rssi)
			if hopStart.Valid && hopStart.Int64 > 0 && hopLimit.Valid {
				hops := hopStart.Int64 - hopLimit.Int64
				r.Hops = &hops
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	for i := range out {
		out[i].FromName = s.NodeName(out[i].FromID)
	}
	return out, err
}

// DetectionAlerts returns recent detection-sensor events, newest first.
func (s *Store) DetectionAlerts(ctx context.Context, limit int) ([]DetectionAlert, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []DetectionAlert
	err := s.read(ctx, "detection alerts", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT timestamp, COALESCE(from_id, ''), COALESCE(sensor_name, ''),
                COALESCE(alert_text, ''), snr, rssi
            FROM detection_sensor ORDER BY timestamp DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				a    DetectionAlert
				ts   float64
				snr  sql.NullFloat64
				rssi sql.NullInt64
			)
			if err := rows.Scan(&ts, &a.FromID, &a.SensorName, &a.AlertText, &snr, &rssi); err != nil {
				return err
			}
			a.Timestamp = secondsToTime(ts)
			a.SNR = floatPtr(snr)
			a.RSSI = intPtr(rssi)
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

// Paxcounts returns recent paxcounter samples, optionally for one node.
func (s *Store) Paxcounts(ctx context.Context, nodeID string, limit int) ([]Paxcount, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Paxcount
	err := s.read(ctx, "paxcounts", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT timestamp, COALESCE(node_id, ''), wifi_count, ble_count, uptime
            FROM paxcounter WHERE (? = '' OR node_id = ?) ORDER BY timestamp DESC LIMIT ?`, nodeID, nodeID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				p                 Paxcount
				ts                float64
				wifi, ble, uptime sql.NullInt64
			)
			if err := rows.Scan(&ts, &p.NodeID, &wifi, &ble, &uptime); err != nil {
				return err
			}
			p.Timestamp = secondsToTime(ts)
			p.WiFi = intPtr(wifi)
			p.BLE = intPtr(ble)
			p.Uptime = intPtr(uptime)
			out = append(out, p)
		}
		return rows.Err()
	})
	for i := range out {
		out[i].NodeName = s.NodeName(out[i].NodeID)
	}
	return out, err
}

// RawPackets pages through the audit log in id order starting after afterID.
func (s *Store) RawPackets(ctx context.Context, afterID int64, limit int) ([]RawPacket, error) {
	if limit <= 0 {
		limit = 500
	}
	var out []RawPacket
	err := s.read(ctx, "raw packets", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT id, timestamp, COALESCE(from_id, ''), COALESCE(packet_type, ''),
                COALESCE(raw_json, '')
            FROM raw_packets WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				p  RawPacket
				ts float64
			)
			if err := rows.Scan(&p.ID, &ts, &p.FromID, &p.PacketType, &p.RawJSON); err != nil {
				return err
			}
			p.Timestamp = secondsToTime(ts)
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}
