package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/aminovpavel/meshbridge-go/internal/decode"
)

const nodeColumns = `node_id, node_num, COALESCE(long_name, ''), COALESCE(short_name, ''),
    COALESCE(mac_address, ''), COALESCE(hw_model, ''), hw_model_id, COALESCE(role, ''),
    COALESCE(is_licensed, 0), COALESCE(is_favorite, 0), latitude, longitude, altitude,
    position_time, position_precision, battery_level, voltage, channel_utilization, air_util_tx,
    uptime_seconds, last_heard, snr, hops_away, COALESCE(via_mqtt, 0), first_seen, last_updated,
    COALESCE(times_heard, 0)`

// SaveNode upserts the node descriptor. first_seen is preserved from the
// existing row, times_heard increments (seeded to 1), every other column is
// replaced by the new observation.
func (s *Store) SaveNode(ctx context.Context, node decode.NodeInfo) error {
	if node.NodeID == "" {
		return errors.New("storage: save node: empty node id")
	}
	now := s.nowSeconds()
	err := s.write(ctx, "save node", true, func(tx *sql.Tx) error {
		var (
			firstSeen  sql.NullFloat64
			timesHeard sql.NullInt64
		)
		err := tx.QueryRow(`SELECT first_seen, times_heard FROM nodes WHERE node_id = ?`, node.NodeID).
			Scan(&firstSeen, &timesHeard)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			firstSeen = sql.NullFloat64{Float64: now, Valid: true}
			timesHeard = sql.NullInt64{}
		case err != nil:
			return err
		}
		if !firstSeen.Valid {
			firstSeen = sql.NullFloat64{Float64: now, Valid: true}
		}

		_, err = tx.Exec(`INSERT OR REPLACE INTO nodes (
            node_id, node_num, long_name, short_name, mac_address, hw_model, hw_model_id, role,
            is_licensed, is_favorite, latitude, longitude, altitude, position_time, position_precision,
            battery_level, voltage, channel_utilization, air_util_tx, uptime_seconds, last_heard, snr,
            hops_away, via_mqtt, first_seen, last_updated, times_heard, raw_data
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			node.NodeID,
			nullInt64(node.Num),
			nullString(node.LongName),
			nullString(node.ShortName),
			nullString(node.MacAddress),
			nullString(node.HWModel),
			nullInt64(node.HWModelID),
			nullString(node.Role),
			boolToInt(node.IsLicensed),
			boolToInt(node.IsFavorite),
			nullFloat64(node.Latitude),
			nullFloat64(node.Longitude),
			nullInt64(node.Altitude),
			nullInt64(node.PositionTime),
			nullInt64(node.PositionPrecision),
			nullInt64(node.BatteryLevel),
			nullFloat64(node.Voltage),
			nullFloat64(node.ChannelUtilization),
			nullFloat64(node.AirUtilTx),
			nullInt64(node.UptimeSeconds),
			nullInt64(node.LastHeard),
			nullFloat64(node.SNR),
			nullInt64(node.HopsAway),
			boolToInt(node.ViaMQTT),
			firstSeen.Float64,
			now,
			timesHeard.Int64+1,
			nullString(encodeJSON(node.Raw)),
		)
		return err
	})
	if err != nil {
		return err
	}
	s.names.merge(node.NodeID, node.LongName, node.ShortName)
	s.metrics.IncNodeUpsert()
	return nil
}

// SaveNodeIdentity merges a NODEINFO_APP announcement into the node row.
// Identity columns take the announced values when present; position,
// telemetry and signal columns keep their stored value unless the packet
// carries one. last_heard only moves forward.
func (s *Store) SaveNodeIdentity(ctx context.Context, node decode.NodeInfo, heard time.Time) error {
	if node.NodeID == "" {
		return errors.New("storage: save node identity: empty node id")
	}
	if heard.IsZero() {
		heard = s.now()
	}
	lastHeard := heard.Unix()
	if node.LastHeard != nil && *node.LastHeard > lastHeard {
		lastHeard = *node.LastHeard
	}
	now := s.nowSeconds()
	err := s.write(ctx, "save node identity", true, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO nodes (
            node_id, node_num, long_name, short_name, mac_address, hw_model, hw_model_id, role,
            is_licensed, latitude, longitude, altitude, battery_level, voltage, channel_utilization,
            air_util_tx, uptime_seconds, last_heard, snr, hops_away, via_mqtt, first_seen,
            last_updated, times_heard, raw_data
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
        ON CONFLICT(node_id) DO UPDATE SET
            node_num = COALESCE(excluded.node_num, nodes.node_num),
            long_name = COALESCE(excluded.long_name, nodes.long_name),
            short_name = COALESCE(excluded.short_name, nodes.short_name),
            mac_address = COALESCE(excluded.mac_address, nodes.mac_address),
            hw_model = COALESCE(excluded.hw_model, nodes.hw_model),
            hw_model_id = COALESCE(excluded.hw_model_id, nodes.hw_model_id),
            role = COALESCE(excluded.role, nodes.role),
            is_licensed = excluded.is_licensed,
            latitude = COALESCE(excluded.latitude, nodes.latitude),
            longitude = COALESCE(excluded.longitude, nodes.longitude),
            altitude = COALESCE(excluded.altitude, nodes.altitude),
            battery_level = COALESCE(excluded.battery_level, nodes.battery_level),
            voltage = COALESCE(excluded.voltage, nodes.voltage),
            channel_utilization = COALESCE(excluded.channel_utilization, nodes.channel_utilization),
            air_util_tx = COALESCE(excluded.air_util_tx, nodes.air_util_tx),
            uptime_seconds = COALESCE(excluded.uptime_seconds, nodes.uptime_seconds),
            last_heard = MAX(COALESCE(nodes.last_heard, 0), excluded.last_heard),
            snr = COALESCE(excluded.snr, nodes.snr),
            hops_away = COALESCE(excluded.hops_away, nodes.hops_away),
            via_mqtt = excluded.via_mqtt,
            first_seen = COALESCE(nodes.first_seen, excluded.first_seen),
            last_updated = excluded.last_updated,
            times_heard = COALESCE(nodes.times_heard, 0) + 1,
            raw_data = COALESCE(excluded.raw_data, nodes.raw_data)`,
			node.NodeID,
			nullInt64(node.Num),
			nullString(node.LongName),
			nullString(node.ShortName),
			nullString(node.MacAddress),
			nullString(node.HWModel),
			nullInt64(node.HWModelID),
			nullString(node.Role),
			boolToInt(node.IsLicensed),
			nullFloat64(node.Latitude),
			nullFloat64(node.Longitude),
			nullInt64(node.Altitude),
			nullInt64(node.BatteryLevel),
			nullFloat64(node.Voltage),
			nullFloat64(node.ChannelUtilization),
			nullFloat64(node.AirUtilTx),
			nullInt64(node.UptimeSeconds),
			lastHeard,
			nullFloat64(node.SNR),
			nullInt64(node.HopsAway),
			boolToInt(node.ViaMQTT),
			now,
			now,
			nullString(encodeJSON(node.Raw)),
		)
		return err
	})
	if err != nil {
		return err
	}
	s.names.merge(node.NodeID, node.LongName, node.ShortName)
	s.metrics.IncNodeUpsert()
	return nil
}

// TouchNodeLastHeard records activity from a non-NodeInfo packet. last_heard
// only moves forward. Unknown nodes get a stub row so they show up in node
// listings before their first NodeInfo.
func (s *Store) TouchNodeLastHeard(ctx context.Context, nodeID string, heard time.Time) error {
	if nodeID == "" || decode.IsBroadcast(nodeID) || nodeID == AssistantID {
		return nil
	}
	if heard.IsZero() {
		heard = s.now()
	}
	now := s.nowSeconds()
	return s.write(ctx, "touch node", true, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO nodes (node_id, last_heard, first_seen, last_updated, times_heard)
            VALUES (?, ?, ?, ?, 1)
            ON CONFLICT(node_id) DO UPDATE SET
                last_heard = MAX(COALESCE(nodes.last_heard, 0), excluded.last_heard),
                last_updated = excluded.last_updated,
                times_heard = COALESCE(nodes.times_heard, 0) + 1`,
			nodeID, heard.Unix(), now, now)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (Node, error) {
	var (
		n                                        Node
		num, hwModelID, altitude, posTime        sql.NullInt64
		posPrecision, battery, uptime, lastHeard sql.NullInt64
		hopsAway                                 sql.NullInt64
		lat, lon, voltage, chUtil, airUtil, snr  sql.NullFloat64
		firstSeen, lastUpdated                   sql.NullFloat64
		licensed, favorite, viaMQTT              int64
	)
	err := row.Scan(
		&n.NodeID, &num, &n.LongName, &n.ShortName, &n.MacAddress, &n.HWModel, &hwModelID, &n.Role,
		&licensed, &favorite, &lat, &lon, &altitude, &posTime, &posPrecision, &battery, &voltage,
		&chUtil, &airUtil, &uptime, &lastHeard, &snr, &hopsAway, &viaMQTT, &firstSeen, &lastUpdated,
		&n.TimesHeard,
	)
	if err != nil {
		return Node{}, err
	}
	n.NodeNum = intPtr(num)
	n.HWModelID = intPtr(hwModelID)
	n.IsLicensed = licensed != 0
	n.IsFavorite = favorite != 0
	n.Latitude = floatPtr(lat)
	n.Longitude = floatPtr(lon)
	n.Altitude = intPtr(altitude)
	n.PositionTime = intPtr(posTime)
	n.PositionPrecision = intPtr(posPrecision)
	n.BatteryLevel = intPtr(battery)
	n.Voltage = floatPtr(voltage)
	n.ChannelUtilization = floatPtr(chUtil)
	n.AirUtilTx = floatPtr(airUtil)
	n.UptimeSeconds = intPtr(uptime)
	n.LastHeard = intPtr(lastHeard)
	n.SNR = floatPtr(snr)
	n.HopsAway = intPtr(hopsAway)
	n.ViaMQTT = viaMQTT != 0
	n.FirstSeen = nullTime(firstSeen)
	n.LastUpdated = nullTime(lastUpdated)
	return n, nil
}

// GetNode returns one node or ErrNotFound.
func (s *Store) GetNode(ctx context.Context, nodeID string) (Node, error) {
	var node Node
	err := s.read(ctx, "get node", func(conn *sql.Conn) error {
		var err error
		node, err = scanNode(conn.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE node_id = ?`, nodeID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return node, err
}

// ListNodes returns nodes ordered by most recently heard. A positive since
// restricts the list to nodes heard at or after it.
func (s *Store) ListNodes(ctx context.Context, since time.Time) ([]Node, error) {
	var out []Node
	err := s.read(ctx, "list nodes", func(conn *sql.Conn) error {
		query := `SELECT ` + nodeColumns + ` FROM nodes`
		var args []any
		if !since.IsZero() {
			query += ` WHERE COALESCE(last_heard, 0) >= ?`
			args = append(args, since.Unix())
		}
		query += ` ORDER BY COALESCE(last_heard, 0) DESC`
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			n, err := scanNode(rows)
			if err != nil {
				return err
			}
			out = append(out, n)
		}
		return rows.Err()
	})
	return out, err
}

// NodeCounts summarises the node table relative to now.
func (s *Store) NodeCounts(ctx context.Context, now time.Time) (NodeCounts, error) {
	var c NodeCounts
	err := s.read(ctx, "node counts", func(conn *sql.Conn) error {
		var avg sql.NullFloat64
		err := conn.QueryRowContext(ctx, `SELECT
                COUNT(*),
                COALESCE(SUM(CASE WHEN COALESCE(last_heard, 0) >= ? THEN 1 ELSE 0 END), 0),
                COALESCE(SUM(CASE WHEN latitude IS NOT NULL AND longitude IS NOT NULL
                    AND (latitude != 0 OR longitude != 0) THEN 1 ELSE 0 END), 0),
                AVG(CASE WHEN channel_utilization > 0 THEN channel_utilization END)
            FROM nodes`, now.Add(-24*time.Hour).Unix()).
			Scan(&c.Total, &c.Active24h, &c.WithGPS, &avg)
		c.AvgChannelUtil = floatPtr(avg)
		return err
	})
	return c, err
}

// HopDistribution buckets nodes with a known hop distance.
func (s *Store) HopDistribution(ctx context.Context) (HopHistogram, error) {
	var h HopHistogram
	err := s.read(ctx, "hop distribution", func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT
                COALESCE(SUM(CASE WHEN hops_away <= 0 THEN 1 ELSE 0 END), 0),
                COALESCE(SUM(CASE WHEN hops_away = 1 THEN 1 ELSE 0 END), 0),
                COALESCE(SUM(CASE WHEN hops_away = 2 THEN 1 ELSE 0 END), 0),
                COALESCE(SUM(CASE WHEN hops_away >= 3 THEN 1 ELSE 0 END), 0)
            FROM nodes WHERE hops_away IS NOT NULL`).
			Scan(&h.Direct, &h.OneHop, &h.TwoHop, &h.ThreePlus)
	})
	return h, err
}

// NodeDetail gathers the node row plus its recent history.
func (s *Store) NodeDetail(ctx context.Context, nodeID string) (NodeDetail, error) {
	node, err := s.GetNode(ctx, nodeID)
	if err != nil {
		return NodeDetail{}, err
	}
	detail := NodeDetail{Node: node}
	if detail.Telemetry, err = s.TelemetryHistory(ctx, nodeID, "", 20); err != nil {
		return detail, err
	}
	if detail.Positions, err = s.PositionTrail(ctx, nodeID, 20); err != nil {
		return detail, err
	}
	if detail.SignalHistory, err = s.SignalTrends(ctx, nodeID, 24); err != nil {
		return detail, err
	}
	err = s.read(ctx, "node detail", func(conn *sql.Conn) error {
		if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE from_id = ?`, nodeID).
			Scan(&detail.MessagesTotal); err != nil {
			return err
		}
		msgs, err := queryMessages(ctx, conn, `WHERE from_id = ? ORDER BY timestamp DESC LIMIT 10`, nodeID)
		if err != nil {
			return err
		}
		detail.RecentMessages = msgs

		rows, err := conn.QueryContext(ctx, `SELECT node_id, neighbor_id, timestamp, snr FROM neighbors
            WHERE node_id = ? OR neighbor_id = ? ORDER BY timestamp DESC`, nodeID, nodeID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				n   Neighbor
				ts  float64
				snr sql.NullFloat64
			)
			if err := rows.Scan(&n.NodeID, &n.NeighborID, &ts, &snr); err != nil {
				return err
			}
			n.Timestamp = secondsToTime(ts)
			n.SNR = floatPtr(snr)
			detail.Neighbors = append(detail.Neighbors, n)
		}
		return rows.Err()
	})
	return detail, err
}
