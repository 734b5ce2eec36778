package storage

import (
	"context"
	"database/sql"
	"time"
)

// Stats returns the live aggregate counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	return s.stats(ctx, nil)
}

// StatsAsOf recomputes the aggregate counts using only rows at or before at.
// The result has the same shape as Stats with AsOf set.
func (s *Store) StatsAsOf(ctx context.Context, at time.Time) (Stats, error) {
	return s.stats(ctx, &at)
}

func (s *Store) stats(ctx context.Context, at *time.Time) (Stats, error) {
	st := Stats{PacketTypes: map[string]int64{}}
	upper := timeToSeconds(s.now())
	if at != nil {
		upper = timeToSeconds(*at)
		asOf := at.UTC()
		st.AsOf = &asOf
	}
	dayAgo := upper - 24*3600

	err := s.read(ctx, "stats", func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `SELECT
                (SELECT COUNT(*) FROM messages WHERE from_id != ? AND timestamp <= ?),
                (SELECT COUNT(*) FROM messages WHERE from_id != ? AND timestamp > ? AND timestamp <= ?),
                (SELECT COUNT(*) FROM raw_packets WHERE timestamp <= ?),
                (SELECT COUNT(*) FROM sent_messages WHERE timestamp <= ?)`,
			AssistantID, upper, AssistantID, dayAgo, upper, upper, upper)
		if err := row.Scan(&st.TotalMessages, &st.Messages24h, &st.TotalPackets, &st.TotalSent); err != nil {
			return err
		}

		if at == nil {
			if err := conn.QueryRowContext(ctx, `SELECT COUNT(*),
                    COALESCE(SUM(CASE WHEN COALESCE(last_heard, 0) >= ? THEN 1 ELSE 0 END), 0)
                FROM nodes`, int64(dayAgo)).Scan(&st.TotalNodes, &st.ActiveNodes24h); err != nil {
				return err
			}
		} else {
			if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM (
                    SELECT from_id AS id FROM messages WHERE from_id != ? AND timestamp <= ?
                    UNION SELECT node_id FROM positions WHERE timestamp <= ?
                    UNION SELECT from_id FROM raw_packets WHERE from_id IS NOT NULL AND timestamp <= ?
                )`, AssistantID, upper, upper, upper).Scan(&st.TotalNodes); err != nil {
				return err
			}
			if err := conn.QueryRowContext(ctx, `SELECT COUNT(DISTINCT from_id) FROM messages
                WHERE from_id != ? AND timestamp > ? AND timestamp <= ?`,
				AssistantID, dayAgo, upper).Scan(&st.ActiveNodes24h); err != nil {
				return err
			}
		}

		return packetTypes(ctx, conn, st.PacketTypes, `WHERE timestamp <= ?`, upper)
	})
	return st, err
}

func packetTypes(ctx context.Context, conn *sql.Conn, into map[string]int64, where string, args ...any) error {
	rows, err := conn.QueryContext(ctx, `SELECT COALESCE(packet_type, 'UNKNOWN'), COUNT(*) FROM raw_packets `+
		where+` GROUP BY packet_type`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name  string
			count int64
		)
		if err := rows.Scan(&name, &count); err != nil {
			return err
		}
		into[name] += count
	}
	return rows.Err()
}

// RangeStats aggregates traffic since the given instant; a zero since
// covers all rows.
func (s *Store) RangeStats(ctx context.Context, rangeName string, since time.Time) (RangeStats, error) {
	rs := RangeStats{Range: rangeName, PacketTypes: map[string]int64{}}
	lower := 0.0
	if !since.IsZero() {
		lower = timeToSeconds(since)
		sinceUTC := since.UTC()
		rs.Since = &sinceUTC
	}

	err := s.read(ctx, "range stats", func(conn *sql.Conn) error {
		var avgSNR, avgRSSI sql.NullFloat64
		if err := conn.QueryRowContext(ctx, `SELECT
                (SELECT COUNT(*) FROM messages WHERE from_id != ? AND timestamp >= ?),
                (SELECT COUNT(*) FROM raw_packets WHERE timestamp >= ?),
                (SELECT COUNT(DISTINCT from_id) FROM raw_packets WHERE from_id IS NOT NULL AND timestamp >= ?),
                (SELECT COUNT(*) FROM nodes),
                (SELECT COUNT(*) FROM sent_messages WHERE timestamp >= ?),
                (SELECT COUNT(*) FROM filtered_content WHERE timestamp >= ?),
                (SELECT AVG(snr) FROM raw_packets WHERE snr IS NOT NULL AND timestamp >= ?),
                (SELECT AVG(rssi) FROM raw_packets WHERE rssi IS NOT NULL AND rssi != 0 AND timestamp >= ?)`,
			AssistantID, lower, lower, lower, lower, lower, lower, lower).
			Scan(&rs.Messages, &rs.Packets, &rs.ActiveNodes, &rs.TotalNodes, &rs.Sent, &rs.FilteredMsgs,
				&avgSNR, &avgRSSI); err != nil {
			return err
		}
		rs.AvgSNR = floatPtr(avgSNR)
		rs.AvgRSSI = floatPtr(avgRSSI)

		if err := packetTypes(ctx, conn, rs.PacketTypes, `WHERE timestamp >= ?`, lower); err != nil {
			return err
		}

		rows, err := conn.QueryContext(ctx, `SELECT from_id, COALESCE(MAX(from_name), ''), COUNT(*) AS n
            FROM messages WHERE from_id != ? AND timestamp >= ?
            GROUP BY from_id ORDER BY n DESC LIMIT 10`, AssistantID, lower)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var a NodeActivity
			if err := rows.Scan(&a.NodeID, &a.Name, &a.Messages); err != nil {
				return err
			}
			if a.Name == "" {
				a.Name = a.NodeID
			}
			rs.TopNodes = append(rs.TopNodes, a)
		}
		return rows.Err()
	})
	if err != nil {
		return rs, err
	}

	if rs.Hops, err = s.HopDistribution(ctx); err != nil {
		return rs, err
	}

	end := s.now()
	width := time.Hour
	buckets := 24
	if !since.IsZero() {
		span := end.Sub(since)
		switch {
		case span <= 6*time.Hour:
			width = 15 * time.Minute
			buckets = int(span / width)
		case span > 48*time.Hour:
			width = 6 * time.Hour
			buckets = int(span / width)
		default:
			buckets = int(span / width)
		}
	}
	rs.Activity, err = s.ActivityBuckets(ctx, end, buckets, width)
	return rs, err
}

// ActivityBuckets counts received messages in n consecutive buckets of the
// given width ending at end, oldest first.
func (s *Store) ActivityBuckets(ctx context.Context, end time.Time, n int, width time.Duration) ([]ActivityBucket, error) {
	if n <= 0 {
		n = 1
	}
	if width <= 0 {
		width = time.Hour
	}
	start := end.Add(-time.Duration(n) * width)
	out := make([]ActivityBucket, n)
	for i := range out {
		out[i].Start = start.Add(time.Duration(i) * width).UTC()
	}

	err := s.read(ctx, "activity", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT CAST((timestamp - ?) / ? AS INTEGER) AS bucket, COUNT(*)
            FROM messages WHERE from_id != ? AND timestamp > ? AND timestamp <= ?
            GROUP BY bucket`,
			timeToSeconds(start), width.Seconds(), AssistantID, timeToSeconds(start), timeToSeconds(end))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var bucket, count int64
			if err := rows.Scan(&bucket, &count); err != nil {
				return err
			}
			if bucket >= int64(n) {
				bucket = int64(n) - 1
			}
			if bucket >= 0 {
				out[bucket].Messages += count
			}
		}
		return rows.Err()
	})
	return out, err
}

// TimeRange returns the first and last recorded packet instants. Both are
// zero on an empty database.
func (s *Store) TimeRange(ctx context.Context) (time.Time, time.Time, error) {
	var first, last sql.NullFloat64
	err := s.read(ctx, "time range", func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT MIN(ts), MAX(ts) FROM (
                SELECT MIN(timestamp) AS ts FROM raw_packets
                UNION ALL SELECT MAX(timestamp) FROM raw_packets
                UNION ALL SELECT MIN(timestamp) FROM messages
                UNION ALL SELECT MAX(timestamp) FROM messages
            )`).Scan(&first, &last)
	})
	if err != nil || !first.Valid {
		return time.Time{}, time.Time{}, err
	}
	return secondsToTime(first.Float64), secondsToTime(last.Float64), nil
}
