package storage

import (
	"context"
	"database/sql"
	"sort"
	"time"
)

const messageColumns = `id, timestamp, COALESCE(from_id, ''), COALESCE(from_name, ''), COALESCE(to_id, ''),
    COALESCE(channel, 0), COALESCE(text, ''), packet_id, hop_limit, hop_start, snr, rssi, rx_time,
    COALESCE(priority, ''), COALESCE(want_ack, 0), COALESCE(via_mqtt, 0), COALESCE(is_outgoing, 0)`

// broadcastClause matches destinations addressed to every node.
const broadcastClause = `(to_id IS NULL OR to_id IN ('^all', '!ffffffff', ''))`

func queryMessages(ctx context.Context, conn *sql.Conn, where string, args ...any) ([]Message, error) {
	rows, err := conn.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                                          Message
			ts                                         float64
			packetID, hopLimit, hopStart, rssi, rxTime sql.NullInt64
			snr                                        sql.NullFloat64
			wantAck, viaMQTT, outgoing                 int64
		)
		if err := rows.Scan(&m.ID, &ts, &m.FromID, &m.FromName, &m.ToID, &m.Channel, &m.Text,
			&packetID, &hopLimit, &hopStart, &snr, &rssi, &rxTime, &m.Priority,
			&wantAck, &viaMQTT, &outgoing); err != nil {
			return nil, err
		}
		m.Timestamp = secondsToTime(ts)
		m.PacketID = intPtr(packetID)
		m.HopLimit = intPtr(hopLimit)
		m.HopStart = intPtr(hopStart)
		m.SNR = floatPtr(snr)
		m.RSSI = intPtr(rssi)
		m.RxTime = intPtr(rxTime)
		m.WantAck = wantAck != 0
		m.ViaMQTT = viaMQTT != 0
		m.IsOutgoing = outgoing != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// ConversationHistory returns the latest exchange between userID and the
// bridge, oldest first.
func (s *Store) ConversationHistory(ctx context.Context, userID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []Message
	err := s.read(ctx, "conversation history", func(conn *sql.Conn) error {
		var err error
		out, err = queryMessages(ctx, conn, `WHERE from_id = ? OR (from_id = ? AND to_id = ?)
            ORDER BY timestamp DESC, id DESC LIMIT ?`, userID, AssistantID, userID, limit)
		return err
	})
	reverseMessages(out)
	return out, err
}

func reverseMessages(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// MessageQuery filters the received-message view.
type MessageQuery struct {
	Since   time.Time
	Channel *int
	Limit   int
}

// ListMessages returns received messages, newest first. Bridge replies are
// excluded; they are visible through the sent log.
func (s *Store) ListMessages(ctx context.Context, q MessageQuery) ([]Message, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	where := `WHERE COALESCE(from_id, '') != ?`
	args := []any{AssistantID}
	if !q.Since.IsZero() {
		where += ` AND timestamp >= ?`
		args = append(args, timeToSeconds(q.Since))
	}
	if q.Channel != nil {
		where += ` AND channel = ?`
		args = append(args, *q.Channel)
	}
	where += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, q.Limit)

	var out []Message
	err := s.read(ctx, "list messages", func(conn *sql.Conn) error {
		var err error
		out, err = queryMessages(ctx, conn, where, args...)
		return err
	})
	return out, err
}

// DMConversations lists direct-message peers with their latest message.
func (s *Store) DMConversations(ctx context.Context) ([]DMConversation, error) {
	convs := map[string]*DMConversation{}
	err := s.read(ctx, "dm conversations", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
            SELECT from_id AS peer, timestamp, COALESCE(text, '') FROM messages
            WHERE from_id != ? AND NOT `+broadcastClause+`
            UNION ALL
            SELECT to_id AS peer, timestamp, COALESCE(text, '') FROM sent_messages
            WHERE NOT `+broadcastClause+`
            ORDER BY timestamp ASC`, AssistantID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				peer, text string
				ts         float64
			)
			if err := rows.Scan(&peer, &ts, &text); err != nil {
				return err
			}
			c, ok := convs[peer]
			if !ok {
				c = &DMConversation{NodeID: peer}
				convs[peer] = c
			}
			c.Count++
			c.LastMessage = text
			c.LastTimestamp = secondsToTime(ts)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	out := make([]DMConversation, 0, len(convs))
	for _, c := range convs {
		c.Name = s.NodeName(c.NodeID)
		if c.Name == "" {
			c.Name = c.NodeID
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastTimestamp.After(out[j].LastTimestamp) })
	return out, nil
}

// DMThread merges direct messages from nodeID with sent messages to it,
// oldest first.
func (s *Store) DMThread(ctx context.Context, nodeID string, limit int) ([]ThreadMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []ThreadMessage
	err := s.read(ctx, "dm thread", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
            SELECT timestamp, from_id, COALESCE(from_name, ''), COALESCE(to_id, ''), COALESCE(channel, 0),
                COALESCE(text, ''), 0 AS is_sent, snr, rssi
            FROM messages WHERE from_id = ? AND NOT `+broadcastClause+`
            UNION ALL
            SELECT timestamp, 'self', 'Me', to_id, COALESCE(channel, 0), COALESCE(text, ''), 1, NULL, NULL
            FROM sent_messages WHERE to_id = ?
            ORDER BY timestamp DESC LIMIT ?`, nodeID, nodeID, limit)
		if err != nil {
			return err
		}
		out, err = scanThread(rows)
		return err
	})
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, err
}

func scanThread(rows *sql.Rows) ([]ThreadMessage, error) {
	defer rows.Close()
	var out []ThreadMessage
	for rows.Next() {
		var (
			m      ThreadMessage
			ts     float64
			isSent int64
			snr    sql.NullFloat64
			rssi   sql.NullInt64
		)
		if err := rows.Scan(&ts, &m.FromID, &m.FromName, &m.ToID, &m.Channel, &m.Text, &isSent, &snr, &rssi); err != nil {
			return nil, err
		}
		m.Timestamp = secondsToTime(ts)
		m.IsSent = isSent != 0
		m.SNR = floatPtr(snr)
		m.RSSI = intPtr(rssi)
		out = append(out, m)
	}
	return out, rows.Err()
}

// SentMessages returns the transmit log, newest first.
func (s *Store) SentMessages(ctx context.Context, limit int) ([]SentMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []SentMessage
	err := s.read(ctx, "sent messages", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT id, timestamp, COALESCE(to_id, ''), COALESCE(channel, 0),
                COALESCE(text, ''), packet_id, COALESCE(want_ack, 0), COALESCE(ack_received, 0), ack_time
            FROM sent_messages ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				m                 SentMessage
				ts                float64
				packetID          sql.NullInt64
				wantAck, ackRecvd int64
				ackTime           sql.NullFloat64
			)
			if err := rows.Scan(&m.ID, &ts, &m.ToID, &m.Channel, &m.Text, &packetID, &wantAck, &ackRecvd, &ackTime); err != nil {
				return err
			}
			m.Timestamp = secondsToTime(ts)
			m.PacketID = intPtr(packetID)
			m.WantAck = wantAck != 0
			m.AckReceived = ackRecvd != 0
			m.AckTime = nullTime(ackTime)
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

// UserMessageCounts tallies messages sent by userID, overall and within
// RecentWindow of now.
func (s *Store) UserMessageCounts(ctx context.Context, userID string, now time.Time) (UserCounts, error) {
	var c UserCounts
	err := s.read(ctx, "user message counts", func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `SELECT COUNT(*),
                COALESCE(SUM(CASE WHEN timestamp >= ? THEN 1 ELSE 0 END), 0)
            FROM messages WHERE from_id = ?`, timeToSeconds(now.Add(-RecentWindow)), userID).
			Scan(&c.Total, &c.Recent)
	})
	return c, err
}

// SignalTrends returns SNR/RSSI observations of messages from nodeID over
// the trailing window.
func (s *Store) SignalTrends(ctx context.Context, nodeID string, hours int) ([]SignalPoint, error) {
	if hours <= 0 {
		hours = 24
	}
	since := timeToSeconds(s.now().Add(-time.Duration(hours) * time.Hour))
	var out []SignalPoint
	err := s.read(ctx, "signal trends", func(conn *sql.Conn) error {
		query := `SELECT timestamp, snr, rssi FROM raw_packets
            WHERE timestamp >= ? AND (snr IS NOT NULL OR rssi IS NOT NULL)`
		args := []any{since}
		if nodeID != "" {
			query += ` AND from_id = ?`
			args = append(args, nodeID)
		}
		query += ` ORDER BY timestamp ASC LIMIT 1000`
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				p    SignalPoint
				ts   float64
				snr  sql.NullFloat64
				rssi sql.NullInt64
			)
			if err := rows.Scan(&ts, &snr, &rssi); err != nil {
				return err
			}
			p.Timestamp = secondsToTime(ts)
			p.SNR = floatPtr(snr)
			p.RSSI = intPtr(rssi)
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}
