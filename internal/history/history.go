// Package history rebuilds the state of the mesh as it was at a past instant.
//
// Every view only uses rows at or before the requested time, so playback
// never shows nodes or traffic from the future.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/aminovpavel/meshbridge-go/internal/observability"
	"github.com/aminovpavel/meshbridge-go/internal/storage"
)

const (
	// SelfID labels bridge-sent rows in merged message views.
	SelfID   = "self"
	SelfName = "Me"

	defaultMessageLimit = 100
	activityBuckets     = 24
)

// NodeState is a node as it looked at a past instant.
type NodeState struct {
	NodeID             string     `json:"node_id"`
	LongName           string     `json:"long_name"`
	ShortName          string     `json:"short_name"`
	HWModel            string     `json:"hw_model,omitempty"`
	Role               string     `json:"role,omitempty"`
	FirstActivity      time.Time  `json:"first_activity"`
	LastActivity       time.Time  `json:"last_activity"`
	Latitude           *float64   `json:"latitude,omitempty"`
	Longitude          *float64   `json:"longitude,omitempty"`
	Altitude           *int64     `json:"altitude,omitempty"`
	PositionTime       *time.Time `json:"position_time,omitempty"`
	BatteryLevel       *int64     `json:"battery_level,omitempty"`
	Voltage            *float64   `json:"voltage,omitempty"`
	ChannelUtilization *float64   `json:"channel_utilization,omitempty"`
	AirUtilTx          *float64   `json:"air_util_tx,omitempty"`
	UptimeSeconds      *int64     `json:"uptime_seconds,omitempty"`
	SNR                *float64   `json:"snr,omitempty"`
	RSSI               *int64     `json:"rssi,omitempty"`
	// HopsUsed is hop_start - hop_limit of the latest message that carried
	// hop data. It is reported as observed and may be negative.
	HopsUsed *int64 `json:"hops_used,omitempty"`
}

// DisplayName prefers the long name, then the short name, then the id.
func (n NodeState) DisplayName() string {
	switch {
	case n.LongName != "":
		return n.LongName
	case n.ShortName != "":
		return n.ShortName
	default:
		return n.NodeID
	}
}

// Snapshot bundles everything the dashboard needs to render one instant.
type Snapshot struct {
	At       time.Time                `json:"at"`
	Messages []storage.ThreadMessage  `json:"messages"`
	Nodes    []NodeState              `json:"nodes"`
	Stats    storage.Stats            `json:"stats"`
	Activity []storage.ActivityBucket `json:"activity"`
}

// Option customises the reconstructor.
type Option func(*Reconstructor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconstructor) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Reconstructor answers point-in-time queries against the store's read pool.
type Reconstructor struct {
	store  *storage.Store
	logger *slog.Logger
}

// New returns a reconstructor reading from store.
func New(store *storage.Store, opts ...Option) *Reconstructor {
	r := &Reconstructor{store: store, logger: observability.NoOpLogger()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = observability.Component(r.logger, "history")
	return r
}

func seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromSeconds(v float64) time.Time {
	sec := int64(v)
	return time.Unix(sec, int64((v-float64(sec))*1e9)).UTC()
}

func (r *Reconstructor) read(ctx context.Context, op string, fn func(conn *sql.Conn) error) error {
	conn, err := r.store.Reader(ctx)
	if err != nil {
		return fmt.Errorf("history: %s: %w", op, err)
	}
	defer conn.Close()
	if err := fn(conn); err != nil {
		return fmt.Errorf("history: %s: %w", op, err)
	}
	return nil
}

// NodesAt returns every node with a message or position fix at or before
// at, most recently active first. Nodes never named by a nodeinfo packet
// are still returned with their id only.
func (r *Reconstructor) NodesAt(ctx context.Context, at time.Time) ([]NodeState, error) {
	upper := seconds(at)
	var nodes []NodeState
	err := r.read(ctx, "nodes at", func(conn *sql.Conn) error {
		byID := map[string]*NodeState{}

		rows, err := conn.QueryContext(ctx, `WITH activity AS (
                SELECT from_id AS node_id, MIN(timestamp) AS first_ts, MAX(timestamp) AS last_ts
                FROM messages
                WHERE timestamp <= ? AND from_id IS NOT NULL AND from_id != ?
                GROUP BY from_id
                UNION ALL
                SELECT node_id, MIN(timestamp), MAX(timestamp)
                FROM positions WHERE timestamp <= ?
                GROUP BY node_id
            ), merged AS (
                SELECT node_id, MIN(first_ts) AS first_ts, MAX(last_ts) AS last_ts
                FROM activity GROUP BY node_id
            )
            SELECT m.node_id, m.first_ts, m.last_ts,
                COALESCE(n.long_name, ''), COALESCE(n.short_name, ''),
                COALESCE(n.hw_model, ''), COALESCE(n.role, '')
            FROM merged m LEFT JOIN nodes n ON n.node_id = m.node_id
            ORDER BY m.last_ts DESC, m.node_id`,
			upper, storage.AssistantID, upper)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				n           NodeState
				first, last float64
			)
			if err := rows.Scan(&n.NodeID, &first, &last, &n.LongName, &n.ShortName, &n.HWModel, &n.Role); err != nil {
				return err
			}
			n.FirstActivity = fromSeconds(first)
			n.LastActivity = fromSeconds(last)
			nodes = append(nodes, n)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for i := range nodes {
			byID[nodes[i].NodeID] = &nodes[i]
		}

		if err := mergePositions(ctx, conn, upper, byID); err != nil {
			return err
		}
		if err := mergeTelemetry(ctx, conn, upper, byID); err != nil {
			return err
		}
		if err := mergeSignal(ctx, conn, upper, byID); err != nil {
			return err
		}
		return mergeHops(ctx, conn, upper, byID)
	})
	return nodes, err
}

func mergePositions(ctx context.Context, conn *sql.Conn, upper float64, byID map[string]*NodeState) error {
	rows, err := conn.QueryContext(ctx, `SELECT node_id, timestamp, latitude, longitude, altitude FROM (
            SELECT node_id, timestamp, latitude, longitude, altitude,
                ROW_NUMBER() OVER (PARTITION BY node_id ORDER BY timestamp DESC, id DESC) AS rn
            FROM positions WHERE timestamp <= ?
        ) WHERE rn = 1`, upper)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id       string
			ts       float64
			lat, lon sql.NullFloat64
			alt      sql.NullInt64
		)
		if err := rows.Scan(&id, &ts, &lat, &lon, &alt); err != nil {
			return err
		}
		n, ok := byID[id]
		if !ok {
			continue
		}
		at := fromSeconds(ts)
		n.PositionTime = &at
		n.Latitude = nullFloat(lat)
		n.Longitude = nullFloat(lon)
		n.Altitude = nullInt(alt)
	}
	return rows.Err()
}

func mergeTelemetry(ctx context.Context, conn *sql.Conn, upper float64, byID map[string]*NodeState) error {
	rows, err := conn.QueryContext(ctx, `SELECT node_id, battery_level, voltage, channel_utilization, air_util_tx, uptime_seconds FROM (
            SELECT node_id, battery_level, voltage, channel_utilization, air_util_tx, uptime_seconds,
                ROW_NUMBER() OVER (PARTITION BY node_id ORDER BY timestamp DESC, id DESC) AS rn
            FROM telemetry WHERE telemetry_type = 'device' AND timestamp <= ?
        ) WHERE rn = 1`, upper)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id                string
			battery, uptime   sql.NullInt64
			voltage, util, tx sql.NullFloat64
		)
		if err := rows.Scan(&id, &battery, &voltage, &util, &tx, &uptime); err != nil {
			return err
		}
		n, ok := byID[id]
		if !ok {
			continue
		}
		n.BatteryLevel = nullInt(battery)
		n.Voltage = nullFloat(voltage)
		n.ChannelUtilization = nullFloat(util)
		n.AirUtilTx = nullFloat(tx)
		n.UptimeSeconds = nullInt(uptime)
	}
	return rows.Err()
}

func mergeSignal(ctx context.Context, conn *sql.Conn, upper float64, byID map[string]*NodeState) error {
	rows, err := conn.QueryContext(ctx, `SELECT from_id, snr, rssi FROM (
            SELECT from_id, snr, rssi,
                ROW_NUMBER() OVER (PARTITION BY from_id ORDER BY timestamp DESC, id DESC) AS rn
            FROM messages
            WHERE timestamp <= ? AND (snr IS NOT NULL OR rssi IS NOT NULL)
        ) WHERE rn = 1`, upper)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   string
			snr  sql.NullFloat64
			rssi sql.NullInt64
		)
		if err := rows.Scan(&id, &snr, &rssi); err != nil {
			return err
		}
		if n, ok := byID[id]; ok {
			n.SNR = nullFloat(snr)
			n.RSSI = nullInt(rssi)
		}
	}
	return rows.Err()
}

func mergeHops(ctx context.Context, conn *sql.Conn, upper float64, byID map[string]*NodeState) error {
	rows, err := conn.QueryContext(ctx, `SELECT from_id, hop_start - COALESCE(hop_limit, 0) FROM (
            SELECT from_id, hop_start, hop_limit,
                ROW_NUMBER() OVER (PARTITION BY from_id ORDER BY timestamp DESC, id DESC) AS rn
            FROM messages
            WHERE timestamp <= ? AND hop_start > 0
        ) WHERE rn = 1`, upper)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   string
			hops int64
		)
		if err := rows.Scan(&id, &hops); err != nil {
			return err
		}
		if n, ok := byID[id]; ok {
			n.HopsUsed = &hops
		}
	}
	return rows.Err()
}

// MessagesBefore merges received messages and the bridge transmit log at or
// before at, newest first. Sent rows are attributed to SelfID. Replies the
// bridge stored in the messages table are skipped; the transmit log already
// holds them.
func (r *Reconstructor) MessagesBefore(ctx context.Context, at time.Time, limit int) ([]storage.ThreadMessage, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	upper := seconds(at)
	var out []storage.ThreadMessage
	err := r.read(ctx, "messages before", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT timestamp, from_id, from_name, to_id, channel, text, snr, rssi, is_sent FROM (
                SELECT timestamp, COALESCE(from_id, '') AS from_id, COALESCE(from_name, '') AS from_name,
                    COALESCE(to_id, '') AS to_id, COALESCE(channel, 0) AS channel, COALESCE(text, '') AS text,
                    snr, rssi, 0 AS is_sent
                FROM messages WHERE timestamp <= ? AND COALESCE(from_id, '') != ?
                UNION ALL
                SELECT timestamp, ?, ?, COALESCE(to_id, ''), COALESCE(channel, 0), COALESCE(text, ''),
                    NULL, NULL, 1
                FROM sent_messages WHERE timestamp <= ?
            ) ORDER BY timestamp DESC LIMIT ?`,
			upper, storage.AssistantID, SelfID, SelfName, upper, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				m    storage.ThreadMessage
				ts   float64
				snr  sql.NullFloat64
				rssi sql.NullInt64
				sent int
			)
			if err := rows.Scan(&ts, &m.FromID, &m.FromName, &m.ToID, &m.Channel, &m.Text, &snr, &rssi, &sent); err != nil {
				return err
			}
			m.Timestamp = fromSeconds(ts)
			m.SNR = nullFloat(snr)
			m.RSSI = nullInt(rssi)
			m.IsSent = sent != 0
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

// StatsAt returns the aggregate counts as they stood at at.
func (r *Reconstructor) StatsAt(ctx context.Context, at time.Time) (storage.Stats, error) {
	st, err := r.store.StatsAsOf(ctx, at)
	if err != nil {
		return st, fmt.Errorf("history: stats at: %w", err)
	}
	return st, nil
}

// ActivityAt returns 24 hourly message counts covering (at-24h, at].
func (r *Reconstructor) ActivityAt(ctx context.Context, at time.Time) ([]storage.ActivityBucket, error) {
	buckets, err := r.store.ActivityBuckets(ctx, at, activityBuckets, time.Hour)
	if err != nil {
		return nil, fmt.Errorf("history: activity at: %w", err)
	}
	return buckets, nil
}

// Snapshot gathers messages, nodes, stats and activity for one instant.
func (r *Reconstructor) Snapshot(ctx context.Context, at time.Time, messageLimit int) (Snapshot, error) {
	snap := Snapshot{At: at.UTC()}
	var err error
	if snap.Messages, err = r.MessagesBefore(ctx, at, messageLimit); err != nil {
		return snap, err
	}
	if snap.Nodes, err = r.NodesAt(ctx, at); err != nil {
		return snap, err
	}
	if snap.Stats, err = r.StatsAt(ctx, at); err != nil {
		return snap, err
	}
	if snap.Activity, err = r.ActivityAt(ctx, at); err != nil {
		return snap, err
	}
	r.logger.Debug("snapshot built",
		slog.Time("at", snap.At),
		slog.Int("nodes", len(snap.Nodes)),
		slog.Int("messages", len(snap.Messages)),
	)
	return snap, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}
