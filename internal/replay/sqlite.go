// Package replay feeds the raw packet log of an existing database back
// through a packet handler.
package replay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aminovpavel/meshbridge-go/internal/decode"
)

// Handler consumes replayed envelopes.
type Handler interface {
	HandleEnvelope(ctx context.Context, env decode.Envelope) error
}

// Options configures how packets are selected from the source database.
type Options struct {
	StartID     int64
	EndID       int64
	Limit       int
	MaxRawBytes int
	// ContinueOnError counts rows the handler rejects as Failed instead of
	// stopping.
	ContinueOnError bool
}

// Result counts what a replay did.
type Result struct {
	Replayed int
	Skipped  int
	Failed   int
}

// ReplaySQLite reads raw_packets rows from the database at sourcePath and
// hands each one to handler in id order. The source connection is query-only.
func ReplaySQLite(ctx context.Context, sourcePath string, handler Handler, opts Options) (Result, error) {
	var res Result
	if sourcePath == "" {
		return res, errors.New("replay: source sqlite path must be provided")
	}
	if handler == nil {
		return res, errors.New("replay: handler must not be nil")
	}

	db, err := sql.Open("sqlite", "file:"+sourcePath+"?_pragma=busy_timeout(5000)&_pragma=query_only(1)")
	if err != nil {
		return res, fmt.Errorf("replay: open source sqlite: %w", err)
	}
	defer db.Close()

	baseQuery, err := buildPacketQuery(ctx, db)
	if err != nil {
		return res, fmt.Errorf("replay: build packet query: %w", err)
	}

	query, args := buildQuery(baseQuery, opts)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return res, fmt.Errorf("replay: query raw_packets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id        int64
			timestamp float64
			port      string
			rawJSON   string
		)
		if err := rows.Scan(&id, &timestamp, &port, &rawJSON); err != nil {
			return res, fmt.Errorf("replay: scan row: %w", err)
		}

		if rawJSON == "" || (opts.MaxRawBytes > 0 && len(rawJSON) > opts.MaxRawBytes) {
			res.Skipped++
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal([]byte(rawJSON), &raw); err != nil || raw == nil {
			res.Skipped++
			continue
		}

		env := decode.Envelope{
			Raw:        raw,
			PortName:   port,
			ReceivedAt: fromSeconds(timestamp),
		}
		env.GatewayID, _ = raw["gatewayId"].(string)
		env.ChannelID, _ = raw["channelId"].(string)

		if err := handler.HandleEnvelope(ctx, env); err != nil {
			if !opts.ContinueOnError {
				return res, fmt.Errorf("replay: handle packet id %d: %w", id, err)
			}
			res.Failed++
			continue
		}

		res.Replayed++
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}
	}

	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("replay: iterate rows: %w", err)
	}

	return res, nil
}

func buildQuery(base string, opts Options) (string, []any) {
	query := base

	args := make([]any, 0, 3)
	if opts.StartID > 0 {
		query += ` AND id >= ?`
		args = append(args, opts.StartID)
	}
	if opts.EndID > 0 {
		query += ` AND id <= ?`
		args = append(args, opts.EndID)
	}

	query += ` ORDER BY id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	return query, args
}

// buildPacketQuery prefers the original port name and falls back to the
// normalized packet type on databases created before port_num existed.
func buildPacketQuery(ctx context.Context, db *sql.DB) (string, error) {
	hasPort, err := tableHasColumn(ctx, db, "raw_packets", "port_num")
	if err != nil {
		return "", err
	}

	portExpr := "COALESCE(packet_type, '')"
	if hasPort {
		portExpr = "COALESCE(NULLIF(port_num, ''), packet_type, '')"
	}

	return fmt.Sprintf(`SELECT id, COALESCE(timestamp, 0), %s AS port, COALESCE(raw_json, '') FROM raw_packets WHERE raw_json IS NOT NULL`, portExpr), nil
}

func tableHasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	query := fmt.Sprintf("PRAGMA table_info(%s)", table)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var (
			cid        int
			name       string
			typeName   string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typeName, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		found = true
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	if !found {
		return false, fmt.Errorf("table %s does not exist", table)
	}
	return false, nil
}

func fromSeconds(v float64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
