package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// clearedTables lists what ClearAll empties. The outbox and migration
// bookkeeping are kept.
var clearedTables = []string{
	"raw_packets", "messages", "nodes", "user_facts", "global_context",
	"telemetry", "positions", "routing", "neighbors", "waypoints",
	"traceroutes", "filtered_content", "sent_messages",
	"store_forward", "range_tests", "detection_sensor", "paxcounter",
}

// ClearAll deletes every observed row and resets the node-name cache.
func (s *Store) ClearAll(ctx context.Context) error {
	err := s.write(ctx, "clear all", true, func(tx *sql.Tx) error {
		for _, table := range clearedTables {
			if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.names.reset()
	s.logger.Warn("all observed data cleared")
	return nil
}

// Vacuum rebuilds the database file.
func (s *Store) Vacuum(ctx context.Context) error {
	conn, err := s.Writer(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "VACUUM"); err != nil {
		s.metrics.IncStoreErrors()
		return fmt.Errorf("storage: vacuum: %w", err)
	}
	s.logger.Info("database vacuumed")
	return nil
}

// Maintain runs a WAL checkpoint and PRAGMA optimize on demand.
func (s *Store) Maintain(ctx context.Context) error {
	if err := s.runMaintenance(ctx); err != nil {
		s.logger.Warn("sqlite maintenance failed", slog.Any("error", err))
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}
