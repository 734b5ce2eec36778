package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aminovpavel/meshbridge-go/internal/decode"
)

const outboxColumns = `id, created_at, COALESCE(message, ''), COALESCE(destination, '^all'), COALESCE(channel, 0),
    COALESCE(status, 'pending'), sent_at, COALESCE(error, ''), COALESCE(msg_type, 'text')`

func scanOutbox(row rowScanner) (OutboxEntry, error) {
	var (
		e       OutboxEntry
		created float64
		sentAt  sql.NullFloat64
	)
	if err := row.Scan(&e.ID, &created, &e.Message, &e.Destination, &e.Channel, &e.Status, &sentAt, &e.Error, &e.Kind); err != nil {
		return e, err
	}
	e.CreatedAt = secondsToTime(created)
	e.SentAt = nullTime(sentAt)
	return e, nil
}

// AddToOutbox queues a transmission for the dispatcher and returns its id.
// An empty destination means broadcast.
func (s *Store) AddToOutbox(ctx context.Context, message, destination string, channel int, kind string) (int64, error) {
	switch kind {
	case "":
		kind = KindText
	case KindText, KindDM, KindTraceroute:
	default:
		return 0, fmt.Errorf("storage: add to outbox: unknown kind %q", kind)
	}
	if destination == "" {
		destination = decode.BroadcastAlias
	}
	var id int64
	err := s.write(ctx, "add to outbox", true, func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO pending_outbox (created_at, message, destination, channel, status, msg_type)
            VALUES (?, ?, ?, ?, ?, ?)`, s.nowSeconds(), message, destination, channel, StatusPending, kind)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("outbox entry queued", "id", id, "kind", kind, "destination", destination)
	return id, nil
}

// AddTracerouteRequest queues a traceroute towards nodeID.
func (s *Store) AddTracerouteRequest(ctx context.Context, nodeID string) (int64, error) {
	if nodeID == "" {
		return 0, errors.New("storage: add traceroute request: empty node id")
	}
	return s.AddToOutbox(ctx, "traceroute", nodeID, 0, KindTraceroute)
}

// PendingOutbox returns up to limit pending entries, oldest first.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	var out []OutboxEntry
	err := s.read(ctx, "pending outbox", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT `+outboxColumns+` FROM pending_outbox
            WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`, StatusPending, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanOutbox(rows)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// GetOutboxEntry returns one entry or ErrNotFound.
func (s *Store) GetOutboxEntry(ctx context.Context, id int64) (OutboxEntry, error) {
	var e OutboxEntry
	err := s.read(ctx, "get outbox entry", func(conn *sql.Conn) error {
		var err error
		e, err = scanOutbox(conn.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM pending_outbox WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return e, err
}

// MarkOutboxSent moves an entry to sent.
func (s *Store) MarkOutboxSent(ctx context.Context, id int64) error {
	return s.markOutbox(ctx, id, StatusSent, "")
}

// MarkOutboxFailed moves an entry to failed with the error text. Failed
// entries are never retried.
func (s *Store) MarkOutboxFailed(ctx context.Context, id int64, errText string) error {
	return s.markOutbox(ctx, id, StatusFailed, errText)
}

func (s *Store) markOutbox(ctx context.Context, id int64, status, errText string) error {
	return s.write(ctx, "mark outbox "+status, true, func(tx *sql.Tx) error {
		var (
			res sql.Result
			err error
		)
		if status == StatusSent {
			res, err = tx.Exec(`UPDATE pending_outbox SET status = ?, sent_at = ?, error = NULL WHERE id = ?`,
				status, s.nowSeconds(), id)
		} else {
			res, err = tx.Exec(`UPDATE pending_outbox SET status = ?, error = ? WHERE id = ?`,
				status, nullString(errText), id)
		}
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// PurgeOutbox deletes sent and failed entries created before now-olderThan
// and returns how many were removed. Pending entries are kept.
func (s *Store) PurgeOutbox(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := timeToSeconds(s.now().Add(-olderThan))
	var removed int64
	err := s.write(ctx, "purge outbox", false, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM pending_outbox WHERE status IN (?, ?) AND created_at < ?`,
			StatusSent, StatusFailed, cutoff)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

// OutboxEntries lists recent entries of any status, newest first.
func (s *Store) OutboxEntries(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []OutboxEntry
	err := s.read(ctx, "outbox entries", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT `+outboxColumns+` FROM pending_outbox
            ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanOutbox(rows)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}
