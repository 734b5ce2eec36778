package storage

import (
	"context"
	"database/sql"
	"time"
)

func secondsToTime(value float64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	sec := int64(value)
	nsec := int64((value - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func timeToSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func nullTime(v sql.NullFloat64) *time.Time {
	if !v.Valid || v.Float64 <= 0 {
		return nil
	}
	t := secondsToTime(v.Float64)
	return &t
}

// bumpCounter moves the change counter to now, or just past its previous
// value when the clock has not advanced.
func bumpCounter(tx *sql.Tx, now time.Time) error {
	_, err := tx.Exec(`INSERT INTO db_meta (key, value) VALUES ('last_updated', ?)
        ON CONFLICT(key) DO UPDATE SET value = MAX(excluded.value, COALESCE(db_meta.value, 0) + 0.000001)`,
		timeToSeconds(now))
	return err
}

// LastModified returns the change counter as unix seconds.
func (s *Store) LastModified(ctx context.Context) (float64, error) {
	var value sql.NullFloat64
	err := s.read(ctx, "last modified", func(conn *sql.Conn) error {
		err := conn.QueryRowContext(ctx, `SELECT value FROM db_meta WHERE key = 'last_updated'`).Scan(&value)
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	})
	return value.Float64, err
}
