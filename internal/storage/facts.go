package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// SaveFact records something learned about a user. A repeated
// (user, type, value) triple replaces the earlier row.
func (s *Store) SaveFact(ctx context.Context, userID string, fact Fact) error {
	if userID == "" || fact.Type == "" || strings.TrimSpace(fact.Value) == "" {
		return errors.New("storage: save fact: user, type and value are required")
	}
	if fact.Confidence <= 0 {
		fact.Confidence = 1
	}
	return s.write(ctx, "save fact", true, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT OR REPLACE INTO user_facts (user_id, fact_type, fact_value, confidence, source, created_at)
            VALUES (?, ?, ?, ?, ?, ?)`,
			userID, fact.Type, strings.TrimSpace(fact.Value), fact.Confidence, nullString(fact.Source), s.stamp(fact.CreatedAt))
		return err
	})
}

// UserFacts returns every fact about a user, newest first.
func (s *Store) UserFacts(ctx context.Context, userID string) ([]Fact, error) {
	var out []Fact
	err := s.read(ctx, "user facts", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT fact_type, fact_value, COALESCE(confidence, 1), COALESCE(source, ''), created_at
            FROM user_facts WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				f  Fact
				ts float64
			)
			if err := rows.Scan(&f.Type, &f.Value, &f.Confidence, &f.Source, &ts); err != nil {
				return err
			}
			f.CreatedAt = secondsToTime(ts)
			out = append(out, f)
		}
		return rows.Err()
	})
	return out, err
}

// SaveGlobalContext stores a free-text fact. Duplicates are ignored.
func (s *Store) SaveGlobalContext(ctx context.Context, text, category string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("storage: save global context: empty text")
	}
	return s.write(ctx, "save global context", true, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT OR IGNORE INTO global_context (context, category, created_at) VALUES (?, ?, ?)`,
			text, nullString(category), s.nowSeconds())
		return err
	})
}

// GlobalContext returns the newest global facts.
func (s *Store) GlobalContext(ctx context.Context, limit int) ([]GlobalFact, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []GlobalFact
	err := s.read(ctx, "global context", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT context, COALESCE(category, '') FROM global_context
            ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var g GlobalFact
			if err := rows.Scan(&g.Context, &g.Category); err != nil {
				return err
			}
			out = append(out, g)
		}
		return rows.Err()
	})
	return out, err
}

// LogFilteredContent records a message the content filter rejected.
func (s *Store) LogFilteredContent(ctx context.Context, fc FilteredContent) error {
	return s.write(ctx, "log filtered content", false, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO filtered_content (timestamp, from_id, from_name, original_text, filter_reason, filter_category)
            VALUES (?, ?, ?, ?, ?, ?)`,
			s.stamp(fc.Timestamp), nullString(fc.FromID), nullString(fc.FromName), fc.OriginalText,
			nullString(fc.Reason), fc.Category)
		return err
	})
}

// FilteredContentLog returns the newest filter decisions.
func (s *Store) FilteredContentLog(ctx context.Context, limit int) ([]FilteredContent, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []FilteredContent
	err := s.read(ctx, "filtered content", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT timestamp, COALESCE(from_id, ''), COALESCE(from_name, ''),
                COALESCE(original_text, ''), COALESCE(filter_reason, ''), COALESCE(filter_category, '')
            FROM filtered_content ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				fc FilteredContent
				ts float64
			)
			if err := rows.Scan(&ts, &fc.FromID, &fc.FromName, &fc.OriginalText, &fc.Reason, &fc.Category); err != nil {
				return err
			}
			fc.Timestamp = secondsToTime(ts)
			out = append(out, fc)
		}
		return rows.Err()
	})
	return out, err
}
