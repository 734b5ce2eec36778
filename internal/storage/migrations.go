package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Migration is one ordered, idempotent schema step.
type Migration struct {
	Version     int
	Description string
	Up          func(*sql.Tx) error
}

// Migrations returns every schema step in application order.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "initial schema",
			Up: func(tx *sql.Tx) error {
				for _, stmt := range schemaTables {
					if _, err := tx.Exec(stmt); err != nil {
						return fmt.Errorf("create table: %w", err)
					}
				}
				return nil
			},
		},
		{
			Version:     2,
			Description: "add columns missing from databases written by older bridges",
			Up: func(tx *sql.Tx) error {
				for _, col := range lateColumns {
					if err := addColumnIfMissing(tx, col.table, col.name, col.decl); err != nil {
						return fmt.Errorf("add %s.%s: %w", col.table, col.name, err)
					}
				}
				return nil
			},
		},
		{
			Version:     3,
			Description: "indexes",
			Up: func(tx *sql.Tx) error {
				for _, stmt := range schemaIndexes {
					if _, err := tx.Exec(stmt); err != nil {
						return fmt.Errorf("create index: %w", err)
					}
				}
				return nil
			},
		},
		{
			Version:     4,
			Description: "seed change counter",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`INSERT OR IGNORE INTO db_meta (key, value) VALUES ('last_updated', ?)`,
					timeToSeconds(time.Now()))
				return err
			},
		},
	}
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version INTEGER PRIMARY KEY,
        description TEXT NOT NULL,
        applied_at REAL NOT NULL
    )`); err != nil {
		return fmt.Errorf("storage: ensure schema_migrations: %w", err)
	}

	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range Migrations() {
		if m.Version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin migration %d: %w", m.Version, err)
		}
		if err := m.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("storage: apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
			m.Version, m.Description, timeToSeconds(time.Now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("storage: record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("storage: read schema version: %w", err)
	}
	return int(version.Int64), nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
}

func addColumnIfMissing(db execer, table, column, decl string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)
	if _, err := db.Exec(query); err != nil {
		if strings.Contains(err.Error(), "duplicate column name") {
			return nil
		}
		return err
	}
	return nil
}

func columnExists(db execer, table, column string) (bool, error) {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}
