package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aminovpavel/meshbridge-go/internal/observability"
)

// ErrNotFound is returned by single-row lookups with no match.
var ErrNotFound = errors.New("storage: not found")

// AssistantID is the reserved sender id of the bridge's own replies.
const AssistantID = "assistant"

// Config holds configuration values for the SQLite store.
type Config struct {
	Path                string
	ReadPoolSize        int
	MaintenanceInterval time.Duration
	WALAutocheckpoint   int
	JournalSizeLimit    int
	CacheKiB            int
}

func (c *Config) normalise() {
	if c.ReadPoolSize <= 0 {
		c.ReadPoolSize = 4
	}
	if c.MaintenanceInterval < 0 {
		c.MaintenanceInterval = 0
	}
	if c.WALAutocheckpoint <= 0 {
		c.WALAutocheckpoint = 1000
	}
	if c.JournalSizeLimit <= 0 {
		c.JournalSizeLimit = 64 * 1024 * 1024
	}
	if c.CacheKiB <= 0 {
		c.CacheKiB = 8192
	}
}

// Store is the persistence layer shared by the bridge, the dispatcher and
// the dashboard. Writes go through a single-connection pool, reads through a
// bounded query_only pool.
type Store struct {
	cfg     Config
	writeDB *sql.DB
	readDB  *sql.DB

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	names   *nameCache

	maintenanceStop chan struct{}
	wg              sync.WaitGroup
	closeOnce       sync.Once
}

// Option configures the store.
type Option func(*Store)

// WithLogger injects a structured logger into the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Store) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithClock overrides the wall clock used for write timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open creates the database file if needed, applies migrations and starts
// background maintenance. Migration failures are fatal.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("storage: database path must be provided")
	}
	cfg.normalise()

	s := &Store{
		cfg:             cfg,
		logger:          observability.NoOpLogger(),
		now:             time.Now,
		names:           newNameCache(),
		maintenanceStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = observability.Component(s.logger, "storage")

	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure directory: %w", err)
	}

	writeDB, err := openPool(abs, cfg, false)
	if err != nil {
		return nil, err
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)

	if err := migrate(ctx, writeDB); err != nil {
		_ = writeDB.Close()
		return nil, err
	}

	readDB, err := openPool(abs, cfg, true)
	if err != nil {
		_ = writeDB.Close()
		return nil, err
	}
	readDB.SetMaxOpenConns(cfg.ReadPoolSize)
	readDB.SetMaxIdleConns(cfg.ReadPoolSize)
	readDB.SetConnMaxIdleTime(5 * time.Minute)
	readDB.SetConnMaxLifetime(30 * time.Minute)

	s.writeDB = writeDB
	s.readDB = readDB

	if err := s.names.load(ctx, readDB); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("storage: load node names: %w", err)
	}

	s.startMaintenance()
	return s, nil
}

// dsn builds a modernc DSN carrying the per-connection pragmas so every
// pooled connection is configured identically.
func dsn(path string, cfg Config, readOnly bool) string {
	params := url.Values{}
	pragmas := []string{
		"busy_timeout(30000)",
		"foreign_keys(1)",
		"synchronous(NORMAL)",
		"temp_store(MEMORY)",
		fmt.Sprintf("cache_size(-%d)", cfg.CacheKiB),
	}
	if readOnly {
		pragmas = append(pragmas, "query_only(1)")
	} else {
		pragmas = append([]string{"journal_mode(WAL)"}, pragmas...)
		pragmas = append(pragmas,
			fmt.Sprintf("wal_autocheckpoint(%d)", cfg.WALAutocheckpoint),
			fmt.Sprintf("journal_size_limit(%d)", cfg.JournalSizeLimit),
		)
	}
	for _, p := range pragmas {
		params.Add("_pragma", p)
	}
	return "file:" + path + "?" + params.Encode()
}

func openPool(path string, cfg Config, readOnly bool) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn(path, cfg, readOnly))
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}
	return db, nil
}

// Reader acquires a read-only connection. The caller must Close it to
// release it back to the pool.
func (s *Store) Reader(ctx context.Context) (*sql.Conn, error) {
	conn, err := s.readDB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: acquire reader: %w", err)
	}
	return conn, nil
}

// Writer acquires the single write connection. The caller must Close it
// promptly; every other writer waits until then.
func (s *Store) Writer(ctx context.Context) (*sql.Conn, error) {
	conn, err := s.writeDB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: acquire writer: %w", err)
	}
	return conn, nil
}

// Ping verifies that both pools answer; used as the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.writeDB.PingContext(ctx); err != nil {
		return fmt.Errorf("storage: ping writer: %w", err)
	}
	if err := s.readDB.PingContext(ctx); err != nil {
		return fmt.Errorf("storage: ping reader: %w", err)
	}
	return nil
}

// Close stops maintenance, checkpoints the WAL and closes both pools.
func (s *Store) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.maintenanceStop)
		s.wg.Wait()
		if s.writeDB != nil {
			if _, err := s.writeDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
				s.logger.Warn("final checkpoint failed", slog.Any("error", err))
			}
		}
		if s.readDB != nil {
			closeErr = errors.Join(closeErr, s.readDB.Close())
		}
		if s.writeDB != nil {
			closeErr = errors.Join(closeErr, s.writeDB.Close())
		}
	})
	return closeErr
}

// NodeName returns the cached long name of a node, or "" if unknown.
func (s *Store) NodeName(nodeID string) string {
	return s.names.name(nodeID)
}

// write runs fn in a transaction on the write connection. When bump is set
// the change counter moves forward in the same transaction.
func (s *Store) write(ctx context.Context, op string, bump bool, fn func(tx *sql.Tx) error) error {
	err := s.writeTx(ctx, bump, fn)
	if err != nil {
		s.metrics.IncStoreErrors()
		return fmt.Errorf("storage: %s: %w", op, err)
	}
	return nil
}

func (s *Store) writeTx(ctx context.Context, bump bool, fn func(tx *sql.Tx) error) error {
	conn, err := s.Writer(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if bump {
		if err := bumpCounter(tx, s.now()); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// read acquires a reader connection for the duration of fn.
func (s *Store) read(ctx context.Context, op string, fn func(conn *sql.Conn) error) error {
	conn, err := s.Reader(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := fn(conn); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("storage: %s: %w", op, err)
	}
	return nil
}

// nowSeconds is the write timestamp used when a record carries none.
func (s *Store) nowSeconds() float64 {
	return timeToSeconds(s.now())
}

func (s *Store) stamp(t time.Time) float64 {
	if t.IsZero() {
		return s.nowSeconds()
	}
	return timeToSeconds(t)
}

func (s *Store) startMaintenance() {
	if s.cfg.MaintenanceInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.cfg.MaintenanceInterval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-s.maintenanceStop:
				return
			case <-ticker.C:
				if err := s.runMaintenance(context.Background()); err != nil {
					s.logger.Warn("sqlite maintenance failed", slog.Any("error", err))
				}
			}
		}
	}()
}

func (s *Store) runMaintenance(ctx context.Context) error {
	start := time.Now()
	if _, err := s.writeDB.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("maintenance: wal_checkpoint: %w", err)
	}
	if _, err := s.writeDB.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("maintenance: optimize: %w", err)
	}
	s.logger.Info("sqlite maintenance completed", slog.Duration("duration", time.Since(start)))
	return nil
}
