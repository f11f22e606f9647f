// Package storage implements the durable persistence contract (spec §4.6):
// users, channels, messages, and sessions atop an embedded SQLite database
// with WAL-mode durability and foreign-key enforcement.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Config controls how a Manager opens and tunes its SQLite connection.
type Config struct {
	Path            string
	MaxConnections  int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns sane defaults for a single-file embedded database.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:            path,
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 20 * time.Minute,
	}
}

// writeOperation is one queued mutation, processed serially by writeLoop.
type writeOperation struct {
	run    func(*sql.DB) error
	result chan error
}

// Manager owns the database handle. All mutations are serialized through a
// single background writer goroutine; reads proceed concurrently against
// the WAL-mode connection pool without additional locking.
type Manager struct {
	db           *sql.DB
	config       *Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewManager opens the database at cfg.Path, applies WAL/pragma tuning,
// runs idempotent schema initialization (seeding the default channel if
// absent), and starts the write-serialization goroutine.
func NewManager(cfg *Config) (*Manager, error) {
	dsn := cfg.Path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: apply pragmas: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: init schema: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       cfg,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.writeLoop()
	return m, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()
	for {
		select {
		case op := <-m.writeChannel:
			err := op.run(m.db)
			if err != nil && isRetryable(err) {
				time.Sleep(5 * time.Second)
				err = op.run(m.db)
			}
			op.result <- err
		case <-m.shutdown:
			return
		}
	}
}

// isRetryable reports whether err is a transient SQLite condition (the
// database was locked or busy under WAL contention) worth a single
// delayed retry. Expected sentinels like ErrConflict come back from run
// as-is and must never hit this path: retrying a duplicate-key insert
// just re-fails identically five seconds later while blocking every
// other queued write behind it.
func isRetryable(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// executeWrite queues a single mutation and blocks for its result. Every
// storage write (users, channels, messages, sessions) funnels through this
// to keep SQLite writes serialized.
func (m *Manager) executeWrite(run func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("storage: manager is closed")
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{run: run, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("storage: write operation timed out")
	case <-m.shutdown:
		return fmt.Errorf("storage: manager is shutting down")
	}
}

// HealthCheck verifies connectivity and basic read access.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("storage: ping: %w", err)
	}
	if _, err := m.db.QueryContext(ctx, "SELECT COUNT(*) FROM users LIMIT 1"); err != nil {
		return fmt.Errorf("storage: read probe: %w", err)
	}
	return nil
}

// Close drains the write loop and closes the underlying database handle.
// Safe to call once; a second call is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()
	if err := m.db.Close(); err != nil {
		return fmt.Errorf("storage: close: %w", err)
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}
