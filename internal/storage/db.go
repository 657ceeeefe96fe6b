package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DB wraps the SQLite connection. Writes are serialized through a single
// lane; reads proceed in parallel on the pool. WAL journaling keeps the file
// consistent across abrupt termination.
type DB struct {
	conn    *sqlx.DB
	writeMu sync.Mutex
}

// DBConfig holds database configuration.
type DBConfig struct {
	Path         string
	QueryTimeout time.Duration
}

// DefaultDBConfig returns default database configuration.
func DefaultDBConfig() DBConfig {
	return DBConfig{
		Path:         "hermes.db",
		QueryTimeout: 5 * time.Second,
	}
}

// NewDB opens (creating if needed) the SQLite database and applies the schema.
func NewDB(cfg DBConfig) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", cfg.Path)

	conn, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; readers scale via WAL.
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxIdleTime(time.Minute)

	db := &DB{conn: conn}
	if err := db.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

// Close checkpoints the WAL and closes the connection pool.
func (db *DB) Close() error {
	_, _ = db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.conn.Close()
}

// Ping checks if the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health checks connectivity with a trivial query.
func (db *DB) Health(ctx context.Context) error {
	var result int
	if err := db.conn.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}
	return nil
}

// Write runs fn inside the single write lane.
func (db *DB) Write(fn func(conn *sqlx.DB) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return fn(db.conn)
}

// WriteTx runs fn inside the write lane, wrapped in a transaction.
func (db *DB) WriteTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Conn returns the underlying sqlx connection for read queries.
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}
