// Package database holds the relational store and the tenant-scoped
// repositories over it. SQLite is the default engine; Postgres is selected
// by configuration for multi-node deployments.
package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Config holds store configuration.
type Config struct {
	Driver  string // sqlite3 or postgres
	DSN     string // file path for sqlite3, connection string for postgres
	SealKey []byte // 16, 24 or 32 bytes; seals template blobs
}

// DB wraps the connection, the template sealer, and driver-specific query
// rewriting.
type DB struct {
	conn   *sql.DB
	cipher cipher.AEAD
	driver string
}

// NewDB opens the store, applies pragmas and migrations, and prepares the
// template sealer.
func NewDB(config Config) (*DB, error) {
	driver := config.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	dsn := config.DSN
	if driver == DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on", dsn)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn, driver: driver}

	// Sealing is optional: without a key the store works but refuses to
	// seal or open template blobs.
	if len(config.SealKey) > 0 {
		block, err := aes.NewCipher(config.SealKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create seal cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		db.cipher = gcm
	}

	if driver == DriverSQLite {
		if err := db.configurePragmas(); err != nil {
			return nil, fmt.Errorf("failed to configure pragmas: %w", err)
		}
	}
	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

func (db *DB) configurePragmas() error {
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000", // 64MB cache
		"PRAGMA temp_store = memory",
	}
	for _, pragma := range pragmas {
		if _, err := db.conn.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// rebind rewrites ?-placeholders to $n for postgres. SQLite queries pass
// through untouched.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ErrNoSealKey is returned when template sealing is attempted without a
// configured key.
var ErrNoSealKey = fmt.Errorf("template seal key not configured")

// Seal encrypts template bytes with AES-GCM, nonce prepended.
func (db *DB) Seal(plain []byte) ([]byte, error) {
	if db.cipher == nil {
		return nil, ErrNoSealKey
	}
	nonce := make([]byte, db.cipher.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return db.cipher.Seal(nonce, nonce, plain, nil), nil
}

// Open decrypts sealed template bytes.
func (db *DB) Open(sealed []byte) ([]byte, error) {
	if db.cipher == nil {
		return nil, ErrNoSealKey
	}
	nonceSize := db.cipher.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed template too short")
	}
	plain, err := db.cipher.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed template: %w", err)
	}
	return plain, nil
}

// insertReturningID runs an INSERT and reports the new row id, papering
// over the LastInsertId / RETURNING split between the two engines.
func (db *DB) insertReturningID(tx *sql.Tx, query string, args ...interface{}) (int64, error) {
	if db.driver == DriverPostgres {
		var id int64
		err := tx.QueryRow(db.rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	result, err := tx.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}
