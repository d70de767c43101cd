// Package postgres implements the persistence layer: the managed connection,
// schema migrations, and the transactional gateway over orders, outbox
// events, and the idempotency ledger.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/douglas-dreer/manager-order/log"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"

	// File system migration source used by migrate.NewWithDatabaseInstance.
	_ "github.com/golang-migrate/migrate/v4/source/file"

	// Registers the pgx driver for database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

// Connection is a hub which deals with the postgres connection pool and runs
// schema migrations on connect.
type Connection struct {
	ConnectionString   string `json:"-"`
	MigrationsPath     string
	Logger             log.Logger
	MaxOpenConnections int
	MaxIdleConnections int

	mu        sync.RWMutex
	db        *sql.DB
	connected bool
}

func (pc *Connection) initDefaults() {
	if pc.Logger == nil {
		pc.Logger = log.NewNop()
	}

	if pc.MaxOpenConnections <= 0 {
		pc.MaxOpenConnections = defaultMaxOpenConns
	}

	if pc.MaxIdleConnections <= 0 {
		pc.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect opens the pool, verifies connectivity, and applies pending
// migrations when MigrationsPath is set.
func (pc *Connection) Connect(ctx context.Context) error {
	if pc == nil {
		return ErrConnectionRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.initDefaults()

	if pc.ConnectionString == "" {
		return ErrConnectionStringRequired
	}

	if pc.connected && pc.db != nil {
		return nil
	}

	pc.Logger.Log(ctx, log.LevelInfo, "connecting to postgres")

	db, err := sql.Open("pgx", pc.ConnectionString)
	if err != nil {
		return fmt.Errorf("open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(pc.MaxOpenConnections)
	db.SetMaxIdleConns(pc.MaxIdleConnections)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return fmt.Errorf("ping postgres: %w", err)
	}

	if pc.MigrationsPath != "" {
		if err := runMigrations(db, pc.MigrationsPath); err != nil {
			_ = db.Close()

			return fmt.Errorf("run migrations: %w", err)
		}
	}

	pc.db = db
	pc.connected = true

	pc.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	return nil
}

// DB returns the underlying pool.
func (pc *Connection) DB() (*sql.DB, error) {
	if pc == nil {
		return nil, ErrConnectionRequired
	}

	pc.mu.RLock()
	defer pc.mu.RUnlock()

	if !pc.connected || pc.db == nil {
		return nil, ErrGatewayNotInitialized
	}

	return pc.db, nil
}

// Close shuts down the pool.
func (pc *Connection) Close() error {
	if pc == nil {
		return nil
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.db == nil {
		return nil
	}

	err := pc.db.Close()
	pc.db = nil
	pc.connected = false

	return err
}

func runMigrations(db *sql.DB, migrationsPath string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}
