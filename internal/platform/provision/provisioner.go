// Package provision creates, migrates and drops the physical database that
// backs each tenant.
package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/platform/db"
)

// Execer runs statements on the administrative connection. CREATE and DROP
// DATABASE cannot run inside a transaction, so this is a pool, never a Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// MigrationConn is a dedicated connection to a freshly created database.
type MigrationConn interface {
	db.DBTX
	Close(ctx context.Context) error
}

// Connector opens a MigrationConn for a DSN.
type Connector func(ctx context.Context, dsn string) (MigrationConn, error)

// PGConnector opens a plain pgx connection.
func PGConnector(ctx context.Context, dsn string) (MigrationConn, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type Config struct {
	Prefix           string
	MigrationTimeout time.Duration
}

type Provisioner struct {
	admin            Execer
	dsn              *DSNBuilder
	connect          Connector
	prefix           string
	migrationTimeout time.Duration
	logger           zerolog.Logger
}

func NewProvisioner(admin Execer, dsn *DSNBuilder, cfg Config, logger zerolog.Logger) *Provisioner {
	if cfg.MigrationTimeout <= 0 {
		cfg.MigrationTimeout = 2 * time.Minute
	}
	return &Provisioner{
		admin:            admin,
		dsn:              dsn,
		connect:          PGConnector,
		prefix:           cfg.Prefix,
		migrationTimeout: cfg.MigrationTimeout,
		logger:           logger.With().Str("component", "provisioner").Logger(),
	}
}

// WithConnector replaces how migration connections are opened.
func (p *Provisioner) WithConnector(c Connector) *Provisioner {
	p.connect = c
	return p
}

// DSN returns the connection string for a database locator.
func (p *Provisioner) DSN(locator string) string {
	return p.dsn.For(locator)
}

// Create creates the database. An existing database with the same name is
// treated as success so a retried saga can proceed.
func (p *Provisioner) Create(ctx context.Context, name string) error {
	stmt := "CREATE DATABASE " + pgx.Identifier{name}.Sanitize()
	if _, err := p.admin.Exec(ctx, stmt); err != nil {
		if db.IsDuplicateDatabase(err) {
			p.logger.Warn().Str("database", name).Msg("database already exists")
			return nil
		}
		return fmt.Errorf("create database %s: %w", name, err)
	}
	p.logger.Info().Str("database", name).Msg("database created")
	return nil
}

// Drop terminates every other session on the database and drops it. Dropping
// a database that does not exist succeeds.
func (p *Provisioner) Drop(ctx context.Context, name string) error {
	if _, err := p.admin.Exec(ctx,
		`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`,
		name,
	); err != nil {
		return fmt.Errorf("terminate sessions on %s: %w", name, err)
	}

	if _, err := p.admin.Exec(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{name}.Sanitize()); err != nil {
		return fmt.Errorf("drop database %s: %w", name, err)
	}
	p.logger.Info().Str("database", name).Msg("database dropped")
	return nil
}

// Migrate applies the tenant schema to the database behind locator and
// returns only once every migration has committed or one has failed. The
// whole run is bounded by the migration timeout.
func (p *Provisioner) Migrate(ctx context.Context, locator string) error {
	ctx, cancel := context.WithTimeout(ctx, p.migrationTimeout)
	defer cancel()

	conn, err := p.connect(ctx, p.dsn.For(locator))
	if err != nil {
		return fmt.Errorf("connect to %s for migration: %w", locator, err)
	}
	defer conn.Close(context.WithoutCancel(ctx)) //nolint:errcheck

	applied, err := db.NewMigrator(conn, db.TenantMigrations()).Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate %s: %w", locator, err)
	}
	p.logger.Info().Str("database", locator).Int("applied", applied).Msg("tenant schema migrated")
	return nil
}
