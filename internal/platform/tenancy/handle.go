package tenancy

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/medflow/medflow/internal/platform/db"
)

// ErrHandleReleased is returned by every operation on a released Handle.
var ErrHandleReleased = errors.New("tenant handle already released")

// Conn is a single connection to one tenant database.
type Conn interface {
	db.DBTX
	Close(ctx context.Context) error
}

// Handle is a borrowed connection to one tenant's database. It belongs to the
// goroutine that acquired it and must be given back with Registry.Release.
type Handle struct {
	TenantID uuid.UUID
	Locator  string

	conn     Conn
	entry    *entry
	released atomic.Bool
}

func (h *Handle) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	if h.released.Load() {
		return pgconn.CommandTag{}, ErrHandleReleased
	}
	return h.conn.Exec(ctx, sql, args...)
}

func (h *Handle) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	if h.released.Load() {
		return nil, ErrHandleReleased
	}
	return h.conn.Query(ctx, sql, args...)
}

func (h *Handle) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	if h.released.Load() {
		return errRow{}
	}
	return h.conn.QueryRow(ctx, sql, args...)
}

func (h *Handle) Begin(ctx context.Context) (pgx.Tx, error) {
	if h.released.Load() {
		return nil, ErrHandleReleased
	}
	return h.conn.Begin(ctx)
}

type errRow struct{}

func (errRow) Scan(...interface{}) error { return ErrHandleReleased }
