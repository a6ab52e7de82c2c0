// Package tenancy resolves tenant ids to database connections. The registry
// keeps only locators in memory; every Acquire opens its own connection and
// every Release closes it.
package tenancy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/db"
	"github.com/medflow/medflow/internal/platform/metrics"
)

// LocatorSource is the authoritative tenant id to locator mapping.
type LocatorSource interface {
	TenantLocator(ctx context.Context, id uuid.UUID) (string, error)
}

// LocatorCache is an optional shared cache in front of the LocatorSource.
type LocatorCache interface {
	Get(ctx context.Context, id uuid.UUID) (string, bool, error)
	Set(ctx context.Context, id uuid.UUID, locator string, ttl time.Duration) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Opener connects to the database named by a locator.
type Opener interface {
	Open(ctx context.Context, locator string) (Conn, error)
}

// DSNSource builds connection strings from locators.
type DSNSource interface {
	For(locator string) string
}

// PGOpener opens plain pgx connections.
type PGOpener struct {
	DSN DSNSource
}

func (o PGOpener) Open(ctx context.Context, locator string) (Conn, error) {
	conn, err := pgx.Connect(ctx, o.DSN.For(locator))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type entry struct {
	locator  string
	lastUsed time.Time
	active   int
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Entries     int `json:"entries"`
	OpenHandles int `json:"open_handles"`
}

type Registry struct {
	source  LocatorSource
	opener  Opener
	cache   LocatorCache
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	// generation counts evictions per tenant so an Acquire that raced one
	// does not re-insert the locator it read before.
	generation map[uuid.UUID]uint64
}

type Option func(*Registry)

func WithCache(c LocatorCache) Option {
	return func(r *Registry) { r.cache = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(source LocatorSource, opener Opener, ttl time.Duration, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		source:  source,
		opener:  opener,
		ttl:     ttl,
		logger:  logger.With().Str("component", "tenant-registry").Logger(),
		now:     time.Now,
		entries: make(map[uuid.UUID]*entry),

		generation: make(map[uuid.UUID]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire resolves the tenant's locator and opens a connection to it. A tenant
// missing from the directory yields apperr.ErrNotFound; any connect failure
// yields apperr.ErrUnavailable.
func (r *Registry) Acquire(ctx context.Context, tenantID uuid.UUID) (*Handle, error) {
	// An Evict racing the lookup forces one fresh resolution.
	for attempt := 0; attempt < 2; attempt++ {
		h, err := r.acquire(ctx, tenantID)
		if !errors.Is(err, errEvicted) {
			return h, err
		}
	}
	r.metrics.AcquireFailed("unavailable")
	return nil, fmt.Errorf("%w: tenant %s was evicted while connecting", apperr.ErrUnavailable, tenantID)
}

var errEvicted = errors.New("tenant evicted during acquire")

func (r *Registry) acquire(ctx context.Context, tenantID uuid.UUID) (*Handle, error) {
	r.mu.Lock()
	gen := r.generation[tenantID]
	r.mu.Unlock()

	locator, err := r.locator(ctx, tenantID)
	if err != nil {
		r.metrics.AcquireFailed("lookup")
		return nil, err
	}

	conn, err := r.opener.Open(ctx, locator)
	if err != nil {
		r.metrics.AcquireFailed("unavailable")
		if db.IsUnknownDatabase(err) {
			r.Evict(ctx, tenantID)
		}
		return nil, fmt.Errorf("%w: tenant %s: %w", apperr.ErrUnavailable, tenantID, err)
	}

	r.mu.Lock()
	if r.generation[tenantID] != gen {
		r.mu.Unlock()
		if err := conn.Close(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn().Err(err).Str("tenant_id", tenantID.String()).Msg("close tenant connection")
		}
		// The locator this attempt read may have been written back to the
		// shared cache after the eviction cleared it.
		r.deleteCached(ctx, tenantID)
		return nil, errEvicted
	}
	e, ok := r.entries[tenantID]
	if !ok {
		e = &entry{locator: locator}
		r.entries[tenantID] = e
	}
	e.active++
	e.lastUsed = r.now()
	r.mu.Unlock()

	r.metrics.HandleOpened()
	return &Handle{TenantID: tenantID, Locator: locator, conn: conn, entry: e}, nil
}

func (r *Registry) locator(ctx context.Context, tenantID uuid.UUID) (string, error) {
	r.mu.Lock()
	if e, ok := r.entries[tenantID]; ok {
		locator := e.locator
		r.mu.Unlock()
		return locator, nil
	}
	r.mu.Unlock()

	if r.cache != nil {
		locator, ok, err := r.cache.Get(ctx, tenantID)
		if err != nil {
			r.logger.Warn().Err(err).Str("tenant_id", tenantID.String()).Msg("locator cache read failed")
		} else if ok {
			return locator, nil
		}
	}

	locator, err := r.source.TenantLocator(ctx, tenantID)
	if err != nil {
		return "", err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, tenantID, locator, r.ttl); err != nil {
			r.logger.Warn().Err(err).Str("tenant_id", tenantID.String()).Msg("locator cache write failed")
		}
	}
	return locator, nil
}

// Release closes the handle's connection. Releasing twice is a no-op.
func (r *Registry) Release(ctx context.Context, h *Handle) {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}

	if err := h.conn.Close(ctx); err != nil {
		r.logger.Warn().Err(err).Str("tenant_id", h.TenantID.String()).Msg("close tenant connection")
	}

	// Only the entry the handle was counted on; after an Evict the map may
	// hold a newer one.
	r.mu.Lock()
	if e := h.entry; e != nil && e.active > 0 {
		e.active--
		e.lastUsed = r.now()
	}
	r.mu.Unlock()

	r.metrics.HandleClosed()
}

// WithHandle runs fn with a handle that is released when fn returns.
func (r *Registry) WithHandle(ctx context.Context, tenantID uuid.UUID, fn func(h *Handle) error) error {
	h, err := r.Acquire(ctx, tenantID)
	if err != nil {
		return err
	}
	defer r.Release(context.WithoutCancel(ctx), h)
	return fn(h)
}

// Evict forgets the tenant's cached locator. Handles already borrowed stay
// valid until released.
func (r *Registry) Evict(ctx context.Context, tenantID uuid.UUID) {
	r.mu.Lock()
	delete(r.entries, tenantID)
	r.generation[tenantID]++
	r.mu.Unlock()

	r.deleteCached(ctx, tenantID)
}

func (r *Registry) deleteCached(ctx context.Context, tenantID uuid.UUID) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, tenantID); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn().Err(err).Str("tenant_id", tenantID.String()).Msg("locator cache delete failed")
	}
}

// EvictIdle drops entries with no borrowed handles that have not been used
// for longer than the registry TTL, and reports how many were dropped.
func (r *Registry) EvictIdle(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, e := range r.entries {
		if e.active == 0 && now.Sub(e.lastUsed) > r.ttl {
			delete(r.entries, id)
			evicted++
		}
	}
	return evicted
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{Entries: len(r.entries)}
	for _, e := range r.entries {
		s.OpenHandles += e.active
	}
	return s
}
