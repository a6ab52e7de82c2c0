package tenancy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/platform/apperr"
)

// -- fakes --

type fakeConn struct {
	locator string
	closed  atomic.Int32
	execs   atomic.Int32
}

func (c *fakeConn) Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error) {
	c.execs.Add(1)
	return pgconn.NewCommandTag("SELECT 1"), nil
}

func (c *fakeConn) Query(context.Context, string, ...interface{}) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeConn) QueryRow(context.Context, string, ...interface{}) pgx.Row {
	return errRow{}
}

func (c *fakeConn) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeConn) Close(context.Context) error {
	c.closed.Add(1)
	return nil
}

type fakeOpener struct {
	mu     sync.Mutex
	opened []*fakeConn
	err    error
	onOpen func(locator string)
}

func (o *fakeOpener) Open(_ context.Context, locator string) (Conn, error) {
	if o.onOpen != nil {
		o.onOpen(locator)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	c := &fakeConn{locator: locator}
	o.opened = append(o.opened, c)
	return c, nil
}

type fakeSource struct {
	mu       sync.Mutex
	locators map[uuid.UUID]string
	lookups  int
}

func (s *fakeSource) TenantLocator(_ context.Context, id uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	l, ok := s.locators[id]
	if !ok {
		return "", apperr.NotFound("tenant %s not found", id)
	}
	return l, nil
}

func newTestRegistry(locators map[uuid.UUID]string, opts ...Option) (*Registry, *fakeSource, *fakeOpener) {
	src := &fakeSource{locators: locators}
	op := &fakeOpener{}
	return NewRegistry(src, op, time.Minute, zerolog.Nop(), opts...), src, op
}

// -- tests --

func TestAcquire_ResolvesAndCachesLocator(t *testing.T) {
	id := uuid.New()
	r, src, op := newTestRegistry(map[uuid.UUID]string{id: "medflow_tenant_city"})
	ctx := context.Background()

	h, err := r.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if h.Locator != "medflow_tenant_city" || h.TenantID != id {
		t.Errorf("unexpected handle %+v", h)
	}
	r.Release(ctx, h)

	h2, err := r.Acquire(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	r.Release(ctx, h2)

	if src.lookups != 1 {
		t.Errorf("expected one directory lookup, got %d", src.lookups)
	}
	if len(op.opened) != 2 {
		t.Errorf("expected a fresh connection per acquire, got %d", len(op.opened))
	}
}

func TestAcquire_UnknownTenant(t *testing.T) {
	r, _, _ := newTestRegistry(map[uuid.UUID]string{})
	_, err := r.Acquire(context.Background(), uuid.New())
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAcquire_ConnectFailureIsUnavailable(t *testing.T) {
	id := uuid.New()
	r, _, op := newTestRegistry(map[uuid.UUID]string{id: "medflow_tenant_down"})
	op.err = errors.New("connection refused")

	_, err := r.Acquire(context.Background(), id)
	if !errors.Is(err, apperr.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if r.Stats().OpenHandles != 0 {
		t.Error("failed acquire must not count as open")
	}
}

func TestAcquire_MissingDatabaseEvictsLocator(t *testing.T) {
	id := uuid.New()
	r, src, op := newTestRegistry(map[uuid.UUID]string{id: "medflow_tenant_gone"})
	ctx := context.Background()

	h, err := r.Acquire(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	r.Release(ctx, h)

	op.err = fmt.Errorf("connect: %w", &pgconn.PgError{Code: "3D000"})
	if _, err := r.Acquire(ctx, id); !errors.Is(err, apperr.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if r.Stats().Entries != 0 {
		t.Error("expected stale locator to be evicted")
	}

	op.err = nil
	h, err = r.Acquire(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	r.Release(ctx, h)
	if src.lookups != 2 {
		t.Errorf("expected a second directory lookup after eviction, got %d", src.lookups)
	}
}

func TestRelease_IdempotentAndHandleUnusable(t *testing.T) {
	id := uuid.New()
	r, _, op := newTestRegistry(map[uuid.UUID]string{id: "medflow_tenant_city"})
	ctx := context.Background()

	h, err := r.Acquire(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Exec(ctx, "SELECT 1"); err != nil {
		t.Fatalf("Exec before release: %v", err)
	}

	r.Release(ctx, h)
	r.Release(ctx, h)
	r.Release(ctx, nil)

	if got := op.opened[0].closed.Load(); got != 1 {
		t.Errorf("expected connection closed once, got %d", got)
	}
	if _, err := h.Exec(ctx, "SELECT 1"); !errors.Is(err, ErrHandleReleased) {
		t.Errorf("expected ErrHandleReleased, got %v", err)
	}
	if _, err := h.Begin(ctx); !errors.Is(err, ErrHandleReleased) {
		t.Errorf("expected ErrHandleReleased from Begin, got %v", err)
	}
	var v int
	if err := h.QueryRow(ctx, "SELECT 1").Scan(&v); !errors.Is(err, ErrHandleReleased) {
		t.Errorf("expected ErrHandleReleased from QueryRow, got %v", err)
	}
	if s := r.Stats(); s.OpenHandles != 0 {
		t.Errorf("expected no open handles, got %d", s.OpenHandles)
	}
}

func TestAcquire_EvictDuringConnectRereadsLocator(t *testing.T) {
	id := uuid.New()
	r, src, op := newTestRegistry(map[uuid.UUID]string{id: "medflow_tenant_old"})
	ctx := context.Background()

	var evicted bool
	op.onOpen = func(string) {
		if evicted {
			return
		}
		evicted = true
		src.mu.Lock()
		src.locators[id] = "medflow_tenant_new"
		src.mu.Unlock()
		r.Evict(ctx, id)
	}

	h, err := r.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer r.Release(ctx, h)

	if h.Locator != "medflow_tenant_new" {
		t.Errorf("expected the post-evict locator, got %q", h.Locator)
	}
	if len(op.opened) != 2 {
		t.Fatalf("expected a retry connection, got %d opens", len(op.opened))
	}
	if op.opened[0].closed.Load() != 1 {
		t.Error("connection to the stale locator should be closed")
	}
	if src.lookups != 2 {
		t.Errorf("expected the locator to be read again, got %d lookups", src.lookups)
	}

	h2, err := r.Acquire(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Release(ctx, h2)
	if h2.Locator != "medflow_tenant_new" {
		t.Errorf("stale locator came back: %q", h2.Locator)
	}
}

func TestAcquire_RepeatedEvictionIsUnavailable(t *testing.T) {
	id := uuid.New()
	r, _, op := newTestRegistry(map[uuid.UUID]string{id: "medflow_tenant_city"})
	ctx := context.Background()
	op.onOpen = func(string) { r.Evict(ctx, id) }

	_, err := r.Acquire(ctx, id)
	if !errors.Is(err, apperr.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	for i, c := range op.opened {
		if c.closed.Load() != 1 {
			t.Errorf("connection %d left open", i)
		}
	}
	if got := r.Stats(); got.Entries != 0 || got.OpenHandles != 0 {
		t.Errorf("unexpected stats %+v", got)
	}
}

func TestRelease_AfterEvictLeavesNewEntryCount(t *testing.T) {
	id := uuid.New()
	r, _, _ := newTestRegistry(map[uuid.UUID]string{id: "medflow_tenant_city"})
	ctx := context.Background()

	h1, err := r.Acquire(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	r.Evict(ctx, id)

	h2, err := r.Acquire(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	r.Release(ctx, h1)
	if got := r.Stats().OpenHandles; got != 1 {
		t.Errorf("release of the pre-evict handle changed the new entry: open handles = %d", got)
	}

	r.Release(ctx, h2)
	if got := r.Stats().OpenHandles; got != 0 {
		t.Errorf("expected 0 open handles, got %d", got)
	}
}

func TestWithHandle_ReleasesOnError(t *testing.T) {
	id := uuid.New()
	r, _, op := newTestRegistry(map[uuid.UUID]string{id: "medflow_tenant_city"})
	boom := errors.New("boom")

	err := r.WithHandle(context.Background(), id, func(h *Handle) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("expected fn error, got %v", err)
	}
	if op.opened[0].closed.Load() != 1 {
		t.Error("expected handle to be released")
	}
}

func TestEvictIdle(t *testing.T) {
	busy, idle := uuid.New(), uuid.New()
	now := time.Now()
	clock := now
	r, _, _ := newTestRegistry(
		map[uuid.UUID]string{busy: "medflow_tenant_busy", idle: "medflow_tenant_idle"},
		WithClock(func() time.Time { return clock }),
	)
	ctx := context.Background()

	hb, _ := r.Acquire(ctx, busy)
	hi, _ := r.Acquire(ctx, idle)
	r.Release(ctx, hi)

	if n := r.EvictIdle(now.Add(30 * time.Second)); n != 0 {
		t.Errorf("nothing is idle past the TTL yet, evicted %d", n)
	}
	if n := r.EvictIdle(now.Add(2 * time.Minute)); n != 1 {
		t.Errorf("expected only the idle entry evicted, got %d", n)
	}
	if s := r.Stats(); s.Entries != 1 || s.OpenHandles != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
	r.Release(ctx, hb)
}

func TestAcquire_ConcurrentTenants(t *testing.T) {
	locators := make(map[uuid.UUID]string)
	ids := make([]uuid.UUID, 8)
	for i := range ids {
		ids[i] = uuid.New()
		locators[ids[i]] = fmt.Sprintf("medflow_tenant_%d", i)
	}
	r, _, _ := newTestRegistry(locators)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := ids[i%len(ids)]
			err := r.WithHandle(context.Background(), id, func(h *Handle) error {
				if h.Locator != locators[id] {
					return fmt.Errorf("tenant %s got locator %s", id, h.Locator)
				}
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	if s := r.Stats(); s.OpenHandles != 0 || s.Entries != len(ids) {
		t.Errorf("unexpected stats after concurrent use: %+v", s)
	}
}
