package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/domain/account"
	"github.com/medflow/medflow/internal/domain/directory"
	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/auth"
	"github.com/medflow/medflow/internal/platform/db"
	"github.com/medflow/medflow/internal/platform/provision"
	"github.com/medflow/medflow/internal/platform/tenancy"
)

// -- fakes --

type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(format string, args ...interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, fmt.Sprintf(format, args...))
}

func (e *events) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

func (e *events) count(prefix string) int {
	n := 0
	for _, ev := range e.list() {
		if strings.HasPrefix(ev, prefix) {
			n++
		}
	}
	return n
}

type fakeDirectory struct {
	ev *events

	mu      sync.Mutex
	tenants map[uuid.UUID]*directory.Tenant
	locks   map[string]*sync.Mutex

	createErr    error
	statusErr    error
	deleteErr    error
	subscribeErr error
}

func newFakeDirectory(ev *events) *fakeDirectory {
	return &fakeDirectory{
		ev:      ev,
		tenants: make(map[uuid.UUID]*directory.Tenant),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (d *fakeDirectory) find(match func(*directory.Tenant) bool) (*directory.Tenant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.tenants {
		if match(t) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("tenant not found")
}

func (d *fakeDirectory) FindTenantByID(_ context.Context, id uuid.UUID) (*directory.Tenant, error) {
	return d.find(func(t *directory.Tenant) bool { return t.ID == id })
}

func (d *fakeDirectory) FindTenantBySubdomain(_ context.Context, sub string) (*directory.Tenant, error) {
	return d.find(func(t *directory.Tenant) bool { return t.Subdomain == sub })
}

func (d *fakeDirectory) FindTenantByOwnerEmail(_ context.Context, email string) (*directory.Tenant, error) {
	return d.find(func(t *directory.Tenant) bool { return t.OwnerEmail == email })
}

func (d *fakeDirectory) FindTenantByLocator(_ context.Context, locator string) (*directory.Tenant, error) {
	return d.find(func(t *directory.Tenant) bool { return t.DatabaseLocator == locator })
}

func (d *fakeDirectory) TenantLocator(ctx context.Context, id uuid.UUID) (string, error) {
	t, err := d.FindTenantByID(ctx, id)
	if err != nil {
		return "", err
	}
	return t.DatabaseLocator, nil
}

func (d *fakeDirectory) CreateTenant(_ context.Context, draft directory.TenantDraft) (*directory.Tenant, error) {
	d.ev.add("directory_create:%s", draft.DatabaseLocator)
	if d.createErr != nil {
		return nil, d.createErr
	}
	t := &directory.Tenant{
		ID:              uuid.New(),
		Subdomain:       draft.Subdomain,
		Name:            draft.Name,
		OwnerName:       draft.OwnerName,
		OwnerEmail:      draft.OwnerEmail,
		DatabaseLocator: draft.DatabaseLocator,
		Status:          draft.Status,
	}
	d.mu.Lock()
	cp := *t
	d.tenants[t.ID] = &cp
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDirectory) UpdateTenantStatus(_ context.Context, id uuid.UUID, status directory.TenantStatus) error {
	if d.statusErr != nil {
		return d.statusErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tenants[id]
	if !ok {
		return apperr.NotFound("tenant not found")
	}
	t.Status = status
	return nil
}

func (d *fakeDirectory) DeleteTenant(_ context.Context, id uuid.UUID) error {
	d.ev.add("directory_delete")
	if d.deleteErr != nil {
		return d.deleteErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tenants[id]; !ok {
		return apperr.NotFound("tenant not found")
	}
	delete(d.tenants, id)
	return nil
}

func (d *fakeDirectory) AttachSubscription(_ context.Context, tenantID, planID uuid.UUID, cycle directory.BillingCycle) (*directory.Subscription, error) {
	if d.subscribeErr != nil {
		return nil, d.subscribeErr
	}
	return &directory.Subscription{ID: uuid.New(), TenantID: tenantID, PlanID: planID, BillingCycle: cycle, Status: directory.SubscriptionActive}, nil
}

func (d *fakeDirectory) LockProvisioning(_ context.Context, key string) (func(), error) {
	d.mu.Lock()
	l, ok := d.locks[key]
	if !ok {
		l = &sync.Mutex{}
		d.locks[key] = l
	}
	d.mu.Unlock()
	l.Lock()
	return l.Unlock, nil
}

func (d *fakeDirectory) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tenants)
}

type fakeDatabases struct {
	ev *events

	mu       sync.Mutex
	existing map[string]bool

	createErr    error
	migrateErr   error
	dropErr      error
	migrateDelay time.Duration
}

func newFakeDatabases(ev *events) *fakeDatabases {
	return &fakeDatabases{ev: ev, existing: make(map[string]bool)}
}

func (f *fakeDatabases) DatabaseName(subdomain string) (string, error) {
	s := provision.Sanitize(subdomain)
	if s == "" {
		return "", apperr.Validation("subdomain %q yields an empty database name", subdomain)
	}
	return "medflow_tenant_" + s, nil
}

func (f *fakeDatabases) Create(_ context.Context, name string) error {
	f.ev.add("create_db:%s", name)
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	f.existing[name] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDatabases) Migrate(ctx context.Context, name string) error {
	f.ev.add("migrate:%s", name)
	if f.migrateDelay > 0 {
		select {
		case <-time.After(f.migrateDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.migrateErr
}

func (f *fakeDatabases) Drop(_ context.Context, name string) error {
	f.ev.add("drop_db:%s", name)
	if f.dropErr != nil {
		return f.dropErr
	}
	f.mu.Lock()
	delete(f.existing, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeDatabases) exists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[name]
}

type fakeConnections struct {
	ev *events
}

func (c *fakeConnections) WithHandle(_ context.Context, _ uuid.UUID, fn func(h *tenancy.Handle) error) error {
	return fn(nil)
}

func (c *fakeConnections) Evict(context.Context, uuid.UUID) {
	c.ev.add("evict")
}

type harness struct {
	svc *Service
	dir *fakeDirectory
	dbs *fakeDatabases
	ev  *events
}

func newHarness(seedErr error) *harness {
	ev := &events{}
	h := &harness{dir: newFakeDirectory(ev), dbs: newFakeDatabases(ev), ev: ev}
	h.svc = NewService(h.dir, h.dbs, &fakeConnections{ev: ev}, auth.NewPasswordHasher(4, 2), zerolog.Nop())
	h.svc.seed = func(_ context.Context, _ db.DBTX, owner *account.User, _ *account.Profile) error {
		ev.add("seed:%s", owner.Email)
		return seedErr
	}
	return h
}

func validRequest() CreateTenantRequest {
	return CreateTenantRequest{
		Name:       "City Hospital",
		Subdomain:  "City Hospital!",
		OwnerName:  "Ann Owner",
		OwnerEmail: "ann@city.test",
		Password:   "s3cretpass",
	}
}

// -- tests --

func TestCreateTenant_HappyPath(t *testing.T) {
	h := newHarness(nil)
	req := validRequest()
	req.PlanID = uuid.NewString()
	req.BillingCycle = "yearly"

	tenant, err := h.svc.CreateTenant(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tenant.DatabaseLocator != "medflow_tenant_city_hospital" {
		t.Errorf("unexpected locator %q", tenant.DatabaseLocator)
	}
	if tenant.Status != directory.StatusActive {
		t.Errorf("expected ACTIVE, got %s", tenant.Status)
	}
	if tenant.Subscription == nil || tenant.Subscription.BillingCycle != directory.Yearly {
		t.Errorf("expected yearly subscription, got %+v", tenant.Subscription)
	}

	want := []string{
		"create_db:medflow_tenant_city_hospital",
		"migrate:medflow_tenant_city_hospital",
		"directory_create:medflow_tenant_city_hospital",
		"seed:ann@city.test",
	}
	if got := h.ev.list(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("steps = %v, want %v", got, want)
	}

	stored, _ := h.dir.FindTenantByID(context.Background(), tenant.ID)
	if stored.Status != directory.StatusActive {
		t.Errorf("directory record not activated: %s", stored.Status)
	}
}

func TestCreateTenant_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateTenantRequest)
	}{
		{"missing name", func(r *CreateTenantRequest) { r.Name = " " }},
		{"missing password", func(r *CreateTenantRequest) { r.Password = "" }},
		{"bad email", func(r *CreateTenantRequest) { r.OwnerEmail = "not-an-email" }},
		{"display name email", func(r *CreateTenantRequest) { r.OwnerEmail = "Ann <ann@city.test>" }},
		{"short password", func(r *CreateTenantRequest) { r.Password = "short" }},
		{"password over bcrypt limit", func(r *CreateTenantRequest) { r.Password = strings.Repeat("a", 73) }},
		{"bad cycle", func(r *CreateTenantRequest) { r.BillingCycle = "WEEKLY" }},
		{"bad plan id", func(r *CreateTenantRequest) { r.PlanID = "starter" }},
		{"unusable subdomain", func(r *CreateTenantRequest) { r.Subdomain = "!!!" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(nil)
			req := validRequest()
			tt.mutate(&req)

			_, err := h.svc.CreateTenant(context.Background(), req)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if n := len(h.ev.list()); n != 0 {
				t.Errorf("expected no side effects, got %v", h.ev.list())
			}
		})
	}
}

func TestCreateTenant_ConflictHasNoSideEffects(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	if _, err := h.svc.CreateTenant(ctx, validRequest()); err != nil {
		t.Fatal(err)
	}
	before := len(h.ev.list())

	tests := []struct {
		name   string
		mutate func(*CreateTenantRequest)
	}{
		{"same subdomain", func(r *CreateTenantRequest) { r.OwnerEmail = "other@city.test" }},
		{"same owner email", func(r *CreateTenantRequest) { r.Subdomain = "elsewhere" }},
		{"same database name", func(r *CreateTenantRequest) {
			r.Subdomain = "city-hospital"
			r.OwnerEmail = "third@city.test"
		}},
	}
	for _, tt := range tests {
		req := validRequest()
		tt.mutate(&req)
		_, err := h.svc.CreateTenant(ctx, req)
		if !errors.Is(err, apperr.ErrConflict) {
			t.Errorf("%s: expected conflict, got %v", tt.name, err)
		}
	}

	if after := len(h.ev.list()); after != before {
		t.Errorf("conflicting requests caused side effects: %v", h.ev.list()[before:])
	}
}

func TestCreateTenant_CreateDatabaseFailure(t *testing.T) {
	h := newHarness(nil)
	h.dbs.createErr = errors.New("permission denied to create database")

	_, err := h.svc.CreateTenant(context.Background(), validRequest())

	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.State != StateDBCreated {
		t.Fatalf("expected StepError at DB_CREATED, got %v", err)
	}
	if h.ev.count("drop_db") != 0 {
		t.Errorf("nothing was created, expected no drop: %v", h.ev.list())
	}
}

func TestCreateTenant_MigrationFailureDropsDatabase(t *testing.T) {
	h := newHarness(nil)
	cause := errors.New("syntax error at or near CREATE")
	h.dbs.migrateErr = cause

	_, err := h.svc.CreateTenant(context.Background(), validRequest())

	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.State != StateMigrated {
		t.Fatalf("expected StepError at MIGRATED, got %v", err)
	}
	if !errors.Is(err, cause) || !errors.Is(err, apperr.ErrProvisioningFailed) {
		t.Errorf("expected error to match cause and ErrProvisioningFailed: %v", err)
	}
	if h.dbs.exists("medflow_tenant_city_hospital") {
		t.Error("database left behind after failed migration")
	}
	if h.dir.count() != 0 {
		t.Error("directory record created despite failed migration")
	}
	if h.ev.count("directory_create") != 0 {
		t.Errorf("saga continued past failed step: %v", h.ev.list())
	}
}

func TestCreateTenant_MigrationTimeoutDropsDatabase(t *testing.T) {
	h := newHarness(nil)
	h.dbs.migrateDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.svc.CreateTenant(ctx, validRequest())

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if h.dbs.exists("medflow_tenant_city_hospital") {
		t.Error("database left behind after cancelled migration")
	}
}

func TestCreateTenant_DirectoryFailureDropsDatabase(t *testing.T) {
	h := newHarness(nil)
	h.dir.createErr = apperr.Conflict("owner email is already registered")

	_, err := h.svc.CreateTenant(context.Background(), validRequest())

	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict cause to be preserved, got %v", err)
	}
	if h.dbs.exists("medflow_tenant_city_hospital") {
		t.Error("database left behind after directory failure")
	}
	if h.ev.count("directory_delete") != 0 {
		t.Error("no directory record to delete")
	}
}

func TestCreateTenant_SeedFailureCompensatesInOrder(t *testing.T) {
	h := newHarness(errors.New("insert owner failed"))

	_, err := h.svc.CreateTenant(context.Background(), validRequest())

	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.State != StateSeeded {
		t.Fatalf("expected StepError at SEEDED, got %v", err)
	}

	got := h.ev.list()
	tail := got[len(got)-3:]
	want := []string{"evict", "drop_db:medflow_tenant_city_hospital", "directory_delete"}
	if strings.Join(tail, ",") != strings.Join(want, ",") {
		t.Errorf("compensation order = %v, want %v", tail, want)
	}
	if h.dir.count() != 0 || h.dbs.exists("medflow_tenant_city_hospital") {
		t.Error("tenant left behind after failed seed")
	}
}

func TestCreateTenant_ActivationFailureCompensates(t *testing.T) {
	h := newHarness(nil)
	h.dir.statusErr = errors.New("connection reset")

	_, err := h.svc.CreateTenant(context.Background(), validRequest())

	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.State != StateSeeded {
		t.Fatalf("expected StepError at SEEDED, got %v", err)
	}
	if h.dir.count() != 0 {
		t.Error("directory record left behind")
	}
}

func TestCreateTenant_CompensationFailureKeepsOriginalCause(t *testing.T) {
	h := newHarness(errors.New("seed failed"))
	h.dbs.dropErr = errors.New("database is being accessed by other users")
	h.dir.deleteErr = errors.New("control database down")

	_, err := h.svc.CreateTenant(context.Background(), validRequest())

	if err == nil || !strings.Contains(err.Error(), "seed failed") {
		t.Fatalf("expected original cause, got %v", err)
	}
	if strings.Contains(err.Error(), "accessed by other users") {
		t.Errorf("compensation error leaked into result: %v", err)
	}
}

func TestCreateTenant_CompensationSurvivesCallerCancel(t *testing.T) {
	h := newHarness(nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.svc.seed = func(context.Context, db.DBTX, *account.User, *account.Profile) error {
		cancel()
		return context.Canceled
	}

	_, err := h.svc.CreateTenant(ctx, validRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled cause, got %v", err)
	}
	if h.dir.count() != 0 || h.dbs.exists("medflow_tenant_city_hospital") {
		t.Error("compensation did not run after caller cancelled")
	}
}

func TestCreateTenant_SubscriptionFailureIsNotFatal(t *testing.T) {
	h := newHarness(nil)
	h.dir.subscribeErr = apperr.NotFound("pricing plan not found")
	req := validRequest()
	req.PlanID = uuid.NewString()

	tenant, err := h.svc.CreateTenant(context.Background(), req)
	if err != nil {
		t.Fatalf("expected success without subscription, got %v", err)
	}
	if tenant.Subscription != nil {
		t.Error("expected no subscription")
	}
	if tenant.Status != directory.StatusActive {
		t.Errorf("expected ACTIVE, got %s", tenant.Status)
	}
}

func TestCreateTenant_ConcurrentSameSubdomain(t *testing.T) {
	h := newHarness(nil)
	h.dbs.migrateDelay = 20 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := validRequest()
			req.OwnerEmail = fmt.Sprintf("owner%d@city.test", i)
			_, errs[i] = h.svc.CreateTenant(context.Background(), req)
		}(i)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperr.ErrConflict):
			conflict++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("expected one success and one conflict, got %d/%d", ok, conflict)
	}
	if n := h.ev.count("create_db"); n != 1 {
		t.Errorf("expected one CREATE DATABASE, got %d", n)
	}
	if !h.dbs.exists("medflow_tenant_city_hospital") || h.dir.count() != 1 {
		t.Error("expected exactly one provisioned tenant")
	}
}

func TestDeleteTenant(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	tenant, err := h.svc.CreateTenant(ctx, validRequest())
	if err != nil {
		t.Fatal(err)
	}
	before := len(h.ev.list())

	if err := h.svc.DeleteTenant(ctx, tenant.ID); err != nil {
		t.Fatal(err)
	}
	want := []string{"evict", "drop_db:medflow_tenant_city_hospital", "directory_delete"}
	if got := h.ev.list()[before:]; strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("delete steps = %v, want %v", got, want)
	}

	if err := h.svc.DeleteTenant(ctx, tenant.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found on second delete, got %v", err)
	}
}

func TestDeleteTenant_DropFailureKeepsRecord(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	tenant, _ := h.svc.CreateTenant(ctx, validRequest())
	h.dbs.dropErr = errors.New("drop failed")

	if err := h.svc.DeleteTenant(ctx, tenant.ID); err == nil {
		t.Fatal("expected error")
	}
	if h.dir.count() != 1 {
		t.Error("directory record removed although database drop failed")
	}
}

func TestCreateTenant_SeedsOwnerThroughRegistry(t *testing.T) {
	h := newHarness(nil)
	h.svc.seed = account.Seed

	mock, err := pgxmock.NewConn()
	if err != nil {
		t.Fatal(err)
	}
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs(pgxmock.AnyArg(), "ann@city.test", "Ann Owner", pgxmock.AnyArg(), "ADMIN", true).
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec(`INSERT INTO tenant_profile`).
		WithArgs(pgxmock.AnyArg(), "City Hospital", pgxmock.AnyArg(), "Ann Owner", "ann@city.test").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	registry := tenancy.NewRegistry(h.dir, singleConnOpener{mock}, time.Minute, zerolog.Nop())
	h.svc.connections = registry

	if _, err := h.svc.CreateTenant(context.Background(), validRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if stats := registry.Stats(); stats.OpenHandles != 0 {
		t.Errorf("handle not released: %+v", stats)
	}
}

type singleConnOpener struct {
	conn pgxmock.PgxConnIface
}

func (o singleConnOpener) Open(context.Context, string) (tenancy.Conn, error) {
	return o.conn, nil
}
