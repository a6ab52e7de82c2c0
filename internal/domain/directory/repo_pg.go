package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/db"
)

// conflictMessages maps unique constraints to the reason shown to callers.
var conflictMessages = map[string]string{
	"tenants_subdomain_key":             "subdomain is already taken",
	"tenants_owner_email_key":           "owner email is already registered",
	"tenants_database_locator_key":      "a tenant database with this name already exists",
	"platform_administrators_email_key": "administrator email is already registered",
	"idx_subscriptions_one_active":      "tenant already has an active subscription",
}

// mapError turns unique violations into apperr.ErrConflict and missing rows
// into apperr.ErrNotFound with the given noun.
func mapError(err error, noun string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("%s not found", noun)
	}
	if constraint, ok := db.UniqueViolation(err); ok {
		if msg, known := conflictMessages[constraint]; known {
			return apperr.Conflict("%s", msg)
		}
		return apperr.Conflict("%s already exists", noun)
	}
	return err
}

// -- Tenant Repository --

type tenantRepoPG struct {
	q db.Querier
}

func NewTenantRepo(q db.Querier) TenantRepository {
	return &tenantRepoPG{q: q}
}

const tenantColumns = `id, subdomain, name, owner_name, owner_email, database_locator, status, created_at, updated_at`

func (r *tenantRepoPG) Create(ctx context.Context, t *Tenant) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}

	err := r.q.QueryRow(ctx, `
		INSERT INTO tenants (id, subdomain, name, owner_name, owner_email, database_locator, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		t.ID, t.Subdomain, t.Name, t.OwnerName, t.OwnerEmail, t.DatabaseLocator, string(t.Status),
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	return mapError(err, "tenant")
}

func (r *tenantRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	return r.scanOne(r.q.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
}

func (r *tenantRepoPG) GetBySubdomain(ctx context.Context, subdomain string) (*Tenant, error) {
	return r.scanOne(r.q.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE subdomain = $1`, subdomain))
}

func (r *tenantRepoPG) GetByOwnerEmail(ctx context.Context, email string) (*Tenant, error) {
	return r.scanOne(r.q.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE owner_email = $1`, email))
}

func (r *tenantRepoPG) GetByLocator(ctx context.Context, locator string) (*Tenant, error) {
	return r.scanOne(r.q.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE database_locator = $1`, locator))
}

func (r *tenantRepoPG) List(ctx context.Context, page Page) ([]*Tenant, int, error) {
	where := ""
	var args []interface{}
	if page.Status != "" {
		where = ` WHERE status = $1`
		args = append(args, string(page.Status))
	}

	var total int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM tenants`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT `+tenantColumns+` FROM tenants`+where+
		` ORDER BY created_at, id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, page.Limit, page.Offset)

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, 0, err
		}
		tenants = append(tenants, t)
	}
	return tenants, total, rows.Err()
}

func (r *tenantRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status TenantStatus) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE tenants SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("tenant not found")
	}
	return nil
}

func (r *tenantRepoPG) Update(ctx context.Context, id uuid.UUID, patch TenantPatch) (*Tenant, error) {
	return r.scanOne(r.q.QueryRow(ctx, `
		UPDATE tenants SET
			name = COALESCE($2, name),
			owner_name = COALESCE($3, owner_name),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+tenantColumns,
		id, patch.Name, patch.OwnerName,
	))
}

func (r *tenantRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("tenant not found")
	}
	return nil
}

func (r *tenantRepoPG) scanOne(row pgx.Row) (*Tenant, error) {
	t, err := scanTenant(row)
	if err != nil {
		return nil, mapError(err, "tenant")
	}
	return t, nil
}

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	var status string
	err := row.Scan(
		&t.ID, &t.Subdomain, &t.Name, &t.OwnerName, &t.OwnerEmail,
		&t.DatabaseLocator, &status, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = TenantStatus(status)
	return &t, nil
}

// -- Administrator Repository --

type adminRepoPG struct {
	q db.Querier
}

func NewAdministratorRepo(q db.Querier) AdministratorRepository {
	return &adminRepoPG{q: q}
}

func (r *adminRepoPG) Create(ctx context.Context, a *Administrator) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.q.QueryRow(ctx, `
		INSERT INTO platform_administrators (id, email, name, password_hash, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		a.ID, a.Email, a.Name, a.PasswordHash, a.IsActive,
	).Scan(&a.CreatedAt)
	return mapError(err, "administrator")
}

func (r *adminRepoPG) GetByEmail(ctx context.Context, email string) (*Administrator, error) {
	var a Administrator
	err := r.q.QueryRow(ctx, `
		SELECT id, email, name, password_hash, is_active, created_at
		FROM platform_administrators WHERE email = $1`, email,
	).Scan(&a.ID, &a.Email, &a.Name, &a.PasswordHash, &a.IsActive, &a.CreatedAt)
	if err != nil {
		return nil, mapError(err, "administrator")
	}
	return &a, nil
}

// -- Plan Repository --

type planRepoPG struct {
	q db.Querier
}

func NewPlanRepo(q db.Querier) PlanRepository {
	return &planRepoPG{q: q}
}

const planColumns = `id, name, description, monthly_price::float8, yearly_price::float8,
	max_users, max_patients, features, display_order, is_active`

func (r *planRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*PricingPlan, error) {
	p, err := scanPlan(r.q.QueryRow(ctx, `SELECT `+planColumns+` FROM pricing_plans WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "pricing plan")
	}
	return p, nil
}

func (r *planRepoPG) ListActive(ctx context.Context) ([]*PricingPlan, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+planColumns+` FROM pricing_plans WHERE is_active ORDER BY display_order, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*PricingPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func scanPlan(row pgx.Row) (*PricingPlan, error) {
	var p PricingPlan
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.MonthlyPrice, &p.YearlyPrice,
		&p.MaxUsers, &p.MaxPatients, &p.Features, &p.DisplayOrder, &p.IsActive,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// -- Subscription Repository --

type subscriptionRepoPG struct {
	q db.Querier
}

func NewSubscriptionRepo(q db.Querier) SubscriptionRepository {
	return &subscriptionRepoPG{q: q}
}

func (r *subscriptionRepoPG) Create(ctx context.Context, s *Subscription) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO subscriptions (
			id, tenant_id, plan_id, plan_name, plan_price, billing_cycle, status,
			max_users, max_patients, features, start_date, end_date
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, s.TenantID, s.PlanID, s.PlanName, s.PlanPrice, string(s.BillingCycle), string(s.Status),
		s.MaxUsers, s.MaxPatients, s.Features, s.StartDate, s.EndDate,
	)
	return mapError(err, "subscription")
}

func (r *subscriptionRepoPG) GetActive(ctx context.Context, tenantID uuid.UUID) (*Subscription, error) {
	var s Subscription
	var cycle, status string
	err := r.q.QueryRow(ctx, `
		SELECT id, tenant_id, plan_id, plan_name, plan_price::float8, billing_cycle, status,
			max_users, max_patients, features, start_date, end_date
		FROM subscriptions WHERE tenant_id = $1 AND status = 'ACTIVE'`, tenantID,
	).Scan(
		&s.ID, &s.TenantID, &s.PlanID, &s.PlanName, &s.PlanPrice, &cycle, &status,
		&s.MaxUsers, &s.MaxPatients, &s.Features, &s.StartDate, &s.EndDate,
	)
	if err != nil {
		return nil, mapError(err, "subscription")
	}
	s.BillingCycle = BillingCycle(cycle)
	s.Status = SubscriptionStatus(status)
	return &s, nil
}

// -- Advisory Locker --

type advisoryLocker struct {
	d db.DBTX
}

// NewAdvisoryLocker returns a Locker backed by pg_advisory_xact_lock. Each
// lock holds one transaction, and so one pooled connection, until unlocked.
func NewAdvisoryLocker(d db.DBTX) Locker {
	return &advisoryLocker{d: d}
}

func (l *advisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	tx, err := l.d.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin lock transaction: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("acquire advisory lock %q: %w", key, err)
	}

	release := context.WithoutCancel(ctx)
	return func() { _ = tx.Rollback(release) }, nil
}
