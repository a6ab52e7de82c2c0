package directory

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medflow/medflow/internal/platform/apperr"
)

// Store is the directory's public surface used by the provisioning saga, the
// auth orchestrator, the tenant registry and the admin HTTP handler.
type Store struct {
	tenants       TenantRepository
	admins        AdministratorRepository
	plans         PlanRepository
	subscriptions SubscriptionRepository
	locker        Locker
	now           clock
}

func NewStore(tenants TenantRepository, admins AdministratorRepository, plans PlanRepository, subscriptions SubscriptionRepository, locker Locker) *Store {
	return &Store{
		tenants:       tenants,
		admins:        admins,
		plans:         plans,
		subscriptions: subscriptions,
		locker:        locker,
		now:           time.Now,
	}
}

// -- Tenants --

func (s *Store) CreateTenant(ctx context.Context, draft TenantDraft) (*Tenant, error) {
	if draft.Subdomain == "" || draft.Name == "" || draft.OwnerEmail == "" || draft.DatabaseLocator == "" {
		return nil, apperr.Validation("subdomain, name, owner email and database locator are required")
	}
	status := draft.Status
	if status == "" {
		status = StatusPending
	}
	if !status.Valid() {
		return nil, apperr.Validation("invalid tenant status %q", status)
	}

	t := &Tenant{
		Subdomain:       draft.Subdomain,
		Name:            draft.Name,
		OwnerName:       draft.OwnerName,
		OwnerEmail:      strings.ToLower(draft.OwnerEmail),
		DatabaseLocator: draft.DatabaseLocator,
		Status:          status,
	}
	if err := s.tenants.Create(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) FindTenantByID(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	return s.tenants.GetByID(ctx, id)
}

func (s *Store) FindTenantBySubdomain(ctx context.Context, subdomain string) (*Tenant, error) {
	return s.tenants.GetBySubdomain(ctx, subdomain)
}

func (s *Store) FindTenantByOwnerEmail(ctx context.Context, email string) (*Tenant, error) {
	return s.tenants.GetByOwnerEmail(ctx, strings.ToLower(email))
}

func (s *Store) FindTenantByLocator(ctx context.Context, locator string) (*Tenant, error) {
	return s.tenants.GetByLocator(ctx, locator)
}

// ListTenants returns one page of tenants ordered by creation time.
func (s *Store) ListTenants(ctx context.Context, page Page) ([]*Tenant, int, error) {
	if page.Status != "" && !page.Status.Valid() {
		return nil, 0, apperr.Validation("invalid tenant status %q", page.Status)
	}
	if page.Limit <= 0 {
		page.Limit = 20
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	return s.tenants.List(ctx, page)
}

func (s *Store) UpdateTenantStatus(ctx context.Context, id uuid.UUID, status TenantStatus) error {
	if !status.Valid() {
		return apperr.Validation("invalid tenant status %q", status)
	}
	return s.tenants.UpdateStatus(ctx, id, status)
}

func (s *Store) UpdateTenant(ctx context.Context, id uuid.UUID, patch TenantPatch) (*Tenant, error) {
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return nil, apperr.Validation("name cannot be empty")
	}
	if patch.OwnerName != nil && strings.TrimSpace(*patch.OwnerName) == "" {
		return nil, apperr.Validation("owner name cannot be empty")
	}
	return s.tenants.Update(ctx, id, patch)
}

// DeleteTenant removes the directory record only. Dropping the physical
// database is the provisioning service's job.
func (s *Store) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	return s.tenants.Delete(ctx, id)
}

// TenantLocator implements tenancy.LocatorSource.
func (s *Store) TenantLocator(ctx context.Context, id uuid.UUID) (string, error) {
	t, err := s.tenants.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return t.DatabaseLocator, nil
}

// LockProvisioning serializes provisioning of one physical database across
// every server sharing this directory. The returned func releases the lock.
func (s *Store) LockProvisioning(ctx context.Context, key string) (func(), error) {
	return s.locker.Lock(ctx, "provision:"+key)
}

// -- Administrators --

func (s *Store) FindAdministratorByEmail(ctx context.Context, email string) (*Administrator, error) {
	return s.admins.GetByEmail(ctx, strings.ToLower(email))
}

func (s *Store) CreateAdministrator(ctx context.Context, email, name, passwordHash string) (*Administrator, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || name == "" || passwordHash == "" {
		return nil, apperr.Validation("email, name and password are required")
	}
	a := &Administrator{Email: email, Name: name, PasswordHash: passwordHash, IsActive: true}
	if err := s.admins.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// -- Plans and subscriptions --

func (s *Store) ListPlans(ctx context.Context) ([]*PricingPlan, error) {
	return s.plans.ListActive(ctx)
}

// AttachSubscription subscribes the tenant to a plan starting now.
func (s *Store) AttachSubscription(ctx context.Context, tenantID, planID uuid.UUID, cycle BillingCycle) (*Subscription, error) {
	if cycle == "" {
		cycle = Monthly
	}
	if !cycle.Valid() {
		return nil, apperr.Validation("invalid billing cycle %q", cycle)
	}

	plan, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, apperr.Validation("pricing plan %q is not available", plan.Name)
	}

	start := s.now().UTC()
	sub := &Subscription{
		TenantID:     tenantID,
		PlanID:       plan.ID,
		PlanName:     plan.Name,
		PlanPrice:    plan.Price(cycle),
		BillingCycle: cycle,
		Status:       SubscriptionActive,
		MaxUsers:     plan.MaxUsers,
		MaxPatients:  plan.MaxPatients,
		Features:     plan.Features,
		StartDate:    start,
		EndDate:      cycle.EndDate(start),
	}
	if err := s.subscriptions.Create(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Store) GetActiveSubscription(ctx context.Context, tenantID uuid.UUID) (*Subscription, error) {
	return s.subscriptions.GetActive(ctx, tenantID)
}
