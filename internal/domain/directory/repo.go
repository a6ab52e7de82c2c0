package directory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TenantRepository defines the persistence interface for tenants.
type TenantRepository interface {
	Create(ctx context.Context, t *Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	GetBySubdomain(ctx context.Context, subdomain string) (*Tenant, error)
	GetByOwnerEmail(ctx context.Context, email string) (*Tenant, error)
	GetByLocator(ctx context.Context, locator string) (*Tenant, error)
	List(ctx context.Context, page Page) ([]*Tenant, int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status TenantStatus) error
	Update(ctx context.Context, id uuid.UUID, patch TenantPatch) (*Tenant, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// AdministratorRepository defines the persistence interface for platform
// administrators.
type AdministratorRepository interface {
	Create(ctx context.Context, a *Administrator) error
	GetByEmail(ctx context.Context, email string) (*Administrator, error)
}

// PlanRepository defines the persistence interface for pricing plans.
type PlanRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*PricingPlan, error)
	ListActive(ctx context.Context) ([]*PricingPlan, error)
}

// SubscriptionRepository defines the persistence interface for subscriptions.
type SubscriptionRepository interface {
	Create(ctx context.Context, s *Subscription) error
	GetActive(ctx context.Context, tenantID uuid.UUID) (*Subscription, error)
}

// Locker serializes work on a named resource across server instances.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// clock lets tests pin subscription dates.
type clock func() time.Time
