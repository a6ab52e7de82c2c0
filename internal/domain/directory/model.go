// Package directory is the platform-wide record of tenants, platform
// administrators, pricing plans and subscriptions. It lives in the control
// database and never touches tenant databases.
package directory

import (
	"time"

	"github.com/google/uuid"
)

type TenantStatus string

const (
	StatusPending   TenantStatus = "PENDING"
	StatusActive    TenantStatus = "ACTIVE"
	StatusSuspended TenantStatus = "SUSPENDED"
)

func (s TenantStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusSuspended:
		return true
	}
	return false
}

// Tenant maps to the tenants table. DatabaseLocator is the physical database
// name; connection strings are derived from it at connect time.
type Tenant struct {
	ID              uuid.UUID     `db:"id" json:"id"`
	Subdomain       string        `db:"subdomain" json:"subdomain"`
	Name            string        `db:"name" json:"name"`
	OwnerName       string        `db:"owner_name" json:"ownerName"`
	OwnerEmail      string        `db:"owner_email" json:"ownerEmail"`
	DatabaseLocator string        `db:"database_locator" json:"databaseLocator"`
	Status          TenantStatus  `db:"status" json:"status"`
	Subscription    *Subscription `db:"-" json:"subscription,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updatedAt"`
}

// TenantDraft is the input for recording a new tenant.
type TenantDraft struct {
	Subdomain       string
	Name            string
	OwnerName       string
	OwnerEmail      string
	DatabaseLocator string
	Status          TenantStatus
}

// TenantPatch carries the editable tenant fields; nil means unchanged.
type TenantPatch struct {
	Name      *string `json:"name,omitempty"`
	OwnerName *string `json:"ownerName,omitempty"`
}

// Administrator maps to platform_administrators.
type Administrator struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	Name         string    `db:"name" json:"name"`
	PasswordHash string    `db:"password_hash" json:"-"`
	IsActive     bool      `db:"is_active" json:"isActive"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// PricingPlan maps to pricing_plans. A limit of -1 means unlimited.
type PricingPlan struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Description  string    `db:"description" json:"description"`
	MonthlyPrice float64   `db:"monthly_price" json:"monthlyPrice"`
	YearlyPrice  float64   `db:"yearly_price" json:"yearlyPrice"`
	MaxUsers     int       `db:"max_users" json:"maxUsers"`
	MaxPatients  int       `db:"max_patients" json:"maxPatients"`
	Features     []string  `db:"features" json:"features"`
	DisplayOrder int       `db:"display_order" json:"displayOrder"`
	IsActive     bool      `db:"is_active" json:"isActive"`
}

// Price returns the plan price for the given cycle.
func (p *PricingPlan) Price(cycle BillingCycle) float64 {
	if cycle == Yearly {
		return p.YearlyPrice
	}
	return p.MonthlyPrice
}

type BillingCycle string

const (
	Monthly BillingCycle = "MONTHLY"
	Yearly  BillingCycle = "YEARLY"
)

func (c BillingCycle) Valid() bool {
	return c == Monthly || c == Yearly
}

// EndDate is start plus one month, or one year for YEARLY.
func (c BillingCycle) EndDate(start time.Time) time.Time {
	if c == Yearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionExpired   SubscriptionStatus = "EXPIRED"
)

// Subscription maps to subscriptions. Plan fields are copied at subscribe
// time so later plan edits do not change existing subscriptions.
type Subscription struct {
	ID           uuid.UUID          `db:"id" json:"id"`
	TenantID     uuid.UUID          `db:"tenant_id" json:"tenantId"`
	PlanID       uuid.UUID          `db:"plan_id" json:"planId"`
	PlanName     string             `db:"plan_name" json:"planName"`
	PlanPrice    float64            `db:"plan_price" json:"planPrice"`
	BillingCycle BillingCycle       `db:"billing_cycle" json:"billingCycle"`
	Status       SubscriptionStatus `db:"status" json:"status"`
	MaxUsers     int                `db:"max_users" json:"maxUsers"`
	MaxPatients  int                `db:"max_patients" json:"maxPatients"`
	Features     []string           `db:"features" json:"features"`
	StartDate    time.Time          `db:"start_date" json:"startDate"`
	EndDate      time.Time          `db:"end_date" json:"endDate"`
}

// Page selects a slice of the tenant list. An empty Status matches all.
type Page struct {
	Limit  int
	Offset int
	Status TenantStatus
}
