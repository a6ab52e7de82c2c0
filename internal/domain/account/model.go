// Package account holds the records that live inside each tenant database:
// users, persisted refresh tokens and the tenant profile row.
package account

import (
	"time"

	"github.com/google/uuid"
)

// User maps to the users table of a tenant database.
type User struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	Email          string     `db:"email" json:"email"`
	Name           string     `db:"name" json:"name"`
	PasswordHash   string     `db:"password_hash" json:"-"`
	Role           string     `db:"role" json:"role"`
	IsActive       bool       `db:"is_active" json:"isActive"`
	FailedAttempts int        `db:"failed_attempts" json:"-"`
	LockUntil      *time.Time `db:"lock_until" json:"-"`
	LastLoginAt    *time.Time `db:"last_login_at" json:"lastLoginAt,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
}

// LockedAt reports whether the account is locked at now.
func (u *User) LockedAt(now time.Time) bool {
	return u.LockUntil != nil && now.Before(*u.LockUntil)
}

// LockExpired reports a lock that was set and has since run out.
func (u *User) LockExpired(now time.Time) bool {
	return u.LockUntil != nil && !now.Before(*u.LockUntil)
}

// RefreshToken is a persisted refresh token. Only the SHA-256 of the token
// is stored.
type RefreshToken struct {
	ID        string    `db:"id"`
	UserID    uuid.UUID `db:"user_id"`
	TokenHash string    `db:"token_hash"`
	IssuedAt  time.Time `db:"issued_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

// Profile is the single row describing the tenant that owns the database.
type Profile struct {
	TenantID   uuid.UUID `db:"tenant_id" json:"tenantId"`
	Name       string    `db:"name" json:"name"`
	Subdomain  string    `db:"subdomain" json:"subdomain"`
	OwnerName  string    `db:"owner_name" json:"ownerName"`
	OwnerEmail string    `db:"owner_email" json:"ownerEmail"`
}
