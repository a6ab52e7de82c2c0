package account

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserRepository defines the persistence interface for tenant users.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	ExistsActive(ctx context.Context, email string) (bool, error)
	IncrementFailures(ctx context.Context, id uuid.UUID) (int, error)
	Lock(ctx context.Context, id uuid.UUID, until time.Time) error
	ResetFailures(ctx context.Context, id uuid.UUID) error
	RecordLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}

// RefreshTokenRepository defines the persistence interface for refresh
// tokens, addressed by token hash.
type RefreshTokenRepository interface {
	Create(ctx context.Context, t *RefreshToken) error
	Valid(ctx context.Context, tokenHash string, now time.Time) (bool, error)
	DeleteByHash(ctx context.Context, tokenHash string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// ProfileRepository reads and writes the tenant profile row.
type ProfileRepository interface {
	Upsert(ctx context.Context, p *Profile) error
	Get(ctx context.Context) (*Profile, error)
}
