package account

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/db"
)

func mapError(err error, noun string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("%s not found", noun)
	}
	if _, ok := db.UniqueViolation(err); ok {
		return apperr.Conflict("%s already exists", noun)
	}
	return err
}

// -- User Repository --

type userRepoPG struct {
	q db.Querier
}

// NewUserRepo returns a UserRepository bound to one tenant connection or
// transaction.
func NewUserRepo(q db.Querier) UserRepository {
	return &userRepoPG{q: q}
}

const userColumns = `id, email, name, password_hash, role, is_active,
	failed_attempts, lock_until, last_login_at, created_at`

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.Email = strings.ToLower(u.Email)
	err := r.q.QueryRow(ctx, `
		INSERT INTO users (id, email, name, password_hash, role, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		u.ID, u.Email, u.Name, u.PasswordHash, u.Role, u.IsActive,
	).Scan(&u.CreatedAt)
	return mapError(err, "user")
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *userRepoPG) GetByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, strings.ToLower(email)))
}

func (r *userRepoPG) ExistsActive(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE email = $1 AND is_active)`, strings.ToLower(email),
	).Scan(&exists)
	return exists, err
}

// IncrementFailures bumps the consecutive failure counter and returns the new
// value.
func (r *userRepoPG) IncrementFailures(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `
		UPDATE users SET failed_attempts = failed_attempts + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING failed_attempts`, id,
	).Scan(&n)
	return n, mapError(err, "user")
}

func (r *userRepoPG) Lock(ctx context.Context, id uuid.UUID, until time.Time) error {
	_, err := r.q.Exec(ctx,
		`UPDATE users SET lock_until = $2, updated_at = NOW() WHERE id = $1`, id, until)
	return err
}

func (r *userRepoPG) ResetFailures(ctx context.Context, id uuid.UUID) error {
	_, err := r.q.Exec(ctx,
		`UPDATE users SET failed_attempts = 0, lock_until = NULL, updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *userRepoPG) RecordLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.q.Exec(ctx, `
		UPDATE users SET failed_attempts = 0, lock_until = NULL, last_login_at = $2, updated_at = NOW()
		WHERE id = $1`, id, at)
	return err
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Role, &u.IsActive,
		&u.FailedAttempts, &u.LockUntil, &u.LastLoginAt, &u.CreatedAt,
	)
	if err != nil {
		return nil, mapError(err, "user")
	}
	return &u, nil
}

// -- Refresh Token Repository --

type refreshTokenRepoPG struct {
	q db.Querier
}

func NewRefreshTokenRepo(q db.Querier) RefreshTokenRepository {
	return &refreshTokenRepoPG{q: q}
}

// Create stores the token. Row ids are ULIDs so they sort by issue time.
func (r *refreshTokenRepoPG) Create(ctx context.Context, t *RefreshToken) error {
	if t.ID == "" {
		t.ID = ulid.Make().String()
	}
	if t.IssuedAt.IsZero() {
		t.IssuedAt = time.Now().UTC()
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.UserID, t.TokenHash, t.IssuedAt, t.ExpiresAt,
	)
	return mapError(err, "refresh token")
}

// Valid reports whether an unexpired token with this hash is stored.
func (r *refreshTokenRepoPG) Valid(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	var ok bool
	err := r.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE token_hash = $1 AND expires_at > $2)`,
		tokenHash, now,
	).Scan(&ok)
	return ok, err
}

func (r *refreshTokenRepoPG) DeleteByHash(ctx context.Context, tokenHash string) error {
	_, err := r.q.Exec(ctx, `DELETE FROM refresh_tokens WHERE token_hash = $1`, tokenHash)
	return err
}

func (r *refreshTokenRepoPG) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// -- Profile Repository --

type profileRepoPG struct {
	q db.Querier
}

func NewProfileRepo(q db.Querier) ProfileRepository {
	return &profileRepoPG{q: q}
}

func (r *profileRepoPG) Upsert(ctx context.Context, p *Profile) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO tenant_profile (singleton, tenant_id, name, subdomain, owner_name, owner_email)
		VALUES (TRUE, $1, $2, $3, $4, $5)
		ON CONFLICT (singleton) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			name = EXCLUDED.name,
			subdomain = EXCLUDED.subdomain,
			owner_name = EXCLUDED.owner_name,
			owner_email = EXCLUDED.owner_email`,
		p.TenantID, p.Name, p.Subdomain, p.OwnerName, p.OwnerEmail,
	)
	return err
}

func (r *profileRepoPG) Get(ctx context.Context) (*Profile, error) {
	var p Profile
	err := r.q.QueryRow(ctx, `
		SELECT tenant_id, name, subdomain, owner_name, owner_email
		FROM tenant_profile WHERE singleton`,
	).Scan(&p.TenantID, &p.Name, &p.Subdomain, &p.OwnerName, &p.OwnerEmail)
	if err != nil {
		return nil, mapError(err, "tenant profile")
	}
	return &p, nil
}

// Seed writes the owner account and the tenant profile in one transaction on
// a freshly migrated tenant database.
func Seed(ctx context.Context, d db.DBTX, owner *User, profile *Profile) error {
	return db.InTx(ctx, d, func(tx pgx.Tx) error {
		if err := NewUserRepo(tx).Create(ctx, owner); err != nil {
			return err
		}
		return NewProfileRepo(tx).Upsert(ctx, profile)
	})
}
