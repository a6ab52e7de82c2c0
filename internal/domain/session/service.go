// Package session authenticates platform administrators and tenant users
// behind one login endpoint and manages their token lifecycle.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medflow/medflow/internal/domain/account"
	"github.com/medflow/medflow/internal/domain/directory"
	"github.com/medflow/medflow/internal/platform/apperr"
	"github.com/medflow/medflow/internal/platform/auth"
	"github.com/medflow/medflow/internal/platform/metrics"
	"github.com/medflow/medflow/internal/platform/tenancy"
)

const scanPageSize = 100

// Directory is the part of directory.Store the orchestrator reads.
type Directory interface {
	FindAdministratorByEmail(ctx context.Context, email string) (*directory.Administrator, error)
	FindTenantByID(ctx context.Context, id uuid.UUID) (*directory.Tenant, error)
	ListTenants(ctx context.Context, page directory.Page) ([]*directory.Tenant, int, error)
}

// Connections lends tenant database handles.
type Connections interface {
	WithHandle(ctx context.Context, tenantID uuid.UUID, fn func(h *tenancy.Handle) error) error
}

type Passwords interface {
	Verify(ctx context.Context, password, hash string) (bool, error)
}

type Tokens interface {
	IssuePair(p auth.Principal) (*auth.TokenPair, error)
	IssueAccessToken(p auth.Principal) (string, *auth.Claims, error)
	Verify(token string, class auth.TokenClass) (*auth.Claims, error)
}

type Revoker interface {
	Revoke(jti string, expiresAt time.Time)
}

// Config holds the lockout policy and the per-tenant scan timeout.
type Config struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	ScanTimeout       time.Duration
}

type LoginRequest struct {
	Email    string     `json:"email"`
	Password string     `json:"password"`
	TenantID *uuid.UUID `json:"tenantId,omitempty"`
}

// UserInfo is the public view of the authenticated principal.
type UserInfo struct {
	ID       uuid.UUID  `json:"id"`
	Email    string     `json:"email"`
	Name     string     `json:"name,omitempty"`
	Role     string     `json:"role"`
	TenantID *uuid.UUID `json:"tenantId,omitempty"`
}

type LoginResult struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	User             UserInfo  `json:"user"`
}

type RefreshResult struct {
	AccessToken     string    `json:"accessToken"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
}

type Service struct {
	directory   Directory
	connections Connections
	passwords   Passwords
	tokens      Tokens
	revoker     Revoker
	cfg         Config
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	now         func() time.Time

	users         func(h *tenancy.Handle) account.UserRepository
	refreshTokens func(h *tenancy.Handle) account.RefreshTokenRepository
}

func NewService(dir Directory, connections Connections, passwords Passwords, tokens Tokens, revoker Revoker, cfg Config, logger zerolog.Logger) *Service {
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = 5
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = 3 * time.Second
	}
	return &Service{
		directory:   dir,
		connections: connections,
		passwords:   passwords,
		tokens:      tokens,
		revoker:     revoker,
		cfg:         cfg,
		logger:      logger.With().Str("component", "session").Logger(),
		now:         time.Now,
		users: func(h *tenancy.Handle) account.UserRepository {
			return account.NewUserRepo(h)
		},
		refreshTokens: func(h *tenancy.Handle) account.RefreshTokenRepository {
			return account.NewRefreshTokenRepo(h)
		},
	}
}

// SetMetrics attaches optional prometheus collectors.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Login authenticates req. Platform administrators are checked first; then
// the named tenant, or the first active tenant holding an active user with
// that email. Every miss yields apperr.ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		s.metrics.LoginAttempt("invalid_credentials")
		return nil, apperr.ErrInvalidCredentials
	}

	res, err := s.loginAdministrator(ctx, email, req.Password)
	if err != nil || res != nil {
		return res, s.outcome(res, err)
	}

	var tenant *directory.Tenant
	if req.TenantID != nil {
		tenant, err = s.directory.FindTenantByID(ctx, *req.TenantID)
		if err != nil {
			if !errors.Is(err, apperr.ErrNotFound) {
				s.logger.Error().Err(err).Msg("login: tenant lookup failed")
			}
			return nil, s.outcome(nil, apperr.ErrInvalidCredentials)
		}
		if tenant.Status != directory.StatusActive {
			return nil, s.outcome(nil, apperr.ErrInvalidCredentials)
		}
	} else {
		tenant, err = s.scan(ctx, email)
		if err != nil {
			return nil, s.outcome(nil, err)
		}
		if tenant == nil {
			return nil, s.outcome(nil, apperr.ErrInvalidCredentials)
		}
	}

	res, err = s.loginTenantUser(ctx, tenant, email, req.Password)
	return res, s.outcome(res, err)
}

func (s *Service) outcome(res *LoginResult, err error) error {
	var locked *apperr.LockedError
	switch {
	case err == nil && res != nil && res.User.TenantID == nil:
		s.metrics.LoginAttempt("super_admin")
	case err == nil:
		s.metrics.LoginAttempt("tenant_user")
	case errors.As(err, &locked):
		s.metrics.LoginAttempt("locked")
	case errors.Is(err, apperr.ErrInvalidCredentials):
		s.metrics.LoginAttempt("invalid_credentials")
	default:
		s.metrics.LoginAttempt("error")
	}
	return err
}

// loginAdministrator returns (nil, nil) when the credentials do not belong
// to an active platform administrator, so the tenant paths run next.
func (s *Service) loginAdministrator(ctx context.Context, email, password string) (*LoginResult, error) {
	admin, err := s.directory.FindAdministratorByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !admin.IsActive {
		return nil, nil
	}
	ok, err := s.passwords.Verify(ctx, password, admin.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	principal := auth.Principal{ID: admin.ID, Email: admin.Email, Role: auth.RoleSuperAdmin}
	pair, err := s.tokens.IssuePair(principal)
	if err != nil {
		return nil, err
	}
	return newLoginResult(pair, UserInfo{ID: admin.ID, Email: admin.Email, Name: admin.Name, Role: auth.RoleSuperAdmin}), nil
}

// scan walks active tenants in creation order and returns the first whose
// database holds an active user with email. Tenants that cannot be reached
// within the scan timeout are skipped.
func (s *Service) scan(ctx context.Context, email string) (*directory.Tenant, error) {
	for offset := 0; ; offset += scanPageSize {
		tenants, total, err := s.directory.ListTenants(ctx, directory.Page{
			Limit:  scanPageSize,
			Offset: offset,
			Status: directory.StatusActive,
		})
		if err != nil {
			return nil, err
		}

		for _, t := range tenants {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			found, err := s.probe(ctx, t.ID, email)
			if err != nil {
				s.metrics.TenantScanSkip()
				s.logger.Warn().Err(err).Str("tenant_id", t.ID.String()).Msg("login scan: tenant skipped")
				continue
			}
			if found {
				return t, nil
			}
		}

		if len(tenants) == 0 || offset+len(tenants) >= total {
			return nil, nil
		}
	}
}

func (s *Service) probe(ctx context.Context, tenantID uuid.UUID, email string) (bool, error) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	var found bool
	err := s.connections.WithHandle(pctx, tenantID, func(h *tenancy.Handle) error {
		var err error
		found, err = s.users(h).ExistsActive(pctx, email)
		return err
	})
	return found, err
}

func (s *Service) loginTenantUser(ctx context.Context, tenant *directory.Tenant, email, password string) (*LoginResult, error) {
	var result *LoginResult
	err := s.connections.WithHandle(ctx, tenant.ID, func(h *tenancy.Handle) error {
		users := s.users(h)
		u, err := users.GetByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return apperr.ErrInvalidCredentials
			}
			return err
		}
		if !u.IsActive {
			return apperr.ErrInvalidCredentials
		}

		now := s.now()
		if u.LockedAt(now) {
			return apperr.NewLocked(*u.LockUntil, now)
		}
		if u.LockExpired(now) {
			if err := users.ResetFailures(ctx, u.ID); err != nil {
				return err
			}
			u.FailedAttempts = 0
		}

		ok, err := s.passwords.Verify(ctx, password, u.PasswordHash)
		if err != nil {
			return err
		}
		if !ok {
			return s.recordFailure(ctx, users, u, now)
		}

		if err := users.RecordLogin(ctx, u.ID, now); err != nil {
			return err
		}

		tenantID := tenant.ID
		principal := auth.Principal{ID: u.ID, Email: u.Email, Role: u.Role, TenantID: &tenantID}
		pair, err := s.tokens.IssuePair(principal)
		if err != nil {
			return err
		}
		err = s.refreshTokens(h).Create(ctx, &account.RefreshToken{
			UserID:    u.ID,
			TokenHash: auth.HashToken(pair.RefreshToken),
			IssuedAt:  now,
			ExpiresAt: pair.RefreshExpiresAt,
		})
		if err != nil {
			return err
		}

		result = newLoginResult(pair, UserInfo{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role, TenantID: &tenantID})
		return nil
	})
	if err != nil {
		var locked *apperr.LockedError
		if errors.As(err, &locked) || errors.Is(err, apperr.ErrInvalidCredentials) {
			return nil, err
		}
		s.logger.Error().Err(err).Str("tenant_id", tenant.ID.String()).Msg("login: tenant user lookup failed")
		return nil, apperr.ErrInvalidCredentials
	}
	return result, nil
}

// recordFailure counts a wrong password and locks the account once the
// limit is reached. The attempt that reaches the limit already reports
// the lock.
func (s *Service) recordFailure(ctx context.Context, users account.UserRepository, u *account.User, now time.Time) error {
	n, err := users.IncrementFailures(ctx, u.ID)
	if err != nil {
		return err
	}
	if n < s.cfg.MaxFailedAttempts {
		return apperr.ErrInvalidCredentials
	}

	until := now.Add(s.cfg.LockoutDuration)
	if err := users.Lock(ctx, u.ID, until); err != nil {
		return err
	}
	s.logger.Warn().Str("user_id", u.ID.String()).Time("lock_until", until).Msg("account locked")
	return apperr.NewLocked(until, now)
}

func newLoginResult(pair *auth.TokenPair, user UserInfo) *LoginResult {
	return &LoginResult{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		User:             user,
	}
}

// Refresh mints a new access token. Tenant refresh tokens must also be
// stored and unexpired in the tenant database; administrator refresh tokens
// are checked by signature and expiry only.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	claims, err := s.tokens.Verify(refreshToken, auth.RefreshToken)
	if err != nil {
		return nil, err
	}
	principal, err := claims.Principal()
	if err != nil {
		return nil, apperr.ErrInvalidToken
	}

	if !principal.IsPlatformAdmin() {
		if err := s.requireActiveTenant(ctx, *principal.TenantID); err != nil {
			return nil, err
		}
		err := s.connections.WithHandle(ctx, *principal.TenantID, func(h *tenancy.Handle) error {
			ok, err := s.refreshTokens(h).Valid(ctx, auth.HashToken(refreshToken), s.now())
			if err != nil {
				return err
			}
			if !ok {
				return apperr.ErrInvalidToken
			}
			u, err := s.users(h).GetByID(ctx, principal.ID)
			if err != nil || !u.IsActive {
				return apperr.ErrInvalidToken
			}
			return nil
		})
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.ErrInvalidToken
		}
		if err != nil {
			return nil, err
		}
	}

	access, ac, err := s.tokens.IssueAccessToken(principal)
	if err != nil {
		return nil, err
	}
	return &RefreshResult{AccessToken: access, AccessExpiresAt: ac.ExpiresAt.Time}, nil
}

// requireActiveTenant rejects tokens of tenants that were deleted or are no
// longer ACTIVE. Tokens stay signature-valid after a suspension.
func (s *Service) requireActiveTenant(ctx context.Context, id uuid.UUID) error {
	tenant, err := s.directory.FindTenantByID(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.ErrInvalidToken
	}
	if err != nil {
		return err
	}
	if tenant.Status != directory.StatusActive {
		return apperr.ErrInvalidToken
	}
	return nil
}

// Logout revokes the presented access token, if any, and deletes the stored
// refresh token of a tenant user. Unknown or already expired tokens are
// ignored so that logging out twice succeeds.
func (s *Service) Logout(ctx context.Context, refreshToken string, access *auth.Claims) error {
	if access != nil && s.revoker != nil && access.ExpiresAt != nil {
		s.revoker.Revoke(access.ID, access.ExpiresAt.Time)
	}
	if refreshToken == "" {
		return nil
	}

	claims, err := s.tokens.Verify(refreshToken, auth.RefreshToken)
	if err != nil {
		return nil
	}
	principal, err := claims.Principal()
	if err != nil || principal.IsPlatformAdmin() {
		return nil
	}

	err = s.connections.WithHandle(ctx, *principal.TenantID, func(h *tenancy.Handle) error {
		return s.refreshTokens(h).DeleteByHash(ctx, auth.HashToken(refreshToken))
	})
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}

// Me returns the caller's current profile. Tenant users are read through
// the request's borrowed handle when one is present.
func (s *Service) Me(ctx context.Context, p auth.Principal) (*UserInfo, error) {
	if p.IsPlatformAdmin() {
		admin, err := s.directory.FindAdministratorByEmail(ctx, p.Email)
		if err != nil {
			return nil, err
		}
		return &UserInfo{ID: admin.ID, Email: admin.Email, Name: admin.Name, Role: auth.RoleSuperAdmin}, nil
	}

	if err := s.requireActiveTenant(ctx, *p.TenantID); err != nil {
		return nil, err
	}

	read := func(h *tenancy.Handle) (*UserInfo, error) {
		u, err := s.users(h).GetByID(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		return &UserInfo{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role, TenantID: p.TenantID}, nil
	}

	if h := tenancy.HandleFromContext(ctx); h != nil && h.TenantID == *p.TenantID {
		return read(h)
	}
	var info *UserInfo
	err := s.connections.WithHandle(ctx, *p.TenantID, func(h *tenancy.Handle) error {
		var err error
		info, err = read(h)
		return err
	})
	return info, err
}

// PurgeExpiredRefreshTokens deletes expired refresh tokens in every active
// tenant and reports how many rows were removed.
func (s *Service) PurgeExpiredRefreshTokens(ctx context.Context) (int64, error) {
	var purged int64
	for offset := 0; ; offset += scanPageSize {
		tenants, total, err := s.directory.ListTenants(ctx, directory.Page{
			Limit:  scanPageSize,
			Offset: offset,
			Status: directory.StatusActive,
		})
		if err != nil {
			return purged, err
		}
		for _, t := range tenants {
			err := s.connections.WithHandle(ctx, t.ID, func(h *tenancy.Handle) error {
				n, err := s.refreshTokens(h).DeleteExpired(ctx, s.now())
				purged += n
				return err
			})
			if err != nil {
				s.logger.Warn().Err(err).Str("tenant_id", t.ID.String()).Msg("purge refresh tokens")
			}
		}
		if len(tenants) == 0 || offset+len(tenants) >= total {
			return purged, nil
		}
	}
}
