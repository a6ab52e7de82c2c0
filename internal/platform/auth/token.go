package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/medflow/medflow/internal/platform/apperr"
)

// TokenClass separates access tokens from refresh tokens. Each class is
// signed with its own secret and carries its class in the token_use claim.
type TokenClass string

const (
	AccessToken  TokenClass = "access"
	RefreshToken TokenClass = "refresh"
)

// Principal is the authenticated identity. A nil TenantID marks a platform
// administrator.
type Principal struct {
	ID       uuid.UUID  `json:"id"`
	Email    string     `json:"email"`
	Role     string     `json:"role"`
	TenantID *uuid.UUID `json:"tenantId,omitempty"`
}

func (p Principal) IsPlatformAdmin() bool { return p.TenantID == nil }

type Claims struct {
	jwt.RegisteredClaims
	UserID   string     `json:"id"`
	Email    string     `json:"email"`
	Role     string     `json:"role"`
	TenantID string     `json:"tenantId,omitempty"`
	TokenUse TokenClass `json:"token_use"`
}

func (c *Claims) IsPlatformAdmin() bool { return c.TenantID == "" }

// Principal converts verified claims back into a Principal.
func (c *Claims) Principal() (Principal, error) {
	id, err := uuid.Parse(c.UserID)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: bad subject", apperr.ErrInvalidToken)
	}
	p := Principal{ID: id, Email: c.Email, Role: c.Role}
	if c.TenantID != "" {
		tid, err := uuid.Parse(c.TenantID)
		if err != nil {
			return Principal{}, fmt.Errorf("%w: bad tenant", apperr.ErrInvalidToken)
		}
		p.TenantID = &tid
	}
	return p, nil
}

type TokenConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

type TokenService struct {
	cfg TokenConfig
	now func() time.Time
}

func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, errors.New("token secrets must not be empty")
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, errors.New("access and refresh token secrets must differ")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	return &TokenService{cfg: cfg, now: time.Now}, nil
}

// TokenPair is what a successful login or refresh hands back.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

func (s *TokenService) IssueAccessToken(p Principal) (string, *Claims, error) {
	return s.issue(p, AccessToken)
}

func (s *TokenService) IssueRefreshToken(p Principal) (string, *Claims, error) {
	return s.issue(p, RefreshToken)
}

func (s *TokenService) IssuePair(p Principal) (*TokenPair, error) {
	access, ac, err := s.IssueAccessToken(p)
	if err != nil {
		return nil, err
	}
	refresh, rc, err := s.IssueRefreshToken(p)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  ac.ExpiresAt.Time,
		RefreshExpiresAt: rc.ExpiresAt.Time,
	}, nil
}

func (s *TokenService) issue(p Principal, class TokenClass) (string, *Claims, error) {
	now := s.now()
	ttl := s.cfg.AccessTTL
	if class == RefreshToken {
		ttl = s.cfg.RefreshTTL
	}

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   p.ID.String(),
			Issuer:    s.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:   p.ID.String(),
		Email:    p.Email,
		Role:     p.Role,
		TokenUse: class,
	}
	if p.TenantID != nil {
		claims.TenantID = p.TenantID.String()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret(class))
	if err != nil {
		return "", nil, fmt.Errorf("sign %s token: %w", class, err)
	}
	return signed, claims, nil
}

func (s *TokenService) secret(class TokenClass) []byte {
	if class == RefreshToken {
		return s.cfg.RefreshSecret
	}
	return s.cfg.AccessSecret
}

// Verify checks signature, expiry, issuer and class. Expired tokens yield
// apperr.ErrTokenExpired; anything else wrong yields apperr.ErrInvalidToken.
func (s *TokenService) Verify(token string, class TokenClass) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.Issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret(class), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.ErrTokenExpired
		}
		return nil, apperr.ErrInvalidToken
	}
	if !parsed.Valid || claims.TokenUse != class || claims.ID == "" {
		return nil, apperr.ErrInvalidToken
	}
	return claims, nil
}

// HashToken is the form in which refresh tokens are persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
