package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnauthorized = errors.New("unauthorized")
)

// Principal identifies the caller: a user acting on behalf of one
// accounting company. Client-level access is resolved per request by the
// store (accounting company -> client company relation).
type Principal struct {
	UserID              string
	AccountingCompanyID int64
}

// Service issues and validates bearer tokens (HS256).
type Service struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// Option configures Service.
type Option func(*Service)

// WithIssuer overrides the token issuer claim.
func WithIssuer(iss string) Option {
	return func(s *Service) {
		if iss != "" {
			s.issuer = iss
		}
	}
}

// WithTTL overrides the default token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewService constructs a token service. The secret must be non-empty.
func NewService(secret string, opts ...Option) (*Service, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth secret is required")
	}
	s := &Service{
		secret: []byte(secret),
		issuer: "finova-ledger",
		ttl:    12 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type claims struct {
	AccountingCompanyID int64 `json:"accounting_company_id"`
	jwt.RegisteredClaims
}

// GenerateToken mints a token for the given user and accounting company.
func (s *Service) GenerateToken(userID string, accountingCompanyID int64) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(s.ttl)
	c := claims{
		AccountingCompanyID: accountingCompanyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// AuthenticateToken parses and validates a bearer token.
func (s *Service) AuthenticateToken(ctx context.Context, raw string) (Principal, error) {
	var c claims
	token, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	if c.Subject == "" || c.AccountingCompanyID <= 0 {
		return Principal{}, ErrInvalidToken
	}
	return Principal{UserID: c.Subject, AccountingCompanyID: c.AccountingCompanyID}, nil
}
