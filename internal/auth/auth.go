// Package auth resolves bearer tokens to user identities and verifies the
// admin API key used by the HTTP control endpoints.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidToken covers malformed, mis-signed, and expired tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidAdminKey reports a failed admin key check.
	ErrInvalidAdminKey = errors.New("invalid admin key")
)

const issuer = "better-white-elephant"

type sessionClaims struct {
	jwt.RegisteredClaims
}

// Provider signs and verifies session tokens with a shared HMAC secret.
type Provider struct {
	secret       []byte
	tokenTTL     time.Duration
	adminKeyHash []byte // bcrypt hash; empty disables the admin endpoints
	now          func() time.Time
}

// NewProvider creates a Provider. adminKeyHash may be empty, in which case
// VerifyAdminKey always fails.
func NewProvider(secret string, tokenTTL time.Duration, adminKeyHash string) (*Provider, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("auth secret is required")
	}
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Provider{
		secret:       []byte(secret),
		tokenTTL:     tokenTTL,
		adminKeyHash: []byte(adminKeyHash),
		now:          time.Now,
	}, nil
}

// Issue mints a session token for a user id.
func (p *Provider) Issue(userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("user id is required")
	}
	now := p.now().UTC()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Resolve verifies a bearer token and returns the user id it carries.
func (p *Provider) Resolve(token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}

	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(func() time.Time { return p.now().UTC() }),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidToken, jwtErrorDetail(err))
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// VerifyAdminKey checks a plaintext admin key against the configured bcrypt
// hash.
func (p *Provider) VerifyAdminKey(key string) error {
	if len(p.adminKeyHash) == 0 {
		return fmt.Errorf("%w: admin key not configured", ErrInvalidAdminKey)
	}
	if err := bcrypt.CompareHashAndPassword(p.adminKeyHash, []byte(key)); err != nil {
		return ErrInvalidAdminKey
	}
	return nil
}

// HashAdminKey produces the bcrypt hash to put in configuration.
func HashAdminKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash admin key: %w", err)
	}
	return string(hash), nil
}

func jwtErrorDetail(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad signature"
	default:
		return "malformed"
	}
}
