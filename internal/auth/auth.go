// Package auth mints and verifies the admin credential used by the command
// verbs. Tokens are HS256 JWTs carrying role=admin.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin = "admin"
	issuer    = "resourceisland"
)

var (
	ErrNoSecret     = errors.New("admin secret is not configured")
	ErrMissingToken = errors.New("admin token is required")
	ErrInvalidToken = errors.New("admin token is invalid")
	ErrExpiredToken = errors.New("admin token is expired")
	ErrWrongRole    = errors.New("admin token lacks admin role")
)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Verifier checks admin tokens against a shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Verifier{secret: []byte(secret), now: time.Now}, nil
}

// Mint issues an admin token for subject valid for ttl.
func (v *Verifier) Mint(subject string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be > 0")
	}
	now := v.now().UTC()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: RoleAdmin,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return tok, nil
}

// Verify returns the token subject.
func (v *Verifier) Verify(token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return "", ErrMissingToken
	}
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", ErrExpiredToken
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Role != RoleAdmin {
		return "", ErrWrongRole
	}
	return c.Subject, nil
}

// VerifyAdmin lets a Verifier guard session admin verbs.
func (v *Verifier) VerifyAdmin(token string) error {
	_, err := v.Verify(token)
	return err
}
