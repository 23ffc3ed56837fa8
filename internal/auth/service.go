// Package auth issues and verifies the bearer tokens that guard the escrow
// HTTP surface.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles carried in the token's role claim.
const (
	// RoleUser acts as the subject: creates and completes its own orders.
	RoleUser = "user"
	// RoleService is the marketplace backend. It may act for any user.
	RoleService = "service"
	// RoleOperator works the anomaly queue and may cancel or refund.
	RoleOperator = "operator"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid role")
)

// Principal is the verified identity behind a request.
type Principal struct {
	Subject uuid.UUID
	Role    string
}

func (p Principal) IsOperator() bool { return p.Role == RoleOperator }

// Privileged reports whether p may act on orders it is not a party to.
func (p Principal) Privileged() bool { return p.Role == RoleOperator || p.Role == RoleService }

type Service interface {
	Issue(ctx context.Context, subject uuid.UUID, role string, ttl time.Duration) (string, error)
	ValidateToken(ctx context.Context, token string) (Principal, error)
}

type service struct {
	secret []byte
	now    func() time.Time
}

func NewService(secret string) *service {
	return &service{secret: []byte(secret), now: time.Now}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

func validRole(role string) bool {
	return role == RoleUser || role == RoleService || role == RoleOperator
}

func (s *service) Issue(_ context.Context, subject uuid.UUID, role string, ttl time.Duration) (string, error) {
	if !validRole(role) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(_ context.Context, token string) (Principal, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return Principal{}, ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	if !validRole(c.Role) {
		return Principal{}, fmt.Errorf("%w: %q", ErrInvalidRole, c.Role)
	}
	return Principal{Subject: id, Role: c.Role}, nil
}
