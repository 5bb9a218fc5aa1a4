/*
Package auth is the authentication collaborator: user registration, password
verification, and revocable bearer tokens.

PURPOSE:
  The meter core only needs an authenticated owner id supplied to every
  operation. This package produces that id: it stores bcrypt credential
  hashes, authenticates email+password, and issues/revokes signed tokens.
  Tokens are JWTs whose jti is also stored server-side, so revocation
  (logout) actually invalidates them despite the stateless signature.

SEE ALSO:
  - api/middleware.go: Resolves Authorization: Bearer to an owner id
  - store/sqlite:      UserStore and TokenStore implementations
*/
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrEmailTaken is returned when registering an email that already exists.
	ErrEmailTaken = errors.New("email already registered")

	// ErrInvalidCredentials is returned for unknown emails and wrong
	// passwords alike; callers cannot tell which.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken is returned for malformed, expired, or revoked tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// User is an account owning cycles and readings.
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Token is a stored, revocable token record (the JWT's jti).
type Token struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// UserStore persists accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u User) error // ErrEmailTaken on duplicate email
	UserByEmail(ctx context.Context, email string) (*User, error)
	UserByID(ctx context.Context, id string) (*User, error)
}

// TokenStore persists issued token ids for revocation checks.
type TokenStore interface {
	SaveToken(ctx context.Context, t Token) error
	TokenExists(ctx context.Context, id string) (bool, error)
	DeleteToken(ctx context.Context, id string) error
}

// Service implements authenticate / issue / revoke over the two stores.
type Service struct {
	users  UserStore
	tokens TokenStore
	secret []byte
	ttl    time.Duration
}

func NewService(users UserStore, tokens TokenStore, secret string, ttl time.Duration) *Service {
	return &Service{users: users, tokens: tokens, secret: []byte(secret), ttl: ttl}
}

// Register creates an account with a bcrypt credential hash.
func (s *Service) Register(ctx context.Context, name, email, password string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	u := User{
		ID:           fmt.Sprintf("usr-%d", time.Now().UnixNano()),
		Name:         strings.TrimSpace(name),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.users.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Authenticate verifies email+password and returns the account.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	u, err := s.users.UserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// IssueToken signs a new bearer token for the user and records its jti.
func (s *Service) IssueToken(ctx context.Context, userID string) (string, error) {
	now := time.Now().UTC()
	jti := fmt.Sprintf("tok-%d", now.UnixNano())

	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	if err := s.tokens.SaveToken(ctx, Token{ID: jti, UserID: userID, ExpiresAt: claims.ExpiresAt.Time, CreatedAt: now}); err != nil {
		return "", fmt.Errorf("storing token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates signature, expiry, and revocation, returning the
// owner id the token was issued for.
func (s *Service) VerifyToken(ctx context.Context, tokenString string) (string, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return "", err
	}

	live, err := s.tokens.TokenExists(ctx, claims.ID)
	if err != nil {
		return "", err
	}
	if !live {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// RevokeToken deletes the token's jti; the JWT stops verifying immediately.
func (s *Service) RevokeToken(ctx context.Context, tokenString string) error {
	claims, err := s.parse(tokenString)
	if err != nil {
		return err
	}
	return s.tokens.DeleteToken(ctx, claims.ID)
}

// UserByID exposes account lookup for the /api/user endpoint.
func (s *Service) UserByID(ctx context.Context, id string) (*User, error) {
	return s.users.UserByID(ctx, id)
}

func (s *Service) parse(tokenString string) (*jwt.RegisteredClaims, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}
