// Package auth implements the "verify token → principal" hook and the JWT
// verifier behind it.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/adred-codev/synckit/internal/protocol"
)

// Principal is an authenticated identity and its capability record.
type Principal struct {
	UserID      string
	Permissions protocol.PermissionSet
}

// Verifier is the pluggable auth hook consumed by the session layer.
type Verifier interface {
	// VerifyToken resolves a bearer token to a principal. An empty token is
	// the caller's responsibility (anonymous policy).
	VerifyToken(token string) (*Principal, error)
}

// Anonymous returns the principal granted to tokenless connections when no
// verifier is configured: full read/write, no admin.
func Anonymous(connectionID string) *Principal {
	return &Principal{
		UserID: "anon-" + connectionID,
		Permissions: protocol.PermissionSet{
			CanRead:  []string{"*"},
			CanWrite: []string{"*"},
		},
	}
}

// Claims is the JWT payload carried by synckit tokens.
type Claims struct {
	UserID   string   `json:"userId"`
	CanRead  []string `json:"canRead"`
	CanWrite []string `json:"canWrite"`
	IsAdmin  bool     `json:"isAdmin"`
	jwt.RegisteredClaims
}

// JWTManager verifies and issues HS256 tokens.
type JWTManager struct {
	secretKey     []byte
	tokenDuration time.Duration
}

// NewJWTManager builds a manager around a shared secret.
func NewJWTManager(secretKey string, tokenDuration time.Duration) *JWTManager {
	return &JWTManager{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
	}
}

// Generate creates a signed token carrying the capability record.
func (m *JWTManager) Generate(userID string, perms protocol.PermissionSet) (string, error) {
	claims := &Claims{
		UserID:   userID,
		CanRead:  perms.CanRead,
		CanWrite: perms.CanWrite,
		IsAdmin:  perms.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "synckit",
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// VerifyToken validates the token and returns the embedded principal.
func (m *JWTManager) VerifyToken(tokenString string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.secretKey, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return &Principal{
		UserID: claims.UserID,
		Permissions: protocol.PermissionSet{
			CanRead:  claims.CanRead,
			CanWrite: claims.CanWrite,
			IsAdmin:  claims.IsAdmin,
		},
	}, nil
}

// GenerateTestToken issues a wildcard token for development use.
func (m *JWTManager) GenerateTestToken() (string, error) {
	return m.Generate("test-user-123", protocol.PermissionSet{
		CanRead:  []string{"*"},
		CanWrite: []string{"*"},
	})
}
