package realtime

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID   string
	Username string
	Role     string
}

// TokenVerifier validates a connection token and resolves the caller's
// identity. The realtime layer does not issue tokens; it only checks them.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

type sessionClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HMAC-signed session tokens issued by the clinic's auth
// service.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for HS256 tokens signed with secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify implements TokenVerifier.
func (v *JWTVerifier) Verify(tokenStr string) (Identity, error) {
	if tokenStr == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrAuthentication)
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if !token.Valid {
		return Identity{}, fmt.Errorf("%w: token invalid", ErrAuthentication)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrAuthentication)
	}

	return Identity{
		UserID:   claims.Subject,
		Username: claims.Username,
		Role:     claims.Role,
	}, nil
}

// StaticVerifier resolves tokens from a fixed map. Used in development mode
// and tests.
type StaticVerifier struct {
	Tokens map[string]Identity
}

// Verify implements TokenVerifier.
func (v *StaticVerifier) Verify(token string) (Identity, error) {
	id, ok := v.Tokens[token]
	if !ok {
		return Identity{}, fmt.Errorf("%w: unknown token", ErrAuthentication)
	}
	return id, nil
}
