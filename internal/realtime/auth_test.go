package realtime

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, claims sessionClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	v := NewJWTVerifier("test-secret")

	tok := signToken(t, "test-secret", sessionClaims{
		Username: "Dr. Achieng",
		Role:     "DOCTOR",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "doc-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	id, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if id.UserID != "doc-1" || id.Username != "Dr. Achieng" || id.Role != "DOCTOR" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestJWTVerifier_RejectsWrongSecret(t *testing.T) {
	v := NewJWTVerifier("right-secret")

	tok := signToken(t, "wrong-secret", sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "doc-1"},
	})

	if _, err := v.Verify(tok); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestJWTVerifier_RejectsExpiredToken(t *testing.T) {
	v := NewJWTVerifier("test-secret")

	tok := signToken(t, "test-secret", sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "doc-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})

	if _, err := v.Verify(tok); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestJWTVerifier_RejectsMissingSubject(t *testing.T) {
	v := NewJWTVerifier("test-secret")

	tok := signToken(t, "test-secret", sessionClaims{Role: "NURSE"})

	if _, err := v.Verify(tok); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestJWTVerifier_RejectsEmptyToken(t *testing.T) {
	v := NewJWTVerifier("test-secret")
	if _, err := v.Verify(""); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}
