package auth

import (
	"strings"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("test-secret")
	claims := Claims{
		Sub:  "user-1",
		Name: "Avery",
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	}

	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	parsed, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if parsed.Sub != claims.Sub || parsed.Name != claims.Name || parsed.JTI != claims.JTI {
		t.Fatalf("claims mismatch: %+v", parsed)
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken([]byte("secret-a"), Claims{
		Sub:  "user-1",
		Name: "Avery",
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if _, err := ParseToken([]byte("secret-b"), token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken(secret, Claims{
		Sub:  "user-1",
		Name: "Avery",
		JTI:  "jti-1",
		Exp:  time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if _, err := ParseToken(secret, token); err != ErrExpiredToken {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenRejectsTamperedPayload(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken(secret, Claims{
		Sub:  "user-1",
		Name: "Avery",
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	parts := strings.Split(token, ".")
	tampered := parts[0] + "x." + parts[1]
	if _, err := ParseToken(secret, tampered); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
