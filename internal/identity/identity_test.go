package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, key any, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func validClaims() Claims {
	return Claims{
		Name:          "Ana",
		Email:         "ana@example.com",
		EmailVerified: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			Issuer:    "https://id.example.com",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func TestVerifyValidToken(t *testing.T) {
	v := NewJWTVerifier(testSecret, "https://id.example.com")
	id, err := v.Verify(sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Subject != "user-123" || id.Email != "ana@example.com" || id.Name != "Ana" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewJWTVerifier(testSecret, "https://id.example.com")

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	noSubject := validClaims()
	noSubject.Subject = ""

	otherIssuer := validClaims()
	otherIssuer.Issuer = "https://evil.example.com"

	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil

	tests := map[string]string{
		"wrong secret": sign(t, jwt.SigningMethodHS256, []byte("other"), validClaims()),
		"expired":      sign(t, jwt.SigningMethodHS256, []byte(testSecret), expired),
		"no subject":   sign(t, jwt.SigningMethodHS256, []byte(testSecret), noSubject),
		"issuer":       sign(t, jwt.SigningMethodHS256, []byte(testSecret), otherIssuer),
		"no expiry":    sign(t, jwt.SigningMethodHS256, []byte(testSecret), noExpiry),
		"garbage":      "not-a-token",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Verify(token); !errors.Is(err, ErrUnauthenticated) {
				t.Fatalf("expected ErrUnauthenticated, got %v", err)
			}
		})
	}
}

func TestUnverifiedEmailIsDropped(t *testing.T) {
	v := NewJWTVerifier(testSecret, "")
	claims := validClaims()
	claims.EmailVerified = false
	id, err := v.Verify(sign(t, jwt.SigningMethodHS256, []byte(testSecret), claims))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Email != "" {
		t.Fatalf("expected unverified email to be dropped, got %q", id.Email)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{header: "Bearer abc.def", token: "abc.def", ok: true},
		{header: "bearer  abc", token: "abc", ok: true},
		{header: "Basic abc", ok: false},
		{header: "Bearer ", ok: false},
		{header: "", ok: false},
	}
	for _, tt := range tests {
		token, ok := BearerToken(tt.header)
		if token != tt.token || ok != tt.ok {
			t.Errorf("BearerToken(%q) = %q, %v", tt.header, token, ok)
		}
	}
}
