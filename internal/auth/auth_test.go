package auth

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/arcline/chat-relay/internal/config"
)

func TestAPIKeyVerifier(t *testing.T) {
	v := APIKeyVerifier{Expected: "correct-key"}

	if err := v.Verify("correct-key"); err != nil {
		t.Fatalf("Verify(correct) = %v", err)
	}
	if err := v.Verify("wrong-key"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Verify(wrong) = %v, want ErrInvalidCredentials", err)
	}
	if err := v.Verify(""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Verify(empty) = %v, want ErrInvalidCredentials", err)
	}
	if err := (APIKeyVerifier{}).Verify("anything"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("empty expected key must reject everything, got %v", err)
	}
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestJWTVerifier(t *testing.T) {
	const secret = "test-secret"
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	v := NewJWTVerifier(secret)
	v.now = func() time.Time { return now }

	t.Run("accepts valid token", func(t *testing.T) {
		token := signHS256(t, secret, jwt.MapClaims{
			"sub": "client-42",
			"exp": now.Add(time.Hour).Unix(),
		})
		if err := v.Verify(token); err != nil {
			t.Fatalf("Verify: %v", err)
		}
		sub, err := v.Subject(token)
		if err != nil {
			t.Fatalf("Subject: %v", err)
		}
		if sub != "client-42" {
			t.Fatalf("Subject = %q, want client-42", sub)
		}
	})

	t.Run("rejects expired token", func(t *testing.T) {
		token := signHS256(t, secret, jwt.MapClaims{
			"exp": now.Add(-time.Minute).Unix(),
		})
		if err := v.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("Verify(expired) = %v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("rejects token without exp", func(t *testing.T) {
		token := signHS256(t, secret, jwt.MapClaims{"sub": "client-42"})
		if err := v.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("Verify(no exp) = %v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("rejects wrong secret", func(t *testing.T) {
		token := signHS256(t, "other-secret", jwt.MapClaims{
			"exp": now.Add(time.Hour).Unix(),
		})
		if err := v.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("Verify(wrong secret) = %v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("rejects alg none", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
			"exp": now.Add(time.Hour).Unix(),
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("sign none: %v", err)
		}
		if err := v.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("Verify(alg none) = %v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		for _, token := range []string{"", "not-a-jwt", "a.b", "a.b.c.d"} {
			if err := v.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("Verify(%q) = %v, want ErrInvalidCredentials", token, err)
			}
		}
	})
}

func TestCredentialFromQuery(t *testing.T) {
	q := url.Values{"apiKey": {"k"}, "token": {"t"}}

	cred, err := CredentialFromQuery(config.AuthModeAPIKey, q)
	if err != nil || cred != "k" {
		t.Fatalf("api_key: cred=%q err=%v", cred, err)
	}
	cred, err = CredentialFromQuery(config.AuthModeJWT, q)
	if err != nil || cred != "t" {
		t.Fatalf("jwt: cred=%q err=%v", cred, err)
	}
	if _, err := CredentialFromQuery(config.AuthModeAPIKey, url.Values{}); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("empty query: err=%v, want ErrMissingCredentials", err)
	}
}

func TestCredentialFromAuthMessage(t *testing.T) {
	msg := WireAuthMessage{Type: "auth", APIKey: "k", Token: "t"}

	cred, err := CredentialFromAuthMessage(config.AuthModeAPIKey, msg)
	if err != nil || cred != "k" {
		t.Fatalf("api_key: cred=%q err=%v", cred, err)
	}
	cred, err = CredentialFromAuthMessage(config.AuthModeJWT, msg)
	if err != nil || cred != "t" {
		t.Fatalf("jwt: cred=%q err=%v", cred, err)
	}
	if _, err := CredentialFromAuthMessage(config.AuthModeJWT, WireAuthMessage{Type: "auth"}); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("missing token: err=%v, want ErrMissingCredentials", err)
	}
}

func TestNewVerifier(t *testing.T) {
	v, err := NewVerifier(config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewVerifier(api_key): %v", err)
	}
	if _, ok := v.(APIKeyVerifier); !ok {
		t.Fatalf("NewVerifier(api_key) = %T", v)
	}

	v, err = NewVerifier(config.Config{AuthMode: config.AuthModeJWT, JWTSecret: "s"})
	if err != nil {
		t.Fatalf("NewVerifier(jwt): %v", err)
	}
	if _, ok := v.(*JWTVerifier); !ok {
		t.Fatalf("NewVerifier(jwt) = %T", v)
	}

	if _, err := NewVerifier(config.Config{AuthMode: config.AuthModeNone}); err == nil {
		t.Fatal("NewVerifier(none) should fail, callers skip auth entirely in mode none")
	}
}
