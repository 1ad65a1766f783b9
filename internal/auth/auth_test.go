package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerifyHS256(t *testing.T) {
	v := NewHS256Verifier("s3cret", "")

	tok, err := IssueHS256("s3cret", "", "0xabc", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	uid, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if uid != "0xabc" {
		t.Fatalf("unexpected user id %q", uid)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewHS256Verifier("s3cret", "forever")

	wrongKey, _ := IssueHS256("other", "forever", "u1", time.Minute)
	expired, _ := IssueHS256("s3cret", "forever", "u1", -time.Minute)
	wrongIssuer, _ := IssueHS256("s3cret", "someone-else", "u1", time.Minute)

	cases := map[string]string{
		"wrong key":    wrongKey,
		"expired":      expired,
		"wrong issuer": wrongIssuer,
		"garbage":      "not-a-jwt",
	}
	for name, tok := range cases {
		if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
	if _, err := v.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestUserIDPrefersWallet(t *testing.T) {
	uid, err := UserID(jwt.MapClaims{"sub": "uuid-1", "wallet_address": "0xdef"})
	if err != nil || uid != "0xdef" {
		t.Fatalf("expected wallet address, got %q err=%v", uid, err)
	}
	if _, err := UserID(jwt.MapClaims{"sub": " "}); !errors.Is(err, ErrNoSubject) {
		t.Fatalf("expected ErrNoSubject, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	if got := BearerToken("Bearer abc"); got != "abc" {
		t.Fatalf("got %q", got)
	}
	if got := BearerToken("bearer  abc "); got != "abc" {
		t.Fatalf("got %q", got)
	}
	if got := BearerToken("Basic abc"); got != "" {
		t.Fatalf("got %q", got)
	}
}
