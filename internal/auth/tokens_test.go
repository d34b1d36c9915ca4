package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "layersync-test-secret-0123456789!"

func TestTokenRoundTrip(t *testing.T) {
	tokens, err := NewTokens(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}
	raw, err := tokens.Issue("acct-1", "alice", true)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := tokens.Verify(raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "acct-1" || claims.Name != "alice" || !claims.Operator {
		t.Fatalf("claims: got %+v", claims)
	}
}

func TestTokenRejectsOtherKey(t *testing.T) {
	a, err := NewTokens(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}
	b, err := NewTokens(strings.Repeat("z!", 16), time.Hour)
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}
	raw, err := a.Issue("acct-1", "alice", false)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := b.Verify(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("verify with other key: got %v", err)
	}
}

func TestTokenExpires(t *testing.T) {
	tokens, err := NewTokens(testSecret, time.Minute)
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}
	issued := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tokens.now = func() time.Time { return issued }
	raw, err := tokens.Issue("acct-1", "alice", false)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	tokens.now = func() time.Time { return issued.Add(2 * time.Minute) }
	if _, err := tokens.Verify(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("verify expired: got %v", err)
	}
}

func TestTokenRequiresSubject(t *testing.T) {
	tokens, err := NewTokens(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}
	if _, err := tokens.Issue("", "alice", false); err == nil {
		t.Fatalf("expected error for empty subject")
	}
}

func TestShortSecretRejected(t *testing.T) {
	if _, err := NewTokens("short", time.Hour); err == nil {
		t.Fatalf("expected error for short secret")
	}
}
