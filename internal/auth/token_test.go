package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestIssueAndParse(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(now)
	iss := NewIssuer("secret", mock)

	token, err := iss.Issue(42, "session-token", true, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := iss.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	id, err := claims.AccountID()
	if err != nil || id != 42 {
		t.Errorf("account id = %d (%v), want 42", id, err)
	}
	if claims.ID != "session-token" {
		t.Errorf("jti = %q, want session-token", claims.ID)
	}
	if !claims.Admin {
		t.Error("expected admin claim")
	}
}

func TestParseRejects(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(now)
	iss := NewIssuer("secret", mock)
	good, _ := iss.Issue(1, "tok", false, now.Add(time.Hour))
	otherKey, _ := NewIssuer("other", mock).Issue(1, "tok", false, now.Add(time.Hour))
	noSession, _ := iss.Issue(1, "", false, now.Add(time.Hour))

	tests := []struct {
		name  string
		token string
		at    time.Time
	}{
		{"empty", "", now},
		{"garbage", "not.a.jwt", now},
		{"wrong key", otherKey, now},
		{"expired", good, now.Add(2 * time.Hour)},
		{"no session", noSession, now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.Set(tt.at)
			if _, err := iss.Parse(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"":             "",
	}
	for header, want := range tests {
		if got := BearerToken(header); got != want {
			t.Errorf("BearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestPassword(t *testing.T) {
	if _, err := HashPassword("short"); !errors.Is(err, ErrWeakPassword) {
		t.Errorf("err = %v, want ErrWeakPassword", err)
	}
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckPassword(hash, "correct horse") {
		t.Error("expected password to match")
	}
	if CheckPassword(hash, "wrong horse") {
		t.Error("expected mismatch")
	}
}
