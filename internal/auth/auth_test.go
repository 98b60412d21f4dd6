package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAnonymous_RoundTrip(t *testing.T) {
	s := NewService("secret", time.Hour)

	identity, token, err := s.IssueAnonymous()
	if err != nil {
		t.Fatalf("IssueAnonymous: %v", err)
	}
	if len(identity) != 36 {
		t.Errorf("expected a uuid identity, got %q", identity)
	}

	got, err := s.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if got != identity {
		t.Errorf("expected identity %s, got %s", identity, got)
	}

	_, other, _ := s.IssueAnonymous()
	if other == token {
		t.Error("expected distinct tokens for distinct identities")
	}
}

func TestValidateToken_Rejections(t *testing.T) {
	s := NewService("secret", time.Hour)
	valid, _ := s.GenerateToken("player-1")

	expiredSvc := NewService("secret", time.Minute)
	expiredSvc.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	expired, _ := expiredSvc.GenerateToken("player-1")

	foreign, _ := NewService("other-secret", time.Hour).GenerateToken("player-1")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "player-1"})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"valid", valid, nil},
		{"empty", "", ErrMissingToken},
		{"garbage", "not-a-token", ErrInvalidToken},
		{"expired", expired, ErrInvalidToken},
		{"wrong secret", foreign, ErrInvalidToken},
		{"alg none", unsigned, ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ValidateToken(tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestGenerateToken_EmptyIdentity(t *testing.T) {
	s := NewService("secret", 0)
	if _, err := s.GenerateToken(""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
	if s.ttl != DefaultTokenTTL {
		t.Errorf("expected default ttl, got %v", s.ttl)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc.def", "abc.def", true},
		{"bearer abc", "abc", true},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := BearerToken(tt.header)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("BearerToken(%q) = %q, %v", tt.header, got, err)
		}
	}
}
