package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestNewTokenIssuerValidation(t *testing.T) {
	cases := []struct {
		name    string
		cfg     TokenIssuerConfig
		wantErr error
	}{
		{
			name:    "missing secret",
			cfg:     TokenIssuerConfig{Issuer: "iss", Audience: "aud", TokenTTL: time.Minute},
			wantErr: errMissingSigningSecret,
		},
		{
			name:    "missing issuer",
			cfg:     TokenIssuerConfig{SigningSecret: []byte("secret"), Audience: "aud", TokenTTL: time.Minute},
			wantErr: errMissingIssuer,
		},
		{
			name:    "missing audience",
			cfg:     TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: "iss", TokenTTL: time.Minute},
			wantErr: errMissingAudience,
		},
		{
			name:    "non-positive ttl",
			cfg:     TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: "iss", Audience: "aud"},
			wantErr: errNonPositiveTTL,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewTokenIssuer(tc.cfg); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func newTestIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("unit-test-secret"),
		Issuer:        "cowrite-auth",
		Audience:      "cowrite-gateway",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	return issuer
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	issuer := newTestIssuer(t, func() time.Time { return now })

	token, expiresIn, err := issuer.IssueToken(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("expected expiry of 1800 seconds, got %d", expiresIn)
	}

	subject, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if subject != "user-123" {
		t.Fatalf("expected subject user-123, got %q", subject)
	}
}

func TestIssueTokenRequiresSubject(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	if _, _, err := issuer.IssueToken(context.Background(), "   "); !errors.Is(err, errMissingSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	issuer := newTestIssuer(t, func() time.Time { return now })

	token, _, err := issuer.IssueToken(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	now = now.Add(31 * time.Minute)
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected an expired token to be rejected")
	}
}

func TestValidateTokenRejectsForeignAudience(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	issuer := newTestIssuer(t, clock)

	other, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("unit-test-secret"),
		Issuer:        "cowrite-auth",
		Audience:      "some-other-service",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}

	token, _, err := other.IssueToken(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected a token for another audience to be rejected")
	}
}

func TestValidateTokenRejectsWrongSigningMethod(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	issuer := newTestIssuer(t, func() time.Time { return now })

	claims := jwt.RegisteredClaims{
		Subject:   "user-123",
		Issuer:    "cowrite-auth",
		Audience:  []string{"cowrite-gateway"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("unit-test-secret"))
	if err != nil {
		t.Fatalf("sign forged token: %v", err)
	}

	if _, err := issuer.ValidateToken(forged); err == nil {
		t.Fatalf("expected a token with a foreign signing method to be rejected")
	}
}

func TestValidateTokenRejectsTamperedSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	issuer := newTestIssuer(t, func() time.Time { return now })

	token, _, err := issuer.IssueToken(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	tampered := token[:len(token)-2] + "xx"
	if _, err := issuer.ValidateToken(tampered); err == nil {
		t.Fatalf("expected a tampered token to be rejected")
	}
}
