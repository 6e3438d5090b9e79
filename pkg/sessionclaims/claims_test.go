package sessionclaims

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type fixedClock struct {
	current time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.current
}

func mintToken(t *testing.T, signingKey []byte, issuer string, subject string, issuedAt time.Time, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email:        "user@example.com",
		Role:         "authenticated",
		UserMetadata: map[string]any{"full_name": "Demo User"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	})
	result, err := token.SignedString(signingKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return result
}

func TestDecodeWithoutKeySkipsSignature(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	tokenValue := mintToken(t, []byte("server-only"), "", "user-123", now, time.Minute)

	decoder := New(Config{Clock: fixedClock{current: now}})
	if decoder.Verifies() {
		t.Fatalf("decoder without key must not verify")
	}
	claims, err := decoder.Decode(tokenValue)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if claims.GetUserID() != "user-123" || claims.GetUserEmail() != "user@example.com" {
		t.Fatalf("unexpected claims: %#v", claims)
	}
	if claims.UserMetadata["full_name"] != "Demo User" {
		t.Fatalf("expected metadata, got %#v", claims.UserMetadata)
	}
	if !claims.GetExpiresAt().Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected expiry: %v", claims.GetExpiresAt())
	}
}

func TestDecodeKeepsExpiredTokens(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	tokenValue := mintToken(t, []byte("secret-key"), "issuer", "user-123", now.Add(-time.Hour), time.Minute)
	decoder := New(Config{SigningKey: []byte("secret-key"), Issuer: "issuer", Clock: fixedClock{current: now}})

	if _, err := decoder.Decode(tokenValue); err != nil {
		t.Fatalf("decode must ignore expiry, got %v", err)
	}
	if _, err := decoder.Validate(tokenValue); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestDecodeRejectsInvalidCases(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	tests := []struct {
		name      string
		tokenFunc func() string
		expectErr error
	}{
		{
			name:      "empty token",
			tokenFunc: func() string { return " " },
			expectErr: ErrMissingToken,
		},
		{
			name:      "garbage",
			tokenFunc: func() string { return "not-a-jwt" },
			expectErr: ErrInvalidToken,
		},
		{
			name: "bad signature",
			tokenFunc: func() string {
				return mintToken(t, []byte("other-key"), "issuer", "user-123", now, time.Minute)
			},
			expectErr: ErrInvalidToken,
		},
		{
			name: "wrong issuer",
			tokenFunc: func() string {
				return mintToken(t, []byte("secret-key"), "other-issuer", "user-123", now, time.Minute)
			},
			expectErr: ErrInvalidIssuer,
		},
		{
			name: "missing subject",
			tokenFunc: func() string {
				return mintToken(t, []byte("secret-key"), "issuer", "", now, time.Minute)
			},
			expectErr: ErrMissingSubject,
		},
	}

	decoder := New(Config{SigningKey: []byte("secret-key"), Issuer: "issuer", Clock: fixedClock{current: now}})
	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			_, decodeErr := decoder.Validate(testCase.tokenFunc())
			if decodeErr == nil || !errors.Is(decodeErr, testCase.expectErr) {
				t.Fatalf("expected %v, got %v", testCase.expectErr, decodeErr)
			}
		})
	}
}
