// Package sessionclaims decodes the claims carried by identity-backend access tokens.
package sessionclaims

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Decoder. An empty SigningKey decodes without verifying the signature,
// which is what a client holding only the anon key can do.
type Config struct {
	SigningKey []byte
	Issuer     string
	Clock      Clock
}

// Sentinel errors exposed by the decoder.
var (
	ErrMissingToken   = errors.New("session.claims.missing_token")
	ErrInvalidToken   = errors.New("session.claims.invalid_token")
	ErrInvalidIssuer  = errors.New("session.claims.invalid_issuer")
	ErrMissingSubject = errors.New("session.claims.missing_subject")
	ErrTokenExpired   = errors.New("session.claims.expired")
)

// Claims represent the payload embedded in access tokens issued by a GoTrue-compatible backend.
type Claims struct {
	Email        string         `json:"email"`
	Role         string         `json:"role"`
	SessionID    string         `json:"session_id"`
	UserMetadata map[string]any `json:"user_metadata"`
	AppMetadata  map[string]any `json:"app_metadata"`
	jwt.RegisteredClaims
}

// GetUserID returns the subject, which the backend sets to the user id.
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// GetUserEmail returns the email associated with the token.
func (claims *Claims) GetUserEmail() string {
	if claims == nil {
		return ""
	}
	return claims.Email
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Decoder parses access tokens.
type Decoder struct {
	signingKey []byte
	issuer     string
	clock      Clock
}

// New constructs a Decoder.
func New(configuration Config) *Decoder {
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Decoder{
		signingKey: configuration.SigningKey,
		issuer:     strings.TrimSpace(configuration.Issuer),
		clock:      clock,
	}
}

// Verifies reports whether the decoder checks signatures.
func (decoder *Decoder) Verifies() bool {
	return len(decoder.signingKey) > 0
}

// Decode parses the token and checks its signature (when a key is configured), issuer and subject.
// Expiry is not enforced; expired access tokens still identify the user whose refresh token accompanies them.
func (decoder *Decoder) Decode(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.claims.decode: %w", ErrMissingToken)
	}
	claims := &Claims{}
	if decoder.Verifies() {
		parsedToken, parseErr := jwt.ParseWithClaims(tokenString, claims, func(parsed *jwt.Token) (interface{}, error) {
			return decoder.signingKey, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
		if parseErr != nil || parsedToken == nil || !parsedToken.Valid {
			return nil, fmt.Errorf("session.claims.decode: %w", ErrInvalidToken)
		}
	} else {
		if _, _, parseErr := jwt.NewParser().ParseUnverified(tokenString, claims); parseErr != nil {
			return nil, fmt.Errorf("session.claims.decode: %w", ErrInvalidToken)
		}
	}
	if decoder.issuer != "" && claims.Issuer != decoder.issuer {
		return nil, fmt.Errorf("session.claims.decode: %w", ErrInvalidIssuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("session.claims.decode: %w", ErrMissingSubject)
	}
	return claims, nil
}

// Validate decodes the token and additionally enforces expiry and not-before against the clock.
func (decoder *Decoder) Validate(tokenString string) (*Claims, error) {
	claims, err := decoder.Decode(tokenString)
	if err != nil {
		return nil, err
	}
	current := decoder.clock.Now()
	if claims.ExpiresAt != nil && !current.Before(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("session.claims.validate: %w", ErrTokenExpired)
	}
	if claims.NotBefore != nil && current.Before(claims.NotBefore.Time) {
		return nil, fmt.Errorf("session.claims.validate: %w", ErrInvalidToken)
	}
	return claims, nil
}
