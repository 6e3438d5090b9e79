// Package identity defines the data model and collaborator contracts shared by the session coordinator
// and the identity backend clients.
package identity

import (
	"strings"
	"time"
)

// User is the identity backend's view of an account.
type User struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"user_metadata,omitempty"`
}

// MetadataString returns a trimmed string metadata value or "".
func (user User) MetadataString(key string) string {
	if user.Metadata == nil {
		return ""
	}
	value, ok := user.Metadata[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

// Session is the authenticated credential bundle of the current user.
type Session struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         *User     `json:"user,omitempty"`
}

// Valid reports whether the session carries both a user and an access token.
func (session *Session) Valid() bool {
	if session == nil {
		return false
	}
	return strings.TrimSpace(session.UserID) != "" && strings.TrimSpace(session.AccessToken) != ""
}

// Expired reports whether the access token expired at the given instant. A zero expiry never expires.
func (session *Session) Expired(now time.Time) bool {
	if session == nil || session.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(session.ExpiresAt)
}

// Identity returns the user attached to the session, synthesising one from the session fields when the
// backend omitted it.
func (session *Session) Identity() User {
	if session == nil {
		return User{}
	}
	if session.User != nil {
		user := *session.User
		if user.ID == "" {
			user.ID = session.UserID
		}
		if user.Email == "" {
			user.Email = session.Email
		}
		return user
	}
	return User{ID: session.UserID, Email: session.Email}
}

// Clone returns a deep-enough copy so callers never share a session value with the store.
func (session *Session) Clone() *Session {
	if session == nil {
		return nil
	}
	cloned := *session
	if session.User != nil {
		user := *session.User
		if session.User.Metadata != nil {
			user.Metadata = make(map[string]any, len(session.User.Metadata))
			for key, value := range session.User.Metadata {
				user.Metadata[key] = value
			}
		}
		cloned.User = &user
	}
	return &cloned
}
