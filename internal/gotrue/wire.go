package gotrue

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tyemirov/tauthclient/internal/identity"
)

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	ExpiresAt    int64     `json:"expires_at"`
	RefreshToken string    `json:"refresh_token"`
	User         *wireUser `json:"user"`
}

type wireUser struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

func (user *wireUser) toIdentity() *identity.User {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return nil
	}
	return &identity.User{ID: user.ID, Email: user.Email, Metadata: user.UserMetadata}
}

// signUpResponse is a session when the backend auto-confirms, or a bare user when it waits for email confirmation.
type signUpResponse struct {
	tokenResponse
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

func (response signUpResponse) user() *identity.User {
	if response.tokenResponse.User != nil {
		return response.tokenResponse.User.toIdentity()
	}
	bare := &wireUser{ID: response.ID, Email: response.Email, UserMetadata: response.UserMetadata}
	return bare.toIdentity()
}

type passwordGrant struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshGrant struct {
	RefreshToken string `json:"refresh_token"`
}

type idTokenGrant struct {
	Provider string `json:"provider"`
	IDToken  string `json:"id_token"`
	Nonce    string `json:"nonce,omitempty"`
}

type signUpRequest struct {
	Email    string         `json:"email"`
	Password string         `json:"password"`
	Data     map[string]any `json:"data,omitempty"`
}

type userUpdateRequest struct {
	Data map[string]any `json:"data"`
}

// errorResponse covers both GoTrue error shapes and PostgREST errors.
type errorResponse struct {
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
	ErrorCode        string          `json:"error_code"`
	Msg              string          `json:"msg"`
	Message          string          `json:"message"`
	Code             json.RawMessage `json:"code"`
}

func decodeBackendError(status int, body []byte) *identity.BackendError {
	backendErr := &identity.BackendError{Status: status}
	var payload errorResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		backendErr.Message = strings.TrimSpace(string(body))
		if backendErr.Message == "" {
			backendErr.Message = http.StatusText(status)
		}
		return backendErr
	}
	var textCode string
	_ = json.Unmarshal(payload.Code, &textCode)
	backendErr.Code = firstNonEmpty(payload.ErrorCode, payload.Error, textCode)
	backendErr.Message = firstNonEmpty(payload.Msg, payload.ErrorDescription, payload.Message, http.StatusText(status))
	return backendErr
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func expiryFrom(response tokenResponse, now time.Time, fallback time.Time) time.Time {
	switch {
	case response.ExpiresAt > 0:
		return time.Unix(response.ExpiresAt, 0).UTC()
	case response.ExpiresIn > 0:
		return now.Add(time.Duration(response.ExpiresIn) * time.Second)
	default:
		return fallback
	}
}
