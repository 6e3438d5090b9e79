package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrProfileNotFound indicates no profile row exists for the user id.
	ErrProfileNotFound = errors.New("identity.profile_not_found")
	// ErrProfileExists indicates a profile row already exists for the user id.
	ErrProfileExists = errors.New("identity.profile_exists")
	// ErrNoSession indicates an operation needs a session and none is persisted.
	ErrNoSession = errors.New("identity.no_session")
	// ErrInvalidSession indicates a session payload without a user or access token.
	ErrInvalidSession = errors.New("identity.invalid_session")
	// ErrUnknownRole indicates a role outside the known set.
	ErrUnknownRole = errors.New("identity.unknown_role")
)

// BackendError is a failure reported by the identity backend.
type BackendError struct {
	Status  int
	Code    string
	Message string
}

func (backendErr *BackendError) Error() string {
	if backendErr.Code != "" {
		return fmt.Sprintf("identity backend %d %s: %s", backendErr.Status, backendErr.Code, backendErr.Message)
	}
	return fmt.Sprintf("identity backend %d: %s", backendErr.Status, backendErr.Message)
}

const invalidCredentialsMessage = "invalid login credentials"

// IsInvalidCredentials classifies err as the invalid-credentials class. Structured codes win; the
// message match covers backends that only report free text.
func IsInvalidCredentials(err error) bool {
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		return false
	}
	switch backendErr.Code {
	case "invalid_credentials", "invalid_grant":
		return true
	}
	if backendErr.Status != http.StatusBadRequest && backendErr.Status != http.StatusUnauthorized {
		return false
	}
	return strings.Contains(strings.ToLower(backendErr.Message), invalidCredentialsMessage)
}
