package authsession

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthCancelled indicates the user abandoned the external authorization step.
	ErrAuthCancelled = errors.New("authsession.oauth.cancelled")
	// ErrNonceNotFound indicates the supplied nonce was not issued or already consumed.
	ErrNonceNotFound = errors.New("authsession.nonce.not_found")
	// ErrNonceExpired indicates the nonce expired before consumption.
	ErrNonceExpired = errors.New("authsession.nonce.expired")
	// ErrCoordinatorClosed indicates the coordinator was closed.
	ErrCoordinatorClosed = errors.New("authsession.closed")
	// ErrIDTokenRejected indicates the provider ID token failed local validation.
	ErrIDTokenRejected = errors.New("authsession.id_token.rejected")
	// ErrRoleNotSelfAssignable indicates a caller asked for a role only an administrator may grant.
	ErrRoleNotSelfAssignable = errors.New("authsession.role.not_self_assignable")

	errMissingBackend     = errors.New("authsession.config.missing_backend")
	errMissingProfiles    = errors.New("authsession.config.missing_profiles")
	errMissingStore       = errors.New("authsession.config.missing_store")
	errAlreadyStarted     = errors.New("authsession.already_started")
	errMissingCoordinator = errors.New("authsession.oauth.missing_coordinator")
	errMissingNavigator   = errors.New("authsession.oauth.missing_navigator")
	errMissingProvider    = errors.New("authsession.oauth.missing_provider")
	errMissingStrategy    = errors.New("authsession.oauth.missing_strategy")
	errMissingBrowser     = errors.New("authsession.oauth.missing_browser")
	errMissingRouter      = errors.New("authsession.oauth.missing_deep_link_router")
	errMissingRedirect    = errors.New("authsession.oauth.missing_redirect_url")

	errInvalidInstalledSession = errors.New("authsession.oauth.invalid_session")
)

// ProviderError carries the error parameters an OAuth provider returned on the redirect.
type ProviderError struct {
	Code        string
	Description string
}

func (providerErr *ProviderError) Error() string {
	if providerErr.Description == "" {
		return fmt.Sprintf("oauth provider error: %s", providerErr.Code)
	}
	return fmt.Sprintf("oauth provider error: %s: %s", providerErr.Code, providerErr.Description)
}
