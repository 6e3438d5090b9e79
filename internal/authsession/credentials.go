package authsession

import (
	"context"
	"fmt"
	"strings"

	"github.com/tyemirov/tauthclient/internal/identity"
	"go.uber.org/zap"
)

const googleProvider = "google"

// SignUpRequest registers a new account. An empty Role means client.
type SignUpRequest struct {
	Email    string
	Password string
	FullName string
	Role     identity.Role
}

// SignUpResult reports the registered user. ConfirmationRequired is set when the backend issued no
// session and expects the user to confirm their email first.
type SignUpResult struct {
	User                 *identity.User
	Session              *identity.Session
	Profile              *identity.Profile
	ConfirmationRequired bool
}

// SignInEmail clears any stale local session, then authenticates with email and password. An error the
// retry predicate accepts is retried exactly once. On success the session and profile are installed
// before returning; backend errors are returned untouched.
func (coordinator *Coordinator) SignInEmail(ctx context.Context, email string, password string) (*identity.Session, error) {
	if err := coordinator.ensureOpen(); err != nil {
		return nil, err
	}
	if err := coordinator.backend.SignOut(ctx, identity.ScopeLocal); err != nil {
		coordinator.logger.Debug("pre sign-in local sign-out failed",
			zap.String("code", "authsession.signin.local_signout"),
			zap.Error(err))
	}
	if err := sleepContext(ctx, coordinator.config.PostSignOutDrain); err != nil {
		return nil, err
	}

	result, err := coordinator.backend.SignInWithPassword(ctx, email, password)
	if err != nil && coordinator.config.RetryPredicate(err) {
		coordinator.metrics.Increment(MetricSignInRetry)
		coordinator.logger.Info("retrying sign-in after invalid credentials",
			zap.String("code", "authsession.signin.retry"),
			zap.Duration("delay", coordinator.config.CredentialRetryDelay))
		if sleepErr := sleepContext(ctx, coordinator.config.CredentialRetryDelay); sleepErr != nil {
			return nil, sleepErr
		}
		result, err = coordinator.backend.SignInWithPassword(ctx, email, password)
	}
	if err != nil {
		coordinator.metrics.Increment(MetricSignInFailure)
		return nil, err
	}
	return coordinator.completeCredentialSignIn(ctx, result, "authsession.signin")
}

// SignUpEmail registers the account with the name and role embedded as user metadata, ensures a profile
// row exists, and installs the session when the backend returned one.
func (coordinator *Coordinator) SignUpEmail(ctx context.Context, request SignUpRequest) (SignUpResult, error) {
	if err := coordinator.ensureOpen(); err != nil {
		return SignUpResult{}, err
	}
	role := request.Role
	if role == "" {
		role = identity.RoleClient
	}
	if !role.Valid() {
		return SignUpResult{}, fmt.Errorf("authsession.signup: %w: %q", identity.ErrUnknownRole, role)
	}
	fullName := strings.TrimSpace(request.FullName)
	metadata := map[string]any{"role": string(role)}
	if fullName != "" {
		metadata["full_name"] = fullName
	}

	result, err := coordinator.backend.SignUp(ctx, identity.SignUpParams{
		Email:    request.Email,
		Password: request.Password,
		Metadata: metadata,
	})
	if err != nil {
		return SignUpResult{}, err
	}
	coordinator.metrics.Increment(MetricSignUp)

	var user identity.User
	switch {
	case result.User != nil:
		user = *result.User
	case result.Session != nil:
		user = result.Session.Identity()
	}
	seed := profileSeed{FullName: fullName, Role: role}
	signUpResult := SignUpResult{User: result.User, ConfirmationRequired: !result.Session.Valid()}
	if user.ID != "" {
		signUpResult.Profile = coordinator.fetchOrCreate(ctx, user, seed)
	}
	if result.Session.Valid() {
		coordinator.establish(ctx, result.Session, seed, true)
		signUpResult.Session = result.Session.Clone()
	}
	coordinator.logger.Info("account registered",
		zap.String("code", "authsession.signup.success"),
		zap.String("user_id", user.ID),
		zap.Bool("confirmation_required", signUpResult.ConfirmationRequired))
	return signUpResult, nil
}

// IssueNonce returns a one-time nonce to embed in a provider ID-token request.
func (coordinator *Coordinator) IssueNonce(ctx context.Context) (string, error) {
	return coordinator.nonces.Issue(ctx)
}

// SignInWithIDToken exchanges a provider ID token (Google One Tap and similar) for a session. A non-empty
// nonce must have been issued by IssueNonce. Google tokens are validated locally when a validator is set.
func (coordinator *Coordinator) SignInWithIDToken(ctx context.Context, provider string, idToken string, nonce string) (*identity.Session, error) {
	if err := coordinator.ensureOpen(); err != nil {
		return nil, err
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return nil, fmt.Errorf("authsession.signin_id_token: %w", errMissingProvider)
	}
	if nonce != "" {
		if err := coordinator.nonces.Consume(ctx, nonce); err != nil {
			return nil, fmt.Errorf("authsession.signin_id_token: %w", err)
		}
	}
	if provider == googleProvider && coordinator.idTokens != nil {
		if err := coordinator.validateGoogleToken(ctx, idToken, nonce); err != nil {
			coordinator.metrics.Increment(MetricSignInFailure)
			return nil, err
		}
	}
	result, err := coordinator.backend.SignInWithIDToken(ctx, identity.IDTokenParams{Provider: provider, IDToken: idToken, Nonce: nonce})
	if err != nil {
		coordinator.metrics.Increment(MetricSignInFailure)
		return nil, err
	}
	return coordinator.completeCredentialSignIn(ctx, result, "authsession.signin_id_token")
}

func (coordinator *Coordinator) validateGoogleToken(ctx context.Context, idToken string, nonce string) error {
	payload, err := coordinator.idTokens.Validate(ctx, idToken, coordinator.config.GoogleClientID)
	if err != nil {
		return fmt.Errorf("authsession.signin_id_token.validate: %w: %w", ErrIDTokenRejected, err)
	}
	issuer, _ := payload.Claims["iss"].(string)
	if issuer != "https://accounts.google.com" && issuer != "accounts.google.com" {
		return fmt.Errorf("authsession.signin_id_token.issuer: %w", ErrIDTokenRejected)
	}
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	if !emailVerified {
		return fmt.Errorf("authsession.signin_id_token.unverified_email: %w", ErrIDTokenRejected)
	}
	if nonce != "" {
		if tokenNonce, _ := payload.Claims["nonce"].(string); tokenNonce != nonce {
			return fmt.Errorf("authsession.signin_id_token.nonce: %w", ErrIDTokenRejected)
		}
	}
	return nil
}

func (coordinator *Coordinator) completeCredentialSignIn(ctx context.Context, result identity.AuthResult, operation string) (*identity.Session, error) {
	if !result.Session.Valid() || result.User == nil {
		coordinator.metrics.Increment(MetricSignInFailure)
		return nil, fmt.Errorf("%s: %w", operation, identity.ErrInvalidSession)
	}
	coordinator.metrics.Increment(MetricSignInSuccess)
	coordinator.establish(ctx, result.Session, profileSeed{}, true)
	coordinator.logger.Info("signed in",
		zap.String("code", operation+".success"),
		zap.String("user_id", result.Session.UserID))
	return result.Session.Clone(), nil
}

// UpdateProfile writes the profile row and mirrors the change into the user's identity metadata. The
// backend's USER_UPDATED echo re-resolves the same row.
func (coordinator *Coordinator) UpdateProfile(ctx context.Context, update identity.ProfileUpdate) (*identity.Profile, error) {
	session := coordinator.currentSession()
	if session == nil {
		return nil, fmt.Errorf("authsession.update_profile: %w", identity.ErrNoSession)
	}
	if update.Role != nil && !coordinator.config.selfAssignable(*update.Role) {
		return nil, fmt.Errorf("authsession.update_profile: %w: %q", ErrRoleNotSelfAssignable, *update.Role)
	}
	profile, err := coordinator.profiles.UpdateProfile(ctx, session.UserID, update)
	if err != nil {
		return nil, fmt.Errorf("authsession.update_profile: %w", err)
	}
	coordinator.invalidateProfile(session.UserID)
	coordinator.storeCached(profile, coordinator.currentEpoch())
	coordinator.applyProfile(session.UserID, &profile)

	metadata := make(map[string]any)
	for key, value := range session.Identity().Metadata {
		metadata[key] = value
	}
	if update.FullName != nil {
		metadata["full_name"] = *update.FullName
	}
	if update.Role != nil {
		metadata["role"] = string(*update.Role)
	}
	if _, err := coordinator.backend.UpdateUser(ctx, metadata); err != nil {
		coordinator.logger.Warn("identity metadata update failed",
			zap.String("code", "authsession.update_profile.metadata"),
			zap.String("user_id", session.UserID),
			zap.Error(err))
	}
	return &profile, nil
}
