package authsession

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Outcome reports how an OAuth attempt ended.
type Outcome string

const (
	OutcomeSignedIn      Outcome = "signed_in"
	OutcomePending       Outcome = "pending"
	OutcomeCancelled     Outcome = "cancelled"
	OutcomeProviderError Outcome = "provider_error"
	OutcomeNoTokens      Outcome = "no_tokens"
	OutcomeFailed        Outcome = "failed"
)

// CallbackParams are the OAuth parameters carried by a redirect URL.
type CallbackParams struct {
	AccessToken      string
	RefreshToken     string
	Error            string
	ErrorCode        string
	ErrorDescription string
}

// HasTokens reports whether both tokens needed to install a session are present.
func (params CallbackParams) HasTokens() bool {
	return params.AccessToken != "" && params.RefreshToken != ""
}

// HasError reports whether the provider redirected back with an error.
func (params CallbackParams) HasError() bool {
	return params.Error != "" || params.ErrorCode != ""
}

// ExtractCallbackParams reads OAuth parameters from the fragment and the query of rawURL. Fragment values
// win when both carry the same key.
func ExtractCallbackParams(rawURL string) (CallbackParams, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return CallbackParams{}, fmt.Errorf("authsession.oauth.parse_callback: %w", err)
	}
	query := parsed.Query()
	fragment, err := url.ParseQuery(parsed.EscapedFragment())
	if err != nil {
		return CallbackParams{}, fmt.Errorf("authsession.oauth.parse_fragment: %w", err)
	}
	lookup := func(key string) string {
		if value := strings.TrimSpace(fragment.Get(key)); value != "" {
			return value
		}
		return strings.TrimSpace(query.Get(key))
	}
	return CallbackParams{
		AccessToken:      lookup("access_token"),
		RefreshToken:     lookup("refresh_token"),
		Error:            lookup("error"),
		ErrorCode:        lookup("error_code"),
		ErrorDescription: lookup("error_description"),
	}, nil
}

// Strategy is the platform capability the OAuth flow runs against.
type Strategy interface {
	// BuildAuthURL asks the backend for the provider authorization URL.
	BuildAuthURL(ctx context.Context, provider string) (string, error)
	// OpenExternalAuth hands the URL to the user agent. It returns the callback URL when the redirect
	// comes back to this call, or "" when the flow continues elsewhere. A user who abandons the
	// external step yields ErrAuthCancelled.
	OpenExternalAuth(ctx context.Context, authURL string) (string, error)
	ExtractTokensFromCallback(rawURL string) (CallbackParams, error)
}

// HomeNavigator returns the user to the home state.
type HomeNavigator interface {
	NavigateHome(ctx context.Context) error
}

// HomeNavigatorFunc adapts a function to HomeNavigator.
type HomeNavigatorFunc func(ctx context.Context) error

// NavigateHome calls the function.
func (navigate HomeNavigatorFunc) NavigateHome(ctx context.Context) error {
	return navigate(ctx)
}

// OAuthFlow runs third-party sign-in through a Strategy and installs the returned tokens.
type OAuthFlow struct {
	coordinator *Coordinator
	strategy    Strategy
	home        HomeNavigator
}

// NewOAuthFlow binds a strategy to the coordinator. home may be nil when no fallback navigation exists.
func NewOAuthFlow(coordinator *Coordinator, strategy Strategy, home HomeNavigator) (*OAuthFlow, error) {
	if coordinator == nil {
		return nil, errMissingCoordinator
	}
	if strategy == nil {
		return nil, errMissingStrategy
	}
	return &OAuthFlow{coordinator: coordinator, strategy: strategy, home: home}, nil
}

// SignIn starts provider sign-in. Web strategies report OutcomePending once the redirect is issued;
// native strategies block until the deep link returns or ctx ends.
func (flow *OAuthFlow) SignIn(ctx context.Context, provider string) (Outcome, error) {
	if err := flow.coordinator.ensureOpen(); err != nil {
		return OutcomeFailed, err
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return flow.record(OutcomeFailed), fmt.Errorf("authsession.oauth.signin: %w", errMissingProvider)
	}
	authURL, err := flow.strategy.BuildAuthURL(ctx, provider)
	if err != nil {
		return flow.record(OutcomeFailed), fmt.Errorf("authsession.oauth.authorize: %w", err)
	}
	callbackURL, err := flow.strategy.OpenExternalAuth(ctx, authURL)
	switch {
	case errors.Is(err, ErrAuthCancelled):
		flow.coordinator.logger.Info("oauth sign-in cancelled",
			zap.String("code", "authsession.oauth.cancelled"),
			zap.String("provider", provider))
		return flow.record(OutcomeCancelled), nil
	case err != nil:
		return flow.record(OutcomeFailed), fmt.Errorf("authsession.oauth.open: %w", err)
	case callbackURL == "":
		return flow.record(OutcomePending), nil
	}
	return flow.complete(ctx, callbackURL)
}

// HandleCallback installs the tokens carried by a redirect URL. Provider errors come back as
// *ProviderError and leave state untouched; a URL without tokens is logged and ignored.
func (flow *OAuthFlow) HandleCallback(ctx context.Context, rawURL string) (Outcome, error) {
	if err := flow.coordinator.ensureOpen(); err != nil {
		return OutcomeFailed, err
	}
	return flow.complete(ctx, rawURL)
}

// HandleDeepLink is HandleCallback for OS-delivered links. Afterwards it waits up to NativeSessionWait for
// a session and navigates home when none appeared.
func (flow *OAuthFlow) HandleDeepLink(ctx context.Context, rawURL string) (Outcome, error) {
	outcome, err := flow.HandleCallback(ctx, rawURL)
	if flow.home == nil {
		return outcome, err
	}
	if flow.coordinator.WaitForSession(ctx, flow.coordinator.config.NativeSessionWait) {
		return outcome, err
	}
	if navErr := flow.home.NavigateHome(ctx); navErr != nil {
		flow.coordinator.logger.Warn("fallback home navigation failed",
			zap.String("code", "authsession.oauth.navigate_home"),
			zap.Error(navErr))
	}
	return outcome, err
}

func (flow *OAuthFlow) complete(ctx context.Context, rawURL string) (Outcome, error) {
	params, err := flow.strategy.ExtractTokensFromCallback(rawURL)
	if err != nil {
		return flow.record(OutcomeFailed), err
	}
	if params.HasError() {
		code := firstNonEmpty(params.Error, params.ErrorCode)
		flow.coordinator.logger.Warn("oauth provider returned an error",
			zap.String("code", "authsession.oauth.provider_error"),
			zap.String("provider_error", code),
			zap.String("description", params.ErrorDescription))
		return flow.record(OutcomeProviderError), &ProviderError{Code: code, Description: params.ErrorDescription}
	}
	if !params.HasTokens() {
		flow.coordinator.logger.Warn("oauth callback carried no tokens; keeping current session",
			zap.String("code", "authsession.oauth.no_tokens"))
		return flow.record(OutcomeNoTokens), nil
	}
	session, err := flow.coordinator.backend.SetSession(ctx, params.AccessToken, params.RefreshToken)
	if err != nil {
		return flow.record(OutcomeFailed), fmt.Errorf("authsession.oauth.set_session: %w", err)
	}
	if !session.Valid() {
		return flow.record(OutcomeFailed), fmt.Errorf("authsession.oauth.set_session: %w", errInvalidInstalledSession)
	}
	flow.coordinator.establish(ctx, session, profileSeed{}, true)
	flow.coordinator.logger.Info("oauth sign-in complete",
		zap.String("code", "authsession.oauth.signed_in"),
		zap.String("user_id", session.UserID))
	return flow.record(OutcomeSignedIn), nil
}

func (flow *OAuthFlow) record(outcome Outcome) Outcome {
	flow.coordinator.metrics.Increment(MetricOAuthPrefix + string(outcome))
	return outcome
}
