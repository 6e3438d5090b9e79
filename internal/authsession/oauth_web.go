package authsession

import (
	"context"
	"fmt"
	"strings"

	"github.com/tyemirov/tauthclient/internal/identity"
)

// DefaultCallbackPath is the same-origin route the web callback screen serves.
const DefaultCallbackPath = "/auth/callback"

// Navigator sends the current user agent to target with a full-page redirect.
type Navigator interface {
	Navigate(ctx context.Context, target string) error
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, target string) error

// Navigate calls the function.
func (navigate NavigatorFunc) Navigate(ctx context.Context, target string) error {
	return navigate(ctx, target)
}

type navigatorContextKey struct{}

// WithNavigator attaches the request-scoped navigator used by the web strategy.
func WithNavigator(ctx context.Context, navigator Navigator) context.Context {
	return context.WithValue(ctx, navigatorContextKey{}, navigator)
}

// NavigatorFromContext returns the navigator attached by WithNavigator.
func NavigatorFromContext(ctx context.Context) (Navigator, bool) {
	navigator, ok := ctx.Value(navigatorContextKey{}).(Navigator)
	return navigator, ok && navigator != nil
}

// WebStrategyConfig describes where the browser returns after the provider.
type WebStrategyConfig struct {
	BaseURL      string
	CallbackPath string
	Prompt       string
	Scopes       []string
}

// WebStrategy redirects the current page to the provider and relies on the callback screen for the return.
type WebStrategy struct {
	backend     identity.Backend
	callbackURL string
	prompt      string
	scopes      []string
}

// NewWebStrategy validates the base URL and derives the callback target.
func NewWebStrategy(backend identity.Backend, config WebStrategyConfig) (*WebStrategy, error) {
	if backend == nil {
		return nil, errMissingBackend
	}
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("authsession.oauth.web: %w", errMissingRedirect)
	}
	callbackPath := strings.TrimSpace(config.CallbackPath)
	if callbackPath == "" {
		callbackPath = DefaultCallbackPath
	}
	if !strings.HasPrefix(callbackPath, "/") {
		callbackPath = "/" + callbackPath
	}
	return &WebStrategy{
		backend:     backend,
		callbackURL: baseURL + callbackPath,
		prompt:      strings.TrimSpace(config.Prompt),
		scopes:      config.Scopes,
	}, nil
}

// CallbackURL is the redirect target sent to the provider.
func (strategy *WebStrategy) CallbackURL() string {
	return strategy.callbackURL
}

func (strategy *WebStrategy) BuildAuthURL(ctx context.Context, provider string) (string, error) {
	return strategy.backend.AuthorizationURL(ctx, identity.OAuthRequest{
		Provider:       provider,
		RedirectTarget: strategy.callbackURL,
		Prompt:         strategy.prompt,
		Scopes:         strategy.scopes,
	})
}

// OpenExternalAuth issues the redirect and returns "": the browser comes back through the callback screen.
func (strategy *WebStrategy) OpenExternalAuth(ctx context.Context, authURL string) (string, error) {
	navigator, ok := NavigatorFromContext(ctx)
	if !ok {
		return "", errMissingNavigator
	}
	if err := navigator.Navigate(ctx, authURL); err != nil {
		return "", fmt.Errorf("authsession.oauth.web.navigate: %w", err)
	}
	return "", nil
}

func (strategy *WebStrategy) ExtractTokensFromCallback(rawURL string) (CallbackParams, error) {
	return ExtractCallbackParams(rawURL)
}
