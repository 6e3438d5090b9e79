package authsession

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/browser"
	"github.com/tyemirov/tauthclient/internal/identity"
)

// ExternalBrowser opens a URL outside the application.
type ExternalBrowser interface {
	Open(ctx context.Context, target string) error
}

// SystemBrowser opens URLs in the operating system's default browser.
type SystemBrowser struct{}

// Open launches the default browser.
func (SystemBrowser) Open(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return browser.OpenURL(target)
}

// DeepLinkRouter hands OS-delivered links to the flow waiting for one.
type DeepLinkRouter struct {
	mutex   sync.Mutex
	waiting chan string
}

// NewDeepLinkRouter constructs an empty router.
func NewDeepLinkRouter() *DeepLinkRouter {
	return &DeepLinkRouter{}
}

// Deliver passes rawURL to the waiting flow and reports whether one was waiting. Links that arrive with
// nobody waiting belong to a cold start and should go to OAuthFlow.HandleDeepLink.
func (router *DeepLinkRouter) Deliver(rawURL string) bool {
	router.mutex.Lock()
	defer router.mutex.Unlock()
	if router.waiting == nil {
		return false
	}
	router.waiting <- rawURL
	router.waiting = nil
	return true
}

// Await blocks for the next delivered link. Ending ctx counts as the user abandoning the browser.
func (router *DeepLinkRouter) Await(ctx context.Context) (string, error) {
	return router.wait(ctx, router.expect())
}

// expect registers the waiter before the browser opens so a fast redirect is not mistaken for a cold start.
func (router *DeepLinkRouter) expect() chan string {
	delivered := make(chan string, 1)
	router.mutex.Lock()
	router.waiting = delivered
	router.mutex.Unlock()
	return delivered
}

func (router *DeepLinkRouter) release(delivered chan string) {
	router.mutex.Lock()
	defer router.mutex.Unlock()
	if router.waiting == delivered {
		router.waiting = nil
	}
}

func (router *DeepLinkRouter) wait(ctx context.Context, delivered chan string) (string, error) {
	select {
	case rawURL := <-delivered:
		return rawURL, nil
	case <-ctx.Done():
		router.release(delivered)
		select {
		case rawURL := <-delivered:
			return rawURL, nil
		default:
		}
		return "", fmt.Errorf("%w: %w", ErrAuthCancelled, ctx.Err())
	}
}

// NativeStrategyConfig describes the custom-scheme (or loopback) redirect of a native client.
type NativeStrategyConfig struct {
	RedirectURL string
	Prompt      string
	Scopes      []string
}

// NativeStrategy opens the provider in an external browser and waits for the deep link back.
type NativeStrategy struct {
	backend     identity.Backend
	browser     ExternalBrowser
	router      *DeepLinkRouter
	redirectURL string
	prompt      string
	scopes      []string
}

// NewNativeStrategy wires the browser and router used for one native client.
func NewNativeStrategy(backend identity.Backend, externalBrowser ExternalBrowser, router *DeepLinkRouter, config NativeStrategyConfig) (*NativeStrategy, error) {
	switch {
	case backend == nil:
		return nil, errMissingBackend
	case externalBrowser == nil:
		return nil, errMissingBrowser
	case router == nil:
		return nil, errMissingRouter
	}
	redirectURL := strings.TrimSpace(config.RedirectURL)
	if redirectURL == "" {
		return nil, fmt.Errorf("authsession.oauth.native: %w", errMissingRedirect)
	}
	return &NativeStrategy{
		backend:     backend,
		browser:     externalBrowser,
		router:      router,
		redirectURL: redirectURL,
		prompt:      strings.TrimSpace(config.Prompt),
		scopes:      config.Scopes,
	}, nil
}

func (strategy *NativeStrategy) BuildAuthURL(ctx context.Context, provider string) (string, error) {
	return strategy.backend.AuthorizationURL(ctx, identity.OAuthRequest{
		Provider:            provider,
		RedirectTarget:      strategy.redirectURL,
		Prompt:              strategy.prompt,
		Scopes:              strategy.scopes,
		SkipBrowserRedirect: true,
	})
}

// OpenExternalAuth opens the browser and blocks until the deep link returns.
func (strategy *NativeStrategy) OpenExternalAuth(ctx context.Context, authURL string) (string, error) {
	delivered := strategy.router.expect()
	if err := strategy.browser.Open(ctx, authURL); err != nil {
		strategy.router.release(delivered)
		return "", fmt.Errorf("authsession.oauth.native.open_browser: %w", err)
	}
	return strategy.router.wait(ctx, delivered)
}

func (strategy *NativeStrategy) ExtractTokensFromCallback(rawURL string) (CallbackParams, error) {
	return ExtractCallbackParams(rawURL)
}
