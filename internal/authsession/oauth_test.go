package authsession

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tyemirov/tauthclient/internal/identity"
)

type fakeBrowser struct {
	open func(ctx context.Context, target string) error
}

func (browser fakeBrowser) Open(ctx context.Context, target string) error {
	return browser.open(ctx, target)
}

func newWebFlow(t *testing.T, h *harness, home HomeNavigator) *OAuthFlow {
	t.Helper()
	strategy, err := NewWebStrategy(h.backend, WebStrategyConfig{BaseURL: "https://app.example/", Prompt: "select_account"})
	if err != nil {
		t.Fatalf("web strategy: %v", err)
	}
	flow, err := NewOAuthFlow(h.coordinator, strategy, home)
	if err != nil {
		t.Fatalf("oauth flow: %v", err)
	}
	return flow
}

func TestExtractCallbackParams(t *testing.T) {
	testCases := []struct {
		name     string
		rawURL   string
		expected CallbackParams
	}{
		{
			name:     "query",
			rawURL:   "https://app.example/auth/callback?access_token=AAA&refresh_token=BBB",
			expected: CallbackParams{AccessToken: "AAA", RefreshToken: "BBB"},
		},
		{
			name:     "fragment wins over query",
			rawURL:   "tauthclient://auth/callback?access_token=stale#access_token=AAA&refresh_token=BBB&expires_in=3600",
			expected: CallbackParams{AccessToken: "AAA", RefreshToken: "BBB"},
		},
		{
			name:     "provider error",
			rawURL:   "https://app.example/auth/callback?error=access_denied&error_description=User+denied",
			expected: CallbackParams{Error: "access_denied", ErrorDescription: "User denied"},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			params, err := ExtractCallbackParams(testCase.rawURL)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if params != testCase.expected {
				t.Fatalf("expected %+v, got %+v", testCase.expected, params)
			}
		})
	}
}

func TestHandleCallbackInstallsTokens(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)
	flow := newWebFlow(t, h, nil)

	outcome, err := flow.HandleCallback(context.Background(), "https://app.example/auth/callback?access_token=AAA&refresh_token=BBB")
	if err != nil || outcome != OutcomeSignedIn {
		t.Fatalf("expected signed in, got %s err=%v", outcome, err)
	}
	state := h.coordinator.State()
	if state.Session == nil || state.Session.AccessToken != "AAA" {
		t.Fatalf("expected session with token AAA, got %+v", state.Session)
	}
	if state.Profile == nil || state.Profile.ID != "user-oauth" {
		t.Fatalf("expected oauth profile, got %+v", state.Profile)
	}
	if count := h.metrics.Count(MetricOAuthPrefix + string(OutcomeSignedIn)); count != 1 {
		t.Fatalf("expected signed-in outcome metric, got %d", count)
	}
}

func TestHandleCallbackSurfacesProviderError(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)
	flow := newWebFlow(t, h, nil)

	outcome, err := flow.HandleCallback(context.Background(), "https://app.example/auth/callback?error=access_denied")
	var providerErr *ProviderError
	if outcome != OutcomeProviderError || !errors.As(err, &providerErr) || providerErr.Code != "access_denied" {
		t.Fatalf("expected provider error, got %s err=%v", outcome, err)
	}
	if session := h.coordinator.State().Session; session != nil {
		t.Fatalf("expected no session, got %+v", session)
	}
	if _, setSessions, _ := h.backend.counts(); setSessions != 0 {
		t.Fatalf("expected no session installation, got %d", setSessions)
	}
}

func TestHandleCallbackWithoutTokensKeepsSession(t *testing.T) {
	h := newHarness(t, testConfig())
	h.backend.persisted = validSession("user-1")
	h.start(t)
	flow := newWebFlow(t, h, nil)

	outcome, err := flow.HandleCallback(context.Background(), "https://app.example/auth/callback?access_token=only-access")
	if err != nil || outcome != OutcomeNoTokens {
		t.Fatalf("expected no-tokens outcome, got %s err=%v", outcome, err)
	}
	if session := h.coordinator.State().Session; session == nil || session.UserID != "user-1" {
		t.Fatalf("expected existing session to survive, got %+v", session)
	}
}

func TestWebSignInRedirectsThroughNavigator(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)
	flow := newWebFlow(t, h, nil)

	var target string
	ctx := WithNavigator(context.Background(), NavigatorFunc(func(ctx context.Context, location string) error {
		target = location
		return nil
	}))
	outcome, err := flow.SignIn(ctx, "Google")
	if err != nil || outcome != OutcomePending {
		t.Fatalf("expected pending, got %s err=%v", outcome, err)
	}
	if target != "https://backend.example/auth/v1/authorize?provider=google" {
		t.Fatalf("unexpected redirect target %q", target)
	}
	request := h.backend.authRequests[0]
	if request.RedirectTarget != "https://app.example/auth/callback" || request.Prompt != "select_account" || request.SkipBrowserRedirect {
		t.Fatalf("unexpected authorization request %+v", request)
	}

	if outcome, err := flow.SignIn(context.Background(), "google"); outcome != OutcomeFailed || !errors.Is(err, errMissingNavigator) {
		t.Fatalf("expected missing navigator failure, got %s err=%v", outcome, err)
	}
}

func TestNativeSignInCompletesThroughDeepLink(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)
	router := NewDeepLinkRouter()
	browser := fakeBrowser{open: func(ctx context.Context, target string) error {
		if !router.Deliver("tauthclient://auth/callback#access_token=AAA&refresh_token=BBB") {
			return errors.New("redirect arrived before the flow was waiting")
		}
		return nil
	}}
	strategy, err := NewNativeStrategy(h.backend, browser, router, NativeStrategyConfig{RedirectURL: "tauthclient://auth/callback"})
	if err != nil {
		t.Fatalf("native strategy: %v", err)
	}
	flow, err := NewOAuthFlow(h.coordinator, strategy, nil)
	if err != nil {
		t.Fatalf("oauth flow: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcome, err := flow.SignIn(ctx, "github")
	if err != nil || outcome != OutcomeSignedIn {
		t.Fatalf("expected signed in, got %s err=%v", outcome, err)
	}
	if session := h.coordinator.State().Session; session == nil || session.AccessToken != "AAA" {
		t.Fatalf("expected deep-link session, got %+v", session)
	}
	request := h.backend.authRequests[0]
	if !request.SkipBrowserRedirect || request.RedirectTarget != "tauthclient://auth/callback" {
		t.Fatalf("unexpected authorization request %+v", request)
	}
}

func TestNativeSignInCancelledIsNoOp(t *testing.T) {
	h := newHarness(t, testConfig())
	h.backend.persisted = validSession("user-1")
	h.start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	browser := fakeBrowser{open: func(context.Context, string) error {
		cancel()
		return nil
	}}
	strategy, err := NewNativeStrategy(h.backend, browser, NewDeepLinkRouter(), NativeStrategyConfig{RedirectURL: "tauthclient://auth/callback"})
	if err != nil {
		t.Fatalf("native strategy: %v", err)
	}
	flow, err := NewOAuthFlow(h.coordinator, strategy, nil)
	if err != nil {
		t.Fatalf("oauth flow: %v", err)
	}

	outcome, err := flow.SignIn(ctx, "github")
	if err != nil || outcome != OutcomeCancelled {
		t.Fatalf("expected silent cancellation, got %s err=%v", outcome, err)
	}
	if session := h.coordinator.State().Session; session == nil || session.UserID != "user-1" {
		t.Fatalf("expected session to be untouched, got %+v", session)
	}
}

func TestHandleDeepLinkNavigatesHomeWithoutSession(t *testing.T) {
	config := testConfig()
	config.NativeSessionWait = 10 * time.Millisecond
	h := newHarness(t, config)
	h.start(t)

	var navigations atomic.Int32
	home := HomeNavigatorFunc(func(context.Context) error {
		navigations.Add(1)
		return nil
	})
	flow := newWebFlow(t, h, home)

	if outcome, _ := flow.HandleDeepLink(context.Background(), "tauthclient://auth/callback"); outcome != OutcomeNoTokens {
		t.Fatalf("expected no-tokens outcome, got %s", outcome)
	}
	if navigations.Load() != 1 {
		t.Fatalf("expected fallback navigation, got %d", navigations.Load())
	}

	if outcome, err := flow.HandleDeepLink(context.Background(), "tauthclient://auth/callback#access_token=AAA&refresh_token=BBB"); err != nil || outcome != OutcomeSignedIn {
		t.Fatalf("expected signed in, got %s err=%v", outcome, err)
	}
	if navigations.Load() != 1 {
		t.Fatalf("expected no fallback navigation once signed in, got %d", navigations.Load())
	}
}

func TestDeepLinkRouterWithoutWaiter(t *testing.T) {
	router := NewDeepLinkRouter()
	if router.Deliver("tauthclient://auth/callback") {
		t.Fatalf("expected delivery without a waiter to be refused")
	}
}

func TestSetSessionFailureIsReported(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)
	h.backend.setSession = func(string, string) (*identity.Session, error) {
		return nil, &identity.BackendError{Status: 401, Code: "bad_jwt", Message: "invalid JWT"}
	}
	flow := newWebFlow(t, h, nil)

	outcome, err := flow.HandleCallback(context.Background(), "https://app.example/auth/callback#access_token=AAA&refresh_token=BBB")
	if outcome != OutcomeFailed || err == nil {
		t.Fatalf("expected failure, got %s err=%v", outcome, err)
	}
	if session := h.coordinator.State().Session; session != nil {
		t.Fatalf("expected no session")
	}
}
