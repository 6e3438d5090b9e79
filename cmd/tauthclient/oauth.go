package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/tyemirov/tauthclient/internal/authsession"
	"github.com/tyemirov/tauthclient/internal/web"
	webassets "github.com/tyemirov/tauthclient/web"
	"go.uber.org/zap"
)

type oauthResult struct {
	Outcome authsession.Outcome `json:"outcome"`
	Error   string              `json:"error,omitempty"`
	Status  statusView          `json:"status"`
}

func newOAuthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "oauth <provider>",
		Short: "Sign in through a provider in the system browser",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return withRuntime(command, func(ctx context.Context, app *clientRuntime) error {
				outcome, err := runNativeOAuth(ctx, app, authsession.SystemBrowser{}, arguments[0])
				return reportOAuth(command, app, outcome, err)
			})
		},
	}
}

func newLinkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "link <url>",
		Short: "Complete sign-in from a deep link delivered by the operating system",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return withRuntime(command, func(ctx context.Context, app *clientRuntime) error {
				flow, err := nativeFlow(app, authsession.SystemBrowser{}, authsession.NewDeepLinkRouter(), printHome(command))
				if err != nil {
					return err
				}
				outcome, linkErr := flow.HandleDeepLink(ctx, arguments[0])
				return reportOAuth(command, app, outcome, linkErr)
			})
		},
	}
}

func printHome(command *cobra.Command) authsession.HomeNavigator {
	return authsession.HomeNavigatorFunc(func(context.Context) error {
		_, err := fmt.Fprintln(command.ErrOrStderr(), "No session was established; returning to the start screen.")
		return err
	})
}

func nativeFlow(app *clientRuntime, browser authsession.ExternalBrowser, router *authsession.DeepLinkRouter, home authsession.HomeNavigator) (*authsession.OAuthFlow, error) {
	strategy, err := authsession.NewNativeStrategy(app.backend, browser, router, authsession.NativeStrategyConfig{
		RedirectURL: app.config.NativeRedirectURL,
		Prompt:      app.config.OAuthPrompt,
	})
	if err != nil {
		return nil, err
	}
	return authsession.NewOAuthFlow(app.coordinator, strategy, home)
}

// runNativeOAuth listens on the loopback redirect target, opens the browser and waits for the redirect.
func runNativeOAuth(ctx context.Context, app *clientRuntime, browser authsession.ExternalBrowser, provider string) (authsession.Outcome, error) {
	listenAddr, callbackPath, err := app.config.loopbackListenAddr()
	if err != nil {
		return authsession.OutcomeFailed, err
	}
	router := authsession.NewDeepLinkRouter()
	flow, err := nativeFlow(app, browser, router, nil)
	if err != nil {
		return authsession.OutcomeFailed, err
	}

	gin.SetMode(gin.ReleaseMode)
	receiver, err := web.NewRouter(web.RouterConfig{
		Logger:       app.logger.Named("loopback"),
		Assets:       webassets.FS,
		CallbackPath: callbackPath,
		ServeHome:    true,
		Complete:     deliverDeepLink(router, flow),
	})
	if err != nil {
		return authsession.OutcomeFailed, err
	}
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return authsession.OutcomeFailed, fmt.Errorf("cli.oauth.listen: %w", err)
	}
	server := &http.Server{Handler: receiver, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if serveErr := server.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			app.logger.Error("loopback receiver stopped",
				zap.String("code", "cli.oauth.loopback_failed"),
				zap.Error(serveErr))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	waitCtx := ctx
	if app.config.OAuthTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, app.config.OAuthTimeout)
		defer cancel()
	}
	return flow.SignIn(waitCtx, provider)
}

// deliverDeepLink hands the redirect to a waiting sign-in, or completes it directly when none waits.
func deliverDeepLink(router *authsession.DeepLinkRouter, flow *authsession.OAuthFlow) web.CallbackCompleter {
	return func(ctx context.Context, rawURL string) (authsession.Outcome, error) {
		if router.Deliver(rawURL) {
			return authsession.OutcomePending, nil
		}
		return flow.HandleDeepLink(ctx, rawURL)
	}
}

func reportOAuth(command *cobra.Command, app *clientRuntime, outcome authsession.Outcome, err error) error {
	result := oauthResult{Outcome: outcome, Status: app.status()}
	var providerErr *authsession.ProviderError
	switch {
	case err == nil:
	case errors.As(err, &providerErr):
		result.Error = providerErr.Error()
	default:
		return err
	}
	return writeJSON(command.OutOrStdout(), result)
}
