package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/tyemirov/tauthclient/internal/authsession"
	"github.com/tyemirov/tauthclient/internal/web"
	webassets "github.com/tyemirov/tauthclient/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the OAuth callback screen and session API, refreshing tokens in the background",
		RunE: func(command *cobra.Command, arguments []string) error {
			return withRuntime(command, runServe)
		},
	}
}

func runServe(ctx context.Context, app *clientRuntime) error {
	strategy, err := authsession.NewWebStrategy(app.backend, authsession.WebStrategyConfig{
		BaseURL: app.config.WebBaseURL,
		Prompt:  app.config.OAuthPrompt,
	})
	if err != nil {
		return err
	}
	flow, err := authsession.NewOAuthFlow(app.coordinator, strategy, nil)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := web.NewRouter(web.RouterConfig{
		Logger:      app.logger.Named("web"),
		Assets:      webassets.FS,
		ServeHome:   true,
		Complete:    flow.HandleCallback,
		Starter:     flow,
		Reporter:    app.coordinator,
		Counters:    app.metrics,
		Terminator:  app.coordinator,
		IDTokens:    app.coordinator,
		CORSOrigins: app.config.CORSAllowedOrigins,
	})
	if err != nil {
		return err
	}

	refreshCtx, refreshCancel := context.WithCancel(ctx)
	defer refreshCancel()
	go app.backend.AutoRefresh(refreshCtx, app.config.RefreshInterval)

	server := &http.Server{
		Addr:              app.config.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-refreshCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if shutdownErr := server.Shutdown(graceCtx); shutdownErr != nil {
			app.logger.Error("server shutdown error",
				zap.String("code", "cli.serve.shutdown"),
				zap.Error(shutdownErr))
		}
	}()

	app.logger.Info("listening",
		zap.String("code", "cli.serve.listening"),
		zap.String("addr", app.config.ListenAddr),
		zap.String("callback_url", strategy.CallbackURL()))
	if serveErr := serveHTTP(server); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", serveErr)
	}
	return nil
}
