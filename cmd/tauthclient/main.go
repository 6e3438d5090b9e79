package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type contextKey string

const clientConfigContextKey contextKey = "clientConfig"

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "tauthclient",
		Short:             "Client-side session coordinator for a GoTrue-compatible identity backend",
		SilenceUsage:      true,
		PersistentPreRunE: prepareClientConfig,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("backend_url", "", "Identity backend base URL")
	flags.String("anon_key", "", "Public API key sent with every backend request")
	flags.String("jwt_secret", "", "Optional HS256 secret used to verify access tokens locally")
	flags.String("jwt_issuer", "", "Expected access token issuer; empty skips the check")
	flags.String("storage_url", defaultStorageURL, "Session storage (memory://, file://<path>, sqlite://<path>, postgres://<dsn>)")
	flags.String("storage_namespace", "tauth-", "Key prefix of backend-owned storage entries")
	flags.String("profiles_url", "", "Profile table database (postgres:// or sqlite://); empty uses the backend REST API")
	flags.String("profiles_table", "profiles", "Profile table name on the backend REST API")
	flags.String("web_base_url", defaultWebBaseURL, "Public origin of the web callback screen")
	flags.String("native_redirect_url", defaultNativeRedirectURL, "Redirect target for native OAuth sign-in")
	flags.String("oauth_prompt", defaultOAuthPrompt, "Prompt policy passed to the OAuth provider")
	flags.Duration("oauth_timeout", 5*time.Minute, "How long the oauth command waits for the browser")
	flags.String("google_client_id", "", "Google OAuth client id used to pre-validate ID tokens")
	flags.String("log_level", "info", "Log level (debug, info, warn, error)")
	flags.Duration("post_signout_drain", 150*time.Millisecond, "Pause between the pre-sign-in local sign-out and the credential check")
	flags.Duration("credential_retry_delay", 500*time.Millisecond, "Pause before retrying a sign-in rejected as invalid credentials")
	flags.Duration("native_session_wait", 3*time.Second, "How long a deep link waits for a session before navigating home")
	flags.Duration("refresh_interval", 30*time.Second, "Token auto-refresh check interval for serve")
	flags.StringSlice("cors_allowed_origins", []string{}, "Origins allowed to call the web routes")
	flags.String("listen_addr", ":8080", "HTTP listen address for serve")

	for _, name := range []string{
		"backend_url", "anon_key", "jwt_secret", "jwt_issuer", "storage_url", "storage_namespace",
		"profiles_url", "profiles_table", "web_base_url", "native_redirect_url", "oauth_prompt", "oauth_timeout",
		"google_client_id", "log_level", "post_signout_drain", "credential_retry_delay", "native_session_wait",
		"refresh_interval", "cors_allowed_origins", "listen_addr",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	viper.SetEnvPrefix("TAUTHCLIENT")
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		newServeCommand(),
		newSignInCommand(),
		newSignUpCommand(),
		newSignInIDTokenCommand(),
		newSignOutCommand(),
		newStatusCommand(),
		newOAuthCommand(),
		newLinkCommand(),
	)
	return rootCmd
}

func prepareClientConfig(command *cobra.Command, arguments []string) error {
	clientConfig, loadErr := LoadClientConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, clientConfigContextKey, clientConfig))
	return nil
}

func clientConfigFrom(command *cobra.Command) (ClientConfig, error) {
	var contextValue any
	if commandContext := command.Context(); commandContext != nil {
		contextValue = commandContext.Value(clientConfigContextKey)
	}
	clientConfig, ok := contextValue.(ClientConfig)
	if !ok {
		return ClientConfig{}, configError(configCodeUninitializedConfig, "client configuration not prepared; PersistentPreRunE must execute before RunE")
	}
	return clientConfig, nil
}

func newLogger(level zapcore.Level) (*zap.Logger, error) {
	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(level)
	loggerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return loggerConfig.Build()
}
