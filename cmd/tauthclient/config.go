package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tyemirov/tauthclient/internal/authsession"
	"go.uber.org/zap/zapcore"
)

const (
	configCodeMissingBackendURL   = "config.missing_backend_url"
	configCodeInvalidBackendURL   = "config.invalid_backend_url"
	configCodeMissingAnonKey      = "config.missing_anon_key"
	configCodeInvalidLogLevel     = "config.invalid_log_level"
	configCodeInvalidDelay        = "config.invalid_delay"
	configCodeInvalidRedirectURL  = "config.invalid_native_redirect_url"
	configCodeInvalidWebBaseURL   = "config.invalid_web_base_url"
	configCodeUninitializedConfig = "config.uninitialized_client_config"
	configCodeGoogleValidatorInit = "config.google_validator_init"
	configCodeRedirectNotLoopback = "config.native_redirect_not_loopback"

	defaultStorageURL        = "file://"
	defaultWebBaseURL        = "http://localhost:8080"
	defaultNativeRedirectURL = "http://127.0.0.1:8765/auth/callback"
	defaultOAuthPrompt       = "select_account"
)

// ClientConfig is the validated process configuration.
type ClientConfig struct {
	BackendURL           string
	AnonKey              string
	JWTSecret            string
	JWTIssuer            string
	StorageURL           string
	StorageNamespace     string
	ProfilesURL          string
	ProfilesTable        string
	WebBaseURL           string
	NativeRedirectURL    string
	OAuthPrompt          string
	OAuthTimeout         time.Duration
	GoogleClientID       string
	LogLevel             zapcore.Level
	PostSignOutDrain     time.Duration
	CredentialRetryDelay time.Duration
	NativeSessionWait    time.Duration
	RefreshInterval      time.Duration
	CORSAllowedOrigins   []string
	ListenAddr           string
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadClientConfig reads and validates the configuration bound in viper.
func LoadClientConfig() (ClientConfig, error) {
	backendURL := strings.TrimSpace(viper.GetString("backend_url"))
	if backendURL == "" {
		return ClientConfig{}, configError(configCodeMissingBackendURL, "backend_url must be provided")
	}
	if parsed, err := url.Parse(backendURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ClientConfig{}, configError(configCodeInvalidBackendURL, "backend_url must be an absolute URL")
	}

	anonKey := strings.TrimSpace(viper.GetString("anon_key"))
	if anonKey == "" {
		return ClientConfig{}, configError(configCodeMissingAnonKey, "anon_key must be provided")
	}

	logLevel, levelErr := zapcore.ParseLevel(viper.GetString("log_level"))
	if levelErr != nil {
		return ClientConfig{}, configError(configCodeInvalidLogLevel, fmt.Sprintf("log_level %q is not a zap level", viper.GetString("log_level")))
	}

	delays := map[string]time.Duration{}
	for _, key := range []string{"post_signout_drain", "credential_retry_delay", "native_session_wait", "refresh_interval", "oauth_timeout"} {
		value := viper.GetDuration(key)
		if value < 0 {
			return ClientConfig{}, configError(configCodeInvalidDelay, key+" must not be negative")
		}
		delays[key] = value
	}

	webBaseURL := strings.TrimRight(strings.TrimSpace(viper.GetString("web_base_url")), "/")
	if webBaseURL == "" {
		webBaseURL = defaultWebBaseURL
	}
	if parsed, err := url.Parse(webBaseURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ClientConfig{}, configError(configCodeInvalidWebBaseURL, "web_base_url must be an absolute URL")
	}

	nativeRedirectURL := strings.TrimSpace(viper.GetString("native_redirect_url"))
	if nativeRedirectURL == "" {
		nativeRedirectURL = defaultNativeRedirectURL
	}
	if parsed, err := url.Parse(nativeRedirectURL); err != nil || parsed.Scheme == "" {
		return ClientConfig{}, configError(configCodeInvalidRedirectURL, "native_redirect_url must carry a scheme")
	}

	storageURL := strings.TrimSpace(viper.GetString("storage_url"))
	if storageURL == "" {
		storageURL = defaultStorageURL
	}
	storageNamespace := viper.GetString("storage_namespace")
	if strings.TrimSpace(storageNamespace) == "" {
		storageNamespace = authsession.DefaultStorageNamespace
	}
	prompt := strings.TrimSpace(viper.GetString("oauth_prompt"))
	if prompt == "" {
		prompt = defaultOAuthPrompt
	}

	origins := make([]string, 0)
	for _, origin := range viper.GetStringSlice("cors_allowed_origins") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}

	return ClientConfig{
		BackendURL:           backendURL,
		AnonKey:              anonKey,
		JWTSecret:            viper.GetString("jwt_secret"),
		JWTIssuer:            strings.TrimSpace(viper.GetString("jwt_issuer")),
		StorageURL:           storageURL,
		StorageNamespace:     storageNamespace,
		ProfilesURL:          strings.TrimSpace(viper.GetString("profiles_url")),
		ProfilesTable:        strings.TrimSpace(viper.GetString("profiles_table")),
		WebBaseURL:           webBaseURL,
		NativeRedirectURL:    nativeRedirectURL,
		OAuthPrompt:          prompt,
		OAuthTimeout:         delays["oauth_timeout"],
		GoogleClientID:       strings.TrimSpace(viper.GetString("google_client_id")),
		LogLevel:             logLevel,
		PostSignOutDrain:     delays["post_signout_drain"],
		CredentialRetryDelay: delays["credential_retry_delay"],
		NativeSessionWait:    delays["native_session_wait"],
		RefreshInterval:      delays["refresh_interval"],
		CORSAllowedOrigins:   origins,
		ListenAddr:           viper.GetString("listen_addr"),
	}, nil
}

// Coordinator maps the process configuration onto coordinator tunables.
func (config ClientConfig) Coordinator() authsession.Config {
	coordinatorConfig := authsession.DefaultConfig()
	coordinatorConfig.StorageNamespace = config.StorageNamespace
	coordinatorConfig.PostSignOutDrain = config.PostSignOutDrain
	coordinatorConfig.CredentialRetryDelay = config.CredentialRetryDelay
	coordinatorConfig.NativeSessionWait = config.NativeSessionWait
	coordinatorConfig.GoogleClientID = config.GoogleClientID
	return coordinatorConfig
}

// loopbackListenAddr returns host:port of an http loopback redirect URL.
func (config ClientConfig) loopbackListenAddr() (string, string, error) {
	parsed, err := url.Parse(config.NativeRedirectURL)
	if err != nil {
		return "", "", configError(configCodeInvalidRedirectURL, err.Error())
	}
	host := parsed.Hostname()
	if parsed.Scheme != "http" || (host != "127.0.0.1" && host != "localhost" && host != "::1") || parsed.Port() == "" {
		return "", "", configError(configCodeRedirectNotLoopback, "oauth needs native_redirect_url of the form http://127.0.0.1:<port>/<path>; deliver custom-scheme links with the link command")
	}
	callbackPath := parsed.Path
	if callbackPath == "" {
		callbackPath = authsession.DefaultCallbackPath
	}
	return parsed.Host, callbackPath, nil
}
