// Package gotrue is a client for a GoTrue-compatible identity backend and its PostgREST profile table.
// It persists the session in a kvstore and emits auth-state events to subscribers.
package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tyemirov/tauthclient/internal/identity"
	"github.com/tyemirov/tauthclient/internal/kvstore"
	"github.com/tyemirov/tauthclient/pkg/sessionclaims"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const maxResponseBytes = 1 << 20

var errMissingProvider = errors.New("gotrue.authorize.missing_provider")

// Client talks to the identity backend on behalf of one client installation.
type Client struct {
	baseURL       *url.URL
	anonKey       string
	httpClient    *http.Client
	store         kvstore.Store
	namespace     string
	claims        *sessionclaims.Decoder
	clock         sessionclaims.Clock
	logger        *zap.Logger
	refreshMargin time.Duration

	handlersMutex sync.Mutex
	handlers      []handlerEntry
	nextHandlerID uint64
	// generation advances on every emitted event and session removal; a replay that observes a change
	// is stale.
	generation atomic.Uint64

	refreshGroup singleflight.Group
}

// New validates the configuration and constructs a Client.
func New(config Config) (*Client, error) {
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, fmt.Errorf("gotrue.new: %w", errMissingBaseURL)
	}
	baseURL, err := url.Parse(strings.TrimRight(strings.TrimSpace(config.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("gotrue.new.parse_base_url: %w", err)
	}
	if config.Store == nil {
		return nil, fmt.Errorf("gotrue.new: %w", errMissingStore)
	}
	namespace := config.StorageNamespace
	if strings.TrimSpace(namespace) == "" {
		namespace = DefaultStorageNamespace
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	clock := config.Clock
	if clock == nil {
		clock = systemClock{}
	}
	decoder := config.Claims
	if decoder == nil {
		decoder = sessionclaims.New(sessionclaims.Config{Clock: clock})
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	refreshMargin := config.RefreshMargin
	if refreshMargin <= 0 {
		refreshMargin = DefaultRefreshMargin
	}
	return &Client{
		baseURL:       baseURL,
		anonKey:       config.AnonKey,
		httpClient:    httpClient,
		store:         config.Store,
		namespace:     namespace,
		claims:        decoder,
		clock:         clock,
		logger:        logger,
		refreshMargin: refreshMargin,
	}, nil
}

// StorageNamespace returns the key prefix shared by every persisted key.
func (client *Client) StorageNamespace() string {
	return client.namespace
}

// StorageKey returns the key under which the session is persisted.
func (client *Client) StorageKey() string {
	return client.namespace + sessionKeySuffix
}

// GetSession returns the persisted session, refreshing it first when the access token has expired.
func (client *Client) GetSession(ctx context.Context) (*identity.Session, error) {
	session, err := client.loadSession(ctx)
	if err != nil || session == nil {
		return nil, err
	}
	if !session.Expired(client.clock.Now()) {
		return session, nil
	}
	if strings.TrimSpace(session.RefreshToken) == "" {
		client.logger.Info("stored session expired without refresh token",
			zap.String("code", "gotrue.session.expired"),
			zap.String("user_id", session.UserID))
		if removeErr := client.removeSession(ctx); removeErr != nil {
			return nil, removeErr
		}
		return nil, nil
	}
	refreshed, refreshErr := client.exchangeRefreshToken(ctx, session.RefreshToken)
	if refreshErr != nil {
		if client.dropRejectedSession(ctx, refreshErr) {
			return nil, nil
		}
		return nil, refreshErr
	}
	client.emit(identity.EventTokenRefreshed, refreshed)
	return refreshed, nil
}

// SignInWithPassword exchanges email and password for a session.
func (client *Client) SignInWithPassword(ctx context.Context, email string, password string) (identity.AuthResult, error) {
	var response tokenResponse
	query := url.Values{"grant_type": {"password"}}
	if err := client.do(ctx, http.MethodPost, "auth/v1/token", query, passwordGrant{Email: strings.TrimSpace(email), Password: password}, "", nil, &response); err != nil {
		return identity.AuthResult{}, fmt.Errorf("gotrue.sign_in_password: %w", err)
	}
	return client.completeSignIn(ctx, response, "gotrue.sign_in_password")
}

// SignInWithIDToken exchanges a provider-issued ID token for a session.
func (client *Client) SignInWithIDToken(ctx context.Context, params identity.IDTokenParams) (identity.AuthResult, error) {
	var response tokenResponse
	query := url.Values{"grant_type": {"id_token"}}
	grant := idTokenGrant{Provider: params.Provider, IDToken: params.IDToken, Nonce: params.Nonce}
	if err := client.do(ctx, http.MethodPost, "auth/v1/token", query, grant, "", nil, &response); err != nil {
		return identity.AuthResult{}, fmt.Errorf("gotrue.sign_in_id_token: %w", err)
	}
	return client.completeSignIn(ctx, response, "gotrue.sign_in_id_token")
}

// SignUp registers an account. The result carries no session when the backend requires email confirmation.
func (client *Client) SignUp(ctx context.Context, params identity.SignUpParams) (identity.AuthResult, error) {
	var response signUpResponse
	request := signUpRequest{Email: strings.TrimSpace(params.Email), Password: params.Password, Data: params.Metadata}
	if err := client.do(ctx, http.MethodPost, "auth/v1/signup", nil, request, "", nil, &response); err != nil {
		return identity.AuthResult{}, fmt.Errorf("gotrue.sign_up: %w", err)
	}
	user := response.user()
	if strings.TrimSpace(response.AccessToken) == "" {
		return identity.AuthResult{User: user}, nil
	}
	return client.completeSignIn(ctx, response.tokenResponse, "gotrue.sign_up")
}

// SignOut removes the persisted session and, for the global scope, revokes it on the backend. Local
// state is cleared and SIGNED_OUT is emitted even when the backend call fails.
func (client *Client) SignOut(ctx context.Context, scope identity.SignOutScope) error {
	session, loadErr := client.loadSession(ctx)
	if loadErr != nil {
		client.logger.Warn("session load failed during sign-out",
			zap.String("code", "gotrue.sign_out.load"),
			zap.Error(loadErr))
	}
	var backendErr error
	if scope != identity.ScopeLocal && session != nil && strings.TrimSpace(session.AccessToken) != "" {
		query := url.Values{"scope": {string(scope)}}
		backendErr = client.do(ctx, http.MethodPost, "auth/v1/logout", query, nil, session.AccessToken, nil, nil)
		if isGone(backendErr) {
			backendErr = nil
		}
	}
	removeErr := client.removeSession(ctx)
	client.emit(identity.EventSignedOut, nil)
	if backendErr != nil {
		return fmt.Errorf("gotrue.sign_out: %w", backendErr)
	}
	return removeErr
}

// SetSession installs tokens obtained out of band, typically from an OAuth callback.
func (client *Client) SetSession(ctx context.Context, accessToken string, refreshToken string) (*identity.Session, error) {
	accessToken = strings.TrimSpace(accessToken)
	refreshToken = strings.TrimSpace(refreshToken)
	if accessToken == "" {
		return nil, fmt.Errorf("gotrue.set_session: %w", identity.ErrInvalidSession)
	}
	claims, err := client.claims.Decode(accessToken)
	if err != nil {
		return nil, fmt.Errorf("gotrue.set_session: %w: %w", identity.ErrInvalidSession, err)
	}
	now := client.clock.Now()
	expiresAt := claims.GetExpiresAt()
	if !expiresAt.IsZero() && !now.Before(expiresAt) {
		if refreshToken == "" {
			return nil, fmt.Errorf("gotrue.set_session: %w: %w", identity.ErrInvalidSession, sessionclaims.ErrTokenExpired)
		}
		refreshed, refreshErr := client.exchangeRefreshToken(ctx, refreshToken)
		if refreshErr != nil {
			return nil, fmt.Errorf("gotrue.set_session.refresh: %w", refreshErr)
		}
		client.emit(identity.EventSignedIn, refreshed)
		return refreshed, nil
	}

	var user wireUser
	if err := client.do(ctx, http.MethodGet, "auth/v1/user", nil, nil, accessToken, nil, &user); err != nil {
		return nil, fmt.Errorf("gotrue.set_session.user: %w", err)
	}
	identityUser := user.toIdentity()
	if identityUser == nil {
		identityUser = &identity.User{ID: claims.GetUserID(), Email: claims.GetUserEmail(), Metadata: claims.UserMetadata}
	}
	session := &identity.Session{
		UserID:       identityUser.ID,
		Email:        identityUser.Email,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		User:         identityUser,
	}
	if err := client.saveSession(ctx, session); err != nil {
		return nil, err
	}
	client.emit(identity.EventSignedIn, session)
	return session.Clone(), nil
}

// RefreshSession exchanges the persisted refresh token for a new session.
func (client *Client) RefreshSession(ctx context.Context) (*identity.Session, error) {
	session, err := client.loadSession(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil || strings.TrimSpace(session.RefreshToken) == "" {
		return nil, fmt.Errorf("gotrue.refresh: %w", identity.ErrNoSession)
	}
	refreshed, refreshErr := client.exchangeRefreshToken(ctx, session.RefreshToken)
	if refreshErr != nil {
		client.dropRejectedSession(ctx, refreshErr)
		return nil, refreshErr
	}
	client.emit(identity.EventTokenRefreshed, refreshed)
	return refreshed, nil
}

// UpdateUser replaces the user's metadata and emits USER_UPDATED.
func (client *Client) UpdateUser(ctx context.Context, metadata map[string]any) (*identity.User, error) {
	session, err := client.loadSession(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("gotrue.update_user: %w", identity.ErrNoSession)
	}
	var response wireUser
	if err := client.do(ctx, http.MethodPut, "auth/v1/user", nil, userUpdateRequest{Data: metadata}, session.AccessToken, nil, &response); err != nil {
		return nil, fmt.Errorf("gotrue.update_user: %w", err)
	}
	user := response.toIdentity()
	if user == nil {
		return nil, fmt.Errorf("gotrue.update_user: %w", identity.ErrInvalidSession)
	}
	session.User = user
	if user.Email != "" {
		session.Email = user.Email
	}
	if err := client.saveSession(ctx, session); err != nil {
		return nil, err
	}
	client.emit(identity.EventUserUpdated, session)
	updated := *user
	return &updated, nil
}

// AuthorizationURL builds the provider authorization URL served by the backend's OAuth broker.
func (client *Client) AuthorizationURL(ctx context.Context, request identity.OAuthRequest) (string, error) {
	provider := strings.ToLower(strings.TrimSpace(request.Provider))
	if provider == "" {
		return "", fmt.Errorf("gotrue.authorize: %w", errMissingProvider)
	}
	oauthConfig := oauth2.Config{
		Endpoint: oauth2.Endpoint{AuthURL: client.baseURL.JoinPath("auth", "v1", "authorize").String()},
	}
	options := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("provider", provider)}
	if target := strings.TrimSpace(request.RedirectTarget); target != "" {
		options = append(options, oauth2.SetAuthURLParam("redirect_to", target))
	}
	if len(request.Scopes) > 0 {
		options = append(options, oauth2.SetAuthURLParam("scopes", strings.Join(request.Scopes, " ")))
	}
	if prompt := strings.TrimSpace(request.Prompt); prompt != "" {
		options = append(options, oauth2.SetAuthURLParam("prompt", prompt))
	}
	if request.SkipBrowserRedirect {
		options = append(options, oauth2.SetAuthURLParam("skip_http_redirect", "true"))
	}
	return oauthConfig.AuthCodeURL("", options...), nil
}

// AutoRefresh renews the persisted session shortly before it expires until ctx is cancelled.
func (client *Client) AutoRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = client.refreshMargin / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			client.refreshIfDue(ctx)
		}
	}
}

func (client *Client) refreshIfDue(ctx context.Context) {
	session, err := client.loadSession(ctx)
	if err != nil || session == nil || session.ExpiresAt.IsZero() || strings.TrimSpace(session.RefreshToken) == "" {
		return
	}
	if client.clock.Now().Add(client.refreshMargin).Before(session.ExpiresAt) {
		return
	}
	if _, refreshErr := client.RefreshSession(ctx); refreshErr != nil {
		client.logger.Warn("auto refresh failed",
			zap.String("code", "gotrue.auto_refresh.failed"),
			zap.String("user_id", session.UserID),
			zap.Error(refreshErr))
	}
}

func (client *Client) completeSignIn(ctx context.Context, response tokenResponse, operation string) (identity.AuthResult, error) {
	session, err := client.sessionFromToken(response)
	if err != nil {
		return identity.AuthResult{}, fmt.Errorf("%s: %w", operation, err)
	}
	if err := client.saveSession(ctx, session); err != nil {
		return identity.AuthResult{}, err
	}
	client.emit(identity.EventSignedIn, session)
	user := session.Identity()
	return identity.AuthResult{User: &user, Session: session.Clone()}, nil
}

// exchangeRefreshToken collapses concurrent refreshes of the same token into one request.
func (client *Client) exchangeRefreshToken(ctx context.Context, refreshToken string) (*identity.Session, error) {
	sharedCtx := context.WithoutCancel(ctx)
	result, err, _ := client.refreshGroup.Do(refreshToken, func() (interface{}, error) {
		var response tokenResponse
		query := url.Values{"grant_type": {"refresh_token"}}
		if err := client.do(sharedCtx, http.MethodPost, "auth/v1/token", query, refreshGrant{RefreshToken: refreshToken}, "", nil, &response); err != nil {
			return nil, fmt.Errorf("gotrue.refresh: %w", err)
		}
		session, err := client.sessionFromToken(response)
		if err != nil {
			return nil, fmt.Errorf("gotrue.refresh: %w", err)
		}
		if err := client.saveSession(sharedCtx, session); err != nil {
			return nil, err
		}
		return session, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*identity.Session).Clone(), nil
}

// dropRejectedSession clears the persisted session and emits SIGNED_OUT when the backend rejected the
// refresh token. Transport and server failures keep the session for a later attempt.
func (client *Client) dropRejectedSession(ctx context.Context, refreshErr error) bool {
	var backendErr *identity.BackendError
	if !errors.As(refreshErr, &backendErr) || backendErr.Status >= http.StatusInternalServerError {
		return false
	}
	client.logger.Info("refresh token rejected; clearing session",
		zap.String("code", "gotrue.refresh.rejected"),
		zap.Int("status", backendErr.Status),
		zap.String("error_code", backendErr.Code))
	if removeErr := client.removeSession(ctx); removeErr != nil {
		client.logger.Warn("failed to clear rejected session",
			zap.String("code", "gotrue.refresh.clear_failed"),
			zap.Error(removeErr))
	}
	client.emit(identity.EventSignedOut, nil)
	return true
}

func (client *Client) sessionFromToken(response tokenResponse) (*identity.Session, error) {
	accessToken := strings.TrimSpace(response.AccessToken)
	if accessToken == "" {
		return nil, identity.ErrInvalidSession
	}
	var claimsExpiry time.Time
	user := response.User.toIdentity()
	claims, claimsErr := client.claims.Decode(accessToken)
	if claimsErr == nil {
		claimsExpiry = claims.GetExpiresAt()
		if user == nil {
			user = &identity.User{ID: claims.GetUserID(), Email: claims.GetUserEmail(), Metadata: claims.UserMetadata}
		}
	}
	if user == nil {
		return nil, identity.ErrInvalidSession
	}
	return &identity.Session{
		UserID:       user.ID,
		Email:        user.Email,
		AccessToken:  accessToken,
		RefreshToken: response.RefreshToken,
		ExpiresAt:    expiryFrom(response, client.clock.Now(), claimsExpiry),
		User:         user,
	}, nil
}

// accessToken returns the current session's access token, or "" to fall back to the anon key.
func (client *Client) accessToken(ctx context.Context) string {
	session, err := client.loadSession(ctx)
	if err != nil || session == nil {
		return ""
	}
	return session.AccessToken
}

func (client *Client) do(ctx context.Context, method string, path string, query url.Values, payload any, bearer string, headers http.Header, out any) error {
	endpoint := client.baseURL.JoinPath(strings.Split(path, "/")...)
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	if client.anonKey != "" {
		request.Header.Set("apikey", client.anonKey)
	}
	if bearer == "" {
		bearer = client.anonKey
	}
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for key, values := range headers {
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer response.Body.Close()

	data, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return decodeBackendError(response.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func isGone(err error) bool {
	var backendErr *identity.BackendError
	if !errors.As(err, &backendErr) {
		return false
	}
	return backendErr.Status == http.StatusUnauthorized || backendErr.Status == http.StatusNotFound || backendErr.Status == http.StatusForbidden
}
