package web

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauthclient/internal/authsession"
	"go.uber.org/zap"
)

const callbackPage = "callback.html"

// CallbackCompleter installs the tokens carried by a redirect URL. OAuthFlow.HandleCallback satisfies it;
// a native loopback receiver hands the URL to its DeepLinkRouter instead.
type CallbackCompleter func(ctx context.Context, rawURL string) (authsession.Outcome, error)

type fragmentPayload struct {
	Fragment string `json:"fragment"`
}

type callbackResponse struct {
	Outcome  authsession.Outcome `json:"outcome"`
	Redirect string              `json:"redirect"`
	Error    string              `json:"error,omitempty"`
}

// HandleCallbackPage serves GET on the callback route. Query-borne tokens are installed at once and the
// browser is sent home with a 303 so the token URL leaves history; otherwise the page shim strips the
// fragment from history and posts it back.
func HandleCallbackPage(logger *zap.Logger, assets fs.FS, complete CallbackCompleter, homePath string) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if complete == nil {
		panic("callback completer is required")
	}
	return func(contextGin *gin.Context) {
		query := contextGin.Request.URL.Query()
		if query.Get("access_token") == "" && query.Get("error") == "" && query.Get("error_code") == "" {
			ServeEmbeddedPage(contextGin, assets, callbackPage)
			return
		}
		response := completeCallback(contextGin, logger, complete, contextGin.Request.URL.RequestURI(), homePath)
		writeNoStoreHeaders(contextGin)
		contextGin.Redirect(http.StatusSeeOther, response.Redirect)
	}
}

// HandleCallbackFragment serves POST on the callback route with the fragment collected by the page shim.
func HandleCallbackFragment(logger *zap.Logger, complete CallbackCompleter, homePath string) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if complete == nil {
		panic("callback completer is required")
	}
	return func(contextGin *gin.Context) {
		var payload fragmentPayload
		if bindErr := contextGin.ShouldBindJSON(&payload); bindErr != nil {
			logger.Warn("invalid callback fragment payload",
				zap.String("code", "web.callback.invalid_payload"),
				zap.Error(bindErr))
			writeNoStoreHeaders(contextGin)
			contextGin.JSON(http.StatusBadRequest, callbackResponse{Outcome: authsession.OutcomeFailed, Redirect: homePath, Error: "invalid_payload"})
			return
		}
		rawURL := contextGin.Request.URL.Path + "#" + strings.TrimPrefix(payload.Fragment, "#")
		response := completeCallback(contextGin, logger, complete, rawURL, homePath)
		status := http.StatusOK
		if response.Outcome == authsession.OutcomeFailed {
			status = http.StatusBadGateway
		}
		writeNoStoreHeaders(contextGin)
		contextGin.JSON(status, response)
	}
}

func completeCallback(contextGin *gin.Context, logger *zap.Logger, complete CallbackCompleter, rawURL string, homePath string) callbackResponse {
	outcome, err := complete(contextGin.Request.Context(), rawURL)
	response := callbackResponse{Outcome: outcome, Redirect: homePath}
	if err == nil {
		return response
	}
	var providerErr *authsession.ProviderError
	if errors.As(err, &providerErr) {
		response.Error = providerErr.Code
		response.Redirect = withQuery(homePath, "oauth_error", providerErr.Code)
		return response
	}
	logger.Error("oauth callback failed",
		zap.String("code", "web.callback.failed"),
		zap.String("outcome", string(outcome)),
		zap.Error(err))
	response.Outcome = authsession.OutcomeFailed
	response.Error = "callback_failed"
	response.Redirect = withQuery(homePath, "oauth_error", "callback_failed")
	return response
}

func withQuery(path string, key string, value string) string {
	parsed, err := url.Parse(path)
	if err != nil {
		return path
	}
	query := parsed.Query()
	query.Set(key, value)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// OAuthStarter begins provider sign-in.
type OAuthStarter interface {
	SignIn(ctx context.Context, provider string) (authsession.Outcome, error)
}

// HandleOAuthStart redirects the browser to the provider named in the route.
func HandleOAuthStart(logger *zap.Logger, starter OAuthStarter) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if starter == nil {
		panic("oauth starter is required")
	}
	return func(contextGin *gin.Context) {
		provider := strings.TrimSpace(contextGin.Param("provider"))
		navigator := authsession.NavigatorFunc(func(ctx context.Context, target string) error {
			writeNoStoreHeaders(contextGin)
			contextGin.Redirect(http.StatusFound, target)
			return nil
		})
		ctx := authsession.WithNavigator(contextGin.Request.Context(), navigator)
		outcome, err := starter.SignIn(ctx, provider)
		if err != nil {
			logger.Warn("oauth start failed",
				zap.String("code", "web.oauth.start_failed"),
				zap.String("provider", provider),
				zap.Error(err))
			if !contextGin.Writer.Written() {
				contextGin.JSON(http.StatusBadGateway, gin.H{"error": "web.oauth.start_failed"})
			}
			return
		}
		if outcome != authsession.OutcomePending && !contextGin.Writer.Written() {
			contextGin.JSON(http.StatusOK, gin.H{"outcome": outcome})
		}
	}
}
