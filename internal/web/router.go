package web

import (
	"errors"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	errMissingCompleter = errors.New("web.router.missing_completer")
	errMissingAssets    = errors.New("web.router.missing_assets")
)

const (
	requestIDHeader = "X-Request-ID"
	homePage        = "home.html"
)

// RouterConfig selects the routes a client process exposes. Only Complete is required; the loopback
// receiver of a native sign-in mounts nothing else.
type RouterConfig struct {
	Logger       *zap.Logger
	Assets       fs.FS
	CallbackPath string
	HomePath     string
	ServeHome    bool
	Complete     CallbackCompleter
	Starter      OAuthStarter
	Reporter     SessionReporter
	Counters     CounterSnapshotter
	Terminator   SessionTerminator
	IDTokens     IDTokenExchanger
	CORSOrigins  []string
}

// NewRouter builds the gin engine for the callback screen, OAuth start route and session API.
func NewRouter(config RouterConfig) (*gin.Engine, error) {
	if config.Complete == nil {
		return nil, errMissingCompleter
	}
	if config.Assets == nil {
		return nil, errMissingAssets
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	callbackPath := strings.TrimSpace(config.CallbackPath)
	if callbackPath == "" {
		callbackPath = "/auth/callback"
	}
	homePath := strings.TrimSpace(config.HomePath)
	if homePath == "" {
		homePath = "/"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger))
	if len(config.CORSOrigins) > 0 {
		corsMiddleware, corsErr := ConfigureCORS(logger, config.CORSOrigins)
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET(callbackPath, HandleCallbackPage(logger, config.Assets, config.Complete, homePath))
	router.POST(callbackPath, HandleCallbackFragment(logger, config.Complete, homePath))
	if config.ServeHome {
		router.GET(homePath, func(contextGin *gin.Context) {
			ServeEmbeddedPage(contextGin, config.Assets, homePage)
		})
	}
	if config.Starter != nil {
		router.GET("/auth/oauth/:provider", HandleOAuthStart(logger, config.Starter))
	}
	if config.IDTokens != nil {
		router.POST("/auth/nonce", HandleIssueNonce(logger, config.IDTokens))
		router.POST("/auth/idtoken", HandleIDTokenSignIn(logger, config.IDTokens))
	}
	if config.Reporter != nil {
		api := router.Group("/api")
		api.GET("/session", HandleSessionStatus(logger, config.Reporter, config.Counters))
		if config.Terminator != nil {
			api.POST("/signout", HandleSignOut(logger, config.Terminator))
		}
	}
	router.NoRoute(func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusNotFound, gin.H{"error": "web.not_found"})
	})
	return router, nil
}

// RequestLogger tags each request with an id and logs it once finished. Query strings are omitted so
// callback tokens never reach the log.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		requestID := strings.TrimSpace(contextGin.GetHeader(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		contextGin.Header(requestIDHeader, requestID)
		startTime := time.Now()
		contextGin.Next()
		logger.Info("http",
			zap.String("code", "web.request"),
			zap.String("request_id", requestID),
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", time.Since(startTime)),
		)
	}
}
