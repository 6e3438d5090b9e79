package web

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("web.cors.wildcard_origin")
	errEmptyAllowedOrigins = errors.New("web.cors.empty_origins")
	errInvalidOrigin       = errors.New("web.cors.invalid_origin")
)

// ServeEmbeddedPage writes an embedded HTML page. Pages on the auth path may see token material in their
// URL, so they are never cached and never leak a referrer.
func ServeEmbeddedPage(contextGin *gin.Context, filesystem fs.FS, path string) {
	data, readErr := fs.ReadFile(filesystem, path)
	if readErr != nil {
		contextGin.AbortWithStatus(http.StatusNotFound)
		return
	}
	writeNoStoreHeaders(contextGin)
	contextGin.Header("X-Content-Type-Options", "nosniff")
	contextGin.Data(http.StatusOK, "text/html; charset=utf-8", data)
}

func writeNoStoreHeaders(contextGin *gin.Context) {
	contextGin.Header("Cache-Control", "no-store")
	contextGin.Header("Pragma", "no-cache")
	contextGin.Header("Referrer-Policy", "no-referrer")
}

// ConfigureCORS lets a UI served from another origin read the session API and post to the sign-in
// routes. Plain-http origins other than loopback are accepted with a warning.
func ConfigureCORS(logger *zap.Logger, origins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed, err := allowedOrigins(origins)
	if err != nil {
		return nil, err
	}
	for _, origin := range allowed {
		if origin.insecure {
			logger.Warn("cors origin is plain http and not loopback",
				zap.String("code", "web.cors.origin_unsafe"),
				zap.String("origin", origin.value))
		}
	}
	values := make([]string, len(allowed))
	for index, origin := range allowed {
		values[index] = origin.value
	}
	return cors.New(cors.Config{
		AllowOrigins:  values,
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{"Content-Type", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader},
		MaxAge:        time.Hour,
	}), nil
}

type corsOrigin struct {
	value    string
	insecure bool
}

// allowedOrigins normalizes scheme://host entries in configuration order, dropping blanks and repeats.
func allowedOrigins(origins []string) ([]corsOrigin, error) {
	var allowed []corsOrigin
	for _, raw := range origins {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		origin, err := parseOrigin(entry)
		if err != nil {
			return nil, err
		}
		if !slices.ContainsFunc(allowed, func(existing corsOrigin) bool { return existing.value == origin.value }) {
			allowed = append(allowed, origin)
		}
	}
	if len(allowed) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	return allowed, nil
}

func parseOrigin(entry string) (corsOrigin, error) {
	if entry == "*" {
		return corsOrigin{}, errWildcardOrigin
	}
	parsed, err := url.Parse(entry)
	if err != nil || parsed.Host == "" {
		return corsOrigin{}, fmt.Errorf("%w: %s", errInvalidOrigin, entry)
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch {
	case scheme != "http" && scheme != "https":
		return corsOrigin{}, fmt.Errorf("%w: %s: scheme must be http or https", errInvalidOrigin, entry)
	case strings.Trim(parsed.Path, "/") != "" || parsed.RawQuery != "" || parsed.Fragment != "":
		return corsOrigin{}, fmt.Errorf("%w: %s: expected scheme://host[:port]", errInvalidOrigin, entry)
	}
	host := strings.ToLower(parsed.Host)
	loopback := parsed.Hostname() == "localhost"
	if ip := net.ParseIP(parsed.Hostname()); ip != nil {
		loopback = ip.IsLoopback()
	}
	return corsOrigin{value: scheme + "://" + host, insecure: scheme == "http" && !loopback}, nil
}
