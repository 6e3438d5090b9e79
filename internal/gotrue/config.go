package gotrue

import (
	"errors"
	"net/http"
	"time"

	"github.com/tyemirov/tauthclient/internal/kvstore"
	"github.com/tyemirov/tauthclient/pkg/sessionclaims"
	"go.uber.org/zap"
)

const (
	// DefaultStorageNamespace prefixes every key the client persists.
	DefaultStorageNamespace = "tauth-"
	// DefaultRefreshMargin is how long before expiry AutoRefresh renews a session.
	DefaultRefreshMargin = time.Minute

	sessionKeySuffix = "auth-token"
	defaultTimeout   = 15 * time.Second
)

var (
	errMissingBaseURL = errors.New("gotrue.config.missing_base_url")
	errMissingStore   = errors.New("gotrue.config.missing_store")
)

// Config configures the backend client.
type Config struct {
	BaseURL          string
	AnonKey          string
	Store            kvstore.Store
	StorageNamespace string
	HTTPClient       *http.Client
	Claims           *sessionclaims.Decoder
	Clock            sessionclaims.Clock
	Logger           *zap.Logger
	RefreshMargin    time.Duration
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
