package authsession

import (
	"strings"
	"time"

	"github.com/tyemirov/tauthclient/internal/identity"
)

const (
	// DefaultStorageNamespace matches the prefix the backend client uses for its keys.
	DefaultStorageNamespace = "tauth-"
	// DefaultFallbackName is the profile name used when identity metadata offers nothing better.
	DefaultFallbackName = "User"

	defaultPostSignOutDrain     = 150 * time.Millisecond
	defaultCredentialRetryDelay = 500 * time.Millisecond
	defaultNativeSessionWait    = 3 * time.Second
	defaultNonceTTL             = 5 * time.Minute
)

// Config holds the coordinator's tunables. Zero delays are honoured as zero so tests run without sleeping;
// use DefaultConfig for production values.
type Config struct {
	StorageNamespace     string
	PostSignOutDrain     time.Duration
	CredentialRetryDelay time.Duration
	NativeSessionWait    time.Duration
	// RetryPredicate decides whether a failed password sign-in is retried once. Defaults to
	// identity.IsInvalidCredentials.
	RetryPredicate      func(error) bool
	SelfAssignableRoles []identity.Role
	FallbackName        string
	GoogleClientID      string
	NonceTTL            time.Duration
}

// DefaultConfig returns production delays and the default role allowlist.
func DefaultConfig() Config {
	return Config{
		StorageNamespace:     DefaultStorageNamespace,
		PostSignOutDrain:     defaultPostSignOutDrain,
		CredentialRetryDelay: defaultCredentialRetryDelay,
		NativeSessionWait:    defaultNativeSessionWait,
		RetryPredicate:       identity.IsInvalidCredentials,
		SelfAssignableRoles:  []identity.Role{identity.RoleClient, identity.RolePendingInstructor},
		FallbackName:         DefaultFallbackName,
		NonceTTL:             defaultNonceTTL,
	}
}

func (config Config) normalized() Config {
	if strings.TrimSpace(config.StorageNamespace) == "" {
		config.StorageNamespace = DefaultStorageNamespace
	}
	if config.RetryPredicate == nil {
		config.RetryPredicate = identity.IsInvalidCredentials
	}
	if config.SelfAssignableRoles == nil {
		config.SelfAssignableRoles = []identity.Role{identity.RoleClient, identity.RolePendingInstructor}
	}
	if strings.TrimSpace(config.FallbackName) == "" {
		config.FallbackName = DefaultFallbackName
	}
	if config.NonceTTL <= 0 {
		config.NonceTTL = defaultNonceTTL
	}
	config.PostSignOutDrain = max(config.PostSignOutDrain, 0)
	config.CredentialRetryDelay = max(config.CredentialRetryDelay, 0)
	config.NativeSessionWait = max(config.NativeSessionWait, 0)
	return config
}

func (config Config) selfAssignable(role identity.Role) bool {
	for _, allowed := range config.SelfAssignableRoles {
		if allowed == role {
			return true
		}
	}
	return false
}
