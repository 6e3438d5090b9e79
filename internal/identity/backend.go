package identity

import "context"

// SignOutScope selects how far a sign-out reaches.
type SignOutScope string

const (
	// ScopeLocal clears the client's persisted session without contacting the backend.
	ScopeLocal SignOutScope = "local"
	// ScopeGlobal revokes the session on the backend as well.
	ScopeGlobal SignOutScope = "global"
)

// AuthResult is returned by credential operations. Session is nil when the backend requires a
// confirmation step before issuing tokens.
type AuthResult struct {
	User    *User
	Session *Session
}

// SignUpParams registers a new account; Metadata is stored as identity metadata.
type SignUpParams struct {
	Email    string
	Password string
	Metadata map[string]any
}

// IDTokenParams exchanges a provider-issued ID token for a session.
type IDTokenParams struct {
	Provider string
	IDToken  string
	Nonce    string
}

// OAuthRequest asks the backend for a provider authorization URL.
type OAuthRequest struct {
	Provider            string
	RedirectTarget      string
	Prompt              string
	Scopes              []string
	SkipBrowserRedirect bool
}

// Backend is the identity backend contract consumed by the coordinator.
type Backend interface {
	// GetSession returns the persisted session or nil when none exists.
	GetSession(ctx context.Context) (*Session, error)
	SignInWithPassword(ctx context.Context, email string, password string) (AuthResult, error)
	SignInWithIDToken(ctx context.Context, params IDTokenParams) (AuthResult, error)
	SignUp(ctx context.Context, params SignUpParams) (AuthResult, error)
	SignOut(ctx context.Context, scope SignOutScope) error
	// SetSession installs externally obtained tokens (OAuth callbacks) as the current session.
	SetSession(ctx context.Context, accessToken string, refreshToken string) (*Session, error)
	RefreshSession(ctx context.Context) (*Session, error)
	UpdateUser(ctx context.Context, metadata map[string]any) (*User, error)
	AuthorizationURL(ctx context.Context, request OAuthRequest) (string, error)
	// OnAuthStateChange registers a handler and returns its unsubscribe function.
	OnAuthStateChange(handler EventHandler) (unsubscribe func())
}

// ProfileTable is the profile row contract: read by id, insert, update.
type ProfileTable interface {
	// GetProfile returns ErrProfileNotFound when no row exists.
	GetProfile(ctx context.Context, userID string) (Profile, error)
	// InsertProfile returns ErrProfileExists when the row already exists.
	InsertProfile(ctx context.Context, profile Profile) (Profile, error)
	UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (Profile, error)
}
