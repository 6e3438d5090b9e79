package authsession

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/tyemirov/tauthclient/internal/identity"
	"github.com/tyemirov/tauthclient/internal/kvstore"
	"google.golang.org/api/idtoken"
)

var errInvalidLogin = &identity.BackendError{Status: http.StatusBadRequest, Code: "invalid_credentials", Message: "Invalid login credentials"}

func validSession(userID string) *identity.Session {
	return &identity.Session{
		UserID:       userID,
		Email:        userID + "@example.com",
		AccessToken:  "access-" + userID,
		RefreshToken: "refresh-" + userID,
		User:         &identity.User{ID: userID, Email: userID + "@example.com"},
	}
}

type fakeBackend struct {
	mutex sync.Mutex

	persisted     *identity.Session
	getSessionErr error

	signIn       func(attempt int) (identity.AuthResult, error)
	signInCalls  int
	signUpResult identity.AuthResult
	signUpErr    error
	signUps      []identity.SignUpParams
	idTokenCalls []identity.IDTokenParams

	signOutErr    error
	signOutScopes []identity.SignOutScope

	setSession      func(accessToken string, refreshToken string) (*identity.Session, error)
	setSessionCalls int

	updateUserErr   error
	updatedMetadata []map[string]any

	authRequests []identity.OAuthRequest

	handlers    map[int]identity.EventHandler
	nextHandler int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{handlers: make(map[int]identity.EventHandler)}
}

func (backend *fakeBackend) GetSession(context.Context) (*identity.Session, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	return backend.persisted.Clone(), backend.getSessionErr
}

func (backend *fakeBackend) SignInWithPassword(ctx context.Context, email string, password string) (identity.AuthResult, error) {
	backend.mutex.Lock()
	backend.signInCalls++
	attempt := backend.signInCalls
	signIn := backend.signIn
	backend.mutex.Unlock()
	if signIn == nil {
		return identity.AuthResult{}, errInvalidLogin
	}
	return signIn(attempt)
}

func (backend *fakeBackend) SignInWithIDToken(ctx context.Context, params identity.IDTokenParams) (identity.AuthResult, error) {
	backend.mutex.Lock()
	backend.idTokenCalls = append(backend.idTokenCalls, params)
	backend.mutex.Unlock()
	session := validSession("user-google")
	return identity.AuthResult{User: session.User, Session: session}, nil
}

func (backend *fakeBackend) SignUp(ctx context.Context, params identity.SignUpParams) (identity.AuthResult, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.signUps = append(backend.signUps, params)
	return backend.signUpResult, backend.signUpErr
}

func (backend *fakeBackend) SignOut(ctx context.Context, scope identity.SignOutScope) error {
	backend.mutex.Lock()
	backend.signOutScopes = append(backend.signOutScopes, scope)
	backend.persisted = nil
	err := backend.signOutErr
	backend.mutex.Unlock()
	backend.emit(identity.Event{Kind: identity.EventSignedOut})
	return err
}

func (backend *fakeBackend) SetSession(ctx context.Context, accessToken string, refreshToken string) (*identity.Session, error) {
	backend.mutex.Lock()
	backend.setSessionCalls++
	setSession := backend.setSession
	backend.mutex.Unlock()
	if setSession != nil {
		return setSession(accessToken, refreshToken)
	}
	session := validSession("user-oauth")
	session.AccessToken = accessToken
	session.RefreshToken = refreshToken
	return session, nil
}

func (backend *fakeBackend) RefreshSession(context.Context) (*identity.Session, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	if backend.persisted == nil {
		return nil, identity.ErrNoSession
	}
	return backend.persisted.Clone(), nil
}

func (backend *fakeBackend) UpdateUser(ctx context.Context, metadata map[string]any) (*identity.User, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.updatedMetadata = append(backend.updatedMetadata, metadata)
	if backend.updateUserErr != nil {
		return nil, backend.updateUserErr
	}
	return &identity.User{Metadata: metadata}, nil
}

func (backend *fakeBackend) AuthorizationURL(ctx context.Context, request identity.OAuthRequest) (string, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.authRequests = append(backend.authRequests, request)
	return "https://backend.example/auth/v1/authorize?provider=" + request.Provider, nil
}

func (backend *fakeBackend) OnAuthStateChange(handler identity.EventHandler) func() {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.nextHandler++
	id := backend.nextHandler
	backend.handlers[id] = handler
	return func() {
		backend.mutex.Lock()
		defer backend.mutex.Unlock()
		delete(backend.handlers, id)
	}
}

func (backend *fakeBackend) emit(event identity.Event) {
	backend.mutex.Lock()
	handlers := make([]identity.EventHandler, 0, len(backend.handlers))
	for _, handler := range backend.handlers {
		handlers = append(handlers, handler)
	}
	backend.mutex.Unlock()
	for _, handler := range handlers {
		handler(event)
	}
}

func (backend *fakeBackend) counts() (signIns int, setSessions int, scopes []identity.SignOutScope) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	return backend.signInCalls, backend.setSessionCalls, append([]identity.SignOutScope(nil), backend.signOutScopes...)
}

type fakeProfiles struct {
	mutex     sync.Mutex
	rows      map[string]identity.Profile
	reads     int
	inserts   int
	updates   int
	readErr   error
	readGate  chan struct{}
	afterRead func(read int)
	lastWrite identity.Profile
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{rows: make(map[string]identity.Profile)}
}

func (profiles *fakeProfiles) GetProfile(ctx context.Context, userID string) (identity.Profile, error) {
	profiles.mutex.Lock()
	profiles.reads++
	read := profiles.reads
	gate := profiles.readGate
	profiles.mutex.Unlock()
	if gate != nil {
		<-gate
	}
	profiles.mutex.Lock()
	afterRead := profiles.afterRead
	readErr := profiles.readErr
	profile, ok := profiles.rows[userID]
	profiles.mutex.Unlock()
	if afterRead != nil {
		afterRead(read)
	}
	if readErr != nil {
		return identity.Profile{}, readErr
	}
	if !ok {
		return identity.Profile{}, identity.ErrProfileNotFound
	}
	return profile, nil
}

func (profiles *fakeProfiles) InsertProfile(ctx context.Context, profile identity.Profile) (identity.Profile, error) {
	profiles.mutex.Lock()
	defer profiles.mutex.Unlock()
	profiles.inserts++
	if _, exists := profiles.rows[profile.ID]; exists {
		return identity.Profile{}, identity.ErrProfileExists
	}
	profiles.rows[profile.ID] = profile
	profiles.lastWrite = profile
	return profile, nil
}

func (profiles *fakeProfiles) UpdateProfile(ctx context.Context, userID string, update identity.ProfileUpdate) (identity.Profile, error) {
	profiles.mutex.Lock()
	defer profiles.mutex.Unlock()
	profiles.updates++
	profile, ok := profiles.rows[userID]
	if !ok {
		return identity.Profile{}, identity.ErrProfileNotFound
	}
	if update.FullName != nil {
		profile.FullName = *update.FullName
	}
	if update.Role != nil {
		profile.Role = *update.Role
	}
	profiles.rows[userID] = profile
	profiles.lastWrite = profile
	return profile, nil
}

func (profiles *fakeProfiles) counts() (reads int, inserts int) {
	profiles.mutex.Lock()
	defer profiles.mutex.Unlock()
	return profiles.reads, profiles.inserts
}

func (profiles *fakeProfiles) setAfterRead(hook func(read int)) {
	profiles.mutex.Lock()
	defer profiles.mutex.Unlock()
	profiles.afterRead = hook
}

func (profiles *fakeProfiles) put(profile identity.Profile) {
	profiles.mutex.Lock()
	defer profiles.mutex.Unlock()
	profiles.rows[profile.ID] = profile
}

type fakeValidator struct {
	claims map[string]interface{}
	err    error
}

func (validator fakeValidator) Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error) {
	if validator.err != nil {
		return nil, validator.err
	}
	return &idtoken.Payload{Audience: audience, Claims: validator.claims}, nil
}

type harness struct {
	coordinator *Coordinator
	backend     *fakeBackend
	profiles    *fakeProfiles
	store       *kvstore.MemoryStore
	metrics     *CounterMetrics
}

func testConfig() Config {
	config := DefaultConfig()
	config.PostSignOutDrain = 0
	config.CredentialRetryDelay = 0
	config.NativeSessionWait = 0
	return config
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	backend := newFakeBackend()
	profiles := newFakeProfiles()
	store := kvstore.NewMemoryStore()
	metrics := NewCounterMetrics()
	coordinator, err := NewCoordinator(Dependencies{
		Backend:  backend,
		Profiles: profiles,
		Store:    store,
		Metrics:  metrics,
	}, config)
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	t.Cleanup(coordinator.Close)
	return &harness{coordinator: coordinator, backend: backend, profiles: profiles, store: store, metrics: metrics}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.coordinator.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
}

func (h *harness) seedStorage(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		if err := h.store.Set(context.Background(), key, "value"); err != nil {
			t.Fatalf("seed storage: %v", err)
		}
	}
}
