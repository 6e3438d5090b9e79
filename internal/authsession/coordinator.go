// Package authsession coordinates the client-side authentication session: it tracks the current session,
// reconciles it with the user's profile, reacts to backend auth events, and drives the credential, sign-out
// and OAuth flows.
package authsession

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tyemirov/tauthclient/internal/identity"
	"github.com/tyemirov/tauthclient/internal/kvstore"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/idtoken"
)

// Phase is the listener lifecycle: UNINITIALIZED → INITIALIZING → READY.
type Phase string

const (
	PhaseUninitialized Phase = "UNINITIALIZED"
	PhaseInitializing  Phase = "INITIALIZING"
	PhaseReady         Phase = "READY"
)

// State is an immutable snapshot of the session store.
type State struct {
	Session *identity.Session `json:"session"`
	Profile *identity.Profile `json:"profile"`
	Loading bool              `json:"loading"`
	Phase   Phase             `json:"phase"`
}

// IDTokenValidator validates provider ID tokens; *idtoken.Validator satisfies it.
type IDTokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// Dependencies are the collaborators of a Coordinator. Backend, Profiles and Store are required.
type Dependencies struct {
	Backend  identity.Backend
	Profiles identity.ProfileTable
	Store    kvstore.Store
	Logger   *zap.Logger
	Metrics  MetricsRecorder
	IDTokens IDTokenValidator
	Nonces   NonceStore
}

// Coordinator owns the session store, profile cache and pending-fetch registry of one client.
type Coordinator struct {
	backend  identity.Backend
	profiles identity.ProfileTable
	store    kvstore.Store
	logger   *zap.Logger
	metrics  MetricsRecorder
	idTokens IDTokenValidator
	nonces   NonceStore
	config   Config

	mutex          sync.Mutex
	session        *identity.Session
	profile        *identity.Profile
	loading        bool
	phase          Phase
	initComplete   bool
	closed         bool
	cache          map[string]identity.Profile
	cacheEpoch     uint64
	sessionEpoch   uint64
	readyEpoch     uint64
	changed        chan struct{}
	observers      map[uint64]func(State)
	nextObserverID uint64
	unsubscribe    func()

	signingOut atomic.Int32
	pending    singleflight.Group
}

// NewCoordinator wires a coordinator. It does nothing until Start.
func NewCoordinator(dependencies Dependencies, config Config) (*Coordinator, error) {
	if dependencies.Backend == nil {
		return nil, errMissingBackend
	}
	if dependencies.Profiles == nil {
		return nil, errMissingProfiles
	}
	if dependencies.Store == nil {
		return nil, errMissingStore
	}
	config = config.normalized()
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics MetricsRecorder = noopMetrics{}
	if dependencies.Metrics != nil {
		metrics = dependencies.Metrics
	}
	nonces := dependencies.Nonces
	if nonces == nil {
		nonces = NewMemoryNonceStore(config.NonceTTL)
	}
	return &Coordinator{
		backend:   dependencies.Backend,
		profiles:  dependencies.Profiles,
		store:     dependencies.Store,
		logger:    logger,
		metrics:   metrics,
		idTokens:  dependencies.IDTokens,
		nonces:    nonces,
		config:    config,
		loading:   true,
		phase:     PhaseUninitialized,
		cache:     make(map[string]identity.Profile),
		changed:   make(chan struct{}),
		observers: make(map[uint64]func(State)),
	}, nil
}

// Start subscribes to backend events, discovers the persisted session once and opens the event gate.
func (coordinator *Coordinator) Start(ctx context.Context) error {
	coordinator.mutex.Lock()
	if coordinator.closed {
		coordinator.mutex.Unlock()
		return ErrCoordinatorClosed
	}
	if coordinator.phase != PhaseUninitialized {
		coordinator.mutex.Unlock()
		return errAlreadyStarted
	}
	coordinator.phase = PhaseInitializing
	coordinator.mutex.Unlock()

	unsubscribe := coordinator.backend.OnAuthStateChange(func(event identity.Event) {
		coordinator.HandleEvent(context.Background(), event)
	})
	coordinator.mutex.Lock()
	if coordinator.closed {
		coordinator.mutex.Unlock()
		unsubscribe()
		return ErrCoordinatorClosed
	}
	coordinator.unsubscribe = unsubscribe
	coordinator.mutex.Unlock()

	session, err := coordinator.backend.GetSession(ctx)
	if err != nil {
		coordinator.logger.Warn("session discovery failed",
			zap.String("code", "authsession.start.get_session"),
			zap.Error(err))
		session = nil
	}
	if session.Valid() {
		coordinator.setSession(session)
		coordinator.resolveProfile(ctx, session.Identity(), profileSeed{})
	} else {
		if session != nil {
			coordinator.logger.Warn("persisted session is incomplete",
				zap.String("code", "authsession.start.invalid_session"))
		}
		coordinator.setSession(nil)
	}

	coordinator.update(func() bool {
		coordinator.loading = false
		coordinator.initComplete = true
		coordinator.phase = PhaseReady
		coordinator.readyEpoch = coordinator.sessionEpoch
		return true
	})
	coordinator.logger.Info("session coordinator ready",
		zap.String("code", "authsession.start.ready"),
		zap.Bool("signed_in", session.Valid()))
	return nil
}

// Close unsubscribes from the backend. Later state writes are discarded; in-flight calls are not cancelled.
func (coordinator *Coordinator) Close() {
	coordinator.mutex.Lock()
	if coordinator.closed {
		coordinator.mutex.Unlock()
		return
	}
	coordinator.closed = true
	unsubscribe := coordinator.unsubscribe
	coordinator.unsubscribe = nil
	close(coordinator.changed)
	coordinator.changed = make(chan struct{})
	coordinator.mutex.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// State returns the current snapshot.
func (coordinator *Coordinator) State() State {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	return coordinator.stateLocked()
}

// Subscribe registers an observer called after every state change, outside the state lock.
func (coordinator *Coordinator) Subscribe(observer func(State)) func() {
	coordinator.mutex.Lock()
	coordinator.nextObserverID++
	id := coordinator.nextObserverID
	coordinator.observers[id] = observer
	coordinator.mutex.Unlock()
	return func() {
		coordinator.mutex.Lock()
		defer coordinator.mutex.Unlock()
		delete(coordinator.observers, id)
	}
}

// WaitForSession blocks until a session is present, the timeout elapses, ctx ends or the coordinator closes.
func (coordinator *Coordinator) WaitForSession(ctx context.Context, timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		coordinator.mutex.Lock()
		present := coordinator.session.Valid()
		closed := coordinator.closed
		changed := coordinator.changed
		coordinator.mutex.Unlock()
		if present {
			return true
		}
		if closed || timeout <= 0 {
			return false
		}
		select {
		case <-changed:
		case <-expired:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Config returns the normalized configuration.
func (coordinator *Coordinator) Config() Config {
	return coordinator.config
}

func (coordinator *Coordinator) stateLocked() State {
	var profile *identity.Profile
	if coordinator.profile != nil {
		copied := *coordinator.profile
		profile = &copied
	}
	return State{
		Session: coordinator.session.Clone(),
		Profile: profile,
		Loading: coordinator.loading,
		Phase:   coordinator.phase,
	}
}

// update applies mutate under the state lock and, when it reports a change, wakes waiters and notifies
// observers. Writes after Close are discarded.
func (coordinator *Coordinator) update(mutate func() bool) bool {
	coordinator.mutex.Lock()
	if coordinator.closed || !mutate() {
		coordinator.mutex.Unlock()
		return false
	}
	snapshot := coordinator.stateLocked()
	observers := make([]func(State), 0, len(coordinator.observers))
	for _, observer := range coordinator.observers {
		observers = append(observers, observer)
	}
	close(coordinator.changed)
	coordinator.changed = make(chan struct{})
	coordinator.mutex.Unlock()

	for _, observer := range observers {
		observer(snapshot)
	}
	return true
}

// setSession replaces the session wholesale. The profile survives only while it belongs to the same user.
func (coordinator *Coordinator) setSession(session *identity.Session) {
	coordinator.update(func() bool {
		coordinator.assignSessionLocked(session)
		return true
	})
}

// setSessionIfCurrent installs session only when no session change happened since epoch was read.
func (coordinator *Coordinator) setSessionIfCurrent(session *identity.Session, epoch uint64) bool {
	return coordinator.update(func() bool {
		if coordinator.sessionEpoch != epoch {
			return false
		}
		coordinator.assignSessionLocked(session)
		return true
	})
}

func (coordinator *Coordinator) assignSessionLocked(session *identity.Session) {
	coordinator.session = session.Clone()
	coordinator.sessionEpoch++
	if coordinator.session == nil || (coordinator.profile != nil && coordinator.profile.ID != coordinator.session.UserID) {
		coordinator.profile = nil
	}
}

func (coordinator *Coordinator) setLoading(loading bool) {
	coordinator.update(func() bool {
		if coordinator.loading == loading {
			return false
		}
		coordinator.loading = loading
		return true
	})
}

// applyProfile installs a profile only if its user is still the current one.
func (coordinator *Coordinator) applyProfile(userID string, profile *identity.Profile) {
	coordinator.applyProfileIf(userID, profile, func() bool { return true })
}

// applyResolved installs a resolver result unless a sign-out or invalidation happened since cacheEpoch
// was read.
func (coordinator *Coordinator) applyResolved(userID string, profile *identity.Profile, cacheEpoch uint64) {
	coordinator.applyProfileIf(userID, profile, func() bool { return coordinator.cacheEpoch == cacheEpoch })
}

func (coordinator *Coordinator) applyProfileIf(userID string, profile *identity.Profile, current func() bool) {
	coordinator.update(func() bool {
		if coordinator.session == nil || coordinator.session.UserID != userID || !current() {
			return false
		}
		if profile == nil {
			coordinator.profile = nil
			return true
		}
		copied := *profile
		coordinator.profile = &copied
		return true
	})
}

// clearLocal nulls session, profile and cache in one step and reports whether a session was present.
func (coordinator *Coordinator) clearLocal() bool {
	hadSession := false
	coordinator.update(func() bool {
		hadSession = coordinator.session != nil
		coordinator.session = nil
		coordinator.sessionEpoch++
		coordinator.profile = nil
		coordinator.cache = make(map[string]identity.Profile)
		coordinator.cacheEpoch++
		return true
	})
	return hadSession
}

func (coordinator *Coordinator) currentSession() *identity.Session {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	return coordinator.session.Clone()
}

func (coordinator *Coordinator) ensureOpen() error {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	if coordinator.closed {
		return ErrCoordinatorClosed
	}
	return nil
}

// establish installs a valid session and resolves its profile, showing the loading flag when asked.
func (coordinator *Coordinator) establish(ctx context.Context, session *identity.Session, seed profileSeed, showLoading bool) {
	if showLoading {
		coordinator.setLoading(true)
		defer coordinator.setLoading(false)
	}
	coordinator.setSession(session)
	coordinator.resolveProfile(ctx, session.Identity(), seed)
}

// purgeNamespace removes every backend-owned key from the shared store.
func (coordinator *Coordinator) purgeNamespace(ctx context.Context) {
	coordinator.metrics.Increment(MetricStoragePurge)
	removed, err := kvstore.PurgePrefix(ctx, coordinator.store, coordinator.config.StorageNamespace)
	if err != nil {
		coordinator.logger.Warn("storage purge failed",
			zap.String("code", "authsession.storage.purge_failed"),
			zap.String("namespace", coordinator.config.StorageNamespace),
			zap.Error(err))
		return
	}
	coordinator.logger.Debug("storage purged",
		zap.String("code", "authsession.storage.purge"),
		zap.String("namespace", coordinator.config.StorageNamespace),
		zap.Int("removed", removed))
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
