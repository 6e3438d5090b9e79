package authsession

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tyemirov/tauthclient/internal/gotrue"
	"github.com/tyemirov/tauthclient/internal/identity"
	"github.com/tyemirov/tauthclient/internal/kvstore"
)

func TestInitialSessionAfterSignOutIsDropped(t *testing.T) {
	h := newHarness(t, testConfig())
	h.backend.persisted = validSession("user-1")
	h.start(t)

	h.coordinator.SignOut(context.Background())
	h.coordinator.HandleEvent(context.Background(), identity.Event{Kind: identity.EventInitialSession, Session: validSession("user-1")})

	if state := h.coordinator.State(); state.Session != nil || state.Profile != nil {
		t.Fatalf("expected replayed session to stay signed out, got %+v", state)
	}
}

func TestInitialSessionAfterSignInKeepsNewSession(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)

	h.coordinator.HandleEvent(context.Background(), identity.Event{Kind: identity.EventSignedIn, Session: validSession("user-2")})
	h.coordinator.HandleEvent(context.Background(), identity.Event{Kind: identity.EventInitialSession, Session: validSession("user-1")})

	if session := h.coordinator.State().Session; session == nil || session.UserID != "user-2" {
		t.Fatalf("expected user-2 to remain signed in, got %+v", session)
	}
}

type readyContextKey struct{}

// replayHoldingStore pauses the first Get made outside the test's marked context, after it has read
// the value, until release is closed.
type replayHoldingStore struct {
	*kvstore.MemoryStore
	held    atomic.Bool
	reading chan struct{}
	release chan struct{}
}

func (store *replayHoldingStore) Get(ctx context.Context, key string) (string, error) {
	value, err := store.MemoryStore.Get(ctx, key)
	if ctx.Value(readyContextKey{}) == nil && store.held.CompareAndSwap(false, true) {
		close(store.reading)
		<-store.release
	}
	return value, err
}

func TestSignOutBeforeInitialSessionReplayStaysSignedOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	store := &replayHoldingStore{MemoryStore: kvstore.NewMemoryStore(), reading: make(chan struct{}), release: make(chan struct{})}
	backend, err := gotrue.New(gotrue.Config{BaseURL: server.URL, AnonKey: "anon", Store: store})
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	encoded, err := json.Marshal(validSession("user-1"))
	if err != nil {
		t.Fatalf("encode session: %v", err)
	}
	if err := store.MemoryStore.Set(context.Background(), backend.StorageKey(), string(encoded)); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	profiles := newFakeProfiles()
	coordinator, err := NewCoordinator(Dependencies{Backend: backend, Profiles: profiles, Store: store}, testConfig())
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	defer coordinator.Close()

	ctx := context.WithValue(context.Background(), readyContextKey{}, true)
	if err := coordinator.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if session := coordinator.State().Session; session == nil || session.UserID != "user-1" {
		t.Fatalf("expected persisted session after start, got %+v", session)
	}

	<-store.reading
	coordinator.SignOut(ctx)
	close(store.release)

	if coordinator.WaitForSession(ctx, 100*time.Millisecond) {
		t.Fatalf("session %q came back after sign-out", coordinator.State().Session.UserID)
	}
	if _, err := store.MemoryStore.Get(context.Background(), backend.StorageKey()); err == nil {
		t.Fatalf("expected persisted session to be removed")
	}
}

func TestOverlappingUserUpdatesInstallLatestProfile(t *testing.T) {
	h := newHarness(t, testConfig())
	h.backend.persisted = validSession("user-1")
	h.profiles.put(identity.Profile{ID: "user-1", FullName: "User One", Role: identity.RoleClient})
	h.start(t)

	snapshotTaken := make(chan struct{})
	release := make(chan struct{})
	h.profiles.setAfterRead(func(read int) {
		if read == 2 {
			close(snapshotTaken)
			<-release
		}
	})

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		h.coordinator.HandleEvent(context.Background(), identity.Event{Kind: identity.EventUserUpdated, Session: validSession("user-1")})
	}()
	<-snapshotTaken

	h.profiles.put(identity.Profile{ID: "user-1", FullName: "User One", Role: identity.RoleInstructor})
	h.coordinator.HandleEvent(context.Background(), identity.Event{Kind: identity.EventUserUpdated, Session: validSession("user-1")})
	close(release)
	<-firstDone

	if reads, _ := h.profiles.counts(); reads != 3 {
		t.Fatalf("expected the second update to read the table again, got %d reads", reads)
	}
	if profile := h.coordinator.State().Profile; profile == nil || profile.Role != identity.RoleInstructor {
		t.Fatalf("expected instructor profile, got %+v", profile)
	}
	cached := h.coordinator.FetchOrCreateProfile(context.Background(), identity.User{ID: "user-1"})
	if cached == nil || cached.Role != identity.RoleInstructor {
		t.Fatalf("expected cache to hold the instructor row, got %+v", cached)
	}
	if reads, _ := h.profiles.counts(); reads != 3 {
		t.Fatalf("expected cache hit, got %d reads", reads)
	}
}
