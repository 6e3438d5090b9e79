package authsession

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/tyemirov/tauthclient/internal/identity"
)

func TestSignOutClearsLocalStateWhenBackendFails(t *testing.T) {
	h := newHarness(t, testConfig())
	h.backend.persisted = validSession("user-1")
	h.seedStorage(t, "tauth-auth-token", "tauth-provider-token", "other-app")
	h.start(t)
	h.backend.signOutErr = errors.New("network unreachable")

	h.coordinator.SignOut(context.Background())

	state := h.coordinator.State()
	if state.Session != nil || state.Profile != nil {
		t.Fatalf("expected cleared state, got %+v", state)
	}
	keys, err := h.store.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"other-app"}) {
		t.Fatalf("expected namespaced keys to be purged, got %v", keys)
	}
	if _, _, scopes := h.backend.counts(); !reflect.DeepEqual(scopes, []identity.SignOutScope{identity.ScopeGlobal}) {
		t.Fatalf("expected a global sign-out, got %v", scopes)
	}
	if purges := h.metrics.Count(MetricStoragePurge); purges != 2 {
		t.Fatalf("expected purge before and after the backend call, got %d", purges)
	}
	if dropped := h.metrics.Count(MetricEventDropped); dropped != 1 {
		t.Fatalf("expected the SIGNED_OUT echo to be dropped, got %d", dropped)
	}
}

func TestSignOutInvalidatesProfileCache(t *testing.T) {
	h := newHarness(t, testConfig())
	h.backend.persisted = validSession("user-1")
	h.start(t)

	h.coordinator.SignOut(context.Background())
	h.coordinator.FetchOrCreateProfile(context.Background(), identity.User{ID: "user-1"})

	if reads, _ := h.profiles.counts(); reads != 2 {
		t.Fatalf("expected cache to be cleared by sign-out, got %d reads", reads)
	}
}

func TestSignOutWithoutSessionIsHarmless(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start(t)

	h.coordinator.SignOut(context.Background())
	h.coordinator.SignOut(context.Background())

	if count := h.metrics.Count(MetricSignOut); count != 2 {
		t.Fatalf("expected both sign-outs to run, got %d", count)
	}
	if session := h.coordinator.State().Session; session != nil {
		t.Fatalf("expected no session")
	}
}
