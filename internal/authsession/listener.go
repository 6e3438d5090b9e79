package authsession

import (
	"context"

	"github.com/tyemirov/tauthclient/internal/identity"
	"go.uber.org/zap"
)

// HandleEvent applies one backend auth event. Events are dropped before READY and while an explicit
// sign-out is in flight; every branch is idempotent.
func (coordinator *Coordinator) HandleEvent(ctx context.Context, event identity.Event) {
	if !event.Kind.Known() {
		coordinator.drop(event, "unknown_kind")
		return
	}
	coordinator.mutex.Lock()
	phase := coordinator.phase
	gateOpen := coordinator.initComplete
	readyEpoch := coordinator.readyEpoch
	closed := coordinator.closed
	coordinator.mutex.Unlock()

	switch {
	case closed:
		coordinator.drop(event, "closed")
		return
	case phase != PhaseReady:
		coordinator.drop(event, "not_ready")
		return
	case coordinator.signingOut.Load() > 0:
		coordinator.drop(event, "signing_out")
		return
	}
	coordinator.metrics.Increment(MetricEventHandled)

	switch event.Kind {
	case identity.EventSignedOut:
		coordinator.handleSignedOut(ctx)
	case identity.EventInitialSession:
		if !gateOpen {
			coordinator.drop(event, "init_gate_closed")
			return
		}
		if event.Session == nil {
			return
		}
		coordinator.handleInitialSession(ctx, event, readyEpoch)
	case identity.EventSignedIn:
		coordinator.handleSignedIn(ctx, event.Session, true)
	case identity.EventTokenRefreshed:
		coordinator.handleTokenRefreshed(event.Session)
	case identity.EventUserUpdated:
		coordinator.handleUserUpdated(ctx, event.Session)
	}
}

func (coordinator *Coordinator) drop(event identity.Event, reason string) {
	coordinator.metrics.Increment(MetricEventDropped)
	coordinator.logger.Debug("auth event dropped",
		zap.String("code", "authsession.listener.dropped"),
		zap.String("event", string(event.Kind)),
		zap.String("reason", reason))
}

func (coordinator *Coordinator) handleSignedOut(ctx context.Context) {
	if coordinator.currentSession() == nil {
		return
	}
	if !coordinator.clearLocal() {
		return
	}
	coordinator.purgeNamespace(ctx)
}

func (coordinator *Coordinator) handleSignedIn(ctx context.Context, session *identity.Session, showLoading bool) {
	if !session.Valid() {
		coordinator.logger.Warn("malformed session payload; forcing local sign-out",
			zap.String("code", "authsession.listener.invalid_session"))
		coordinator.metrics.Increment(MetricForcedSignOut)
		coordinator.clearLocal()
		if err := coordinator.backend.SignOut(ctx, identity.ScopeLocal); err != nil {
			coordinator.logger.Warn("forced local sign-out failed",
				zap.String("code", "authsession.listener.forced_signout_failed"),
				zap.Error(err))
		}
		return
	}
	coordinator.establish(ctx, session, profileSeed{}, showLoading)
}

// handleInitialSession treats the replayed session like SIGNED_IN, unless the session changed after Start
// discovered it: a sign-out, sign-in or refresh since then supersedes the replay.
func (coordinator *Coordinator) handleInitialSession(ctx context.Context, event identity.Event, readyEpoch uint64) {
	coordinator.mutex.Lock()
	superseded := coordinator.sessionEpoch != readyEpoch
	coordinator.mutex.Unlock()
	if superseded {
		coordinator.drop(event, "superseded")
		return
	}
	if !event.Session.Valid() {
		coordinator.handleSignedIn(ctx, event.Session, false)
		return
	}
	if !coordinator.setSessionIfCurrent(event.Session, readyEpoch) {
		coordinator.drop(event, "superseded")
		return
	}
	coordinator.resolveProfile(ctx, event.Session.Identity(), profileSeed{})
}

func (coordinator *Coordinator) handleTokenRefreshed(session *identity.Session) {
	if !session.Valid() {
		coordinator.logger.Warn("ignoring refreshed session without user or token",
			zap.String("code", "authsession.listener.invalid_refresh"))
		return
	}
	coordinator.setSession(session)
}

func (coordinator *Coordinator) handleUserUpdated(ctx context.Context, session *identity.Session) {
	if !session.Valid() {
		coordinator.logger.Warn("ignoring user update without user or token",
			zap.String("code", "authsession.listener.invalid_user_update"))
		return
	}
	coordinator.setSession(session)
	coordinator.invalidateProfile(session.UserID)
	coordinator.resolveProfile(ctx, session.Identity(), profileSeed{})
}
