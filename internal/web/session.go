package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauthclient/internal/authsession"
	"go.uber.org/zap"
)

// SessionReporter exposes the coordinator snapshot.
type SessionReporter interface {
	State() authsession.State
}

// CounterSnapshotter exposes recorded counters.
type CounterSnapshotter interface {
	Snapshot() map[string]int64
}

// SessionTerminator signs the current user out.
type SessionTerminator interface {
	SignOut(ctx context.Context)
}

// HandleSessionStatus reports the signed-in user, profile, loading flag and counters. Tokens are never
// included.
func HandleSessionStatus(logger *zap.Logger, reporter SessionReporter, counters CounterSnapshotter) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reporter == nil {
		panic("session reporter is required")
	}

	return func(contextGin *gin.Context) {
		state := reporter.State()
		payload := gin.H{
			"signed_in": state.Session != nil,
			"loading":   state.Loading,
			"phase":     state.Phase,
			"profile":   state.Profile,
		}
		if state.Session != nil {
			payload["user_id"] = state.Session.UserID
			payload["user_email"] = state.Session.Email
			if !state.Session.ExpiresAt.IsZero() {
				payload["expires"] = state.Session.ExpiresAt.UTC().Format(time.RFC3339)
			}
		}
		if counters != nil {
			payload["metrics"] = counters.Snapshot()
		}
		logger.Debug("session status served",
			zap.String("code", "web.session.status"),
			zap.Bool("signed_in", state.Session != nil))
		writeNoStoreHeaders(contextGin)
		contextGin.JSON(http.StatusOK, payload)
	}
}

// HandleSignOut runs the best-effort sign-out and always answers 204.
func HandleSignOut(logger *zap.Logger, terminator SessionTerminator) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if terminator == nil {
		panic("session terminator is required")
	}
	return func(contextGin *gin.Context) {
		terminator.SignOut(contextGin.Request.Context())
		logger.Info("signed out over http",
			zap.String("code", "web.session.signout"))
		contextGin.Status(http.StatusNoContent)
	}
}
