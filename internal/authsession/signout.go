package authsession

import (
	"context"

	"github.com/tyemirov/tauthclient/internal/identity"
	"go.uber.org/zap"
)

// SignOut is best-effort and never fails: local state is cleared and storage purged before the backend
// is contacted, backend errors are logged, and storage is purged again afterwards. Auth events are
// ignored while it runs.
func (coordinator *Coordinator) SignOut(ctx context.Context) {
	coordinator.signingOut.Add(1)
	defer coordinator.signingOut.Add(-1)

	coordinator.metrics.Increment(MetricSignOut)
	coordinator.clearLocal()
	coordinator.purgeNamespace(ctx)
	if err := coordinator.backend.SignOut(ctx, identity.ScopeGlobal); err != nil {
		coordinator.logger.Warn("backend sign-out failed; local session already cleared",
			zap.String("code", "authsession.signout.backend_failed"),
			zap.Error(err))
	}
	coordinator.purgeNamespace(ctx)
	coordinator.logger.Info("signed out", zap.String("code", "authsession.signout.complete"))
}
