package authsession

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tyemirov/tauthclient/internal/identity"
	"go.uber.org/zap"
)

// profileSeed overrides the derived defaults when a flow knows the intended name or role.
type profileSeed struct {
	FullName string
	Role     identity.Role
}

// FetchOrCreateProfile returns the user's profile, creating it with derived defaults when absent.
// Concurrent calls for one user share a single lookup. Failures are logged and yield nil.
func (coordinator *Coordinator) FetchOrCreateProfile(ctx context.Context, user identity.User) *identity.Profile {
	return coordinator.fetchOrCreate(ctx, user, profileSeed{})
}

// resolveProfile runs the resolver and applies the result to the current session; nil clears the profile.
// A result overtaken by a sign-out or invalidation is discarded.
func (coordinator *Coordinator) resolveProfile(ctx context.Context, user identity.User, seed profileSeed) {
	epoch := coordinator.currentEpoch()
	profile := coordinator.fetchOrCreate(ctx, user, seed)
	coordinator.applyResolved(user.ID, profile, epoch)
}

func (coordinator *Coordinator) fetchOrCreate(ctx context.Context, user identity.User, seed profileSeed) *identity.Profile {
	userID := strings.TrimSpace(user.ID)
	if userID == "" {
		return nil
	}
	if cached, ok := coordinator.cachedProfile(userID); ok {
		coordinator.metrics.Increment(MetricProfileCacheHit)
		return &cached
	}
	epoch := coordinator.currentEpoch()
	sharedCtx := context.WithoutCancel(ctx)
	result, err, _ := coordinator.pending.Do(userID, func() (interface{}, error) {
		return coordinator.loadOrInsert(sharedCtx, user, seed, epoch)
	})
	if err != nil {
		coordinator.metrics.Increment(MetricProfileFailure)
		coordinator.logger.Warn("profile resolution failed",
			zap.String("code", "authsession.profile.resolve_failed"),
			zap.String("user_id", userID),
			zap.Error(err))
		return nil
	}
	profile := result.(identity.Profile)
	return &profile
}

func (coordinator *Coordinator) loadOrInsert(ctx context.Context, user identity.User, seed profileSeed, epoch uint64) (identity.Profile, error) {
	if cached, ok := coordinator.cachedProfile(user.ID); ok {
		coordinator.metrics.Increment(MetricProfileCacheHit)
		return cached, nil
	}
	coordinator.metrics.Increment(MetricProfileRead)
	profile, err := coordinator.profiles.GetProfile(ctx, user.ID)
	switch {
	case err == nil:
	case errors.Is(err, identity.ErrProfileNotFound):
		defaults := coordinator.defaultProfile(user, seed)
		coordinator.metrics.Increment(MetricProfileInsert)
		profile, err = coordinator.profiles.InsertProfile(ctx, defaults)
		if errors.Is(err, identity.ErrProfileExists) {
			coordinator.metrics.Increment(MetricProfileRead)
			profile, err = coordinator.profiles.GetProfile(ctx, user.ID)
		}
		if err != nil {
			return identity.Profile{}, fmt.Errorf("authsession.profile.insert: %w", err)
		}
		coordinator.logger.Info("profile created",
			zap.String("code", "authsession.profile.created"),
			zap.String("user_id", user.ID),
			zap.String("role", string(profile.Role)))
	default:
		return identity.Profile{}, fmt.Errorf("authsession.profile.read: %w", err)
	}
	coordinator.storeCached(profile, epoch)
	return profile, nil
}

// defaultProfile derives the name from display name, user-provided name, email local-part, then the
// configured fallback. The role follows grantableRole.
func (coordinator *Coordinator) defaultProfile(user identity.User, seed profileSeed) identity.Profile {
	fullName := firstNonEmpty(
		seed.FullName,
		user.MetadataString("display_name"),
		user.MetadataString("name"),
		user.MetadataString("full_name"),
		emailLocalPart(user.Email),
		coordinator.config.FallbackName,
	)
	requested := string(seed.Role)
	if requested == "" {
		requested = user.MetadataString("role")
	}
	return identity.Profile{ID: user.ID, FullName: fullName, Role: coordinator.grantableRole(user.ID, requested)}
}

// grantableRole keeps a self-assignable request. A request for instructor becomes pending_instructor,
// awaiting an administrator; anything else falls back to client.
func (coordinator *Coordinator) grantableRole(userID string, requested string) identity.Role {
	if strings.TrimSpace(requested) == "" {
		return identity.RoleClient
	}
	role, err := identity.ParseRole(requested)
	if err == nil && coordinator.config.selfAssignable(role) {
		return role
	}
	granted := identity.RoleClient
	if role == identity.RoleInstructor && coordinator.config.selfAssignable(identity.RolePendingInstructor) {
		granted = identity.RolePendingInstructor
	}
	coordinator.logger.Warn("requested role is not self-assignable",
		zap.String("code", "authsession.profile.role_denied"),
		zap.String("user_id", userID),
		zap.String("requested_role", requested),
		zap.String("granted_role", string(granted)))
	return granted
}

func (coordinator *Coordinator) cachedProfile(userID string) (identity.Profile, bool) {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	profile, ok := coordinator.cache[userID]
	return profile, ok
}

func (coordinator *Coordinator) currentEpoch() uint64 {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	return coordinator.cacheEpoch
}

// storeCached skips results that started before a sign-out or invalidation.
func (coordinator *Coordinator) storeCached(profile identity.Profile, epoch uint64) {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	if coordinator.closed || coordinator.cacheEpoch != epoch {
		return
	}
	coordinator.cache[profile.ID] = profile
}

// invalidateProfile drops the cached row and detaches any in-flight lookup so the next resolution reads
// the table again.
func (coordinator *Coordinator) invalidateProfile(userID string) {
	coordinator.mutex.Lock()
	delete(coordinator.cache, userID)
	coordinator.cacheEpoch++
	coordinator.mutex.Unlock()
	coordinator.pending.Forget(userID)
}

func emailLocalPart(email string) string {
	local, _, found := strings.Cut(strings.TrimSpace(email), "@")
	if !found {
		return ""
	}
	return local
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
