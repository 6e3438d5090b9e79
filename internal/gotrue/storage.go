package gotrue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tyemirov/tauthclient/internal/identity"
	"github.com/tyemirov/tauthclient/internal/kvstore"
	"go.uber.org/zap"
)

// loadSession returns nil when nothing usable is persisted. A corrupt entry is removed.
func (client *Client) loadSession(ctx context.Context) (*identity.Session, error) {
	raw, err := client.store.Get(ctx, client.StorageKey())
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gotrue.session.load: %w", err)
	}
	var session identity.Session
	if decodeErr := json.Unmarshal([]byte(raw), &session); decodeErr != nil || !session.Valid() {
		client.logger.Warn("discarding unreadable persisted session",
			zap.String("code", "gotrue.session.corrupt"),
			zap.Error(decodeErr))
		if removeErr := client.removeSession(ctx); removeErr != nil {
			return nil, removeErr
		}
		return nil, nil
	}
	return &session, nil
}

func (client *Client) saveSession(ctx context.Context, session *identity.Session) error {
	encoded, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("gotrue.session.encode: %w", err)
	}
	if err := client.store.Set(ctx, client.StorageKey(), string(encoded)); err != nil {
		return fmt.Errorf("gotrue.session.save.%s: %w", client.store.Driver(), err)
	}
	return nil
}

func (client *Client) removeSession(ctx context.Context) error {
	client.generation.Add(1)
	if err := client.store.Remove(ctx, client.StorageKey()); err != nil {
		return fmt.Errorf("gotrue.session.remove.%s: %w", client.store.Driver(), err)
	}
	return nil
}
