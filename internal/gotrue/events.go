package gotrue

import (
	"context"

	"github.com/tyemirov/tauthclient/internal/identity"
	"go.uber.org/zap"
)

type handlerEntry struct {
	id      uint64
	handler identity.EventHandler
}

// OnAuthStateChange registers handler for every subsequent auth event. The persisted session is
// replayed asynchronously as INITIAL_SESSION; the replay is skipped once any other event or a session
// removal has happened since registration.
func (client *Client) OnAuthStateChange(handler identity.EventHandler) func() {
	client.handlersMutex.Lock()
	client.nextHandlerID++
	id := client.nextHandlerID
	client.handlers = append(client.handlers, handlerEntry{id: id, handler: handler})
	registered := client.generation.Load()
	client.handlersMutex.Unlock()

	go func() {
		session, err := client.loadSession(context.Background())
		if err != nil {
			client.logger.Warn("initial session unavailable",
				zap.String("code", "gotrue.events.initial_session"),
				zap.Error(err))
		}
		if !client.subscribed(id) {
			return
		}
		if client.generation.Load() != registered {
			client.logger.Debug("initial session superseded",
				zap.String("code", "gotrue.events.initial_session_stale"))
			return
		}
		handler(identity.Event{Kind: identity.EventInitialSession, Session: session})
	}()

	return func() {
		client.handlersMutex.Lock()
		defer client.handlersMutex.Unlock()
		for index, entry := range client.handlers {
			if entry.id == id {
				client.handlers = append(client.handlers[:index], client.handlers[index+1:]...)
				return
			}
		}
	}
}

func (client *Client) subscribed(id uint64) bool {
	client.handlersMutex.Lock()
	defer client.handlersMutex.Unlock()
	for _, entry := range client.handlers {
		if entry.id == id {
			return true
		}
	}
	return false
}

// emit delivers synchronously on the caller's goroutine, outside the handler lock so handlers may call back
// into the client.
func (client *Client) emit(kind identity.EventKind, session *identity.Session) {
	client.generation.Add(1)
	client.handlersMutex.Lock()
	snapshot := make([]handlerEntry, len(client.handlers))
	copy(snapshot, client.handlers)
	client.handlersMutex.Unlock()

	for _, entry := range snapshot {
		entry.handler(identity.Event{Kind: kind, Session: session.Clone()})
	}
}
