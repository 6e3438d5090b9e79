package identity

// EventKind enumerates the auth-state notifications emitted by the identity backend.
type EventKind string

const (
	EventSignedIn       EventKind = "SIGNED_IN"
	EventSignedOut      EventKind = "SIGNED_OUT"
	EventInitialSession EventKind = "INITIAL_SESSION"
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
	EventUserUpdated    EventKind = "USER_UPDATED"
)

// Known reports whether the kind belongs to the closed set above.
func (kind EventKind) Known() bool {
	switch kind {
	case EventSignedIn, EventSignedOut, EventInitialSession, EventTokenRefreshed, EventUserUpdated:
		return true
	default:
		return false
	}
}

// Event is a single auth-state change with its optional session payload.
type Event struct {
	Kind    EventKind
	Session *Session
}

// EventHandler receives backend events.
type EventHandler func(Event)
