package model

// Event is the flat form payload posted by the Synology Chat outgoing webhook.
// Only token, user_id and text are interpreted.
type Event map[string]string

const (
	EventToken  = "token"
	EventUserID = "user_id"
	EventText   = "text"
)

// Token returns the shared secret sent with the event.
func (e Event) Token() string { return e[EventToken] }

// UserID returns the sender id, empty when the platform omitted it.
func (e Event) UserID() string { return e[EventUserID] }

// Text returns the raw message text.
func (e Event) Text() string { return e[EventText] }
