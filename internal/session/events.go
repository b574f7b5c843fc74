package session

import "encoding/json"

// Transport event types exchanged with the presentation layer.
const (
	EventMemberRoster  = "member-roster"
	EventMemberJoined  = "member-joined"
	EventMemberLeft    = "member-left"
	EventSessionUpdate = "session-update"
)

// Member identifies a session participant. Identifiers arrive already
// authenticated from the out-of-scope auth layer.
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Event is a broadcast message delivered to session participants.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type memberEventData struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

func memberEvent(eventType string, member Member) Event {
	data, _ := json.Marshal(memberEventData{UserID: member.ID, UserName: member.Name})
	return Event{Type: eventType, Data: data}
}
