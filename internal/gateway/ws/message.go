package ws

import (
	"github.com/jkaninda/bothost/internal/notification"
)

// Message types sent to the console.
const (
	MsgEvent   = "event"
	MsgStopped = "stopped"
	MsgError   = "error"
)

// Message is one server → console frame.
type Message struct {
	Type  string              `json:"type"`
	Slot  int                 `json:"slot,omitempty"`
	Event *notification.Event `json:"event,omitempty"`
	Error string              `json:"error,omitempty"`
}

// Command is one console → server frame. The only action is "stop"; Slot 0
// falls back to the slot of the connection.
type Command struct {
	Action string `json:"action"`
	Slot   int    `json:"slot,omitempty"`
}
