package livesocket

import (
	"time"

	"github.com/gorilla/websocket"
)

type State int

const (
	Connecting State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionInfo is a snapshot of one connection attempt.
type SessionInfo struct {
	ID         string
	Generation uint64
	URI        string
	State      State
	OpenedAt   time.Time
}

// Message is one inbound frame, tagged with the attempt that received it.
type Message struct {
	Generation uint64
	SessionID  string
	Type       int
	Data       []byte
	ReceivedAt time.Time
}

func (m Message) IsText() bool {
	return m.Type == websocket.TextMessage
}

type Handler func(Message)

// session is replaced, never reused, on reconnect.
type session struct {
	id         string
	generation uint64
	state      State
	conn       *websocket.Conn
	openedAt   time.Time
}
