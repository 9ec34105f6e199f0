package tcp

import (
	"github.com/janvanbouwel/libzt-node/stack"
)

// EventType identifies what happened on a Socket.
type EventType uint8

const (
	// EventConnect reports an established outgoing connection. Info is set.
	EventConnect EventType = iota + 1
	// EventConnectError reports a connect attempt the engine refused
	// synchronously. Err is set. The socket stays usable for another
	// Connect.
	EventConnectError
	// EventData carries received bytes, or End at end of stream.
	EventData
	// EventSent reports Len bytes acknowledged by the peer.
	EventSent
	// EventError reports the loss of the connection. Err is set. No event
	// follows.
	EventError
	// EventClose reports an orderly close. No event follows.
	EventClose
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventConnectError:
		return "connect_error"
	case EventData:
		return "data"
	case EventSent:
		return "sent"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is delivered to a socket handler on the loop goroutine.
type Event struct {
	Type EventType

	// Data is a copy owned by the handler.
	Data []byte
	End  bool

	Len  int
	Err  error
	Info stack.AddrInfo
}

// Handler receives socket events.
type Handler func(Event)

// event travels through the socket channel. A received packet crosses as
// is and is copied into Event.Data on the loop.
type event struct {
	Event
	pkt *stack.Packet
}
