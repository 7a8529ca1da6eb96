// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package peep

import (
	"fmt"
	"math"
)

// An Event is a signal exchanged between session peers on the shared event
// channel. Events carry no payload; the identifier is the whole message.
type Event uint32

const (
	ServerConnected    Event = 0 // the server attached its ports to the channel
	ServerDisconnected Event = 1 // the server released its ports
	ClientConnected    Event = 2 // the client attached its ports to the channel
	ClientDisconnected Event = 3 // the client released its ports
	RequestSent        Event = 4 // a request payload was published
	RequestReceived    Event = 5 // a request payload was pulled
	ResponseSent       Event = 6 // a response payload was published
	ResponseReceived   Event = 7 // a response payload was pulled
	ServerReady        Event = 8 // the server will accept the next request
	ProcessDied        Event = 9 // a peer process went away without cleanup

	// Unknown is the decoding of any identifier outside the defined
	// vocabulary. The session state machines ignore it.
	Unknown Event = math.MaxUint32
)

// DecodeEvent maps a raw identifier from the event channel to an Event.
// Decoding is total: identifiers outside the defined vocabulary decode to
// Unknown, never an error.
func DecodeEvent(id uint64) Event {
	if id <= uint64(ProcessDied) {
		return Event(id)
	}
	return Unknown
}

// ID reports the raw identifier used for e on the event channel.
func (e Event) ID() uint64 { return uint64(e) }

func (e Event) String() string {
	switch e {
	case ServerConnected:
		return "SERVER_CONNECTED"
	case ServerDisconnected:
		return "SERVER_DISCONNECTED"
	case ClientConnected:
		return "CLIENT_CONNECTED"
	case ClientDisconnected:
		return "CLIENT_DISCONNECTED"
	case RequestSent:
		return "REQUEST_SENT"
	case RequestReceived:
		return "REQUEST_RECEIVED"
	case ResponseSent:
		return "RESPONSE_SENT"
	case ResponseReceived:
		return "RESPONSE_RECEIVED"
	case ServerReady:
		return "SERVER_READY"
	case ProcessDied:
		return "PROCESS_DIED"
	case Unknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("EVENT:%d", uint32(e))
	}
}
