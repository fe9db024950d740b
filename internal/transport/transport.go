// Package transport is the boundary between rmp and whatever moves bytes.
//
// A Transport owns hosts (a bound endpoint able to accept up to N
// connections) and connections (a link from one host to a remote host). It
// never calls back into the caller: everything that happens is queued as an
// Event and handed out by Receive, which the owner polls from its single
// tick loop. Implementations are free to run their own goroutines; they
// only bridge into the caller through that queue.
package transport

import (
	"errors"
	"fmt"
)

type HostID int

type ConnID int

// Channel is a quality-of-service lane.
type Channel uint8

const (
	// Reliable delivers in order without loss. It is the default.
	Reliable Channel = iota
	Unreliable
)

func (c Channel) String() string {
	switch c {
	case Reliable:
		return "reliable"
	case Unreliable:
		return "unreliable"
	default:
		return fmt.Sprintf("Channel(%d)", uint8(c))
	}
}

type EventType uint8

const (
	EventConnect EventType = iota + 1
	EventData
	EventDisconnect
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventData:
		return "data"
	case EventDisconnect:
		return "disconnect"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventType(%d)", uint8(t))
	}
}

// Event is one thing that happened on a host. Events of the same
// connection are delivered in the order they happened.
type Event struct {
	Type    EventType
	Host    HostID
	Conn    ConnID
	Channel Channel
	// Data is set for EventData and owned by the receiver.
	Data []byte
	// Err is set for EventError.
	Err error
}

// Topology describes what a host accepts.
type Topology struct {
	MaxConnections int
}

var (
	ErrClosed            = errors.New("transport is shut down")
	ErrUnknownHost       = errors.New("unknown host")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrHostFull          = errors.New("host does not accept more connections")
	ErrConnectionRefused = errors.New("connection refused")
)

type Transport interface {
	// AddHost binds a host on port (0 picks a free one).
	AddHost(topology Topology, port int) (HostID, error)
	// Connect starts connecting host to a remote host. It returns right
	// away; an EventConnect (or EventError) follows.
	Connect(host HostID, remoteHost string, remotePort int) (ConnID, error)
	Send(host HostID, conn ConnID, channel Channel, data []byte) error
	// Receive pops the next pending event without blocking.
	Receive() (Event, bool)
	// Disconnect closes a connection. Both sides observe an
	// EventDisconnect for it, the local side included.
	Disconnect(host HostID, conn ConnID) error
	RemoveHost(host HostID) error
	Shutdown() error
}

// DatagramTooLargeError is returned by transports with a size limit.
type DatagramTooLargeError struct {
	Size int
	Max  int
}

func (e *DatagramTooLargeError) Error() string {
	return fmt.Sprintf("datagram too large (got %d bytes; max %d)", e.Size, e.Max)
}

// eventQueue is the unbounded fifo every implementation bridges through.
type eventQueue struct {
	events []Event
}

func (q *eventQueue) push(ev Event) {
	q.events = append(q.events, ev)
}

func (q *eventQueue) pop() (Event, bool) {
	if len(q.events) == 0 {
		return Event{}, false
	}
	ev := q.events[0]
	q.events[0] = Event{}
	q.events = q.events[1:]
	return ev, true
}
