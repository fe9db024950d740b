package rmp

import "time"

// Event is a list of listeners for a lifecycle change of the service.
type Event []func()

func (e *Event) Add(fn func()) { *e = append(*e, fn) }

func (e Event) fire() {
	for _, fn := range e {
		fn()
	}
}

// PeerEvent is a list of listeners for a lifecycle change of a peer.
type PeerEvent []func(peer *Peer)

func (e *PeerEvent) Add(fn func(peer *Peer)) { *e = append(*e, fn) }

func (e PeerEvent) fire(peer *Peer) {
	for _, fn := range e {
		fn(peer)
	}
}

// TickEvent is a list of callbacks run at the end of every tick.
type TickEvent []func(now time.Time)

func (e *TickEvent) Add(fn func(now time.Time)) { *e = append(*e, fn) }

func (e TickEvent) fire(now time.Time) {
	for _, fn := range e {
		fn(now)
	}
}
