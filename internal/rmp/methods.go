package rmp

import (
	"fmt"

	"github.com/blukai/rmpnet/internal/debug"
	"github.com/cespare/xxhash/v2"
)

// Receiver is anything attached to a View that can handle rpc calls.
// RMPType names its handler set in a MethodTable.
type Receiver interface {
	RMPType() string
}

type HandlerFunc func(recv Receiver, call *Call) error

type methodKey uint64

func makeMethodKey(typeID, method string) methodKey {
	d := xxhash.New()
	d.WriteString(typeID)
	d.Write([]byte{0})
	d.WriteString(method)
	return methodKey(d.Sum64())
}

type methodEntry struct {
	typeID string
	method string
	fn     HandlerFunc
}

// MethodTable maps (receiver type, method name) to a handler. It is filled
// once at startup and only read afterwards.
type MethodTable struct {
	entries map[methodKey]methodEntry
}

func NewMethodTable() *MethodTable {
	return &MethodTable{entries: make(map[methodKey]methodEntry)}
}

func (t *MethodTable) Register(typeID, method string, fn HandlerFunc) {
	debug.Assert(fn != nil, "handler must not be nil")

	key := makeMethodKey(typeID, method)
	if prev, ok := t.entries[key]; ok {
		debug.Assertf(prev.typeID != typeID || prev.method != method,
			"%s.%s registered twice", typeID, method)
		debug.Assertf(false, "%s.%s collides with %s.%s", typeID, method, prev.typeID, prev.method)
	}
	t.entries[key] = methodEntry{typeID: typeID, method: method, fn: fn}
}

func (t *MethodTable) Lookup(typeID, method string) (HandlerFunc, bool) {
	entry, ok := t.entries[makeMethodKey(typeID, method)]
	if !ok || entry.typeID != typeID || entry.method != method {
		return nil, false
	}
	return entry.fn, true
}

func (t *MethodTable) Len() int { return len(t.entries) }

// Handle registers a handler that receives the concrete receiver type.
func Handle[R Receiver](t *MethodTable, typeID, method string, fn func(recv R, call *Call) error) {
	t.Register(typeID, method, func(recv Receiver, call *Call) error {
		r, ok := recv.(R)
		if !ok {
			return fmt.Errorf("%s.%s: receiver is %T", typeID, method, recv)
		}
		return fn(r, call)
	})
}

// Call is what a handler gets to see about an incoming rpc.
type Call struct {
	// Sender is the peer the call came from. nil means this process called
	// itself (the server, or a standalone service).
	Sender *Peer
	View   *View
	Method string
	Args   []any
}

// FromServer reports whether the call originates from the server, either
// over the wire or locally.
func (c *Call) FromServer() bool {
	return c.Sender == nil || c.Sender.IsServer()
}

// Arg returns argument i as T.
func Arg[T any](c *Call, i int) (T, error) {
	var zero T
	if i < 0 || i >= len(c.Args) {
		return zero, &ArgumentError{Method: c.Method, Index: i, Want: fmt.Sprintf("%T", zero)}
	}
	v, ok := c.Args[i].(T)
	if !ok {
		return zero, &ArgumentError{Method: c.Method, Index: i, Want: fmt.Sprintf("%T", zero), Got: c.Args[i]}
	}
	return v, nil
}
