package rmp

import (
	"fmt"

	"github.com/blukai/rmpnet/internal/packet"
	"github.com/blukai/rmpnet/internal/transport"
	"github.com/hashicorp/go-multierror"
)

// ReplicationWriter is implemented by receivers that append state to the
// Replicate frame the server sends for their view.
type ReplicationWriter interface {
	WriteReplication(w *packet.Writer) error
}

// ReplicationReader is implemented by receivers that initialize themselves
// from the Replicate frame on the client. Receivers read in the order they
// are attached to the view, the same order they were written in.
type ReplicationReader interface {
	ReadReplication(sender *Peer, r *packet.Reader) error
}

// Destroyer is implemented by receivers that want to know their view went
// away.
type Destroyer interface {
	OnDestroy()
}

type RPCOption uint8

const (
	// ToServer sends to the server. On the server (or offline) the call is
	// invoked locally with a nil sender.
	ToServer RPCOption = iota
	// Broadcast sends to every connected client. Server only.
	Broadcast
)

func (o RPCOption) String() string {
	switch o {
	case ToServer:
		return "ToServer"
	case Broadcast:
		return "Broadcast"
	default:
		return fmt.Sprintf("RPCOption(%d)", uint8(o))
	}
}

// View is the network identity of one object. Its receivers are what rpcs
// addressed to its guid end up calling.
type View struct {
	service       *Service
	guid          string
	templateIndex int
	receivers     []Receiver
	// cache[i] maps method names to receivers[i]'s handler; misses are
	// stored as nil.
	cache     []map[string]HandlerFunc
	destroyed bool
}

func newView(service *Service, guid string, templateIndex int, receivers []Receiver) *View {
	cache := make([]map[string]HandlerFunc, len(receivers))
	for i := range cache {
		cache[i] = make(map[string]HandlerFunc)
	}
	return &View{
		service:       service,
		guid:          guid,
		templateIndex: templateIndex,
		receivers:     receivers,
		cache:         cache,
	}
}

func (v *View) GUID() string { return v.guid }

// TemplateIndex is the replication table index the view was instantiated
// from, -1 for scene views.
func (v *View) TemplateIndex() int { return v.templateIndex }

func (v *View) Receivers() []Receiver { return v.receivers }

func (v *View) Destroyed() bool { return v.destroyed }

func (v *View) resolve(i int, method string) HandlerFunc {
	fn, ok := v.cache[i][method]
	if !ok {
		fn, _ = v.service.methods.Lookup(v.receivers[i].RMPType(), method)
		v.cache[i][method] = fn
	}
	return fn
}

// Invoke calls method on every receiver that handles it. Handler errors do
// not stop the remaining receivers; they are returned together.
func (v *View) Invoke(sender *Peer, method string, args ...any) error {
	call := &Call{
		Sender: sender,
		View:   v,
		Method: method,
		Args:   args,
	}

	var errs error
	handled := false
	for i, recv := range v.receivers {
		fn := v.resolve(i, method)
		if fn == nil {
			continue
		}
		handled = true
		if err := fn(recv, call); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if !handled {
		return &UnknownMethodError{GUID: v.guid, Method: method}
	}
	return errs
}

func (v *View) RPC(opt RPCOption, method string, args ...any) error {
	return v.RPCOn(opt, transport.Reliable, method, args...)
}

func (v *View) RPCOn(opt RPCOption, channel transport.Channel, method string, args ...any) error {
	if v.destroyed {
		return ErrDestroyed
	}

	s := v.service
	switch opt {
	case ToServer:
		if s.role != RoleClient {
			return v.Invoke(nil, method, args...)
		}
		peer := s.ServerPeer()
		if peer == nil || peer.Status() != PeerConnected {
			return ErrNoServerPeer
		}
		return peer.SendRPC(v, channel, method, args...)

	case Broadcast:
		if s.role == RoleClient {
			return ErrNotServer
		}
		var errs error
		for _, peer := range s.ClientPeers() {
			if err := peer.SendRPC(v, channel, method, args...); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		return errs

	default:
		return fmt.Errorf("unknown rpc option %d", opt)
	}
}

// RPCTo sends to one specific peer.
func (v *View) RPCTo(peer *Peer, method string, args ...any) error {
	return v.RPCToOn(peer, transport.Reliable, method, args...)
}

func (v *View) RPCToOn(peer *Peer, channel transport.Channel, method string, args ...any) error {
	if v.destroyed {
		return ErrDestroyed
	}
	return peer.SendRPC(v, channel, method, args...)
}

// Replicate sends the view to one peer, or to every client when to is nil.
func (v *View) Replicate(to *Peer) error {
	return v.service.ReplicateView(v, to)
}

func (v *View) Destroy() error {
	return v.service.Destroy(v)
}

func (v *View) DestroyFor(peers []*Peer) error {
	return v.service.DestroyFor(v, peers)
}

// Registry maps guids to live views.
type Registry struct {
	views map[string]*View
}

func NewRegistry() *Registry {
	return &Registry{views: make(map[string]*View)}
}

func (r *Registry) Add(v *View) error {
	if v.guid == "" {
		return ErrEmptyGUID
	}
	if _, taken := r.views[v.guid]; taken {
		return &DuplicateGUIDError{GUID: v.guid}
	}
	r.views[v.guid] = v
	return nil
}

func (r *Registry) Get(guid string) (*View, error) {
	v, ok := r.views[guid]
	if !ok {
		return nil, &UnknownGUIDError{GUID: guid}
	}
	return v, nil
}

// Remove drops v if it is the view registered under its guid.
func (r *Registry) Remove(v *View) bool {
	if cur, ok := r.views[v.guid]; ok && cur == v {
		delete(r.views, v.guid)
		return true
	}
	return false
}

func (r *Registry) Len() int { return len(r.views) }
