package rmp

import (
	"fmt"

	"github.com/blukai/rmpnet/internal/packet"
	"github.com/blukai/rmpnet/internal/protocol"
	"github.com/blukai/rmpnet/internal/transport"
)

type PeerStatus uint8

const (
	PeerIdle PeerStatus = iota
	PeerConnected
	PeerDisconnected
)

func (s PeerStatus) String() string {
	switch s {
	case PeerIdle:
		return "idle"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("PeerStatus(%d)", uint8(s))
	}
}

// Peer is the local handle to one remote endpoint. On the server there is
// one per connected client; on a client there is exactly one, the server.
type Peer struct {
	service *Service
	host    transport.HostID
	conn    transport.ConnID
	status  PeerStatus
	// server is set when the remote end is the server
	server bool
}

func newPeer(service *Service, server bool) *Peer {
	return &Peer{service: service, server: server}
}

func (p *Peer) Host() transport.HostID { return p.host }
func (p *Peer) Conn() transport.ConnID { return p.conn }
func (p *Peer) Status() PeerStatus     { return p.status }

// IsServer reports whether the remote end of this peer is the server.
func (p *Peer) IsServer() bool { return p.server }

func (p *Peer) String() string {
	side := "client"
	if p.server {
		side = "server"
	}
	return fmt.Sprintf("%s#%d", side, p.conn)
}

func (p *Peer) onCreated(host transport.HostID, conn transport.ConnID) {
	p.host = host
	p.conn = conn
	p.status = PeerConnected
}

func (p *Peer) onRemoved() {
	p.status = PeerDisconnected
}

// OnMessage decodes one frame and acts on it. A returned error concerns
// that frame only.
func (p *Peer) OnMessage(data []byte) error {
	frame, err := protocol.Unmarshal(data)
	if err != nil {
		return err
	}

	switch frame := frame.(type) {
	case *protocol.RPC:
		return p.receiveRPC(frame)
	case *protocol.Replicate:
		return p.receiveReplicate(frame)
	case *protocol.Remove:
		return p.receiveRemove(frame)
	default:
		return &protocol.UnknownProtocolIDError{ID: uint8(frame.ID())}
	}
}

func (p *Peer) receiveRPC(frame *protocol.RPC) error {
	view, err := p.service.views.Get(frame.GUID)
	if err != nil {
		return fmt.Errorf("could not deliver %s: %w", frame.Method, err)
	}
	return view.Invoke(p, frame.Method, frame.Args...)
}

func (p *Peer) receiveReplicate(frame *protocol.Replicate) error {
	if !p.server {
		return fmt.Errorf("%s sent a replicate frame, only the server may", p)
	}

	tmpl, err := p.service.template(int(frame.TemplateIndex))
	if err != nil {
		return fmt.Errorf("could not replicate %q: %w", frame.GUID, err)
	}
	if _, err := p.service.views.Get(frame.GUID); err == nil {
		return fmt.Errorf("could not replicate: %w", &DuplicateGUIDError{GUID: frame.GUID})
	}

	// the view is registered only once its payload was read in full, a
	// broken frame leaves nothing behind.
	view := newView(p.service, frame.GUID, int(frame.TemplateIndex), tmpl.New())
	r := packet.NewReader(frame.Payload)
	for _, recv := range view.receivers {
		rr, ok := recv.(ReplicationReader)
		if !ok {
			continue
		}
		if err := rr.ReadReplication(p, r); err != nil {
			return fmt.Errorf("could not read replication payload of %q: %w", frame.GUID, err)
		}
	}

	if err := p.service.views.Add(view); err != nil {
		return fmt.Errorf("could not replicate %q: %w", frame.GUID, err)
	}
	return nil
}

func (p *Peer) receiveRemove(frame *protocol.Remove) error {
	if !p.server {
		return fmt.Errorf("%s sent a remove frame, only the server may", p)
	}

	view, err := p.service.views.Get(frame.GUID)
	if err != nil {
		return fmt.Errorf("could not remove: %w", err)
	}
	p.service.destroy(view, nil)
	return nil
}

func (p *Peer) send(channel transport.Channel, frame protocol.Frame) error {
	if p.status != PeerConnected {
		return fmt.Errorf("could not send %s to %s: peer is %s", frame.ID(), p, p.status)
	}

	data, err := frame.MarshalBinary()
	if err != nil {
		return fmt.Errorf("could not marshal %s frame: %w", frame.ID(), err)
	}
	if err := p.service.transport.Send(p.host, p.conn, channel, data); err != nil {
		return fmt.Errorf("could not send %s to %s: %w", frame.ID(), p, err)
	}
	return nil
}

func (p *Peer) SendRPC(view *View, channel transport.Channel, method string, args ...any) error {
	if view.guid == "" {
		return ErrEmptyGUID
	}
	return p.send(channel, &protocol.RPC{
		GUID:   view.guid,
		Method: method,
		Args:   args,
	})
}

// SendReplicate sends view along with whatever its receivers append.
func (p *Peer) SendReplicate(view *View) error {
	w := packet.NewWriter()
	for _, recv := range view.receivers {
		rw, ok := recv.(ReplicationWriter)
		if !ok {
			continue
		}
		if err := rw.WriteReplication(w); err != nil {
			return fmt.Errorf("could not write replication payload of %q: %w", view.guid, err)
		}
	}

	return p.send(transport.Reliable, &protocol.Replicate{
		TemplateIndex: int32(view.templateIndex),
		GUID:          view.guid,
		Payload:       w.Bytes(),
	})
}

func (p *Peer) SendRemove(view *View) error {
	return p.send(transport.Reliable, &protocol.Remove{GUID: view.guid})
}
