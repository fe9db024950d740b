package rmp

import (
	"slices"

	"github.com/blukai/rmpnet/internal/transport"
)

// Dispatcher turns transport events of one host into peer lifecycle and
// frames. Events of a single connection arrive in order.
type Dispatcher interface {
	OnConnect(conn transport.ConnID)
	OnData(conn transport.ConnID, channel transport.Channel, data []byte)
	OnDisconnect(conn transport.ConnID)
	// OnError is handled like a disconnect of conn.
	OnError(conn transport.ConnID, err error)
	// Shutdown starts tearing down. The dispatcher may still need events
	// to come in before Finished reports true.
	Shutdown()
	// Abandon gives up on events that never came: every connection left is
	// treated as disconnected, after which Finished reports true.
	Abandon()
	Finished() bool
	Host() transport.HostID
}

var (
	_ Dispatcher = (*ServerDispatcher)(nil)
	_ Dispatcher = (*ClientDispatcher)(nil)
)

type ServerDispatcher struct {
	service  *Service
	host     transport.HostID
	peers    map[transport.ConnID]*Peer
	stopping bool
}

func newServerDispatcher(service *Service, host transport.HostID) *ServerDispatcher {
	return &ServerDispatcher{
		service: service,
		host:    host,
		peers:   make(map[transport.ConnID]*Peer),
	}
}

func (d *ServerDispatcher) Host() transport.HostID { return d.host }

func (d *ServerDispatcher) OnConnect(conn transport.ConnID) {
	if d.stopping {
		// nobody will be served anymore
		_ = d.service.transport.Disconnect(d.host, conn)
		return
	}

	peer := newPeer(d.service, false)
	peer.onCreated(d.host, conn)
	d.peers[conn] = peer

	d.service.logger.Info().
		Int("conn", int(conn)).
		Msg("client connected")

	d.service.OnClientConnect.fire(peer)
}

func (d *ServerDispatcher) OnData(conn transport.ConnID, channel transport.Channel, data []byte) {
	peer, ok := d.peers[conn]
	if !ok {
		d.service.logger.Warn().Msgf("data from unknown connection %d", conn)
		return
	}
	d.service.handleMessage(peer, data)
}

func (d *ServerDispatcher) OnDisconnect(conn transport.ConnID) {
	peer, ok := d.peers[conn]
	if !ok {
		return
	}
	delete(d.peers, conn)
	peer.onRemoved()

	d.service.logger.Info().
		Int("conn", int(conn)).
		Msg("client disconnected")

	d.service.OnClientDisconnect.fire(peer)
}

func (d *ServerDispatcher) OnError(conn transport.ConnID, err error) {
	d.service.logger.Error().
		Int("conn", int(conn)).
		Msgf("transport error: %v", err)
	d.OnDisconnect(conn)
}

func (d *ServerDispatcher) Shutdown() {
	d.stopping = true
	for _, peer := range d.Peers() {
		if err := d.service.transport.Disconnect(d.host, peer.conn); err != nil {
			// the transport lost it already, no event will follow
			d.OnDisconnect(peer.conn)
		}
	}
}

func (d *ServerDispatcher) Abandon() {
	d.stopping = true
	for _, peer := range d.Peers() {
		d.OnDisconnect(peer.conn)
	}
}

func (d *ServerDispatcher) Finished() bool {
	return d.stopping && len(d.peers) == 0
}

// Peers returns the connected clients ordered by connection.
func (d *ServerDispatcher) Peers() []*Peer {
	peers := make([]*Peer, 0, len(d.peers))
	for _, peer := range d.peers {
		peers = append(peers, peer)
	}
	slices.SortFunc(peers, func(a, b *Peer) int {
		return int(a.conn) - int(b.conn)
	})
	return peers
}

func (d *ServerDispatcher) Peer(conn transport.ConnID) (*Peer, bool) {
	peer, ok := d.peers[conn]
	return peer, ok
}

type ClientDispatcher struct {
	service  *Service
	host     transport.HostID
	conn     transport.ConnID
	peer     *Peer
	finished bool
}

func newClientDispatcher(service *Service, host transport.HostID, conn transport.ConnID) *ClientDispatcher {
	return &ClientDispatcher{
		service: service,
		host:    host,
		conn:    conn,
		peer:    newPeer(service, true),
	}
}

func (d *ClientDispatcher) Host() transport.HostID { return d.host }

func (d *ClientDispatcher) Peer() *Peer { return d.peer }

func (d *ClientDispatcher) OnConnect(conn transport.ConnID) {
	if conn != d.conn || d.peer.status != PeerIdle {
		d.service.logger.Warn().Msgf("unexpected connect of connection %d", conn)
		return
	}
	d.peer.onCreated(d.host, conn)

	d.service.logger.Info().
		Int("conn", int(conn)).
		Msg("connected to server")

	d.service.OnConnectToServer.fire(d.peer)
}

func (d *ClientDispatcher) OnData(conn transport.ConnID, channel transport.Channel, data []byte) {
	if conn != d.conn || d.peer.status != PeerConnected {
		d.service.logger.Warn().Msgf("data from unknown connection %d", conn)
		return
	}
	d.service.handleMessage(d.peer, data)
}

func (d *ClientDispatcher) OnDisconnect(conn transport.ConnID) {
	if conn != d.conn || d.finished {
		return
	}
	wasConnected := d.peer.status == PeerConnected
	d.peer.onRemoved()
	d.finished = true

	d.service.logger.Info().
		Int("conn", int(conn)).
		Msg("disconnected from server")

	if wasConnected {
		d.service.OnDisconnectFromServer.fire(d.peer)
	}
}

func (d *ClientDispatcher) OnError(conn transport.ConnID, err error) {
	d.service.logger.Error().
		Int("conn", int(conn)).
		Msgf("transport error: %v", err)
	d.OnDisconnect(conn)
}

func (d *ClientDispatcher) Shutdown() {
	if d.finished {
		return
	}
	if err := d.service.transport.Disconnect(d.host, d.conn); err != nil {
		d.OnDisconnect(d.conn)
	}
}

func (d *ClientDispatcher) Abandon() {
	d.OnDisconnect(d.conn)
}

func (d *ClientDispatcher) Finished() bool { return d.finished }
