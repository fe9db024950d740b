package transport

import (
	"fmt"
	"sync"
)

const firstEphemeralPort = 49152

// MemoryNetwork links Memory transports living in the same process, keyed
// by port. It is what tests and single-process setups run on: reliable,
// ordered, lossless, no goroutines.
type MemoryNetwork struct {
	// one lock for the whole network, operations touch both ends of a link
	mu       sync.Mutex
	ports    map[int]*memHost
	nextPort int
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		ports:    make(map[int]*memHost),
		nextPort: firstEphemeralPort,
	}
}

type Memory struct {
	network *MemoryNetwork

	queue    eventQueue
	hosts    map[HostID]*memHost
	nextHost HostID
	nextConn ConnID
	closed   bool
}

var _ Transport = (*Memory)(nil)

type memHost struct {
	owner    *Memory
	id       HostID
	port     int
	topology Topology
	conns    map[ConnID]*memConn
}

type memConn struct {
	host   *memHost
	id     ConnID
	remote *memConn
}

func (n *MemoryNetwork) NewTransport() *Memory {
	return &Memory{
		network: n,
		hosts:   make(map[HostID]*memHost),
	}
}

// Port returns the port a host was bound to.
func (m *Memory) Port(host HostID) (int, error) {
	m.network.mu.Lock()
	defer m.network.mu.Unlock()

	h, ok := m.hosts[host]
	if !ok {
		return 0, ErrUnknownHost
	}
	return h.port, nil
}

func (m *Memory) AddHost(topology Topology, port int) (HostID, error) {
	m.network.mu.Lock()
	defer m.network.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	n := m.network
	if port == 0 {
		for {
			port = n.nextPort
			n.nextPort += 1
			if _, taken := n.ports[port]; !taken {
				break
			}
		}
	} else if _, taken := n.ports[port]; taken {
		return 0, fmt.Errorf("port %d already in use", port)
	}

	if topology.MaxConnections < 1 {
		topology.MaxConnections = 1
	}

	m.nextHost += 1
	h := &memHost{
		owner:    m,
		id:       m.nextHost,
		port:     port,
		topology: topology,
		conns:    make(map[ConnID]*memConn),
	}
	m.hosts[h.id] = h
	n.ports[port] = h
	return h.id, nil
}

func (m *Memory) newConn(h *memHost) *memConn {
	m.nextConn += 1
	c := &memConn{host: h, id: m.nextConn}
	h.conns[c.id] = c
	return c
}

// Connect ignores remoteHost, every Memory on the network shares one
// address space of ports.
func (m *Memory) Connect(host HostID, remoteHost string, remotePort int) (ConnID, error) {
	m.network.mu.Lock()
	defer m.network.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	h, ok := m.hosts[host]
	if !ok {
		return 0, ErrUnknownHost
	}
	if len(h.conns) >= h.topology.MaxConnections {
		return 0, ErrHostFull
	}

	local := m.newConn(h)

	remoteH, ok := m.network.ports[remotePort]
	if !ok || len(remoteH.conns) >= remoteH.topology.MaxConnections {
		delete(h.conns, local.id)
		m.queue.push(Event{
			Type: EventError,
			Host: h.id,
			Conn: local.id,
			Err:  fmt.Errorf("could not connect to %s:%d: %w", remoteHost, remotePort, ErrConnectionRefused),
		})
		return local.id, nil
	}

	remote := remoteH.owner.newConn(remoteH)
	local.remote = remote
	remote.remote = local

	remoteH.owner.queue.push(Event{Type: EventConnect, Host: remoteH.id, Conn: remote.id})
	m.queue.push(Event{Type: EventConnect, Host: h.id, Conn: local.id})
	return local.id, nil
}

func (m *Memory) lookup(host HostID, conn ConnID) (*memConn, error) {
	if m.closed {
		return nil, ErrClosed
	}
	h, ok := m.hosts[host]
	if !ok {
		return nil, ErrUnknownHost
	}
	c, ok := h.conns[conn]
	if !ok {
		return nil, ErrUnknownConnection
	}
	return c, nil
}

func (m *Memory) Send(host HostID, conn ConnID, channel Channel, data []byte) error {
	m.network.mu.Lock()
	defer m.network.mu.Unlock()

	c, err := m.lookup(host, conn)
	if err != nil {
		return err
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	remote := c.remote
	remote.host.owner.queue.push(Event{
		Type:    EventData,
		Host:    remote.host.id,
		Conn:    remote.id,
		Channel: channel,
		Data:    buf,
	})
	return nil
}

func (m *Memory) Receive() (Event, bool) {
	m.network.mu.Lock()
	defer m.network.mu.Unlock()

	return m.queue.pop()
}

// unlink drops both ends of c and tells the remote side. The local side is
// told only when notifyLocal is set.
func (m *Memory) unlink(c *memConn, notifyLocal bool) {
	delete(c.host.conns, c.id)
	if remote := c.remote; remote != nil {
		delete(remote.host.conns, remote.id)
		remote.host.owner.queue.push(Event{Type: EventDisconnect, Host: remote.host.id, Conn: remote.id})
		remote.remote = nil
		c.remote = nil
	}
	if notifyLocal {
		m.queue.push(Event{Type: EventDisconnect, Host: c.host.id, Conn: c.id})
	}
}

func (m *Memory) Disconnect(host HostID, conn ConnID) error {
	m.network.mu.Lock()
	defer m.network.mu.Unlock()

	c, err := m.lookup(host, conn)
	if err != nil {
		return err
	}
	m.unlink(c, true)
	return nil
}

func (m *Memory) removeHost(h *memHost) {
	for _, c := range h.conns {
		m.unlink(c, false)
	}
	delete(m.hosts, h.id)
	delete(m.network.ports, h.port)
}

func (m *Memory) RemoveHost(host HostID) error {
	m.network.mu.Lock()
	defer m.network.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	h, ok := m.hosts[host]
	if !ok {
		return ErrUnknownHost
	}
	m.removeHost(h)
	return nil
}

func (m *Memory) Shutdown() error {
	m.network.mu.Lock()
	defer m.network.mu.Unlock()

	if m.closed {
		return nil
	}
	for _, h := range m.hosts {
		m.removeHost(h)
	}
	m.closed = true
	return nil
}
