package rmp_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/blukai/rmpnet/internal/packet"
	"github.com/blukai/rmpnet/internal/rmp"
	"github.com/blukai/rmpnet/internal/transport"
	"github.com/matryer/is"
)

const lobbyGUID = "lobby"

// lobby is a scene object that records every call it handles.
type lobby struct {
	calls []rmp.Call
}

func (l *lobby) RMPType() string { return "lobby" }

// cube is replicated from the server; its position travels in the
// Replicate frame.
type cube struct {
	position  packet.Vector3
	sender    *rmp.Peer
	destroyed bool
}

func (c *cube) RMPType() string { return "cube" }

func (c *cube) WriteReplication(w *packet.Writer) error {
	w.WriteVector3(c.position)
	return nil
}

func (c *cube) ReadReplication(sender *rmp.Peer, r *packet.Reader) (err error) {
	c.sender = sender
	c.position, err = r.ReadVector3()
	return err
}

func (c *cube) OnDestroy() { c.destroyed = true }

func newMethods() *rmp.MethodTable {
	methods := rmp.NewMethodTable()
	record := func(l *lobby, call *rmp.Call) error {
		l.calls = append(l.calls, *call)
		return nil
	}
	rmp.Handle(methods, "lobby", "svEcho", func(l *lobby, call *rmp.Call) error {
		if err := record(l, call); err != nil {
			return err
		}
		n, err := rmp.Arg[int32](call, 0)
		if err != nil {
			return err
		}
		msg, err := rmp.Arg[string](call, 1)
		if err != nil {
			return err
		}
		return call.View.RPC(rmp.Broadcast, "clEcho", msg+"-"+strconv.Itoa(int(n)))
	})
	rmp.Handle(methods, "lobby", "clEcho", record)
	rmp.Handle(methods, "lobby", "ping", record)
	rmp.Handle(methods, "cube", "move", func(c *cube, call *rmp.Call) error {
		pos, err := rmp.Arg[packet.Vector3](call, 0)
		if err != nil {
			return err
		}
		c.position = pos
		return nil
	})
	return methods
}

var templates = []rmp.Template{
	{Name: "sphere", New: func() []rmp.Receiver { return nil }},
	{Name: "capsule", New: func() []rmp.Receiver { return nil }},
	{Name: "plane", New: func() []rmp.Receiver { return nil }},
	{Name: "cube", New: func() []rmp.Receiver { return []rmp.Receiver{&cube{}} }},
}

type node struct {
	service *rmp.Service
	lobby   *lobby
}

func newNode(t *testing.T, network *transport.MemoryNetwork) *node {
	is := is.New(t)

	n := &node{lobby: &lobby{}}
	n.service = rmp.NewService(network.NewTransport(), newMethods(), templates, nil)
	_, err := n.service.AddSceneView(lobbyGUID, n.lobby)
	is.NoErr(err)
	return n
}

// pump ticks every service until the in-memory traffic settled.
func pump(services ...*rmp.Service) {
	for i := 0; i < 8; i++ {
		for _, s := range services {
			s.Tick(time.Now())
		}
	}
}

// serverWithClients starts a server and connects n clients to it.
func serverWithClients(t *testing.T, n int) (*node, []*node) {
	is := is.New(t)

	network := transport.NewMemoryNetwork()
	server := newNode(t, network)
	is.NoErr(server.service.StartServer(7777, n))

	services := []*rmp.Service{server.service}
	clients := make([]*node, n)
	for i := range clients {
		clients[i] = newNode(t, network)
		is.NoErr(clients[i].service.StartClient("localhost", 7777))
		services = append(services, clients[i].service)
	}
	pump(services...)

	is.Equal(len(server.service.ClientPeers()), n)
	for _, c := range clients {
		is.Equal(c.service.ServerPeer().Status(), rmp.PeerConnected)
	}
	return server, clients
}

func allServices(server *node, clients []*node) []*rmp.Service {
	services := []*rmp.Service{server.service}
	for _, c := range clients {
		services = append(services, c.service)
	}
	return services
}
