package transport_test

import (
	"errors"
	"testing"

	"github.com/blukai/rmpnet/internal/transport"
	"github.com/matryer/is"
)

func memoryPair(t *testing.T) (server, client *transport.Memory, serverHost, clientHost transport.HostID, port int) {
	is := is.New(t)

	network := transport.NewMemoryNetwork()
	server = network.NewTransport()
	client = network.NewTransport()

	serverHost, err := server.AddHost(transport.Topology{MaxConnections: 2}, 0)
	is.NoErr(err)
	port, err = server.Port(serverHost)
	is.NoErr(err)

	clientHost, err = client.AddHost(transport.Topology{MaxConnections: 1}, 0)
	is.NoErr(err)

	return server, client, serverHost, clientHost, port
}

func TestMemoryConnectSendDisconnect(t *testing.T) {
	is := is.New(t)

	server, client, serverHost, clientHost, port := memoryPair(t)

	conn, err := client.Connect(clientHost, "localhost", port)
	is.NoErr(err)

	ev, ok := server.Receive()
	is.True(ok)
	is.Equal(ev.Type, transport.EventConnect)
	is.Equal(ev.Host, serverHost)
	serverConn := ev.Conn

	ev, ok = client.Receive()
	is.True(ok)
	is.Equal(ev.Type, transport.EventConnect)
	is.Equal(ev.Conn, conn)

	payload := []byte{1, 2, 3}
	is.NoErr(client.Send(clientHost, conn, transport.Unreliable, payload))
	payload[0] = 42 // sender keeps ownership of its buffer

	ev, ok = server.Receive()
	is.True(ok)
	is.Equal(ev.Type, transport.EventData)
	is.Equal(ev.Conn, serverConn)
	is.Equal(ev.Channel, transport.Unreliable)
	is.Equal(ev.Data, []byte{1, 2, 3})

	is.NoErr(server.Disconnect(serverHost, serverConn))

	ev, ok = server.Receive()
	is.True(ok)
	is.Equal(ev.Type, transport.EventDisconnect)

	ev, ok = client.Receive()
	is.True(ok)
	is.Equal(ev.Type, transport.EventDisconnect)
	is.Equal(ev.Conn, conn)

	_, ok = client.Receive()
	is.True(!ok)

	err = client.Send(clientHost, conn, transport.Reliable, payload)
	is.True(errors.Is(err, transport.ErrUnknownConnection))
}

func TestMemoryConnectRefused(t *testing.T) {
	is := is.New(t)

	network := transport.NewMemoryNetwork()
	client := network.NewTransport()
	host, err := client.AddHost(transport.Topology{MaxConnections: 1}, 0)
	is.NoErr(err)

	conn, err := client.Connect(host, "localhost", 1)
	is.NoErr(err)

	ev, ok := client.Receive()
	is.True(ok)
	is.Equal(ev.Type, transport.EventError)
	is.Equal(ev.Conn, conn)
	is.True(errors.Is(ev.Err, transport.ErrConnectionRefused))
}

func TestMemoryHostFull(t *testing.T) {
	is := is.New(t)

	network := transport.NewMemoryNetwork()
	server := network.NewTransport()
	serverHost, err := server.AddHost(transport.Topology{MaxConnections: 1}, 7777)
	is.NoErr(err)
	_ = serverHost

	first := network.NewTransport()
	firstHost, err := first.AddHost(transport.Topology{}, 0)
	is.NoErr(err)
	_, err = first.Connect(firstHost, "", 7777)
	is.NoErr(err)
	ev, _ := first.Receive()
	is.Equal(ev.Type, transport.EventConnect)

	second := network.NewTransport()
	secondHost, err := second.AddHost(transport.Topology{}, 0)
	is.NoErr(err)
	_, err = second.Connect(secondHost, "", 7777)
	is.NoErr(err)
	ev, _ = second.Receive()
	is.Equal(ev.Type, transport.EventError)

	// the host itself can not open more than it accepts either
	_, err = first.Connect(firstHost, "", 7777)
	is.True(errors.Is(err, transport.ErrHostFull))
}

func TestMemoryRemoveHostNotifiesRemote(t *testing.T) {
	is := is.New(t)

	server, client, serverHost, clientHost, port := memoryPair(t)

	_, err := client.Connect(clientHost, "", port)
	is.NoErr(err)
	server.Receive()
	client.Receive()

	is.NoErr(server.RemoveHost(serverHost))

	ev, ok := client.Receive()
	is.True(ok)
	is.Equal(ev.Type, transport.EventDisconnect)

	_, ok = server.Receive()
	is.True(!ok)

	is.NoErr(server.Shutdown())
	_, err = server.AddHost(transport.Topology{}, 0)
	is.True(errors.Is(err, transport.ErrClosed))
}

func TestMemoryPortInUse(t *testing.T) {
	is := is.New(t)

	network := transport.NewMemoryNetwork()
	a := network.NewTransport()
	b := network.NewTransport()

	_, err := a.AddHost(transport.Topology{}, 5000)
	is.NoErr(err)
	_, err = b.AddHost(transport.Topology{}, 5000)
	is.True(err != nil)
}
