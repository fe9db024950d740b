package transport_test

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/blukai/rmpnet/internal/transport"
	"github.com/matryer/is"
)

func TestUDPConnectSendDisconnect(t *testing.T) {
	is := is.New(t)

	server := transport.NewUDP(nil)
	defer server.Shutdown()
	client := transport.NewUDP(nil)
	defer client.Shutdown()

	serverHost, err := server.AddHost(transport.Topology{MaxConnections: 4}, 0)
	is.NoErr(err)
	addr, err := server.LocalAddr(serverHost)
	is.NoErr(err)

	clientHost, err := client.AddHost(transport.Topology{MaxConnections: 1}, 0)
	is.NoErr(err)

	conn, err := client.Connect(clientHost, "127.0.0.1", addr.Port)
	is.NoErr(err)

	ev := nextEvent(t, server, time.Second)
	is.Equal(ev.Type, transport.EventConnect)
	serverConn := ev.Conn

	ev = nextEvent(t, client, time.Second)
	is.Equal(ev.Type, transport.EventConnect)
	is.Equal(ev.Conn, conn)

	is.NoErr(client.Send(clientHost, conn, transport.Reliable, []byte("hello")))

	ev = nextEvent(t, server, time.Second)
	is.Equal(ev.Type, transport.EventData)
	is.Equal(ev.Conn, serverConn)
	is.Equal(string(ev.Data), "hello")

	is.NoErr(server.Send(serverHost, serverConn, transport.Unreliable, []byte("world")))

	ev = nextEvent(t, client, time.Second)
	is.Equal(ev.Type, transport.EventData)
	is.Equal(ev.Channel, transport.Unreliable)
	is.Equal(string(ev.Data), "world")

	is.NoErr(client.Disconnect(clientHost, conn))

	ev = nextEvent(t, client, time.Second)
	is.Equal(ev.Type, transport.EventDisconnect)

	ev = nextEvent(t, server, time.Second)
	is.Equal(ev.Type, transport.EventDisconnect)
	is.Equal(ev.Conn, serverConn)
}

func TestUDPHostFull(t *testing.T) {
	is := is.New(t)

	server := transport.NewUDP(nil)
	defer server.Shutdown()
	serverHost, err := server.AddHost(transport.Topology{MaxConnections: 1}, 0)
	is.NoErr(err)
	addr, err := server.LocalAddr(serverHost)
	is.NoErr(err)

	first := transport.NewUDP(nil)
	defer first.Shutdown()
	firstHost, err := first.AddHost(transport.Topology{}, 0)
	is.NoErr(err)
	_, err = first.Connect(firstHost, "127.0.0.1", addr.Port)
	is.NoErr(err)
	is.Equal(nextEvent(t, first, time.Second).Type, transport.EventConnect)

	second := transport.NewUDP(nil)
	defer second.Shutdown()
	secondHost, err := second.AddHost(transport.Topology{}, 0)
	is.NoErr(err)
	_, err = second.Connect(secondHost, "127.0.0.1", addr.Port)
	is.NoErr(err)

	ev := nextEvent(t, second, time.Second)
	is.Equal(ev.Type, transport.EventError)
	is.True(errors.Is(ev.Err, transport.ErrConnectionRefused))
}

func TestUDPDatagramTooLarge(t *testing.T) {
	is := is.New(t)

	u := transport.NewUDP(nil)
	defer u.Shutdown()
	host, err := u.AddHost(transport.Topology{}, 0)
	is.NoErr(err)

	err = u.Send(host, 1, transport.Reliable, make([]byte, transport.MaxDatagramSize+1))
	var tooLarge *transport.DatagramTooLargeError
	is.True(errors.As(err, &tooLarge))
	is.Equal(tooLarge.Max, transport.MaxDatagramSize)
}

// datagram kinds as they go over the wire
const (
	rawConnect   = 1
	rawAccept    = 2
	rawData      = 3
	rawKeepAlive = 5
	rawAck       = 6
)

// readDatagram skips keepalives. ok is false when nothing else came in
// time.
func readDatagram(t *testing.T, raw *net.UDPConn, timeout time.Duration) (datagram []byte, ok bool) {
	t.Helper()

	buf := make([]byte, 2048)
	deadline := time.Now().Add(timeout)
	for {
		if err := raw.SetReadDeadline(deadline); err != nil {
			t.Fatal(err)
		}
		n, _, err := raw.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, false
			}
			t.Fatal(err)
		}
		if n > 0 && buf[0] == rawKeepAlive {
			continue
		}
		return append([]byte(nil), buf[:n]...), true
	}
}

func reliableDatagram(seq uint32, data string) []byte {
	datagram := []byte{rawData, byte(transport.Reliable)}
	datagram = binary.LittleEndian.AppendUint32(datagram, seq)
	return append(datagram, data...)
}

// rawPeer connects a bare socket to a fresh UDP server host.
func rawPeer(t *testing.T) (*transport.UDP, transport.HostID, transport.ConnID, *net.UDPConn, *net.UDPAddr) {
	t.Helper()
	is := is.New(t)

	server := transport.NewUDP(nil)
	t.Cleanup(func() { server.Shutdown() })
	host, err := server.AddHost(transport.Topology{MaxConnections: 1}, 0)
	is.NoErr(err)
	local, err := server.LocalAddr(host)
	is.NoErr(err)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: local.Port}

	raw, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	is.NoErr(err)
	t.Cleanup(func() { raw.Close() })

	_, err = raw.WriteToUDP([]byte{rawConnect, 0}, addr)
	is.NoErr(err)
	accept, ok := readDatagram(t, raw, time.Second)
	is.True(ok)
	is.Equal(accept[0], byte(rawAccept))

	ev := nextEvent(t, server, time.Second)
	is.Equal(ev.Type, transport.EventConnect)
	return server, host, ev.Conn, raw, addr
}

func TestUDPReliableInOrderOnce(t *testing.T) {
	is := is.New(t)

	server, _, _, raw, addr := rawPeer(t)

	for _, datagram := range [][]byte{
		reliableDatagram(1, "b"),
		reliableDatagram(0, "a"),
		reliableDatagram(1, "b"),
		reliableDatagram(2, "c"),
	} {
		_, err := raw.WriteToUDP(datagram, addr)
		is.NoErr(err)
	}

	var got []string
	for len(got) < 3 {
		ev := nextEvent(t, server, time.Second)
		is.Equal(ev.Type, transport.EventData)
		is.Equal(ev.Channel, transport.Reliable)
		got = append(got, string(ev.Data))
	}
	is.Equal(got, []string{"a", "b", "c"})

	acked := make(map[uint32]bool)
	for i := 0; i < 4; i++ {
		ack, ok := readDatagram(t, raw, time.Second)
		is.True(ok)
		is.Equal(ack[0], byte(rawAck))
		acked[binary.LittleEndian.Uint32(ack[2:])] = true
	}
	is.Equal(acked, map[uint32]bool{0: true, 1: true, 2: true})

	time.Sleep(50 * time.Millisecond)
	_, ok := server.Receive()
	is.True(!ok) // the duplicate was not delivered again
}

func TestUDPReliableRetransmitsUntilAcked(t *testing.T) {
	is := is.New(t)

	server, host, conn, raw, addr := rawPeer(t)

	is.NoErr(server.Send(host, conn, transport.Reliable, []byte("x")))
	want := reliableDatagram(0, "x")

	first, ok := readDatagram(t, raw, time.Second)
	is.True(ok)
	is.Equal(first, want)

	again, ok := readDatagram(t, raw, time.Second)
	is.True(ok) // retransmitted
	is.Equal(again, want)

	ack := binary.LittleEndian.AppendUint32([]byte{rawAck, byte(transport.Reliable)}, 0)
	_, err := raw.WriteToUDP(ack, addr)
	is.NoErr(err)

	// whatever was already in flight may still arrive, then it stops
	deadline := time.Now().Add(2 * time.Second)
	for {
		is.True(time.Now().Before(deadline)) // retransmits stop once acked
		if _, ok := readDatagram(t, raw, 700*time.Millisecond); !ok {
			break
		}
	}
}
