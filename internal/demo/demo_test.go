package demo_test

import (
	"testing"
	"time"

	"github.com/blukai/rmpnet/internal/demo"
	"github.com/blukai/rmpnet/internal/packet"
	"github.com/blukai/rmpnet/internal/rmp"
	"github.com/blukai/rmpnet/internal/transport"
	"github.com/matryer/is"
)

func newService() *rmp.Service {
	methods := rmp.NewMethodTable()
	demo.RegisterMethods(methods)
	return rmp.NewService(transport.NewMemoryNetwork().NewTransport(), methods, demo.Templates(), nil)
}

func TestChatOffline(t *testing.T) {
	is := is.New(t)

	svc := newService()
	chat, err := demo.NewChat(svc)
	is.NoErr(err)

	var got []demo.Message
	chat.OnMessage = func(msg demo.Message) { got = append(got, msg) }

	is.NoErr(chat.Say("anyone?"))
	is.Equal(got, []demo.Message{{From: "server", Text: "anyone?"}})
	is.Equal(chat.History(), got)
}

func TestCubeOffline(t *testing.T) {
	is := is.New(t)

	svc := newService()
	view, err := demo.SpawnCube(svc, packet.Vector3{Y: 5}, nil)
	is.NoErr(err)

	c, ok := demo.CubeOf(view)
	is.True(ok)
	is.Equal(c.Transform.Position, packet.Vector3{Y: 5})
	is.Equal(c.Transform.Rotation, packet.QuaternionIdentity)

	moved := packet.Transform{Position: packet.Vector3{X: 1}, Rotation: packet.QuaternionIdentity}
	is.NoErr(demo.MoveCube(view, moved, nil))
	is.Equal(c.Transform, moved)

	is.NoErr(view.Destroy())
	is.True(c.Destroyed)
}

func TestCubeReplicationPayload(t *testing.T) {
	is := is.New(t)

	src := demo.NewCube()
	src.Transform.Position = packet.Vector3{X: 1, Y: 2, Z: 3}

	w := packet.NewWriter()
	is.NoErr(src.WriteReplication(w))

	dst := demo.NewCube()
	is.NoErr(dst.ReadReplication(nil, packet.NewReader(w.Bytes())))
	is.Equal(dst.Transform, src.Transform)
}

func pump(services ...*rmp.Service) {
	for i := 0; i < 8; i++ {
		for _, s := range services {
			s.Tick(time.Now())
		}
	}
}

func TestOnlyTheAudienceTakesPart(t *testing.T) {
	is := is.New(t)

	network := transport.NewMemoryNetwork()
	newNode := func() (*rmp.Service, *demo.Chat) {
		methods := rmp.NewMethodTable()
		demo.RegisterMethods(methods)
		svc := rmp.NewService(network.NewTransport(), methods, demo.Templates(), nil)
		chat, err := demo.NewChat(svc)
		is.NoErr(err)
		return svc, chat
	}

	server, serverChat := newNode()
	is.NoErr(server.StartServer(7777, 2))

	member, memberChat := newNode()
	is.NoErr(member.StartClient("localhost", 7777))
	pump(server, member)
	is.Equal(len(server.ClientPeers()), 1)
	memberPeer := server.ClientPeers()[0]

	outsider, outsiderChat := newNode()
	is.NoErr(outsider.StartClient("localhost", 7777))
	pump(server, member, outsider)
	is.Equal(len(server.ClientPeers()), 2)

	audience := demo.Audience(func() []*rmp.Peer { return []*rmp.Peer{memberPeer} })
	serverChat.Allow = func(sender *rmp.Peer) bool { return sender == memberPeer }
	serverChat.Audience = audience

	view, err := demo.SpawnCube(server, packet.Vector3{X: 1}, audience)
	is.NoErr(err)
	pump(server, member, outsider)
	_, err = member.View(view.GUID())
	is.NoErr(err)
	_, err = outsider.View(view.GUID())
	is.True(err != nil) // outsider never hears of the cube

	is.NoErr(outsiderChat.Say("let me in"))
	pump(server, member, outsider)
	is.Equal(len(serverChat.History()), 0)

	is.NoErr(memberChat.Say("hi"))
	pump(server, member, outsider)
	is.Equal(serverChat.History(), []demo.Message{{From: memberPeer.String(), Text: "hi"}})
	is.Equal(memberChat.History(), serverChat.History())
	is.Equal(len(outsiderChat.History()), 0)

	is.NoErr(demo.DestroyCube(view, audience))
	pump(server, member, outsider)
	_, err = member.View(view.GUID())
	is.True(err != nil)
	is.Equal(len(server.ClientPeers()), 2)
}
