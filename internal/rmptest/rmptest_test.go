package rmptest_test

import (
	"testing"
	"time"

	"github.com/blukai/rmpnet/internal/demo"
	"github.com/blukai/rmpnet/internal/packet"
	"github.com/blukai/rmpnet/internal/rmp"
	"github.com/blukai/rmpnet/internal/steamauth"
	"github.com/blukai/rmpnet/internal/transport"
	"github.com/matryer/is"
	"github.com/phuslu/log"
)

const secret = "rmptest"

func newLogger() *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Level = log.WarnLevel
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

type node struct {
	svc  *rmp.Service
	auth *steamauth.Service
	chat *demo.Chat
}

func newNode(t *testing.T, tr transport.Transport, oracle *steamauth.HMACOracle, id steamauth.Identity) *node {
	is := is.New(t)

	logger := newLogger()

	methods := rmp.NewMethodTable()
	steamauth.RegisterMethods(methods)
	demo.RegisterMethods(methods)

	n := &node{svc: rmp.NewService(tr, methods, demo.Templates(), logger)}

	var issuer steamauth.TicketIssuer
	if oracle == nil {
		issuer = steamauth.NewHMACIssuer([]byte(secret), id.UserID)
	}
	auth, err := steamauth.NewService(n.svc, steamauth.DefaultConfig(), oracle, issuer, id, logger)
	is.NoErr(err)
	n.auth = auth
	if oracle != nil {
		oracle.OnAuthChange = auth.Queue().OnAuthChange
	}

	n.chat, err = demo.NewChat(n.svc)
	is.NoErr(err)
	return n
}

func eventually(t *testing.T, what string, cond func() bool, nodes ...*node) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			n.svc.Tick(time.Now())
		}
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type network struct {
	newTransport func() transport.Transport
	// port returns where the server host listens
	port func(tr transport.Transport, host transport.HostID) int
}

func twoPlayers(t *testing.T, nw network) {
	is := is.New(t)

	// setup server

	serverTransport := nw.newTransport()
	server := newNode(t, serverTransport, steamauth.NewHMACOracle([]byte(secret), 0), steamauth.Identity{})
	server.chat.Name = func(sender *rmp.Peer) string {
		if sender == nil {
			return "server"
		}
		if user, ok := server.auth.Queue().User(sender); ok {
			return user.Username
		}
		return "stranger"
	}

	is.NoErr(server.svc.StartServer(0, 4))
	host, ok := server.svc.Host()
	is.True(ok)
	port := nw.port(serverTransport, host)

	// setup players

	one := newNode(t, nw.newTransport(), nil, steamauth.Identity{UserID: 1, Username: "one"})
	two := newNode(t, nw.newTransport(), nil, steamauth.Identity{UserID: 2, Username: "two"})
	nodes := []*node{server, one, two}

	t.Log("join")
	is.NoErr(one.svc.StartClient("127.0.0.1", port))
	is.NoErr(two.svc.StartClient("127.0.0.1", port))
	eventually(t, "both players to join", func() bool {
		return one.auth.Joined() && two.auth.Joined()
	}, nodes...)
	is.Equal(len(server.auth.Queue().Users()), 2)

	t.Log("chat")
	is.NoErr(one.chat.Say("hello"))
	eventually(t, "chat message", func() bool {
		return len(two.chat.History()) == 1 && len(one.chat.History()) == 1
	}, nodes...)
	is.Equal(two.chat.History()[0], demo.Message{From: "one", Text: "hello"})
	is.Equal(server.chat.History()[0], demo.Message{From: "one", Text: "hello"})

	t.Log("spawn cube")
	view, err := demo.SpawnCube(server.svc, packet.Vector3{X: 1, Y: 2, Z: 3}, nil)
	is.NoErr(err)

	replicaCube := func(n *node) *demo.Cube {
		replica, err := n.svc.View(view.GUID())
		if err != nil {
			return nil
		}
		c, _ := demo.CubeOf(replica)
		return c
	}
	eventually(t, "cube replicas", func() bool {
		return replicaCube(one) != nil && replicaCube(two) != nil
	}, nodes...)
	is.Equal(replicaCube(one).Transform.Position, packet.Vector3{X: 1, Y: 2, Z: 3})
	is.Equal(replicaCube(two).Transform.Rotation, packet.QuaternionIdentity)

	t.Log("move cube")
	moved := packet.Transform{
		Position: packet.Vector3{X: -4},
		Rotation: packet.Quaternion{Y: 1},
	}
	is.NoErr(demo.MoveCube(view, moved, nil))
	eventually(t, "cube move", func() bool {
		return replicaCube(one).Transform == moved && replicaCube(two).Transform == moved
	}, nodes...)

	t.Log("destroy cube")
	oneCube := replicaCube(one)
	is.NoErr(view.Destroy())
	eventually(t, "cube removal", func() bool {
		return replicaCube(one) == nil && replicaCube(two) == nil
	}, nodes...)
	is.True(oneCube.Destroyed)

	t.Log("player one leaves")
	is.NoErr(one.svc.StopClient())
	eventually(t, "player one to leave", func() bool {
		return len(server.auth.Queue().Users()) == 1
	}, nodes...)
	is.Equal(server.auth.Queue().Users()[0].Username, "two")

	t.Log("stop server")
	is.NoErr(server.svc.StopServer())
	eventually(t, "everyone offline", func() bool {
		for _, n := range nodes {
			if n.svc.IsOnline() {
				return false
			}
		}
		return true
	}, nodes...)
}

func TestTwoPlayersMemory(t *testing.T) {
	mem := transport.NewMemoryNetwork()
	twoPlayers(t, network{
		newTransport: func() transport.Transport { return mem.NewTransport() },
		port: func(tr transport.Transport, host transport.HostID) int {
			port, err := tr.(*transport.Memory).Port(host)
			if err != nil {
				t.Fatal(err)
			}
			return port
		},
	})
}

func TestTwoPlayersUDP(t *testing.T) {
	var transports []*transport.UDP
	t.Cleanup(func() {
		for _, tr := range transports {
			tr.Shutdown()
		}
	})

	twoPlayers(t, network{
		newTransport: func() transport.Transport {
			tr := transport.NewUDP(nil)
			transports = append(transports, tr)
			return tr
		},
		port: func(tr transport.Transport, host transport.HostID) int {
			addr, err := tr.(*transport.UDP).LocalAddr(host)
			if err != nil {
				t.Fatal(err)
			}
			return addr.Port
		},
	})
}

func TestTwoPlayersWebSocket(t *testing.T) {
	var transports []*transport.WebSocket
	t.Cleanup(func() {
		for _, tr := range transports {
			tr.Shutdown()
		}
	})

	twoPlayers(t, network{
		newTransport: func() transport.Transport {
			tr := transport.NewWebSocket(nil)
			transports = append(transports, tr)
			return tr
		},
		port: func(tr transport.Transport, host transport.HostID) int {
			addr, err := tr.(*transport.WebSocket).LocalAddr(host)
			if err != nil {
				t.Fatal(err)
			}
			return addr.Port
		},
	})
}
