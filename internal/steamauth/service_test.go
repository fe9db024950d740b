package steamauth_test

import (
	"testing"
	"time"

	"github.com/blukai/rmpnet/internal/rmp"
	"github.com/blukai/rmpnet/internal/steamauth"
	"github.com/blukai/rmpnet/internal/transport"
	"github.com/matryer/is"
)

const secret = "dev secret"

// eventually ticks services until cond holds.
func eventually(t *testing.T, cond func() bool, services ...*rmp.Service) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range services {
			s.Tick(time.Now())
		}
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newAuthServer(t *testing.T, network *transport.MemoryNetwork, config steamauth.Config) (*rmp.Service, *steamauth.Service) {
	is := is.New(t)

	methods := rmp.NewMethodTable()
	steamauth.RegisterMethods(methods)
	svc := rmp.NewService(network.NewTransport(), methods, nil, nil)

	oracle := steamauth.NewHMACOracle([]byte(secret), 0)
	auth, err := steamauth.NewService(svc, config, oracle, nil, steamauth.Identity{}, nil)
	is.NoErr(err)
	oracle.OnAuthChange = auth.Queue().OnAuthChange

	is.NoErr(svc.StartServer(27015, 4))
	return svc, auth
}

func newAuthClient(t *testing.T, network *transport.MemoryNetwork, version string, id steamauth.Identity) (*rmp.Service, *steamauth.Service) {
	is := is.New(t)

	methods := rmp.NewMethodTable()
	steamauth.RegisterMethods(methods)
	svc := rmp.NewService(network.NewTransport(), methods, nil, nil)

	config := steamauth.DefaultConfig()
	config.Version = version
	issuer := steamauth.NewHMACIssuer([]byte(secret), id.UserID)
	auth, err := steamauth.NewService(svc, config, nil, issuer, id, nil)
	is.NoErr(err)
	is.True(auth.Queue() == nil)

	is.NoErr(svc.StartClient("", 27015))
	return svc, auth
}

func TestHandshakeAccepted(t *testing.T) {
	is := is.New(t)

	network := transport.NewMemoryNetwork()
	server, serverAuth := newAuthServer(t, network, steamauth.DefaultConfig())

	var joins []string
	serverAuth.Queue().OnUserJoin.Add(func(user *steamauth.User) { joins = append(joins, user.Username) })

	client, clientAuth := newAuthClient(t, network, "1.0", steamauth.Identity{UserID: 7, Username: "alice"})
	var joined, exited bool
	clientAuth.OnJoinServer = func() { joined = true }
	clientAuth.OnExitServer = func() { exited = true }

	eventually(t, func() bool { return joined }, server, client)

	is.True(clientAuth.Joined())
	is.Equal(joins, []string{"alice"})
	users := serverAuth.Queue().Users()
	is.Equal(len(users), 1)
	is.Equal(users[0].UserID, uint64(7))
	is.Equal(users[0].Peer, steamauth.Peer(server.ClientPeers()[0]))

	is.NoErr(client.StopClient())
	eventually(t, func() bool { return len(serverAuth.Queue().Users()) == 0 }, server, client)
	is.True(exited)
	is.True(!clientAuth.Joined())
}

func TestHandshakeRejected(t *testing.T) {
	is := is.New(t)

	network := transport.NewMemoryNetwork()
	server, serverAuth := newAuthServer(t, network, steamauth.DefaultConfig())

	client, clientAuth := newAuthClient(t, network, "0.9", steamauth.Identity{UserID: 8, Username: "bob"})
	var reason string
	clientAuth.OnRejected = func(r string) { reason = r }

	// the rejected client disconnects itself
	eventually(t, func() bool {
		return client.Role() == rmp.RoleStandalone && len(server.ClientPeers()) == 0
	}, server, client)

	is.Equal(reason, "Version mismatch. Client: 0.9, Server: 1.0")
	is.True(!clientAuth.Joined())
	is.Equal(len(serverAuth.Queue().Users()), 0)
}

func TestStopServerEndsSessions(t *testing.T) {
	is := is.New(t)

	network := transport.NewMemoryNetwork()
	server, serverAuth := newAuthServer(t, network, steamauth.DefaultConfig())
	client, clientAuth := newAuthClient(t, network, "1.0", steamauth.Identity{UserID: 9, Username: "carol"})

	eventually(t, clientAuth.Joined, server, client)

	is.NoErr(server.StopServer())
	eventually(t, func() bool {
		return server.Role() == rmp.RoleStandalone && client.Role() == rmp.RoleStandalone
	}, server, client)

	is.Equal(len(serverAuth.Queue().Users()), 0)
	is.True(!clientAuth.Joined())
}
