package steamauth

import (
	"errors"
	"fmt"
	"io"

	"github.com/blukai/rmpnet/internal/byteorder"
	"github.com/blukai/rmpnet/internal/rmp"
	"github.com/phuslu/log"
)

const (
	// ViewGUID is the scene view both sides talk over.
	ViewGUID = "steamauth"
	TypeID   = "steamauth"

	methodHandShake       = "clRPC_HandShake"
	methodServerHandShake = "svRPC_HandShake"
	methodAccepted        = "clRPC_ConnectionAccepted"
	methodRejected        = "clRPC_ConnectionRejected"
)

var errNotAServer = errors.New("service has no oracle, it can not admit users")

// RegisterMethods adds the handshake handlers to methods. Server and
// client need them both.
func RegisterMethods(methods *rmp.MethodTable) {
	rmp.Handle(methods, TypeID, methodHandShake, (*Service).clHandShake)
	rmp.Handle(methods, TypeID, methodServerHandShake, (*Service).svHandShake)
	rmp.Handle(methods, TypeID, methodAccepted, (*Service).clConnectionAccepted)
	rmp.Handle(methods, TypeID, methodRejected, (*Service).clConnectionRejected)
}

// Identity is who the local user claims to be when joining a server.
type Identity struct {
	UserID   uint64
	Username string
}

// Service hooks admission into an rmp.Service: the server asks every new
// client for a ticket and queues it, the client answers with its ticket
// and leaves when rejected.
type Service struct {
	logger   *log.Logger
	rmp      *rmp.Service
	view     *rmp.View
	config   Config
	queue    *Queue
	issuer   TicketIssuer
	identity Identity

	joined bool

	// client side
	OnJoinServer func()
	OnExitServer func()
	OnRejected   func(reason string)
}

var (
	_ rmp.Receiver = (*Service)(nil)
	_ Notifier     = (*Service)(nil)
)

// NewService attaches to svc. oracle may be nil for a pure client, issuer
// may be nil for a pure server.
func NewService(svc *rmp.Service, config Config, oracle Oracle, issuer TicketIssuer, identity Identity, logger *log.Logger) (*Service, error) {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	s := &Service{
		logger:   logger,
		rmp:      svc,
		config:   config,
		issuer:   issuer,
		identity: identity,
	}

	view, err := svc.AddSceneView(ViewGUID, s)
	if err != nil {
		return nil, fmt.Errorf("could not add steamauth view: %w", err)
	}
	s.view = view

	if oracle != nil {
		s.queue = NewQueue(config, oracle, s, logger)
		svc.OnClientConnect.Add(s.onClientConnect)
		svc.OnClientDisconnect.Add(func(peer *rmp.Peer) { s.queue.EnqueueDisconnect(peer) })
		svc.OnStopServer.Add(s.queue.Close)
		svc.OnTick.Add(s.queue.Pump)
	}
	svc.OnDisconnectFromServer.Add(s.onDisconnectFromServer)

	return s, nil
}

func (s *Service) RMPType() string { return TypeID }

// Queue is nil unless the service was given an oracle.
func (s *Service) Queue() *Queue { return s.queue }

// Joined reports whether the server accepted this client.
func (s *Service) Joined() bool { return s.joined }

func (s *Service) onClientConnect(peer *rmp.Peer) {
	s.logger.Info().Msgf("%s connected, waiting for its ticket", peer)
	if err := s.view.RPCTo(peer, methodHandShake); err != nil {
		s.logger.Error().Msgf("could not ask %s for a ticket: %v", peer, err)
	}
}

func (s *Service) onDisconnectFromServer(peer *rmp.Peer) {
	if s.issuer != nil {
		s.issuer.Cancel()
	}
	if s.joined {
		s.joined = false
		if s.OnExitServer != nil {
			s.OnExitServer()
		}
	}
}

func (s *Service) Accept(peer Peer) error {
	p, ok := peer.(*rmp.Peer)
	if !ok {
		return fmt.Errorf("unexpected peer %T", peer)
	}
	return s.view.RPCTo(p, methodAccepted)
}

func (s *Service) Reject(peer Peer, reason string) error {
	p, ok := peer.(*rmp.Peer)
	if !ok {
		return fmt.Errorf("unexpected peer %T", peer)
	}
	return s.view.RPCTo(p, methodRejected, reason)
}

func (s *Service) clHandShake(call *rmp.Call) error {
	if !call.FromServer() {
		return fmt.Errorf("%s: not sent by the server", call.Method)
	}
	if s.issuer == nil {
		return fmt.Errorf("%s: no ticket issuer", call.Method)
	}

	ticket, err := s.issuer.Ticket()
	if err != nil {
		return fmt.Errorf("could not get auth ticket: %w", err)
	}

	s.logger.Info().Msg("sending auth ticket")
	return s.view.RPC(rmp.ToServer, methodServerHandShake,
		s.config.Version,
		ticket,
		byteorder.PutUint64(nil, s.identity.UserID),
		s.identity.Username,
	)
}

func (s *Service) svHandShake(call *rmp.Call) error {
	if s.queue == nil {
		return errNotAServer
	}
	if call.Sender == nil {
		return fmt.Errorf("%s: no remote sender", call.Method)
	}

	version, err := rmp.Arg[string](call, 0)
	if err != nil {
		return err
	}
	ticket, err := rmp.Arg[[]byte](call, 1)
	if err != nil {
		return err
	}
	userIDData, err := rmp.Arg[[]byte](call, 2)
	if err != nil {
		return err
	}
	if len(userIDData) != 8 {
		return fmt.Errorf("%s: user id is %d bytes, want 8", call.Method, len(userIDData))
	}
	username, err := rmp.Arg[string](call, 3)
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("username", username).
		Msg("auth ticket received")

	s.queue.EnqueueConnect(call.Sender, version, ticket, byteorder.GetUint64(userIDData), username)
	return nil
}

func (s *Service) clConnectionAccepted(call *rmp.Call) error {
	if !call.FromServer() {
		return fmt.Errorf("%s: not sent by the server", call.Method)
	}

	s.logger.Info().Msg("server accepted connection")
	s.joined = true
	if s.OnJoinServer != nil {
		s.OnJoinServer()
	}
	return nil
}

func (s *Service) clConnectionRejected(call *rmp.Call) error {
	if !call.FromServer() {
		return fmt.Errorf("%s: not sent by the server", call.Method)
	}

	reason, err := rmp.Arg[string](call, 0)
	if err != nil {
		return err
	}

	s.logger.Warn().Msgf("server rejected connection: %s", reason)
	if s.OnRejected != nil {
		s.OnRejected(reason)
	}
	return s.rmp.StopClient()
}
